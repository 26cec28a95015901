package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/modelrelay/model"
)

// translateError maps SDK and transport failures onto the canonical error
// taxonomy. Unrecognized errors propagate unmodified so callers can tell
// classified failures from unexpected ones.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429:
			return fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		case apierr.StatusCode == 401 || apierr.StatusCode == 403:
			return fmt.Errorf("%w: %w", model.ErrAuth, err)
		case apierr.StatusCode == 400 || apierr.StatusCode == 404 || apierr.StatusCode == 422:
			return fmt.Errorf("%w: %w", model.ErrBadRequest, err)
		case apierr.StatusCode >= 500:
			return fmt.Errorf("%w: %w", model.ErrServerUnavailable, err)
		default:
			return err
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", model.ErrConnection, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", model.ErrConnection, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %w", model.ErrConnection, err)
	}
	return err
}
