package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/modelrelay/model"
)

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"rate limited", &anthropic.Error{StatusCode: 429}, model.ErrRateLimited},
		{"unauthorized", &anthropic.Error{StatusCode: 401}, model.ErrAuth},
		{"forbidden", &anthropic.Error{StatusCode: 403}, model.ErrAuth},
		{"bad request", &anthropic.Error{StatusCode: 400}, model.ErrBadRequest},
		{"not found", &anthropic.Error{StatusCode: 404}, model.ErrBadRequest},
		{"overloaded", &anthropic.Error{StatusCode: 529}, model.ErrServerUnavailable},
		{"internal", &anthropic.Error{StatusCode: 500}, model.ErrServerUnavailable},
		{"deadline", context.DeadlineExceeded, model.ErrConnection},
		{"transport", &url.Error{Op: "Post", URL: "https://api.anthropic.com", Err: errors.New("refused")}, model.ErrConnection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, translateError(tt.err), tt.want)
		})
	}
}

func TestTranslateErrorPassesUnknownThrough(t *testing.T) {
	err := fmt.Errorf("something odd")
	assert.Equal(t, err, translateError(err))
	assert.Nil(t, translateError(nil))
}
