package model

import "errors"

// Canonical error taxonomy. Provider adapters translate vendor failures into
// these sentinels via fmt.Errorf("%w: %w", ...) so callers can branch with
// errors.Is while retaining the vendor detail. Unrecognized vendor errors
// propagate unmodified, preserving the distinction between classified and
// unexpected failures.
var (
	// ErrConnection is a transport-level failure (dial, TLS, timeout).
	// Retryable at a higher layer.
	ErrConnection = errors.New("connection failure")

	// ErrServerUnavailable is a provider 5xx. Retryable with backoff.
	ErrServerUnavailable = errors.New("server unavailable")

	// ErrRateLimited is a provider 429. The caller backs off.
	ErrRateLimited = errors.New("rate limited")

	// ErrAuth is a 401/403. Non-retryable; a configuration problem.
	ErrAuth = errors.New("authorization failed")

	// ErrBadRequest is a validation rejection (400/404/422). The provider
	// message is surfaced verbatim in the wrapped error.
	ErrBadRequest = errors.New("bad request")

	// ErrUnsupportedContent marks content the target backend cannot accept
	// (unsupported mime type, mutually exclusive feature combination). Raised
	// before any network call.
	ErrUnsupportedContent = errors.New("unsupported content")
)
