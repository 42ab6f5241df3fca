package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownModel        = errors.New("unknown model")
	ErrMissingCredential   = errors.New("missing credential")
	ErrUnsupportedProvider = errors.New("unsupported provider")
	ErrUpstreamGeneration  = errors.New("upstream generation failed")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrThreadNotFound      = errors.New("thread not found")
	ErrTitleInFlight       = errors.New("title generation already in flight")
	ErrReadOnlyBackend     = errors.New("credential backend is read-only")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrProviderUnavailable = errors.New("provider temporarily unavailable")
)

// UpstreamStatusError is a non-2xx answer from a provider API. Body is
// truncated and may echo caller input, so it must not reach clients.
type UpstreamStatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *UpstreamStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s error: status=%d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s error: status=%d body=%s", e.Provider, e.StatusCode, e.Body)
}

// ServerSide reports whether the provider itself is struggling, as opposed
// to rejecting this particular request or key.
func (e *UpstreamStatusError) ServerSide() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}
