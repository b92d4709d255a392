package errors

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitedError carries the provider-suggested retry delay when a sender
// is throttled. The dispatch worker honors RetryAfter over its own backoff.
type RateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by %s (retry after %s): %v", e.Provider, e.RetryAfter, e.Err)
}

func (e *RateLimitedError) Unwrap() error {
	return e.Err
}

func RateLimited(provider string, retryAfter time.Duration, err error) *AppError {
	return &AppError{
		Code:    CodeRateLimited,
		Message: fmt.Sprintf("provider %s rate limited", provider),
		Err:     &RateLimitedError{Provider: provider, RetryAfter: retryAfter, Err: err},
	}
}

// RetryAfterOf returns the provider-suggested delay if err carries one.
func RetryAfterOf(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}
