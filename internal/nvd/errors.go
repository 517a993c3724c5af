package nvd

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitedError is returned when the source keeps throttling after the
// client's own backoff attempts are spent. RetryAfter carries the server's
// hint when one was given.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("source rate limited, retry after %s", e.RetryAfter)
	}
	return "source rate limited"
}

// NetworkError wraps transport failures and unexpected server responses.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("source request failed: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a fetch failure is worth another attempt at
// the coordinate level. Context cancellation and decode failures are not.
func IsRetryable(err error) bool {
	var rateLimited *RateLimitedError
	var network *NetworkError
	return errors.As(err, &rateLimited) || errors.As(err, &network)
}
