package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation marks malformed caller input (bad channel, empty recipient).
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks a lookup miss for tasks or OTP records.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited is returned when an admission bucket is out of tokens.
	// Safe and expected; never logged at error level.
	ErrRateLimited = errors.New("rate limited")

	// ErrQueueFull is the backpressure signal from the task queue.
	ErrQueueFull = errors.New("task queue is full")

	// ErrCircuitOpen is returned while the outbound dependency breaker is open.
	ErrCircuitOpen = errors.New("circuit is open")

	// ErrPoolExhausted is returned when no pooled connection frees up in time.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrDeliveryFailed is the terminal outcome after retry exhaustion.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// RateLimitedError carries the retry-after hint computed from the window
// boundary. It matches errors.Is(err, ErrRateLimited).
type RateLimitedError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("rate limited (scope=%s, retry after %s)", e.Scope, e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfterHint extracts the retry-after duration from a rate limit error,
// or zero when the error carries none.
func RetryAfterHint(err error) time.Duration {
	var rle *RateLimitedError
	if errors.As(err, &rle) {
		return rle.RetryAfter
	}
	return 0
}
