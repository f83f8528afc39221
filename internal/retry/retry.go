package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/relaylabs/otp-relay/internal/domain"
	"go.uber.org/zap"
)

// Policy bounds one retried operation: at most MaxAttempts tries, with an
// exponential inter-attempt delay capped at MaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p Policy) validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", p.MaxAttempts)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be positive, got %s", p.BaseDelay)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max delay %s must not be below base delay %s", p.MaxDelay, p.BaseDelay)
	}
	return nil
}

// PermanentError marks a failure that must not be retried (malformed
// recipient, rejected sender). It aborts immediately without consuming the
// remaining attempt budget.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	if e == nil || e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func isPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Executor runs one delivery attempt under the configured policy. The sleep
// between attempts always happens on the calling goroutine, which is a queue
// worker, never a request handler.
type Executor struct {
	policy   Policy
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	randIntn func(n int) int
}

func NewExecutor(policy Policy, logger *zap.Logger) (*Executor, error) {
	if err := policy.validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Executor{
		policy:   policy,
		logger:   logger,
		sleep:    sleepWithContext,
		randIntn: rand.Intn,
	}, nil
}

// Do runs op until it succeeds, fails permanently, the context ends, or the
// attempt budget is exhausted. Exhaustion surfaces as ErrDeliveryFailed
// wrapping the last attempt error.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if isPermanent(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if attempt == e.policy.MaxAttempts {
			break
		}

		delay := e.backoff(attempt)
		e.logger.Debug("attempt failed, backing off",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)
		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", domain.ErrDeliveryFailed, e.policy.MaxAttempts, lastErr)
}

// backoff computes min(base * 2^(attempt-1), cap) with equal jitter: half the
// exponential delay is fixed, half randomized, so the total never exceeds the
// cap while synchronized retries still spread out.
func (e *Executor) backoff(attempt int) time.Duration {
	delay := e.policy.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= e.policy.MaxDelay {
			delay = e.policy.MaxDelay
			break
		}
	}

	half := delay / 2
	if half <= 0 {
		return delay
	}

	return half + time.Duration(e.randIntn(int(half)+1))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
