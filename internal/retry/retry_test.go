package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relaylabs/otp-relay/internal/domain"
	"go.uber.org/zap"
)

func newTestExecutor(t *testing.T, policy Policy) (*Executor, *[]time.Duration) {
	t.Helper()

	e, err := NewExecutor(policy, zap.NewNop())
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}

	var delays []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	e.randIntn = func(n int) int { return n - 1 }

	return e, &delays
}

func TestExecutorSucceedsWithoutRetry(t *testing.T) {
	t.Parallel()

	e, delays := newTestExecutor(t, Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute})

	calls := 0
	err := e.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if len(*delays) != 0 {
		t.Fatalf("delays = %v, want none", *delays)
	}
}

func TestExecutorRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	e, delays := newTestExecutor(t, Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute})

	calls := 0
	err := e.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if len(*delays) != 2 {
		t.Fatalf("sleeps = %d, want 2", len(*delays))
	}
}

func TestExecutorExhaustsAttemptBudget(t *testing.T) {
	t.Parallel()

	e, delays := newTestExecutor(t, Policy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: time.Minute})

	calls := 0
	attemptErr := errors.New("still down")
	err := e.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return attemptErr
	})

	if !errors.Is(err, domain.ErrDeliveryFailed) {
		t.Fatalf("Do() error = %v, want ErrDeliveryFailed", err)
	}
	if !errors.Is(err, attemptErr) {
		t.Fatalf("Do() error = %v, should wrap last attempt error", err)
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 4 (max attempts)", calls)
	}
	if len(*delays) != 3 {
		t.Fatalf("sleeps = %d, want 3 (no sleep after final attempt)", len(*delays))
	}
}

func TestExecutorDelaysGrowAndStayUnderCap(t *testing.T) {
	t.Parallel()

	cap := 4 * time.Second
	e, delays := newTestExecutor(t, Policy{MaxAttempts: 6, BaseDelay: time.Second, MaxDelay: cap})

	err := e.Do(context.Background(), func(ctx context.Context) error {
		return errors.New("transient")
	})
	if !errors.Is(err, domain.ErrDeliveryFailed) {
		t.Fatalf("Do() error = %v, want ErrDeliveryFailed", err)
	}

	for i, d := range *delays {
		if d > cap {
			t.Fatalf("delay #%d = %s exceeds cap %s", i+1, d, cap)
		}
	}
	// With randIntn pinned to max jitter the sequence is the raw exponential.
	if (*delays)[0] >= (*delays)[1] {
		t.Fatalf("delays should grow: %v", *delays)
	}
	if (*delays)[3] != cap || (*delays)[4] != cap {
		t.Fatalf("late delays should sit at the cap: %v", *delays)
	}
}

func TestExecutorPermanentErrorAbortsImmediately(t *testing.T) {
	t.Parallel()

	e, delays := newTestExecutor(t, Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute})

	calls := 0
	cause := errors.New("malformed recipient")
	err := e.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Permanent(cause)
	})

	if !errors.Is(err, cause) {
		t.Fatalf("Do() error = %v, should wrap cause", err)
	}
	if errors.Is(err, domain.ErrDeliveryFailed) {
		t.Fatal("permanent failure must not read as retry exhaustion")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if len(*delays) != 0 {
		t.Fatalf("delays = %v, want none", *delays)
	}
}

func TestExecutorStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	e, _ := newTestExecutor(t, Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := e.Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestNewExecutorRejectsInvalidPolicy(t *testing.T) {
	t.Parallel()

	invalid := []Policy{
		{MaxAttempts: 0, BaseDelay: time.Second, MaxDelay: time.Minute},
		{MaxAttempts: 3, BaseDelay: 0, MaxDelay: time.Minute},
		{MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: time.Second},
	}
	for _, p := range invalid {
		if _, err := NewExecutor(p, zap.NewNop()); err == nil {
			t.Fatalf("NewExecutor(%+v) should fail", p)
		}
	}
}
