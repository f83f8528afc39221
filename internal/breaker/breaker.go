package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/relaylabs/otp-relay/internal/domain"
	"go.uber.org/zap"
)

// Phase is the breaker state.
type Phase int

const (
	PhaseClosed Phase = iota
	PhaseOpen
	PhaseHalfOpen
)

func (p Phase) String() string {
	switch p {
	case PhaseClosed:
		return "closed"
	case PhaseOpen:
		return "open"
	case PhaseHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker tracks the health of one outbound dependency. It opens after a
// configured run of consecutive failures, half-opens once the cooldown has
// elapsed, and closes again on a successful probe. At most one probe is in
// flight while half-open.
type Breaker struct {
	mu                  sync.Mutex
	phase               Phase
	consecutiveFailures int
	openedAt            time.Time
	probing             bool

	threshold int
	cooldown  time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

func New(threshold int, cooldown time.Duration, logger *zap.Logger) (*Breaker, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("failure threshold must be positive, got %d", threshold)
	}
	if cooldown <= 0 {
		return nil, fmt.Errorf("cooldown must be positive, got %s", cooldown)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Breaker{
		phase:     PhaseClosed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		logger:    logger,
	}, nil
}

// Allow reports whether a call may proceed. The probe flag is true for the
// single call admitted while half-open; the caller must hand it back to
// RecordSuccess or RecordFailure.
func (b *Breaker) Allow() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.phase {
	case PhaseClosed:
		return false, nil
	case PhaseOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, domain.ErrCircuitOpen
		}
		b.phase = PhaseHalfOpen
		b.probing = true
		b.logger.Info("circuit half-open, admitting probe")
		return true, nil
	case PhaseHalfOpen:
		if b.probing {
			return false, domain.ErrCircuitOpen
		}
		b.probing = true
		return true, nil
	default:
		return false, domain.ErrCircuitOpen
	}
}

// RecordSuccess records the terminal success of one logical send. Only the
// outermost attempt of a retried send reports here.
func (b *Breaker) RecordSuccess(probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}

	switch b.phase {
	case PhaseHalfOpen:
		if probe {
			b.phase = PhaseClosed
			b.consecutiveFailures = 0
			b.logger.Info("circuit closed after successful probe")
		}
	case PhaseClosed:
		b.consecutiveFailures = 0
	}
}

// RecordFailure records the terminal failure of one logical send.
func (b *Breaker) RecordFailure(probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}

	switch b.phase {
	case PhaseHalfOpen:
		if probe {
			b.phase = PhaseOpen
			b.openedAt = b.now()
			b.logger.Warn("circuit reopened after failed probe")
		}
	case PhaseClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.threshold {
			b.phase = PhaseOpen
			b.openedAt = b.now()
			b.logger.Warn("circuit opened",
				zap.Int("consecutiveFailures", b.consecutiveFailures),
			)
		}
	}
}

// ReleaseProbe abandons an in-flight probe without a verdict. The breaker
// stays half-open so the next caller can probe again. Used when an attempt
// aborts for a caller-side reason that says nothing about dependency health.
func (b *Breaker) ReleaseProbe(probe bool) {
	if !probe {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// Phase returns the current state.
func (b *Breaker) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

// Cooldown returns the configured open-phase cooldown.
func (b *Breaker) Cooldown() time.Duration {
	return b.cooldown
}
