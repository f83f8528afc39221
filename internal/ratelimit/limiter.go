package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/relaylabs/otp-relay/internal/domain"
	"github.com/relaylabs/otp-relay/internal/store"
)

// Action names the admission scope an operation draws from. Issuance and
// outbound sends are budgeted independently.
type Action string

const (
	ActionIssue Action = "issue"
	ActionSend  Action = "send"
)

// Limit is a fixed-window admission budget.
type Limit struct {
	Capacity int
	Window   time.Duration
}

func (l Limit) validate() error {
	if l.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", l.Capacity)
	}
	if l.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", l.Window)
	}
	return nil
}

// Config holds the two independent scopes. The global scope protects the
// outbound dependency as a whole, the recipient scope protects individual
// recipients from directed abuse.
type Config struct {
	Global    Limit
	Recipient Limit
}

// Limiter is a token-window admission controller over the Store. Counters
// refill deterministically from elapsed time: the window boundary is derived
// from "now", never from a timer callback.
type Limiter struct {
	store store.Store
	cfg   Config
	now   func() time.Time
}

func New(st store.Store, cfg Config) (*Limiter, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := cfg.Global.validate(); err != nil {
		return nil, fmt.Errorf("global limit: %w", err)
	}
	if err := cfg.Recipient.validate(); err != nil {
		return nil, fmt.Errorf("recipient limit: %w", err)
	}

	return &Limiter{
		store: st,
		cfg:   cfg,
		now:   time.Now,
	}, nil
}

// Allow admits one action or returns a RateLimitedError. A malformed
// recipient is rejected before any token is spent. The global token is then
// consumed before the recipient bucket is checked, so a recipient-scope
// denial still costs global budget. Denials never reveal whether the
// recipient identity exists.
func (l *Limiter) Allow(ctx context.Context, action Action, recipient string) error {
	normalized := strings.ToLower(strings.TrimSpace(recipient))
	if normalized == "" {
		return fmt.Errorf("%w: recipient is required", domain.ErrValidation)
	}

	if err := l.AllowGlobal(ctx, action); err != nil {
		return err
	}

	return l.consume(ctx, l.recipientKey(action, normalized), "recipient", l.cfg.Recipient)
}

// AllowGlobal consumes only from the global scope. The deliverer calls this
// before each outbound send.
func (l *Limiter) AllowGlobal(ctx context.Context, action Action) error {
	return l.consume(ctx, l.globalKey(action), "global", l.cfg.Global)
}

func (l *Limiter) consume(ctx context.Context, key string, scope string, limit Limit) error {
	count, err := l.store.Increment(ctx, key, limit.Window)
	if err != nil {
		return fmt.Errorf("failed to consume %s bucket: %w", scope, err)
	}

	if count > int64(limit.Capacity) {
		return &domain.RateLimitedError{
			Scope:      scope,
			RetryAfter: l.retryAfter(limit.Window),
		}
	}

	return nil
}

func (l *Limiter) windowStart(window time.Duration) time.Time {
	return l.now().UTC().Truncate(window)
}

func (l *Limiter) retryAfter(window time.Duration) time.Duration {
	return l.windowStart(window).Add(window).Sub(l.now().UTC())
}

func (l *Limiter) globalKey(action Action) string {
	return fmt.Sprintf("ratelimit:global:%s:%d", action, l.windowStart(l.cfg.Global.Window).Unix())
}

func (l *Limiter) recipientKey(action Action, recipient string) string {
	return fmt.Sprintf("ratelimit:recipient:%s:%s:%d", action, recipient, l.windowStart(l.cfg.Recipient.Window).Unix())
}
