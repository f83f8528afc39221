package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relaylabs/otp-relay/internal/breaker"
	"github.com/relaylabs/otp-relay/internal/domain"
	"github.com/relaylabs/otp-relay/internal/observability"
	"github.com/relaylabs/otp-relay/internal/provider"
	"github.com/relaylabs/otp-relay/internal/ratelimit"
	"github.com/relaylabs/otp-relay/internal/retry"
	"go.uber.org/zap"
)

// Deliverer executes one delivery task end to end: breaker admission, global
// send budget, channel dispatch, and retry with backoff. It is the task
// queue's handler.
type Deliverer struct {
	breaker *breaker.Breaker
	retryer *retry.Executor
	limiter *ratelimit.Limiter
	email   provider.Sender
	sms     provider.Sender
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewDeliverer(br *breaker.Breaker, retryer *retry.Executor, limiter *ratelimit.Limiter, email, sms provider.Sender, metrics *observability.Metrics, logger *zap.Logger) (*Deliverer, error) {
	if br == nil {
		return nil, fmt.Errorf("circuit breaker is required")
	}
	if retryer == nil {
		return nil, fmt.Errorf("retry executor is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if email == nil && sms == nil {
		return nil, fmt.Errorf("at least one sender is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Deliverer{
		breaker: br,
		retryer: retryer,
		limiter: limiter,
		email:   email,
		sms:     sms,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Deliver runs one attempt cycle for the task. ErrCircuitOpen means the task
// was never attempted and should be deferred, ErrDeliveryFailed that the
// retry budget ran out on transient failures, anything else is permanent.
func (d *Deliverer) Deliver(ctx context.Context, task *domain.DeliveryTask) error {
	probe, err := d.breaker.Allow()
	if err != nil {
		d.metrics.SetCircuitState(int(d.breaker.Phase()))
		return err
	}

	logger := observability.WithContextLogger(d.logger, ctx).With(
		zap.String("taskId", task.ID),
		zap.String("channel", task.Channel.String()),
	)

	started := d.now()
	deliveryErr := d.retryer.Do(ctx, func(ctx context.Context) error {
		return d.attempt(ctx, task)
	})
	elapsed := d.now().Sub(started)

	if deliveryErr != nil {
		// Only retry exhaustion on transient failures is a dependency
		// verdict. Permanent caller errors (malformed recipient, channel not
		// configured) never touched the mail dependency and must not move
		// the breaker.
		if errors.Is(deliveryErr, domain.ErrDeliveryFailed) {
			d.breaker.RecordFailure(probe)
		} else {
			d.breaker.ReleaseProbe(probe)
		}
		d.metrics.SetCircuitState(int(d.breaker.Phase()))
		d.metrics.IncDeliveryFailure(task.Channel.String(), failureReason(deliveryErr))
		logger.Warn("delivery attempt cycle failed", zap.Error(deliveryErr), zap.Duration("elapsed", elapsed))
		return deliveryErr
	}

	d.breaker.RecordSuccess(probe)
	d.metrics.SetCircuitState(int(d.breaker.Phase()))
	d.metrics.IncDeliverySuccess(task.Channel.String())
	d.metrics.ObserveDeliveryDuration(task.Channel.String(), elapsed)
	logger.Info("delivery succeeded", zap.Duration("elapsed", elapsed))
	return nil
}

// attempt is one retryable try. Permanent classifications are wrapped so the
// executor aborts instead of burning the remaining budget.
func (d *Deliverer) attempt(ctx context.Context, task *domain.DeliveryTask) error {
	// The outbound budget is spent per attempt, not per task: every wire
	// interaction costs a token.
	if err := d.limiter.AllowGlobal(ctx, ratelimit.ActionSend); err != nil {
		return err
	}

	var err error
	switch task.Channel {
	case domain.ChannelEmail:
		err = d.sendEmail(ctx, task)
	case domain.ChannelSMS:
		err = d.sendSMS(ctx, task)
	case domain.ChannelBoth:
		if err = d.sendEmail(ctx, task); err == nil {
			err = d.sendSMS(ctx, task)
		}
	default:
		return retry.Permanent(fmt.Errorf("%w: unsupported channel %q", domain.ErrValidation, task.Channel))
	}

	if err == nil {
		return nil
	}
	if !provider.IsTransient(err) {
		return retry.Permanent(err)
	}
	return err
}

func (d *Deliverer) sendEmail(ctx context.Context, task *domain.DeliveryTask) error {
	if d.email == nil {
		return retry.Permanent(fmt.Errorf("%w: email channel is not configured", domain.ErrValidation))
	}
	return d.email.Send(ctx, task.Recipient, task.Content)
}

func (d *Deliverer) sendSMS(ctx context.Context, task *domain.DeliveryTask) error {
	if d.sms == nil {
		return retry.Permanent(fmt.Errorf("%w: sms channel is not configured", domain.ErrValidation))
	}
	return d.sms.Send(ctx, task.Recipient, task.Content)
}

func failureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case provider.IsTransient(err):
		return "transient"
	default:
		return "permanent"
	}
}
