package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/relaylabs/otp-relay/internal/breaker"
	"github.com/relaylabs/otp-relay/internal/domain"
	"github.com/relaylabs/otp-relay/internal/mailpool"
	"github.com/relaylabs/otp-relay/internal/observability"
	"github.com/relaylabs/otp-relay/internal/otp"
	"github.com/relaylabs/otp-relay/internal/ratelimit"
	"github.com/relaylabs/otp-relay/internal/taskqueue"
	"go.uber.org/zap"
)

// OTPRequest asks for a fresh code to be issued and delivered.
type OTPRequest struct {
	SubjectID   string
	Recipient   string
	Channel     domain.Channel
	OriginIP    string
	OriginAgent string
}

// EnqueueResult identifies the accepted delivery task.
type EnqueueResult struct {
	TaskID        string            `json:"taskId"`
	CorrelationID string            `json:"correlationId"`
	Status        domain.TaskStatus `json:"status"`
	ExpiresAt     *time.Time        `json:"expiresAt,omitempty"`
}

// NotificationRequest asks for arbitrary content to be delivered.
type NotificationRequest struct {
	Recipient string
	Content   string
	Channel   domain.Channel
}

// Snapshot is a point-in-time operational summary.
type Snapshot struct {
	Issued            int64  `json:"otpIssued"`
	Validated         int64  `json:"otpValidated"`
	DeliverySuccesses int64  `json:"deliverySuccesses"`
	DeliveryFailures  int64  `json:"deliveryFailures"`
	RateLimitedCount  int64  `json:"rateLimited"`
	CircuitPhase      string `json:"circuitPhase"`
	QueueDepth        int    `json:"queueDepth"`
	PoolIdleCount     int    `json:"poolIdleConnections"`
	StoreDegraded     bool   `json:"storeDegraded"`
}

// Facade is the single entry point request handlers talk to. It composes the
// OTP manager, the delivery queue, and the admission limiter, and hides
// every resilience primitive behind four operations.
type Facade struct {
	otp           *otp.Manager
	queue         *taskqueue.Queue
	limiter       *ratelimit.Limiter
	breaker       *breaker.Breaker
	pool          *mailpool.Pool
	metrics       *observability.Metrics
	logger        *zap.Logger
	otpTTL        time.Duration
	storeDegraded bool
}

func NewFacade(manager *otp.Manager, queue *taskqueue.Queue, limiter *ratelimit.Limiter, br *breaker.Breaker, pool *mailpool.Pool, metrics *observability.Metrics, logger *zap.Logger, otpTTL time.Duration, storeDegraded bool) (*Facade, error) {
	if manager == nil {
		return nil, fmt.Errorf("otp manager is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("task queue is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if br == nil {
		return nil, fmt.Errorf("circuit breaker is required")
	}
	if otpTTL <= 0 {
		return nil, fmt.Errorf("otp ttl must be positive, got %s", otpTTL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Facade{
		otp:           manager,
		queue:         queue,
		limiter:       limiter,
		breaker:       br,
		pool:          pool,
		metrics:       metrics,
		logger:        logger,
		otpTTL:        otpTTL,
		storeDegraded: storeDegraded,
	}, nil
}

// RequestOTP issues a code for the subject and enqueues its delivery. The
// plaintext code lives only inside the rendered message; it is never part of
// the response.
func (f *Facade) RequestOTP(ctx context.Context, req OTPRequest) (*EnqueueResult, error) {
	recipient := strings.TrimSpace(req.Recipient)
	if recipient == "" {
		return nil, fmt.Errorf("%w: recipient is required", domain.ErrValidation)
	}

	code, record, err := f.otp.Issue(ctx, req.SubjectID, req.Channel, req.OriginIP, req.OriginAgent)
	if err != nil {
		f.countRateLimited(err)
		return nil, err
	}

	task := &domain.DeliveryTask{
		ID:            uuid.NewString(),
		CorrelationID: correlationID(ctx),
		Recipient:     recipient,
		Content:       renderOTPMessage(code, f.otpTTL),
		Channel:       req.Channel,
	}

	if err := f.queue.Enqueue(ctx, task); err != nil {
		// The issued code stays stored; it simply never gets delivered and
		// either expires or is superseded by the next request.
		return nil, err
	}

	expiresAt := record.ExpiresAt
	return &EnqueueResult{
		TaskID:        task.ID,
		CorrelationID: task.CorrelationID,
		Status:        task.Status,
		ExpiresAt:     &expiresAt,
	}, nil
}

// VerifyOTP validates a candidate code for the subject.
func (f *Facade) VerifyOTP(ctx context.Context, subjectID, code string) (domain.VerifyResult, error) {
	result, err := f.otp.Validate(ctx, subjectID, code)
	if err != nil {
		return "", err
	}

	f.metrics.IncValidated(string(result))
	observability.WithContextLogger(f.logger, ctx).Info("otp validated",
		zap.String("subjectId", strings.TrimSpace(subjectID)),
		zap.String("result", string(result)),
	)
	return result, nil
}

// SendNotification enqueues delivery of arbitrary content.
func (f *Facade) SendNotification(ctx context.Context, req NotificationRequest) (*EnqueueResult, error) {
	recipient := strings.TrimSpace(req.Recipient)
	if recipient == "" {
		return nil, fmt.Errorf("%w: recipient is required", domain.ErrValidation)
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", domain.ErrValidation)
	}
	if !req.Channel.IsValid() {
		return nil, fmt.Errorf("%w: invalid channel %q", domain.ErrValidation, req.Channel)
	}

	// Admission is paid at enqueue time; the deliverer separately draws from
	// the global budget for every wire attempt.
	if err := f.limiter.Allow(ctx, ratelimit.ActionSend, recipient); err != nil {
		f.countRateLimited(err)
		return nil, err
	}

	task := &domain.DeliveryTask{
		ID:            uuid.NewString(),
		CorrelationID: correlationID(ctx),
		Recipient:     recipient,
		Content:       req.Content,
		Channel:       req.Channel,
	}

	if err := f.queue.Enqueue(ctx, task); err != nil {
		return nil, err
	}

	return &EnqueueResult{
		TaskID:        task.ID,
		CorrelationID: task.CorrelationID,
		Status:        task.Status,
	}, nil
}

// TaskStatus reports the lifecycle state of a previously accepted task.
func (f *Facade) TaskStatus(_ context.Context, taskID string) (domain.TaskStatus, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return "", fmt.Errorf("%w: task id is required", domain.ErrValidation)
	}
	return f.queue.Status(taskID)
}

// MetricsSnapshot summarizes the service's operational state.
func (f *Facade) MetricsSnapshot(_ context.Context) Snapshot {
	issued, validated, successes, failures, rateLimited := f.metrics.Counters()

	snapshot := Snapshot{
		Issued:            issued,
		Validated:         validated,
		DeliverySuccesses: successes,
		DeliveryFailures:  failures,
		RateLimitedCount:  rateLimited,
		CircuitPhase:      f.breaker.Phase().String(),
		QueueDepth:        f.queue.Depth(),
		StoreDegraded:     f.storeDegraded,
	}
	if f.pool != nil {
		snapshot.PoolIdleCount = f.pool.IdleCount()
	}
	return snapshot
}

func (f *Facade) countRateLimited(err error) {
	var rle *domain.RateLimitedError
	if errors.As(err, &rle) {
		f.metrics.IncRateLimited(rle.Scope)
	}
}

func correlationID(ctx context.Context) string {
	if id, ok := observability.CorrelationIDFromContext(ctx); ok {
		return id
	}
	return uuid.NewString()
}

func renderOTPMessage(code string, ttl time.Duration) string {
	minutes := int(ttl.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, minutes)
}
