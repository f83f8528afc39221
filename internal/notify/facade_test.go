package notify

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/relaylabs/otp-relay/internal/breaker"
	"github.com/relaylabs/otp-relay/internal/domain"
	"github.com/relaylabs/otp-relay/internal/observability"
	"github.com/relaylabs/otp-relay/internal/otp"
	"github.com/relaylabs/otp-relay/internal/ratelimit"
	"github.com/relaylabs/otp-relay/internal/store"
	"github.com/relaylabs/otp-relay/internal/taskqueue"
	"go.uber.org/zap"
)

var codePattern = regexp.MustCompile(`\d{6}`)

type facadeFixture struct {
	facade  *Facade
	queue   *taskqueue.Queue
	metrics *observability.Metrics

	mu        sync.Mutex
	delivered []string
}

// newFacadeFixture wires a full in-memory stack. The queue handler records
// delivered content instead of touching a real transport.
func newFacadeFixture(t *testing.T, startWorkers bool) *facadeFixture {
	t.Helper()

	f := &facadeFixture{metrics: observability.NewMetrics()}

	st := store.NewMemoryStore(time.Minute)
	t.Cleanup(func() { _ = st.Close() })

	limiter, err := ratelimit.New(st, ratelimit.Config{
		Global:    ratelimit.Limit{Capacity: 100, Window: time.Minute},
		Recipient: ratelimit.Limit{Capacity: 100, Window: time.Minute},
	})
	if err != nil {
		t.Fatalf("ratelimit.New() error = %v", err)
	}

	manager, err := otp.NewManager(st, limiter, otp.Config{
		Length:      6,
		TTL:         5 * time.Minute,
		MaxAttempts: 3,
	}, f.metrics, zap.NewNop())
	if err != nil {
		t.Fatalf("otp.NewManager() error = %v", err)
	}

	queue, err := taskqueue.New(taskqueue.Config{Capacity: 8, Workers: 1}, func(_ context.Context, task *domain.DeliveryTask) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.delivered = append(f.delivered, task.Content)
		return nil
	}, zap.NewNop(), f.metrics)
	if err != nil {
		t.Fatalf("taskqueue.New() error = %v", err)
	}
	f.queue = queue

	if startWorkers {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = queue.Start(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}

	br, err := breaker.New(5, 30*time.Second, zap.NewNop())
	if err != nil {
		t.Fatalf("breaker.New() error = %v", err)
	}

	facade, err := NewFacade(manager, queue, limiter, br, nil, f.metrics, zap.NewNop(), 5*time.Minute, false)
	if err != nil {
		t.Fatalf("NewFacade() error = %v", err)
	}
	f.facade = facade

	return f
}

func (f *facadeFixture) waitForDelivery(t *testing.T) string {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.delivered) > 0 {
			content := f.delivered[0]
			f.mu.Unlock()
			return content
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("no delivery observed before the deadline")
	return ""
}

func TestRequestOTPEndToEnd(t *testing.T) {
	t.Parallel()

	f := newFacadeFixture(t, true)
	ctx := context.Background()

	result, err := f.facade.RequestOTP(ctx, OTPRequest{
		SubjectID: "user-1",
		Recipient: "user@example.com",
		Channel:   domain.ChannelEmail,
	})
	if err != nil {
		t.Fatalf("RequestOTP() error = %v", err)
	}
	if result.TaskID == "" || result.CorrelationID == "" {
		t.Fatalf("result = %+v, want task and correlation ids", result)
	}
	if result.ExpiresAt == nil || !result.ExpiresAt.After(time.Now()) {
		t.Fatalf("ExpiresAt = %v, want a future expiry", result.ExpiresAt)
	}

	content := f.waitForDelivery(t)
	code := codePattern.FindString(content)
	if code == "" {
		t.Fatalf("delivered content %q carries no code", content)
	}

	verdict, err := f.facade.VerifyOTP(ctx, "user-1", code)
	if err != nil {
		t.Fatalf("VerifyOTP() error = %v", err)
	}
	if verdict != domain.VerifyValid {
		t.Fatalf("verdict = %s, want %s", verdict, domain.VerifyValid)
	}
}

func TestVerifyOTPWrongCode(t *testing.T) {
	t.Parallel()

	f := newFacadeFixture(t, true)
	ctx := context.Background()

	if _, err := f.facade.RequestOTP(ctx, OTPRequest{
		SubjectID: "user-1",
		Recipient: "user@example.com",
		Channel:   domain.ChannelEmail,
	}); err != nil {
		t.Fatalf("RequestOTP() error = %v", err)
	}

	content := f.waitForDelivery(t)
	code := codePattern.FindString(content)
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	verdict, err := f.facade.VerifyOTP(ctx, "user-1", wrong)
	if err != nil {
		t.Fatalf("VerifyOTP() error = %v", err)
	}
	if verdict != domain.VerifyInvalid {
		t.Fatalf("verdict = %s, want %s", verdict, domain.VerifyInvalid)
	}
}

func TestRequestOTPValidation(t *testing.T) {
	t.Parallel()

	f := newFacadeFixture(t, false)
	ctx := context.Background()

	if _, err := f.facade.RequestOTP(ctx, OTPRequest{
		SubjectID: "user-1",
		Channel:   domain.ChannelEmail,
	}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("RequestOTP() error = %v, want ErrValidation for missing recipient", err)
	}
}

func TestSendNotificationQueueFull(t *testing.T) {
	t.Parallel()

	// Workers never start, so the queue backs up at capacity 8.
	f := newFacadeFixture(t, false)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		if _, err := f.facade.SendNotification(ctx, NotificationRequest{
			Recipient: "user@example.com",
			Content:   "ping",
			Channel:   domain.ChannelEmail,
		}); err != nil {
			t.Fatalf("SendNotification(%d) error = %v", i, err)
		}
	}

	_, err := f.facade.SendNotification(ctx, NotificationRequest{
		Recipient: "user@example.com",
		Content:   "ping",
		Channel:   domain.ChannelEmail,
	})
	if !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("SendNotification() error = %v, want ErrQueueFull", err)
	}
}

func TestSendNotificationValidation(t *testing.T) {
	t.Parallel()

	f := newFacadeFixture(t, false)
	ctx := context.Background()

	tests := []struct {
		name string
		req  NotificationRequest
	}{
		{name: "missing recipient", req: NotificationRequest{Content: "x", Channel: domain.ChannelEmail}},
		{name: "missing content", req: NotificationRequest{Recipient: "a@b.c", Channel: domain.ChannelEmail}},
		{name: "bad channel", req: NotificationRequest{Recipient: "a@b.c", Content: "x", Channel: domain.Channel("FAX")}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := f.facade.SendNotification(ctx, tt.req); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("SendNotification() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestTaskStatusLookup(t *testing.T) {
	t.Parallel()

	f := newFacadeFixture(t, false)
	ctx := context.Background()

	result, err := f.facade.SendNotification(ctx, NotificationRequest{
		Recipient: "user@example.com",
		Content:   "ping",
		Channel:   domain.ChannelSMS,
	})
	if err != nil {
		t.Fatalf("SendNotification() error = %v", err)
	}

	status, err := f.facade.TaskStatus(ctx, result.TaskID)
	if err != nil {
		t.Fatalf("TaskStatus() error = %v", err)
	}
	if status != domain.TaskPending {
		t.Fatalf("status = %s, want %s", status, domain.TaskPending)
	}

	if _, err := f.facade.TaskStatus(ctx, "no-such-task"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("TaskStatus() error = %v, want ErrNotFound", err)
	}
	if _, err := f.facade.TaskStatus(ctx, "  "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("TaskStatus() error = %v, want ErrValidation", err)
	}
}

func TestMetricsSnapshot(t *testing.T) {
	t.Parallel()

	f := newFacadeFixture(t, true)
	ctx := context.Background()

	if _, err := f.facade.RequestOTP(ctx, OTPRequest{
		SubjectID: "user-1",
		Recipient: "user@example.com",
		Channel:   domain.ChannelEmail,
	}); err != nil {
		t.Fatalf("RequestOTP() error = %v", err)
	}
	content := f.waitForDelivery(t)
	code := codePattern.FindString(content)

	if _, err := f.facade.VerifyOTP(ctx, "user-1", code); err != nil {
		t.Fatalf("VerifyOTP() error = %v", err)
	}

	snapshot := f.facade.MetricsSnapshot(ctx)
	if snapshot.Issued != 1 {
		t.Fatalf("Issued = %d, want 1", snapshot.Issued)
	}
	if snapshot.Validated != 1 {
		t.Fatalf("Validated = %d, want 1 (successful validations)", snapshot.Validated)
	}
	if snapshot.CircuitPhase != breaker.PhaseClosed.String() {
		t.Fatalf("CircuitPhase = %s, want CLOSED", snapshot.CircuitPhase)
	}
	if snapshot.StoreDegraded {
		t.Fatal("StoreDegraded should be false for the redis-less fixture")
	}
}
