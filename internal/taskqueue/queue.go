package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relaylabs/otp-relay/internal/domain"
	"github.com/relaylabs/otp-relay/internal/observability"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	minWorkers           = 1
	defaultRetention     = 10 * time.Minute
	defaultRequeueDelay  = 30 * time.Second
	retentionSweepPeriod = time.Minute
)

// Handler executes one delivery task. It returns nil on success,
// ErrCircuitOpen for a deferral, ErrDeliveryFailed after retry exhaustion,
// and any other error for a permanent failure.
type Handler func(ctx context.Context, task *domain.DeliveryTask) error

// Config bounds the queue and its workers.
type Config struct {
	// Capacity is the maximum number of waiting tasks. Enqueue beyond it
	// fails fast with ErrQueueFull.
	Capacity int

	// Workers is the fixed worker pool size.
	Workers int

	// TaskMaxLifetime force-fails a task stuck in its handler. Zero disables
	// the limit.
	TaskMaxLifetime time.Duration

	// Retention keeps terminal tasks queryable before the sweep drops them.
	Retention time.Duration

	// RequeueDelay postpones the single re-enqueue a failed or deferred task
	// is granted. Configure it at or above the breaker cooldown.
	RequeueDelay time.Duration
}

// Queue is the bounded in-process delivery queue plus its fixed worker pool.
// It owns every DeliveryTask from enqueue to retention expiry.
type Queue struct {
	cfg     Config
	handler Handler
	logger  *zap.Logger
	metrics *observability.Metrics

	tasks chan *domain.DeliveryTask
	now   func() time.Time

	mu        sync.Mutex
	registry  map[string]*domain.DeliveryTask
	accepting bool
	inflight  int
}

func New(cfg Config, handler Handler, logger *zap.Logger, metrics *observability.Metrics) (*Queue, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.Workers < minWorkers {
		return nil, fmt.Errorf("worker count must be at least %d, got %d", minWorkers, cfg.Workers)
	}
	if handler == nil {
		return nil, fmt.Errorf("task handler is required")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = defaultRequeueDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Queue{
		cfg:       cfg,
		handler:   handler,
		logger:    logger,
		metrics:   metrics,
		tasks:     make(chan *domain.DeliveryTask, cfg.Capacity),
		now:       time.Now,
		registry:  make(map[string]*domain.DeliveryTask),
		accepting: true,
	}, nil
}

// Enqueue admits a task or fails fast with ErrQueueFull. This is the only
// suspension-free backpressure point request handlers ever touch.
func (q *Queue) Enqueue(ctx context.Context, task *domain.DeliveryTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("%w: task is required", domain.ErrValidation)
	}
	if err := task.Validate(); err != nil {
		return err
	}

	now := q.now()

	q.mu.Lock()
	if !q.accepting {
		q.mu.Unlock()
		return fmt.Errorf("queue is shutting down: %w", domain.ErrQueueFull)
	}
	task.Status = domain.TaskPending
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	q.registry[task.ID] = task
	q.mu.Unlock()

	select {
	case q.tasks <- task:
		q.metrics.SetQueueDepth(len(q.tasks))
		return nil
	default:
		q.mu.Lock()
		delete(q.registry, task.ID)
		q.mu.Unlock()
		return domain.ErrQueueFull
	}
}

// Start runs the worker pool and the retention sweep until the context ends.
func (q *Queue) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < q.cfg.Workers; i++ {
		workerID := i + 1
		g.Go(func() error {
			q.logger.Info("delivery worker started", zap.Int("workerId", workerID))
			q.workerLoop(groupCtx)
			q.logger.Info("delivery worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	g.Go(func() error {
		q.retentionLoop(groupCtx)
		return nil
	})

	return g.Wait()
}

// Status reports the lifecycle state of a task by ID.
func (q *Queue) Status(id string) (domain.TaskStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.registry[id]
	if !ok {
		return "", fmt.Errorf("%w: task %q", domain.ErrNotFound, id)
	}
	return task.Status, nil
}

// Depth returns the number of waiting tasks.
func (q *Queue) Depth() int {
	return len(q.tasks)
}

// Shutdown stops accepting work, waits up to grace for in-flight and queued
// tasks to finish, then cancels whatever never started. Canceled tasks are
// reported as CANCELED, never silently dropped. The caller cancels the Start
// context afterwards to stop the workers themselves.
func (q *Queue) Shutdown(grace time.Duration) {
	q.mu.Lock()
	q.accepting = false
	q.mu.Unlock()

	deadline := q.now().Add(grace)
	for q.now().Before(deadline) {
		q.mu.Lock()
		idle := q.inflight == 0
		q.mu.Unlock()
		if idle && len(q.tasks) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	canceled := 0
	for {
		select {
		case task := <-q.tasks:
			q.cancelTask(task)
			canceled++
		default:
			q.metrics.SetQueueDepth(len(q.tasks))
			if canceled > 0 {
				q.logger.Warn("queued tasks canceled during shutdown", zap.Int("count", canceled))
			}
			return
		}
	}
}

func (q *Queue) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-q.tasks:
			q.metrics.SetQueueDepth(len(q.tasks))
			q.process(ctx, task)
		}
	}
}

func (q *Queue) process(ctx context.Context, task *domain.DeliveryTask) {
	q.mu.Lock()
	q.inflight++
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.inflight--
		q.mu.Unlock()
	}()

	if !q.waitUntilEligible(ctx, task) {
		q.cancelTask(task)
		return
	}

	q.setStatus(task, domain.TaskRunning)

	taskCtx := ctx
	if q.cfg.TaskMaxLifetime > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, q.cfg.TaskMaxLifetime)
		defer cancel()
	}

	err := q.handler(taskCtx, task)
	logger := observability.WithContextLogger(q.logger, ctx).With(
		zap.String("taskId", task.ID),
		zap.String("channel", task.Channel.String()),
	)

	switch {
	case err == nil:
		q.setStatus(task, domain.TaskSucceeded)

	case errors.Is(err, domain.ErrCircuitOpen):
		// Deferral, not a delivery verdict. The requeue budget still bounds
		// it so an endlessly open circuit cannot cycle tasks forever.
		logger.Info("delivery deferred, circuit open")
		q.requeueOrDead(task)

	case errors.Is(err, domain.ErrDeliveryFailed),
		errors.Is(err, context.DeadlineExceeded):
		logger.Warn("delivery failed after retry budget", zap.Error(err))
		q.setStatus(task, domain.TaskFailed)
		q.requeueOrDead(task)

	case ctx.Err() != nil:
		q.cancelTask(task)

	default:
		logger.Warn("delivery failed permanently", zap.Error(err))
		q.setStatus(task, domain.TaskFailed)
	}
}

// waitUntilEligible blocks a worker until the task's next_eligible_at has
// passed. Returns false when the context ended first.
func (q *Queue) waitUntilEligible(ctx context.Context, task *domain.DeliveryTask) bool {
	if ctx.Err() != nil {
		return false
	}

	wait := task.NextEligibleAt.Sub(q.now())
	if wait <= 0 {
		return true
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (q *Queue) requeueOrDead(task *domain.DeliveryTask) {
	q.mu.Lock()
	if task.Requeued || !q.accepting {
		task.Status = domain.TaskDead
		task.UpdatedAt = q.now()
		q.mu.Unlock()
		return
	}
	task.Requeued = true
	task.RetryCount++
	task.Status = domain.TaskPending
	task.NextEligibleAt = q.now().Add(q.cfg.RequeueDelay)
	task.UpdatedAt = q.now()
	q.mu.Unlock()

	select {
	case q.tasks <- task:
		q.metrics.IncTaskRequeued()
		q.metrics.SetQueueDepth(len(q.tasks))
	default:
		q.setStatus(task, domain.TaskDead)
	}
}

func (q *Queue) cancelTask(task *domain.DeliveryTask) {
	q.setStatus(task, domain.TaskCanceled)
	q.metrics.IncTaskCanceled()
}

func (q *Queue) setStatus(task *domain.DeliveryTask, status domain.TaskStatus) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task.Status = status
	task.UpdatedAt = q.now()
}

func (q *Queue) retentionLoop(ctx context.Context) {
	period := retentionSweepPeriod
	if q.cfg.Retention < period {
		period = q.cfg.Retention
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweepRetained()
		}
	}
}

func (q *Queue) sweepRetained() {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-q.cfg.Retention)
	for id, task := range q.registry {
		if task.Status.Terminal() && task.UpdatedAt.Before(cutoff) {
			delete(q.registry, id)
		}
	}
}
