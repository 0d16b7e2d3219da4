package library

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"library-circulation/obs"
)

// Task is a unit of post-commit work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Followups runs tasks after the operation that scheduled them has
// committed. Failures are logged and counted, never returned to the caller.
type Followups interface {
	Enqueue(ctx context.Context, task Task)
}

type taskRunner struct {
	log     *zap.Logger
	metrics *obs.Metrics
	retry   []RetryOption
}

func newTaskRunner(log *zap.Logger, metrics *obs.Metrics) taskRunner {
	if log == nil {
		log = zap.NewNop()
	}
	return taskRunner{
		log:     log,
		metrics: metrics,
		retry: []RetryOption{
			WithMaxAttempts(4),
			WithBaseDelay(20 * time.Millisecond),
			WithRetryIf(retryableFollowup),
		},
	}
}

// retryableFollowup retries infrastructure failures only. A domain error
// will not change on a second attempt.
func retryableFollowup(err error) bool {
	if IsDomainError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func (r taskRunner) run(ctx context.Context, t Task) {
	start := time.Now()
	attempts := 0
	err := RetryWithBackoff(ctx, func(ctx context.Context) error {
		attempts++
		return t.Run(ctx)
	}, r.retry...)

	result := "ok"
	switch {
	case err == nil:
		r.log.Debug("follow-up done", zap.String("task", t.Name), zap.Int("attempts", attempts),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()))
	case IsDomainError(err):
		result = "skipped"
		r.log.Info("follow-up skipped", zap.String("task", t.Name), zap.Error(err))
	default:
		result = "failed"
		r.log.Error("follow-up failed", zap.String("task", t.Name), zap.Int("attempts", attempts), zap.Error(err))
	}
	r.count(t.Name, result)
}

func (r taskRunner) count(task, result string) {
	if r.metrics != nil {
		r.metrics.FollowupTasks.WithLabelValues(task, result).Inc()
	}
}

// InlineFollowups runs each task immediately on the caller's goroutine,
// detached from the caller's cancellation.
type InlineFollowups struct {
	runner taskRunner
}

func NewInlineFollowups(log *zap.Logger, metrics *obs.Metrics) *InlineFollowups {
	return &InlineFollowups{runner: newTaskRunner(log, metrics)}
}

func (f *InlineFollowups) Enqueue(ctx context.Context, t Task) {
	f.runner.run(context.WithoutCancel(ctx), t)
}

// TaskQueue runs tasks on a fixed pool of workers fed by a bounded channel.
// Enqueue never blocks: when the buffer is full the task is dropped.
type TaskQueue struct {
	runner taskRunner
	tasks  chan Task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewTaskQueue(size, workers int, log *zap.Logger, metrics *obs.Metrics) *TaskQueue {
	if size <= 0 {
		size = 256
	}
	if workers <= 0 {
		workers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &TaskQueue{
		runner: newTaskRunner(log, metrics),
		tasks:  make(chan Task, size),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.work()
	}
	return q
}

func (q *TaskQueue) work() {
	defer q.wg.Done()
	for t := range q.tasks {
		q.runner.run(q.ctx, t)
	}
}

func (q *TaskQueue) Enqueue(_ context.Context, t Task) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.runner.log.Warn("follow-up dropped, queue closed", zap.String("task", t.Name))
		q.runner.count(t.Name, "dropped")
		return
	}
	select {
	case q.tasks <- t:
	default:
		q.runner.log.Warn("follow-up dropped, queue full", zap.String("task", t.Name), zap.Int("capacity", cap(q.tasks)))
		q.runner.count(t.Name, "dropped")
	}
}

// Close stops accepting tasks and waits for queued ones to finish. If ctx
// ends first, running tasks are cancelled and Close returns ctx.Err().
func (q *TaskQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
