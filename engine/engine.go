// Package engine wires the enrollment queue subsystems together: the
// extension registry, middleware chain, queue manager, dispatcher pool,
// and the submit/status/cancel/retry operations the HTTP layer exposes.
//
// This package exists to break the import cycle: the root enrollq
// package defines Entity and Config (imported by task, store, etc.) and
// so cannot import those packages back. The engine sits above all
// subsystem packages and below the application layer.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/stevessr/enrollq"
	"github.com/stevessr/enrollq/backoff"
	"github.com/stevessr/enrollq/dispatcher"
	"github.com/stevessr/enrollq/ext"
	"github.com/stevessr/enrollq/id"
	"github.com/stevessr/enrollq/ledger"
	mw "github.com/stevessr/enrollq/middleware"
	"github.com/stevessr/enrollq/queue"
	"github.com/stevessr/enrollq/store"
	"github.com/stevessr/enrollq/task"
)

// Engine coordinates task submission and dispatch.
// Use Build() to create one.
type Engine struct {
	config     enrollq.Config
	store      store.Store
	ledger     ledger.Ledger
	extensions *ext.Registry
	bo         backoff.Strategy
	pool       *dispatcher.Pool
	mws        []mw.Middleware
	logger     *slog.Logger

	queueConfigs []queue.Config
	queueManager *queue.Manager

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware adds middleware to the engine's dispatch chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the retry backoff strategy. If not set,
// backoff.DefaultStrategy() (exponential with jitter) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithQueueConfig registers queue-level rate limiting and concurrency
// configurations. Queues not listed have no queue-level limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) {
		eng.queueConfigs = append(eng.queueConfigs, configs...)
	}
}

// WithTracerProvider sets a custom OTel TracerProvider. When set, the
// tracing middleware uses this provider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider. When set, the
// metrics middleware uses this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build wires an Engine from a store, a ledger, and configuration.
func Build(cfg enrollq.Config, st store.Store, led ledger.Ledger, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, enrollq.ErrNoStore
	}
	if led == nil {
		return nil, fmt.Errorf("enrollq/engine: nil ledger")
	}
	if logger == nil {
		logger = slog.Default()
	}

	eng := &Engine{
		config:     cfg,
		store:      st,
		ledger:     led,
		extensions: ext.NewRegistry(logger),
		logger:     logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/stevessr/enrollq")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/stevessr/enrollq")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: recover → tracing → metrics → logging → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	executor := dispatcher.NewExecutor(eng.ledger, eng.extensions, eng.store, logger, allMws...)

	poolOpts := []dispatcher.PoolOption{
		dispatcher.WithPoolConcurrency(cfg.Concurrency),
		dispatcher.WithPoolQueues(cfg.Queues),
		dispatcher.WithPollInterval(cfg.PollInterval),
	}

	// Create a queue manager when queue limits or a per-course cap are
	// configured.
	if len(eng.queueConfigs) > 0 || cfg.PerCourseConcurrency > 0 {
		eng.queueManager = queue.NewManager(eng.queueConfigs...)
		eng.queueManager.SetDefaultCourseConcurrency(cfg.PerCourseConcurrency)
		poolOpts = append(poolOpts, dispatcher.WithQueueManager(eng.queueManager))
	}

	eng.pool = dispatcher.NewPool(
		eng.store,
		executor,
		eng.extensions,
		logger,
		poolOpts...,
	)

	return eng, nil
}

// SubmitResult is the outcome of a task submission.
type SubmitResult struct {
	Task *task.Task
	// Position is the task's 1-based place in the dispatch order.
	Position int
	// Estimate is an advisory wait estimate derived from Position. Not
	// an SLA.
	Estimate time.Duration
}

// Submit validates and enqueues an enrollment change, returning the
// created task with its queue position and a wait estimate.
func (eng *Engine) Submit(ctx context.Context, studentID, courseID int64, typ task.Type) (*SubmitResult, error) {
	if studentID <= 0 {
		return nil, enrollq.ErrInvalidStudent
	}
	if courseID <= 0 {
		return nil, enrollq.ErrInvalidCourse
	}
	if _, err := task.ParseType(string(typ)); err != nil {
		return nil, err
	}

	t := task.New(studentID, courseID, typ)
	t.Timeout = eng.config.DispatchTimeout

	if err := eng.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}

	position, err := eng.store.QueuePosition(ctx, t.ID)
	if err != nil {
		// The task is in; a position failure only degrades the estimate.
		eng.logger.Warn("queue position lookup failed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
		position = 0
	}

	eng.extensions.EmitTaskSubmitted(ctx, t)
	eng.pool.Wake()

	eng.logger.Info("task submitted",
		slog.String("task_id", t.ID.String()),
		slog.String("task_type", string(t.Type)),
		slog.Int64("student_id", studentID),
		slog.Int64("course_id", courseID),
		slog.Int("position", position),
	)

	return &SubmitResult{
		Task:     t,
		Position: position,
		Estimate: time.Duration(position) * eng.config.EstimatePerTask,
	}, nil
}

// Status returns a task and, while it is still pending, its current
// queue position.
func (eng *Engine) Status(ctx context.Context, taskID id.TaskID) (*task.Task, int, error) {
	t, err := eng.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, 0, err
	}

	position := 0
	if t.State == task.StatePending {
		position, err = eng.store.QueuePosition(ctx, taskID)
		if err != nil {
			return nil, 0, err
		}
	}
	return t, position, nil
}

// Cancel withdraws a pending task. Only the owning student may cancel,
// and only before a worker claims the task.
func (eng *Engine) Cancel(ctx context.Context, taskID id.TaskID, studentID int64) (*task.Task, error) {
	if studentID <= 0 {
		return nil, enrollq.ErrInvalidStudent
	}

	t, err := eng.store.CancelTask(ctx, taskID, studentID)
	if err != nil {
		return nil, err
	}

	eng.extensions.EmitTaskCancelled(ctx, t)

	eng.logger.Info("task cancelled",
		slog.String("task_id", t.ID.String()),
		slog.Int64("student_id", studentID),
	)
	return t, nil
}

// Retry re-queues a failed task for another attempt, delayed by the
// backoff strategy so repeated retries of a struggling task spread out.
// Cancelled tasks are not retryable: the student withdrew the request.
func (eng *Engine) Retry(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	prev, err := eng.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if prev.State == task.StateFailed && prev.ErrorMessage == task.CancelledReason {
		return nil, enrollq.ErrNotRetryable
	}

	delay := eng.bo.Delay(prev.RetryCount + 1)
	runAt := time.Now().UTC().Add(delay)

	t, err := eng.store.RetryTask(ctx, taskID, runAt)
	if err != nil {
		return nil, err
	}

	eng.extensions.EmitTaskRetried(ctx, t, runAt)
	eng.pool.Wake()

	eng.logger.Info("task scheduled for retry",
		slog.String("task_id", t.ID.String()),
		slog.Int("retry_count", t.RetryCount),
		slog.Duration("delay", delay),
	)
	return t, nil
}

// StudentTasks returns a student's tasks, newest first.
func (eng *Engine) StudentTasks(ctx context.Context, studentID int64, opts task.ListOpts) ([]*task.Task, error) {
	if studentID <= 0 {
		return nil, enrollq.ErrInvalidStudent
	}
	return eng.store.ListTasksByStudent(ctx, studentID, opts)
}

// Stats returns an aggregate snapshot of the queue.
func (eng *Engine) Stats(ctx context.Context) (*task.Stats, error) {
	return eng.store.TaskStats(ctx)
}

// Health statuses reported by CheckHealth.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Health describes the service's ability to take and dispatch tasks.
type Health struct {
	Status  string `json:"status"`
	Store   string `json:"store"`
	Backlog int64  `json:"backlog"`
}

// CheckHealth probes the store and the queue backlog. An unreachable
// store is unhealthy; a backlog beyond the configured threshold is
// degraded.
func (eng *Engine) CheckHealth(ctx context.Context) *Health {
	h := &Health{Status: StatusHealthy, Store: "ok"}

	if err := eng.store.Ping(ctx); err != nil {
		h.Status = StatusUnhealthy
		h.Store = err.Error()
		return h
	}

	pending, err := eng.store.CountTasks(ctx, task.CountOpts{State: task.StatePending})
	if err != nil {
		h.Status = StatusUnhealthy
		h.Store = err.Error()
		return h
	}
	h.Backlog = pending

	if eng.config.BacklogThreshold > 0 && pending > eng.config.BacklogThreshold {
		h.Status = StatusDegraded
	}
	return h
}

// Start begins dispatching by starting the worker pool.
func (eng *Engine) Start(ctx context.Context) error {
	return eng.pool.Start(ctx)
}

// Stop gracefully shuts down the engine: the pool drains within the
// configured shutdown timeout, then extensions are notified.
func (eng *Engine) Stop(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok && eng.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eng.config.ShutdownTimeout)
		defer cancel()
	}

	err := eng.pool.Stop(ctx)
	eng.extensions.EmitShutdown(ctx)
	return err
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// QueueManager returns the queue manager, or nil when no queue limits
// are configured.
func (eng *Engine) QueueManager() *queue.Manager { return eng.queueManager }

// WorkerID returns the dispatcher pool's identifier.
func (eng *Engine) WorkerID() id.WorkerID { return eng.pool.WorkerID() }
