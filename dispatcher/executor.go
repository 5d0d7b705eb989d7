// Package dispatcher provides the task execution engine — an Executor
// that applies enrollment changes to the ledger through middleware, and
// a Pool that manages concurrent worker goroutines polling the store.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stevessr/enrollq/ext"
	"github.com/stevessr/enrollq/ledger"
	"github.com/stevessr/enrollq/middleware"
	"github.com/stevessr/enrollq/task"
)

// Executor runs a single claimed task through the middleware chain and
// the ledger, then records the outcome and emits lifecycle events.
type Executor struct {
	ledger     ledger.Ledger
	extensions *ext.Registry
	store      task.Store
	mw         middleware.Middleware
	logger     *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	led ledger.Ledger,
	extensions *ext.Registry,
	store task.Store,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		ledger:     led,
		extensions: extensions,
		store:      store,
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// Execute applies a processing task's enrollment change to the ledger.
// On success the task is marked completed. On any error the task is
// marked failed with the error recorded; a ledger business rejection
// (course full, duplicate selection) is a final answer, while anything
// else is transient and worth an explicit retry.
func (e *Executor) Execute(ctx context.Context, t *task.Task) error {
	start := time.Now()

	terminal := func(ctx context.Context) error {
		return e.apply(ctx, t)
	}

	err := e.mw(ctx, t, terminal)
	elapsed := time.Since(start)

	now := time.Now().UTC()
	t.UpdatedAt = now

	if err != nil {
		return e.handleFailure(ctx, t, err, now)
	}
	return e.handleSuccess(ctx, t, now, elapsed)
}

// apply routes the task to the matching ledger operation.
func (e *Executor) apply(ctx context.Context, t *task.Task) error {
	switch t.Type {
	case task.TypeSelect:
		return e.ledger.Select(ctx, t.StudentID, t.CourseID)
	case task.TypeDeselect:
		return e.ledger.Deselect(ctx, t.StudentID, t.CourseID)
	default:
		return fmt.Errorf("unknown task type %q", t.Type)
	}
}

func (e *Executor) handleSuccess(ctx context.Context, t *task.Task, now time.Time, elapsed time.Duration) error {
	t.State = task.StateCompleted
	t.CompletedAt = &now

	if updateErr := e.store.UpdateTask(ctx, t); updateErr != nil {
		e.logger.Error("failed to update task after success",
			slog.String("task_id", t.ID.String()),
			slog.String("task_type", string(t.Type)),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.extensions.EmitTaskCompleted(ctx, t, elapsed)
	return nil
}

func (e *Executor) handleFailure(ctx context.Context, t *task.Task, execErr error, now time.Time) error {
	t.State = task.StateFailed
	t.ErrorMessage = execErr.Error()
	t.CompletedAt = &now

	if updateErr := e.store.UpdateTask(ctx, t); updateErr != nil {
		e.logger.Error("failed to update task as failed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.extensions.EmitTaskFailed(ctx, t, execErr)

	if ledger.IsBusinessRejection(execErr) {
		e.logger.Info("task rejected by ledger",
			slog.String("task_id", t.ID.String()),
			slog.String("task_type", string(t.Type)),
			slog.Int64("student_id", t.StudentID),
			slog.Int64("course_id", t.CourseID),
			slog.String("reason", execErr.Error()),
		)
	} else {
		e.logger.Warn("task failed",
			slog.String("task_id", t.ID.String()),
			slog.String("task_type", string(t.Type)),
			slog.Int("retry_count", t.RetryCount),
			slog.String("error", execErr.Error()),
		)
	}

	return execErr
}
