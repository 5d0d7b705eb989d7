// Package ext defines the extension system for the enrollment queue.
// Extensions are notified of task lifecycle events (submitted, started,
// completed, failed, cancelled, retried) and can react to them —
// audit trails, notifications, cache invalidation, etc.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/stevessr/enrollq/task"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// TaskSubmitted is called after a task is accepted into the queue.
type TaskSubmitted interface {
	OnTaskSubmitted(ctx context.Context, t *task.Task) error
}

// TaskStarted is called when a worker begins dispatching a task.
type TaskStarted interface {
	OnTaskStarted(ctx context.Context, t *task.Task) error
}

// TaskCompleted is called after the ledger accepted the operation.
type TaskCompleted interface {
	OnTaskCompleted(ctx context.Context, t *task.Task, elapsed time.Duration) error
}

// TaskFailed is called when a task fails, whether from a ledger
// business rejection or an infrastructure error.
type TaskFailed interface {
	OnTaskFailed(ctx context.Context, t *task.Task, err error) error
}

// TaskCancelled is called when a pending task is withdrawn by its
// student before dispatch.
type TaskCancelled interface {
	OnTaskCancelled(ctx context.Context, t *task.Task) error
}

// TaskRetried is called when a failed task is re-queued, with the time
// it becomes eligible for dispatch again.
type TaskRetried interface {
	OnTaskRetried(ctx context.Context, t *task.Task, runAt time.Time) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
