package task

import (
	"context"
	"time"

	"github.com/stevessr/enrollq/id"
)

// ListOpts controls filtering for per-student task queries.
type ListOpts struct {
	// State filters by task state. Empty means all states.
	State State
	// Limit is the maximum number of tasks to return. Zero means no limit.
	Limit int
}

// CountOpts controls filtering for task count queries.
type CountOpts struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// State filters by task state. Empty means all states.
	State State
}

// Stats is an aggregate snapshot of the queue, read without blocking
// submission or dispatch.
type Stats struct {
	PendingCount          int64   `json:"pending_count"`
	ProcessingCount       int64   `json:"processing_count"`
	CompletedToday        int64   `json:"completed_today"`
	FailedToday           int64   `json:"failed_today"`
	AvgProcessingSeconds  float64 `json:"average_processing_time_seconds"`
	QueueLength           int64   `json:"queue_length"`
}

// Store defines the persistence contract for enrollment tasks.
//
// Get-then-Update is fine for fields owned by a single writer; the
// contended transitions (claim, cancel, retry) have dedicated atomic
// operations so two callers can never both win.
type Store interface {
	// CreateTask persists a new task in pending state.
	CreateTask(ctx context.Context, t *Task) error

	// DequeueTasks atomically claims up to limit dispatchable pending
	// tasks from the given queues, moves them to processing, stamps
	// StartedAt, and returns them. Tasks are ordered by priority
	// (descending) then RunAt (ascending); tasks with RunAt in the
	// future are not eligible. Limit must be positive; a non-positive
	// limit claims nothing.
	DequeueTasks(ctx context.Context, queues []string, limit int) ([]*Task, error)

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, taskID id.TaskID) (*Task, error)

	// UpdateTask persists changes to an existing task.
	UpdateTask(ctx context.Context, t *Task) error

	// CancelTask atomically moves a pending task owned by studentID to
	// failed with ErrorMessage "cancelled". Returns the updated task,
	// enrollq.ErrTaskNotFound when the task is unknown or owned by a
	// different student, or enrollq.ErrNotCancellable when the task has
	// left pending.
	CancelTask(ctx context.Context, taskID id.TaskID, studentID int64) (*Task, error)

	// RetryTask atomically re-queues a failed task: state back to
	// pending, RetryCount incremented, StartedAt/CompletedAt/
	// ErrorMessage cleared, RunAt set to runAt. Returns
	// enrollq.ErrNotRetryable when the task is not failed.
	RetryTask(ctx context.Context, taskID id.TaskID, runAt time.Time) (*Task, error)

	// ListTasksByStudent returns a student's tasks ordered by CreatedAt
	// descending.
	ListTasksByStudent(ctx context.Context, studentID int64, opts ListOpts) ([]*Task, error)

	// CountTasks returns the number of tasks matching the given options.
	CountTasks(ctx context.Context, opts CountOpts) (int64, error)

	// QueuePosition returns the 1-based position of a pending task:
	// one plus the count of pending tasks dispatched ahead of it
	// (higher priority, or equal priority and earlier RunAt). Zero for
	// tasks that are no longer pending.
	QueuePosition(ctx context.Context, taskID id.TaskID) (int, error)

	// TaskStats returns an aggregate snapshot of the queue.
	TaskStats(ctx context.Context) (*Stats, error)
}
