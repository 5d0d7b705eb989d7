package task

import (
	"time"

	"github.com/stevessr/enrollq"
	"github.com/stevessr/enrollq/id"
)

// Type is the kind of enrollment change a task requests.
type Type string

const (
	// TypeSelect takes a seat in a course.
	TypeSelect Type = "select"
	// TypeDeselect frees a previously taken seat.
	TypeDeselect Type = "deselect"
)

// ParseType validates a wire-level task type string.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeSelect, TypeDeselect:
		return Type(s), nil
	default:
		return "", enrollq.ErrInvalidTaskType
	}
}

// Queue returns the queue a task of this type is dispatched from.
func (t Type) Queue() string {
	if t == TypeDeselect {
		return enrollq.QueueDeselect
	}
	return enrollq.QueueSelect
}

// Priority returns the submission priority for this type. Deselects are
// ahead of selects so freed seats become available quickly.
func (t Type) Priority() int {
	if t == TypeDeselect {
		return enrollq.PriorityDeselect
	}
	return enrollq.PrioritySelect
}

// State represents the lifecycle state of a task.
type State string

const (
	// StatePending means the task is waiting to be picked up by a worker.
	StatePending State = "pending"
	// StateProcessing means a worker is executing the task against the ledger.
	StateProcessing State = "processing"
	// StateCompleted means the ledger accepted the enrollment change.
	StateCompleted State = "completed"
	// StateFailed means the task ended without effect: a ledger
	// rejection, a transient dispatch failure, or a cancellation.
	StateFailed State = "failed"
)

// Terminal reports whether s is an end state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition reports whether from → to is a legal lifecycle edge.
// The only legal edges are:
//
//	pending    → processing  (dispatcher claims the task)
//	processing → completed   (ledger accepted)
//	processing → failed      (ledger rejected, or transient failure)
//	pending    → failed      (owner cancelled before dispatch)
//	failed     → pending     (explicit retry)
func CanTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateProcessing || to == StateFailed
	case StateProcessing:
		return to == StateCompleted || to == StateFailed
	case StateFailed:
		return to == StatePending
	default:
		return false
	}
}

// CancelledReason is the ErrorMessage recorded when a pending task is
// cancelled by its owner.
const CancelledReason = "cancelled"

// Task is a durable record of one requested enrollment change, tracked
// through its state machine to completion.
type Task struct {
	enrollq.Entity

	ID           id.TaskID     `json:"id"`
	StudentID    int64         `json:"student_id"`
	CourseID     int64         `json:"course_id"`
	Type         Type          `json:"task_type"`
	Queue        string        `json:"queue"`
	State        State         `json:"status"`
	Priority     int           `json:"priority"`
	RetryCount   int           `json:"retry_count"`
	ErrorMessage string        `json:"error_message,omitempty"`
	WorkerID     id.WorkerID   `json:"worker_id,omitempty"`
	RunAt        time.Time     `json:"run_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
}

// New builds a pending task for the given enrollment change, stamped
// with a fresh TaskID and dispatchable immediately.
func New(studentID, courseID int64, typ Type) *Task {
	now := time.Now().UTC()
	return &Task{
		Entity:    enrollq.Entity{CreatedAt: now, UpdatedAt: now},
		ID:        id.NewTaskID(),
		StudentID: studentID,
		CourseID:  courseID,
		Type:      typ,
		Queue:     typ.Queue(),
		State:     StatePending,
		Priority:  typ.Priority(),
		RunAt:     now,
	}
}
