package enrollq

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("enrollq: no store configured")
	ErrMigrationFailed = errors.New("enrollq: migration failed")

	// Not found errors.
	ErrTaskNotFound = errors.New("enrollq: task not found")

	// Conflict errors.
	ErrTaskAlreadyExists = errors.New("enrollq: task already exists")

	// Validation errors.
	ErrInvalidTaskType = errors.New("enrollq: invalid task type")
	ErrInvalidStudent  = errors.New("enrollq: invalid student id")
	ErrInvalidCourse   = errors.New("enrollq: invalid course id")

	// State errors.
	ErrInvalidState   = errors.New("enrollq: invalid state transition")
	ErrNotCancellable = errors.New("enrollq: task not cancellable in its current state")
	ErrNotRetryable   = errors.New("enrollq: only failed tasks can be retried")

	// Rate limiting.
	ErrRateLimited = errors.New("enrollq: rate limit exceeded")
)
