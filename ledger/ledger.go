// Package ledger defines the enrollment ledger contract: the system of
// record for course capacity and student membership. The queue engine
// calls it exactly once per dispatched task; each call is atomic, so a
// course can never be oversold regardless of how many workers race on
// its final seat.
package ledger

import (
	"context"
	"errors"
)

// Business rejections. These mark a task as terminally failed with the
// error recorded verbatim. A rejected task stays eligible for explicit
// retry — a full course can open up again when another student
// deselects.
var (
	// ErrCourseFull means no seat was available at commit time.
	ErrCourseFull = errors.New("ledger: course is full")

	// ErrAlreadySelected means the student already holds a seat in the
	// course, so a second select is rejected rather than double-counted.
	ErrAlreadySelected = errors.New("ledger: course already selected")

	// ErrNotSelected means a deselect targeted a course the student
	// does not hold.
	ErrNotSelected = errors.New("ledger: course not selected")

	// ErrCourseNotFound means the course does not exist in the ledger.
	ErrCourseNotFound = errors.New("ledger: course not found")
)

// Ledger is the seat accounting collaborator. Implementations must make
// each operation atomic: the capacity check and both membership updates
// commit together or not at all.
type Ledger interface {
	// Select grants studentID a seat in courseID. Returns
	// ErrCourseFull, ErrAlreadySelected, or ErrCourseNotFound as
	// business rejections; any other error is transient.
	Select(ctx context.Context, studentID, courseID int64) error

	// Deselect releases studentID's seat in courseID, freeing it for
	// other students immediately. Returns ErrNotSelected or
	// ErrCourseNotFound as business rejections.
	Deselect(ctx context.Context, studentID, courseID int64) error
}

// IsBusinessRejection reports whether err is a deterministic refusal by
// the ledger rather than an infrastructure failure. Business rejections
// terminate the task; transient errors leave it eligible for retry.
func IsBusinessRejection(err error) bool {
	return errors.Is(err, ErrCourseFull) ||
		errors.Is(err, ErrAlreadySelected) ||
		errors.Is(err, ErrNotSelected) ||
		errors.Is(err, ErrCourseNotFound)
}
