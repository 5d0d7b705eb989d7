package ledger

import (
	"context"
	"sync"
)

// Ensure Memory implements Ledger at compile time.
var _ Ledger = (*Memory)(nil)

// course is the in-memory seat record: a capacity and the set of
// students currently holding seats.
type course struct {
	capacity  int
	occupants map[int64]struct{}
}

// Memory is a fully in-memory Ledger. Safe for concurrent access.
// Intended for unit testing and development. All state for one call is
// mutated under a single critical section, so occupant sets and
// per-student selections can never disagree.
type Memory struct {
	mu sync.Mutex

	courses map[int64]*course
	// selections mirrors occupants from the student's side,
	// keyed by student ID.
	selections map[int64]map[int64]struct{}
}

// NewMemory returns a new empty Memory ledger.
func NewMemory() *Memory {
	return &Memory{
		courses:    make(map[int64]*course),
		selections: make(map[int64]map[int64]struct{}),
	}
}

// AddCourse registers a course with the given seat capacity. Calling it
// again for an existing course adjusts the capacity without touching
// current occupants; shrinking below the occupant count stops new
// selects but never evicts anyone.
func (m *Memory) AddCourse(courseID int64, capacity int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.courses[courseID]; ok {
		c.capacity = capacity
		return
	}
	m.courses[courseID] = &course{
		capacity:  capacity,
		occupants: make(map[int64]struct{}),
	}
}

// Seats returns the occupied and total seat counts for a course.
func (m *Memory) Seats(courseID int64) (occupied, capacity int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.courses[courseID]
	if !ok {
		return 0, 0, ErrCourseNotFound
	}
	return len(c.occupants), c.capacity, nil
}

// Selections returns the course IDs studentID currently holds.
func (m *Memory) Selections(studentID int64) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]int64, 0, len(m.selections[studentID]))
	for courseID := range m.selections[studentID] {
		out = append(out, courseID)
	}
	return out
}

// Select implements Ledger.
func (m *Memory) Select(ctx context.Context, studentID, courseID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.courses[courseID]
	if !ok {
		return ErrCourseNotFound
	}
	if _, held := c.occupants[studentID]; held {
		return ErrAlreadySelected
	}
	if len(c.occupants) >= c.capacity {
		return ErrCourseFull
	}

	c.occupants[studentID] = struct{}{}
	if m.selections[studentID] == nil {
		m.selections[studentID] = make(map[int64]struct{})
	}
	m.selections[studentID][courseID] = struct{}{}
	return nil
}

// Deselect implements Ledger.
func (m *Memory) Deselect(ctx context.Context, studentID, courseID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.courses[courseID]
	if !ok {
		return ErrCourseNotFound
	}
	if _, held := c.occupants[studentID]; !held {
		return ErrNotSelected
	}

	delete(c.occupants, studentID)
	delete(m.selections[studentID], courseID)
	if len(m.selections[studentID]) == 0 {
		delete(m.selections, studentID)
	}
	return nil
}
