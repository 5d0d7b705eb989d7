// Package memory implements store.Store entirely in process memory.
// Safe for concurrent access. Intended for unit testing and single-node
// development; state is lost on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stevessr/enrollq"
	"github.com/stevessr/enrollq/id"
	"github.com/stevessr/enrollq/store"
	"github.com/stevessr/enrollq/task"
)

// Ensure Store implements store.Store at compile time.
var _ store.Store = (*Store)(nil)

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*task.Task
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		tasks: make(map[string]*task.Task),
	}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// CreateTask persists a new task in pending state.
func (m *Store) CreateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, exists := m.tasks[key]; exists {
		return enrollq.ErrTaskAlreadyExists
	}
	cp := *t
	m.tasks[key] = &cp
	return nil
}

// DequeueTasks atomically claims up to limit dispatchable pending tasks
// from the given queues, sets them to processing, and returns them. A
// non-positive limit claims nothing.
func (m *Store) DequeueTasks(_ context.Context, queues []string, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	queueSet := make(map[string]struct{}, len(queues))
	for _, q := range queues {
		queueSet[q] = struct{}{}
	}

	now := time.Now().UTC()

	// Collect candidates.
	candidates := make([]*task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if t.State != task.StatePending {
			continue
		}
		if !t.RunAt.IsZero() && t.RunAt.After(now) {
			continue
		}
		if len(queueSet) > 0 {
			if _, ok := queueSet[t.Queue]; !ok {
				continue
			}
		}
		candidates = append(candidates, t)
	}

	// Sort: priority DESC, RunAt ASC. Deselects outrank selects, so
	// freed seats flow back before the select backlog drains.
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		return candidates[i].RunAt.Before(candidates[k].RunAt)
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]*task.Task, len(candidates))
	for i, t := range candidates {
		t.State = task.StateProcessing
		n := now
		t.StartedAt = &n
		t.UpdatedAt = now
		// Return a copy so callers can mutate without racing with the store.
		cp := *t
		result[i] = &cp
	}

	return result, nil
}

// GetTask retrieves a task by ID.
func (m *Store) GetTask(_ context.Context, taskID id.TaskID) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[taskID.String()]
	if !ok {
		return nil, enrollq.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

// UpdateTask persists changes to an existing task.
func (m *Store) UpdateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, ok := m.tasks[key]; !ok {
		return enrollq.ErrTaskNotFound
	}
	cp := *t
	cp.UpdatedAt = time.Now().UTC()
	m.tasks[key] = &cp
	return nil
}

// CancelTask atomically cancels a pending task owned by studentID.
func (m *Store) CancelTask(_ context.Context, taskID id.TaskID, studentID int64) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID.String()]
	if !ok || t.StudentID != studentID {
		// Ownership mismatch is reported as not-found so a cancel
		// request cannot probe for other students' task IDs.
		return nil, enrollq.ErrTaskNotFound
	}
	if t.State != task.StatePending {
		return nil, enrollq.ErrNotCancellable
	}

	now := time.Now().UTC()
	t.State = task.StateFailed
	t.ErrorMessage = task.CancelledReason
	t.CompletedAt = &now
	t.UpdatedAt = now

	cp := *t
	return &cp, nil
}

// RetryTask atomically re-queues a failed task.
func (m *Store) RetryTask(_ context.Context, taskID id.TaskID, runAt time.Time) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID.String()]
	if !ok {
		return nil, enrollq.ErrTaskNotFound
	}
	if t.State != task.StateFailed {
		return nil, enrollq.ErrNotRetryable
	}

	t.State = task.StatePending
	t.RetryCount++
	t.ErrorMessage = ""
	t.WorkerID = id.WorkerID{}
	t.StartedAt = nil
	t.CompletedAt = nil
	t.RunAt = runAt
	t.UpdatedAt = time.Now().UTC()

	cp := *t
	return &cp, nil
}

// ListTasksByStudent returns a student's tasks, newest first.
func (m *Store) ListTasksByStudent(_ context.Context, studentID int64, opts task.ListOpts) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*task.Task, 0)
	for _, t := range m.tasks {
		if t.StudentID != studentID {
			continue
		}
		if opts.State != "" && t.State != opts.State {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})

	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// CountTasks returns the number of tasks matching the given options.
func (m *Store) CountTasks(_ context.Context, opts task.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, t := range m.tasks {
		if opts.Queue != "" && t.Queue != opts.Queue {
			continue
		}
		if opts.State != "" && t.State != opts.State {
			continue
		}
		n++
	}
	return n, nil
}

// QueuePosition returns the 1-based dispatch position of a pending task.
func (m *Store) QueuePosition(_ context.Context, taskID id.TaskID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	target, ok := m.tasks[taskID.String()]
	if !ok {
		return 0, enrollq.ErrTaskNotFound
	}
	if target.State != task.StatePending {
		return 0, nil
	}

	ahead := 0
	for _, t := range m.tasks {
		if t.State != task.StatePending || t.ID.String() == target.ID.String() {
			continue
		}
		if dispatchesBefore(t, target) {
			ahead++
		}
	}
	return ahead + 1, nil
}

// dispatchesBefore reports whether a dequeues ahead of b: higher
// priority first, then earlier RunAt, with task ID as a stable
// tie-break so equal tasks agree on an order.
func dispatchesBefore(a, b *task.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	return a.ID.String() < b.ID.String()
}

// TaskStats returns an aggregate snapshot of the queue. "Today" is the
// current UTC calendar day.
func (m *Store) TaskStats(_ context.Context) (*task.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &task.Stats{}
	today := time.Now().UTC().Truncate(24 * time.Hour)

	var totalProcessing float64
	var processed int64

	for _, t := range m.tasks {
		switch t.State {
		case task.StatePending:
			stats.PendingCount++
		case task.StateProcessing:
			stats.ProcessingCount++
		case task.StateCompleted:
			if t.CompletedAt != nil && !t.CompletedAt.Before(today) {
				stats.CompletedToday++
				if t.StartedAt != nil {
					totalProcessing += t.CompletedAt.Sub(*t.StartedAt).Seconds()
					processed++
				}
			}
		case task.StateFailed:
			if t.CompletedAt != nil && !t.CompletedAt.Before(today) {
				stats.FailedToday++
			}
		}
	}

	if processed > 0 {
		stats.AvgProcessingSeconds = totalProcessing / float64(processed)
	}
	stats.QueueLength = stats.PendingCount + stats.ProcessingCount
	return stats, nil
}
