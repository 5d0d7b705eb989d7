package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/stevessr/enrollq"
	"github.com/stevessr/enrollq/id"
	"github.com/stevessr/enrollq/task"
)

const taskColumns = `
	id, student_id, course_id, task_type, queue, state,
	priority, retry_count, error_message, worker_id,
	run_at, started_at, completed_at, timeout, created_at, updated_at`

// CreateTask persists a new task in pending state.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO enrollq_tasks (
			id, student_id, course_id, task_type, queue, state,
			priority, retry_count, error_message, worker_id,
			run_at, started_at, completed_at, timeout, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16
		)`,
		t.ID.String(), t.StudentID, t.CourseID, string(t.Type), t.Queue, string(t.State),
		t.Priority, t.RetryCount, t.ErrorMessage, t.WorkerID.String(),
		t.RunAt, t.StartedAt, t.CompletedAt, t.Timeout.Nanoseconds(),
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return enrollq.ErrTaskAlreadyExists
		}
		return fmt.Errorf("enrollq/postgres: create task: %w", err)
	}
	return nil
}

// DequeueTasks atomically claims up to limit dispatchable pending tasks
// from the given queues, moves them to processing, and returns them.
// SELECT FOR UPDATE SKIP LOCKED keeps concurrent dispatchers from
// claiming the same row.
func (s *Store) DequeueTasks(ctx context.Context, queues []string, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE enrollq_tasks
			SET state = 'processing', started_at = NOW(), updated_at = NOW()
			WHERE id IN (
				SELECT id FROM enrollq_tasks
				WHERE state = 'pending'
				  AND queue = ANY($1)
				  AND run_at <= NOW()
				ORDER BY priority DESC, run_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $2
			)
			RETURNING `+taskColumns+`
		)
		SELECT * FROM claimed ORDER BY priority DESC, run_at ASC`,
		queues, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("enrollq/postgres: dequeue tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM enrollq_tasks WHERE id = $1`,
		taskID.String(),
	)

	t, err := scanTask(row)
	if err != nil {
		if isNoRows(err) {
			return nil, enrollq.ErrTaskNotFound
		}
		return nil, fmt.Errorf("enrollq/postgres: get task: %w", err)
	}
	return t, nil
}

// UpdateTask persists changes to an existing task.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrollq_tasks SET
			student_id = $2, course_id = $3, task_type = $4, queue = $5,
			state = $6, priority = $7, retry_count = $8,
			error_message = $9, worker_id = $10, run_at = $11,
			started_at = $12, completed_at = $13, timeout = $14,
			updated_at = NOW()
		WHERE id = $1`,
		t.ID.String(), t.StudentID, t.CourseID, string(t.Type), t.Queue,
		string(t.State), t.Priority, t.RetryCount,
		t.ErrorMessage, t.WorkerID.String(), t.RunAt,
		t.StartedAt, t.CompletedAt, t.Timeout.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("enrollq/postgres: update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return enrollq.ErrTaskNotFound
	}
	return nil
}

// CancelTask atomically moves a pending task owned by studentID to
// failed. The ownership and state checks live in the UPDATE predicate,
// so a concurrent dequeue and cancel can never both win.
func (s *Store) CancelTask(ctx context.Context, taskID id.TaskID, studentID int64) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE enrollq_tasks
		SET state = 'failed', error_message = $3,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND student_id = $2 AND state = 'pending'
		RETURNING `+taskColumns,
		taskID.String(), studentID, task.CancelledReason,
	)

	t, err := scanTask(row)
	if err == nil {
		return t, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("enrollq/postgres: cancel task: %w", err)
	}

	// The UPDATE matched nothing. Tell a missing or foreign task apart
	// from one that already left pending. Ownership mismatch reads as
	// not-found so students cannot probe for other students' task IDs.
	var ownerID int64
	var state string
	err = s.pool.QueryRow(ctx,
		`SELECT student_id, state FROM enrollq_tasks WHERE id = $1`,
		taskID.String(),
	).Scan(&ownerID, &state)
	if err != nil {
		if isNoRows(err) {
			return nil, enrollq.ErrTaskNotFound
		}
		return nil, fmt.Errorf("enrollq/postgres: cancel lookup: %w", err)
	}
	if ownerID != studentID {
		return nil, enrollq.ErrTaskNotFound
	}
	return nil, enrollq.ErrNotCancellable
}

// RetryTask atomically re-queues a failed task for another attempt.
func (s *Store) RetryTask(ctx context.Context, taskID id.TaskID, runAt time.Time) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE enrollq_tasks
		SET state = 'pending', retry_count = retry_count + 1,
		    error_message = '', worker_id = '',
		    started_at = NULL, completed_at = NULL,
		    run_at = $2, updated_at = NOW()
		WHERE id = $1 AND state = 'failed'
		RETURNING `+taskColumns,
		taskID.String(), runAt,
	)

	t, err := scanTask(row)
	if err == nil {
		return t, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("enrollq/postgres: retry task: %w", err)
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM enrollq_tasks WHERE id = $1)`,
		taskID.String(),
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("enrollq/postgres: retry lookup: %w", err)
	}
	if !exists {
		return nil, enrollq.ErrTaskNotFound
	}
	return nil, enrollq.ErrNotRetryable
}

// ListTasksByStudent returns a student's tasks, newest first.
func (s *Store) ListTasksByStudent(ctx context.Context, studentID int64, opts task.ListOpts) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM enrollq_tasks WHERE student_id = $1`
	args := []interface{}{studentID}
	argIdx := 2

	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("enrollq/postgres: list tasks by student: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// CountTasks returns the number of tasks matching the given options.
func (s *Store) CountTasks(ctx context.Context, opts task.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM enrollq_tasks WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if opts.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, opts.Queue)
		argIdx++
	}
	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("enrollq/postgres: count tasks: %w", err)
	}
	return count, nil
}

// QueuePosition returns the 1-based dispatch position of a pending
// task: one plus the count of pending tasks ordered ahead of it.
// TypeIDs are K-sortable, so the id comparison breaks RunAt ties the
// same way dequeue does.
func (s *Store) QueuePosition(ctx context.Context, taskID id.TaskID) (int, error) {
	var state string
	var priority int
	var runAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT state, priority, run_at FROM enrollq_tasks WHERE id = $1`,
		taskID.String(),
	).Scan(&state, &priority, &runAt)
	if err != nil {
		if isNoRows(err) {
			return 0, enrollq.ErrTaskNotFound
		}
		return 0, fmt.Errorf("enrollq/postgres: queue position: %w", err)
	}
	if task.State(state) != task.StatePending {
		return 0, nil
	}

	var ahead int
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM enrollq_tasks
		WHERE state = 'pending'
		  AND (priority > $1
		       OR (priority = $1 AND run_at < $2)
		       OR (priority = $1 AND run_at = $2 AND id < $3))`,
		priority, runAt, taskID.String(),
	).Scan(&ahead)
	if err != nil {
		return 0, fmt.Errorf("enrollq/postgres: queue position count: %w", err)
	}
	return ahead + 1, nil
}

// TaskStats returns an aggregate snapshot of the queue in one query.
func (s *Store) TaskStats(ctx context.Context) (*task.Stats, error) {
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)

	stats := &task.Stats{}
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE state = 'pending'),
			COUNT(*) FILTER (WHERE state = 'processing'),
			COUNT(*) FILTER (WHERE state = 'completed' AND completed_at >= $1),
			COUNT(*) FILTER (WHERE state = 'failed' AND completed_at >= $1),
			COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at)))
				FILTER (WHERE state = 'completed'
				        AND completed_at >= $1
				        AND started_at IS NOT NULL), 0)
		FROM enrollq_tasks`,
		dayStart,
	).Scan(
		&stats.PendingCount,
		&stats.ProcessingCount,
		&stats.CompletedToday,
		&stats.FailedToday,
		&stats.AvgProcessingSeconds,
	)
	if err != nil {
		return nil, fmt.Errorf("enrollq/postgres: task stats: %w", err)
	}

	stats.QueueLength = stats.PendingCount + stats.ProcessingCount
	return stats, nil
}

// scanTask scans a single task row.
func scanTask(row pgx.Row) (*task.Task, error) {
	var (
		t         task.Task
		idStr     string
		typeStr   string
		stateStr  string
		workerStr string
		timeoutNs int64
	)
	err := row.Scan(
		&idStr, &t.StudentID, &t.CourseID, &typeStr, &t.Queue, &stateStr,
		&t.Priority, &t.RetryCount, &t.ErrorMessage, &workerStr,
		&t.RunAt, &t.StartedAt, &t.CompletedAt, &timeoutNs,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Type = task.Type(typeStr)
	t.State = task.State(stateStr)
	t.Timeout = time.Duration(timeoutNs)

	parsedID, parseErr := id.ParseTaskID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("enrollq/postgres: parse task id %q: %w", idStr, parseErr)
	}
	t.ID = parsedID

	if workerStr != "" {
		if parsedWorker, wErr := id.ParseWorkerID(workerStr); wErr == nil {
			t.WorkerID = parsedWorker
		}
	}

	return &t, nil
}

// collectTasks collects all tasks from query rows.
func collectTasks(rows pgx.Rows) ([]*task.Task, error) {
	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("enrollq/postgres: scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("enrollq/postgres: iterate task rows: %w", err)
	}
	return tasks, nil
}
