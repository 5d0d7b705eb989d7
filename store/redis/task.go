package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stevessr/enrollq"
	"github.com/stevessr/enrollq/id"
	"github.com/stevessr/enrollq/task"
)

// Script reply codes shared by the cancel and retry scripts.
const (
	replyOK             = 0
	replyNotFound       = 1
	replyNotCancellable = 2
	replyNotRetryable   = 3
)

// dequeueScript pops up to ARGV[2] task IDs from the queue Sorted Set
// (KEYS[1]) whose score (RunAt in unix ms) is at or below ARGV[1] and
// claims each one: state goes to processing, StartedAt is stamped, and
// the ID joins the processing set (KEYS[2]). Pop and claim are one
// server-side step, so a concurrent cancel can never observe a popped
// task that still reads as pending, and competing dispatchers can
// never claim the same task. Task hash keys are built from the prefix
// in ARGV[3]; ARGV[4] is the claim timestamp.
var dequeueScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
if #ids == 0 then
  return ids
end
redis.call("ZREM", KEYS[1], unpack(ids))
for _, id in ipairs(ids) do
  redis.call("HSET", ARGV[3] .. id, "state", "processing", "started_at", ARGV[4], "updated_at", ARGV[4])
  redis.call("SADD", KEYS[2], id)
end
return ids
`)

// cancelScript: KEYS[1]=task hash, KEYS[2]=queue zset, KEYS[3]=failed
// daily counter, KEYS[4]=processing set.
// ARGV[1]=studentID ARGV[2]=now(RFC3339Nano) ARGV[3]=taskID
var cancelScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 1
end
if redis.call("HGET", KEYS[1], "student_id") ~= ARGV[1] then
  return 1
end
if redis.call("HGET", KEYS[1], "state") ~= "pending" then
  return 2
end
redis.call("HSET", KEYS[1], "state", "failed", "error_message", "cancelled", "completed_at", ARGV[2], "updated_at", ARGV[2])
redis.call("ZREM", KEYS[2], ARGV[3])
redis.call("SREM", KEYS[4], ARGV[3])
redis.call("INCR", KEYS[3])
return 0
`)

// retryScript: KEYS[1]=task hash, KEYS[2]=queue zset.
// ARGV[1]=taskID ARGV[2]=runAt(RFC3339Nano) ARGV[3]=score ARGV[4]=now
var retryScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 1
end
if redis.call("HGET", KEYS[1], "state") ~= "failed" then
  return 3
end
redis.call("HINCRBY", KEYS[1], "retry_count", 1)
redis.call("HSET", KEYS[1], "state", "pending", "error_message", "", "worker_id", "", "run_at", ARGV[2], "updated_at", ARGV[4])
redis.call("HDEL", KEYS[1], "started_at", "completed_at")
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
return 0
`)

// CreateTask stores the task as a Hash and adds it to its queue's
// Sorted Set.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	tID := t.ID.String()
	key := taskKey(tID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("enrollq/redis: create check exists: %w", err)
	}
	if exists > 0 {
		return enrollq.ErrTaskAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, taskToMap(t))
	pipe.SAdd(ctx, taskIDsKey, tID)
	pipe.SAdd(ctx, studentTasksKey(strconv.FormatInt(t.StudentID, 10)), tID)
	pipe.SAdd(ctx, queuesKey, t.Queue)
	pipe.HSet(ctx, queuePriorityKey, t.Queue, strconv.Itoa(t.Priority))
	pipe.ZAdd(ctx, queueKey(t.Queue), redis.Z{Score: taskScore(t.RunAt), Member: tID})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enrollq/redis: create task: %w", err)
	}
	return nil
}

// DequeueTasks atomically claims up to limit dispatchable tasks from
// the given queues. Queues are drained in the order given; pass the
// higher-priority queue first.
func (s *Store) DequeueTasks(ctx context.Context, queues []string, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	nowMillis := strconv.FormatInt(now.UnixMilli(), 10)
	var tasks []*task.Task

	for _, q := range queues {
		if len(tasks) >= limit {
			break
		}
		remaining := limit - len(tasks)

		ids, err := dequeueScript.Run(ctx, s.client, []string{queueKey(q), processingKey},
			nowMillis, remaining, taskKeyPrefix, now.Format(time.RFC3339Nano)).StringSlice()
		if err != nil {
			return nil, fmt.Errorf("enrollq/redis: dequeue: %w", err)
		}

		for _, tID := range ids {
			t, getErr := s.getTaskByKey(ctx, taskKey(tID))
			if getErr != nil {
				return nil, getErr
			}
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	return s.getTaskByKey(ctx, taskKey(taskID.String()))
}

// UpdateTask persists changes to an existing task and maintains the
// daily outcome counters when the task reaches a terminal state.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	tID := t.ID.String()
	key := taskKey(tID)

	prevState, err := s.client.HGet(ctx, key, "state").Result()
	if err != nil {
		if err == redis.Nil {
			return enrollq.ErrTaskNotFound
		}
		return fmt.Errorf("enrollq/redis: update get state: %w", err)
	}

	now := time.Now().UTC()
	fields := taskToMap(t)
	fields["updated_at"] = now.Format(time.RFC3339Nano)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if t.StartedAt == nil {
		pipe.HDel(ctx, key, "started_at")
	}
	if t.CompletedAt == nil {
		pipe.HDel(ctx, key, "completed_at")
	}

	// Counter maintenance on the processing → terminal edge.
	if task.State(prevState) == task.StateProcessing && t.State.Terminal() {
		day := now.Format(time.DateOnly)
		pipe.SRem(ctx, processingKey, tID)
		switch t.State {
		case task.StateCompleted:
			pipe.Incr(ctx, completedKey(day))
			if t.StartedAt != nil && t.CompletedAt != nil {
				pipe.IncrByFloat(ctx, procSecondsKey(day), t.CompletedAt.Sub(*t.StartedAt).Seconds())
				pipe.Incr(ctx, procCountKey(day))
			}
		case task.StateFailed:
			pipe.Incr(ctx, failedKey(day))
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enrollq/redis: update task: %w", err)
	}
	return nil
}

// CancelTask atomically cancels a pending task owned by studentID.
func (s *Store) CancelTask(ctx context.Context, taskID id.TaskID, studentID int64) (*task.Task, error) {
	tID := taskID.String()
	key := taskKey(tID)

	// The queue never changes after submission, so reading it outside
	// the script is safe.
	q, err := s.client.HGet(ctx, key, "queue").Result()
	if err != nil {
		if err == redis.Nil {
			return nil, enrollq.ErrTaskNotFound
		}
		return nil, fmt.Errorf("enrollq/redis: cancel get queue: %w", err)
	}

	now := time.Now().UTC()
	keys := []string{key, queueKey(q), failedKey(now.Format(time.DateOnly)), processingKey}
	code, err := cancelScript.Run(ctx, s.client, keys,
		strconv.FormatInt(studentID, 10),
		now.Format(time.RFC3339Nano),
		tID,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("enrollq/redis: cancel script: %w", err)
	}

	switch code {
	case replyOK:
		return s.getTaskByKey(ctx, key)
	case replyNotFound:
		return nil, enrollq.ErrTaskNotFound
	case replyNotCancellable:
		return nil, enrollq.ErrNotCancellable
	default:
		return nil, fmt.Errorf("enrollq/redis: unexpected cancel reply %d", code)
	}
}

// RetryTask atomically re-queues a failed task.
func (s *Store) RetryTask(ctx context.Context, taskID id.TaskID, runAt time.Time) (*task.Task, error) {
	tID := taskID.String()
	key := taskKey(tID)

	q, err := s.client.HGet(ctx, key, "queue").Result()
	if err != nil {
		if err == redis.Nil {
			return nil, enrollq.ErrTaskNotFound
		}
		return nil, fmt.Errorf("enrollq/redis: retry get queue: %w", err)
	}

	now := time.Now().UTC()
	code, err := retryScript.Run(ctx, s.client, []string{key, queueKey(q)},
		tID,
		runAt.UTC().Format(time.RFC3339Nano),
		taskScore(runAt),
		now.Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("enrollq/redis: retry script: %w", err)
	}

	switch code {
	case replyOK:
		return s.getTaskByKey(ctx, key)
	case replyNotFound:
		return nil, enrollq.ErrTaskNotFound
	case replyNotRetryable:
		return nil, enrollq.ErrNotRetryable
	default:
		return nil, fmt.Errorf("enrollq/redis: unexpected retry reply %d", code)
	}
}

// ListTasksByStudent returns a student's tasks, newest first.
func (s *Store) ListTasksByStudent(ctx context.Context, studentID int64, opts task.ListOpts) ([]*task.Task, error) {
	ids, err := s.client.SMembers(ctx, studentTasksKey(strconv.FormatInt(studentID, 10))).Result()
	if err != nil {
		return nil, fmt.Errorf("enrollq/redis: list smembers: %w", err)
	}

	tasks := make([]*task.Task, 0, len(ids))
	for _, tID := range ids {
		t, getErr := s.getTaskByKey(ctx, taskKey(tID))
		if getErr != nil {
			continue // skip missing
		}
		if opts.State != "" && t.State != opts.State {
			continue
		}
		tasks = append(tasks, t)
	}

	sort.Slice(tasks, func(i, k int) bool {
		return tasks[i].CreatedAt.After(tasks[k].CreatedAt)
	})

	if opts.Limit > 0 && opts.Limit < len(tasks) {
		tasks = tasks[:opts.Limit]
	}
	return tasks, nil
}

// CountTasks returns the number of tasks matching the given options.
func (s *Store) CountTasks(ctx context.Context, opts task.CountOpts) (int64, error) {
	ids, err := s.client.SMembers(ctx, taskIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("enrollq/redis: count smembers: %w", err)
	}

	var count int64
	for _, tID := range ids {
		t, getErr := s.getTaskByKey(ctx, taskKey(tID))
		if getErr != nil {
			continue
		}
		if opts.State != "" && t.State != opts.State {
			continue
		}
		if opts.Queue != "" && t.Queue != opts.Queue {
			continue
		}
		count++
	}
	return count, nil
}

// QueuePosition returns the 1-based dispatch position of a pending
// task: pending tasks on higher-priority queues, plus earlier tasks on
// its own queue, plus one.
func (s *Store) QueuePosition(ctx context.Context, taskID id.TaskID) (int, error) {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if t.State != task.StatePending {
		return 0, nil
	}

	// Tasks ahead on the same queue: strictly earlier score, plus
	// same-score tasks with a smaller ID. TypeIDs are K-sortable, so
	// the ID string breaks RunAt-millisecond ties in creation order.
	score := taskScore(t.RunAt)
	scoreStr := strconv.FormatFloat(score, 'f', -1, 64)
	sameQueue, err := s.client.ZCount(ctx, queueKey(t.Queue), "-inf", "("+scoreStr).Result()
	if err != nil {
		return 0, fmt.Errorf("enrollq/redis: position zcount: %w", err)
	}

	tied, err := s.client.ZRangeByScore(ctx, queueKey(t.Queue), &redis.ZRangeBy{
		Min: scoreStr,
		Max: scoreStr,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("enrollq/redis: position tied range: %w", err)
	}
	tID := t.ID.String()
	for _, member := range tied {
		if member < tID {
			sameQueue++
		}
	}

	// All tasks on higher-priority queues.
	priorities, err := s.client.HGetAll(ctx, queuePriorityKey).Result()
	if err != nil {
		return 0, fmt.Errorf("enrollq/redis: position priorities: %w", err)
	}

	var higher int64
	for q, pStr := range priorities {
		if q == t.Queue {
			continue
		}
		p, _ := strconv.Atoi(pStr) //nolint:errcheck // best-effort parse from trusted Redis data
		if p <= t.Priority {
			continue
		}
		n, zErr := s.client.ZCard(ctx, queueKey(q)).Result()
		if zErr != nil {
			return 0, fmt.Errorf("enrollq/redis: position zcard: %w", zErr)
		}
		higher += n
	}

	return int(higher + sameQueue + 1), nil
}

// TaskStats returns an aggregate snapshot of the queue.
func (s *Store) TaskStats(ctx context.Context) (*task.Stats, error) {
	stats := &task.Stats{}
	day := time.Now().UTC().Format(time.DateOnly)

	queues, err := s.client.SMembers(ctx, queuesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("enrollq/redis: stats queues: %w", err)
	}
	for _, q := range queues {
		n, zErr := s.client.ZCard(ctx, queueKey(q)).Result()
		if zErr != nil {
			return nil, fmt.Errorf("enrollq/redis: stats zcard: %w", zErr)
		}
		stats.PendingCount += n
	}

	processing, err := s.client.SCard(ctx, processingKey).Result()
	if err != nil {
		return nil, fmt.Errorf("enrollq/redis: stats processing: %w", err)
	}
	stats.ProcessingCount = processing

	stats.CompletedToday, _ = s.client.Get(ctx, completedKey(day)).Int64() //nolint:errcheck // missing counter means zero
	stats.FailedToday, _ = s.client.Get(ctx, failedKey(day)).Int64()      //nolint:errcheck // missing counter means zero

	procSeconds, _ := s.client.Get(ctx, procSecondsKey(day)).Float64() //nolint:errcheck // missing counter means zero
	procCount, _ := s.client.Get(ctx, procCountKey(day)).Int64()       //nolint:errcheck // missing counter means zero
	if procCount > 0 {
		stats.AvgProcessingSeconds = procSeconds / float64(procCount)
	}

	stats.QueueLength = stats.PendingCount + stats.ProcessingCount
	return stats, nil
}

// taskScore computes the queue Sorted Set score: RunAt in unix
// milliseconds. Lower score = dispatched first. Priority ordering is
// carried by the queue itself; every task on one queue shares a
// priority.
func taskScore(runAt time.Time) float64 {
	return float64(runAt.UTC().UnixMilli())
}

func taskToMap(t *task.Task) map[string]interface{} {
	m := map[string]interface{}{
		"id":            t.ID.String(),
		"student_id":    strconv.FormatInt(t.StudentID, 10),
		"course_id":     strconv.FormatInt(t.CourseID, 10),
		"task_type":     string(t.Type),
		"queue":         t.Queue,
		"state":         string(t.State),
		"priority":      strconv.Itoa(t.Priority),
		"retry_count":   strconv.Itoa(t.RetryCount),
		"error_message": t.ErrorMessage,
		"worker_id":     t.WorkerID.String(),
		"run_at":        t.RunAt.Format(time.RFC3339Nano),
		"timeout":       strconv.FormatInt(int64(t.Timeout), 10),
		"created_at":    t.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":    t.UpdatedAt.Format(time.RFC3339Nano),
	}
	if t.StartedAt != nil {
		m["started_at"] = t.StartedAt.Format(time.RFC3339Nano)
	}
	if t.CompletedAt != nil {
		m["completed_at"] = t.CompletedAt.Format(time.RFC3339Nano)
	}
	return m
}

func (s *Store) getTaskByKey(ctx context.Context, key string) (*task.Task, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("enrollq/redis: get task: %w", err)
	}
	if len(vals) == 0 {
		return nil, enrollq.ErrTaskNotFound
	}
	return mapToTask(vals)
}

func mapToTask(m map[string]string) (*task.Task, error) {
	tID, err := id.ParseTaskID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("enrollq/redis: parse task id: %w", err)
	}

	studentID, _ := strconv.ParseInt(m["student_id"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
	courseID, _ := strconv.ParseInt(m["course_id"], 10, 64)   //nolint:errcheck // best-effort parse from trusted Redis data
	priority, _ := strconv.Atoi(m["priority"])                //nolint:errcheck // best-effort parse from trusted Redis data
	retryCount, _ := strconv.Atoi(m["retry_count"])           //nolint:errcheck // best-effort parse from trusted Redis data
	timeout, _ := strconv.ParseInt(m["timeout"], 10, 64)      //nolint:errcheck // best-effort parse from trusted Redis data

	runAt, _ := time.Parse(time.RFC3339Nano, m["run_at"])         //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	t := &task.Task{
		Entity: enrollq.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:           tID,
		StudentID:    studentID,
		CourseID:     courseID,
		Type:         task.Type(m["task_type"]),
		Queue:        m["queue"],
		State:        task.State(m["state"]),
		Priority:     priority,
		RetryCount:   retryCount,
		ErrorMessage: m["error_message"],
		RunAt:        runAt,
		Timeout:      time.Duration(timeout),
	}

	if wID := m["worker_id"]; wID != "" {
		if parsed, wErr := id.ParseWorkerID(wID); wErr == nil {
			t.WorkerID = parsed
		}
	}
	if v, ok := m["started_at"]; ok && v != "" {
		if ts, tErr := time.Parse(time.RFC3339Nano, v); tErr == nil {
			t.StartedAt = &ts
		}
	}
	if v, ok := m["completed_at"]; ok && v != "" {
		if ts, tErr := time.Parse(time.RFC3339Nano, v); tErr == nil {
			t.CompletedAt = &ts
		}
	}
	return t, nil
}
