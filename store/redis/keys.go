package redis

// Redis key naming conventions for enrollment queue data.
// All keys are prefixed with "enrollq:" to avoid collisions.

const keyPrefix = "enrollq:"

// taskKeyPrefix prefixes every task Hash key. The dequeue script
// rebuilds task keys from it server-side.
const taskKeyPrefix = keyPrefix + "task:"

// taskKey returns the Hash key for a task entity: enrollq:task:{id}
func taskKey(id string) string { return taskKeyPrefix + id }

// queueKey returns the Sorted Set key for a queue: enrollq:queue:{name}
// Score is the task's RunAt in unix milliseconds, so a range query up
// to "now" yields exactly the dispatchable tasks in FIFO order.
func queueKey(name string) string { return keyPrefix + "queue:" + name }

// studentTasksKey returns the Set of task IDs submitted by a student.
func studentTasksKey(studentID string) string {
	return keyPrefix + "student:" + studentID + ":tasks"
}

// taskIDsKey is the Set tracking all task IDs for enumeration.
const taskIDsKey = keyPrefix + "task_ids"

// queuesKey is the Set tracking all queue names seen so far.
const queuesKey = keyPrefix + "queues"

// queuePriorityKey is the Hash mapping queue name to its priority,
// recorded at enqueue time. Used for cross-queue position math.
const queuePriorityKey = keyPrefix + "queue_priority"

// processingKey is the Set of task IDs currently being dispatched.
const processingKey = keyPrefix + "processing"

// completedKey returns the daily counter of completed tasks.
func completedKey(day string) string { return keyPrefix + "stats:completed:" + day }

// failedKey returns the daily counter of failed tasks.
func failedKey(day string) string { return keyPrefix + "stats:failed:" + day }

// procSecondsKey returns the daily running sum of processing seconds.
func procSecondsKey(day string) string { return keyPrefix + "stats:proc_seconds:" + day }

// procCountKey returns the daily count of timed completions.
func procCountKey(day string) string { return keyPrefix + "stats:proc_count:" + day }
