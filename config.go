package enrollq

import "time"

// Config holds configuration for the enrollment queue core.
type Config struct {
	// Concurrency is the maximum number of tasks dispatched concurrently.
	Concurrency int

	// Queues is the list of queues the dispatcher will poll, in
	// preference order. Tasks are queued by type: "deselect" tasks free
	// seats and are polled ahead of "select" tasks.
	Queues []string

	// PollInterval is how often idle workers poll for new tasks.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// DispatchTimeout bounds a single ledger call. A timed-out call
	// marks the task failed with a transient classification, eligible
	// for explicit retry.
	DispatchTimeout time.Duration

	// EstimatePerTask is the advisory per-position wait multiplier
	// reported back to clients on submission. Not an SLA.
	EstimatePerTask time.Duration

	// BacklogThreshold is the pending-task count beyond which the
	// health endpoint reports "degraded".
	BacklogThreshold int64

	// PerCourseConcurrency caps how many tasks for the same course may
	// be in flight at once, damping ledger contention on popular
	// courses. Zero disables the cap.
	PerCourseConcurrency int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:          10,
		Queues:               []string{QueueDeselect, QueueSelect},
		PollInterval:         500 * time.Millisecond,
		ShutdownTimeout:      30 * time.Second,
		DispatchTimeout:      10 * time.Second,
		EstimatePerTask:      2 * time.Second,
		BacklogThreshold:     1000,
		PerCourseConcurrency: 4,
	}
}

// Queue names, one per task type. Keeping them in the root package lets
// config, task, and queue-manager code agree without import cycles.
const (
	QueueSelect   = "select"
	QueueDeselect = "deselect"
)

// Priorities assigned at submission. Deselects are materially ahead of
// selects so freeing a seat both reports and dispatches before taking one.
const (
	PrioritySelect   = 0
	PriorityDeselect = 10
)
