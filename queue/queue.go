package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config defines per-queue behaviour such as rate limiting and concurrency.
type Config struct {
	// Name is the queue identifier (must match the task.Queue field).
	Name string

	// MaxConcurrency limits how many tasks from this queue may run
	// simultaneously across the local worker pool. Zero means no
	// queue-specific limit (pool-wide concurrency still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained tasks per second that may be
	// dequeued from this queue. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// queueState tracks runtime state for a single queue.
type queueState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

// Manager controls per-queue and per-course rate limiting and
// concurrency. It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	queues  map[string]*queueState
	courses map[string]*courseState

	// defaultCourseConcurrency caps dispatches for any course without
	// an explicit CourseConfig. Zero means unconfigured courses are
	// unlimited.
	defaultCourseConcurrency int
}

// NewManager creates a Manager with the given queue configurations.
// Queues not listed here have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		queues:  make(map[string]*queueState, len(configs)),
		courses: make(map[string]*courseState),
	}
	for _, cfg := range configs {
		m.queues[cfg.Name] = newQueueState(cfg)
	}
	return m
}

func newQueueState(cfg Config) *queueState {
	qs := &queueState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		qs.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return qs
}

// SetDefaultCourseConcurrency caps simultaneous dispatches per course
// for courses without an explicit CourseConfig. Zero removes the cap.
func (m *Manager) SetDefaultCourseConcurrency(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultCourseConcurrency = n
}

// AdmitsQueue reports whether the queue's rate and concurrency limits
// would currently admit a dispatch, without consuming any capacity.
// Dispatchers consult it before claiming work so a task is only taken
// off its queue when dispatch can actually proceed.
func (m *Manager) AdmitsQueue(queue string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := m.queues[queue]
	if qs == nil {
		return true
	}
	if qs.limiter != nil && qs.limiter.Tokens() < 1 {
		return false
	}
	if qs.config.MaxConcurrency > 0 && qs.active >= qs.config.MaxConcurrency {
		return false
	}
	return true
}

// Acquire checks rate limits and concurrency for the given queue and
// course. If the task is allowed to proceed it increments the active
// counters and returns true. The caller MUST call Release when the
// dispatch completes.
func (m *Manager) Acquire(queue, courseKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check queue-level constraints.
	qs := m.queues[queue]
	if qs != nil {
		if qs.limiter != nil && !qs.limiter.Allow() {
			return false
		}
		if qs.config.MaxConcurrency > 0 && qs.active >= qs.config.MaxConcurrency {
			return false
		}
	}

	// Check course-level constraints.
	if courseKey != "" {
		cs := m.courseState(queue, courseKey)
		if cs != nil {
			if cs.limiter != nil && !cs.limiter.Allow() {
				return false
			}
			if cs.maxConcurrency > 0 && cs.active >= cs.maxConcurrency {
				return false
			}
			cs.active++
		}
	}

	if qs != nil {
		qs.active++
	}

	return true
}

// Release decrements the active task count for the queue and course.
func (m *Manager) Release(queue, courseKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if qs := m.queues[queue]; qs != nil && qs.active > 0 {
		qs.active--
	}

	if courseKey != "" {
		if cs := m.courses[courseMapKey(queue, courseKey)]; cs != nil && cs.active > 0 {
			cs.active--
		}
	}
}

// SetQueueConfig dynamically updates (or creates) a queue configuration.
func (m *Manager) SetQueueConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.queues[cfg.Name]
	qs := newQueueState(cfg)

	// Preserve current active count if reconfiguring.
	if existing != nil {
		qs.active = existing.active
	}
	m.queues[cfg.Name] = qs
}

// ActiveCount returns the current number of active tasks for a queue.
func (m *Manager) ActiveCount(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs := m.queues[queue]; qs != nil {
		return qs.active
	}
	return 0
}
