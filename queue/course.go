package queue

import (
	"fmt"

	"golang.org/x/time/rate"
)

// CourseConfig defines rate limits and concurrency for a specific
// course on a specific queue, identified by the task's course ID.
type CourseConfig struct {
	// QueueName is the queue this config applies to.
	QueueName string

	// CourseKey is the course identifier (the task's course ID,
	// formatted as a decimal string).
	CourseKey string

	// RateLimit is the sustained tasks per second for this course.
	RateLimit float64

	// RateBurst is the burst size for the course's rate limiter.
	RateBurst int

	// MaxConcurrency limits simultaneous dispatches for this course on
	// this queue. Zero means no course-specific concurrency limit.
	MaxConcurrency int
}

// courseState tracks runtime state for a single queue+course pair.
type courseState struct {
	limiter        *rate.Limiter
	maxConcurrency int
	active         int
}

// courseMapKey builds the map key for a queue+course pair.
func courseMapKey(queue, courseKey string) string {
	return fmt.Sprintf("%s:%s", queue, courseKey)
}

// courseState returns the state for a queue+course pair, creating it
// lazily with the default concurrency cap when no explicit config
// exists. Returns nil when the course is unlimited. Caller holds m.mu.
func (m *Manager) courseState(queue, courseKey string) *courseState {
	key := courseMapKey(queue, courseKey)
	if cs, ok := m.courses[key]; ok {
		return cs
	}
	if m.defaultCourseConcurrency <= 0 {
		return nil
	}
	cs := &courseState{maxConcurrency: m.defaultCourseConcurrency}
	m.courses[key] = cs
	return cs
}

// SetCourseConfig configures rate limits and concurrency for a specific
// course on a specific queue. Calling this multiple times for the same
// queue+course replaces the previous configuration.
func (m *Manager) SetCourseConfig(cfg CourseConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := courseMapKey(cfg.QueueName, cfg.CourseKey)
	existing := m.courses[key]

	cs := &courseState{
		maxConcurrency: cfg.MaxConcurrency,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		cs.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	// Preserve current active count if reconfiguring.
	if existing != nil {
		cs.active = existing.active
	}
	m.courses[key] = cs
}

// CourseActiveCount returns the current number of active dispatches for
// a queue+course pair.
func (m *Manager) CourseActiveCount(queue, courseKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs := m.courses[courseMapKey(queue, courseKey)]; cs != nil {
		return cs.active
	}
	return 0
}
