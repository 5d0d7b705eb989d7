package queue

import (
	"sync"
	"testing"
	"time"
)

func TestNewManager_Empty(t *testing.T) {
	m := NewManager()
	// No configs; Acquire/Release should always succeed.
	if !m.Acquire("any-queue", "") {
		t.Fatal("expected Acquire to succeed for unconfigured queue")
	}
	m.Release("any-queue", "")
}

func TestManager_MaxConcurrency(t *testing.T) {
	m := NewManager(Config{
		Name:           "select",
		MaxConcurrency: 2,
	})

	if !m.Acquire("select", "") {
		t.Fatal("first Acquire should succeed")
	}
	if !m.Acquire("select", "") {
		t.Fatal("second Acquire should succeed")
	}
	if m.Acquire("select", "") {
		t.Fatal("third Acquire should fail (max concurrency 2)")
	}

	m.Release("select", "")
	if !m.Acquire("select", "") {
		t.Fatal("Acquire should succeed after Release")
	}
}

func TestManager_AdmitsQueue(t *testing.T) {
	m := NewManager(Config{
		Name:           "select",
		MaxConcurrency: 1,
	})

	if !m.AdmitsQueue("select") {
		t.Fatal("expected AdmitsQueue to pass with no active tasks")
	}
	// AdmitsQueue is a pure check: asking repeatedly consumes nothing.
	if !m.AdmitsQueue("select") {
		t.Fatal("expected repeated AdmitsQueue to still pass")
	}

	if !m.Acquire("select", "") {
		t.Fatal("Acquire should succeed")
	}
	if m.AdmitsQueue("select") {
		t.Fatal("expected AdmitsQueue to fail at max concurrency")
	}

	m.Release("select", "")
	if !m.AdmitsQueue("select") {
		t.Fatal("expected AdmitsQueue to pass after Release")
	}

	if !m.AdmitsQueue("unconfigured") {
		t.Fatal("expected AdmitsQueue to pass for unconfigured queue")
	}
}

func TestManager_AcquireRelease_ActiveCount(t *testing.T) {
	m := NewManager(Config{
		Name:           "q",
		MaxConcurrency: 5,
	})

	for i := range 3 {
		if !m.Acquire("q", "") {
			t.Fatalf("Acquire %d should succeed", i)
		}
	}
	if m.ActiveCount("q") != 3 {
		t.Fatalf("expected 3 active, got %d", m.ActiveCount("q"))
	}

	m.Release("q", "")
	m.Release("q", "")
	if m.ActiveCount("q") != 1 {
		t.Fatalf("expected 1 active, got %d", m.ActiveCount("q"))
	}
}

func TestManager_RateLimit_Throttles(t *testing.T) {
	m := NewManager(Config{
		Name:      "limited",
		RateLimit: 1.0, // 1 per second
		RateBurst: 1,
	})

	if !m.Acquire("limited", "") {
		t.Fatal("first Acquire should succeed (within burst)")
	}
	m.Release("limited", "")

	// Immediately after, token bucket is empty.
	if m.Acquire("limited", "") {
		t.Fatal("second Acquire should fail (rate limited)")
	}

	time.Sleep(1100 * time.Millisecond)
	if !m.Acquire("limited", "") {
		t.Fatal("Acquire should succeed after token refill")
	}
	m.Release("limited", "")
}

func TestManager_CourseConcurrencyCap(t *testing.T) {
	m := NewManager(Config{
		Name:           "select",
		MaxConcurrency: 100, // high queue limit
	})

	m.SetCourseConfig(CourseConfig{
		QueueName:      "select",
		CourseKey:      "101",
		MaxConcurrency: 1,
	})

	if !m.Acquire("select", "101") {
		t.Fatal("first Acquire for course 101 should succeed")
	}
	if m.Acquire("select", "101") {
		t.Fatal("second Acquire for course 101 should fail (course max 1)")
	}

	// Other courses are unaffected.
	if !m.Acquire("select", "102") {
		t.Fatal("course 102 should not be affected by course 101's limit")
	}

	m.Release("select", "101")
	m.Release("select", "102")
}

func TestManager_DefaultCourseConcurrency(t *testing.T) {
	m := NewManager(Config{Name: "select", MaxConcurrency: 100})
	m.SetDefaultCourseConcurrency(2)

	// Unconfigured courses pick up the default cap.
	if !m.Acquire("select", "201") {
		t.Fatal("first Acquire should succeed")
	}
	if !m.Acquire("select", "201") {
		t.Fatal("second Acquire should succeed")
	}
	if m.Acquire("select", "201") {
		t.Fatal("third Acquire should fail (default course cap 2)")
	}

	// Release frees a slot.
	m.Release("select", "201")
	if !m.Acquire("select", "201") {
		t.Fatal("Acquire should succeed after Release")
	}
}

func TestManager_CourseActiveCount(t *testing.T) {
	m := NewManager(Config{Name: "q", MaxConcurrency: 10})
	m.SetCourseConfig(CourseConfig{
		QueueName:      "q",
		CourseKey:      "101",
		MaxConcurrency: 5,
	})

	m.Acquire("q", "101")
	m.Acquire("q", "101")
	if got := m.CourseActiveCount("q", "101"); got != 2 {
		t.Fatalf("CourseActiveCount = %d, want 2", got)
	}

	m.Release("q", "101")
	if got := m.CourseActiveCount("q", "101"); got != 1 {
		t.Fatalf("CourseActiveCount after release = %d, want 1", got)
	}
}

func TestManager_SetQueueConfigPreservesActive(t *testing.T) {
	m := NewManager(Config{Name: "q", MaxConcurrency: 5})
	m.Acquire("q", "")
	m.Acquire("q", "")

	m.SetQueueConfig(Config{Name: "q", MaxConcurrency: 2})

	if got := m.ActiveCount("q"); got != 2 {
		t.Fatalf("ActiveCount after reconfigure = %d, want 2", got)
	}
	// Already at the new cap.
	if m.Acquire("q", "") {
		t.Fatal("Acquire should fail at the reduced cap")
	}
}

func TestManager_ConcurrentAcquireHonorsCap(t *testing.T) {
	m := NewManager(Config{Name: "q", MaxConcurrency: 10})

	var mu sync.Mutex
	acquired := 0
	var wg sync.WaitGroup

	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Acquire("q", "") {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if acquired != 10 {
		t.Fatalf("acquired %d slots, want exactly 10", acquired)
	}
	if m.ActiveCount("q") != 10 {
		t.Fatalf("ActiveCount = %d, want 10", m.ActiveCount("q"))
	}
}
