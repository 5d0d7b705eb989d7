package dispatcher_test

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stevessr/enrollq"
	"github.com/stevessr/enrollq/dispatcher"
	"github.com/stevessr/enrollq/ext"
	"github.com/stevessr/enrollq/ledger"
	"github.com/stevessr/enrollq/middleware"
	"github.com/stevessr/enrollq/store/memory"
	"github.com/stevessr/enrollq/task"
)

func setupTestPool(t *testing.T, concurrency int, pollInterval time.Duration, opts ...dispatcher.PoolOption) (
	*dispatcher.Pool, *memory.Store, *ledger.Memory,
) {
	t.Helper()
	logger := slog.Default()
	s := memory.New()
	led := ledger.NewMemory()
	extensions := ext.NewRegistry(logger)

	executor := dispatcher.NewExecutor(
		led, extensions, s, logger,
		middleware.Recover(logger),
	)

	poolOpts := []dispatcher.PoolOption{
		dispatcher.WithPoolConcurrency(concurrency),
		dispatcher.WithPollInterval(pollInterval),
		dispatcher.WithPoolQueues([]string{enrollq.QueueDeselect, enrollq.QueueSelect}),
	}
	poolOpts = append(poolOpts, opts...)

	pool := dispatcher.NewPool(s, executor, extensions, logger, poolOpts...)

	return pool, s, led
}

func waitForState(t *testing.T, s *memory.Store, taskID string, want task.State) *task.Task {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		got, err := s.ListTasksByStudent(context.Background(), 20231001, task.ListOpts{})
		if err != nil {
			t.Fatalf("list error: %v", err)
		}
		for _, tk := range got {
			if tk.ID.String() == taskID && tk.State == want {
				return tk
			}
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for task %s to reach %q", taskID, want)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestPool_StartStop(t *testing.T) {
	pool, _, _ := setupTestPool(t, 2, 50*time.Millisecond)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	// Double start should be no-op.
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}

	// Double stop should be no-op.
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected double-stop error: %v", err)
	}
}

func TestPool_DispatchesSelect(t *testing.T) {
	pool, s, led := setupTestPool(t, 1, 10*time.Millisecond)
	led.AddCourse(101, 30)

	tk := task.New(20231001, 101, task.TypeSelect)
	if err := s.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("create error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	got := waitForState(t, s, tk.ID.String(), task.StateCompleted)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	if got.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
	if got.WorkerID.String() != pool.WorkerID().String() {
		t.Errorf("worker id = %q, want %q", got.WorkerID, pool.WorkerID())
	}

	taken, _, err := led.Seats(101)
	if err != nil {
		t.Fatalf("seats error: %v", err)
	}
	if taken != 1 {
		t.Errorf("seats taken = %d, want 1", taken)
	}
}

func TestPool_FullCourseFailsTask(t *testing.T) {
	pool, s, led := setupTestPool(t, 1, 10*time.Millisecond)
	led.AddCourse(101, 1)
	if err := led.Select(context.Background(), 999, 101); err != nil {
		t.Fatalf("seed select error: %v", err)
	}

	tk := task.New(20231001, 101, task.TypeSelect)
	if err := s.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("create error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	got := waitForState(t, s, tk.ID.String(), task.StateFailed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	if got.ErrorMessage == "" {
		t.Error("expected ErrorMessage to be set")
	}
	if got.ErrorMessage != ledger.ErrCourseFull.Error() {
		t.Errorf("error message = %q, want %q", got.ErrorMessage, ledger.ErrCourseFull.Error())
	}
}

func TestPool_DeselectBeforeSelect(t *testing.T) {
	// A deselect and a select submitted together: the deselect queue is
	// polled first, so the freed seat is available to the select.
	pool, s, led := setupTestPool(t, 1, 10*time.Millisecond)
	led.AddCourse(101, 1)
	if err := led.Select(context.Background(), 20231001, 101); err != nil {
		t.Fatalf("seed select error: %v", err)
	}

	desel := task.New(20231001, 101, task.TypeDeselect)
	if err := s.CreateTask(context.Background(), desel); err != nil {
		t.Fatalf("create deselect error: %v", err)
	}
	sel := task.New(20231002, 101, task.TypeSelect)
	if err := s.CreateTask(context.Background(), sel); err != nil {
		t.Fatalf("create select error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		got, err := s.GetTask(context.Background(), sel.ID)
		if err != nil {
			t.Fatalf("get error: %v", err)
		}
		if got.State == task.StateCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out; select task state = %q", got.State)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}
}

func TestPool_CancelledTaskNeverReachesLedger(t *testing.T) {
	pool, s, led := setupTestPool(t, 1, 20*time.Millisecond)
	led.AddCourse(101, 30)

	tk := task.New(20231001, 101, task.TypeSelect)
	tk.RunAt = time.Now().UTC().Add(time.Hour) // keep it undispatchable
	if err := s.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("create error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	if _, err := s.CancelTask(context.Background(), tk.ID, 20231001); err != nil {
		t.Fatalf("cancel error: %v", err)
	}

	// Let the pool poll a few times, then confirm no ledger effect.
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	taken, _, err := led.Seats(101)
	if err != nil {
		t.Fatalf("seats error: %v", err)
	}
	if taken != 0 {
		t.Errorf("seats taken = %d, want 0: cancelled task reached the ledger", taken)
	}

	got, err := s.GetTask(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if got.State != task.StateFailed || got.ErrorMessage != task.CancelledReason {
		t.Errorf("task = %q/%q, want failed/cancelled", got.State, got.ErrorMessage)
	}
}

func TestPool_Wake(t *testing.T) {
	// A long poll interval with an explicit wake: the task should be
	// dispatched well before the interval elapses.
	pool, s, led := setupTestPool(t, 1, 5*time.Second)
	led.AddCourse(101, 30)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	// Let the worker enter its poll sleep.
	time.Sleep(50 * time.Millisecond)

	tk := task.New(20231001, 101, task.TypeSelect)
	if err := s.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("create error: %v", err)
	}
	pool.Wake()

	waitForState(t, s, tk.ID.String(), task.StateCompleted)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}
}

func TestPool_ExtensionFires(t *testing.T) {
	logger := slog.Default()
	s := memory.New()
	led := ledger.NewMemory()
	led.AddCourse(101, 30)
	extensions := ext.NewRegistry(logger)

	tracker := &trackingExt{}
	extensions.Register(tracker)

	executor := dispatcher.NewExecutor(led, extensions, s, logger)
	pool := dispatcher.NewPool(s, executor, extensions, logger,
		dispatcher.WithPoolConcurrency(1),
		dispatcher.WithPollInterval(10*time.Millisecond),
		dispatcher.WithPoolQueues([]string{enrollq.QueueSelect}),
	)

	tk := task.New(20231001, 101, task.TypeSelect)
	if err := s.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("create error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for !tracker.completed.Load() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for task")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	if !tracker.started.Load() {
		t.Error("expected OnTaskStarted to fire")
	}
}

// gatedManager admits queue polling but holds dispatch slots closed
// while deny is set.
type gatedManager struct {
	deny     atomic.Bool
	acquires atomic.Int32
}

func (g *gatedManager) AdmitsQueue(string) bool { return true }

func (g *gatedManager) Acquire(string, string) bool {
	g.acquires.Add(1)
	return !g.deny.Load()
}

func (g *gatedManager) Release(string, string) {}

func TestPool_ThrottledTaskStaysClaimed(t *testing.T) {
	manager := &gatedManager{}
	manager.deny.Store(true)

	pool, s, led := setupTestPool(t, 1, 10*time.Millisecond,
		dispatcher.WithQueueManager(manager),
	)
	led.AddCourse(101, 30)

	tk := task.New(20231001, 101, task.TypeSelect)
	if err := s.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("create error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := pool.Stop(ctx); err != nil {
			t.Fatalf("stop error: %v", err)
		}
	}()

	// The claimed task waits out the denial in processing; it must
	// never reappear as pending.
	waitForState(t, s, tk.ID.String(), task.StateProcessing)
	for range 5 {
		time.Sleep(15 * time.Millisecond)
		got, err := s.GetTask(context.Background(), tk.ID)
		if err != nil {
			t.Fatalf("get error: %v", err)
		}
		if got.State == task.StatePending {
			t.Fatal("claimed task went back to pending")
		}
	}

	if manager.acquires.Load() < 2 {
		t.Errorf("acquire attempts = %d, want at least 2", manager.acquires.Load())
	}

	manager.deny.Store(false)
	waitForState(t, s, tk.ID.String(), task.StateCompleted)
}

type trackingExt struct {
	started   atomic.Bool
	completed atomic.Bool
	failed    atomic.Bool
}

func (e *trackingExt) Name() string { return "tracker" }

func (e *trackingExt) OnTaskStarted(_ context.Context, _ *task.Task) error {
	e.started.Store(true)
	return nil
}

func (e *trackingExt) OnTaskCompleted(_ context.Context, _ *task.Task, _ time.Duration) error {
	e.completed.Store(true)
	return nil
}

func (e *trackingExt) OnTaskFailed(_ context.Context, _ *task.Task, _ error) error {
	e.failed.Store(true)
	return nil
}
