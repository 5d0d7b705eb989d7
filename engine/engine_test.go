package engine_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stevessr/enrollq"
	"github.com/stevessr/enrollq/backoff"
	"github.com/stevessr/enrollq/engine"
	"github.com/stevessr/enrollq/ledger"
	"github.com/stevessr/enrollq/store/memory"
	"github.com/stevessr/enrollq/task"
)

func newTestEngine(t *testing.T, opts ...engine.Option) (*engine.Engine, *memory.Store, *ledger.Memory) {
	t.Helper()

	cfg := enrollq.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.EstimatePerTask = 2 * time.Second

	s := memory.New()
	led := ledger.NewMemory()

	eng, err := engine.Build(cfg, s, led, slog.Default(), opts...)
	if err != nil {
		t.Fatalf("build error: %v", err)
	}
	return eng, s, led
}

// failTask fabricates a failed task by claiming and failing it through
// the store, the way a dispatch failure would.
func failTask(t *testing.T, s *memory.Store, tk *task.Task, msg string) {
	t.Helper()
	claimed, err := s.DequeueTasks(context.Background(), []string{tk.Queue}, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim for failure: got %d tasks, err %v", len(claimed), err)
	}
	failed := claimed[0]
	failed.State = task.StateFailed
	failed.ErrorMessage = msg
	now := time.Now().UTC()
	failed.CompletedAt = &now
	if err := s.UpdateTask(context.Background(), failed); err != nil {
		t.Fatalf("update to failed: %v", err)
	}
}

func TestBuild_RequiresStore(t *testing.T) {
	_, err := engine.Build(enrollq.DefaultConfig(), nil, ledger.NewMemory(), slog.Default())
	if !errors.Is(err, enrollq.ErrNoStore) {
		t.Fatalf("err = %v, want ErrNoStore", err)
	}
}

func TestSubmit(t *testing.T) {
	eng, s, _ := newTestEngine(t)

	res, err := eng.Submit(context.Background(), 20231001, 101, task.TypeSelect)
	if err != nil {
		t.Fatalf("submit error: %v", err)
	}

	if res.Task.State != task.StatePending {
		t.Errorf("state = %q, want pending", res.Task.State)
	}
	if res.Task.Queue != enrollq.QueueSelect {
		t.Errorf("queue = %q, want %q", res.Task.Queue, enrollq.QueueSelect)
	}
	if res.Position != 1 {
		t.Errorf("position = %d, want 1", res.Position)
	}
	if res.Estimate != 2*time.Second {
		t.Errorf("estimate = %v, want 2s", res.Estimate)
	}
	if res.Task.Timeout != enrollq.DefaultConfig().DispatchTimeout {
		t.Errorf("timeout = %v, want %v", res.Task.Timeout, enrollq.DefaultConfig().DispatchTimeout)
	}

	stored, err := s.GetTask(context.Background(), res.Task.ID)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if stored.State != task.StatePending {
		t.Errorf("stored state = %q, want pending", stored.State)
	}
}

func TestSubmit_Validation(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	tests := []struct {
		name      string
		studentID int64
		courseID  int64
		typ       task.Type
		wantErr   error
	}{
		{"zero student", 0, 101, task.TypeSelect, enrollq.ErrInvalidStudent},
		{"negative student", -1, 101, task.TypeSelect, enrollq.ErrInvalidStudent},
		{"zero course", 20231001, 0, task.TypeSelect, enrollq.ErrInvalidCourse},
		{"bad type", 20231001, 101, task.Type("drop"), enrollq.ErrInvalidTaskType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.Submit(context.Background(), tt.studentID, tt.courseID, tt.typ)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubmit_DeselectAheadOfSelect(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	sel, err := eng.Submit(context.Background(), 20231001, 101, task.TypeSelect)
	if err != nil {
		t.Fatalf("submit select error: %v", err)
	}
	if sel.Position != 1 {
		t.Fatalf("select position = %d, want 1", sel.Position)
	}

	desel, err := eng.Submit(context.Background(), 20231002, 102, task.TypeDeselect)
	if err != nil {
		t.Fatalf("submit deselect error: %v", err)
	}
	if desel.Position != 1 {
		t.Errorf("deselect position = %d, want 1 (ahead of earlier select)", desel.Position)
	}

	_, pos, err := eng.Status(context.Background(), sel.Task.ID)
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if pos != 2 {
		t.Errorf("select position after deselect = %d, want 2", pos)
	}
}

func TestStatus_NotFound(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	other := task.New(1, 1, task.TypeSelect)

	_, _, err := eng.Status(context.Background(), other.ID)
	if !errors.Is(err, enrollq.ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestCancel(t *testing.T) {
	eng, s, _ := newTestEngine(t)

	res, err := eng.Submit(context.Background(), 20231001, 101, task.TypeSelect)
	if err != nil {
		t.Fatalf("submit error: %v", err)
	}

	got, err := eng.Cancel(context.Background(), res.Task.ID, 20231001)
	if err != nil {
		t.Fatalf("cancel error: %v", err)
	}
	if got.State != task.StateFailed || got.ErrorMessage != task.CancelledReason {
		t.Errorf("cancelled task = %q/%q, want failed/cancelled", got.State, got.ErrorMessage)
	}

	// Position of a cancelled task is 0.
	_, pos, err := eng.Status(context.Background(), res.Task.ID)
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if pos != 0 {
		t.Errorf("position = %d, want 0", pos)
	}

	// The dispatcher must never see it.
	claimed, err := s.DequeueTasks(context.Background(), []string{enrollq.QueueSelect}, 10)
	if err != nil {
		t.Fatalf("dequeue error: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("dequeued %d tasks after cancel, want 0", len(claimed))
	}
}

func TestCancel_WrongStudent(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	res, err := eng.Submit(context.Background(), 20231001, 101, task.TypeSelect)
	if err != nil {
		t.Fatalf("submit error: %v", err)
	}

	// Another student's cancel reads as not-found, not as a state error.
	_, err = eng.Cancel(context.Background(), res.Task.ID, 20239999)
	if !errors.Is(err, enrollq.ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestCancel_AfterClaim(t *testing.T) {
	eng, s, _ := newTestEngine(t)

	res, err := eng.Submit(context.Background(), 20231001, 101, task.TypeSelect)
	if err != nil {
		t.Fatalf("submit error: %v", err)
	}

	if _, err := s.DequeueTasks(context.Background(), []string{enrollq.QueueSelect}, 1); err != nil {
		t.Fatalf("dequeue error: %v", err)
	}

	_, err = eng.Cancel(context.Background(), res.Task.ID, 20231001)
	if !errors.Is(err, enrollq.ErrNotCancellable) {
		t.Fatalf("err = %v, want ErrNotCancellable", err)
	}
}

func TestRetry(t *testing.T) {
	eng, s, _ := newTestEngine(t, engine.WithBackoff(backoff.NewConstant(time.Minute)))

	res, err := eng.Submit(context.Background(), 20231001, 101, task.TypeSelect)
	if err != nil {
		t.Fatalf("submit error: %v", err)
	}
	failTask(t, s, res.Task, "ledger: temporarily unavailable")

	before := time.Now().UTC()
	got, err := eng.Retry(context.Background(), res.Task.ID)
	if err != nil {
		t.Fatalf("retry error: %v", err)
	}

	if got.State != task.StatePending {
		t.Errorf("state = %q, want pending", got.State)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.RetryCount)
	}
	if got.ErrorMessage != "" {
		t.Errorf("error message = %q, want empty", got.ErrorMessage)
	}
	// Constant 1m backoff pushes RunAt well into the future.
	if got.RunAt.Before(before.Add(50 * time.Second)) {
		t.Errorf("run at = %v, want ≥ %v", got.RunAt, before.Add(50*time.Second))
	}
}

func TestRetry_PendingNotRetryable(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	res, err := eng.Submit(context.Background(), 20231001, 101, task.TypeSelect)
	if err != nil {
		t.Fatalf("submit error: %v", err)
	}

	_, err = eng.Retry(context.Background(), res.Task.ID)
	if !errors.Is(err, enrollq.ErrNotRetryable) {
		t.Fatalf("err = %v, want ErrNotRetryable", err)
	}
}

func TestRetry_CancelledNotRetryable(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	res, err := eng.Submit(context.Background(), 20231001, 101, task.TypeSelect)
	if err != nil {
		t.Fatalf("submit error: %v", err)
	}
	if _, err := eng.Cancel(context.Background(), res.Task.ID, 20231001); err != nil {
		t.Fatalf("cancel error: %v", err)
	}

	_, err = eng.Retry(context.Background(), res.Task.ID)
	if !errors.Is(err, enrollq.ErrNotRetryable) {
		t.Fatalf("err = %v, want ErrNotRetryable", err)
	}
}

func TestStudentTasks(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	for _, courseID := range []int64{101, 102, 103} {
		if _, err := eng.Submit(context.Background(), 20231001, courseID, task.TypeSelect); err != nil {
			t.Fatalf("submit error: %v", err)
		}
	}
	if _, err := eng.Submit(context.Background(), 20231002, 101, task.TypeSelect); err != nil {
		t.Fatalf("submit error: %v", err)
	}

	tasks, err := eng.StudentTasks(context.Background(), 20231001, task.ListOpts{})
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(tasks) != 3 {
		t.Errorf("len = %d, want 3", len(tasks))
	}

	_, err = eng.StudentTasks(context.Background(), 0, task.ListOpts{})
	if !errors.Is(err, enrollq.ErrInvalidStudent) {
		t.Fatalf("err = %v, want ErrInvalidStudent", err)
	}
}

func TestStats(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	for range 3 {
		if _, err := eng.Submit(context.Background(), 20231001, 101, task.TypeSelect); err != nil {
			t.Fatalf("submit error: %v", err)
		}
	}

	stats, err := eng.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats error: %v", err)
	}
	if stats.PendingCount != 3 {
		t.Errorf("pending = %d, want 3", stats.PendingCount)
	}
	if stats.QueueLength != 3 {
		t.Errorf("queue length = %d, want 3", stats.QueueLength)
	}
}

func TestCheckHealth(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	h := eng.CheckHealth(context.Background())
	if h.Status != engine.StatusHealthy {
		t.Errorf("status = %q, want healthy", h.Status)
	}
}

func TestCheckHealth_Degraded(t *testing.T) {
	cfg := enrollq.DefaultConfig()
	cfg.BacklogThreshold = 2

	s := memory.New()
	eng, err := engine.Build(cfg, s, ledger.NewMemory(), slog.Default())
	if err != nil {
		t.Fatalf("build error: %v", err)
	}

	for range 3 {
		if _, err := eng.Submit(context.Background(), 20231001, 101, task.TypeSelect); err != nil {
			t.Fatalf("submit error: %v", err)
		}
	}

	h := eng.CheckHealth(context.Background())
	if h.Status != engine.StatusDegraded {
		t.Errorf("status = %q, want degraded", h.Status)
	}
	if h.Backlog != 3 {
		t.Errorf("backlog = %d, want 3", h.Backlog)
	}
}

func TestEngine_EndToEnd(t *testing.T) {
	eng, _, led := newTestEngine(t)
	led.AddCourse(101, 30)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := eng.Stop(ctx); err != nil {
			t.Errorf("stop error: %v", err)
		}
	}()

	res, err := eng.Submit(context.Background(), 20231001, 101, task.TypeSelect)
	if err != nil {
		t.Fatalf("submit error: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		got, _, statusErr := eng.Status(context.Background(), res.Task.ID)
		if statusErr != nil {
			t.Fatalf("status error: %v", statusErr)
		}
		if got.State == task.StateCompleted {
			break
		}
		if got.State == task.StateFailed {
			t.Fatalf("task failed: %s", got.ErrorMessage)
		}
		select {
		case <-deadline:
			t.Fatalf("timed out; state = %q", got.State)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	occupied, _, err := led.Seats(101)
	if err != nil {
		t.Fatalf("seats error: %v", err)
	}
	if occupied != 1 {
		t.Errorf("seats occupied = %d, want 1", occupied)
	}
}
