package dispatcher

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/stevessr/enrollq/ext"
	"github.com/stevessr/enrollq/id"
	"github.com/stevessr/enrollq/task"
)

// QueueManager controls per-queue and per-course rate limiting and
// concurrency. The pool consults AdmitsQueue before claiming work,
// calls Acquire before dispatching a claimed task, and Release after
// dispatch completes.
type QueueManager interface {
	// AdmitsQueue reports whether the queue would currently admit a
	// dispatch, without consuming any capacity.
	AdmitsQueue(queue string) bool
	// Acquire checks rate limits and concurrency for the queue/course
	// combination. Returns true if the task may proceed.
	Acquire(queue, courseKey string) bool
	// Release decrements the active count for the queue/course pair.
	Release(queue, courseKey string)
}

// Pool manages a set of concurrent worker goroutines that poll the
// store for pending tasks and dispatch them through the Executor.
type Pool struct {
	store        task.Store
	executor     *Executor
	extensions   *ext.Registry
	concurrency  int
	queues       []string
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	queueManager QueueManager

	stopCh      chan struct{}
	wakeCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
	activeTasks map[string]context.CancelFunc
	activeMu    sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPoolQueues sets the queues the pool polls, highest priority
// first.
func WithPoolQueues(queues []string) PoolOption {
	return func(p *Pool) { p.queues = queues }
}

// WithPollInterval sets how often idle workers poll for new tasks.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithQueueManager sets the queue manager for rate limiting and
// concurrency control.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// NewPool creates a worker pool.
func NewPool(
	store task.Store,
	executor *Executor,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		store:        store,
		executor:     executor,
		extensions:   extensions,
		concurrency:  10,
		queues:       []string{"default"},
		pollInterval: time.Second,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		stopCh:       make(chan struct{}),
		wakeCh:       make(chan struct{}, 1),
		activeTasks:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Wake nudges an idle worker to poll immediately instead of waiting
// out the poll interval. Safe to call from any goroutine; a wake that
// finds every worker busy is dropped.
func (p *Pool) Wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("dispatcher pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Any("queues", p.queues),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for them to finish. If the
// context has a deadline, in-flight dispatches are cancelled when time
// runs out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("dispatcher pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("dispatcher pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("dispatcher pool shutdown timed out, cancelling active tasks")
		p.cancelActiveTasks()
		p.wg.Wait()
	}

	return nil
}

// dequeueLoop is run by each worker goroutine.
func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		// Skip throttled queues before claiming: a claim moves the task
		// to processing, and processing never goes back to pending.
		queues := p.queues
		if p.queueManager != nil {
			queues = make([]string, 0, len(p.queues))
			for _, q := range p.queues {
				if p.queueManager.AdmitsQueue(q) {
					queues = append(queues, q)
				}
			}
			if len(queues) == 0 {
				p.sleep()
				continue
			}
		}

		tasks, err := p.store.DequeueTasks(context.Background(), queues, 1)
		if err != nil {
			p.logger.Error("dequeue error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}

		if len(tasks) == 0 {
			p.sleep()
			continue
		}

		t := tasks[0]
		courseKey := strconv.FormatInt(t.CourseID, 10)
		acquired := p.acquireSlot(t.Queue, courseKey)

		t.WorkerID = p.workerID
		p.extensions.EmitTaskStarted(context.Background(), t)

		ctx, cancel := context.WithCancel(context.Background())
		p.trackTask(t.ID.String(), cancel)

		if execErr := p.executor.Execute(ctx, t); execErr != nil {
			p.logger.Debug("task dispatch failed",
				slog.String("task_id", t.ID.String()),
				slog.String("task_type", string(t.Type)),
				slog.String("error", execErr.Error()),
			)
		}

		p.untrackTask(t.ID.String())
		cancel()

		if acquired {
			p.queueManager.Release(t.Queue, courseKey)
		}
	}
}

// acquireSlot blocks until the queue manager admits a claimed task.
// The task is already in processing at this point; a denied slot
// means wait for a Release, never a return to pending. During
// shutdown the wait is abandoned and the dispatch proceeds ungated so
// the claim is not stranded.
func (p *Pool) acquireSlot(queue, courseKey string) bool {
	if p.queueManager == nil {
		return false
	}
	for {
		if p.queueManager.Acquire(queue, courseKey) {
			return true
		}
		select {
		case <-p.stopCh:
			return false
		case <-time.After(p.pollInterval):
		}
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.wakeCh:
	case <-p.stopCh:
	}
}

func (p *Pool) trackTask(taskID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeTasks[taskID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackTask(taskID string) {
	p.activeMu.Lock()
	delete(p.activeTasks, taskID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveTasks() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for taskID, cancel := range p.activeTasks {
		p.logger.Warn("cancelling active task", slog.String("task_id", taskID))
		cancel()
	}
}
