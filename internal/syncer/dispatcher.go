package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"stravacal/internal/metrics"
)

// Task is a unit of background work.
type Task func(ctx context.Context) error

type job struct {
	id   string
	name string
	run  Task
}

// Dispatcher runs tasks on a fixed set of workers fed by a bounded queue.
// Errors and panics are logged at the task boundary and never escape.
type Dispatcher struct {
	logger  *slog.Logger
	timeout time.Duration
	queue   chan job
	wg      sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts workers goroutines consuming a queue of queueSize tasks.
func NewDispatcher(logger *slog.Logger, workers, queueSize int, timeout time.Duration) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		logger:  logger,
		timeout: timeout,
		queue:   make(chan job, queueSize),
		baseCtx: ctx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// TrySubmit queues task without blocking. It returns false when the queue is
// full or the dispatcher is closed.
func (d *Dispatcher) TrySubmit(name string, task Task) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("Dispatcher closed, dropping task.", "task", name)
		metrics.RecordDispatch("dropped")
		return false
	}

	j := job{id: uuid.NewString(), name: name, run: task}
	select {
	case d.queue <- j:
		d.logger.Debug("Task queued.", "taskID", j.id, "task", name)
		metrics.RecordDispatch("queued")
		return true
	default:
		d.logger.Error("Task queue full, dropping task.", "task", name, "capacity", cap(d.queue))
		metrics.RecordDispatch("dropped")
		return false
	}
}

// Close stops accepting tasks and waits for queued ones to finish. When ctx
// expires first, running tasks are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.queue {
		d.run(j)
	}
}

func (d *Dispatcher) run(j job) {
	ctx, cancel := context.WithTimeout(d.baseCtx, d.timeout)
	defer cancel()

	start := time.Now()
	logger := d.logger.With("taskID", j.id, "task", j.name)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v\n%s", r, debug.Stack())
			}
		}()
		return j.run(ctx)
	}()

	if err != nil {
		logger.Error("Background task failed", "error", err, "duration", time.Since(start))
		metrics.RecordDispatch("failed")
		return
	}
	logger.Debug("Background task finished.", "duration", time.Since(start))
	metrics.RecordDispatch("succeeded")
}
