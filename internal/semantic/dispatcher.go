package semantic

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/linnemanlabs/aegis/internal/grounding"
)

var dispatchTracer = otel.Tracer("github.com/linnemanlabs/aegis/internal/semantic")

// ErrCancelled marks a completion whose task was cancelled before or during
// execution. Its result, if any, is discarded.
var ErrCancelled = errors.New("task cancelled")

// DispatcherConfig bounds secondary-inference execution.
type DispatcherConfig struct {
	// MaxConcurrent caps tasks in the running state at once.
	MaxConcurrent int

	// Workers is the size of the fixed execution pool.
	Workers int

	// TaskTimeout bounds a single backend call. Zero means no deadline: a
	// hung call holds its concurrency slot until the backend returns or the
	// dispatcher shuts down.
	TaskTimeout time.Duration
}

// DefaultDispatcherConfig returns the standard execution bounds.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{MaxConcurrent: 2, Workers: 2}
}

// Validate rejects non-positive pool sizes and a negative timeout.
func (c DispatcherConfig) Validate() error {
	var errs []error
	if c.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("max concurrent %d must be positive", c.MaxConcurrent))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers %d must be positive", c.Workers))
	}
	if c.TaskTimeout < 0 {
		errs = append(errs, fmt.Errorf("task timeout %v must not be negative", c.TaskTimeout))
	}
	return errors.Join(errs...)
}

// Dispatcher runs inference tasks against a grounding backend under a hard
// concurrency cap. Submission is non-blocking: tasks wait in a priority
// queue (higher priority first, FIFO within a tier) until a worker and a
// concurrency slot are free. Finished tasks accumulate until the caller
// drains them with PollCompleted.
//
// If the backend reports unavailable at construction, the dispatcher runs
// in fallback mode: every submission fails immediately and the primary
// pipeline proceeds without semantic labels.
type Dispatcher struct {
	cfg      DispatcherConfig
	backend  grounding.Backend
	sem      *semaphore.Weighted
	logger   log.Logger
	metrics  *Metrics
	fallback bool

	mu        sync.Mutex
	queue     taskHeap
	tasks     map[string]*Task // queued and running
	cancels   map[string]context.CancelFunc
	completed []*Completion
	nextSeq   uint64

	wake   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewDispatcher validates the config and builds a dispatcher. Workers do
// not start until Start.
func NewDispatcher(cfg DispatcherConfig, backend grounding.Backend, logger log.Logger, metrics *Metrics) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, errors.New("grounding backend is required")
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Dispatcher{
		cfg:      cfg,
		backend:  backend,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:   logger,
		metrics:  metrics,
		fallback: !backend.Available(),
		tasks:    make(map[string]*Task),
		cancels:  make(map[string]context.CancelFunc),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// Fallback reports whether the dispatcher is failing all tasks because the
// backend was unavailable at startup.
func (d *Dispatcher) Fallback() bool { return d.fallback }

// Start launches the worker pool. ctx bounds every backend call; cancelling
// it drains the pool.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.fallback {
		d.logger.Info(ctx, "grounding backend unavailable, dispatcher in fallback mode")
		return
	}
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Close stops accepting work and waits for running tasks to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.done)
	d.mu.Unlock()
	d.wg.Wait()
}

// Submit queues a task. It never blocks: the task waits its turn in the
// priority queue. In fallback mode the task fails immediately instead.
func (d *Dispatcher) Submit(t *Task) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		t.State = TaskFailed
		t.FailReason = "dispatcher closed"
		d.finishLocked(t, nil, errors.New("dispatcher closed"))
		return
	}
	if d.fallback {
		t.State = TaskFailed
		t.FailReason = "grounding backend unavailable"
		d.finishLocked(t, nil, errors.New("grounding backend unavailable"))
		return
	}

	t.State = TaskQueued
	d.nextSeq++
	t.seq = d.nextSeq
	d.tasks[t.ID] = t
	heap.Push(&d.queue, t)
	if d.metrics != nil {
		d.metrics.QueueDepth.Set(float64(d.queue.Len()))
	}

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Cancel aborts a task. A queued task never runs; a running task's backend
// call is interrupted and its result discarded. Either way the task
// surfaces once in PollCompleted with ErrCancelled. Returns false for
// unknown or already finished IDs.
func (d *Dispatcher) Cancel(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[id]
	if !ok {
		return false
	}
	switch t.State {
	case TaskQueued:
		// left in the heap, skipped when popped
		t.State = TaskCancelled
		d.finishLocked(t, nil, ErrCancelled)
		return true
	case TaskRunning:
		t.State = TaskCancelled
		if cancel, ok := d.cancels[t.ID]; ok {
			cancel()
		}
		return true
	default:
		return false
	}
}

// PollCompleted drains and returns every completion accumulated since the
// last call, oldest first.
func (d *Dispatcher) PollCompleted() []*Completion {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.completed
	d.completed = nil
	return out
}

// Tasks returns snapshots of all queued and running tasks.
func (d *Dispatcher) Tasks() []*Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Task, 0, len(d.tasks))
	for _, t := range d.tasks {
		out = append(out, t.snapshot())
	}
	return out
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		default:
		}

		// A task enters the running state only while its worker holds a
		// concurrency slot, so a freed slot always goes to the
		// highest-priority task still queued at that moment.
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return
		}
		t := d.next()
		if t == nil {
			d.sem.Release(1)
			select {
			case <-d.wake:
				continue
			case <-d.done:
				return
			case <-ctx.Done():
				return
			}
		}
		d.run(ctx, t)
		d.sem.Release(1)
	}
}

// next pops the highest-priority live task, discarding cancelled entries,
// and marks it running. Returns nil when the queue is empty.
func (d *Dispatcher) next() *Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.queue.Len() > 0 {
		t := heap.Pop(&d.queue).(*Task)
		if d.metrics != nil {
			d.metrics.QueueDepth.Set(float64(d.queue.Len()))
		}
		if t.State != TaskQueued {
			continue
		}
		t.State = TaskRunning
		if d.metrics != nil {
			d.metrics.Running.Inc()
		}
		if d.queue.Len() > 0 {
			// more work waiting, nudge an idle sibling
			select {
			case d.wake <- struct{}{}:
			default:
			}
		}
		return t
	}
	return nil
}

func (d *Dispatcher) run(ctx context.Context, t *Task) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if d.cfg.TaskTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d.cfg.TaskTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	d.mu.Lock()
	d.cancels[t.ID] = cancel
	d.mu.Unlock()

	runCtx, span := dispatchTracer.Start(runCtx, "grounding.call", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.Int("task.priority", t.Priority),
		attribute.Int64("task.track_id", int64(t.TrackID)),
	))

	result, err := d.backend.Ground(runCtx, grounding.Request{
		Fingerprint: t.Fingerprint,
		Prompt:      t.Prompt,
		Class:       t.Class,
		RegionRef:   t.RegionRef,
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Bool("grounding.match", result.Match))
	}
	span.End()

	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cancels, t.ID)
	if d.metrics != nil {
		d.metrics.Running.Dec()
	}

	if t.State == TaskCancelled {
		d.finishLocked(t, nil, ErrCancelled)
		return
	}
	if err != nil {
		t.State = TaskFailed
		t.FailReason = err.Error()
		d.finishLocked(t, nil, err)
		d.logger.Error(ctx, err, "inference task failed",
			"task_id", t.ID,
			"track_id", t.TrackID,
		)
		return
	}
	t.State = TaskCompleted
	r := *result
	t.Result = &r
	d.finishLocked(t, result, nil)
}

// finishLocked records the task's single completion and releases its entry.
func (d *Dispatcher) finishLocked(t *Task, result *grounding.Result, err error) {
	delete(d.tasks, t.ID)
	d.completed = append(d.completed, &Completion{Task: t.snapshot(), Result: result, Err: err})
	if d.metrics != nil {
		d.metrics.Tasks.WithLabelValues(string(t.State)).Inc()
	}
}

// taskHeap orders by priority descending, submission order ascending.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
