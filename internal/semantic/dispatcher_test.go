package semantic

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/aegis/internal/grounding"
)

// mockBackend implements grounding.Backend with controllable blocking.
type mockBackend struct {
	available bool
	result    *grounding.Result
	err       error
	block     chan struct{} // when non-nil, Ground waits on it

	mu         sync.Mutex
	running    int
	maxRunning int
	order      []string // prompts in execution order
}

func (m *mockBackend) Available() bool { return m.available }

func (m *mockBackend) Ground(ctx context.Context, req grounding.Request) (*grounding.Result, error) {
	m.mu.Lock()
	m.running++
	if m.running > m.maxRunning {
		m.maxRunning = m.running
	}
	m.order = append(m.order, req.Prompt)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running--
		m.mu.Unlock()
	}()

	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	r := *m.result
	return &r, nil
}

func (m *mockBackend) executed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

func newDispatcher(t *testing.T, cfg DispatcherConfig, b grounding.Backend) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(cfg, b, log.Nop(), nil)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	return d
}

// drain polls until n completions have accumulated or the deadline passes.
func drain(t *testing.T, d *Dispatcher, n int) []*Completion {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var out []*Completion
	for len(out) < n {
		out = append(out, d.PollCompleted()...)
		if time.Now().After(deadline) {
			t.Fatalf("drained %d completions, want %d", len(out), n)
		}
		time.Sleep(time.Millisecond)
	}
	return out
}

// waitExecuting polls until n backend calls have started.
func waitExecuting(t *testing.T, b *mockBackend, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if len(b.executed()) >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d calls started, want %d", len(b.executed()), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDispatcher_CompletesTask(t *testing.T) {
	t.Parallel()

	b := &mockBackend{available: true, result: &grounding.Result{Match: true, Label: "red jacket", Confidence: 0.9}}
	d := newDispatcher(t, DefaultDispatcherConfig(), b)
	d.Start(context.Background())
	defer d.Close()

	d.Submit(&Task{ID: NewTaskID(), Fingerprint: "fp", Prompt: "red jacket", Priority: PriorityRisk})

	cs := drain(t, d, 1)
	c := cs[0]
	if c.Err != nil {
		t.Fatalf("completion error: %v", c.Err)
	}
	if c.Task.State != TaskCompleted || c.Result == nil || c.Result.Label != "red jacket" {
		t.Errorf("completion = %+v / %+v", c.Task, c.Result)
	}
}

func TestDispatcher_NeverExceedsConcurrencyCap(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	b := &mockBackend{available: true, block: block, result: &grounding.Result{Match: false}}
	d := newDispatcher(t, DispatcherConfig{MaxConcurrent: 2, Workers: 4}, b)
	d.Start(context.Background())
	defer d.Close()

	for i := 0; i < 6; i++ {
		d.Submit(&Task{ID: NewTaskID(), Fingerprint: "fp", Prompt: "p", Priority: PriorityRisk})
	}

	waitExecuting(t, b, 2)
	time.Sleep(20 * time.Millisecond) // give extra workers a chance to overshoot
	close(block)

	drain(t, d, 6)

	b.mu.Lock()
	max := b.maxRunning
	b.mu.Unlock()
	if max > 2 {
		t.Fatalf("max concurrent = %d, cap is 2", max)
	}
}

func TestDispatcher_RunningStateNeverExceedsCap(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	b := &mockBackend{available: true, block: block, result: &grounding.Result{Match: false}}
	d := newDispatcher(t, DispatcherConfig{MaxConcurrent: 1, Workers: 4}, b)
	d.Start(context.Background())
	defer d.Close()

	for i := 0; i < 5; i++ {
		d.Submit(&Task{ID: NewTaskID(), Fingerprint: "fp", Prompt: "p", Priority: PriorityRisk})
	}

	waitExecuting(t, b, 1)

	// Poll the task table itself: with more workers than slots, at most
	// one task may ever report the running state.
	deadline := time.Now().Add(50 * time.Millisecond)
	for time.Now().Before(deadline) {
		running := 0
		for _, task := range d.Tasks() {
			if task.State == TaskRunning {
				running++
			}
		}
		if running > 1 {
			t.Fatalf("tasks in running state = %d, cap is 1", running)
		}
		time.Sleep(time.Millisecond)
	}
	close(block)

	drain(t, d, 5)
}

func TestDispatcher_PriorityOrderWithFIFOTies(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	b := &mockBackend{available: true, block: block, result: &grounding.Result{Match: false}}
	d := newDispatcher(t, DispatcherConfig{MaxConcurrent: 1, Workers: 1}, b)
	d.Start(context.Background())
	defer d.Close()

	// occupy the single worker so the rest queue up
	d.Submit(&Task{ID: NewTaskID(), Prompt: "first", Priority: PriorityRisk})
	waitExecuting(t, b, 1)

	d.Submit(&Task{ID: NewTaskID(), Prompt: "behavior", Priority: PriorityBehavior})
	d.Submit(&Task{ID: NewTaskID(), Prompt: "query", Priority: PriorityUserQuery})
	d.Submit(&Task{ID: NewTaskID(), Prompt: "risk-a", Priority: PriorityRisk})
	d.Submit(&Task{ID: NewTaskID(), Prompt: "risk-b", Priority: PriorityRisk})
	close(block)

	drain(t, d, 5)

	want := []string{"first", "query", "risk-a", "risk-b", "behavior"}
	got := b.executed()
	if len(got) != len(want) {
		t.Fatalf("executed %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("executed %v, want %v", got, want)
		}
	}
}

func TestDispatcher_CancelQueuedNeverRuns(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	b := &mockBackend{available: true, block: block, result: &grounding.Result{Match: false}}
	d := newDispatcher(t, DispatcherConfig{MaxConcurrent: 1, Workers: 1}, b)
	d.Start(context.Background())
	defer d.Close()

	d.Submit(&Task{ID: "task_running", Prompt: "first", Priority: PriorityRisk})
	waitExecuting(t, b, 1)
	d.Submit(&Task{ID: "task_doomed", Prompt: "doomed", Priority: PriorityRisk})

	if !d.Cancel("task_doomed") {
		t.Fatal("Cancel returned false for queued task")
	}
	close(block)

	cs := drain(t, d, 2)
	for _, c := range cs {
		if c.Task.ID == "task_doomed" {
			if !errors.Is(c.Err, ErrCancelled) || c.Task.State != TaskCancelled {
				t.Errorf("doomed completion = %+v err=%v", c.Task, c.Err)
			}
		}
	}
	for _, p := range b.executed() {
		if p == "doomed" {
			t.Fatal("cancelled task reached the backend")
		}
	}
}

func TestDispatcher_CancelRunningDiscardsResult(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	b := &mockBackend{available: true, block: block, result: &grounding.Result{Match: true, Label: "x"}}
	d := newDispatcher(t, DispatcherConfig{MaxConcurrent: 1, Workers: 1}, b)
	d.Start(context.Background())
	defer d.Close()

	d.Submit(&Task{ID: "task_live", Prompt: "p", Priority: PriorityRisk})
	waitExecuting(t, b, 1)

	if !d.Cancel("task_live") {
		t.Fatal("Cancel returned false for running task")
	}

	cs := drain(t, d, 1)
	if !errors.Is(cs[0].Err, ErrCancelled) || cs[0].Result != nil {
		t.Fatalf("completion = %+v err=%v, want discarded", cs[0].Task, cs[0].Err)
	}
	close(block)
}

func TestDispatcher_CancelUnknownID(t *testing.T) {
	t.Parallel()

	b := &mockBackend{available: true, result: &grounding.Result{Match: false}}
	d := newDispatcher(t, DefaultDispatcherConfig(), b)
	d.Start(context.Background())
	defer d.Close()

	if d.Cancel("task_nope") {
		t.Error("Cancel returned true for unknown id")
	}
}

func TestDispatcher_FallbackFailsImmediately(t *testing.T) {
	t.Parallel()

	b := &mockBackend{available: false}
	d := newDispatcher(t, DefaultDispatcherConfig(), b)
	d.Start(context.Background())
	defer d.Close()

	if !d.Fallback() {
		t.Fatal("expected fallback mode")
	}

	d.Submit(&Task{ID: NewTaskID(), Prompt: "p", Priority: PriorityRisk})

	cs := drain(t, d, 1)
	if cs[0].Task.State != TaskFailed || cs[0].Err == nil {
		t.Fatalf("completion = %+v err=%v, want immediate failure", cs[0].Task, cs[0].Err)
	}
	if len(b.executed()) != 0 {
		t.Error("fallback mode must not call the backend")
	}
}

func TestDispatcher_BackendErrorFailsTask(t *testing.T) {
	t.Parallel()

	b := &mockBackend{available: true, err: errors.New("model overloaded")}
	d := newDispatcher(t, DefaultDispatcherConfig(), b)
	d.Start(context.Background())
	defer d.Close()

	d.Submit(&Task{ID: NewTaskID(), Prompt: "p", Priority: PriorityRisk})

	cs := drain(t, d, 1)
	if cs[0].Task.State != TaskFailed || cs[0].Task.FailReason != "model overloaded" {
		t.Fatalf("completion = %+v", cs[0].Task)
	}
}

func TestDispatcherConfig_Validate(t *testing.T) {
	t.Parallel()

	bad := []DispatcherConfig{
		{MaxConcurrent: 0, Workers: 1},
		{MaxConcurrent: 1, Workers: 0},
		{MaxConcurrent: 1, Workers: 1, TaskTimeout: -time.Second},
	}
	for _, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Errorf("%+v: expected validation error", cfg)
		}
	}
}

func TestDispatcher_CreatesSpans(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	b := &mockBackend{available: true, result: &grounding.Result{Match: true, Label: "red jacket", Confidence: 0.9}}
	d := newDispatcher(t, DefaultDispatcherConfig(), b)
	d.Start(context.Background())

	id := NewTaskID()
	d.Submit(&Task{ID: id, TrackID: 7, Fingerprint: "fp", Prompt: "red jacket", Priority: PriorityUserQuery})
	drain(t, d, 1)
	d.Close()

	spans := exporter.GetSpans()
	var found bool
	for _, s := range spans {
		if s.Name != "grounding.call" {
			continue
		}
		found = true
		attrs := make(map[string]any)
		for _, a := range s.Attributes {
			attrs[string(a.Key)] = a.Value.AsInterface()
		}
		if attrs["task.id"] != id {
			t.Errorf("task.id = %v, want %v", attrs["task.id"], id)
		}
		if attrs["task.priority"] != int64(PriorityUserQuery) {
			t.Errorf("task.priority = %v, want %d", attrs["task.priority"], PriorityUserQuery)
		}
		if attrs["task.track_id"] != int64(7) {
			t.Errorf("task.track_id = %v, want 7", attrs["task.track_id"])
		}
		if attrs["grounding.match"] != true {
			t.Errorf("grounding.match = %v, want true", attrs["grounding.match"])
		}
	}
	if !found {
		t.Fatal("no grounding.call span recorded")
	}
}
