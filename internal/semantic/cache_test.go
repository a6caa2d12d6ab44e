package semantic

import (
	"testing"
	"time"

	"github.com/linnemanlabs/aegis/internal/clock"
	"github.com/linnemanlabs/aegis/internal/grounding"
)

func testCache(t *testing.T, cfg CacheConfig) (*Cache, *clock.Simulated) {
	t.Helper()
	clk := clock.NewSimulated(time.Unix(1_700_000_000, 0))
	c, err := NewCache(cfg, clk, nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	return c, clk
}

func mkTask(fingerprint, prompt string) func() *Task {
	return func() *Task {
		return &Task{ID: NewTaskID(), Fingerprint: fingerprint, Prompt: prompt, State: TaskQueued}
	}
}

func TestGetOrSubmit_MissThenHit(t *testing.T) {
	t.Parallel()

	c, _ := testCache(t, DefaultCacheConfig())

	res, task, created := c.GetOrSubmit("fp1", "red jacket", mkTask("fp1", "red jacket"))
	if res != nil || task == nil || !created {
		t.Fatalf("first lookup: res=%v task=%v created=%v, want miss", res, task, created)
	}

	c.Complete("fp1", "red jacket", &grounding.Result{Match: true, Label: "red jacket", Confidence: 0.9})

	res, task2, created := c.GetOrSubmit("fp1", "red jacket", mkTask("fp1", "red jacket"))
	if res == nil || task2 != nil || created {
		t.Fatalf("second lookup: res=%v task=%v created=%v, want hit", res, task2, created)
	}
	if res.Label != "red jacket" || res.Confidence != 0.9 {
		t.Errorf("cached result = %+v", res)
	}
}

func TestGetOrSubmit_ConcurrentLookupsShareOneTask(t *testing.T) {
	t.Parallel()

	c, _ := testCache(t, DefaultCacheConfig())

	_, first, created := c.GetOrSubmit("fp", "p", mkTask("fp", "p"))
	if !created {
		t.Fatal("first lookup should create")
	}

	for i := 0; i < 3; i++ {
		res, attached, created := c.GetOrSubmit("fp", "p", mkTask("fp", "p"))
		if res != nil || created {
			t.Fatalf("lookup %d: res=%v created=%v, want attach", i, res, created)
		}
		if attached.ID != first.ID {
			t.Fatalf("lookup %d attached to %s, want %s", i, attached.ID, first.ID)
		}
	}
}

func TestGetOrSubmit_TTLExpiry(t *testing.T) {
	t.Parallel()

	c, clk := testCache(t, CacheConfig{TTL: 60 * time.Second, Capacity: 16})

	c.GetOrSubmit("fp", "p", mkTask("fp", "p"))
	c.Complete("fp", "p", &grounding.Result{Match: true, Label: "x", Confidence: 0.8})

	clk.Advance(10 * time.Second)
	if res, _, _ := c.GetOrSubmit("fp", "p", mkTask("fp", "p")); res == nil {
		t.Fatal("lookup inside ttl should hit")
	}

	clk.Advance(51 * time.Second) // t = 61s since completion
	res, fresh, created := c.GetOrSubmit("fp", "p", mkTask("fp", "p"))
	if res != nil || fresh == nil || !created {
		t.Fatalf("expired lookup: res=%v created=%v, want fresh task", res, created)
	}
}

func TestCache_CapacityEvictsLRU(t *testing.T) {
	t.Parallel()

	c, _ := testCache(t, CacheConfig{TTL: time.Hour, Capacity: 2})

	for _, fp := range []string{"a", "b"} {
		c.GetOrSubmit(fp, "p", mkTask(fp, "p"))
		c.Complete(fp, "p", &grounding.Result{Match: true, Label: fp, Confidence: 1})
	}

	// touch "a" so "b" is the eviction candidate
	if res, _, _ := c.GetOrSubmit("a", "p", mkTask("a", "p")); res == nil {
		t.Fatal("expected hit for a")
	}

	c.GetOrSubmit("c", "p", mkTask("c", "p"))
	c.Complete("c", "p", &grounding.Result{Match: true, Label: "c", Confidence: 1})

	if res, _, _ := c.GetOrSubmit("a", "p", mkTask("a", "p")); res == nil {
		t.Error("a should have survived eviction")
	}
	if res, _, created := c.GetOrSubmit("b", "p", mkTask("b", "p")); res != nil || !created {
		t.Error("b should have been evicted")
	}
}

func TestCache_InflightNotEvicted(t *testing.T) {
	t.Parallel()

	c, _ := testCache(t, CacheConfig{TTL: time.Hour, Capacity: 1})

	_, inflight, _ := c.GetOrSubmit("pending", "p", mkTask("pending", "p"))

	// fill past capacity with completed entries
	for _, fp := range []string{"a", "b", "c"} {
		c.GetOrSubmit(fp, "p", mkTask(fp, "p"))
		c.Complete(fp, "p", &grounding.Result{Match: true, Label: fp, Confidence: 1})
	}

	_, attached, created := c.GetOrSubmit("pending", "p", mkTask("pending", "p"))
	if created || attached == nil || attached.ID != inflight.ID {
		t.Fatal("in-flight entry was evicted")
	}
}

func TestCache_FailClearsInflight(t *testing.T) {
	t.Parallel()

	c, _ := testCache(t, DefaultCacheConfig())

	_, first, _ := c.GetOrSubmit("fp", "p", mkTask("fp", "p"))
	c.Fail("fp", "p")

	_, retry, created := c.GetOrSubmit("fp", "p", mkTask("fp", "p"))
	if !created || retry.ID == first.ID {
		t.Fatal("lookup after failure should mint a new task")
	}
}

func TestCache_DistinctPromptsDistinctEntries(t *testing.T) {
	t.Parallel()

	c, _ := testCache(t, DefaultCacheConfig())

	c.GetOrSubmit("fp", "red jacket", mkTask("fp", "red jacket"))
	c.Complete("fp", "red jacket", &grounding.Result{Match: true, Label: "red jacket", Confidence: 1})

	res, task, created := c.GetOrSubmit("fp", "blue bag", mkTask("fp", "blue bag"))
	if res != nil || task == nil || !created {
		t.Fatal("different prompt on same fingerprint should miss")
	}
}

func TestCacheConfig_Validate(t *testing.T) {
	t.Parallel()

	bad := []CacheConfig{
		{TTL: 0, Capacity: 10},
		{TTL: time.Second, Capacity: 0},
		{TTL: -time.Second, Capacity: -1},
	}
	for _, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Errorf("%+v: expected validation error", cfg)
		}
	}
}
