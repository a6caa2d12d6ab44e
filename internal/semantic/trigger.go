package semantic

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/aegis/internal/clock"
	"github.com/linnemanlabs/aegis/internal/risk"
	"github.com/linnemanlabs/aegis/internal/track"
)

// TriggerKind names why secondary inference was requested.
type TriggerKind string

const (
	TriggerUserQuery      TriggerKind = "user_query"
	TriggerRiskThreshold  TriggerKind = "risk_threshold"
	TriggerBehaviorChange TriggerKind = "behavior_transition"
)

// Default priorities per trigger kind. User queries outrank automatic
// triggers so an operator's question is answered first.
const (
	PriorityUserQuery = 100
	PriorityRisk      = 50
	PriorityBehavior  = 25
)

// Default prompts for automatic triggers.
const (
	riskPrompt     = "suspicious person or object"
	behaviorPrompt = "person behaving unusually"
)

// TriggerEvent is one edge-detected condition that warrants secondary
// inference. TrackID is zero for user queries, which apply to every live
// track; tracker identities start at 1.
type TriggerEvent struct {
	ID       string      `json:"id"`
	Kind     TriggerKind `json:"kind"`
	TrackID  track.ID    `json:"track_id,omitempty"`
	Frame    int64       `json:"frame"`
	Prompt   string      `json:"prompt"`
	Priority int         `json:"priority"`
}

// Query is a user-submitted standing query in the active registry.
type Query struct {
	ID          string    `json:"id"`
	Prompt      string    `json:"prompt"`
	Priority    int       `json:"priority"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// CoordinatorConfig tunes trigger edge detection.
type CoordinatorConfig struct {
	// RiskThreshold is the score that, when first reached from below, fires
	// a RiskThresholdCrossing event. Staying above it does not re-fire.
	RiskThreshold float64
}

// DefaultCoordinatorConfig returns the standard trigger tuning.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{RiskThreshold: 0.6}
}

// Validate rejects a threshold outside (0,1].
func (c CoordinatorConfig) Validate() error {
	if c.RiskThreshold <= 0 || c.RiskThreshold > 1 {
		return fmt.Errorf("risk trigger threshold %v out of (0,1]", c.RiskThreshold)
	}
	return nil
}

// edgeState is the per-track memory needed for edge detection.
type edgeState struct {
	aboveThreshold bool
	behaviors      track.Behavior
	seen           bool
}

// Coordinator edge-detects the conditions that warrant expensive secondary
// inference: upward threshold crossings, behavior flag transitions, and
// user query submissions. It also owns the active-query registry.
type Coordinator struct {
	cfg   CoordinatorConfig
	clock clock.Clock

	mu      sync.Mutex
	tracks  map[track.ID]*edgeState
	queries map[string]*Query
	metrics *Metrics
}

// NewCoordinator validates the config and builds a coordinator.
func NewCoordinator(cfg CoordinatorConfig, clk clock.Clock, metrics *Metrics) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		return nil, errors.New("clock is required")
	}
	return &Coordinator{
		cfg:     cfg,
		clock:   clk,
		tracks:  make(map[track.ID]*edgeState),
		queries: make(map[string]*Query),
		metrics: metrics,
	}, nil
}

// OnFrame inspects one track's state for this frame and returns the fired
// trigger events, nil when nothing new happened. Both automatic kinds are
// edge-triggered: a level held across frames fires exactly once per upward
// crossing, and a behavior flag fires only on its absent-to-present frame.
func (c *Coordinator) OnFrame(st *risk.State, behavior track.Behavior, frame int64) []*TriggerEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	es, ok := c.tracks[st.TrackID]
	if !ok {
		es = &edgeState{}
		c.tracks[st.TrackID] = es
	}

	var events []*TriggerEvent

	above := st.Score >= c.cfg.RiskThreshold
	if above && !es.aboveThreshold {
		events = append(events, c.fire(TriggerRiskThreshold, st.TrackID, frame, riskPrompt, PriorityRisk))
	}
	es.aboveThreshold = above

	if es.seen {
		if transitioned(es.behaviors, behavior) {
			events = append(events, c.fire(TriggerBehaviorChange, st.TrackID, frame, behaviorPrompt, PriorityBehavior))
		}
	} else if qualifying(behavior) {
		// First observation with a qualifying flag already set counts as a
		// transition from the track's pre-existence absence.
		events = append(events, c.fire(TriggerBehaviorChange, st.TrackID, frame, behaviorPrompt, PriorityBehavior))
	}
	es.behaviors = behavior
	es.seen = true

	return events
}

// transitioned reports whether any qualifying flag flipped absent-to-present.
func transitioned(prev, cur track.Behavior) bool {
	return (cur.Loitering && !prev.Loitering) ||
		(cur.Erratic && !prev.Erratic) ||
		(cur.SuddenSpeedChange && !prev.SuddenSpeedChange) ||
		(cur.DirectionReversal && !prev.DirectionReversal)
}

func qualifying(b track.Behavior) bool {
	return b.Loitering || b.Erratic || b.SuddenSpeedChange || b.DirectionReversal
}

// SubmitQuery registers a user query and returns its trigger event, which
// fires immediately and unconditionally, independent of any track.
func (c *Coordinator) SubmitQuery(prompt string, priority int) (*Query, *TriggerEvent, error) {
	if prompt == "" {
		return nil, nil, errors.New("empty query prompt")
	}
	if priority <= 0 {
		priority = PriorityUserQuery
	}

	q := &Query{
		ID:          "qry_" + ulid.Make().String(),
		Prompt:      prompt,
		Priority:    priority,
		SubmittedAt: c.clock.Now(),
	}

	c.mu.Lock()
	c.queries[q.ID] = q
	c.mu.Unlock()

	return q, c.fire(TriggerUserQuery, 0, 0, prompt, priority), nil
}

// CancelQuery removes a query from the active registry. The caller is
// responsible for cancelling any queued tasks it spawned.
func (c *Coordinator) CancelQuery(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.queries[id]; !ok {
		return false
	}
	delete(c.queries, id)
	return true
}

// ActiveQueries returns the registry ordered by submission time.
func (c *Coordinator) ActiveQueries() []*Query {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Query, 0, len(c.queries))
	for _, q := range c.queries {
		cp := *q
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// Forget drops edge state for an evicted track.
func (c *Coordinator) Forget(id track.ID) {
	c.mu.Lock()
	delete(c.tracks, id)
	c.mu.Unlock()
}

func (c *Coordinator) fire(kind TriggerKind, id track.ID, frame int64, prompt string, priority int) *TriggerEvent {
	ev := &TriggerEvent{
		ID:       "trg_" + ulid.Make().String(),
		Kind:     kind,
		TrackID:  id,
		Frame:    frame,
		Prompt:   prompt,
		Priority: priority,
	}
	if c.metrics != nil {
		c.metrics.Triggers.WithLabelValues(string(kind)).Inc()
	}
	return ev
}
