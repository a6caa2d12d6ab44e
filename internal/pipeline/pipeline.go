package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/aegis/internal/alerting"
	"github.com/linnemanlabs/aegis/internal/clock"
	"github.com/linnemanlabs/aegis/internal/intel"
	"github.com/linnemanlabs/aegis/internal/risk"
	"github.com/linnemanlabs/aegis/internal/semantic"
	"github.com/linnemanlabs/aegis/internal/track"
)

// ErrFrameRegression is returned when a frame arrives with an index lower
// than one already processed.
var ErrFrameRegression = errors.New("frames must not regress")

// Config tunes the frame pass.
type Config struct {
	// FPS is the assumed frame rate of the source feed. With a simulated
	// clock it maps frame indices onto instants, so cooldowns and TTLs
	// behave identically on live and replayed footage.
	FPS int
}

// DefaultConfig returns the standard pipeline tuning.
func DefaultConfig() Config {
	return Config{FPS: 30}
}

// Validate rejects a non-positive frame rate.
func (c Config) Validate() error {
	if c.FPS <= 0 {
		return fmt.Errorf("fps %d must be positive", c.FPS)
	}
	return nil
}

// Deps are the collaborators the pipeline sequences. All are required
// except Notifiers and Metrics.
type Deps struct {
	Risk        *risk.Engine
	RiskStore   *risk.Store
	Alerts      *alerting.Manager
	Feed        *alerting.Feed
	Notifiers   []alerting.Notifier
	Coordinator *semantic.Coordinator
	Cache       *semantic.Cache
	Dispatcher  *semantic.Dispatcher
	Fusion      *semantic.Fusion
	Intel       *intel.Store
	Clock       clock.Clock
	Logger      log.Logger
	Metrics     *Metrics
}

func (d Deps) validate() error {
	var errs []error
	if d.Risk == nil {
		errs = append(errs, errors.New("risk engine is required"))
	}
	if d.RiskStore == nil {
		errs = append(errs, errors.New("risk store is required"))
	}
	if d.Alerts == nil {
		errs = append(errs, errors.New("alert manager is required"))
	}
	if d.Feed == nil {
		errs = append(errs, errors.New("alert feed is required"))
	}
	if d.Coordinator == nil {
		errs = append(errs, errors.New("trigger coordinator is required"))
	}
	if d.Cache == nil {
		errs = append(errs, errors.New("result cache is required"))
	}
	if d.Dispatcher == nil {
		errs = append(errs, errors.New("dispatcher is required"))
	}
	if d.Fusion == nil {
		errs = append(errs, errors.New("fusion stage is required"))
	}
	if d.Intel == nil {
		errs = append(errs, errors.New("intel store is required"))
	}
	if d.Clock == nil {
		errs = append(errs, errors.New("clock is required"))
	}
	return errors.Join(errs...)
}

// FrameInput is one frame's worth of track observations.
type FrameInput struct {
	Frame        int64               `json:"frame"`
	Observations []track.Observation `json:"observations"`
}

// FrameResult summarizes what one frame pass produced.
type FrameResult struct {
	Frame        int64                    `json:"frame"`
	States       []*risk.State            `json:"states"`
	Alerts       []*alerting.Alert        `json:"alerts,omitempty"`
	Triggers     []*semantic.TriggerEvent `json:"triggers,omitempty"`
	TasksCreated int                      `json:"tasks_created"`
	CacheHits    int                      `json:"cache_hits"`
	Fused        int                      `json:"fused"`
	Evicted      []track.ID               `json:"evicted,omitempty"`
}

// Status is the operational summary exposed on the API.
type Status struct {
	Frame         int64   `json:"frame"`
	LiveTracks    int     `json:"live_tracks"`
	MaxRisk       float64 `json:"max_risk"`
	ActiveQueries int     `json:"active_queries"`
	PendingTasks  int     `json:"pending_tasks"`
	AlertsTotal   int     `json:"alerts_total"`
	Fallback      bool    `json:"fallback"`
}

// Pipeline runs the per-frame pass: risk scoring, alerting, trigger
// detection, inference dispatch, and fusion of completed results, in that
// order, for every observation. The pass itself is sequential and cheap;
// only inference runs asynchronously.
type Pipeline struct {
	cfg   Config
	deps  Deps
	sim   *clock.Simulated // nil when running on the wall clock
	epoch time.Time

	mu         sync.Mutex
	lastFrame  int64
	lastFP     map[track.ID]string
	queryTasks map[string][]string // query id -> task ids still pending
	taskQuery  map[string]string   // task id -> query id
}

// New validates config and dependencies and builds a pipeline. Call Start
// before feeding frames.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = log.Nop()
	}
	p := &Pipeline{
		cfg:        cfg,
		deps:       deps,
		lastFP:     make(map[track.ID]string),
		queryTasks: make(map[string][]string),
		taskQuery:  make(map[string]string),
	}
	if sim, ok := deps.Clock.(*clock.Simulated); ok {
		p.sim = sim
		p.epoch = sim.Now()
	}
	return p, nil
}

// Start launches the inference workers.
func (p *Pipeline) Start(ctx context.Context) {
	p.deps.Dispatcher.Start(ctx)
}

// Close drains the inference workers.
func (p *Pipeline) Close() {
	p.deps.Dispatcher.Close()
}

// ProcessFrame runs one frame through the full pass. Frames must arrive in
// non-decreasing order.
func (p *Pipeline) ProcessFrame(ctx context.Context, in FrameInput) (*FrameResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if in.Frame < p.lastFrame {
		return nil, fmt.Errorf("frame %d after frame %d: %w", in.Frame, p.lastFrame, ErrFrameRegression)
	}
	p.lastFrame = in.Frame
	if p.sim != nil {
		p.sim.Set(p.epoch.Add(time.Duration(in.Frame) * time.Second / time.Duration(p.cfg.FPS)))
	}

	res := &FrameResult{Frame: in.Frame}
	now := p.deps.Clock.Now()

	for _, obs := range in.Observations {
		st := p.deps.Risk.Observe(obs, in.Frame)
		res.States = append(res.States, st)

		p.deps.Intel.UpdateRisk(obs, st, in.Frame, now)
		p.lastFP[obs.TrackID] = fingerprint(obs)

		if a := p.deps.Alerts.Process(st); a != nil {
			p.deps.Feed.Append(a)
			p.notify(ctx, a)
			res.Alerts = append(res.Alerts, a)
		}

		for _, ev := range p.deps.Coordinator.OnFrame(st, obs.Behavior, in.Frame) {
			res.Triggers = append(res.Triggers, ev)
			created, hit := p.dispatchLocked(ev, obs.TrackID, obs.Class, in.Frame, "")
			if created {
				res.TasksCreated++
			}
			if hit {
				res.CacheHits++
			}
		}
	}

	res.Fused = p.collectLocked(ctx, in.Frame)

	for _, id := range p.deps.RiskStore.EvictStale(in.Frame) {
		p.deps.Alerts.Forget(id)
		p.deps.Coordinator.Forget(id)
		p.deps.Intel.Evict(id)
		delete(p.lastFP, id)
		res.Evicted = append(res.Evicted, id)
	}

	if p.deps.Metrics != nil {
		p.deps.Metrics.Frames.Inc()
		p.deps.Metrics.Observations.Add(float64(len(in.Observations)))
		p.deps.Metrics.LiveTracks.Set(float64(p.deps.RiskStore.Len()))
	}
	return res, nil
}

// dispatchLocked resolves one trigger against the cache and, on a miss,
// hands a new task to the dispatcher. A cache hit fuses immediately.
func (p *Pipeline) dispatchLocked(ev *semantic.TriggerEvent, id track.ID, class string, frame int64, queryID string) (created, hit bool) {
	fp := p.lastFP[id]
	if fp == "" {
		fp = fmt.Sprintf("trk-%d", id)
	}

	cached, task, created := p.deps.Cache.GetOrSubmit(fp, ev.Prompt, func() *semantic.Task {
		return &semantic.Task{
			ID:          semantic.NewTaskID(),
			TrackID:     id,
			Fingerprint: fp,
			Prompt:      ev.Prompt,
			Class:       class,
			Priority:    ev.Priority,
			SubmittedAt: p.deps.Clock.Now(),
			SubmitFrame: frame,
			State:       semantic.TaskQueued,
		}
	})

	if cached != nil {
		if cached.Match {
			p.deps.Intel.AttachSemantic(id, cached.Label, cached.Confidence, cached.MatchedPhrase, frame)
		}
		return false, true
	}
	if created {
		if queryID != "" {
			p.queryTasks[queryID] = append(p.queryTasks[queryID], task.ID)
			p.taskQuery[task.ID] = queryID
		}
		p.deps.Dispatcher.Submit(task)
	}
	return created, false
}

// collectLocked drains finished tasks, settles the cache, and fuses
// results into the intel picture.
func (p *Pipeline) collectLocked(ctx context.Context, frame int64) int {
	fused := 0
	for _, c := range p.deps.Dispatcher.PollCompleted() {
		t := c.Task
		if c.Err != nil {
			p.deps.Cache.Fail(t.Fingerprint, t.Prompt)
		} else if c.Result != nil {
			p.deps.Cache.Complete(t.Fingerprint, t.Prompt, c.Result)
		}
		if p.deps.Fusion.Attach(ctx, c, frame) {
			fused++
		}
		if qid, ok := p.taskQuery[t.ID]; ok {
			delete(p.taskQuery, t.ID)
			p.dropQueryTask(qid, t.ID)
		}
	}
	return fused
}

func (p *Pipeline) dropQueryTask(queryID, taskID string) {
	ids := p.queryTasks[queryID]
	for i, id := range ids {
		if id == taskID {
			p.queryTasks[queryID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(p.queryTasks[queryID]) == 0 {
		delete(p.queryTasks, queryID)
	}
}

// notify fans the alert out to every notifier off the frame pass. Delivery
// failures are logged and never block or suppress anything.
func (p *Pipeline) notify(ctx context.Context, a *alerting.Alert) {
	for _, n := range p.deps.Notifiers {
		go func(n alerting.Notifier) {
			if err := n.Notify(context.WithoutCancel(ctx), a); err != nil {
				p.deps.Logger.Error(ctx, err, "alert delivery failed", "alert_id", a.ID)
				if p.deps.Metrics != nil {
					p.deps.Metrics.NotifyFailures.Inc()
				}
			}
		}(n)
	}
}

// SubmitQuery registers a user query and fans it out as an inference task
// per live track. Cached answers attach immediately.
func (p *Pipeline) SubmitQuery(ctx context.Context, prompt string, priority int) (*semantic.Query, error) {
	q, ev, err := p.deps.Coordinator.SubmitQuery(prompt, priority)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	created := 0
	for _, rec := range p.deps.Intel.Snapshot() {
		c, _ := p.dispatchLocked(ev, rec.TrackID, rec.Class, p.lastFrame, q.ID)
		if c {
			created++
		}
	}
	p.deps.Logger.Info(ctx, "user query submitted",
		"query_id", q.ID,
		"prompt", prompt,
		"tasks", created,
	)
	return q, nil
}

// CancelQuery removes a query and aborts its still-pending tasks. Returns
// false for unknown IDs.
func (p *Pipeline) CancelQuery(id string) bool {
	if !p.deps.Coordinator.CancelQuery(id) {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, taskID := range p.queryTasks[id] {
		p.deps.Dispatcher.Cancel(taskID)
		delete(p.taskQuery, taskID)
	}
	delete(p.queryTasks, id)
	return true
}

// ActiveQueries lists registered user queries in submission order.
func (p *Pipeline) ActiveQueries() []*semantic.Query {
	return p.deps.Coordinator.ActiveQueries()
}

// Alerts returns the most recent alerts, newest last.
func (p *Pipeline) Alerts(limit int) []alerting.Alert {
	return p.deps.Feed.Snapshot(limit)
}

// AcknowledgeAlert marks an alert acknowledged. Returns false for unknown IDs.
func (p *Pipeline) AcknowledgeAlert(id string) bool {
	return p.deps.Feed.Acknowledge(id)
}

// Intel returns the unified per-track picture, ordered by track ID.
func (p *Pipeline) Intel() []*intel.Record {
	return p.deps.Intel.Snapshot()
}

// TrackIntel returns one track's record.
func (p *Pipeline) TrackIntel(id track.ID) (*intel.Record, bool) {
	return p.deps.Intel.Get(id)
}

// Status reports the operational summary.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	frame := p.lastFrame
	p.mu.Unlock()
	var maxRisk float64
	for _, rec := range p.deps.Intel.Snapshot() {
		if rec.RiskScore > maxRisk {
			maxRisk = rec.RiskScore
		}
	}
	return Status{
		Frame:         frame,
		LiveTracks:    p.deps.Intel.Len(),
		MaxRisk:       maxRisk,
		ActiveQueries: len(p.deps.Coordinator.ActiveQueries()),
		PendingTasks:  len(p.deps.Dispatcher.Tasks()),
		AlertsTotal:   p.deps.Feed.Len(),
		Fallback:      p.deps.Dispatcher.Fallback(),
	}
}

// fingerprint returns the observation's content hash, or a stable per-track
// stand-in when the collaborator does not provide one.
func fingerprint(obs track.Observation) string {
	if obs.Fingerprint != "" {
		return obs.Fingerprint
	}
	return fmt.Sprintf("trk-%d", obs.TrackID)
}
