package semantic

import (
	"context"
	"errors"
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/aegis/internal/intel"
)

// FusionConfig bounds how late an inference result may arrive and still be
// trusted.
type FusionConfig struct {
	// StalenessWindow is the maximum frame distance between a task's
	// submission and the frame its result lands on. Beyond it the scene has
	// moved on and the result is discarded.
	StalenessWindow int64
}

// DefaultFusionConfig returns the standard staleness bound.
func DefaultFusionConfig() FusionConfig {
	return FusionConfig{StalenessWindow: 90}
}

// Validate rejects a non-positive window.
func (c FusionConfig) Validate() error {
	if c.StalenessWindow <= 0 {
		return fmt.Errorf("staleness window %d must be positive", c.StalenessWindow)
	}
	return nil
}

// Fusion merges asynchronous inference results back into the intel picture.
// Results for tracks that have since left the scene, or that arrive past
// the staleness window, are dropped rather than attached to a stale record.
type Fusion struct {
	cfg     FusionConfig
	store   *intel.Store
	logger  log.Logger
	metrics *Metrics
}

// NewFusion validates the config and builds a fusion stage.
func NewFusion(cfg FusionConfig, store *intel.Store, logger log.Logger, metrics *Metrics) (*Fusion, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("intel store is required")
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Fusion{cfg: cfg, store: store, logger: logger, metrics: metrics}, nil
}

// Attach applies one completion at the given frame. It reports whether the
// result was fused into a live record. Failed and cancelled completions,
// non-matching results, and user-query results (no track) never attach but
// are not errors.
func (f *Fusion) Attach(ctx context.Context, c *Completion, currentFrame int64) bool {
	if c.Err != nil || c.Result == nil {
		return false
	}
	t := c.Task
	if t.TrackID == 0 {
		// user queries carry no track binding; their results surface
		// through the task record itself
		return false
	}
	if !c.Result.Match {
		return false
	}

	if currentFrame-t.SubmitFrame > f.cfg.StalenessWindow {
		f.discard(ctx, t, currentFrame, "stale")
		return false
	}
	if !f.store.Live(t.TrackID) {
		f.discard(ctx, t, currentFrame, "track gone")
		return false
	}

	ok := f.store.AttachSemantic(t.TrackID, c.Result.Label, c.Result.Confidence, c.Result.MatchedPhrase, currentFrame)
	if !ok {
		f.discard(ctx, t, currentFrame, "track gone")
		return false
	}
	f.logger.Info(ctx, "semantic result fused",
		"task_id", t.ID,
		"track_id", t.TrackID,
		"label", c.Result.Label,
		"confidence", c.Result.Confidence,
		"lag_frames", currentFrame-t.SubmitFrame,
	)
	return true
}

func (f *Fusion) discard(ctx context.Context, t *Task, currentFrame int64, reason string) {
	if f.metrics != nil {
		f.metrics.StaleResults.Inc()
	}
	f.logger.Info(ctx, "semantic result discarded",
		"task_id", t.ID,
		"track_id", t.TrackID,
		"reason", reason,
		"lag_frames", currentFrame-t.SubmitFrame,
	)
}
