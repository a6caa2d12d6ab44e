package alerting

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/aegis/internal/clock"
	"github.com/linnemanlabs/aegis/internal/risk"
	"github.com/linnemanlabs/aegis/internal/track"
)

// ManagerConfig tunes alert emission.
type ManagerConfig struct {
	// MinLevel is the lowest risk level that produces an alert.
	MinLevel risk.Level

	// Cooldown is the minimum simulated-time gap between two alerts for the
	// same track, regardless of how the score moves inside the window.
	Cooldown time.Duration
}

// DefaultManagerConfig returns the standard emission tuning.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{MinLevel: risk.LevelHigh, Cooldown: 60 * time.Second}
}

// Validate rejects invalid emission settings at construction time.
func (c ManagerConfig) Validate() error {
	var errs []error
	if c.MinLevel.Priority() < 0 {
		errs = append(errs, fmt.Errorf("unknown minimum level %q", c.MinLevel))
	}
	if c.Cooldown <= 0 {
		errs = append(errs, fmt.Errorf("cooldown %v must be positive", c.Cooldown))
	}
	return errors.Join(errs...)
}

// Manager filters risk states into alerts. The cooldown table is guarded by
// a mutex so the frame pass and API readers never race; time comes from the
// injected clock, which is simulated time under replay.
type Manager struct {
	cfg   ManagerConfig
	clock clock.Clock

	mu        sync.Mutex
	cooldowns map[track.ID]time.Time
	metrics   *Metrics
}

// NewManager validates the config and builds a manager.
func NewManager(cfg ManagerConfig, clk clock.Clock, metrics *Metrics) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		return nil, errors.New("clock is required")
	}
	return &Manager{
		cfg:       cfg,
		clock:     clk,
		cooldowns: make(map[track.ID]time.Time),
		metrics:   metrics,
	}, nil
}

// Process emits an alert for the track's current risk state, or nil when the
// level is below the minimum or an unexpired cooldown suppresses it. The
// cooldown is time-based: two alerts for one track never occur within the
// cooldown window even if the level flaps across the threshold inside it.
func (m *Manager) Process(st *risk.State) *Alert {
	if st == nil || st.Level.Priority() < m.cfg.MinLevel.Priority() {
		return nil
	}

	now := m.clock.Now()

	m.mu.Lock()
	if until, ok := m.cooldowns[st.TrackID]; ok && now.Before(until) {
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.Suppressed.Inc()
		}
		return nil
	}
	until := now.Add(m.cfg.Cooldown)
	m.cooldowns[st.TrackID] = until
	m.mu.Unlock()

	factors := make([]risk.Factor, len(st.Factors))
	copy(factors, st.Factors)

	a := &Alert{
		ID:            NewID(),
		TrackID:       st.TrackID,
		Level:         LevelFromRisk(st.Level),
		Score:         st.Score,
		Message:       st.Summary,
		Factors:       factors,
		Zone:          st.Zone,
		CreatedAt:     now,
		CooldownUntil: until,
	}
	if m.metrics != nil {
		m.metrics.Emitted.WithLabelValues(string(a.Level)).Inc()
	}
	return a
}

// Forget drops the cooldown entry for an evicted track so a re-used track
// identity starts clean.
func (m *Manager) Forget(id track.ID) {
	m.mu.Lock()
	delete(m.cooldowns, id)
	m.mu.Unlock()
}
