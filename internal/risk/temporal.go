package risk

import (
	"errors"
	"fmt"
)

// TemporalConfig tunes the per-track hysteresis state machine.
type TemporalConfig struct {
	// PersistenceFrames is the number of consecutive frames a qualifying
	// signal must be present before escalation begins. Single-frame spikes
	// never escalate.
	PersistenceFrames int

	// EscalationRate is the per-frame score increase while escalating.
	EscalationRate float64

	// DecayRate is the per-frame score decrease while decaying.
	DecayRate float64

	// DecayDelayFrames is the grace period after a signal stops during which
	// the score stays frozen before decay begins.
	DecayDelayFrames int
}

// DefaultTemporalConfig returns the standard escalation/decay tuning.
func DefaultTemporalConfig() TemporalConfig {
	return TemporalConfig{
		PersistenceFrames: 30,
		EscalationRate:    0.02,
		DecayRate:         0.01,
		DecayDelayFrames:  30,
	}
}

// Validate rejects non-positive rates and windows at construction time.
func (c TemporalConfig) Validate() error {
	var errs []error
	if c.PersistenceFrames <= 0 {
		errs = append(errs, fmt.Errorf("persistence frames %d must be positive", c.PersistenceFrames))
	}
	if c.EscalationRate <= 0 {
		errs = append(errs, fmt.Errorf("escalation rate %v must be positive", c.EscalationRate))
	}
	if c.DecayRate <= 0 {
		errs = append(errs, fmt.Errorf("decay rate %v must be positive", c.DecayRate))
	}
	if c.DecayDelayFrames < 0 {
		errs = append(errs, fmt.Errorf("decay delay frames %d must not be negative", c.DecayDelayFrames))
	}
	return errors.Join(errs...)
}

// Temporal owns score evolution across frames. The scoring engine computes a
// zone-adjusted base signal per frame; Temporal decides what the track's
// actual score does with it.
//
// In PhaseNormal the score tracks the instantaneous signal, so a short spike
// is visible but drops away the moment the signal stops. Escalation only
// begins once the signal has persisted for PersistenceFrames consecutive
// frames; from then on the score climbs by EscalationRate per frame
// regardless of signal strength, clamped to 1. When the signal stops the
// score freezes for DecayDelayFrames, then drains by DecayRate per frame.
type Temporal struct {
	cfg    TemporalConfig
	levels Thresholds
}

// NewTemporal validates the config and builds the model.
func NewTemporal(cfg TemporalConfig, levels Thresholds) (*Temporal, error) {
	if err := errors.Join(cfg.Validate(), levels.Validate()); err != nil {
		return nil, err
	}
	return &Temporal{cfg: cfg, levels: levels}, nil
}

// Advance applies one frame of signal to the track's state and returns the
// resulting score and level. base is the zone-adjusted base signal; a value
// above zero counts as a qualifying signal.
func (t *Temporal) Advance(st *State, base float64, frame int64) (float64, Level) {
	present := base > 0

	switch st.Phase {
	case PhaseEscalating:
		if present {
			st.SignalRun++
			// The escalating score never falls below the instantaneous
			// zone-adjusted signal, so a zone change mid-escalation can
			// raise it by more than EscalationRate in a single frame.
			st.Score = clamp01(maxf(st.Score+t.cfg.EscalationRate, base))
		} else {
			st.Phase = PhaseHold
			st.HoldSince = frame
			st.SignalRun = 0
			// score frozen
		}

	case PhaseHold:
		switch {
		case present:
			st.Phase = PhaseEscalating
			st.SignalRun = 1
			st.Score = clamp01(maxf(st.Score, base))
		case frame-st.HoldSince >= int64(t.cfg.DecayDelayFrames):
			st.Phase = PhaseDecaying
			st.Score = maxf(0, st.Score-t.cfg.DecayRate)
		}
		// within grace: frozen

	case PhaseDecaying:
		if present {
			st.Phase = PhaseEscalating
			st.SignalRun = 1
			st.Score = clamp01(maxf(st.Score, base))
		} else {
			st.Score = maxf(0, st.Score-t.cfg.DecayRate)
			if st.Score == 0 {
				st.Phase = PhaseNormal
				st.SignalRun = 0
			}
		}

	default: // PhaseNormal, including the zero value of a fresh State
		st.Phase = PhaseNormal
		if present {
			st.SignalRun++
			if st.SignalRun >= t.cfg.PersistenceFrames {
				// Escalation starts on the next frame; this one reports the
				// raw signal so the persistence debounce never inflates it.
				st.Phase = PhaseEscalating
			}
		} else {
			st.SignalRun = 0
		}
		st.Score = clamp01(base)
	}

	st.UpdatedAt = frame
	st.Level = t.levels.LevelFor(st.Score)
	return st.Score, st.Level
}

// Levels exposes the threshold table, used by collaborators that bucket
// scores outside the per-frame pass.
func (t *Temporal) Levels() Thresholds { return t.levels }

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
