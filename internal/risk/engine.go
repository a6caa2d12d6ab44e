package risk

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/linnemanlabs/aegis/internal/track"
	"github.com/linnemanlabs/aegis/internal/zone"
)

// Signal names used in factor breakdowns.
const (
	SignalLoitering       = "loitering"
	SignalSpeedAnomaly    = "speed_anomaly"
	SignalDirectionChange = "direction_change"
	SignalCrowdDensity    = "crowd_density"
	SignalErraticMotion   = "erratic_motion"
)

// Raw activation values for flag-driven signals. A flag is either firing or
// it is not; the strength below encodes how suspicious the behavior is on
// its own before weighting.
const (
	loiteringActivation = 0.9
	flagActivation      = 1.0
)

// Weights are the per-signal multipliers for the base score. Each weight is
// in [0,1]; the base score before zone adjustment is therefore bounded by
// the weight sum. The defaults sum to 1.00, which keeps unadjusted scores
// inside [0,1] before the zone multiplier is applied.
type Weights struct {
	Loitering       float64
	SpeedAnomaly    float64
	DirectionChange float64
	CrowdDensity    float64
	ErraticMotion   float64
}

// DefaultWeights returns the standard signal weighting (sum 1.00).
func DefaultWeights() Weights {
	return Weights{
		Loitering:       0.25,
		SpeedAnomaly:    0.20,
		DirectionChange: 0.15,
		CrowdDensity:    0.15,
		ErraticMotion:   0.25,
	}
}

// Validate rejects weights outside [0,1].
func (w Weights) Validate() error {
	var errs []error
	for _, f := range []struct {
		name string
		v    float64
	}{
		{SignalLoitering, w.Loitering},
		{SignalSpeedAnomaly, w.SpeedAnomaly},
		{SignalDirectionChange, w.DirectionChange},
		{SignalCrowdDensity, w.CrowdDensity},
		{SignalErraticMotion, w.ErraticMotion},
	} {
		if f.v < 0 || f.v > 1 {
			errs = append(errs, fmt.Errorf("weight %s=%v out of [0,1]", f.name, f.v))
		}
	}
	return errors.Join(errs...)
}

// Sum returns the total weight, the upper bound of unadjusted base scores.
func (w Weights) Sum() float64 {
	return w.Loitering + w.SpeedAnomaly + w.DirectionChange + w.CrowdDensity + w.ErraticMotion
}

// Engine turns per-frame observations into explainable, temporally stable
// risk states. It owns the signal weighting and the factor breakdown; the
// Temporal model owns score evolution; the Store owns shared state.
type Engine struct {
	weights  Weights
	zones    *zone.Index
	temporal *Temporal
	store    *Store

	// RunningSpeed is the px/frame speed treated as a full-strength
	// speed anomaly when the running flag is set without a sudden change.
	runningSpeed float64
}

// NewEngine validates the weights and builds an engine.
func NewEngine(weights Weights, zones *zone.Index, temporal *Temporal, store *Store, runningSpeed float64) (*Engine, error) {
	var errs []error
	if err := weights.Validate(); err != nil {
		errs = append(errs, err)
	}
	if runningSpeed <= 0 {
		errs = append(errs, fmt.Errorf("running speed threshold %v must be positive", runningSpeed))
	}
	if zones == nil {
		errs = append(errs, errors.New("zone index is required"))
	}
	if temporal == nil {
		errs = append(errs, errors.New("temporal model is required"))
	}
	if store == nil {
		errs = append(errs, errors.New("risk store is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Engine{
		weights:      weights,
		zones:        zones,
		temporal:     temporal,
		store:        store,
		runningSpeed: runningSpeed,
	}, nil
}

// Observe scores one track observation for one frame and returns a copy of
// the updated state. A zero-value observation (no analysis available) yields
// a zero base signal and an empty factor list, never an error.
func (e *Engine) Observe(obs track.Observation, frame int64) *State {
	factors := e.activations(obs)
	base := 0.0
	for _, f := range factors {
		base += f.Contribution
	}

	mult, zoneName := e.zones.MultiplierFor(obs.Position)
	adjusted := base * mult

	return e.store.advance(obs.TrackID, func(st *State) {
		e.temporal.Advance(st, adjusted, frame)
		st.Factors = factors
		st.Zone = zoneName
		st.ZoneApplied = mult
		st.Summary = summarize(factors, st.Level, mult, zoneName)
	})
}

// activations computes the weighted factor list, sorted by contribution
// descending. Signals with zero contribution are omitted.
func (e *Engine) activations(obs track.Observation) []Factor {
	add := func(fs []Factor, name string, weight, raw float64) []Factor {
		if raw <= 0 || weight <= 0 {
			return fs
		}
		return append(fs, Factor{Name: name, Weight: weight, Raw: raw, Contribution: weight * raw})
	}

	var fs []Factor
	if obs.Behavior.Loitering {
		fs = add(fs, SignalLoitering, e.weights.Loitering, loiteringActivation)
	}
	if raw := e.speedAnomaly(obs); raw > 0 {
		fs = add(fs, SignalSpeedAnomaly, e.weights.SpeedAnomaly, raw)
	}
	if obs.Behavior.DirectionReversal {
		fs = add(fs, SignalDirectionChange, e.weights.DirectionChange, flagActivation)
	}
	fs = add(fs, SignalCrowdDensity, e.weights.CrowdDensity, clamp01(obs.CrowdDensity))
	if obs.Behavior.Erratic {
		fs = add(fs, SignalErraticMotion, e.weights.ErraticMotion, flagActivation)
	}

	sort.SliceStable(fs, func(i, j int) bool { return fs[i].Contribution > fs[j].Contribution })
	return fs
}

func (e *Engine) speedAnomaly(obs track.Observation) float64 {
	if obs.Behavior.SuddenSpeedChange {
		return flagActivation
	}
	if obs.Behavior.Running {
		return clamp01(obs.Motion.SmoothedSpeed / e.runningSpeed)
	}
	return 0
}

// summarize builds the human-readable explanation referencing the top one or
// two factors, and the zone when its multiplier amplified the score.
func summarize(factors []Factor, level Level, mult float64, zoneName string) string {
	if len(factors) == 0 {
		return "no concerning signals"
	}

	names := []string{displayName(factors[0].Name)}
	if len(factors) > 1 && factors[1].Contribution > 0 {
		names = append(names, displayName(factors[1].Name))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s risk driven by %s", strings.ToLower(string(level)), strings.Join(names, " and "))
	if mult > 1.0 && zoneName != "" {
		fmt.Fprintf(&b, " in %s zone (x%.2f)", zoneName, mult)
	}
	return b.String()
}

func displayName(signal string) string {
	return strings.ReplaceAll(signal, "_", " ")
}

// WeightSum exposes the configured weight total for status reporting.
func (e *Engine) WeightSum() float64 { return e.weights.Sum() }
