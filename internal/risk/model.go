package risk

import "github.com/linnemanlabs/aegis/internal/track"

// Phase is the temporal model's per-track hysteresis phase.
type Phase string

const (
	// PhaseNormal means no qualifying signal has persisted long enough to
	// escalate; the score tracks the instantaneous zone-adjusted signal.
	PhaseNormal Phase = "normal"

	// PhaseEscalating means a qualifying signal has persisted for at least
	// the persistence window; the score climbs by the escalation rate.
	PhaseEscalating Phase = "escalating"

	// PhaseHold means the signal stopped but the decay grace period has not
	// elapsed; the score is frozen.
	PhaseHold Phase = "hold"

	// PhaseDecaying means the grace period elapsed; the score drains by the
	// decay rate until it reaches zero or the signal returns.
	PhaseDecaying Phase = "decaying"
)

// Factor is one signal's contribution to a base score.
type Factor struct {
	Name         string  `json:"name"`
	Weight       float64 `json:"weight"`
	Raw          float64 `json:"raw"`
	Contribution float64 `json:"contribution"`
}

// State is the risk state owned by this core for one track.
type State struct {
	TrackID     track.ID `json:"track_id"`
	Score       float64  `json:"score"`
	Level       Level    `json:"level"`
	Phase       Phase    `json:"phase"`
	SignalRun   int      `json:"signal_run"`   // consecutive frames with a qualifying signal
	HoldSince   int64    `json:"hold_since"`   // frame index when the signal stopped; meaningful in PhaseHold
	Factors     []Factor `json:"factors"`      // last breakdown, sorted by contribution descending
	Summary     string   `json:"summary"`      // human-readable explanation of the last score
	Zone        string   `json:"zone"`         // zone that supplied the multiplier, if any
	UpdatedAt   int64    `json:"updated_at"`   // frame index of the last observation
	ZoneApplied float64  `json:"zone_applied"` // multiplier used on the last frame
}

// clone returns a deep copy so external readers never alias the live state.
func (s *State) clone() *State {
	cp := *s
	cp.Factors = make([]Factor, len(s.Factors))
	copy(cp.Factors, s.Factors)
	return &cp
}
