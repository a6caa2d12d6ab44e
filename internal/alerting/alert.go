// Package alerting emits cooldown-limited alerts from per-track risk states
// and maintains the ordered, append-only alert feed consumed by the API and
// notifier collaborators.
package alerting

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/aegis/internal/risk"
	"github.com/linnemanlabs/aegis/internal/track"
)

// Level is the alert severity, mapped from the track's risk level.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// LevelFromRisk maps risk levels onto alert severities.
func LevelFromRisk(l risk.Level) Level {
	switch l {
	case risk.LevelMedium:
		return LevelWarning
	case risk.LevelHigh:
		return LevelHigh
	case risk.LevelCritical:
		return LevelCritical
	default:
		return LevelInfo
	}
}

// Alert is one emitted alert. Immutable after creation except Acknowledged,
// which is owned by the consuming API layer.
type Alert struct {
	ID            string        `json:"id"`
	TrackID       track.ID      `json:"track_id"`
	Level         Level         `json:"level"`
	Score         float64       `json:"score"`
	Message       string        `json:"message"`
	Factors       []risk.Factor `json:"factors,omitempty"`
	Zone          string        `json:"zone,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	CooldownUntil time.Time     `json:"cooldown_until"`
	Acknowledged  bool          `json:"acknowledged"`
}

// NewID mints an alert identity.
func NewID() string {
	return "alt_" + ulid.Make().String()
}

// LogString formats the alert for a single structured log field.
func (a *Alert) LogString() string {
	return fmt.Sprintf("[%s] track %d score %.2f: %s", a.Level, a.TrackID, a.Score, a.Message)
}
