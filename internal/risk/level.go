package risk

import (
	"errors"
	"fmt"
)

// Level is the derived risk bucket for a score.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Priority orders levels for comparison; higher is more severe.
func (l Level) Priority() int {
	switch l {
	case LevelLow:
		return 0
	case LevelMedium:
		return 1
	case LevelHigh:
		return 2
	case LevelCritical:
		return 3
	default:
		return -1
	}
}

// ParseLevel converts a config string to a Level.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case LevelLow, LevelMedium, LevelHigh, LevelCritical:
		return Level(s), nil
	default:
		return "", fmt.Errorf("unknown risk level %q", s)
	}
}

// Thresholds are the ascending score boundaries between levels. A score below
// Medium is LOW, below High is MEDIUM, below Critical is HIGH, and at or
// above Critical is CRITICAL.
type Thresholds struct {
	Medium   float64
	High     float64
	Critical float64
}

// DefaultThresholds returns the standard bucketing.
func DefaultThresholds() Thresholds {
	return Thresholds{Medium: 0.3, High: 0.6, Critical: 0.8}
}

// Validate rejects non-monotonic or out-of-range thresholds. Bucketing must
// be contiguous and strictly ascending; anything else is a construction error.
func (t Thresholds) Validate() error {
	var errs []error
	if t.Medium <= 0 || t.Medium >= 1 {
		errs = append(errs, fmt.Errorf("medium threshold %v out of (0,1)", t.Medium))
	}
	if t.High <= t.Medium {
		errs = append(errs, fmt.Errorf("high threshold %v must exceed medium %v", t.High, t.Medium))
	}
	if t.Critical <= t.High {
		errs = append(errs, fmt.Errorf("critical threshold %v must exceed high %v", t.Critical, t.High))
	}
	if t.Critical > 1 {
		errs = append(errs, fmt.Errorf("critical threshold %v exceeds 1", t.Critical))
	}
	return errors.Join(errs...)
}

// LevelFor buckets a score.
func (t Thresholds) LevelFor(score float64) Level {
	switch {
	case score >= t.Critical:
		return LevelCritical
	case score >= t.High:
		return LevelHigh
	case score >= t.Medium:
		return LevelMedium
	default:
		return LevelLow
	}
}
