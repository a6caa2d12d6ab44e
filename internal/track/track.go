// Package track defines the read-only observation model produced by the
// external tracking and analysis collaborator. Aegis never mutates these
// values; it derives its own risk state keyed by TrackID.
package track

// ID identifies a tracked object across frames. Identity assignment is owned
// by the external tracker.
type ID int64

// BBox is an axis-aligned bounding box in pixel coordinates.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Center returns the box midpoint.
func (b BBox) Center() Position {
	return Position{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Position is a point in frame pixel coordinates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Behavior holds the per-frame behavior flags computed by the analysis
// collaborator.
type Behavior struct {
	Stationary        bool `json:"stationary"`
	Loitering         bool `json:"loitering"`
	Running           bool `json:"running"`
	SuddenSpeedChange bool `json:"sudden_speed_change"`
	DirectionReversal bool `json:"direction_reversal"`
	Erratic           bool `json:"erratic"`
}

// Anomalous reports whether any concerning flag is set.
func (b Behavior) Anomalous() bool {
	return b.Loitering || b.Running || b.SuddenSpeedChange || b.DirectionReversal || b.Erratic
}

// Labels returns the set flags as display strings, used on intel records.
func (b Behavior) Labels() []string {
	var out []string
	if b.Stationary {
		out = append(out, "STATIONARY")
	}
	if b.Loitering {
		out = append(out, "LOITERING")
	}
	if b.Running {
		out = append(out, "RUNNING")
	}
	if b.SuddenSpeedChange {
		out = append(out, "SPEED_CHANGE")
	}
	if b.DirectionReversal {
		out = append(out, "DIRECTION_REVERSAL")
	}
	if b.Erratic {
		out = append(out, "ERRATIC")
	}
	return out
}

// Motion holds the per-frame motion metrics for a track.
type Motion struct {
	Speed         float64 `json:"speed"`          // px/frame
	SmoothedSpeed float64 `json:"smoothed_speed"` // px/frame, EMA over recent history
	Direction     float64 `json:"direction"`      // radians
	Acceleration  float64 `json:"acceleration"`   // px/frame^2
}

// Observation is one track as seen on one frame, together with the analysis
// collaborator's behavior and motion outputs. CrowdDensity is the normalized
// local density around the track's grid cell, in [0,1].
type Observation struct {
	TrackID      ID       `json:"track_id"`
	Class        string   `json:"class"`
	Confidence   float64  `json:"confidence"`
	BBox         BBox     `json:"bbox"`
	Position     Position `json:"position"`
	Behavior     Behavior `json:"behavior"`
	Motion       Motion   `json:"motion"`
	CrowdDensity float64  `json:"crowd_density"`
	Fingerprint  string   `json:"fingerprint,omitempty"` // content hash of the cropped region, if the collaborator provides one
}
