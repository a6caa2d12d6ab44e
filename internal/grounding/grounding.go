// Package grounding is the boundary to the slow, fallible open-vocabulary
// inference collaborator. The core treats it as an opaque function: a region
// plus a prompt in, a semantic verdict out. Implementations decide how the
// verdict is produced.
package grounding

import "context"

// Request asks the backend whether a tracked region matches a prompt.
type Request struct {
	// Fingerprint is the content-derived key for the visual region; it is
	// the cache identity, not an input to the model.
	Fingerprint string `json:"fingerprint"`

	// Prompt is the open-vocabulary phrase to ground, e.g. "person with bag".
	Prompt string `json:"prompt"`

	// Class is the tracker's base class for the region.
	Class string `json:"class"`

	// RegionRef is an opaque reference to the cropped region (an object
	// store key or data URL) supplied by the tracking collaborator.
	RegionRef string `json:"region_ref,omitempty"`
}

// Result is the backend's verdict.
type Result struct {
	Match         bool    `json:"match"`
	Label         string  `json:"label"`
	Confidence    float64 `json:"confidence"`
	MatchedPhrase string  `json:"matched_phrase"`
}

// Backend performs secondary inference. Ground may be slow and may fail;
// callers bound concurrency and never invoke it on the frame path.
// Available reports whether the backend can serve requests at all; a false
// value at startup puts the dispatcher in permanent fallback mode.
type Backend interface {
	Ground(ctx context.Context, req Request) (*Result, error)
	Available() bool
}
