// Package clock provides an injectable time source so cooldowns, cache TTLs,
// and task timestamps can be driven by simulated time during replay and tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by every time-dependent component in the core.
type Clock interface {
	Now() time.Time
}

// System returns a Clock backed by the wall clock.
func System() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Simulated is a manually advanced Clock. The pipeline advances it from the
// frame index and assumed FPS so a replayed recording produces identical
// cooldown and TTL behavior every run.
type Simulated struct {
	mu  sync.Mutex
	now time.Time
}

// NewSimulated creates a Simulated clock starting at the given instant.
func NewSimulated(start time.Time) *Simulated {
	return &Simulated{now: start}
}

// Now returns the current simulated instant.
func (s *Simulated) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the simulated clock forward by d. Negative durations are ignored.
func (s *Simulated) Advance(d time.Duration) {
	if d < 0 {
		return
	}
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()
}

// Set moves the simulated clock to the given instant if it is not earlier
// than the current one. Time never runs backwards.
func (s *Simulated) Set(t time.Time) {
	s.mu.Lock()
	if t.After(s.now) {
		s.now = t
	}
	s.mu.Unlock()
}
