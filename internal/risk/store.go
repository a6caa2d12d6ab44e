package risk

import (
	"sort"
	"sync"

	"github.com/linnemanlabs/aegis/internal/track"
)

// Store holds the per-track risk states behind a single mutex. The frame
// pass is the only writer; API readers take consistent copies and never see
// a half-updated state.
type Store struct {
	mu          sync.RWMutex
	states      map[track.ID]*State
	graceFrames int64
	metrics     *Metrics
}

// NewStore creates a store. graceFrames is how long an unobserved track's
// state is retained before eviction, allowing trailing decay to be visible.
func NewStore(graceFrames int64, metrics *Metrics) *Store {
	return &Store{
		states:      make(map[track.ID]*State),
		graceFrames: graceFrames,
		metrics:     metrics,
	}
}

// advance applies fn to the track's state under the write lock, creating the
// state on first observation, and returns a copy of the result.
func (s *Store) advance(id track.ID, fn func(*State)) *State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[id]
	if !ok {
		st = &State{TrackID: id, Phase: PhaseNormal, Level: LevelLow}
		s.states[id] = st
	}
	prevPhase := st.Phase
	fn(st)
	if s.metrics != nil {
		if st.Phase != prevPhase {
			s.metrics.PhaseTransitions.WithLabelValues(string(prevPhase), string(st.Phase)).Inc()
		}
		s.metrics.Scores.Observe(st.Score)
	}
	return st.clone()
}

// Get returns a copy of the track's state.
func (s *Store) Get(id track.ID) (*State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[id]
	if !ok {
		return nil, false
	}
	return st.clone(), true
}

// Snapshot returns copies of all states, ordered by track ID.
func (s *Store) Snapshot() []*State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*State, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out
}

// EvictStale drops states that have not been observed within the grace
// period relative to the current frame, and returns the evicted track IDs.
func (s *Store) EvictStale(frame int64) []track.ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []track.ID
	for id, st := range s.states {
		if frame-st.UpdatedAt > s.graceFrames {
			delete(s.states, id)
			evicted = append(evicted, id)
		}
	}
	if s.metrics != nil && len(evicted) > 0 {
		s.metrics.Evictions.Add(float64(len(evicted)))
	}
	return evicted
}

// Len reports the number of tracked states.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}
