// Package intel maintains the externally visible, point-in-time snapshot of
// everything the core knows per track: base class, risk state, behaviors,
// and eventually-consistent semantic enrichment.
package intel

import (
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/aegis/internal/risk"
	"github.com/linnemanlabs/aegis/internal/track"
)

// Record is the unified intelligence record for one track. Risk fields are
// refreshed every frame the track is observed; semantic fields are attached
// by the fusion stage when secondary inference completes and persist until
// overwritten by a newer result or the track is evicted.
type Record struct {
	TrackID    track.ID      `json:"track_id"`
	Class      string        `json:"class"`
	Confidence float64       `json:"confidence"`
	RiskScore  float64       `json:"risk_score"`
	RiskLevel  risk.Level    `json:"risk_level"`
	Factors    []risk.Factor `json:"factors,omitempty"`
	Behaviors  []string      `json:"behaviors,omitempty"`

	SemanticLabel      string  `json:"semantic_label,omitempty"`
	SemanticConfidence float64 `json:"semantic_confidence,omitempty"`
	MatchedPhrase      string  `json:"matched_phrase,omitempty"`
	SemanticFrame      int64   `json:"semantic_frame,omitempty"`

	Frame     int64     `json:"frame"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasSemantic reports whether fusion has attached a semantic match.
func (r *Record) HasSemantic() bool { return r.SemanticLabel != "" }

func (r *Record) clone() *Record {
	cp := *r
	cp.Factors = make([]risk.Factor, len(r.Factors))
	copy(cp.Factors, r.Factors)
	cp.Behaviors = make([]string, len(r.Behaviors))
	copy(cp.Behaviors, r.Behaviors)
	return &cp
}

// Store guards the live record set. The frame pass is the only writer;
// readers get deep copies so a snapshot is never half-updated.
type Store struct {
	mu      sync.RWMutex
	records map[track.ID]*Record
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{records: make(map[track.ID]*Record)}
}

// UpdateRisk refreshes the record's per-frame fields from the observation
// and its risk state, creating the record on first sight. Semantic fields
// are left untouched.
func (s *Store) UpdateRisk(obs track.Observation, st *risk.State, frame int64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[obs.TrackID]
	if !ok {
		r = &Record{TrackID: obs.TrackID}
		s.records[obs.TrackID] = r
	}
	r.Class = obs.Class
	r.Confidence = obs.Confidence
	r.RiskScore = st.Score
	r.RiskLevel = st.Level
	r.Factors = append(r.Factors[:0], st.Factors...)
	r.Behaviors = obs.Behavior.Labels()
	r.Frame = frame
	r.UpdatedAt = now
}

// AttachSemantic writes the semantic fields onto a live record. It returns
// false when the track is no longer live.
func (s *Store) AttachSemantic(id track.ID, label string, confidence float64, phrase string, frame int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return false
	}
	r.SemanticLabel = label
	r.SemanticConfidence = confidence
	r.MatchedPhrase = phrase
	r.SemanticFrame = frame
	return true
}

// Live reports whether the track currently has a record.
func (s *Store) Live(id track.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok
}

// Evict drops the record for a track that left the live set.
func (s *Store) Evict(id track.ID) {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
}

// Get returns a copy of one record.
func (s *Store) Get(id track.ID) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// Snapshot returns copies of all live records ordered by track ID.
func (s *Store) Snapshot() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out
}

// Len reports the number of live records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
