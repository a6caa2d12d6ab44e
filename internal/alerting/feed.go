package alerting

import (
	"sync"
)

// Feed is the ordered, append-only alert feed. Alerts are appended by the
// frame pass in creation order; readers snapshot under the lock so they
// never see a partially appended feed.
type Feed struct {
	mu     sync.RWMutex
	alerts []*Alert
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{}
}

// Append adds an alert to the feed.
func (f *Feed) Append(a *Alert) {
	f.mu.Lock()
	f.alerts = append(f.alerts, a)
	f.mu.Unlock()
}

// Snapshot returns copies of the most recent limit alerts in creation order.
// limit <= 0 returns the whole feed.
func (f *Feed) Snapshot(limit int) []Alert {
	f.mu.RLock()
	defer f.mu.RUnlock()

	start := 0
	if limit > 0 && len(f.alerts) > limit {
		start = len(f.alerts) - limit
	}
	out := make([]Alert, 0, len(f.alerts)-start)
	for _, a := range f.alerts[start:] {
		out = append(out, *a)
	}
	return out
}

// Acknowledge sets the acknowledgement flag on the alert with the given ID.
// The flag is owned by the consuming API layer; the core never reads it.
func (f *Feed) Acknowledge(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.alerts {
		if a.ID == id {
			a.Acknowledged = true
			return true
		}
	}
	return false
}

// Len reports the number of alerts emitted so far.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.alerts)
}
