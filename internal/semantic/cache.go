package semantic

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/aegis/internal/clock"
	"github.com/linnemanlabs/aegis/internal/grounding"
)

// CacheConfig bounds result reuse.
type CacheConfig struct {
	// TTL is how long a completed result is served after insertion.
	TTL time.Duration

	// Capacity is the maximum number of entries; insertion beyond it evicts
	// the least-recently-used completed entry. In-flight entries are never
	// evicted: a waiter attached to one must always get its result.
	Capacity int
}

// DefaultCacheConfig returns the standard cache bounds.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 60 * time.Second, Capacity: 128}
}

// Validate rejects a zero capacity or non-positive TTL at construction time.
func (c CacheConfig) Validate() error {
	var errs []error
	if c.TTL <= 0 {
		errs = append(errs, fmt.Errorf("cache ttl %v must be positive", c.TTL))
	}
	if c.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("cache capacity %d must be positive", c.Capacity))
	}
	return errors.Join(errs...)
}

// cacheKey identifies one (fingerprint, prompt) pair.
type cacheKey struct {
	fingerprint string
	promptHash  string
}

func keyFor(fingerprint, prompt string) cacheKey {
	sum := sha256.Sum256([]byte(prompt))
	return cacheKey{fingerprint: fingerprint, promptHash: hex.EncodeToString(sum[:])}
}

type cacheEntry struct {
	key       cacheKey
	result    *grounding.Result // nil while in flight
	inflight  *Task             // non-nil until the task resolves
	expiresAt time.Time
	elem      *list.Element
}

// Cache reuses secondary-inference results keyed by content fingerprint and
// prompt hash. A lookup that misses returns a new task for the caller to
// dispatch; concurrent lookups for the same key attach to the in-flight
// task instead of duplicating it.
type Cache struct {
	cfg   CacheConfig
	clock clock.Clock

	mu      sync.Mutex
	entries map[cacheKey]*cacheEntry
	lru     *list.List // front = most recently used; completed entries only
	metrics *Metrics
}

// NewCache validates the config and builds a cache.
func NewCache(cfg CacheConfig, clk clock.Clock, metrics *Metrics) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		return nil, errors.New("clock is required")
	}
	return &Cache{
		cfg:     cfg,
		clock:   clk,
		entries: make(map[cacheKey]*cacheEntry),
		lru:     list.New(),
		metrics: metrics,
	}, nil
}

// GetOrSubmit resolves a trigger against the cache.
//
// It returns exactly one of three outcomes:
//   - a non-nil result: cache hit, nothing to dispatch;
//   - a task with created=true: cache miss, the caller must submit it;
//   - a task with created=false: another caller already has the same key in
//     flight, attach to its eventual result and do not submit.
//
// mk builds the task only on a true miss, so IDs are not minted for hits.
func (c *Cache) GetOrSubmit(fingerprint, prompt string, mk func() *Task) (*grounding.Result, *Task, bool) {
	key := keyFor(fingerprint, prompt)
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		if e.inflight != nil {
			if c.metrics != nil {
				c.metrics.CacheAttached.Inc()
			}
			return nil, e.inflight, false
		}
		if now.Before(e.expiresAt) {
			c.lru.MoveToFront(e.elem)
			if c.metrics != nil {
				c.metrics.CacheHits.Inc()
			}
			r := *e.result
			return &r, nil, false
		}
		// expired: drop and fall through to a fresh task
		c.removeLocked(e)
	}

	task := mk()
	c.entries[key] = &cacheEntry{key: key, inflight: task}
	if c.metrics != nil {
		c.metrics.CacheMisses.Inc()
	}
	return nil, task, true
}

// Complete records a finished task's result with expiry now+TTL and makes
// the entry evictable. Unknown keys (e.g. a result arriving after Fail
// already cleared the entry) are inserted fresh.
func (c *Cache) Complete(fingerprint, prompt string, result *grounding.Result) {
	key := keyFor(fingerprint, prompt)
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry{key: key}
		c.entries[key] = e
	}
	r := *result
	e.result = &r
	e.inflight = nil
	e.expiresAt = now.Add(c.cfg.TTL)
	if e.elem == nil {
		e.elem = c.lru.PushFront(e)
	} else {
		c.lru.MoveToFront(e.elem)
	}

	c.enforceCapacityLocked()
}

// Fail clears the in-flight entry so future lookups retry instead of
// attaching to a dead task.
func (c *Cache) Fail(fingerprint, prompt string) {
	key := keyFor(fingerprint, prompt)

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && e.inflight != nil {
		c.removeLocked(e)
	}
}

// Len reports the number of entries, in-flight included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// enforceCapacityLocked evicts least-recently-used completed entries until
// the completed population fits capacity. In-flight entries do not count
// against capacity and are never eligible.
func (c *Cache) enforceCapacityLocked() {
	for c.lru.Len() > c.cfg.Capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			return
		}
		c.removeLocked(oldest.Value.(*cacheEntry))
		if c.metrics != nil {
			c.metrics.CacheEvictions.Inc()
		}
	}
}

func (c *Cache) removeLocked(e *cacheEntry) {
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	delete(c.entries, e.key)
}
