package cache

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"
)

// Criticality tiers drive the default lifetime of a cached result
type Criticality string

const (
	CriticalityLow      Criticality = "low"
	CriticalityMedium   Criticality = "medium"
	CriticalityHigh     Criticality = "high"
	CriticalityCritical Criticality = "critical"
)

const (
	// DefaultMaxEntries bounds the cache when no size is given
	DefaultMaxEntries = 1000

	minTTL = 15 * time.Minute
	maxTTL = 480 * time.Minute
)

var criticalityTTL = map[Criticality]time.Duration{
	CriticalityLow:      240 * time.Minute,
	CriticalityMedium:   120 * time.Minute,
	CriticalityHigh:     60 * time.Minute,
	CriticalityCritical: 15 * time.Minute,
}

// SetOptions controls how long an entry lives and when it is considered stale
type SetOptions struct {
	// ContentHash ties the entry to the data it was computed from
	ContentHash string
	// TTL overrides the criticality-derived lifetime when positive
	TTL         time.Duration
	Criticality Criticality
	// DataStability is a 1-100 score; 0 means unknown
	DataStability int
}

// ComputeTTL picks an entry lifetime: explicit TTL, else the criticality
// base scaled by data stability.
func ComputeTTL(opts SetOptions) time.Duration {
	if opts.TTL > 0 {
		return opts.TTL
	}
	ttl, ok := criticalityTTL[opts.Criticality]
	if !ok {
		ttl = criticalityTTL[CriticalityMedium]
	}
	switch {
	case opts.DataStability == 0:
	case opts.DataStability > 90:
		ttl *= 2
		if ttl > maxTTL {
			ttl = maxTTL
		}
	case opts.DataStability < 50:
		ttl /= 2
		if ttl < minTTL {
			ttl = minTTL
		}
	}
	return ttl
}

type entry[V any] struct {
	value         V
	contentHash   string
	createdAt     time.Time
	expiresAt     time.Time
	hitCount      int
	lastAccess    time.Time
	criticality   Criticality
	dataStability int
}

// CacheStats is a point-in-time view of the cache
type CacheStats struct {
	Entries           int        `json:"entries"`
	MaxEntries        int        `json:"max_entries"`
	Hits              int64      `json:"hits"`
	Misses            int64      `json:"misses"`
	HitRate           float64    `json:"hit_rate"`
	Evictions         int64      `json:"evictions"`
	ContentMismatches int64      `json:"content_mismatches"`
	OldestEntry       *time.Time `json:"oldest_entry,omitempty"`
	NewestEntry       *time.Time `json:"newest_entry,omitempty"`
	MemoryBytes       int64      `json:"memory_bytes"`
}

// Option configures a ResultCache
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// ResultCache is an in-memory, content-addressed TTL cache for analysis
// results. Every operation holds the cache lock for its whole
// read-check-write.
type ResultCache[V any] struct {
	mu         sync.Mutex
	entries    map[string]*entry[V]
	order      []string
	maxEntries int
	now        func() time.Time

	hits              int64
	misses            int64
	evictions         int64
	contentMismatches int64
}

// NewResultCache creates a cache holding at most maxEntries values
func NewResultCache[V any](maxEntries int, opts ...Option) *ResultCache[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &ResultCache[V]{
		entries:    make(map[string]*entry[V]),
		maxEntries: maxEntries,
		now:        o.now,
	}
}

// Get returns the value for key. An expired entry, or one whose stored hash
// differs from a non-empty contentHash, is deleted and reported as a miss.
func (c *ResultCache[V]) Get(key, contentHash string) (V, bool) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}

	now := c.now()
	if !now.Before(e.expiresAt) {
		c.remove(key)
		c.misses++
		c.evictions++
		return zero, false
	}

	if contentHash != "" && e.contentHash != contentHash {
		c.remove(key)
		c.misses++
		c.contentMismatches++
		return zero, false
	}

	e.hitCount++
	e.lastAccess = now
	c.hits++
	return e.value, true
}

// Set stores value under key, replacing any existing entry
func (c *ResultCache[V]) Set(key string, value V, opts SetOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; exists {
		c.remove(key)
	} else if len(c.entries) >= c.maxEntries {
		c.evictLeastValuable(now)
	}

	criticality := opts.Criticality
	if criticality == "" {
		criticality = CriticalityMedium
	}
	c.entries[key] = &entry[V]{
		value:         value,
		contentHash:   opts.ContentHash,
		createdAt:     now,
		expiresAt:     now.Add(ComputeTTL(opts)),
		lastAccess:    now,
		criticality:   criticality,
		dataStability: opts.DataStability,
	}
	c.order = append(c.order, key)
}

// Invalidate removes every key matching the regular expression pattern
func (c *ResultCache[V]) Invalidate(pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("invalid invalidation pattern %q: %w", pattern, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var matched []string
	for _, key := range c.order {
		if re.MatchString(key) {
			matched = append(matched, key)
		}
	}
	for _, key := range matched {
		c.remove(key)
	}
	return len(matched), nil
}

// InvalidateKeys removes the given exact keys and returns how many existed
func (c *ResultCache[V]) InvalidateKeys(keys ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range keys {
		if _, ok := c.entries[key]; ok {
			c.remove(key)
			removed++
		}
	}
	return removed
}

// Clear drops all entries. Counters are kept.
func (c *ResultCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry[V])
	c.order = nil
}

// Stats reports counters and an estimate of the serialized size of the cache
func (c *ResultCache[V]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Entries:           len(c.entries),
		MaxEntries:        c.maxEntries,
		Hits:              c.hits,
		Misses:            c.misses,
		Evictions:         c.evictions,
		ContentMismatches: c.contentMismatches,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}

	for key, e := range c.entries {
		if stats.OldestEntry == nil || e.createdAt.Before(*stats.OldestEntry) {
			t := e.createdAt
			stats.OldestEntry = &t
		}
		if stats.NewestEntry == nil || e.createdAt.After(*stats.NewestEntry) {
			t := e.createdAt
			stats.NewestEntry = &t
		}
		stats.MemoryBytes += int64(len(key) + len(e.contentHash))
		if b, err := json.Marshal(e.value); err == nil {
			stats.MemoryBytes += int64(len(b))
		}
	}
	return stats
}

// evictLeastValuable drops the entry with the lowest hits per minute of age.
// Ties go to the entry inserted first.
func (c *ResultCache[V]) evictLeastValuable(now time.Time) {
	victim := ""
	lowest := 0.0
	for _, key := range c.order {
		e := c.entries[key]
		age := now.Sub(e.createdAt).Minutes()
		if age < 1.0/60 {
			age = 1.0 / 60
		}
		score := float64(e.hitCount) / age
		if victim == "" || score < lowest {
			victim = key
			lowest = score
		}
	}
	if victim != "" {
		c.remove(victim)
		c.evictions++
	}
}

// remove must be called with the lock held
func (c *ResultCache[V]) remove(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
