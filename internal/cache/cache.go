// Package cache provides a generic in-memory TTL cache with capacity eviction and hit/miss accounting.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	defaultMaxEntries      = 100
	defaultTTL             = 5 * time.Minute
	defaultCleanupInterval = time.Minute
	evictionFraction       = 10
)

// Config controls capacity, default TTL and sweep cadence.
type Config struct {
	MaxEntries      int
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	Clock           func() time.Time
}

// Entry is a stored value with its bookkeeping.
type Entry[V any] struct {
	Value        V
	CreatedAt    time.Time
	ExpiresAt    time.Time
	AccessCount  int64
	LastAccessed time.Time
}

func (entry *Entry[V]) expired(now time.Time) bool {
	return now.After(entry.ExpiresAt)
}

// Stats reports advisory counters for diagnosing cache effectiveness.
type Stats struct {
	Hits      int64
	Misses    int64
	Sets      int64
	Deletes   int64
	Evictions int64
	Expired   int64
	Size      int
}

// HitRate returns hits / (hits + misses), or 0 without lookups.
func (stats Stats) HitRate() float64 {
	total := stats.Hits + stats.Misses
	if total == 0 {
		return 0
	}
	return float64(stats.Hits) / float64(total)
}

// Cache is a TTL-bounded key/value store with creation-order capacity eviction.
type Cache[V any] struct {
	mu              sync.Mutex
	entries         map[string]*Entry[V]
	maxEntries      int
	defaultTTL      time.Duration
	cleanupInterval time.Duration
	clock           func() time.Time
	stats           Stats
}

// New constructs a cache, filling unset config fields with defaults.
func New[V any](cfg Config) *Cache[V] {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Cache[V]{
		entries:         make(map[string]*Entry[V]),
		maxEntries:      maxEntries,
		defaultTTL:      ttl,
		cleanupInterval: interval,
		clock:           clock,
	}
}

// Set stores value under key for ttl (the default TTL when ttl <= 0).
// Inserting a new key into a full cache evicts the oldest tenth first.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	now := c.clock()
	c.entries[key] = &Entry[V]{
		Value:        value,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastAccessed: now,
	}
	c.stats.Sets++
}

// Get returns the live value stored under key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	entry, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	now := c.clock()
	if entry.expired(now) {
		delete(c.entries, key)
		c.stats.Expired++
		c.stats.Misses++
		return zero, false
	}
	entry.AccessCount++
	entry.LastAccessed = now
	c.stats.Hits++
	return entry.Value, true
}

// Has reports whether key holds a live value. It does not touch hit/miss counters.
func (c *Cache[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	if entry.expired(c.clock()) {
		delete(c.entries, key)
		c.stats.Expired++
		return false
	}
	return true
}

// Delete removes key and reports whether it was present.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	c.stats.Deletes++
	return true
}

// DeleteFunc removes every key matching the predicate and returns how many were removed.
func (c *Cache[V]) DeleteFunc(match func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if match(key) {
			delete(c.entries, key)
			removed++
		}
	}
	c.stats.Deletes += int64(removed)
	return removed
}

// Cleanup sweeps expired entries and returns how many were removed.
func (c *Cache[V]) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	removed := 0
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	c.stats.Expired += int64(removed)
	return removed
}

// Clear drops every entry. Counters are kept.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry[V])
}

// Len returns the number of physically stored entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := c.stats
	snapshot.Size = len(c.entries)
	return snapshot
}

// Run sweeps expired entries every cleanup interval until ctx is done.
func (c *Cache[V]) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Cleanup()
		}
	}
}

// evictOldestLocked removes the oldest tenth of entries by creation time, at least one.
func (c *Cache[V]) evictOldestLocked() {
	if len(c.entries) == 0 {
		return
	}
	type aged struct {
		key       string
		createdAt time.Time
	}
	ordered := make([]aged, 0, len(c.entries))
	for key, entry := range c.entries {
		ordered = append(ordered, aged{key: key, createdAt: entry.CreatedAt})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].createdAt.Equal(ordered[j].createdAt) {
			return ordered[i].key < ordered[j].key
		}
		return ordered[i].createdAt.Before(ordered[j].createdAt)
	})

	count := len(ordered) / evictionFraction
	if count < 1 {
		count = 1
	}
	for _, victim := range ordered[:count] {
		delete(c.entries, victim.key)
	}
	c.stats.Evictions += int64(count)
}
