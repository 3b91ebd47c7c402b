// Package ttlcache provides a small in-memory cache with per-entry expiry.
//
// It backs the lookups the collaborators make against third-party APIs:
// resolved client locations and hourly forecasts per coordinate.
package ttlcache

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultMaxEntries bounds the cache when no explicit limit is given.
const DefaultMaxEntries = 4096

// Cache is a TTL cache safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu         sync.RWMutex
	entries    map[K]entry[V]
	ttl        time.Duration
	maxEntries int
	clock      clockwork.Clock
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// New creates a cache whose entries live for ttl.
// A non-positive ttl yields a cache that never stores anything.
func New[K comparable, V any](ttl time.Duration, maxEntries int, clock clockwork.Clock) *Cache[K, V] {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache[K, V]{
		entries:    make(map[K]entry[V]),
		ttl:        ttl,
		maxEntries: maxEntries,
		clock:      clock,
	}
}

// Get returns the value for key if present and not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || c.clock.Now().After(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key until now+ttl.
func (c *Cache[K, V]) Set(key K, value V) {
	if c.ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[key] = entry[V]{value: value, expiresAt: now.Add(c.ttl)}
}

// evictLocked drops expired entries, then the entry closest to expiry if the
// cache is still full.
func (c *Cache[K, V]) evictLocked(now time.Time) {
	var (
		oldestKey K
		oldestAt  time.Time
		found     bool
	)
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			continue
		}
		if !found || e.expiresAt.Before(oldestAt) {
			oldestKey, oldestAt, found = k, e.expiresAt, true
		}
	}
	if len(c.entries) >= c.maxEntries && found {
		delete(c.entries, oldestKey)
	}
}

// Len returns the number of stored entries, including expired ones not yet evicted.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear removes all entries.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]entry[V])
}
