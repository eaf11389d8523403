// Package cache provides the timed caches the proxy relies on: a generic
// key/value store with per-entry TTL eviction, the bind cache of recently
// verified credentials, and the app cache of DN-to-app-marker associations.
package cache

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TimedCache is a map of keys to values where every entry is evicted a fixed
// timeout after its insertion. Overwriting an entry reschedules its eviction.
//
// All operations serialize on an internal mutex, so lookup-then-act sequences
// performed by a single caller observe a consistent cache. Eviction handlers
// are conditional removes: a timer that fires late, after its entry was
// overwritten, leaves the newer entry intact.
//
// Lookups re-check entry freshness even though eviction should have removed
// stale entries; a stale hit indicates a missed timer callback and is logged
// as an internal inconsistency.
type TimedCache[K comparable, V comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]

	name    string
	timeout time.Duration
	clock   Clock
	metrics *Metrics
	log     zerolog.Logger
}

type entry[V comparable] struct {
	value      V
	insertedAt time.Time
	evict      Timer
}

// NewTimedCache creates a cache whose entries live for timeout. The name is
// used in log output only. A nil metrics disables counting.
func NewTimedCache[K comparable, V comparable](name string, timeout time.Duration, clock Clock, metrics *Metrics) *TimedCache[K, V] {
	return &TimedCache[K, V]{
		entries: make(map[K]*entry[V]),
		name:    name,
		timeout: timeout,
		clock:   clock,
		metrics: metrics,
		log:     log.With().Str("cache", name).Logger(),
	}
}

// Add inserts or overwrites the entry for key. The eviction scheduled for a
// previous entry under the same key is cancelled and a new one is scheduled
// at now + timeout.
func (c *TimedCache[K, V]) Add(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.evict.Stop()
	}

	c.entries[key] = &entry[V]{
		value:      value,
		insertedAt: c.clock.Now(),
		evict:      c.clock.AfterFunc(c.timeout, func() { c.Remove(key, value) }),
	}

	if c.metrics != nil {
		c.metrics.Insertions.Add(1)
	}
}

// Lookup returns the value stored for key, if it exists and is still fresh.
// A present-but-stale entry is treated as absent.
func (c *TimedCache[K, V]) Lookup(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V

	e, ok := c.entries[key]
	if !ok {
		c.miss()
		return zero, false
	}

	if c.clock.Now().Sub(e.insertedAt) >= c.timeout {
		c.log.Warn().
			Time("inserted_at", e.insertedAt).
			Msg("Inconsistent cache: entry outlived its timeout, treating as absent")
		if c.metrics != nil {
			c.metrics.Inconsistencies.Add(1)
		}
		c.miss()

		return zero, false
	}

	if c.metrics != nil {
		c.metrics.Hits.Add(1)
	}

	return e.value, true
}

// Remove deletes the entry for key, but only if its stored value equals
// expected. A mismatch leaves the entry intact and is logged; a missing entry
// is a no-op. This conditional form makes late eviction timers idempotent.
func (c *TimedCache[K, V]) Remove(key K, expected V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.log.Debug().Msg("Removal skipped, entry is not cached")
		return
	}

	if e.value != expected {
		c.log.Warn().Msg("Removal skipped, entry holds a different value")
		return
	}

	e.evict.Stop()
	delete(c.entries, key)

	if c.metrics != nil {
		c.metrics.Evictions.Add(1)
	}
}

// Len returns the number of entries currently stored, including entries whose
// eviction is overdue.
func (c *TimedCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

func (c *TimedCache[K, V]) miss() {
	if c.metrics != nil {
		c.metrics.Misses.Add(1)
	}
}
