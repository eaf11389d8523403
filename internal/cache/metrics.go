package cache

import "sync/atomic"

// Metrics tracks operational statistics for a cache.
// All counters use atomic operations so they can be read while the cache is
// serving lookups.
type Metrics struct {
	Insertions      atomic.Int64 // Total entries added (including overwrites)
	Evictions       atomic.Int64 // Total entries removed, by timeout or conditional remove
	Hits            atomic.Int64 // Successful lookups
	Misses          atomic.Int64 // Failed lookups
	Inconsistencies atomic.Int64 // Stale entries found by a lookup before their eviction fired
}

// Snapshot is a point-in-time copy of the counters, suitable for JSON output.
type Snapshot struct {
	Insertions      int64 `json:"insertions"`
	Evictions       int64 `json:"evictions"`
	Hits            int64 `json:"hits"`
	Misses          int64 `json:"misses"`
	Inconsistencies int64 `json:"inconsistencies"`
}

// Snapshot returns a copy of the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	return Snapshot{
		Insertions:      m.Insertions.Load(),
		Evictions:       m.Evictions.Load(),
		Hits:            m.Hits.Load(),
		Misses:          m.Misses.Load(),
		Inconsistencies: m.Inconsistencies.Load(),
	}
}
