package cache

import "sync/atomic"

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	// Keys is the number of keys in the table.
	Keys int

	// Pending is the number of creations in flight.
	Pending int

	// KeyHits counts CreateKey calls that found an existing key.
	KeyHits uint64

	// KeyMisses counts CreateKey calls that inserted a new key.
	KeyMisses uint64

	// InstallHits counts Install calls that found a created object.
	InstallHits uint64

	// InstallMisses counts Install calls that dispatched a creation.
	InstallMisses uint64

	// Dispatched counts creations started.
	Dispatched uint64

	// Created counts creations that succeeded.
	Created uint64

	// Failed counts keys that failed, including dependency failures.
	Failed uint64

	// Evicted counts keys removed by garbage collection.
	Evicted uint64
}

// HitRate returns the fraction of Install calls served by an existing object.
func (s Stats) HitRate() float64 {
	total := s.InstallHits + s.InstallMisses
	if total == 0 {
		return 0
	}
	return float64(s.InstallHits) / float64(total)
}

// counters holds the live atomic counters behind Stats.
type counters struct {
	keyHits       atomic.Uint64
	keyMisses     atomic.Uint64
	installHits   atomic.Uint64
	installMisses atomic.Uint64
	dispatched    atomic.Uint64
	created       atomic.Uint64
	failed        atomic.Uint64
	evicted       atomic.Uint64
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[K, V]) Stats() Stats {
	return Stats{
		Keys:          c.table.len(),
		Pending:       c.pending.len(),
		KeyHits:       c.stats.keyHits.Load(),
		KeyMisses:     c.stats.keyMisses.Load(),
		InstallHits:   c.stats.installHits.Load(),
		InstallMisses: c.stats.installMisses.Load(),
		Dispatched:    c.stats.dispatched.Load(),
		Created:       c.stats.created.Load(),
		Failed:        c.stats.failed.Load(),
		Evicted:       c.stats.evicted.Load(),
	}
}

// ResetStats zeroes the counters. Keys and Pending are live values and are
// not affected.
func (c *Cache[K, V]) ResetStats() {
	c.stats.keyHits.Store(0)
	c.stats.keyMisses.Store(0)
	c.stats.installHits.Store(0)
	c.stats.installMisses.Store(0)
	c.stats.dispatched.Store(0)
	c.stats.created.Store(0)
	c.stats.failed.Store(0)
	c.stats.evicted.Store(0)
}
