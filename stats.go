package fluidcache

import (
	"time"

	"go.uber.org/atomic"
)

// counters is the mutable statistics block shared by the facade and the
// lifespan manager.
//
// current tracks live admissions; total is the cumulative unique count
// since the last index rebuild (rebuilds reset it to current). The bag
// indices are kept on the manager and mirrored into snapshots.
type counters struct {
	hits    atomic.Int64
	misses  atomic.Int64
	current atomic.Int64
	total   atomic.Int64
}

func (s *counters) reset() {
	s.hits.Store(0)
	s.misses.Store(0)
	s.current.Store(0)
	s.total.Store(0)
}

// Stats is a point-in-time snapshot of cache statistics.
type Stats struct {
	// Capacity is the configured target item count.
	Capacity int
	// Current is the number of live items.
	Current int64
	// SinceCreation is the cumulative count of unique admissions since
	// the last rebuild or clear.
	SinceCreation int64
	// Hits and Misses count Get outcomes since the last clear. Add also
	// records a miss for each value it admits as a new entry.
	Hits   int64
	Misses int64
	// OldestBagIndex and CurrentBagIndex delimit the occupied part of
	// the bag ring.
	OldestBagIndex  int64
	CurrentBagIndex int64
	// BagCount is the ring length; BagItemLimit is the per-bag admission
	// count that forces a cleanup pass.
	BagCount     int
	BagItemLimit int64
	// Retention configuration, after normalization.
	MinAge          time.Duration
	MaxAge          time.Duration
	CleanupInterval time.Duration
}

// HitRate returns Hits / (Hits + Misses), or 0 when no Get has run.
func (s Stats) HitRate() float64 {
	lookups := s.Hits + s.Misses
	if lookups == 0 {
		return 0
	}
	return float64(s.Hits) / float64(lookups)
}
