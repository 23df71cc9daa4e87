package catalog

import (
	"sync"
	"sync/atomic"
	"time"
)

// Build is the output of one refresh cycle, handed to Cache.Publish.
// Entries may include unhealthy models; Publish drops and counts them.
type Build struct {
	Entries map[Tier][]Entry
	Stats   BuildStats
	BuiltAt time.Time
}

// Cache holds the current catalog snapshot. Readers load the pointer without
// locking; Publish is the only mutation and replaces the snapshot wholesale.
type Cache struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

func NewCache() *Cache {
	return &Cache{}
}

// Current returns the published snapshot, or ErrNotReady before the first publish.
func (c *Cache) Current() (*Snapshot, error) {
	s := c.current.Load()
	if s == nil {
		return nil, ErrNotReady
	}
	return s, nil
}

// Ready reports whether a snapshot has been published.
func (c *Cache) Ready() bool {
	return c.current.Load() != nil
}

// Generation returns the current generation, 0 before the first publish.
func (c *Cache) Generation() uint64 {
	if s := c.current.Load(); s != nil {
		return s.Generation
	}
	return 0
}

// Publish builds a new snapshot from b and swaps it in. The generation is
// exactly one above the replaced snapshot's.
func (c *Cache) Publish(b Build) *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.current.Load()
	next := &Snapshot{
		Generation: 1,
		BuiltAt:    b.BuiltAt,
		Stats:      b.Stats,
		tiers:      make(map[Tier][]Entry, len(b.Entries)),
	}
	if next.BuiltAt.IsZero() {
		next.BuiltAt = time.Now()
	}
	if prev != nil {
		next.Generation = prev.Generation + 1
		next.PreviousBuiltAt = prev.BuiltAt
	}

	tierStats := make(map[Tier]TierStats, len(Tiers()))
	for tier, ts := range b.Stats.Tiers {
		tierStats[tier] = ts
	}
	for _, tier := range Tiers() {
		entries := b.Entries[tier]
		healthy := make([]Entry, 0, len(entries))
		ts := tierStats[tier]
		ts.Healthy, ts.Unhealthy = 0, 0
		ts.ByReason = make(map[ProbeReason]int)
		for _, e := range entries {
			if e.Health.IsHealthy() {
				healthy = append(healthy, e)
				ts.Healthy++
				continue
			}
			ts.Unhealthy++
			ts.ByReason[e.Health.Reason]++
		}
		if ts.Classified < len(entries) {
			ts.Classified = len(entries)
		}
		tierStats[tier] = ts
		next.tiers[tier] = healthy
	}
	next.Stats.Tiers = tierStats

	c.current.Store(next)
	return next
}
