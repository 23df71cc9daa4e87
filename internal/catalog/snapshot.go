package catalog

import (
	"errors"
	"slices"
	"time"
)

var (
	// ErrNotReady is returned until the first refresh cycle has published a snapshot.
	ErrNotReady = errors.New("model catalog not ready")
	// ErrModelNotFound is returned when a model is absent from a tier, including
	// models that exist upstream but failed their health check.
	ErrModelNotFound = errors.New("model not found in tier")
)

// Entry pairs a descriptor with the health status that admitted it.
type Entry struct {
	Descriptor Descriptor   `json:"descriptor"`
	Health     HealthStatus `json:"health"`
}

// TierStats summarises one tier of a refresh cycle.
type TierStats struct {
	Classified int                 `json:"classified"`
	Healthy    int                 `json:"healthy"`
	Unhealthy  int                 `json:"unhealthy"`
	ByReason   map[ProbeReason]int `json:"by_reason,omitempty"`
}

// BuildStats summarises the cycle that produced a snapshot.
type BuildStats struct {
	Fetched  int                `json:"fetched"`
	Excluded int                `json:"excluded"`
	Denied   int                `json:"denied"`
	Probed   int                `json:"probed"`
	Reused   int                `json:"reused"`
	Tiers    map[Tier]TierStats `json:"tiers"`
	Duration time.Duration      `json:"duration"`
}

// Snapshot is an immutable, fully built view of the catalog. Only healthy
// entries are ever reachable through it.
type Snapshot struct {
	Generation      uint64
	BuiltAt         time.Time
	PreviousBuiltAt time.Time
	Stats           BuildStats

	tiers map[Tier][]Entry
}

// Models returns a copy of the healthy entries for tier in upstream order.
func (s *Snapshot) Models(tier Tier) []Entry {
	return slices.Clone(s.tiers[tier])
}

// Lookup finds a model in tier by full or display ID. The first match in
// upstream order wins when display IDs collide.
func (s *Snapshot) Lookup(tier Tier, id string) (Entry, error) {
	for _, e := range s.tiers[tier] {
		if e.Descriptor.MatchesID(id) {
			return e, nil
		}
	}
	return Entry{}, ErrModelNotFound
}

// Count returns the number of healthy models in tier.
func (s *Snapshot) Count(tier Tier) int {
	return len(s.tiers[tier])
}

// UnhealthyCount totals unhealthy models across tiers.
func (s *Snapshot) UnhealthyCount() int {
	n := 0
	for _, ts := range s.Stats.Tiers {
		n += ts.Unhealthy
	}
	return n
}

// UnhealthyByReason totals unhealthy models per reason across tiers.
func (s *Snapshot) UnhealthyByReason() map[ProbeReason]int {
	out := make(map[ProbeReason]int)
	for _, ts := range s.Stats.Tiers {
		for r, n := range ts.ByReason {
			out[r] += n
		}
	}
	return out
}

// Age is the time elapsed since the snapshot was built.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.BuiltAt)
}
