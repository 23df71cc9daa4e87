// Package status reports catalog freshness for /status, /health and the gRPC
// health service.
package status

import (
	"time"

	"github.com/af-corp/tierproxy/internal/catalog"
	"github.com/af-corp/tierproxy/internal/refresh"
)

// SchedulerSource exposes the refresh scheduler's state.
type SchedulerSource interface {
	Status() refresh.Status
}

// Report is the /status document.
type Report struct {
	Generation            uint64                      `json:"generation"`
	LastSuccessfulRefresh *time.Time                  `json:"last_successful_refresh"`
	PreviousRefresh       *time.Time                  `json:"previous_refresh"`
	CacheAgeSeconds       *int64                      `json:"cache_age_seconds"`
	PerTierCounts         map[catalog.Tier]int        `json:"per_tier_counts"`
	UnhealthyCount        int                         `json:"unhealthy_count"`
	UnhealthyByReason     map[catalog.ProbeReason]int `json:"unhealthy_by_reason"`
	IsCacheReady          bool                        `json:"is_cache_ready"`
	Healthy               bool                        `json:"healthy"`
	SchedulerState        refresh.State               `json:"scheduler_state"`
	LastError             string                      `json:"last_error,omitempty"`
	LastErrorAt           *time.Time                  `json:"last_error_at,omitempty"`
	ConsecutiveFailures   int                         `json:"consecutive_failures"`
	LastCycle             *CycleSummary               `json:"last_cycle,omitempty"`
}

// CycleSummary describes the most recent refresh attempt.
type CycleSummary struct {
	ID         string    `json:"id"`
	Trigger    string    `json:"trigger"`
	Outcome    string    `json:"outcome"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
}

// Reporter assembles Reports from the cache and scheduler.
type Reporter struct {
	cache     *catalog.Cache
	scheduler SchedulerSource
	staleness func() time.Duration
	now       func() time.Time
}

// NewReporter creates a reporter. staleness is read on every call so config
// reloads apply.
func NewReporter(cache *catalog.Cache, scheduler SchedulerSource, staleness func() time.Duration) *Reporter {
	return &Reporter{cache: cache, scheduler: scheduler, staleness: staleness, now: time.Now}
}

func (r *Reporter) Report() Report {
	now := r.now()
	rep := Report{
		PerTierCounts:     make(map[catalog.Tier]int, len(catalog.Tiers())),
		UnhealthyByReason: map[catalog.ProbeReason]int{},
		SchedulerState:    refresh.StateIdle,
	}
	for _, t := range catalog.Tiers() {
		rep.PerTierCounts[t] = 0
	}

	if snap, err := r.cache.Current(); err == nil {
		rep.IsCacheReady = true
		rep.Generation = snap.Generation
		built := snap.BuiltAt
		rep.LastSuccessfulRefresh = &built
		if !snap.PreviousBuiltAt.IsZero() {
			prev := snap.PreviousBuiltAt
			rep.PreviousRefresh = &prev
		}
		age := int64(snap.Age(now).Seconds())
		rep.CacheAgeSeconds = &age
		for _, t := range catalog.Tiers() {
			rep.PerTierCounts[t] = snap.Count(t)
		}
		rep.UnhealthyCount = snap.UnhealthyCount()
		rep.UnhealthyByReason = snap.UnhealthyByReason()
		rep.Healthy = snap.Age(now) < r.staleness()
	}

	if r.scheduler != nil {
		st := r.scheduler.Status()
		rep.SchedulerState = st.State
		rep.LastError = st.LastError
		if !st.LastErrorAt.IsZero() {
			at := st.LastErrorAt
			rep.LastErrorAt = &at
		}
		rep.ConsecutiveFailures = st.ConsecutiveFailures
		if c := st.LastCycle; c != nil {
			rep.LastCycle = &CycleSummary{
				ID:         c.ID.String(),
				Trigger:    c.Trigger,
				Outcome:    string(c.Outcome),
				StartedAt:  c.StartedAt,
				DurationMs: c.Duration().Milliseconds(),
			}
		}
	}
	return rep
}

// Healthy is true once a snapshot exists and it is younger than the
// staleness threshold.
func (r *Reporter) Healthy() bool {
	snap, err := r.cache.Current()
	if err != nil {
		return false
	}
	return snap.Age(r.now()) < r.staleness()
}
