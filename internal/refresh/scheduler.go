// Package refresh runs the background cycle that rebuilds the model catalog:
// fetch, classify, admit, probe, then publish a new snapshot.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/af-corp/tierproxy/internal/catalog"
	"github.com/af-corp/tierproxy/internal/history"
	"github.com/af-corp/tierproxy/internal/probe"
	"github.com/af-corp/tierproxy/internal/telemetry"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Fetcher lists the upstream catalog.
type Fetcher interface {
	FetchModels(ctx context.Context) ([]catalog.Descriptor, error)
}

// Prober health-checks candidates; results are index-aligned.
type Prober interface {
	ProbeAll(ctx context.Context, candidates []probe.Candidate) []catalog.HealthStatus
}

// Admitter decides whether a classified model may be listed.
type Admitter interface {
	Admit(ctx context.Context, d catalog.Descriptor, tier catalog.Tier) bool
}

// Pruner drops per-model state for models no longer listed.
type Pruner interface {
	Prune(keep map[string]struct{})
}

// Options configure a Scheduler.
type Options struct {
	// Interval between scheduled cycles. Ignored when Cron is set.
	Interval time.Duration
	// Cron is a standard five-field cron expression.
	Cron string
	// RecheckExisting probes every candidate each cycle. When false, models
	// healthy in the current snapshot keep their status.
	RecheckExisting bool

	// Classifier returns the active rule table; read once per cycle.
	Classifier func() *catalog.Classifier
	// EnabledTiers returns the tiers to populate; read once per cycle.
	EnabledTiers func() []catalog.Tier
}

// Deps are the collaborators of a Scheduler. Admitter, Pruner, Recorder and
// Metrics are optional.
type Deps struct {
	Cache    *catalog.Cache
	Fetcher  Fetcher
	Prober   Prober
	Admitter Admitter
	Pruner   Pruner
	Recorder history.Recorder
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

// Status is the scheduler's externally visible state.
type Status struct {
	State               State
	LastError           string
	LastErrorAt         time.Time
	ConsecutiveFailures int
	LastCycle           *history.Cycle
}

// Scheduler owns the write side of the catalog cache.
type Scheduler struct {
	deps Deps
	opts Options

	state   atomic.Int32
	trigger chan string
	now     func() time.Time

	mu sync.Mutex

	// busy is set from the moment a trigger is accepted, or a cycle starts,
	// until that cycle returns. Guarded by mu.
	busy                bool
	lastErr             string
	lastErrAt           time.Time
	consecutiveFailures int
	lastCycle           *history.Cycle
}

func NewScheduler(opts Options, deps Deps) *Scheduler {
	if deps.Recorder == nil {
		deps.Recorder = history.Noop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.Classifier == nil {
		def := catalog.NewDefaultClassifier()
		opts.Classifier = func() *catalog.Classifier { return def }
	}
	if opts.EnabledTiers == nil {
		opts.EnabledTiers = catalog.Tiers
	}
	return &Scheduler{
		deps:    deps,
		opts:    opts,
		trigger: make(chan string, 1),
		now:     time.Now,
	}
}

// Schedule returns the cron schedule for opts.
func Schedule(opts Options) (cron.Schedule, error) {
	if opts.Cron != "" {
		s, err := cron.ParseStandard(opts.Cron)
		if err != nil {
			return nil, fmt.Errorf("parse refresh cron %q: %w", opts.Cron, err)
		}
		return s, nil
	}
	if opts.Interval <= 0 {
		return nil, errors.New("refresh interval must be positive")
	}
	return cron.Every(opts.Interval), nil
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
}

// Trigger requests an immediate cycle. It returns false, and does nothing,
// when a cycle is running or another trigger is already pending.
func (s *Scheduler) Trigger(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	select {
	case s.trigger <- reason:
		s.busy = true
		s.deps.Logger.Info("refresh triggered", "trigger", reason)
		return true
	default:
		return false
	}
}

func (s *Scheduler) claim() {
	s.mu.Lock()
	s.busy = true
	s.mu.Unlock()
}

func (s *Scheduler) release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// Status reports the scheduler state and the last failure, if any.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:               s.State(),
		LastError:           s.lastErr,
		LastErrorAt:         s.lastErrAt,
		ConsecutiveFailures: s.consecutiveFailures,
	}
	if s.lastCycle != nil {
		c := *s.lastCycle
		st.LastCycle = &c
	}
	return st
}

// Run executes a cycle immediately, then on every scheduled tick and trigger
// until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	sched, err := Schedule(s.opts)
	if err != nil {
		return err
	}

	// The startup cycle holds the claim before the first tick can fire.
	s.claim()

	c := cron.New(cron.WithLogger(cron.PrintfLogger(slog.NewLogLogger(s.deps.Logger.Handler(), slog.LevelDebug))))
	c.Schedule(sched, cron.FuncJob(func() { s.Trigger(TriggerScheduled) }))
	c.Start()
	defer func() { <-c.Stop().Done() }()

	s.deps.Logger.Info("refresh scheduler started",
		"interval", s.opts.Interval,
		"cron", s.opts.Cron,
		"next", sched.Next(s.now()),
	)

	s.RunCycle(ctx, TriggerStartup)
	for {
		select {
		case <-ctx.Done():
			s.deps.Logger.Info("refresh scheduler stopped")
			return nil
		case reason := <-s.trigger:
			s.RunCycle(ctx, reason)
		}
	}
}

// RunCycle performs one full refresh. On success the new snapshot is
// published and returned. Fetch failures and cancellation leave the current
// snapshot in place.
func (s *Scheduler) RunCycle(ctx context.Context, trigger string) (*catalog.Snapshot, error) {
	started := s.now()
	cycle := history.NewCycle(trigger, started)
	logger := s.deps.Logger.With("cycle_id", cycle.ID.String(), "trigger", trigger)

	ctx, span := telemetry.Tracer().Start(ctx, "refresh.cycle", trace.WithAttributes(
		attribute.String("trigger", trigger),
	))
	defer span.End()
	s.claim()
	defer s.release()
	defer s.setState(StateIdle)

	s.setState(StateFetching)
	descriptors, err := s.deps.Fetcher.FetchModels(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.discard(ctx, &cycle, logger)
			return nil, ctx.Err()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		s.fail(ctx, &cycle, fmt.Errorf("fetch models: %w", err), logger)
		return nil, err
	}
	cycle.Fetched = len(descriptors)

	s.setState(StateClassifying)
	candidates, stats := s.classify(ctx, descriptors)
	cycle.Excluded, cycle.Denied = stats.Excluded, stats.Denied
	s.deps.Metrics.RecordAdmissionDenied(stats.Denied)

	s.setState(StateHealthChecking)
	statuses, probed := s.check(ctx, candidates, &stats)
	if ctx.Err() != nil {
		s.discard(ctx, &cycle, logger)
		return nil, ctx.Err()
	}
	cycle.Probed = probed

	s.setState(StateSwapping)
	entries := make(map[catalog.Tier][]catalog.Entry)
	for i, cand := range candidates {
		entries[cand.Tier] = append(entries[cand.Tier], catalog.Entry{Descriptor: cand.Descriptor, Health: statuses[i]})
	}
	finished := s.now()
	stats.Duration = finished.Sub(started)
	snap := s.deps.Cache.Publish(catalog.Build{Entries: entries, Stats: stats, BuiltAt: finished})

	s.deps.Metrics.SetCatalog(snap)
	s.deps.Metrics.RecordRefresh("success", stats.Duration)
	if s.deps.Pruner != nil {
		s.deps.Pruner.Prune(listedIDs(snap))
	}

	cycle.Outcome = history.OutcomeSuccess
	cycle.FinishedAt = finished
	cycle.Generation = snap.Generation
	cycle.FreeCount = snap.Count(catalog.TierFree)
	cycle.StealthCount = snap.Count(catalog.TierStealth)
	cycle.UnhealthyByReason = reasonCounts(snap.UnhealthyByReason())
	s.finish(ctx, cycle, logger)

	s.mu.Lock()
	s.consecutiveFailures = 0
	s.mu.Unlock()

	span.SetAttributes(
		attribute.Int64("generation", int64(snap.Generation)),
		attribute.Int("fetched", stats.Fetched),
		attribute.Int("probed", probed),
	)
	logger.Info("catalog refreshed",
		"generation", snap.Generation,
		"fetched", stats.Fetched,
		"excluded", stats.Excluded,
		"denied", stats.Denied,
		"probed", probed,
		"reused", stats.Reused,
		"free", cycle.FreeCount,
		"stealth", cycle.StealthCount,
		"unhealthy", snap.UnhealthyCount(),
		"duration", stats.Duration,
	)
	return snap, nil
}

// classify sorts descriptors into tier candidates in upstream order,
// dropping excluded models, disabled tiers and policy denials.
func (s *Scheduler) classify(ctx context.Context, descriptors []catalog.Descriptor) ([]probe.Candidate, catalog.BuildStats) {
	classifier := s.opts.Classifier()
	enabled := s.opts.EnabledTiers()
	stats := catalog.BuildStats{
		Fetched: len(descriptors),
		Tiers:   make(map[catalog.Tier]catalog.TierStats),
	}

	var candidates []probe.Candidate
	for _, d := range descriptors {
		tier, ok := classifier.Classify(d).Tier()
		if !ok || !slices.Contains(enabled, tier) {
			stats.Excluded++
			continue
		}
		if s.deps.Admitter != nil && !s.deps.Admitter.Admit(ctx, d, tier) {
			stats.Denied++
			continue
		}
		ts := stats.Tiers[tier]
		ts.Classified++
		stats.Tiers[tier] = ts
		candidates = append(candidates, probe.Candidate{Descriptor: d, Tier: tier})
	}
	return candidates, stats
}

// check resolves a health status for every candidate, reusing healthy
// statuses from the current snapshot unless RecheckExisting is set.
func (s *Scheduler) check(ctx context.Context, candidates []probe.Candidate, stats *catalog.BuildStats) ([]catalog.HealthStatus, int) {
	statuses := make([]catalog.HealthStatus, len(candidates))
	known := s.knownHealthy()

	var (
		pending []probe.Candidate
		slots   []int
	)
	for i, cand := range candidates {
		if st, ok := known[cand.Tier][cand.Descriptor.ID]; ok {
			statuses[i] = st
			stats.Reused++
			continue
		}
		pending = append(pending, cand)
		slots = append(slots, i)
	}

	results := s.deps.Prober.ProbeAll(ctx, pending)
	for j, i := range slots {
		statuses[i] = results[j]
	}
	stats.Probed = len(pending)
	return statuses, len(pending)
}

func (s *Scheduler) knownHealthy() map[catalog.Tier]map[string]catalog.HealthStatus {
	if s.opts.RecheckExisting {
		return nil
	}
	snap, err := s.deps.Cache.Current()
	if err != nil {
		return nil
	}
	out := make(map[catalog.Tier]map[string]catalog.HealthStatus)
	for _, tier := range catalog.Tiers() {
		models := snap.Models(tier)
		m := make(map[string]catalog.HealthStatus, len(models))
		for _, e := range models {
			m[e.Descriptor.ID] = e.Health
		}
		out[tier] = m
	}
	return out
}

func (s *Scheduler) fail(ctx context.Context, cycle *history.Cycle, err error, logger *slog.Logger) {
	now := s.now()
	s.mu.Lock()
	s.lastErr = err.Error()
	s.lastErrAt = now
	s.consecutiveFailures++
	failures := s.consecutiveFailures
	s.mu.Unlock()

	logger.Error("refresh failed, keeping current catalog",
		"error", err,
		"consecutive_failures", failures,
		"generation", s.deps.Cache.Generation(),
	)
	s.deps.Metrics.RecordRefresh("failed", now.Sub(cycle.StartedAt))

	cycle.Outcome = history.OutcomeFailed
	cycle.FinishedAt = now
	cycle.Generation = s.deps.Cache.Generation()
	cycle.Error = err.Error()
	s.finish(ctx, *cycle, logger)
}

func (s *Scheduler) discard(ctx context.Context, cycle *history.Cycle, logger *slog.Logger) {
	now := s.now()
	logger.Warn("refresh cancelled, discarding cycle", "generation", s.deps.Cache.Generation())
	s.deps.Metrics.RecordRefresh("discarded", now.Sub(cycle.StartedAt))

	cycle.Outcome = history.OutcomeDiscarded
	cycle.FinishedAt = now
	cycle.Generation = s.deps.Cache.Generation()
	cycle.Error = context.Cause(ctx).Error()
	s.finish(ctx, *cycle, logger)
}

// finish remembers the cycle and hands it to the recorder.
func (s *Scheduler) finish(ctx context.Context, cycle history.Cycle, logger *slog.Logger) {
	s.mu.Lock()
	s.lastCycle = &cycle
	s.mu.Unlock()

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.deps.Recorder.RecordCycle(recordCtx, cycle); err != nil {
		logger.Warn("failed to record refresh cycle", "error", err)
	}
}

func listedIDs(snap *catalog.Snapshot) map[string]struct{} {
	keep := make(map[string]struct{})
	for _, tier := range catalog.Tiers() {
		for _, e := range snap.Models(tier) {
			keep[e.Descriptor.ID] = struct{}{}
		}
	}
	return keep
}

func reasonCounts(in map[catalog.ProbeReason]int) map[string]int {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]int, len(in))
	for r, n := range in {
		out[string(r)] = n
	}
	return out
}
