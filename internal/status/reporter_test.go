package status

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/af-corp/tierproxy/internal/catalog"
	"github.com/af-corp/tierproxy/internal/history"
	"github.com/af-corp/tierproxy/internal/refresh"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fakeScheduler struct{ st refresh.Status }

func (f fakeScheduler) Status() refresh.Status { return f.st }

var base = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func entry(id string, h catalog.HealthStatus) catalog.Entry {
	return catalog.Entry{Descriptor: catalog.Descriptor{ID: id}, Health: h}
}

func publish(c *catalog.Cache, at time.Time) {
	ok := catalog.HealthyStatus(catalog.ReasonOK, at, 0)
	c.Publish(catalog.Build{BuiltAt: at, Entries: map[catalog.Tier][]catalog.Entry{
		catalog.TierFree: {
			entry("a/one:free", ok),
			entry("a/two:free", ok),
			entry("a/three:free", catalog.UnhealthyStatus(catalog.ReasonRateLimited, "", at, 0)),
		},
		catalog.TierStealth: {entry("stealth/x", ok)},
	}})
}

func newReporter(c *catalog.Cache, sched SchedulerSource, now time.Time) *Reporter {
	r := NewReporter(c, sched, func() time.Duration { return 3 * time.Hour })
	r.now = func() time.Time { return now }
	return r
}

func TestReport_NotReady(t *testing.T) {
	r := newReporter(catalog.NewCache(), nil, base)
	rep := r.Report()

	if rep.IsCacheReady || rep.Healthy || rep.Generation != 0 {
		t.Errorf("unexpected report %+v", rep)
	}
	if rep.LastSuccessfulRefresh != nil || rep.CacheAgeSeconds != nil {
		t.Error("expected null refresh timestamps before first snapshot")
	}
	if n, ok := rep.PerTierCounts[catalog.TierStealth]; !ok || n != 0 {
		t.Errorf("expected zero stealth count, got %v", rep.PerTierCounts)
	}
	if r.Healthy() {
		t.Error("Healthy() before first snapshot")
	}
}

func TestReport_AfterRefreshes(t *testing.T) {
	c := catalog.NewCache()
	publish(c, base)
	publish(c, base.Add(time.Hour))

	cycle := history.NewCycle(refresh.TriggerScheduled, base.Add(2*time.Hour))
	cycle.Outcome = history.OutcomeFailed
	cycle.FinishedAt = cycle.StartedAt.Add(250 * time.Millisecond)
	sched := fakeScheduler{st: refresh.Status{
		State:               refresh.StateIdle,
		LastError:           "fetch models: upstream returned 502",
		LastErrorAt:         base.Add(2 * time.Hour),
		ConsecutiveFailures: 1,
		LastCycle:           &cycle,
	}}
	r := newReporter(c, sched, base.Add(90*time.Minute))
	rep := r.Report()

	if !rep.IsCacheReady || rep.Generation != 2 {
		t.Errorf("ready=%v generation=%d", rep.IsCacheReady, rep.Generation)
	}
	if rep.PreviousRefresh == nil || !rep.PreviousRefresh.Equal(base) {
		t.Errorf("previous refresh = %v", rep.PreviousRefresh)
	}
	if rep.CacheAgeSeconds == nil || *rep.CacheAgeSeconds != 1800 {
		t.Errorf("cache age = %v", rep.CacheAgeSeconds)
	}
	if rep.PerTierCounts[catalog.TierFree] != 2 || rep.PerTierCounts[catalog.TierStealth] != 1 {
		t.Errorf("per tier = %v", rep.PerTierCounts)
	}
	if rep.UnhealthyCount != 1 || rep.UnhealthyByReason[catalog.ReasonRateLimited] != 1 {
		t.Errorf("unhealthy = %d %v", rep.UnhealthyCount, rep.UnhealthyByReason)
	}
	if rep.ConsecutiveFailures != 1 || rep.LastError == "" || rep.LastErrorAt == nil {
		t.Errorf("failure fields = %+v", rep)
	}
	if rep.LastCycle == nil || rep.LastCycle.Outcome != "failed" || rep.LastCycle.DurationMs != 250 {
		t.Errorf("last cycle = %+v", rep.LastCycle)
	}
	if !rep.Healthy {
		t.Error("expected healthy")
	}
}

func TestHealthy_Staleness(t *testing.T) {
	c := catalog.NewCache()
	publish(c, base)

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"fresh", base.Add(time.Minute), true},
		{"just under threshold", base.Add(3*time.Hour - time.Second), true},
		{"at threshold", base.Add(3 * time.Hour), false},
		{"stale", base.Add(5 * time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := newReporter(c, nil, tt.now).Healthy(); got != tt.want {
				t.Errorf("Healthy = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHealthHandler(t *testing.T) {
	c := catalog.NewCache()

	w := httptest.NewRecorder()
	newReporter(c, nil, base).HealthHandler(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable || !jsonHas(t, w, "status", "unhealthy") {
		t.Errorf("not ready: %d %s", w.Code, w.Body)
	}

	publish(c, base)
	w = httptest.NewRecorder()
	newReporter(c, nil, base.Add(time.Minute)).HealthHandler(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || !jsonHas(t, w, "status", "healthy") {
		t.Errorf("ready: %d %s", w.Code, w.Body)
	}
}

func TestStatusHandler(t *testing.T) {
	c := catalog.NewCache()
	publish(c, base)

	w := httptest.NewRecorder()
	newReporter(c, fakeScheduler{st: refresh.Status{State: refresh.StateFetching}}, base).
		StatusHandler(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["scheduler_state"] != "fetching" || body["generation"] != float64(1) || body["is_cache_ready"] != true {
		t.Errorf("unexpected status body %v", body)
	}
}

func jsonHas(t *testing.T, w *httptest.ResponseRecorder, key, want string) bool {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	return body[key] == want
}

func TestSyncHealth(t *testing.T) {
	c := catalog.NewCache()
	r := newReporter(c, nil, base.Add(time.Minute))
	srv := health.NewServer()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.SyncHealth(ctx, srv, 10*time.Millisecond, logger)
		close(done)
	}()

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN
		}
		return resp.Status
	}

	waitFor(t, func() bool { return check() == healthpb.HealthCheckResponse_NOT_SERVING })
	publish(c, base)
	waitFor(t, func() bool { return check() == healthpb.HealthCheckResponse_SERVING })

	cancel()
	<-done
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}
