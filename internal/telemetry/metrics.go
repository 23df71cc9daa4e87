package telemetry

import (
	"time"

	"github.com/af-corp/tierproxy/internal/catalog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the proxy. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	RequestTotal      *prometheus.CounterVec
	RequestDurationMs *prometheus.HistogramVec
	ForwardTotal      *prometheus.CounterVec
	RateLimitHits     *prometheus.CounterVec

	RefreshTotal      *prometheus.CounterVec
	RefreshDurationMs prometheus.Histogram
	ProbeTotal        *prometheus.CounterVec
	ProbeDurationMs   *prometheus.HistogramVec
	AdmissionDenied   prometheus.Counter
	BreakerOpenTotal  prometheus.Counter

	CatalogModels      *prometheus.GaugeVec
	CatalogUnhealthy   *prometheus.GaugeVec
	CatalogGeneration  prometheus.Gauge
	CatalogBuiltAtSecs prometheus.Gauge
}

// NewMetrics creates and registers all metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tierproxy_request_total",
			Help: "Total number of client requests handled, by tier, route and status.",
		}, []string{"tier", "route", "status"}),

		RequestDurationMs: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tierproxy_request_duration_ms",
			Help:    "Client request duration in milliseconds, including upstream time.",
			Buckets: []float64{1, 5, 25, 100, 250, 1000, 2500, 10000, 30000, 120000},
		}, []string{"tier", "route"}),

		ForwardTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tierproxy_forward_total",
			Help: "Chat completions forwarded upstream, by outcome.",
		}, []string{"tier", "outcome"}),

		RateLimitHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tierproxy_rate_limit_hits_total",
			Help: "Requests rejected by the per-client rate limiter.",
		}, []string{"tier"}),

		RefreshTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tierproxy_refresh_total",
			Help: "Refresh cycles by outcome.",
		}, []string{"outcome"}),

		RefreshDurationMs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tierproxy_refresh_duration_ms",
			Help:    "Duration of refresh cycles in milliseconds.",
			Buckets: []float64{100, 500, 1000, 5000, 15000, 30000, 60000, 120000, 300000},
		}),

		ProbeTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tierproxy_probe_total",
			Help: "Health probes by tier and outcome reason.",
		}, []string{"tier", "reason"}),

		ProbeDurationMs: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tierproxy_probe_duration_ms",
			Help:    "Health probe latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"tier"}),

		AdmissionDenied: f.NewCounter(prometheus.CounterOpts{
			Name: "tierproxy_admission_denied_total",
			Help: "Classified models excluded by the admission policy.",
		}),

		BreakerOpenTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "tierproxy_breaker_open_total",
			Help: "Times a per-model forward circuit breaker opened.",
		}),

		CatalogModels: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tierproxy_catalog_models",
			Help: "Healthy models in the current snapshot, by tier.",
		}, []string{"tier"}),

		CatalogUnhealthy: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tierproxy_catalog_unhealthy",
			Help: "Models dropped from the current snapshot, by probe reason.",
		}, []string{"reason"}),

		CatalogGeneration: f.NewGauge(prometheus.GaugeOpts{
			Name: "tierproxy_catalog_generation",
			Help: "Generation of the current snapshot.",
		}),

		CatalogBuiltAtSecs: f.NewGauge(prometheus.GaugeOpts{
			Name: "tierproxy_catalog_built_at_seconds",
			Help: "Unix time the current snapshot was built.",
		}),
	}
}

// RecordRequest records metrics for a completed client request.
func (m *Metrics) RecordRequest(tier, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestTotal.WithLabelValues(tier, route, statusClass(status)).Inc()
	m.RequestDurationMs.WithLabelValues(tier, route).Observe(float64(duration.Milliseconds()))
}

func (m *Metrics) RecordForward(tier, outcome string) {
	if m == nil {
		return
	}
	m.ForwardTotal.WithLabelValues(tier, outcome).Inc()
}

func (m *Metrics) RecordRateLimitHit(tier string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(tier).Inc()
}

func (m *Metrics) RecordProbe(tier catalog.Tier, status catalog.HealthStatus) {
	if m == nil {
		return
	}
	m.ProbeTotal.WithLabelValues(tier.String(), string(status.Reason)).Inc()
	if status.Latency > 0 {
		m.ProbeDurationMs.WithLabelValues(tier.String()).Observe(float64(status.Latency.Milliseconds()))
	}
}

func (m *Metrics) RecordRefresh(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(outcome).Inc()
	m.RefreshDurationMs.Observe(float64(duration.Milliseconds()))
}

func (m *Metrics) RecordAdmissionDenied(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AdmissionDenied.Add(float64(n))
}

func (m *Metrics) RecordBreakerOpen() {
	if m == nil {
		return
	}
	m.BreakerOpenTotal.Inc()
}

// SetCatalog publishes the gauges describing snap.
func (m *Metrics) SetCatalog(snap *catalog.Snapshot) {
	if m == nil || snap == nil {
		return
	}
	for _, t := range catalog.Tiers() {
		m.CatalogModels.WithLabelValues(t.String()).Set(float64(snap.Count(t)))
	}
	m.CatalogUnhealthy.Reset()
	for reason, n := range snap.UnhealthyByReason() {
		m.CatalogUnhealthy.WithLabelValues(string(reason)).Set(float64(n))
	}
	m.CatalogGeneration.Set(float64(snap.Generation))
	m.CatalogBuiltAtSecs.Set(float64(snap.BuiltAt.Unix()))
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
