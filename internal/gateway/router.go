package gateway

import (
	"log/slog"
	"net/http"

	"github.com/af-corp/tierproxy/internal/auth"
	"github.com/af-corp/tierproxy/internal/catalog"
	"github.com/af-corp/tierproxy/internal/httputil"
	"github.com/af-corp/tierproxy/internal/ratelimit"
	"github.com/af-corp/tierproxy/internal/refresh"
	"github.com/af-corp/tierproxy/internal/status"
	"github.com/af-corp/tierproxy/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterConfig wires the HTTP surface. Functions are read per request so
// config reloads apply without rebuilding the router.
type RouterConfig struct {
	Handler  *Handler
	Reporter *status.Reporter
	Metrics  *telemetry.Metrics
	// MetricsHandler serves /metrics; nil leaves the route unregistered.
	MetricsHandler http.Handler

	Limiter     *ratelimit.Limiter
	RateLimit   func(catalog.Tier) ratelimit.Policy
	TierEnabled func(catalog.Tier) bool

	AdminToken func() string
	// Trigger requests an on-demand refresh; it reports whether one was queued.
	Trigger func(reason string) bool
}

func NewRouter(rc RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestID)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteUnknownURLError(w, w.Header().Get("X-Request-ID"), "Unknown request URL: "+r.Method+" "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteMethodNotAllowedError(w, w.Header().Get("X-Request-ID"), "Method "+r.Method+" not allowed on "+r.URL.Path)
	})

	r.Get("/health", rc.Reporter.HealthHandler)
	r.Get("/status", rc.Reporter.StatusHandler)
	if rc.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", rc.MetricsHandler)
	}

	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.AdminMiddleware(rc.AdminToken))
		r.Post("/refresh", adminRefresh(rc.Trigger))
	})

	for _, tier := range catalog.Tiers() {
		r.Route("/"+tier.String()+"/v1", func(r chi.Router) {
			r.Use(requireTier(tier, rc.TierEnabled))
			r.Use(Instrument(rc.Metrics, tier.String()))
			if rc.Limiter != nil && rc.RateLimit != nil {
				r.Use(ratelimit.Middleware(rc.Limiter, tier.String(), rc.RateLimit(tier), rc.Metrics))
			}
			r.Get("/models", rc.Handler.ListModels(tier))
			r.Get("/models/*", rc.Handler.GetModel(tier))
			r.Post("/chat/completions", rc.Handler.ChatCompletions(tier))
		})
	}
	return r
}

// requireTier answers 404 unknown_url for a tier disabled in config.
func requireTier(tier catalog.Tier, enabled func(catalog.Tier) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if enabled != nil && !enabled(tier) {
				httputil.WriteUnknownURLError(w, w.Header().Get("X-Request-ID"), "Unknown request URL: "+r.Method+" "+r.URL.Path)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func adminRefresh(trigger func(string) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		triggered := trigger(refresh.TriggerManual)
		caller, _ := auth.CallerFromContext(r.Context())
		slog.Info("manual refresh requested",
			"request_id", w.Header().Get("X-Request-ID"),
			"triggered", triggered,
			"token_prefix", caller.TokenPrefix,
		)
		httputil.WriteJSON(w, http.StatusAccepted, map[string]bool{"triggered": triggered})
	}
}
