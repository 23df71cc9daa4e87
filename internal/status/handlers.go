package status

import (
	"net/http"

	"github.com/af-corp/tierproxy/internal/httputil"
)

// HealthHandler serves GET /health.
func (r *Reporter) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	if r.Healthy() {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		return
	}
	httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
}

// StatusHandler serves GET /status.
func (r *Reporter) StatusHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, r.Report())
}
