package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/af-corp/tierproxy/internal/catalog"
	"github.com/af-corp/tierproxy/internal/httputil"
	"github.com/af-corp/tierproxy/internal/telemetry"
	"github.com/af-corp/tierproxy/internal/upstream"
	"github.com/go-chi/chi/v5"
)

// Forwarder sends a chat completion body upstream.
type Forwarder interface {
	ForwardChat(ctx context.Context, body []byte, clientHeader http.Header) (*http.Response, error)
}

// Handler serves the per-tier OpenAI-compatible endpoints from the current
// catalog snapshot.
type Handler struct {
	cache     *catalog.Cache
	forwarder Forwarder
	breakers  *upstream.BreakerSet
	maxBody   func() int64
	metrics   *telemetry.Metrics
	logger    *slog.Logger
}

func NewHandler(cache *catalog.Cache, forwarder Forwarder, breakers *upstream.BreakerSet, maxBody func() int64, metrics *telemetry.Metrics, logger *slog.Logger) *Handler {
	return &Handler{
		cache:     cache,
		forwarder: forwarder,
		breakers:  breakers,
		maxBody:   maxBody,
		metrics:   metrics,
		logger:    logger,
	}
}

// snapshot loads the current snapshot once for the request, writing 503 if
// no refresh has completed yet.
func (h *Handler) snapshot(w http.ResponseWriter, reqID string) (*catalog.Snapshot, bool) {
	snap, err := h.cache.Current()
	if errors.Is(err, catalog.ErrNotReady) {
		httputil.WriteNotReadyError(w, reqID, "Model catalog is still loading. Retry shortly.")
		return nil, false
	}
	if err != nil {
		httputil.WriteInternalError(w, reqID, "Model catalog unavailable")
		return nil, false
	}
	return snap, true
}

// ListModels handles GET /{tier}/v1/models[?supports=cap1,cap2]
func (h *Handler) ListModels(tier catalog.Tier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := w.Header().Get("X-Request-ID")

		var required catalog.CapabilitySet
		if q := r.URL.Query().Get("supports"); q != "" {
			set, err := catalog.ParseCapabilities(q)
			if err != nil {
				httputil.WriteErrorParam(w, reqID, http.StatusBadRequest, "invalid_capability", err.Error(), "supports")
				return
			}
			required = set
		}

		snap, ok := h.snapshot(w, reqID)
		if !ok {
			return
		}

		entries := catalog.FilterByCapabilities(snap.Models(tier), required)
		data := make([]modelObject, 0, len(entries))
		for _, e := range entries {
			data = append(data, newModelObject(e.Descriptor))
		}
		httputil.WriteJSON(w, http.StatusOK, modelListResponse{Object: "list", Data: data})
	}
}

// GetModel handles GET /{tier}/v1/models/{id}; the ID may contain slashes.
func (h *Handler) GetModel(tier catalog.Tier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := w.Header().Get("X-Request-ID")
		id := chi.URLParam(r, "*")

		snap, ok := h.snapshot(w, reqID)
		if !ok {
			return
		}
		entry, err := snap.Lookup(tier, id)
		if err != nil {
			httputil.WriteModelNotFoundError(w, reqID, modelNotFoundMessage(id, tier))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, newModelObject(entry.Descriptor))
	}
}

func modelNotFoundMessage(id string, tier catalog.Tier) string {
	return "The model '" + id + "' does not exist or is not currently available in the " + tier.String() + " tier."
}
