package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/af-corp/tierproxy/internal/catalog"
	"github.com/af-corp/tierproxy/internal/httputil"
)

// Forward outcomes recorded in metrics.
const (
	outcomeOK             = "ok"
	outcomeClientError    = "client_error"
	outcomeUpstreamError  = "upstream_error"
	outcomeTransportError = "transport_error"
	outcomeBreakerOpen    = "breaker_open"
)

// ChatCompletions handles POST /{tier}/v1/chat/completions. The model must
// be healthy in the tier's snapshot; the body is forwarded with the model
// rewritten to its full upstream ID.
func (h *Handler) ChatCompletions(tier catalog.Tier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := w.Header().Get("X-Request-ID")
		receivedAt := time.Now()

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody()))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httputil.WriteBodyTooLargeError(w, reqID, fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit))
				return
			}
			httputil.WriteBadRequestError(w, reqID, "Failed to read request body")
			return
		}

		var fields map[string]json.RawMessage
		if err := json.Unmarshal(body, &fields); err != nil {
			httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
			return
		}
		var requested string
		if raw, ok := fields["model"]; ok {
			if err := json.Unmarshal(raw, &requested); err != nil {
				httputil.WriteErrorParam(w, reqID, http.StatusBadRequest, "invalid_request", "model must be a string", "model")
				return
			}
		}
		if requested == "" {
			httputil.WriteErrorParam(w, reqID, http.StatusBadRequest, "invalid_request", "model is required", "model")
			return
		}

		snap, ok := h.snapshot(w, reqID)
		if !ok {
			return
		}
		entry, err := snap.Lookup(tier, requested)
		if err != nil {
			httputil.WriteModelNotFoundError(w, reqID, modelNotFoundMessage(requested, tier))
			return
		}
		model := entry.Descriptor.ID

		if h.breakers != nil && !h.breakers.Allow(model) {
			h.metrics.RecordForward(tier.String(), outcomeBreakerOpen)
			httputil.WriteModelUnavailableError(w, reqID, "Model '"+requested+"' is temporarily unavailable. Retry shortly.")
			return
		}

		if model != requested {
			body, err = rewriteModel(fields, model)
			if err != nil {
				httputil.WriteInternalError(w, reqID, "Failed to prepare upstream request")
				return
			}
		}

		resp, err := h.forwarder.ForwardChat(r.Context(), body, r.Header)
		if err != nil {
			if r.Context().Err() != nil {
				if h.breakers != nil {
					h.breakers.Abandon(model)
				}
				h.logger.Info("client went away before upstream responded", "request_id", reqID, "model", model)
				return
			}
			h.recordFailure(model)
			h.metrics.RecordForward(tier.String(), outcomeTransportError)
			h.logger.Error("upstream request failed",
				"request_id", reqID,
				"tier", tier,
				"model", model,
				"error", err,
			)
			httputil.WriteUpstreamError(w, reqID, "Upstream request failed")
			return
		}
		defer resp.Body.Close()

		outcome := outcomeOK
		switch {
		case resp.StatusCode >= 500:
			outcome = outcomeUpstreamError
			h.recordFailure(model)
		case resp.StatusCode >= 400:
			outcome = outcomeClientError
			h.recordSuccess(model)
		default:
			h.recordSuccess(model)
		}
		h.metrics.RecordForward(tier.String(), outcome)

		written, streamErr := relayResponse(w, resp)
		attrs := []any{
			"request_id", reqID,
			"tier", tier,
			"model_requested", requested,
			"model_served", model,
			"status_code", resp.StatusCode,
			"stream", isStream(fields),
			"bytes", written,
			"duration_ms", time.Since(receivedAt).Milliseconds(),
		}
		if streamErr != nil {
			h.logger.Warn("response relay interrupted", append(attrs, "error", streamErr)...)
			return
		}
		h.logger.Info("request completed", attrs...)
	}
}

func (h *Handler) recordSuccess(model string) {
	if h.breakers != nil {
		h.breakers.RecordSuccess(model)
	}
}

func (h *Handler) recordFailure(model string) {
	if h.breakers != nil {
		h.breakers.RecordFailure(model)
	}
}

// rewriteModel re-encodes the request with model replaced. Other fields are
// passed through as raw JSON.
func rewriteModel(fields map[string]json.RawMessage, model string) ([]byte, error) {
	raw, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	fields["model"] = raw
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(fields); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func isStream(fields map[string]json.RawMessage) bool {
	var stream bool
	if raw, ok := fields["stream"]; ok {
		_ = json.Unmarshal(raw, &stream)
	}
	return stream
}

