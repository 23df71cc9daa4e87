package ratelimit

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/af-corp/tierproxy/internal/httputil"
	"github.com/af-corp/tierproxy/internal/telemetry"
)

const (
	headerRateLimitRequests          = "X-RateLimit-Limit-Requests"
	headerRateLimitRemainingRequests = "X-RateLimit-Remaining-Requests"
	headerRateLimitReset             = "X-RateLimit-Reset-Requests"
	headerRetryAfter                 = "Retry-After"
)

// Policy returns the current limit and window for a tier. A limit of 0
// disables limiting.
type Policy func() (limit int, window time.Duration)

// Middleware returns chi middleware that limits each client IP on one tier's
// endpoints. It fails open when Redis is unavailable.
func Middleware(limiter *Limiter, tier string, policy Policy, metrics *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limit, window := policy()
			if limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			reqID := w.Header().Get("X-Request-ID")
			client := ClientIP(r)

			result, err := limiter.Check(r.Context(), fmt.Sprintf("%s:%s", tier, client), int64(limit), window)
			if err != nil {
				slog.Warn("rate limit check failed, allowing request",
					"request_id", reqID,
					"tier", tier,
					"error", err,
				)
			}

			w.Header().Set(headerRateLimitRequests, strconv.Itoa(limit))
			w.Header().Set(headerRateLimitRemainingRequests, strconv.FormatInt(result.Remaining, 10))
			w.Header().Set(headerRateLimitReset, result.ResetAt.UTC().Format(time.RFC3339))

			if !result.Allowed {
				slog.Warn("rate limit exceeded",
					"request_id", reqID,
					"tier", tier,
					"client", client,
					"limit", limit,
					"window", window,
				)
				metrics.RecordRateLimitHit(tier)
				w.Header().Set(headerRetryAfter, strconv.Itoa(int(math.Ceil(result.RetryAfter.Seconds()))))
				httputil.WriteRateLimitError(w, reqID,
					fmt.Sprintf("Rate limit exceeded: %d requests per %s. Retry after %s", limit, window, result.ResetAt.UTC().Format(time.RFC3339)))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the host part of r.RemoteAddr, which chi's RealIP
// middleware has already rewritten from forwarding headers.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
