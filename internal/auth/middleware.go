package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/af-corp/tierproxy/internal/httputil"
)

// AdminMiddleware guards admin endpoints with a bearer token. token is read
// per request so config reloads apply; an empty token leaves the endpoint open.
func AdminMiddleware(token func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := w.Header().Get("X-Request-ID")

			configured := token()
			if configured == "" {
				next.ServeHTTP(w, r.WithContext(ContextWithCaller(r.Context(), Caller{Open: true})))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				httputil.WriteAuthError(w, reqID, "Missing Authorization header. Use: Authorization: Bearer <admin-token>")
				return
			}

			presented, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok {
				httputil.WriteAuthError(w, reqID, "Invalid Authorization format. Use: Authorization: Bearer <admin-token>")
				return
			}
			if presented == "" {
				httputil.WriteAuthError(w, reqID, "Empty admin token")
				return
			}

			if !Matches(configured, presented) {
				slog.Warn("admin auth failed", "token_prefix", DisplayPrefix(presented), "path", r.URL.Path)
				httputil.WriteAuthError(w, reqID, "Invalid admin token")
				return
			}

			ctx := ContextWithCaller(r.Context(), Caller{TokenPrefix: DisplayPrefix(presented)})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
