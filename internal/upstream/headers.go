package upstream

import (
	"net/http"
	"strings"
)

var forwardedRequestHeaders = map[string]struct{}{
	"Content-Type":    {},
	"Accept":          {},
	"Accept-Encoding": {},
	"Authorization":   {},
	"User-Agent":      {},
	"Http-Referer":    {},
	"X-Title":         {},
}

var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {},
}

// forwardRequestHeader reports whether a client header may be sent upstream.
// Any X-* header passes, except the proxy's own request ID and forwarding headers.
func forwardRequestHeader(name string) bool {
	key := http.CanonicalHeaderKey(name)
	if _, ok := forwardedRequestHeaders[key]; ok {
		return true
	}
	if !strings.HasPrefix(key, "X-") {
		return false
	}
	switch key {
	case "X-Forwarded-For", "X-Real-Ip", "X-Request-Id":
		return false
	}
	return true
}

// CopyRequestHeaders copies allow-listed headers from src into dst.
func CopyRequestHeaders(dst, src http.Header) {
	for k, vs := range src {
		if !forwardRequestHeader(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// CopyResponseHeaders copies upstream response headers into dst, dropping
// hop-by-hop headers and length, which the server recomputes.
func CopyResponseHeaders(dst, src http.Header) {
	for k, vs := range src {
		if _, hop := hopByHopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
