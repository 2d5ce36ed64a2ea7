package middleware

import (
	"net/http"
	"strings"
	"time"

	"lessons/internal/client"
	"lessons/internal/platform/telemetry"
)

// Metrics returns middleware that records HTTP request metrics.
// Place as the outermost middleware to capture the full request lifecycle.
func Metrics(m *telemetry.ClientMetrics) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &client.StatusWriter{ResponseWriter: w, Code: http.StatusOK}

			next.ServeHTTP(sw, r)

			m.RecordHTTPRequest(r.Context(), r.Method, RouteLabel(r.URL.Path, sw.Code), sw.Code, time.Since(start).Seconds())
		})
	}
}

// RouteLabel bounds the path label's cardinality. Proxied API calls and admin
// pages collapse to their prefix and unmatched paths share one label.
func RouteLabel(path string, status int) string {
	switch {
	case path == "/api" || strings.HasPrefix(path, "/api/"):
		return "/api"
	case status == http.StatusNotFound || status == http.StatusMethodNotAllowed:
		return "unmatched"
	case strings.HasPrefix(path, "/admin/"):
		return "/admin"
	default:
		return path
	}
}
