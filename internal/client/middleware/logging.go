package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"lessons/internal/client"
)

// Logging returns a middleware that logs each request using slog.
// The principal comes from the request context when a token was verified,
// otherwise from sessions, which may be nil.
func Logging(logger *slog.Logger, sessions client.SessionReader) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &client.StatusWriter{ResponseWriter: w, Code: http.StatusOK}

			next.ServeHTTP(sw, r)

			reqID := client.RequestIDFromContext(r.Context())
			email := ""
			if p, ok := client.PrincipalFromContext(r.Context()); ok {
				email = p.Email
			} else if sessions != nil {
				if s := sessions.Get(); s.Principal != nil {
					email = s.Principal.Email
				}
			}

			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.Code,
				"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
				"request_id", reqID,
				"principal_email", email,
				"remote_addr", r.RemoteAddr,
			)
		})
	}
}
