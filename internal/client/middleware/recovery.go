package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"lessons/internal/client"
	"lessons/internal/domain"
)

// Recovery turns a handler panic into a 500 JSON error. When the response has
// already started, the connection is left to fail instead. http.ErrAbortHandler,
// which the /api proxy raises when the backend drops mid-body, is passed on.
func Recovery(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &client.StatusWriter{ResponseWriter: w}
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("panic recovered",
					"error", rec,
					"path", r.URL.Path,
					"request_id", client.RequestIDFromContext(r.Context()),
					"stack", string(debug.Stack()),
				)
				if sw.Code != 0 {
					return
				}
				writeJSONError(w, http.StatusInternalServerError, domain.ErrorResponse{
					Error:   "internal_error",
					Message: "an unexpected error occurred",
				})
			}()
			next.ServeHTTP(sw, r)
		})
	}
}
