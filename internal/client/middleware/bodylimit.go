package middleware

import (
	"net/http"

	"lessons/internal/domain"
)

// MaxBodySize caps request bodies at maxBytes. A declared Content-Length over
// the cap is refused with 413 before the handler runs; bodies without one are
// wrapped so the handler's read fails with *http.MaxBytesError.
func MaxBodySize(maxBytes int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				writeJSONError(w, http.StatusRequestEntityTooLarge, domain.ErrorResponse{
					Error:   "request_too_large",
					Message: "request body too large",
				})
				return
			}
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
