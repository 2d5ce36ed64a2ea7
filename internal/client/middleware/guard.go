package middleware

import (
	"net/http"

	"lessons/internal/client"
	"lessons/internal/client/guard"
	"lessons/internal/domain"
	"lessons/internal/platform/telemetry"
)

// AuthGuard admits signed-in sessions. Anonymous requests are redirected to
// loginPath carrying the requested URL so the login view can return there.
func AuthGuard(sessions client.SessionReader, loginPath string, m *telemetry.ClientMetrics) Middleware {
	return guarded("auth", m, func(r *http.Request) guard.Outcome {
		return guard.Auth(sessions.Get(), r.URL.RequestURI(), loginPath)
	})
}

// AdminGuard admits signed-in sessions with the admin flag and redirects
// everyone else to homePath.
func AdminGuard(sessions client.SessionReader, homePath string, m *telemetry.ClientMetrics) Middleware {
	return guarded("admin", m, func(*http.Request) guard.Outcome {
		return guard.Admin(sessions.Get(), homePath)
	})
}

func guarded(name string, m *telemetry.ClientMetrics, decide func(*http.Request) guard.Outcome) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			out := decide(r)
			m.RecordGuardDecision(r.Context(), name, out.Kind.String())

			switch out.Kind {
			case guard.Loading:
				w.Header().Set("Retry-After", "1")
				writeJSONError(w, http.StatusServiceUnavailable, domain.ErrorResponse{
					Error:      "loading",
					Message:    "session is still resolving",
					RetryAfter: 1,
				})
			case guard.Redirect:
				http.Redirect(w, r, out.Location, http.StatusSeeOther)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}
