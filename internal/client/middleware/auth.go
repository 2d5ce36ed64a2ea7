package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"lessons/internal/client"
	"lessons/internal/client/adapter/jwks"
	"lessons/internal/domain"
	"lessons/internal/platform/telemetry"
)

// Auth verifies identity-token Bearer credentials the way the backend does
// for every request the client sends it, and puts the Principal in the
// request context. Paths in publicPaths pass through unauthenticated.
// The metrics parameter is optional; pass nil to skip metric recording.
func Auth(keys jwks.KeySource, publicPaths []string, m *telemetry.ClientMetrics) Middleware {
	public := make(map[string]struct{}, len(publicPaths))
	for _, p := range publicPaths {
		public[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := public[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			raw, ok := bearerToken(r)
			if !ok {
				m.RecordIdentityOperation(r.Context(), "verify_token", "failure")
				unauthorized(w, "", "missing or malformed authorization header")
				return
			}

			p, err := jwks.Verify(r.Context(), keys, raw)
			if err != nil {
				slog.Debug("token rejected", "path", r.URL.Path, "error", err)
				m.RecordIdentityOperation(r.Context(), "verify_token", "failure")
				if errors.Is(err, jwks.ErrIncompleteClaims) {
					unauthorized(w, "invalid_token", "invalid token claims")
				} else {
					unauthorized(w, "invalid_token", "invalid or expired token")
				}
				return
			}

			m.RecordIdentityOperation(r.Context(), "verify_token", "success")
			next.ServeHTTP(w, r.WithContext(client.ContextWithPrincipal(r.Context(), *p)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

// unauthorized answers 401 with a Bearer challenge. oauthErr is the RFC 6750
// error code, empty when no credential was presented.
func unauthorized(w http.ResponseWriter, oauthErr, msg string) {
	challenge := `Bearer realm="lessons"`
	if oauthErr != "" {
		challenge += `, error="` + oauthErr + `"`
	}
	w.Header().Set("WWW-Authenticate", challenge)
	writeJSONError(w, http.StatusUnauthorized, domain.ErrorResponse{Error: "unauthorized", Message: msg})
}

func writeJSONError(w http.ResponseWriter, status int, body domain.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("encoding error response", "error", err)
	}
}
