package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"lessons/internal/client"
	"lessons/internal/client/middleware"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"none sent", "", false},
		{"well formed", "req-42.retry_1", true},
		{"uuid", "7d444840-9dc0-11d1-b245-5ffdce74fad2", true},
		{"header injection", "abc\r\nX-Evil: 1", false},
		{"spaces", "two words", false},
		{"too long", strings.Repeat("a", 65), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ctxID, headerID string
			handler := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxID = client.RequestIDFromContext(r.Context())
				headerID = r.Header.Get("X-Request-ID")
			}))

			req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
			if tt.incoming != "" {
				req.Header["X-Request-Id"] = []string{tt.incoming}
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if tt.keep {
				if ctxID != tt.incoming {
					t.Errorf("expected %q to be kept, got %q", tt.incoming, ctxID)
				}
			} else if _, err := uuid.Parse(ctxID); err != nil {
				t.Errorf("expected a generated UUID, got %q", ctxID)
			}
			if headerID != ctxID {
				t.Errorf("request header %q does not match context %q", headerID, ctxID)
			}
			if got := rec.Header().Get("X-Request-ID"); got != ctxID {
				t.Errorf("response header %q does not match context %q", got, ctxID)
			}
		})
	}
}
