package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"lessons/internal/client/adapter/jwks"
	"lessons/internal/client/middleware"
	"lessons/internal/platform/server"
)

func main() {
	addr := envOr("ADDR", ":8082")
	name := envOr("BACKEND_NAME", "mock-backend")
	jwksEndpoint := envOr("JWKS_ENDPOINT", "http://localhost:8081/.well-known/jwks.json")
	baseDelay := envDuration("LATENCY_BASE", 0)
	jitter := envDuration("LATENCY_JITTER", 0)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	users := newUserStore(
		splitList(envOr("ADMIN_EMAILS", "admin@lessons.dev")),
		splitList(envOr("PREMIUM_EMAILS", "admin@lessons.dev")),
	)

	slog.Info("mock backend starting", "addr", addr, "name", name, "jwks_endpoint", jwksEndpoint,
		"latency_base", baseDelay, "latency_jitter", jitter)

	api := http.NewServeMux()
	api.HandleFunc("GET /users/status/{email}", users.handleStatus)
	api.HandleFunc("POST /users", users.handleUpsert)

	// Catch-all: echo request details
	api.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		simulateWork(baseDelay, jitter)
		resp := map[string]any{
			"backend":    name,
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": r.Header.Get("X-Request-ID"),
		}
		if p, ok := principalOf(r); ok {
			resp["principal_id"] = p.IdentityID
			resp["principal_email"] = p.Email
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": name})
	})
	mux.Handle("/", middleware.Chain(
		api,
		middleware.RequestID,
		middleware.Logging(logger, nil),
		middleware.Recovery(logger),
		middleware.MaxBodySize(1<<20),
		middleware.Auth(jwks.NewClient(jwksEndpoint, time.Minute), nil, nil),
	))

	srv := server.New(addr, mux, server.WithLogger(logger))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, strings.ToLower(s))
		}
	}
	return out
}

// envDuration reads a duration in milliseconds from an env var (e.g. "50" -> 50ms).
func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

// simulateWork sleeps for base + random(0, jitter) to mimic real backend processing.
func simulateWork(base, jitter time.Duration) {
	if base == 0 && jitter == 0 {
		return
	}
	delay := base
	if jitter > 0 {
		delay += time.Duration(rand.Int64N(int64(jitter)))
	}
	time.Sleep(delay)
}
