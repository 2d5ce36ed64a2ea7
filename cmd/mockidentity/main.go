package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"lessons/internal/mockidp"
	"lessons/internal/platform/server"
)

func main() {
	addr := envOr("IDENTITY_ADDR", ":8081")
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	idp, err := mockidp.New(
		mockidp.WithLogger(logger),
		mockidp.WithTokenTTL(envSeconds("TOKEN_TTL", 15*time.Minute)),
		mockidp.WithSignInThrottle(envFloat("SIGNIN_RATE", 0.2), envInt("SIGNIN_BURST", 5)),
	)
	if err != nil {
		slog.Error("creating identity provider", "error", err)
		os.Exit(1)
	}

	// Seed accounts
	seeds := []struct{ email, password, name string }{
		{"admin@lessons.dev", "admin123", "Admin"},
		{"user@lessons.dev", "password", "Regular User"},
	}
	for _, s := range seeds {
		if err := idp.AddAccount(s.email, s.password, s.name); err != nil {
			slog.Error("seeding account", "email", s.email, "error", err)
			os.Exit(1)
		}
	}
	idp.SetFederatedIdentity(mockidp.Identity{
		Email:       envOr("FEDERATED_EMAIL", "federated@lessons.dev"),
		DisplayName: envOr("FEDERATED_NAME", "Federated User"),
		AvatarURL:   envOr("FEDERATED_AVATAR", "https://avatars.lessons.dev/federated.png"),
	})

	slog.Info("mock identity service starting",
		"addr", addr,
		"kid", idp.KeyID(),
		"accounts", "admin@lessons.dev:admin123, user@lessons.dev:password",
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Drop idle sign-in throttle state
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				idp.Sweep()
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/", idp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "service": "mock-identity"})
	})

	srv := server.New(addr, mux, server.WithLogger(logger))
	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// envSeconds reads a duration in whole seconds.
func envSeconds(key string, fallback time.Duration) time.Duration {
	if n := envInt(key, -1); n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}
