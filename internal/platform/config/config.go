package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the lessons client.
type Config struct {
	Addr           string
	IdentityURL    string // Base URL of the identity provider (e.g. http://identity:8081)
	JWKSEndpoint   string
	BackendURL     string // Base URL of the REST backend (e.g. http://backend:8082)
	BackendTimeout time.Duration
	CredentialsDir string
	LogLevel       string
	Routes         RouteConfig
	OAuth          OAuthConfig

	// RefreshInterval is how often serve rotates the signed-in credential; 0 disables it.
	RefreshInterval time.Duration
}

// RouteConfig names the routes guards redirect to.
type RouteConfig struct {
	LoginPath string
	HomePath  string
}

// OAuthConfig holds the federated sign-in client registration.
type OAuthConfig struct {
	ClientID    string
	RedirectURL string
}

// Load reads configuration from environment variables, falling back to defaults.
func Load() Config {
	identityURL := strings.TrimRight(envOr("IDENTITY_URL", "http://localhost:8081"), "/")
	return Config{
		Addr:            envOr("LESSONS_ADDR", ":8080"),
		IdentityURL:     identityURL,
		JWKSEndpoint:    envOr("JWKS_ENDPOINT", identityURL+"/.well-known/jwks.json"),
		BackendURL:      strings.TrimRight(envOr("BACKEND_URL", "http://localhost:8082"), "/"),
		BackendTimeout:  envDuration("BACKEND_TIMEOUT", 10*time.Second),
		RefreshInterval: envDuration("REFRESH_INTERVAL", 10*time.Minute),
		CredentialsDir:  envOr("CREDENTIALS_DIR", defaultCredentialsDir()),
		LogLevel:        envOr("LOG_LEVEL", "info"),
		Routes: RouteConfig{
			LoginPath: envOr("LOGIN_PATH", "/login"),
			HomePath:  envOr("HOME_PATH", "/"),
		},
		OAuth: OAuthConfig{
			ClientID:    envOr("OAUTH_CLIENT_ID", "lessons-web"),
			RedirectURL: envOr("OAUTH_REDIRECT_URL", "http://localhost:8080/auth/callback"),
		},
	}
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaultCredentialsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lessons"
	}
	return filepath.Join(home, ".lessons")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envDuration accepts Go duration strings ("5s") or whole seconds ("5").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid duration env var, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return time.Duration(n) * time.Second
}
