// Package httpapi serves the client's local HTTP surface: session and auth
// endpoints for the view layer, guarded pages, and the credentialed API proxy.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"lessons/internal/client"
	"lessons/internal/client/middleware"
	"lessons/internal/domain"
	"lessons/internal/platform/config"
	"lessons/internal/platform/telemetry"
)

const (
	maxAuthBodyBytes        = 64 << 10
	defaultFederatedTimeout = 5 * time.Minute
	maxSessionWait          = 30 * time.Second
)

// Authenticator is the auth facade the router drives.
type Authenticator interface {
	Session() domain.Session
	AwaitResolved(ctx context.Context) (domain.Session, error)
	SignUp(ctx context.Context, email, password, displayName string) (*domain.Principal, error)
	SignInWithPassword(ctx context.Context, email, password string) (*domain.Principal, error)
	SignInFederated(ctx context.Context, flow client.FederatedFlow) (*domain.Principal, error)
	SignOut(ctx context.Context) error
	UpdateProfile(ctx context.Context, update client.ProfileUpdate) error
	Refresh(ctx context.Context) error
}

// Deps configures a Router.
type Deps struct {
	Auth Authenticator

	// BackendURL is where /api/ requests are forwarded; Transport attaches
	// the session credential to them.
	BackendURL string
	Transport  http.RoundTripper

	Routes  config.RouteConfig
	Metrics *telemetry.ClientMetrics // optional
	Logger  *slog.Logger

	// FederatedTimeout bounds how long a started federated sign-in waits for
	// the provider's callback.
	FederatedTimeout time.Duration
}

// Router serves the local HTTP surface.
type Router struct {
	mux              *http.ServeMux
	auth             Authenticator
	logger           *slog.Logger
	flows            *flows
	federatedTimeout time.Duration
}

// NewRouter builds the route table.
func NewRouter(d Deps) (*Router, error) {
	backendURL, err := url.Parse(d.BackendURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend URL: %w", err)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.FederatedTimeout <= 0 {
		d.FederatedTimeout = defaultFederatedTimeout
	}

	r := &Router{
		mux:              http.NewServeMux(),
		auth:             d.Auth,
		logger:           d.Logger,
		flows:            newFlows(),
		federatedTimeout: d.FederatedTimeout,
	}

	// Health check endpoints
	r.mux.HandleFunc("GET /healthz", r.healthz)
	r.mux.HandleFunc("GET /readyz", r.readyz)

	// Session and auth endpoints
	limit := middleware.MaxBodySize(maxAuthBodyBytes)
	r.mux.HandleFunc("GET /auth/session", r.handleSession)
	r.mux.Handle("POST /auth/signup", limit(http.HandlerFunc(r.handleSignUp)))
	r.mux.Handle("POST /auth/login", limit(http.HandlerFunc(r.handleLogin)))
	r.mux.HandleFunc("POST /auth/logout", r.handleLogout)
	r.mux.Handle("PATCH /auth/profile", limit(http.HandlerFunc(r.handleProfile)))
	r.mux.HandleFunc("POST /auth/refresh", r.handleRefresh)
	r.mux.HandleFunc("POST /auth/federated", r.handleFederatedStart)
	r.mux.HandleFunc("GET /auth/callback", r.handleFederatedCallback)

	// Pages guards redirect to
	r.mux.Handle("GET "+exact(d.Routes.HomePath), r.page("home"))
	r.mux.Handle("GET "+exact(d.Routes.LoginPath), r.page("login"))

	// Guarded pages
	sessions := sessionReader{d.Auth}
	private := middleware.AuthGuard(sessions, d.Routes.LoginPath, d.Metrics)
	for path, name := range map[string]string{
		"/dashboard/profile":    "profile",
		"/dashboard/add-lesson": "add-lesson",
		"/dashboard/my-lessons": "my-lessons",
		"/payment":              "payment",
	} {
		r.mux.Handle("GET "+path, private(r.page(name)))
	}
	r.mux.Handle("GET /admin/", middleware.AdminGuard(sessions, d.Routes.HomePath, d.Metrics)(r.page("admin")))

	// Backend API
	r.mux.Handle("/api/{rest...}", r.apiProxy(backendURL, d.Transport))

	return r, nil
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// apiProxy forwards /api/<rest> to <backend>/<rest>. The transport adds the
// credential of the session current at send time.
func (r *Router) apiProxy(backend *url.URL, transport http.RoundTripper) http.Handler {
	basePath := strings.TrimRight(backend.Path, "/")
	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = backend.Scheme
			req.URL.Host = backend.Host
			req.Host = backend.Host
			req.URL.Path = basePath + strings.TrimPrefix(req.URL.Path, "/api")
			req.URL.RawPath = ""

			// The view layer never holds the credential; drop whatever it sent.
			req.Header.Del("Authorization")
			req.Header.Del("Cookie")

			if reqID := client.RequestIDFromContext(req.Context()); reqID != "" {
				req.Header.Set("X-Request-ID", reqID)
			}
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			r.logger.Warn("backend request failed", "path", req.URL.Path, "error", err)
			writeError(w, http.StatusBadGateway, domain.ErrorResponse{
				Error:   "bad_gateway",
				Message: "backend unavailable",
			})
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		sw := &client.StatusWriter{ResponseWriter: w, Code: http.StatusOK}
		rp.ServeHTTP(sw, req)
		if sw.Code == http.StatusUnauthorized && r.auth.Session().Authenticated() {
			r.logger.Info("backend rejected the session credential", "path", req.URL.Path)
		}
	})
}

func (r *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports not ready while the session is resolving.
func (r *Router) readyz(w http.ResponseWriter, _ *http.Request) {
	if r.auth.Session().Resolving {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "resolving"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// page is the JSON placeholder the view layer renders for a route.
func (r *Router) page(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, pageResponse{Page: name, Session: r.auth.Session().View()})
	})
}

type pageResponse struct {
	Page    string             `json:"page"`
	Session domain.SessionView `json:"session"`
}

type sessionReader struct {
	a Authenticator
}

func (s sessionReader) Get() domain.Session { return s.a.Session() }

// exact turns a path into a pattern that matches only that path.
func exact(path string) string {
	if strings.HasSuffix(path, "/") {
		return path + "{$}"
	}
	return path
}
