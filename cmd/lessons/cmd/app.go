package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"lessons/internal/client/adapter/backend"
	"lessons/internal/client/adapter/credstore"
	"lessons/internal/client/adapter/identity"
	"lessons/internal/client/adapter/jwks"
	"lessons/internal/client/adapter/transport"
	"lessons/internal/client/auth"
	"lessons/internal/client/resolver"
	"lessons/internal/client/session"
	"lessons/internal/platform/config"
	"lessons/internal/platform/telemetry"
)

const jwksMinRefresh = 5 * time.Minute

// app is one client instance: a single session and the components that feed it.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *session.Store
	resolver *resolver.Resolver
	bearer   *transport.Bearer
	auth     *auth.Service
}

func newApp(cfg config.Config, logger *slog.Logger, m *telemetry.ClientMetrics) (*app, error) {
	creds, err := credstore.NewFileStore(cfg.CredentialsDir)
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %w", err)
	}

	store := session.NewStore(logger)
	bearer := &transport.Bearer{Source: store, Metrics: m}
	api := backend.NewClient(cfg.BackendURL, &http.Client{Timeout: cfg.BackendTimeout, Transport: bearer})
	res := resolver.New(store, api, logger, m)

	provider := identity.New(identity.Config{
		BaseURL:     cfg.IdentityURL,
		ClientID:    cfg.OAuth.ClientID,
		RedirectURL: cfg.OAuth.RedirectURL,
		Keys:        jwks.NewClient(cfg.JWKSEndpoint, jwksMinRefresh, jwks.WithMetrics(m)),
		Store:       creds,
		Metrics:     m,
		Logger:      logger,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		resolver: res,
		bearer:   bearer,
		auth:     auth.NewService(provider, res, store, api, logger),
	}, nil
}

// start replays the persisted identity into the session. The returned func
// stops event delivery and cancels entitlement lookups still in flight.
func (a *app) start() (stop func()) {
	stopEvents := a.auth.Start()
	return func() {
		stopEvents()
		a.resolver.Close()
	}
}

// refreshLoop rotates the signed-in credential every interval until ctx is done.
func (a *app) refreshLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !a.store.Get().Authenticated() {
				continue
			}
			if err := a.auth.Refresh(ctx); err != nil {
				a.logger.Warn("refreshing credential", "error", err)
			}
		}
	}
}

// startApp builds and starts an app for a one-shot command. Logs go to
// stderr so they never mix with command output.
func startApp(cmd *cobra.Command) (*app, func(), error) {
	cfg := config.Load()
	level := slog.LevelWarn
	if verbose {
		level = cfg.SlogLevel()
	}
	logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	a, err := newApp(cfg, logger, nil)
	if err != nil {
		return nil, nil, err
	}
	return a, a.start(), nil
}
