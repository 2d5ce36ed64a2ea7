package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"lessons/internal/client/httpapi"
	"lessons/internal/client/middleware"
	"lessons/internal/platform/config"
	"lessons/internal/platform/server"
	"lessons/internal/platform/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local client server",
		Long: `Runs the client server the web views talk to. It owns the session, serves
the auth endpoints and guarded pages, and forwards /api/ requests to the
backend with the current credential attached.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), config.Load())
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry
	shutdown, err := telemetry.Setup(ctx, "lessons")
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Error("telemetry shutdown error", "error", err)
		}
	}()
	metrics, err := telemetry.NewClientMetrics()
	if err != nil {
		return fmt.Errorf("metrics initialization: %w", err)
	}

	// Session and its producers
	a, err := newApp(cfg, logger, metrics)
	if err != nil {
		return err
	}
	stopApp := a.start()
	go a.refreshLoop(ctx, cfg.RefreshInterval)

	// Router
	router, err := httpapi.NewRouter(httpapi.Deps{
		Auth:       a.auth,
		BackendURL: cfg.BackendURL,
		Transport:  a.bearer,
		Routes:     cfg.Routes,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		stopApp()
		return fmt.Errorf("router initialization: %w", err)
	}

	// Assemble middleware chain
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.Handle("/", middleware.Chain(
		router,
		middleware.Metrics(metrics),
		middleware.RequestID,
		middleware.Unless(middleware.IsProbe, middleware.Logging(logger, a.store)),
		middleware.Recovery(logger),
	))

	srv := server.New(cfg.Addr, mux, server.WithLogger(logger))
	// Stop identity events and in-flight resolutions once requests have drained.
	srv.OnShutdown(func(context.Context) { stopApp() })

	logger.Info("lessons client starting",
		"addr", cfg.Addr,
		"identity_url", cfg.IdentityURL,
		"backend_url", cfg.BackendURL,
		"credentials_dir", cfg.CredentialsDir,
	)

	return srv.Run(ctx)
}
