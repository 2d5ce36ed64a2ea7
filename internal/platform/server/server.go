// Package server runs an HTTP server until its context ends, then drains it
// and runs the registered shutdown hooks.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const shutdownTimeout = 10 * time.Second

// Server wraps an http.Server with graceful shutdown.
type Server struct {
	srv    *http.Server
	logger *slog.Logger

	ready chan struct{}
	addr  string // set before ready is closed

	mu    sync.Mutex
	hooks []func(context.Context)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for lifecycle messages. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server that listens on addr and routes to handler.
// addr may use port 0; Addr reports the bound address once Ready is closed.
func New(addr string, handler http.Handler, opts ...Option) *Server {
	s := &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger: slog.Default(),
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnShutdown registers fn to run after in-flight requests have drained.
// Hooks run in reverse registration order and share the shutdown deadline.
func (s *Server) OnShutdown(fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address. It is empty until Ready is closed.
func (s *Server) Addr() string {
	select {
	case <-s.ready:
		return s.addr
	default:
		return ""
	}
}

// Run listens, serves until ctx is cancelled, then shuts down gracefully.
// Shutdown hooks run on every exit path.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		s.runHooks(context.WithoutCancel(ctx))
		return fmt.Errorf("listen on %s: %w", s.srv.Addr, err)
	}
	s.addr = ln.Addr().String()
	close(s.ready)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", s.addr)
		if err := s.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.runHooks(context.Background())
		return err
	case <-ctx.Done():
	}

	s.logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err = s.srv.Shutdown(shutdownCtx)
	s.runHooks(shutdownCtx)
	return err
}

func (s *Server) runHooks(ctx context.Context) {
	s.mu.Lock()
	hooks := s.hooks
	s.hooks = nil
	s.mu.Unlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i](ctx)
	}
}
