package server_test

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"testing"
	"time"

	"lessons/internal/platform/server"
)

func start(t *testing.T, srv *server.Server) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-errCh:
		t.Fatalf("server failed to start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start listening")
	}
	return cancel, errCh
}

func TestServerStartAndShutdown(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	srv := server.New("127.0.0.1:0", mux, server.WithLogger(slog.New(slog.DiscardHandler)))

	if srv.Addr() != "" {
		t.Errorf("expected no address before Run, got %q", srv.Addr())
	}
	cancel, errCh := start(t, srv)

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("server should be running: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("server shutdown error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}

func TestShutdownHooksRunAfterDrainInReverseOrder(t *testing.T) {
	released := make(chan struct{})
	inFlight := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /slow", func(w http.ResponseWriter, r *http.Request) {
		close(inFlight)
		<-released
	})
	srv := server.New("127.0.0.1:0", mux, server.WithLogger(slog.New(slog.DiscardHandler)))

	var order []string
	srv.OnShutdown(func(context.Context) { order = append(order, "telemetry") })
	srv.OnShutdown(func(context.Context) { order = append(order, "session") })

	cancel, errCh := start(t, srv)

	go func() {
		resp, err := http.Get("http://" + srv.Addr() + "/slow")
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-inFlight
	cancel()

	// Hooks must wait for the request still being served.
	time.Sleep(50 * time.Millisecond)
	if len(order) != 0 {
		t.Errorf("hooks ran before in-flight requests drained: %v", order)
	}
	close(released)

	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}
	if want := []string{"session", "telemetry"}; !slices.Equal(order, want) {
		t.Errorf("expected hooks %v, got %v", want, order)
	}
}

func TestRunReportsListenError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	srv := server.New(l.Addr().String(), http.NotFoundHandler())
	if err := srv.Run(context.Background()); err == nil {
		t.Error("expected an error when the address is taken")
	}
}
