package admin

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vango-dev/wthr/pkg/server"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(t *testing.T) (http.Handler, *server.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	server.NewMetrics(server.WithRegistry(reg))

	registry := server.NewRegistry()
	registry.Add(server.Connection{Handle: 4, ID: "a"})
	registry.Add(server.Connection{Handle: 5, ID: "b"})
	registry.Remove(5)
	return NewHandler(reg, registry), registry
}

func TestHealthz(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var got Health
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	want := Health{Status: "ok", Connections: 1, Peak: 2, TotalAdded: 2, TotalRemoved: 1}
	if got != want {
		t.Errorf("health = %+v, want %+v", got, want)
	}
}

func TestMetrics(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "wthr_server_active_connections") {
		t.Errorf("metrics output missing server gauge:\n%s", rec.Body.String())
	}
}

func TestUnknownRoute(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /healthz status = %d, want 405", rec.Code)
	}
}

func TestServerServeAndShutdown(t *testing.T) {
	h, _ := newTestHandler(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	srv := NewServer(ln.Addr().String(), h, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestRunBindError(t *testing.T) {
	srv := NewServer("256.0.0.1:0", http.NotFoundHandler(), testLogger())
	if err := srv.Run(context.Background()); err == nil {
		t.Error("Run should fail for an invalid address")
	}
}
