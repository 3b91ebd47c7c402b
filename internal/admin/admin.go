// Package admin serves the operational HTTP endpoints: Prometheus metrics
// and a health check reporting connection counts.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-dev/wthr/pkg/server"
)

// StatsSource reports connection statistics. *server.Registry satisfies it.
type StatsSource interface {
	Stats() server.RegistryStats
}

// Health is the /healthz response body.
type Health struct {
	Status       string `json:"status"`
	Connections  int    `json:"connections"`
	Peak         int    `json:"peak"`
	TotalAdded   uint64 `json:"total_added"`
	TotalRemoved uint64 `json:"total_removed"`
}

// NewHandler returns the admin router.
func NewHandler(gatherer prometheus.Gatherer, stats StatsSource) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		s := stats.Stats()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Health{
			Status:       "ok",
			Connections:  s.Active,
			Peak:         s.Peak,
			TotalAdded:   s.TotalAdded,
			TotalRemoved: s.TotalRemoved,
		})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}

// Server is the admin HTTP listener.
type Server struct {
	http   *http.Server
	logger *slog.Logger
}

// NewServer creates an admin server on addr.
func NewServer(addr string, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With("component", "admin"),
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin endpoint listening", "address", ln.Addr().String())
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
