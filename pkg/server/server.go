package server

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/vango-dev/wthr/pkg/geo"
)

// LocationResolver maps a peer address to a location.
// *geo.Client and geo.Fixed satisfy it.
type LocationResolver interface {
	Resolve(ctx context.Context, remoteAddr string) (geo.Location, error)
}

// eventLoop is the platform socket multiplexer.
type eventLoop interface {
	Run(ctx context.Context) error
	Close() error
	Addr() net.Addr
}

// Server is the push-only TCP forecast server.
type Server struct {
	config      *ServerConfig
	registry    *Registry
	resolver    LocationResolver
	provider    ContentProvider
	broadcaster *Broadcaster
	metrics     *Metrics
	clock       clockwork.Clock
	baseLogger  *slog.Logger
	logger      *slog.Logger

	mu     sync.Mutex
	loop   eventLoop
	served bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithClock sets the clock driving broadcasts and timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) {
		s.clock = clock
	}
}

// WithMetrics sets the Prometheus collectors. Without it nothing is recorded.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// New creates a Server. Unset config fields take their defaults.
func New(config *ServerConfig, resolver LocationResolver, provider ContentProvider, opts ...Option) *Server {
	s := &Server{
		config:   config.withDefaults(),
		registry: NewRegistry(),
		resolver: resolver,
		provider: provider,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.baseLogger = s.logger
	s.logger = s.logger.With("component", "server")
	s.broadcaster = NewBroadcaster(s.registry, provider, BroadcasterConfig{
		Interval:        s.config.Interval,
		GenerateTimeout: s.config.GenerateTimeout,
		Clock:           s.clock,
		Metrics:         s.metrics,
		Logger:          s.baseLogger,
	})
	return s
}

// Listen opens the listening socket. It must succeed before Serve.
func (s *Server) Listen() error {
	if err := s.config.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.served {
		return ErrServerClosed
	}
	if s.loop != nil {
		return nil
	}
	loop, err := newEventLoop(s)
	if err != nil {
		return err
	}
	s.loop = loop
	return nil
}

// Addr returns the listening address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loop == nil {
		return nil
	}
	return s.loop.Addr()
}

// Serve runs the event loop and the broadcaster until ctx is done. On return
// every client socket and the listener are closed and the registry is empty.
// Cancellation is a clean stop and yields nil.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	loop := s.loop
	switch {
	case s.served:
		s.mu.Unlock()
		return ErrServerClosed
	case loop == nil:
		s.mu.Unlock()
		return ErrNotListening
	}
	s.served = true
	s.mu.Unlock()

	s.logger.Info("server is waiting for connections", "address", loop.Addr().String())

	bctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.broadcaster.Run(bctx)
	}()

	err := loop.Run(ctx)
	if err != nil {
		s.logger.Error("event loop failed", "error", err)
	}

	cancel()
	<-done

	closeErr := loop.Close()
	s.logger.Info("server shutdown complete")
	if err != nil {
		return err
	}
	return closeErr
}

// Run listens and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Registry returns the connection registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Broadcaster returns the broadcaster.
func (s *Server) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// Config returns the server configuration.
func (s *Server) Config() *ServerConfig {
	return s.config
}

// Logger returns the server logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}
