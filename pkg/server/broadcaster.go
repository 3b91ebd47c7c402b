package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/wthr/pkg/geo"
)

// ContentProvider generates the payload for one client location.
type ContentProvider interface {
	Generate(ctx context.Context, loc geo.Location) (string, error)
}

// ContentProviderFunc adapts a function to ContentProvider.
type ContentProviderFunc func(ctx context.Context, loc geo.Location) (string, error)

// Generate calls f(ctx, loc).
func (f ContentProviderFunc) Generate(ctx context.Context, loc geo.Location) (string, error) {
	return f(ctx, loc)
}

// BroadcasterConfig configures a Broadcaster.
type BroadcasterConfig struct {
	// Interval is the broadcast period. Default: 24 hours.
	Interval time.Duration

	// GenerateTimeout bounds generation for one recipient. Zero means no bound.
	GenerateTimeout time.Duration

	Clock   clockwork.Clock
	Metrics *Metrics
	Logger  *slog.Logger
}

// CycleResult summarizes one broadcast cycle.
type CycleResult struct {
	Recipients       int
	Delivered        int
	GenerateFailures int
	SendFailures     int
	BytesSent        int64
	Duration         time.Duration

	// Aborted reports that the cycle stopped early on cancellation.
	Aborted bool
}

// Broadcaster delivers one payload to every registered connection at each
// interval boundary. It never removes connections; hangups are the event
// loop's business.
type Broadcaster struct {
	registry        *Registry
	provider        ContentProvider
	interval        time.Duration
	generateTimeout time.Duration
	clock           clockwork.Clock
	metrics         *Metrics
	tracer          trace.Tracer
	logger          *slog.Logger
}

// NewBroadcaster creates a Broadcaster over registry.
func NewBroadcaster(registry *Registry, provider ContentProvider, config BroadcasterConfig) *Broadcaster {
	if config.Interval <= 0 {
		config.Interval = DefaultServerConfig().Interval
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Broadcaster{
		registry:        registry,
		provider:        provider,
		interval:        config.Interval,
		generateTimeout: config.GenerateTimeout,
		clock:           config.Clock,
		metrics:         config.Metrics,
		tracer:          otel.Tracer("github.com/vango-dev/wthr/pkg/server"),
		logger:          config.Logger.With("component", "broadcaster"),
	}
}

// NextBoundary returns the first multiple of interval since the Unix epoch
// strictly after now.
func NextBoundary(now time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return now
	}
	elapsed := time.Duration(now.UnixNano()) % interval
	if elapsed < 0 {
		elapsed += interval
	}
	return now.Add(interval - elapsed)
}

// Run waits for each interval boundary and runs a cycle, until ctx is done.
// A cycle in progress when ctx is cancelled stops before its next recipient.
func (b *Broadcaster) Run(ctx context.Context) error {
	b.logger.Info("broadcaster started", "interval", b.interval)
	defer b.logger.Info("broadcaster stopped")

	// last guards against a wall clock stepped back behind a boundary that
	// already fired.
	var last time.Time
	for {
		next := NextBoundary(b.clock.Now(), b.interval)
		if !next.After(last) {
			next = last.Add(b.interval)
		}
		b.logger.Debug("waiting for next cycle", "at", next)

		if err := b.waitUntil(ctx, next); err != nil {
			return nil
		}
		last = next

		res := b.RunCycle(ctx)
		b.logger.Info("broadcast cycle complete",
			"recipients", res.Recipients,
			"delivered", res.Delivered,
			"generate_failures", res.GenerateFailures,
			"send_failures", res.SendFailures,
			"bytes", res.BytesSent,
			"duration", res.Duration,
			"aborted", res.Aborted)
		if res.Aborted {
			return nil
		}
	}
}

func (b *Broadcaster) waitUntil(ctx context.Context, deadline time.Time) error {
	d := deadline.Sub(b.clock.Now())
	if d <= 0 {
		return ctx.Err()
	}
	timer := b.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

// RunCycle delivers one payload to each connection registered when the
// cycle starts, in registration order. A failure for one recipient never
// prevents delivery to the others.
func (b *Broadcaster) RunCycle(ctx context.Context) CycleResult {
	start := b.clock.Now()
	conns := b.registry.Snapshot()

	ctx, span := b.tracer.Start(ctx, "broadcast.cycle",
		trace.WithAttributes(attribute.Int("wthr.recipients", len(conns))))
	defer span.End()

	res := CycleResult{Recipients: len(conns)}
	for _, conn := range conns {
		if ctx.Err() != nil {
			res.Aborted = true
			break
		}
		b.deliver(ctx, conn, &res)
	}
	res.Duration = b.clock.Since(start)

	span.SetAttributes(
		attribute.Int("wthr.delivered", res.Delivered),
		attribute.Int64("wthr.bytes_sent", res.BytesSent))
	if failures := res.GenerateFailures + res.SendFailures; failures > 0 {
		span.SetStatus(codes.Error, "partial delivery")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	b.metrics.observeCycle(res)
	return res
}

func (b *Broadcaster) deliver(ctx context.Context, conn Connection, res *CycleResult) {
	logger := b.logger.With("handle", conn.Handle, "conn_id", conn.ID)

	payload, err := b.generate(ctx, conn.Location)
	if err != nil {
		res.GenerateFailures++
		b.metrics.delivery(DeliveryGenerateFailed, 0)
		logger.Warn("forecast generation failed", "location", conn.Location.String(), "error", err)
		return
	}

	n, err := sendAll(conn.Socket, []byte(payload))
	res.BytesSent += int64(n)
	if err != nil {
		res.SendFailures++
		b.metrics.delivery(DeliverySendFailed, n)
		logger.Warn("send failed",
			"bytes_sent", n,
			"payload_bytes", len(payload),
			"error", NewConnError(conn.Handle, "send", err))
		return
	}
	res.Delivered++
	b.metrics.delivery(DeliveryOK, n)
	logger.Debug("forecast delivered", "bytes", n)
}

func (b *Broadcaster) generate(ctx context.Context, loc geo.Location) (string, error) {
	if b.generateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.generateTimeout)
		defer cancel()
	}
	return b.provider.Generate(ctx, loc)
}
