package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/vango-dev/wthr/internal/ttlcache"
)

// DefaultBaseURL is the ipinfo.io API root.
const DefaultBaseURL = "https://ipinfo.io"

const maxResponseBytes = 64 * 1024

// ClientConfig configures the ipinfo client.
type ClientConfig struct {
	// BaseURL is the API root. Default: DefaultBaseURL.
	BaseURL string

	// Token is an optional ipinfo access token sent as a bearer token.
	Token string

	// Timeout bounds a single lookup including rate-limit waiting.
	// Default: 5 seconds.
	Timeout time.Duration

	// CacheTTL is how long resolved locations are reused.
	// Zero disables caching.
	CacheTTL time.Duration

	// RateLimit is the sustained request rate in requests per second.
	// Zero means unlimited.
	RateLimit float64

	// Burst is the limiter burst size. Default: 1.
	Burst int
}

// DefaultClientConfig returns a ClientConfig with sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:   DefaultBaseURL,
		Timeout:   5 * time.Second,
		CacheTTL:  time.Hour,
		RateLimit: 10,
		Burst:     5,
	}
}

// Client resolves addresses via the ipinfo.io API.
type Client struct {
	config  ClientConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cache   *ttlcache.Cache[netip.Addr, Location]
	clock   clockwork.Clock
	tracer  trace.Tracer
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for lookups.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithClock sets the clock used by the cache.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates an ipinfo client.
func NewClient(config ClientConfig, opts ...Option) *Client {
	defaults := DefaultClientConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}

	c := &Client{
		config: config,
		http:   &http.Client{},
		clock:  clockwork.NewRealClock(),
		tracer: otel.Tracer("github.com/vango-dev/wthr/pkg/geo"),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "geo")

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	c.limiter = rate.NewLimiter(limit, config.Burst)
	c.cache = ttlcache.New[netip.Addr, Location](config.CacheTTL, 0, c.clock)
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ipinfo",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// An unroutable address is a valid answer, not an outage.
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})
	return c
}

// Resolve implements Resolver.
func (c *Client) Resolve(ctx context.Context, remoteAddr string) (Location, error) {
	addr, err := parseAddr(remoteAddr)
	if err != nil {
		return Location{}, err
	}
	if loc, ok := c.cache.Get(addr); ok {
		return loc, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "geo.resolve",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("net.peer.ip", addr.String())))
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rate limited")
		return Location{}, fmt.Errorf("geo: rate limit wait: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, addr)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("geo: ipinfo unavailable: %w", err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Location{}, err
	}

	loc := result.(Location)
	c.cache.Set(addr, loc)
	span.SetAttributes(attribute.String("geo.location", loc.String()))
	return loc, nil
}

func (c *Client) fetch(ctx context.Context, addr netip.Addr) (Location, error) {
	endpoint, err := url.JoinPath(c.config.BaseURL, addr.String())
	if err != nil {
		return Location{}, fmt.Errorf("geo: build url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Location{}, fmt.Errorf("geo: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("geo: ipinfo request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Location{}, fmt.Errorf("geo: read ipinfo response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Location{}, fmt.Errorf("%w: ipinfo has no record for %s", ErrNotFound, addr)
	case resp.StatusCode != http.StatusOK:
		return Location{}, fmt.Errorf("geo: ipinfo returned status %d", resp.StatusCode)
	}

	return ParseIPInfo(body)
}

type ipInfoResponse struct {
	IP    string `json:"ip"`
	Bogon bool   `json:"bogon"`
	Loc   string `json:"loc"`
}

// ParseIPInfo extracts the location from an ipinfo JSON document.
// Bogon addresses and documents without a "loc" field yield ErrNotFound.
func ParseIPInfo(data []byte) (Location, error) {
	var resp ipInfoResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Location{}, fmt.Errorf("geo: decode ipinfo response: %w", err)
	}
	if resp.Bogon {
		return Location{}, fmt.Errorf("%w: %s is a bogon address", ErrNotFound, resp.IP)
	}
	if resp.Loc == "" {
		return Location{}, fmt.Errorf("%w: missing loc field", ErrNotFound)
	}
	loc, err := ParseLocation(resp.Loc)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return loc, nil
}
