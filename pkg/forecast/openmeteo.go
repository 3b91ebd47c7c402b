package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/wthr/internal/ttlcache"
	"github.com/vango-dev/wthr/pkg/geo"
)

// DefaultBaseURL is the open-meteo API root.
const DefaultBaseURL = "https://api.open-meteo.com"

const (
	hourlyFields     = "temperature_2m,relative_humidity_2m,precipitation_probability,cloud_cover,wind_speed_10m"
	timeLayout       = "2006-01-02T15:04"
	maxResponseBytes = 256 * 1024
)

// ClientConfig configures the open-meteo client.
type ClientConfig struct {
	// BaseURL is the API root. Default: DefaultBaseURL.
	BaseURL string

	// Timeout bounds a single fetch. Default: 10 seconds.
	Timeout time.Duration

	// CacheTTL is how long a forecast for the same coordinates is reused.
	// Zero disables caching.
	CacheTTL time.Duration
}

// DefaultClientConfig returns a ClientConfig with sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:  DefaultBaseURL,
		Timeout:  10 * time.Second,
		CacheTTL: 15 * time.Minute,
	}
}

// Client fetches hourly forecasts from open-meteo.
type Client struct {
	config  ClientConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	cache   *ttlcache.Cache[geo.Location, Forecast]
	clock   clockwork.Clock
	tracer  trace.Tracer
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client.
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

// NewClient creates an open-meteo client.
func NewClient(config ClientConfig, opts ...Option) *Client {
	defaults := DefaultClientConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}

	c := &Client{
		config: config,
		http:   &http.Client{},
		clock:  clockwork.NewRealClock(),
		tracer: otel.Tracer("github.com/vango-dev/wthr/pkg/forecast"),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "forecast")
	c.cache = ttlcache.New[geo.Location, Forecast](config.CacheTTL, 0, c.clock)
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "open-meteo",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
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

// Fetch implements Fetcher.
func (c *Client) Fetch(ctx context.Context, loc geo.Location) (Forecast, error) {
	key := roundLocation(loc)
	if f, ok := c.cache.Get(key); ok {
		return f, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "forecast.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("geo.location", loc.String())))
	defer span.End()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, loc)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: open-meteo circuit %v", ErrUnavailable, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Forecast{}, err
	}

	f := result.(Forecast)
	c.cache.Set(key, f)
	return f, nil
}

func (c *Client) fetch(ctx context.Context, loc geo.Location) (Forecast, error) {
	endpoint, err := url.JoinPath(c.config.BaseURL, "v1", "forecast")
	if err != nil {
		return Forecast{}, fmt.Errorf("forecast: build url: %w", err)
	}
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(loc.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(loc.Longitude, 'f', -1, 64))
	q.Set("hourly", hourlyFields)
	q.Set("timezone", "auto")
	q.Set("forecast_days", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return Forecast{}, fmt.Errorf("forecast: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Forecast{}, fmt.Errorf("forecast: open-meteo request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Forecast{}, fmt.Errorf("forecast: read open-meteo response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Forecast{}, fmt.Errorf("forecast: open-meteo returned status %d", resp.StatusCode)
	}

	return ParseOpenMeteo(body)
}

type openMeteoResponse struct {
	Timezone string `json:"timezone"`
	Hourly   struct {
		Time          []string  `json:"time"`
		Temperature   []float64 `json:"temperature_2m"`
		Humidity      []float64 `json:"relative_humidity_2m"`
		Precipitation []float64 `json:"precipitation_probability"`
		CloudCover    []float64 `json:"cloud_cover"`
		WindSpeed     []float64 `json:"wind_speed_10m"`
	} `json:"hourly"`
}

// ParseOpenMeteo decodes an open-meteo hourly forecast document.
// Every hourly series must contain exactly Hours entries.
func ParseOpenMeteo(data []byte) (Forecast, error) {
	var resp openMeteoResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Forecast{}, fmt.Errorf("%w: decode open-meteo response: %v", ErrUnavailable, err)
	}

	h := resp.Hourly
	series := map[string]int{
		"time":                      len(h.Time),
		"temperature_2m":            len(h.Temperature),
		"relative_humidity_2m":      len(h.Humidity),
		"precipitation_probability": len(h.Precipitation),
		"cloud_cover":               len(h.CloudCover),
		"wind_speed_10m":            len(h.WindSpeed),
	}
	for name, n := range series {
		if n != Hours {
			return Forecast{}, fmt.Errorf("%w: series %s has %d entries, want %d", ErrUnavailable, name, n, Hours)
		}
	}

	tz := time.UTC
	if resp.Timezone != "" {
		if l, err := time.LoadLocation(resp.Timezone); err == nil {
			tz = l
		}
	}

	f := Forecast{
		Timezone: resp.Timezone,
		Hours:    make([]Hour, Hours),
	}
	for i := 0; i < Hours; i++ {
		ts, err := time.ParseInLocation(timeLayout, h.Time[i], tz)
		if err != nil {
			return Forecast{}, fmt.Errorf("%w: invalid time %q: %v", ErrUnavailable, h.Time[i], err)
		}
		f.Hours[i] = Hour{
			Time:          ts,
			Temperature:   h.Temperature[i],
			Humidity:      int(h.Humidity[i]),
			WindSpeed:     h.WindSpeed[i],
			Precipitation: int(h.Precipitation[i]),
			CloudCover:    int(h.CloudCover[i]),
		}
	}
	return f, nil
}

// roundLocation buckets coordinates to ~1km so nearby clients share a forecast.
func roundLocation(loc geo.Location) geo.Location {
	return geo.Location{
		Latitude:  math.Round(loc.Latitude*100) / 100,
		Longitude: math.Round(loc.Longitude*100) / 100,
	}
}
