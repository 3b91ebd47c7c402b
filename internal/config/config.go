package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"

	"github.com/vango-dev/wthr/internal/errors"
	"github.com/vango-dev/wthr/pkg/forecast"
	"github.com/vango-dev/wthr/pkg/geo"
	"github.com/vango-dev/wthr/pkg/server"
)

const (
	// ConfigFileName is the name of the optional configuration file.
	ConfigFileName = "wthr.json"

	// EnvFileName is the optional dotenv file read from the working directory.
	EnvFileName = ".env"
)

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// UnmarshalText parses a duration such as "90s" or "24h".
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders the duration in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete wthr configuration.
type Config struct {
	// Broadcast and per-client timing.
	Interval        Duration `json:"interval,omitempty" env:"WTHR_INTERVAL"`
	SendTimeout     Duration `json:"sendTimeout,omitempty" env:"WTHR_SEND_TIMEOUT"`
	ResolveTimeout  Duration `json:"resolveTimeout,omitempty" env:"WTHR_RESOLVE_TIMEOUT"`
	GenerateTimeout Duration `json:"generateTimeout,omitempty" env:"WTHR_GENERATE_TIMEOUT"`

	// MaxConnections caps registered clients. Zero means unlimited.
	MaxConnections int `json:"maxConnections,omitempty" env:"WTHR_MAX_CONNECTIONS"`

	// Backlog is the listen queue length.
	Backlog int `json:"backlog,omitempty" env:"WTHR_BACKLOG"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"logLevel,omitempty" env:"WTHR_LOG_LEVEL"`

	// LogFormat is text or json.
	LogFormat string `json:"logFormat,omitempty" env:"WTHR_LOG_FORMAT"`

	// MetricsAddr is the admin HTTP listen address. Empty disables it.
	MetricsAddr string `json:"metricsAddr,omitempty" env:"WTHR_METRICS_ADDR"`

	// Geolocation.
	IPInfoURL    string   `json:"ipinfoURL,omitempty" env:"WTHR_IPINFO_URL"`
	IPInfoToken  string   `json:"ipinfoToken,omitempty" env:"WTHR_IPINFO_TOKEN"`
	GeoCacheTTL  Duration `json:"geoCacheTTL,omitempty" env:"WTHR_GEO_CACHE_TTL"`
	GeoRateLimit float64  `json:"geoRateLimit,omitempty" env:"WTHR_GEO_RATE_LIMIT"`

	// FixedLocation, when set as "lat,lon", replaces ipinfo lookups.
	FixedLocation string `json:"fixedLocation,omitempty" env:"WTHR_FIXED_LOCATION"`

	// Forecast source.
	OpenMeteoURL     string   `json:"openMeteoURL,omitempty" env:"WTHR_OPEN_METEO_URL"`
	ForecastCacheTTL Duration `json:"forecastCacheTTL,omitempty" env:"WTHR_FORECAST_CACHE_TTL"`

	configPath string
}

// New returns a Config populated with defaults.
func New() *Config {
	srv := server.DefaultServerConfig()
	g := geo.DefaultClientConfig()
	f := forecast.DefaultClientConfig()

	return &Config{
		Interval:         Duration(srv.Interval),
		SendTimeout:      Duration(srv.SendTimeout),
		ResolveTimeout:   Duration(srv.ResolveTimeout),
		GenerateTimeout:  Duration(srv.GenerateTimeout),
		Backlog:          srv.Backlog,
		LogLevel:         "info",
		LogFormat:        "text",
		IPInfoURL:        g.BaseURL,
		GeoCacheTTL:      Duration(g.CacheTTL),
		GeoRateLimit:     g.RateLimit,
		OpenMeteoURL:     f.BaseURL,
		ForecastCacheTTL: Duration(f.CacheTTL),
	}
}

// Load builds the configuration from defaults, the config file and the
// environment. An empty path loads wthr.json from the working directory if
// it exists; an explicit path must exist.
func Load(path string) (*Config, error) {
	var (
		cfg *Config
		err error
	)
	switch {
	case path != "":
		cfg, err = LoadFile(path)
	case Exists("."):
		cfg, err = LoadFile(ConfigFileName)
	default:
		cfg = New()
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads configuration from the specified file path on top of the
// defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("W101").
				WithDetail("No configuration file found at " + path).
				WithSuggestion("Create it or drop --config to use defaults")
		}
		return nil, errors.New("W101").Wrap(err)
	}

	cfg := New()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.New("W101").
			WithDetail("Failed to parse " + filepath.Base(path) + ": " + err.Error())
	}
	cfg.configPath = path
	return cfg, nil
}

// ApplyEnv loads .env, if present, and overlays WTHR_* variables.
func (c *Config) ApplyEnv() error {
	if err := godotenv.Load(EnvFileName); err != nil && !os.IsNotExist(err) {
		return errors.New("W103").Wrap(fmt.Errorf("%s: %w", EnvFileName, err))
	}
	if err := env.Load(c, nil); err != nil {
		return errors.New("W103").Wrap(err)
	}
	return nil
}

// Exists reports whether dir contains a configuration file.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	return err == nil
}

// Path returns the path where the config was loaded from, if any.
func (c *Config) Path() string {
	return c.configPath
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.New("W102").WithDetail(fmt.Sprintf(format, args...))
	}

	if c.Interval.Std() < time.Second {
		return invalid("interval must be at least 1s, got %v", c.Interval.Std())
	}
	for name, d := range map[string]Duration{
		"sendTimeout":     c.SendTimeout,
		"resolveTimeout":  c.ResolveTimeout,
		"generateTimeout": c.GenerateTimeout,
	} {
		if d <= 0 {
			return invalid("%s must be positive, got %v", name, d.Std())
		}
	}
	if c.GeoCacheTTL < 0 || c.ForecastCacheTTL < 0 {
		return invalid("cache TTLs must not be negative")
	}
	if c.MaxConnections < 0 {
		return invalid("maxConnections must not be negative, got %d", c.MaxConnections)
	}
	if c.Backlog <= 0 {
		return invalid("backlog must be positive, got %d", c.Backlog)
	}
	if c.GeoRateLimit < 0 {
		return invalid("geoRateLimit must not be negative, got %v", c.GeoRateLimit)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return invalid("%v", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return invalid("logFormat must be text or json, got %q", c.LogFormat)
	}
	for name, raw := range map[string]string{"ipinfoURL": c.IPInfoURL, "openMeteoURL": c.OpenMeteoURL} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalid("%s must be an http(s) URL, got %q", name, raw)
		}
	}
	if c.FixedLocation != "" {
		if _, err := geo.ParseLocation(c.FixedLocation); err != nil {
			return invalid("fixedLocation: %v", err)
		}
	}
	return nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
}

// ServerConfig converts the settings into a server configuration for port.
func (c *Config) ServerConfig(port string) *server.ServerConfig {
	return &server.ServerConfig{
		Port:            port,
		Backlog:         c.Backlog,
		Interval:        c.Interval.Std(),
		SendTimeout:     c.SendTimeout.Std(),
		ResolveTimeout:  c.ResolveTimeout.Std(),
		GenerateTimeout: c.GenerateTimeout.Std(),
		MaxConnections:  c.MaxConnections,
	}
}

// GeoConfig returns the ipinfo client configuration.
func (c *Config) GeoConfig() geo.ClientConfig {
	g := geo.DefaultClientConfig()
	g.BaseURL = c.IPInfoURL
	g.Token = c.IPInfoToken
	g.Timeout = c.ResolveTimeout.Std()
	g.CacheTTL = c.GeoCacheTTL.Std()
	g.RateLimit = c.GeoRateLimit
	return g
}

// ForecastConfig returns the open-meteo client configuration.
func (c *Config) ForecastConfig() forecast.ClientConfig {
	f := forecast.DefaultClientConfig()
	f.BaseURL = c.OpenMeteoURL
	f.Timeout = c.GenerateTimeout.Std()
	f.CacheTTL = c.ForecastCacheTTL.Std()
	return f
}

// Location returns the fixed location, if one is configured.
func (c *Config) Location() (geo.Location, bool) {
	if c.FixedLocation == "" {
		return geo.Location{}, false
	}
	loc, err := geo.ParseLocation(c.FixedLocation)
	if err != nil {
		return geo.Location{}, false
	}
	return loc, true
}
