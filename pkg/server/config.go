package server

import (
	"fmt"
	"time"
)

// Notices written to a client before its socket is closed.
const (
	ResolveFailureNotice = "Couldn't retrieve geolocation data\n"
	CapacityNotice       = "Server is at capacity, try again later\n"
)

// ServerConfig holds configuration for the forecast server.
type ServerConfig struct {
	// Port is the decimal port number or service name to listen on.
	// "0" picks an ephemeral port.
	Port string

	// Backlog is the listen queue length.
	// Default: 10.
	Backlog int

	// Interval is the broadcast period. Cycles fire at wall-clock multiples
	// of Interval since the Unix epoch.
	// Default: 24 hours.
	Interval time.Duration

	// SendTimeout bounds a single blocking send to a client.
	// Default: 10 seconds.
	SendTimeout time.Duration

	// ResolveTimeout bounds the geolocation lookup for a new client.
	// Default: 5 seconds.
	ResolveTimeout time.Duration

	// GenerateTimeout bounds forecast generation for one recipient.
	// Default: 15 seconds.
	GenerateTimeout time.Duration

	// MaxConnections caps concurrently registered clients. Zero means no cap.
	MaxConnections int
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            "8080",
		Backlog:         10,
		Interval:        24 * time.Hour,
		SendTimeout:     10 * time.Second,
		ResolveTimeout:  5 * time.Second,
		GenerateTimeout: 15 * time.Second,
	}
}

// Clone returns a copy of the ServerConfig.
func (c *ServerConfig) Clone() *ServerConfig {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// withDefaults fills zero values from DefaultServerConfig.
func (c *ServerConfig) withDefaults() *ServerConfig {
	out := c.Clone()
	if out == nil {
		return DefaultServerConfig()
	}
	d := DefaultServerConfig()
	if out.Backlog <= 0 {
		out.Backlog = d.Backlog
	}
	if out.Interval <= 0 {
		out.Interval = d.Interval
	}
	if out.SendTimeout <= 0 {
		out.SendTimeout = d.SendTimeout
	}
	if out.ResolveTimeout <= 0 {
		out.ResolveTimeout = d.ResolveTimeout
	}
	if out.GenerateTimeout <= 0 {
		out.GenerateTimeout = d.GenerateTimeout
	}
	return out
}

// Validate reports the first invalid field.
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("%w: empty port", ErrInvalidPort)
	}
	if c.Backlog < 0 {
		return fmt.Errorf("server: backlog must not be negative, got %d", c.Backlog)
	}
	if c.Interval < 0 {
		return fmt.Errorf("server: interval must not be negative, got %v", c.Interval)
	}
	if c.Interval > 0 && c.Interval < time.Second {
		return fmt.Errorf("server: interval must be at least 1s, got %v", c.Interval)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("server: max connections must not be negative, got %d", c.MaxConnections)
	}
	return nil
}
