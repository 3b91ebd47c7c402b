// Package geo maps client network addresses to geographic coordinates.
//
// The production resolver queries ipinfo.io; Fixed is available for local
// development where every client is a loopback (bogon) address.
package geo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// ErrNotFound is returned when an address cannot be mapped to a location,
// e.g. private, loopback or otherwise unroutable addresses.
var ErrNotFound = errors.New("geo: location not found")

// Location is a latitude/longitude pair in decimal degrees.
type Location struct {
	Latitude  float64
	Longitude float64
}

// String formats the location the way ipinfo reports it ("lat,lon").
func (l Location) String() string {
	return strconv.FormatFloat(l.Latitude, 'f', 4, 64) + "," + strconv.FormatFloat(l.Longitude, 'f', 4, 64)
}

// Valid reports whether both coordinates are within range.
func (l Location) Valid() bool {
	return l.Latitude >= -90 && l.Latitude <= 90 && l.Longitude >= -180 && l.Longitude <= 180
}

// ParseLocation parses a "lat,lon" pair.
func ParseLocation(s string) (Location, error) {
	latStr, lonStr, ok := strings.Cut(strings.TrimSpace(s), ",")
	if !ok {
		return Location{}, fmt.Errorf("geo: invalid location %q: want \"lat,lon\"", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return Location{}, fmt.Errorf("geo: invalid latitude %q: %w", latStr, err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
	if err != nil {
		return Location{}, fmt.Errorf("geo: invalid longitude %q: %w", lonStr, err)
	}
	loc := Location{Latitude: lat, Longitude: lon}
	if !loc.Valid() {
		return Location{}, fmt.Errorf("geo: location %q out of range", s)
	}
	return loc, nil
}

// Resolver resolves a remote address to a location.
// Implementations must bound their own latency.
type Resolver interface {
	Resolve(ctx context.Context, remoteAddr string) (Location, error)
}

// Fixed resolves every address to the same location.
type Fixed struct {
	Location Location
}

// Resolve implements Resolver.
func (f Fixed) Resolve(ctx context.Context, remoteAddr string) (Location, error) {
	if err := ctx.Err(); err != nil {
		return Location{}, err
	}
	return f.Location, nil
}

// parseAddr accepts a bare IP or an "ip:port" pair and returns the unmapped IP.
func parseAddr(remoteAddr string) (netip.Addr, error) {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: invalid address %q", ErrNotFound, remoteAddr)
	}
	return addr.Unmap().WithZone(""), nil
}
