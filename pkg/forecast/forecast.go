// Package forecast produces the hourly weather report pushed to clients.
//
// Hourly data comes from the open-meteo API (Client) and is rendered into
// newline-terminated text lines by Format. Provider glues the two together
// and is what the server's broadcaster calls once per cycle per client.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vango-dev/wthr/pkg/geo"
)

// Hours is the number of hourly slots in a daily forecast.
const Hours = 24

// ErrUnavailable is returned when no forecast can be produced for a location.
var ErrUnavailable = errors.New("forecast: unavailable")

// Phrases used for out-of-range values.
const (
	InvalidPrecipitation = "Invalid precipitation probability value"
	InvalidCloudCover    = "Invalid cloudy coverage value"
)

// Hour is one hourly slot.
type Hour struct {
	Time          time.Time
	Temperature   float64 // °C
	Humidity      int     // %
	WindSpeed     float64 // km/h
	Precipitation int     // probability, 0-100
	CloudCover    int     // %, 0-100
}

// Forecast is a day of hourly slots for one location.
type Forecast struct {
	Timezone string
	Hours    []Hour
}

// Day returns the date the forecast covers, in the location's timezone.
func (f Forecast) Day() time.Time {
	if len(f.Hours) == 0 {
		return time.Time{}
	}
	return f.Hours[0].Time
}

// PrecipitationPhrase describes a precipitation probability.
func PrecipitationPhrase(probability int) string {
	switch {
	case probability <= 10:
		return "No precipitation"
	case probability <= 35:
		return "Might be snow or rain"
	case probability <= 80:
		return "Likely will be snow or rain"
	case probability <= 100:
		return "Very likely will be snow or rain"
	default:
		return InvalidPrecipitation
	}
}

// CloudPhrase describes a cloud coverage percentage.
func CloudPhrase(coverage int) string {
	switch {
	case coverage <= 20:
		return "Clear sky"
	case coverage <= 60:
		return "Partly cloudy"
	case coverage <= 100:
		return "Cloudy"
	default:
		return InvalidCloudCover
	}
}

// Format renders the forecast as a header line followed by one line per hour.
// Temperatures are truncated toward zero, as are all percentages.
func Format(f Forecast) string {
	var b strings.Builder
	b.Grow(64 + len(f.Hours)*96)

	fmt.Fprintf(&b, "Forecast for %s:\n", f.Day().Weekday())
	for i, h := range f.Hours {
		fmt.Fprintf(&b, "%02d:00: Temperature %dC, Humidity %d%%, Wind %.1fkm/h, %s, %s\n",
			i,
			int(h.Temperature),
			h.Humidity,
			h.WindSpeed,
			PrecipitationPhrase(h.Precipitation),
			CloudPhrase(h.CloudCover))
	}
	return b.String()
}

// Fetcher retrieves the hourly forecast for a location.
type Fetcher interface {
	Fetch(ctx context.Context, loc geo.Location) (Forecast, error)
}

// Provider generates formatted forecasts.
type Provider struct {
	fetcher Fetcher
}

// NewProvider creates a Provider backed by fetcher.
func NewProvider(fetcher Fetcher) *Provider {
	return &Provider{fetcher: fetcher}
}

// Generate fetches and formats the forecast for loc.
// Every failure is reported as ErrUnavailable wrapping the cause.
func (p *Provider) Generate(ctx context.Context, loc geo.Location) (string, error) {
	f, err := p.fetcher.Fetch(ctx, loc)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return Format(f), nil
}
