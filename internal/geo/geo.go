package geo

import (
	"context"
	"fmt"
	"math"

	"binroute-backend/internal/models"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
)

// Leg is the travel distance and duration between two points
type Leg struct {
	Meters  int `json:"meters"`
	Seconds int `json:"seconds"`
}

// Provider returns travel estimates between coordinates.
// Implementations must be safe for concurrent use.
type Provider interface {
	Distance(ctx context.Context, from, to models.Location) (Leg, error)
}

// DefaultSpeed is an average urban truck speed in m/s (~25 km/h)
const DefaultSpeed = 7.0

// HaversineProvider estimates legs from great-circle distance and a fixed speed.
// It never fails for valid coordinates and needs no network access.
type HaversineProvider struct {
	SpeedMetersPerSecond float64
}

// NewHaversineProvider creates a straight-line provider; speed <= 0 uses DefaultSpeed
func NewHaversineProvider(speed float64) *HaversineProvider {
	if speed <= 0 {
		speed = DefaultSpeed
	}
	return &HaversineProvider{SpeedMetersPerSecond: speed}
}

func (p *HaversineProvider) Distance(ctx context.Context, from, to models.Location) (Leg, error) {
	if err := ctx.Err(); err != nil {
		return Leg{}, models.GeoLookupError(err, "haversine lookup cancelled")
	}
	if !from.Valid() || !to.Valid() {
		return Leg{}, models.GeoLookupError(nil, "invalid coordinates %s -> %s", Key(from), Key(to))
	}

	// take note: orb.Point{lon,lat}
	meters := orbgeo.DistanceHaversine(
		orb.Point{from.Longitude, from.Latitude},
		orb.Point{to.Longitude, to.Latitude},
	)

	return Leg{
		Meters:  int(math.Round(meters)),
		Seconds: int(math.Round(meters / p.SpeedMetersPerSecond)),
	}, nil
}

// Key renders a location as a stable cache key (about 1 m precision)
func Key(l models.Location) string {
	return fmt.Sprintf("%.5f,%.5f", l.Latitude, l.Longitude)
}
