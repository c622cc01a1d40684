package geo

import (
	"context"
	"errors"
	"testing"

	"binroute-backend/internal/models"
)

func TestHaversineProviderDistance(t *testing.T) {
	p := NewHaversineProvider(10)

	// One hundredth of a degree of latitude is ~1.11 km everywhere.
	from := models.Location{Latitude: 37.33, Longitude: -121.88}
	to := models.Location{Latitude: 37.34, Longitude: -121.88}

	leg, err := p.Distance(context.Background(), from, to)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if leg.Meters < 1100 || leg.Meters > 1125 {
		t.Fatalf("meters = %d, want ~1112", leg.Meters)
	}
	if diff := leg.Seconds - leg.Meters/10; diff < 0 || diff > 1 {
		t.Fatalf("seconds = %d, want ~%d", leg.Seconds, leg.Meters/10)
	}

	back, err := p.Distance(context.Background(), to, from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if back != leg {
		t.Fatalf("haversine is symmetric: %+v vs %+v", back, leg)
	}
}

func TestHaversineProviderRejectsInvalidCoordinates(t *testing.T) {
	p := NewHaversineProvider(0)
	_, err := p.Distance(context.Background(), models.Location{Latitude: 95}, models.Location{})
	if !errors.Is(err, models.ErrGeoLookup) {
		t.Fatalf("err = %v, want geo lookup error", err)
	}
}
