package geo

import (
	"context"

	"binroute-backend/internal/models"
)

// MockPair is one directed leg served by MockProvider
type MockPair struct {
	From, To models.Location
	Meters   int
	Seconds  int
}

// MockProvider serves a fixed table of legs; unknown pairs fail with
// GeoLookupError. Used in tests and demos that must not hit the network.
type MockProvider struct {
	m map[string]Leg
}

func NewMockProvider(pairs []MockPair) *MockProvider {
	m := make(map[string]Leg, len(pairs))
	for _, p := range pairs {
		m[Key(p.From)+"|"+Key(p.To)] = Leg{Meters: p.Meters, Seconds: p.Seconds}
	}
	return &MockProvider{m: m}
}

func (p *MockProvider) Distance(ctx context.Context, from, to models.Location) (Leg, error) {
	leg, ok := p.m[Key(from)+"|"+Key(to)]
	if !ok {
		return Leg{}, models.GeoLookupError(nil, "missing pair %s -> %s", Key(from), Key(to))
	}
	return leg, nil
}
