package roads

import (
	"context"
	"errors"
	"sync"
	"testing"

	"binroute-backend/internal/geo"
	"binroute-backend/internal/models"
)

type countingProvider struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *countingProvider) Distance(ctx context.Context, from, to models.Location) (geo.Leg, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return geo.Leg{}, p.err
	}
	return geo.Leg{Meters: 1200, Seconds: 180}, nil
}

type mapLegStore struct {
	legs map[string]geo.Leg
	fail bool
}

func (s *mapLegStore) GetLeg(ctx context.Context, origin, destination string) (geo.Leg, bool, error) {
	if s.fail {
		return geo.Leg{}, false, errors.New("connection refused")
	}
	leg, ok := s.legs[origin+"|"+destination]
	return leg, ok, nil
}

func (s *mapLegStore) PutLeg(ctx context.Context, origin, destination string, leg geo.Leg) error {
	if s.fail {
		return errors.New("connection refused")
	}
	s.legs[origin+"|"+destination] = leg
	return nil
}

var (
	from = models.Location{Latitude: 37.3349, Longitude: -121.8881}
	to   = models.Location{Latitude: 37.3382, Longitude: -121.8863}
)

func TestCachedProviderServesRepeatsFromMemory(t *testing.T) {
	next := &countingProvider{}
	c := NewCachedProvider(next, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		leg, err := c.Distance(ctx, from, to)
		if err != nil {
			t.Fatalf("Distance: %v", err)
		}
		if leg.Meters != 1200 {
			t.Fatalf("meters = %d, want 1200", leg.Meters)
		}
	}
	if next.calls != 1 {
		t.Fatalf("provider calls = %d, want 1", next.calls)
	}

	// Direction matters
	c.Distance(ctx, to, from)
	if next.calls != 2 {
		t.Fatalf("provider calls = %d, want 2", next.calls)
	}

	stats := c.GetStats()
	if stats["hits"].(int64) != 2 || stats["cache_size"].(int) != 2 {
		t.Fatalf("stats = %v", stats)
	}
}

func TestCachedProviderUsesPersistentStore(t *testing.T) {
	store := &mapLegStore{legs: map[string]geo.Leg{
		geo.Key(from) + "|" + geo.Key(to): {Meters: 900, Seconds: 90},
	}}
	next := &countingProvider{}
	c := NewCachedProvider(next, store)
	ctx := context.Background()

	leg, err := c.Distance(ctx, from, to)
	if err != nil || leg.Meters != 900 || next.calls != 0 {
		t.Fatalf("leg = %+v err = %v calls = %d, want stored leg", leg, err, next.calls)
	}

	if _, err := c.Distance(ctx, to, from); err != nil {
		t.Fatalf("Distance: %v", err)
	}
	if _, ok := store.legs[geo.Key(to)+"|"+geo.Key(from)]; !ok {
		t.Fatal("fetched leg was not written to the store")
	}
}

func TestCachedProviderSurvivesStoreOutage(t *testing.T) {
	next := &countingProvider{}
	c := NewCachedProvider(next, &mapLegStore{fail: true})

	leg, err := c.Distance(context.Background(), from, to)
	if err != nil || leg.Meters != 1200 {
		t.Fatalf("leg = %+v err = %v, want provider leg", leg, err)
	}
}

func TestCachedProviderDoesNotCacheFailures(t *testing.T) {
	next := &countingProvider{err: models.GeoLookupError(nil, "quota exceeded")}
	c := NewCachedProvider(next, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.Distance(ctx, from, to); !errors.Is(err, models.ErrGeoLookup) {
			t.Fatalf("err = %v, want geo lookup", err)
		}
	}
	if next.calls != 2 {
		t.Fatalf("provider calls = %d, want 2", next.calls)
	}
}

func TestCachedProviderEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCachedProvider(&countingProvider{}, nil)
	c.maxEntries = 2
	ctx := context.Background()

	third := models.Location{Latitude: 37.35, Longitude: -121.9}
	c.Distance(ctx, from, to)
	c.Distance(ctx, to, from)
	c.Distance(ctx, from, to) // touch
	c.Distance(ctx, from, third)

	if _, ok := c.cache[cacheKey(to, from)]; ok {
		t.Fatal("least recently used leg survived eviction")
	}
	if _, ok := c.cache[cacheKey(from, to)]; !ok {
		t.Fatal("recently used leg was evicted")
	}
}
