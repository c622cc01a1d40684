package services

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"binroute-backend/internal/geo"
	"binroute-backend/internal/models"
)

var (
	locS = models.Location{Latitude: 37.00, Longitude: -122.00}
	locE = models.Location{Latitude: 37.10, Longitude: -122.00}
	locA = models.Location{Latitude: 37.01, Longitude: -122.01}
	locB = models.Location{Latitude: 37.02, Longitude: -122.02}
	locC = models.Location{Latitude: 37.03, Longitude: -122.03}
)

// trapMatrix makes nearest neighbour pick S-A-C-B-E (18 km) while the best
// tour is S-B-A-C-E (8 km)
func trapMatrix() *geo.MockProvider {
	km := func(from, to models.Location, n int) []geo.MockPair {
		return []geo.MockPair{
			{From: from, To: to, Meters: n * 1000, Seconds: n * 100},
			{From: to, To: from, Meters: n * 1000, Seconds: n * 100},
		}
	}
	var pairs []geo.MockPair
	pairs = append(pairs, km(locS, locA, 1)...)
	pairs = append(pairs, km(locS, locB, 2)...)
	pairs = append(pairs, km(locS, locC, 10)...)
	pairs = append(pairs, km(locA, locB, 3)...)
	pairs = append(pairs, km(locA, locC, 2)...)
	pairs = append(pairs, km(locB, locC, 5)...)
	pairs = append(pairs, km(locA, locE, 10)...)
	pairs = append(pairs, km(locB, locE, 10)...)
	pairs = append(pairs, km(locC, locE, 1)...)
	return geo.NewMockProvider(pairs)
}

func stopOrder(r *models.Route) []string {
	r.SortStops()
	ids := make([]string, len(r.Stops))
	for i, s := range r.Stops {
		ids[i] = s.BinID
	}
	return ids
}

func TestBuildRouteTwoOptFixesNearestNeighbour(t *testing.T) {
	env := newTestEnv(t, trapMatrix())
	env.addBin(t, "A", 1, locA.Latitude, locA.Longitude, 50)
	env.addBin(t, "B", 2, locB.Latitude, locB.Longitude, 50)
	env.addBin(t, "C", 3, locC.Latitude, locC.Longitude, 50)

	route, err := env.builder.PreviewRoute(context.Background(), models.BuildRouteRequest{
		BinIDs: []string{"A", "B", "C"}, Start: &locS, End: &locE,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := strings.Join(stopOrder(route), ","); got != "B,A,C" {
		t.Fatalf("order = %s, want B,A,C", got)
	}
	if route.DistanceMeters != 8000 {
		t.Fatalf("distance = %d, want 8000", route.DistanceMeters)
	}
	// 800s driving + 3 x 60s service
	if route.EstimatedSeconds != 980 {
		t.Fatalf("estimated = %d, want 980", route.EstimatedSeconds)
	}
	wantArrivals := []int{200, 560, 820}
	for i, s := range route.Stops {
		if s.SequenceOrder != i+1 {
			t.Fatalf("stop %d order = %d", i, s.SequenceOrder)
		}
		if s.EstimatedSeconds != wantArrivals[i] {
			t.Fatalf("stop %s arrival = %d, want %d", s.BinID, s.EstimatedSeconds, wantArrivals[i])
		}
	}
	if err := route.ValidateOrder(); err != nil {
		t.Fatalf("ValidateOrder: %v", err)
	}
}

func TestBuildRouteTieBreaksOnUrgencyThenID(t *testing.T) {
	tie := geo.NewMockProvider([]geo.MockPair{
		{From: locS, To: locA, Meters: 1000}, {From: locS, To: locB, Meters: 1000},
		{From: locA, To: locB, Meters: 500}, {From: locB, To: locA, Meters: 500},
		{From: locA, To: locE, Meters: 1000}, {From: locB, To: locE, Meters: 1000},
	})

	env := newTestEnv(t, tie)
	env.addBin(t, "x", 1, locA.Latitude, locA.Longitude, 10)
	env.addBin(t, "y", 2, locB.Latitude, locB.Longitude, 95)

	req := models.BuildRouteRequest{BinIDs: []string{"x", "y"}, Start: &locS, End: &locE}
	route, err := env.builder.PreviewRoute(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := stopOrder(route)[0]; got != "y" {
		t.Fatalf("first stop = %s, want the urgent bin y", got)
	}

	env2 := newTestEnv(t, tie)
	env2.addBin(t, "x", 1, locA.Latitude, locA.Longitude, 50)
	env2.addBin(t, "y", 2, locB.Latitude, locB.Longitude, 50)
	route, err = env2.builder.PreviewRoute(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := stopOrder(route)[0]; got != "x" {
		t.Fatalf("first stop = %s, want x on equal urgency", got)
	}
}

func TestBuildRouteIsDeterministic(t *testing.T) {
	env := newTestEnv(t, nil)
	ids := []string{"b1", "b2", "b3", "b4", "b5", "b6"}
	coords := [][2]float64{
		{37.331, -121.889}, {37.352, -121.901}, {37.318, -121.872},
		{37.344, -121.860}, {37.309, -121.915}, {37.366, -121.880},
	}
	for i, id := range ids {
		env.addBin(t, id, i+1, coords[i][0], coords[i][1], 40+i*10)
	}

	first, err := env.builder.PreviewRoute(context.Background(), models.BuildRouteRequest{BinIDs: ids})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	shuffled := []string{"b4", "b1", "b6", "b3", "b5", "b2", "b4"}
	second, err := env.builder.PreviewRoute(context.Background(), models.BuildRouteRequest{BinIDs: shuffled})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if a, b := strings.Join(stopOrder(first), ","), strings.Join(stopOrder(second), ","); a != b {
		t.Fatalf("orders differ: %s vs %s", a, b)
	}
	if first.DistanceMeters != second.DistanceMeters {
		t.Fatalf("distance = %d vs %d", first.DistanceMeters, second.DistanceMeters)
	}
	if first.DistanceMeters <= 0 {
		t.Fatalf("distance = %d, want > 0", first.DistanceMeters)
	}
}

func TestBuildRouteSwappedEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	west := models.Location{Latitude: 37.30, Longitude: -121.90}
	east := models.Location{Latitude: 37.40, Longitude: -121.90}
	env.addBin(t, "p", 1, 37.32, -121.90, 50)
	env.addBin(t, "q", 2, 37.35, -121.90, 50)
	env.addBin(t, "r", 3, 37.38, -121.90, 50)

	ids := []string{"p", "q", "r"}
	forward, err := env.builder.PreviewRoute(context.Background(), models.BuildRouteRequest{BinIDs: ids, Start: &west, End: &east})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	backward, err := env.builder.PreviewRoute(context.Background(), models.BuildRouteRequest{BinIDs: ids, Start: &east, End: &west})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Stops on one street: both directions converge to the same sweep
	if diff := backward.DistanceMeters - forward.DistanceMeters; diff < -3 || diff > 3 {
		t.Fatalf("swapped distance = %d, forward = %d", backward.DistanceMeters, forward.DistanceMeters)
	}
	if got := strings.Join(stopOrder(backward), ","); got != "r,q,p" {
		t.Fatalf("backward order = %s, want r,q,p", got)
	}
}

func TestBuildRouteNeedsTwoStops(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.addBin(t, "only", 1, 37.33, -121.88, 90)

	for _, ids := range [][]string{{"only"}, {"only", "only"}, nil} {
		_, err := env.builder.BuildRoute(ctx, models.BuildRouteRequest{BinIDs: ids, CollectorID: "c"})
		if !errors.Is(err, models.ErrInsufficientStops) {
			t.Fatalf("BuildRoute(%v) err = %v, want insufficient stops", ids, err)
		}
		if !errors.Is(err, models.ErrValidation) {
			t.Fatalf("insufficient stops should also be a validation error")
		}
	}

	routes, _ := env.store.ListRoutes(ctx, models.RouteFilter{})
	if len(routes) != 0 {
		t.Fatalf("routes = %d, want none created", len(routes))
	}
}

func TestBuildRouteRetriesLookupOnce(t *testing.T) {
	provider := &flakyProvider{next: geo.NewHaversineProvider(10), bad: models.Location{Latitude: 37.34, Longitude: -121.87}, failures: 1}
	env := newTestEnv(t, provider)
	env.addBin(t, "a", 1, 37.33, -121.88, 50)
	env.addBin(t, "b", 2, 37.34, -121.87, 50)

	if _, err := env.builder.PreviewRoute(context.Background(), models.BuildRouteRequest{BinIDs: []string{"a", "b"}}); err != nil {
		t.Fatalf("one transient failure should be retried: %v", err)
	}

	// start->a, start->b, a->b, b->a, a->end, b->end plus one retry
	if calls := atomic.LoadInt32(&provider.calls); calls != 7 {
		t.Fatalf("calls = %d, want 7", calls)
	}
}

func TestBuildRouteFailsNamingTheStop(t *testing.T) {
	provider := &flakyProvider{next: geo.NewHaversineProvider(10), bad: models.Location{Latitude: 37.34, Longitude: -121.87}, failures: 1000}
	env := newTestEnv(t, provider)
	ctx := context.Background()
	env.addBin(t, "a", 1, 37.33, -121.88, 50)
	env.addBin(t, "b", 2, 37.34, -121.87, 50)

	_, err := env.builder.BuildRoute(ctx, models.BuildRouteRequest{BinIDs: []string{"a", "b"}, CollectorID: "c"})
	if !errors.Is(err, models.ErrRouteBuild) {
		t.Fatalf("err = %v, want route build error", err)
	}
	if !strings.Contains(err.Error(), "bin ") {
		t.Fatalf("error %q does not name the stop", err)
	}
	if !errors.Is(err, models.ErrGeoLookup) {
		t.Fatalf("error %q should wrap the geo lookup failure", err)
	}

	routes, _ := env.store.ListRoutes(ctx, models.RouteFilter{})
	if len(routes) != 0 {
		t.Fatalf("routes = %d, want none after failure", len(routes))
	}
}

func TestBuildRouteTimesOut(t *testing.T) {
	env := newTestEnv(t, slowProvider{})
	env.builder.cfg.BuildTimeout = 50 * time.Millisecond
	env.addBin(t, "a", 1, 37.33, -121.88, 50)
	env.addBin(t, "b", 2, 37.34, -121.87, 50)

	_, err := env.builder.BuildRoute(context.Background(), models.BuildRouteRequest{BinIDs: []string{"a", "b"}, CollectorID: "c"})
	if !errors.Is(err, models.ErrRouteBuild) {
		t.Fatalf("err = %v, want route build error", err)
	}
}

// expiringCtx reports a deadline once Err has been called more than left times
type expiringCtx struct {
	context.Context
	left int32
}

func (c *expiringCtx) Err() error {
	if atomic.AddInt32(&c.left, -1) < 0 {
		return context.DeadlineExceeded
	}
	return nil
}

func TestTwoOptStopsMidPass(t *testing.T) {
	const stops = 20
	size := stops + 2
	matrix := make([][]geo.Leg, size)
	for i := range matrix {
		matrix[i] = make([]geo.Leg, size)
		for j := range matrix[i] {
			d := i - j
			if d < 0 {
				d = -d
			}
			matrix[i][j] = geo.Leg{Meters: d * 100}
		}
	}
	tour := make([]int, stops)
	for i := range tour {
		tour[i] = stops - i
	}

	ctx := &expiringCtx{Context: context.Background(), left: 2}
	_, passes, err := twoOpt(ctx, matrix, tour, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded within the first pass", err)
	}
	if passes != 1 {
		t.Fatalf("passes = %d, want 1", passes)
	}

	best, _, err := twoOpt(context.Background(), matrix, tour, 50)
	if err != nil {
		t.Fatalf("twoOpt: %v", err)
	}
	if got, want := tourCost(matrix, best), (stops+1)*100; got != want {
		t.Fatalf("cost = %d, want %d", got, want)
	}
}

func TestBuildRouteAttachesPendingSchedules(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.addBin(t, "a", 1, 37.33, -121.88, 85)
	env.addBin(t, "b", 2, 37.34, -121.87, 85)
	env.addBin(t, "c", 3, 37.35, -121.86, 85)
	s := env.schedule(t, "a", env.window(8, 2), models.RecurrenceNone)

	route, err := env.builder.BuildRoute(ctx, models.BuildRouteRequest{BinIDs: []string{"a", "b"}, CollectorID: "collector-1"})
	if err != nil {
		t.Fatalf("BuildRoute: %v", err)
	}

	attached, _ := env.store.GetSchedule(ctx, s.ID)
	if attached.RouteID == nil || *attached.RouteID != route.ID {
		t.Fatalf("schedule route_id = %v, want %s", attached.RouteID, route.ID)
	}
	stored, err := env.store.GetRoute(ctx, route.ID)
	if err != nil {
		t.Fatalf("GetRoute: %v", err)
	}
	for _, stop := range stored.Stops {
		if stop.BinID == "a" && (stop.ScheduleID == nil || *stop.ScheduleID != s.ID) {
			t.Fatalf("stop a schedule = %v, want %s", stop.ScheduleID, s.ID)
		}
		if stop.BinID == "b" && stop.ScheduleID != nil {
			t.Fatalf("stop b has no pending schedule, got %s", *stop.ScheduleID)
		}
	}

	_, err = env.builder.BuildRoute(ctx, models.BuildRouteRequest{BinIDs: []string{"a", "c"}, CollectorID: "collector-2"})
	if !errors.Is(err, models.ErrConflict) {
		t.Fatalf("second route err = %v, want conflict", err)
	}
	routes, _ := env.store.ListRoutes(ctx, models.RouteFilter{})
	if len(routes) != 1 {
		t.Fatalf("routes = %d, want 1", len(routes))
	}

	if env.notifier.Wait(); env.events.count(EventRouteAssigned) != 1 {
		t.Fatalf("route.assigned events = %d, want 1", env.events.count(EventRouteAssigned))
	}
}

func TestBuildRouteRejectsMissingBin(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addBin(t, "a", 1, 37.33, -121.88, 50)

	_, err := env.builder.BuildRoute(context.Background(), models.BuildRouteRequest{BinIDs: []string{"a", "ghost"}, CollectorID: "c"})
	if !errors.Is(err, models.ErrDataConsistency) {
		t.Fatalf("err = %v, want data consistency", err)
	}
}
