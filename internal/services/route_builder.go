package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"binroute-backend/internal/geo"
	"binroute-backend/internal/models"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Warehouse constants - routes start and end here unless told otherwise
const (
	WAREHOUSE_LAT = 37.34692
	WAREHOUSE_LNG = -121.92984
)

// GetWarehouseLocation returns the default depot
func GetWarehouseLocation() models.Location {
	return models.Location{Latitude: WAREHOUSE_LAT, Longitude: WAREHOUSE_LNG}
}

// RouteBuilderConfig tunes route construction
type RouteBuilderConfig struct {
	ServiceTime     time.Duration // Time spent emptying each bin
	BuildTimeout    time.Duration
	MaxTwoOptPasses int
	Parallelism     int // Concurrent distance lookups per build
	Depot           models.Location
}

// DefaultRouteBuilderConfig returns production defaults
func DefaultRouteBuilderConfig() RouteBuilderConfig {
	return RouteBuilderConfig{
		ServiceTime:     3 * time.Minute,
		BuildTimeout:    30 * time.Second,
		MaxTwoOptPasses: 50,
		Parallelism:     8,
		Depot:           GetWarehouseLocation(),
	}
}

// RouteBuilder orders a bin set into a route: nearest neighbour from the
// start, then 2-opt. Builds share nothing but the provider, so concurrent
// calls are independent.
type RouteBuilder struct {
	store    Store
	provider geo.Provider
	scorer   *Scorer
	notifier *Dispatcher
	cfg      RouteBuilderConfig
	now      func() time.Time
}

func NewRouteBuilder(store Store, provider geo.Provider, scorer *Scorer, notifier *Dispatcher, cfg RouteBuilderConfig) *RouteBuilder {
	def := DefaultRouteBuilderConfig()
	if cfg.ServiceTime < 0 {
		cfg.ServiceTime = 0
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = def.BuildTimeout
	}
	if cfg.MaxTwoOptPasses <= 0 {
		cfg.MaxTwoOptPasses = def.MaxTwoOptPasses
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	if cfg.Depot == (models.Location{}) {
		cfg.Depot = def.Depot
	}
	return &RouteBuilder{
		store:    store,
		provider: provider,
		scorer:   scorer,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
	}
}

// stopCandidate is a bin being placed into the tour
type stopCandidate struct {
	bin      *models.Bin
	priority int
}

// BuildRoute computes and persists a route, attaching each bin's pending
// schedule to it. Nothing is stored when any step fails.
func (b *RouteBuilder) BuildRoute(ctx context.Context, req models.BuildRouteRequest) (*models.Route, error) {
	if req.CollectorID == "" {
		return nil, models.ValidationError("collector_id is required")
	}

	route, err := b.plan(ctx, req)
	if err != nil {
		return nil, err
	}

	err = b.store.InTx(ctx, func(tx Store) error {
		var claimed []*models.Schedule
		for i := range route.Stops {
			stop := &route.Stops[i]

			bin, err := tx.GetBin(ctx, stop.BinID)
			if errors.Is(err, models.ErrNotFound) {
				return models.DataConsistencyError("bin %s disappeared while building route", stop.BinID)
			}
			if err != nil {
				return fmt.Errorf("failed to reload bin %s: %w", stop.BinID, err)
			}
			if !bin.Status.Schedulable() {
				return models.DataConsistencyError("bin %s is %s and cannot be routed", bin.ID, bin.Status)
			}

			pending, err := tx.PendingScheduleForBin(ctx, stop.BinID)
			if err != nil {
				return fmt.Errorf("failed to load schedule for bin %s: %w", stop.BinID, err)
			}
			if pending == nil {
				continue
			}
			if pending.RouteID != nil && *pending.RouteID != route.ID {
				return models.ConflictError("schedule %s for bin %s is already on route %s", pending.ID, stop.BinID, *pending.RouteID)
			}
			scheduleID := pending.ID
			stop.ScheduleID = &scheduleID
			claimed = append(claimed, pending)
		}

		// schedules.route_id references routes, so the route row goes first
		if err := tx.CreateRoute(ctx, route); err != nil {
			return fmt.Errorf("failed to create route: %w", err)
		}

		for _, pending := range claimed {
			routeID := route.ID
			pending.RouteID = &routeID
			pending.UpdatedAt = route.CreatedAt
			if err := tx.UpdateSchedule(ctx, pending); err != nil {
				return fmt.Errorf("failed to attach schedule %s: %w", pending.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("✅ [ROUTE-BUILDER] Route %s saved: %d stops, %.2f km, ~%d min",
		route.ID, len(route.Stops), float64(route.DistanceMeters)/1000, route.EstimatedSeconds/60)

	b.notifier.Publish(NewEvent(EventRouteAssigned, route.CollectorID, map[string]interface{}{
		"route_id":   route.ID,
		"total_bins": len(route.Stops),
		"distance":   route.DistanceMeters,
	}))
	return route, nil
}

// PreviewRoute runs the same algorithm without persisting anything
func (b *RouteBuilder) PreviewRoute(ctx context.Context, req models.BuildRouteRequest) (*models.Route, error) {
	return b.plan(ctx, req)
}

func (b *RouteBuilder) plan(ctx context.Context, req models.BuildRouteRequest) (route *models.Route, err error) {
	ids := uniqueSorted(req.BinIDs)
	if len(ids) < 2 {
		return nil, models.InsufficientStopsError(len(ids))
	}

	start, end := b.cfg.Depot, b.cfg.Depot
	if req.Start != nil {
		start = *req.Start
	}
	if req.End != nil {
		end = *req.End
	}
	if !start.Valid() || !end.Valid() {
		return nil, models.ValidationError("start and end must be valid coordinates")
	}

	now := b.now()
	stops := make([]stopCandidate, 0, len(ids))
	for _, id := range ids {
		bin, err := b.store.GetBin(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.DataConsistencyError("bin %s does not exist", id)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load bin %s: %w", id, err)
		}
		if !bin.Status.Schedulable() {
			return nil, models.DataConsistencyError("bin %s is %s and cannot be routed", bin.ID, bin.Status)
		}
		if !bin.Location().Valid() {
			return nil, models.DataConsistencyError("bin %s has invalid coordinates", bin.ID)
		}
		stops = append(stops, stopCandidate{bin: bin, priority: b.scorer.ScoreAt(bin, HistoryOf(bin), now)})
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.BuildTimeout)
	defer cancel()

	log.Printf("🎯 [ROUTE-BUILDER] Optimizing %d stops from (%.6f, %.6f)", len(stops), start.Latitude, start.Longitude)

	matrix, err := b.distanceMatrix(ctx, start, end, stops)
	if err != nil {
		return nil, err
	}

	tour := nearestNeighbor(matrix, stops)
	tour, passes, err := twoOpt(ctx, matrix, tour, b.cfg.MaxTwoOptPasses)
	if err != nil {
		return nil, models.RouteBuildError(err, "route build timed out during optimization")
	}

	route = b.assemble(req, start, end, stops, matrix, tour, now)
	log.Printf("   2-opt passes: %d, total distance: %.2f km", passes, float64(route.DistanceMeters)/1000)
	return route, nil
}

// uniqueSorted collapses duplicate ids and fixes the order so the output
// depends only on the bin set
func uniqueSorted(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// distanceMatrix fills legs between every pair of points. Index 0 is the
// start, 1..n the stops, n+1 the end. Lookups run in parallel.
func (b *RouteBuilder) distanceMatrix(ctx context.Context, start, end models.Location, stops []stopCandidate) ([][]geo.Leg, error) {
	n := len(stops)
	points := make([]models.Location, n+2)
	labels := make([]string, n+2)
	points[0], labels[0] = start, "start"
	points[n+1], labels[n+1] = end, "end"
	for i, s := range stops {
		points[i+1] = s.bin.Location()
		labels[i+1] = "bin " + s.bin.ID
	}

	matrix := make([][]geo.Leg, n+2)
	for i := range matrix {
		matrix[i] = make([]geo.Leg, n+2)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Parallelism)

	for i := 0; i <= n; i++ {
		for j := 1; j <= n+1; j++ {
			if i == j || (i == 0 && j == n+1) {
				continue
			}
			i, j := i, j
			g.Go(func() error {
				leg, err := b.lookup(gctx, points[i], points[j])
				if err != nil {
					stop := labels[j]
					if j == n+1 {
						stop = labels[i]
					}
					if ctxErr := ctx.Err(); ctxErr != nil {
						return models.RouteBuildError(ctxErr, "route build timed out at %s", stop)
					}
					return models.RouteBuildError(err, "distance lookup failed for %s", stop)
				}
				matrix[i][j] = leg
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return matrix, nil
}

// lookup retries a failed distance request once
func (b *RouteBuilder) lookup(ctx context.Context, from, to models.Location) (geo.Leg, error) {
	leg, err := b.provider.Distance(ctx, from, to)
	if err == nil {
		return leg, nil
	}
	if ctx.Err() != nil {
		return geo.Leg{}, err
	}

	log.Printf("⚠️  [ROUTE-BUILDER] Distance lookup %s -> %s failed, retrying: %v", geo.Key(from), geo.Key(to), err)
	return b.provider.Distance(ctx, from, to)
}

// nearestNeighbor returns stop indices (1-based into the matrix) in visiting
// order. Equal distances prefer the more urgent bin, then the lower id.
func nearestNeighbor(matrix [][]geo.Leg, stops []stopCandidate) []int {
	n := len(stops)
	visited := make([]bool, n+1)
	tour := make([]int, 0, n)

	current := 0
	for len(tour) < n {
		best := -1
		for j := 1; j <= n; j++ {
			if visited[j] {
				continue
			}
			if best == -1 || closer(matrix[current][j], matrix[current][best], stops[j-1], stops[best-1]) {
				best = j
			}
		}
		visited[best] = true
		tour = append(tour, best)
		current = best
	}
	return tour
}

func closer(a, b geo.Leg, sa, sb stopCandidate) bool {
	if a.Meters != b.Meters {
		return a.Meters < b.Meters
	}
	if sa.priority != sb.priority {
		return sa.priority > sb.priority
	}
	return sa.bin.ID < sb.bin.ID
}

// tourCost sums meters start -> tour... -> end
func tourCost(matrix [][]geo.Leg, tour []int) int {
	end := len(matrix) - 1
	cost := matrix[0][tour[0]].Meters
	for i := 0; i+1 < len(tour); i++ {
		cost += matrix[tour[i]][tour[i+1]].Meters
	}
	return cost + matrix[tour[len(tour)-1]][end].Meters
}

// twoOpt reverses contiguous stop ranges while that strictly shortens the
// tour. Start and end stay fixed. The full cost is re-evaluated because
// road distances need not be symmetric.
func twoOpt(ctx context.Context, matrix [][]geo.Leg, tour []int, maxPasses int) ([]int, int, error) {
	best := append([]int(nil), tour...)
	bestCost := tourCost(matrix, best)
	candidate := make([]int, len(best))

	passes := 0
	for passes < maxPasses {
		if err := ctx.Err(); err != nil {
			return nil, passes, err
		}
		passes++

		improved := false
		for i := 0; i < len(best)-1; i++ {
			// A pass is cubic in the stop count; stay within the build deadline
			if err := ctx.Err(); err != nil {
				return nil, passes, err
			}
			for k := i + 1; k < len(best); k++ {
				copy(candidate, best)
				reverse(candidate[i : k+1])
				if cost := tourCost(matrix, candidate); cost < bestCost {
					copy(best, candidate)
					bestCost = cost
					improved = true
				}
			}
		}
		if !improved {
			break
		}
	}
	return best, passes, nil
}

func reverse(s []int) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func (b *RouteBuilder) assemble(req models.BuildRouteRequest, start, end models.Location, stops []stopCandidate, matrix [][]geo.Leg, tour []int, now time.Time) *models.Route {
	route := &models.Route{
		ID:             uuid.New().String(),
		CollectorID:    req.CollectorID,
		Zone:           req.Zone,
		StartLatitude:  start.Latitude,
		StartLongitude: start.Longitude,
		EndLatitude:    end.Latitude,
		EndLongitude:   end.Longitude,
		Status:         models.RouteStatusPlanned,
		CreatedAt:      now.Unix(),
		UpdatedAt:      now.Unix(),
		Stops:          make([]models.RouteStop, 0, len(tour)),
	}
	if route.Zone == "" {
		route.Zone = stops[tour[0]-1].bin.Zone
	}

	service := int(b.cfg.ServiceTime / time.Second)
	elapsed, meters := 0, 0
	prev := 0
	for i, idx := range tour {
		leg := matrix[prev][idx]
		meters += leg.Meters
		elapsed += leg.Seconds

		route.Stops = append(route.Stops, models.RouteStop{
			RouteID:          route.ID,
			BinID:            stops[idx-1].bin.ID,
			SequenceOrder:    i + 1,
			EstimatedSeconds: elapsed,
		})
		log.Printf("      %d. %s (%d%% full, priority %d)", i+1, stops[idx-1].bin.CurrentStreet,
			stops[idx-1].bin.FillLevel, stops[idx-1].priority)

		elapsed += service
		prev = idx
	}

	last := matrix[prev][len(matrix)-1]
	route.DistanceMeters = meters + last.Meters
	route.EstimatedSeconds = elapsed + last.Seconds
	return route
}
