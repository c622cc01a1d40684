package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"binroute-backend/internal/models"
)

// RouteTracker drives a route after it is built: status changes, per-stop
// results and the write-back of those results into schedules and bins.
type RouteTracker struct {
	store     Store
	schedules *ScheduleManager
	notifier  *Dispatcher
	locks     *KeyedMutex
	now       func() time.Time
}

func NewRouteTracker(store Store, schedules *ScheduleManager, notifier *Dispatcher) *RouteTracker {
	return &RouteTracker{
		store:     store,
		schedules: schedules,
		notifier:  notifier,
		locks:     NewKeyedMutex(),
		now:       time.Now,
	}
}

// stopUpdate collects what a stop mutation produced for post-commit events
type stopUpdate struct {
	route *models.Route
	next  *models.Schedule
}

// UpdateStatus moves a route through planned -> in_progress <-> paused ->
// completed | cancelled. Cancelling releases the schedules of open stops.
func (t *RouteTracker) UpdateStatus(ctx context.Context, id string, to models.RouteStatus) (*models.Route, error) {
	unlock := t.locks.Lock(id)
	defer unlock()

	now := t.now()
	var route *models.Route
	err := t.store.InTx(ctx, func(tx Store) error {
		r, err := tx.GetRoute(ctx, id)
		if err != nil {
			return err
		}
		from := r.Status
		if err := r.TransitionTo(to, now); err != nil {
			return err
		}

		if to == models.RouteStatusCancelled {
			if err := t.releaseOpenStops(ctx, tx, r, now); err != nil {
				return err
			}
		}

		if err := tx.UpdateRoute(ctx, r); err != nil {
			return fmt.Errorf("failed to update route status: %w", err)
		}
		log.Printf("🚛 [ROUTES] Route %s: %s -> %s", r.ID, from, to)
		route = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	if route.Status == models.RouteStatusCompleted {
		t.publishCompleted(route)
	}
	return route, nil
}

// releaseOpenStops detaches schedules of unfinished stops so the next build
// can pick them up again. They stay pending.
func (t *RouteTracker) releaseOpenStops(ctx context.Context, tx Store, r *models.Route, now time.Time) error {
	released := 0
	for _, stop := range r.PendingStops() {
		if stop.ScheduleID == nil {
			continue
		}
		s, err := tx.GetSchedule(ctx, *stop.ScheduleID)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load schedule %s: %w", *stop.ScheduleID, err)
		}
		if !s.IsPending() || s.RouteID == nil || *s.RouteID != r.ID {
			continue
		}

		s.RouteID = nil
		s.UpdatedAt = now.Unix()
		if err := tx.UpdateSchedule(ctx, s); err != nil {
			return fmt.Errorf("failed to release schedule %s: %w", s.ID, err)
		}
		released++
	}
	if released > 0 {
		log.Printf("   Released %d schedules back to the pending pool", released)
	}
	return nil
}

// MarkStopCollected records a collection at one stop and completes the
// stop's schedule. actualFill defaults to 0 (emptied).
func (t *RouteTracker) MarkStopCollected(ctx context.Context, routeID, binID, notes string, actualFill *int) (*models.Route, error) {
	fill := 0
	if actualFill != nil {
		fill = *actualFill
	}

	return t.mutateStop(ctx, routeID, binID, func(tx Store, r *models.Route, now time.Time) (*models.Schedule, error) {
		stop, err := r.CollectStop(binID, notes, now)
		if err != nil {
			return nil, err
		}

		details := models.CompletionDetails{
			CompletedAt:     now,
			ActualFillLevel: fill,
			CollectionTime:  t.collectionTime(r, stop, now),
		}
		if err := details.Validate(); err != nil {
			return nil, err
		}

		s, err := t.openSchedule(ctx, tx, r, stop)
		if err != nil {
			return nil, err
		}
		if s != nil {
			return t.schedules.completeTx(ctx, tx, s, details, now)
		}

		// Ad hoc stop without a schedule: update the bin directly
		bin, err := t.schedules.binForStop(ctx, tx, r, stop)
		if err != nil {
			return nil, err
		}
		bin.RecordCollection(now, fill)
		bin.UpdatedAt = now.Unix()
		if err := tx.UpdateBin(ctx, bin); err != nil {
			return nil, fmt.Errorf("failed to write collection back to bin: %w", err)
		}
		return nil, nil
	})
}

// MarkStopSkipped records that a stop was not collected. The stop's schedule
// is closed as missed immediately, whatever its slot says.
func (t *RouteTracker) MarkStopSkipped(ctx context.Context, routeID, binID, reason string) (*models.Route, error) {
	return t.mutateStop(ctx, routeID, binID, func(tx Store, r *models.Route, now time.Time) (*models.Schedule, error) {
		stop, err := r.SkipStop(binID, reason, now)
		if err != nil {
			return nil, err
		}

		s, err := t.openSchedule(ctx, tx, r, stop)
		if err != nil {
			return nil, err
		}
		if s != nil {
			return t.schedules.missTx(ctx, tx, s, true, now)
		}

		bin, err := t.schedules.binForStop(ctx, tx, r, stop)
		if err != nil {
			return nil, err
		}
		bin.MissedCount++
		bin.UpdatedAt = now.Unix()
		if err := tx.UpdateBin(ctx, bin); err != nil {
			return nil, fmt.Errorf("failed to record skipped stop on bin: %w", err)
		}
		return nil, nil
	})
}

func (t *RouteTracker) mutateStop(ctx context.Context, routeID, binID string, fn func(tx Store, r *models.Route, now time.Time) (*models.Schedule, error)) (*models.Route, error) {
	unlock := t.locks.Lock(routeID)
	defer unlock()
	unlockBin := t.schedules.locks.Lock(binID)
	defer unlockBin()

	now := t.now()
	var res stopUpdate
	err := t.store.InTx(ctx, func(tx Store) error {
		r, err := tx.GetRoute(ctx, routeID)
		if err != nil {
			return err
		}

		next, err := fn(tx, r, now)
		if err != nil {
			return err
		}

		if r.AllStopsDone() {
			if err := r.TransitionTo(models.RouteStatusCompleted, now); err != nil {
				return err
			}
		}
		if err := tx.UpdateRoute(ctx, r); err != nil {
			return fmt.Errorf("failed to update route: %w", err)
		}

		res = stopUpdate{route: r, next: next}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("📍 [ROUTES] Route %s stop %s updated, completion %.0f%%", routeID, binID, res.route.CompletionRate()*100)
	if res.next != nil {
		t.schedules.publishCreated(res.next)
	}
	if res.route.Status == models.RouteStatusCompleted {
		log.Printf("🏁 [ROUTES] Route %s completed", routeID)
		t.publishCompleted(res.route)
	}
	return res.route, nil
}

// openSchedule returns the pending schedule a stop outcome should close: the
// stop's own schedule, or else the bin's current pending schedule when no
// other route carries it. The latter is attached to r and to the stop.
func (t *RouteTracker) openSchedule(ctx context.Context, tx Store, r *models.Route, stop *models.RouteStop) (*models.Schedule, error) {
	if stop.ScheduleID != nil {
		s, err := tx.GetSchedule(ctx, *stop.ScheduleID)
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.DataConsistencyError("route %s stop %s references missing schedule %s", r.ID, stop.BinID, *stop.ScheduleID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load schedule: %w", err)
		}
		if s.IsPending() {
			return s, nil
		}
		log.Printf("⚠️  [ROUTES] Schedule %s is already %s, looking for bin %s's current schedule", s.ID, s.Status, stop.BinID)
	}

	// The bin may have been scheduled after the route was built
	s, err := tx.PendingScheduleForBin(ctx, stop.BinID)
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule for bin %s: %w", stop.BinID, err)
	}
	if s == nil {
		return nil, nil
	}
	if s.RouteID != nil && *s.RouteID != r.ID {
		log.Printf("⚠️  [ROUTES] Schedule %s for bin %s belongs to route %s, updating bin only", s.ID, stop.BinID, *s.RouteID)
		return nil, nil
	}
	routeID := r.ID
	s.RouteID = &routeID
	scheduleID := s.ID
	stop.ScheduleID = &scheduleID
	return s, nil
}

// collectionTime is the time since the previous stop was finished, or since
// the route started for the first stop
func (t *RouteTracker) collectionTime(r *models.Route, stop *models.RouteStop, now time.Time) time.Duration {
	var since int64
	if r.StartedAt != nil {
		since = *r.StartedAt
	}
	for _, s := range r.Stops {
		if s.BinID == stop.BinID || s.CollectedAt == nil {
			continue
		}
		if *s.CollectedAt > since {
			since = *s.CollectedAt
		}
	}
	if since == 0 || now.Unix() < since {
		return 0
	}
	return now.Sub(time.Unix(since, 0))
}

func (t *RouteTracker) publishCompleted(r *models.Route) {
	collected, skipped := 0, 0
	for _, s := range r.Stops {
		if s.IsCollected {
			collected++
		} else if s.IsSkipped {
			skipped++
		}
	}
	t.notifier.Publish(NewEvent(EventRouteCompleted, r.CollectorID, map[string]interface{}{
		"route_id":  r.ID,
		"collected": collected,
		"skipped":   skipped,
	}))
}

// Get returns one route with its stops
func (t *RouteTracker) Get(ctx context.Context, id string) (*models.Route, error) {
	return t.store.GetRoute(ctx, id)
}

// List returns routes matching filter, newest first
func (t *RouteTracker) List(ctx context.Context, filter models.RouteFilter) ([]models.Route, error) {
	return t.store.ListRoutes(ctx, filter)
}
