package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"binroute-backend/internal/models"
)

// Assignment is a collector plus the window they will visit in
type Assignment struct {
	CollectorID string            `json:"collector_id"`
	Window      models.TimeWindow `json:"window"`
}

// CollectorDirectory picks who collects in a zone and when
type CollectorDirectory interface {
	NextAvailableWindow(ctx context.Context, zone string, duration time.Duration) (Assignment, error)
}

// ShiftDirectory assigns the collector of a zone with the earliest free slot
// inside working hours. Ties go to the collector with fewer pending visits.
type ShiftDirectory struct {
	store     Store
	startHour int
	endHour   int
	horizon   int // days searched ahead
	now       func() time.Time
}

// NewShiftDirectory creates a directory over the store's collectors.
// Shifts run [startHour, endHour) UTC every day.
func NewShiftDirectory(store Store, startHour, endHour int) *ShiftDirectory {
	if startHour < 0 || startHour > 23 {
		startHour = 6
	}
	if endHour <= startHour || endHour > 24 {
		endHour = 18
	}
	return &ShiftDirectory{
		store:     store,
		startHour: startHour,
		endHour:   endHour,
		horizon:   14,
		now:       time.Now,
	}
}

type candidate struct {
	collectorID string
	window      models.TimeWindow
	load        int
}

func (d *ShiftDirectory) NextAvailableWindow(ctx context.Context, zone string, duration time.Duration) (Assignment, error) {
	shift := time.Duration(d.endHour-d.startHour) * time.Hour
	if duration <= 0 || duration > shift {
		return Assignment{}, models.ValidationError("collection duration %s must fit in a %s shift", duration, shift)
	}

	collectors, err := d.store.ListCollectors(ctx, zone)
	if err != nil {
		return Assignment{}, fmt.Errorf("failed to list collectors: %w", err)
	}
	if len(collectors) == 0 && zone != "" {
		// Zones without their own crew borrow from the shared pool
		collectors, err = d.store.ListCollectors(ctx, "")
		if err != nil {
			return Assignment{}, fmt.Errorf("failed to list collectors: %w", err)
		}
	}
	if len(collectors) == 0 {
		return Assignment{}, models.NotFoundError("no collector available for zone %q", zone)
	}

	now := d.now().UTC()
	var best *candidate
	for _, c := range collectors {
		busy, err := d.store.ListSchedules(ctx, models.ScheduleFilter{
			CollectorID: c.ID,
			Status:      models.ScheduleStatusPending,
		})
		if err != nil {
			return Assignment{}, fmt.Errorf("failed to load schedules for collector %s: %w", c.ID, err)
		}

		w, ok := d.firstFreeSlot(now, duration, busy)
		if !ok {
			continue
		}
		cand := candidate{collectorID: c.ID, window: w, load: len(busy)}
		if best == nil || better(cand, *best) {
			best = &cand
		}
	}

	if best == nil {
		return Assignment{}, models.ConflictError("no free slot for zone %q in the next %d days", zone, d.horizon)
	}
	return Assignment{CollectorID: best.collectorID, Window: best.window}, nil
}

func better(a, b candidate) bool {
	if !a.window.Start.Equal(b.window.Start) {
		return a.window.Start.Before(b.window.Start)
	}
	if a.load != b.load {
		return a.load < b.load
	}
	return a.collectorID < b.collectorID
}

// firstFreeSlot walks shift-aligned slots from now until one overlaps nothing
func (d *ShiftDirectory) firstFreeSlot(now time.Time, duration time.Duration, busy []models.Schedule) (models.TimeWindow, bool) {
	windows := make([]models.TimeWindow, 0, len(busy))
	for i := range busy {
		windows = append(windows, busy[i].Window())
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].Start.Before(windows[j].Start) })

	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	for i := 0; i <= d.horizon; i++ {
		shiftStart := day.AddDate(0, 0, i).Add(time.Duration(d.startHour) * time.Hour)
		shiftEnd := day.AddDate(0, 0, i).Add(time.Duration(d.endHour) * time.Hour)

		for start := shiftStart; !start.Add(duration).After(shiftEnd); start = start.Add(duration) {
			if start.Before(now) {
				continue
			}
			w := models.TimeWindow{Start: start, End: start.Add(duration)}
			if !overlapsAny(w, windows) {
				return w, true
			}
		}
	}
	return models.TimeWindow{}, false
}

func overlapsAny(w models.TimeWindow, windows []models.TimeWindow) bool {
	for _, b := range windows {
		if w.Start.Before(b.End) && b.Start.Before(w.End) {
			return true
		}
	}
	return false
}
