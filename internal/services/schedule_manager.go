package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"binroute-backend/internal/models"

	"github.com/google/uuid"
)

// ScheduleManager owns the lifecycle of collection schedules. Every mutation
// runs inside one Store transaction together with the bin write-back and the
// spawned recurrence, so callers never observe half an update.
type ScheduleManager struct {
	store    Store
	scorer   *Scorer
	notifier *Dispatcher
	locks    *KeyedMutex
	now      func() time.Time
}

// ScheduleChange is the result of a schedule mutation. Next is set when the
// mutation spawned a follow-up occurrence or a successor.
type ScheduleChange struct {
	Schedule *models.Schedule `json:"schedule"`
	Next     *models.Schedule `json:"next,omitempty"`
}

func NewScheduleManager(store Store, scorer *Scorer, notifier *Dispatcher) *ScheduleManager {
	return &ScheduleManager{
		store:    store,
		scorer:   scorer,
		notifier: notifier,
		locks:    NewKeyedMutex(),
		now:      time.Now,
	}
}

// CreateSchedule opens a pending schedule for a bin. An existing pending
// schedule yields ErrConflict unless req.Supersede is set, in which case it
// is marked rescheduled in the same transaction.
func (m *ScheduleManager) CreateSchedule(ctx context.Context, req models.CreateScheduleRequest) (*ScheduleChange, error) {
	if req.BinID == "" {
		return nil, models.ValidationError("bin_id is required")
	}
	if req.CollectorID == "" {
		return nil, models.ValidationError("collector_id is required")
	}
	if err := req.Window.Validate(); err != nil {
		return nil, err
	}
	recurrence, err := models.ParseRecurrence(req.Recurrence)
	if err != nil {
		return nil, err
	}
	if req.Priority != nil && (*req.Priority < MinPriority || *req.Priority > MaxPriority) {
		return nil, models.ValidationError("priority %d outside %d-%d", *req.Priority, MinPriority, MaxPriority)
	}
	if req.RecurrenceEndDate != nil && req.RecurrenceEndDate.Before(req.Window.Start) {
		return nil, models.ValidationError("recurrence_end_date is before the first slot")
	}

	unlock := m.locks.Lock(req.BinID)
	defer unlock()

	now := m.now()
	var change ScheduleChange
	err = m.store.InTx(ctx, func(tx Store) error {
		bin, err := m.schedulableBin(ctx, tx, req.BinID)
		if err != nil {
			return err
		}

		existing, err := tx.PendingScheduleForBin(ctx, bin.ID)
		if err != nil {
			return fmt.Errorf("failed to check pending schedule: %w", err)
		}
		if existing != nil && !req.Supersede {
			return models.ConflictError("bin %s already has pending schedule %s", bin.ID, existing.ID)
		}

		priority := m.scorer.ScoreAt(bin, HistoryOf(bin), now)
		if req.Priority != nil {
			priority = *req.Priority
		}

		s := &models.Schedule{
			ID:          uuid.New().String(),
			BinID:       bin.ID,
			CollectorID: req.CollectorID,
			Priority:    priority,
			Recurrence:  recurrence,
			Status:      models.ScheduleStatusPending,
			Notes:       req.Notes,
			CreatedAt:   now.Unix(),
			UpdatedAt:   now.Unix(),
		}
		s.SetWindow(req.Window)
		s.SeriesStart = s.SlotStart
		if req.RecurrenceEndDate != nil {
			end := req.RecurrenceEndDate.Unix()
			s.RecurrenceEndDate = &end
		}

		if existing != nil {
			if err := supersede(ctx, tx, existing, s.ID, now); err != nil {
				return err
			}
		}

		if err := tx.CreateSchedule(ctx, s); err != nil {
			return fmt.Errorf("failed to create schedule: %w", err)
		}

		change.Schedule = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("📅 [SCHEDULES] Created %s for bin %s (collector %s, priority %d)",
		change.Schedule.ID, change.Schedule.BinID, change.Schedule.CollectorID, change.Schedule.Priority)
	m.publishCreated(change.Schedule)
	return &change, nil
}

// Reschedule replaces a pending schedule with a successor in a new window
func (m *ScheduleManager) Reschedule(ctx context.Context, id string, window models.TimeWindow) (*ScheduleChange, error) {
	change, err := m.reschedule(ctx, id, window, "", nil)
	if err != nil {
		return nil, err
	}
	m.publishCreated(change.Next)
	return change, nil
}

// Escalate moves a pending schedule to an earlier assignment with a new
// priority. Collectors hear about it once, as schedule.escalated.
func (m *ScheduleManager) Escalate(ctx context.Context, id string, a Assignment, priority int) (*ScheduleChange, error) {
	change, err := m.reschedule(ctx, id, a.Window, a.CollectorID, &priority)
	if err != nil {
		return nil, err
	}
	m.notifier.Publish(NewEvent(EventScheduleEscalated, change.Next.CollectorID, map[string]interface{}{
		"schedule_id": change.Next.ID,
		"bin_id":      change.Next.BinID,
		"priority":    change.Next.Priority,
		"slot_start":  change.Next.SlotStart,
	}))
	return change, nil
}

func (m *ScheduleManager) reschedule(ctx context.Context, id string, window models.TimeWindow, collectorID string, priority *int) (*ScheduleChange, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}

	return m.apply(ctx, id, func(tx Store, s *models.Schedule, now time.Time) (*models.Schedule, error) {
		if !s.IsPending() {
			return nil, models.InvalidStateError("schedule %s is %s, only pending schedules can be rescheduled", s.ID, s.Status)
		}
		if _, err := m.schedulableBin(ctx, tx, s.BinID); err != nil {
			return nil, err
		}

		successor := &models.Schedule{
			ID:                uuid.New().String(),
			BinID:             s.BinID,
			CollectorID:       s.CollectorID,
			Priority:          s.Priority,
			Recurrence:        s.Recurrence,
			RecurrenceEndDate: s.RecurrenceEndDate,
			SeriesStart:       s.SeriesAnchor().Unix(),
			Status:            models.ScheduleStatusPending,
			Notes:             s.Notes,
			CreatedAt:         now.Unix(),
			UpdatedAt:         now.Unix(),
		}
		successor.SetWindow(window)
		if collectorID != "" {
			successor.CollectorID = collectorID
		}
		if priority != nil {
			successor.Priority = *priority
		}

		if err := supersede(ctx, tx, s, successor.ID, now); err != nil {
			return nil, err
		}
		if err := tx.CreateSchedule(ctx, successor); err != nil {
			return nil, fmt.Errorf("failed to create successor schedule: %w", err)
		}
		return successor, nil
	})
}

// Cancel closes a pending schedule without collecting. Recurring schedules
// continue with their next occurrence.
func (m *ScheduleManager) Cancel(ctx context.Context, id, reason string) (*ScheduleChange, error) {
	return m.mutate(ctx, id, func(tx Store, s *models.Schedule, now time.Time) (*models.Schedule, error) {
		if err := s.Cancel(reason, now); err != nil {
			return nil, err
		}
		if err := tx.UpdateSchedule(ctx, s); err != nil {
			return nil, fmt.Errorf("failed to cancel schedule: %w", err)
		}

		bin, err := m.binForSchedule(ctx, tx, s)
		if err != nil {
			return nil, err
		}
		return m.spawnNext(ctx, tx, s, bin, now)
	})
}

// Complete records a collection and writes it back to the bin
func (m *ScheduleManager) Complete(ctx context.Context, id string, details models.CompletionDetails) (*ScheduleChange, error) {
	return m.mutate(ctx, id, func(tx Store, s *models.Schedule, now time.Time) (*models.Schedule, error) {
		return m.completeTx(ctx, tx, s, details, now)
	})
}

// MarkMissed closes a schedule whose slot ended without a collection
func (m *ScheduleManager) MarkMissed(ctx context.Context, id string) (*ScheduleChange, error) {
	return m.mutate(ctx, id, func(tx Store, s *models.Schedule, now time.Time) (*models.Schedule, error) {
		return m.missTx(ctx, tx, s, false, now)
	})
}

// completeTx is Complete inside the caller's transaction
func (m *ScheduleManager) completeTx(ctx context.Context, tx Store, s *models.Schedule, details models.CompletionDetails, now time.Time) (*models.Schedule, error) {
	if err := s.Complete(details, now); err != nil {
		return nil, err
	}
	if err := tx.UpdateSchedule(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to complete schedule: %w", err)
	}

	bin, err := m.binForSchedule(ctx, tx, s)
	if err != nil {
		return nil, err
	}
	bin.RecordCollection(details.CompletedAt, details.ActualFillLevel)
	bin.UpdatedAt = now.Unix()
	if err := tx.UpdateBin(ctx, bin); err != nil {
		return nil, fmt.Errorf("failed to write collection back to bin: %w", err)
	}

	return m.spawnNext(ctx, tx, s, bin, now)
}

// missTx is MarkMissed inside the caller's transaction. force skips the
// slot-ended check for stops the collector skipped explicitly.
func (m *ScheduleManager) missTx(ctx context.Context, tx Store, s *models.Schedule, force bool, now time.Time) (*models.Schedule, error) {
	if err := s.MarkMissed(now, force); err != nil {
		return nil, err
	}
	if err := tx.UpdateSchedule(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to mark schedule missed: %w", err)
	}

	bin, err := m.binForSchedule(ctx, tx, s)
	if err != nil {
		return nil, err
	}
	bin.MissedCount++
	bin.UpdatedAt = now.Unix()
	if err := tx.UpdateBin(ctx, bin); err != nil {
		return nil, fmt.Errorf("failed to record missed collection on bin: %w", err)
	}

	return m.spawnNext(ctx, tx, s, bin, now)
}

// spawnNext opens the schedule's next occurrence, re-deriving priority
func (m *ScheduleManager) spawnNext(ctx context.Context, tx Store, prev *models.Schedule, bin *models.Bin, now time.Time) (*models.Schedule, error) {
	w, ok := prev.NextOccurrenceWindow(now)
	if !ok {
		return nil, nil
	}
	if !bin.Status.Schedulable() {
		log.Printf("⏭️  [SCHEDULES] Bin %s is %s, not continuing series from %s", bin.ID, bin.Status, prev.ID)
		return nil, nil
	}

	next := &models.Schedule{
		ID:                uuid.New().String(),
		BinID:             prev.BinID,
		CollectorID:       prev.CollectorID,
		Priority:          m.scorer.ScoreAt(bin, HistoryOf(bin), now),
		Recurrence:        prev.Recurrence,
		RecurrenceEndDate: prev.RecurrenceEndDate,
		SeriesStart:       prev.SeriesAnchor().Unix(),
		Status:            models.ScheduleStatusPending,
		CreatedAt:         now.Unix(),
		UpdatedAt:         now.Unix(),
	}
	next.SetWindow(w)

	if err := tx.CreateSchedule(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to create next occurrence: %w", err)
	}
	return next, nil
}

// mutate applies fn and announces the successor it opened, if any
func (m *ScheduleManager) mutate(ctx context.Context, id string, fn func(tx Store, s *models.Schedule, now time.Time) (*models.Schedule, error)) (*ScheduleChange, error) {
	change, err := m.apply(ctx, id, fn)
	if err != nil {
		return nil, err
	}
	if change.Next != nil {
		m.publishCreated(change.Next)
	}
	return change, nil
}

// apply loads a schedule, serializes on its bin and runs fn atomically
func (m *ScheduleManager) apply(ctx context.Context, id string, fn func(tx Store, s *models.Schedule, now time.Time) (*models.Schedule, error)) (*ScheduleChange, error) {
	current, err := m.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(current.BinID)
	defer unlock()

	now := m.now()
	var change ScheduleChange
	err = m.store.InTx(ctx, func(tx Store) error {
		s, err := tx.GetSchedule(ctx, id)
		if err != nil {
			return err
		}
		next, err := fn(tx, s, now)
		if err != nil {
			return err
		}
		change.Schedule = s
		change.Next = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("📅 [SCHEDULES] %s -> %s", change.Schedule.ID, change.Schedule.Status)
	return &change, nil
}

// supersede retires s in favour of successorID. Schedules carried by a live
// route stay put; the route owns them until it finishes or is cancelled.
func supersede(ctx context.Context, tx Store, s *models.Schedule, successorID string, now time.Time) error {
	if s.RouteID != nil {
		return models.ConflictError("schedule %s is on route %s", s.ID, *s.RouteID)
	}
	if err := s.Supersede(successorID, now); err != nil {
		return err
	}
	if err := tx.UpdateSchedule(ctx, s); err != nil {
		return fmt.Errorf("failed to supersede schedule %s: %w", s.ID, err)
	}
	return nil
}

func (m *ScheduleManager) schedulableBin(ctx context.Context, tx Store, binID string) (*models.Bin, error) {
	bin, err := tx.GetBin(ctx, binID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.DataConsistencyError("bin %s does not exist", binID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bin: %w", err)
	}
	if !bin.Status.Schedulable() {
		return nil, models.DataConsistencyError("bin %s is %s and cannot be scheduled", bin.ID, bin.Status)
	}
	return bin, nil
}

func (m *ScheduleManager) binForSchedule(ctx context.Context, tx Store, s *models.Schedule) (*models.Bin, error) {
	bin, err := tx.GetBin(ctx, s.BinID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.DataConsistencyError("schedule %s references missing bin %s", s.ID, s.BinID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bin: %w", err)
	}
	return bin, nil
}

func (m *ScheduleManager) binForStop(ctx context.Context, tx Store, r *models.Route, stop *models.RouteStop) (*models.Bin, error) {
	bin, err := tx.GetBin(ctx, stop.BinID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.DataConsistencyError("route %s references missing bin %s", r.ID, stop.BinID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bin: %w", err)
	}
	return bin, nil
}

func (m *ScheduleManager) publishCreated(s *models.Schedule) {
	m.notifier.Publish(NewEvent(EventScheduleCreated, s.CollectorID, map[string]interface{}{
		"schedule_id": s.ID,
		"bin_id":      s.BinID,
		"priority":    s.Priority,
		"slot_start":  s.SlotStart,
		"slot_end":    s.SlotEnd,
	}))
}

// Get returns one schedule
func (m *ScheduleManager) Get(ctx context.Context, id string) (*models.Schedule, error) {
	return m.store.GetSchedule(ctx, id)
}

// List returns schedules matching filter
func (m *ScheduleManager) List(ctx context.Context, filter models.ScheduleFilter) ([]models.Schedule, error) {
	return m.store.ListSchedules(ctx, filter)
}

// ListForBin returns a bin's schedule history
func (m *ScheduleManager) ListForBin(ctx context.Context, binID string) ([]models.Schedule, error) {
	return m.store.ListSchedules(ctx, models.ScheduleFilter{BinID: binID})
}
