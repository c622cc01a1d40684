package models

import (
	"fmt"
	"time"
)

// ScheduleStatus represents the lifecycle state of a collection schedule
type ScheduleStatus string

const (
	ScheduleStatusPending     ScheduleStatus = "pending"
	ScheduleStatusCompleted   ScheduleStatus = "completed"
	ScheduleStatusMissed      ScheduleStatus = "missed"
	ScheduleStatusRescheduled ScheduleStatus = "rescheduled" // Replaced by a successor
	ScheduleStatusCanceled    ScheduleStatus = "canceled"
)

// Only pending schedules can move; every other state is terminal for the instance.
var scheduleTransitions = map[ScheduleStatus][]ScheduleStatus{
	ScheduleStatusPending: {
		ScheduleStatusCompleted,
		ScheduleStatusMissed,
		ScheduleStatusRescheduled,
		ScheduleStatusCanceled,
	},
}

// ParseScheduleStatus rejects anything outside the closed set of schedule states
func ParseScheduleStatus(s string) (ScheduleStatus, error) {
	switch ScheduleStatus(s) {
	case ScheduleStatusPending, ScheduleStatusCompleted, ScheduleStatusMissed,
		ScheduleStatusRescheduled, ScheduleStatusCanceled:
		return ScheduleStatus(s), nil
	}
	return "", ValidationError("unknown schedule status %q", s)
}

// CanTransitionTo reports whether the state machine allows s -> to
func (s ScheduleStatus) CanTransitionTo(to ScheduleStatus) bool {
	for _, allowed := range scheduleTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Recurrence controls whether a schedule spawns follow-up occurrences
type Recurrence string

const (
	RecurrenceNone    Recurrence = "none"
	RecurrenceDaily   Recurrence = "daily"
	RecurrenceWeekly  Recurrence = "weekly"
	RecurrenceMonthly Recurrence = "monthly"
)

// ParseRecurrence treats an empty string as "none"
func ParseRecurrence(s string) (Recurrence, error) {
	switch Recurrence(s) {
	case "":
		return RecurrenceNone, nil
	case RecurrenceNone, RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly:
		return Recurrence(s), nil
	}
	return "", ValidationError("unknown recurrence %q", s)
}

// Step returns the n-th occurrence of a series anchored at anchor. Monthly
// steps keep the anchor's day of month, clamped to the month's last day.
func (r Recurrence) Step(anchor time.Time, n int) time.Time {
	switch r {
	case RecurrenceDaily:
		return anchor.AddDate(0, 0, n)
	case RecurrenceWeekly:
		return anchor.AddDate(0, 0, 7*n)
	case RecurrenceMonthly:
		return addMonthsClamped(anchor, n)
	}
	return anchor
}

func addMonthsClamped(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := first.AddDate(0, 1, -1).Day(); d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

// TimeWindow is a bounded interval during which a collection should happen
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate rejects zero or inverted windows
func (w TimeWindow) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return ValidationError("time window requires start and end")
	}
	if !w.End.After(w.Start) {
		return ValidationError("time window end %s must be after start %s",
			w.End.Format(time.RFC3339), w.Start.Format(time.RFC3339))
	}
	return nil
}

// Duration returns the length of the window
func (w TimeWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// CompletionDetails records what actually happened at the bin
type CompletionDetails struct {
	CompletedAt     time.Time     `json:"completed_at"`
	ActualFillLevel int           `json:"actual_fill_level"`
	CollectionTime  time.Duration `json:"collection_time"`
}

// Validate checks the reported values are physically plausible
func (d CompletionDetails) Validate() error {
	if d.CompletedAt.IsZero() {
		return ValidationError("completion requires completed_at")
	}
	if d.ActualFillLevel < 0 || d.ActualFillLevel > 100 {
		return ValidationError("actual fill level %d outside 0-100", d.ActualFillLevel)
	}
	if d.CollectionTime < 0 {
		return ValidationError("collection time cannot be negative")
	}
	return nil
}

// Schedule is a single planned collection visit for one bin
type Schedule struct {
	ID                string         `json:"id" db:"id"`
	BinID             string         `json:"bin_id" db:"bin_id"`
	CollectorID       string         `json:"collector_id" db:"collector_id"`
	ScheduledDate     int64          `json:"scheduled_date" db:"scheduled_date"` // Unix midnight UTC of the slot
	SlotStart         int64          `json:"slot_start" db:"slot_start"`         // Unix timestamp
	SlotEnd           int64          `json:"slot_end" db:"slot_end"`             // Unix timestamp
	Priority          int            `json:"priority" db:"priority"`
	Recurrence        Recurrence     `json:"recurrence" db:"recurrence"`
	RecurrenceEndDate *int64         `json:"recurrence_end_date,omitempty" db:"recurrence_end_date"`
	Status            ScheduleStatus `json:"status" db:"status"`
	CompletedAt       *int64         `json:"completed_at,omitempty" db:"completed_at"`
	ActualFillLevel   *int           `json:"actual_fill_level,omitempty" db:"actual_fill_level"`
	CollectionSeconds *int           `json:"collection_seconds,omitempty" db:"collection_seconds"`
	Notes             string         `json:"notes" db:"notes"`
	RouteID           *string        `json:"route_id,omitempty" db:"route_id"`           // Route currently carrying this visit
	SupersededBy      *string        `json:"superseded_by,omitempty" db:"superseded_by"` // Successor after a reschedule
	SeriesStart       int64          `json:"series_start" db:"series_start"`             // Slot start of the series' first occurrence
	Version           int            `json:"version" db:"version"`
	CreatedAt         int64          `json:"created_at" db:"created_at"`
	UpdatedAt         int64          `json:"updated_at" db:"updated_at"`
}

// Window returns the schedule's time slot
func (s *Schedule) Window() TimeWindow {
	return TimeWindow{
		Start: time.Unix(s.SlotStart, 0).UTC(),
		End:   time.Unix(s.SlotEnd, 0).UTC(),
	}
}

// SetWindow stores the slot and derives the scheduled date from its start
func (s *Schedule) SetWindow(w TimeWindow) {
	start := w.Start.UTC()
	s.SlotStart = start.Unix()
	s.SlotEnd = w.End.UTC().Unix()
	s.ScheduledDate = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC).Unix()
}

// IsPending reports whether the schedule is the bin's open work item
func (s *Schedule) IsPending() bool {
	return s.Status == ScheduleStatusPending
}

// Recurring reports whether a follow-up occurrence may be spawned
func (s *Schedule) Recurring() bool {
	return s.Recurrence != "" && s.Recurrence != RecurrenceNone
}

func (s *Schedule) transition(to ScheduleStatus, now time.Time) error {
	if !s.Status.CanTransitionTo(to) {
		return InvalidStateError("schedule %s cannot move from %s to %s", s.ID, s.Status, to)
	}
	s.Status = to
	s.UpdatedAt = now.Unix()
	return nil
}

// Complete closes the schedule with the collector's report
func (s *Schedule) Complete(details CompletionDetails, now time.Time) error {
	if err := details.Validate(); err != nil {
		return err
	}
	if err := s.transition(ScheduleStatusCompleted, now); err != nil {
		return err
	}
	completedAt := details.CompletedAt.Unix()
	fill := details.ActualFillLevel
	secs := int(details.CollectionTime / time.Second)
	s.CompletedAt = &completedAt
	s.ActualFillLevel = &fill
	s.CollectionSeconds = &secs
	return nil
}

// MarkMissed closes the schedule as missed. Unless force is set the slot must
// have ended already.
func (s *Schedule) MarkMissed(now time.Time, force bool) error {
	if !force && s.IsPending() && !now.After(s.Window().End) {
		return InvalidStateError("schedule %s slot ends at %s, cannot mark missed yet",
			s.ID, s.Window().End.Format(time.RFC3339))
	}
	return s.transition(ScheduleStatusMissed, now)
}

// Cancel closes the schedule without a collection
func (s *Schedule) Cancel(reason string, now time.Time) error {
	if err := s.transition(ScheduleStatusCanceled, now); err != nil {
		return err
	}
	s.appendNote(fmt.Sprintf("canceled: %s", reason))
	return nil
}

// Supersede marks the schedule as replaced by successorID
func (s *Schedule) Supersede(successorID string, now time.Time) error {
	if err := s.transition(ScheduleStatusRescheduled, now); err != nil {
		return err
	}
	s.SupersededBy = &successorID
	return nil
}

func (s *Schedule) appendNote(note string) {
	if note == "" {
		return
	}
	if s.Notes == "" {
		s.Notes = note
		return
	}
	s.Notes = s.Notes + "; " + note
}

// SeriesAnchor is the slot start every recurrence is counted from
func (s *Schedule) SeriesAnchor() time.Time {
	if s.SeriesStart == 0 {
		return time.Unix(s.SlotStart, 0).UTC()
	}
	return time.Unix(s.SeriesStart, 0).UTC()
}

// NextOccurrenceWindow returns the first occurrence of the series that
// starts after both the current slot and now, with the current slot's
// length. ok is false when the schedule does not recur or the series has
// ended.
func (s *Schedule) NextOccurrenceWindow(now time.Time) (TimeWindow, bool) {
	if !s.Recurring() {
		return TimeWindow{}, false
	}
	current := s.Window()
	anchor := s.SeriesAnchor()

	var start time.Time
	for n := 1; ; n++ {
		start = s.Recurrence.Step(anchor, n)
		if start.After(current.Start) && start.After(now) {
			break
		}
	}
	if s.RecurrenceEndDate != nil && start.After(time.Unix(*s.RecurrenceEndDate, 0)) {
		return TimeWindow{}, false
	}
	return TimeWindow{Start: start, End: start.Add(current.Duration())}, true
}

// ScheduleFilter narrows schedule listings
type ScheduleFilter struct {
	BinID       string
	CollectorID string
	Status      ScheduleStatus
}

// Matches reports whether s satisfies every non-empty filter field
func (f ScheduleFilter) Matches(s *Schedule) bool {
	if f.BinID != "" && s.BinID != f.BinID {
		return false
	}
	if f.CollectorID != "" && s.CollectorID != f.CollectorID {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	return true
}

// CreateScheduleRequest is the request body for POST /api/schedules
type CreateScheduleRequest struct {
	BinID             string     `json:"bin_id"`
	CollectorID       string     `json:"collector_id"`
	Window            TimeWindow `json:"window"`
	Recurrence        string     `json:"recurrence"`
	RecurrenceEndDate *time.Time `json:"recurrence_end_date,omitempty"`
	Priority          *int       `json:"priority,omitempty"` // Derived from the scorer when omitted
	Supersede         bool       `json:"supersede"`
	Notes             string     `json:"notes"`
}

// RescheduleRequest is the request body for POST /api/schedules/:id/reschedule
type RescheduleRequest struct {
	Window TimeWindow `json:"window"`
}

// CancelScheduleRequest is the request body for POST /api/schedules/:id/cancel
type CancelScheduleRequest struct {
	Reason string `json:"reason"`
}

// CompleteScheduleRequest is the request body for POST /api/schedules/:id/complete
type CompleteScheduleRequest struct {
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	ActualFillLevel   int        `json:"actual_fill_level"`
	CollectionSeconds int        `json:"collection_seconds"`
}
