package models

import (
	"sort"
	"time"
)

// RouteStatus represents the execution state of a collection route
type RouteStatus string

const (
	RouteStatusPlanned    RouteStatus = "planned"     // Built, not started
	RouteStatusInProgress RouteStatus = "in_progress" // Collector is driving it
	RouteStatusPaused     RouteStatus = "paused"      // On break
	RouteStatusCompleted  RouteStatus = "completed"   // Every stop collected or skipped
	RouteStatusCancelled  RouteStatus = "cancelled"   // Abandoned, open stops released
)

var routeTransitions = map[RouteStatus][]RouteStatus{
	RouteStatusPlanned:    {RouteStatusInProgress, RouteStatusCancelled},
	RouteStatusInProgress: {RouteStatusPaused, RouteStatusCompleted, RouteStatusCancelled},
	RouteStatusPaused:     {RouteStatusInProgress, RouteStatusCancelled},
}

// ParseRouteStatus rejects anything outside the closed set of route states.
// "pending" is accepted as an alias for planned.
func ParseRouteStatus(s string) (RouteStatus, error) {
	switch RouteStatus(s) {
	case "pending":
		return RouteStatusPlanned, nil
	case RouteStatusPlanned, RouteStatusInProgress, RouteStatusPaused,
		RouteStatusCompleted, RouteStatusCancelled:
		return RouteStatus(s), nil
	}
	return "", ValidationError("unknown route status %q", s)
}

// CanTransitionTo reports whether the state machine allows s -> to
func (s RouteStatus) CanTransitionTo(to RouteStatus) bool {
	for _, allowed := range routeTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible
func (s RouteStatus) Terminal() bool {
	return s == RouteStatusCompleted || s == RouteStatusCancelled
}

// RouteStop represents one bin's visit inside a route (from route_stops table)
type RouteStop struct {
	RouteID          string  `json:"route_id" db:"route_id"`
	BinID            string  `json:"bin_id" db:"bin_id"`
	ScheduleID       *string `json:"schedule_id,omitempty" db:"schedule_id"`
	SequenceOrder    int     `json:"order" db:"sequence_order"`
	EstimatedSeconds int     `json:"estimated_time" db:"estimated_seconds"` // Offset from route start
	IsCollected      bool    `json:"is_collected" db:"is_collected"`
	IsSkipped        bool    `json:"is_skipped" db:"is_skipped"`
	CollectedAt      *int64  `json:"collected_at,omitempty" db:"collected_at"`
	SkipReason       string  `json:"skip_reason,omitempty" db:"skip_reason"`
	Notes            string  `json:"notes,omitempty" db:"notes"`
}

// Done reports whether the stop needs no further action
func (s *RouteStop) Done() bool {
	return s.IsCollected || s.IsSkipped
}

// Route is an ordered sequence of bin visits for one collector
type Route struct {
	ID               string      `json:"id" db:"id"`
	CollectorID      string      `json:"collector_id" db:"collector_id"`
	Zone             string      `json:"zone" db:"zone"`
	StartLatitude    float64     `json:"start_latitude" db:"start_latitude"`
	StartLongitude   float64     `json:"start_longitude" db:"start_longitude"`
	EndLatitude      float64     `json:"end_latitude" db:"end_latitude"`
	EndLongitude     float64     `json:"end_longitude" db:"end_longitude"`
	DistanceMeters   int         `json:"distance" db:"distance_meters"`
	EstimatedSeconds int         `json:"estimated_time" db:"estimated_seconds"`
	Status           RouteStatus `json:"status" db:"status"`
	StartedAt        *int64      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *int64      `json:"completed_at,omitempty" db:"completed_at"`
	Version          int         `json:"version" db:"version"`
	CreatedAt        int64       `json:"created_at" db:"created_at"`
	UpdatedAt        int64       `json:"updated_at" db:"updated_at"`
	Stops            []RouteStop `json:"stops" db:"-"`
}

// StartLocation returns where the collector departs from
func (r *Route) StartLocation() Location {
	return Location{Latitude: r.StartLatitude, Longitude: r.StartLongitude}
}

// EndLocation returns where the route finishes
func (r *Route) EndLocation() Location {
	return Location{Latitude: r.EndLatitude, Longitude: r.EndLongitude}
}

// CompletionRate returns (collected+skipped)/total as 0.0-1.0
func (r *Route) CompletionRate() float64 {
	if len(r.Stops) == 0 {
		return 0.0
	}
	done := 0
	for i := range r.Stops {
		if r.Stops[i].Done() {
			done++
		}
	}
	return float64(done) / float64(len(r.Stops))
}

// AllStopsDone returns true if every stop was collected or skipped
func (r *Route) AllStopsDone() bool {
	if len(r.Stops) == 0 {
		return false
	}
	for i := range r.Stops {
		if !r.Stops[i].Done() {
			return false
		}
	}
	return true
}

// PendingStops returns the stops that still need a visit
func (r *Route) PendingStops() []RouteStop {
	var pending []RouteStop
	for _, s := range r.Stops {
		if !s.Done() {
			pending = append(pending, s)
		}
	}
	return pending
}

// SortStops orders stops by sequence
func (r *Route) SortStops() {
	sort.Slice(r.Stops, func(i, j int) bool {
		return r.Stops[i].SequenceOrder < r.Stops[j].SequenceOrder
	})
}

// ValidateOrder checks that stop orders are exactly 1..N with no duplicates
func (r *Route) ValidateOrder() error {
	seen := make(map[int]bool, len(r.Stops))
	for _, s := range r.Stops {
		if s.SequenceOrder < 1 || s.SequenceOrder > len(r.Stops) || seen[s.SequenceOrder] {
			return DataConsistencyError("route %s has invalid stop order %d", r.ID, s.SequenceOrder)
		}
		seen[s.SequenceOrder] = true
	}
	return nil
}

// TransitionTo moves the route through its state machine
func (r *Route) TransitionTo(to RouteStatus, now time.Time) error {
	if !r.Status.CanTransitionTo(to) {
		return InvalidStateError("route %s cannot move from %s to %s", r.ID, r.Status, to)
	}
	if to == RouteStatusCompleted && !r.AllStopsDone() {
		return InvalidStateError("route %s still has %d open stops", r.ID, len(r.PendingStops()))
	}

	ts := now.Unix()
	if to == RouteStatusInProgress && r.StartedAt == nil {
		r.StartedAt = &ts
	}
	if to.Terminal() {
		r.CompletedAt = &ts
	}
	r.Status = to
	r.UpdatedAt = ts
	return nil
}

func (r *Route) openStop(binID string) (*RouteStop, error) {
	if r.Status != RouteStatusInProgress {
		return nil, InvalidStateError("route %s is %s, stops can only change while in_progress", r.ID, r.Status)
	}
	for i := range r.Stops {
		if r.Stops[i].BinID != binID {
			continue
		}
		if r.Stops[i].Done() {
			return nil, InvalidStateError("stop for bin %s on route %s is already done", binID, r.ID)
		}
		return &r.Stops[i], nil
	}
	return nil, NotFoundError("bin %s is not a stop on route %s", binID, r.ID)
}

// CollectStop marks a bin's stop as collected
func (r *Route) CollectStop(binID, notes string, now time.Time) (*RouteStop, error) {
	stop, err := r.openStop(binID)
	if err != nil {
		return nil, err
	}
	ts := now.Unix()
	stop.IsCollected = true
	stop.CollectedAt = &ts
	stop.Notes = notes
	r.UpdatedAt = ts
	return stop, nil
}

// SkipStop marks a bin's stop as skipped without collecting it
func (r *Route) SkipStop(binID, reason string, now time.Time) (*RouteStop, error) {
	stop, err := r.openStop(binID)
	if err != nil {
		return nil, err
	}
	stop.IsSkipped = true
	stop.SkipReason = reason
	r.UpdatedAt = now.Unix()
	return stop, nil
}

// RouteResponse adds derived fields for API responses
type RouteResponse struct {
	Route
	CompletionRate float64 `json:"completion_rate"`
}

// ToRouteResponse computes derived fields from stop state
func (r *Route) ToRouteResponse() RouteResponse {
	return RouteResponse{Route: *r, CompletionRate: r.CompletionRate()}
}

// RouteFilter narrows route listings
type RouteFilter struct {
	CollectorID string
	Status      RouteStatus
}

// Matches reports whether r satisfies every non-empty filter field
func (f RouteFilter) Matches(r *Route) bool {
	if f.CollectorID != "" && r.CollectorID != f.CollectorID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// BuildRouteRequest is the request body for POST /api/routes/build
type BuildRouteRequest struct {
	BinIDs      []string  `json:"bin_ids"`
	Start       *Location `json:"start,omitempty"` // Defaults to the depot
	End         *Location `json:"end,omitempty"`   // Defaults to the depot
	CollectorID string    `json:"collector_id"`
	Zone        string    `json:"zone"`
}

// UpdateRouteStatusRequest is the request body for PATCH /api/routes/:id/status
type UpdateRouteStatusRequest struct {
	Status string `json:"status"`
}

// UpdateStopRequest is the request body for PATCH /api/routes/:id/stops/:binId
type UpdateStopRequest struct {
	Action          string `json:"action"` // "collected" or "skipped"
	Notes           string `json:"notes"`
	Reason          string `json:"reason"`
	ActualFillLevel *int   `json:"actual_fill_level,omitempty"`
}
