package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"binroute-backend/internal/models"
)

// MemoryStore keeps everything in process. Transactions take the store lock
// for their whole duration and work on a copy that replaces the live data
// only when fn succeeds, so a failed unit of work leaves nothing behind.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
	tx   bool
}

type memData struct {
	bins      map[string]models.Bin
	schedules map[string]models.Schedule
	routes    map[string]models.Route
	users     map[string]models.User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: &memData{
		bins:      make(map[string]models.Bin),
		schedules: make(map[string]models.Schedule),
		routes:    make(map[string]models.Route),
		users:     make(map[string]models.User),
	}}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	if s.tx {
		return fn(s)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	child := &MemoryStore{data: s.data.clone(), tx: true}
	if err := fn(child); err != nil {
		return err
	}
	s.data = child.data
	return nil
}

// lock guards root access; a tx child is already covered by its parent's lock
func (s *MemoryStore) lock() func() {
	if s.tx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (d *memData) clone() *memData {
	c := &memData{
		bins:      make(map[string]models.Bin, len(d.bins)),
		schedules: make(map[string]models.Schedule, len(d.schedules)),
		routes:    make(map[string]models.Route, len(d.routes)),
		users:     make(map[string]models.User, len(d.users)),
	}
	for k, v := range d.bins {
		c.bins[k] = cloneBin(v)
	}
	for k, v := range d.schedules {
		c.schedules[k] = cloneSchedule(v)
	}
	for k, v := range d.routes {
		c.routes[k] = cloneRoute(v)
	}
	for k, v := range d.users {
		c.users[k] = v
	}
	return c
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneBin(b models.Bin) models.Bin {
	b.LastCollectedAt = cloneInt64(b.LastCollectedAt)
	return b
}

func cloneSchedule(s models.Schedule) models.Schedule {
	s.RecurrenceEndDate = cloneInt64(s.RecurrenceEndDate)
	s.CompletedAt = cloneInt64(s.CompletedAt)
	s.ActualFillLevel = cloneInt(s.ActualFillLevel)
	s.CollectionSeconds = cloneInt(s.CollectionSeconds)
	s.RouteID = cloneString(s.RouteID)
	s.SupersededBy = cloneString(s.SupersededBy)
	return s
}

func cloneRoute(r models.Route) models.Route {
	r.StartedAt = cloneInt64(r.StartedAt)
	r.CompletedAt = cloneInt64(r.CompletedAt)
	stops := make([]models.RouteStop, len(r.Stops))
	for i, stop := range r.Stops {
		stop.ScheduleID = cloneString(stop.ScheduleID)
		stop.CollectedAt = cloneInt64(stop.CollectedAt)
		stops[i] = stop
	}
	r.Stops = stops
	return r
}

// Bins

func (s *MemoryStore) GetBin(ctx context.Context, id string) (*models.Bin, error) {
	defer s.lock()()
	b, ok := s.data.bins[id]
	if !ok {
		return nil, models.NotFoundError("bin %s not found", id)
	}
	b = cloneBin(b)
	return &b, nil
}

func (s *MemoryStore) ListBins(ctx context.Context, statuses ...models.BinStatus) ([]models.Bin, error) {
	defer s.lock()()
	bins := make([]models.Bin, 0, len(s.data.bins))
	for _, b := range s.data.bins {
		if len(statuses) > 0 && !containsStatus(statuses, b.Status) {
			continue
		}
		bins = append(bins, cloneBin(b))
	}
	sort.Slice(bins, func(i, j int) bool {
		if bins[i].BinNumber != bins[j].BinNumber {
			return bins[i].BinNumber < bins[j].BinNumber
		}
		return bins[i].ID < bins[j].ID
	})
	return bins, nil
}

func containsStatus(statuses []models.BinStatus, st models.BinStatus) bool {
	for _, s := range statuses {
		if s == st {
			return true
		}
	}
	return false
}

func (s *MemoryStore) CreateBin(ctx context.Context, bin *models.Bin) error {
	defer s.lock()()
	if _, ok := s.data.bins[bin.ID]; ok {
		return models.ConflictError("bin %s already exists", bin.ID)
	}
	for _, b := range s.data.bins {
		if b.BinNumber == bin.BinNumber {
			return models.ConflictError("bin number %d already exists", bin.BinNumber)
		}
	}
	bin.Version = 1
	s.data.bins[bin.ID] = cloneBin(*bin)
	return nil
}

func (s *MemoryStore) UpdateBin(ctx context.Context, bin *models.Bin) error {
	defer s.lock()()
	cur, ok := s.data.bins[bin.ID]
	if !ok {
		return models.NotFoundError("bin %s not found", bin.ID)
	}
	if cur.Version != bin.Version {
		return models.ConflictError("bin %s was modified concurrently (version %d, have %d)", bin.ID, cur.Version, bin.Version)
	}
	bin.Version++
	s.data.bins[bin.ID] = cloneBin(*bin)
	return nil
}

// Schedules

func (s *MemoryStore) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	defer s.lock()()
	sc, ok := s.data.schedules[id]
	if !ok {
		return nil, models.NotFoundError("schedule %s not found", id)
	}
	sc = cloneSchedule(sc)
	return &sc, nil
}

func (s *MemoryStore) PendingScheduleForBin(ctx context.Context, binID string) (*models.Schedule, error) {
	defer s.lock()()
	if sc := s.pendingFor(binID, ""); sc != nil {
		c := cloneSchedule(*sc)
		return &c, nil
	}
	return nil, nil
}

func (s *MemoryStore) pendingFor(binID, exceptID string) *models.Schedule {
	for id, sc := range s.data.schedules {
		if sc.BinID == binID && sc.Status == models.ScheduleStatusPending && id != exceptID {
			return &sc
		}
	}
	return nil
}

func (s *MemoryStore) ListSchedules(ctx context.Context, filter models.ScheduleFilter) ([]models.Schedule, error) {
	defer s.lock()()
	out := make([]models.Schedule, 0)
	for _, sc := range s.data.schedules {
		if filter.Matches(&sc) {
			out = append(out, cloneSchedule(sc))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SlotStart != out[j].SlotStart {
			return out[i].SlotStart < out[j].SlotStart
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) CreateSchedule(ctx context.Context, sc *models.Schedule) error {
	defer s.lock()()
	if _, ok := s.data.schedules[sc.ID]; ok {
		return models.ConflictError("schedule %s already exists", sc.ID)
	}
	if sc.Status == models.ScheduleStatusPending {
		if other := s.pendingFor(sc.BinID, sc.ID); other != nil {
			return models.ConflictError("bin %s already has pending schedule %s", sc.BinID, other.ID)
		}
	}
	if err := s.checkRouteRef(sc); err != nil {
		return err
	}
	sc.Version = 1
	s.data.schedules[sc.ID] = cloneSchedule(*sc)
	return nil
}

func (s *MemoryStore) UpdateSchedule(ctx context.Context, sc *models.Schedule) error {
	defer s.lock()()
	cur, ok := s.data.schedules[sc.ID]
	if !ok {
		return models.NotFoundError("schedule %s not found", sc.ID)
	}
	if cur.Version != sc.Version {
		return models.ConflictError("schedule %s was modified concurrently (version %d, have %d)", sc.ID, cur.Version, sc.Version)
	}
	if sc.Status == models.ScheduleStatusPending {
		if other := s.pendingFor(sc.BinID, sc.ID); other != nil {
			return models.ConflictError("bin %s already has pending schedule %s", sc.BinID, other.ID)
		}
	}
	if err := s.checkRouteRef(sc); err != nil {
		return err
	}
	sc.Version++
	s.data.schedules[sc.ID] = cloneSchedule(*sc)
	return nil
}

// checkRouteRef mirrors the schedules.route_id foreign key
func (s *MemoryStore) checkRouteRef(sc *models.Schedule) error {
	if sc.RouteID == nil {
		return nil
	}
	if _, ok := s.data.routes[*sc.RouteID]; !ok {
		return models.DataConsistencyError("schedule %s references missing route %s", sc.ID, *sc.RouteID)
	}
	return nil
}

// Routes

func (s *MemoryStore) GetRoute(ctx context.Context, id string) (*models.Route, error) {
	defer s.lock()()
	r, ok := s.data.routes[id]
	if !ok {
		return nil, models.NotFoundError("route %s not found", id)
	}
	r = cloneRoute(r)
	return &r, nil
}

func (s *MemoryStore) ListRoutes(ctx context.Context, filter models.RouteFilter) ([]models.Route, error) {
	defer s.lock()()
	out := make([]models.Route, 0)
	for _, r := range s.data.routes {
		if filter.Matches(&r) {
			out = append(out, cloneRoute(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) CreateRoute(ctx context.Context, r *models.Route) error {
	defer s.lock()()
	if _, ok := s.data.routes[r.ID]; ok {
		return models.ConflictError("route %s already exists", r.ID)
	}
	if err := r.ValidateOrder(); err != nil {
		return err
	}
	r.Version = 1
	s.data.routes[r.ID] = cloneRoute(*r)
	return nil
}

func (s *MemoryStore) UpdateRoute(ctx context.Context, r *models.Route) error {
	defer s.lock()()
	cur, ok := s.data.routes[r.ID]
	if !ok {
		return models.NotFoundError("route %s not found", r.ID)
	}
	if cur.Version != r.Version {
		return models.ConflictError("route %s was modified concurrently (version %d, have %d)", r.ID, cur.Version, r.Version)
	}
	r.Version++
	s.data.routes[r.ID] = cloneRoute(*r)
	return nil
}

// Users

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	defer s.lock()()
	for _, u := range s.data.users {
		if strings.EqualFold(u.Email, email) {
			return &u, nil
		}
	}
	return nil, models.NotFoundError("user %s not found", email)
}

func (s *MemoryStore) CreateUser(ctx context.Context, u *models.User) error {
	defer s.lock()()
	for _, existing := range s.data.users {
		if existing.ID == u.ID || strings.EqualFold(existing.Email, u.Email) {
			return models.ConflictError("user %s already exists", u.Email)
		}
	}
	s.data.users[u.ID] = *u
	return nil
}

func (s *MemoryStore) ListCollectors(ctx context.Context, zone string) ([]models.User, error) {
	defer s.lock()()
	out := make([]models.User, 0)
	for _, u := range s.data.users {
		if u.Role != models.RoleCollector {
			continue
		}
		if zone != "" && u.Zone != zone {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
