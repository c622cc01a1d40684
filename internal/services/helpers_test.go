package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"binroute-backend/internal/geo"
	"binroute-backend/internal/models"
	"binroute-backend/internal/store"
)

// testEnv wires the engine over the memory store with a fixed clock
type testEnv struct {
	store     *store.MemoryStore
	scorer    *Scorer
	events    *recordingNotifier
	notifier  *Dispatcher
	schedules *ScheduleManager
	builder   *RouteBuilder
	tracker   *RouteTracker
	directory *ShiftDirectory
	orch      *Orchestrator
	bins      *BinService
	now       time.Time
}

func newTestEnv(t *testing.T, provider geo.Provider) *testEnv {
	t.Helper()

	env := &testEnv{
		store:  store.NewMemoryStore(),
		events: &recordingNotifier{},
		now:    time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return env.now }

	env.scorer = NewScorer(DefaultPriorityConfig())
	env.scorer.now = clock
	env.notifier = NewDispatcher(env.events)

	env.schedules = NewScheduleManager(env.store, env.scorer, env.notifier)
	env.schedules.now = clock

	if provider == nil {
		provider = geo.NewHaversineProvider(10)
	}
	cfg := DefaultRouteBuilderConfig()
	cfg.ServiceTime = time.Minute
	env.builder = NewRouteBuilder(env.store, provider, env.scorer, env.notifier, cfg)
	env.builder.now = clock

	env.tracker = NewRouteTracker(env.store, env.schedules, env.notifier)
	env.tracker.now = clock

	env.directory = NewShiftDirectory(env.store, 6, 18)
	env.directory.now = clock

	env.orch = NewOrchestrator(env.store, env.scorer, env.schedules, env.directory, DefaultOrchestratorConfig())
	env.orch.now = clock

	env.bins = NewBinService(env.store, env.scorer, env.schedules)
	env.bins.now = clock

	t.Cleanup(env.notifier.Wait)
	return env
}

func (e *testEnv) addBin(t *testing.T, id string, number int, lat, lng float64, fill int) *models.Bin {
	t.Helper()
	collected := e.now.Add(-time.Hour).Unix()
	bin := &models.Bin{
		ID:              id,
		BinNumber:       number,
		CurrentStreet:   fmt.Sprintf("%d Main St", number),
		Zone:            "north",
		Latitude:        lat,
		Longitude:       lng,
		FillLevel:       fill,
		Status:          models.BinStatusActive,
		LastCollectedAt: &collected,
		CreatedAt:       e.now.Add(-30 * 24 * time.Hour).Unix(),
	}
	if err := e.store.CreateBin(context.Background(), bin); err != nil {
		t.Fatalf("CreateBin(%s): %v", id, err)
	}
	return bin
}

func (e *testEnv) addCollector(t *testing.T, id, zone string) {
	t.Helper()
	u := &models.User{ID: id, Email: id + "@binroute.test", Name: id, Role: models.RoleCollector, Zone: zone}
	if err := e.store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser(%s): %v", id, err)
	}
}

func (e *testEnv) window(startHour, hours int) models.TimeWindow {
	day := time.Date(e.now.Year(), e.now.Month(), e.now.Day(), 0, 0, 0, 0, time.UTC)
	start := day.Add(time.Duration(startHour) * time.Hour)
	return models.TimeWindow{Start: start, End: start.Add(time.Duration(hours) * time.Hour)}
}

func (e *testEnv) schedule(t *testing.T, binID string, w models.TimeWindow, recurrence models.Recurrence) *models.Schedule {
	t.Helper()
	change, err := e.schedules.CreateSchedule(context.Background(), models.CreateScheduleRequest{
		BinID:       binID,
		CollectorID: "collector-1",
		Window:      w,
		Recurrence:  string(recurrence),
	})
	if err != nil {
		t.Fatalf("CreateSchedule(%s): %v", binID, err)
	}
	return change.Schedule
}

// assertOnePending fails if any bin has more than one pending schedule
func (e *testEnv) assertOnePending(t *testing.T) {
	t.Helper()
	all, err := e.store.ListSchedules(context.Background(), models.ScheduleFilter{Status: models.ScheduleStatusPending})
	if err != nil {
		t.Fatalf("ListSchedules: %v", err)
	}
	seen := map[string]string{}
	for _, s := range all {
		if other, ok := seen[s.BinID]; ok {
			t.Fatalf("bin %s has two pending schedules: %s and %s", s.BinID, other, s.ID)
		}
		seen[s.BinID] = s.ID
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingNotifier) Notify(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingNotifier) count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// flakyProvider fails the first `failures` lookups touching `bad`
type flakyProvider struct {
	next     geo.Provider
	bad      models.Location
	failures int32
	calls    int32
}

func (p *flakyProvider) Distance(ctx context.Context, from, to models.Location) (geo.Leg, error) {
	atomic.AddInt32(&p.calls, 1)
	if geo.Key(from) == geo.Key(p.bad) || geo.Key(to) == geo.Key(p.bad) {
		if atomic.AddInt32(&p.failures, -1) >= 0 {
			return geo.Leg{}, models.GeoLookupError(nil, "upstream unavailable")
		}
	}
	return p.next.Distance(ctx, from, to)
}

// slowProvider blocks until ctx is done
type slowProvider struct{}

func (slowProvider) Distance(ctx context.Context, from, to models.Location) (geo.Leg, error) {
	<-ctx.Done()
	return geo.Leg{}, models.GeoLookupError(ctx.Err(), "lookup cancelled")
}
