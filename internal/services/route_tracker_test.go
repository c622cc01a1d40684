package services

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"binroute-backend/internal/models"
)

func buildScheduledRoute(t *testing.T, env *testEnv, ids ...string) *models.Route {
	t.Helper()
	for i, id := range ids {
		env.addBin(t, id, i+1, 37.33+float64(i)/100, -121.88+float64(i)/200, 85)
		env.schedule(t, id, env.window(8+i, 1), models.RecurrenceNone)
	}
	route, err := env.builder.BuildRoute(context.Background(), models.BuildRouteRequest{BinIDs: ids, CollectorID: "collector-1"})
	if err != nil {
		t.Fatalf("BuildRoute: %v", err)
	}
	return route
}

func TestRouteStatusMachine(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	route := buildScheduledRoute(t, env, "a", "b")

	steps := []struct {
		to      models.RouteStatus
		wantErr error
	}{
		{models.RouteStatusPaused, models.ErrInvalidState},
		{models.RouteStatusCompleted, models.ErrInvalidState},
		{models.RouteStatusInProgress, nil},
		{models.RouteStatusPaused, nil},
		{models.RouteStatusCompleted, models.ErrInvalidState},
		{models.RouteStatusInProgress, nil},
		{models.RouteStatusCompleted, models.ErrInvalidState}, // stops still open
		{models.RouteStatusCancelled, nil},
		{models.RouteStatusInProgress, models.ErrInvalidState},
	}

	for i, step := range steps {
		_, err := env.tracker.UpdateStatus(ctx, route.ID, step.to)
		if step.wantErr == nil && err != nil {
			t.Fatalf("step %d -> %s: unexpected error %v", i, step.to, err)
		}
		if step.wantErr != nil && !errors.Is(err, step.wantErr) {
			t.Fatalf("step %d -> %s: err = %v, want %v", i, step.to, err, step.wantErr)
		}
	}

	got, _ := env.tracker.Get(ctx, route.ID)
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatalf("timestamps not recorded: started=%v completed=%v", got.StartedAt, got.CompletedAt)
	}
}

func TestStopChangesRequireInProgress(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	route := buildScheduledRoute(t, env, "a", "b")

	if _, err := env.tracker.MarkStopCollected(ctx, route.ID, "a", "", nil); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("collect on planned route err = %v, want invalid state", err)
	}

	env.tracker.UpdateStatus(ctx, route.ID, models.RouteStatusInProgress)
	env.tracker.UpdateStatus(ctx, route.ID, models.RouteStatusPaused)
	if _, err := env.tracker.MarkStopSkipped(ctx, route.ID, "a", "blocked"); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("skip on paused route err = %v, want invalid state", err)
	}

	env.tracker.UpdateStatus(ctx, route.ID, models.RouteStatusInProgress)
	if _, err := env.tracker.MarkStopCollected(ctx, route.ID, "zzz", "", nil); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("unknown stop err = %v, want not found", err)
	}
	if _, err := env.tracker.MarkStopCollected(ctx, route.ID, "a", "", nil); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if _, err := env.tracker.MarkStopCollected(ctx, route.ID, "a", "", nil); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("double collect err = %v, want invalid state", err)
	}
}

func TestCompletionRateTracksStopsAndAutoCompletes(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	route := buildScheduledRoute(t, env, "a", "b", "c", "d")
	env.tracker.UpdateStatus(ctx, route.ID, models.RouteStatusInProgress)

	ops := []struct {
		bin  string
		skip bool
	}{
		{"a", false}, {"b", true}, {"c", false}, {"d", false},
	}
	for i, op := range ops {
		env.now = env.now.Add(5 * time.Minute)
		var r *models.Route
		var err error
		if op.skip {
			r, err = env.tracker.MarkStopSkipped(ctx, route.ID, op.bin, "gate locked")
		} else {
			r, err = env.tracker.MarkStopCollected(ctx, route.ID, op.bin, "ok", nil)
		}
		if err != nil {
			t.Fatalf("stop %s: %v", op.bin, err)
		}

		want := float64(i+1) / float64(len(ops))
		if math.Abs(r.CompletionRate()-want) > 1e-9 {
			t.Fatalf("completion = %.2f, want %.2f", r.CompletionRate(), want)
		}
		wantStatus := models.RouteStatusInProgress
		if i == len(ops)-1 {
			wantStatus = models.RouteStatusCompleted
		}
		if r.Status != wantStatus {
			t.Fatalf("after %s status = %s, want %s", op.bin, r.Status, wantStatus)
		}
	}

	if env.notifier.Wait(); env.events.count(EventRouteCompleted) != 1 {
		t.Fatalf("route.completed events = %d, want 1", env.events.count(EventRouteCompleted))
	}
}

func TestSkippedStopMarksScheduleMissed(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	route := buildScheduledRoute(t, env, "a", "b")
	env.tracker.UpdateStatus(ctx, route.ID, models.RouteStatusInProgress)

	// The slot has not ended yet; a skip closes it anyway
	if _, err := env.tracker.MarkStopSkipped(ctx, route.ID, "a", "car parked in front"); err != nil {
		t.Fatalf("skip: %v", err)
	}

	schedules, _ := env.schedules.ListForBin(ctx, "a")
	if len(schedules) != 1 || schedules[0].Status != models.ScheduleStatusMissed {
		t.Fatalf("schedules = %+v, want one missed", schedules)
	}
	bin, _ := env.store.GetBin(ctx, "a")
	if bin.MissedCount != 1 || bin.FillLevel != 85 {
		t.Fatalf("bin missed=%d fill=%d, want 1/85", bin.MissedCount, bin.FillLevel)
	}
}

func TestCancelReleasesOpenStops(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	route := buildScheduledRoute(t, env, "a", "b", "c")
	env.tracker.UpdateStatus(ctx, route.ID, models.RouteStatusInProgress)

	if _, err := env.tracker.MarkStopCollected(ctx, route.ID, "a", "", nil); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if _, err := env.tracker.UpdateStatus(ctx, route.ID, models.RouteStatusCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	for _, id := range []string{"b", "c"} {
		s, err := env.store.PendingScheduleForBin(ctx, id)
		if err != nil || s == nil {
			t.Fatalf("bin %s lost its pending schedule: %v", id, err)
		}
		if s.RouteID != nil {
			t.Fatalf("bin %s schedule still attached to %s", id, *s.RouteID)
		}
	}

	done, _ := env.schedules.ListForBin(ctx, "a")
	if done[0].Status != models.ScheduleStatusCompleted {
		t.Fatalf("collected stop schedule = %s, want completed", done[0].Status)
	}

	// Released work can be routed again
	if _, err := env.builder.BuildRoute(ctx, models.BuildRouteRequest{BinIDs: []string{"b", "c"}, CollectorID: "collector-2"}); err != nil {
		t.Fatalf("rebuild after cancel: %v", err)
	}
}

func TestCollectAdHocStopUpdatesBin(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.addBin(t, "a", 1, 37.33, -121.88, 70)
	env.addBin(t, "b", 2, 37.34, -121.87, 70)

	route, err := env.builder.BuildRoute(ctx, models.BuildRouteRequest{BinIDs: []string{"a", "b"}, CollectorID: "collector-1"})
	if err != nil {
		t.Fatalf("BuildRoute: %v", err)
	}
	env.tracker.UpdateStatus(ctx, route.ID, models.RouteStatusInProgress)

	fill := 10
	if _, err := env.tracker.MarkStopCollected(ctx, route.ID, "a", "", &fill); err != nil {
		t.Fatalf("collect: %v", err)
	}
	bin, _ := env.store.GetBin(ctx, "a")
	if bin.FillLevel != 10 || bin.LastCollectedAt == nil || *bin.LastCollectedAt != env.now.Unix() {
		t.Fatalf("bin = fill %d collected %v", bin.FillLevel, bin.LastCollectedAt)
	}

	bad := 140
	if _, err := env.tracker.MarkStopCollected(ctx, route.ID, "b", "", &bad); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("fill 140 err = %v, want validation", err)
	}
	r, _ := env.tracker.Get(ctx, route.ID)
	for _, s := range r.Stops {
		if s.BinID == "b" && s.Done() {
			t.Fatal("rejected collection still marked the stop done")
		}
	}
}

func TestStopClosesScheduleAddedAfterBuild(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c", "d"} {
		env.addBin(t, id, i+1, 37.33+float64(i)/100, -121.88, 70)
	}

	route, err := env.builder.BuildRoute(ctx, models.BuildRouteRequest{BinIDs: []string{"a", "b", "c"}, CollectorID: "collector-1"})
	if err != nil {
		t.Fatalf("BuildRoute: %v", err)
	}
	sa := env.schedule(t, "a", env.window(8, 2), models.RecurrenceNone)
	sb := env.schedule(t, "b", env.window(9, 2), models.RecurrenceNone)
	sc := env.schedule(t, "c", env.window(10, 2), models.RecurrenceNone)

	// c's schedule is claimed by a second route and must stay with it
	other, err := env.builder.BuildRoute(ctx, models.BuildRouteRequest{BinIDs: []string{"c", "d"}, CollectorID: "collector-2"})
	if err != nil {
		t.Fatalf("BuildRoute other: %v", err)
	}
	if _, err := env.tracker.UpdateStatus(ctx, route.ID, models.RouteStatusInProgress); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := env.tracker.MarkStopCollected(ctx, route.ID, "a", "", nil); err != nil {
		t.Fatalf("collect a: %v", err)
	}
	if _, err := env.tracker.MarkStopSkipped(ctx, route.ID, "b", "blocked"); err != nil {
		t.Fatalf("skip b: %v", err)
	}
	r, err := env.tracker.MarkStopCollected(ctx, route.ID, "c", "", nil)
	if err != nil {
		t.Fatalf("collect c: %v", err)
	}

	got, _ := env.store.GetSchedule(ctx, sa.ID)
	if got.Status != models.ScheduleStatusCompleted || got.RouteID == nil || *got.RouteID != route.ID {
		t.Fatalf("schedule a = %s on %v, want completed on %s", got.Status, got.RouteID, route.ID)
	}
	got, _ = env.store.GetSchedule(ctx, sb.ID)
	if got.Status != models.ScheduleStatusMissed {
		t.Fatalf("schedule b = %s, want missed", got.Status)
	}
	got, _ = env.store.GetSchedule(ctx, sc.ID)
	if got.Status != models.ScheduleStatusPending || got.RouteID == nil || *got.RouteID != other.ID {
		t.Fatalf("schedule c = %s on %v, want pending on %s", got.Status, got.RouteID, other.ID)
	}

	for _, stop := range r.Stops {
		switch stop.BinID {
		case "a":
			if stop.ScheduleID == nil || *stop.ScheduleID != sa.ID {
				t.Fatalf("stop a schedule = %v, want %s", stop.ScheduleID, sa.ID)
			}
		case "c":
			if stop.ScheduleID != nil {
				t.Fatalf("stop c schedule = %s, want none", *stop.ScheduleID)
			}
		}
	}
}

func TestFullCollectionCycle(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.addCollector(t, "collector-1", "north")

	hot := env.addBin(t, "hot", 1, 37.331, -121.889, 85)
	env.addBin(t, "other", 2, 37.342, -121.871, 40)
	env.schedule(t, "other", env.window(8, 2), models.RecurrenceNone)

	if score := env.scorer.Score(hot, HistoryOf(hot)); score < 8 || score > 10 {
		t.Fatalf("score = %d, want 8..10", score)
	}

	report, err := env.orch.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.Created != 1 {
		t.Fatalf("created = %d, want 1 (%+v)", report.Created, report)
	}
	pending, _ := env.store.PendingScheduleForBin(ctx, "hot")
	if pending == nil || pending.Status != models.ScheduleStatusPending {
		t.Fatalf("hot bin has no pending schedule")
	}

	route, err := env.builder.BuildRoute(ctx, models.BuildRouteRequest{BinIDs: []string{"hot", "other"}, CollectorID: "collector-1"})
	if err != nil {
		t.Fatalf("BuildRoute: %v", err)
	}
	if len(route.Stops) != 2 || route.DistanceMeters <= 0 {
		t.Fatalf("route = %d stops, %d m", len(route.Stops), route.DistanceMeters)
	}

	if _, err := env.tracker.UpdateStatus(ctx, route.ID, models.RouteStatusInProgress); err != nil {
		t.Fatalf("start: %v", err)
	}
	fills := map[string]int{"hot": 5, "other": 0}
	for _, stop := range route.Stops {
		env.now = env.now.Add(10 * time.Minute)
		fill := fills[stop.BinID]
		if _, err := env.tracker.MarkStopCollected(ctx, route.ID, stop.BinID, "", &fill); err != nil {
			t.Fatalf("collect %s: %v", stop.BinID, err)
		}
	}

	final, _ := env.tracker.Get(ctx, route.ID)
	if final.Status != models.RouteStatusCompleted {
		t.Fatalf("route status = %s, want completed", final.Status)
	}
	for id, want := range fills {
		bin, _ := env.store.GetBin(ctx, id)
		if bin.FillLevel != want {
			t.Fatalf("bin %s fill = %d, want %d", id, bin.FillLevel, want)
		}
		history, _ := env.schedules.ListForBin(ctx, id)
		if len(history) != 1 || history[0].Status != models.ScheduleStatusCompleted {
			t.Fatalf("bin %s schedules = %+v, want one completed", id, history)
		}
		if history[0].ActualFillLevel == nil || *history[0].ActualFillLevel != want {
			t.Fatalf("bin %s actual fill = %v, want %d", id, history[0].ActualFillLevel, want)
		}
	}
}
