package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"binroute-backend/internal/models"
	"binroute-backend/internal/obs"
)

// OrchestratorConfig tunes the periodic scheduling sweep
type OrchestratorConfig struct {
	Interval           time.Duration
	Threshold          int           // Bins scoring at or above this get scheduled
	EscalationDelta    int           // Score rise that justifies an earlier slot
	CollectionDuration time.Duration // Length of an auto-scheduled window
}

// DefaultOrchestratorConfig returns production defaults
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Interval:           time.Hour,
		Threshold:          8,
		EscalationDelta:    2,
		CollectionDuration: 30 * time.Minute,
	}
}

// SweepReport summarises one sweep
type SweepReport struct {
	StartedAt  int64    `json:"started_at"`
	FinishedAt int64    `json:"finished_at"`
	Skipped    bool     `json:"skipped"` // Another sweep was still running
	Scanned    int      `json:"scanned"`
	Created    int      `json:"created"`
	Escalated  int      `json:"escalated"`
	Unchanged  int      `json:"unchanged"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors,omitempty"`
}

// Orchestrator scores every schedulable bin on a timer and turns urgent
// ones into schedules. Only one sweep runs at a time; a sweep that finds
// the lock taken is skipped, not queued.
type Orchestrator struct {
	store     Store
	scorer    *Scorer
	schedules *ScheduleManager
	directory CollectorDirectory
	cfg       OrchestratorConfig
	runLock   sync.Mutex
	now       func() time.Time
}

func NewOrchestrator(store Store, scorer *Scorer, schedules *ScheduleManager, directory CollectorDirectory, cfg OrchestratorConfig) *Orchestrator {
	def := DefaultOrchestratorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Threshold < MinPriority || cfg.Threshold > MaxPriority {
		cfg.Threshold = def.Threshold
	}
	if cfg.EscalationDelta <= 0 {
		cfg.EscalationDelta = def.EscalationDelta
	}
	if cfg.CollectionDuration <= 0 {
		cfg.CollectionDuration = def.CollectionDuration
	}
	return &Orchestrator{
		store:     store,
		scorer:    scorer,
		schedules: schedules,
		directory: directory,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Run sweeps immediately and then every Interval until ctx is done
func (o *Orchestrator) Run(ctx context.Context) {
	log.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Printf("⏰ [ORCHESTRATOR] Started")
	log.Printf("   Interval: %s", o.cfg.Interval)
	log.Printf("   Threshold: %d, escalation delta: %d", o.cfg.Threshold, o.cfg.EscalationDelta)
	log.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := o.Sweep(ctx); err != nil {
			log.Printf("❌ [ORCHESTRATOR] Sweep failed: %v", err)
		}

		select {
		case <-ctx.Done():
			log.Printf("🛑 [ORCHESTRATOR] Stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs one pass over all active and overflowing bins
func (o *Orchestrator) Sweep(ctx context.Context) (report SweepReport, err error) {
	report.StartedAt = o.now().Unix()
	if !o.runLock.TryLock() {
		log.Printf("⏭️  [ORCHESTRATOR] Previous sweep still running, skipping")
		report.Skipped = true
		report.FinishedAt = report.StartedAt
		return report, nil
	}
	defer o.runLock.Unlock()
	defer obs.Time(ctx, "orchestrator.sweep")(&err)

	bins, err := o.store.ListBins(ctx, models.BinStatusActive, models.BinStatusOverflow)
	if err != nil {
		return report, fmt.Errorf("failed to list bins: %w", err)
	}

	for i := range bins {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++

		outcome, err := o.sweepBin(ctx, &bins[i])
		if err != nil {
			// Left for the next sweep
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("bin %s: %v", bins[i].ID, err))
			log.Printf("⚠️  [ORCHESTRATOR] Bin %s skipped: %v", bins[i].ID, err)
			continue
		}
		switch outcome {
		case outcomeCreated:
			report.Created++
		case outcomeEscalated:
			report.Escalated++
		default:
			report.Unchanged++
		}
	}

	report.FinishedAt = o.now().Unix()
	log.Printf("✅ [ORCHESTRATOR] Sweep done: %d scanned, %d created, %d escalated, %d failed",
		report.Scanned, report.Created, report.Escalated, report.Failed)
	return report, nil
}

type sweepOutcome int

const (
	outcomeUnchanged sweepOutcome = iota
	outcomeCreated
	outcomeEscalated
)

func (o *Orchestrator) sweepBin(ctx context.Context, bin *models.Bin) (sweepOutcome, error) {
	now := o.now()
	score := o.scorer.ScoreAt(bin, HistoryOf(bin), now)

	pending, err := o.store.PendingScheduleForBin(ctx, bin.ID)
	if err != nil {
		return outcomeUnchanged, fmt.Errorf("failed to load pending schedule: %w", err)
	}

	if pending == nil {
		if score < o.cfg.Threshold && bin.Status != models.BinStatusOverflow {
			return outcomeUnchanged, nil
		}

		a, err := o.directory.NextAvailableWindow(ctx, bin.Zone, o.cfg.CollectionDuration)
		if err != nil {
			return outcomeUnchanged, fmt.Errorf("no window: %w", err)
		}
		_, err = o.schedules.CreateSchedule(ctx, models.CreateScheduleRequest{
			BinID:       bin.ID,
			CollectorID: a.CollectorID,
			Window:      a.Window,
			Priority:    &score,
			Notes:       "auto-scheduled",
		})
		if errors.Is(err, models.ErrConflict) {
			// Someone scheduled it between our read and write
			return outcomeUnchanged, nil
		}
		if err != nil {
			return outcomeUnchanged, err
		}
		return outcomeCreated, nil
	}

	// Routed work is owned by the route until it finishes
	if pending.RouteID != nil || !o.materiallyIncreased(pending.Priority, score) {
		return outcomeUnchanged, nil
	}

	a, err := o.directory.NextAvailableWindow(ctx, bin.Zone, o.cfg.CollectionDuration)
	if err != nil {
		return outcomeUnchanged, fmt.Errorf("no window: %w", err)
	}
	if !a.Window.Start.Before(pending.Window().Start) {
		return outcomeUnchanged, nil
	}

	if _, err := o.schedules.Escalate(ctx, pending.ID, a, score); err != nil {
		return outcomeUnchanged, err
	}
	log.Printf("⬆️  [ORCHESTRATOR] Bin %s escalated: priority %d -> %d", bin.ID, pending.Priority, score)
	return outcomeEscalated, nil
}

// materiallyIncreased is true when the score moved up a tier or by at least
// EscalationDelta since the schedule was created
func (o *Orchestrator) materiallyIncreased(old, current int) bool {
	if current <= old {
		return false
	}
	return TierOf(current).rank() > TierOf(old).rank() || current-old >= o.cfg.EscalationDelta
}
