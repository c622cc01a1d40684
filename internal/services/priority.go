package services

import (
	"time"

	"binroute-backend/internal/models"
)

const (
	MinPriority = 1
	MaxPriority = 10
)

// Tier is the badge bucket shown to dispatchers
type Tier string

const (
	TierNormal  Tier = "normal"  // 1-3
	TierWarning Tier = "warning" // 4-7
	TierUrgent  Tier = "urgent"  // 8-10
)

// TierOf buckets a priority score
func TierOf(score int) Tier {
	switch {
	case score >= 8:
		return TierUrgent
	case score >= 4:
		return TierWarning
	default:
		return TierNormal
	}
}

func (t Tier) rank() int {
	switch t {
	case TierUrgent:
		return 2
	case TierWarning:
		return 1
	}
	return 0
}

// PriorityConfig holds the tunable scoring coefficients
type PriorityConfig struct {
	ElapsedStep     time.Duration // +1 for every full step since the last collection
	MaxElapsedBoost int
	MissedWeight    int // added per prior missed collection
}

// DefaultPriorityConfig returns the coefficients used in production
func DefaultPriorityConfig() PriorityConfig {
	return PriorityConfig{
		ElapsedStep:     72 * time.Hour,
		MaxElapsedBoost: 2,
		MissedWeight:    1,
	}
}

// History is the collection record the scorer looks at beyond the bin's fill
type History struct {
	MissedCount int
	Escalated   bool
}

// HistoryOf reads the signals the bin row already carries
func HistoryOf(bin *models.Bin) History {
	return History{MissedCount: bin.MissedCount, Escalated: bin.Escalated}
}

// PriorityBreakdown explains how a score was reached (GET /api/bins/:id/priority)
type PriorityBreakdown struct {
	BinID          string  `json:"bin_id"`
	Score          int     `json:"score"`
	Tier           Tier    `json:"tier"`
	FillScore      int     `json:"fill_score"`
	ElapsedBoost   int     `json:"elapsed_boost"`
	MissedBoost    int     `json:"missed_boost"`
	Overflow       bool    `json:"overflow"`
	Escalated      bool    `json:"escalated"`
	ElapsedHours   float64 `json:"elapsed_hours"`
	ComputedAtUnix int64   `json:"computed_at"`
}

// Scorer derives a 1-10 collection priority per bin. It holds no mutable state.
type Scorer struct {
	cfg PriorityConfig
	now func() time.Time
}

// NewScorer creates a scorer; zero-valued coefficients fall back to defaults
func NewScorer(cfg PriorityConfig) *Scorer {
	def := DefaultPriorityConfig()
	if cfg.ElapsedStep <= 0 {
		cfg.ElapsedStep = def.ElapsedStep
	}
	if cfg.MaxElapsedBoost < 0 {
		cfg.MaxElapsedBoost = 0
	}
	if cfg.MissedWeight < 0 {
		cfg.MissedWeight = 0
	}
	return &Scorer{cfg: cfg, now: time.Now}
}

// Score returns the bin's priority as of the scorer's clock
func (s *Scorer) Score(bin *models.Bin, h History) int {
	return s.ScoreAt(bin, h, s.now())
}

// ScoreAt is Score with an explicit evaluation time
func (s *Scorer) ScoreAt(bin *models.Bin, h History, now time.Time) int {
	return s.Explain(bin, h, now).Score
}

// Explain scores the bin and keeps the components
func (s *Scorer) Explain(bin *models.Bin, h History, now time.Time) PriorityBreakdown {
	elapsed := elapsedSinceCollection(bin, now)

	b := PriorityBreakdown{
		BinID:          bin.ID,
		FillScore:      fillScore(bin.FillLevel),
		ElapsedBoost:   s.elapsedBoost(elapsed),
		MissedBoost:    h.MissedCount * s.cfg.MissedWeight,
		Overflow:       bin.Status == models.BinStatusOverflow,
		Escalated:      h.Escalated,
		ElapsedHours:   elapsed.Hours(),
		ComputedAtUnix: now.Unix(),
	}
	if b.MissedBoost < 0 {
		b.MissedBoost = 0
	}

	score := b.FillScore + b.ElapsedBoost + b.MissedBoost
	if score > MaxPriority {
		score = MaxPriority
	}
	if h.Escalated && score < 8 {
		score = 8
	}
	if b.Overflow {
		score = MaxPriority
	}

	b.Score = score
	b.Tier = TierOf(score)
	return b
}

// fillScore maps 0-100% linearly inside three bands: <50 -> 1-3, 50-79 -> 4-7, >=80 -> 8-10
func fillScore(fill int) int {
	if fill < 0 {
		fill = 0
	}
	if fill > 100 {
		fill = 100
	}
	switch {
	case fill < 50:
		return 1 + fill*3/50
	case fill < 80:
		return 4 + (fill-50)*4/30
	default:
		return 8 + (fill-80)*3/21
	}
}

func (s *Scorer) elapsedBoost(elapsed time.Duration) int {
	if elapsed <= 0 {
		return 0
	}
	boost := int(elapsed / s.cfg.ElapsedStep)
	if boost > s.cfg.MaxElapsedBoost {
		boost = s.cfg.MaxElapsedBoost
	}
	return boost
}

// elapsedSinceCollection counts from creation for bins never collected
func elapsedSinceCollection(bin *models.Bin, now time.Time) time.Duration {
	var since int64
	switch {
	case bin.LastCollectedAt != nil:
		since = *bin.LastCollectedAt
	case bin.CreatedAt > 0:
		since = bin.CreatedAt
	default:
		return 0
	}
	d := now.Sub(time.Unix(since, 0))
	if d < 0 {
		return 0
	}
	return d
}
