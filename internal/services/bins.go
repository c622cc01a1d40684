package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"binroute-backend/internal/models"

	"github.com/google/uuid"
)

// BinService is the slice of the bin registry the engine touches: creating
// bins, fill reports from sensors or residents, and priority diagnostics.
type BinService struct {
	store  Store
	scorer *Scorer
	locks  *KeyedMutex
	now    func() time.Time
}

func NewBinService(store Store, scorer *Scorer, schedules *ScheduleManager) *BinService {
	return &BinService{
		store:  store,
		scorer: scorer,
		locks:  schedules.locks, // fill reports and collections on one bin must not interleave
		now:    time.Now,
	}
}

// List returns bins, optionally filtered by status
func (s *BinService) List(ctx context.Context, statuses ...models.BinStatus) ([]models.Bin, error) {
	return s.store.ListBins(ctx, statuses...)
}

// Create registers a bin. BinNumber 0 picks the next free number.
func (s *BinService) Create(ctx context.Context, req models.CreateBinRequest) (*models.Bin, error) {
	loc := models.Location{Latitude: req.Latitude, Longitude: req.Longitude}
	if !loc.Valid() || loc == (models.Location{}) {
		return nil, models.ValidationError("bin needs valid coordinates")
	}
	if req.FillLevel < 0 || req.FillLevel > 100 {
		return nil, models.ValidationError("fill level %d outside 0-100", req.FillLevel)
	}
	if strings.TrimSpace(req.CurrentStreet) == "" {
		return nil, models.ValidationError("current_street is required")
	}

	now := s.now()
	bin := &models.Bin{
		ID:            uuid.New().String(),
		BinNumber:     req.BinNumber,
		CurrentStreet: req.CurrentStreet,
		City:          req.City,
		Zone:          req.Zone,
		WasteType:     req.WasteType,
		Latitude:      req.Latitude,
		Longitude:     req.Longitude,
		FillLevel:     req.FillLevel,
		Status:        models.BinStatusActive,
		CreatedAt:     now.Unix(),
		UpdatedAt:     now.Unix(),
	}
	if bin.WasteType == "" {
		bin.WasteType = "general"
	}
	if bin.FillLevel >= 100 {
		bin.Status = models.BinStatusOverflow
	}

	err := s.store.InTx(ctx, func(tx Store) error {
		if bin.BinNumber == 0 {
			bins, err := tx.ListBins(ctx)
			if err != nil {
				return fmt.Errorf("failed to list bins: %w", err)
			}
			for _, b := range bins {
				if b.BinNumber > bin.BinNumber {
					bin.BinNumber = b.BinNumber
				}
			}
			bin.BinNumber++
		}
		return tx.CreateBin(ctx, bin)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("🗑️  [BINS] Created bin #%d at %s", bin.BinNumber, bin.CurrentStreet)
	return bin, nil
}

// ReportFill records a new fill reading. Readings may not go down between
// collections; a full bin becomes overflow and an escalation flags it urgent.
func (s *BinService) ReportFill(ctx context.Context, id string, fill int, escalate bool) (*models.Bin, error) {
	if fill < 0 || fill > 100 {
		return nil, models.ValidationError("fill level %d outside 0-100", fill)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	var bin *models.Bin
	err := s.store.InTx(ctx, func(tx Store) error {
		b, err := tx.GetBin(ctx, id)
		if err != nil {
			return err
		}
		if fill < b.FillLevel {
			return models.ValidationError("fill level cannot drop from %d to %d before a collection", b.FillLevel, fill)
		}

		b.FillLevel = fill
		if escalate {
			b.Escalated = true
		}
		if fill >= 100 && b.Status == models.BinStatusActive {
			b.Status = models.BinStatusOverflow
		}
		b.UpdatedAt = s.now().Unix()

		if err := tx.UpdateBin(ctx, b); err != nil {
			return fmt.Errorf("failed to update fill level: %w", err)
		}
		bin = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bin, nil
}

// Priority explains the bin's current score
func (s *BinService) Priority(ctx context.Context, id string) (*PriorityBreakdown, error) {
	bin, err := s.store.GetBin(ctx, id)
	if err != nil {
		return nil, err
	}
	b := s.scorer.Explain(bin, HistoryOf(bin), s.now())
	return &b, nil
}
