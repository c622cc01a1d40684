package services

import (
	"context"
	"errors"
	"testing"

	"binroute-backend/internal/models"
)

func TestBinCreateAssignsNumberAndDefaults(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.addBin(t, "seed", 41, 37.33, -121.88, 10)

	bin, err := env.bins.Create(ctx, models.CreateBinRequest{
		CurrentStreet: "12 Elm St",
		Zone:          "north",
		Latitude:      37.34,
		Longitude:     -121.87,
		FillLevel:     100,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if bin.BinNumber != 42 {
		t.Fatalf("bin number = %d, want 42", bin.BinNumber)
	}
	if bin.WasteType != "general" || bin.Status != models.BinStatusOverflow {
		t.Fatalf("bin = %s/%s, want general/overflow", bin.WasteType, bin.Status)
	}

	if _, err := env.bins.Create(ctx, models.CreateBinRequest{CurrentStreet: "x", Latitude: 95, Longitude: 0}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("bad latitude err = %v, want validation", err)
	}
	if _, err := env.bins.Create(ctx, models.CreateBinRequest{BinNumber: 41, CurrentStreet: "dup", Latitude: 37.3, Longitude: -121.8}); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("duplicate number err = %v, want conflict", err)
	}
}

func TestReportFillIsMonotonic(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.addBin(t, "bin-1", 1, 37.33, -121.88, 40)

	if _, err := env.bins.ReportFill(ctx, "bin-1", 30, false); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("decreasing fill err = %v, want validation", err)
	}
	if _, err := env.bins.ReportFill(ctx, "bin-1", 101, false); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("fill 101 err = %v, want validation", err)
	}

	bin, err := env.bins.ReportFill(ctx, "bin-1", 100, false)
	if err != nil {
		t.Fatalf("ReportFill: %v", err)
	}
	if bin.Status != models.BinStatusOverflow {
		t.Fatalf("status = %s, want overflow", bin.Status)
	}

	if _, err := env.bins.ReportFill(ctx, "nope", 50, false); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("unknown bin err = %v, want not found", err)
	}
}

func TestReportFillEscalationRaisesPriority(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.addBin(t, "bin-1", 1, 37.33, -121.88, 20)

	before, _ := env.bins.Priority(ctx, "bin-1")
	if _, err := env.bins.ReportFill(ctx, "bin-1", 20, true); err != nil {
		t.Fatalf("ReportFill: %v", err)
	}
	after, err := env.bins.Priority(ctx, "bin-1")
	if err != nil {
		t.Fatalf("Priority: %v", err)
	}
	if before.Score >= 8 || after.Score < 8 {
		t.Fatalf("score %d -> %d, want escalation into the urgent tier", before.Score, after.Score)
	}
	if after.Tier != TierUrgent {
		t.Fatalf("tier = %s, want urgent", after.Tier)
	}
}
