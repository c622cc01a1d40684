package database

import (
	"context"
	"errors"
	"testing"

	"binroute-backend/internal/models"
	"binroute-backend/internal/store"

	"github.com/lib/pq"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"pending index", &pq.Error{Code: "23505", Constraint: "idx_schedules_one_pending"}, models.ErrConflict},
		{"duplicate bin number", &pq.Error{Code: "23505", Constraint: "bins_bin_number_key"}, models.ErrConflict},
		{"missing bin", &pq.Error{Code: "23503", Constraint: "schedules_bin_id_fkey"}, models.ErrDataConsistency},
		{"fill out of range", &pq.Error{Code: "23514", Constraint: "bins_fill_level_check"}, models.ErrValidation},
		{"serialization", &pq.Error{Code: "40001"}, models.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapError(tt.err, "failed"); !errors.Is(got, tt.want) {
				t.Fatalf("mapError = %v, want %v", got, tt.want)
			}
		})
	}

	plain := errors.New("connection reset")
	got := mapError(plain, "failed to update bin")
	if !errors.Is(got, plain) || models.KindOf(got) != "" {
		t.Fatalf("plain error = %v (kind %q), want wrapped untyped error", got, models.KindOf(got))
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	for i := 0; i < 2; i++ {
		if err := SeedUsers(ctx, s); err != nil {
			t.Fatalf("SeedUsers: %v", err)
		}
		if err := SeedBins(ctx, s); err != nil {
			t.Fatalf("SeedBins: %v", err)
		}
	}

	bins, _ := s.ListBins(ctx)
	if len(bins) != len(seedBinData) {
		t.Fatalf("bins = %d, want %d", len(bins), len(seedBinData))
	}
	collectors, _ := s.ListCollectors(ctx, "")
	if len(collectors) != 3 {
		t.Fatalf("collectors = %d, want 3", len(collectors))
	}
	north, _ := s.ListCollectors(ctx, "north")
	if len(north) != 1 || north[0].Email != "north@binroute.dev" {
		t.Fatalf("north collectors = %+v", north)
	}
}
