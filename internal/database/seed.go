package database

import (
	"context"
	"log"
	"time"

	"binroute-backend/internal/models"
	"binroute-backend/internal/store"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type seedBin struct {
	number int
	street string
	zone   string
	fill   int
	lat    float64
	lng    float64
}

var seedBinData = []seedBin{
	{1, "325 S 1st St", "downtown", 45, 37.3329, -121.8866},
	{2, "200 E Santa Clara St", "downtown", 67, 37.3361, -121.8869},
	{3, "151 W Mission St", "north", 23, 37.3343, -121.8936},
	{4, "408 Almaden Blvd", "downtown", 89, 37.3313, -121.8917},
	{5, "180 Park Ave", "downtown", 12, 37.3351, -121.8894},
	{6, "72 N Almaden Ave", "north", 78, 37.3352, -121.8931},
	{7, "345 E Santa Clara St", "east", 56, 37.3357, -121.8826},
	{8, "99 S Market St", "downtown", 34, 37.3339, -121.8905},
	{9, "201 S 2nd St", "downtown", 91, 37.3326, -121.8863},
	{10, "150 S 1st St", "downtown", 15, 37.3344, -121.8877},
	{11, "88 W San Carlos St", "south", 82, 37.3307, -121.8901},
	{12, "250 S 3rd St", "south", 47, 37.3311, -121.8842},
	{13, "123 N 4th St", "north", 63, 37.3389, -121.8822},
	{14, "456 W San Fernando St", "downtown", 29, 37.3323, -121.8955},
	{15, "789 E Julian St", "east", 71, 37.3442, -121.8793},
	{16, "321 N 1st St", "north", 38, 37.3423, -121.8878},
	{17, "654 E St John St", "east", 95, 37.3473, -121.8786},
	{18, "147 S 4th St", "south", 19, 37.3341, -121.8828},
	{19, "258 W St James St", "north", 86, 37.3385, -121.8972},
	{20, "369 E San Salvador St", "south", 52, 37.3289, -121.8816},
	{21, "741 S 5th St", "south", 44, 37.3267, -121.8807},
	{22, "852 N 6th St", "north", 76, 37.3512, -121.8789},
	{23, "963 E Empire St", "east", 31, 37.3531, -121.8771},
	{24, "159 S 7th St", "east", 68, 37.3336, -121.8774},
}

// SeedBins inserts demo bins around downtown San Jose when the table is empty
func SeedBins(ctx context.Context, s store.Store) error {
	existing, err := s.ListBins(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		log.Println("✓ Bins already seeded, skipping...")
		return nil
	}

	log.Printf("🌱 Seeding %d bins...", len(seedBinData))
	now := time.Now()
	err = s.InTx(ctx, func(tx store.Store) error {
		for i, b := range seedBinData {
			// Spread last collections over the past week so scores differ
			collected := now.Add(-time.Duration(i%7) * 24 * time.Hour).Unix()
			status := models.BinStatusActive
			if b.fill >= 100 {
				status = models.BinStatusOverflow
			}
			bin := &models.Bin{
				ID:              uuid.New().String(),
				BinNumber:       b.number,
				CurrentStreet:   b.street,
				City:            "San Jose",
				Zone:            b.zone,
				WasteType:       "general",
				Latitude:        b.lat,
				Longitude:       b.lng,
				FillLevel:       b.fill,
				Status:          status,
				LastCollectedAt: &collected,
				CreatedAt:       now.Unix(),
				UpdatedAt:       now.Unix(),
			}
			if err := tx.CreateBin(ctx, bin); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("✓ Successfully seeded %d bins", len(seedBinData))
	return nil
}

// SeedUsers creates one admin and a collector per zone when no admin exists
func SeedUsers(ctx context.Context, s store.Store) error {
	if _, err := s.GetUserByEmail(ctx, "admin@binroute.dev"); err == nil {
		log.Println("✓ Users already seeded, skipping...")
		return nil
	}

	log.Println("🌱 Seeding test users...")

	collectorPassword, err := bcrypt.GenerateFromPassword([]byte("collector123"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	adminPassword, err := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	users := []*models.User{
		{Email: "admin@binroute.dev", Password: string(adminPassword), Name: "Admin User", Role: models.RoleAdmin},
		{Email: "north@binroute.dev", Password: string(collectorPassword), Name: "Nora North", Role: models.RoleCollector, Zone: "north"},
		{Email: "downtown@binroute.dev", Password: string(collectorPassword), Name: "Dan Downtown", Role: models.RoleCollector, Zone: "downtown"},
		{Email: "east@binroute.dev", Password: string(collectorPassword), Name: "Eve East", Role: models.RoleCollector, Zone: "east"},
	}

	for _, u := range users {
		u.ID = uuid.New().String()
		u.CreatedAt = now
		u.UpdatedAt = now
		if err := s.CreateUser(ctx, u); err != nil {
			return err
		}
		log.Printf("  ✓ Created user: %s (%s)", u.Email, u.Role)
	}

	log.Println("✓ Successfully seeded test users")
	log.Println("  📧 Collector: north@binroute.dev / collector123")
	log.Println("  📧 Admin:     admin@binroute.dev / admin123")
	return nil
}
