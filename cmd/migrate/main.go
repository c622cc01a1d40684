package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"binroute-backend/internal/config"
	"binroute-backend/internal/database"
	"binroute-backend/internal/models"
)

func main() {
	seed := flag.Bool("seed", false, "load demo users and bins after migrating")
	flag.Parse()

	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("Migration completed successfully!")

	ctx := context.Background()
	st := database.NewPostgresStore(db)
	if *seed {
		if err := database.SeedUsers(ctx, st); err != nil {
			log.Fatalf("User seeding failed: %v", err)
		}
		if err := database.SeedBins(ctx, st); err != nil {
			log.Fatalf("Bin seeding failed: %v", err)
		}
	}

	bins, err := st.ListBins(ctx)
	if err != nil {
		log.Fatalf("Failed to query summary: %v", err)
	}
	byStatus := map[models.BinStatus]int{}
	for _, b := range bins {
		byStatus[b.Status]++
	}

	fmt.Println("\n============================================================")
	fmt.Println("MIGRATION SUMMARY")
	fmt.Println("============================================================")
	fmt.Printf("Total bins:              %d\n", len(bins))
	fmt.Printf("Active bins:             %d\n", byStatus[models.BinStatusActive])
	fmt.Printf("Overflowing bins:        %d\n", byStatus[models.BinStatusOverflow])
	fmt.Println("============================================================")
}
