package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"binroute-backend/internal/config"
	"binroute-backend/internal/database"
	"binroute-backend/internal/geo"
	"binroute-backend/internal/handlers"
	"binroute-backend/internal/models"
	"binroute-backend/internal/services"
	"binroute-backend/internal/services/roads"
	"binroute-backend/internal/store"
	"binroute-backend/internal/websocket"

	"github.com/jmoiron/sqlx"
)

// Average urban driving speed used when no routing API is configured (m/s)
const fallbackSpeed = 8.3

func fatal(title string, err error, hints ...string) {
	log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Printf("❌ FATAL ERROR: %s", title)
	log.Printf("   Error: %v", err)
	for _, h := range hints {
		log.Printf("   %s", h)
	}
	log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Fatal(err)
}

func main() {
	log.Println("═══════════════════════════════════════════════════════════════════")
	log.Println("🚀 BINROUTE BACKEND SERVER STARTING")
	log.Println("═══════════════════════════════════════════════════════════════════")

	log.Println("📂 Loading environment variables...")
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage
	var (
		st store.Store
		db *sqlx.DB
	)
	if cfg.Store == "memory" {
		log.Println("⚠️  STORE=memory, data will not survive a restart")
		st = store.NewMemoryStore()
	} else {
		if cfg.DatabaseURL == "" {
			fatal("DATABASE_URL environment variable is required", errors.New("DATABASE_URL not set"),
				"Set DATABASE_URL in .env, or STORE=memory for local development")
		}

		log.Println("🔌 Connecting to database...")
		var err error
		db, err = database.Connect(cfg.DatabaseURL)
		if err != nil {
			fatal("Database connection failed", err,
				"This is usually caused by:",
				"1. Wrong DATABASE_URL format",
				"2. PostgreSQL service is down",
				"3. Invalid credentials")
		}
		defer db.Close()
		log.Println("✅ Database connection established")

		log.Println("🔄 Running database migrations...")
		if err := database.Migrate(db); err != nil {
			fatal("Database migrations failed", err)
		}
		log.Println("✅ Database migrations completed")

		st = database.NewPostgresStore(db)
	}

	if cfg.Seed {
		log.Println("🌱 Seeding database with initial data...")
		if err := database.SeedUsers(ctx, st); err != nil {
			fatal("User seeding failed", err)
		}
		if err := database.SeedBins(ctx, st); err != nil {
			fatal("Bins seeding failed", err)
		}
		log.Println("✅ Seed data ready")
	}

	// Distance provider: HERE when configured, straight-line otherwise, always cached
	var provider geo.Provider
	if cfg.HereAPIKey != "" {
		provider = roads.NewHereClient(cfg.HereAPIKey)
		log.Println("✅ HERE routing enabled")
	} else {
		provider = geo.NewHaversineProvider(fallbackSpeed)
		log.Println("⚠️  HERE_API_KEY not set, using straight-line distances")
	}
	var legStore roads.LegStore
	if db != nil {
		cache := database.NewDistanceCache(db, 0)
		legStore = cache
		go pruneDistanceCache(ctx, cache)
	}
	cached := roads.NewCachedProvider(provider, legStore)
	go cached.RunCleanup(ctx, time.Hour)

	// Notifications
	wsHub := websocket.NewHub()
	go wsHub.Run(ctx)
	log.Println("✅ WebSocket hub started")

	dispatcher := services.NewDispatcher(services.LogNotifier{}, wsHub)
	if fcm := initFCM(cfg); fcm != nil {
		dispatcher.Add(fcm)
	}

	// Engine
	scorer := services.NewScorer(services.DefaultPriorityConfig())
	schedules := services.NewScheduleManager(st, scorer, dispatcher)

	builderCfg := services.DefaultRouteBuilderConfig()
	builderCfg.ServiceTime = cfg.ServiceTime
	builderCfg.BuildTimeout = cfg.BuildTimeout
	builderCfg.MaxTwoOptPasses = cfg.MaxTwoOptPasses
	if cfg.DepotLat != 0 || cfg.DepotLng != 0 {
		builderCfg.Depot = models.Location{Latitude: cfg.DepotLat, Longitude: cfg.DepotLng}
	}
	builder := services.NewRouteBuilder(st, cached, scorer, dispatcher, builderCfg)
	tracker := services.NewRouteTracker(st, schedules, dispatcher)

	directory := services.NewShiftDirectory(st, cfg.ShiftStartHour, cfg.ShiftEndHour)
	orch := services.NewOrchestrator(st, scorer, schedules, directory, services.OrchestratorConfig{
		Interval:           cfg.SweepInterval,
		Threshold:          cfg.PriorityThreshold,
		EscalationDelta:    cfg.EscalationDelta,
		CollectionDuration: cfg.CollectionDuration,
	})
	go orch.Run(ctx)

	router := handlers.NewRouter(handlers.Deps{
		JWTSecret:    cfg.JWTSecret,
		Users:        st,
		Bins:         services.NewBinService(st, scorer, schedules),
		Schedules:    schedules,
		Builder:      builder,
		Tracker:      tracker,
		Orchestrator: orch,
		Hub:          wsHub,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Println("═══════════════════════════════════════════════════════════════════")
	log.Println("✅ ALL INITIALIZATION COMPLETE")
	log.Printf("🚀 Server starting on http://localhost:%s", cfg.Port)
	log.Println("🔌 Ready to accept requests!")
	log.Println("═══════════════════════════════════════════════════════════════════")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		fatal("Server failed to start", err, "Port: "+cfg.Port)
	case <-ctx.Done():
	}

	log.Println("🛑 Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  Graceful shutdown failed: %v", err)
	}
	dispatcher.Wait()
	log.Println("👋 Server stopped")
}

// initFCM supports both base64 credentials (cloud deployments) and a file path
func initFCM(cfg config.Config) *services.FCMService {
	if cfg.FirebaseCredentialsB64 != "" {
		fcm, err := services.NewFCMServiceFromBase64(cfg.FirebaseCredentialsB64)
		if err != nil {
			log.Printf("⚠️  Failed to initialize FCM from base64: %v (push notifications disabled)", err)
			return nil
		}
		log.Println("✅ Firebase Cloud Messaging initialized from base64 credentials")
		return fcm
	}

	if _, err := os.Stat(cfg.FirebaseCredentialsFile); err != nil {
		log.Printf("⚠️  No Firebase credentials at %s (push notifications disabled)", cfg.FirebaseCredentialsFile)
		return nil
	}
	fcm, err := services.NewFCMService(cfg.FirebaseCredentialsFile)
	if err != nil {
		log.Printf("⚠️  Failed to initialize FCM from file: %v (push notifications disabled)", err)
		return nil
	}
	log.Println("✅ Firebase Cloud Messaging initialized from file")
	return fcm
}

func pruneDistanceCache(ctx context.Context, cache *database.DistanceCache) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Prune logs what it removed
			if _, err := cache.Prune(ctx); err != nil {
				log.Printf("⚠️  [DISTANCE-CACHE] Prune failed: %v", err)
			}
		}
	}
}
