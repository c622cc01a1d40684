package database

import (
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

func Connect(dbURL string) (*sqlx.DB, error) {
	log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Println("🔌 DATABASE CONNECTION ATTEMPT")
	log.Printf("   📍 Database URL length: %d characters", len(dbURL))
	log.Printf("   📍 URL prefix: %s...", dbURL[:min(30, len(dbURL))])
	log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	log.Println("🔄 Step 1: Attempting sqlx.Connect()...")
	db, err := sqlx.Connect("postgres", dbURL)
	if err != nil {
		log.Println("❌ DATABASE CONNECTION FAILED AT sqlx.Connect()")
		log.Printf("   Error type: %T", err)
		log.Printf("   Error message: %v", err)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Println("✅ Step 1 Complete: sqlx.Connect() succeeded")

	log.Println("🔄 Step 2: Testing connection with Ping()...")
	if err := db.Ping(); err != nil {
		log.Println("❌ DATABASE CONNECTION FAILED AT Ping()")
		log.Printf("   Error type: %T", err)
		log.Printf("   Error message: %v", err)
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	log.Println("✅ Step 2 Complete: Ping() succeeded")

	// Sweeps and route builds run concurrently with API traffic
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	log.Println("✅ DATABASE CONNECTION SUCCESSFUL")
	return db, nil
}

func Migrate(db *sqlx.DB) error {
	migrations := []string{
		// Create users table
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password TEXT NOT NULL,
			name TEXT NOT NULL,
			role TEXT NOT NULL CHECK(role IN ('collector', 'admin')),
			zone TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT,
			updated_at BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT
		)`,

		// Create bins table
		`CREATE TABLE IF NOT EXISTS bins (
			id TEXT PRIMARY KEY,
			bin_number INT NOT NULL UNIQUE,
			current_street TEXT NOT NULL,
			city TEXT NOT NULL DEFAULT '',
			zone TEXT NOT NULL DEFAULT '',
			waste_type TEXT NOT NULL DEFAULT 'general',
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			fill_level INT NOT NULL DEFAULT 0 CHECK(fill_level BETWEEN 0 AND 100),
			status TEXT NOT NULL CHECK(status IN ('active', 'inactive', 'maintenance', 'overflow')),
			last_collected_at BIGINT,
			missed_count INT NOT NULL DEFAULT 0 CHECK(missed_count >= 0),
			escalated BOOLEAN NOT NULL DEFAULT FALSE,
			version INT NOT NULL DEFAULT 1,
			created_at BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT,
			updated_at BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT
		)`,

		// Create routes table
		`CREATE TABLE IF NOT EXISTS routes (
			id TEXT PRIMARY KEY,
			collector_id TEXT NOT NULL,
			zone TEXT NOT NULL DEFAULT '',
			start_latitude DOUBLE PRECISION NOT NULL,
			start_longitude DOUBLE PRECISION NOT NULL,
			end_latitude DOUBLE PRECISION NOT NULL,
			end_longitude DOUBLE PRECISION NOT NULL,
			distance_meters INT NOT NULL DEFAULT 0,
			estimated_seconds INT NOT NULL DEFAULT 0,
			status TEXT NOT NULL CHECK(status IN ('planned', 'in_progress', 'paused', 'completed', 'cancelled')),
			started_at BIGINT,
			completed_at BIGINT,
			version INT NOT NULL DEFAULT 1,
			created_at BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT,
			updated_at BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT
		)`,

		// Create schedules table
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			bin_id TEXT NOT NULL,
			collector_id TEXT NOT NULL,
			scheduled_date BIGINT NOT NULL,
			slot_start BIGINT NOT NULL,
			slot_end BIGINT NOT NULL,
			priority INT NOT NULL CHECK(priority BETWEEN 1 AND 10),
			recurrence TEXT NOT NULL DEFAULT 'none' CHECK(recurrence IN ('none', 'daily', 'weekly', 'monthly')),
			recurrence_end_date BIGINT,
			status TEXT NOT NULL CHECK(status IN ('pending', 'completed', 'missed', 'rescheduled', 'canceled')),
			completed_at BIGINT,
			actual_fill_level INT,
			collection_seconds INT,
			notes TEXT NOT NULL DEFAULT '',
			route_id TEXT,
			superseded_by TEXT,
			series_start BIGINT NOT NULL DEFAULT 0,
			version INT NOT NULL DEFAULT 1,
			created_at BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT,
			updated_at BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT,
			FOREIGN KEY (bin_id) REFERENCES bins(id) ON DELETE CASCADE,
			FOREIGN KEY (route_id) REFERENCES routes(id) ON DELETE SET NULL,
			CHECK (slot_end > slot_start)
		)`,

		`ALTER TABLE schedules ADD COLUMN IF NOT EXISTS series_start BIGINT NOT NULL DEFAULT 0`,

		// Create route_stops table (one row per bin visit, ordered)
		`CREATE TABLE IF NOT EXISTS route_stops (
			route_id TEXT NOT NULL,
			bin_id TEXT NOT NULL,
			schedule_id TEXT,
			sequence_order INT NOT NULL,
			estimated_seconds INT NOT NULL DEFAULT 0,
			is_collected BOOLEAN NOT NULL DEFAULT FALSE,
			is_skipped BOOLEAN NOT NULL DEFAULT FALSE,
			collected_at BIGINT,
			skip_reason TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (route_id, bin_id),
			UNIQUE (route_id, sequence_order),
			FOREIGN KEY (route_id) REFERENCES routes(id) ON DELETE CASCADE,
			FOREIGN KEY (bin_id) REFERENCES bins(id) ON DELETE CASCADE,
			FOREIGN KEY (schedule_id) REFERENCES schedules(id) ON DELETE SET NULL,
			CHECK (NOT (is_collected AND is_skipped))
		)`,

		// Create distance_cache table (persists provider legs across restarts)
		`CREATE TABLE IF NOT EXISTS distance_cache (
			origin TEXT NOT NULL,
			destination TEXT NOT NULL,
			meters INT NOT NULL,
			seconds INT NOT NULL,
			fetched_at BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT,
			PRIMARY KEY (origin, destination)
		)`,

		// Create indexes
		`CREATE INDEX IF NOT EXISTS idx_users_email ON users(email)`,
		`CREATE INDEX IF NOT EXISTS idx_users_role_zone ON users(role, zone)`,
		`CREATE INDEX IF NOT EXISTS idx_bins_status ON bins(status)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_bin_id ON schedules(bin_id)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_collector_status ON schedules(collector_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_slot_start ON schedules(slot_start)`,
		`CREATE INDEX IF NOT EXISTS idx_routes_collector_id ON routes(collector_id)`,
		`CREATE INDEX IF NOT EXISTS idx_routes_status ON routes(status)`,
		`CREATE INDEX IF NOT EXISTS idx_route_stops_bin_id ON route_stops(bin_id)`,
		`CREATE INDEX IF NOT EXISTS idx_distance_cache_fetched_at ON distance_cache(fetched_at)`,

		// At most one pending schedule per bin, enforced by the database as well
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_schedules_one_pending ON schedules(bin_id) WHERE status = 'pending'`,
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	log.Println("✓ Database migrations completed")
	return nil
}
