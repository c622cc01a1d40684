package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is everything the server reads from the environment
type Config struct {
	Port        string
	DatabaseURL string
	Store       string // "postgres" or "memory"
	JWTSecret   string
	Seed        bool

	HereAPIKey              string
	FirebaseCredentialsB64  string
	FirebaseCredentialsFile string

	SweepInterval      time.Duration
	PriorityThreshold  int
	EscalationDelta    int
	CollectionDuration time.Duration
	ShiftStartHour     int
	ShiftEndHour       int

	ServiceTime     time.Duration
	BuildTimeout    time.Duration
	MaxTwoOptPasses int
	DepotLat        float64
	DepotLng        float64
}

// Load reads .env (if present) and then the process environment
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  Warning: .env file not found, using environment variables from system")
	} else {
		log.Println("✅ .env file loaded successfully")
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment only
func FromEnv() Config {
	cfg := Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Store:       strings.ToLower(getEnv("STORE", "postgres")),
		JWTSecret:   getEnv("APP_JWT_SECRET", "dev-secret-change-me"),
		Seed:        getBool("SEED", true),

		HereAPIKey:              os.Getenv("HERE_API_KEY"),
		FirebaseCredentialsB64:  os.Getenv("FIREBASE_CREDENTIALS_BASE64"),
		FirebaseCredentialsFile: getEnv("FIREBASE_CREDENTIALS_FILE", "./firebase-service-account.json"),

		SweepInterval:      getDuration("SWEEP_INTERVAL", time.Hour),
		PriorityThreshold:  getInt("PRIORITY_THRESHOLD", 8),
		EscalationDelta:    getInt("ESCALATION_DELTA", 2),
		CollectionDuration: getDuration("COLLECTION_DURATION", 30*time.Minute),
		ShiftStartHour:     getInt("SHIFT_START_HOUR", 6),
		ShiftEndHour:       getInt("SHIFT_END_HOUR", 18),

		ServiceTime:     getDuration("SERVICE_TIME", 3*time.Minute),
		BuildTimeout:    getDuration("BUILD_TIMEOUT", 30*time.Second),
		MaxTwoOptPasses: getInt("MAX_TWO_OPT_PASSES", 50),
		DepotLat:        getFloat("DEPOT_LAT", 0),
		DepotLng:        getFloat("DEPOT_LNG", 0),
	}
	if cfg.Store != "memory" {
		cfg.Store = "postgres"
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("⚠️  Invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("⚠️  Invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return f
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("⚠️  Invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return b
}

// getDuration accepts Go durations ("90s", "1h") or plain seconds
func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Printf("⚠️  Invalid %s=%q, using %s", key, v, fallback)
	return fallback
}
