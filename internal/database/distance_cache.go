package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"binroute-backend/internal/geo"

	"github.com/jmoiron/sqlx"
)

// DistanceCache persists provider legs so a restart does not re-query the
// routing API for pairs it has already paid for
type DistanceCache struct {
	db  *sqlx.DB
	ttl time.Duration
	now func() time.Time
}

func NewDistanceCache(db *sqlx.DB, ttl time.Duration) *DistanceCache {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &DistanceCache{db: db, ttl: ttl, now: time.Now}
}

type cachedLeg struct {
	Meters    int   `db:"meters"`
	Seconds   int   `db:"seconds"`
	FetchedAt int64 `db:"fetched_at"`
}

// GetLeg returns ok=false for missing or expired rows
func (c *DistanceCache) GetLeg(ctx context.Context, origin, destination string) (geo.Leg, bool, error) {
	var row cachedLeg
	err := c.db.GetContext(ctx, &row, `
		SELECT meters, seconds, fetched_at FROM distance_cache
		WHERE origin = $1 AND destination = $2
	`, origin, destination)
	if errors.Is(err, sql.ErrNoRows) {
		return geo.Leg{}, false, nil
	}
	if err != nil {
		return geo.Leg{}, false, fmt.Errorf("failed to read distance cache: %w", err)
	}
	if c.now().Sub(time.Unix(row.FetchedAt, 0)) > c.ttl {
		return geo.Leg{}, false, nil
	}
	return geo.Leg{Meters: row.Meters, Seconds: row.Seconds}, true, nil
}

func (c *DistanceCache) PutLeg(ctx context.Context, origin, destination string, leg geo.Leg) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO distance_cache (origin, destination, meters, seconds, fetched_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (origin, destination) DO UPDATE SET
			meters = EXCLUDED.meters,
			seconds = EXCLUDED.seconds,
			fetched_at = EXCLUDED.fetched_at
	`, origin, destination, leg.Meters, leg.Seconds, c.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write distance cache: %w", err)
	}
	return nil
}

// Prune deletes expired legs and returns how many were removed
func (c *DistanceCache) Prune(ctx context.Context) (int64, error) {
	cutoff := c.now().Add(-c.ttl).Unix()
	res, err := c.db.ExecContext(ctx, `DELETE FROM distance_cache WHERE fetched_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune distance cache: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Printf("🧹 [DISTANCE-CACHE] Pruned %d expired legs", n)
	}
	return n, nil
}
