package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"binroute-backend/internal/models"
	"binroute-backend/internal/store"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresStore implements store.Store on Postgres. Inside InTx all reads
// lock the rows they return (SELECT ... FOR UPDATE) until commit.
type PostgresStore struct {
	db *sqlx.DB
	q  sqlx.ExtContext
	tx *sqlx.Tx
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx store.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&PostgresStore{db: s.db, q: tx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError(err, "failed to commit transaction")
	}
	return nil
}

func (s *PostgresStore) forUpdate() string {
	if s.tx != nil {
		return " FOR UPDATE"
	}
	return ""
}

// mapError turns constraint violations into domain errors
func mapError(err error, msg string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			if pqErr.Constraint == "idx_schedules_one_pending" {
				return models.ConflictError("bin already has a pending schedule")
			}
			return models.ConflictError("%s: duplicate %s", msg, pqErr.Constraint)
		case "23503": // foreign_key_violation
			return models.DataConsistencyError("%s: missing reference (%s)", msg, pqErr.Constraint)
		case "23514": // check_violation
			return models.ValidationError("%s: %s", msg, pqErr.Constraint)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return models.ConflictError("%s: concurrent update, retry", msg)
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// checkVersioned distinguishes a stale version from a missing row after an
// UPDATE ... WHERE version = $n touched nothing
func (s *PostgresStore) checkVersioned(ctx context.Context, res sql.Result, table, id string, version int) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	q := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1)", table)
	if err := sqlx.GetContext(ctx, s.q, &exists, q, id); err != nil {
		return fmt.Errorf("failed to check %s %s: %w", table, id, err)
	}
	if !exists {
		return models.NotFoundError("%s %s not found", strings.TrimSuffix(table, "s"), id)
	}
	return models.ConflictError("%s %s was modified concurrently (version %d is stale)", strings.TrimSuffix(table, "s"), id, version)
}

// Bins

const binColumns = `id, bin_number, current_street, city, zone, waste_type, latitude, longitude,
	fill_level, status, last_collected_at, missed_count, escalated, version, created_at, updated_at`

func (s *PostgresStore) GetBin(ctx context.Context, id string) (*models.Bin, error) {
	var bin models.Bin
	err := sqlx.GetContext(ctx, s.q, &bin, `SELECT `+binColumns+` FROM bins WHERE id = $1`+s.forUpdate(), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundError("bin %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bin: %w", err)
	}
	return &bin, nil
}

func (s *PostgresStore) ListBins(ctx context.Context, statuses ...models.BinStatus) ([]models.Bin, error) {
	query := `SELECT ` + binColumns + ` FROM bins`
	var args []interface{}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		q, a, err := sqlx.In(query+` WHERE status IN (?)`, names)
		if err != nil {
			return nil, fmt.Errorf("failed to build bin query: %w", err)
		}
		query, args = s.q.Rebind(q), a
	}
	query += ` ORDER BY bin_number ASC, id ASC`

	bins := []models.Bin{}
	if err := sqlx.SelectContext(ctx, s.q, &bins, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list bins: %w", err)
	}
	return bins, nil
}

func (s *PostgresStore) CreateBin(ctx context.Context, bin *models.Bin) error {
	bin.Version = 1
	_, err := sqlx.NamedExecContext(ctx, s.q, `
		INSERT INTO bins (`+binColumns+`)
		VALUES (:id, :bin_number, :current_street, :city, :zone, :waste_type, :latitude, :longitude,
			:fill_level, :status, :last_collected_at, :missed_count, :escalated, :version, :created_at, :updated_at)
	`, bin)
	if err != nil {
		return mapError(err, "failed to create bin")
	}
	return nil
}

func (s *PostgresStore) UpdateBin(ctx context.Context, bin *models.Bin) error {
	res, err := sqlx.NamedExecContext(ctx, s.q, `
		UPDATE bins SET
			bin_number = :bin_number, current_street = :current_street, city = :city, zone = :zone,
			waste_type = :waste_type, latitude = :latitude, longitude = :longitude,
			fill_level = :fill_level, status = :status, last_collected_at = :last_collected_at,
			missed_count = :missed_count, escalated = :escalated, updated_at = :updated_at,
			version = version + 1
		WHERE id = :id AND version = :version
	`, bin)
	if err != nil {
		return mapError(err, "failed to update bin")
	}
	if err := s.checkVersioned(ctx, res, "bins", bin.ID, bin.Version); err != nil {
		return err
	}
	bin.Version++
	return nil
}

// Schedules

const scheduleColumns = `id, bin_id, collector_id, scheduled_date, slot_start, slot_end, priority,
	recurrence, recurrence_end_date, status, completed_at, actual_fill_level, collection_seconds,
	notes, route_id, superseded_by, series_start, version, created_at, updated_at`

func (s *PostgresStore) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	var sc models.Schedule
	err := sqlx.GetContext(ctx, s.q, &sc, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`+s.forUpdate(), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundError("schedule %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return &sc, nil
}

func (s *PostgresStore) PendingScheduleForBin(ctx context.Context, binID string) (*models.Schedule, error) {
	var sc models.Schedule
	err := sqlx.GetContext(ctx, s.q, &sc, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE bin_id = $1 AND status = 'pending'`+s.forUpdate(), binID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending schedule: %w", err)
	}
	return &sc, nil
}

func (s *PostgresStore) ListSchedules(ctx context.Context, filter models.ScheduleFilter) ([]models.Schedule, error) {
	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.BinID != "" {
		add("bin_id = $%d", filter.BinID)
	}
	if filter.CollectorID != "" {
		add("collector_id = $%d", filter.CollectorID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}

	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY slot_start ASC, id ASC`

	schedules := []models.Schedule{}
	if err := sqlx.SelectContext(ctx, s.q, &schedules, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	return schedules, nil
}

func (s *PostgresStore) CreateSchedule(ctx context.Context, sc *models.Schedule) error {
	sc.Version = 1
	_, err := sqlx.NamedExecContext(ctx, s.q, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (:id, :bin_id, :collector_id, :scheduled_date, :slot_start, :slot_end, :priority,
			:recurrence, :recurrence_end_date, :status, :completed_at, :actual_fill_level, :collection_seconds,
			:notes, :route_id, :superseded_by, :series_start, :version, :created_at, :updated_at)
	`, sc)
	if err != nil {
		return mapError(err, "failed to create schedule")
	}
	return nil
}

func (s *PostgresStore) UpdateSchedule(ctx context.Context, sc *models.Schedule) error {
	res, err := sqlx.NamedExecContext(ctx, s.q, `
		UPDATE schedules SET
			collector_id = :collector_id, scheduled_date = :scheduled_date,
			slot_start = :slot_start, slot_end = :slot_end, priority = :priority,
			recurrence = :recurrence, recurrence_end_date = :recurrence_end_date, status = :status,
			completed_at = :completed_at, actual_fill_level = :actual_fill_level,
			collection_seconds = :collection_seconds, notes = :notes, route_id = :route_id,
			superseded_by = :superseded_by, series_start = :series_start, updated_at = :updated_at,
			version = version + 1
		WHERE id = :id AND version = :version
	`, sc)
	if err != nil {
		return mapError(err, "failed to update schedule")
	}
	if err := s.checkVersioned(ctx, res, "schedules", sc.ID, sc.Version); err != nil {
		return err
	}
	sc.Version++
	return nil
}

// Routes

const routeColumns = `id, collector_id, zone, start_latitude, start_longitude, end_latitude, end_longitude,
	distance_meters, estimated_seconds, status, started_at, completed_at, version, created_at, updated_at`

const stopColumns = `route_id, bin_id, schedule_id, sequence_order, estimated_seconds,
	is_collected, is_skipped, collected_at, skip_reason, notes`

func (s *PostgresStore) GetRoute(ctx context.Context, id string) (*models.Route, error) {
	var r models.Route
	err := sqlx.GetContext(ctx, s.q, &r, `SELECT `+routeColumns+` FROM routes WHERE id = $1`+s.forUpdate(), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundError("route %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get route: %w", err)
	}

	r.Stops = []models.RouteStop{}
	err = sqlx.SelectContext(ctx, s.q, &r.Stops, `
		SELECT `+stopColumns+` FROM route_stops
		WHERE route_id = $1
		ORDER BY sequence_order ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get route stops: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) ListRoutes(ctx context.Context, filter models.RouteFilter) ([]models.Route, error) {
	var conds []string
	var args []interface{}
	if filter.CollectorID != "" {
		args = append(args, filter.CollectorID)
		conds = append(conds, fmt.Sprintf("collector_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + routeColumns + ` FROM routes`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, id ASC`

	routes := []models.Route{}
	if err := sqlx.SelectContext(ctx, s.q, &routes, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}
	if len(routes) == 0 {
		return routes, nil
	}

	ids := make([]string, len(routes))
	for i := range routes {
		ids[i] = routes[i].ID
		routes[i].Stops = []models.RouteStop{}
	}
	q, a, err := sqlx.In(`SELECT `+stopColumns+` FROM route_stops WHERE route_id IN (?) ORDER BY route_id, sequence_order`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build stops query: %w", err)
	}
	var stops []models.RouteStop
	if err := sqlx.SelectContext(ctx, s.q, &stops, s.q.Rebind(q), a...); err != nil {
		return nil, fmt.Errorf("failed to list route stops: %w", err)
	}

	index := make(map[string]int, len(routes))
	for i := range routes {
		index[routes[i].ID] = i
	}
	for _, stop := range stops {
		i := index[stop.RouteID]
		routes[i].Stops = append(routes[i].Stops, stop)
	}
	return routes, nil
}

func (s *PostgresStore) CreateRoute(ctx context.Context, r *models.Route) error {
	if err := r.ValidateOrder(); err != nil {
		return err
	}

	return s.InTx(ctx, func(tx store.Store) error {
		pg := tx.(*PostgresStore)
		r.Version = 1
		_, err := sqlx.NamedExecContext(ctx, pg.q, `
			INSERT INTO routes (`+routeColumns+`)
			VALUES (:id, :collector_id, :zone, :start_latitude, :start_longitude, :end_latitude, :end_longitude,
				:distance_meters, :estimated_seconds, :status, :started_at, :completed_at, :version, :created_at, :updated_at)
		`, r)
		if err != nil {
			return mapError(err, "failed to create route")
		}

		for i := range r.Stops {
			r.Stops[i].RouteID = r.ID
			_, err := sqlx.NamedExecContext(ctx, pg.q, `
				INSERT INTO route_stops (`+stopColumns+`)
				VALUES (:route_id, :bin_id, :schedule_id, :sequence_order, :estimated_seconds,
					:is_collected, :is_skipped, :collected_at, :skip_reason, :notes)
			`, &r.Stops[i])
			if err != nil {
				return mapError(err, fmt.Sprintf("failed to create stop for bin %s", r.Stops[i].BinID))
			}
		}
		return nil
	})
}

// UpdateRoute writes the route row and the mutable part of each stop. Stops
// are never added or removed after creation.
func (s *PostgresStore) UpdateRoute(ctx context.Context, r *models.Route) error {
	return s.InTx(ctx, func(tx store.Store) error {
		pg := tx.(*PostgresStore)
		res, err := sqlx.NamedExecContext(ctx, pg.q, `
			UPDATE routes SET
				collector_id = :collector_id, zone = :zone, distance_meters = :distance_meters,
				estimated_seconds = :estimated_seconds, status = :status, started_at = :started_at,
				completed_at = :completed_at, updated_at = :updated_at,
				version = version + 1
			WHERE id = :id AND version = :version
		`, r)
		if err != nil {
			return mapError(err, "failed to update route")
		}
		if err := pg.checkVersioned(ctx, res, "routes", r.ID, r.Version); err != nil {
			return err
		}

		for i := range r.Stops {
			r.Stops[i].RouteID = r.ID
			res, err := sqlx.NamedExecContext(ctx, pg.q, `
				UPDATE route_stops SET
					schedule_id = :schedule_id, is_collected = :is_collected, is_skipped = :is_skipped,
					collected_at = :collected_at, skip_reason = :skip_reason, notes = :notes
				WHERE route_id = :route_id AND bin_id = :bin_id
			`, &r.Stops[i])
			if err != nil {
				return mapError(err, "failed to update route stop")
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return models.DataConsistencyError("route %s has no stop for bin %s", r.ID, r.Stops[i].BinID)
			}
		}

		r.Version++
		return nil
	})
}

// Users

const userColumns = `id, email, password, name, role, zone, created_at, updated_at`

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := sqlx.GetContext(ctx, s.q, &u, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundError("user %s not found", email)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	_, err := sqlx.NamedExecContext(ctx, s.q, `
		INSERT INTO users (`+userColumns+`)
		VALUES (:id, :email, :password, :name, :role, :zone, :created_at, :updated_at)
	`, u)
	if err != nil {
		return mapError(err, "failed to create user")
	}
	return nil
}

func (s *PostgresStore) ListCollectors(ctx context.Context, zone string) ([]models.User, error) {
	users := []models.User{}
	err := sqlx.SelectContext(ctx, s.q, &users, `
		SELECT `+userColumns+` FROM users
		WHERE role = $1 AND ($2 = '' OR zone = $2)
		ORDER BY id ASC`, models.RoleCollector, zone)
	if err != nil {
		return nil, fmt.Errorf("failed to list collectors: %w", err)
	}
	return users, nil
}
