package store

import (
	"context"

	"binroute-backend/internal/models"
)

// Store is the persistence boundary for bins, schedules, routes and collectors.
//
// Update methods apply optimistic concurrency: the entity's Version must match
// the stored row, otherwise models.ErrConflict is returned; on success Version
// is incremented in place. Missing rows yield models.ErrNotFound.
type Store interface {
	// InTx runs fn inside one atomic unit of work. Calling InTx on the Store
	// handed to fn runs the nested fn inline.
	InTx(ctx context.Context, fn func(tx Store) error) error

	GetBin(ctx context.Context, id string) (*models.Bin, error)
	ListBins(ctx context.Context, statuses ...models.BinStatus) ([]models.Bin, error)
	CreateBin(ctx context.Context, bin *models.Bin) error
	UpdateBin(ctx context.Context, bin *models.Bin) error

	GetSchedule(ctx context.Context, id string) (*models.Schedule, error)
	// PendingScheduleForBin returns nil, nil when the bin has no open schedule
	PendingScheduleForBin(ctx context.Context, binID string) (*models.Schedule, error)
	ListSchedules(ctx context.Context, filter models.ScheduleFilter) ([]models.Schedule, error)
	CreateSchedule(ctx context.Context, s *models.Schedule) error
	UpdateSchedule(ctx context.Context, s *models.Schedule) error

	GetRoute(ctx context.Context, id string) (*models.Route, error)
	ListRoutes(ctx context.Context, filter models.RouteFilter) ([]models.Route, error)
	CreateRoute(ctx context.Context, r *models.Route) error
	UpdateRoute(ctx context.Context, r *models.Route) error

	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUser(ctx context.Context, u *models.User) error
	ListCollectors(ctx context.Context, zone string) ([]models.User, error)
}
