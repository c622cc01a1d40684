package handlers

import (
	"net/http"

	"binroute-backend/internal/middleware"
	"binroute-backend/internal/models"
	"binroute-backend/internal/services"
	"binroute-backend/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Deps is what the HTTP surface needs from the engine
type Deps struct {
	JWTSecret    string
	Users        UserFinder
	Bins         *services.BinService
	Schedules    *services.ScheduleManager
	Builder      *services.RouteBuilder
	Tracker      *services.RouteTracker
	Orchestrator *services.Orchestrator
	Hub          *websocket.Hub // nil disables /ws
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", Health)
	r.Post("/api/auth/login", Login(d.Users, d.JWTSecret))

	if d.Hub != nil {
		// Authentication handled in the handler via ?token=
		r.Get("/ws", websocket.HandleWebSocket(d.Hub, d.JWTSecret))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(d.JWTSecret))

		// Collectors and admins
		r.Get("/bins", GetBins(d.Bins))
		r.Get("/bins/{id}/priority", GetBinPriority(d.Bins))
		r.Patch("/bins/{id}/fill", ReportFill(d.Bins))

		r.Get("/routes", GetRoutes(d.Tracker))
		r.Get("/routes/{id}", GetRoute(d.Tracker))
		r.Patch("/routes/{id}/status", UpdateRouteStatus(d.Tracker))
		r.Patch("/routes/{id}/stops/{binId}", UpdateStop(d.Tracker))

		r.Get("/schedules", GetSchedules(d.Schedules))
		r.Get("/schedules/{id}", GetSchedule(d.Schedules))

		// Admin only
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(models.RoleAdmin))

			r.Post("/bins", CreateBin(d.Bins))

			r.Post("/schedules", CreateSchedule(d.Schedules))
			r.Post("/schedules/{id}/reschedule", RescheduleSchedule(d.Schedules))
			r.Post("/schedules/{id}/cancel", CancelSchedule(d.Schedules))
			r.Post("/schedules/{id}/complete", CompleteSchedule(d.Schedules))
			r.Post("/schedules/{id}/missed", MarkScheduleMissed(d.Schedules))

			r.Post("/routes/build", BuildRoute(d.Builder))
			r.Post("/routes/preview", PreviewRoute(d.Builder))

			r.Post("/manager/sweep", TriggerSweep(d.Orchestrator))
		})
	})

	return r
}
