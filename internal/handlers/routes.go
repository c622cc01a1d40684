package handlers

import (
	"log"
	"net/http"

	"binroute-backend/internal/middleware"
	"binroute-backend/internal/models"
	"binroute-backend/internal/services"
	"binroute-backend/pkg/utils"

	"github.com/go-chi/chi/v5"
)

// BuildRoute orders the requested bins and persists the route
func BuildRoute(builder *services.RouteBuilder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.BuildRouteRequest
		if !utils.DecodeJSON(w, r, &req) {
			return
		}

		log.Printf("📥 REQUEST: POST /api/routes/build (%d bins, collector %s)", len(req.BinIDs), req.CollectorID)
		route, err := builder.BuildRoute(r.Context(), req)
		if err != nil {
			log.Printf("❌ [ROUTES] Build failed: %v", err)
			utils.RespondDomainError(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusCreated, route.ToRouteResponse())
	}
}

// PreviewRoute computes a route without storing it
func PreviewRoute(builder *services.RouteBuilder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.BuildRouteRequest
		if !utils.DecodeJSON(w, r, &req) {
			return
		}

		route, err := builder.PreviewRoute(r.Context(), req)
		if err != nil {
			utils.RespondDomainError(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, route.ToRouteResponse())
	}
}

// GetRoutes lists routes. Collectors only ever see their own.
func GetRoutes(tracker *services.RouteTracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := models.RouteFilter{CollectorID: q.Get("collector_id")}
		if raw := q.Get("status"); raw != "" {
			st, err := models.ParseRouteStatus(raw)
			if err != nil {
				utils.RespondDomainError(w, err)
				return
			}
			filter.Status = st
		}
		if user, ok := middleware.GetUserFromContext(r); ok && user.Role == models.RoleCollector {
			filter.CollectorID = user.UserID
		}

		routes, err := tracker.List(r.Context(), filter)
		if err != nil {
			utils.RespondDomainError(w, err)
			return
		}

		responses := make([]models.RouteResponse, len(routes))
		for i := range routes {
			responses[i] = routes[i].ToRouteResponse()
		}
		utils.RespondJSON(w, http.StatusOK, responses)
	}
}

func GetRoute(tracker *services.RouteTracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		route, ok := ownedRoute(w, r, tracker)
		if !ok {
			return
		}
		utils.RespondJSON(w, http.StatusOK, route.ToRouteResponse())
	}
}

func UpdateRouteStatus(tracker *services.RouteTracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.UpdateRouteStatusRequest
		if !utils.DecodeJSON(w, r, &req) {
			return
		}
		to, err := models.ParseRouteStatus(req.Status)
		if err != nil {
			utils.RespondDomainError(w, err)
			return
		}

		existing, ok := ownedRoute(w, r, tracker)
		if !ok {
			return
		}

		route, err := tracker.UpdateStatus(r.Context(), existing.ID, to)
		if err != nil {
			utils.RespondDomainError(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, route.ToRouteResponse())
	}
}

// UpdateStop marks one stop collected or skipped
func UpdateStop(tracker *services.RouteTracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.UpdateStopRequest
		if !utils.DecodeJSON(w, r, &req) {
			return
		}

		existing, ok := ownedRoute(w, r, tracker)
		if !ok {
			return
		}
		binID := chi.URLParam(r, "binId")

		var route *models.Route
		var err error
		switch req.Action {
		case "collected":
			route, err = tracker.MarkStopCollected(r.Context(), existing.ID, binID, req.Notes, req.ActualFillLevel)
		case "skipped":
			route, err = tracker.MarkStopSkipped(r.Context(), existing.ID, binID, req.Reason)
		default:
			err = models.ValidationError("action must be \"collected\" or \"skipped\", got %q", req.Action)
		}
		if err != nil {
			utils.RespondDomainError(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, route.ToRouteResponse())
	}
}

// ownedRoute loads {id} and rejects collectors touching someone else's route
func ownedRoute(w http.ResponseWriter, r *http.Request, tracker *services.RouteTracker) (*models.Route, bool) {
	route, err := tracker.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		utils.RespondDomainError(w, err)
		return nil, false
	}
	if user, ok := middleware.GetUserFromContext(r); ok && user.Role == models.RoleCollector && route.CollectorID != user.UserID {
		log.Printf("❌ [ROUTES] Collector %s tried to access route %s", user.UserID, route.ID)
		utils.RespondError(w, http.StatusForbidden, "Forbidden")
		return nil, false
	}
	return route, true
}
