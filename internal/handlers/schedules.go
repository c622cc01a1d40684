package handlers

import (
	"net/http"
	"time"

	"binroute-backend/internal/models"
	"binroute-backend/internal/services"
	"binroute-backend/pkg/utils"

	"github.com/go-chi/chi/v5"
)

func CreateSchedule(schedules *services.ScheduleManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.CreateScheduleRequest
		if !utils.DecodeJSON(w, r, &req) {
			return
		}

		change, err := schedules.CreateSchedule(r.Context(), req)
		if err != nil {
			utils.RespondDomainError(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusCreated, change)
	}
}

// GetSchedules lists schedules filtered by ?bin_id, ?collector_id and ?status
func GetSchedules(schedules *services.ScheduleManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := models.ScheduleFilter{
			BinID:       q.Get("bin_id"),
			CollectorID: q.Get("collector_id"),
		}
		if raw := q.Get("status"); raw != "" {
			st, err := models.ParseScheduleStatus(raw)
			if err != nil {
				utils.RespondDomainError(w, err)
				return
			}
			filter.Status = st
		}

		list, err := schedules.List(r.Context(), filter)
		if err != nil {
			utils.RespondDomainError(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, list)
	}
}

func GetSchedule(schedules *services.ScheduleManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := schedules.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			utils.RespondDomainError(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, s)
	}
}

func RescheduleSchedule(schedules *services.ScheduleManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.RescheduleRequest
		if !utils.DecodeJSON(w, r, &req) {
			return
		}

		change, err := schedules.Reschedule(r.Context(), chi.URLParam(r, "id"), req.Window)
		if err != nil {
			utils.RespondDomainError(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, change)
	}
}

func CancelSchedule(schedules *services.ScheduleManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.CancelScheduleRequest
		if !utils.DecodeJSON(w, r, &req) {
			return
		}

		change, err := schedules.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
		if err != nil {
			utils.RespondDomainError(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, change)
	}
}

// CompleteSchedule records an off-route collection
func CompleteSchedule(schedules *services.ScheduleManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.CompleteScheduleRequest
		if !utils.DecodeJSON(w, r, &req) {
			return
		}

		details := models.CompletionDetails{
			CompletedAt:     time.Now(),
			ActualFillLevel: req.ActualFillLevel,
			CollectionTime:  time.Duration(req.CollectionSeconds) * time.Second,
		}
		if req.CompletedAt != nil {
			details.CompletedAt = *req.CompletedAt
		}

		change, err := schedules.Complete(r.Context(), chi.URLParam(r, "id"), details)
		if err != nil {
			utils.RespondDomainError(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, change)
	}
}

func MarkScheduleMissed(schedules *services.ScheduleManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		change, err := schedules.MarkMissed(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			utils.RespondDomainError(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, change)
	}
}
