package handlers

import (
	"log"
	"net/http"
	"strings"

	"binroute-backend/internal/models"
	"binroute-backend/internal/services"
	"binroute-backend/pkg/utils"

	"github.com/go-chi/chi/v5"
)

// GetBins lists bins; ?status=active,overflow narrows the result
func GetBins(bins *services.BinService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var statuses []models.BinStatus
		if raw := r.URL.Query().Get("status"); raw != "" {
			for _, part := range strings.Split(raw, ",") {
				st, err := models.ParseBinStatus(strings.TrimSpace(part))
				if err != nil {
					utils.RespondDomainError(w, err)
					return
				}
				statuses = append(statuses, st)
			}
		}

		list, err := bins.List(r.Context(), statuses...)
		if err != nil {
			utils.RespondDomainError(w, err)
			return
		}

		responses := make([]models.BinResponse, len(list))
		for i := range list {
			responses[i] = list[i].ToBinResponse()
		}
		utils.RespondJSON(w, http.StatusOK, responses)
	}
}

func CreateBin(bins *services.BinService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.CreateBinRequest
		if !utils.DecodeJSON(w, r, &req) {
			return
		}

		bin, err := bins.Create(r.Context(), req)
		if err != nil {
			utils.RespondDomainError(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusCreated, bin.ToBinResponse())
	}
}

// ReportFill records a sensor or resident fill reading
func ReportFill(bins *services.BinService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req models.FillReportRequest
		if !utils.DecodeJSON(w, r, &req) {
			return
		}

		bin, err := bins.ReportFill(r.Context(), id, req.FillLevel, req.Escalate)
		if err != nil {
			utils.RespondDomainError(w, err)
			return
		}
		if req.Escalate {
			log.Printf("🚨 [BINS] Bin #%d escalated at %d%%", bin.BinNumber, bin.FillLevel)
		}
		utils.RespondJSON(w, http.StatusOK, bin.ToBinResponse())
	}
}

// GetBinPriority explains the bin's current priority score
func GetBinPriority(bins *services.BinService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		breakdown, err := bins.Priority(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			utils.RespondDomainError(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, breakdown)
	}
}
