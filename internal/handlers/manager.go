package handlers

import (
	"log"
	"net/http"

	"binroute-backend/internal/services"
	"binroute-backend/pkg/utils"
)

// TriggerSweep runs a scheduling sweep now. A sweep already in flight makes
// this one return skipped=true.
func TriggerSweep(orch *services.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log.Printf("📥 REQUEST: POST /api/manager/sweep")
		report, err := orch.Sweep(r.Context())
		if err != nil {
			utils.RespondDomainError(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, report)
	}
}

// Health reports liveness
func Health(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
