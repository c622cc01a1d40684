package utils

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"binroute-backend/internal/models"
)

// RespondJSON sends a JSON response
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("⚠️  Failed to encode response: %v", err)
	}
}

// RespondError sends an error response
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// StatusFor maps an engine error kind to its HTTP status
func StatusFor(err error) int {
	switch models.KindOf(err) {
	case models.KindValidation, models.KindInsufficientStops:
		return http.StatusBadRequest
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindConflict, models.KindInvalidState:
		return http.StatusConflict
	case models.KindDataConsistency:
		return http.StatusUnprocessableEntity
	case models.KindGeoLookup, models.KindRouteBuild:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// RespondDomainError sends err with the status for its kind. Untyped errors
// are logged and hidden behind a generic 500.
func RespondDomainError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("❌ Internal error: %v", err)
		RespondError(w, status, "internal server error")
		return
	}

	var e *models.Error
	errors.As(err, &e)
	RespondJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   err.Error(),
		"kind":    e.Kind,
	})
}

// DecodeJSON reads the request body into v, answering 400 on failure
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}
