package http

import (
	"encoding/json"
	"net/http"

	"stackvm/internal/logging"
)

type apiErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, logger logging.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("Failed to encode JSON response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, logger logging.Logger, status int, message string) {
	if status >= http.StatusInternalServerError {
		logger.Error("HTTP %d - %s", status, message)
	} else {
		logger.Warn("HTTP %d - %s", status, message)
	}
	writeJSON(w, logger, status, apiErrorResponse{Error: message})
}
