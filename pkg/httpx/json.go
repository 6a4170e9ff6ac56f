package httpx

import (
	"encoding/json"
	"net/http"
	"time"
)

// ErrorResponse is the envelope for every error body the service writes.
type ErrorResponse struct {
	Message   string   `json:"message"`
	Errors    []string `json:"errors"`
	Timestamp string   `json:"timestamp"`
}

func WriteJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func WriteError(w http.ResponseWriter, status int, message string, details ...string) {
	if details == nil {
		details = []string{}
	}
	WriteJSON(w, status, ErrorResponse{
		Message:   message,
		Errors:    details,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
