package utils

import (
	"encoding/json"
	"log"
	"net/http"
)

// RespondJSON writes a JSON response with the given status.
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// RespondError writes a JSON error body with the given status.
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{"error": message})
}

// RespondRejection writes a structured guard rejection; the payload
// carries the machine-readable code alongside the human reason.
func RespondRejection(w http.ResponseWriter, status int, code, reason string) {
	RespondJSON(w, status, map[string]string{
		"error": reason,
		"code":  code,
	})
}
