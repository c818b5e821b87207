// Package httpx writes the gateway's JSON response envelope for plain
// net/http handlers.
package httpx

import (
	"encoding/json"
	"net/http"
)

// Envelope is the body returned for errors and informational responses
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// WriteJSON writes value as a JSON response with the given status
func WriteJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

// WriteError writes a failed Envelope carrying message
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, Envelope{
		Success: false,
		Message: message,
		Status:  status,
	})
}
