package utils

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the flat error body used by plumbing responses such
// as the router's 404 handler. Gateway errors carry the richer
// envelope defined in the apierror package.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RespondWithError writes a flat JSON error body with the given status.
func RespondWithError(w http.ResponseWriter, code int, message string) {
	RespondWithJSON(w, code, ErrorResponse{Error: message})
}

// RespondWithJSON writes payload as JSON. The status goes out before
// encoding, so an encode failure can no longer change it; the error is
// returned for logging.
func RespondWithJSON(w http.ResponseWriter, code int, payload any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(payload)
}
