// Package middleware provides HTTP middleware for the camofox server.
package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// errorResponse is the error envelope every endpoint returns.
type errorResponse struct {
	Error string `json:"error"`
}

// writeError writes the JSON error envelope with the given status.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(errorResponse{Error: message}); err != nil {
		log.Error().Err(err).Str("message", message).Msg("Failed to encode middleware error response")
	}
}
