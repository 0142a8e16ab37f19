package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/camofox/camofox-go/internal/config"
)

// Bearer returns middleware that validates bearer-token authentication
// against the configured API key. When no API key is configured, requests
// pass through unchanged. Intended for the sensitive endpoints (evaluate,
// cookie import), not the whole surface.
func Bearer(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.APIKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r)

			// Constant-time comparison to prevent timing attacks
			if subtle.ConstantTimeCompare([]byte(token), []byte(cfg.APIKey)) != 1 {
				writeError(w, http.StatusForbidden, "Invalid or missing API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// AdminKey returns middleware that validates the x-admin-key header.
// When no admin key is configured the guarded endpoints are disabled.
func AdminKey(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.AdminKey == "" {
				writeError(w, http.StatusForbidden, "Admin endpoint disabled")
				return
			}

			key := r.Header.Get("x-admin-key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(cfg.AdminKey)) != 1 {
				writeError(w, http.StatusForbidden, "Invalid admin key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
