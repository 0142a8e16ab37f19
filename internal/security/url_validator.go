// Package security provides input validation and log-safety utilities.
package security

import (
	"errors"
	"net/url"
	"strings"
)

// URL validation errors.
var (
	ErrInvalidURL    = errors.New("invalid URL")
	ErrBlockedScheme = errors.New("URL scheme not allowed: only http and https are supported")
)

// AllowedSchemes defines the permitted navigation URL schemes.
// Everything else (file:, javascript:, data:, chrome:, about:) is rejected
// before it reaches the engine.
var AllowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
}

// ValidateNavigationURL checks that a URL is safe to hand to the browser.
// The gate is intentionally scheme-only: agents legitimately browse arbitrary
// hosts, but non-http(s) schemes can read local files or execute script.
func ValidateNavigationURL(rawURL string) error {
	if rawURL == "" {
		return ErrInvalidURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrInvalidURL
	}

	if !AllowedSchemes[strings.ToLower(parsed.Scheme)] {
		return ErrBlockedScheme
	}

	if parsed.Host == "" {
		return ErrInvalidURL
	}

	return nil
}
