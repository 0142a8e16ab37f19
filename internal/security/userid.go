package security

import (
	"fmt"
	"net/url"
	"strings"
)

// MaxUserIDLength bounds user ids to keep filesystem keys sane.
const MaxUserIDLength = 128

// ValidateUserID checks a user id for basic sanity.
// Returns a validation message, or "" if valid.
func ValidateUserID(userID string) string {
	if userID == "" {
		return "userId is required"
	}
	if len(userID) > MaxUserIDLength {
		return fmt.Sprintf("userId exceeds maximum length of %d", MaxUserIDLength)
	}
	if strings.ContainsAny(userID, "\x00\n\r") {
		return "userId contains control characters"
	}
	return ""
}

// UserPathKey converts a user id into a filesystem-safe directory name.
// URL-encoding neutralizes path traversal: "../../etc" becomes
// "..%2F..%2Fetc", which is a plain file name component.
func UserPathKey(userID string) string {
	return url.QueryEscape(userID)
}

// UserFromPathKey reverses UserPathKey for directory scans.
func UserFromPathKey(name string) (string, error) {
	return url.QueryUnescape(name)
}

// CollapseSessionKey maps a session key back to its owning user id.
// Persistent profiles pin one context per user, so a legacy hashed-options
// suffix ("user:a1b2c3") must collapse to the same pool entry as "user".
func CollapseSessionKey(sessionKey string) string {
	if i := strings.IndexByte(sessionKey, ':'); i > 0 {
		return sessionKey[:i]
	}
	return sessionKey
}
