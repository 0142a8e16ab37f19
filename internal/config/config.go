// Package config provides application configuration management.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxContextPoolSize     = 200
	maxMaxSessions         = 10000
	maxHandlerTimeout      = 10 * time.Minute
	maxConcurrentPerUser   = 50
	maxDownloadsPerUserCap = 10000
	minAPIKeyLength        = 16
)

// HeadlessMode selects how browser contexts are displayed.
type HeadlessMode string

// Headless modes. "virtual" expects an external virtual display (Xvfb) to be
// running and DISPLAY to point at it.
const (
	HeadlessTrue    HeadlessMode = "true"
	HeadlessFalse   HeadlessMode = "false"
	HeadlessVirtual HeadlessMode = "virtual"
)

// Config holds all application configuration.
// Configuration is loaded from environment variables once at startup.
type Config struct {
	// Server settings
	Host     string
	Port     int
	AdminKey string
	APIKey   string
	NodeEnv  string

	// Directories (auto-created recursively at startup)
	ProfilesDir  string
	DownloadsDir string
	CookiesDir   string

	// Context pool
	MaxContexts int
	Headless    HeadlessMode
	BrowserPath string

	// Sessions
	MaxSessions        int
	SessionIdleTimeout time.Duration

	// Concurrency
	MaxConcurrentPerUser int
	UserWaitTimeout      time.Duration
	TabLockTimeout       time.Duration

	// Handler deadlines
	HandlerTimeout     time.Duration
	BuildRefsTimeout   time.Duration
	EvaluateTimeout    time.Duration
	EvaluateExtTimeout time.Duration

	// Snapshot windowing
	MaxSnapshotChars  int
	SnapshotTailChars int

	// Rate limiting (evaluate-extended)
	EvalExtRateLimitMax    int
	EvalExtRateLimitWindow time.Duration

	// Health
	HealthProbeInterval time.Duration
	FailureThreshold    int

	// Downloads
	DownloadTTL         time.Duration
	MaxDownloadSizeMB   int
	MaxBlobSizeMB       int
	MaxDownloadsPerUser int
	MaxBatchConcurrency int

	// Presets
	PresetsPath      string
	PresetsHotReload bool

	// Proxy
	ProxyHost string
	ProxyPort int
	ProxyUser string
	ProxyPass string

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or documented defaults.
func Load() *Config {
	return &Config{
		Host:     getEnvString("CAMOFOX_HOST", "127.0.0.1"),
		Port:     getEnvInt("CAMOFOX_PORT", 9377),
		AdminKey: getEnvString("CAMOFOX_ADMIN_KEY", ""),
		APIKey:   getEnvString("CAMOFOX_API_KEY", ""),
		NodeEnv:  getEnvString("NODE_ENV", "development"),

		ProfilesDir:  getEnvString("CAMOFOX_PROFILES_DIR", "./data/profiles"),
		DownloadsDir: getEnvString("CAMOFOX_DOWNLOADS_DIR", "./data/downloads"),
		CookiesDir:   getEnvString("CAMOFOX_COOKIES_DIR", "./data/cookies"),

		MaxContexts: getEnvInt("CAMOFOX_MAX_CONTEXTS", 50),
		Headless:    HeadlessMode(getEnvString("CAMOFOX_HEADLESS", "true")),
		BrowserPath: getEnvString("CAMOFOX_BROWSER_PATH", ""),

		MaxSessions:        getEnvInt("CAMOFOX_MAX_SESSIONS", 200),
		SessionIdleTimeout: getEnvDuration("CAMOFOX_SESSION_IDLE_TIMEOUT", 30*time.Minute),

		MaxConcurrentPerUser: getEnvInt("CAMOFOX_MAX_CONCURRENT_PER_USER", 3),
		UserWaitTimeout:      getEnvDuration("CAMOFOX_USER_WAIT_TIMEOUT", 30*time.Second),
		TabLockTimeout:       getEnvDuration("CAMOFOX_TAB_LOCK_TIMEOUT", 30*time.Second),

		HandlerTimeout:     getEnvDuration("CAMOFOX_HANDLER_TIMEOUT", 30*time.Second),
		BuildRefsTimeout:   getEnvDuration("CAMOFOX_BUILD_REFS_TIMEOUT", 12*time.Second),
		EvaluateTimeout:    getEnvDuration("CAMOFOX_EVALUATE_TIMEOUT", 30*time.Second),
		EvaluateExtTimeout: getEnvDuration("CAMOFOX_EVALUATE_EXT_TIMEOUT", 300*time.Second),

		MaxSnapshotChars:  getEnvInt("CAMOFOX_MAX_SNAPSHOT_CHARS", 80000),
		SnapshotTailChars: getEnvInt("CAMOFOX_SNAPSHOT_TAIL_CHARS", 5000),

		EvalExtRateLimitMax:    getEnvInt("CAMOFOX_EVAL_EXTENDED_RATE_LIMIT_MAX", 20),
		EvalExtRateLimitWindow: getEnvDuration("CAMOFOX_EVAL_EXTENDED_RATE_LIMIT_WINDOW", time.Minute),

		HealthProbeInterval: getEnvDuration("CAMOFOX_HEALTH_PROBE_INTERVAL", 60*time.Second),
		FailureThreshold:    getEnvInt("CAMOFOX_FAILURE_THRESHOLD", 3),

		DownloadTTL:         getEnvDuration("CAMOFOX_DOWNLOAD_TTL", 24*time.Hour),
		MaxDownloadSizeMB:   getEnvInt("CAMOFOX_MAX_DOWNLOAD_SIZE_MB", 100),
		MaxBlobSizeMB:       getEnvInt("CAMOFOX_MAX_BLOB_SIZE_MB", 25),
		MaxDownloadsPerUser: getEnvInt("CAMOFOX_MAX_DOWNLOADS_PER_USER", 500),
		MaxBatchConcurrency: getEnvInt("CAMOFOX_MAX_BATCH_CONCURRENCY", 5),

		PresetsPath:      getEnvString("CAMOFOX_PRESETS_PATH", ""),
		PresetsHotReload: getEnvBool("CAMOFOX_PRESETS_HOT_RELOAD", false),

		ProxyHost: getEnvString("CAMOFOX_PROXY_HOST", ""),
		ProxyPort: getEnvInt("CAMOFOX_PROXY_PORT", 0),
		ProxyUser: getEnvString("CAMOFOX_PROXY_USER", ""),
		ProxyPass: getEnvString("CAMOFOX_PROXY_PASS", ""),

		LogLevel: getEnvString("CAMOFOX_LOG_LEVEL", "info"),
	}
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid tunables are corrected to documented defaults; an invalid port or
// an uncreatable directory is fatal and returns an error.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 1-65535", c.Port)
	}

	for _, dir := range []string{c.ProfilesDir, c.DownloadsDir, c.CookiesDir} {
		if dir == "" {
			return fmt.Errorf("directory path must not be empty")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if c.MaxContexts < 1 {
		log.Warn().Int("max", c.MaxContexts).Msg("Invalid max contexts, using default 50")
		c.MaxContexts = 50
	} else if c.MaxContexts > maxContextPoolSize {
		log.Warn().
			Int("max", c.MaxContexts).
			Int("cap", maxContextPoolSize).
			Msg("Max contexts too large, capping to maximum")
		c.MaxContexts = maxContextPoolSize
	}

	switch c.Headless {
	case HeadlessTrue, HeadlessFalse, HeadlessVirtual:
	default:
		log.Warn().Str("mode", string(c.Headless)).Msg("Invalid headless mode, using 'true'")
		c.Headless = HeadlessTrue
	}

	if c.MaxSessions < 1 {
		log.Warn().Int("max", c.MaxSessions).Msg("Invalid max sessions, using 200")
		c.MaxSessions = 200
	} else if c.MaxSessions > maxMaxSessions {
		log.Warn().
			Int("sessions", c.MaxSessions).
			Int("cap", maxMaxSessions).
			Msg("Max sessions too high, capping to maximum")
		c.MaxSessions = maxMaxSessions
	}

	// Idle reaper needs a floor so a typo cannot churn every session.
	const minIdleTimeout = 60 * time.Second
	if c.SessionIdleTimeout < minIdleTimeout {
		log.Warn().
			Dur("timeout", c.SessionIdleTimeout).
			Dur("min", minIdleTimeout).
			Msg("Session idle timeout too short, using minimum")
		c.SessionIdleTimeout = minIdleTimeout
	}

	if c.MaxConcurrentPerUser < 1 {
		log.Warn().Int("max", c.MaxConcurrentPerUser).Msg("Invalid per-user concurrency, using 3")
		c.MaxConcurrentPerUser = 3
	} else if c.MaxConcurrentPerUser > maxConcurrentPerUser {
		log.Warn().
			Int("max", c.MaxConcurrentPerUser).
			Int("cap", maxConcurrentPerUser).
			Msg("Per-user concurrency too high, capping to maximum")
		c.MaxConcurrentPerUser = maxConcurrentPerUser
	}

	if c.HandlerTimeout < time.Second {
		log.Warn().Dur("timeout", c.HandlerTimeout).Msg("Handler timeout too short, using 30s")
		c.HandlerTimeout = 30 * time.Second
	} else if c.HandlerTimeout > maxHandlerTimeout {
		log.Warn().
			Dur("timeout", c.HandlerTimeout).
			Dur("cap", maxHandlerTimeout).
			Msg("Handler timeout too high, capping to maximum")
		c.HandlerTimeout = maxHandlerTimeout
	}

	if c.MaxSnapshotChars < 1000 {
		log.Warn().Int("chars", c.MaxSnapshotChars).Msg("Snapshot budget too small, using 80000")
		c.MaxSnapshotChars = 80000
	}
	if c.SnapshotTailChars < 0 {
		log.Warn().Int("chars", c.SnapshotTailChars).Msg("Invalid snapshot tail, using 5000")
		c.SnapshotTailChars = 5000
	}
	if c.SnapshotTailChars >= c.MaxSnapshotChars {
		log.Warn().
			Int("tail", c.SnapshotTailChars).
			Int("budget", c.MaxSnapshotChars).
			Msg("Snapshot tail exceeds budget, shrinking tail")
		c.SnapshotTailChars = c.MaxSnapshotChars / 4
	}

	if c.FailureThreshold < 1 {
		log.Warn().Int("threshold", c.FailureThreshold).Msg("Invalid failure threshold, using 3")
		c.FailureThreshold = 3
	}

	if c.MaxDownloadsPerUser < 1 {
		log.Warn().Int("max", c.MaxDownloadsPerUser).Msg("Invalid per-user download cap, using 500")
		c.MaxDownloadsPerUser = 500
	} else if c.MaxDownloadsPerUser > maxDownloadsPerUserCap {
		log.Warn().
			Int("max", c.MaxDownloadsPerUser).
			Int("cap", maxDownloadsPerUserCap).
			Msg("Per-user download cap too high, capping to maximum")
		c.MaxDownloadsPerUser = maxDownloadsPerUserCap
	}

	if c.MaxBatchConcurrency < 1 {
		log.Warn().Int("max", c.MaxBatchConcurrency).Msg("Invalid batch concurrency, using 5")
		c.MaxBatchConcurrency = 5
	}

	if c.MaxDownloadSizeMB < 1 {
		log.Warn().Int("mb", c.MaxDownloadSizeMB).Msg("Invalid max download size, using 100")
		c.MaxDownloadSizeMB = 100
	}
	if c.MaxBlobSizeMB < 1 {
		log.Warn().Int("mb", c.MaxBlobSizeMB).Msg("Invalid max blob size, using 25")
		c.MaxBlobSizeMB = 25
	}

	if c.EvalExtRateLimitMax < 1 {
		log.Warn().Int("max", c.EvalExtRateLimitMax).Msg("Invalid evaluate-extended rate limit, using 20")
		c.EvalExtRateLimitMax = 20
	}

	if c.BrowserPath != "" {
		if strings.Contains(c.BrowserPath, "..") {
			log.Error().
				Str("path", c.BrowserPath).
				Msg("BrowserPath contains path traversal sequence (..), ignoring")
			c.BrowserPath = ""
		}
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	if c.APIKey == "" {
		log.Warn().Msg("CAMOFOX_API_KEY not set - evaluate and cookie-import endpoints are open")
	} else if len(c.APIKey) < minAPIKeyLength {
		log.Error().
			Int("length", len(c.APIKey)).
			Int("min_required", minAPIKeyLength).
			Msg("CAMOFOX_API_KEY is too short for secure authentication - consider a longer key")
	}

	if c.AdminKey == "" {
		log.Warn().Msg("CAMOFOX_ADMIN_KEY not set - admin stop endpoint disabled")
	}

	if c.ProxyPort != 0 && (c.ProxyPort < 1 || c.ProxyPort > 65535) {
		log.Warn().Int("port", c.ProxyPort).Msg("Invalid proxy port, ignoring proxy configuration")
		c.ProxyHost = ""
		c.ProxyPort = 0
	}
	if c.ProxyUser != "" && c.ProxyPass == "" {
		log.Warn().Msg("CAMOFOX_PROXY_USER set but CAMOFOX_PROXY_PASS is empty - authentication may fail")
	}
	if (c.ProxyUser != "" || c.ProxyPass != "") && c.ProxyHost == "" {
		log.Warn().Msg("Proxy credentials set but CAMOFOX_PROXY_HOST is empty - credentials will not be used")
	}

	if c.PresetsHotReload && c.PresetsPath == "" {
		log.Warn().Msg("CAMOFOX_PRESETS_HOT_RELOAD enabled but CAMOFOX_PRESETS_PATH not set - hot-reload disabled")
		c.PresetsHotReload = false
	}

	return nil
}

// ProxyURL assembles the browser proxy flag value, or "" if unconfigured.
func (c *Config) ProxyURL() string {
	if c.ProxyHost == "" || c.ProxyPort == 0 {
		return ""
	}
	return fmt.Sprintf("http://%s:%d", c.ProxyHost, c.ProxyPort)
}

// IsProduction reports whether error details should be hidden from clients.
func (c *Config) IsProduction() bool {
	return c.NodeEnv == "production"
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		// Accept plain millisecond integers as well as Go duration strings.
		if ms, err := strconv.ParseInt(value, 10, 64); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
		duration, err := time.ParseDuration(value)
		if err == nil && duration > 0 {
			return duration
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}
