// Package main provides the entry point for the camofox control plane.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/camofox/camofox-go/internal/config"
	"github.com/camofox/camofox-go/internal/contextpool"
	"github.com/camofox/camofox-go/internal/downloads"
	"github.com/camofox/camofox-go/internal/handlers"
	"github.com/camofox/camofox-go/internal/health"
	"github.com/camofox/camofox-go/internal/limiter"
	"github.com/camofox/camofox-go/internal/presets"
	"github.com/camofox/camofox-go/internal/ratelimit"
	"github.com/camofox/camofox-go/internal/registry"
	"github.com/camofox/camofox-go/internal/resources"
	"github.com/camofox/camofox-go/internal/tablock"
	"github.com/camofox/camofox-go/pkg/version"
)

func main() {
	cfg := config.Load()

	// Logging first so validation warnings are visible.
	setupLogging(cfg)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().
		Str("version", version.Full()).
		Str("go", version.GoVersion()).
		Str("headless", string(cfg.Headless)).
		Msg("camofox starting")

	pool, err := contextpool.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize context pool")
	}

	locks := tablock.New()
	reg := registry.New(cfg, pool, locks)

	dl, err := downloads.NewManager(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize download registry")
	}
	// Closing a user's sessions also drops their finished downloads.
	reg.OnUserClose(dl.CleanupUser)

	pre, err := presets.NewManager(cfg.PresetsPath, cfg.PresetsHotReload)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize presets")
	}

	rate := ratelimit.New()
	tracker := health.NewTracker(cfg.FailureThreshold, cfg.HealthProbeInterval)
	lim := limiter.New(cfg.MaxConcurrentPerUser, cfg.UserWaitTimeout)
	batch := resources.NewBatchDownloader(cfg, dl)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	stop := func() {
		select {
		case quit <- syscall.SIGTERM:
		default:
		}
	}

	h := handlers.New(cfg, pool, reg, locks, lim, rate, tracker, dl, batch, pre, stop)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      h.Routes(),
		ReadTimeout:  cfg.EvaluateExtTimeout + 30*time.Second,
		WriteTimeout: cfg.EvaluateExtTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().
			Str("address", addr).
			Int("max_contexts", cfg.MaxContexts).
			Bool("api_key_set", cfg.APIKey != "").
			Msg("camofox is ready to accept requests")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-quit
	log.Info().Msg("Shutting down...")

	// Health flips to 503 so load balancers drain before connections drop.
	tracker.SetRecovering(true)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	reg.CloseAllSessions()
	reg.Close()
	pool.CloseAll()

	var g errgroup.Group
	g.Go(func() error { dl.Close(); return nil })
	g.Go(func() error { rate.Close(); return nil })
	g.Go(func() error { tracker.Close(); return nil })
	g.Go(func() error { return pre.Close() })
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Component shutdown error")
	}

	log.Info().Msg("Shutdown complete")
}

// setupLogging configures zerolog from the config: console writer for
// development, structured JSON in production.
func setupLogging(cfg *config.Config) {
	if !cfg.IsProduction() {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	switch cfg.LogLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		log.Warn().Str("level", cfg.LogLevel).Msg("Unknown log level, using info")
	}
}
