// Package main provides the entry point for the metricache daemon.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/metricache/internal/config"
	"github.com/thebtf/metricache/internal/telemetry"
	"github.com/thebtf/metricache/internal/worker"
)

var Version = "dev"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := config.EnsureAll(); err != nil {
		log.Warn().Err(err).Msg("Failed to prepare data directory")
	}
	cfg := config.Get()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}

	log.Info().
		Str("version", Version).
		Str("driver", cfg.DBDriver).
		Str("definitions", cfg.DefinitionsPath).
		Msg("Starting metricache worker")

	var meters *telemetry.Provider
	if cfg.TelemetryEnabled {
		p, err := telemetry.NewProvider(context.Background(), cfg.OTLPEndpoint, "metricache", Version, cfg.OTLPInsecure)
		if err != nil {
			log.Warn().Err(err).Msg("Telemetry export disabled")
		} else {
			p.SetGlobal()
			meters = p
		}
	}

	svc := worker.NewService(Version, cfg, log.Logger)
	if err := svc.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start service")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	if err := svc.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}
	if meters != nil {
		if err := meters.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown error")
		}
	}

	log.Info().Msg("Worker shutdown complete")
}
