// Command server runs the fraudlens dashboard backend.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mbd888/fraudlens/internal/config"
	"github.com/mbd888/fraudlens/internal/logging"
	"github.com/mbd888/fraudlens/internal/server"
	"github.com/mbd888/fraudlens/internal/traces"
)

// Stamped with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const tracingFlushTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(context.Background(), cfg, logger); err != nil {
		logger.Error("fraudlens stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting fraudlens",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"upstream", cfg.ScoringAPIURL,
	)

	shutdownTracing, err := traces.Init(ctx, traces.Config{
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "fraudlens",
		Version:     Version,
		SampleRatio: cfg.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), tracingFlushTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	server.Version = Version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return srv.Run(ctx)
}
