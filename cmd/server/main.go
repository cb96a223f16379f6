package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/llmbench/llmbench/internal/api"
	"github.com/llmbench/llmbench/internal/config"
	"github.com/llmbench/llmbench/internal/connection"
	"github.com/llmbench/llmbench/internal/driver"
	"github.com/llmbench/llmbench/internal/executor"
	"github.com/llmbench/llmbench/internal/logging"
	"github.com/llmbench/llmbench/internal/progress"
	"github.com/llmbench/llmbench/internal/service"
	"github.com/llmbench/llmbench/internal/storage"
	"github.com/llmbench/llmbench/internal/telemetry"
	"github.com/llmbench/llmbench/internal/tuner"
)

func main() {
	// Load configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize logging
	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	logger.Info("starting llmbench server",
		slog.String("version", "0.1.0"),
		slog.Int("port", cfg.Server.Port),
		slog.Int("backends", len(cfg.Backends)))

	// Initialize database
	db, err := storage.New(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to initialize database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize stores
	runStore := storage.NewRunStore(db)
	tuneStore := storage.NewTuneStore(db)

	// Initialize telemetry
	probe := telemetry.NewHardwareProbe(logger)
	sampler := telemetry.NewSampler(probe, logger)

	// Initialize backend resolver and protocol drivers
	resolver := connection.NewResolver(cfg.Connections())
	drivers := driver.NewRegistry(logger)

	// Websocket progress hub
	hub := progress.NewHub(logger)

	// Initialize the load executor
	execOpts := []executor.Option{
		executor.WithLogger(logger),
		executor.WithPublisher(hub),
		executor.WithSampleInterval(cfg.Telemetry.SampleInterval),
	}
	if cfg.Executor.MaxConcurrency > 0 {
		execOpts = append(execOpts, executor.WithMaxConcurrency(cfg.Executor.MaxConcurrency))
	}
	if cfg.Executor.RequestsPerSecond > 0 {
		execOpts = append(execOpts, executor.WithRateLimit(cfg.Executor.RequestsPerSecond))
	}
	exec := executor.New(drivers, sampler, execOpts...)

	// Initialize the auto-tuner
	tn := tuner.New(exec, tuneStore,
		tuner.WithLogger(logger),
		tuner.WithPublisher(hub),
		tuner.WithParams(cfg.Tuner))

	// Orchestration service
	svc := service.New(exec, tn, resolver, sampler, runStore, tuneStore, logger)

	// Initialize API server
	server := api.New(svc,
		api.WithLogger(logger),
		api.WithHost(cfg.Server.Host),
		api.WithPort(cfg.Server.Port),
		api.WithHub(hub))

	// Handle shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutting down...")

		// Stop any in-flight work before closing the listener
		svc.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", slog.String("error", err.Error()))
		}
	}()

	// Start server
	if err := server.Start(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
