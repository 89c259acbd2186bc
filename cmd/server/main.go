// Package main is the entry point for the Astrolabe portfolio optimization engine.
// The application forecasts expected returns for an instrument universe, solves a
// constrained mean-variance allocation for a requested amount, and exposes the
// whole pipeline as asynchronous jobs over an HTTP API.
//
// The application follows clean architecture principles:
// - Dependency injection via DI container
// - Constructor injection only, no hidden singletons
// - Service layer for business logic
// - HTTP handlers for API endpoints
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/astrolabe/internal/config"
	"github.com/aristath/astrolabe/internal/di"
	"github.com/aristath/astrolabe/internal/server"
	"github.com/aristath/astrolabe/pkg/logger"
)

// main orchestrates the system startup sequence:
// 1. Loads configuration from environment variables
// 2. Initializes logging
// 3. Wires all dependencies via the DI container (databases, stores, services)
// 4. Starts the HTTP server, the worker pool and the maintenance scheduler
// 5. Waits for a shutdown signal and performs graceful shutdown
//
// The application uses a 3-database architecture:
// - documents.db: Job documents, settings and the instrument universe
// - cache.db: Ephemeral computation results (forecast suites, matrices)
// - history.db: Historical time-series data (prices, dividends)
func main() {
	// Load configuration first to get log level
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Logger uses structured logging (zerolog) with configurable log levels.
	// Pretty mode enables human-readable output for development; production
	// gets JSON lines.
	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting Astrolabe")

	// Wire all dependencies using the DI container. Databases are opened
	// first, then stores, then services; everything is injected via
	// constructors. The optional narrative and archive services come up
	// only when configured.
	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}

	// All databases must be properly closed on exit so WAL checkpoints are
	// written. Using defer ensures cleanup even on panic.
	defer container.Close()

	// The HTTP server provides REST endpoints for starting and polling
	// optimization jobs, running forecast suites, per-ticker risk metrics,
	// system status, and a websocket stream of job lifecycle events.
	srv := server.New(server.Config{
		Port:     cfg.Port,
		DevMode:  cfg.DevMode,
		Log:      log,
		Pipeline: container.Pipeline,
		Engine:   container.Engine,
		Risk:     container.Risk,
		Bus:      container.Bus,
	})

	// Start server in a goroutine so background services can start
	// concurrently. ErrServerClosed is the normal graceful-shutdown return.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Start the worker pool dispatch loop. Optimization jobs submitted via
	// the API wait in the pool's queue until a slot is free.
	go container.Pool.Run()
	log.Info().Int("workers", cfg.WorkerCount).Msg("Worker pool started")

	// Start the maintenance scheduler (cache purge, job archival sweep,
	// failed job purge).
	container.Scheduler.Start()

	// Block until SIGINT (Ctrl+C) or SIGTERM (kill).
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// The HTTP server is given up to 10 seconds to finish in-flight
	// requests. Stopping it first means no new jobs arrive while the pool
	// drains.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop the scheduler and wait for any running maintenance job.
	container.Scheduler.Stop()

	// Stop the pool dispatch loop. Executing jobs finish on their own
	// timeouts; queued jobs are never started.
	container.Pool.Stop()
	log.Info().Msg("Worker pool stopped")

	log.Info().Msg("Server stopped")
}
