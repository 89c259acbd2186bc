// Package di provides dependency injection wiring and initialization.
package di

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/astrolabe/internal/clients/narrative"
	"github.com/aristath/astrolabe/internal/config"
	"github.com/aristath/astrolabe/internal/database"
	"github.com/aristath/astrolabe/internal/events"
	"github.com/aristath/astrolabe/internal/history"
	"github.com/aristath/astrolabe/internal/modules/backtest"
	"github.com/aristath/astrolabe/internal/modules/forecast"
	"github.com/aristath/astrolabe/internal/modules/optimization"
	"github.com/aristath/astrolabe/internal/modules/pipeline"
	"github.com/aristath/astrolabe/internal/modules/risk"
	"github.com/aristath/astrolabe/internal/scheduler"
	"github.com/aristath/astrolabe/internal/services/archive"
	"github.com/aristath/astrolabe/internal/settings"
	"github.com/aristath/astrolabe/internal/storage"
)

const (
	// jobTimeout bounds a whole optimization job in the worker pool. Each
	// stage additionally runs under the pipeline's per-stage timeout.
	jobTimeout = 30 * time.Minute

	archiveMinAge    = 24 * time.Hour
	failedJobMaxAge  = 7 * 24 * time.Hour
	cachePurgeSpec   = "0 15 * * * *"
	archiveSweepSpec = "0 0 4 * * *"
	failedPurgeSpec  = "0 30 4 * * *"
)

// Container holds all application singletons.
type Container struct {
	// Databases
	DocumentsDB *database.DB
	CacheDB     *database.DB
	HistoryDB   *database.DB

	// Storage
	Documents *storage.DocumentStore
	Cache     *storage.Cache

	// Core services
	Bus        *events.Bus
	History    *history.DB
	Settings   *settings.Service
	Engine     *forecast.Engine
	Risk       *risk.Calculator
	Covariance *optimization.CovarianceBuilder
	Optimizer  *optimization.Optimizer
	Returns    *optimization.ReturnsCalculator
	Backtester *backtest.Backtester

	// Optional services, nil when unconfigured
	Narrative *narrative.Client
	Archiver  *archive.Archiver

	// Orchestration
	Pool      *pipeline.Pool
	Pipeline  *pipeline.Service
	Scheduler *scheduler.Scheduler
}

// Wire initializes all dependencies and returns a fully configured container.
// This is the main entry point for dependency injection.
// Order of operations:
// 1. Initialize databases
// 2. Initialize storage and repositories
// 3. Initialize services
// 4. Register scheduler jobs
// The pool's Run loop and the scheduler are started by the caller.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c, err := initDatabases(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := initStorage(c, log); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := initServices(c, cfg, log); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := registerSchedulerJobs(c, log); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to register scheduler jobs: %w", err)
	}

	log.Info().Msg("Dependency injection wiring completed successfully")
	return c, nil
}

func initStorage(c *Container, log zerolog.Logger) error {
	documents, err := storage.NewDocumentStore(c.DocumentsDB.Conn(), log)
	if err != nil {
		return fmt.Errorf("document store: %w", err)
	}
	c.Documents = documents

	cache, err := storage.NewCache(c.CacheDB.Conn(), log)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	c.Cache = cache

	return nil
}

func initServices(c *Container, cfg *config.Config, log zerolog.Logger) error {
	repo, err := settings.NewRepository(c.DocumentsDB, log)
	if err != nil {
		return fmt.Errorf("settings repository: %w", err)
	}
	c.Settings = settings.NewService(repo, log)

	provider, err := history.NewDB(c.HistoryDB, log)
	if err != nil {
		return fmt.Errorf("history provider: %w", err)
	}
	c.History = provider

	c.Bus = events.NewBus()

	c.Engine = forecast.NewEngine(provider, c.Cache, log)
	gbm := forecast.NewGBM(log)
	c.Engine.Register(gbm.Name(), gbm)
	arima := forecast.NewARIMA(c.Cache, log)
	c.Engine.Register(arima.Name(), arima)

	c.Risk = risk.NewCalculator(provider, cfg.RiskFreeRate, log)
	c.Covariance = optimization.NewCovarianceBuilder(provider, c.Cache, log)
	c.Optimizer = optimization.NewOptimizer(cfg.RiskFreeRate, log)
	c.Returns = optimization.NewReturnsCalculator(log)
	c.Backtester = backtest.NewBacktester(c.Settings, cfg.RiskFreeRate, log)

	// Generator stays a nil interface when the sidecar is unconfigured so
	// the pipeline falls back to the fixed scenario multipliers.
	var generator narrative.Generator
	if cfg.NarrativeServiceURL != "" {
		c.Narrative = narrative.NewClient(cfg.NarrativeServiceURL, log)
		generator = c.Narrative
		log.Info().Str("url", cfg.NarrativeServiceURL).Msg("Narrative service enabled")
	}

	if cfg.Archive.Enabled {
		archiver, archiveErr := archive.New(context.Background(), cfg.Archive, log)
		if archiveErr != nil {
			// Archival is a convenience, never worth failing startup over
			log.Warn().Err(archiveErr).Msg("Archive storage disabled")
		} else {
			c.Archiver = archiver
			log.Info().Str("bucket", cfg.Archive.Bucket).Msg("Archive storage enabled")
		}
	}

	c.Pool = pipeline.NewPool(cfg.WorkerCount, jobTimeout, log)
	c.Pipeline = pipeline.NewService(pipeline.Config{
		Provider:      provider,
		Settings:      c.Settings,
		Engine:        c.Engine,
		Covariance:    c.Covariance,
		Optimizer:     c.Optimizer,
		Returns:       c.Returns,
		Backtester:    c.Backtester,
		Documents:     c.Documents,
		Bus:           c.Bus,
		Generator:     generator,
		HistoryPeriod: fmt.Sprintf("%dy", cfg.HistoryPeriodYears),
		Log:           log,
	}, c.Pool)

	return nil
}

func registerSchedulerJobs(c *Container, log zerolog.Logger) error {
	c.Scheduler = scheduler.New(log)

	if err := c.Scheduler.AddJob(cachePurgeSpec, scheduler.NewCachePurgeJob(c.Cache, log)); err != nil {
		return err
	}
	if c.Archiver != nil {
		if err := c.Scheduler.AddJob(archiveSweepSpec, scheduler.NewArchiveSweepJob(c.Documents, c.Archiver, archiveMinAge, log)); err != nil {
			return err
		}
	}
	if err := c.Scheduler.AddJob(failedPurgeSpec, scheduler.NewFailedJobPurgeJob(c.Documents, failedJobMaxAge, log)); err != nil {
		return err
	}

	return nil
}

// Close releases the container's database connections.
func (c *Container) Close() {
	for _, db := range []*database.DB{c.HistoryDB, c.CacheDB, c.DocumentsDB} {
		if db != nil {
			db.Close()
		}
	}
}
