// Package di provides dependency injection for database connections.
package di

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/aristath/astrolabe/internal/config"
	"github.com/aristath/astrolabe/internal/database"
)

// initDatabases opens the three databases. Schemas are applied by the
// stores and repositories that own the tables.
func initDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{}

	// 1. documents.db - Job documents, settings and the instrument universe
	documentsDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "documents.db"),
		Profile: database.ProfileStandard,
		Name:    "documents",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize documents database: %w", err)
	}
	c.DocumentsDB = documentsDB

	// 2. cache.db - Ephemeral computation results (forecast suites, matrices)
	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Profile: database.ProfileCache, // Maximum speed for ephemeral data
		Name:    "cache",
	})
	if err != nil {
		documentsDB.Close()
		return nil, fmt.Errorf("failed to initialize cache database: %w", err)
	}
	c.CacheDB = cacheDB

	// 3. history.db - Historical time-series data (prices, dividends)
	historyDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "history.db"),
		Profile: database.ProfileStandard,
		Name:    "history",
	})
	if err != nil {
		documentsDB.Close()
		cacheDB.Close()
		return nil, fmt.Errorf("failed to initialize history database: %w", err)
	}
	c.HistoryDB = historyDB

	log.Info().Str("data_dir", cfg.DataDir).Msg("All databases initialized")

	return c, nil
}
