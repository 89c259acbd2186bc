// Package settings provides the configuration repository backed by config.db.
// Settings are key-value pairs (stored as strings) that configure the
// instrument universe, commission model, tax treatment, and job behavior.
// Values set here take precedence over compiled-in defaults, which allows
// runtime configuration changes without restarting the application.
package settings

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/astrolabe/internal/database"
)

// Repository handles settings database operations.
// Settings are stored as strings and converted to the appropriate type
// (int, float, bool) when retrieved via the type-safe getters.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a settings repository, creating the settings table if
// it does not exist yet.
func NewRepository(db *database.DB, log zerolog.Logger) (*Repository, error) {
	r := &Repository{
		db:  db,
		log: log.With().Str("repository", "settings").Logger(),
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			description TEXT,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize settings schema: %w", err)
	}
	return r, nil
}

// Get retrieves a setting value by key.
// Returns nil if the setting doesn't exist (not an error).
func (r *Repository) Get(key string) (*string, error) {
	var value string
	err := r.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return &value, nil
}

// Set stores a setting value, inserting or updating as needed. A nil
// description keeps whatever description the setting already has.
func (r *Repository) Set(key string, value string, description *string) error {
	_, err := r.db.Exec(`
		INSERT INTO settings (key, value, description, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			description = COALESCE(excluded.description, settings.description),
			updated_at = excluded.updated_at
	`, key, value, description, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// GetAll retrieves all settings as a map.
func (r *Repository) GetAll() (map[string]string, error) {
	rows, err := r.db.Query("SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("failed to get all settings: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan setting row")
			continue
		}
		result[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating settings: %w", err)
	}

	return result, nil
}

// number parses the setting as a float64. Missing keys and unparseable
// values both fall back to defaultValue; a bad value is logged since it
// means someone wrote garbage into the table.
func (r *Repository) number(key string, defaultValue float64) (float64, error) {
	value, err := r.Get(key)
	if err != nil || value == nil {
		return defaultValue, err
	}

	f, err := strconv.ParseFloat(*value, 64)
	if err != nil {
		r.log.Warn().
			Err(err).
			Str("key", key).
			Str("value", *value).
			Msg("Failed to parse numeric setting")
		return defaultValue, nil
	}
	return f, nil
}

// GetFloat retrieves a setting value as float64, or defaultValue when the
// key is missing or does not parse.
func (r *Repository) GetFloat(key string, defaultValue float64) (float64, error) {
	return r.number(key, defaultValue)
}

// SetFloat stores a float64 setting value.
func (r *Repository) SetFloat(key string, value float64) error {
	return r.Set(key, strconv.FormatFloat(value, 'f', -1, 64), nil)
}

// GetInt retrieves a setting value as an integer. Values are parsed as
// floats first so "12.0" reads back as 12.
func (r *Repository) GetInt(key string, defaultValue int) (int, error) {
	f, err := r.number(key, float64(defaultValue))
	return int(f), err
}

// SetInt stores an integer setting value.
func (r *Repository) SetInt(key string, value int) error {
	return r.Set(key, strconv.Itoa(value), nil)
}

// GetBool retrieves a setting value as boolean.
// Recognizes "true", "1", "yes" and "on" as truthy; everything else is false.
func (r *Repository) GetBool(key string, defaultValue bool) (bool, error) {
	value, err := r.Get(key)
	if err != nil || value == nil {
		return defaultValue, err
	}

	switch *value {
	case "true", "1", "yes", "on":
		return true, nil
	}
	return false, nil
}

// SetBool stores a boolean setting value as "true" or "false".
func (r *Repository) SetBool(key string, value bool) error {
	return r.Set(key, strconv.FormatBool(value), nil)
}

// Delete removes a setting. Idempotent: deleting a missing key is not an error.
func (r *Repository) Delete(key string) error {
	_, err := r.db.Exec("DELETE FROM settings WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}
