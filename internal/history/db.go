package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/astrolabe/internal/database"
)

// fetchConcurrency caps the number of per-ticker queries in flight at once.
const fetchConcurrency = 8

// DB is the SQLite-backed Provider implementation.
type DB struct {
	db  *database.DB
	log zerolog.Logger
}

// NewDB creates a history store on the given database, creating the price and
// dividend tables if needed.
func NewDB(db *database.DB, log zerolog.Logger) (*DB, error) {
	h := &DB{
		db:  db,
		log: log.With().Str("component", "history").Logger(),
	}
	if err := h.ensureSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return h, nil
}

func (h *DB) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS daily_prices (
		ticker TEXT NOT NULL,
		date INTEGER NOT NULL,
		open REAL,
		high REAL,
		low REAL,
		close REAL NOT NULL,
		volume INTEGER,
		PRIMARY KEY (ticker, date)
	);
	CREATE INDEX IF NOT EXISTS idx_daily_prices_ticker_date ON daily_prices(ticker, date DESC);

	CREATE TABLE IF NOT EXISTS dividends (
		ticker TEXT NOT NULL,
		date INTEGER NOT NULL,
		amount REAL NOT NULL,
		PRIMARY KEY (ticker, date)
	);
	`
	_, err := h.db.Exec(schema)
	return err
}

// HistoricalData returns ascending daily candles per ticker since the period
// cutoff. Tickers with no rows map to empty slices.
func (h *DB) HistoricalData(ctx context.Context, tickers []string, period, interval string) (map[string][]Candle, error) {
	cutoff, err := ParsePeriod(period, time.Now())
	if err != nil {
		return nil, err
	}

	results := make([]struct {
		ticker  string
		candles []Candle
	}, len(tickers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, ticker := range tickers {
		g.Go(func() error {
			candles, err := h.candlesSince(gctx, ticker, cutoff)
			if err != nil {
				return fmt.Errorf("failed to load prices for %s: %w", ticker, err)
			}
			results[i].ticker = ticker
			results[i].candles = candles
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	data := make(map[string][]Candle, len(tickers))
	for _, r := range results {
		data[r.ticker] = r.candles
	}
	return data, nil
}

func (h *DB) candlesSince(ctx context.Context, ticker string, cutoff time.Time) ([]Candle, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT date, open, high, low, close, volume
		FROM daily_prices
		WHERE ticker = ? AND date >= ?
		ORDER BY date ASC
	`, ticker, cutoff.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	candles := []Candle{}
	for rows.Next() {
		var (
			dateUnix        int64
			open, high, low sql.NullFloat64
			closePrice      float64
			volume          sql.NullInt64
		)
		if err := rows.Scan(&dateUnix, &open, &high, &low, &closePrice, &volume); err != nil {
			return nil, err
		}
		candles = append(candles, Candle{
			Date:   time.Unix(dateUnix, 0).UTC(),
			Open:   open.Float64,
			High:   high.Float64,
			Low:    low.Float64,
			Close:  closePrice,
			Volume: volume.Int64,
		})
	}
	return candles, rows.Err()
}

// DividendHistory returns dividend payments per ticker since the period cutoff.
func (h *DB) DividendHistory(ctx context.Context, tickers []string, period string) (map[string][]Dividend, error) {
	cutoff, err := ParsePeriod(period, time.Now())
	if err != nil {
		return nil, err
	}

	data := make(map[string][]Dividend, len(tickers))
	for _, ticker := range tickers {
		dividends, err := h.dividendsSince(ctx, ticker, cutoff)
		if err != nil {
			return nil, fmt.Errorf("failed to load dividends for %s: %w", ticker, err)
		}
		data[ticker] = dividends
	}
	return data, nil
}

func (h *DB) dividendsSince(ctx context.Context, ticker string, cutoff time.Time) ([]Dividend, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT date, amount
		FROM dividends
		WHERE ticker = ? AND date >= ?
		ORDER BY date ASC
	`, ticker, cutoff.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	dividends := []Dividend{}
	for rows.Next() {
		var (
			dateUnix int64
			amount   float64
		)
		if err := rows.Scan(&dateUnix, &amount); err != nil {
			return nil, err
		}
		dividends = append(dividends, Dividend{
			Date:   time.Unix(dateUnix, 0).UTC(),
			Amount: amount,
		})
	}
	return dividends, rows.Err()
}

// LatestPrices returns the most recent close per ticker. Tickers with no data
// are omitted from the result.
func (h *DB) LatestPrices(ctx context.Context, tickers []string) (map[string]float64, error) {
	prices := make(map[string]float64, len(tickers))
	for _, ticker := range tickers {
		var closePrice float64
		err := h.db.QueryRowContext(ctx, `
			SELECT close FROM daily_prices
			WHERE ticker = ?
			ORDER BY date DESC
			LIMIT 1
		`, ticker).Scan(&closePrice)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load latest price for %s: %w", ticker, err)
		}
		prices[ticker] = closePrice
	}
	return prices, nil
}

// UpsertDailyPrices inserts or replaces daily candles for a ticker.
func (h *DB) UpsertDailyPrices(ctx context.Context, ticker string, candles []Candle) error {
	return h.db.WithTransaction(func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO daily_prices (ticker, date, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(ticker, date) DO UPDATE SET
				open = excluded.open,
				high = excluded.high,
				low = excluded.low,
				close = excluded.close,
				volume = excluded.volume
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range candles {
			if _, err := stmt.ExecContext(ctx, ticker, c.Date.Unix(), c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertDividends inserts or replaces dividend payments for a ticker.
func (h *DB) UpsertDividends(ctx context.Context, ticker string, dividends []Dividend) error {
	return h.db.WithTransaction(func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO dividends (ticker, date, amount)
			VALUES (?, ?, ?)
			ON CONFLICT(ticker, date) DO UPDATE SET amount = excluded.amount
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, d := range dividends {
			if _, err := stmt.ExecContext(ctx, ticker, d.Date.Unix(), d.Amount); err != nil {
				return err
			}
		}
		return nil
	})
}
