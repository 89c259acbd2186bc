// Package history provides access to historical market data. The Provider
// interface is the boundary the forecasting and optimization code depends on;
// the SQLite-backed DB is the default implementation, fed by whatever sync
// process populates the history database.
package history

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Candle represents a daily OHLCV price point
type Candle struct {
	Date   time.Time `json:"date" msgpack:"date"`
	Open   float64   `json:"open" msgpack:"open"`
	High   float64   `json:"high" msgpack:"high"`
	Low    float64   `json:"low" msgpack:"low"`
	Close  float64   `json:"close" msgpack:"close"`
	Volume int64     `json:"volume,omitempty" msgpack:"volume"`
}

// Dividend represents a single dividend payment
type Dividend struct {
	Date   time.Time `json:"date" msgpack:"date"`
	Amount float64   `json:"amount" msgpack:"amount"`
}

// Provider supplies historical market data. Implementations must tolerate a
// ticker having no data: return an empty slice for it, never an error.
type Provider interface {
	// HistoricalData returns ordered daily candles per ticker for the period
	// (e.g., "1y", "2y"). Interval is advisory; only daily bars are served.
	HistoricalData(ctx context.Context, tickers []string, period, interval string) (map[string][]Candle, error)

	// DividendHistory returns dividend payments per ticker within the period.
	DividendHistory(ctx context.Context, tickers []string, period string) (map[string][]Dividend, error)

	// LatestPrices returns the most recent close per ticker.
	LatestPrices(ctx context.Context, tickers []string) (map[string]float64, error)
}

// CloseSeries extracts the close prices from candles, in order, skipping
// non-positive closes (bad rows must not poison return computations).
func CloseSeries(candles []Candle) []float64 {
	closes := make([]float64, 0, len(candles))
	for _, c := range candles {
		if c.Close > 0 {
			closes = append(closes, c.Close)
		}
	}
	return closes
}

// DailyReturns computes simple daily percentage returns of the close series.
func DailyReturns(candles []Candle) []float64 {
	closes := CloseSeries(candles)
	if len(closes) < 2 {
		return []float64{}
	}
	returns := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		returns[i-1] = (closes[i] - closes[i-1]) / closes[i-1]
	}
	return returns
}

// TrailingDividendYield computes the trailing dividend yield: dividends paid
// over the last 365 days divided by the current price.
func TrailingDividendYield(dividends []Dividend, currentPrice float64, now time.Time) float64 {
	if currentPrice <= 0 {
		return 0
	}
	cutoff := now.AddDate(-1, 0, 0)
	total := 0.0
	for _, d := range dividends {
		if d.Date.After(cutoff) {
			total += d.Amount
		}
	}
	return total / currentPrice
}

// SortCandles orders candles by ascending date, dropping duplicate dates
// (keeping the last occurrence).
func SortCandles(candles []Candle) []Candle {
	if len(candles) < 2 {
		return candles
	}
	sorted := make([]Candle, len(candles))
	copy(sorted, candles)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Date.Before(sorted[j].Date)
	})

	deduped := sorted[:0]
	for i, c := range sorted {
		if i+1 < len(sorted) && sorted[i+1].Date.Equal(c.Date) {
			continue
		}
		deduped = append(deduped, c)
	}
	return deduped
}

// ParsePeriod converts a period string like "1y", "2y", "6mo", "90d" into a
// cutoff time before now. Unrecognized strings default to one year.
func ParsePeriod(period string, now time.Time) (time.Time, error) {
	period = strings.ToLower(strings.TrimSpace(period))
	if period == "" {
		return now.AddDate(-1, 0, 0), nil
	}

	switch {
	case strings.HasSuffix(period, "mo"):
		n, err := strconv.Atoi(strings.TrimSuffix(period, "mo"))
		if err != nil || n <= 0 {
			return time.Time{}, fmt.Errorf("invalid period %q", period)
		}
		return now.AddDate(0, -n, 0), nil
	case strings.HasSuffix(period, "y"):
		n, err := strconv.Atoi(strings.TrimSuffix(period, "y"))
		if err != nil || n <= 0 {
			return time.Time{}, fmt.Errorf("invalid period %q", period)
		}
		return now.AddDate(-n, 0, 0), nil
	case strings.HasSuffix(period, "d"):
		n, err := strconv.Atoi(strings.TrimSuffix(period, "d"))
		if err != nil || n <= 0 {
			return time.Time{}, fmt.Errorf("invalid period %q", period)
		}
		return now.AddDate(0, 0, -n), nil
	}

	return time.Time{}, fmt.Errorf("invalid period %q", period)
}
