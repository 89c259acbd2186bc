package history

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/astrolabe/internal/database"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{Path: ":memory:", Profile: database.ProfileStandard, Name: "history_test"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func day(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := time.Parse("2006-01-02", s)
	require.NoError(t, err)
	return parsed
}

func TestHistoricalDataRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	h, err := NewDB(db, zerolog.Nop())
	require.NoError(t, err)

	candles := []Candle{
		{Date: day(t, "2024-01-02"), Open: 100, High: 102, Low: 99, Close: 101, Volume: 1000},
		{Date: day(t, "2024-01-03"), Open: 101, High: 104, Low: 100, Close: 103, Volume: 1200},
		{Date: day(t, "2024-01-04"), Open: 103, High: 103, Low: 98, Close: 99, Volume: 900},
	}
	require.NoError(t, h.UpsertDailyPrices(context.Background(), "AAPL.US", candles))

	data, err := h.HistoricalData(context.Background(), []string{"AAPL.US"}, "5y", "1d")
	require.NoError(t, err)
	require.Len(t, data["AAPL.US"], 3)

	// Ascending order, values preserved
	assert.Equal(t, 101.0, data["AAPL.US"][0].Close)
	assert.Equal(t, 103.0, data["AAPL.US"][1].Close)
	assert.Equal(t, 99.0, data["AAPL.US"][2].Close)
	assert.True(t, data["AAPL.US"][0].Date.Before(data["AAPL.US"][1].Date))
}

func TestHistoricalDataMissingTickerIsEmptyNotError(t *testing.T) {
	db := setupTestDB(t)
	h, err := NewDB(db, zerolog.Nop())
	require.NoError(t, err)

	data, err := h.HistoricalData(context.Background(), []string{"UNKNOWN.US"}, "1y", "1d")
	require.NoError(t, err)
	assert.Empty(t, data["UNKNOWN.US"])
}

func TestHistoricalDataUpsertOverwrites(t *testing.T) {
	db := setupTestDB(t)
	h, err := NewDB(db, zerolog.Nop())
	require.NoError(t, err)

	d := day(t, "2024-01-02")
	require.NoError(t, h.UpsertDailyPrices(context.Background(), "MSFT.US", []Candle{{Date: d, Close: 100}}))
	require.NoError(t, h.UpsertDailyPrices(context.Background(), "MSFT.US", []Candle{{Date: d, Close: 105}}))

	data, err := h.HistoricalData(context.Background(), []string{"MSFT.US"}, "5y", "1d")
	require.NoError(t, err)
	require.Len(t, data["MSFT.US"], 1)
	assert.Equal(t, 105.0, data["MSFT.US"][0].Close)
}

func TestLatestPrices(t *testing.T) {
	db := setupTestDB(t)
	h, err := NewDB(db, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, h.UpsertDailyPrices(context.Background(), "VWCE.DE", []Candle{
		{Date: day(t, "2024-01-02"), Close: 100},
		{Date: day(t, "2024-01-05"), Close: 108},
		{Date: day(t, "2024-01-03"), Close: 104},
	}))

	prices, err := h.LatestPrices(context.Background(), []string{"VWCE.DE", "MISSING.US"})
	require.NoError(t, err)
	assert.Equal(t, 108.0, prices["VWCE.DE"])
	_, ok := prices["MISSING.US"]
	assert.False(t, ok, "missing tickers should be omitted")
}

func TestDividendHistory(t *testing.T) {
	db := setupTestDB(t)
	h, err := NewDB(db, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, h.UpsertDividends(context.Background(), "O.US", []Dividend{
		{Date: day(t, "2024-01-15"), Amount: 0.25},
		{Date: day(t, "2024-02-15"), Amount: 0.26},
	}))

	data, err := h.DividendHistory(context.Background(), []string{"O.US"}, "5y")
	require.NoError(t, err)
	require.Len(t, data["O.US"], 2)
	assert.Equal(t, 0.25, data["O.US"][0].Amount)
	assert.Equal(t, 0.26, data["O.US"][1].Amount)
}

func TestCloseSeriesSkipsBadRows(t *testing.T) {
	candles := []Candle{
		{Close: 100},
		{Close: 0},
		{Close: -5},
		{Close: 102},
	}
	assert.Equal(t, []float64{100, 102}, CloseSeries(candles))
}

func TestDailyReturns(t *testing.T) {
	candles := []Candle{{Close: 100}, {Close: 110}, {Close: 99}}
	returns := DailyReturns(candles)
	require.Len(t, returns, 2)
	assert.InDelta(t, 0.10, returns[0], 1e-10)
	assert.InDelta(t, -0.10, returns[1], 1e-10)

	assert.Empty(t, DailyReturns([]Candle{{Close: 100}}))
}

func TestTrailingDividendYield(t *testing.T) {
	now := day(t, "2024-06-01")
	dividends := []Dividend{
		{Date: day(t, "2024-03-01"), Amount: 0.5},
		{Date: day(t, "2023-09-01"), Amount: 0.5},
		{Date: day(t, "2022-01-01"), Amount: 2.0}, // outside trailing year
	}
	yield := TrailingDividendYield(dividends, 100, now)
	assert.InDelta(t, 0.01, yield, 1e-10)

	assert.Equal(t, 0.0, TrailingDividendYield(dividends, 0, now))
}

func TestSortCandlesDedupes(t *testing.T) {
	d1 := day(t, "2024-01-02")
	d2 := day(t, "2024-01-03")
	candles := []Candle{
		{Date: d2, Close: 103},
		{Date: d1, Close: 100},
		{Date: d1, Close: 101}, // duplicate date, later occurrence wins
	}
	sorted := SortCandles(candles)
	require.Len(t, sorted, 2)
	assert.Equal(t, 101.0, sorted[0].Close)
	assert.Equal(t, 103.0, sorted[1].Close)
}

func TestParsePeriod(t *testing.T) {
	now := day(t, "2024-06-15")

	tests := []struct {
		name    string
		period  string
		want    time.Time
		wantErr bool
	}{
		{name: "one year", period: "1y", want: day(t, "2023-06-15")},
		{name: "two years", period: "2y", want: day(t, "2022-06-15")},
		{name: "six months", period: "6mo", want: day(t, "2023-12-15")},
		{name: "ninety days", period: "90d", want: day(t, "2024-03-17")},
		{name: "empty defaults to one year", period: "", want: day(t, "2023-06-15")},
		{name: "garbage", period: "soon", wantErr: true},
		{name: "negative", period: "-1y", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePeriod(tt.period, now)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %v, want %v", got, tt.want)
		})
	}
}
