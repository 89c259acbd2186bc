package forecast

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/astrolabe/internal/history"
)

// syntheticCandles builds n daily candles whose closes follow the given
// return sequence, cycling it as needed.
func syntheticCandles(n int, start float64, returns ...float64) []history.Candle {
	candles := make([]history.Candle, n)
	price := start
	base := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		if i > 0 && len(returns) > 0 {
			price *= 1 + returns[(i-1)%len(returns)]
		}
		candles[i] = history.Candle{Date: base.AddDate(0, 0, i), Close: price}
	}
	return candles
}

func TestGBMDeterministicWhenVolatilityIsZero(t *testing.T) {
	// Constant daily growth means zero estimated volatility, so every path
	// collapses onto the analytic drift solution.
	candles := syntheticCandles(100, 100, 0.001)
	gbm := NewGBMWithSeed(42, zerolog.Nop())

	results, err := gbm.Forecast(context.Background(), Request{
		Tickers:     []string{"VWCE.DE"},
		HorizonDays: 63,
		History:     map[string][]history.Candle{"VWCE.DE": candles},
		Simulations: 500,
	})
	require.NoError(t, err)

	fc := results["VWCE.DE"]
	require.False(t, fc.Failed(), "forecast error: %s", fc.Error)

	wantReturn := math.Exp(0.001*63) - 1
	assert.InDelta(t, wantReturn, fc.Returns.MeanReturn, 1e-6)
	assert.InDelta(t, wantReturn, fc.Returns.MedianReturn, 1e-6)
	assert.InDelta(t, 1.0, fc.Returns.ProbPositive, 1e-9)
	assert.InDelta(t, fc.Terminal.Mean, fc.Terminal.Min, 1e-6)
	assert.InDelta(t, fc.Terminal.Mean, fc.Terminal.Max, 1e-6)
	assert.InDelta(t, 0.0, fc.Terminal.Std, 1e-6)
}

func TestGBMSeededStatistics(t *testing.T) {
	// Alternating +2%/-1% returns: mean daily return 0.005, so the terminal
	// mean should land near S0*exp(0.005*63).
	candles := syntheticCandles(200, 100, 0.02, -0.01)
	gbm := NewGBMWithSeed(7, zerolog.Nop())

	results, err := gbm.Forecast(context.Background(), Request{
		Tickers:     []string{"AAPL.US"},
		HorizonDays: 63,
		History:     map[string][]history.Candle{"AAPL.US": candles},
		Simulations: 2000,
	})
	require.NoError(t, err)

	fc := results["AAPL.US"]
	require.False(t, fc.Failed(), "forecast error: %s", fc.Error)

	wantReturn := math.Exp(0.005*63) - 1
	assert.InDelta(t, wantReturn, fc.Returns.MeanReturn, 0.08,
		"terminal mean return should be near the analytic drift solution")
	assert.Greater(t, fc.Returns.ProbPositive, 0.8, "strong uptrend should mostly finish positive")

	// Two-sided percentile ordering
	p1 := fc.Terminal.Percentiles["percentile_1"]
	p10 := fc.Terminal.Percentiles["percentile_10"]
	p90 := fc.Terminal.Percentiles["percentile_90"]
	p99 := fc.Terminal.Percentiles["percentile_99"]
	assert.Less(t, p1, p10)
	assert.Less(t, p10, fc.Terminal.Median)
	assert.Less(t, fc.Terminal.Median, p90)
	assert.Less(t, p90, p99)
	assert.GreaterOrEqual(t, fc.Terminal.Max, p99)
	assert.LessOrEqual(t, fc.Terminal.Min, p1)

	// Snapshots at 1mo and the final horizon
	require.Contains(t, fc.Horizons, "1_month")
	require.Contains(t, fc.Horizons, "3_months")
	assert.Equal(t, 21, fc.Horizons["1_month"].Days)
	assert.Equal(t, 63, fc.Horizons["3_months"].Days)
	assert.Greater(t, fc.Horizons["3_months"].MeanPrice, fc.Horizons["1_month"].MeanPrice,
		"positive drift should grow the mean price between snapshots")
}

func TestGBMSameSeedSameResult(t *testing.T) {
	candles := syntheticCandles(120, 50, 0.01, -0.005)
	req := Request{
		Tickers:     []string{"MSFT.US"},
		HorizonDays: 21,
		History:     map[string][]history.Candle{"MSFT.US": candles},
		Simulations: 300,
	}

	first, err := NewGBMWithSeed(99, zerolog.Nop()).Forecast(context.Background(), req)
	require.NoError(t, err)
	second, err := NewGBMWithSeed(99, zerolog.Nop()).Forecast(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first["MSFT.US"].Terminal.Mean, second["MSFT.US"].Terminal.Mean)
	assert.Equal(t, first["MSFT.US"].Terminal.Percentiles, second["MSFT.US"].Terminal.Percentiles)
}

func TestGBMScenarioAdjustment(t *testing.T) {
	candles := syntheticCandles(150, 100, 0.01, -0.008)
	req := func(scenarios map[string]ScenarioAdjustment) Request {
		return Request{
			Tickers:     []string{"VWCE.DE"},
			HorizonDays: 42,
			History:     map[string][]history.Candle{"VWCE.DE": candles},
			Simulations: 1000,
			Scenarios:   scenarios,
		}
	}

	base, err := NewGBMWithSeed(11, zerolog.Nop()).Forecast(context.Background(), req(nil))
	require.NoError(t, err)
	bear, err := NewGBMWithSeed(11, zerolog.Nop()).Forecast(context.Background(), req(map[string]ScenarioAdjustment{
		"VWCE.DE": {DriftAdj: -0.30, VolAdj: 0.5},
	}))
	require.NoError(t, err)

	assert.Less(t, bear["VWCE.DE"].Returns.MeanReturn, base["VWCE.DE"].Returns.MeanReturn,
		"a negative drift adjustment must lower the expected return")
	assert.Greater(t, bear["VWCE.DE"].Parameters["annual_volatility"], base["VWCE.DE"].Parameters["annual_volatility"],
		"a positive vol adjustment must raise the simulated volatility")
	assert.InDelta(t, -0.30, bear["VWCE.DE"].Parameters["drift_adjustment"], 1e-9)
}

func TestGBMInsufficientHistory(t *testing.T) {
	gbm := NewGBMWithSeed(1, zerolog.Nop())

	results, err := gbm.Forecast(context.Background(), Request{
		Tickers:     []string{"NEW.US", "GHOST.US"},
		HorizonDays: 21,
		History:     map[string][]history.Candle{"NEW.US": syntheticCandles(10, 100, 0.001)},
		Simulations: 100,
	})
	require.NoError(t, err)

	require.Contains(t, results, "NEW.US")
	assert.True(t, results["NEW.US"].Failed())
	assert.NotEmpty(t, results["NEW.US"].Error)

	// Tickers absent from the history map are skipped entirely
	assert.NotContains(t, results, "GHOST.US")
}
