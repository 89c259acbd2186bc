package testing

import (
	"time"

	"github.com/aristath/astrolabe/internal/history"
	"github.com/aristath/astrolabe/internal/settings"
)

// CandleSeries builds a daily close series starting at start and compounding
// through the returns cycle. The first candle lands on 2024-01-02.
func CandleSeries(start float64, cycle []float64, days int) []history.Candle {
	base := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	candles := make([]history.Candle, days)
	price := start
	for i := 0; i < days; i++ {
		if i > 0 {
			price *= 1 + cycle[(i-1)%len(cycle)]
		}
		candles[i] = history.Candle{
			Date:  base.AddDate(0, 0, i),
			Open:  price,
			High:  price,
			Low:   price,
			Close: price,
		}
	}
	return candles
}

// Instruments returns a three-fund universe for tests.
func Instruments() []settings.Instrument {
	return []settings.Instrument{
		{Symbol: "AAA.US", Name: "Alpha Fund", Sector: "Equity", ExpenseRatio: 0.002},
		{Symbol: "BBB.US", Name: "Beta Fund", Sector: "Bond", ExpenseRatio: 0.001},
		{Symbol: "CCC.US", Name: "Gamma Fund", Sector: "Equity", ExpenseRatio: 0.003},
	}
}

// NewProvider returns a StubProvider preloaded with price and dividend
// history for the Instruments universe. The three series use different cycle
// lengths so pairwise correlations stay away from ±1.
func NewProvider() *StubProvider {
	return &StubProvider{
		Candles: map[string][]history.Candle{
			"AAA.US": CandleSeries(100, []float64{0.004, -0.002}, 150),
			"BBB.US": CandleSeries(50, []float64{0.002, -0.001, 0.0005}, 150),
			"CCC.US": CandleSeries(80, []float64{0.001, -0.0005, 0.0015, -0.001, 0.0005}, 150),
		},
		Dividends: map[string][]history.Dividend{
			"AAA.US": {{Date: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Amount: 0.5}},
			"CCC.US": {{Date: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), Amount: 0.3}},
		},
	}
}
