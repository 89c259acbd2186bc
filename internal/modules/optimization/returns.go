package optimization

import (
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
)

// ReturnsCalculator derives the expected annual return vector the
// optimizer consumes: forward-looking forecast returns when available,
// otherwise a historical estimate from the covariance window. Both paths
// add trailing dividend yield and subtract the fund expense ratio.
type ReturnsCalculator struct {
	log zerolog.Logger
}

// NewReturnsCalculator creates a returns calculator.
func NewReturnsCalculator(log zerolog.Logger) *ReturnsCalculator {
	return &ReturnsCalculator{
		log: log.With().Str("component", "returns").Logger(),
	}
}

// FromForecast adjusts annualized ensemble returns for income and cost:
// + trailing dividend yield − expense ratio per ticker. Tickers absent
// from the forecast map are omitted.
func (rc *ReturnsCalculator) FromForecast(annualized, dividendYields, expenseRatios map[string]float64) map[string]float64 {
	expected := make(map[string]float64, len(annualized))
	for ticker, ret := range annualized {
		expected[ticker] = ret + dividendYields[ticker] - expenseRatios[ticker]
	}
	rc.log.Info().
		Int("num_tickers", len(expected)).
		Str("source", "forecast").
		Msg("Calculated expected returns")
	return expected
}

// Historical estimates expected annual returns from the same daily return
// series that produced the covariance matrix: mean daily return annualized,
// plus dividend yield, minus expense ratio. Used when forecasting is
// unavailable.
func (rc *ReturnsCalculator) Historical(dailyReturns map[string][]float64, dividendYields, expenseRatios map[string]float64) map[string]float64 {
	expected := make(map[string]float64, len(dailyReturns))
	for ticker, returns := range dailyReturns {
		if len(returns) == 0 {
			continue
		}
		annualized := stat.Mean(returns, nil) * tradingDaysPerYear
		expected[ticker] = annualized + dividendYields[ticker] - expenseRatios[ticker]
	}
	rc.log.Info().
		Int("num_tickers", len(expected)).
		Str("source", "historical").
		Msg("Calculated expected returns")
	return expected
}
