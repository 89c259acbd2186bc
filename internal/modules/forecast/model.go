// Package forecast implements the forecasting model registry, the concrete
// forecast models (GBM Monte Carlo, auto-tuned ARIMA), and the ensemble
// engine that combines their outputs per ticker.
package forecast

import (
	"context"
	"fmt"
	"strings"

	"github.com/aristath/astrolabe/internal/history"
)

// DefaultSimulations is the Monte Carlo path count used when a request does
// not specify one.
const DefaultSimulations = 1000

// Minimum usable observations per model. Tickers below the threshold are
// reported with a per-ticker error, never as a batch failure.
const (
	gbmMinHistory   = 30
	arimaMinHistory = 60
)

// ScenarioAdjustment perturbs a model's native drift/volatility estimate:
// drift is shifted additively, volatility scaled by (1 + VolAdj).
type ScenarioAdjustment struct {
	DriftAdj float64 `json:"drift_adj" msgpack:"drift_adj"`
	VolAdj   float64 `json:"vol_adj" msgpack:"vol_adj"`
}

// Request is a single model invocation over a shared price history.
type Request struct {
	Tickers     []string
	HorizonDays int
	History     map[string][]history.Candle
	Simulations int
	Scenarios   map[string]ScenarioAdjustment
	FastMode    bool
}

// Model is the strategy interface every forecast model implements.
// Implementations must skip (not fail the batch for) tickers with
// insufficient history, and must not share mutable state between tickers.
type Model interface {
	Name() string
	Forecast(ctx context.Context, req Request) (map[string]*TickerForecast, error)
}

// Distribution summarizes the terminal price cross-section of a forecast.
// Monte Carlo models fill the moments and percentiles; analytic models fill
// Lower/Upper from their confidence interval.
type Distribution struct {
	Mean        float64            `json:"mean" msgpack:"mean"`
	Median      float64            `json:"median" msgpack:"median"`
	Std         float64            `json:"std,omitempty" msgpack:"std"`
	Min         float64            `json:"min,omitempty" msgpack:"min"`
	Max         float64            `json:"max,omitempty" msgpack:"max"`
	Lower       float64            `json:"lower,omitempty" msgpack:"lower"`
	Upper       float64            `json:"upper,omitempty" msgpack:"upper"`
	Percentiles map[string]float64 `json:"percentiles,omitempty" msgpack:"percentiles"`
}

// ReturnMetrics expresses the forecast as fractional returns off the current
// price.
type ReturnMetrics struct {
	MeanReturn   float64 `json:"mean_return" msgpack:"mean_return"`
	MedianReturn float64 `json:"median_return,omitempty" msgpack:"median_return"`
	LowerReturn  float64 `json:"lower_return,omitempty" msgpack:"lower_return"`
	UpperReturn  float64 `json:"upper_return,omitempty" msgpack:"upper_return"`
	ProbPositive float64 `json:"prob_positive_return,omitempty" msgpack:"prob_positive_return"`
}

// HorizonSnapshot is the path statistics at one intermediate horizon.
type HorizonSnapshot struct {
	Days        int     `json:"days" msgpack:"days"`
	MeanPrice   float64 `json:"mean_price" msgpack:"mean_price"`
	MedianPrice float64 `json:"median_price" msgpack:"median_price"`
	MeanReturn  float64 `json:"mean_return" msgpack:"mean_return"`
	ProbProfit  float64 `json:"prob_profit" msgpack:"prob_profit"`
}

// Regime is a lightweight market-regime classification derived from recent
// price behavior and fitted model parameters.
type Regime struct {
	Trend            string `json:"trend" msgpack:"trend"`
	VolatilityRegime string `json:"volatility_regime" msgpack:"volatility_regime"`
	Momentum         string `json:"momentum" msgpack:"momentum"`
	MeanReverting    bool   `json:"mean_reverting" msgpack:"mean_reverting"`
}

// ForecastPath carries the per-step forecast band for charting.
type ForecastPath struct {
	Mean  []float64 `json:"mean" msgpack:"mean"`
	Lower []float64 `json:"lower" msgpack:"lower"`
	Upper []float64 `json:"upper" msgpack:"upper"`
}

// TickerForecast is one model's output for one ticker. Either Error is set
// or the forecast fields are populated.
type TickerForecast struct {
	Model        string                     `json:"model" msgpack:"model"`
	Error        string                     `json:"error,omitempty" msgpack:"error"`
	CurrentPrice float64                    `json:"current_price,omitempty" msgpack:"current_price"`
	HorizonDays  int                        `json:"horizon_days,omitempty" msgpack:"horizon_days"`
	Simulations  int                        `json:"simulations,omitempty" msgpack:"simulations"`
	Parameters   map[string]float64         `json:"parameters,omitempty" msgpack:"parameters"`
	Terminal     *Distribution              `json:"terminal,omitempty" msgpack:"terminal"`
	Returns      *ReturnMetrics             `json:"return_metrics,omitempty" msgpack:"return_metrics"`
	Horizons     map[string]HorizonSnapshot `json:"horizon_stats,omitempty" msgpack:"horizon_stats"`
	Regime       *Regime                    `json:"regime,omitempty" msgpack:"regime"`
	Path         *ForecastPath              `json:"forecast_path,omitempty" msgpack:"forecast_path"`
}

// Failed reports whether this entry carries an error instead of a forecast.
func (f *TickerForecast) Failed() bool {
	return f == nil || f.Error != ""
}

// HorizonToDays converts a horizon name to trading days. Unrecognized names
// default to one year.
func HorizonToDays(horizon string) int {
	switch strings.ReplaceAll(strings.ToLower(horizon), " ", "") {
	case "1mo":
		return 21
	case "3mo":
		return 63
	case "6mo":
		return 126
	case "1y":
		return 252
	case "2y":
		return 504
	default:
		return 252
	}
}

// horizonLabel names a trading-day horizon for snapshot maps.
func horizonLabel(days int) string {
	switch days {
	case 21:
		return "1_month"
	case 63:
		return "3_months"
	case 126:
		return "6_months"
	case 252:
		return "1_year"
	default:
		return fmt.Sprintf("%d_days", days)
	}
}

// snapshotDays returns the intermediate horizons to report for a forecast of
// the given length: 1mo/3mo/6mo plus the final day, deduplicated.
func snapshotDays(horizonDays int) []int {
	candidates := []int{21, 63, 126, horizonDays}
	days := make([]int, 0, len(candidates))
	seen := make(map[int]bool)
	for _, d := range candidates {
		if d <= 0 || d > horizonDays || seen[d] {
			continue
		}
		seen[d] = true
		days = append(days, d)
	}
	return days
}
