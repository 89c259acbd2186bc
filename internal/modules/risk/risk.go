// Package risk computes per-ticker risk metrics: VaR and CVaR at multiple
// confidence levels, drawdown statistics over configurable look-back windows,
// and Sharpe/Sortino ratios. All functions are pure over return or price
// series; AllMetrics batches them across tickers from the history provider.
package risk

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"

	"github.com/aristath/astrolabe/internal/history"
	"github.com/aristath/astrolabe/pkg/formulas"
)

// VaR calculation methods.
const (
	MethodHistorical = "historical"
	MethodParametric = "parametric"
	MethodBoth       = "both"
)

const tradingDaysPerYear = 252

// DefaultConfidenceLevels are the confidence levels AllMetrics reports
// VaR/CVaR at.
var DefaultConfidenceLevels = []float64{0.95, 0.99}

// DefaultDrawdownWindows are the look-back windows (trading days) AllMetrics
// reports windowed drawdowns for.
var DefaultDrawdownWindows = []int{1, 5, 20, 60}

// VaRResult holds Value-at-Risk estimates for one confidence level. The
// historical and parametric fields are set according to the requested method.
type VaRResult struct {
	Historical *float64 `json:"var_historical,omitempty" msgpack:"var_historical"`
	Parametric *float64 `json:"var_parametric,omitempty" msgpack:"var_parametric"`
	MeanReturn float64  `json:"mean_return" msgpack:"mean_return"`
	Volatility float64  `json:"volatility" msgpack:"volatility"`
	Confidence float64  `json:"confidence" msgpack:"confidence"`
}

// CVaRResult is the expected shortfall at one confidence level.
type CVaRResult struct {
	CVaR             float64 `json:"cvar" msgpack:"cvar"`
	Threshold        float64 `json:"var_threshold" msgpack:"var_threshold"`
	Confidence       float64 `json:"confidence" msgpack:"confidence"`
	TailObservations int     `json:"tail_observations" msgpack:"tail_observations"`
}

// WindowDrawdown is the drawdown summary over one look-back window.
type WindowDrawdown struct {
	Max float64 `json:"max" msgpack:"max"`
	Avg float64 `json:"avg" msgpack:"avg"`
}

// DrawdownReport summarizes the drawdown series of a price history.
// Drawdowns are negative fractions: -0.25 means 25% below the running peak.
type DrawdownReport struct {
	MaxDrawdown     float64                   `json:"max_drawdown" msgpack:"max_drawdown"`
	AvgDrawdown     float64                   `json:"avg_drawdown" msgpack:"avg_drawdown"`
	CurrentDrawdown float64                   `json:"current_drawdown" msgpack:"current_drawdown"`
	RecoveryDays    int                       `json:"recovery_days" msgpack:"recovery_days"`
	Windows         map[string]WindowDrawdown `json:"period_drawdowns,omitempty" msgpack:"period_drawdowns"`
}

// SharpeReport is the annualized Sharpe ratio with its inputs.
type SharpeReport struct {
	SharpeRatio      float64 `json:"sharpe_ratio" msgpack:"sharpe_ratio"`
	AnnualReturn     float64 `json:"annual_return" msgpack:"annual_return"`
	AnnualVolatility float64 `json:"annual_volatility" msgpack:"annual_volatility"`
	RiskFreeRate     float64 `json:"risk_free_rate" msgpack:"risk_free_rate"`
}

// SortinoReport is the annualized Sortino ratio with its inputs.
type SortinoReport struct {
	SortinoRatio            float64 `json:"sortino_ratio" msgpack:"sortino_ratio"`
	AnnualReturn            float64 `json:"annual_return" msgpack:"annual_return"`
	AnnualDownsideDeviation float64 `json:"annual_downside_deviation" msgpack:"annual_downside_deviation"`
}

// ReturnSummary carries the headline return statistics for one ticker.
type ReturnSummary struct {
	TotalReturn      float64 `json:"total_return" msgpack:"total_return"`
	AnnualVolatility float64 `json:"annual_volatility" msgpack:"annual_volatility"`
	AvgDailyReturn   float64 `json:"avg_daily_return" msgpack:"avg_daily_return"`
	WorstDayReturn   float64 `json:"worst_day_return" msgpack:"worst_day_return"`
	BestDayReturn    float64 `json:"best_day_return" msgpack:"best_day_return"`
}

// Metrics is the full per-ticker risk report. VaR and CVaR are keyed by
// confidence level ("var_95", "cvar_99").
type Metrics struct {
	VaR      map[string]*VaRResult  `json:"var" msgpack:"var"`
	CVaR     map[string]*CVaRResult `json:"cvar" msgpack:"cvar"`
	Drawdown *DrawdownReport        `json:"drawdown" msgpack:"drawdown"`
	Sharpe   *SharpeReport          `json:"sharpe" msgpack:"sharpe"`
	Sortino  *SortinoReport         `json:"sortino" msgpack:"sortino"`
	Summary  *ReturnSummary         `json:"summary" msgpack:"summary"`
}

// StressScenario is a named additive shock to expected returns.
type StressScenario struct {
	Name  string  `json:"name" msgpack:"name"`
	Shock float64 `json:"shock" msgpack:"shock"`
}

// DefaultStressScenarios are the shocks applied when the caller supplies none.
var DefaultStressScenarios = []StressScenario{
	{Name: "market_crash", Shock: -0.20},
	{Name: "correction", Shock: -0.10},
	{Name: "rally", Shock: 0.10},
}

// StressResult is one ticker's outcome under one stress scenario.
type StressResult struct {
	CurrentPrice   float64 `json:"current_price" msgpack:"current_price"`
	BaseReturn     float64 `json:"base_return" msgpack:"base_return"`
	Shock          float64 `json:"shock" msgpack:"shock"`
	StressedReturn float64 `json:"stressed_return" msgpack:"stressed_return"`
	StressedPrice  float64 `json:"stressed_price" msgpack:"stressed_price"`
	PctChange      float64 `json:"pct_change" msgpack:"pct_change"`
}

// Calculator computes risk metrics. It is stateless apart from its defaults
// and safe for concurrent use.
type Calculator struct {
	provider       history.Provider
	riskFree       float64
	periodsPerYear int
	log            zerolog.Logger
}

// NewCalculator creates a risk calculator. The provider feeds AllMetrics;
// the risk-free rate is annual.
func NewCalculator(provider history.Provider, riskFreeRate float64, log zerolog.Logger) *Calculator {
	return &Calculator{
		provider:       provider,
		riskFree:       riskFreeRate,
		periodsPerYear: tradingDaysPerYear,
		log:            log.With().Str("component", "risk").Logger(),
	}
}

// VaR computes Value at Risk for the given confidence level. Historical VaR
// is the empirical (1-confidence) quantile; parametric VaR assumes normal
// returns.
func (c *Calculator) VaR(returns []float64, confidence float64, method string) (*VaRResult, error) {
	if len(returns) == 0 {
		return nil, fmt.Errorf("empty returns series")
	}

	result := &VaRResult{Confidence: confidence}

	switch method {
	case MethodHistorical:
		v := formulas.CalculateHistoricalVaR(returns, confidence)
		result.Historical = &v
	case MethodParametric:
		v := formulas.CalculateParametricVaR(returns, confidence)
		result.Parametric = &v
		result.MeanReturn = formulas.Mean(returns)
		result.Volatility = formulas.StdDev(returns)
	case MethodBoth:
		h := formulas.CalculateHistoricalVaR(returns, confidence)
		p := formulas.CalculateParametricVaR(returns, confidence)
		result.Historical = &h
		result.Parametric = &p
		result.MeanReturn = formulas.Mean(returns)
		result.Volatility = formulas.StdDev(returns)
	default:
		return nil, fmt.Errorf("unknown VaR method %q", method)
	}

	return result, nil
}

// CVaR computes the expected shortfall: the mean of all returns at or below
// the historical VaR threshold. By construction CVaR ≤ VaR.
func (c *Calculator) CVaR(returns []float64, confidence float64) (*CVaRResult, error) {
	if len(returns) == 0 {
		return nil, fmt.Errorf("empty returns series")
	}

	threshold := formulas.CalculateHistoricalVaR(returns, confidence)

	sum := 0.0
	count := 0
	for _, r := range returns {
		if r <= threshold {
			sum += r
			count++
		}
	}

	cvar := threshold
	if count > 0 {
		cvar = sum / float64(count)
	}

	return &CVaRResult{
		CVaR:             cvar,
		Threshold:        threshold,
		Confidence:       confidence,
		TailObservations: count,
	}, nil
}

// Drawdown builds the cumulative-return series from prices, tracks its
// running maximum, and reports the global maximum, average and current
// drawdown plus a max/avg summary per requested look-back window.
func (c *Calculator) Drawdown(prices []float64, windows []int) (*DrawdownReport, error) {
	if len(prices) < 2 {
		return nil, fmt.Errorf("insufficient price series for drawdown")
	}

	returns := formulas.CalculateReturns(prices)
	drawdowns := make([]float64, len(returns))
	cumulative := 1.0
	runningMax := math.Inf(-1)
	for i, r := range returns {
		cumulative *= 1 + r
		if cumulative > runningMax {
			runningMax = cumulative
		}
		drawdowns[i] = (cumulative - runningMax) / runningMax
	}

	report := &DrawdownReport{
		MaxDrawdown:     floats.Min(drawdowns),
		AvgDrawdown:     formulas.Mean(drawdowns),
		CurrentDrawdown: drawdowns[len(drawdowns)-1],
		RecoveryDays:    formulas.CalculateRecoveryDays(prices),
	}

	if len(windows) > 0 {
		report.Windows = make(map[string]WindowDrawdown, len(windows))
		for _, window := range windows {
			if window <= 0 || len(drawdowns) < window {
				continue
			}
			tail := drawdowns[len(drawdowns)-window:]
			report.Windows[fmt.Sprintf("%d_day", window)] = WindowDrawdown{
				Max: floats.Min(tail),
				Avg: formulas.Mean(tail),
			}
		}
	}

	return report, nil
}

// Sharpe computes the annualized Sharpe ratio of daily returns against the
// calculator's risk-free rate. A zero-deviation series yields a zero ratio.
func (c *Calculator) Sharpe(returns []float64) *SharpeReport {
	report := &SharpeReport{RiskFreeRate: c.riskFree}
	if len(returns) == 0 {
		return report
	}

	dailyRf := c.riskFree / float64(c.periodsPerYear)
	report.AnnualReturn = (formulas.Mean(returns) - dailyRf) * float64(c.periodsPerYear)
	report.AnnualVolatility = formulas.StdDev(returns) * math.Sqrt(float64(c.periodsPerYear))

	if ratio := formulas.CalculateSharpeRatio(returns, c.riskFree, c.periodsPerYear); ratio != nil {
		report.SharpeRatio = *ratio
	}
	return report
}

// Sortino computes the annualized Sortino ratio: excess return over
// downside-only deviation, target 0. A series with no downside yields a zero
// ratio.
func (c *Calculator) Sortino(returns []float64) *SortinoReport {
	report := &SortinoReport{}
	if len(returns) == 0 {
		return report
	}

	dailyRf := c.riskFree / float64(c.periodsPerYear)
	report.AnnualReturn = (formulas.Mean(returns) - dailyRf) * float64(c.periodsPerYear)

	var downsideSquaredSum float64
	downsideCount := 0
	for _, r := range returns {
		if r < 0 {
			downsideSquaredSum += r * r
			downsideCount++
		}
	}
	if downsideCount > 0 {
		report.AnnualDownsideDeviation = math.Sqrt(downsideSquaredSum/float64(downsideCount)) * math.Sqrt(float64(c.periodsPerYear))
	}

	if ratio := formulas.CalculateSortinoRatio(returns, c.riskFree, 0, c.periodsPerYear); ratio != nil {
		report.SortinoRatio = *ratio
	}
	return report
}

// AllMetrics fetches price history for the tickers and computes the full
// metric set for each. Tickers without a usable close series are skipped,
// never fatal to the batch.
func (c *Calculator) AllMetrics(ctx context.Context, tickers []string, period string) (map[string]*Metrics, error) {
	if period == "" {
		period = "1y"
	}

	allHistory, err := c.provider.HistoricalData(ctx, tickers, period, "1d")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch price history: %w", err)
	}

	results := make(map[string]*Metrics, len(tickers))
	for _, ticker := range tickers {
		closes := history.CloseSeries(allHistory[ticker])
		if len(closes) < 2 {
			c.log.Debug().Str("ticker", ticker).Msg("Skipping ticker without usable close prices")
			continue
		}
		results[ticker] = c.compute(closes)
	}
	return results, nil
}

func (c *Calculator) compute(closes []float64) *Metrics {
	returns := formulas.CalculateReturns(closes)

	metrics := &Metrics{
		VaR:     make(map[string]*VaRResult, len(DefaultConfidenceLevels)),
		CVaR:    make(map[string]*CVaRResult, len(DefaultConfidenceLevels)),
		Sharpe:  c.Sharpe(returns),
		Sortino: c.Sortino(returns),
	}

	for _, conf := range DefaultConfidenceLevels {
		pct := int(math.Round(conf * 100))
		if v, err := c.VaR(returns, conf, MethodBoth); err == nil {
			metrics.VaR[fmt.Sprintf("var_%d", pct)] = v
		}
		if cv, err := c.CVaR(returns, conf); err == nil {
			metrics.CVaR[fmt.Sprintf("cvar_%d", pct)] = cv
		}
	}

	if dd, err := c.Drawdown(closes, DefaultDrawdownWindows); err == nil {
		metrics.Drawdown = dd
	}

	metrics.Summary = &ReturnSummary{
		TotalReturn:      closes[len(closes)-1]/closes[0] - 1,
		AnnualVolatility: formulas.AnnualizedVolatility(returns),
		AvgDailyReturn:   formulas.Mean(returns),
		WorstDayReturn:   floats.Min(returns),
		BestDayReturn:    floats.Max(returns),
	}

	return metrics
}

// StressTest applies additive return shocks per scenario to each ticker's
// base expected return and reprices it. Tickers without a base return are
// skipped.
func (c *Calculator) StressTest(currentPrices, baseReturns map[string]float64, scenarios []StressScenario) map[string]map[string]*StressResult {
	if len(scenarios) == 0 {
		scenarios = DefaultStressScenarios
	}

	results := make(map[string]map[string]*StressResult, len(scenarios))
	for _, scenario := range scenarios {
		scenarioResults := make(map[string]*StressResult, len(currentPrices))
		for ticker, price := range currentPrices {
			base, ok := baseReturns[ticker]
			if !ok {
				continue
			}
			stressed := base + scenario.Shock
			stressedPrice := price * (1 + stressed)
			scenarioResults[ticker] = &StressResult{
				CurrentPrice:   price,
				BaseReturn:     base,
				Shock:          scenario.Shock,
				StressedReturn: stressed,
				StressedPrice:  stressedPrice,
				PctChange:      stressedPrice/price - 1,
			}
		}
		results[scenario.Name] = scenarioResults
	}
	return results
}
