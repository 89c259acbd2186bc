// Package backtest replays solved portfolio weights against held-out price
// history. The forward window starts strictly after the split date, so the
// replay never sees the data the weights were chosen on. Each position is
// held without rebalancing; a 60/40 blend of the equal-weight basket and the
// risk-free asset is replayed on the same window as the benchmark.
package backtest

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/aristath/astrolabe/internal/history"
	"github.com/aristath/astrolabe/pkg/formulas"
	"github.com/rs/zerolog"
)

const (
	tradingDaysPerYear = 252

	benchmarkEquityShare = 0.60
	benchmarkCashShare   = 0.40
)

// TaxPolicy resolves the capital-gains rate for an account type and holding
// period.
type TaxPolicy interface {
	TaxRateForAccount(accountType string, holdingPeriodDays int) (float64, error)
}

// TrajectoryPoint is one daily mark of portfolio value.
type TrajectoryPoint struct {
	Date  time.Time `json:"date" msgpack:"date"`
	Value float64   `json:"value" msgpack:"value"`
}

// Metrics summarizes a held-out replay. TotalReturn is after tax;
// PreTaxTotalReturn is the raw trajectory return. MaxDrawdown is negative
// (a 10% drawdown reports as -0.10).
type Metrics struct {
	TotalReturn       float64 `json:"total_return" msgpack:"total_return"`
	PreTaxTotalReturn float64 `json:"pre_tax_total_return" msgpack:"pre_tax_total_return"`
	FinalValue        float64 `json:"final_value" msgpack:"final_value"`
	Volatility        float64 `json:"volatility" msgpack:"volatility"`
	SharpeRatio       float64 `json:"sharpe_ratio" msgpack:"sharpe_ratio"`
	MaxDrawdown       float64 `json:"max_drawdown" msgpack:"max_drawdown"`
	RecoveryDays      int     `json:"recovery_days" msgpack:"recovery_days"`
	CAGR              float64 `json:"cagr" msgpack:"cagr"`
	TaxRate           float64 `json:"tax_rate" msgpack:"tax_rate"`
	CapitalGainsTax   float64 `json:"capital_gains_tax" msgpack:"capital_gains_tax"`
	TaxImpact         float64 `json:"tax_impact" msgpack:"tax_impact"`
	BenchmarkReturn   float64 `json:"benchmark_return" msgpack:"benchmark_return"`
}

// Result is the full backtest output: the pre-tax, after-tax and benchmark
// value trajectories plus summary metrics.
type Result struct {
	Trajectory          []TrajectoryPoint `json:"trajectory" msgpack:"trajectory"`
	AfterTaxTrajectory  []TrajectoryPoint `json:"after_tax_trajectory" msgpack:"after_tax_trajectory"`
	BenchmarkTrajectory []TrajectoryPoint `json:"benchmark_trajectory" msgpack:"benchmark_trajectory"`
	Metrics             Metrics           `json:"metrics" msgpack:"metrics"`
	StartDate           time.Time         `json:"start_date" msgpack:"start_date"`
	EndDate             time.Time         `json:"end_date" msgpack:"end_date"`
	AccountType         string            `json:"account_type" msgpack:"account_type"`
	CapitalGainsTax     float64           `json:"capital_gains_tax" msgpack:"capital_gains_tax"`
}

// Request describes one backtest run. History must cover the held-out window
// for every weighted ticker; weights are renormalized over the positive
// entries.
type Request struct {
	Weights       map[string]float64
	History       map[string][]history.Candle
	SplitDate     time.Time
	InitialAmount float64
	AccountType   string
}

// Backtester replays portfolios and applies the account's capital-gains
// treatment to the outcome.
type Backtester struct {
	taxes    TaxPolicy
	riskFree float64
	log      zerolog.Logger
}

// NewBacktester creates a backtester. The risk-free rate feeds the Sharpe
// ratio and the benchmark's cash leg.
func NewBacktester(taxes TaxPolicy, riskFree float64, log zerolog.Logger) *Backtester {
	return &Backtester{
		taxes:    taxes,
		riskFree: riskFree,
		log:      log.With().Str("component", "backtest").Logger(),
	}
}

// Run replays the weights over the held-out window and returns trajectories
// and metrics.
func (b *Backtester) Run(req Request) (*Result, error) {
	if req.InitialAmount <= 0 {
		return nil, fmt.Errorf("initial amount must be positive, got %v", req.InitialAmount)
	}
	if req.SplitDate.IsZero() {
		return nil, fmt.Errorf("split date is required")
	}

	weights := activeWeights(req.Weights)
	if len(weights) == 0 {
		return nil, fmt.Errorf("no positive weights to backtest")
	}

	dates, returns, err := heldOutReturns(weights, req.History, req.SplitDate)
	if err != nil {
		return nil, err
	}

	trajectory := portfolioTrajectory(weights, dates, returns, req.InitialAmount)
	benchmark := b.benchmarkTrajectory(dates, returns, req.InitialAmount)

	start := trajectory[0].Date
	end := trajectory[len(trajectory)-1].Date
	holdingDays := int(math.Round(end.Sub(start).Hours() / 24))

	taxRate, err := b.taxes.TaxRateForAccount(req.AccountType, holdingDays)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tax rate for account %s: %w", req.AccountType, err)
	}

	values := make([]float64, len(trajectory))
	for i, p := range trajectory {
		values[i] = p.Value
	}

	finalValue := values[len(values)-1]
	preTaxReturn := (finalValue - req.InitialAmount) / req.InitialAmount

	tax := 0.0
	if gain := finalValue - req.InitialAmount; gain > 0 {
		tax = gain * taxRate
	}
	afterTaxFinal := finalValue - tax
	totalReturn := (afterTaxFinal - req.InitialAmount) / req.InitialAmount

	dailyRets := formulas.CalculateReturns(values)

	sharpe := 0.0
	if s := formulas.CalculateSharpeRatio(dailyRets, b.riskFree, tradingDaysPerYear); s != nil {
		sharpe = *s
	}

	drawdown := 0.0
	recoveryDays := 0
	if dd := formulas.CalculateMaxDrawdown(values); dd != nil && *dd > 0 {
		drawdown = -*dd
		recoveryDays = formulas.CalculateRecoveryDays(values)
	}

	years := end.Sub(start).Hours() / 24 / 365.25
	benchFinal := benchmark[len(benchmark)-1].Value

	result := &Result{
		Trajectory:          trajectory,
		AfterTaxTrajectory:  afterTaxTrajectory(trajectory, req.InitialAmount, taxRate),
		BenchmarkTrajectory: benchmark,
		Metrics: Metrics{
			TotalReturn:       totalReturn,
			PreTaxTotalReturn: preTaxReturn,
			FinalValue:        finalValue,
			Volatility:        formulas.AnnualizedVolatility(dailyRets),
			SharpeRatio:       sharpe,
			MaxDrawdown:       drawdown,
			RecoveryDays:      recoveryDays,
			CAGR:              formulas.CompoundAnnualGrowthRate(req.InitialAmount, finalValue, years),
			TaxRate:           taxRate,
			CapitalGainsTax:   tax,
			TaxImpact:         totalReturn - preTaxReturn,
			BenchmarkReturn:   (benchFinal - req.InitialAmount) / req.InitialAmount,
		},
		StartDate:       start,
		EndDate:         end,
		AccountType:     req.AccountType,
		CapitalGainsTax: tax,
	}

	b.log.Info().
		Time("window_start", start).
		Time("window_end", end).
		Int("observations", len(trajectory)).
		Float64("total_return", totalReturn).
		Float64("benchmark_return", result.Metrics.BenchmarkReturn).
		Float64("capital_gains_tax", tax).
		Msg("Backtest complete")

	return result, nil
}

// activeWeights filters out non-positive weights and renormalizes the rest
// to sum to 1.
func activeWeights(weights map[string]float64) map[string]float64 {
	active := make(map[string]float64)
	sum := 0.0
	for ticker, w := range weights {
		if w > 0 {
			active[ticker] = w
			sum += w
		}
	}
	if sum <= 0 {
		return nil
	}
	for ticker := range active {
		active[ticker] /= sum
	}
	return active
}

// heldOutReturns aligns the strictly-after-split closes of every weighted
// ticker on the union of their trading days and derives daily returns.
func heldOutReturns(weights map[string]float64, candles map[string][]history.Candle, split time.Time) ([]time.Time, map[string][]float64, error) {
	perTicker := make(map[string]map[string]float64, len(weights))
	dayTimes := make(map[string]time.Time)

	for ticker := range weights {
		byDay := make(map[string]float64)
		for _, c := range candles[ticker] {
			if !c.Date.After(split) || c.Close <= 0 {
				continue
			}
			day := c.Date.Format("2006-01-02")
			byDay[day] = c.Close
			if _, ok := dayTimes[day]; !ok {
				dayTimes[day] = time.Date(c.Date.Year(), c.Date.Month(), c.Date.Day(), 0, 0, 0, 0, time.UTC)
			}
		}
		if len(byDay) < 2 {
			return nil, nil, fmt.Errorf("insufficient held-out history for %s after %s", ticker, split.Format("2006-01-02"))
		}
		perTicker[ticker] = byDay
	}

	days := make([]string, 0, len(dayTimes))
	for d := range dayTimes {
		days = append(days, d)
	}
	sort.Strings(days)

	dates := make([]time.Time, len(days))
	for i, d := range days {
		dates[i] = dayTimes[d]
	}

	returns := make(map[string][]float64, len(perTicker))
	for ticker, byDay := range perTicker {
		series := make([]float64, len(days))
		for i, d := range days {
			if v, ok := byDay[d]; ok {
				series[i] = v
			} else {
				series[i] = math.NaN()
			}
		}
		fillGaps(series)
		returns[ticker] = formulas.CalculateReturns(series)
	}

	return dates, returns, nil
}

// fillGaps forward-fills NaNs from the last valid close, then back-fills any
// leading gap from the first valid close.
func fillGaps(series []float64) {
	var lastValid float64
	hasLastValid := false
	for i := range series {
		if math.IsNaN(series[i]) {
			if hasLastValid {
				series[i] = lastValid
			}
		} else {
			lastValid = series[i]
			hasLastValid = true
		}
	}

	var nextValid float64
	hasNextValid := false
	for i := len(series) - 1; i >= 0; i-- {
		if math.IsNaN(series[i]) {
			if hasNextValid {
				series[i] = nextValid
			}
		} else {
			nextValid = series[i]
			hasNextValid = true
		}
	}
}

// portfolioTrajectory compounds each position independently (buy and hold)
// and marks the summed value on every trading day.
func portfolioTrajectory(weights map[string]float64, dates []time.Time, returns map[string][]float64, initial float64) []TrajectoryPoint {
	tickers := sortedTickers(weights)
	growth := make([]float64, len(tickers))
	for i := range growth {
		growth[i] = 1.0
	}

	points := make([]TrajectoryPoint, len(dates))
	points[0] = TrajectoryPoint{Date: dates[0], Value: initial}
	for step := 1; step < len(dates); step++ {
		total := 0.0
		for i, ticker := range tickers {
			growth[i] *= 1 + returns[ticker][step-1]
			total += weights[ticker] * growth[i]
		}
		points[step] = TrajectoryPoint{Date: dates[step], Value: initial * total}
	}
	return points
}

// benchmarkTrajectory replays the 60/40 blend: an equal-weight buy-and-hold
// basket of the same tickers plus a cash leg accruing the risk-free rate.
func (b *Backtester) benchmarkTrajectory(dates []time.Time, returns map[string][]float64, initial float64) []TrajectoryPoint {
	tickers := make([]string, 0, len(returns))
	for ticker := range returns {
		tickers = append(tickers, ticker)
	}
	sort.Strings(tickers)

	growth := make([]float64, len(tickers))
	for i := range growth {
		growth[i] = 1.0
	}
	cash := 1.0
	dailyRF := b.riskFree / tradingDaysPerYear

	points := make([]TrajectoryPoint, len(dates))
	points[0] = TrajectoryPoint{Date: dates[0], Value: initial}
	for step := 1; step < len(dates); step++ {
		basket := 0.0
		for i, ticker := range tickers {
			growth[i] *= 1 + returns[ticker][step-1]
			basket += growth[i]
		}
		basket /= float64(len(tickers))
		cash *= 1 + dailyRF
		points[step] = TrajectoryPoint{
			Date:  dates[step],
			Value: initial * (benchmarkEquityShare*basket + benchmarkCashShare*cash),
		}
	}
	return points
}

// afterTaxTrajectory scales the gain portion of each point by the tax rate.
// Points at or below the initial amount are untouched; losses are not taxed.
func afterTaxTrajectory(points []TrajectoryPoint, initial, taxRate float64) []TrajectoryPoint {
	out := make([]TrajectoryPoint, len(points))
	for i, p := range points {
		value := p.Value
		if gain := value - initial; gain > 0 {
			value = initial + gain*(1-taxRate)
		}
		out[i] = TrajectoryPoint{Date: p.Date, Value: value}
	}
	return out
}

func sortedTickers(weights map[string]float64) []string {
	tickers := make([]string, 0, len(weights))
	for ticker := range weights {
		tickers = append(tickers, ticker)
	}
	sort.Strings(tickers)
	return tickers
}
