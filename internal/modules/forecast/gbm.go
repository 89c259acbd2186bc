package forecast

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/aristath/astrolabe/internal/history"
	"github.com/aristath/astrolabe/pkg/formulas"
)

// gbmConfidenceLevels are the two-sided confidence levels reported in the
// terminal-price percentile map.
var gbmConfidenceLevels = []float64{0.90, 0.95, 0.99}

// GBM is the Geometric Brownian Motion Monte Carlo model. It estimates drift
// and volatility from historical daily returns, then simulates price paths
// with the discretized GBM step
//
//	S_t = S_{t-1} * exp((mu_d - 0.5*sigma_d^2) + sigma_d*Z)
//
// and reports the terminal price distribution plus intermediate-horizon
// snapshots.
type GBM struct {
	seed func() uint64
	log  zerolog.Logger
}

// NewGBM creates a GBM model with time-based seeding. Each Forecast call
// draws an independent shock stream.
func NewGBM(log zerolog.Logger) *GBM {
	return &GBM{
		seed: func() uint64 { return uint64(time.Now().UnixNano()) },
		log:  log.With().Str("model", "gbm").Logger(),
	}
}

// NewGBMWithSeed creates a GBM model that seeds every Forecast call with the
// given value, making simulations reproducible.
func NewGBMWithSeed(seed uint64, log zerolog.Logger) *GBM {
	return &GBM{
		seed: func() uint64 { return seed },
		log:  log.With().Str("model", "gbm").Logger(),
	}
}

// Name implements Model.
func (g *GBM) Name() string { return "gbm" }

// Forecast implements Model. Tickers absent from the history map are skipped
// silently; tickers with insufficient history get a per-ticker error entry.
func (g *GBM) Forecast(ctx context.Context, req Request) (map[string]*TickerForecast, error) {
	simulations := req.Simulations
	if simulations <= 0 {
		simulations = DefaultSimulations
	}

	// Each call draws from its own source so concurrent suites never share
	// generator state.
	seed := g.seed()
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewPCG(seed, seed)}

	results := make(map[string]*TickerForecast, len(req.Tickers))
	for _, ticker := range req.Tickers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		candles, ok := req.History[ticker]
		if !ok {
			continue
		}
		closes := history.CloseSeries(candles)
		if len(closes) < gbmMinHistory {
			results[ticker] = &TickerForecast{Model: g.Name(), Error: "insufficient historical data"}
			continue
		}

		results[ticker] = g.simulate(ticker, closes, req, simulations, normal)
	}

	return results, nil
}

func (g *GBM) simulate(ticker string, closes []float64, req Request, simulations int, normal distuv.Normal) *TickerForecast {
	lastPrice := closes[len(closes)-1]
	returns := formulas.CalculateReturns(closes)

	dailyMu := formulas.Mean(returns)
	dailySigma := formulas.StdDev(returns)
	mu := dailyMu * 252
	sigma := dailySigma * math.Sqrt(252)

	var driftAdj, volAdj float64
	if adj, ok := req.Scenarios[ticker]; ok {
		driftAdj = adj.DriftAdj
		volAdj = adj.VolAdj
	}
	mu += driftAdj
	sigma *= 1.0 + volAdj

	// Back to daily parameters after the scenario adjustment
	muD := mu / 252
	sigmaD := sigma / math.Sqrt(252)
	drift := muD - 0.5*sigmaD*sigmaD

	snapDays := snapshotDays(req.HorizonDays)
	snapPrices := make(map[int][]float64, len(snapDays))
	for _, d := range snapDays {
		snapPrices[d] = make([]float64, simulations)
	}

	terminal := make([]float64, simulations)
	for s := 0; s < simulations; s++ {
		price := lastPrice
		for t := 1; t <= req.HorizonDays; t++ {
			price *= math.Exp(drift + sigmaD*normal.Rand())
			if snap, ok := snapPrices[t]; ok {
				snap[s] = price
			}
		}
		terminal[s] = price
	}

	sorted := make([]float64, len(terminal))
	copy(sorted, terminal)
	sort.Float64s(sorted)

	percentiles := make(map[string]float64, 2*len(gbmConfidenceLevels))
	for _, cl := range gbmConfidenceLevels {
		lowerPct := int(math.Round((1 - cl) * 100))
		upperPct := 100 - lowerPct
		percentiles[percentileKey(lowerPct)] = stat.Quantile(float64(lowerPct)/100, stat.Empirical, sorted, nil)
		percentiles[percentileKey(upperPct)] = stat.Quantile(float64(upperPct)/100, stat.Empirical, sorted, nil)
	}

	mean := stat.Mean(terminal, nil)
	median := stat.Quantile(0.5, stat.Empirical, sorted, nil)

	positive := 0
	for _, p := range terminal {
		if p > lastPrice {
			positive++
		}
	}

	horizons := make(map[string]HorizonSnapshot, len(snapDays))
	for _, d := range snapDays {
		prices := snapPrices[d]
		snapSorted := make([]float64, len(prices))
		copy(snapSorted, prices)
		sort.Float64s(snapSorted)

		profit := 0
		for _, p := range prices {
			if p > lastPrice {
				profit++
			}
		}

		snapMean := stat.Mean(prices, nil)
		horizons[horizonLabel(d)] = HorizonSnapshot{
			Days:        d,
			MeanPrice:   snapMean,
			MedianPrice: stat.Quantile(0.5, stat.Empirical, snapSorted, nil),
			MeanReturn:  snapMean/lastPrice - 1,
			ProbProfit:  float64(profit) / float64(len(prices)),
		}
	}

	return &TickerForecast{
		Model:        g.Name(),
		CurrentPrice: lastPrice,
		HorizonDays:  req.HorizonDays,
		Simulations:  simulations,
		Parameters: map[string]float64{
			"annual_drift":          mu,
			"annual_volatility":     sigma,
			"drift_adjustment":      driftAdj,
			"volatility_adjustment": volAdj,
		},
		Terminal: &Distribution{
			Mean:        mean,
			Median:      median,
			Std:         stat.StdDev(terminal, nil),
			Min:         floats.Min(terminal),
			Max:         floats.Max(terminal),
			Percentiles: percentiles,
		},
		Returns: &ReturnMetrics{
			MeanReturn:   mean/lastPrice - 1,
			MedianReturn: median/lastPrice - 1,
			ProbPositive: float64(positive) / float64(simulations),
		},
		Horizons: horizons,
	}
}

func percentileKey(pct int) string {
	return fmt.Sprintf("percentile_%d", pct)
}
