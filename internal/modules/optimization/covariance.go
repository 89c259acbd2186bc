package optimization

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/aristath/astrolabe/internal/history"
	"github.com/aristath/astrolabe/internal/storage"
	"github.com/aristath/astrolabe/internal/utils"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
)

const (
	// tradingDaysPerYear annualizes daily return moments.
	tradingDaysPerYear = 252

	// minCovarianceObservations is the minimum number of aligned price
	// dates required for a usable covariance estimate.
	minCovarianceObservations = 30

	// highCorrelationThreshold flags ticker pairs whose absolute return
	// correlation suggests redundant exposure.
	highCorrelationThreshold = 0.80

	covarianceCacheTTL = time.Hour
)

// CovarianceBuilder produces annualized covariance matrices from daily
// price history. Results are cached keyed by the sorted ticker set and
// period so repeated solves within the TTL reuse one estimate.
type CovarianceBuilder struct {
	provider history.Provider
	cache    *storage.Cache
	log      zerolog.Logger
}

// NewCovarianceBuilder creates a covariance builder. The cache is optional;
// pass nil to always recompute.
func NewCovarianceBuilder(provider history.Provider, cache *storage.Cache, log zerolog.Logger) *CovarianceBuilder {
	return &CovarianceBuilder{
		provider: provider,
		cache:    cache,
		log:      log.With().Str("component", "covariance").Logger(),
	}
}

// Build fetches price history for the tickers over the period and estimates
// the annualized covariance matrix with Ledoit-Wolf shrinkage. Tickers with
// no usable history are dropped; fewer than two survivors is an error.
func (b *CovarianceBuilder) Build(ctx context.Context, tickers []string, period string) (*CovarianceModel, error) {
	if len(tickers) < 2 {
		return nil, fmt.Errorf("insufficient data for optimization: need at least 2 tickers, got %d", len(tickers))
	}

	key := covarianceCacheKey(tickers, period)
	if b.cache != nil {
		var cached CovarianceModel
		if err := b.cache.Get(ctx, key, &cached); err == nil {
			b.log.Debug().Str("key", key).Int("tickers", len(cached.Tickers)).Msg("Covariance cache hit")
			return &cached, nil
		}
	}

	stop := utils.OperationTimer("covariance_build", b.log)
	model, err := b.build(ctx, tickers, period)
	stop()
	if err != nil {
		return nil, err
	}

	if b.cache != nil {
		if err := b.cache.Set(ctx, key, model, covarianceCacheTTL); err != nil {
			b.log.Warn().Err(err).Str("key", key).Msg("Failed to cache covariance model")
		}
	}

	return model, nil
}

func (b *CovarianceBuilder) build(ctx context.Context, tickers []string, period string) (*CovarianceModel, error) {
	candles, err := b.provider.HistoricalData(ctx, tickers, period, "1d")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch price history: %w", err)
	}

	return b.BuildFromCandles(tickers, candles)
}

// BuildFromCandles estimates the covariance model from already-fetched
// candles, bypassing the provider and the cache. Used when the caller has
// truncated the history to a point-in-time window that must not be mixed
// with fresh fetches.
func (b *CovarianceBuilder) BuildFromCandles(tickers []string, candles map[string][]history.Candle) (*CovarianceModel, error) {
	dates, closes := alignCloses(tickers, candles)
	if len(closes) < 2 {
		return nil, fmt.Errorf("insufficient data for optimization: need at least 2 tickers with price history, got %d", len(closes))
	}
	if len(dates) < minCovarianceObservations {
		return nil, fmt.Errorf("insufficient price history: only %d days available (need at least %d)", len(dates), minCovarianceObservations)
	}

	// Keep the surviving tickers in request order.
	survivors := make([]string, 0, len(closes))
	for _, t := range tickers {
		if _, ok := closes[t]; ok {
			survivors = append(survivors, t)
		}
	}

	b.fillMissing(closes)
	returns := computeReturns(closes)

	sample, err := sampleCovariance(returns, survivors)
	if err != nil {
		return nil, err
	}
	for i := range sample {
		for j := range sample[i] {
			sample[i][j] *= tradingDaysPerYear
		}
	}

	shrunk, shrinkage, err := applyLedoitWolfShrinkage(sample)
	if err != nil {
		return nil, err
	}

	model := &CovarianceModel{
		Tickers:          survivors,
		Matrix:           shrunk,
		DailyReturns:     returns,
		Observations:     len(dates),
		Shrinkage:        shrinkage,
		HighlyCorrelated: b.highCorrelations(shrunk, survivors, highCorrelationThreshold),
	}

	b.log.Info().
		Int("tickers", len(survivors)).
		Int("observations", len(dates)).
		Float64("shrinkage", shrinkage).
		Int("high_correlations", len(model.HighlyCorrelated)).
		Msg("Built covariance model")

	return model, nil
}

// alignCloses builds a close-price series per ticker over the union of all
// observed dates, marking gaps as NaN. Tickers with no positive closes at
// all are omitted from the result.
func alignCloses(tickers []string, candles map[string][]history.Candle) ([]string, map[string][]float64) {
	dateSet := make(map[string]struct{})
	perTicker := make(map[string]map[string]float64)

	for _, ticker := range tickers {
		rows := candles[ticker]
		byDate := make(map[string]float64, len(rows))
		for _, c := range rows {
			if c.Close <= 0 {
				continue
			}
			day := c.Date.Format("2006-01-02")
			byDate[day] = c.Close
			dateSet[day] = struct{}{}
		}
		if len(byDate) > 0 {
			perTicker[ticker] = byDate
		}
	}

	dates := make([]string, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	aligned := make(map[string][]float64, len(perTicker))
	for ticker, byDate := range perTicker {
		series := make([]float64, len(dates))
		for i, d := range dates {
			if v, ok := byDate[d]; ok {
				series[i] = v
			} else {
				series[i] = math.NaN()
			}
		}
		aligned[ticker] = series
	}

	return dates, aligned
}

// fillMissing fills NaN gaps in place: forward-fill from the last valid
// close, then back-fill leading gaps from the first valid close.
func (b *CovarianceBuilder) fillMissing(closes map[string][]float64) {
	missingCount := 0
	filledCount := 0

	for _, series := range closes {
		var lastValid float64
		hasLastValid := false
		for i := range series {
			if math.IsNaN(series[i]) {
				missingCount++
				if hasLastValid {
					series[i] = lastValid
					filledCount++
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
					filledCount++
				}
			} else {
				nextValid = series[i]
				hasNextValid = true
			}
		}
	}

	if missingCount > 0 {
		b.log.Warn().
			Int("missing_data_points", missingCount).
			Int("filled_data_points", filledCount).
			Msg("Filled missing price data")
	}
}

// computeReturns derives daily simple returns from aligned close series.
// Invalid steps (non-positive or NaN prices) contribute a 0 return.
func computeReturns(closes map[string][]float64) map[string][]float64 {
	returns := make(map[string][]float64, len(closes))
	for ticker, prices := range closes {
		if len(prices) < 2 {
			returns[ticker] = []float64{}
			continue
		}
		daily := make([]float64, len(prices)-1)
		for i := 1; i < len(prices); i++ {
			if prices[i-1] > 0 && !math.IsNaN(prices[i]) && !math.IsNaN(prices[i-1]) {
				daily[i-1] = (prices[i] - prices[i-1]) / prices[i-1]
			} else {
				daily[i-1] = 0.0
			}
		}
		returns[ticker] = daily
	}
	return returns
}

// sampleCovariance computes the symmetric sample covariance matrix of the
// return series, ordered by the tickers slice.
func sampleCovariance(returns map[string][]float64, tickers []string) ([][]float64, error) {
	if len(tickers) == 0 {
		return nil, fmt.Errorf("no tickers provided")
	}

	var returnLength int
	for _, ticker := range tickers {
		ret, ok := returns[ticker]
		if !ok {
			return nil, fmt.Errorf("missing returns for ticker %s", ticker)
		}
		if returnLength == 0 {
			returnLength = len(ret)
		}
		if len(ret) != returnLength {
			return nil, fmt.Errorf("inconsistent return lengths: expected %d, got %d for ticker %s", returnLength, len(ret), ticker)
		}
	}
	if returnLength < 2 {
		return nil, fmt.Errorf("insufficient data: need at least 2 observations, got %d", returnLength)
	}

	n := len(tickers)
	covMatrix := make([][]float64, n)
	for i := range covMatrix {
		covMatrix[i] = make([]float64, n)
	}

	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			cov := stat.Covariance(returns[tickers[i]], returns[tickers[j]], nil)
			covMatrix[i][j] = cov
			if i != j {
				covMatrix[j][i] = cov
			}
		}
	}

	return covMatrix, nil
}

// applyLedoitWolfShrinkage shrinks a sample covariance matrix toward a
// constant-correlation target to stabilize estimates from short histories.
// Returns the shrunk matrix and the shrinkage intensity used.
//
// Reference: Ledoit, O., & Wolf, M. (2004). "A well-conditioned estimator
// for large-dimensional covariance matrices"
func applyLedoitWolfShrinkage(sampleCov [][]float64) ([][]float64, float64, error) {
	n := len(sampleCov)
	if n == 0 {
		return nil, 0, fmt.Errorf("empty covariance matrix")
	}

	var avgVar, avgCov float64
	for i := 0; i < n; i++ {
		avgVar += sampleCov[i][i]
		for j := 0; j < n; j++ {
			if i != j {
				avgCov += sampleCov[i][j]
			}
		}
	}
	avgVar /= float64(n)
	if n > 1 {
		avgCov /= float64(n * (n - 1))
	}

	target := make([][]float64, n)
	for i := range target {
		target[i] = make([]float64, n)
		for j := range target[i] {
			switch {
			case i == j:
				target[i][j] = avgVar
			case avgVar > 0:
				target[i][j] = avgCov
			default:
				target[i][j] = 0
			}
		}
	}

	// Simplified intensity estimate: the dispersion of sample elements
	// relative to their distance from the target, capped at 0.5.
	shrinkage := 0.2
	if n > 2 && avgVar > 0 {
		var sumSqDiff float64
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				diff := sampleCov[i][j] - target[i][j]
				sumSqDiff += diff * diff
			}
		}
		meanSqDiff := sumSqDiff / float64(n*n)

		var sumSq, mean float64
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				mean += sampleCov[i][j]
				sumSq += sampleCov[i][j] * sampleCov[i][j]
			}
		}
		count := float64(n * n)
		mean /= count
		varSample := sumSq/count - mean*mean

		if varSample > 0 && meanSqDiff > 0 {
			shrinkage = math.Min(0.5, math.Max(0.0, varSample/(varSample+meanSqDiff)))
		}
	}

	shrunk := make([][]float64, n)
	for i := range shrunk {
		shrunk[i] = make([]float64, n)
		for j := range shrunk[i] {
			shrunk[i][j] = (1-shrinkage)*sampleCov[i][j] + shrinkage*target[i][j]
		}
	}

	return shrunk, shrinkage, nil
}

// highCorrelations extracts ticker pairs whose absolute correlation meets
// the threshold.
func (b *CovarianceBuilder) highCorrelations(covMatrix [][]float64, tickers []string, threshold float64) []CorrelationPair {
	if len(covMatrix) == 0 || len(tickers) == 0 {
		return []CorrelationPair{}
	}

	pairs := make([]CorrelationPair, 0)
	for i := 0; i < len(covMatrix); i++ {
		for j := i + 1; j < len(covMatrix); j++ {
			vi, vj := covMatrix[i][i], covMatrix[j][j]
			if vi <= 0 || vj <= 0 {
				continue
			}
			correlation := covMatrix[i][j] / math.Sqrt(vi*vj)
			if math.Abs(correlation) >= threshold {
				pairs = append(pairs, CorrelationPair{
					Ticker1:     tickers[i],
					Ticker2:     tickers[j],
					Correlation: correlation,
				})
				b.log.Debug().
					Str("ticker_1", tickers[i]).
					Str("ticker_2", tickers[j]).
					Float64("correlation", correlation).
					Msg("High correlation detected")
			}
		}
	}
	return pairs
}

// covarianceCacheKey derives a deterministic key from the sorted ticker
// set and period.
func covarianceCacheKey(tickers []string, period string) string {
	sorted := make([]string, len(tickers))
	copy(sorted, tickers)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",") + "|" + period))
	return fmt.Sprintf("covariance_%x", sum[:16])
}
