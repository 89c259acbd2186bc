package formulas

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// CalculateHistoricalVaR calculates Value at Risk as the empirical
// (1-confidence) quantile of the historical return distribution.
//
// Args:
//   - returns: Historical returns (can be negative for losses)
//   - confidence: Confidence level (e.g., 0.95 for 95%)
//
// Returns:
//   - VaR value (negative for losses at the given confidence)
func CalculateHistoricalVaR(returns []float64, confidence float64) float64 {
	if len(returns) == 0 {
		return 0.0
	}

	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	return stat.Quantile(1.0-confidence, stat.Empirical, sorted, nil)
}

// CalculateParametricVaR calculates Value at Risk assuming normally
// distributed returns.
//
// Formula: VaR = μ - σ × z(confidence)
func CalculateParametricVaR(returns []float64, confidence float64) float64 {
	if len(returns) < 2 {
		return 0.0
	}

	mu := Mean(returns)
	sigma := StdDev(returns)
	z := distuv.UnitNormal.Quantile(confidence)

	return mu - sigma*z
}

// CalculateCVaR calculates Conditional Value at Risk (expected shortfall) at
// the specified confidence level. CVaR is the expected loss given that the
// loss exceeds the VaR threshold, so CVaR ≤ VaR by construction.
//
// Args:
//   - returns: Historical returns (can be negative for losses)
//   - confidence: Confidence level (e.g., 0.95 for 95%)
//
// Returns:
//   - CVaR value (negative for losses, positive for gains in tail)
func CalculateCVaR(returns []float64, confidence float64) float64 {
	if len(returns) == 0 {
		return 0.0
	}

	if len(returns) == 1 {
		return returns[0]
	}

	// Sort returns in ascending order (worst first)
	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	// For 95% confidence, we want the worst 5% of returns
	tailProbability := 1.0 - confidence
	tailCount := int(math.Ceil(float64(len(sorted)) * tailProbability))

	if tailCount == 0 {
		tailCount = 1
	}
	if tailCount > len(sorted) {
		tailCount = len(sorted)
	}

	// CVaR is the average of returns in the tail
	tailReturns := sorted[:tailCount]
	sum := 0.0
	for _, r := range tailReturns {
		sum += r
	}

	return sum / float64(len(tailReturns))
}

// MonteCarloCVaRWithWeights calculates portfolio CVaR using Monte Carlo
// simulation with specific portfolio weights. Portfolio returns are sampled
// from a normal distribution parameterized by w'μ and w'Σw.
func MonteCarloCVaRWithWeights(
	covMatrix [][]float64,
	expectedReturns map[string]float64,
	weights map[string]float64,
	symbols []string,
	numSimulations int,
	confidence float64,
) float64 {
	if len(covMatrix) == 0 || len(symbols) == 0 {
		return 0.0
	}

	n := len(symbols)
	if len(covMatrix) != n {
		return 0.0
	}

	// Build expected returns vector and weights vector
	mu := make([]float64, n)
	w := make([]float64, n)
	for i, symbol := range symbols {
		if ret, hasRet := expectedReturns[symbol]; hasRet {
			mu[i] = ret
		}
		if weight, hasWeight := weights[symbol]; hasWeight {
			w[i] = weight
		}
	}

	// Portfolio expected return: w' * mu
	portfolioMu := 0.0
	for i := 0; i < n; i++ {
		portfolioMu += w[i] * mu[i]
	}

	// Portfolio variance: w' * Σ * w
	portfolioVariance := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			portfolioVariance += w[i] * w[j] * covMatrix[i][j]
		}
	}
	portfolioStdDev := math.Sqrt(math.Max(portfolioVariance, 1e-10))

	normal := distuv.Normal{
		Mu:    portfolioMu,
		Sigma: portfolioStdDev,
	}

	simulatedReturns := make([]float64, numSimulations)
	for i := 0; i < numSimulations; i++ {
		simulatedReturns[i] = normal.Rand()
	}

	return CalculateCVaR(simulatedReturns, confidence)
}
