package formulas

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateCVaR(t *testing.T) {
	tests := []struct {
		name        string
		returns     []float64
		confidence  float64
		want        float64
		tolerance   float64
		description string
	}{
		{
			name:        "normal distribution 95% confidence",
			returns:     []float64{-0.10, -0.05, -0.02, 0.0, 0.02, 0.05, 0.10, 0.15, 0.20, 0.25},
			confidence:  0.95,
			want:        -0.10, // Worst 5% (10 * 0.05 = 0.5, rounded up to 1 return: -0.10)
			tolerance:   0.01,
			description: "CVaR should be average of worst 5% of returns",
		},
		{
			name:        "all negative returns",
			returns:     []float64{-0.20, -0.15, -0.10, -0.05, -0.02},
			confidence:  0.95,
			want:        -0.20,
			tolerance:   0.01,
			description: "CVaR should be worst return when all negative",
		},
		{
			name:        "mixed returns 99% confidence",
			returns:     []float64{-0.30, -0.20, -0.10, 0.0, 0.10, 0.20, 0.30, 0.40, 0.50, 0.60},
			confidence:  0.99,
			want:        -0.30,
			tolerance:   0.01,
			description: "CVaR at 99% should be worst return",
		},
		{
			name:        "single return",
			returns:     []float64{-0.10},
			confidence:  0.95,
			want:        -0.10,
			tolerance:   0.01,
			description: "CVaR with single return should be that return",
		},
		{
			name:        "empty returns",
			returns:     []float64{},
			confidence:  0.95,
			want:        0.0,
			tolerance:   0.01,
			description: "CVaR with no returns should be 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CalculateCVaR(tt.returns, tt.confidence)
			assert.InDelta(t, tt.want, result, tt.tolerance, tt.description)
		})
	}
}

func TestCVaRNotAboveVaR(t *testing.T) {
	// CVaR averages the tail beyond VaR, so it can never sit above it
	rng := rand.New(rand.NewSource(7))
	returns := make([]float64, 500)
	for i := range returns {
		returns[i] = rng.NormFloat64() * 0.02
	}

	for _, confidence := range []float64{0.90, 0.95, 0.99} {
		hVaR := CalculateHistoricalVaR(returns, confidence)
		cvar := CalculateCVaR(returns, confidence)
		assert.LessOrEqual(t, cvar, hVaR, "CVaR must be at or below VaR at confidence %v", confidence)
	}
}

func TestCalculateHistoricalVaR(t *testing.T) {
	returns := []float64{-0.10, -0.05, -0.02, 0.0, 0.02, 0.05, 0.10, 0.15, 0.20, 0.25}

	hVaR := CalculateHistoricalVaR(returns, 0.95)
	assert.Less(t, hVaR, 0.0, "95% VaR of a series with losses should be negative")
	assert.GreaterOrEqual(t, hVaR, -0.10, "VaR cannot be worse than the worst observed return")

	assert.Zero(t, CalculateHistoricalVaR(nil, 0.95))
}

func TestCalculateParametricVaR(t *testing.T) {
	// Symmetric series: mean 0, so parametric VaR = -sigma * z
	returns := []float64{-0.02, -0.01, 0.0, 0.01, 0.02}

	pVaR := CalculateParametricVaR(returns, 0.95)
	require.Less(t, pVaR, 0.0)

	sigma := StdDev(returns)
	assert.InDelta(t, -sigma*1.6449, pVaR, 1e-3, "parametric VaR should equal mu - sigma*z")
}

func TestMonteCarloCVaRWithWeights(t *testing.T) {
	covMatrix := [][]float64{
		{0.04, 0.01},
		{0.01, 0.03},
	}
	expectedReturns := map[string]float64{"A": 0.08, "B": 0.06}
	weights := map[string]float64{"A": 0.5, "B": 0.5}
	symbols := []string{"A", "B"}

	cvar := MonteCarloCVaRWithWeights(covMatrix, expectedReturns, weights, symbols, 10000, 0.95)

	// Tail of a normal with mu ~0.07 and sigma ~0.15 is comfortably negative
	assert.Less(t, cvar, 0.0, "tail expectation should be a loss")
	assert.Greater(t, cvar, -1.0, "tail expectation should be bounded")
}
