package formulas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateSharpeRatio(t *testing.T) {
	returns := []float64{0.01, 0.02, -0.01, 0.015, 0.005, -0.005}

	sharpe := CalculateSharpeRatio(returns, 0.04, 252)
	require.NotNil(t, sharpe)
	assert.Greater(t, *sharpe, 0.0, "positive mean return should beat the risk-free drag")

	assert.Nil(t, CalculateSharpeRatio([]float64{0.01}, 0.04, 252))
	assert.Nil(t, CalculateSharpeRatio(makeReturns(0.01, 10), 0.04, 252), "zero deviation has no Sharpe")
}

func TestCalculateSortinoRatio(t *testing.T) {
	returns := []float64{0.02, -0.01, 0.03, -0.02, 0.01, 0.015}

	sortino := CalculateSortinoRatio(returns, 0.04, 0.0, 252)
	require.NotNil(t, sortino)

	sharpe := CalculateSharpeRatio(returns, 0.04, 252)
	require.NotNil(t, sharpe)
	assert.Greater(t, *sortino, *sharpe, "downside-only deviation is smaller, so Sortino exceeds Sharpe here")

	assert.Nil(t, CalculateSortinoRatio(makeReturns(0.01, 10), 0.04, 0.0, 252), "no downside observations")
}
