package optimization

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstraintsValidate(t *testing.T) {
	tests := []struct {
		name        string
		constraints *PortfolioConstraints
		wantErr     string
	}{
		{
			name:        "nil is valid",
			constraints: nil,
		},
		{
			name:        "zero value is valid",
			constraints: &PortfolioConstraints{},
		},
		{
			name: "full valid set",
			constraints: &PortfolioConstraints{
				MaxAssetWeight:  0.25,
				ExcludedTickers: []string{"BAD.US"},
				SectorBands:     map[string]SectorBand{"Technology": {Min: 0.1, Max: 0.4}},
				SectorMap:       map[string]string{"AAA.US": "Technology"},
				MinHoldings:     3,
				MaxHoldings:     20,
				MinPositionSize: 0.01,
			},
		},
		{
			name:        "max asset weight above 1",
			constraints: &PortfolioConstraints{MaxAssetWeight: 1.5},
			wantErr:     "max_asset_weight",
		},
		{
			name:        "negative max asset weight",
			constraints: &PortfolioConstraints{MaxAssetWeight: -0.1},
			wantErr:     "max_asset_weight",
		},
		{
			name:        "min position size above 1",
			constraints: &PortfolioConstraints{MinPositionSize: 1.2},
			wantErr:     "min_position_size",
		},
		{
			name:        "min position size above asset cap",
			constraints: &PortfolioConstraints{MaxAssetWeight: 0.2, MinPositionSize: 0.3},
			wantErr:     "exceeds max_asset_weight",
		},
		{
			name:        "negative holdings",
			constraints: &PortfolioConstraints{MinHoldings: -1},
			wantErr:     "non-negative",
		},
		{
			name:        "min holdings above max",
			constraints: &PortfolioConstraints{MinHoldings: 5, MaxHoldings: 2},
			wantErr:     "min_holdings 5 exceeds max_holdings 2",
		},
		{
			name:        "sector min out of range",
			constraints: &PortfolioConstraints{SectorBands: map[string]SectorBand{"Tech": {Min: 1.5}}},
			wantErr:     "min must be in [0, 1]",
		},
		{
			name:        "sector band inverted",
			constraints: &PortfolioConstraints{SectorBands: map[string]SectorBand{"Tech": {Min: 0.5, Max: 0.3}}},
			wantErr:     "invalid band",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.constraints.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIsConstraining(t *testing.T) {
	var nilConstraints *PortfolioConstraints
	assert.False(t, nilConstraints.isConstraining())
	assert.False(t, (&PortfolioConstraints{}).isConstraining())
	assert.False(t, (&PortfolioConstraints{MinPositionSize: 0.01, MinHoldings: 3}).isConstraining(),
		"post-solve filters do not constrain the solve")

	assert.True(t, (&PortfolioConstraints{MaxAssetWeight: 0.3}).isConstraining())
	assert.True(t, (&PortfolioConstraints{ExcludedTickers: []string{"X.US"}}).isConstraining())
	assert.True(t, (&PortfolioConstraints{SectorBands: map[string]SectorBand{"Tech": {Max: 0.4}}}).isConstraining())
}

func TestWeightBounds(t *testing.T) {
	tickers := []string{"AAA.US", "BBB.US", "CCC.US"}

	var nilConstraints *PortfolioConstraints
	minW, maxW := nilConstraints.weightBounds(tickers)
	assert.Equal(t, []float64{0, 0, 0}, minW)
	assert.Equal(t, []float64{1, 1, 1}, maxW)

	capped := &PortfolioConstraints{MaxAssetWeight: 0.25, ExcludedTickers: []string{"BBB.US"}}
	minW, maxW = capped.weightBounds(tickers)
	assert.Equal(t, []float64{0, 0, 0}, minW)
	assert.Equal(t, []float64{0.25, 0, 0.25}, maxW, "excluded ticker collapses to [0, 0]")
}

func TestSolveSectorConstraints(t *testing.T) {
	tickers := []string{"TECH1.US", "TECH2.US", "FIN1.US", "OTHER.US"}
	constraints := &PortfolioConstraints{
		SectorBands: map[string]SectorBand{
			"Technology": {Min: 0.2, Max: 0.6},
			"Financials": {Max: 0.4},
			"Energy":     {Min: 0.1, Max: 0.5},
		},
		SectorMap: map[string]string{
			"TECH1.US": "Technology",
			"TECH2.US": "Technology",
			"FIN1.US":  "Financials",
		},
	}

	solved := constraints.solveSectorConstraints(tickers)
	require.Len(t, solved, 2, "bands with no member tickers are skipped")

	// Sorted by sector name for deterministic penalty ordering.
	assert.Equal(t, "Financials", solved[0].name)
	assert.Equal(t, []int{2}, solved[0].members)
	assert.Equal(t, 0.0, solved[0].lower)
	assert.Equal(t, 0.4, solved[0].upper)

	assert.Equal(t, "Technology", solved[1].name)
	assert.Equal(t, []int{0, 1}, solved[1].members)
	assert.Equal(t, 0.2, solved[1].lower)
	assert.Equal(t, 0.6, solved[1].upper)
}

func TestSolveSectorConstraintsUnboundedMax(t *testing.T) {
	constraints := &PortfolioConstraints{
		SectorBands: map[string]SectorBand{"Technology": {Min: 0.1}},
		SectorMap:   map[string]string{"TECH1.US": "Technology"},
	}

	solved := constraints.solveSectorConstraints([]string{"TECH1.US"})
	require.Len(t, solved, 1)
	assert.Equal(t, 0.1, solved[0].lower)
	assert.True(t, math.IsInf(solved[0].upper, 1), "max <= 0 means no upper bound")

	var nilConstraints *PortfolioConstraints
	assert.Nil(t, nilConstraints.solveSectorConstraints([]string{"TECH1.US"}))
}

func TestApplyMinPositionSize(t *testing.T) {
	weights := map[string]float64{"AAA.US": 0.5, "BBB.US": 0.3, "CCC.US": 0.2}

	filtered := applyMinPositionSize(weights, 0.25)
	require.Len(t, filtered, 2)
	assert.InDelta(t, 0.625, filtered["AAA.US"], 1e-12)
	assert.InDelta(t, 0.375, filtered["BBB.US"], 1e-12)

	unchanged := applyMinPositionSize(weights, 0)
	assert.Equal(t, weights, unchanged)

	// If the filter would empty the portfolio, keep the original weights.
	kept := applyMinPositionSize(weights, 0.9)
	assert.Equal(t, weights, kept)
}

func TestApplyMaxHoldings(t *testing.T) {
	weights := map[string]float64{"AAA.US": 0.4, "BBB.US": 0.3, "CCC.US": 0.2, "DDD.US": 0.1}

	kept := applyMaxHoldings(weights, 2)
	require.Len(t, kept, 2)
	assert.InDelta(t, 0.4/0.7, kept["AAA.US"], 1e-12)
	assert.InDelta(t, 0.3/0.7, kept["BBB.US"], 1e-12)

	assert.Equal(t, weights, applyMaxHoldings(weights, 0), "zero limit means unlimited")
	assert.Equal(t, weights, applyMaxHoldings(weights, 10))
}

func TestApplyMaxHoldingsBreaksTiesByTicker(t *testing.T) {
	weights := map[string]float64{"DDD.US": 0.25, "AAA.US": 0.25, "CCC.US": 0.25, "BBB.US": 0.25}

	kept := applyMaxHoldings(weights, 2)
	require.Len(t, kept, 2)
	assert.InDelta(t, 0.5, kept["AAA.US"], 1e-12)
	assert.InDelta(t, 0.5, kept["BBB.US"], 1e-12)
}

func TestCountActive(t *testing.T) {
	assert.Equal(t, 2, countActive(map[string]float64{"AAA.US": 0.5, "BBB.US": 0, "CCC.US": 0.1}))
	assert.Equal(t, 0, countActive(nil))
}
