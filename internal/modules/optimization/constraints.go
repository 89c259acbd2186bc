package optimization

import (
	"fmt"
	"math"
	"sort"
)

// SectorBand bounds the combined weight of one sector. Min <= 0 means no
// lower bound; Max <= 0 means no upper bound.
type SectorBand struct {
	Min float64 `json:"min,omitempty" msgpack:"min"`
	Max float64 `json:"max,omitempty" msgpack:"max"`
}

// PortfolioConstraints guides the optimizer toward practical allocations:
// concentration caps, exclusions, sector bands, and diversification limits.
// The zero value imposes nothing.
type PortfolioConstraints struct {
	// MaxAssetWeight caps any single asset, e.g. 0.20 for 20%. Zero means
	// uncapped (bounds default to [0, 1]).
	MaxAssetWeight float64 `json:"max_asset_weight,omitempty" msgpack:"max_asset_weight"`

	// ExcludedTickers are forced to zero weight everywhere.
	ExcludedTickers []string `json:"excluded_assets,omitempty" msgpack:"excluded_assets"`

	// SectorBands constrains combined sector weights, keyed by sector name.
	SectorBands map[string]SectorBand `json:"sector_constraints,omitempty" msgpack:"sector_constraints"`

	// SectorMap assigns each ticker to a sector. Tickers without an entry
	// are unaffected by sector bands.
	SectorMap map[string]string `json:"sector_map,omitempty" msgpack:"sector_map"`

	// MinHoldings below this count is reported as a soft violation, never
	// a hard failure.
	MinHoldings int `json:"min_holdings,omitempty" msgpack:"min_holdings"`

	// MaxHoldings is enforced after solving by keeping the largest weights.
	MaxHoldings int `json:"max_holdings,omitempty" msgpack:"max_holdings"`

	// MinPositionSize drops dust positions after solving, e.g. 0.01 for 1%.
	MinPositionSize float64 `json:"min_position_size,omitempty" msgpack:"min_position_size"`

	// MaxVolatility is checked post-hoc against the solved portfolio and
	// logged when exceeded.
	MaxVolatility float64 `json:"max_volatility,omitempty" msgpack:"max_volatility"`

	// MaxDrawdown is advisory; it is checked against backtest results, not
	// during the solve.
	MaxDrawdown float64 `json:"max_drawdown,omitempty" msgpack:"max_drawdown"`
}

// Validate checks internal consistency of the constraint set.
func (c *PortfolioConstraints) Validate() error {
	if c == nil {
		return nil
	}
	if c.MaxAssetWeight < 0 || c.MaxAssetWeight > 1 {
		return fmt.Errorf("max_asset_weight must be in [0, 1], got %v", c.MaxAssetWeight)
	}
	if c.MinPositionSize < 0 || c.MinPositionSize > 1 {
		return fmt.Errorf("min_position_size must be in [0, 1], got %v", c.MinPositionSize)
	}
	if c.MaxAssetWeight > 0 && c.MinPositionSize > c.MaxAssetWeight {
		return fmt.Errorf("min_position_size %v exceeds max_asset_weight %v", c.MinPositionSize, c.MaxAssetWeight)
	}
	if c.MinHoldings < 0 || c.MaxHoldings < 0 {
		return fmt.Errorf("holding counts must be non-negative")
	}
	if c.MinHoldings > 0 && c.MaxHoldings > 0 && c.MinHoldings > c.MaxHoldings {
		return fmt.Errorf("min_holdings %d exceeds max_holdings %d", c.MinHoldings, c.MaxHoldings)
	}
	for sector, band := range c.SectorBands {
		if band.Min < 0 || band.Min > 1 {
			return fmt.Errorf("sector %s: min must be in [0, 1], got %v", sector, band.Min)
		}
		if band.Max > 0 && (band.Max > 1 || band.Min > band.Max) {
			return fmt.Errorf("sector %s: invalid band [%v, %v]", sector, band.Min, band.Max)
		}
	}
	return nil
}

// isConstraining reports whether the solve itself is constrained: tighter
// bounds, exclusions, or sector bands. Post-solve filters do not count
// because they cannot cause non-convergence.
func (c *PortfolioConstraints) isConstraining() bool {
	if c == nil {
		return false
	}
	return c.MaxAssetWeight > 0 || len(c.ExcludedTickers) > 0 || len(c.SectorBands) > 0
}

// IsExcluded reports whether a ticker is on the exclusion list.
func (c *PortfolioConstraints) IsExcluded(ticker string) bool {
	if c == nil {
		return false
	}
	for _, t := range c.ExcludedTickers {
		if t == ticker {
			return true
		}
	}
	return false
}

// weightBounds returns aligned per-asset bound slices. Without constraints
// every asset gets [0, 1]; with them the upper bound tightens to
// MaxAssetWeight and excluded tickers collapse to [0, 0].
func (c *PortfolioConstraints) weightBounds(tickers []string) ([]float64, []float64) {
	minW := make([]float64, len(tickers))
	maxW := make([]float64, len(tickers))
	upper := 1.0
	if c != nil && c.MaxAssetWeight > 0 {
		upper = c.MaxAssetWeight
	}
	for i, ticker := range tickers {
		if c.IsExcluded(ticker) {
			maxW[i] = 0
			continue
		}
		maxW[i] = upper
	}
	return minW, maxW
}

// sectorConstraint is a solver-ready sector band: the member indices into
// the ticker vector plus the bounds on their combined weight.
type sectorConstraint struct {
	name    string
	lower   float64
	upper   float64
	members []int
}

// solveSectorConstraints resolves sector bands to index sets over the
// ticker vector. Bands with no member tickers are skipped.
func (c *PortfolioConstraints) solveSectorConstraints(tickers []string) []sectorConstraint {
	if c == nil || len(c.SectorBands) == 0 || len(c.SectorMap) == 0 {
		return nil
	}

	names := make([]string, 0, len(c.SectorBands))
	for name := range c.SectorBands {
		names = append(names, name)
	}
	sort.Strings(names)

	constraints := make([]sectorConstraint, 0, len(names))
	for _, name := range names {
		band := c.SectorBands[name]
		var members []int
		for i, ticker := range tickers {
			if c.SectorMap[ticker] == name {
				members = append(members, i)
			}
		}
		if len(members) == 0 {
			continue
		}
		upper := math.Inf(1)
		if band.Max > 0 {
			upper = band.Max
		}
		constraints = append(constraints, sectorConstraint{
			name:    name,
			lower:   math.Max(0, band.Min),
			upper:   upper,
			members: members,
		})
	}
	return constraints
}

// applyMinPositionSize drops weights below the minimum and renormalizes the
// survivors to sum to 1. If everything would be dropped the input is
// returned unchanged.
func applyMinPositionSize(weights map[string]float64, minSize float64) map[string]float64 {
	if minSize <= 0 {
		return weights
	}
	filtered := make(map[string]float64)
	sum := 0.0
	for ticker, w := range weights {
		if w >= minSize {
			filtered[ticker] = w
			sum += w
		}
	}
	if len(filtered) == 0 || sum <= 0 {
		return weights
	}
	for ticker := range filtered {
		filtered[ticker] /= sum
	}
	return filtered
}

// applyMaxHoldings keeps the largest maxHoldings weights and renormalizes.
// Ties break by ticker name so the result is deterministic.
func applyMaxHoldings(weights map[string]float64, maxHoldings int) map[string]float64 {
	if maxHoldings <= 0 || len(weights) <= maxHoldings {
		return weights
	}

	type entry struct {
		ticker string
		weight float64
	}
	entries := make([]entry, 0, len(weights))
	for ticker, w := range weights {
		entries = append(entries, entry{ticker, w})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].weight != entries[j].weight {
			return entries[i].weight > entries[j].weight
		}
		return entries[i].ticker < entries[j].ticker
	})

	kept := make(map[string]float64, maxHoldings)
	sum := 0.0
	for _, e := range entries[:maxHoldings] {
		kept[e.ticker] = e.weight
		sum += e.weight
	}
	if sum <= 0 {
		return weights
	}
	for ticker := range kept {
		kept[ticker] /= sum
	}
	return kept
}

// countActive counts strictly positive weights.
func countActive(weights map[string]float64) int {
	n := 0
	for _, w := range weights {
		if w > 0 {
			n++
		}
	}
	return n
}
