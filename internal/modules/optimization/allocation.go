package optimization

import "sort"

// activePositionThreshold separates real positions from numerical
// leftovers when counting trades and building allocations.
const activePositionThreshold = 0.001

// EstimateCommission prices the trades implied by a weight vector: every
// active position costs one flat commission. Unknown commission models
// cost nothing.
func EstimateCommission(weights map[string]float64, commissionType string, value float64) float64 {
	if commissionType != "flat_per_trade" || value <= 0 {
		return 0
	}
	active := 0
	for _, w := range weights {
		if w > activePositionThreshold {
			active++
		}
	}
	return float64(active) * value
}

// BuildAllocation converts portfolio weights into share counts for an
// investment amount. Commission comes off the top; the remainder is split
// by weight and converted at the latest price per ticker. Positions are
// ordered by descending weight.
func BuildAllocation(
	portfolio *OptimalPortfolio,
	amount float64,
	latestPrices map[string]float64,
	expectedReturns map[string]float64,
	commissionType string,
	commissionValue float64,
) *Allocation {
	totalCommission := EstimateCommission(portfolio.Weights, commissionType, commissionValue)
	investable := amount - totalCommission
	if investable < 0 {
		investable = 0
	}

	positions := make([]Position, 0, len(portfolio.Weights))
	for ticker, weight := range portfolio.Weights {
		if weight <= activePositionThreshold {
			continue
		}
		allocAmount := investable * weight
		price := latestPrices[ticker]
		shares := 0.0
		if price > 0 {
			shares = allocAmount / price
		}
		positions = append(positions, Position{
			Ticker:         ticker,
			Weight:         weight,
			Amount:         allocAmount,
			Shares:         shares,
			Price:          price,
			ExpectedReturn: expectedReturns[ticker],
		})
	}

	sort.Slice(positions, func(i, j int) bool {
		if positions[i].Weight != positions[j].Weight {
			return positions[i].Weight > positions[j].Weight
		}
		return positions[i].Ticker < positions[j].Ticker
	})

	return &Allocation{
		Positions:       positions,
		TotalCommission: totalCommission,
		NetInvestment:   investable,
	}
}
