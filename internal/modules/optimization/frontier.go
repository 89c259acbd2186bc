package optimization

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

const (
	// FrontierPoints is the default number of target-return samples.
	FrontierPoints = 20

	// FrontierPointsFast trades frontier resolution for latency.
	FrontierPointsFast = 5

	// frontierMinWeight removes numerical dust from reported points.
	frontierMinWeight = 0.0001
)

// EfficientFrontier samples the minimum-volatility frontier at target
// returns linearly spaced between the minimum-variance return and the best
// reachable single-asset return. Targets whose solve does not converge are
// dropped; points are returned in increasing target order.
func (o *Optimizer) EfficientFrontier(expectedReturns map[string]float64, model *CovarianceModel, constraints *PortfolioConstraints, points int) ([]FrontierPoint, error) {
	if points <= 0 {
		points = FrontierPoints
	}
	if err := constraints.Validate(); err != nil {
		return nil, fmt.Errorf("invalid constraints: %w", err)
	}
	space, err := newSolveSpace(expectedReturns, model, constraints)
	if err != nil {
		return nil, err
	}

	minVolX, err := o.minimize(o.minVolatilityProblem(space), len(space.tickers))
	if err != nil {
		return nil, fmt.Errorf("failed to anchor frontier at minimum variance: %w", err)
	}
	minReturn, _, _ := o.portfolioStats(space.finalWeights(minVolX), space)

	// The top of the reachable range is the best single asset that is not
	// excluded by a zero upper bound.
	maxReturn := minReturn
	for i := range space.tickers {
		if space.maxW[i] > 0 && space.mu[i] > maxReturn {
			maxReturn = space.mu[i]
		}
	}

	targets := make([]float64, points)
	if points == 1 {
		targets[0] = minReturn
	} else {
		floats.Span(targets, minReturn, maxReturn)
	}

	frontier := make([]FrontierPoint, 0, points)
	for _, target := range targets {
		x, err := o.minimize(o.targetReturnProblem(space, target), len(space.tickers))
		if err != nil {
			o.log.Debug().
				Float64("target_return", target).
				Err(err).
				Msg("Frontier target did not converge - dropped")
			continue
		}

		weights := space.finalWeights(x)
		ret, vol, sharpe := o.portfolioStats(weights, space)

		reported := make(map[string]float64)
		for ticker, w := range weights {
			if w > frontierMinWeight {
				reported[ticker] = w
			}
		}

		frontier = append(frontier, FrontierPoint{
			AnnualVolatility: vol,
			AnnualReturn:     ret,
			SharpeRatio:      sharpe,
			Weights:          reported,
		})
	}

	o.log.Info().
		Int("requested", points).
		Int("solved", len(frontier)).
		Msg("Built efficient frontier")

	return frontier, nil
}
