package optimization

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/aristath/astrolabe/pkg/formulas"
)

// penaltyWeight scales the quadratic penalties for the budget constraint,
// return targets, and sector bands.
const penaltyWeight = 1000.0

// successStatuses are the convergence statuses accepted as a solved problem.
var successStatuses = map[optimize.Status]bool{
	optimize.Success:             true,
	optimize.GradientThreshold:   true,
	optimize.FunctionConvergence: true,
}

// Optimizer solves constrained mean-variance problems with a penalty
// method: iterates are projected to their bounds, while the budget
// constraint (Σw = 1), return targets, and sector bands enter the
// objective as quadratic penalties. Solves run BFGS first and fall back
// to Nelder-Mead.
type Optimizer struct {
	riskFree float64
	log      zerolog.Logger
}

// NewOptimizer creates an optimizer using the given annual risk-free rate
// for Sharpe ratios.
func NewOptimizer(riskFreeRate float64, log zerolog.Logger) *Optimizer {
	return &Optimizer{
		riskFree: riskFreeRate,
		log:      log.With().Str("component", "optimizer").Logger(),
	}
}

// MaxSharpe maximizes (r·w − rf) / sqrt(wᵀΣw).
func (o *Optimizer) MaxSharpe(expectedReturns map[string]float64, model *CovarianceModel, constraints *PortfolioConstraints) (*OptimalPortfolio, error) {
	return o.solve("max_sharpe", expectedReturns, model, constraints)
}

// MinVolatility minimizes wᵀΣw; it anchors the low-return end of the
// efficient frontier.
func (o *Optimizer) MinVolatility(expectedReturns map[string]float64, model *CovarianceModel, constraints *PortfolioConstraints) (*OptimalPortfolio, error) {
	return o.solve("min_volatility", expectedReturns, model, constraints)
}

func (o *Optimizer) solve(strategy string, expectedReturns map[string]float64, model *CovarianceModel, constraints *PortfolioConstraints) (*OptimalPortfolio, error) {
	if err := constraints.Validate(); err != nil {
		return nil, fmt.Errorf("invalid constraints: %w", err)
	}
	space, err := newSolveSpace(expectedReturns, model, constraints)
	if err != nil {
		return nil, err
	}

	x, err := o.minimize(o.problemFor(strategy, space), len(space.tickers))
	degraded := false
	if err != nil && constraints.isConstraining() {
		// Exclusions survive the fallback; they are trivially feasible
		// and excluded tickers must never re-enter.
		o.log.Warn().
			Err(err).
			Str("strategy", strategy).
			Msg("Constrained solve did not converge - falling back to exclusions-only bounds")
		fallback := &PortfolioConstraints{ExcludedTickers: constraints.ExcludedTickers}
		space, err = newSolveSpace(expectedReturns, model, fallback)
		if err != nil {
			return nil, err
		}
		x, err = o.minimize(o.problemFor(strategy, space), len(space.tickers))
		degraded = err == nil
	}
	if err != nil {
		return nil, err
	}

	weights := o.postFilter(space.finalWeights(x), constraints)
	ret, vol, sharpe := o.portfolioStats(weights, space)

	if constraints != nil && constraints.MaxVolatility > 0 && vol > constraints.MaxVolatility {
		o.log.Warn().
			Float64("volatility", vol).
			Float64("max_volatility", constraints.MaxVolatility).
			Msg("Portfolio volatility exceeds requested maximum")
	}

	o.log.Info().
		Str("strategy", strategy).
		Int("holdings", countActive(weights)).
		Float64("annual_return", ret).
		Float64("annual_volatility", vol).
		Float64("sharpe_ratio", sharpe).
		Bool("degraded", degraded).
		Msg("Solved portfolio")

	return &OptimalPortfolio{
		Weights:          weights,
		AnnualReturn:     ret,
		AnnualVolatility: vol,
		SharpeRatio:      sharpe,
		Constrained:      constraints.isConstraining() && !degraded,
		Degraded:         degraded,
	}, nil
}

func (o *Optimizer) problemFor(strategy string, space *solveSpace) optimize.Problem {
	switch strategy {
	case "min_volatility":
		return o.minVolatilityProblem(space)
	default:
		return o.maxSharpeProblem(space)
	}
}

// postFilter applies the post-solve diversification rules: dust removal,
// the holding-count cap, and the soft minimum-holdings check.
func (o *Optimizer) postFilter(weights map[string]float64, constraints *PortfolioConstraints) map[string]float64 {
	if constraints == nil {
		return weights
	}
	if constraints.MinPositionSize > 0 {
		before := len(weights)
		weights = applyMinPositionSize(weights, constraints.MinPositionSize)
		if dropped := before - len(weights); dropped > 0 {
			o.log.Debug().
				Int("dropped", dropped).
				Float64("min_position_size", constraints.MinPositionSize).
				Msg("Dropped positions below minimum size")
		}
	}
	if constraints.MaxHoldings > 0 && countActive(weights) > constraints.MaxHoldings {
		weights = applyMaxHoldings(weights, constraints.MaxHoldings)
	}
	if constraints.MinHoldings > 0 && countActive(weights) < constraints.MinHoldings {
		o.log.Warn().
			Int("holdings", countActive(weights)).
			Int("min_holdings", constraints.MinHoldings).
			Msg("Portfolio has fewer holdings than requested minimum")
	}
	return weights
}

// minimize runs the solve from an equal-weight seed, BFGS first, then
// Nelder-Mead when BFGS fails or stalls.
func (o *Optimizer) minimize(problem optimize.Problem, n int) ([]float64, error) {
	initial := make([]float64, n)
	for i := range initial {
		initial[i] = 1.0 / float64(n)
	}

	result, err := optimize.Minimize(problem, initial, &optimize.Settings{}, &optimize.BFGS{})
	if err == nil && successStatuses[result.Status] {
		return result.X, nil
	}

	result, err = optimize.Minimize(problem, initial, &optimize.Settings{}, &optimize.NelderMead{})
	if err != nil {
		return nil, fmt.Errorf("optimization failed: %w", err)
	}
	if !successStatuses[result.Status] {
		return nil, fmt.Errorf("optimization did not converge: status=%v", result.Status)
	}
	return result.X, nil
}

// portfolioStats evaluates realized return, volatility, and Sharpe ratio
// of a weight map against the solve space. Tickers missing from the map
// count as zero weight.
func (o *Optimizer) portfolioStats(weights map[string]float64, space *solveSpace) (ret, vol, sharpe float64) {
	x := make([]float64, len(space.tickers))
	for i, ticker := range space.tickers {
		x[i] = weights[ticker]
	}
	ret = space.portfolioReturn(x)
	if variance := space.portfolioVariance(x); variance > 0 {
		vol = math.Sqrt(variance)
	}
	if vol > 0 {
		sharpe = (ret - o.riskFree) / vol
	}
	return ret, vol, sharpe
}

// solveSpace is one prepared problem instance: ordered expected returns,
// the covariance matrix, per-asset bounds, and sector constraints.
type solveSpace struct {
	tickers []string
	mu      []float64
	sigma   *mat.Dense
	minW    []float64
	maxW    []float64
	sectors []sectorConstraint
}

func newSolveSpace(expectedReturns map[string]float64, model *CovarianceModel, constraints *PortfolioConstraints) (*solveSpace, error) {
	if model == nil || len(model.Tickers) == 0 {
		return nil, fmt.Errorf("no tickers provided")
	}
	n := len(model.Tickers)
	if len(model.Matrix) != n {
		return nil, fmt.Errorf("covariance matrix size %d doesn't match ticker count %d", len(model.Matrix), n)
	}
	for i := range model.Matrix {
		if len(model.Matrix[i]) != n {
			return nil, fmt.Errorf("covariance matrix row %d has size %d, expected %d", i, len(model.Matrix[i]), n)
		}
	}

	mu := make([]float64, n)
	for i, ticker := range model.Tickers {
		ret, ok := expectedReturns[ticker]
		if !ok {
			return nil, fmt.Errorf("missing expected return for ticker %s", ticker)
		}
		mu[i] = ret
	}

	sigma := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			sigma.Set(i, j, model.Matrix[i][j])
		}
	}

	minW, maxW := constraints.weightBounds(model.Tickers)
	return &solveSpace{
		tickers: model.Tickers,
		mu:      mu,
		sigma:   sigma,
		minW:    minW,
		maxW:    maxW,
		sectors: constraints.solveSectorConstraints(model.Tickers),
	}, nil
}

// project clamps each weight to its bounds.
func (s *solveSpace) project(x []float64) []float64 {
	proj := make([]float64, len(x))
	for i := range x {
		proj[i] = formulas.Clamp(x[i], s.minW[i], s.maxW[i])
	}
	return proj
}

func (s *solveSpace) portfolioReturn(x []float64) float64 {
	var ret float64
	for i := range x {
		ret += s.mu[i] * x[i]
	}
	return ret
}

func (s *solveSpace) portfolioVariance(x []float64) float64 {
	var variance float64
	n := len(x)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			variance += x[i] * x[j] * s.sigma.At(i, j)
		}
	}
	return variance
}

// finalWeights projects the raw solution to bounds, clamps negatives, and
// normalizes to sum to 1.
func (s *solveSpace) finalWeights(x []float64) map[string]float64 {
	proj := s.project(x)
	sum := 0.0
	for _, w := range proj {
		sum += w
	}

	weights := make(map[string]float64, len(s.tickers))
	for i, ticker := range s.tickers {
		weights[ticker] = math.Max(0.0, proj[i]/math.Max(sum, 1e-10))
	}

	sum = 0.0
	for _, w := range weights {
		sum += w
	}
	if sum > 0 {
		for ticker := range weights {
			weights[ticker] /= sum
		}
	}
	return weights
}

func (o *Optimizer) maxSharpeProblem(s *solveSpace) optimize.Problem {
	n := len(s.tickers)
	return optimize.Problem{
		Func: func(x []float64) float64 {
			xp := s.project(x)
			ret := s.portfolioReturn(xp)
			stdDev := math.Sqrt(math.Max(s.portfolioVariance(xp), 1e-10))

			obj := -(ret - o.riskFree) / stdDev
			obj += sumPenalty(xp)
			obj += sectorPenalty(s, xp)
			return obj
		},
		Grad: func(grad, x []float64) {
			xp := s.project(x)
			ret := s.portfolioReturn(xp)
			stdDev := math.Sqrt(math.Max(s.portfolioVariance(xp), 1e-10))
			excess := ret - o.riskFree

			for i := 0; i < n; i++ {
				var dVariance float64
				for j := 0; j < n; j++ {
					dVariance += 2 * s.sigma.At(i, j) * xp[j]
				}
				grad[i] = -s.mu[i]/stdDev + excess*dVariance/(2*stdDev*stdDev*stdDev)
			}
			addSumPenaltyGradient(grad, xp)
			addSectorPenaltyGradient(s, grad, xp)
		},
	}
}

func (o *Optimizer) minVolatilityProblem(s *solveSpace) optimize.Problem {
	n := len(s.tickers)
	return optimize.Problem{
		Func: func(x []float64) float64 {
			xp := s.project(x)
			obj := s.portfolioVariance(xp)
			obj += sumPenalty(xp)
			obj += sectorPenalty(s, xp)
			return obj
		},
		Grad: func(grad, x []float64) {
			xp := s.project(x)
			for i := 0; i < n; i++ {
				grad[i] = 0
				for j := 0; j < n; j++ {
					grad[i] += 2 * s.sigma.At(i, j) * xp[j]
				}
			}
			addSumPenaltyGradient(grad, xp)
			addSectorPenaltyGradient(s, grad, xp)
		},
	}
}

// targetReturnProblem minimizes variance subject to r·w = target via a
// quadratic penalty; used to trace the efficient frontier.
func (o *Optimizer) targetReturnProblem(s *solveSpace, target float64) optimize.Problem {
	n := len(s.tickers)
	return optimize.Problem{
		Func: func(x []float64) float64 {
			xp := s.project(x)
			ret := s.portfolioReturn(xp)

			obj := s.portfolioVariance(xp)
			obj += sumPenalty(xp)
			obj += penaltyWeight * (ret - target) * (ret - target)
			obj += sectorPenalty(s, xp)
			return obj
		},
		Grad: func(grad, x []float64) {
			xp := s.project(x)
			ret := s.portfolioReturn(xp)

			for i := 0; i < n; i++ {
				grad[i] = 0
				for j := 0; j < n; j++ {
					grad[i] += 2 * s.sigma.At(i, j) * xp[j]
				}
				grad[i] += 2 * penaltyWeight * (ret - target) * s.mu[i]
			}
			addSumPenaltyGradient(grad, xp)
			addSectorPenaltyGradient(s, grad, xp)
		},
	}
}

func sumPenalty(x []float64) float64 {
	sum := 0.0
	for _, w := range x {
		sum += w
	}
	return penaltyWeight * (sum - 1.0) * (sum - 1.0)
}

func addSumPenaltyGradient(grad, x []float64) {
	sum := 0.0
	for _, w := range x {
		sum += w
	}
	g := 2 * penaltyWeight * (sum - 1.0)
	for i := range grad {
		grad[i] += g
	}
}

func sectorPenalty(s *solveSpace, x []float64) float64 {
	var penalty float64
	for _, sc := range s.sectors {
		weight := 0.0
		for _, i := range sc.members {
			weight += x[i]
		}
		if weight < sc.lower {
			penalty += penaltyWeight * (sc.lower - weight) * (sc.lower - weight)
		}
		if weight > sc.upper {
			penalty += penaltyWeight * (weight - sc.upper) * (weight - sc.upper)
		}
	}
	return penalty
}

func addSectorPenaltyGradient(s *solveSpace, grad, x []float64) {
	for _, sc := range s.sectors {
		weight := 0.0
		for _, i := range sc.members {
			weight += x[i]
		}
		if weight < sc.lower {
			g := 2 * penaltyWeight * (sc.lower - weight)
			for _, i := range sc.members {
				grad[i] -= g
			}
		}
		if weight > sc.upper {
			g := 2 * penaltyWeight * (weight - sc.upper)
			for _, i := range sc.members {
				grad[i] += g
			}
		}
	}
}
