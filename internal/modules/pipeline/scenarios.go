package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aristath/astrolabe/internal/modules/optimization"
)

// scenarioProjectionMonths is the projection length for visualization.
const scenarioProjectionMonths = 12

// Fixed multipliers used when no narrative generator is available or it
// fails: bull scales return up and volatility down, bear the reverse.
const (
	bullReturnMultiplier = 1.5
	bullVolMultiplier    = 0.8
	bearReturnMultiplier = 0.3
	bearVolMultiplier    = 1.3
)

// scenarioAdjustments is the shape the narrative service responds with:
// per-case multipliers relative to the solved base statistics.
type scenarioAdjustments struct {
	Base struct {
		Description string `json:"description"`
	} `json:"base"`
	Bull scenarioCase `json:"bull"`
	Bear scenarioCase `json:"bear"`
}

type scenarioCase struct {
	ReturnMultiplier     float64 `json:"return_multiplier"`
	VolatilityMultiplier float64 `json:"volatility_multiplier"`
	Description          string  `json:"description"`
}

func fallbackAdjustments() *scenarioAdjustments {
	adj := &scenarioAdjustments{
		Bull: scenarioCase{
			ReturnMultiplier:     bullReturnMultiplier,
			VolatilityMultiplier: bullVolMultiplier,
			Description:          "Accelerated growth with calmer markets",
		},
		Bear: scenarioCase{
			ReturnMultiplier:     bearReturnMultiplier,
			VolatilityMultiplier: bearVolMultiplier,
			Description:          "Weak growth with elevated volatility",
		},
	}
	adj.Base.Description = "Expected performance at the solved portfolio statistics"
	return adj
}

// buildScenarios derives base/bull/bear cases from the solved portfolio.
// The narrative generator, when present, supplies the multipliers and
// descriptions; any failure degrades to the fixed multipliers without
// failing the job.
func (s *Service) buildScenarios(ctx context.Context, job *Job, portfolio *optimization.OptimalPortfolio) []Scenario {
	adj := fallbackAdjustments()
	if s.generator != nil {
		generated, err := s.generateAdjustments(ctx, job, portfolio)
		if err != nil {
			s.log.Warn().Err(err).Str("job_id", job.ID).Msg("Narrative scenarios unavailable, using fixed multipliers")
		} else {
			adj = generated
		}
	}

	base := portfolio.AnnualReturn
	vol := portfolio.AnnualVolatility
	amount := job.InitialAmount

	return []Scenario{
		projectScenario("base", base, vol, adj.Base.Description, amount),
		projectScenario("bull", base*adj.Bull.ReturnMultiplier, vol*adj.Bull.VolatilityMultiplier, adj.Bull.Description, amount),
		projectScenario("bear", base*adj.Bear.ReturnMultiplier, vol*adj.Bear.VolatilityMultiplier, adj.Bear.Description, amount),
	}
}

func (s *Service) generateAdjustments(ctx context.Context, job *Job, portfolio *optimization.OptimalPortfolio) (*scenarioAdjustments, error) {
	var adj scenarioAdjustments
	if err := s.generator.GenerateJSON(ctx, scenarioPrompt(job, portfolio), &adj); err != nil {
		return nil, err
	}
	if adj.Bull.VolatilityMultiplier <= 0 || adj.Bear.VolatilityMultiplier <= 0 {
		return nil, errors.New("narrative scenarios missing volatility multipliers")
	}
	return &adj, nil
}

// projectScenario compounds the invested amount monthly at the scenario's
// annual return.
func projectScenario(name string, annualReturn, annualVol float64, description string, amount float64) Scenario {
	monthlyReturn := annualReturn / 12
	projection := make([]ProjectionPoint, scenarioProjectionMonths+1)
	value := amount
	for m := 0; m <= scenarioProjectionMonths; m++ {
		if m > 0 {
			value *= 1 + monthlyReturn
		}
		projection[m] = ProjectionPoint{Month: m, Value: value}
	}
	return Scenario{
		Name:             name,
		AnnualReturn:     annualReturn,
		AnnualVolatility: annualVol,
		Description:      description,
		Projection:       projection,
	}
}

func scenarioPrompt(job *Job, portfolio *optimization.OptimalPortfolio) string {
	tickers := make([]string, 0, len(portfolio.Weights))
	for t := range portfolio.Weights {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)

	var b strings.Builder
	fmt.Fprintf(&b, "An investment of %.2f %s is allocated across %d funds with expected annual return %.2f%% and volatility %.2f%%.\n",
		job.InitialAmount, job.Currency, len(tickers), portfolio.AnnualReturn*100, portfolio.AnnualVolatility*100)
	b.WriteString("Holdings:\n")
	for _, t := range tickers {
		if portfolio.Weights[t] > 0 {
			fmt.Fprintf(&b, "- %s: %.1f%%\n", t, portfolio.Weights[t]*100)
		}
	}
	b.WriteString("Derive bull and bear market scenarios for this portfolio. ")
	b.WriteString("Respond with JSON of the form ")
	b.WriteString(`{"base": {"description": "..."}, "bull": {"return_multiplier": 1.5, "volatility_multiplier": 0.8, "description": "..."}, "bear": {"return_multiplier": 0.3, "volatility_multiplier": 1.3, "description": "..."}}`)
	b.WriteString(" where multipliers scale the base return and volatility.")
	return b.String()
}
