package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/astrolabe/internal/history"
	"github.com/aristath/astrolabe/internal/modules/optimization"
)

type stubGenerator struct {
	fail   bool
	prompt string
}

func (g *stubGenerator) GenerateJSON(_ context.Context, prompt string, out any) error {
	g.prompt = prompt
	if g.fail {
		return errors.New("narrative service unreachable")
	}
	adj := out.(*scenarioAdjustments)
	adj.Base.Description = "Central path"
	adj.Bull = scenarioCase{ReturnMultiplier: 2, VolatilityMultiplier: 0.5, Description: "Strong expansion"}
	adj.Bear = scenarioCase{ReturnMultiplier: 0.1, VolatilityMultiplier: 1.5, Description: "Contraction"}
	return nil
}

func TestProjectScenarioCompounds(t *testing.T) {
	s := projectScenario("base", 0.12, 0.18, "steady", 10000)

	assert.Equal(t, "base", s.Name)
	assert.Equal(t, 0.12, s.AnnualReturn)
	assert.Equal(t, 0.18, s.AnnualVolatility)
	require.Len(t, s.Projection, 13)
	assert.Equal(t, 0, s.Projection[0].Month)
	assert.InDelta(t, 10000, s.Projection[0].Value, 1e-9)
	assert.InDelta(t, 10100, s.Projection[1].Value, 1e-9)

	expected := 10000.0
	for i := 0; i < 12; i++ {
		expected *= 1.01
	}
	assert.InDelta(t, expected, s.Projection[12].Value, 1e-9)
}

func TestBuildScenariosFixedMultipliers(t *testing.T) {
	svc := &Service{log: zerolog.Nop()}
	job := &Job{ID: "j1", InitialAmount: 10000, Currency: "USD"}
	portfolio := &optimization.OptimalPortfolio{AnnualReturn: 0.1, AnnualVolatility: 0.2}

	scenarios := svc.buildScenarios(context.Background(), job, portfolio)

	require.Len(t, scenarios, 3)
	assert.Equal(t, "base", scenarios[0].Name)
	assert.InDelta(t, 0.1, scenarios[0].AnnualReturn, 1e-12)
	assert.InDelta(t, 0.2, scenarios[0].AnnualVolatility, 1e-12)
	assert.Equal(t, "bull", scenarios[1].Name)
	assert.InDelta(t, 0.15, scenarios[1].AnnualReturn, 1e-12)
	assert.InDelta(t, 0.16, scenarios[1].AnnualVolatility, 1e-12)
	assert.Equal(t, "bear", scenarios[2].Name)
	assert.InDelta(t, 0.03, scenarios[2].AnnualReturn, 1e-12)
	assert.InDelta(t, 0.26, scenarios[2].AnnualVolatility, 1e-12)
	for _, s := range scenarios {
		assert.NotEmpty(t, s.Description)
		assert.Len(t, s.Projection, 13)
	}
}

func TestBuildScenariosWithGenerator(t *testing.T) {
	gen := &stubGenerator{}
	svc := &Service{generator: gen, log: zerolog.Nop()}
	job := &Job{ID: "j1", InitialAmount: 5000, Currency: "USD"}
	portfolio := &optimization.OptimalPortfolio{
		AnnualReturn:     0.1,
		AnnualVolatility: 0.2,
		Weights:          map[string]float64{"AAA.US": 0.6, "BBB.US": 0.4},
	}

	scenarios := svc.buildScenarios(context.Background(), job, portfolio)

	require.Len(t, scenarios, 3)
	assert.Equal(t, "Central path", scenarios[0].Description)
	assert.InDelta(t, 0.2, scenarios[1].AnnualReturn, 1e-12)
	assert.InDelta(t, 0.1, scenarios[1].AnnualVolatility, 1e-12)
	assert.Equal(t, "Strong expansion", scenarios[1].Description)
	assert.InDelta(t, 0.01, scenarios[2].AnnualReturn, 1e-12)
	assert.InDelta(t, 0.3, scenarios[2].AnnualVolatility, 1e-12)
}

func TestBuildScenariosGeneratorFailure(t *testing.T) {
	svc := &Service{generator: &stubGenerator{fail: true}, log: zerolog.Nop()}
	job := &Job{ID: "j1", InitialAmount: 10000, Currency: "USD"}
	portfolio := &optimization.OptimalPortfolio{AnnualReturn: 0.1, AnnualVolatility: 0.2}

	scenarios := svc.buildScenarios(context.Background(), job, portfolio)

	require.Len(t, scenarios, 3)
	assert.InDelta(t, 0.15, scenarios[1].AnnualReturn, 1e-12)
	assert.InDelta(t, 0.16, scenarios[1].AnnualVolatility, 1e-12)
}

func TestGenerateAdjustmentsRejectsBadMultipliers(t *testing.T) {
	gen := &stubGenerator{}
	svc := &Service{generator: &zeroVolGenerator{inner: gen}, log: zerolog.Nop()}
	job := &Job{ID: "j1", InitialAmount: 1000, Currency: "USD"}
	portfolio := &optimization.OptimalPortfolio{AnnualReturn: 0.1, AnnualVolatility: 0.2}

	_, err := svc.generateAdjustments(context.Background(), job, portfolio)
	require.ErrorContains(t, err, "volatility multipliers")
}

// zeroVolGenerator responds with multipliers the pipeline must reject.
type zeroVolGenerator struct {
	inner *stubGenerator
}

func (g *zeroVolGenerator) GenerateJSON(ctx context.Context, prompt string, out any) error {
	if err := g.inner.GenerateJSON(ctx, prompt, out); err != nil {
		return err
	}
	out.(*scenarioAdjustments).Bear.VolatilityMultiplier = 0
	return nil
}

func TestScenarioPromptMentionsHoldings(t *testing.T) {
	job := &Job{ID: "j1", InitialAmount: 10000, Currency: "EUR"}
	portfolio := &optimization.OptimalPortfolio{
		AnnualReturn:     0.08,
		AnnualVolatility: 0.15,
		Weights:          map[string]float64{"AAA.US": 0.7, "BBB.US": 0.3, "CCC.US": 0},
	}

	prompt := scenarioPrompt(job, portfolio)

	assert.Contains(t, prompt, "AAA.US")
	assert.Contains(t, prompt, "BBB.US")
	assert.NotContains(t, prompt, "CCC.US")
	assert.Contains(t, prompt, "EUR")
	assert.Contains(t, prompt, "JSON")
}

func TestTruncateCandles(t *testing.T) {
	cutoff := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	candles := map[string][]history.Candle{
		"AAA.US": {
			{Date: cutoff.AddDate(0, 0, -1), Close: 100},
			{Date: cutoff, Close: 101},
			{Date: cutoff.AddDate(0, 0, 1), Close: 102},
		},
	}

	truncated := truncateCandles(candles, cutoff)

	require.Len(t, truncated["AAA.US"], 2)
	assert.Equal(t, 101.0, truncated["AAA.US"][1].Close)
	// The input is untouched so the held-out window stays available.
	assert.Len(t, candles["AAA.US"], 3)
}

func TestTruncateDividends(t *testing.T) {
	cutoff := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	dividends := map[string][]history.Dividend{
		"AAA.US": {
			{Date: cutoff.AddDate(0, -1, 0), Amount: 0.5},
			{Date: cutoff, Amount: 0.6},
			{Date: cutoff.AddDate(0, 1, 0), Amount: 0.7},
		},
	}

	truncated := truncateDividends(dividends, cutoff)

	require.Len(t, truncated["AAA.US"], 2)
	assert.Equal(t, 0.6, truncated["AAA.US"][1].Amount)
	assert.Len(t, dividends["AAA.US"], 3)
}
