package pipeline

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/astrolabe/internal/events"
	"github.com/aristath/astrolabe/internal/history"
	"github.com/aristath/astrolabe/internal/modules/backtest"
	"github.com/aristath/astrolabe/internal/modules/forecast"
	"github.com/aristath/astrolabe/internal/modules/optimization"
	"github.com/aristath/astrolabe/internal/settings"
	"github.com/aristath/astrolabe/internal/storage"
	testingpkg "github.com/aristath/astrolabe/internal/testing"
)

type testEnv struct {
	svc      *Service
	pool     *Pool
	engine   *forecast.Engine
	provider *testingpkg.StubProvider
	docs     *storage.DocumentStore
	bus      *events.Bus
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	docs, err := storage.NewDocumentStore(testingpkg.NewTestConn(t), zerolog.Nop())
	require.NoError(t, err)

	repo, err := settings.NewRepository(testingpkg.NewTestDB(t, "pipeline_test"), zerolog.Nop())
	require.NoError(t, err)
	settingsSvc := settings.NewService(repo, zerolog.Nop())
	require.NoError(t, settingsSvc.SaveInstruments(testingpkg.Instruments()))

	provider := testingpkg.NewProvider()

	bus := events.NewBus()
	engine := forecast.NewEngine(provider, nil, zerolog.Nop())

	cfg := Config{
		Provider:      provider,
		Settings:      settingsSvc,
		Engine:        engine,
		Covariance:    optimization.NewCovarianceBuilder(provider, nil, zerolog.Nop()),
		Optimizer:     optimization.NewOptimizer(0.04, zerolog.Nop()),
		Returns:       optimization.NewReturnsCalculator(zerolog.Nop()),
		Backtester:    backtest.NewBacktester(settingsSvc, 0.04, zerolog.Nop()),
		Documents:     docs,
		Bus:           bus,
		HistoryPeriod: "2y",
		StageTimeout:  30 * time.Second,
		Log:           zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	pool := NewPool(2, time.Minute, zerolog.Nop())
	go pool.Run()
	t.Cleanup(pool.Stop)

	return &testEnv{
		svc:      NewService(cfg, pool),
		pool:     pool,
		engine:   engine,
		provider: provider,
		docs:     docs,
		bus:      bus,
	}
}

func waitForTerminal(t *testing.T, svc *Service, jobID string) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		j, err := svc.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Status.Terminal()
	}, 15*time.Second, 20*time.Millisecond)
	return job
}

func drainEvents(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestPipelineCompletesEndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)
	eventCh, unsub := env.bus.Subscribe()
	defer unsub()

	jobID, err := env.svc.StartOptimization(context.Background(), Request{Amount: 10000})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job := waitForTerminal(t, env.svc, jobID)
	require.Equal(t, StatusCompleted, job.Status, "job error: %s", job.Error)
	assert.Empty(t, job.Error)
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, 10000.0, job.InitialAmount)
	assert.Equal(t, "USD", job.Currency)
	assert.Equal(t, settings.AccountTaxable, job.AccountType)

	// No forecast models are registered, so the expected returns must come
	// from the historical estimate.
	assert.True(t, job.HistoricalFallback)

	require.NotEmpty(t, job.OptimalPortfolio)
	var weightSum, riskSum float64
	for _, a := range job.OptimalPortfolio {
		assert.Greater(t, a.Weight, 0.0)
		assert.Greater(t, a.Price, 0.0)
		assert.InDelta(t, a.Amount/a.Price, a.Shares, 1e-9)
		weightSum += a.Weight
		riskSum += a.ContributionToRisk
	}
	assert.InDelta(t, 1.0, weightSum, 0.02)
	assert.InDelta(t, 1.0, riskSum, 0.05)

	for _, key := range []string{"expected_annual_return", "annual_volatility", "sharpe_ratio", "total_commission", "net_investment"} {
		assert.Contains(t, job.Metrics, key)
	}
	expectedCommission := float64(len(job.OptimalPortfolio))
	assert.InDelta(t, expectedCommission, job.Metrics["total_commission"], 1e-9)
	assert.InDelta(t, 10000-expectedCommission, job.Metrics["net_investment"], 1e-9)

	assert.NotEmpty(t, job.EfficientFrontier)
	assert.Nil(t, job.Backtest)

	require.Len(t, job.Scenarios, 3)
	base, bull, bear := job.Scenarios[0], job.Scenarios[1], job.Scenarios[2]
	assert.Equal(t, "base", base.Name)
	assert.Equal(t, "bull", bull.Name)
	assert.Equal(t, "bear", bear.Name)
	assert.InDelta(t, base.AnnualReturn*bullReturnMultiplier, bull.AnnualReturn, 1e-9)
	assert.InDelta(t, base.AnnualVolatility*bullVolMultiplier, bull.AnnualVolatility, 1e-9)
	assert.InDelta(t, base.AnnualReturn*bearReturnMultiplier, bear.AnnualReturn, 1e-9)
	assert.InDelta(t, base.AnnualVolatility*bearVolMultiplier, bear.AnnualVolatility, 1e-9)
	require.Len(t, base.Projection, scenarioProjectionMonths+1)
	assert.InDelta(t, 10000, base.Projection[0].Value, 1e-9)
	expectedFinal := 10000 * math.Pow(1+base.AnnualReturn/12, 12)
	assert.InDelta(t, expectedFinal, base.Projection[12].Value, 1e-6)

	evts := drainEvents(eventCh)
	require.NotEmpty(t, evts)
	assert.Equal(t, events.JobQueued, evts[0].Type)
	assert.Equal(t, events.JobCompleted, evts[len(evts)-1].Type)
	var stages []string
	for _, e := range evts {
		if data, ok := e.Data.(*events.JobStageChangedData); ok {
			stages = append(stages, data.Stage)
		}
	}
	assert.Equal(t, []string{"fetching_data", "forecasting", "optimizing", "generating_analysis"}, stages)
}

// stubModel is a deterministic forecast model: every ticker gets the same
// mean return.
type stubModel struct {
	ret float64
}

func (m *stubModel) Name() string { return "stub" }

func (m *stubModel) Forecast(_ context.Context, req forecast.Request) (map[string]*forecast.TickerForecast, error) {
	out := make(map[string]*forecast.TickerForecast, len(req.Tickers))
	for _, t := range req.Tickers {
		closes := history.CloseSeries(req.History[t])
		price := closes[len(closes)-1]
		out[t] = &forecast.TickerForecast{
			Model:        "stub",
			CurrentPrice: price,
			HorizonDays:  req.HorizonDays,
			Terminal:     &forecast.Distribution{Mean: price * (1 + m.ret)},
			Returns:      &forecast.ReturnMetrics{MeanReturn: m.ret},
		}
	}
	return out, nil
}

func TestPipelineUsesForecastReturns(t *testing.T) {
	env := newTestEnv(t, nil)
	env.engine.Register("stub", &stubModel{ret: 0.05})

	jobID, err := env.svc.StartOptimization(context.Background(), Request{Amount: 10000})
	require.NoError(t, err)

	job := waitForTerminal(t, env.svc, jobID)
	require.Equal(t, StatusCompleted, job.Status, "job error: %s", job.Error)
	assert.False(t, job.HistoricalFallback)
	require.NotEmpty(t, job.OptimalPortfolio)
	for _, a := range job.OptimalPortfolio {
		assert.Greater(t, a.ExpectedReturn, 0.0)
	}
}

func TestPipelineFailsWhenAllTickersExcluded(t *testing.T) {
	env := newTestEnv(t, nil)
	eventCh, unsub := env.bus.Subscribe()
	defer unsub()

	jobID, err := env.svc.StartOptimization(context.Background(), Request{
		Amount:          5000,
		ExcludedTickers: []string{"AAA.US", "BBB.US", "CCC.US"},
	})
	require.NoError(t, err)

	job := waitForTerminal(t, env.svc, jobID)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, "no tickers available for optimization", job.Error)
	assert.Nil(t, job.CompletedAt)

	var failed bool
	require.Eventually(t, func() bool {
		for _, e := range drainEvents(eventCh) {
			if e.Type == events.JobFailed {
				failed = true
			}
		}
		return failed
	}, time.Second, 10*time.Millisecond)
}

func TestPipelineFailsWithSingleSurvivor(t *testing.T) {
	env := newTestEnv(t, nil)

	jobID, err := env.svc.StartOptimization(context.Background(), Request{
		Amount:          5000,
		ExcludedTickers: []string{"BBB.US", "CCC.US"},
	})
	require.NoError(t, err)

	job := waitForTerminal(t, env.svc, jobID)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.Error, "at least 2 tickers")
}

func TestPipelineDropsThinTickers(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.Candles["CCC.US"] = testingpkg.CandleSeries(80, []float64{0.001}, 10)

	jobID, err := env.svc.StartOptimization(context.Background(), Request{Amount: 10000})
	require.NoError(t, err)

	job := waitForTerminal(t, env.svc, jobID)
	require.Equal(t, StatusCompleted, job.Status, "job error: %s", job.Error)
	for _, a := range job.OptimalPortfolio {
		assert.NotEqual(t, "CCC.US", a.Ticker)
	}
}

func TestPipelineRunsBacktestForHistoricalDate(t *testing.T) {
	env := newTestEnv(t, nil)
	split := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 109)

	jobID, err := env.svc.StartOptimization(context.Background(), Request{
		Amount:         10000,
		HistoricalDate: &split,
		AccountType:    settings.AccountNISAGrowth,
	})
	require.NoError(t, err)

	job := waitForTerminal(t, env.svc, jobID)
	require.Equal(t, StatusCompleted, job.Status, "job error: %s", job.Error)
	assert.True(t, job.HistoricalFallback)

	require.NotNil(t, job.Backtest)
	assert.True(t, job.Backtest.StartDate.After(split), "backtest must only use held-out data")
	assert.Equal(t, settings.AccountNISAGrowth, job.Backtest.AccountType)
	assert.Zero(t, job.Backtest.Metrics.TaxRate)
	assert.NotEmpty(t, job.Backtest.Trajectory)
	assert.NotEmpty(t, job.Backtest.BenchmarkTrajectory)

	// Shares are priced at the last pre-split close, never at a later one.
	for _, a := range job.OptimalPortfolio {
		var lastTraining float64
		for _, c := range env.provider.Candles[a.Ticker] {
			if !c.Date.After(split) {
				lastTraining = c.Close
			}
		}
		assert.InDelta(t, lastTraining, a.Price, 1e-9)
	}
}

func TestPipelineCancellation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.Block = true

	jobID, err := env.svc.StartOptimization(context.Background(), Request{Amount: 1000})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, getErr := env.svc.GetJob(context.Background(), jobID)
		return getErr == nil && j.Status == StatusFetchingData
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, env.svc.Cancel(jobID))

	job := waitForTerminal(t, env.svc, jobID)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, "cancelled", job.Error)

	require.Eventually(t, func() bool {
		return errors.Is(env.svc.Cancel(jobID), ErrJobNotRunning)
	}, time.Second, 10*time.Millisecond)
}

func TestStartOptimizationValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.svc.StartOptimization(ctx, Request{Amount: 0})
	require.ErrorContains(t, err, "amount must be positive")

	_, err = env.svc.StartOptimization(ctx, Request{Amount: -100})
	require.ErrorContains(t, err, "amount must be positive")

	_, err = env.svc.StartOptimization(ctx, Request{
		Amount:      1000,
		Constraints: &optimization.PortfolioConstraints{MaxAssetWeight: 1.5},
	})
	require.ErrorContains(t, err, "invalid constraints")

	ids, err := env.docs.ListIDs(ctx, "optimization_jobs")
	require.NoError(t, err)
	assert.Empty(t, ids, "rejected requests must not persist jobs")
}

func TestGetJobNotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.svc.GetJob(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCancelUnknownJob(t *testing.T) {
	env := newTestEnv(t, nil)

	assert.ErrorIs(t, env.svc.Cancel("does-not-exist"), ErrJobNotRunning)
}

func TestJobStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusFetchingData.Terminal())
	assert.False(t, StatusForecasting.Terminal())
	assert.False(t, StatusOptimizing.Terminal())
	assert.False(t, StatusGeneratingAnalysis.Terminal())
}
