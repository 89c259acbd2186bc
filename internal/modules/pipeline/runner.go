package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/astrolabe/internal/events"
	"github.com/aristath/astrolabe/internal/history"
	"github.com/aristath/astrolabe/internal/modules/backtest"
	"github.com/aristath/astrolabe/internal/modules/forecast"
	"github.com/aristath/astrolabe/internal/modules/optimization"
	"github.com/aristath/astrolabe/internal/utils"
)

// marketData is the fetch stage's output, shared by every later stage.
type marketData struct {
	tickers []string

	// candles is the window weights are solved on. For historical runs it
	// is truncated at the split date; fullCandles keeps the untruncated
	// series for the backtest.
	candles     map[string][]history.Candle
	fullCandles map[string][]history.Candle
	dividends   map[string][]history.Dividend

	// prices converts weights to shares: latest close for live runs, last
	// pre-split close for historical runs.
	prices map[string]float64

	// asOf anchors trailing-yield computations: the split date for
	// historical runs, wall clock otherwise.
	asOf time.Time
}

// solveResult carries the solved portfolio and its covariance model to the
// analysis stage.
type solveResult struct {
	portfolio *optimization.OptimalPortfolio
	model     *optimization.CovarianceModel
}

// run drives one job through the pipeline. Stage transitions persist the
// snapshot and publish a bus event; cancellation is observed between stages
// and turns into a failed/"cancelled" terminal state.
func (s *Service) run(ctx context.Context, job *Job, req Request) {
	timer := utils.NewTimer("optimization_job", s.log)
	defer timer.Stop()

	if err := s.advance(ctx, job, StatusFetchingData); err != nil {
		s.fail(job, err)
		return
	}
	data, err := s.fetch(ctx, req)
	if err != nil {
		s.fail(job, err)
		return
	}

	if err := s.advance(ctx, job, StatusForecasting); err != nil {
		s.fail(job, err)
		return
	}
	suite := s.forecastStage(ctx, job, req, data)

	if err := s.advance(ctx, job, StatusOptimizing); err != nil {
		s.fail(job, err)
		return
	}
	solved, err := s.optimize(ctx, job, req, data, suite)
	if err != nil {
		s.fail(job, err)
		return
	}

	if err := s.advance(ctx, job, StatusGeneratingAnalysis); err != nil {
		s.fail(job, err)
		return
	}
	if err := s.analyze(ctx, job, req, data, solved); err != nil {
		s.fail(job, err)
		return
	}

	s.complete(ctx, job, solved)
}

// advance moves the job to the next stage, persisting and publishing the
// transition. A dead context means the job was cancelled or timed out.
func (s *Service) advance(ctx context.Context, job *Job, status Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job.Status = status
	if err := s.documents.Save(ctx, CollectionJobs, job.ID, job); err != nil {
		return fmt.Errorf("failed to persist job state: %w", err)
	}
	s.bus.Publish(&events.JobStageChangedData{JobID: job.ID, Stage: string(status)})
	s.log.Info().Str("job_id", job.ID).Str("stage", string(status)).Msg("Job stage changed")
	return nil
}

// fail marks the job failed with a human-readable reason. The snapshot is
// written on a fresh context because the job's own context may be dead.
func (s *Service) fail(job *Job, cause error) {
	reason := cause.Error()
	if errors.Is(cause, context.Canceled) {
		reason = "cancelled"
	} else if errors.Is(cause, context.DeadlineExceeded) {
		reason = "timed out"
	}

	job.Status = StatusFailed
	job.Error = reason

	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.documents.Save(saveCtx, CollectionJobs, job.ID, job); err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to persist failed job state")
	}

	s.bus.Publish(&events.JobFailedData{JobID: job.ID, Error: reason})
	s.log.Warn().Str("job_id", job.ID).Str("error", reason).Msg("Optimization job failed")
}

func (s *Service) complete(ctx context.Context, job *Job, solved *solveResult) {
	now := time.Now().UTC()
	job.Status = StatusCompleted
	job.CompletedAt = &now

	if err := s.documents.Save(ctx, CollectionJobs, job.ID, job); err != nil {
		s.fail(job, fmt.Errorf("failed to persist completed job: %w", err))
		return
	}

	s.bus.Publish(&events.JobCompletedData{
		JobID:    job.ID,
		Holdings: len(job.OptimalPortfolio),
		Sharpe:   solved.portfolio.SharpeRatio,
	})
	s.log.Info().
		Str("job_id", job.ID).
		Int("holdings", len(job.OptimalPortfolio)).
		Float64("sharpe", solved.portfolio.SharpeRatio).
		Msg("Optimization job completed")
}

// fetch resolves the instrument universe minus exclusions and loads prices
// and dividends. Tickers with too few usable bars are dropped; fewer than
// two survivors is fatal for the job.
func (s *Service) fetch(ctx context.Context, req Request) (*marketData, error) {
	ctx, cancel := context.WithTimeout(ctx, s.stageTimeout)
	defer cancel()

	symbols, err := s.settings.Symbols()
	if err != nil {
		return nil, fmt.Errorf("failed to load instrument universe: %w", err)
	}

	excluded := make(map[string]bool, len(req.ExcludedTickers))
	for _, t := range req.ExcludedTickers {
		excluded[t] = true
	}
	universe := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if !excluded[sym] {
			universe = append(universe, sym)
		}
	}
	if len(universe) == 0 {
		return nil, errors.New("no tickers available for optimization")
	}

	candles, err := s.provider.HistoricalData(ctx, universe, s.historyPeriod, "1d")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch price history: %w", err)
	}
	dividends, err := s.provider.DividendHistory(ctx, universe, s.historyPeriod)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch dividend history: %w", err)
	}

	data := &marketData{
		fullCandles: candles,
		dividends:   dividends,
		asOf:        time.Now().UTC(),
	}

	training := candles
	if req.HistoricalDate != nil {
		split := *req.HistoricalDate
		data.asOf = split
		training = truncateCandles(candles, split)
		data.dividends = truncateDividends(dividends, split)
	}
	data.candles = training

	survivors := make([]string, 0, len(universe))
	for _, t := range universe {
		if len(history.CloseSeries(training[t])) >= minTickerBars {
			survivors = append(survivors, t)
		} else {
			s.log.Debug().Str("ticker", t).Msg("Dropping ticker with insufficient history")
		}
	}
	if len(survivors) < 2 {
		return nil, fmt.Errorf("insufficient data for optimization: need at least 2 tickers with price history, got %d", len(survivors))
	}
	data.tickers = survivors

	if req.HistoricalDate != nil {
		prices := make(map[string]float64, len(survivors))
		for _, t := range survivors {
			closes := history.CloseSeries(training[t])
			prices[t] = closes[len(closes)-1]
		}
		data.prices = prices
	} else {
		prices, err := s.provider.LatestPrices(ctx, survivors)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch latest prices: %w", err)
		}
		data.prices = prices
	}

	s.log.Info().
		Int("universe", len(universe)).
		Int("usable", len(survivors)).
		Msg("Fetched market data")
	return data, nil
}

// forecastStage runs the ensemble suite. Forecast failure is not fatal: the
// job degrades to historical return estimation. Historical runs skip the
// suite entirely because the engine fetches fresh history, which would leak
// post-split data into weight selection.
func (s *Service) forecastStage(ctx context.Context, job *Job, req Request, data *marketData) *forecast.SuiteResult {
	if req.HistoricalDate != nil {
		job.HistoricalFallback = true
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.stageTimeout)
	defer cancel()

	suite, err := s.engine.RunForecastSuite(ctx, forecast.SuiteRequest{
		Tickers:  data.tickers,
		Horizon:  forecastHorizon,
		FastMode: req.Fast,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("job_id", job.ID).Msg("Forecast suite failed, falling back to historical returns")
		job.HistoricalFallback = true
		return nil
	}
	if len(suite.Ensemble) == 0 {
		s.log.Warn().Str("job_id", job.ID).Msg("Forecast suite produced no ensemble, falling back to historical returns")
		job.HistoricalFallback = true
		return nil
	}
	return suite
}

// optimize builds the covariance model and expected returns, solves for the
// max-Sharpe portfolio, samples the efficient frontier and converts weights
// to a share-level allocation.
func (s *Service) optimize(ctx context.Context, job *Job, req Request, data *marketData, suite *forecast.SuiteResult) (*solveResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.stageTimeout)
	defer cancel()

	var (
		model *optimization.CovarianceModel
		err   error
	)
	if req.HistoricalDate != nil {
		model, err = s.covariance.BuildFromCandles(data.tickers, data.candles)
	} else {
		model, err = s.covariance.Build(ctx, data.tickers, s.historyPeriod)
	}
	if err != nil {
		return nil, err
	}

	expectedReturns, err := s.expectedReturns(job, data, suite, model)
	if err != nil {
		return nil, err
	}

	optimal, err := s.optimizer.MaxSharpe(expectedReturns, model, req.Constraints)
	if err != nil {
		return nil, fmt.Errorf("optimization failed: %w", err)
	}

	metrics := map[string]float64{
		"expected_annual_return": optimal.AnnualReturn,
		"annual_volatility":      optimal.AnnualVolatility,
		"sharpe_ratio":           optimal.SharpeRatio,
	}

	if minVol, mvErr := s.optimizer.MinVolatility(expectedReturns, model, req.Constraints); mvErr == nil {
		metrics["min_volatility"] = minVol.AnnualVolatility
		metrics["min_volatility_return"] = minVol.AnnualReturn
	} else {
		s.log.Warn().Err(mvErr).Str("job_id", job.ID).Msg("Minimum-volatility solve failed")
	}

	points := frontierPoints
	if req.Fast {
		points = frontierPointsFast
	}
	frontier, fErr := s.optimizer.EfficientFrontier(expectedReturns, model, req.Constraints, points)
	if fErr != nil {
		s.log.Warn().Err(fErr).Str("job_id", job.ID).Msg("Efficient frontier sampling failed")
	} else {
		job.EfficientFrontier = frontier
	}

	commission, err := s.settings.Commission()
	if err != nil {
		return nil, fmt.Errorf("failed to load commission settings: %w", err)
	}
	allocation := optimization.BuildAllocation(optimal, req.Amount, data.prices, expectedReturns, commission.Type, commission.Value)

	contributions := optimization.RiskContributions(optimal.Weights, model)
	assets := make([]Asset, 0, len(allocation.Positions))
	for _, pos := range allocation.Positions {
		assets = append(assets, Asset{
			Ticker:             pos.Ticker,
			Weight:             pos.Weight,
			Amount:             pos.Amount,
			Shares:             pos.Shares,
			Price:              pos.Price,
			ExpectedReturn:     pos.ExpectedReturn,
			ContributionToRisk: contributions[pos.Ticker],
		})
	}
	job.OptimalPortfolio = assets

	metrics["total_commission"] = allocation.TotalCommission
	metrics["net_investment"] = allocation.NetInvestment
	job.Metrics = metrics

	return &solveResult{portfolio: optimal, model: model}, nil
}

// expectedReturns prefers the forecast ensemble, annualized and adjusted by
// dividend yield and expense ratio. Any gap falls back to the historical
// estimate computed from the same price window as the covariance matrix.
func (s *Service) expectedReturns(job *Job, data *marketData, suite *forecast.SuiteResult, model *optimization.CovarianceModel) (map[string]float64, error) {
	expenseRatios, err := s.settings.ExpenseRatios()
	if err != nil {
		return nil, fmt.Errorf("failed to load expense ratios: %w", err)
	}

	dividendYields := make(map[string]float64, len(model.Tickers))
	for _, t := range model.Tickers {
		dividendYields[t] = history.TrailingDividendYield(data.dividends[t], data.prices[t], data.asOf)
	}

	if suite != nil {
		annualized := forecast.ExtractExpectedReturns(suite)
		trimmed := make(map[string]float64, len(model.Tickers))
		complete := true
		for _, t := range model.Tickers {
			r, ok := annualized[t]
			if !ok {
				complete = false
				break
			}
			trimmed[t] = r
		}
		if complete {
			return s.returns.FromForecast(trimmed, dividendYields, expenseRatios), nil
		}
		s.log.Warn().Str("job_id", job.ID).Msg("Forecast missing tickers, falling back to historical returns")
		job.HistoricalFallback = true
	}

	return s.returns.Historical(model.DailyReturns, dividendYields, expenseRatios), nil
}

// analyze attaches base/bull/bear scenarios and, for historical runs, the
// held-out backtest of the solved weights.
func (s *Service) analyze(ctx context.Context, job *Job, req Request, data *marketData, solved *solveResult) error {
	ctx, cancel := context.WithTimeout(ctx, s.stageTimeout)
	defer cancel()

	job.Scenarios = s.buildScenarios(ctx, job, solved.portfolio)

	if req.HistoricalDate != nil {
		result, err := s.backtester.Run(backtest.Request{
			Weights:       solved.portfolio.Weights,
			History:       data.fullCandles,
			SplitDate:     *req.HistoricalDate,
			InitialAmount: req.Amount,
			AccountType:   job.AccountType,
		})
		if err != nil {
			return fmt.Errorf("backtest failed: %w", err)
		}
		job.Backtest = result
	}
	return nil
}

// truncateCandles keeps candles dated at or before the cutoff. The backtest
// consumes the complement (strictly after), so no bar lands in both windows.
func truncateCandles(candles map[string][]history.Candle, cutoff time.Time) map[string][]history.Candle {
	out := make(map[string][]history.Candle, len(candles))
	for ticker, cs := range candles {
		kept := make([]history.Candle, 0, len(cs))
		for _, c := range cs {
			if !c.Date.After(cutoff) {
				kept = append(kept, c)
			}
		}
		out[ticker] = kept
	}
	return out
}

func truncateDividends(dividends map[string][]history.Dividend, cutoff time.Time) map[string][]history.Dividend {
	out := make(map[string][]history.Dividend, len(dividends))
	for ticker, ds := range dividends {
		kept := make([]history.Dividend, 0, len(ds))
		for _, d := range ds {
			if !d.Date.After(cutoff) {
				kept = append(kept, d)
			}
		}
		out[ticker] = kept
	}
	return out
}
