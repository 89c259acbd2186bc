package forecast

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/astrolabe/internal/history"
	"github.com/aristath/astrolabe/internal/storage"
	"github.com/aristath/astrolabe/internal/utils"
)

const (
	// historyPeriod is the price window shared by all models in a suite.
	historyPeriod = "2y"

	suiteCacheTTL = 24 * time.Hour
)

// SuiteRequest describes one forecast-suite invocation.
type SuiteRequest struct {
	Tickers     []string
	Horizon     string
	Models      []string
	Simulations int
	Scenarios   map[string]ScenarioAdjustment
	FastMode    bool
	SkipCache   bool
}

// ModelRun is one model's slot in the suite result: either a model-level
// error or its per-ticker forecasts.
type ModelRun struct {
	Error   string                     `json:"error,omitempty" msgpack:"error"`
	Tickers map[string]*TickerForecast `json:"tickers,omitempty" msgpack:"tickers"`
}

// ConstituentModel records one model's contribution to a ticker's ensemble.
type ConstituentModel struct {
	Name   string  `json:"name" msgpack:"name"`
	Weight float64 `json:"weight" msgpack:"weight"`
	Return float64 `json:"return" msgpack:"return"`
}

// EnsembleForecast is the combined per-ticker forecast across the models
// that succeeded for that ticker.
type EnsembleForecast struct {
	Model             string             `json:"model" msgpack:"model"`
	CurrentPrice      float64            `json:"current_price" msgpack:"current_price"`
	MeanReturn        float64            `json:"mean_return" msgpack:"mean_return"`
	MeanTerminalPrice float64            `json:"mean_terminal_price" msgpack:"mean_terminal_price"`
	Constituents      []ConstituentModel `json:"constituent_models" msgpack:"constituent_models"`
}

// SuiteResult is the cached unit returned by RunForecastSuite. Tickers lists
// the tickers that had usable history and entered the models.
type SuiteResult struct {
	Ensemble    map[string]*EnsembleForecast `json:"ensemble" msgpack:"ensemble"`
	Models      map[string]*ModelRun         `json:"models" msgpack:"models"`
	HorizonDays int                          `json:"horizon_days" msgpack:"horizon_days"`
	HorizonName string                       `json:"horizon_name" msgpack:"horizon_name"`
	Tickers     []string                     `json:"tickers" msgpack:"tickers"`
}

// Engine maintains the model registry and runs forecast suites: one shared
// history fetch, all models concurrently, failures isolated per model, and
// an ensemble combined per ticker over the surviving models.
type Engine struct {
	provider history.Provider
	cache    *storage.Cache
	log      zerolog.Logger

	mu     sync.RWMutex
	models map[string]Model
}

// NewEngine creates a forecasting engine. The cache is optional; passing nil
// disables suite-level caching.
func NewEngine(provider history.Provider, cache *storage.Cache, log zerolog.Logger) *Engine {
	return &Engine{
		provider: provider,
		cache:    cache,
		log:      log.With().Str("component", "forecast_engine").Logger(),
		models:   make(map[string]Model),
	}
}

// Register adds or replaces a model under the given name.
func (e *Engine) Register(name string, model Model) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.models[name] = model
}

// RegisteredModels returns the registered model names, sorted.
func (e *Engine) RegisteredModels() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.models))
	for name := range e.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) model(name string) (Model, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.models[name]
	return m, ok
}

// RunForecastSuite runs the requested models over a shared price history and
// combines their outputs per ticker. Within the cache TTL the call is
// idempotent for identical inputs.
func (e *Engine) RunForecastSuite(ctx context.Context, req SuiteRequest) (*SuiteResult, error) {
	if len(req.Tickers) == 0 {
		return nil, fmt.Errorf("no tickers provided")
	}

	models := req.Models
	if len(models) == 0 {
		models = e.RegisteredModels()
	}
	simulations := req.Simulations
	if simulations <= 0 {
		simulations = DefaultSimulations
	}
	horizonDays := HorizonToDays(req.Horizon)

	cacheKey := suiteCacheKey(req.Tickers, horizonDays, models, simulations)
	if !req.SkipCache && e.cache != nil {
		var cached SuiteResult
		if err := e.cache.Get(ctx, cacheKey, &cached); err == nil {
			e.log.Debug().Str("key", cacheKey).Msg("Forecast suite cache hit")
			return &cached, nil
		}
	}

	timer := utils.NewTimer("forecast_suite", e.log)
	defer timer.Stop()

	allHistory, err := e.provider.HistoricalData(ctx, req.Tickers, historyPeriod, "1d")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch price history: %w", err)
	}

	// Tickers without usable history are dropped from every model's input
	usable := make(map[string][]history.Candle, len(allHistory))
	tickers := make([]string, 0, len(req.Tickers))
	for _, ticker := range req.Tickers {
		if candles := allHistory[ticker]; len(candles) > 0 {
			usable[ticker] = candles
			tickers = append(tickers, ticker)
		}
	}
	if len(tickers) == 0 {
		return nil, fmt.Errorf("no price history available for tickers")
	}

	modelRuns := e.runModelsParallel(ctx, models, Request{
		Tickers:     tickers,
		HorizonDays: horizonDays,
		History:     usable,
		Simulations: simulations,
		Scenarios:   req.Scenarios,
		FastMode:    req.FastMode,
	})

	result := &SuiteResult{
		Ensemble:    buildEnsemble(modelRuns, tickers, models),
		Models:      modelRuns,
		HorizonDays: horizonDays,
		HorizonName: req.Horizon,
		Tickers:     tickers,
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, cacheKey, result, suiteCacheTTL); err != nil {
			e.log.Warn().Err(err).Msg("Failed to cache forecast suite")
		}
	}

	return result, nil
}

// runModelsParallel executes every requested model concurrently against the
// same inputs. A model's failure is captured in its own slot and never
// aborts the sibling models.
func (e *Engine) runModelsParallel(ctx context.Context, names []string, req Request) map[string]*ModelRun {
	runs := make(map[string]*ModelRun, len(names))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		model, ok := e.model(name)
		if !ok {
			runs[name] = &ModelRun{Error: fmt.Sprintf("model %q not registered", name)}
			continue
		}

		g.Go(func() error {
			forecasts, err := model.Forecast(gctx, req)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				e.log.Warn().Err(err).Str("model", name).Msg("Forecast model failed")
				runs[name] = &ModelRun{Error: err.Error()}
			} else {
				runs[name] = &ModelRun{Tickers: forecasts}
			}
			return nil
		})
	}
	_ = g.Wait()

	return runs
}

// buildEnsemble combines model outputs per ticker with equal weights over
// the models that succeeded for that ticker, so the realized weights always
// sum to 1. Tickers no model could forecast are omitted.
func buildEnsemble(runs map[string]*ModelRun, tickers, models []string) map[string]*EnsembleForecast {
	ensemble := make(map[string]*EnsembleForecast, len(tickers))

	for _, ticker := range tickers {
		var (
			names   []string
			results []*TickerForecast
		)
		for _, name := range models {
			run := runs[name]
			if run == nil || run.Error != "" {
				continue
			}
			tf := run.Tickers[ticker]
			if tf.Failed() {
				continue
			}
			names = append(names, name)
			results = append(results, tf)
		}
		if len(results) == 0 {
			continue
		}

		weight := 1.0 / float64(len(results))
		ef := &EnsembleForecast{
			Model:        "ensemble",
			CurrentPrice: results[0].CurrentPrice,
			Constituents: make([]ConstituentModel, 0, len(results)),
		}
		for i, tf := range results {
			var ret, price float64
			if tf.Returns != nil {
				ret = tf.Returns.MeanReturn
			}
			if tf.Terminal != nil {
				price = tf.Terminal.Mean
			}
			ef.MeanReturn += weight * ret
			ef.MeanTerminalPrice += weight * price
			ef.Constituents = append(ef.Constituents, ConstituentModel{
				Name:   names[i],
				Weight: weight,
				Return: ret,
			})
		}
		ensemble[ticker] = ef
	}

	return ensemble
}

// ExtractExpectedReturns converts the ensemble mean returns to annualized
// expected returns. The trading-day horizon is mapped to the calendar span
// it covers, then compounded to an annual-equivalent rate.
func ExtractExpectedReturns(suite *SuiteResult) map[string]float64 {
	out := make(map[string]float64, len(suite.Ensemble))
	if suite.HorizonDays <= 0 {
		return out
	}

	calendarDays := float64(suite.HorizonDays) * 365.0 / 252.0
	exponent := 365.0 / calendarDays
	for ticker, ef := range suite.Ensemble {
		if ef.MeanReturn <= -1 {
			out[ticker] = -1
			continue
		}
		out[ticker] = math.Pow(1+ef.MeanReturn, exponent) - 1
	}
	return out
}

// suiteCacheKey builds a deterministic cache key from the suite inputs.
func suiteCacheKey(tickers []string, horizonDays int, models []string, simulations int) string {
	sortedTickers := append([]string{}, tickers...)
	sort.Strings(sortedTickers)
	sortedModels := append([]string{}, models...)
	sort.Strings(sortedModels)

	payload := fmt.Sprintf("%s|%d|%s|%d",
		strings.Join(sortedTickers, ","),
		horizonDays,
		strings.Join(sortedModels, ","),
		simulations,
	)
	sum := sha256.Sum256([]byte(payload))
	return "forecast_suite_" + hex.EncodeToString(sum[:16])
}
