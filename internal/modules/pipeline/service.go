// Package pipeline orchestrates optimization jobs through the fetch,
// forecast, optimize and analysis stages. A job is created in queued,
// handed to the worker pool, and advanced through the state machine with
// every transition persisted and published on the event bus, so status
// reads always observe a complete snapshot and never block on the solve.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/astrolabe/internal/clients/narrative"
	"github.com/aristath/astrolabe/internal/events"
	"github.com/aristath/astrolabe/internal/history"
	"github.com/aristath/astrolabe/internal/modules/backtest"
	"github.com/aristath/astrolabe/internal/modules/forecast"
	"github.com/aristath/astrolabe/internal/modules/optimization"
	"github.com/aristath/astrolabe/internal/settings"
	"github.com/aristath/astrolabe/internal/storage"
)

const (
	// CollectionJobs is the document collection job snapshots persist to.
	CollectionJobs = "optimization_jobs"

	// defaultStageTimeout bounds each pipeline stage.
	defaultStageTimeout = 5 * time.Minute

	// defaultHistoryPeriod is the price window fetched for covariance and
	// historical return estimation.
	defaultHistoryPeriod = "2y"

	// minTickerBars is the minimum candle count for a ticker to take part
	// in an optimization. Tickers below it are dropped, not fatal.
	minTickerBars = 30

	defaultCurrency    = "USD"
	forecastHorizon    = "6mo"
	frontierPoints     = 20
	frontierPointsFast = 5
)

var (
	// ErrJobNotFound is returned when no job exists under the requested id.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotRunning is returned by Cancel when the job has no active
	// pipeline invocation (unknown id or already terminal).
	ErrJobNotRunning = errors.New("job is not running")
)

// RequestError marks a rejected optimization request. The HTTP layer maps it
// to a client error rather than a server error.
type RequestError struct {
	msg string
}

func (e *RequestError) Error() string { return e.msg }

func requestErrorf(format string, args ...any) *RequestError {
	return &RequestError{msg: fmt.Sprintf(format, args...)}
}

// Request describes one optimization run.
type Request struct {
	Amount          float64                            `json:"amount"`
	Currency        string                             `json:"currency,omitempty"`
	ExcludedTickers []string                           `json:"excluded_tickers,omitempty"`
	Constraints     *optimization.PortfolioConstraints `json:"constraints,omitempty"`
	Fast            bool                               `json:"fast,omitempty"`
	HistoricalDate  *time.Time                         `json:"historical_date,omitempty"`
	AccountType     string                             `json:"account_type,omitempty"`
}

// Config wires the service's collaborators.
type Config struct {
	Provider   history.Provider
	Settings   *settings.Service
	Engine     *forecast.Engine
	Covariance *optimization.CovarianceBuilder
	Optimizer  *optimization.Optimizer
	Returns    *optimization.ReturnsCalculator
	Backtester *backtest.Backtester
	Documents  *storage.DocumentStore
	Bus        *events.Bus

	// Generator is optional; nil degrades scenario generation to the
	// fixed multipliers.
	Generator narrative.Generator

	HistoryPeriod string
	StageTimeout  time.Duration
	Log           zerolog.Logger
}

// Service runs optimization jobs. StartOptimization is fire-and-forget; the
// caller polls GetJob for the outcome.
type Service struct {
	provider   history.Provider
	settings   *settings.Service
	engine     *forecast.Engine
	covariance *optimization.CovarianceBuilder
	optimizer  *optimization.Optimizer
	returns    *optimization.ReturnsCalculator
	backtester *backtest.Backtester
	documents  *storage.DocumentStore
	bus        *events.Bus
	generator  narrative.Generator

	historyPeriod string
	stageTimeout  time.Duration
	pool          *Pool
	log           zerolog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewService creates the pipeline service on top of the given worker pool.
// The pool's Run loop is owned by the caller.
func NewService(cfg Config, pool *Pool) *Service {
	period := cfg.HistoryPeriod
	if period == "" {
		period = defaultHistoryPeriod
	}
	timeout := cfg.StageTimeout
	if timeout <= 0 {
		timeout = defaultStageTimeout
	}
	return &Service{
		provider:      cfg.Provider,
		settings:      cfg.Settings,
		engine:        cfg.Engine,
		covariance:    cfg.Covariance,
		optimizer:     cfg.Optimizer,
		returns:       cfg.Returns,
		backtester:    cfg.Backtester,
		documents:     cfg.Documents,
		bus:           cfg.Bus,
		generator:     cfg.Generator,
		historyPeriod: period,
		stageTimeout:  timeout,
		pool:          pool,
		log:           cfg.Log.With().Str("component", "pipeline").Logger(),
		cancels:       make(map[string]context.CancelFunc),
	}
}

// StartOptimization validates the request, persists a queued job and submits
// it to the worker pool. It returns the job id immediately; the pipeline
// runs in the background and the caller polls GetJob.
func (s *Service) StartOptimization(ctx context.Context, req Request) (string, error) {
	if req.Amount <= 0 {
		return "", requestErrorf("amount must be positive, got %v", req.Amount)
	}
	if req.Constraints != nil {
		if err := req.Constraints.Validate(); err != nil {
			return "", requestErrorf("invalid constraints: %v", err)
		}
	}
	if req.Currency == "" {
		req.Currency = defaultCurrency
	}
	if req.AccountType == "" {
		req.AccountType = settings.AccountTaxable
	}

	jobID := uuid.New().String()
	job := &Job{
		ID:            jobID,
		Status:        StatusQueued,
		CreatedAt:     time.Now().UTC(),
		InitialAmount: req.Amount,
		Currency:      req.Currency,
		AccountType:   req.AccountType,
	}

	if err := s.documents.Save(ctx, CollectionJobs, jobID, job); err != nil {
		return "", fmt.Errorf("failed to persist job: %w", err)
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[jobID] = cancel
	s.mu.Unlock()

	s.bus.Publish(&events.JobQueuedData{JobID: jobID, Amount: req.Amount})

	s.pool.Submit(jobCtx, jobID, func(runCtx context.Context) {
		defer s.release(jobID)
		s.run(runCtx, job, req)
	})

	s.log.Info().
		Str("job_id", jobID).
		Float64("amount", req.Amount).
		Str("currency", req.Currency).
		Str("account_type", req.AccountType).
		Bool("fast", req.Fast).
		Msg("Optimization job queued")

	return jobID, nil
}

// GetJob reads the latest persisted snapshot of a job.
func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := s.documents.Get(ctx, CollectionJobs, jobID, &job); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	return &job, nil
}

// Cancel cancels a job's context. The runner observes the cancellation
// between stages and marks the job failed with reason "cancelled". Jobs
// still waiting for a pool slot fail as soon as a worker picks them up.
func (s *Service) Cancel(jobID string) error {
	s.mu.Lock()
	cancel, ok := s.cancels[jobID]
	s.mu.Unlock()
	if !ok {
		return ErrJobNotRunning
	}
	cancel()
	s.log.Info().Str("job_id", jobID).Msg("Job cancellation requested")
	return nil
}

// ActiveJobs returns in-flight plus queued job counts for status reporting.
func (s *Service) ActiveJobs() (inFlight, queued int) {
	return s.pool.InFlight(), s.pool.QueueDepth()
}

// release drops the job's cancel registration once the run is over.
func (s *Service) release(jobID string) {
	s.mu.Lock()
	cancel, ok := s.cancels[jobID]
	delete(s.cancels, jobID)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}
