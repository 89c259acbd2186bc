package pipeline

import (
	"time"

	"github.com/aristath/astrolabe/internal/modules/backtest"
	"github.com/aristath/astrolabe/internal/modules/optimization"
)

// Status is a job lifecycle state. Jobs move strictly forward through the
// pipeline stages; failed is reachable from any non-terminal state.
type Status string

const (
	StatusQueued             Status = "queued"
	StatusFetchingData       Status = "fetching_data"
	StatusForecasting        Status = "forecasting"
	StatusOptimizing         Status = "optimizing"
	StatusGeneratingAnalysis Status = "generating_analysis"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Asset is one holding of the solved portfolio, expressed both as a weight
// and as a concrete share count at the allocation price.
type Asset struct {
	Ticker             string  `json:"ticker" msgpack:"ticker"`
	Weight             float64 `json:"weight" msgpack:"weight"`
	Amount             float64 `json:"amount" msgpack:"amount"`
	Shares             float64 `json:"shares" msgpack:"shares"`
	Price              float64 `json:"price" msgpack:"price"`
	ExpectedReturn     float64 `json:"expected_return" msgpack:"expected_return"`
	ContributionToRisk float64 `json:"contribution_to_risk" msgpack:"contribution_to_risk"`
}

// ProjectionPoint is one month of a scenario's compounded value projection.
type ProjectionPoint struct {
	Month int     `json:"month" msgpack:"month"`
	Value float64 `json:"value" msgpack:"value"`
}

// Scenario is one base/bull/bear case: the adjusted portfolio statistics and
// a monthly compounding projection of the invested amount for visualization.
type Scenario struct {
	Name             string            `json:"name" msgpack:"name"`
	AnnualReturn     float64           `json:"annual_return" msgpack:"annual_return"`
	AnnualVolatility float64           `json:"annual_volatility" msgpack:"annual_volatility"`
	Description      string            `json:"description,omitempty" msgpack:"description"`
	Projection       []ProjectionPoint `json:"projection" msgpack:"projection"`
}

// Job is the optimization job aggregate. It is owned exclusively by the one
// pipeline invocation that created it and persisted at every state
// transition, so a concurrent status read always observes a complete
// snapshot.
type Job struct {
	ID            string     `json:"job_id" msgpack:"job_id"`
	Status        Status     `json:"status" msgpack:"status"`
	CreatedAt     time.Time  `json:"created_at" msgpack:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" msgpack:"completed_at"`
	InitialAmount float64    `json:"initial_amount" msgpack:"initial_amount"`
	Currency      string     `json:"currency" msgpack:"currency"`
	AccountType   string     `json:"account_type" msgpack:"account_type"`
	Error         string     `json:"error,omitempty" msgpack:"error"`

	OptimalPortfolio  []Asset                      `json:"optimal_portfolio,omitempty" msgpack:"optimal_portfolio"`
	EfficientFrontier []optimization.FrontierPoint `json:"efficient_frontier,omitempty" msgpack:"efficient_frontier"`
	Metrics           map[string]float64           `json:"metrics,omitempty" msgpack:"metrics"`
	Scenarios         []Scenario                   `json:"scenarios,omitempty" msgpack:"scenarios"`
	Backtest          *backtest.Result             `json:"backtest,omitempty" msgpack:"backtest"`

	// HistoricalFallback marks that expected returns came from the
	// historical estimate instead of the forecast ensemble, either because
	// forecasting failed or because the job ran against a historical date.
	HistoricalFallback bool `json:"historical_fallback,omitempty" msgpack:"historical_fallback"`
}
