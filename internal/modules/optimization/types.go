// Package optimization solves the constrained mean-variance allocation
// problem: given expected annual returns and an annualized covariance
// matrix it produces optimal weights, the efficient frontier, and the
// share-level allocation net of commission.
package optimization

// OptimalPortfolio is a solved weight vector with its realized statistics.
// Weights are non-negative and sum to 1 within numerical tolerance after
// filtering and renormalization.
type OptimalPortfolio struct {
	Weights          map[string]float64 `json:"weights" msgpack:"weights"`
	AnnualReturn     float64            `json:"annual_return" msgpack:"annual_return"`
	AnnualVolatility float64            `json:"annual_volatility" msgpack:"annual_volatility"`
	SharpeRatio      float64            `json:"sharpe_ratio" msgpack:"sharpe_ratio"`
	Constrained      bool               `json:"constrained" msgpack:"constrained"`
	Degraded         bool               `json:"degraded,omitempty" msgpack:"degraded"`
}

// FrontierPoint is one sample of the efficient frontier: the minimum
// volatility achievable at a target annual return.
type FrontierPoint struct {
	AnnualVolatility float64            `json:"annual_volatility" msgpack:"annual_volatility"`
	AnnualReturn     float64            `json:"annual_return" msgpack:"annual_return"`
	SharpeRatio      float64            `json:"sharpe_ratio" msgpack:"sharpe_ratio"`
	Weights          map[string]float64 `json:"weights" msgpack:"weights"`
}

// Position is a concrete allocation line item: the share count a weight
// converts to at the latest price once commission is taken off the top.
type Position struct {
	Ticker         string  `json:"ticker" msgpack:"ticker"`
	Weight         float64 `json:"weight" msgpack:"weight"`
	Amount         float64 `json:"amount" msgpack:"amount"`
	Shares         float64 `json:"shares" msgpack:"shares"`
	Price          float64 `json:"price" msgpack:"price"`
	ExpectedReturn float64 `json:"expected_return" msgpack:"expected_return"`
}

// Allocation is the share-level breakdown of an optimal portfolio for a
// given investable amount.
type Allocation struct {
	Positions       []Position `json:"positions" msgpack:"positions"`
	TotalCommission float64    `json:"total_commission" msgpack:"total_commission"`
	NetInvestment   float64    `json:"net_investment" msgpack:"net_investment"`
}

// CorrelationPair flags two tickers whose return correlation exceeds the
// reporting threshold. Correlation is signed.
type CorrelationPair struct {
	Ticker1     string  `json:"ticker_1" msgpack:"ticker_1"`
	Ticker2     string  `json:"ticker_2" msgpack:"ticker_2"`
	Correlation float64 `json:"correlation" msgpack:"correlation"`
}

// CovarianceModel is the annualized covariance matrix over a common price
// window, with the aligned daily returns that produced it. Matrix rows and
// columns follow the Tickers order.
type CovarianceModel struct {
	Tickers          []string             `json:"tickers" msgpack:"tickers"`
	Matrix           [][]float64          `json:"matrix" msgpack:"matrix"`
	DailyReturns     map[string][]float64 `json:"daily_returns" msgpack:"daily_returns"`
	Observations     int                  `json:"observations" msgpack:"observations"`
	Shrinkage        float64              `json:"shrinkage" msgpack:"shrinkage"`
	HighlyCorrelated []CorrelationPair    `json:"highly_correlated,omitempty" msgpack:"highly_correlated"`
}

// Variance returns the diagonal entry for a ticker, or 0 if the ticker is
// not part of the model.
func (m *CovarianceModel) Variance(ticker string) float64 {
	for i, t := range m.Tickers {
		if t == ticker {
			return m.Matrix[i][i]
		}
	}
	return 0
}

// RiskContributions decomposes portfolio variance into fractional per-ticker
// contributions, w_i*(Cw)_i / (w'Cw). Contributions sum to 1 whenever the
// portfolio variance is positive; a zero-variance portfolio yields all zeros.
func RiskContributions(weights map[string]float64, model *CovarianceModel) map[string]float64 {
	n := len(model.Tickers)
	w := make([]float64, n)
	for i, t := range model.Tickers {
		w[i] = weights[t]
	}

	marginal := make([]float64, n)
	var variance float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			marginal[i] += model.Matrix[i][j] * w[j]
		}
		variance += w[i] * marginal[i]
	}

	contributions := make(map[string]float64, n)
	for i, t := range model.Tickers {
		if variance <= 0 {
			contributions[t] = 0
			continue
		}
		contributions[t] = w[i] * marginal[i] / variance
	}
	return contributions
}

// BuildCorrelationMap converts correlation pairs to a map keyed
// "A:B" with both orderings stored for symmetric lookup.
func BuildCorrelationMap(pairs []CorrelationPair) map[string]float64 {
	correlationMap := make(map[string]float64, len(pairs)*2)
	for _, pair := range pairs {
		correlationMap[pair.Ticker1+":"+pair.Ticker2] = pair.Correlation
		correlationMap[pair.Ticker2+":"+pair.Ticker1] = pair.Correlation
	}
	return correlationMap
}
