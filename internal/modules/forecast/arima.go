package forecast

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/aristath/astrolabe/internal/history"
	"github.com/aristath/astrolabe/internal/storage"
	"github.com/aristath/astrolabe/pkg/formulas"
)

const (
	// arimaMaxHorizonDays caps the forecast length: ARIMA is a short-term
	// model, longer horizons are served by the Monte Carlo models.
	arimaMaxHorizonDays = 60

	// maxTuneIterations bounds the AIC grid search cost per ticker.
	maxTuneIterations = 50

	arimaConfidenceLevel = 0.95
	arimaParamsTTL       = 24 * time.Hour

	emaTrendPeriod = 20
	rsiPeriod      = 14
)

// MacKinnon 5% critical values for the ADF t-statistic.
const (
	adfCriticalConstTrend = -3.41
	adfCriticalConst      = -2.86
)

// ARIMA is the autoregressive integrated moving-average model. It operates
// on log closing prices, picks the differencing order with an augmented
// Dickey-Fuller test, auto-tunes (p,q) by AIC grid search with the results
// cached per ticker, and fits coefficients by conditional sum of squares.
type ARIMA struct {
	cache *storage.Cache
	log   zerolog.Logger
}

// arimaOrder is the cached (p,d,q) selection for one ticker.
type arimaOrder struct {
	P int `json:"p" msgpack:"p"`
	D int `json:"d" msgpack:"d"`
	Q int `json:"q" msgpack:"q"`
}

// NewARIMA creates the ARIMA model. The cache is optional: passing nil
// disables parameter caching and every call re-tunes.
func NewARIMA(cache *storage.Cache, log zerolog.Logger) *ARIMA {
	return &ARIMA{
		cache: cache,
		log:   log.With().Str("model", "arima").Logger(),
	}
}

// Name implements Model.
func (a *ARIMA) Name() string { return "arima" }

// Forecast implements Model.
func (a *ARIMA) Forecast(ctx context.Context, req Request) (map[string]*TickerForecast, error) {
	results := make(map[string]*TickerForecast, len(req.Tickers))

	for _, ticker := range req.Tickers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		candles, ok := req.History[ticker]
		if !ok {
			continue
		}
		closes := history.CloseSeries(candles)
		if len(closes) < arimaMinHistory {
			results[ticker] = &TickerForecast{Model: a.Name(), Error: "insufficient historical data for ARIMA"}
			continue
		}

		forecast, err := a.forecastSingle(ctx, ticker, closes, req.HorizonDays, req.FastMode)
		if err != nil {
			results[ticker] = &TickerForecast{Model: a.Name(), Error: fmt.Sprintf("ARIMA forecast failed: %v", err)}
			continue
		}
		results[ticker] = forecast
	}

	return results, nil
}

func (a *ARIMA) forecastSingle(ctx context.Context, ticker string, closes []float64, horizonDays int, fastMode bool) (*TickerForecast, error) {
	logPrices := make([]float64, len(closes))
	for i, p := range closes {
		logPrices[i] = math.Log(p)
	}
	lastPrice := closes[len(closes)-1]

	steps := horizonDays
	if steps > arimaMaxHorizonDays {
		steps = arimaMaxHorizonDays
	}
	if steps < 1 {
		steps = 1
	}

	var p, d, q int
	switch {
	case fastMode:
		p, d, q = 1, 1, 1
	default:
		if order, ok := a.cachedOrder(ctx, ticker); ok {
			p, d, q = order.P, order.D, order.Q
		} else {
			stationary, dSuggested := checkStationarity(logPrices)
			var dCandidates []int
			if stationary {
				dCandidates = []int{dSuggested, dSuggested + 1}
			} else {
				dCandidates = []int{0, 1, 2}
			}
			p, d, q = a.autoTune(ctx, logPrices, dCandidates)
			a.saveOrder(ctx, ticker, arimaOrder{P: p, D: d, Q: q})
		}
	}

	differenced := differenceN(logPrices, d)
	fit, err := fitARMA(differenced, p, q)
	if err != nil {
		return nil, err
	}

	fcDiff := fit.forecast(differenced, steps)
	variances := forecastVariances(fit, d, steps)
	logLevels := integrateForecast(fcDiff, logPrices, d)

	z := distuv.UnitNormal.Quantile(0.5 + arimaConfidenceLevel/2)
	path := &ForecastPath{
		Mean:  make([]float64, steps),
		Lower: make([]float64, steps),
		Upper: make([]float64, steps),
	}
	for h := 0; h < steps; h++ {
		se := math.Sqrt(math.Max(variances[h], 0))
		path.Mean[h] = math.Exp(logLevels[h])
		path.Lower[h] = math.Exp(logLevels[h] - z*se)
		path.Upper[h] = math.Exp(logLevels[h] + z*se)
	}

	terminalMean := path.Mean[steps-1]
	terminalLower := path.Lower[steps-1]
	terminalUpper := path.Upper[steps-1]

	return &TickerForecast{
		Model:        a.Name(),
		CurrentPrice: lastPrice,
		HorizonDays:  steps,
		Parameters: map[string]float64{
			"p":   float64(p),
			"d":   float64(d),
			"q":   float64(q),
			"aic": fit.AIC,
			"bic": fit.BIC,
		},
		Terminal: &Distribution{
			Mean:   terminalMean,
			Median: terminalMean,
			Lower:  terminalLower,
			Upper:  terminalUpper,
		},
		Returns: &ReturnMetrics{
			MeanReturn:  terminalMean/lastPrice - 1,
			LowerReturn: terminalLower/lastPrice - 1,
			UpperReturn: terminalUpper/lastPrice - 1,
		},
		Regime: a.detectRegime(closes, p, d),
		Path:   path,
	}, nil
}

// autoTune grid-searches (p,q) over [0,5]x[0,5] for each differencing
// candidate, keeping the order with the lowest AIC. The total number of fit
// attempts is capped; (1,1,1) is the fallback when nothing converges.
func (a *ARIMA) autoTune(ctx context.Context, logPrices []float64, dCandidates []int) (int, int, int) {
	bestAIC := math.Inf(1)
	bestP, bestD, bestQ := 1, 1, 1

	iterations := 0
	for _, d := range dCandidates {
		differenced := differenceN(logPrices, d)
		for p := 0; p <= 5; p++ {
			for q := 0; q <= 5; q++ {
				iterations++
				if iterations > maxTuneIterations || ctx.Err() != nil {
					return bestP, bestD, bestQ
				}

				fit, err := fitARMA(differenced, p, q)
				if err != nil {
					continue
				}
				if fit.AIC < bestAIC {
					bestAIC = fit.AIC
					bestP, bestD, bestQ = p, d, q
				}
			}
		}
	}

	return bestP, bestD, bestQ
}

func (a *ARIMA) cachedOrder(ctx context.Context, ticker string) (arimaOrder, bool) {
	if a.cache == nil {
		return arimaOrder{}, false
	}
	var order arimaOrder
	if err := a.cache.Get(ctx, "arima_params_"+ticker, &order); err != nil {
		return arimaOrder{}, false
	}
	return order, true
}

func (a *ARIMA) saveOrder(ctx context.Context, ticker string, order arimaOrder) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Set(ctx, "arima_params_"+ticker, order, arimaParamsTTL); err != nil {
		a.log.Warn().Err(err).Str("ticker", ticker).Msg("Failed to cache ARIMA parameters")
	}
}

// detectRegime classifies the recent market regime from smoothed trend,
// realized volatility, RSI momentum, and the fitted order.
func (a *ARIMA) detectRegime(closes []float64, p, d int) *Regime {
	returns := formulas.CalculateReturns(closes)

	trend := "sideways"
	if len(closes) > 2*emaTrendPeriod+1 {
		ema := talib.Ema(closes, emaTrendPeriod)
		last := ema[len(ema)-1]
		prev := ema[len(ema)-1-emaTrendPeriod]
		if prev > 0 && last > 0 {
			avgLogReturn := math.Log(last/prev) / float64(emaTrendPeriod)
			if avgLogReturn > 0.001 {
				trend = "uptrend"
			} else if avgLogReturn < -0.001 {
				trend = "downtrend"
			}
		}
	}

	volatility := formulas.StdDev(returns)
	volRegime := "low"
	if volatility > 0.02 {
		volRegime = "high"
	} else if volatility > 0.01 {
		volRegime = "normal"
	}

	momentum := "neutral"
	if len(closes) > rsiPeriod+1 {
		rsi := talib.Rsi(closes, rsiPeriod)
		switch last := rsi[len(rsi)-1]; {
		case last > 70:
			momentum = "overbought"
		case last < 30:
			momentum = "oversold"
		}
	}

	return &Regime{
		Trend:            trend,
		VolatilityRegime: volRegime,
		Momentum:         momentum,
		MeanReverting:    d > 0 || p > 1,
	}
}

// checkStationarity runs the augmented Dickey-Fuller test: first with
// constant and trend on the level series, then constant-only after one
// difference. Returns whether a stationary representation was found and the
// suggested differencing order.
func checkStationarity(series []float64) (bool, int) {
	if t, ok := adfStatistic(series, true); ok && t < adfCriticalConstTrend {
		return true, 0
	}
	if t, ok := adfStatistic(difference(series), false); ok && t < adfCriticalConst {
		return true, 1
	}
	return false, 1
}

// adfStatistic regresses the differenced series on the lagged level, lagged
// differences, a constant, and optionally a linear trend, returning the
// t-statistic of the lagged-level coefficient.
func adfStatistic(series []float64, withTrend bool) (float64, bool) {
	diffs := difference(series)
	n := len(diffs)

	lags := int(math.Cbrt(float64(len(series))))
	if lags < 1 {
		lags = 1
	}

	rows := n - lags
	cols := 2 + lags
	if withTrend {
		cols++
	}
	if rows <= cols {
		return 0, false
	}

	X := mat.NewDense(rows, cols, nil)
	y := make([]float64, rows)
	levelCol := 0
	for r := 0; r < rows; r++ {
		i := lags + r
		y[r] = diffs[i]

		col := 0
		X.Set(r, col, 1)
		col++
		if withTrend {
			X.Set(r, col, float64(r+1))
			col++
		}
		// diffs[i] = series[i+1] - series[i], so series[i] is the lagged level
		X.Set(r, col, series[i])
		levelCol = col
		col++
		for l := 1; l <= lags; l++ {
			X.Set(r, col, diffs[i-l])
			col++
		}
	}

	return olsTStat(X, y, levelCol)
}

// olsTStat solves the least-squares problem X*beta = y and returns the
// t-statistic of the coefficient at coefIdx.
func olsTStat(X *mat.Dense, y []float64, coefIdx int) (float64, bool) {
	rows, cols := X.Dims()

	var qr mat.QR
	qr.Factorize(X)

	var beta mat.VecDense
	if err := qr.SolveVecTo(&beta, false, mat.NewVecDense(rows, y)); err != nil {
		return 0, false
	}

	var fitted mat.VecDense
	fitted.MulVec(X, &beta)

	rss := 0.0
	for i := 0; i < rows; i++ {
		r := y[i] - fitted.AtVec(i)
		rss += r * r
	}
	dof := rows - cols
	if dof <= 0 {
		return 0, false
	}
	s2 := rss / float64(dof)

	var xtx, xtxInv mat.Dense
	xtx.Mul(X.T(), X)
	if err := xtxInv.Inverse(&xtx); err != nil {
		return 0, false
	}

	se := math.Sqrt(s2 * xtxInv.At(coefIdx, coefIdx))
	if se == 0 || math.IsNaN(se) {
		return 0, false
	}
	return beta.AtVec(coefIdx) / se, true
}

// armaFit holds the CSS-fitted ARMA(p,q) model over a (differenced) series.
type armaFit struct {
	P, Q   int
	Const  float64
	Phi    []float64
	Theta  []float64
	Resid  []float64
	SSE    float64
	Sigma2 float64
	AIC    float64
	BIC    float64
}

var armaSuccessStatuses = map[optimize.Status]bool{
	optimize.Success:             true,
	optimize.GradientThreshold:   true,
	optimize.FunctionConvergence: true,
}

// fitARMA estimates ARMA(p,q) coefficients by minimizing the conditional sum
// of squared innovations with Nelder-Mead, penalizing coefficients outside
// the invertible region.
func fitARMA(series []float64, p, q int) (*armaFit, error) {
	n := len(series)
	k := p + q + 1
	if n <= k+p {
		return nil, fmt.Errorf("series too short for ARMA(%d,%d)", p, q)
	}

	objective := func(params []float64) float64 {
		sse, _ := armaSSE(series, params, p, q)
		penalty := 0.0
		for _, coeff := range params[1:] {
			if abs := math.Abs(coeff); abs > 0.99 {
				penalty += 1000.0 * (abs - 0.99) * (abs - 0.99)
			}
		}
		return sse + penalty
	}

	initial := make([]float64, k)
	initial[0] = formulas.Mean(series)

	problem := optimize.Problem{Func: objective}
	result, err := optimize.Minimize(problem, initial, &optimize.Settings{}, &optimize.NelderMead{})
	if err != nil {
		return nil, fmt.Errorf("ARMA(%d,%d) fit failed: %w", p, q, err)
	}
	if !armaSuccessStatuses[result.Status] {
		return nil, fmt.Errorf("ARMA(%d,%d) fit did not converge: status=%v", p, q, result.Status)
	}

	params := result.X
	sse, resid := armaSSE(series, params, p, q)

	nEff := float64(n - p)
	sigma2 := sse / nEff
	if sigma2 <= 0 || math.IsNaN(sigma2) {
		return nil, fmt.Errorf("ARMA(%d,%d) fit degenerate", p, q)
	}

	return &armaFit{
		P:      p,
		Q:      q,
		Const:  params[0],
		Phi:    append([]float64{}, params[1:1+p]...),
		Theta:  append([]float64{}, params[1+p:]...),
		Resid:  resid,
		SSE:    sse,
		Sigma2: sigma2,
		AIC:    nEff*math.Log(sigma2) + 2*float64(k),
		BIC:    nEff*math.Log(sigma2) + math.Log(nEff)*float64(k),
	}, nil
}

// armaSSE computes the conditional sum of squared innovations for a
// parameter vector [c, phi..., theta...].
func armaSSE(series []float64, params []float64, p, q int) (float64, []float64) {
	c := params[0]
	phi := params[1 : 1+p]
	theta := params[1+p:]

	resid := make([]float64, len(series))
	sse := 0.0
	for t := p; t < len(series); t++ {
		pred := c
		for i := 0; i < p; i++ {
			pred += phi[i] * series[t-1-i]
		}
		for j := 0; j < q; j++ {
			if idx := t - 1 - j; idx >= p {
				pred += theta[j] * resid[idx]
			}
		}
		resid[t] = series[t] - pred
		sse += resid[t] * resid[t]
	}
	return sse, resid
}

// forecast iterates the fitted recursion forward. Future innovations are
// zero; in-sample residuals feed the MA terms while they remain in reach.
func (f *armaFit) forecast(series []float64, steps int) []float64 {
	extended := make([]float64, len(series), len(series)+steps)
	copy(extended, series)

	out := make([]float64, steps)
	for h := 0; h < steps; h++ {
		t := len(extended)
		pred := f.Const
		for i := 0; i < f.P; i++ {
			pred += f.Phi[i] * extended[t-1-i]
		}
		for j := 0; j < f.Q; j++ {
			if idx := t - 1 - j; idx < len(series) {
				pred += f.Theta[j] * f.Resid[idx]
			}
		}
		extended = append(extended, pred)
		out[h] = pred
	}
	return out
}

// forecastVariances derives the h-step forecast error variance from the MA
// representation (psi weights), integrated d times for the differencing.
func forecastVariances(fit *armaFit, d, steps int) []float64 {
	psi := make([]float64, steps)
	psi[0] = 1
	for j := 1; j < steps; j++ {
		v := 0.0
		if j <= len(fit.Theta) {
			v += fit.Theta[j-1]
		}
		for i := 1; i <= len(fit.Phi) && i <= j; i++ {
			v += fit.Phi[i-1] * psi[j-i]
		}
		psi[j] = v
	}

	for r := 0; r < d; r++ {
		for j := 1; j < len(psi); j++ {
			psi[j] += psi[j-1]
		}
	}

	variances := make([]float64, steps)
	acc := 0.0
	for h := 0; h < steps; h++ {
		acc += psi[h] * psi[h]
		variances[h] = fit.Sigma2 * acc
	}
	return variances
}

// integrateForecast rebuilds level forecasts from forecasts of the d-times
// differenced series by cumulative summation off each differencing tail.
func integrateForecast(fc []float64, series []float64, d int) []float64 {
	levels := fc
	for depth := d - 1; depth >= 0; depth-- {
		base := differenceN(series, depth)
		cum := base[len(base)-1]
		out := make([]float64, len(levels))
		for i, v := range levels {
			cum += v
			out[i] = cum
		}
		levels = out
	}
	return levels
}

func difference(series []float64) []float64 {
	if len(series) < 2 {
		return []float64{}
	}
	out := make([]float64, len(series)-1)
	for i := 1; i < len(series); i++ {
		out[i-1] = series[i] - series[i-1]
	}
	return out
}

func differenceN(series []float64, d int) []float64 {
	out := series
	for i := 0; i < d; i++ {
		out = difference(out)
	}
	return out
}
