package testing

import (
	"context"
	"sync"

	"github.com/aristath/astrolabe/internal/history"
)

// StubProvider is an in-memory history.Provider. Fields may be mutated
// between calls to shape the data a test sees.
type StubProvider struct {
	Candles   map[string][]history.Candle
	Dividends map[string][]history.Dividend

	// Prices overrides LatestPrices; when nil the last close of each
	// ticker's candle series is used.
	Prices map[string]float64

	// Block makes HistoricalData wait for context cancellation, simulating
	// a hung upstream.
	Block bool

	// Err is returned by HistoricalData when set.
	Err error

	mu              sync.Mutex
	historicalCalls int
}

var _ history.Provider = (*StubProvider)(nil)

func (p *StubProvider) HistoricalData(ctx context.Context, tickers []string, _, _ string) (map[string][]history.Candle, error) {
	p.mu.Lock()
	p.historicalCalls++
	p.mu.Unlock()

	if p.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.Err != nil {
		return nil, p.Err
	}
	out := make(map[string][]history.Candle, len(tickers))
	for _, t := range tickers {
		out[t] = p.Candles[t]
	}
	return out, nil
}

func (p *StubProvider) DividendHistory(_ context.Context, tickers []string, _ string) (map[string][]history.Dividend, error) {
	out := make(map[string][]history.Dividend, len(tickers))
	for _, t := range tickers {
		out[t] = p.Dividends[t]
	}
	return out, nil
}

func (p *StubProvider) LatestPrices(_ context.Context, tickers []string) (map[string]float64, error) {
	out := make(map[string]float64, len(tickers))
	for _, t := range tickers {
		if p.Prices != nil {
			if price, ok := p.Prices[t]; ok {
				out[t] = price
			}
			continue
		}
		if cs := p.Candles[t]; len(cs) > 0 {
			out[t] = cs[len(cs)-1].Close
		}
	}
	return out, nil
}

// HistoricalCalls reports how many times HistoricalData was invoked, for
// cache idempotence assertions.
func (p *StubProvider) HistoricalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.historicalCalls
}
