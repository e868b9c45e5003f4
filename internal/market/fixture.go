package market

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FixtureSource is a deterministic in-memory DataSource for paper trading and
// tests. Prices are fixed per symbol; candle series are synthesized from a
// configured return so the research ranking is predictable.
type FixtureSource struct {
	mu      sync.Mutex
	prices  map[string]float64
	returns map[string]float64
	calls   map[string]int
}

// NewFixtureSource seeds the source with per-symbol last prices and
// fractional returns over the lookback window.
func NewFixtureSource(prices, returns map[string]float64) *FixtureSource {
	if prices == nil {
		prices = map[string]float64{}
	}
	if returns == nil {
		returns = map[string]float64{}
	}
	return &FixtureSource{prices: prices, returns: returns, calls: map[string]int{}}
}

// GetCandles implements DataSource. It synthesizes a two-bar series whose
// open/close encode the configured return.
func (s *FixtureSource) GetCandles(_ context.Context, symbol string, window time.Duration) ([]Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["candles"]++
	price, ok := s.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("unknown product %s", symbol)
	}
	ret := s.returns[symbol]
	open := price / (1 + ret)
	now := time.Now().UTC()
	return []Candle{
		{Start: now.Add(-window), Open: open, High: max(open, price), Low: min(open, price), Close: open, Volume: 100},
		{Start: now.Add(-window / 2), Open: open, High: max(open, price), Low: min(open, price), Close: price, Volume: 100},
	}, nil
}

// GetPrice implements DataSource.
func (s *FixtureSource) GetPrice(_ context.Context, symbol string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["price"]++
	price, ok := s.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("unknown product %s", symbol)
	}
	return price, nil
}

// ListProducts implements DataSource.
func (s *FixtureSource) ListProducts(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["products"]++
	products := make([]string, 0, len(s.prices))
	for symbol := range s.prices {
		products = append(products, symbol)
	}
	return products, nil
}

// Calls reports how many times the named operation ("candles", "price",
// "products") was invoked. Replay tests use this to assert zero fetches.
func (s *FixtureSource) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}
