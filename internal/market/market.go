// Package market abstracts the candle and price source the research and
// execution stages depend on. Live deployments use the rate-limited HTTP
// client; tests and paper trading use the deterministic fixture source.
package market

import (
	"context"
	"time"
)

type (
	// Candle is one OHLCV bar.
	Candle struct {
		Start  time.Time `json:"start"`
		Open   float64   `json:"open"`
		High   float64   `json:"high"`
		Low    float64   `json:"low"`
		Close  float64   `json:"close"`
		Volume float64   `json:"volume"`
	}

	// DataSource supplies market data. Implementations must be safe for
	// concurrent use; the research node fans out across symbols.
	DataSource interface {
		// GetCandles returns bars for symbol covering the trailing window.
		GetCandles(ctx context.Context, symbol string, window time.Duration) ([]Candle, error)
		// GetPrice returns the latest trade price for symbol.
		GetPrice(ctx context.Context, symbol string) (float64, error)
		// ListProducts returns the tradable symbol catalog.
		ListProducts(ctx context.Context) ([]string, error)
	}
)

// Return computes the fractional return over the candle series: last close
// against first open. Returns false when the series cannot produce a return.
func Return(candles []Candle) (float64, bool) {
	if len(candles) == 0 {
		return 0, false
	}
	first := candles[0].Open
	last := candles[len(candles)-1].Close
	if first <= 0 {
		return 0, false
	}
	return (last - first) / first, true
}

// LastPrice returns the final close of the series.
func LastPrice(candles []Candle) (float64, bool) {
	if len(candles) == 0 {
		return 0, false
	}
	return candles[len(candles)-1].Close, true
}
