package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tradeloop/internal/logging"
)

// ErrCircuitOpen is returned while the breaker is cooling down after repeated
// provider failures.
var ErrCircuitOpen = errors.New("market data circuit open")

// ErrRateLimited wraps provider 429 responses so callers can map the
// PRODUCT_API_RATE_LIMITED error code.
var ErrRateLimited = errors.New("market data rate limited")

const (
	breakerThreshold = 3
	breakerCooldown  = 5 * time.Minute
)

type (
	// HTTPSource fetches candles and prices from an exchange-style REST API.
	// Requests pass through a client-side rate limiter; repeated 429s or
	// timeouts open a circuit breaker for the cooldown period.
	HTTPSource struct {
		base    string
		client  *http.Client
		limiter *rate.Limiter

		mu       sync.Mutex
		failures int
		openedAt time.Time
	}

	candleWire struct {
		Start  int64   `json:"start,string"`
		Open   float64 `json:"open,string"`
		High   float64 `json:"high,string"`
		Low    float64 `json:"low,string"`
		Close  float64 `json:"close,string"`
		Volume float64 `json:"volume,string"`
	}
)

// NewHTTPSource builds a source against baseURL (e.g. the exchange public
// API). The limiter allows 10 req/s with burst 5, matching public endpoint
// budgets.
func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{
		base:    baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 5),
	}
}

// GetCandles implements DataSource.
func (s *HTTPSource) GetCandles(ctx context.Context, symbol string, window time.Duration) ([]Candle, error) {
	end := time.Now().UTC()
	start := end.Add(-window)
	granularity := granularityFor(window)
	query := url.Values{
		"start":       {fmt.Sprint(start.Unix())},
		"end":         {fmt.Sprint(end.Unix())},
		"granularity": {granularity},
	}
	var wire struct {
		Candles []candleWire `json:"candles"`
	}
	if err := s.get(ctx, fmt.Sprintf("/products/%s/candles", url.PathEscape(symbol)), query, &wire); err != nil {
		return nil, err
	}
	candles := make([]Candle, 0, len(wire.Candles))
	// Exchange returns newest-first; normalize to oldest-first.
	for i := len(wire.Candles) - 1; i >= 0; i-- {
		c := wire.Candles[i]
		candles = append(candles, Candle{
			Start:  time.Unix(c.Start, 0).UTC(),
			Open:   c.Open,
			High:   c.High,
			Low:    c.Low,
			Close:  c.Close,
			Volume: c.Volume,
		})
	}
	return candles, nil
}

// GetPrice implements DataSource.
func (s *HTTPSource) GetPrice(ctx context.Context, symbol string) (float64, error) {
	var wire struct {
		Price float64 `json:"price,string"`
	}
	if err := s.get(ctx, fmt.Sprintf("/products/%s/ticker", url.PathEscape(symbol)), nil, &wire); err != nil {
		return 0, err
	}
	if wire.Price <= 0 {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return wire.Price, nil
}

// ListProducts implements DataSource.
func (s *HTTPSource) ListProducts(ctx context.Context) ([]string, error) {
	var wire struct {
		Products []struct {
			ProductID string `json:"product_id"`
			Status    string `json:"status"`
		} `json:"products"`
	}
	if err := s.get(ctx, "/products", nil, &wire); err != nil {
		return nil, err
	}
	var products []string
	for _, p := range wire.Products {
		if p.Status == "" || p.Status == "online" {
			products = append(products, p.ProductID)
		}
	}
	return products, nil
}

func (s *HTTPSource) get(ctx context.Context, path string, query url.Values, out any) error {
	if err := s.checkBreaker(); err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	u := s.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.recordFailure(ctx)
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		s.recordFailure(ctx)
		return fmt.Errorf("%s: %w", path, ErrRateLimited)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	s.recordSuccess()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *HTTPSource) checkBreaker() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures < breakerThreshold {
		return nil
	}
	if time.Since(s.openedAt) > breakerCooldown {
		s.failures = 0
		return nil
	}
	return ErrCircuitOpen
}

func (s *HTTPSource) recordFailure(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	if s.failures == breakerThreshold {
		s.openedAt = time.Now()
		logging.Warn(ctx, "market data circuit opened", "cooldown", breakerCooldown.String())
	}
}

func (s *HTTPSource) recordSuccess() {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
}

func granularityFor(window time.Duration) string {
	switch {
	case window <= 6*time.Hour:
		return "FIVE_MINUTE"
	case window <= 48*time.Hour:
		return "ONE_HOUR"
	default:
		return "ONE_DAY"
	}
}
