package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"marketpulse/internal/breaker"
)

var (
	// ErrNotConfigured means no batch endpoint is set.
	ErrNotConfigured = errors.New("fallback: batch api not configured")
	// ErrRateLimited means the limiter rejected the request; the breaker
	// does not count it.
	ErrRateLimited = errors.New("fallback: batch api rate limited")
)

// Quote is one entry of the batch response. Optional fields are nil when
// the endpoint omits them.
type Quote struct {
	Symbol        string   `json:"symbol"`
	CurrentPrice  float64  `json:"currentPrice"`
	PreviousClose *float64 `json:"previousClose,omitempty"`
	Open          *float64 `json:"open,omitempty"`
	Change        *float64 `json:"change,omitempty"`
	ChangePercent *float64 `json:"changePercent,omitempty"`
}

// ReferenceClose picks the close that change is measured against:
// previousClose, then open, then price minus the reported change, then the
// price itself.
func (q Quote) ReferenceClose() float64 {
	if q.PreviousClose != nil && *q.PreviousClose > 0 {
		return *q.PreviousClose
	}
	if q.Open != nil && *q.Open > 0 {
		return *q.Open
	}
	if q.Change != nil && q.CurrentPrice-*q.Change > 0 {
		return q.CurrentPrice - *q.Change
	}
	return q.CurrentPrice
}

type batchResponse struct {
	Results []Quote `json:"results"`
}

// BatchConfig configures a BatchClient.
type BatchConfig struct {
	BaseURL    string
	Timeout    time.Duration // default 5s
	MinGap     time.Duration // limiter spacing, default half of DefaultInterval
	Breaker    *breaker.Breaker
	HTTPClient *http.Client
}

// BatchClient fetches quotes for many symbols in one request.
type BatchClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	cb      *breaker.Breaker
}

// NewBatchClient builds a client. A nil breaker gets the default one
// (3 consecutive failures, 60s cooldown).
func NewBatchClient(cfg BatchConfig) *BatchClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MinGap <= 0 {
		cfg.MinGap = DefaultInterval / 2
	}
	if cfg.Breaker == nil {
		cfg.Breaker = breaker.New("batch_api", 3, 60*time.Second)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &BatchClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    hc,
		limiter: rate.NewLimiter(rate.Every(cfg.MinGap), 1),
		cb:      cfg.Breaker,
	}
}

// Breaker exposes the client's breaker for metrics wiring.
func (c *BatchClient) Breaker() *breaker.Breaker { return c.cb }

// Fetch requests every symbol in one call.
func (c *BatchClient) Fetch(ctx context.Context, symbols []string) ([]Quote, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}
	if len(symbols) == 0 {
		return nil, nil
	}
	if !c.limiter.Allow() {
		return nil, ErrRateLimited
	}

	var quotes []Quote
	err := c.cb.Execute(func() error {
		var err error
		quotes, err = c.get(ctx, symbols)
		return err
	})
	if err != nil {
		return nil, err
	}
	return quotes, nil
}

func (c *BatchClient) get(ctx context.Context, symbols []string) ([]Quote, error) {
	u := c.baseURL + "/api/stock?symbols=" + url.QueryEscape(strings.Join(symbols, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("fallback: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fallback: batch request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fallback: batch api status %d", resp.StatusCode)
	}
	var out batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("fallback: decode batch response: %w", err)
	}
	return out.Results, nil
}
