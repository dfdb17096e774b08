// Package feed is the client for the order/price feed. Every call is signed
// with the validator identity, rate limited, retried with a fixed backoff and
// guarded by a circuit breaker. Failures never reach the caller: they are
// logged and reported as empty results.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/atmx/incentive-engine/internal/identity"
	"github.com/atmx/incentive-engine/internal/metrics"
	"github.com/atmx/incentive-engine/internal/model"
)

// Feed endpoints, relative to the base URL.
const (
	EndpointOrders        = "getalltrades"
	EndpointPrices        = "getlatestprice"
	EndpointRegistrations = "getregistertime"
)

var (
	ErrStatus   = errors.New("feed: unexpected http status")
	ErrEnvelope = errors.New("feed: response code not ok")
)

// Client is what the validator needs from the feed.
type Client interface {
	// RecentOrders returns orders placed at or after since (0 = all),
	// ascending by timestamp.
	RecentOrders(ctx context.Context, since int64) []model.Order
	// LatestPrices returns the live snapshot (asOf = 0) or the snapshot
	// valid at asOf.
	LatestPrices(ctx context.Context, asOf int64) map[string]decimal.Decimal
	// RegistrationTimes maps miner id to registration time for miners
	// registered at or after since.
	RegistrationTimes(ctx context.Context, since int64) map[string]int64
}

// Config tunes the HTTP client.
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	Retries       int
	RetryBackoff  time.Duration
	RatePerSecond float64
}

// HTTPClient implements Client against the feed's REST API.
type HTTPClient struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	signer  *identity.Signer
	clock   func() time.Time
}

// NewHTTPClient creates a feed client. A zero RatePerSecond disables rate
// limiting.
func NewHTTPClient(cfg Config, signer *identity.Signer) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 25 * time.Second
	}
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}

	limit := rate.Inf
	burst := 1
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		burst = max(1, int(cfg.RatePerSecond))
	}

	st := gobreaker.Settings{
		Name:     "feed",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &HTTPClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		breaker: gobreaker.NewCircuitBreaker(st),
		signer:  signer,
		clock:   time.Now,
	}
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg,omitempty"`
	Data json.RawMessage `json:"data"`
}

type wireOrder struct {
	MinerID         string          `json:"MinerID"`
	TokenAddress    string          `json:"TokenAddress"`
	PositionManager string          `json:"PositionManager"`
	Direction       int             `json:"Direction"`
	Nonce           int64           `json:"Nonce"`
	TradePrice      decimal.Decimal `json:"TradePrice"`
	TradePrice4H    decimal.Decimal `json:"TradePrice4H"`
	Timestamp       int64           `json:"Timestamp"`
	Leverage        decimal.Decimal `json:"Leverage"`
}

func (w wireOrder) order() model.Order {
	lev := w.Leverage
	if lev.IsZero() {
		lev = decimal.NewFromInt(1)
	}
	return model.Order{
		MinerID:        w.MinerID,
		Token:          w.TokenAddress,
		IsClose:        w.PositionManager == "close",
		Direction:      w.Direction,
		Nonce:          w.Nonce,
		Price:          w.TradePrice,
		ReferencePrice: w.TradePrice4H,
		Timestamp:      w.Timestamp,
		Leverage:       lev,
	}
}

type wirePrice struct {
	TokenAddress string          `json:"TokenAddress"`
	Price        decimal.Decimal `json:"Price"`
}

type wireRegistration struct {
	Address      string      `json:"Address"`
	RegisterTime json.Number `json:"RegisterTime"`
}

// RecentOrders implements Client. Orders failing validation are dropped.
func (c *HTTPClient) RecentOrders(ctx context.Context, since int64) []model.Order {
	params := url.Values{}
	if since > 0 {
		params.Set("tradetime", strconv.FormatInt(since, 10))
	}
	var rows []wireOrder
	if err := c.get(ctx, EndpointOrders, params, &rows); err != nil {
		c.fail(EndpointOrders, err)
		return nil
	}

	orders := make([]model.Order, 0, len(rows))
	for _, row := range rows {
		o := row.order()
		if err := o.Validate(); err != nil {
			slog.Warn("dropping invalid order", "miner", o.MinerID, "nonce", o.Nonce, "err", err)
			continue
		}
		orders = append(orders, o)
	}
	sort.SliceStable(orders, func(i, j int) bool { return orders[i].Timestamp < orders[j].Timestamp })
	return orders
}

// LatestPrices implements Client.
func (c *HTTPClient) LatestPrices(ctx context.Context, asOf int64) map[string]decimal.Decimal {
	params := url.Values{}
	if asOf > 0 {
		params.Set("latesttime", strconv.FormatInt(asOf, 10))
	}
	var rows []wirePrice
	if err := c.get(ctx, EndpointPrices, params, &rows); err != nil {
		c.fail(EndpointPrices, err)
		return map[string]decimal.Decimal{}
	}
	prices := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		if row.TokenAddress != "" {
			prices[row.TokenAddress] = row.Price
		}
	}
	return prices
}

// RegistrationTimes implements Client.
func (c *HTTPClient) RegistrationTimes(ctx context.Context, since int64) map[string]int64 {
	params := url.Values{}
	params.Set("starttime", strconv.FormatInt(since, 10))
	var rows []wireRegistration
	if err := c.get(ctx, EndpointRegistrations, params, &rows); err != nil {
		c.fail(EndpointRegistrations, err)
		return map[string]int64{}
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		ts, err := row.RegisterTime.Int64()
		if row.Address == "" || err != nil || ts == 0 {
			continue
		}
		out[row.Address] = ts
	}
	return out
}

func (c *HTTPClient) fail(endpoint string, err error) {
	metrics.FeedRequestsTotal.WithLabelValues(endpoint, metrics.ResultError).Inc()
	slog.Warn("feed request failed", "endpoint", endpoint, "err", err)
}

// get performs a signed GET with retries and decodes the envelope's data
// into out. Empty data leaves out untouched.
func (c *HTTPClient) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	var err error
	for attempt := 0; attempt < c.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryBackoff):
			}
		}
		_, err = c.breaker.Execute(func() (interface{}, error) {
			return nil, c.fetch(ctx, endpoint, params, out)
		})
		if err == nil {
			metrics.FeedRequestsTotal.WithLabelValues(endpoint, metrics.ResultOK).Inc()
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || ctx.Err() != nil {
			break
		}
		slog.Debug("feed request retry", "endpoint", endpoint, "attempt", attempt+1, "err", err)
	}
	return err
}

func (c *HTTPClient) fetch(ctx context.Context, endpoint string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	if c.signer != nil {
		creds, err := c.signer.Credentials(c.clock().Unix())
		if err != nil {
			return err
		}
		q.Set("userId", creds.UserID)
		q.Set("pubKey", creds.PubKey)
		q.Set("timestamp", strconv.FormatInt(creds.Timestamp, 10))
		q.Set("sig", creds.Signature)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("feed: build request: %w", err)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.FeedLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("feed: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", ErrStatus, endpoint, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("feed: decode %s: %w", endpoint, err)
	}
	if env.Code != http.StatusOK {
		return fmt.Errorf("%w: %s code %d %s", ErrEnvelope, endpoint, env.Code, env.Msg)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("feed: decode %s data: %w", endpoint, err)
	}
	return nil
}
