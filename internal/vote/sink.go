// Package vote submits weight vectors and resolves the on-chain identifier
// map through the vote service's HTTP API.
package vote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/atmx/incentive-engine/internal/identity"
	"github.com/atmx/incentive-engine/internal/metrics"
)

var (
	ErrRejected = errors.New("vote: request rejected")
	ErrEmpty    = errors.New("vote: empty weight map")
)

// Sink receives the final weight vector. Callers skip the call for an
// empty map.
type Sink interface {
	Vote(ctx context.Context, weights map[string]int) error
}

// Config tunes HTTPSink.
type Config struct {
	URL          string
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
}

// HTTPSink posts votes to the vote service and reads its identifier map.
type HTTPSink struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	signer  *identity.Signer
	clock   func() time.Time
}

// NewHTTPSink creates a sink. signer may be nil for unsigned requests.
func NewHTTPSink(cfg Config, signer *identity.Signer) *HTTPSink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	cfg.URL = strings.TrimSuffix(cfg.URL, "/")

	st := gobreaker.Settings{
		Name:    "vote",
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &HTTPSink{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(st),
		signer:  signer,
		clock:   time.Now,
	}
}

type voteRequest struct {
	Weights map[string]int `json:"weights"`
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg,omitempty"`
	Data json.RawMessage `json:"data"`
}

// Vote implements Sink.
func (s *HTTPSink) Vote(ctx context.Context, weights map[string]int) error {
	if len(weights) == 0 {
		return ErrEmpty
	}
	body, err := json.Marshal(voteRequest{Weights: weights})
	if err != nil {
		return fmt.Errorf("vote: encode: %w", err)
	}
	err = s.retry(ctx, func() error {
		return s.do(ctx, http.MethodPost, "/vote", body, nil)
	})
	if err != nil {
		metrics.VoteAttemptsTotal.WithLabelValues(metrics.ResultError).Inc()
		return err
	}
	metrics.VoteAttemptsTotal.WithLabelValues(metrics.ResultOK).Inc()
	return nil
}

// Identifiers returns the registered miner address to uid map.
func (s *HTTPSink) Identifiers(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int)
	err := s.retry(ctx, func() error {
		return s.do(ctx, http.MethodGet, "/identifiers", nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *HTTPSink) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < s.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.RetryBackoff):
			}
		}
		_, err = s.breaker.Execute(func() (interface{}, error) { return nil, fn() })
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || ctx.Err() != nil {
			break
		}
		slog.Warn("vote service request failed", "attempt", attempt+1, "err", err)
	}
	return err
}

func (s *HTTPSink) do(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, s.cfg.URL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("vote: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.signer != nil {
		creds, err := s.signer.Credentials(s.clock().Unix())
		if err != nil {
			return err
		}
		req.Header.Set("X-User-Id", creds.UserID)
		req.Header.Set("X-Pub-Key", creds.PubKey)
		req.Header.Set("X-Timestamp", strconv.FormatInt(creds.Timestamp, 10))
		req.Header.Set("X-Signature", creds.Signature)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("vote: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", ErrRejected, path, resp.StatusCode)
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("vote: decode %s: %w", path, err)
	}
	if env.Code != http.StatusOK {
		return fmt.Errorf("%w: %s code %d %s", ErrRejected, path, env.Code, env.Msg)
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("vote: decode %s data: %w", path, err)
		}
	}
	return nil
}
