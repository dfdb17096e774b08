// Package metrics provides Prometheus instrumentation for the validator.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RoundsTotal counts scoring rounds by outcome.
	RoundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "incentive_rounds_total",
		Help: "Scoring rounds by result",
	}, []string{"result"})

	RoundDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "incentive_round_duration_seconds",
		Help:    "Scoring round duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	// ScoredMiners is the number of miners ranked in the last round.
	ScoredMiners = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "incentive_scored_miners",
		Help: "Miners scored in the last round",
	})

	// VotedWeight is the weight total submitted in the last vote.
	VotedWeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "incentive_voted_weight",
		Help: "Sum of weights in the last submitted vote",
	})

	// ExcludedMiners is the current size of the exclusion set.
	ExcludedMiners = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "incentive_excluded_miners",
		Help: "Miners currently excluded from weight distribution",
	})

	// EliminationsTotal counts new elimination flags by reason.
	EliminationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "incentive_eliminations_total",
		Help: "Elimination flags written, by reason",
	}, []string{"reason"})

	// TaskRunsTotal counts scheduled detector runs.
	TaskRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "incentive_task_runs_total",
		Help: "Scheduled task runs by task and result",
	}, []string{"task", "result"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "incentive_task_duration_seconds",
		Help:    "Scheduled task duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})

	// FeedRequestsTotal counts outbound feed calls by endpoint and result.
	FeedRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "incentive_feed_requests_total",
		Help: "Feed requests by endpoint and result",
	}, []string{"endpoint", "result"})

	FeedLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "incentive_feed_latency_seconds",
		Help:    "Feed request latency in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25},
	}, []string{"endpoint"})

	// IncompleteSnapshots counts historical price snapshots missing tokens.
	IncompleteSnapshots = promauto.NewCounter(prometheus.CounterOpts{
		Name: "incentive_incomplete_price_snapshots_total",
		Help: "Historical price snapshots that did not cover every token",
	})

	// VoteAttemptsTotal counts vote submissions by result.
	VoteAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "incentive_vote_attempts_total",
		Help: "Vote submission attempts by result",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "incentive_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "incentive_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "incentive_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Result labels shared by the counters above.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"
	ResultAborted = "aborted"
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTask records one scheduled task run.
func ObserveTask(task string, elapsed time.Duration, err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	TaskRunsTotal.WithLabelValues(task, result).Inc()
	TaskDuration.WithLabelValues(task).Observe(elapsed.Seconds())
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Label by route pattern so miner ids don't explode cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
