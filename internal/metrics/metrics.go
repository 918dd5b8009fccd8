// Package metrics provides Prometheus instrumentation for the market engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts committed trades, partitioned by outcome and pool shape.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_trades_total",
		Help: "Total number of trades committed",
	}, []string{"outcome", "shape"})

	// TradeLatency tracks end-to-end trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "amm_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	// TradeRejections counts trades that ended in an error, by error kind.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_trade_rejections_total",
		Help: "Trades rejected, by error kind",
	}, []string{"kind"})

	// TradeRetries counts automatic retries after a concurrency conflict.
	TradeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amm_trade_retries_total",
		Help: "Trades retried after a concurrency conflict",
	})

	// LockWait tracks how long trades wait for the per-pool lock.
	LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "amm_pool_lock_wait_seconds",
		Help:    "Time spent waiting for the per-pool lock",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 3},
	})

	// PoolHalts counts pools halted after an invalid-state detection.
	PoolHalts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amm_pool_halts_total",
		Help: "Pools halted because their stored state was invalid",
	})

	// QuotesTotal counts read-only previews, by pool shape.
	QuotesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_quotes_total",
		Help: "Total number of trade previews served",
	}, []string{"shape"})

	// ActiveMarkets tracks the number of open markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "amm_active_markets",
		Help: "Number of currently open markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "amm_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// FeedRejected counts change-feed messages dropped by the bridge.
	FeedRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amm_feed_rejected_total",
		Help: "Change-feed messages rejected as malformed or shape-inconsistent",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "amm_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// PositionLimitRejections counts trades rejected by the position limiter.
	PositionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amm_position_limit_rejections_total",
		Help: "Trades rejected by position limiter",
	})

	// MarketVolume tracks cumulative gross amount traded per market.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_market_volume_total",
		Help: "Cumulative gross amount traded",
	}, []string{"market_id", "outcome"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
