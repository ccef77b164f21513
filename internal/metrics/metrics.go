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
	// TradesTotal counts executed trades by kind (bet, sale) and outcome.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playmoney_trades_total",
		Help: "Total number of trades executed",
	}, []string{"kind", "outcome"})

	// TradeLatency measures snapshot-to-commit time, retries included.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "playmoney_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// FeesCollected accumulates fees by recipient.
	FeesCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playmoney_fees_collected_total",
		Help: "Cumulative fees charged, in mana",
	}, []string{"component"})

	// MakerFills counts resting orders filled (fully or partially).
	MakerFills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playmoney_maker_fills_total",
		Help: "Limit order fills against resting orders",
	})

	// StaleRetries counts commits retried after a version conflict.
	StaleRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playmoney_stale_snapshot_retries_total",
		Help: "Commits recomputed after the market moved underneath them",
	})

	// InvariantViolations counts computations rejected by a state check.
	InvariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playmoney_invariant_violations_total",
		Help: "Computations that produced an invalid pool state",
	})

	// ActiveMarkets tracks the number of open markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "playmoney_active_markets",
		Help: "Number of currently open markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "playmoney_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playmoney_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "playmoney_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// PositionLimitRejections counts trades rejected by the exposure limiter.
	PositionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playmoney_position_limit_rejections_total",
		Help: "Trades rejected by position limiter",
	})

	// RateLimited counts requests rejected by the per-user rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playmoney_rate_limited_total",
		Help: "Requests rejected by the per-user rate limiter",
	})

	// MarketVolume tracks cumulative traded mana per market.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playmoney_market_volume_total",
		Help: "Cumulative traded mana",
	}, []string{"market_id"})
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
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
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
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
