// Package metrics provides Prometheus instrumentation for the bank engine.
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
	// PostingsTotal counts journal entries written, partitioned by kind.
	PostingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bank_ledger_postings_total",
		Help: "Total number of ledger postings",
	}, []string{"kind"})

	// LedgerRejections counts operations refused by the ledger.
	LedgerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bank_ledger_rejections_total",
		Help: "Ledger operations rejected, by reason",
	}, []string{"reason"})

	// PositionsOpened counts positions/orders created per product.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bank_positions_opened_total",
		Help: "Positions or orders opened, by product",
	}, []string{"product"})

	// PositionsClosed counts terminal transitions per product and outcome.
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bank_positions_closed_total",
		Help: "Positions or orders reaching a terminal state",
	}, []string{"product", "outcome"})

	// SweepDuration tracks settlement sweep latency.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bank_sweep_duration_seconds",
		Help:    "Settlement sweep duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
	})

	// SweepFailures counts isolated per-position sweep errors.
	SweepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bank_sweep_failures_total",
		Help: "Per-position settlement failures",
	}, []string{"product"})

	// OracleTicks counts price ticks; stale marks skipped sweeps.
	OracleTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bank_oracle_ticks_total",
		Help: "Oracle ticks by result",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bank_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bank_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bank_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// RateLimited counts requests refused by the per-user limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bank_http_rate_limited_total",
		Help: "Requests rejected by the per-user rate limiter",
	})
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
