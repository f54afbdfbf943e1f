// Package metrics provides Prometheus instrumentation for the portfolio engine.
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
	// CyclesTotal counts portfolio cycles by outcome ("ok" or the failing stage).
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_cycles_total",
		Help: "Total portfolio cycles run, partitioned by outcome",
	}, []string{"outcome"})

	// CycleDuration tracks end-to-end cycle latency per strategy.
	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_cycle_duration_seconds",
		Help:    "Portfolio cycle duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"strategy"})

	// SignalsGenerated counts signals emitted by each strategy.
	SignalsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_signals_generated_total",
		Help: "Signals generated, partitioned by strategy",
	}, []string{"strategy"})

	// TradesTotal counts trades executed, partitioned by action.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_trades_total",
		Help: "Total number of trades executed",
	}, []string{"action"})

	// SignalRejections counts rejected signals by reason.
	SignalRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_signal_rejections_total",
		Help: "Signals rejected at execution, partitioned by reason",
	}, []string{"reason"})

	// LockWait tracks how long callers wait for a portfolio lock.
	LockWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_lock_wait_seconds",
		Help:    "Time spent waiting for the per-portfolio mutation lock",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"caller"})

	// PriceTickDuration tracks price updater tick latency.
	PriceTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "portfolio_price_tick_duration_seconds",
		Help:    "Price updater tick duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// PriceFetchFailures counts failed batched price fetches.
	PriceFetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_price_fetch_failures_total",
		Help: "Batched price fetches that failed or timed out",
	})

	// PositionsSkipped counts positions left unrevalued for lack of a price.
	PositionsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_positions_skipped_total",
		Help: "Open positions skipped in a tick because no valid price was available",
	})

	// OpenPositions tracks open positions across all portfolios.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_open_positions",
		Help: "Number of open positions across all portfolios",
	})

	// IngestRefreshes counts market-data refreshes by outcome.
	IngestRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_ingest_refreshes_total",
		Help: "Market-data refreshes, partitioned by outcome",
	}, []string{"outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
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
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// ObserveSince records the elapsed time since start on h.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
