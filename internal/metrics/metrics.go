// Package metrics provides Prometheus instrumentation for the contest engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts submitted orders, partitioned by side and type.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contest_orders_total",
		Help: "Total number of orders submitted",
	}, []string{"side", "type"})

	// FillsTotal counts executed fills, partitioned by side and by what
	// drove them (market submission vs. limit trigger).
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contest_fills_total",
		Help: "Total number of fills executed",
	}, []string{"side", "trigger"})

	// RejectionsTotal counts rejected order operations by kind.
	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contest_order_rejections_total",
		Help: "Order operations rejected, by rejection kind",
	}, []string{"kind"})

	// ConsistencyAborts counts fills aborted by the solvency guard.
	// Any non-zero value is a defect to investigate.
	ConsistencyAborts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contest_consistency_aborts_total",
		Help: "Fills aborted because they would break a balance/position invariant",
	})

	// TicksTotal counts ingested price ticks per instrument.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contest_ticks_total",
		Help: "Price ticks ingested",
	}, []string{"code"})

	// TicksDropped counts ticks dropped because a per-instrument
	// evaluation queue was full.
	TicksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contest_ticks_dropped_total",
		Help: "Price ticks dropped due to a full evaluation queue",
	}, []string{"code"})

	// RestingOrders tracks the number of limit orders awaiting a trigger.
	RestingOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "contest_resting_orders",
		Help: "Number of pending limit orders in the book",
	})

	// FillLatency tracks time from tick arrival to fill application.
	FillLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "contest_fill_latency_seconds",
		Help:    "Latency from tick arrival to fill application",
		Buckets: prometheus.DefBuckets,
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "contest_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contest_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "contest_http_request_duration_seconds",
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

		// Use the raw path for the label; the route surface is small.
		path := r.URL.Path
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
