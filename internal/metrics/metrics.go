// Package metrics provides Prometheus instrumentation for the demo engine.
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
	// ReadingsTotal counts generated CGM readings, partitioned by mode
	// (historical backfill or live).
	ReadingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "demo_readings_total",
		Help: "Total number of generated glucose readings",
	}, []string{"mode"})

	// TreatmentsTotal counts generated treatments by event type.
	TreatmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "demo_treatments_total",
		Help: "Total number of generated treatments",
	}, []string{"event_type"})

	// DaysSimulated counts simulated days by scenario archetype.
	DaysSimulated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "demo_days_simulated_total",
		Help: "Simulated days by scenario",
	}, []string{"scenario"})

	// BatchFlushDuration tracks how long a store batch write takes.
	BatchFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "demo_batch_flush_seconds",
		Help:    "Batch write latency in seconds",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// BatchWriteErrors counts failed batch writes.
	BatchWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "demo_batch_write_errors_total",
		Help: "Batch writes rejected by the store",
	})

	// CurrentGlucose is the latest live reading in mg/dL.
	CurrentGlucose = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "demo_current_glucose_mgdl",
		Help: "Most recent generated glucose value",
	})

	// GeneratorState is 1 for the current hosting state and 0 otherwise.
	GeneratorState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "demo_generator_state",
		Help: "Demo generator hosting state",
	}, []string{"state"})

	// UnsupportedOperators counts filter operators dropped by the query
	// translator.
	UnsupportedOperators = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "demo_query_unsupported_operators_total",
		Help: "Unsupported filter operators seen in queries",
	}, []string{"operator"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "demo_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "demo_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "demo_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// SetState marks state as the active generator state.
func SetState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		GeneratorState.WithLabelValues(s).Set(v)
	}
}

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
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
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

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
