// Package metrics provides Prometheus instrumentation for the ground station.
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
	// WagersTotal counts accepted wagers, partitioned by outcome.
	WagersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "olympi_wagers_total",
		Help: "Total number of wagers accepted",
	}, []string{"outcome"})

	// WagerRejections counts rejected wagers by reason.
	WagerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "olympi_wager_rejections_total",
		Help: "Wagers rejected by the ledger",
	}, []string{"reason"})

	// PositionsSettled counts settled positions by final status.
	PositionsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "olympi_positions_settled_total",
		Help: "Positions settled, by resulting status",
	}, []string{"status"})

	// DeviceLines counts device lines by how they were handled:
	// applied, ignored, malformed, unknown.
	DeviceLines = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "olympi_device_lines_total",
		Help: "Device lines received, by handling result",
	}, []string{"result"})

	// RacePhase is 1 for the current phase label and 0 for the others.
	RacePhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "olympi_race_phase",
		Help: "Current race phase (1 = active)",
	}, []string{"phase"})

	// AnchorSubmissions counts anchor attempts by result: ok, error, duplicate.
	AnchorSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "olympi_anchor_submissions_total",
		Help: "Anchor submissions by result",
	}, []string{"result"})

	// AnchorLatency tracks broadcast latency in seconds.
	AnchorLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "olympi_anchor_latency_seconds",
		Help:    "Anchor broadcast latency in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "olympi_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "olympi_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "olympi_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// SetPhase flips the RacePhase gauge to the given phase.
func SetPhase(phase string) {
	for _, p := range []string{"OFFLINE", "WAITING", "RACING", "FINISHED"} {
		v := 0.0
		if p == phase {
			v = 1
		}
		RacePhase.WithLabelValues(p).Set(v)
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

		// Label by route pattern so participant ids don't become series.
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
