// Package metrics exposes node Prometheus collectors.
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
	// Request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peersend_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"server", "method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "peersend_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server", "method", "path"},
	)

	// Transfer metrics
	bytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peersend_bytes_transferred_total",
			Help: "Total file bytes transferred",
		},
		[]string{"direction"}, // "send" or "receive"
	)

	chunksTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peersend_chunks_total",
			Help: "Total chunks acknowledged",
		},
		[]string{"direction"},
	)

	transfersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peersend_transfers_active",
			Help: "Number of transfers in progress",
		},
	)

	transferOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peersend_transfers_total",
			Help: "Finished transfers by terminal status",
		},
		[]string{"direction", "status"},
	)

	// Access control metrics
	pinFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peersend_pin_failures_total",
			Help: "Total incorrect share PIN attempts",
		},
	)

	pinLockouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peersend_pin_lockouts_total",
			Help: "Total IP lockouts after repeated PIN failures",
		},
	)

	rateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peersend_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
	)

	httpSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peersend_http_crypto_sessions",
			Help: "Number of live browser crypto sessions",
		},
	)

	peersOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peersend_peers_online",
			Help: "Number of peers seen within the online window",
		},
	)
)

// Middleware wraps HTTP handlers with metrics collection. server labels the listener.
func Middleware(server string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			wrapped := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			path := routePattern(r)

			httpRequestsTotal.WithLabelValues(server, r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
			httpRequestDuration.WithLabelValues(server, r.Method, path).Observe(duration)
		})
	}
}

// statusResponseWriter wraps http.ResponseWriter to capture status code
type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes websocket upgrades through to the underlying connection
func (w *statusResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer
func (w *statusResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// routePattern uses the matched chi pattern so ids do not explode label cardinality
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordChunk records one acknowledged chunk of n file bytes
func RecordChunk(direction string, n int64) {
	chunksTransferred.WithLabelValues(direction).Inc()
	bytesTransferred.WithLabelValues(direction).Add(float64(n))
}

// RecordBytes records file bytes moved outside the chunk protocol (HTTP gateways)
func RecordBytes(direction string, n int64) {
	bytesTransferred.WithLabelValues(direction).Add(float64(n))
}

func TransferStarted() {
	transfersActive.Inc()
}

// TransferFinished records a terminal status and decrements the active gauge
func TransferFinished(direction, status string) {
	transfersActive.Dec()
	transferOutcomes.WithLabelValues(direction, status).Inc()
}

func IncrementPINFailures() {
	pinFailures.Inc()
}

func IncrementLockouts() {
	pinLockouts.Inc()
}

func IncrementRateLimitHits() {
	rateLimitHits.Inc()
}

func SetHTTPSessions(n int) {
	httpSessionsActive.Set(float64(n))
}

func SetPeersOnline(n int) {
	peersOnline.Set(float64(n))
}
