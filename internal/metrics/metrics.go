package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveSessions tracks currently active kernel sessions
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_active_sessions",
			Help: "Number of active kernel sessions",
		},
	)

	// ExecutionsTotal counts code executions by outcome
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_executions_total",
			Help: "Total number of code executions",
		},
		[]string{"status"},
	)

	// ExecutionDuration tracks how long code executions run
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_execution_duration_seconds",
			Help:    "Code execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	// EventBufferDrops tracks dropped stream events due to buffer overflow
	EventBufferDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_event_buffer_drops_total",
			Help: "Total number of stream events dropped due to buffer overflow",
		},
		[]string{"session_id"},
	)

	// CompactionsTotal counts compaction cycles by outcome
	CompactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_compactions_total",
			Help: "Total number of conversation compaction cycles",
		},
		[]string{"role", "status"},
	)

	// SessionsReaped counts sessions stopped by the idle reaper
	SessionsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_sessions_reaped_total",
			Help: "Total number of idle sessions stopped by the reaper",
		},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/api/v1/health", "/api/v1/sessions", "/metrics":
		return path
	}
	if strings.HasPrefix(path, "/api/v1/sessions/") {
		rest := strings.TrimPrefix(path, "/api/v1/sessions/")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) == 1 {
			return "/api/v1/sessions/{id}"
		}
		switch {
		case strings.HasPrefix(parts[1], "execute"):
			if strings.HasSuffix(parts[1], "/stream") {
				return "/api/v1/sessions/{id}/execute/{exec_id}/stream"
			}
			return "/api/v1/sessions/{id}/execute"
		case strings.HasPrefix(parts[1], "plugins"):
			return "/api/v1/sessions/{id}/plugins"
		case strings.HasPrefix(parts[1], "variables"):
			return "/api/v1/sessions/{id}/variables"
		case strings.HasPrefix(parts[1], "files"):
			return "/api/v1/sessions/{id}/files"
		case strings.HasPrefix(parts[1], "artifacts"):
			return "/api/v1/sessions/{id}/artifacts"
		}
	}
	return "other"
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordExecution records a finished code execution
func RecordExecution(status string, durationSeconds float64) {
	ExecutionsTotal.WithLabelValues(status).Inc()
	ExecutionDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordEventDrop records a stream buffer drop
func RecordEventDrop(sessionID string) {
	EventBufferDrops.WithLabelValues(sessionID).Inc()
}

// RecordCompaction records a compaction cycle outcome
func RecordCompaction(role, status string) {
	CompactionsTotal.WithLabelValues(role, status).Inc()
}
