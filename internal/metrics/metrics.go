// Package metrics provides Prometheus metrics for the preview server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "previewfs_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "previewfs_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Store metrics
	projectsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "previewfs_projects",
			Help: "Number of projects in the store",
		},
	)

	filesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "previewfs_files",
			Help: "Number of files across all projects",
		},
	)

	contentBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "previewfs_content_bytes_written_total",
			Help: "Total bytes of file content written",
		},
	)

	// Notifier metrics
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "previewfs_events_total",
			Help: "Total change events emitted by the store",
		},
		[]string{"type"},
	)

	listenerPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "previewfs_listener_panics_total",
			Help: "Total panics recovered from change listeners",
		},
	)

	// Subscriber metrics
	subscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "previewfs_subscribers_active",
			Help: "Number of connected subscribers",
		},
	)

	messagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "previewfs_messages_sent_total",
			Help: "Total messages delivered to subscribers",
		},
		[]string{"type"},
	)

	subscriberEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "previewfs_subscriber_evictions_total",
			Help: "Total subscribers dropped by the broadcaster",
		},
		[]string{"reason"},
	)

	// Mirror metrics
	mirrorOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "previewfs_mirror_operation_duration_seconds",
			Help:    "Mirror backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	mirrorOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "previewfs_mirror_operations_total",
			Help: "Total mirror backend operations",
		},
		[]string{"backend", "operation", "status"},
	)

	mirrorDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "previewfs_mirror_dropped_total",
			Help: "Total mirror jobs dropped because the queue was full",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetStoreSize sets the project and file gauges.
func SetStoreSize(projects, files int) {
	projectsTotal.Set(float64(projects))
	filesTotal.Set(float64(files))
}

// RecordContentWrite records bytes written by a SetFile.
func RecordContentWrite(bytes int) {
	contentBytesWritten.Add(float64(bytes))
}

// RecordEvent records a change event emission.
func RecordEvent(eventType string) {
	eventsTotal.WithLabelValues(eventType).Inc()
}

// RecordListenerPanic records a recovered listener panic.
func RecordListenerPanic() {
	listenerPanicsTotal.Inc()
}

// SetSubscribersActive sets the number of connected subscribers.
func SetSubscribersActive(count int) {
	subscribersActive.Set(float64(count))
}

// RecordMessageSent records a message written to a subscriber.
func RecordMessageSent(msgType string) {
	messagesSentTotal.WithLabelValues(msgType).Inc()
}

// RecordEviction records a subscriber dropped by the broadcaster.
func RecordEviction(reason string) {
	subscriberEvictionsTotal.WithLabelValues(reason).Inc()
}

// RecordMirrorOperation records a mirror backend operation.
func RecordMirrorOperation(backend, operation string, duration time.Duration, success bool) {
	mirrorOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	mirrorOperationsTotal.WithLabelValues(backend, operation, status).Inc()
}

// RecordMirrorDropped records a mirror job dropped on a full queue.
func RecordMirrorDropped() {
	mirrorDroppedTotal.Inc()
}

// unmatchedRoute labels requests no route matched, so 404 scans cannot grow
// the label set.
const unmatchedRoute = "unmatched"

// Middleware returns HTTP middleware that records request metrics, labelled
// by the matched chi route pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := unmatchedRoute
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		RecordHTTPRequest(r.Method, route, status, time.Since(start))
	})
}
