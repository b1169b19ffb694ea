// Package telemetry exposes the Prometheus metrics surface for the batch
// engine and the HTTP middleware that feeds the request metrics.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	batchItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_items_total",
			Help: "Total number of processed items, labeled by outcome and error category.",
		},
		[]string{"outcome", "category"},
	)

	batchRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_retries_total",
			Help: "Total number of retry attempts, labeled by error category.",
		},
		[]string{"category"},
	)

	batchJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_jobs_total",
			Help: "Total number of jobs reaching a terminal state, labeled by state.",
		},
		[]string{"state"},
	)

	batchActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "batch_active_workers",
			Help: "Number of workers currently processing an item.",
		},
	)

	batchRateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batch_rate_limit_delay_seconds",
			Help:    "Histogram of rate limit wait durations, labeled by scope.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"scope"},
	)

	batchItemDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batch_item_duration_seconds",
			Help:    "Histogram of per-item processing durations, labeled by outcome.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	breakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_breaker_transitions_total",
			Help: "Total circuit breaker state transitions, labeled by from and to state.",
		},
		[]string{"from", "to"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// ObserveItem records the terminal outcome of one item.
func ObserveItem(outcome, category string, duration time.Duration) {
	if category == "" {
		category = "none"
	}
	batchItemsTotal.WithLabelValues(outcome, category).Inc()
	batchItemDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// CountRetry records one retry attempt for the given error category.
func CountRetry(category string) {
	batchRetriesTotal.WithLabelValues(category).Inc()
}

// CountJob records a job reaching a terminal state.
func CountJob(state string) {
	batchJobsTotal.WithLabelValues(state).Inc()
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	batchActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	batchActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(scope string, duration time.Duration) {
	batchRateLimitDelaySeconds.WithLabelValues(scope).Observe(duration.Seconds())
}

// CountBreakerTransition records a circuit breaker state change.
func CountBreakerTransition(from, to string) {
	breakerTransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
