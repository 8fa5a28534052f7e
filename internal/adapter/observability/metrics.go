// Package observability provides logging, metrics, and tracing.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// JobsByStatus is a gauge of the number of jobs in each status. It is
	// registered by InitMetrics; the workers do not set it.
	JobsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_by_status",
			Help: "Number of jobs currently in each lifecycle status",
		},
		[]string{"status"},
	)

	// SubmissionTickDuration records how long a full Submission Worker tick takes.
	SubmissionTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "submission_tick_duration_seconds",
			Help:    "Duration of a Submission Worker tick",
			Buckets: prometheus.DefBuckets,
		},
	)
	// RetrievalTickDuration records how long a full Retrieval Worker tick takes.
	RetrievalTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "retrieval_tick_duration_seconds",
			Help:    "Duration of a Retrieval Worker tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	// CallbackDeliveryTotal counts callback delivery attempts by outcome.
	CallbackDeliveryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callback_delivery_total",
			Help: "Total number of callback delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	// SubmissionsTotal counts cluster submissions by outcome.
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluster_submissions_total",
			Help: "Total number of cluster submissions by outcome",
		},
		[]string{"outcome"},
	)

	// CircuitBreakerStatus tracks circuit breaker state.
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker status (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service", "operation"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsByStatus)
	prometheus.MustRegister(SubmissionTickDuration)
	prometheus.MustRegister(RetrievalTickDuration)
	prometheus.MustRegister(CallbackDeliveryTotal)
	prometheus.MustRegister(SubmissionsTotal)
	prometheus.MustRegister(CircuitBreakerStatus)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// RecordCircuitBreakerStatus records circuit breaker state.
func RecordCircuitBreakerStatus(service, operation string, status int) {
	CircuitBreakerStatus.WithLabelValues(service, operation).Set(float64(status))
}
