// Package metrics holds the Prometheus instrumentation of the service.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callbridge_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callbridge_http_errors_total",
		Help: "Total number of HTTP requests resulting in server errors.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "callbridge_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	syncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callbridge_sync_total",
		Help: "Call syncs per provider and outcome.",
	}, []string{"provider", "status", "error_code"})

	syncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "callbridge_sync_duration_seconds",
		Help:    "Time spent pushing one call into one provider.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"provider"})

	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callbridge_jobs_total",
		Help: "Queue jobs processed by type and outcome.",
	}, []string{"type", "status"})

	callsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callbridge_calls_received_total",
		Help: "Call-ended events accepted for synchronization.",
	})
)

// Middleware records request metrics.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := routePattern(r)
			statusCode := strconv.Itoa(status)

			httpRequestsTotal.WithLabelValues(r.Method, route).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route, statusCode).Observe(time.Since(start).Seconds())
			if status >= http.StatusInternalServerError {
				httpErrorsTotal.WithLabelValues(r.Method, route, statusCode).Inc()
			}
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSync records one adapter run of the sync pipeline. errorCode is
// empty on success.
func ObserveSync(provider, status, errorCode string, start time.Time) {
	syncTotal.WithLabelValues(provider, status, errorCode).Inc()
	syncDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
}

// ObserveJob records a finished queue job.
func ObserveJob(jobType, status string) {
	jobsTotal.WithLabelValues(jobType, status).Inc()
}

// CallReceived counts an accepted call-ended event.
func CallReceived() {
	callsReceived.Inc()
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
