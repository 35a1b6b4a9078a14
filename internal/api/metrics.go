package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dallay/cvix-sub006/internal/model"
)

const unmatched = "unmatched"

// Compile request modes.
const (
	modeSync  = "sync"
	modeAsync = "async"
)

// kindOK labels compile responses that produced or accepted a job.
const kindOK = "ok"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cvix_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cvix_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			// Synchronous compilations hold the request for up to minutes.
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 150},
		},
		[]string{"method", "path"},
	)

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cvix_http_requests_in_flight",
		Help: "Number of HTTP requests currently being served, including held synchronous compilations.",
	})

	compileResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cvix_http_compile_responses_total",
			Help: "Total number of compile responses by mode and error kind.",
		},
		[]string{"mode", "kind"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(httpInFlight)
	prometheus.MustRegister(compileResponses)

	for _, mode := range []string{modeSync, modeAsync} {
		compileResponses.WithLabelValues(mode, kindOK)
	}
}

// metricsMiddleware records request count and duration for every HTTP request.
// Uses the chi route pattern (not the raw path) to avoid unbounded cardinality,
// so held compilations and health probes land in separate series.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start).Seconds()
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// recordCompile counts one compile response; kind is empty on success.
func recordCompile(mode string, kind model.ErrorKind) {
	label := string(kind)
	if label == "" {
		label = kindOK
	}
	compileResponses.WithLabelValues(mode, label).Inc()
}

// metricsHandler returns the Prometheus metrics handler.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
