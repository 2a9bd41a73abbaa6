package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	RequestsCollectorName = "geolake_http_requests_total"
	LatencyCollectorName  = "geolake_http_request_duration_milliseconds"
	InFlightCollectorName = "geolake_http_requests_in_flight"

	// unmatchedRoute labels the calls no route matched, keeping raw paths out of the labels.
	unmatchedRoute = "unmatched"
)

var defaultLatencyBuckets = []float64{5, 25, 50, 100, 300, 500, 1000, 5000}

// Middleware counts the api calls and observes their latency, partitioned by
// status code, method and route pattern.
type Middleware struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

// NewMiddleware returns the middleware of the named service. Without buckets
// the latency uses the default ones, in milliseconds.
func NewMiddleware(name string, buckets ...float64) *Middleware {
	if len(buckets) == 0 {
		buckets = defaultLatencyBuckets
	}
	labels := prometheus.Labels{"service": name}

	return &Middleware{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        RequestsCollectorName,
			Help:        "Number of HTTP requests partitioned by status code, method and route.",
			ConstLabels: labels,
		}, []string{"code", "method", "path"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        LatencyCollectorName,
			Help:        "Time spent on the request partitioned by status code, method and route.",
			ConstLabels: labels,
			Buckets:     buckets,
		}, []string{"code", "method", "path"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        InFlightCollectorName,
			Help:        "Number of HTTP requests being served.",
			ConstLabels: labels,
		}),
	}
}

func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.inFlight.Inc()
		defer m.inFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := unmatchedRoute
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		code := strconv.Itoa(ww.Status())
		m.requests.WithLabelValues(code, r.Method, route).Inc()
		m.latency.WithLabelValues(code, r.Method, route).Observe(float64(time.Since(start).Milliseconds()))
	})
}

// Collectors returns the collectors to register, usually through NewPrometheusMetricsHandler.
func (m *Middleware) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.requests, m.latency, m.inFlight}
}
