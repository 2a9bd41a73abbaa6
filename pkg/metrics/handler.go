package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type PrometheusMetricsHandler struct {
	registry *prometheus.Registry
}

// NewPrometheusMetricsHandler serves the default registry plus the given collectors.
func NewPrometheusMetricsHandler(collectors ...prometheus.Collector) *PrometheusMetricsHandler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors...)
	return &PrometheusMetricsHandler{registry: registry}
}

func (h *PrometheusMetricsHandler) Handler() http.Handler {
	gatherers := prometheus.Gatherers{prometheus.DefaultGatherer, h.registry}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}
