package apiserver

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/geolake/geolake/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// MetricServer exposes /metrics and /health for the processes without an api:
// the dispatcher and the agents.
type MetricServer struct {
	bindAddress string
	httpServer  *http.Server
	listener    net.Listener
}

func NewMetricServer(bindAddress string, listener net.Listener, collectors ...prometheus.Collector) *MetricServer {
	router := chi.NewRouter()

	router.Handle("/metrics", metrics.NewPrometheusMetricsHandler(collectors...).Handler())
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = render.Render(w, r, HealthReply{Status: "ok"})
	})

	return &MetricServer{
		bindAddress: bindAddress,
		listener:    listener,
		httpServer: &http.Server{
			Addr:    bindAddress,
			Handler: router,
		},
	}
}

func (m *MetricServer) Handler() http.Handler {
	return m.httpServer.Handler
}

func (m *MetricServer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		m.httpServer.SetKeepAlivesEnabled(false)
		_ = m.httpServer.Shutdown(ctxTimeout)
		zap.S().Named("metrics_server").Info("metrics server terminated")
	}()

	zap.S().Named("metrics_server").Infof("serving metrics: %s", m.bindAddress)
	if err := m.httpServer.Serve(m.listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
