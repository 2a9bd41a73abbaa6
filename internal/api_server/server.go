package apiserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/geolake/geolake/pkg/metrics"
	"github.com/geolake/geolake/pkg/middleware"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	gracefulShutdownTimeout = 5 * time.Second
)

type Server struct {
	address  string
	listener net.Listener
	router   http.Handler
}

// New returns the api server. collectors are served on /metrics next to the
// default registry.
func New(address string, listener net.Listener, handler *Handler, auth Authenticator, collectors ...prometheus.Collector) *Server {
	return &Server{
		address:  address,
		listener: listener,
		router:   NewRouter(handler, auth, collectors...),
	}
}

func NewRouter(handler *Handler, auth Authenticator, collectors ...prometheus.Collector) http.Handler {
	metricMiddleware := metrics.NewMiddleware("api_server")

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.Logger(),
		chiMiddleware.Recoverer,
		metricMiddleware.Handler,
	)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = render.Render(w, r, HealthReply{Status: "ok"})
	})
	router.Handle("/metrics", metrics.NewPrometheusMetricsHandler(append(collectors, metricMiddleware.Collectors()...)...).Handler())

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(RequireAPIKey(auth))
		handler.Routes(r)
	})

	return router
}

func (s *Server) Run(ctx context.Context) error {
	srv := http.Server{Addr: s.address, Handler: s.router}

	go func() {
		<-ctx.Done()
		zap.S().Named("api_server").Infof("Shutdown signal received: %s", ctx.Err())
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
		zap.S().Named("api_server").Info("api server terminated")
	}()

	zap.S().Named("api_server").Infof("Listening on %s...", s.listener.Addr().String())
	if err := srv.Serve(s.listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
