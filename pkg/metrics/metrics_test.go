package metrics_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi/v5"

	"github.com/geolake/geolake/internal/config"
	"github.com/geolake/geolake/internal/store"
	"github.com/geolake/geolake/internal/store/model"
	"github.com/geolake/geolake/pkg/metrics"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("metrics", Ordered, func() {
	var s store.Store

	BeforeAll(func() {
		cfg, err := config.NewDefault()
		Expect(err).To(BeNil())
		cfg.Database.Type = "sqlite"
		cfg.Database.Name = ":memory:"

		db, err := store.InitDB(cfg)
		Expect(err).To(BeNil())
		s = store.NewStore(db)
		Expect(s.InitialMigration(context.TODO())).To(Succeed())

		Expect(db.Exec("INSERT INTO workers (id, status, host, scheduler_port, created_on, last_heartbeat) VALUES (1, 'idle', 'compute-1', 8188, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);").Error).To(BeNil())
		Expect(db.Exec("INSERT INTO requests (id, status, priority, user_id, created_on) VALUES (1, 'queued', 10, 1, CURRENT_TIMESTAMP);").Error).To(BeNil())
	})

	AfterAll(func() {
		s.Close()
	})

	It("serves the lifecycle metrics and the store gauges", func() {
		metrics.IncreaseRequestTransitionMetric(string(model.RequestStatusQueued), string(model.RequestStatusRunning))
		metrics.IncreaseDispatchMetric(metrics.DispatchAssigned)

		h := metrics.NewPrometheusMetricsHandler(metrics.NewStoreCollector(s))
		srv := httptest.NewServer(h.Handler())
		defer srv.Close()

		resp, err := http.Get(srv.URL)
		Expect(err).To(BeNil())
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		Expect(err).To(BeNil())

		Expect(string(body)).To(ContainSubstring(`geolake_request_transitions_total{from="queued",to="running"} 1`))
		Expect(string(body)).To(ContainSubstring(`geolake_dispatch_total{outcome="assigned"} 1`))
		Expect(string(body)).To(ContainSubstring(`geolake_requests{status="queued"} 1`))
		Expect(string(body)).To(ContainSubstring(`geolake_workers{status="idle"} 1`))
		Expect(string(body)).To(ContainSubstring(`geolake_workers{status="busy"} 0`))
	})
})

var _ = Describe("http middleware", func() {
	It("labels the calls with their route pattern", func() {
		m := metrics.NewMiddleware("test")

		router := chi.NewRouter()
		router.Use(m.Handler)
		router.Get("/requests/{id}", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})

		for _, path := range []string{"/requests/1", "/requests/2", "/nowhere"} {
			router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
		}

		rr := httptest.NewRecorder()
		metrics.NewPrometheusMetricsHandler(m.Collectors()...).Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		body := rr.Body.String()

		Expect(body).To(ContainSubstring(`geolake_http_requests_total{code="204",method="GET",path="/requests/{id}",service="test"} 2`))
		Expect(body).To(ContainSubstring(`geolake_http_requests_total{code="404",method="GET",path="unmatched",service="test"} 1`))
		Expect(body).To(ContainSubstring(`geolake_http_requests_in_flight{service="test"} 0`))
	})
})
