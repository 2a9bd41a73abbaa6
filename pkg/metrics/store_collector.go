package metrics

import (
	"context"
	"fmt"

	"github.com/geolake/geolake/internal/store"
	"github.com/geolake/geolake/internal/store/model"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type storeCollector struct {
	store         store.Store
	requestsTotal *prometheus.Desc
	workersTotal  *prometheus.Desc
}

// NewStoreCollector exposes the number of requests and workers in each status.
func NewStoreCollector(s store.Store) prometheus.Collector {
	fqName := func(name string) string {
		return fmt.Sprintf("%s_%s", geolake, name)
	}

	return &storeCollector{
		store: s,
		requestsTotal: prometheus.NewDesc(
			fqName("requests"),
			"Number of requests by status.",
			[]string{"status"},
			prometheus.Labels{},
		),
		workersTotal: prometheus.NewDesc(
			fqName("workers"),
			"Number of workers by status.",
			[]string{"status"},
			prometheus.Labels{},
		),
	}
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requestsTotal
	ch <- c.workersTotal
}

// Collect implements Collector.
func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	ctx := context.Background()

	for _, status := range []model.RequestStatus{model.RequestStatusQueued, model.RequestStatusRunning, model.RequestStatusDone, model.RequestStatusFailed} {
		count, err := c.store.Request().Count(ctx, store.NewRequestQueryFilter().ByStatus(status))
		if err != nil {
			zap.S().Named("store_collector").Errorf("failed to count requests: %s", err)
			return
		}
		ch <- prometheus.MustNewConstMetric(c.requestsTotal, prometheus.GaugeValue, float64(count), string(status))
	}

	workers, err := c.store.Worker().List(ctx, store.NewWorkerQueryFilter())
	if err != nil {
		zap.S().Named("store_collector").Errorf("failed to list workers: %s", err)
		return
	}
	byStatus := map[model.WorkerStatus]int{
		model.WorkerStatusIdle:    0,
		model.WorkerStatusBusy:    0,
		model.WorkerStatusOffline: 0,
	}
	for _, w := range workers {
		byStatus[w.Status]++
	}
	for status, total := range byStatus {
		ch <- prometheus.MustNewConstMetric(c.workersTotal, prometheus.GaugeValue, float64(total), string(status))
	}
}
