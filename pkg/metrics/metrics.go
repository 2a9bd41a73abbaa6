package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	geolake = "geolake"

	// Request metrics
	requestTransitionsTotal = "request_transitions_total"
	executionDurationSecond = "request_execution_duration_seconds"

	// Dispatcher metrics
	dispatchTotal  = "dispatch_total"
	reclaimedTotal = "reclaimed_total"

	// Labels
	fromLabel    = "from"
	toLabel      = "to"
	outcomeLabel = "outcome"
)

// Dispatch outcomes
const (
	DispatchAssigned      = "assigned"
	DispatchNoWorker      = "no_worker"
	DispatchConflict      = "conflict"
	DispatchPublishFailed = "publish_failed"
	DispatchError         = "error"
)

/**
* Metrics definition
**/
var requestTransitionsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: geolake,
		Name:      requestTransitionsTotal,
		Help:      "number of request status transitions",
	},
	[]string{fromLabel, toLabel},
)

var dispatchTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: geolake,
		Name:      dispatchTotal,
		Help:      "number of dispatch attempts by outcome",
	},
	[]string{outcomeLabel},
)

var reclaimedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: geolake,
		Name:      reclaimedTotal,
		Help:      "number of stale claims reclaimed, by resulting status",
	},
	[]string{toLabel},
)

var executionDurationMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Subsystem: geolake,
		Name:      executionDurationSecond,
		Help:      "time spent by the engine on a request",
		Buckets:   []float64{1, 10, 60, 300, 900, 3600, 4 * 3600},
	},
	[]string{outcomeLabel},
)

func IncreaseRequestTransitionMetric(from, to string) {
	requestTransitionsTotalMetric.With(prometheus.Labels{fromLabel: from, toLabel: to}).Inc()
}

func IncreaseDispatchMetric(outcome string) {
	dispatchTotalMetric.With(prometheus.Labels{outcomeLabel: outcome}).Inc()
}

func IncreaseReclaimedMetric(to string) {
	reclaimedTotalMetric.With(prometheus.Labels{toLabel: to}).Inc()
}

func ObserveExecutionDuration(outcome string, d time.Duration) {
	executionDurationMetric.With(prometheus.Labels{outcomeLabel: outcome}).Observe(d.Seconds())
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(requestTransitionsTotalMetric)
	prometheus.MustRegister(dispatchTotalMetric)
	prometheus.MustRegister(reclaimedTotalMetric)
	prometheus.MustRegister(executionDurationMetric)
}
