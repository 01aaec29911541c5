// Package metrics exposes Prometheus counters and histograms for the
// engine: package-level collectors registered once in init() and
// served via promhttp.Handler().
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ProceduresTotal tracks live procedures by current state.
	ProceduresTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oet_procedures_total",
			Help: "Number of procedures currently retained, by state",
		},
		[]string{"state"},
	)

	StateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oet_state_transitions_total",
			Help: "Total procedure state transitions observed, by resulting state",
		},
		[]string{"state"},
	)

	BusEventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oet_bus_events_published_total",
			Help: "Total events published on the message bus, by topic",
		},
		[]string{"topic"},
	)

	BusEventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "oet_bus_events_dropped_total",
			Help: "Total events dropped because a relay queue was full",
		},
	)

	WorkerStartupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "oet_worker_startup_duration_seconds",
			Help:    "Time from process spawn to startup_done",
			Buckets: prometheus.DefBuckets,
		},
	)

	EnvironmentBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "oet_environment_build_duration_seconds",
			Help:    "Time to clone and install a new environment",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oet_api_requests_total",
			Help: "Total REST API requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oet_api_request_duration_seconds",
			Help:    "REST API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	SSESubscribersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "oet_sse_subscribers",
			Help: "Current number of connected SSE subscribers",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ProceduresTotal,
		StateTransitionsTotal,
		BusEventsPublishedTotal,
		BusEventsDroppedTotal,
		WorkerStartupDuration,
		EnvironmentBuildDuration,
		APIRequestsTotal,
		APIRequestDuration,
		SSESubscribersGauge,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer helps record durations against a histogram.
type Timer struct{ start time.Time }

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
