// Package metrics exposes Prometheus collectors for the orchestration engine.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal          *prometheus.CounterVec
	jobDurationSeconds *prometheus.HistogramVec
	unitRetriesTotal   prometheus.Counter
	slotsOccupied      prometheus.Gauge
	slotQueueDepth     prometheus.Gauge
	httpRequestsTotal  *prometheus.CounterVec

	once sync.Once
)

// Init registers the Prometheus collectors. It is safe to call multiple
// times; every recording helper calls it, so an explicit call at startup is
// optional.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawld_jobs_total",
				Help: "Total number of jobs reaching each terminal state.",
			},
			[]string{"state"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawld_job_duration_seconds",
				Help:    "Histogram of job execution durations, labeled by spider.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"spider"},
		)

		unitRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawld_unit_retries_total",
				Help: "Total fetch-unit retries across all jobs.",
			},
		)

		slotsOccupied = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawld_slots_occupied",
				Help: "Number of execution slots currently occupied.",
			},
		)

		slotQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawld_slot_queue_depth",
				Help: "Number of jobs queued for an execution slot.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawld_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the terminal-state counter and records the duration.
func ObserveJob(spider, state string, duration time.Duration) {
	Init()
	jobsTotal.WithLabelValues(state).Inc()
	jobDurationSeconds.WithLabelValues(spider).Observe(duration.Seconds())
}

// ObserveUnitRetry increments the retry counter.
func ObserveUnitRetry() {
	Init()
	unitRetriesTotal.Inc()
}

// SetSlotUsage records the current slot occupancy and queue depth.
func SetSlotUsage(occupied, queued int) {
	Init()
	slotsOccupied.Set(float64(occupied))
	slotQueueDepth.Set(float64(queued))
}

// ObserveHTTPRequest increments the HTTP request counter.
func ObserveHTTPRequest(method, code string) {
	Init()
	httpRequestsTotal.WithLabelValues(method, code).Inc()
}
