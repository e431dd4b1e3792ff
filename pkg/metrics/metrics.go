// Package metrics registers the module's Prometheus collectors and
// exposes a promhttp handler for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workqueue_workers_total",
			Help: "Total number of connected workers by state",
		},
		[]string{"state"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workqueue_tasks_total",
			Help: "Total number of tasks by state",
		},
		[]string{"state"},
	)

	TasksSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workqueue_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workqueue_tasks_completed_total",
			Help: "Total number of tasks that reached a terminal result, by result",
		},
		[]string{"result"},
	)

	TasksRetriedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workqueue_tasks_retried_total",
			Help: "Total number of task attempts that were resubmitted after failure",
		},
	)

	FastAbortsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workqueue_fast_aborts_total",
			Help: "Total number of tasks presumed lost by the fast-abort policy",
		},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "workqueue_dispatch_latency_seconds",
			Help:    "Time from a task becoming eligible to it being sent to a worker",
			Buckets: prometheus.DefBuckets,
		},
	)

	TaskRuntime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "workqueue_task_runtime_seconds",
			Help:    "Observed wall-clock runtime of completed task attempts",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 16),
		},
	)

	// Cache metrics
	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workqueue_cache_hits_total",
			Help: "Total number of input files satisfied from a worker's local cache",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workqueue_cache_misses_total",
			Help: "Total number of input files that required a transfer",
		},
	)

	BytesTransferredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workqueue_bytes_transferred_total",
			Help: "Total bytes transferred between the queue and workers",
		},
		[]string{"direction"},
	)

	TransferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workqueue_transfer_duration_seconds",
			Help:    "Time taken to transfer one file spec",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"direction"},
	)

	// Resource monitor metrics
	MonitorSamplesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workqueue_monitor_samples_total",
			Help: "Total number of resource monitor samples taken",
		},
	)

	MonitorPeakRSS = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "workqueue_monitor_peak_rss_bytes",
			Help:    "Peak resident set size observed per monitored process",
			Buckets: prometheus.ExponentialBuckets(1<<20, 2, 20),
		},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksSubmittedTotal)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksRetriedTotal)
	prometheus.MustRegister(FastAbortsTotal)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(TaskRuntime)

	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(BytesTransferredTotal)
	prometheus.MustRegister(TransferDuration)

	prometheus.MustRegister(MonitorSamplesTotal)
	prometheus.MustRegister(MonitorPeakRSS)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
