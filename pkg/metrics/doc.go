/*
Package metrics defines the queue's Prometheus metrics and its health
endpoints.

Every metric is a package-level variable registered with the default
Prometheus registry in init, and Handler serves them in the text
exposition format:

	workqueue_workers_total{state}              gauge
	workqueue_tasks_total{state}                gauge
	workqueue_tasks_submitted_total             counter
	workqueue_tasks_completed_total{result}     counter
	workqueue_tasks_retried_total               counter
	workqueue_fast_aborts_total                 counter
	workqueue_dispatch_latency_seconds          histogram (default buckets)
	workqueue_task_runtime_seconds              histogram (0.1 s doubling, 16 buckets)
	workqueue_cache_hits_total                  counter
	workqueue_cache_misses_total                counter
	workqueue_bytes_transferred_total{direction} counter
	workqueue_transfer_duration_seconds{direction} histogram (default buckets)
	workqueue_monitor_samples_total             counter
	workqueue_monitor_peak_rss_bytes            histogram (1 MiB doubling, 20 buckets)

Timer measures elapsed time from NewTimer and records it into a
histogram (ObserveDuration) or a labelled histogram vector
(ObserveDurationVec).

HealthHandler, ReadyHandler and LivenessHandler serve JSON health
reports built from the components registered with RegisterComponent
and updated with UpdateComponent.

	timer := metrics.NewTimer()
	// ... run the task ...
	timer.ObserveDuration(metrics.TaskRuntime)
	http.Handle("/metrics", metrics.Handler())
*/
package metrics
