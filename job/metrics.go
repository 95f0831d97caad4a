// metrics.go — Prometheus metrics for the job queue and workers.
// All metrics are registered against the default Prometheus registry.
package job

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MetricJobsSubmitted counts accepted submissions per kind.
	MetricJobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidmark_jobs_submitted_total",
		Help: "Total number of jobs accepted into the queue.",
	}, []string{"kind"})

	// MetricJobsRejected counts submissions rejected on a full queue.
	MetricJobsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidmark_jobs_rejected_total",
		Help: "Total number of submissions rejected because the queue was full.",
	})

	// MetricJobsFinished counts terminal transitions per outcome.
	MetricJobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidmark_jobs_finished_total",
		Help: "Total number of jobs reaching a terminal state.",
	}, []string{"kind", "status"})

	// MetricQueueDepth tracks jobs currently waiting in the queue.
	MetricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vidmark_queue_depth",
		Help: "Number of jobs waiting in the queue.",
	})

	// MetricWorkersBusy tracks workers currently executing a job.
	MetricWorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vidmark_workers_busy",
		Help: "Number of workers currently processing a job.",
	})

	// MetricJobDuration observes wall-clock processing time per kind.
	MetricJobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vidmark_job_duration_seconds",
		Help:    "Wall-clock duration of job processing in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"kind"})
)
