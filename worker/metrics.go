package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Job outcomes.
const (
	outcomeDone     = "done"
	outcomeRetried  = "retried"
	outcomeDead     = "dead_lettered"
	outcomeRejected = "rejected"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tilebot_jobs_total",
			Help: "Jobs handled by outcome",
		},
		[]string{"outcome"},
	)

	datasetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tilebot_datasets_total",
			Help: "Datasets processed by outcome",
		},
		[]string{"outcome"},
	)

	jobDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tilebot_job_duration_seconds",
			Help:    "Time spent processing a job",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
	)

	publishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tilebot_jobs_published_total",
			Help: "Jobs published by the emit command",
		},
	)
)
