// Package metrics exposes Prometheus instrumentation for job processing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alps_jobs_submitted_total",
			Help: "Total number of archives accepted for processing",
		},
	)

	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alps_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal state",
		},
		[]string{"status", "kind"}, // kind is empty for completed jobs
	)

	JobsRecoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alps_jobs_recovered_total",
			Help: "Jobs failed at startup because a previous daemon left them running",
		},
	)

	RunningJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alps_running_jobs",
			Help: "Current number of jobs being processed",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alps_queue_depth",
			Help: "Jobs waiting for a worker",
		},
	)

	// Buckets: 1s to ~4.5h
	JobDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alps_job_duration_seconds",
			Help:    "Wall-clock duration of pipeline runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 15),
		},
	)

	StageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alps_stage_duration_seconds",
			Help:    "Duration of individual pipeline stages",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 20),
		},
		[]string{"stage", "outcome"},
	)
)

// ObserveStage records one stage execution.
func ObserveStage(stage string, elapsed time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	StageDurationSeconds.WithLabelValues(stage, outcome).Observe(elapsed.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
