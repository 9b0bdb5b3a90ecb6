package extract

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for bulk read jobs.
var (
	bulkJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crm_bulk_jobs_total",
		Help: "Total bulk read jobs by outcome",
	}, []string{"outcome"})

	bulkPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crm_bulk_polls_total",
		Help: "Total job status polls by reported state",
	}, []string{"state"})

	bulkJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crm_bulk_job_duration_seconds",
		Help:    "Time from job creation to terminal state",
		Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 3600},
	})

	bulkDownloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crm_bulk_download_bytes_total",
		Help: "Total bytes of downloaded job results",
	})

	bulkCreateRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crm_bulk_create_retries_total",
		Help: "Total job creation retries by error class",
	}, []string{"error_class"})
)

func recordOutcome(o JobOutcome) {
	bulkJobsTotal.WithLabelValues(string(o.Outcome)).Inc()
}
