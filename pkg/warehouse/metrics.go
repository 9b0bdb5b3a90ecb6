package warehouse

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	loadRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_load_runs_total",
			Help: "Dataset loads by status",
		},
		[]string{"status"}, // success, error
	)

	loadRowsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crm_load_rows_total",
			Help: "Rows appended to the warehouse",
		},
	)

	loadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crm_load_duration_seconds",
			Help:    "Time to append one dataset",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)
)
