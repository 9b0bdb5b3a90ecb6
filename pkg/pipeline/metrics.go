package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_etl_runs_total",
			Help: "ETL runs by outcome",
		},
		[]string{"outcome"}, // success, partial, failed
	)

	pipelineLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crm_etl_last_success_timestamp_seconds",
			Help: "Unix time of the last run that did not fail",
		},
	)
)
