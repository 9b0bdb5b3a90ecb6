package transform

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transformPayloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_transform_payloads_total",
			Help: "Payloads handled by the transform stage",
		},
		[]string{"result"}, // parsed, skipped
	)

	transformRowsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crm_transform_rows_total",
			Help: "Rows produced by the transform stage",
		},
	)
)
