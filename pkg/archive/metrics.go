package archive

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var archiveUploadsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "crm_archive_uploads_total",
		Help: "Raw payload uploads to S3 by status",
	},
	[]string{"status"},
)
