// Package metrics documents the Prometheus metrics of the ETL and pushes them
// to a Pushgateway at the end of a batch run.
// All metrics are defined in their respective packages (client, extract,
// ratelimit, ...) to maintain modularity and avoid circular dependencies.
package metrics

import (
	"context"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Registry is the default Prometheus registry used by the ETL.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects the metrics registered in Registry.
var Gatherer prometheus.Gatherer = prometheus.DefaultGatherer

// DefaultJob is the Pushgateway job label.
const DefaultJob = "crm_etl"

// PushConfig holds Pushgateway configuration.
type PushConfig struct {
	// URL of the Pushgateway, e.g. http://pushgateway:9091
	URL string

	// Job label (default: DefaultJob)
	Job string

	// Grouping adds grouping labels, e.g. {"module": "Leads"}
	Grouping map[string]string

	// Gatherer overrides Gatherer
	Gatherer prometheus.Gatherer
}

// Push replaces the metrics of the configured group on the Pushgateway.
func Push(ctx context.Context, cfg PushConfig) error {
	if cfg.URL == "" {
		return fmt.Errorf("pushgateway url is required")
	}
	job := cfg.Job
	if job == "" {
		job = DefaultJob
	}
	g := cfg.Gatherer
	if g == nil {
		g = Gatherer
	}

	pusher := push.New(cfg.URL, job).Gatherer(g)

	keys := make([]string, 0, len(cfg.Grouping))
	for k := range cfg.Grouping {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pusher = pusher.Grouping(k, cfg.Grouping[k])
	}

	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", cfg.URL, err)
	}
	return nil
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - crm_requests_total{operation, status} (Counter): Requests by operation (create_job, job_status, download) and HTTP status
//   - crm_request_duration_seconds{operation} (Histogram): Request duration by operation
//   - crm_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, auth)
//
// API Credit Metrics (pkg/ratelimit):
//   - crm_api_credits_remaining (Gauge): API credits left in the current window
//   - crm_rate_limit_waits_total (Counter): Requests held until a critical credit window reset
//   - crm_rate_limit_throttles_total (Counter): Requests throttled because credits were low
//
// Token Metrics (pkg/auth):
//   - crm_token_cache_hits_total / crm_token_cache_misses_total (Counter): Access token cache lookups
//   - crm_token_refreshes_total{result} (Counter): Refresh token grants
//   - crm_token_store_errors_total{operation} (Counter): Token store failures
//
// Extraction Metrics (pkg/extract):
//   - crm_bulk_jobs_total{outcome} (Counter): Bulk read jobs by outcome
//   - crm_bulk_polls_total{state} (Counter): Status polls by observed state
//   - crm_bulk_job_duration_seconds (Histogram): Time from first poll to terminal state
//   - crm_bulk_download_bytes_total (Counter): Downloaded result bytes
//   - crm_bulk_create_retries_total{error_class} (Counter): Job creation retries
//
// Transform, Load and Archive Metrics:
//   - crm_transform_payloads_total{result} (Counter): Payloads parsed or skipped
//   - crm_transform_rows_total (Counter): Rows produced by the transform stage
//   - crm_load_runs_total{status} / crm_load_rows_total / crm_load_duration_seconds
//   - crm_archive_uploads_total{status} (Counter): Raw payload uploads to S3
//
// Pipeline Metrics (pkg/pipeline):
//   - crm_etl_runs_total{outcome} (Counter): Runs by outcome (success, partial, failed)
//   - crm_etl_last_success_timestamp_seconds (Gauge): Unix time of the last successful run
//
// Example Prometheus Queries:
//
//   # Failed job ratio
//   sum(rate(crm_bulk_jobs_total{outcome!="downloaded"}[1d])) / sum(rate(crm_bulk_jobs_total[1d]))
//
//   # Credits running low
//   crm_api_credits_remaining < 100
//
//   # Stale extraction (no success for a day)
//   time() - crm_etl_last_success_timestamp_seconds > 86400
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(crm_request_duration_seconds_bucket[5m]))
