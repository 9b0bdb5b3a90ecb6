package extract

import (
	"context"
	"sync"

	"github.com/Sternrassler/crm-bulk-etl/pkg/client"
	"github.com/rs/zerolog"
)

// Downloader fetches the result of a completed job.
type Downloader interface {
	DownloadResult(ctx context.Context, jobID string) ([]byte, error)
}

// Collector downloads completed jobs.
type Collector struct {
	api    Downloader
	logger zerolog.Logger
}

// NewCollector creates a collector.
func NewCollector(api Downloader, logger zerolog.Logger) *Collector {
	return &Collector{api: api, logger: logger}
}

// Collect downloads the result of a completed job. A failure is logged and
// returned; it never stops pagination.
func (c *Collector) Collect(ctx context.Context, job ExportJob) (*Payload, error) {
	data, err := c.api.DownloadResult(ctx, job.ID)
	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("job_id", job.ID).
			Int("page", job.Seq).
			Str("error_class", string(client.ClassOf(err))).
			Msg("Job completed but download failed")
		return nil, err
	}

	bulkDownloadBytes.Add(float64(len(data)))

	c.logger.Info().
		Str("job_id", job.ID).
		Int("page", job.Seq).
		Int("bytes", len(data)).
		Msg("Job result downloaded")

	return &Payload{JobID: job.ID, Seq: job.Seq, Data: data}, nil
}

// Accumulator collects payloads of one run. Add is safe for concurrent use;
// Finalize makes it read-only.
type Accumulator struct {
	mu        sync.Mutex
	payloads  []Payload
	finalized bool
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Add appends a payload.
func (a *Accumulator) Add(p Payload) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized {
		return ErrFinalized
	}
	a.payloads = append(a.payloads, p)
	return nil
}

// Len returns the number of payloads.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.payloads)
}

// Finalize marks the accumulator complete and returns its payloads.
func (a *Accumulator) Finalize() []Payload {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finalized = true
	out := make([]Payload, len(a.payloads))
	copy(out, a.payloads)
	return out
}
