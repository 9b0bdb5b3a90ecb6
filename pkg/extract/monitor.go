package extract

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/crm-bulk-etl/pkg/client"
	"github.com/rs/zerolog"
)

// Default poll intervals.
const (
	FullPollInterval        = 60 * time.Second
	IncrementalPollInterval = 10 * time.Second
)

// DefaultPollInterval returns the poll interval used when none is configured.
// Full exports take longer, so they are polled less often.
func DefaultPollInterval(full bool) time.Duration {
	if full {
		return FullPollInterval
	}
	return IncrementalPollInterval
}

// StatusFetcher fetches job status snapshots.
type StatusFetcher interface {
	GetJobStatus(ctx context.Context, jobID string) (*client.JobStatus, error)
}

// MonitorConfig bounds the polling of one job.
type MonitorConfig struct {
	Interval time.Duration

	// MaxPolls caps the number of status requests (0 = unbounded).
	MaxPolls int

	// Timeout caps the time since the first poll (0 = unbounded).
	Timeout time.Duration
}

// Resolution is the end of monitoring one job: a terminal status or an error.
type Resolution struct {
	Status *client.JobStatus
	Polls  int
	Err    error
}

// Monitor polls a job until it reaches a terminal state.
type Monitor struct {
	api    StatusFetcher
	config MonitorConfig
	clock  Clock
	logger zerolog.Logger
}

// NewMonitor creates a monitor.
func NewMonitor(api StatusFetcher, cfg MonitorConfig, clock Clock, logger zerolog.Logger) *Monitor {
	if clock == nil {
		clock = SystemClock()
	}
	return &Monitor{
		api:    api,
		config: cfg,
		clock:  clock,
		logger: logger,
	}
}

// Watch polls jobID until COMPLETED, FAILED, DELETED or SKIPPED. observe, if
// non-nil, sees every status including the terminal one. A terminal job is
// never polled again.
//
// A status fetch error ends monitoring at once with ErrStatusUnavailable.
func (m *Monitor) Watch(ctx context.Context, jobID string, observe func(*client.JobStatus)) Resolution {
	start := m.clock.Now()

	for polls := 1; ; polls++ {
		status, err := m.api.GetJobStatus(ctx, jobID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Resolution{Polls: polls, Err: ctxErr}
			}
			m.logger.Error().
				Err(err).
				Str("job_id", jobID).
				Int("attempt", polls).
				Str("error_class", string(client.ClassOf(err))).
				Msg("Job status unavailable")
			return Resolution{Polls: polls, Err: fmt.Errorf("%w: job %s: %v", ErrStatusUnavailable, jobID, err)}
		}

		bulkPollsTotal.WithLabelValues(string(status.State)).Inc()

		m.logger.Debug().
			Str("job_id", jobID).
			Str("state", string(status.State)).
			Int("attempt", polls).
			Msg("Job status polled")

		if observe != nil {
			observe(status)
		}

		if status.State.IsTerminal() {
			bulkJobDuration.Observe(m.clock.Now().Sub(start).Seconds())
			return Resolution{Status: status, Polls: polls}
		}

		if m.config.MaxPolls > 0 && polls >= m.config.MaxPolls {
			m.logger.Error().
				Str("job_id", jobID).
				Str("state", string(status.State)).
				Int("attempt", polls).
				Msg("Job did not finish within max polls")
			return Resolution{Status: status, Polls: polls, Err: fmt.Errorf("%w: job %s still %s after %d polls", ErrMonitorTimeout, jobID, status.State, polls)}
		}

		if err := m.clock.Sleep(ctx, m.config.Interval); err != nil {
			return Resolution{Status: status, Polls: polls, Err: err}
		}

		if m.config.Timeout > 0 && m.clock.Now().Sub(start) >= m.config.Timeout {
			m.logger.Error().
				Str("job_id", jobID).
				Str("state", string(status.State)).
				Dur("duration", m.clock.Now().Sub(start)).
				Msg("Job did not finish within poll timeout")
			return Resolution{Status: status, Polls: polls, Err: fmt.Errorf("%w: job %s still %s after %s", ErrMonitorTimeout, jobID, status.State, m.config.Timeout)}
		}
	}
}
