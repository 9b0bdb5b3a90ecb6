package extract

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/crm-bulk-etl/pkg/client"
	"github.com/Sternrassler/crm-bulk-etl/pkg/logging"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxInFlight caps concurrent jobs in token mode.
const DefaultMaxInFlight = 4

// DefaultCooldown is the pause between successive job creations.
const DefaultCooldown = 2 * time.Second

// JobAPI is the part of the CRM client the driver needs.
type JobAPI interface {
	JobCreator
	StatusFetcher
	Downloader
}

// Config holds extraction configuration
type Config struct {
	// Module is the CRM module API name, e.g. "Leads"
	Module string

	// Full exports every record. Otherwise only records created or modified
	// in the last PeriodDays days are exported.
	Full       bool
	PeriodDays int
	// Location sets the midnight of the date cutoff (default: time.Local)
	Location      *time.Location
	CreatedColumn string
	UpdatedColumn string

	// Fields restricts the exported columns (default: all)
	Fields []string

	Strategy Strategy

	// PollInterval between status requests (0 = DefaultPollInterval(Full))
	PollInterval time.Duration
	// Cooldown between successive job creations
	Cooldown time.Duration
	// MaxPolls and PollTimeout bound the monitoring of one job (0 = unbounded)
	MaxPolls    int
	PollTimeout time.Duration

	// MaxInFlight caps concurrently running jobs in token mode
	MaxInFlight int
	// TrustEarlyStatus lets token mode continue from a non-terminal status that
	// already carries a next_page_token.
	TrustEarlyStatus bool

	CreateRetry RetryConfig

	Clock  Clock
	Logger *zerolog.Logger
}

// DefaultConfig returns the default configuration for a module: incremental
// extraction of the last 7 days in page mode.
func DefaultConfig(module string) Config {
	return Config{
		Module:        module,
		PeriodDays:    7,
		CreatedColumn: client.DefaultCreatedColumn,
		UpdatedColumn: client.DefaultUpdatedColumn,
		Strategy:      StrategyPage,
		Cooldown:      DefaultCooldown,
		MaxInFlight:   DefaultMaxInFlight,
		CreateRetry:   DefaultRetryConfig(),
	}
}

// Driver paginates a module export across bulk read jobs.
type Driver struct {
	api       JobAPI
	config    Config
	clock     Clock
	monitor   *Monitor
	collector *Collector
	logger    zerolog.Logger
}

// NewDriver creates a driver.
func NewDriver(api JobAPI, cfg Config) (*Driver, error) {
	if api == nil {
		return nil, fmt.Errorf("job api is required")
	}
	if cfg.Module == "" {
		return nil, fmt.Errorf("module is required")
	}
	if !cfg.Full && cfg.PeriodDays < 0 {
		return nil, fmt.Errorf("period_days must be >= 0 (got %d)", cfg.PeriodDays)
	}
	switch cfg.Strategy {
	case "":
		cfg.Strategy = StrategyPage
	case StrategyPage, StrategyToken:
	default:
		return nil, fmt.Errorf("unknown strategy %q", cfg.Strategy)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval(cfg.Full)
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}

	logger := logging.NewLogger(logging.ComponentExtract)
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("module", cfg.Module).Logger()

	monitor := NewMonitor(api, MonitorConfig{
		Interval: cfg.PollInterval,
		MaxPolls: cfg.MaxPolls,
		Timeout:  cfg.PollTimeout,
	}, clock, logger)

	return &Driver{
		api:       api,
		config:    cfg,
		clock:     clock,
		monitor:   monitor,
		collector: NewCollector(api, logger),
		logger:    logger,
	}, nil
}

// Run exports the module. Creation, status and terminal job failures end the
// run early with the payloads collected so far and a nil error. A panic or a
// cancelled context returns an empty Result and an error wrapping
// ErrUnexpected.
func (d *Driver) Run(ctx context.Context) (result Result, err error) {
	start := d.clock.Now()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("Extraction aborted")
			result, err = Result{}, fmt.Errorf("%w: panic: %v", ErrUnexpected, r)
		}
	}()

	var filter *client.DateFilter
	if !d.config.Full {
		f := client.NewDateFilter(start, d.config.PeriodDays, d.config.Location, d.config.CreatedColumn, d.config.UpdatedColumn)
		filter = &f
	}

	d.logger.Info().
		Str("strategy", string(d.config.Strategy)).
		Bool("full", d.config.Full).
		Str("cutoff", cutoffString(filter)).
		Msg("Starting extraction")

	var runErr error
	switch d.config.Strategy {
	case StrategyToken:
		result, runErr = d.runConcurrent(ctx, filter)
	default:
		result, runErr = d.runSequential(ctx, filter)
	}

	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}
	if runErr != nil {
		d.logger.Error().Err(runErr).Msg("Extraction aborted")
		if errors.Is(runErr, ErrUnexpected) {
			return Result{}, runErr
		}
		return Result{}, fmt.Errorf("%w: %v", ErrUnexpected, runErr)
	}

	d.logger.Info().
		Int("jobs", len(result.Jobs)).
		Int("payloads", len(result.Payloads)).
		Str("stop", string(result.Stop)).
		Dur("duration", d.clock.Now().Sub(start)).
		Msg("Extraction finished")

	return result, nil
}

func cutoffString(f *client.DateFilter) string {
	if f == nil {
		return ""
	}
	return f.Value()
}

// createJob builds the request for the seq-th job and creates it.
func (d *Driver) createJob(ctx context.Context, seq int, token string, filter *client.DateFilter) (ExportJob, error) {
	job := ExportJob{
		Module:    d.config.Module,
		Seq:       seq,
		PageToken: token,
		Filter:    filter,
	}
	if token == "" {
		job.Page = seq
		if d.config.Strategy == StrategyToken {
			job.Page = 1
		}
	}

	d.logger.Info().
		Int("page", seq).
		Bool("continuation", token != "").
		Msg("Creating job")

	id, err := d.createWithRetry(ctx, client.CreateJobRequest{
		Module:    job.Module,
		Page:      job.Page,
		PageToken: job.PageToken,
		Fields:    d.config.Fields,
		Filter:    filter,
	})
	if err != nil {
		return job, err
	}

	job.ID = id
	job.CreatedAt = d.clock.Now()
	return job, nil
}

// cooldown waits between creations.
func (d *Driver) cooldown(ctx context.Context) error {
	if d.config.Cooldown <= 0 {
		return nil
	}
	return d.clock.Sleep(ctx, d.config.Cooldown)
}

// resolveFailure maps a monitoring error to an outcome and stop reason.
func resolveFailure(err error) (Outcome, StopReason) {
	if errors.Is(err, ErrMonitorTimeout) {
		return OutcomeTimeout, StopStatusFailed
	}
	return OutcomeStatusFailed, StopStatusFailed
}

// runSequential runs page mode: one job at a time, the next page is only
// requested after the previous job completed and its download was attempted.
func (d *Driver) runSequential(ctx context.Context, filter *client.DateFilter) (Result, error) {
	acc := NewAccumulator()
	var jobs []JobOutcome
	stop := StopExhausted

	for page := 1; ; page++ {
		if page > 1 {
			if err := d.cooldown(ctx); err != nil {
				return Result{}, err
			}
		}

		job, err := d.createJob(ctx, page, "", filter)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			d.logger.Error().Err(err).Int("page", page).Msg("Job creation failed, stopping")
			out := JobOutcome{Job: job, Outcome: OutcomeCreationFailed, Err: err}
			recordOutcome(out)
			jobs = append(jobs, out)
			stop = StopCreationFailed
			break
		}

		res := d.monitor.Watch(ctx, job.ID, nil)
		out := JobOutcome{Job: job, Polls: res.Polls}
		if res.Status != nil {
			out.State = res.Status.State
		}

		if res.Err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			out.Outcome, stop = resolveFailure(res.Err)
			out.Err = res.Err
			recordOutcome(out)
			jobs = append(jobs, out)
			break
		}

		status := res.Status
		if status.State.IsFailure() {
			d.logger.Error().
				Str("job_id", job.ID).
				Int("page", page).
				Str("state", string(status.State)).
				Msg("Job ended in failure state, stopping")
			out.Outcome = OutcomeJobFailed
			recordOutcome(out)
			jobs = append(jobs, out)
			stop = StopJobFailed
			break
		}

		out.Records = status.Count
		payload, err := d.collector.Collect(ctx, job)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			out.Outcome = OutcomeDownloadFailed
			out.Err = err
		} else {
			out.Outcome = OutcomeDownloaded
			out.Bytes = len(payload.Data)
			if err := acc.Add(*payload); err != nil {
				return Result{}, err
			}
		}
		recordOutcome(out)
		jobs = append(jobs, out)

		d.logger.Info().
			Str("job_id", job.ID).
			Int("page", page).
			Bool("more_records", status.MoreRecords).
			Msg("Page finished")

		if !status.MoreRecords {
			break
		}
	}

	return Result{Payloads: acc.Finalize(), Jobs: jobs, Stop: stop}, nil
}

// continuation is what a unit tells the driver about the page after its own.
type continuation struct {
	more    bool
	token   string
	stop    StopReason
	aborted bool
}

// slot holds the result of one unit. Only the unit writes it; the driver
// reads it after the join.
type slot struct {
	job     ExportJob
	payload *Payload
	outcome JobOutcome
}

// halt lets a unit stop the creation of further jobs after it already
// published an early continuation.
type halt struct {
	mu     sync.Mutex
	reason StopReason
}

func (h *halt) set(r StopReason) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reason == "" {
		h.reason = r
	}
}

func (h *halt) get() StopReason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// runConcurrent runs token mode: every job is a unit of work that publishes
// its continuation as soon as it is trustworthy and then downloads, so the
// next job is created while earlier results are still being fetched.
func (d *Driver) runConcurrent(ctx context.Context, filter *client.DateFilter) (Result, error) {
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(d.config.MaxInFlight))

	var slots []*slot
	var creationFailure *JobOutcome
	halted := &halt{}
	stop := StopExhausted
	token := ""

	for seq := 1; ; seq++ {
		if reason := halted.get(); reason != "" {
			stop = reason
			break
		}

		if seq > 1 {
			if err := d.cooldown(gctx); err != nil {
				break
			}
		}

		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}

		job, err := d.createJob(gctx, seq, token, filter)
		if err != nil {
			sem.Release(1)
			if gctx.Err() != nil {
				break
			}
			d.logger.Error().Err(err).Int("page", seq).Msg("Job creation failed, stopping")
			out := JobOutcome{Job: job, Outcome: OutcomeCreationFailed, Err: err}
			recordOutcome(out)
			creationFailure = &out
			stop = StopCreationFailed
			break
		}

		s := &slot{job: job}
		slots = append(slots, s)
		next := make(chan continuation, 1)

		g.Go(func() error {
			defer sem.Release(1)
			return d.runUnit(gctx, s, next, halted)
		})

		c := <-next
		if c.aborted {
			break
		}
		if c.stop != "" {
			stop = c.stop
			break
		}
		if !c.more {
			break
		}
		token = c.token
	}

	// Join every unit before reading any slot.
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if reason := halted.get(); reason != "" && stop == StopExhausted {
		stop = reason
	}

	acc := NewAccumulator()
	jobs := make([]JobOutcome, 0, len(slots)+1)
	for _, s := range slots {
		jobs = append(jobs, s.outcome)
		if s.payload == nil {
			d.logger.Warn().
				Str("job_id", s.job.ID).
				Int("page", s.job.Seq).
				Str("outcome", string(s.outcome.Outcome)).
				Msg("Job produced no payload")
			continue
		}
		if err := acc.Add(*s.payload); err != nil {
			return Result{}, err
		}
	}
	if creationFailure != nil {
		jobs = append(jobs, *creationFailure)
	}

	return Result{Payloads: acc.Finalize(), Jobs: jobs, Stop: stop}, nil
}

// runUnit monitors and downloads one job. It sends exactly one continuation.
// Only a panic or a cancelled context makes it return an error.
func (d *Driver) runUnit(ctx context.Context, s *slot, next chan<- continuation, halted *halt) (err error) {
	published := false
	publish := func(c continuation) {
		if !published {
			published = true
			next <- c
		}
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("job_id", s.job.ID).
				Interface("panic", r).
				Msg("Job unit panicked")
			err = fmt.Errorf("%w: job %s panicked: %v", ErrUnexpected, s.job.ID, r)
		}
		if err != nil {
			publish(continuation{aborted: true})
		}
		// never leave the driver waiting
		publish(continuation{})
	}()

	s.outcome = JobOutcome{Job: s.job}

	res := d.monitor.Watch(ctx, s.job.ID, func(st *client.JobStatus) {
		if d.config.TrustEarlyStatus && !st.State.IsTerminal() && st.NextPageToken != "" {
			d.logger.Debug().
				Str("job_id", s.job.ID).
				Str("state", string(st.State)).
				Msg("Continuing from early status")
			publish(continuation{more: true, token: st.NextPageToken})
		}
	})
	s.outcome.Polls = res.Polls
	if res.Status != nil {
		s.outcome.State = res.Status.State
	}

	if res.Err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var stop StopReason
		s.outcome.Outcome, stop = resolveFailure(res.Err)
		s.outcome.Err = res.Err
		recordOutcome(s.outcome)
		halted.set(stop)
		publish(continuation{stop: stop})
		return nil
	}

	status := res.Status
	if status.State.IsFailure() {
		d.logger.Error().
			Str("job_id", s.job.ID).
			Int("page", s.job.Seq).
			Str("state", string(status.State)).
			Msg("Job ended in failure state, stopping")
		s.outcome.Outcome = OutcomeJobFailed
		recordOutcome(s.outcome)
		halted.set(StopJobFailed)
		publish(continuation{stop: StopJobFailed})
		return nil
	}

	if status.MoreRecords && status.NextPageToken == "" {
		d.logger.Error().
			Str("job_id", s.job.ID).
			Msg("Job reported more records without a continuation token")
		publish(continuation{stop: StopTokenMissing})
	} else {
		publish(continuation{more: status.MoreRecords, token: status.NextPageToken})
	}

	s.outcome.Records = status.Count
	payload, err := d.collector.Collect(ctx, s.job)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.outcome.Outcome = OutcomeDownloadFailed
		s.outcome.Err = err
		recordOutcome(s.outcome)
		return nil
	}

	s.payload = payload
	s.outcome.Outcome = OutcomeDownloaded
	s.outcome.Bytes = len(payload.Data)
	recordOutcome(s.outcome)
	return nil
}
