// Package pipeline runs one extract, transform and load pass for a CRM module.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/crm-bulk-etl/pkg/archive"
	"github.com/Sternrassler/crm-bulk-etl/pkg/extract"
	"github.com/Sternrassler/crm-bulk-etl/pkg/history"
	"github.com/Sternrassler/crm-bulk-etl/pkg/logging"
	"github.com/Sternrassler/crm-bulk-etl/pkg/transform"
	"github.com/Sternrassler/crm-bulk-etl/pkg/warehouse"
	"github.com/rs/zerolog"
)

// ErrNothingExtracted is returned when the extraction produced no payload.
var ErrNothingExtracted = errors.New("no data extracted")

// Extractor runs the extraction stage.
type Extractor interface {
	Run(ctx context.Context) (extract.Result, error)
}

// Transformer runs the transform stage.
type Transformer interface {
	Transform(payloads []extract.Payload) *transform.Dataset
}

// Recorder keeps run history.
type Recorder interface {
	StartRun(ctx context.Context, r history.Run) error
	FinishRun(ctx context.Context, r history.Run) error
	RecordJobs(ctx context.Context, runID string, jobs []extract.JobOutcome) error
}

// Config holds pipeline configuration.
type Config struct {
	Module string
	// Table is the destination table (default: warehouse.DefaultTable(Module))
	Table string

	// Mode and Strategy are recorded in the run history only
	Full     bool
	Strategy extract.Strategy

	Extractor   Extractor
	Transformer Transformer
	Loader      warehouse.Loader

	// Optional stages
	Archiver archive.Archiver
	History  Recorder

	Now    func() time.Time
	Logger *zerolog.Logger
}

// Report summarizes a run.
type Report struct {
	RunID    string
	Module   string
	Table    string
	Payloads int
	Rows     int
	Loaded   bool
	Stop     extract.StopReason
	Outcome  string
	Duration time.Duration
}

// Pipeline wires the stages of one run.
type Pipeline struct {
	config Config
	logger zerolog.Logger
}

// New creates a pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Module == "" {
		return nil, fmt.Errorf("module is required")
	}
	if cfg.Extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if cfg.Loader == nil {
		return nil, fmt.Errorf("loader is required")
	}
	if cfg.Transformer == nil {
		cfg.Transformer = transform.New(cfg.Logger)
	}
	if cfg.Table == "" {
		cfg.Table = warehouse.DefaultTable(cfg.Module)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	logger := logging.NewLogger(logging.ComponentMain)
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Pipeline{
		config: cfg,
		logger: logger.With().Str("module", cfg.Module).Logger(),
	}, nil
}

// Run executes the pipeline. A partial extraction still loads what was
// collected; its report outcome is "partial". An extraction without any
// payload fails with ErrNothingExtracted, an empty dataset is a success that
// skips the load.
func (p *Pipeline) Run(ctx context.Context) (report Report, err error) {
	start := p.config.Now()
	report = Report{
		RunID:   history.NewRunID(),
		Module:  p.config.Module,
		Table:   p.config.Table,
		Outcome: history.OutcomeFailed,
	}
	logger := p.logger.With().Str("run_id", report.RunID).Logger()

	logger.Info().
		Str("table", report.Table).
		Bool("full", p.config.Full).
		Msg("Starting ETL pipeline")

	p.startRun(ctx, logger, report, start)

	var jobs []extract.JobOutcome
	defer func() {
		report.Duration = p.config.Now().Sub(start)
		pipelineRunsTotal.WithLabelValues(report.Outcome).Inc()
		if err == nil {
			pipelineLastSuccess.Set(float64(p.config.Now().Unix()))
		}
		p.finishRun(ctx, logger, report, jobs, err)

		if err != nil {
			logger.Error().Err(err).Dur("duration", report.Duration).Msg("ETL pipeline failed")
			return
		}
		logger.Info().
			Str("outcome", report.Outcome).
			Int("rows", report.Rows).
			Bool("loaded", report.Loaded).
			Dur("duration", report.Duration).
			Msg("ETL pipeline finished")
	}()

	// 1. Extract
	result, err := p.config.Extractor.Run(ctx)
	if err != nil {
		return report, fmt.Errorf("extract: %w", err)
	}
	jobs = result.Jobs
	report.Stop = result.Stop
	report.Payloads = len(result.Payloads)

	if p.config.Archiver != nil && len(result.Payloads) > 0 {
		p.config.Archiver.Archive(ctx, p.config.Module, report.RunID, result.Payloads)
	}

	// 2. Transform
	dataset := p.config.Transformer.Transform(result.Payloads)
	report.Rows = dataset.Len()

	if len(result.Payloads) == 0 {
		return report, ErrNothingExtracted
	}

	outcome := history.OutcomeSuccess
	if result.Partial() {
		outcome = history.OutcomePartial
	}

	if dataset.Empty() {
		logger.Info().Msg("Dataset is empty after transform, nothing to load")
		report.Outcome = outcome
		return report, nil
	}

	// 3. Load
	if err := p.config.Loader.Append(ctx, p.config.Table, dataset); err != nil {
		return report, fmt.Errorf("load %s: %w", p.config.Table, err)
	}
	report.Loaded = true
	report.Outcome = outcome
	return report, nil
}

func (p *Pipeline) startRun(ctx context.Context, logger zerolog.Logger, report Report, start time.Time) {
	if p.config.History == nil {
		return
	}
	mode := "incremental"
	if p.config.Full {
		mode = "full"
	}
	err := p.config.History.StartRun(ctx, history.Run{
		ID:        report.RunID,
		Module:    report.Module,
		Mode:      mode,
		Strategy:  string(p.config.Strategy),
		StartedAt: start,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Could not record run start")
	}
}

func (p *Pipeline) finishRun(ctx context.Context, logger zerolog.Logger, report Report, jobs []extract.JobOutcome, runErr error) {
	if p.config.History == nil {
		return
	}

	// the run context may already be cancelled
	ctx = context.WithoutCancel(ctx)

	if err := p.config.History.RecordJobs(ctx, report.RunID, jobs); err != nil {
		logger.Warn().Err(err).Msg("Could not record jobs")
	}

	run := history.Run{
		ID:         report.RunID,
		FinishedAt: p.config.Now(),
		Payloads:   report.Payloads,
		Stop:       string(report.Stop),
		Outcome:    report.Outcome,
	}
	if report.Loaded {
		run.Rows = report.Rows
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if err := p.config.History.FinishRun(ctx, run); err != nil {
		logger.Warn().Err(err).Msg("Could not record run result")
	}
}
