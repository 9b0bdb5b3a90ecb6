// Package history records ETL runs and their bulk read jobs in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/crm-bulk-etl/pkg/extract"
	"github.com/Sternrassler/crm-bulk-etl/pkg/logging"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrRunNotFound is returned by GetRun for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// Run outcomes.
const (
	OutcomeRunning = "running"
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailed  = "failed"
)

// Run is one pipeline invocation.
type Run struct {
	ID         string
	Module     string
	Mode       string // full or incremental
	Strategy   string
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
	Payloads   int
	Rows       int
	Stop       string
	Outcome    string
	Error      string
}

// JobRecord is the stored outcome of one bulk read job.
type JobRecord struct {
	RunID     string
	JobID     string
	Seq       int
	Page      int
	Outcome   string
	State     string
	Polls     int
	Records   int
	Bytes     int
	Error     string
	CreatedAt time.Time
}

// NewRunID returns a new random run ID.
func NewRunID() string {
	return uuid.New().String()
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	module TEXT NOT NULL,
	mode TEXT,
	strategy TEXT,
	started_at DATETIME,
	finished_at DATETIME,
	payloads INTEGER DEFAULT 0,
	rows_loaded INTEGER DEFAULT 0,
	stop TEXT,
	outcome TEXT,
	error_message TEXT
);
CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL REFERENCES runs(id),
	job_id TEXT,
	seq INTEGER,
	page INTEGER,
	outcome TEXT,
	state TEXT,
	polls INTEGER,
	records INTEGER,
	bytes INTEGER,
	error_message TEXT,
	created_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_runs_module ON runs(module, started_at);
CREATE INDEX IF NOT EXISTS idx_jobs_run ON jobs(run_id);
`

// Store persists runs.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (and creates) the SQLite database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s, err := New(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New creates the schema on an open database.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return &Store{db: db, logger: logging.NewLogger(logging.ComponentHistory)}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun inserts a running run.
func (s *Store) StartRun(ctx context.Context, r Run) error {
	if r.ID == "" {
		return fmt.Errorf("run id is required")
	}
	if r.Outcome == "" {
		r.Outcome = OutcomeRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, module, mode, strategy, started_at, outcome) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Module, r.Mode, r.Strategy, r.StartedAt.UTC(), r.Outcome)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	return nil
}

// FinishRun stores the result of a run.
func (s *Store) FinishRun(ctx context.Context, r Run) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, payloads = ?, rows_loaded = ?, stop = ?, outcome = ?, error_message = ? WHERE id = ?`,
		r.FinishedAt.UTC(), r.Payloads, r.Rows, r.Stop, r.Outcome, r.Error, r.ID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, r.ID)
	}

	s.logger.Debug().
		Str("run_id", r.ID).
		Str("outcome", r.Outcome).
		Int("rows", r.Rows).
		Msg("Run recorded")
	return nil
}

// RecordJobs stores the job outcomes of a run in one transaction.
func (s *Store) RecordJobs(ctx context.Context, runID string, jobs []extract.JobOutcome) (err error) {
	if len(jobs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO jobs (run_id, job_id, seq, page, outcome, state, polls, records, bytes, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, j := range jobs {
		var msg string
		if j.Err != nil {
			msg = j.Err.Error()
		}
		if _, err = stmt.ExecContext(ctx, runID, j.Job.ID, j.Job.Seq, j.Job.Page, string(j.Outcome),
			string(j.State), j.Polls, j.Records, j.Bytes, msg, j.Job.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("insert job %s: %w", j.Job.ID, err)
		}
	}

	return tx.Commit()
}

// GetRun returns a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, runSelect+` WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// ListRuns returns the latest runs of a module, newest first.
func (s *Store) ListRuns(ctx context.Context, module string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, runSelect+` WHERE module = ? ORDER BY started_at DESC LIMIT ?`, module, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// Jobs returns the jobs of a run in creation order.
func (s *Store) Jobs(ctx context.Context, runID string) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, job_id, seq, page, outcome, state, polls, records, bytes, error_message, created_at
		 FROM jobs WHERE run_id = ? ORDER BY seq, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []JobRecord
	for rows.Next() {
		var j JobRecord
		var jobID, outcome, state, msg sql.NullString
		var createdAt sql.NullTime
		if err := rows.Scan(&j.RunID, &jobID, &j.Seq, &j.Page, &outcome, &state,
			&j.Polls, &j.Records, &j.Bytes, &msg, &createdAt); err != nil {
			return nil, err
		}
		j.JobID, j.Outcome, j.State, j.Error = jobID.String, outcome.String, state.String, msg.String
		j.CreatedAt = createdAt.Time
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

const runSelect = `SELECT id, module, mode, strategy, started_at, finished_at, payloads, rows_loaded, stop, outcome, error_message FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var r Run
	var mode, strategy, stop, outcome, msg sql.NullString
	var started, finished sql.NullTime
	if err := sc.Scan(&r.ID, &r.Module, &mode, &strategy, &started, &finished,
		&r.Payloads, &r.Rows, &stop, &outcome, &msg); err != nil {
		return nil, err
	}
	r.Mode, r.Strategy, r.Stop, r.Outcome, r.Error = mode.String, strategy.String, stop.String, outcome.String, msg.String
	r.StartedAt, r.FinishedAt = started.Time, finished.Time
	return &r, nil
}
