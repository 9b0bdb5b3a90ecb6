package extract

import (
	"errors"
	"time"

	"github.com/Sternrassler/crm-bulk-etl/pkg/client"
)

// Errors reported by the extraction.
var (
	// ErrStatusUnavailable is returned when a job's status could not be fetched.
	ErrStatusUnavailable = errors.New("job status unavailable")

	// ErrMonitorTimeout is returned when a job did not reach a terminal state
	// within MaxPolls or PollTimeout.
	ErrMonitorTimeout = errors.New("job monitoring timed out")

	// ErrUnexpected marks an aborted run. The Result is empty.
	ErrUnexpected = errors.New("unexpected extraction failure")

	// ErrFinalized is returned when adding to a finalized accumulator.
	ErrFinalized = errors.New("accumulator is finalized")
)

// Strategy selects how the next page is addressed.
type Strategy string

const (
	// StrategyPage addresses pages by number and runs jobs sequentially.
	StrategyPage Strategy = "page"

	// StrategyToken follows continuation tokens and runs jobs concurrently.
	StrategyToken Strategy = "token"
)

// StopReason tells why pagination ended.
type StopReason string

const (
	StopExhausted      StopReason = "exhausted"
	StopCreationFailed StopReason = "creation_failed"
	StopStatusFailed   StopReason = "status_failed"
	StopJobFailed      StopReason = "job_failed"

	// StopTokenMissing: a completed job reported more records but no token.
	StopTokenMissing StopReason = "token_missing"
)

// Outcome labels the fate of one job.
type Outcome string

const (
	OutcomeDownloaded     Outcome = "downloaded"
	OutcomeDownloadFailed Outcome = "download_failed"
	OutcomeJobFailed      Outcome = "job_failed"
	OutcomeStatusFailed   Outcome = "status_failed"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeCreationFailed Outcome = "creation_failed"
)

// ExportJob is one created bulk read job.
type ExportJob struct {
	ID     string
	Module string

	// Seq is the 1-based position of the job in the run. In page mode it is
	// also the page number.
	Seq       int
	Page      int
	PageToken string
	Filter    *client.DateFilter

	CreatedAt time.Time
}

// Payload is the raw zip export of one completed job.
type Payload struct {
	JobID string
	Seq   int
	Data  []byte
}

// JobOutcome records what happened to one job, including jobs that produced
// no payload.
type JobOutcome struct {
	Job     ExportJob
	Outcome Outcome
	State   client.JobState
	Polls   int
	Bytes   int
	Records int
	Err     error
}

// Result is the output of one extraction run.
type Result struct {
	Payloads []Payload
	Jobs     []JobOutcome
	Stop     StopReason
}

// Partial reports whether pagination stopped before the last page.
func (r Result) Partial() bool {
	return r.Stop != "" && r.Stop != StopExhausted
}

// Failed returns the outcomes of jobs that produced no payload.
func (r Result) Failed() []JobOutcome {
	var failed []JobOutcome
	for _, j := range r.Jobs {
		if j.Outcome != OutcomeDownloaded {
			failed = append(failed, j)
		}
	}
	return failed
}
