package extract

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/crm-bulk-etl/internal/testutil"
	"github.com/Sternrassler/crm-bulk-etl/pkg/client"
	"github.com/rs/zerolog"
)

// fakeJob scripts one job of the fake API.
type fakeJob struct {
	statuses    []client.JobStatus // one per poll, the last one repeats
	statusErr   error
	payload     []byte
	downloadErr error

	// hooks run outside the fake's lock
	onPoll     func(poll int)
	onDownload func()
}

type fakeState struct {
	job        *fakeJob
	polls      int
	downloads  int
	terminalAt int
}

// fakeAPI is an in-memory JobAPI.
type fakeAPI struct {
	mu         sync.Mutex
	script     []*fakeJob
	createErrs map[int]error
	requests   []client.CreateJobRequest
	ids        []string
	byID       map[string]*fakeState
	events     []string
}

func newFakeAPI(jobs ...*fakeJob) *fakeAPI {
	return &fakeAPI{
		script:     jobs,
		createErrs: make(map[int]error),
		byID:       make(map[string]*fakeState),
	}
}

func (f *fakeAPI) CreateJob(_ context.Context, req client.CreateJobRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	n := len(f.requests)
	if err, ok := f.createErrs[n]; ok {
		f.events = append(f.events, fmt.Sprintf("create-failed:%d", n))
		return "", err
	}

	job := &fakeJob{statuses: []client.JobStatus{completed(false, "")}}
	if len(f.script) > 0 {
		job = f.script[0]
		f.script = f.script[1:]
	}

	id := fmt.Sprintf("job-%d", n)
	f.ids = append(f.ids, id)
	f.byID[id] = &fakeState{job: job}
	f.events = append(f.events, "create:"+id)
	return id, nil
}

func (f *fakeAPI) GetJobStatus(_ context.Context, jobID string) (*client.JobStatus, error) {
	f.mu.Lock()
	st, ok := f.byID[jobID]
	if !ok {
		f.mu.Unlock()
		return nil, fmt.Errorf("unknown job %s", jobID)
	}
	st.polls++
	poll := st.polls
	job := st.job
	f.mu.Unlock()

	if job.onPoll != nil {
		job.onPoll(poll)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if job.statusErr != nil {
		f.events = append(f.events, "status-failed:"+jobID)
		return nil, job.statusErr
	}

	idx := poll - 1
	if idx >= len(job.statuses) {
		idx = len(job.statuses) - 1
	}
	status := job.statuses[idx]
	status.ID = jobID
	if st.terminalAt == 0 && status.State.IsTerminal() {
		st.terminalAt = poll
	}
	f.events = append(f.events, fmt.Sprintf("status:%s:%s", jobID, status.State))
	return &status, nil
}

func (f *fakeAPI) DownloadResult(_ context.Context, jobID string) ([]byte, error) {
	f.mu.Lock()
	st, ok := f.byID[jobID]
	if !ok {
		f.mu.Unlock()
		return nil, fmt.Errorf("unknown job %s", jobID)
	}
	st.downloads++
	job := st.job
	f.events = append(f.events, "download:"+jobID)
	f.mu.Unlock()

	if job.onDownload != nil {
		job.onDownload()
	}

	if job.downloadErr != nil {
		return nil, job.downloadErr
	}
	if job.payload != nil {
		return job.payload, nil
	}
	return []byte("zip:" + jobID), nil
}

func (f *fakeAPI) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeAPI) request(i int) client.CreateJobRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func (f *fakeAPI) jobIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

func (f *fakeAPI) polls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id].polls
}

func (f *fakeAPI) pollsAfterTerminal(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.byID[id]
	if st.terminalAt == 0 {
		return 0
	}
	return st.polls - st.terminalAt
}

func (f *fakeAPI) downloads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, st := range f.byID {
		total += st.downloads
	}
	return total
}

func (f *fakeAPI) eventLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func indexOf(events []string, event string) int {
	for i, e := range events {
		if e == event {
			return i
		}
	}
	return -1
}

func status(state client.JobState) client.JobStatus {
	return client.JobStatus{State: state}
}

func completed(more bool, token string) client.JobStatus {
	return client.JobStatus{State: client.StateCompleted, MoreRecords: more, NextPageToken: token, Count: 10}
}

func job(statuses ...client.JobStatus) *fakeJob {
	return &fakeJob{statuses: statuses}
}

var testStart = time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

// testConfig returns a fast configuration driven by a fake clock.
func testConfig(t *testing.T, strategy Strategy) (Config, *testutil.FakeClock) {
	t.Helper()

	clock := testutil.NewFakeClock(testStart)
	logger := zerolog.Nop()

	cfg := DefaultConfig("Leads")
	cfg.Strategy = strategy
	cfg.Location = time.UTC
	cfg.PeriodDays = 1
	cfg.Clock = clock
	cfg.Logger = &logger
	return cfg, clock
}

func newTestDriver(t *testing.T, api JobAPI, cfg Config) *Driver {
	t.Helper()

	d, err := NewDriver(api, cfg)
	if err != nil {
		t.Fatalf("NewDriver failed: %v", err)
	}
	return d
}
