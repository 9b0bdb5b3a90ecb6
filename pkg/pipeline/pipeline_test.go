package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Sternrassler/crm-bulk-etl/internal/testutil"
	"github.com/Sternrassler/crm-bulk-etl/pkg/extract"
	"github.com/Sternrassler/crm-bulk-etl/pkg/history"
	"github.com/Sternrassler/crm-bulk-etl/pkg/transform"
	"github.com/rs/zerolog"
)

type fakeExtractor struct {
	result extract.Result
	err    error
}

func (f *fakeExtractor) Run(context.Context) (extract.Result, error) {
	return f.result, f.err
}

type fakeLoader struct {
	calls []string
	rows  int
	err   error
}

func (f *fakeLoader) Append(_ context.Context, table string, ds *transform.Dataset) error {
	f.calls = append(f.calls, table)
	f.rows += ds.Len()
	return f.err
}

type fakeArchiver struct {
	runID    string
	payloads int
}

func (f *fakeArchiver) Archive(_ context.Context, _, runID string, payloads []extract.Payload) int {
	f.runID = runID
	f.payloads = len(payloads)
	return len(payloads)
}

func payload(seq int, csv string) extract.Payload {
	return extract.Payload{JobID: "job", Seq: seq, Data: testutil.ZipCSV("Leads.csv", csv)}
}

func newTestPipeline(t *testing.T, ex Extractor, loader *fakeLoader, mutate func(*Config)) *Pipeline {
	t.Helper()

	logger := zerolog.Nop()
	cfg := Config{
		Module:    "Leads",
		Extractor: ex,
		Loader:    loader,
		Logger:    &logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"module", Config{Extractor: &fakeExtractor{}, Loader: &fakeLoader{}}},
		{"extractor", Config{Module: "Leads", Loader: &fakeLoader{}}},
		{"loader", Config{Module: "Leads", Extractor: &fakeExtractor{}}},
	}
	for _, tt := range tests {
		if _, err := New(tt.cfg); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestRun_LoadsDataset(t *testing.T) {
	ex := &fakeExtractor{result: extract.Result{
		Payloads: []extract.Payload{
			payload(1, "Id,Email\n1,a@x.io\n2,b@x.io\n"),
			payload(2, "Id,Email\n3,c@x.io\n"),
		},
		Stop: extract.StopExhausted,
	}}
	loader := &fakeLoader{}
	archiver := &fakeArchiver{}
	p := newTestPipeline(t, ex, loader, func(c *Config) { c.Archiver = archiver })

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(loader.calls) != 1 || loader.calls[0] != "data_Leads_consolidado" {
		t.Errorf("load calls = %v, want one call to data_Leads_consolidado", loader.calls)
	}
	if loader.rows != 3 || report.Rows != 3 || !report.Loaded {
		t.Errorf("report = %+v, loaded rows = %d", report, loader.rows)
	}
	if report.Outcome != history.OutcomeSuccess {
		t.Errorf("Outcome = %q, want success", report.Outcome)
	}
	if archiver.payloads != 2 || archiver.runID != report.RunID {
		t.Errorf("archiver got %d payloads for run %q", archiver.payloads, archiver.runID)
	}
}

func TestRun_EmptyAccumulatorSkipsLoad(t *testing.T) {
	ex := &fakeExtractor{result: extract.Result{Stop: extract.StopCreationFailed}}
	loader := &fakeLoader{}
	p := newTestPipeline(t, ex, loader, nil)

	report, err := p.Run(context.Background())

	if !errors.Is(err, ErrNothingExtracted) {
		t.Fatalf("error = %v, want ErrNothingExtracted", err)
	}
	if len(loader.calls) != 0 {
		t.Errorf("Load called %d times, want 0", len(loader.calls))
	}
	if report.Rows != 0 || report.Loaded || report.Outcome != history.OutcomeFailed {
		t.Errorf("report = %+v", report)
	}
}

func TestRun_EmptyDatasetSkipsLoad(t *testing.T) {
	ex := &fakeExtractor{result: extract.Result{
		Payloads: []extract.Payload{payload(1, "Id,Email\n")},
		Stop:     extract.StopExhausted,
	}}
	loader := &fakeLoader{}
	p := newTestPipeline(t, ex, loader, nil)

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(loader.calls) != 0 {
		t.Errorf("Load called with an empty dataset")
	}
	if report.Outcome != history.OutcomeSuccess || report.Loaded {
		t.Errorf("report = %+v", report)
	}
}

func TestRun_PartialExtraction(t *testing.T) {
	ex := &fakeExtractor{result: extract.Result{
		Payloads: []extract.Payload{payload(1, "Id\n1\n")},
		Stop:     extract.StopJobFailed,
	}}
	loader := &fakeLoader{}
	p := newTestPipeline(t, ex, loader, func(c *Config) { c.Table = "ETL.leads" })

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("partial extraction must not fail: %v", err)
	}
	if report.Outcome != history.OutcomePartial || !report.Loaded {
		t.Errorf("report = %+v", report)
	}
	if loader.calls[0] != "ETL.leads" {
		t.Errorf("table = %q, want ETL.leads", loader.calls[0])
	}
}

func TestRun_Failures(t *testing.T) {
	t.Run("extract", func(t *testing.T) {
		ex := &fakeExtractor{err: extract.ErrUnexpected}
		loader := &fakeLoader{}
		p := newTestPipeline(t, ex, loader, nil)

		if _, err := p.Run(context.Background()); !errors.Is(err, extract.ErrUnexpected) {
			t.Errorf("error = %v, want ErrUnexpected", err)
		}
		if len(loader.calls) != 0 {
			t.Error("Load called after failed extraction")
		}
	})

	t.Run("load", func(t *testing.T) {
		ex := &fakeExtractor{result: extract.Result{Payloads: []extract.Payload{payload(1, "Id\n1\n")}}}
		loadErr := errors.New("warehouse unavailable")
		p := newTestPipeline(t, ex, &fakeLoader{err: loadErr}, nil)

		report, err := p.Run(context.Background())
		if !errors.Is(err, loadErr) {
			t.Errorf("error = %v, want load error", err)
		}
		if report.Outcome != history.OutcomeFailed || report.Loaded {
			t.Errorf("report = %+v", report)
		}
	})
}

func TestRun_RecordsHistory(t *testing.T) {
	store, err := history.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("history.Open failed: %v", err)
	}
	defer store.Close()

	now := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	ex := &fakeExtractor{result: extract.Result{
		Payloads: []extract.Payload{payload(1, "Id\n1\n2\n")},
		Jobs: []extract.JobOutcome{
			{Job: extract.ExportJob{ID: "j1", Seq: 1, Page: 1}, Outcome: extract.OutcomeDownloaded},
			{Job: extract.ExportJob{ID: "j2", Seq: 2, Page: 2}, Outcome: extract.OutcomeJobFailed},
		},
		Stop: extract.StopJobFailed,
	}}
	p := newTestPipeline(t, ex, &fakeLoader{}, func(c *Config) {
		c.History = store
		c.Full = true
		c.Strategy = extract.StrategyPage
		c.Now = func() time.Time { return now }
	})

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	run, err := store.GetRun(context.Background(), report.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Outcome != history.OutcomePartial || run.Rows != 2 || run.Mode != "full" || run.Stop != "job_failed" {
		t.Errorf("run = %+v", run)
	}

	jobs, err := store.Jobs(context.Background(), report.RunID)
	if err != nil {
		t.Fatalf("Jobs failed: %v", err)
	}
	if len(jobs) != 2 || jobs[1].Outcome != "job_failed" {
		t.Errorf("jobs = %+v", jobs)
	}
}
