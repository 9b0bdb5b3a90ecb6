package client

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Sternrassler/crm-bulk-etl/internal/testutil"
)

func TestJobState(t *testing.T) {
	tests := []struct {
		state    JobState
		terminal bool
		failure  bool
	}{
		{StateAdded, false, false},
		{StateQueued, false, false},
		{StateInProgress, false, false},
		{StateCompleted, true, false},
		{StateFailed, true, true},
		{StateDeleted, true, true},
		{StateSkipped, true, true},
		{JobState("PAUSED"), false, false},
		{JobState(""), false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
			if got := tt.state.IsFailure(); got != tt.failure {
				t.Errorf("IsFailure() = %v, want %v", got, tt.failure)
			}
		})
	}
}

func TestCreateJob_Validation(t *testing.T) {
	client := newTestClient(t, "http://127.0.0.1:1", &testutil.StaticTokens{Token: "abc"})
	ctx := context.Background()

	tests := []struct {
		name     string
		req      CreateJobRequest
		errorMsg string
	}{
		{name: "missing module", req: CreateJobRequest{Page: 1}, errorMsg: "module is required"},
		{name: "page and token", req: CreateJobRequest{Module: "Leads", Page: 2, PageToken: "t"}, errorMsg: "page and page token are mutually exclusive"},
		{name: "page zero", req: CreateJobRequest{Module: "Leads"}, errorMsg: "page must be >= 1 (got 0)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.CreateJob(ctx, tt.req)
			if err == nil || err.Error() != tt.errorMsg {
				t.Errorf("error = %v, want %q", err, tt.errorMsg)
			}
		})
	}
}

func TestCreateJob_FullExtractionBody(t *testing.T) {
	mock := testutil.NewMockBulkAPI()
	defer mock.Close()
	mock.AddJobs(testutil.MockJob{ID: "5540230000001"})

	client := newTestClient(t, mock.URL(), &testutil.StaticTokens{Token: "abc"})

	id, err := client.CreateJob(context.Background(), CreateJobRequest{Module: "Deals", Page: 3})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if id != "5540230000001" {
		t.Errorf("id = %q, want 5540230000001", id)
	}

	body := mock.CreateBody(0)
	if body["file_type"] != "csv" {
		t.Errorf("file_type = %v, want csv", body["file_type"])
	}
	query := body["query"].(map[string]any)
	if query["module"] != "Deals" {
		t.Errorf("module = %v", query["module"])
	}
	if query["page"] != float64(3) {
		t.Errorf("page = %v, want 3", query["page"])
	}
	if _, ok := query["criteria"]; ok {
		t.Error("full extraction must not send criteria")
	}
	if _, ok := query["page_token"]; ok {
		t.Error("page mode must not send page_token")
	}
}

func TestCreateJob_IncrementalLeadsCriteria(t *testing.T) {
	mock := testutil.NewMockBulkAPI()
	defer mock.Close()

	client := newTestClient(t, mock.URL(), &testutil.StaticTokens{Token: "abc"})

	loc := time.FixedZone("COT", -5*60*60)
	now := time.Date(2024, 3, 15, 10, 30, 0, 0, loc)
	filter := NewDateFilter(now, 1, loc, "", "")

	if _, err := client.CreateJob(context.Background(), CreateJobRequest{Module: "Leads", Page: 1, Filter: &filter}); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	query := mock.CreateBody(0)["query"].(map[string]any)
	criteria, ok := query["criteria"].(map[string]any)
	if !ok {
		t.Fatalf("criteria missing from %v", query)
	}
	if criteria["group_operator"] != "or" {
		t.Errorf("group_operator = %v, want or", criteria["group_operator"])
	}

	group := criteria["group"].([]any)
	if len(group) != 2 {
		t.Fatalf("group has %d conditions, want 2", len(group))
	}

	wantColumns := []string{"Created_Time", "Modified_Time"}
	for i, raw := range group {
		cond := raw.(map[string]any)
		if cond["api_name"] != wantColumns[i] {
			t.Errorf("condition %d api_name = %v, want %s", i, cond["api_name"], wantColumns[i])
		}
		if cond["comparator"] != "greater_equal" {
			t.Errorf("condition %d comparator = %v", i, cond["comparator"])
		}
		if cond["value"] != "2024-03-14T00:00:00-05:00" {
			t.Errorf("condition %d value = %v, want 2024-03-14T00:00:00-05:00", i, cond["value"])
		}
	}
}

func TestCreateJob_TokenMode(t *testing.T) {
	mock := testutil.NewMockBulkAPI()
	defer mock.Close()

	client := newTestClient(t, mock.URL(), &testutil.StaticTokens{Token: "abc"})

	if _, err := client.CreateJob(context.Background(), CreateJobRequest{Module: "Leads", PageToken: "tok-2"}); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	query := mock.CreateBody(0)["query"].(map[string]any)
	if query["page_token"] != "tok-2" {
		t.Errorf("page_token = %v, want tok-2", query["page_token"])
	}
	if _, ok := query["page"]; ok {
		t.Error("token mode must not send page")
	}
}

func TestCreateJob_APIError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		code   string
	}{
		{
			name:   "error entry in data",
			status: http.StatusBadRequest,
			body:   `{"data":[{"status":"error","code":"INVALID_DATA","message":"invalid module","details":{"api_name":"module"}}]}`,
			code:   "INVALID_DATA",
		},
		{
			name:   "top level error",
			status: http.StatusForbidden,
			body:   `{"code":"NO_PERMISSION","message":"permission denied","status":"error","details":{}}`,
			code:   "NO_PERMISSION",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockBulkAPI()
			defer mock.Close()
			mock.AddJobs(testutil.MockJob{CreateStatus: tt.status, CreateBody: tt.body})

			client := newTestClient(t, mock.URL(), &testutil.StaticTokens{Token: "abc"})

			_, err := client.CreateJob(context.Background(), CreateJobRequest{Module: "Leads", Page: 1})

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("Error = %v, want *APIError", err)
			}
			if apiErr.Code != tt.code {
				t.Errorf("Code = %q, want %q", apiErr.Code, tt.code)
			}
			if IsRetryable(err) {
				t.Error("4xx API errors should not be retryable")
			}
		})
	}
}

func TestGetJobStatus_CompletedIsStable(t *testing.T) {
	mock := testutil.NewMockBulkAPI()
	defer mock.Close()
	mock.AddJobs(testutil.MockJob{ID: "77", States: []string{"COMPLETED"}, MoreRecords: true, NextPageToken: "next"})

	client := newTestClient(t, mock.URL(), &testutil.StaticTokens{Token: "abc"})
	ctx := context.Background()

	if _, err := client.CreateJob(ctx, CreateJobRequest{Module: "Leads", Page: 1}); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	first, err := client.GetJobStatus(ctx, "77")
	if err != nil {
		t.Fatalf("GetJobStatus failed: %v", err)
	}
	second, err := client.GetJobStatus(ctx, "77")
	if err != nil {
		t.Fatalf("GetJobStatus failed: %v", err)
	}

	if *first != *second {
		t.Errorf("re-fetched status differs: %+v vs %+v", first, second)
	}
	if first.State != StateCompleted || !first.MoreRecords || first.NextPageToken != "next" {
		t.Errorf("status = %+v", first)
	}
	if first.DownloadURL == "" {
		t.Error("completed job should carry a download url")
	}
}

func TestGetJobStatus_MoreRecordsOnlyWhenCompleted(t *testing.T) {
	mock := testutil.NewMockBulkAPI()
	defer mock.Close()
	mock.AddJobs(testutil.MockJob{ID: "78", States: []string{"IN PROGRESS", "COMPLETED"}, MoreRecords: true})

	client := newTestClient(t, mock.URL(), &testutil.StaticTokens{Token: "abc"})
	ctx := context.Background()

	if _, err := client.CreateJob(ctx, CreateJobRequest{Module: "Leads", Page: 1}); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	status, err := client.GetJobStatus(ctx, "78")
	if err != nil {
		t.Fatalf("GetJobStatus failed: %v", err)
	}
	if status.State != StateInProgress {
		t.Errorf("State = %q, want IN PROGRESS", status.State)
	}
	if status.MoreRecords {
		t.Error("MoreRecords must be false before COMPLETED")
	}

	status, err = client.GetJobStatus(ctx, "78")
	if err != nil {
		t.Fatalf("GetJobStatus failed: %v", err)
	}
	if status.State != StateCompleted || !status.MoreRecords {
		t.Errorf("status = %+v, want COMPLETED with more records", status)
	}
}

func TestGetJobStatus_ServerError(t *testing.T) {
	mock := testutil.NewMockBulkAPI()
	defer mock.Close()
	mock.AddJobs(testutil.MockJob{ID: "79", StatusError: http.StatusBadGateway})

	client := newTestClient(t, mock.URL(), &testutil.StaticTokens{Token: "abc"})
	ctx := context.Background()

	if _, err := client.CreateJob(ctx, CreateJobRequest{Module: "Leads", Page: 1}); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	_, err := client.GetJobStatus(ctx, "79")

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("Error = %v, want *HTTPError", err)
	}
	if httpErr.StatusCode != http.StatusBadGateway || httpErr.ErrorClass != ErrorClassServer {
		t.Errorf("HTTPError = %+v", httpErr)
	}
}

func TestDownloadResult(t *testing.T) {
	payload := testutil.ZipCSV("Leads.csv", "Id,Last_Name\n1,Doe\n2,Roe\n")

	mock := testutil.NewMockBulkAPI()
	defer mock.Close()
	mock.AddJobs(
		testutil.MockJob{ID: "81", Payload: payload},
		testutil.MockJob{ID: "82", DownloadStatus: http.StatusBadRequest,
			DownloadBody: `{"code":"RESOURCE_NOT_FOUND","message":"the requested resource is not found","status":"error","details":{}}`},
		testutil.MockJob{ID: "83", DownloadStatus: http.StatusServiceUnavailable},
	)

	client := newTestClient(t, mock.URL(), &testutil.StaticTokens{Token: "abc"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := client.CreateJob(ctx, CreateJobRequest{Module: "Leads", Page: i + 1}); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
	}

	t.Run("zip payload", func(t *testing.T) {
		data, err := client.DownloadResult(ctx, "81")
		if err != nil {
			t.Fatalf("DownloadResult failed: %v", err)
		}
		if !bytes.Equal(data, payload) {
			t.Errorf("payload differs: got %d bytes, want %d", len(data), len(payload))
		}
	})

	t.Run("application error", func(t *testing.T) {
		_, err := client.DownloadResult(ctx, "82")

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("Error = %v, want *APIError", err)
		}
		if apiErr.Code != "RESOURCE_NOT_FOUND" {
			t.Errorf("Code = %q", apiErr.Code)
		}
	})

	t.Run("transport error", func(t *testing.T) {
		_, err := client.DownloadResult(ctx, "83")

		var httpErr *HTTPError
		if !errors.As(err, &httpErr) {
			t.Fatalf("Error = %v, want *HTTPError", err)
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			t.Error("transport error must not look like an API error")
		}
	})
}
