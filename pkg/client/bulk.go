package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

const bulkReadPath = "/crm/bulk/v2/read"

// JobState is the state of a bulk read job as reported by the API.
type JobState string

const (
	StateAdded      JobState = "ADDED"
	StateQueued     JobState = "QUEUED"
	StateInProgress JobState = "IN PROGRESS"
	StateCompleted  JobState = "COMPLETED"
	StateFailed     JobState = "FAILED"
	StateDeleted    JobState = "DELETED"
	StateSkipped    JobState = "SKIPPED"
)

// IsTerminal reports whether the job will not change state again.
// Unknown states are not terminal.
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s.IsFailure()
}

// IsFailure reports whether the state is a terminal failure.
func (s JobState) IsFailure() bool {
	switch s {
	case StateFailed, StateDeleted, StateSkipped:
		return true
	default:
		return false
	}
}

// CreateJobRequest describes one export job. Exactly one of Page and
// PageToken selects the result page.
type CreateJobRequest struct {
	Module string

	// Page is the 1-based page number (page mode).
	Page int

	// PageToken continues a previous job (token mode).
	PageToken string

	// Fields restricts the exported columns. Empty exports all fields.
	Fields []string

	// Filter restricts the export to recently created or updated records.
	// Nil exports everything.
	Filter *DateFilter
}

// JobStatus is one snapshot of a job.
type JobStatus struct {
	ID    string
	State JobState

	// MoreRecords is only reported for COMPLETED jobs and is false otherwise.
	MoreRecords bool

	// NextPageToken is reported whenever the API sends one. Only a COMPLETED
	// job's token is known to be final.
	NextPageToken string

	Page        int
	Count       int
	PerPage     int
	DownloadURL string
}

// wire types

type createJobBody struct {
	Query    queryBody `json:"query"`
	FileType string    `json:"file_type"`
}

type queryBody struct {
	Module    string    `json:"module"`
	Fields    []string  `json:"fields,omitempty"`
	Page      int       `json:"page,omitempty"`
	PageToken string    `json:"page_token,omitempty"`
	Criteria  *Criteria `json:"criteria,omitempty"`
}

type actionResponse struct {
	Status  string         `json:"status"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

type createJobResponse struct {
	Data []actionResponse `json:"data"`
}

type jobResultBody struct {
	Page          int    `json:"page"`
	Count         int    `json:"count"`
	PerPage       int    `json:"per_page"`
	DownloadURL   string `json:"download_url"`
	MoreRecords   bool   `json:"more_records"`
	NextPageToken string `json:"next_page_token"`
}

type jobDetailBody struct {
	ID     flexString     `json:"id"`
	State  string         `json:"state"`
	Result *jobResultBody `json:"result"`
}

type jobStatusResponse struct {
	Data []jobDetailBody `json:"data"`
}

// CreateJob submits a bulk read job and returns its id.
func (c *Client) CreateJob(ctx context.Context, r CreateJobRequest) (string, error) {
	if r.Module == "" {
		return "", fmt.Errorf("module is required")
	}
	if r.PageToken != "" && r.Page > 0 {
		return "", fmt.Errorf("page and page token are mutually exclusive")
	}
	if r.PageToken == "" && r.Page < 1 {
		return "", fmt.Errorf("page must be >= 1 (got %d)", r.Page)
	}

	body := createJobBody{
		Query: queryBody{
			Module:    r.Module,
			Fields:    r.Fields,
			Page:      r.Page,
			PageToken: r.PageToken,
		},
		FileType: "csv",
	}
	if r.Filter != nil {
		body.Query.Criteria = r.Filter.Criteria()
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal create job request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+bulkReadPath, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(OpCreateJob, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &NetworkError{Op: OpCreateJob, Err: err}
	}
	if resp.StatusCode >= 300 {
		return "", errorFromBody(resp, data)
	}

	var parsed createJobResponse
	if err := decodeJSON(data, &parsed); err != nil {
		return "", fmt.Errorf("decode create job response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return "", errorFromBody(resp, data)
	}

	action := parsed.Data[0]
	if !strings.EqualFold(action.Status, "success") {
		return "", &APIError{
			StatusCode: resp.StatusCode,
			Code:       action.Code,
			Message:    action.Message,
			Details:    action.Details,
		}
	}

	id := detailString(action.Details, "id")
	if id == "" {
		return "", fmt.Errorf("create job response has no job id")
	}

	c.logger.Info().
		Str("module", r.Module).
		Int("page", r.Page).
		Bool("continuation", r.PageToken != "").
		Str("job_id", id).
		Msg("Bulk read job created")

	return id, nil
}

// GetJobStatus fetches the current status of a job. It has no side effects.
func (c *Client) GetJobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job id is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jobURL(jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(OpJobStatus, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: OpJobStatus, Err: err}
	}
	if resp.StatusCode >= 300 {
		return nil, errorFromBody(resp, data)
	}

	var parsed jobStatusResponse
	if err := decodeJSON(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode job status response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, errorFromBody(resp, data)
	}

	detail := parsed.Data[0]
	status := &JobStatus{
		ID:    string(detail.ID),
		State: JobState(detail.State),
	}
	if status.ID == "" {
		status.ID = jobID
	}
	if detail.Result != nil {
		status.Page = detail.Result.Page
		status.Count = detail.Result.Count
		status.PerPage = detail.Result.PerPage
		status.DownloadURL = detail.Result.DownloadURL
		status.NextPageToken = detail.Result.NextPageToken
		if status.State == StateCompleted {
			status.MoreRecords = detail.Result.MoreRecords
		}
	}

	return status, nil
}

// DownloadResult downloads the zipped export of a completed job into memory.
func (c *Client) DownloadResult(ctx context.Context, jobID string) ([]byte, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job id is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jobURL(jobID)+"/result", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.Do(OpDownload, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 || isJSON(resp.Header.Get("Content-Type")) {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &NetworkError{Op: OpDownload, Err: err}
		}
		return nil, errorFromBody(resp, data)
	}

	var buf bytes.Buffer
	if resp.ContentLength > 0 {
		buf.Grow(int(resp.ContentLength))
	}
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, &NetworkError{Op: OpDownload, Err: err}
	}

	c.logger.Debug().
		Str("job_id", jobID).
		Int("bytes", buf.Len()).
		Msg("Bulk read result downloaded")

	return buf.Bytes(), nil
}

func (c *Client) jobURL(jobID string) string {
	return c.baseURL + bulkReadPath + "/" + url.PathEscape(jobID)
}

// errorFromBody turns an error response into an *APIError when the body
// carries a CRM error object, or an *HTTPError otherwise.
func errorFromBody(resp *http.Response, data []byte) error {
	var top actionResponse
	if err := decodeJSON(data, &top); err == nil && (top.Code != "" || top.Message != "") {
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       top.Code,
			Message:    top.Message,
			Details:    top.Details,
		}
	}

	var wrapped createJobResponse
	if err := decodeJSON(data, &wrapped); err == nil && len(wrapped.Data) > 0 {
		first := wrapped.Data[0]
		if first.Code != "" || first.Message != "" {
			return &APIError{
				StatusCode: resp.StatusCode,
				Code:       first.Code,
				Message:    first.Message,
				Details:    first.Details,
			}
		}
	}

	class := classifyStatus(resp.StatusCode)
	if class == "" {
		class = ErrorClassServer
	}
	msg := resp.Status
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		ErrorClass: class,
		Message:    msg,
	}
}

// decodeJSON keeps numbers as json.Number so 19-digit record ids survive.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json"
}

func detailString(details map[string]any, key string) string {
	switch v := details[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}
