// Package testutil provides testing utilities for the CRM bulk ETL.
package testutil

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// BulkReadPath is the job collection path served by the mock.
const BulkReadPath = "/crm/bulk/v2/read"

// MockJob scripts the life of one bulk read job.
type MockJob struct {
	// ID is assigned on creation; generated when empty.
	ID string

	// States are returned by successive status polls. The last one repeats.
	// Empty means a single COMPLETED.
	States []string

	// MoreRecords and NextPageToken are reported in the result block.
	MoreRecords   bool
	NextPageToken string

	// Payload is served by the download endpoint.
	Payload []byte

	// DownloadStatus, when set, makes the download fail with this status and
	// DownloadBody.
	DownloadStatus int
	DownloadBody   string

	// CreateStatus and CreateBody, when set, make the creation fail.
	CreateStatus int
	CreateBody   string

	// StatusError makes every status poll fail with this HTTP status.
	StatusError int
}

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockBulkAPI is a configurable mock of the Bulk Read API.
type MockBulkAPI struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	script  []*MockJob
	jobs    map[string]*mockJobState
	order   []string
	counter int

	// Tracking
	RequestCount      int
	CreateBodies      []json.RawMessage
	LastRequestHeader http.Header
	CreditsRemaining  int
}

type mockJobState struct {
	job        *MockJob
	polls      int
	downloads  int
	terminalAt int // poll count at which a terminal state was first served
}

// NewMockBulkAPI creates a new mock server.
func NewMockBulkAPI() *MockBulkAPI {
	mock := &MockBulkAPI{
		handlers:         make(map[string]func(w http.ResponseWriter, r *http.Request)),
		jobs:             make(map[string]*mockJobState),
		CreditsRemaining: 100,
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastRequestHeader = r.Header.Clone()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockBulkAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockBulkAPI) Close() {
	m.server.Close()
}

// AddJobs appends jobs to the creation script. Each create request consumes
// the next scripted job.
func (m *MockBulkAPI) AddJobs(jobs ...MockJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range jobs {
		job := jobs[i]
		m.script = append(m.script, &job)
	}
}

// SetHandler sets a custom handler for a specific path.
func (m *MockBulkAPI) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockBulkAPI) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}

		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetCredits sets the credit count reported in X-RATELIMIT-REMAINING.
func (m *MockBulkAPI) SetCredits(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreditsRemaining = n
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockBulkAPI) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// CreateCount returns the number of create requests received.
func (m *MockBulkAPI) CreateCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.CreateBodies)
}

// CreateBody returns the i-th create request body decoded into a map.
func (m *MockBulkAPI) CreateBody(i int) map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i < 0 || i >= len(m.CreateBodies) {
		return nil
	}
	var body map[string]any
	_ = json.Unmarshal(m.CreateBodies[i], &body)
	return body
}

// JobIDs returns the ids of created jobs in creation order.
func (m *MockBulkAPI) JobIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// PollCount returns how many status requests a job received.
func (m *MockBulkAPI) PollCount(jobID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.jobs[jobID]; ok {
		return st.polls
	}
	return 0
}

// PollsAfterTerminal returns how many status requests a job received after
// it was first reported in a terminal state.
func (m *MockBulkAPI) PollsAfterTerminal(jobID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.jobs[jobID]
	if !ok || st.terminalAt == 0 {
		return 0
	}
	return st.polls - st.terminalAt
}

// DownloadCount returns how many download requests a job received.
func (m *MockBulkAPI) DownloadCount(jobID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.jobs[jobID]; ok {
		return st.downloads
	}
	return 0
}

// TotalDownloads returns the download requests across all jobs.
func (m *MockBulkAPI) TotalDownloads() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, st := range m.jobs {
		total += st.downloads
	}
	return total
}

// defaultHandler routes create, status and download requests.
func (m *MockBulkAPI) defaultHandler(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	credits := m.CreditsRemaining
	m.mu.RUnlock()

	w.Header().Set("X-RATELIMIT-LIMIT", "100")
	w.Header().Set("X-RATELIMIT-REMAINING", fmt.Sprintf("%d", credits))
	w.Header().Set("X-RATELIMIT-RESET", "60")

	path := r.URL.Path
	switch {
	case path == BulkReadPath && r.Method == http.MethodPost:
		m.handleCreate(w, r)
	case strings.HasPrefix(path, BulkReadPath+"/") && strings.HasSuffix(path, "/result"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, BulkReadPath+"/"), "/result")
		m.handleDownload(w, id)
	case strings.HasPrefix(path, BulkReadPath+"/"):
		m.handleStatus(w, strings.TrimPrefix(path, BulkReadPath+"/"))
	default:
		writeJSON(w, http.StatusNotFound, `{"code":"INVALID_URL_PATTERN","message":"Please check if the URL trying to access is a correct one","status":"error","details":{}}`)
	}
}

func (m *MockBulkAPI) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	m.CreateBodies = append(m.CreateBodies, json.RawMessage(body))
	var job *MockJob
	if len(m.script) > 0 {
		job = m.script[0]
		m.script = m.script[1:]
	} else {
		job = &MockJob{}
	}
	m.counter++
	if job.ID == "" {
		job.ID = fmt.Sprintf("554023000000%06d", m.counter)
	}
	if job.CreateStatus == 0 {
		m.jobs[job.ID] = &mockJobState{job: job}
		m.order = append(m.order, job.ID)
	}
	m.mu.Unlock()

	if job.CreateStatus != 0 {
		writeJSON(w, job.CreateStatus, job.CreateBody)
		return
	}

	writeJSON(w, http.StatusCreated, fmt.Sprintf(
		`{"data":[{"status":"success","code":"ADDED_SUCCESSFULLY","message":"Added successfully.","details":{"id":"%s","operation":"read","state":"ADDED"}}],"info":{}}`,
		job.ID))
}

func (m *MockBulkAPI) handleStatus(w http.ResponseWriter, id string) {
	m.mu.Lock()
	st, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		writeJSON(w, http.StatusBadRequest, `{"code":"INVALID_DATA","message":"the given job id is invalid","status":"error","details":{}}`)
		return
	}
	st.polls++
	job := st.job
	if job.StatusError != 0 {
		m.mu.Unlock()
		w.WriteHeader(job.StatusError)
		return
	}

	states := job.States
	if len(states) == 0 {
		states = []string{"COMPLETED"}
	}
	idx := st.polls - 1
	if idx >= len(states) {
		idx = len(states) - 1
	}
	state := states[idx]
	if st.terminalAt == 0 && isTerminal(state) {
		st.terminalAt = st.polls
	}
	m.mu.Unlock()

	result := map[string]any{
		"page":         1,
		"count":        0,
		"per_page":     200000,
		"more_records": job.MoreRecords,
	}
	if state == "COMPLETED" {
		result["download_url"] = BulkReadPath + "/" + id + "/result"
	}
	if job.NextPageToken != "" {
		result["next_page_token"] = job.NextPageToken
	}

	body, _ := json.Marshal(map[string]any{
		"data": []map[string]any{{
			"id":        id,
			"operation": "read",
			"state":     state,
			"result":    result,
			"file_type": "csv",
		}},
	})
	writeJSON(w, http.StatusOK, string(body))
}

func (m *MockBulkAPI) handleDownload(w http.ResponseWriter, id string) {
	m.mu.Lock()
	st, ok := m.jobs[id]
	if ok {
		st.downloads++
	}
	m.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusBadRequest, `{"code":"INVALID_DATA","message":"the given job id is invalid","status":"error","details":{}}`)
		return
	}

	job := st.job
	if job.DownloadStatus != 0 {
		if job.DownloadBody != "" {
			writeJSON(w, job.DownloadStatus, job.DownloadBody)
			return
		}
		w.WriteHeader(job.DownloadStatus)
		return
	}

	payload := job.Payload
	if payload == nil {
		payload = ZipCSV(id+".csv", "Id,Last_Name\n1,Doe\n")
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.zip"`, id))
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

func isTerminal(state string) bool {
	switch state {
	case "COMPLETED", "FAILED", "DELETED", "SKIPPED":
		return true
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.WriteHeader(status)
	if body != "" {
		w.Write([]byte(body))
	}
}

// ZipCSV builds an in-memory zip archive holding one CSV file.
func ZipCSV(name, csv string) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create(name)
	if err != nil {
		panic(err)
	}
	if _, err := f.Write([]byte(csv)); err != nil {
		panic(err)
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"code":"TOO_MANY_REQUESTS","message":"You have reached the maximum number of API calls","status":"error","details":{}}`,
		Headers: map[string]string{
			"X-RATELIMIT-REMAINING": "0",
			"X-RATELIMIT-RESET":     "30",
			"Content-Type":          "application/json;charset=UTF-8",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response without
// a CRM error body.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       "upstream failure",
		Headers: map[string]string{
			"Content-Type": "text/plain",
		},
	}
}

// StaticTokens is a TokenSource returning a fixed token.
type StaticTokens struct {
	mu          sync.Mutex
	Token       string
	Calls       int
	Invalidated int
}

// AccessToken returns the fixed token.
func (s *StaticTokens) AccessToken(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	return s.Token, nil
}

// Invalidate counts invalidations.
func (s *StaticTokens) Invalidate(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Invalidated++
	return nil
}
