package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/tracebox/analysis"
	"github.com/isdmx/tracebox/config"
	"github.com/isdmx/tracebox/jobs"
)

type mockService struct {
	files        map[string]string
	options      jobs.Options
	calls        int
	result       *analysis.Result
	analyzeError error
	job          *jobs.Job
	tools        []string
	toolsError   error
}

func (m *mockService) Analyze(_ context.Context, files map[string]string, options jobs.Options) (*analysis.Result, error) {
	m.calls++
	m.files = files
	m.options = options
	return m.result, m.analyzeError
}

func (m *mockService) Job(_ context.Context, id string) (*jobs.Job, error) {
	if m.job == nil || m.job.ID != id {
		return nil, jobs.ErrNotFound
	}
	return m.job, nil
}

func (m *mockService) Tools(_ context.Context) ([]string, error) {
	return m.tools, m.toolsError
}

func (m *mockService) Examples() []analysis.ExampleSummary {
	return analysis.DefaultCatalog().List()
}

func (m *mockService) Example(id string) (*analysis.Example, error) {
	return analysis.DefaultCatalog().Get(id)
}

func testAPIConfig(ratePerHour int) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Transport: "rest", HTTPPort: 8080},
		API: config.APIConfig{
			AnalyzeRatePerHour: ratePerHour,
			RequestLimit:       100,
			RequestWindow:      15 * time.Minute,
		},
	}
}

func newTestServer(t *testing.T, service analysis.Service, ratePerHour int) *Server {
	t.Helper()
	return New(testAPIConfig(ratePerHour), zaptest.NewLogger(t), service)
}

func do(t *testing.T, s *Server, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &mockService{}, 10)

	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestAnalyze(t *testing.T) {
	code := 0

	tests := []struct {
		name       string
		service    *mockService
		body       string
		wantStatus int
		check      func(t *testing.T, body map[string]any, service *mockService)
	}{
		{
			name: "Success",
			service: &mockService{result: &analysis.Result{
				JobID:  "job-1",
				Result: jobs.Result{ExitCode: &code, Stdout: "ok", Success: true, Backend: "firejail"},
			}},
			body:       `{"files":{"main.c":"int main(void){return 0;}"},"options":{"static":true,"tools":["cppcheck"]}}`,
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]any, service *mockService) {
				assert.Equal(t, "job-1", body["jobId"])
				assert.Equal(t, "firejail", body["backend"])
				assert.Equal(t, jobs.Options{Static: true, Tools: []string{"cppcheck"}}, service.options)
				assert.Equal(t, map[string]string{"main.c": "int main(void){return 0;}"}, service.files)
			},
		},
		{
			name: "ServiceValidation",
			service: &mockService{analyzeError: &analysis.ValidationError{
				Violations: []string{"No files provided"},
			}},
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
			check: func(t *testing.T, body map[string]any, _ *mockService) {
				assert.Equal(t, "Validation failed", body["error"])
				assert.Equal(t, []any{"No files provided"}, body["details"])
			},
		},
		{
			name:       "NonStringContent",
			service:    &mockService{},
			body:       `{"files":{"b.c":1,"a.c":true}}`,
			wantStatus: http.StatusBadRequest,
			check: func(t *testing.T, body map[string]any, service *mockService) {
				assert.Equal(t, []any{"Invalid content type for a.c", "Invalid content type for b.c"}, body["details"])
				assert.Zero(t, service.calls)
			},
		},
		{
			name:       "InvalidToolName",
			service:    &mockService{},
			body:       `{"files":{"a.c":""},"options":{"tools":["a,b"]}}`,
			wantStatus: http.StatusBadRequest,
			check: func(t *testing.T, body map[string]any, service *mockService) {
				details, ok := body["details"].([]any)
				require.True(t, ok)
				require.Len(t, details, 1)
				assert.Contains(t, details[0], "Tools[0]")
				assert.Zero(t, service.calls)
			},
		},
		{
			name:       "MalformedJSON",
			service:    &mockService{},
			body:       `{"files":`,
			wantStatus: http.StatusBadRequest,
			check: func(t *testing.T, body map[string]any, _ *mockService) {
				assert.Contains(t, body["error"], "invalid JSON")
			},
		},
		{
			name:       "AnalysisFailure",
			service:    &mockService{analyzeError: errors.New("job x: Analysis timed out after 30s")},
			body:       `{"files":{"a.c":""}}`,
			wantStatus: http.StatusInternalServerError,
			check: func(t *testing.T, body map[string]any, _ *mockService) {
				assert.Equal(t, "Analysis failed", body["error"])
				assert.Contains(t, body["message"], "timed out")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.service, 10)
			rec := do(t, s, http.MethodPost, "/api/analyze", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			tt.check(t, decode(t, rec), tt.service)
		})
	}
}

func TestAnalyzeRateLimit(t *testing.T) {
	service := &mockService{result: &analysis.Result{JobID: "job-1"}}
	s := newTestServer(t, service, 2)
	body := `{"files":{"a.c":""}}`

	for range 2 {
		rec := do(t, s, http.MethodPost, "/api/analyze", body)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := do(t, s, http.MethodPost, "/api/analyze", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "error", decode(t, rec)["status"])
	assert.Equal(t, 2, service.calls)

	// Other routes are not limited.
	rec = do(t, s, http.MethodGet, "/api/examples", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetJob(t *testing.T) {
	service := &mockService{job: &jobs.Job{ID: "job-1", Status: jobs.StatusCompleted}}
	s := newTestServer(t, service, 10)

	rec := do(t, s, http.MethodGet, "/api/analyze/job-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", decode(t, rec)["status"])

	rec = do(t, s, http.MethodGet, "/api/analyze/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Job not found"}`, rec.Body.String())
}

func TestListTools(t *testing.T) {
	service := &mockService{tools: []string{"cppcheck", "flawfinder"}}
	s := newTestServer(t, service, 10)

	rec := do(t, s, http.MethodGet, "/api/tools", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tools":["cppcheck","flawfinder"]}`, rec.Body.String())

	service.toolsError = analysis.ErrToolsUnavailable
	rec = do(t, s, http.MethodGet, "/api/tools", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Failed to retrieve tools"}`, rec.Body.String())
}

func TestExamples(t *testing.T) {
	s := newTestServer(t, &mockService{}, 10)

	rec := do(t, s, http.MethodGet, "/api/examples", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 3)

	rec = do(t, s, http.MethodGet, "/api/examples/buffer-overflow", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vulnerable.c")

	rec = do(t, s, http.MethodGet, "/api/examples/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Example not found"}`, rec.Body.String())
}

func TestIPLimiterBucketsPerClient(t *testing.T) {
	l := newIPLimiter(1, time.Hour, "slow down")

	assert.True(t, l.allow("192.0.2.1"))
	assert.False(t, l.allow("192.0.2.1"))
	assert.True(t, l.allow("192.0.2.2"))
}

func TestIPLimiterEvictsIdleBuckets(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newIPLimiter(1, time.Hour, "slow down")
	l.now = func() time.Time { return now }

	for i := range 50 {
		l.allow(fmt.Sprintf("198.51.100.%d", i))
	}
	assert.Equal(t, 50, l.size())
	assert.False(t, l.allow("198.51.100.1"))

	now = now.Add(time.Hour)
	assert.True(t, l.allow("203.0.113.9"))
	assert.Equal(t, 1, l.size(), "buckets idle for a full window are dropped")

	// A dropped client comes back with a fresh, full bucket.
	assert.True(t, l.allow("198.51.100.1"))
}

func TestAnalyzeRateLimitIgnoresForwardedFor(t *testing.T) {
	service := &mockService{result: &analysis.Result{JobID: "job-1"}}
	s := newTestServer(t, service, 2)
	body := `{"files":{"a.c":""}}`

	codes := map[int]int{}
	for i := range 20 {
		rec := do(t, s, http.MethodPost, "/api/analyze", body, "X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i))
		codes[rec.Code]++
	}
	assert.Equal(t, map[int]int{http.StatusOK: 2, http.StatusTooManyRequests: 18}, codes)
	assert.Equal(t, 2, service.calls)
	assert.Equal(t, 1, s.limiter.size())
}

func TestAnalyzeRateLimitTrustedProxy(t *testing.T) {
	service := &mockService{result: &analysis.Result{JobID: "job-1"}}
	cfg := testAPIConfig(1)
	cfg.API.TrustProxyHeaders = true
	s := New(cfg, zaptest.NewLogger(t), service)
	body := `{"files":{"a.c":""}}`

	rec := do(t, s, http.MethodPost, "/api/analyze", body, "X-Forwarded-For", "10.0.0.1")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, http.MethodPost, "/api/analyze", body, "X-Forwarded-For", "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	rec = do(t, s, http.MethodPost, "/api/analyze", body, "X-Forwarded-For", "10.0.0.2")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIRequestLimit(t *testing.T) {
	cfg := testAPIConfig(10)
	cfg.API.RequestLimit = 3
	s := New(cfg, zaptest.NewLogger(t), &mockService{})

	for range 3 {
		rec := do(t, s, http.MethodGet, "/api/examples", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(t, s, http.MethodGet, "/api/examples", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Too many requests from this IP, please try again later", decode(t, rec)["message"])

	// Health checks sit outside the API limit.
	rec = do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
