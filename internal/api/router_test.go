package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/phrazzld/scry-batch/internal/api/shared"
	"github.com/phrazzld/scry-batch/internal/breaker"
	"github.com/phrazzld/scry-batch/internal/config"
	"github.com/phrazzld/scry-batch/internal/domain"
	"github.com/phrazzld/scry-batch/internal/kv"
	"github.com/phrazzld/scry-batch/internal/lock"
	"github.com/phrazzld/scry-batch/internal/service/auth"
	"github.com/phrazzld/scry-batch/internal/store"
	"github.com/phrazzld/scry-batch/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testAPIKey = "key-for-the-ingest-worker"

// fakeJobs is a JobService with overridable behaviour and call tracking.
type fakeJobs struct {
	SubmitFn func(ctx context.Context, req task.SubmitRequest) (string, error)
	GetFn    func(ctx context.Context, jobID string) (*task.JobDetail, error)
	CancelFn func(ctx context.Context, jobID string) (*domain.Job, error)
	ListFn   func(ctx context.Context, q store.Query) (store.Page, error)
	RecentFn func(ctx context.Context) ([]domain.IndexEntry, error)

	submitted []task.SubmitRequest
}

func (f *fakeJobs) Submit(ctx context.Context, req task.SubmitRequest) (string, error) {
	f.submitted = append(f.submitted, req)
	if f.SubmitFn != nil {
		return f.SubmitFn(ctx, req)
	}
	return "job-1", nil
}

func (f *fakeJobs) Get(ctx context.Context, jobID string) (*task.JobDetail, error) {
	if f.GetFn != nil {
		return f.GetFn(ctx, jobID)
	}
	return nil, store.ErrJobNotFound
}

func (f *fakeJobs) Cancel(ctx context.Context, jobID string) (*domain.Job, error) {
	if f.CancelFn != nil {
		return f.CancelFn(ctx, jobID)
	}
	return nil, store.ErrJobNotFound
}

func (f *fakeJobs) List(ctx context.Context, q store.Query) (store.Page, error) {
	if f.ListFn != nil {
		return f.ListFn(ctx, q)
	}
	return store.Page{Entries: []domain.IndexEntry{}}, nil
}

func (f *fakeJobs) Recent(ctx context.Context) ([]domain.IndexEntry, error) {
	if f.RecentFn != nil {
		return f.RecentFn(ctx)
	}
	return nil, nil
}

type fakeBreakers struct {
	states []breaker.State
	err    error
}

func (f fakeBreakers) States(context.Context) ([]breaker.State, error) { return f.states, f.err }

type testServer struct {
	handler http.Handler
	jobs    *fakeJobs
	kv      *kv.MemoryStore
	token   string
}

func newTestServer(t *testing.T, health map[string]HealthCheck) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	jwtService, err := auth.NewJWTService(config.AuthConfig{
		JWTSecret:            "test-secret-that-is-long-enough-for-testing",
		TokenLifetimeMinutes: 30,
	})
	require.NoError(t, err)
	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	require.NoError(t, err)

	mem := kv.NewMemoryStore()
	s := &testServer{jobs: &fakeJobs{}, kv: mem}
	s.handler = NewRouter(RouterConfig{
		Logger:    logger,
		JWT:       jwtService,
		Verifier:  auth.NewClientVerifier(map[string]string{"ingest": string(hash)}),
		Jobs:      s.jobs,
		Source:    store.NewKVContentSource(mem),
		Generated: store.NewKVResultSink(mem),
		Breakers: fakeBreakers{states: []breaker.State{
			{Service: task.GeneratorService, Status: breaker.StatusOpen, ConsecutiveFailures: 5},
		}},
		Health:  health,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "# metrics") }),
	})

	token, _, err := jwtService.GenerateToken(context.Background(), "ingest")
	require.NoError(t, err)
	s.token = token
	return s
}

func (s *testServer) do(t *testing.T, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if authed {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) shared.ErrorResponse {
	t.Helper()
	var body shared.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.NotEmpty(t, body.TraceID, "error responses carry a trace id")
	return body
}

func TestTokenEndpoint(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantError  string
	}{
		{"valid credentials", `{"client_id":"ingest","api_key":"` + testAPIKey + `"}`, http.StatusOK, ""},
		{"wrong key", `{"client_id":"ingest","api_key":"nope"}`, http.StatusUnauthorized, "Invalid credentials"},
		{"unknown client", `{"client_id":"other","api_key":"` + testAPIKey + `"}`, http.StatusUnauthorized, "Invalid credentials"},
		{"missing key", `{"client_id":"ingest"}`, http.StatusBadRequest, "Invalid api_key: required field"},
		{"unknown field", `{"client_id":"ingest","api_key":"x","scope":"admin"}`, http.StatusBadRequest, "Invalid request format"},
		{"not json", `client_id=ingest`, http.StatusBadRequest, "Invalid request format"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := s.do(t, http.MethodPost, "/api/auth/token", tc.body, false)
			require.Equal(t, tc.wantStatus, rec.Code)
			if tc.wantError != "" {
				assert.Equal(t, tc.wantError, decodeError(t, rec).Error)
				return
			}

			var resp TokenResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, "Bearer", resp.TokenType)
			assert.NotEmpty(t, resp.AccessToken)
			_, err := time.Parse(time.RFC3339, resp.ExpiresAt)
			assert.NoError(t, err)
		})
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/api/jobs"},
		{http.MethodGet, "/api/jobs"},
		{http.MethodGet, "/api/jobs/recent"},
		{http.MethodGet, "/api/jobs/job-1"},
		{http.MethodPost, "/api/jobs/job-1/cancel"},
		{http.MethodPut, "/api/content/memo-1"},
		{http.MethodGet, "/api/content/memo-1/quiz"},
		{http.MethodGet, "/api/breakers"},
	} {
		t.Run(route.method+" "+route.path, func(t *testing.T) {
			rec := s.do(t, route.method, route.path, "", false)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestSubmitJob(t *testing.T) {
	t.Parallel()

	t.Run("accepted", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t, nil)
		rec := s.do(t, http.MethodPost, "/api/jobs",
			`{"item_ids":["a","b"],"workflow":"quiz","priority":3,"options":{"difficulty":"hard"}}`, true)
		require.Equal(t, http.StatusAccepted, rec.Code)

		var resp SubmitJobResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "job-1", resp.JobID)

		require.Len(t, s.jobs.submitted, 1)
		got := s.jobs.submitted[0]
		assert.Equal(t, []string{"a", "b"}, got.ItemIDs)
		assert.Equal(t, "quiz", got.Workflow)
		assert.Equal(t, 3, got.Priority)
		assert.Equal(t, "ingest", got.Source, "source defaults to the client id")
		assert.Equal(t, map[string]string{"difficulty": "hard"}, got.Options)
	})

	tests := []struct {
		name       string
		body       string
		submitErr  error
		wantStatus int
		wantError  string
	}{
		{"no items", `{"item_ids":[],"workflow":"quiz"}`, nil, http.StatusBadRequest, "Invalid item_ids: too small"},
		{"unknown workflow", `{"item_ids":["a"],"workflow":"essay"}`, nil, http.StatusBadRequest, "Invalid workflow: invalid value"},
		{"priority out of range", `{"item_ids":["a"],"workflow":"quiz","priority":11}`, nil, http.StatusBadRequest, "Invalid priority: too large"},
		{"nothing valid", `{"item_ids":["a"],"workflow":"quiz"}`, task.ErrNoValidItems, http.StatusBadRequest, "No valid items to process"},
		{"busy", `{"item_ids":["a"],"workflow":"quiz"}`, task.ErrSchedulerBusy, http.StatusServiceUnavailable, "Service busy, retry later"},
		{"store down", `{"item_ids":["a"],"workflow":"quiz"}`, errors.New("redis: connection refused"), http.StatusInternalServerError, "An unexpected error occurred"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(t, nil)
			s.jobs.SubmitFn = func(context.Context, task.SubmitRequest) (string, error) { return "", tc.submitErr }

			rec := s.do(t, http.MethodPost, "/api/jobs", tc.body, true)
			require.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, tc.wantError, decodeError(t, rec).Error)
		})
	}
}

func TestGetAndCancelJob(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	job := &domain.Job{ID: "job-7", Workflow: domain.WorkflowSummary, Status: domain.JobProcessing, TotalBatches: 2}
	s.jobs.GetFn = func(_ context.Context, id string) (*task.JobDetail, error) {
		if id != job.ID {
			return nil, store.ErrJobNotFound
		}
		return &task.JobDetail{Job: job, Batches: []task.BatchSummary{{ID: "job-7_0", Status: domain.BatchCompleted, Items: 50}}}, nil
	}
	s.jobs.CancelFn = func(_ context.Context, id string) (*domain.Job, error) {
		switch id {
		case job.ID:
			cancelled := *job
			cancelled.Status = domain.JobCancelled
			return &cancelled, nil
		case "done":
			return nil, fmt.Errorf("%w: completed", task.ErrJobFinished)
		case "locked":
			return nil, lock.ErrNotAcquired
		}
		return nil, store.ErrJobNotFound
	}

	rec := s.do(t, http.MethodGet, "/api/jobs/job-7", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail task.JobDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&detail))
	assert.Equal(t, "job-7", detail.Job.ID)
	require.Len(t, detail.Batches, 1)
	assert.Equal(t, domain.BatchCompleted, detail.Batches[0].Status)

	rec = s.do(t, http.MethodGet, "/api/jobs/missing", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Job not found", decodeError(t, rec).Error)

	rec = s.do(t, http.MethodPost, "/api/jobs/job-7/cancel", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelled domain.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&cancelled))
	assert.Equal(t, domain.JobCancelled, cancelled.Status)

	rec = s.do(t, http.MethodPost, "/api/jobs/done/cancel", "", true)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Job already finished", decodeError(t, rec).Error)

	rec = s.do(t, http.MethodPost, "/api/jobs/locked/cancel", "", true)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListJobs(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	var got store.Query
	s.jobs.ListFn = func(_ context.Context, q store.Query) (store.Page, error) {
		got = q
		return store.Page{Entries: []domain.IndexEntry{{JobID: "j1", Status: domain.JobCompleted}}, Total: 1, Page: 2, PerPage: 10}, nil
	}
	s.jobs.RecentFn = func(context.Context) ([]domain.IndexEntry, error) {
		return []domain.IndexEntry{{JobID: "j9", Status: domain.JobCompletedWithErrors}}, nil
	}

	rec := s.do(t, http.MethodGet, "/api/jobs?status=completed&page=2&per_page=10", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.Query{Status: domain.JobCompleted, Page: 2, PerPage: 10}, got)
	var page store.Page
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&page))
	assert.Equal(t, 1, page.Total)

	for _, bad := range []string{"status=bogus", "page=0", "per_page=abc", "per_page=500"} {
		rec = s.do(t, http.MethodGet, "/api/jobs?"+bad, "", true)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}

	rec = s.do(t, http.MethodGet, "/api/jobs/recent", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var recent RecentJobsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&recent))
	require.Len(t, recent.Jobs, 1)
	assert.Equal(t, "j9", recent.Jobs[0].JobID)
}

func TestContentEndpoints(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	ctx := context.Background()

	rec := s.do(t, http.MethodPut, "/api/content/memo-1", `{"title":"Cells","content":"Mitochondria make ATP."}`, true)
	require.Equal(t, http.StatusNoContent, rec.Code)

	items, err := store.NewKVContentSource(s.kv).Fetch(ctx, []string{"memo-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.Item{ExternalID: "memo-1", Title: "Cells", Content: "Mitochondria make ATP."}, items[0])

	rec = s.do(t, http.MethodPut, "/api/content/memo-2", `{"title":"Empty"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid content: required field", decodeError(t, rec).Error)

	rec = s.do(t, http.MethodGet, "/api/content/memo-1/quiz", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, store.NewKVResultSink(s.kv).SaveResults(ctx, "job-1", domain.WorkflowQuiz, []domain.ItemResult{
		{ItemID: "memo-1", Payload: json.RawMessage(`{"questions":[{"question":"What makes ATP?","options":["Mitochondria","Ribosome"],"answer":"Mitochondria"}]}`)},
	}))
	rec = s.do(t, http.MethodGet, "/api/content/memo-1/quiz", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var generated struct {
		JobID   string          `json:"job_id"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&generated))
	assert.Equal(t, "job-1", generated.JobID)
	assert.Contains(t, string(generated.Payload), "What makes ATP?")

	rec = s.do(t, http.MethodGet, "/api/content/memo-1/essay", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBreakersHealthAndMetrics(t *testing.T) {
	t.Parallel()

	healthy := newTestServer(t, map[string]HealthCheck{"kv": func(context.Context) error { return nil }})
	rec := healthy.do(t, http.MethodGet, "/health", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, HealthResponse{Status: "ok", Checks: map[string]string{"kv": "ok"}}, health)

	rec = healthy.do(t, http.MethodGet, "/api/breakers", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var states []breaker.State
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&states))
	require.Len(t, states, 1)
	assert.Equal(t, breaker.StatusOpen, states[0].Status)

	rec = healthy.do(t, http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# metrics", rec.Body.String())

	degraded := newTestServer(t, map[string]HealthCheck{"database": func(context.Context) error { return errors.New("down") }})
	rec = degraded.do(t, http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "down", "health output does not leak errors")
}

func TestErrorResponsesDoNotLeakDetails(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	s.jobs.GetFn = func(context.Context, string) (*task.JobDetail, error) {
		return nil, errors.New("dial tcp 10.0.0.5:5432: password=hunter2 rejected")
	}

	rec := s.do(t, http.MethodGet, "/api/jobs/job-1", "", true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := rec.Body.String()
	assert.NotContains(t, body, "hunter2")
	assert.NotContains(t, body, "10.0.0.5")
	assert.True(t, bytes.Contains([]byte(body), []byte(`"trace_id"`)))
}
