package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/phrazzld/scry-batch/internal/config"
	"github.com/phrazzld/scry-batch/internal/domain"
	"github.com/phrazzld/scry-batch/internal/generation"
	"github.com/phrazzld/scry-batch/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(config.LLMConfig{
		Provider:              "remote",
		RemoteURL:             srv.URL + "/",
		RemoteAPIKey:          "secret-key",
		RequestTimeoutSeconds: 5,
	}, srv.Client(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		name   string
		url    string
		logger *slog.Logger
	}{
		{"empty url", "", logger},
		{"relative url", "generations.local", logger},
		{"nil logger", "http://localhost:9000", nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(config.LLMConfig{RemoteURL: tc.url}, nil, tc.logger)
			assert.ErrorIs(t, err, generation.ErrInvalidConfig)
		})
	}

	c, err := New(config.LLMConfig{RemoteURL: "http://localhost:9000", RequestTimeoutSeconds: 7}, nil, logger)
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, c.httpClient.Timeout)
}

func TestSubmitAsync(t *testing.T) {
	t.Parallel()

	var got submitBody
	var auth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/generations", r.URL.Path)
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusAccepted, map[string]any{"generation_id": "gen-42"})
	})

	res, err := c.Submit(context.Background(), generation.SubmitRequest{
		JobID:    "job",
		BatchID:  "job_0",
		Workflow: domain.WorkflowConfig{Kind: domain.WorkflowSummary, Options: map[string]string{"style": "brief"}},
		Items:    []domain.Item{{ExternalID: "a", Title: "A", Content: "alpha"}, {ExternalID: "b", Content: "beta"}},
	})
	require.NoError(t, err)
	assert.True(t, res.Async())
	assert.Equal(t, "gen-42", res.GenerationID)

	assert.Equal(t, "Bearer secret-key", auth)
	assert.Equal(t, "job_0", got.BatchID)
	assert.Equal(t, domain.WorkflowSummary, got.Workflow.Kind)
	assert.Equal(t, "brief", got.Workflow.Options["style"])
	assert.Equal(t, []wireItem{{ID: "a", Title: "A", Content: "alpha"}, {ID: "b", Content: "beta"}}, got.Items)
}

func TestSubmitImmediateResults(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"results": []map[string]any{
				{"item_id": "a", "payload": map[string]any{"summary": "ok"}},
				{"item_id": "b", "error": "too short"},
			},
		})
	})

	res, err := c.Submit(context.Background(), generation.SubmitRequest{BatchID: "b0"})
	require.NoError(t, err)
	assert.False(t, res.Async())
	assert.Equal(t, domain.ResultCounts{Success: 1, Failed: 1}, domain.CountResults(res.Results))
}

func TestSubmitErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		body       string
		want       error
		retryable  bool
		credential bool
	}{
		{name: "unavailable", status: 503, body: `{"error":"overloaded"}`, retryable: true},
		{name: "timeout", status: 408, body: `{"message":"slow"}`, retryable: true},
		{name: "rate limited", status: 429, body: "slow down", retryable: true},
		{name: "unauthorized", status: 401, body: `{"error":"bad key"}`, credential: true},
		{name: "rejected", status: 422, body: `{"error":"workflow not supported"}`},
		{name: "empty answer", status: 200, body: `{}`, want: generation.ErrInvalidResponse},
		{name: "garbage", status: 200, body: `<html>`, want: generation.ErrInvalidResponse},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})

			_, err := c.Submit(context.Background(), generation.SubmitRequest{BatchID: "b0"})
			require.Error(t, err)
			if tc.want != nil {
				assert.ErrorIs(t, err, tc.want)
			} else {
				code, ok := retry.StatusCode(err)
				require.True(t, ok)
				assert.Equal(t, tc.status, code)
			}
			assert.Equal(t, tc.retryable, retry.Classify(err))
			assert.Equal(t, tc.credential, errors.Is(err, generation.ErrCredentials))
		})
	}
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "workflow not supported"})
	})
	_, err := c.Submit(context.Background(), generation.SubmitRequest{BatchID: "b0"})
	var se *generation.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "submit", se.Op)
	assert.Equal(t, "workflow not supported", se.Message)
}

func TestErrorMessageTruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()

	body := "x" + strings.Repeat("é", 300)
	msg := errorMessage([]byte(body))
	assert.True(t, utf8.ValidString(msg))
	assert.Equal(t, maxErrorBody-1, len(msg))
	assert.True(t, strings.HasPrefix(body, msg))

	short := errorMessage([]byte(`{"error":"quota exceeded"}`))
	assert.Equal(t, "quota exceeded", short)
}

func TestUnreachableServiceIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c, err := New(config.LLMConfig{RemoteURL: addr, RequestTimeoutSeconds: 1}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	_, err = c.Submit(context.Background(), generation.SubmitRequest{BatchID: "b0"})
	assert.ErrorIs(t, err, generation.ErrTransientFailure)
	assert.True(t, retry.Classify(err))
}

func TestPoll(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		want    *generation.PollResult
		wantErr error
	}{
		{
			name:   "running",
			status: 200,
			body:   `{"processed":3,"total":10,"status":"running","results":[{"item_id":"a","payload":{"summary":"x"}}]}`,
			want: &generation.PollResult{Processed: 3, Total: 10, Status: generation.PollRunning,
				Results: []domain.ItemResult{{ItemID: "a", Payload: json.RawMessage(`{"summary":"x"}`)}}},
		},
		{
			name:   "status omitted",
			status: 200,
			body:   `{"processed":10,"total":10}`,
			want:   &generation.PollResult{Processed: 10, Total: 10, Status: generation.PollRunning},
		},
		{
			name:   "failed",
			status: 200,
			body:   `{"status":"failed","error":"model overloaded"}`,
			want:   &generation.PollResult{Status: generation.PollFailed, Error: "model overloaded"},
		},
		{name: "unknown status", status: 200, body: `{"status":"paused"}`, wantErr: generation.ErrInvalidResponse},
		{name: "unknown id", status: 404, body: `{"error":"no such generation"}`, wantErr: generation.ErrUnknownGeneration},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "/v1/generations/gen 1", r.URL.Path)
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})

			got, err := c.Poll(context.Background(), "gen 1")
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.False(t, retry.Classify(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	c := newTestClient(t, func(http.ResponseWriter, *http.Request) {})
	_, err := c.Poll(context.Background(), "")
	assert.ErrorIs(t, err, generation.ErrUnknownGeneration)
}

func TestPing(t *testing.T) {
	t.Parallel()

	var unhealthy atomic.Bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/health", r.URL.Path)
		if unhealthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.Ping(context.Background()))
	unhealthy.Store(true)
	err := c.Ping(context.Background())
	code, ok := retry.StatusCode(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}
