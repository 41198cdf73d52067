package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/phrazzld/scry-batch/internal/config"
	"github.com/phrazzld/scry-batch/internal/domain"
	"github.com/phrazzld/scry-batch/internal/generation"
	"github.com/phrazzld/scry-batch/internal/redact"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// maxErrorBody caps how much of an error response is kept in messages.
const maxErrorBody = 512

// Client talks to the remote generation service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

var (
	_ generation.Generator = (*Client)(nil)
	_ generation.Pinger    = (*Client)(nil)
)

// New creates a Client from the LLM configuration. A nil httpClient gets
// one with the configured request timeout.
func New(cfg config.LLMConfig, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if cfg.RemoteURL == "" {
		return nil, fmt.Errorf("%w: remote URL cannot be empty", generation.ErrInvalidConfig)
	}
	u, err := url.Parse(cfg.RemoteURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid remote URL %q", generation.ErrInvalidConfig, cfg.RemoteURL)
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger cannot be nil", generation.ErrInvalidConfig)
	}
	if httpClient == nil {
		timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.RemoteURL, "/"),
		apiKey:     cfg.RemoteAPIKey,
		httpClient: httpClient,
		logger:     logger.With("component", "remote_generator"),
	}, nil
}

type wireItem struct {
	ID      string `json:"id"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

type submitBody struct {
	JobID    string                `json:"job_id"`
	BatchID  string                `json:"batch_id"`
	Workflow domain.WorkflowConfig `json:"workflow"`
	Items    []wireItem            `json:"items"`
}

type submitResponse struct {
	GenerationID string              `json:"generation_id"`
	Results      []domain.ItemResult `json:"results"`
}

type pollResponse struct {
	Processed int                 `json:"processed"`
	Total     int                 `json:"total"`
	Status    string              `json:"status"`
	Error     string              `json:"error"`
	Results   []domain.ItemResult `json:"results"`
}

// Submit sends a batch. The service may answer with results directly or with
// a generation id to poll.
func (c *Client) Submit(ctx context.Context, req generation.SubmitRequest) (*generation.SubmitResult, error) {
	body := submitBody{
		JobID:    req.JobID,
		BatchID:  req.BatchID,
		Workflow: req.Workflow,
		Items:    make([]wireItem, len(req.Items)),
	}
	for i, item := range req.Items {
		body.Items[i] = wireItem{ID: item.ExternalID, Title: item.Title, Content: item.Content}
	}

	var resp submitResponse
	if err := c.do(ctx, "submit", http.MethodPost, "/v1/generations", body, &resp); err != nil {
		return nil, err
	}
	if resp.GenerationID == "" && resp.Results == nil {
		return nil, fmt.Errorf("%w: submit returned neither a generation id nor results", generation.ErrInvalidResponse)
	}

	c.logger.DebugContext(ctx, "batch submitted",
		"batch_id", req.BatchID,
		"generation_id", resp.GenerationID,
		"results", len(resp.Results))
	return &generation.SubmitResult{GenerationID: resp.GenerationID, Results: resp.Results}, nil
}

// Poll fetches the progress of a generation.
func (c *Client) Poll(ctx context.Context, generationID string) (*generation.PollResult, error) {
	if generationID == "" {
		return nil, fmt.Errorf("%w: empty generation id", generation.ErrUnknownGeneration)
	}

	var resp pollResponse
	err := c.do(ctx, "poll", http.MethodGet, "/v1/generations/"+url.PathEscape(generationID), nil, &resp)
	if err != nil {
		var se *generation.StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			se.Err = generation.ErrUnknownGeneration
		}
		return nil, err
	}

	switch resp.Status {
	case generation.PollRunning, generation.PollCompleted, generation.PollFailed:
	case "":
		resp.Status = generation.PollRunning
	default:
		return nil, fmt.Errorf("%w: unknown poll status %q", generation.ErrInvalidResponse, resp.Status)
	}

	return &generation.PollResult{
		Processed: resp.Processed,
		Total:     resp.Total,
		Status:    resp.Status,
		Error:     resp.Error,
		Results:   resp.Results,
	}, nil
}

// Ping calls the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", http.MethodGet, "/v1/health", nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", generation.ErrInvalidConfig, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return fmt.Errorf("%w: %s: request failed: %w", generation.ErrTransientFailure, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s: read response: %w", generation.ErrTransientFailure, op, err)
	}

	if resp.StatusCode >= 400 {
		return &generation.StatusError{Op: op, Code: resp.StatusCode, Message: errorMessage(data)}
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("%w: %s: %v", generation.ErrInvalidResponse, op, err)
		}
	}
	return nil
}

// errorMessage pulls a message out of an error body.
func errorMessage(data []byte) string {
	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &apiErr) == nil {
		switch {
		case apiErr.Error != "":
			msg = apiErr.Error
		case apiErr.Message != "":
			msg = apiErr.Message
		}
	}
	if len(msg) > maxErrorBody {
		cut := maxErrorBody
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return redact.String(msg)
}
