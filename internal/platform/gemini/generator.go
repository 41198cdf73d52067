package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/phrazzld/scry-batch/internal/config"
	"github.com/phrazzld/scry-batch/internal/domain"
	"github.com/phrazzld/scry-batch/internal/generation"
	"google.golang.org/genai"
)

const defaultTemperature = 0.4

// Generator generates batch content with a Gemini model.
type Generator struct {
	client  *genai.Client
	model   string
	prompts map[domain.Workflow]*template.Template
	logger  *slog.Logger
}

var (
	_ generation.Generator = (*Generator)(nil)
	_ generation.Pinger    = (*Generator)(nil)
)

type options struct {
	baseURL    string
	httpClient *http.Client
}

// Option customizes the Gemini client.
type Option func(*options)

// WithBaseURL points the client at another endpoint.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// New creates a Generator from the LLM configuration.
func New(ctx context.Context, logger *slog.Logger, cfg config.LLMConfig, opts ...Option) (*Generator, error) {
	if logger == nil {
		return nil, fmt.Errorf("%w: logger cannot be nil", generation.ErrInvalidConfig)
	}
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", generation.ErrInvalidConfig)
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", generation.ErrInvalidConfig)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	prompts, err := loadPrompts(cfg.PromptTemplateDir)
	if err != nil {
		return nil, err
	}

	clientConfig := &genai.ClientConfig{
		APIKey:     cfg.GeminiAPIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: o.httpClient,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: o.baseURL,
		},
	}
	if cfg.RequestTimeoutSeconds > 0 {
		timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
		clientConfig.HTTPOptions.Timeout = &timeout
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v",
			generation.ErrInvalidConfig, err)
	}

	return &Generator{
		client:  client,
		model:   cfg.ModelName,
		prompts: prompts,
		logger:  logger.With("component", "gemini", "model", cfg.ModelName),
	}, nil
}

// response is the JSON document the prompts ask the model for.
type response struct {
	Results []domain.ItemResult `json:"results"`
}

// Submit generates content for every item of the batch in one call.
func (g *Generator) Submit(ctx context.Context, req generation.SubmitRequest) (*generation.SubmitResult, error) {
	if len(req.Items) == 0 {
		return &generation.SubmitResult{}, nil
	}

	prompt, err := g.render(req)
	if err != nil {
		return nil, err
	}

	g.logger.DebugContext(ctx, "calling gemini",
		"batch_id", req.BatchID,
		"workflow", req.Workflow.Kind,
		"items", len(req.Items),
		"prompt_length", len(prompt))

	temperature := float32(defaultTemperature)
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      &temperature,
	})
	if err != nil {
		return nil, mapError("submit", err)
	}

	if blocked(resp) {
		g.logger.WarnContext(ctx, "gemini blocked the batch", "batch_id", req.BatchID)
		return nil, generation.ErrContentBlocked
	}

	results, err := parseResults(resp.Text(), req.Items)
	if err != nil {
		return nil, err
	}

	g.logger.DebugContext(ctx, "gemini call finished",
		"batch_id", req.BatchID,
		"results", len(results))
	return &generation.SubmitResult{Results: results}, nil
}

// Poll is not supported: Gemini generations finish inside Submit.
func (g *Generator) Poll(_ context.Context, generationID string) (*generation.PollResult, error) {
	return nil, fmt.Errorf("%w: %s", generation.ErrUnknownGeneration, generationID)
}

// Ping checks that the model is reachable with the configured key.
func (g *Generator) Ping(ctx context.Context) error {
	if _, err := g.client.Models.Get(ctx, g.model, nil); err != nil {
		return mapError("ping", err)
	}
	return nil
}

func blocked(resp *genai.GenerateContentResponse) bool {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return true
	}
	if len(resp.Candidates) == 0 {
		return false
	}
	switch resp.Candidates[0].FinishReason {
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist:
		return true
	}
	return false
}

// parseResults decodes the model output and keeps one result per requested
// item, in request order. Items the model skipped are reported as failed.
func parseResults(text string, items []domain.Item) ([]domain.ItemResult, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	if text == "" {
		return nil, fmt.Errorf("%w: empty response", generation.ErrInvalidResponse)
	}

	var resp response
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", generation.ErrInvalidResponse, err)
	}

	byID := make(map[string]domain.ItemResult, len(resp.Results))
	for _, r := range resp.Results {
		if _, seen := byID[r.ItemID]; !seen {
			byID[r.ItemID] = r
		}
	}

	results := make([]domain.ItemResult, 0, len(items))
	for _, item := range items {
		r, ok := byID[item.ExternalID]
		if !ok {
			r = domain.ItemResult{ItemID: item.ExternalID, Error: "no result returned for item"}
		}
		results = append(results, r)
	}
	return results, nil
}

// mapError converts a Gemini API error into a generation.StatusError.
func mapError(op string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &generation.StatusError{Op: op, Code: apiErr.Code, Message: apiErr.Message, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: request timeout: %v", generation.ErrTransientFailure, op, err)
	}
	return fmt.Errorf("%w: %s: %v", generation.ErrGenerationFailed, op, err)
}
