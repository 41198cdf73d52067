package mocks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/phrazzld/scry-batch/internal/domain"
	"github.com/phrazzld/scry-batch/internal/generation"
)

// MockGenerator implements generation.Generator for testing
type MockGenerator struct {
	// SubmitFn allows test cases to mock the Submit behavior
	SubmitFn func(ctx context.Context, req generation.SubmitRequest) (*generation.SubmitResult, error)

	// PollFn allows test cases to mock the Poll behavior
	PollFn func(ctx context.Context, generationID string) (*generation.PollResult, error)

	// PingFn allows test cases to mock health probes
	PingFn func(ctx context.Context) error

	// Call tracking for verification
	mu          sync.Mutex
	SubmitCalls []generation.SubmitRequest
	PollCalls   []string
	PingCalls   int
}

// Submit implements generation.Generator. Without SubmitFn every item succeeds immediately.
func (m *MockGenerator) Submit(ctx context.Context, req generation.SubmitRequest) (*generation.SubmitResult, error) {
	m.mu.Lock()
	m.SubmitCalls = append(m.SubmitCalls, req)
	m.mu.Unlock()

	if m.SubmitFn != nil {
		return m.SubmitFn(ctx, req)
	}
	return &generation.SubmitResult{Results: SuccessResults(req)}, nil
}

// Poll implements generation.Generator.
func (m *MockGenerator) Poll(ctx context.Context, generationID string) (*generation.PollResult, error) {
	m.mu.Lock()
	m.PollCalls = append(m.PollCalls, generationID)
	m.mu.Unlock()

	if m.PollFn != nil {
		return m.PollFn(ctx, generationID)
	}
	return nil, fmt.Errorf("%w: %s", generation.ErrUnknownGeneration, generationID)
}

// Ping implements generation.Pinger.
func (m *MockGenerator) Ping(ctx context.Context) error {
	m.mu.Lock()
	m.PingCalls++
	m.mu.Unlock()

	if m.PingFn != nil {
		return m.PingFn(ctx)
	}
	return nil
}

// SubmitCount returns how many times Submit was called.
func (m *MockGenerator) SubmitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SubmitCalls)
}

// PollCount returns how many times Poll was called.
func (m *MockGenerator) PollCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.PollCalls)
}

// Reset clears call tracking.
func (m *MockGenerator) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SubmitCalls = nil
	m.PollCalls = nil
	m.PingCalls = 0
}

// SuccessResults returns a valid payload for every item of the request.
func SuccessResults(req generation.SubmitRequest) []domain.ItemResult {
	results := make([]domain.ItemResult, len(req.Items))
	for i, item := range req.Items {
		results[i] = domain.ItemResult{ItemID: item.ExternalID, Payload: SamplePayload(req.Workflow.Kind, item.ExternalID)}
	}
	return results
}

// SamplePayload returns a payload that satisfies the workflow's schema.
func SamplePayload(w domain.Workflow, itemID string) json.RawMessage {
	if w == domain.WorkflowSummary {
		data, _ := json.Marshal(map[string]any{"summary": "Summary of " + itemID, "key_points": []string{itemID}})
		return data
	}
	data, _ := json.Marshal(map[string]any{
		"questions": []map[string]any{{
			"question": "What is " + itemID + "?",
			"options":  []string{"A", "B"},
			"answer":   "A",
		}},
	})
	return data
}
