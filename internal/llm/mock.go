package llm

import (
	"context"
	"errors"
	"sync"
)

// MockClient is a scriptable client for tests. Responses are consumed in
// order; when the queue is empty the CompleteFunc hook (if set) is used.
type MockClient struct {
	mu           sync.Mutex
	responses    []string
	CompleteFunc func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	Requests     []CompletionRequest
	model        string
}

// NewMockClient returns a mock that replays the given responses in order.
func NewMockClient(responses ...string) *MockClient {
	return &MockClient{
		responses: responses,
		model:     "mock-model",
	}
}

func (m *MockClient) Model() string {
	return m.model
}

// Enqueue appends responses to the replay queue.
func (m *MockClient) Enqueue(responses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, responses...)
}

func (m *MockClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	if len(m.responses) > 0 {
		content := m.responses[0]
		m.responses = m.responses[1:]
		m.mu.Unlock()
		return &CompletionResponse{Content: content, StopReason: "stop"}, nil
	}
	fn := m.CompleteFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return nil, errors.New("mock client: no scripted response")
}

func (m *MockClient) StreamComplete(ctx context.Context, req CompletionRequest, onDelta func(delta string)) (*CompletionResponse, error) {
	resp, err := m.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if onDelta != nil && resp.Content != "" {
		onDelta(resp.Content)
	}
	return resp, nil
}
