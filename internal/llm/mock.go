package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockResponse configures a single response from the mock client.
type MockResponse struct {
	// Content and Reasoning are returned by Chat. When Deltas is empty,
	// ChatStream sends them as a single delta.
	Content   string
	Reasoning string

	// Deltas are streamed in order by ChatStream.
	Deltas []Delta

	Usage TokenUsage

	// Error fails Chat, or the opening of ChatStream.
	Error error

	// StreamError is sent as a terminal EventError after the deltas.
	StreamError error

	// Hold makes ChatStream stall after the deltas until the context is
	// cancelled, without ever sending a terminal event.
	Hold bool
}

// MockClient is a configurable mock LLM client for testing.
type MockClient struct {
	mu        sync.Mutex
	responses []MockResponse
	callIndex int
	calls     []ChatRequest
}

// NewMockClient creates a mock client with a sequence of responses.
// Responses are returned in order; if exhausted, the last response repeats.
func NewMockClient(responses ...MockResponse) *MockClient {
	return &MockClient{responses: responses}
}

func (m *MockClient) next(req ChatRequest) (MockResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)

	if len(m.responses) == 0 {
		return MockResponse{}, fmt.Errorf("mock: no responses configured")
	}

	idx := m.callIndex
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	} else {
		m.callIndex++
	}
	return m.responses[idx], nil
}

// Chat returns the next configured response.
func (m *MockClient) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := m.next(req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return &ChatResponse{
		Content:   resp.Content,
		Reasoning: resp.Reasoning,
		Usage:     resp.Usage,
	}, nil
}

// ChatStream streams the next configured response.
func (m *MockClient) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	resp, err := m.next(req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	deltas := resp.Deltas
	if len(deltas) == 0 && (resp.Content != "" || resp.Reasoning != "") {
		deltas = []Delta{{Content: resp.Content, Reasoning: resp.Reasoning}}
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)

		for _, d := range deltas {
			if !send(ctx, ch, StreamEvent{Kind: EventDelta, Delta: d}) {
				return
			}
		}
		if resp.Hold {
			<-ctx.Done()
			return
		}
		if resp.StreamError != nil {
			send(ctx, ch, StreamEvent{Kind: EventError, Err: resp.StreamError})
			return
		}
		send(ctx, ch, StreamEvent{Kind: EventDone, Usage: resp.Usage})
	}()

	return ch, nil
}

// Calls returns all requests made to the mock client.
func (m *MockClient) Calls() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.calls...)
}

// Reset clears call history and resets the response index.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callIndex = 0
	m.calls = nil
}
