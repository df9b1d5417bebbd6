// Package llm defines the provider client abstraction used by the conversation engine.
package llm

import (
	"context"
)

// Role represents a message sender role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message represents a single message sent upstream.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// TokenUsage tracks token consumption for a single LLM call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns the sum of all token fields.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// ChatRequest contains parameters for an LLM chat call.
// Model, MaxTokens and Temperature are passed through untouched.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// ChatResponse contains the LLM's response to a non-streaming chat request.
type ChatResponse struct {
	Content   string     `json:"content"`
	Reasoning string     `json:"reasoning,omitempty"`
	Usage     TokenUsage `json:"usage"`
}

// Delta is one incremental fragment of a streaming completion.
// An empty field means the provider sent no fragment of that kind.
type Delta struct {
	Content   string `json:"content,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Empty reports whether the delta carries neither content nor reasoning.
func (d Delta) Empty() bool {
	return d.Content == "" && d.Reasoning == ""
}

// EventKind tags the outcome carried by a StreamEvent.
type EventKind int

const (
	// EventDelta carries one Delta.
	EventDelta EventKind = iota
	// EventDone marks a normal end of stream.
	EventDone
	// EventError marks a failed stream; Err is set.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// StreamEvent is one outcome observed while consuming a provider stream.
// EventDone and EventError are terminal; the channel is closed after them.
type StreamEvent struct {
	Kind  EventKind
	Delta Delta
	Usage TokenUsage
	Err   error
}

// Client is the interface for provider interactions.
type Client interface {
	// Chat sends a request and returns the complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream sends a request and returns a channel of streaming events.
	// Failing to open the stream is reported through the returned error.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error)
}

// send delivers ev unless ctx is cancelled first.
func send(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
