package llm

import (
	"context"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
)

// defaultAnthropicMaxTokens is used when the request leaves MaxTokens unset;
// the Messages API requires a value.
const defaultAnthropicMaxTokens = 2000

// AnthropicClient implements Client using the Anthropic Messages API.
// Extended thinking output is surfaced as reasoning.
type AnthropicClient struct {
	client         anthropic.Client
	thinkingBudget int64
}

// AnthropicOption configures the Anthropic client.
type AnthropicOption func(*AnthropicClient)

// WithThinking enables extended thinking with the given token budget.
func WithThinking(budgetTokens int64) AnthropicOption {
	return func(c *AnthropicClient) { c.thinkingBudget = budgetTokens }
}

// NewAnthropicClient creates a client that reads ANTHROPIC_API_KEY from the environment.
func NewAnthropicClient(opts ...AnthropicOption) *AnthropicClient {
	c := &AnthropicClient{client: anthropic.NewClient()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewAnthropicClientWithKey creates a client with an explicit API key.
func NewAnthropicClientWithKey(apiKey string, opts ...AnthropicOption) *AnthropicClient {
	c := &AnthropicClient{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Chat sends a non-streaming chat request.
func (c *AnthropicClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	msg, err := c.client.Messages.New(ctx, c.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic chat: %w", err)
	}
	return parseAnthropicMessage(msg), nil
}

// ChatStream sends a streaming chat request and returns events via channel.
func (c *AnthropicClient) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	stream := c.client.Messages.NewStreaming(ctx, c.buildParams(req))

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		defer stream.Close()
		var accMsg anthropic.Message

		for stream.Next() {
			event := stream.Current()
			_ = accMsg.Accumulate(event)

			if event.Type != "content_block_delta" {
				continue
			}
			var delta Delta
			switch event.Delta.Type {
			case "text_delta":
				delta.Content = event.Delta.Text
			case "thinking_delta":
				delta.Reasoning = event.Delta.Thinking
			}
			if delta.Empty() {
				continue
			}
			if !send(ctx, ch, StreamEvent{Kind: EventDelta, Delta: delta}) {
				return
			}
		}

		if err := stream.Err(); err != nil {
			send(ctx, ch, StreamEvent{Kind: EventError, Err: fmt.Errorf("anthropic stream: %w", err)})
			return
		}

		send(ctx, ch, StreamEvent{Kind: EventDone, Usage: parseAnthropicMessage(&accMsg).Usage})
	}()

	return ch, nil
}

func (c *AnthropicClient) buildParams(req ChatRequest) anthropic.MessageNewParams {
	var system []string
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}

	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{
			{Text: strings.Join(system, "\n\n")},
		}
	}

	if c.thinkingBudget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamUnion{
			OfEnabled: &anthropic.ThinkingConfigEnabledParam{BudgetTokens: c.thinkingBudget},
		}
	} else if req.Temperature != nil {
		// The API rejects a temperature other than 1 while thinking is enabled.
		params.Temperature = param.NewOpt(*req.Temperature)
	}

	return params
}

func parseAnthropicMessage(msg *anthropic.Message) *ChatResponse {
	resp := &ChatResponse{
		Usage: TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "thinking":
			resp.Reasoning += block.Thinking
		}
	}

	return resp
}
