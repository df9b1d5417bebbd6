// Package chat drives conversation turns: it resolves the conversation,
// budgets context, streams the provider reply through the segmenter to the
// client and persists the finished turn.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chenpipi0807/PIP-Assistant/internal/budget"
	"github.com/chenpipi0807/PIP-Assistant/internal/conversation"
	"github.com/chenpipi0807/PIP-Assistant/internal/llm"
	"github.com/chenpipi0807/PIP-Assistant/internal/segment"
	"github.com/chenpipi0807/PIP-Assistant/internal/telemetry"
)

// Store is the subset of the conversation store used by the controller.
type Store interface {
	Get(ctx context.Context, id string) (*conversation.Conversation, bool)
	Latest(ctx context.Context) (*conversation.Conversation, bool)
	Create(ctx context.Context) *conversation.Conversation
	Append(ctx context.Context, id string, role llm.Role, content, reasoning string) error
}

// Sink receives the events of one turn.
type Sink interface {
	Emit(segment.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(segment.Event) error

// Emit calls f.
func (f SinkFunc) Emit(ev segment.Event) error { return f(ev) }

// Observer receives turn outcomes for metrics.
type Observer interface {
	TurnFinished(outcome string, d time.Duration)
	EventEmitted(t segment.EventType)
}

type noopObserver struct{}

func (noopObserver) TurnFinished(string, time.Duration) {}
func (noopObserver) EventEmitted(segment.EventType)     {}

// Fallback decides which conversation an ask without a usable id joins.
type Fallback string

const (
	// FallbackCreate starts a new conversation.
	FallbackCreate Fallback = "create"
	// FallbackLatest joins the most recently updated conversation, creating
	// one only when the store is empty.
	FallbackLatest Fallback = "latest"
)

// ParseFallback validates a fallback name. Empty selects FallbackCreate.
func ParseFallback(s string) (Fallback, error) {
	switch Fallback(strings.ToLower(strings.TrimSpace(s))) {
	case "", FallbackCreate:
		return FallbackCreate, nil
	case FallbackLatest:
		return FallbackLatest, nil
	}
	return "", fmt.Errorf("unknown conversation fallback %q", s)
}

// AskRequest is one user turn.
type AskRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

// Answer is the reply to a one-shot request.
type Answer struct {
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Upload describes an extracted file submitted for analysis.
type Upload struct {
	Filename string
	Kind     string
	Question string
	Content  string
}

// Controller runs turns against a store and a provider.
type Controller struct {
	store       Store
	client      llm.Client
	budgeter    *budget.Budgeter
	prompts     atomic.Pointer[Prompts]
	fallback    Fallback
	model       string
	maxTokens   int
	temperature *float64
	logger      *slog.Logger
	observer    Observer
}

// Option configures a Controller.
type Option func(*Controller)

// WithBudgeter sets the context budgeter.
func WithBudgeter(b *budget.Budgeter) Option {
	return func(c *Controller) { c.budgeter = b }
}

// WithPrompts sets the prompts. Empty fields keep their defaults.
func WithPrompts(p Prompts) Option {
	return func(c *Controller) { c.SetPrompts(p) }
}

// WithFallback sets the conversation resolution policy.
func WithFallback(f Fallback) Option {
	return func(c *Controller) { c.fallback = f }
}

// WithModel sets the model passed to the provider.
func WithModel(model string) Option {
	return func(c *Controller) { c.model = model }
}

// WithGeneration sets the generation parameters passed to the provider.
func WithGeneration(maxTokens int, temperature *float64) Option {
	return func(c *Controller) {
		c.maxTokens = maxTokens
		c.temperature = temperature
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// New creates a Controller.
func New(store Store, client llm.Client, opts ...Option) *Controller {
	c := &Controller{
		store:    store,
		client:   client,
		fallback: FallbackCreate,
		logger:   slog.Default(),
		observer: noopObserver{},
	}
	def := DefaultPrompts()
	c.prompts.Store(&def)
	for _, opt := range opts {
		opt(c)
	}
	if c.budgeter == nil {
		c.budgeter = budget.New(0, nil)
	}
	return c
}

// SetPrompts replaces the prompts used by subsequent turns.
func (c *Controller) SetPrompts(p Prompts) {
	merged := p.merge(DefaultPrompts())
	c.prompts.Store(&merged)
}

// Prompts returns the prompts currently in use.
func (c *Controller) Prompts() Prompts {
	return *c.prompts.Load()
}

func (c *Controller) request(msgs []llm.Message) llm.ChatRequest {
	return llm.ChatRequest{
		Model:       c.model,
		Messages:    msgs,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}
}

// resolve returns the conversation a turn joins.
func (c *Controller) resolve(ctx context.Context, id string, logger *slog.Logger) *conversation.Conversation {
	if id != "" {
		if conv, ok := c.store.Get(ctx, id); ok {
			return conv
		}
		logger.Info("conversation not found, falling back", "requested_id", id, "fallback", string(c.fallback))
	}
	if c.fallback == FallbackLatest {
		if conv, ok := c.store.Latest(ctx); ok {
			return conv
		}
	}
	return c.store.Create(ctx)
}

// Ask runs one streaming turn. Events go to sink in emission order. A blank
// message is rejected with ErrEmptyMessage before anything is emitted or
// stored. On any failure after that, the returned Result is in StateFailed
// and no assistant message has been stored.
func (c *Controller) Ask(ctx context.Context, req AskRequest, sink Sink) (*Result, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		c.observer.TurnFinished("rejected", 0)
		return nil, ErrEmptyMessage
	}

	start := time.Now()
	res := newResult()
	logger := telemetry.RequestLogger(c.logger, ctx)

	emit := func(ev segment.Event) error {
		if err := sink.Emit(ev); err != nil {
			return fmt.Errorf("%w: %v", ErrClientGone, err)
		}
		c.observer.EventEmitted(ev.Type)
		return nil
	}

	// fail reports err to the client unless the client itself is gone.
	fail := func(err error) (*Result, error) {
		res.enter(StateFailed)
		outcome := "upstream_error"
		if errors.Is(err, ErrClientGone) {
			outcome = "client_gone"
			logger.Info("client disconnected, turn abandoned", "state_before", res.Transitions[len(res.Transitions)-2].String())
		} else {
			if !errors.As(err, new(*UpstreamError)) {
				outcome = "error"
			}
			logger.Error("turn failed", "error", err)
			if emitErr := emit(segment.ErrorEvent(err.Error())); emitErr != nil {
				logger.Debug("error event not delivered", "error", emitErr)
			}
		}
		c.observer.TurnFinished(outcome, time.Since(start))
		return res, err
	}

	res.enter(StateAwaitingConversation)
	conv := c.resolve(ctx, req.ConversationID, logger)
	res.ConversationID = conv.ID
	logger = logger.With("conversation_id", conv.ID)
	if err := c.store.Append(ctx, conv.ID, llm.RoleUser, message, ""); err != nil {
		return fail(fmt.Errorf("store user message: %w", err))
	}

	res.enter(StateBudgeting)
	conv, ok := c.store.Get(ctx, conv.ID)
	if !ok {
		return fail(fmt.Errorf("load conversation %s: %w", res.ConversationID, conversation.ErrNotFound))
	}
	history := make([]llm.Message, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		history = append(history, llm.Message{Role: m.Role, Content: m.Content})
	}
	sel := c.budgeter.Select(c.Prompts().System, history)
	if sel.Dropped > 0 {
		logger.Debug("history trimmed", "dropped", sel.Dropped, "cost", sel.Cost)
	}

	res.enter(StateStreaming)
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := c.client.ChatStream(turnCtx, c.request(sel.Messages))
	if err != nil {
		if ctx.Err() != nil {
			return fail(ErrClientGone)
		}
		return fail(&UpstreamError{Op: "open stream", Err: err})
	}

	seg := segment.New(emit)
	if err := c.consume(ctx, events, seg); err != nil {
		return fail(err)
	}
	if err := seg.Flush(); err != nil {
		return fail(err)
	}

	res.enter(StatePersisting)
	res.Content = seg.Content()
	res.Reasoning = seg.Reasoning()
	if err := c.store.Append(ctx, conv.ID, llm.RoleAssistant, res.Content, res.Reasoning); err != nil {
		return fail(fmt.Errorf("store assistant message: %w", err))
	}

	// The turn is stored; a client that leaves now only misses the marker.
	if err := seg.Done(conv.ID); err != nil {
		logger.Info("done event not delivered", "error", err)
	}
	res.enter(StateDone)
	c.observer.TurnFinished("done", time.Since(start))
	logger.Info("turn completed",
		"content_len", len(res.Content),
		"reasoning_len", len(res.Reasoning),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// consume feeds provider events to seg until the stream completes.
func (c *Controller) consume(ctx context.Context, events <-chan llm.StreamEvent, seg *segment.Segmenter) error {
	for {
		select {
		case <-ctx.Done():
			return ErrClientGone
		case ev, ok := <-events:
			if ctx.Err() != nil {
				return ErrClientGone
			}
			if !ok {
				return &UpstreamError{Op: "stream", Err: errIncompleteStream}
			}
			switch ev.Kind {
			case llm.EventDelta:
				if err := seg.Feed(ev.Delta); err != nil {
					return err
				}
			case llm.EventDone:
				return nil
			case llm.EventError:
				return &UpstreamError{Op: "stream", Err: ev.Err}
			}
		}
	}
}

// Search answers a query with one non-streaming call.
func (c *Controller) Search(ctx context.Context, query string) (*Answer, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	resp, err := c.client.Chat(ctx, c.request([]llm.Message{
		{Role: llm.RoleSystem, Content: c.Prompts().Search},
		{Role: llm.RoleUser, Content: searchQueryPrefix + query},
	}))
	if err != nil {
		return nil, &UpstreamError{Op: "search", Err: err}
	}
	return &Answer{Content: resp.Content, Reasoning: resp.Reasoning}, nil
}

// Analyze asks the provider to review an extracted file.
func (c *Controller) Analyze(ctx context.Context, u Upload) (*Answer, error) {
	if strings.TrimSpace(u.Filename) == "" {
		return nil, ErrNoFile
	}
	resp, err := c.client.Chat(ctx, c.request([]llm.Message{
		{Role: llm.RoleSystem, Content: c.Prompts().Upload},
		{Role: llm.RoleUser, Content: analysisPrompt(u)},
	}))
	if err != nil {
		return nil, &UpstreamError{Op: "analyze", Err: err}
	}
	return &Answer{Content: resp.Content, Reasoning: resp.Reasoning}, nil
}
