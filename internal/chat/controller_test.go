package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chenpipi0807/PIP-Assistant/internal/budget"
	"github.com/chenpipi0807/PIP-Assistant/internal/conversation"
	"github.com/chenpipi0807/PIP-Assistant/internal/llm"
	"github.com/chenpipi0807/PIP-Assistant/internal/segment"
)

// eventLog records emitted events and can simulate a client that leaves.
type eventLog struct {
	mu     sync.Mutex
	events []segment.Event
	// failAfter makes Emit fail once this many events were accepted.
	failAfter int
	onEmit    func(segment.Event)
}

func (l *eventLog) Emit(ev segment.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failAfter > 0 && len(l.events) >= l.failAfter {
		return errors.New("broken pipe")
	}
	l.events = append(l.events, ev)
	if l.onEmit != nil {
		l.onEmit(ev)
	}
	return nil
}

func (l *eventLog) types() []segment.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]segment.EventType, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
	events   map[segment.EventType]int
}

func (o *recordingObserver) TurnFinished(outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *recordingObserver) EventEmitted(t segment.EventType) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.events == nil {
		o.events = make(map[segment.EventType]int)
	}
	o.events[t]++
}

func newTestController(t *testing.T, client llm.Client, opts ...Option) (*Controller, *conversation.Store) {
	t.Helper()
	var (
		mu  sync.Mutex
		now = time.Date(2025, 2, 12, 18, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
	store := conversation.Open(context.Background(), conversation.NewMemoryBackend(), conversation.WithClock(clock))
	return New(store, client, opts...), store
}

func countRole(c *conversation.Conversation, role llm.Role) int {
	n := 0
	for _, m := range c.Messages {
		if m.Role == role {
			n++
		}
	}
	return n
}

func TestAskSuccess(t *testing.T) {
	client := llm.NewMockClient(llm.MockResponse{
		Deltas: []llm.Delta{
			{Reasoning: "thinking"},
			{Content: "Hi"},
			{Content: " there."},
			{Content: " How are you?"},
		},
	})
	obs := &recordingObserver{}
	ctrl, store := newTestController(t, client, WithObserver(obs))
	sink := &eventLog{}

	res, err := ctrl.Ask(context.Background(), AskRequest{Message: "  hello  "}, sink)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.State != StateDone {
		t.Fatalf("State = %v, want done", res.State)
	}
	wantTransitions := []State{StateIdle, StateAwaitingConversation, StateBudgeting, StateStreaming, StatePersisting, StateDone}
	if len(res.Transitions) != len(wantTransitions) {
		t.Fatalf("Transitions = %v", res.Transitions)
	}
	for i, s := range wantTransitions {
		if res.Transitions[i] != s {
			t.Errorf("transition %d = %v, want %v", i, res.Transitions[i], s)
		}
	}

	want := []segment.Event{
		{Type: segment.EventReasoning, Content: "thinking"},
		{Type: segment.EventContent, Content: "Hi there."},
		{Type: segment.EventContent, Content: "Hi there. How are you?"},
		{Type: segment.EventDone, ConversationID: res.ConversationID},
	}
	if len(sink.events) != len(want) {
		t.Fatalf("events = %+v", sink.events)
	}
	for i := range want {
		if sink.events[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, sink.events[i], want[i])
		}
	}

	conv, ok := store.Get(context.Background(), res.ConversationID)
	if !ok {
		t.Fatal("conversation not stored")
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("stored %d messages, want 2", len(conv.Messages))
	}
	if conv.Messages[0].Role != llm.RoleUser || conv.Messages[0].Content != "hello" {
		t.Errorf("user message = %+v", conv.Messages[0])
	}
	asst := conv.Messages[1]
	if asst.Role != llm.RoleAssistant || asst.Content != "Hi there. How are you?" || asst.Reasoning != "thinking" {
		t.Errorf("assistant message = %+v", asst)
	}

	calls := client.Calls()
	if len(calls) != 1 {
		t.Fatalf("provider calls = %d", len(calls))
	}
	msgs := calls[0].Messages
	if len(msgs) != 2 || msgs[0].Role != llm.RoleSystem || msgs[0].Content != DefaultSystemPrompt || msgs[1].Content != "hello" {
		t.Errorf("upstream messages = %+v", msgs)
	}
	if len(obs.outcomes) != 1 || obs.outcomes[0] != "done" {
		t.Errorf("outcomes = %v", obs.outcomes)
	}
	if obs.events[segment.EventContent] != 2 || obs.events[segment.EventDone] != 1 {
		t.Errorf("event counts = %v", obs.events)
	}
}

func TestAskEmptyMessage(t *testing.T) {
	client := llm.NewMockClient(llm.MockResponse{Content: "x"})
	ctrl, store := newTestController(t, client)
	sink := &eventLog{}

	for _, msg := range []string{"", "   ", "\n\t"} {
		res, err := ctrl.Ask(context.Background(), AskRequest{Message: msg}, sink)
		if !errors.Is(err, ErrEmptyMessage) || !IsValidation(err) {
			t.Errorf("Ask(%q) error = %v, want ErrEmptyMessage", msg, err)
		}
		if res != nil {
			t.Errorf("Ask(%q) returned a result", msg)
		}
	}
	if len(sink.events) != 0 {
		t.Errorf("events emitted for rejected input: %+v", sink.events)
	}
	if store.Len() != 0 {
		t.Errorf("store changed: %d conversations", store.Len())
	}
	if len(client.Calls()) != 0 {
		t.Error("provider called for rejected input")
	}
}

func TestAskUpstreamFailures(t *testing.T) {
	tests := []struct {
		name       string
		resp       llm.MockResponse
		wantEvents []segment.EventType
	}{
		{
			name:       "open failure",
			resp:       llm.MockResponse{Error: errors.New("401 unauthorized")},
			wantEvents: []segment.EventType{segment.EventError},
		},
		{
			name:       "error before any delta",
			resp:       llm.MockResponse{StreamError: errors.New("reset by peer")},
			wantEvents: []segment.EventType{segment.EventError},
		},
		{
			name: "error mid stream",
			resp: llm.MockResponse{
				Deltas:      []llm.Delta{{Content: "Partial."}},
				StreamError: errors.New("reset by peer"),
			},
			wantEvents: []segment.EventType{segment.EventContent, segment.EventError},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl, store := newTestController(t, llm.NewMockClient(tt.resp))
			sink := &eventLog{}

			res, err := ctrl.Ask(context.Background(), AskRequest{Message: "hi"}, sink)
			var upErr *UpstreamError
			if !errors.As(err, &upErr) {
				t.Fatalf("error = %v, want *UpstreamError", err)
			}
			if res.State != StateFailed {
				t.Errorf("State = %v, want failed", res.State)
			}

			got := sink.types()
			if len(got) != len(tt.wantEvents) {
				t.Fatalf("events = %v, want %v", got, tt.wantEvents)
			}
			for i := range got {
				if got[i] != tt.wantEvents[i] {
					t.Errorf("event %d = %v, want %v", i, got[i], tt.wantEvents[i])
				}
			}
			last := sink.events[len(sink.events)-1]
			if last.Content == "" {
				t.Error("error event carries no message")
			}

			conv, _ := store.Get(context.Background(), res.ConversationID)
			if countRole(conv, llm.RoleAssistant) != 0 {
				t.Error("assistant message persisted for failed turn")
			}
			if countRole(conv, llm.RoleUser) != 1 {
				t.Error("user message should remain after a failed turn")
			}
		})
	}
}

func TestAskStreamClosedWithoutDone(t *testing.T) {
	ch := make(chan llm.StreamEvent)
	close(ch)
	ctrl, store := newTestController(t, closedStreamClient{ch: ch})
	sink := &eventLog{}

	res, err := ctrl.Ask(context.Background(), AskRequest{Message: "hi"}, sink)
	if !errors.Is(err, errIncompleteStream) {
		t.Fatalf("error = %v", err)
	}
	if got := sink.types(); len(got) != 1 || got[0] != segment.EventError {
		t.Errorf("events = %v", got)
	}
	conv, _ := store.Get(context.Background(), res.ConversationID)
	if countRole(conv, llm.RoleAssistant) != 0 {
		t.Error("assistant message persisted")
	}
}

type closedStreamClient struct{ ch chan llm.StreamEvent }

func (c closedStreamClient) Chat(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, errors.New("not implemented")
}

func (c closedStreamClient) ChatStream(context.Context, llm.ChatRequest) (<-chan llm.StreamEvent, error) {
	return c.ch, nil
}

func TestAskClientDisconnectByContext(t *testing.T) {
	client := llm.NewMockClient(llm.MockResponse{
		Deltas: []llm.Delta{{Content: "First sentence."}},
		Hold:   true,
	})
	obs := &recordingObserver{}
	ctrl, store := newTestController(t, client, WithObserver(obs))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &eventLog{onEmit: func(segment.Event) { cancel() }}

	done := make(chan struct{})
	var (
		res *Result
		err error
	)
	go func() {
		defer close(done)
		res, err = ctrl.Ask(ctx, AskRequest{Message: "hi"}, sink)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Ask did not return after the client went away")
	}

	if !errors.Is(err, ErrClientGone) {
		t.Fatalf("error = %v, want ErrClientGone", err)
	}
	if res.State != StateFailed {
		t.Errorf("State = %v", res.State)
	}
	for _, typ := range sink.types() {
		if typ == segment.EventError || typ == segment.EventDone {
			t.Errorf("unexpected %s event after disconnect", typ)
		}
	}
	conv, _ := store.Get(context.Background(), res.ConversationID)
	if countRole(conv, llm.RoleAssistant) != 0 {
		t.Error("partial assistant turn persisted")
	}
	if len(obs.outcomes) != 1 || obs.outcomes[0] != "client_gone" {
		t.Errorf("outcomes = %v", obs.outcomes)
	}
}

func TestAskClientDisconnectByWriteFailure(t *testing.T) {
	client := llm.NewMockClient(llm.MockResponse{
		Deltas: []llm.Delta{{Content: "One."}, {Content: " Two."}, {Content: " Three."}},
	})
	ctrl, store := newTestController(t, client)
	sink := &eventLog{failAfter: 1}

	res, err := ctrl.Ask(context.Background(), AskRequest{Message: "hi"}, sink)
	if !errors.Is(err, ErrClientGone) {
		t.Fatalf("error = %v, want ErrClientGone", err)
	}
	if len(sink.events) != 1 {
		t.Errorf("events = %+v", sink.events)
	}
	conv, _ := store.Get(context.Background(), res.ConversationID)
	if countRole(conv, llm.RoleAssistant) != 0 {
		t.Error("partial assistant turn persisted")
	}
}

func TestAskConversationResolution(t *testing.T) {
	ctx := context.Background()

	t.Run("existing id is reused", func(t *testing.T) {
		ctrl, store := newTestController(t, llm.NewMockClient(llm.MockResponse{Content: "ok."}))
		conv := store.Create(ctx)
		res, err := ctrl.Ask(ctx, AskRequest{ConversationID: conv.ID, Message: "hi"}, &eventLog{})
		if err != nil {
			t.Fatal(err)
		}
		if res.ConversationID != conv.ID || store.Len() != 1 {
			t.Errorf("conversation %s, store size %d", res.ConversationID, store.Len())
		}
	})

	t.Run("unknown id creates by default", func(t *testing.T) {
		ctrl, store := newTestController(t, llm.NewMockClient(llm.MockResponse{Content: "ok."}))
		existing := store.Create(ctx)
		res, err := ctrl.Ask(ctx, AskRequest{ConversationID: "nope", Message: "hi"}, &eventLog{})
		if err != nil {
			t.Fatal(err)
		}
		if res.ConversationID == existing.ID || res.ConversationID == "nope" || store.Len() != 2 {
			t.Errorf("conversation %s, store size %d", res.ConversationID, store.Len())
		}
	})

	t.Run("latest fallback joins newest", func(t *testing.T) {
		ctrl, store := newTestController(t,
			llm.NewMockClient(llm.MockResponse{Content: "ok."}),
			WithFallback(FallbackLatest))
		store.Create(ctx)
		newest := store.Create(ctx)
		res, err := ctrl.Ask(ctx, AskRequest{Message: "hi"}, &eventLog{})
		if err != nil {
			t.Fatal(err)
		}
		if res.ConversationID != newest.ID || store.Len() != 2 {
			t.Errorf("joined %s, want %s", res.ConversationID, newest.ID)
		}
	})

	t.Run("latest fallback creates when empty", func(t *testing.T) {
		ctrl, store := newTestController(t,
			llm.NewMockClient(llm.MockResponse{Content: "ok."}),
			WithFallback(FallbackLatest))
		if _, err := ctrl.Ask(ctx, AskRequest{Message: "hi"}, &eventLog{}); err != nil {
			t.Fatal(err)
		}
		if store.Len() != 1 {
			t.Errorf("store size = %d", store.Len())
		}
	})
}

func TestAskBudgetsHistory(t *testing.T) {
	client := llm.NewMockClient(llm.MockResponse{Content: "ok."})
	ctrl, store := newTestController(t, client, WithBudgeter(budget.New(10, nil)))
	ctx := context.Background()

	conv := store.Create(ctx)
	_ = store.Append(ctx, conv.ID, llm.RoleSystem, "stored system", "")
	_ = store.Append(ctx, conv.ID, llm.RoleUser, strings.Repeat("a", 20), "")
	_ = store.Append(ctx, conv.ID, llm.RoleAssistant, strings.Repeat("b", 20), "")

	if _, err := ctrl.Ask(ctx, AskRequest{ConversationID: conv.ID, Message: "next"}, &eventLog{}); err != nil {
		t.Fatal(err)
	}
	msgs := client.Calls()[0].Messages
	if len(msgs) != 3 {
		t.Fatalf("upstream messages = %+v", msgs)
	}
	if msgs[0].Content != DefaultSystemPrompt || msgs[1].Content != strings.Repeat("b", 20) || msgs[2].Content != "next" {
		t.Errorf("upstream messages = %+v", msgs)
	}
}

func TestAskPassesGenerationParameters(t *testing.T) {
	client := llm.NewMockClient(llm.MockResponse{Content: "ok."})
	temp := 0.7
	ctrl, _ := newTestController(t, client, WithModel("ep-test"), WithGeneration(2000, &temp))
	if _, err := ctrl.Ask(context.Background(), AskRequest{Message: "hi"}, &eventLog{}); err != nil {
		t.Fatal(err)
	}
	req := client.Calls()[0]
	if req.Model != "ep-test" || req.MaxTokens != 2000 || req.Temperature == nil || *req.Temperature != 0.7 {
		t.Errorf("request = %+v", req)
	}
}

// Every non-empty turn ends in exactly one of Done with one new assistant
// message or Failed with none.
func TestAskTerminalProperty(t *testing.T) {
	responses := []llm.MockResponse{
		{Content: "fine."},
		{Error: errors.New("down")},
		{Deltas: []llm.Delta{{Content: "a"}}, StreamError: errors.New("cut")},
		{Deltas: []llm.Delta{{Reasoning: "r"}, {Content: "b"}}},
		{},
	}
	ctx := context.Background()
	for i, resp := range responses {
		ctrl, store := newTestController(t, llm.NewMockClient(resp))
		res, _ := ctrl.Ask(ctx, AskRequest{Message: "q"}, &eventLog{})
		conv, _ := store.Get(ctx, res.ConversationID)
		n := countRole(conv, llm.RoleAssistant)
		switch res.State {
		case StateDone:
			if n != 1 {
				t.Errorf("case %d: done with %d assistant messages", i, n)
			}
		case StateFailed:
			if n != 0 {
				t.Errorf("case %d: failed with %d assistant messages", i, n)
			}
		default:
			t.Errorf("case %d: non-terminal state %v", i, res.State)
		}
	}
}

func TestSetPrompts(t *testing.T) {
	client := llm.NewMockClient(llm.MockResponse{Content: "ok."})
	ctrl, _ := newTestController(t, client)
	ctrl.SetPrompts(Prompts{System: "custom"})

	p := ctrl.Prompts()
	if p.System != "custom" || p.Search != DefaultSearchPrompt || p.Upload != DefaultUploadPrompt {
		t.Errorf("Prompts = %+v", p)
	}
	if _, err := ctrl.Ask(context.Background(), AskRequest{Message: "hi"}, &eventLog{}); err != nil {
		t.Fatal(err)
	}
	if got := client.Calls()[0].Messages[0].Content; got != "custom" {
		t.Errorf("system prompt = %q", got)
	}
}

func TestParseFallback(t *testing.T) {
	tests := []struct {
		in      string
		want    Fallback
		wantErr bool
	}{
		{"", FallbackCreate, false},
		{"create", FallbackCreate, false},
		{"Latest", FallbackLatest, false},
		{"newest", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFallback(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFallback(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestStateString(t *testing.T) {
	if StateAwaitingConversation.String() != "awaiting_conversation" || State(99).String() != "unknown" {
		t.Error("unexpected state names")
	}
	if !StateDone.Terminal() || !StateFailed.Terminal() || StateStreaming.Terminal() {
		t.Error("unexpected Terminal results")
	}
}
