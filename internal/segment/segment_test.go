package segment

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/chenpipi0807/PIP-Assistant/internal/llm"
)

type recorder struct {
	events []Event
	failAt int // fail on the n-th emission when > 0
}

func (r *recorder) emit(e Event) error {
	r.events = append(r.events, e)
	if r.failAt > 0 && len(r.events) == r.failAt {
		return errors.New("client gone")
	}
	return nil
}

func content(c string) llm.Delta   { return llm.Delta{Content: c} }
func reasoning(c string) llm.Delta { return llm.Delta{Reasoning: c} }

func TestSentenceSegmentation(t *testing.T) {
	rec := &recorder{}
	s := New(rec.emit)

	for _, d := range []llm.Delta{content("Hi"), content(" there."), content(" How are you?")} {
		if err := s.Feed(d); err != nil {
			t.Fatalf("Feed: %v", err)
		}
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := s.Done("c1"); err != nil {
		t.Fatalf("Done: %v", err)
	}

	want := []Event{
		{Type: EventContent, Content: "Hi there."},
		{Type: EventContent, Content: "Hi there. How are you?"},
		{Type: EventDone, ConversationID: "c1"},
	}
	if len(rec.events) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(rec.events), len(want), rec.events)
	}
	for i := range want {
		if rec.events[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, rec.events[i], want[i])
		}
	}
}

func TestFlushEmitsTrailingFragment(t *testing.T) {
	rec := &recorder{}
	s := New(rec.emit)
	_ = s.Feed(content("Line one\n"))
	_ = s.Feed(content("no terminal"))
	_ = s.Flush()

	if len(rec.events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(rec.events), rec.events)
	}
	if rec.events[1].Content != "Line one\nno terminal" {
		t.Errorf("flushed content = %q", rec.events[1].Content)
	}

	// A second flush with nothing pending is a no-op.
	_ = s.Flush()
	if len(rec.events) != 2 {
		t.Errorf("empty flush emitted an event")
	}
}

func TestTerminalMidDeltaDoesNotSplit(t *testing.T) {
	rec := &recorder{}
	s := New(rec.emit)
	_ = s.Feed(content("Wait. Then"))
	if len(rec.events) != 0 {
		t.Fatalf("boundary inside a delta should not emit, got %+v", rec.events)
	}
	_ = s.Feed(content(" go!"))
	if len(rec.events) != 1 || rec.events[0].Content != "Wait. Then go!" {
		t.Errorf("events = %+v", rec.events)
	}
}

func TestReasoningIsCumulative(t *testing.T) {
	rec := &recorder{}
	s := New(rec.emit)
	_ = s.Feed(reasoning("Let me"))
	_ = s.Feed(reasoning(" think"))
	_ = s.Feed(llm.Delta{Reasoning: "...", Content: "Answer."})

	want := []Event{
		{Type: EventReasoning, Content: "Let me"},
		{Type: EventReasoning, Content: "Let me think"},
		{Type: EventReasoning, Content: "Let me think..."},
		{Type: EventContent, Content: "Answer."},
	}
	if len(rec.events) != len(want) {
		t.Fatalf("got %+v", rec.events)
	}
	for i := range want {
		if rec.events[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, rec.events[i], want[i])
		}
	}
	if s.Reasoning() != "Let me think..." || s.Content() != "Answer." {
		t.Errorf("accumulators = %q / %q", s.Reasoning(), s.Content())
	}
}

func TestConcatenationEquivalence(t *testing.T) {
	inputs := [][]string{
		{"a", "b", "c"},
		{"Hello.", " World!", " Really?", " yes\n", "tail"},
		{"你好。", "今天怎么样?", "很好!"},
		{".", ".", "", "x"},
		{"no boundaries at all"},
	}
	for _, deltas := range inputs {
		rec := &recorder{}
		s := New(rec.emit)
		for _, d := range deltas {
			_ = s.Feed(content(d))
		}
		_ = s.Flush()

		want := strings.Join(deltas, "")
		var last string
		prev := ""
		for _, e := range rec.events {
			if e.Type != EventContent {
				continue
			}
			if !strings.HasPrefix(e.Content, prev) {
				t.Errorf("%q: content event %q does not extend %q", deltas, e.Content, prev)
			}
			prev = e.Content
			last = e.Content
		}
		if last != want {
			t.Errorf("%q: final content = %q, want %q", deltas, last, want)
		}
		if s.Content() != want {
			t.Errorf("%q: Content() = %q", deltas, s.Content())
		}
	}
}

func TestEmitterErrorStopsFeed(t *testing.T) {
	rec := &recorder{failAt: 1}
	s := New(rec.emit)
	err := s.Feed(llm.Delta{Reasoning: "r", Content: "done."})
	if err == nil {
		t.Fatal("expected emitter error")
	}
	if len(rec.events) != 1 {
		t.Errorf("emission continued after failure: %+v", rec.events)
	}
}

func TestEventJSON(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{Event{Type: EventContent, Content: "x"}, `{"type":"content","content":"x"}`},
		{Event{Type: EventDone, ConversationID: "c"}, `{"type":"done","conversation_id":"c"}`},
		{ErrorEvent("boom"), `{"type":"error","content":"boom"}`},
	}
	for _, tt := range tests {
		got, err := json.Marshal(tt.ev)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != tt.want {
			t.Errorf("Marshal = %s, want %s", got, tt.want)
		}
	}
}
