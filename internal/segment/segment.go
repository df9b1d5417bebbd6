// Package segment turns incremental provider deltas into the cumulative
// reasoning and sentence-granular content events sent to clients.
package segment

import (
	"strings"

	"github.com/chenpipi0807/PIP-Assistant/internal/llm"
)

// EventType identifies the kind of event sent to the client.
type EventType string

const (
	EventReasoning EventType = "reasoning"
	EventContent   EventType = "content"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// Event is one record of the client event stream.
type Event struct {
	Type           EventType `json:"type"`
	Content        string    `json:"content,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
}

// ErrorEvent builds the event reporting a failed turn.
func ErrorEvent(message string) Event {
	return Event{Type: EventError, Content: message}
}

// Emitter receives events in emission order. A non-nil error means the
// consumer is gone and the turn should stop.
type Emitter func(Event) error

// Segmenter holds the per-turn accumulators. It is not safe for concurrent
// use; one turn owns one Segmenter.
type Segmenter struct {
	emit      Emitter
	content   strings.Builder
	reasoning strings.Builder
	// sentence holds content received since the last emitted boundary.
	sentence strings.Builder
}

// New creates a Segmenter writing to emit.
func New(emit Emitter) *Segmenter {
	return &Segmenter{emit: emit}
}

// isTerminal reports whether s ends with a sentence boundary.
func isTerminal(s string) bool {
	if s == "" {
		return false
	}
	switch s[len(s)-1] {
	case '.', '!', '?', '\n':
		return true
	}
	return false
}

// Feed consumes one delta. Reasoning is handled before content, and each
// emitted event carries the full text accumulated so far on its channel.
func (s *Segmenter) Feed(d llm.Delta) error {
	if d.Reasoning != "" {
		s.reasoning.WriteString(d.Reasoning)
		if err := s.emit(Event{Type: EventReasoning, Content: s.reasoning.String()}); err != nil {
			return err
		}
	}
	if d.Content != "" {
		s.content.WriteString(d.Content)
		s.sentence.WriteString(d.Content)
		if isTerminal(s.sentence.String()) {
			s.sentence.Reset()
			if err := s.emit(Event{Type: EventContent, Content: s.content.String()}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush emits the accumulated content if any text arrived after the last
// sentence boundary.
func (s *Segmenter) Flush() error {
	if s.sentence.Len() == 0 {
		return nil
	}
	s.sentence.Reset()
	return s.emit(Event{Type: EventContent, Content: s.content.String()})
}

// Done emits the completion event.
func (s *Segmenter) Done(conversationID string) error {
	return s.emit(Event{Type: EventDone, ConversationID: conversationID})
}

// Content returns all content received so far.
func (s *Segmenter) Content() string { return s.content.String() }

// Reasoning returns all reasoning received so far.
func (s *Segmenter) Reasoning() string { return s.reasoning.String() }
