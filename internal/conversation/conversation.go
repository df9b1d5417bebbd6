// Package conversation implements the durable conversation store: an in-memory
// map of conversation id to message history, snapshotted in full to a Backend
// on every mutation and pruned by a retention sweep.
package conversation

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chenpipi0807/PIP-Assistant/internal/llm"
)

var (
	// ErrNotFound is returned when a conversation id is unknown.
	ErrNotFound = errors.New("conversation not found")

	// ErrInvalidRole is returned when appending a message with an unknown role.
	ErrInvalidRole = errors.New("invalid message role")
)

// Message is one entry in a conversation's history.
type Message struct {
	Role      llm.Role  `json:"role"`
	Content   string    `json:"content"`
	Reasoning string    `json:"reasoning_content,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is an ordered, append-only message history.
type Conversation struct {
	ID        string    `json:"id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const titleRunes = 30

// Title derives a display title from the first user message.
func (c *Conversation) Title() string {
	for _, m := range c.Messages {
		if m.Role != llm.RoleUser {
			continue
		}
		text := strings.Join(strings.Fields(m.Content), " ")
		if utf8.RuneCountInString(text) <= titleRunes {
			return text
		}
		return string([]rune(text)[:titleRunes]) + "…"
	}
	return ""
}

// clone returns a deep copy so callers never share the stored slice.
func (c *Conversation) clone() *Conversation {
	cp := *c
	cp.Messages = make([]Message, len(c.Messages))
	copy(cp.Messages, c.Messages)
	return &cp
}
