package budget

import (
	"strings"
	"testing"

	"github.com/chenpipi0807/PIP-Assistant/internal/llm"
)

func msg(role llm.Role, content string) llm.Message {
	return llm.Message{Role: role, Content: content}
}

func contents(msgs []llm.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name        string
		budget      int
		history     []llm.Message
		want        []string
		wantDropped int
	}{
		{
			name:    "empty history still gets the system prompt",
			budget:  10,
			history: nil,
			want:    []string{"SYS"},
		},
		{
			name:   "within budget keeps everything",
			budget: 100,
			history: []llm.Message{
				msg(llm.RoleUser, "hello"),
				msg(llm.RoleAssistant, "hi"),
			},
			want: []string{"SYS", "hello", "hi"},
		},
		{
			name:   "drops oldest until under budget",
			budget: 10,
			history: []llm.Message{
				msg(llm.RoleUser, "aaaaa"),
				msg(llm.RoleAssistant, "bbbbb"),
				msg(llm.RoleUser, "ccccc"),
				msg(llm.RoleAssistant, "ddddd"),
			},
			want:        []string{"SYS", "ccccc", "ddddd"},
			wantDropped: 2,
		},
		{
			name:   "never drops the last two even when over budget",
			budget: 3,
			history: []llm.Message{
				msg(llm.RoleUser, "aaaaa"),
				msg(llm.RoleAssistant, "bbbbb"),
				msg(llm.RoleUser, "ccccc"),
			},
			want:        []string{"SYS", "bbbbb", "ccccc"},
			wantDropped: 1,
		},
		{
			name:   "stored system messages are replaced by the canonical prompt",
			budget: 100,
			history: []llm.Message{
				msg(llm.RoleSystem, "old system"),
				msg(llm.RoleUser, "q"),
				msg(llm.RoleSystem, "another"),
				msg(llm.RoleAssistant, "a"),
			},
			want: []string{"SYS", "q", "a"},
		},
		{
			name:   "zero budget disables trimming",
			budget: 0,
			history: []llm.Message{
				msg(llm.RoleUser, strings.Repeat("x", 1000)),
				msg(llm.RoleAssistant, "y"),
				msg(llm.RoleUser, "z"),
			},
			want: []string{"SYS", strings.Repeat("x", 1000), "y", "z"},
		},
		{
			name:   "cost counts runes not bytes",
			budget: 4,
			history: []llm.Message{
				msg(llm.RoleUser, "你好"),
				msg(llm.RoleAssistant, "再见"),
			},
			want: []string{"SYS", "你好", "再见"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel := New(tt.budget, nil).Select("SYS", tt.history)
			got := contents(sel.Messages)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("Select = %v, want %v", got, tt.want)
			}
			if sel.Dropped != tt.wantDropped {
				t.Errorf("Dropped = %d, want %d", sel.Dropped, tt.wantDropped)
			}
		})
	}
}

func TestSelectInvariants(t *testing.T) {
	// For any over-budget history with more than two messages, the result
	// starts with exactly one system prompt and ends with the two most
	// recent non-system messages.
	var history []llm.Message
	for i := 0; i < 20; i++ {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		history = append(history, msg(role, strings.Repeat("w", i+1)))
		if i%7 == 0 {
			history = append(history, msg(llm.RoleSystem, "stale"))
		}
	}

	for budget := 1; budget < 250; budget += 13 {
		sel := New(budget, nil).Select("SYS", history)
		out := sel.Messages

		systems := 0
		for _, m := range out {
			if m.Role == llm.RoleSystem {
				systems++
			}
		}
		if systems != 1 || out[0].Role != llm.RoleSystem || out[0].Content != "SYS" {
			t.Fatalf("budget %d: want exactly one system prompt at position 0, got %v", budget, contents(out))
		}
		if len(out) < 3 {
			t.Fatalf("budget %d: only %d messages retained", budget, len(out))
		}
		if out[len(out)-1].Content != strings.Repeat("w", 20) || out[len(out)-2].Content != strings.Repeat("w", 19) {
			t.Fatalf("budget %d: latest exchange not retained: %v", budget, contents(out))
		}
		if len(out)-1 > 2 && sel.Cost > budget {
			t.Fatalf("budget %d: cost %d still over budget with %d messages", budget, sel.Cost, len(out)-1)
		}
	}
}

func TestSelectCustomCost(t *testing.T) {
	words := func(s string) int { return len(strings.Fields(s)) }
	sel := New(3, words).Select("SYS", []llm.Message{
		msg(llm.RoleUser, "one two three"),
		msg(llm.RoleAssistant, "four"),
		msg(llm.RoleUser, "five six"),
	})
	if got := contents(sel.Messages); strings.Join(got, "|") != "SYS|four|five six" {
		t.Errorf("Select = %v", got)
	}
}

func TestTokenizerCost(t *testing.T) {
	cost, err := TokenizerCost()
	if err != nil {
		t.Fatalf("TokenizerCost: %v", err)
	}
	if n := cost("hello world"); n <= 0 || n > len("hello world") {
		t.Errorf("token count for %q = %d", "hello world", n)
	}
	if cost("") != 0 {
		t.Error("empty text should cost nothing")
	}
}
