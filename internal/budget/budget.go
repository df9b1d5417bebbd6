// Package budget selects the slice of conversation history that is sent
// upstream under a cost limit.
package budget

import (
	"fmt"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"

	"github.com/chenpipi0807/PIP-Assistant/internal/llm"
)

// minRetained is the number of most recent messages never trimmed, so the
// latest exchange always reaches the provider.
const minRetained = 2

// CostFunc estimates the cost of a message body.
type CostFunc func(text string) int

// RuneCost counts Unicode code points. It over-estimates tokens for most
// scripts, which keeps the budget conservative.
func RuneCost(text string) int {
	return utf8.RuneCountInString(text)
}

// TokenizerCost returns a CostFunc counting cl100k_base tokens. Text the
// encoder rejects falls back to RuneCost.
func TokenizerCost() (CostFunc, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return func(text string) int {
		ids, _, err := codec.Encode(text)
		if err != nil {
			return RuneCost(text)
		}
		return len(ids)
	}, nil
}

// Budgeter trims history to fit MaxCost.
type Budgeter struct {
	MaxCost int
	Cost    CostFunc
}

// New creates a Budgeter. A nil cost uses RuneCost; a non-positive maxCost
// disables trimming.
func New(maxCost int, cost CostFunc) *Budgeter {
	if cost == nil {
		cost = RuneCost
	}
	return &Budgeter{MaxCost: maxCost, Cost: cost}
}

// Selection is the outcome of Select.
type Selection struct {
	// Messages starts with the system prompt, followed by the retained
	// history in original order.
	Messages []llm.Message
	// Dropped counts history messages trimmed for budget.
	Dropped int
	// Cost is the summed cost of the retained history.
	Cost int
}

// Select drops stored system messages, prepends systemPrompt, and removes
// the oldest remaining messages while their summed cost exceeds the budget
// and more than two remain. The system prompt does not count against the
// budget.
func (b *Budgeter) Select(systemPrompt string, history []llm.Message) Selection {
	kept := make([]llm.Message, 0, len(history))
	costs := make([]int, 0, len(history))
	total := 0
	for _, m := range history {
		if m.Role == llm.RoleSystem {
			continue
		}
		c := b.Cost(m.Content)
		kept = append(kept, m)
		costs = append(costs, c)
		total += c
	}

	dropped := 0
	if b.MaxCost > 0 {
		for total > b.MaxCost && len(kept)-dropped > minRetained {
			total -= costs[dropped]
			dropped++
		}
	}

	out := make([]llm.Message, 0, len(kept)-dropped+1)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	out = append(out, kept[dropped:]...)
	return Selection{Messages: out, Dropped: dropped, Cost: total}
}
