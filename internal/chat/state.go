package chat

// State is a step of one ask turn.
type State int

const (
	StateIdle State = iota
	StateAwaitingConversation
	StateBudgeting
	StateStreaming
	StatePersisting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingConversation:
		return "awaiting_conversation"
	case StateBudgeting:
		return "budgeting"
	case StateStreaming:
		return "streaming"
	case StatePersisting:
		return "persisting"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Result describes a finished turn.
type Result struct {
	ConversationID string
	State          State
	Content        string
	Reasoning      string
	// Transitions lists every state entered, in order, starting at Idle.
	Transitions []State
}

func newResult() *Result {
	return &Result{State: StateIdle, Transitions: []State{StateIdle}}
}

func (r *Result) enter(s State) {
	r.State = s
	r.Transitions = append(r.Transitions, s)
}
