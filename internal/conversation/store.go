package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chenpipi0807/PIP-Assistant/internal/llm"
)

// Observer receives store events for metrics.
type Observer interface {
	StoreSize(n int)
	PersistFailed()
	Evicted(n int)
}

type noopObserver struct{}

func (noopObserver) StoreSize(int) {}
func (noopObserver) PersistFailed() {}
func (noopObserver) Evicted(int)    {}

// Store owns every Conversation. All read-modify-write-persist sequences run
// under one store-wide mutex; callers only ever receive copies.
type Store struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	backend       Backend
	logger        *slog.Logger
	observer      Observer
	now           func() time.Time
	// unsynced is set while the backend snapshot could not be read; no
	// write happens until a read succeeds.
	unsynced bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open creates a store and rehydrates it from backend. A missing snapshot
// yields an empty store; an unreadable or corrupt one is logged and also
// yields an empty store. After a read failure the store does not write until
// a later read succeeds; the conversations read then are merged in.
func Open(ctx context.Context, backend Backend, opts ...Option) *Store {
	s := &Store{
		conversations: make(map[string]*Conversation),
		backend:       backend,
		logger:        slog.Default(),
		observer:      noopObserver{},
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := backend.Read(ctx)
	switch {
	case errors.Is(err, ErrNoSnapshot):
		s.logger.Info("no conversation snapshot found, starting empty")
	case err != nil:
		s.unsynced = true
		s.logger.Error("reading conversation snapshot failed, starting empty", "error", err)
	default:
		loaded, err := decodeSnapshot(data)
		if err != nil {
			s.logger.Error("conversation snapshot is corrupt, starting empty", "error", err)
		} else {
			s.conversations = loaded
			s.logger.Info("conversation snapshot loaded", "conversations", len(loaded))
		}
	}
	s.observer.StoreSize(len(s.conversations))
	return s
}

func decodeSnapshot(data []byte) (map[string]*Conversation, error) {
	var snapshot map[string]*Conversation
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	for id, c := range snapshot {
		if c == nil {
			return nil, fmt.Errorf("conversation %q is null", id)
		}
		if c.ID == "" {
			c.ID = id
		}
		if c.ID != id {
			return nil, fmt.Errorf("conversation key %q holds id %q", id, c.ID)
		}
		if c.Messages == nil {
			c.Messages = []Message{}
		}
	}
	if snapshot == nil {
		snapshot = make(map[string]*Conversation)
	}
	return snapshot, nil
}

// persist writes the full snapshot. Must be called with s.mu held. Failures
// are logged and counted, never returned: the in-memory state stays
// authoritative.
func (s *Store) persist(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	s.observer.StoreSize(len(s.conversations))

	if s.unsynced && !s.resync(ctx) {
		s.observer.PersistFailed()
		s.logger.Warn("snapshot still unreadable, write withheld")
		return
	}

	data, err := json.MarshalIndent(s.conversations, "", "  ")
	if err != nil {
		s.observer.PersistFailed()
		s.logger.Error("encoding conversation snapshot failed", "error", err)
		return
	}
	data = append(data, '\n')

	// The request that triggered the write may already be gone.
	if err := s.backend.Write(ctx, data); err != nil {
		s.observer.PersistFailed()
		s.logger.Error("persisting conversations failed", "error", err)
	}
}

// resync retries the snapshot read after a failed Open and merges stored
// conversations that are not held in memory. Must be called with s.mu held.
func (s *Store) resync(ctx context.Context) bool {
	data, err := s.backend.Read(ctx)
	switch {
	case errors.Is(err, ErrNoSnapshot):
	case err != nil:
		s.logger.Error("reading conversation snapshot failed", "error", err)
		return false
	default:
		loaded, err := decodeSnapshot(data)
		if err != nil {
			s.logger.Error("conversation snapshot is corrupt, replacing it", "error", err)
			break
		}
		for id, c := range loaded {
			if _, ok := s.conversations[id]; !ok {
				s.conversations[id] = c
			}
		}
		s.logger.Info("conversation snapshot recovered", "conversations", len(loaded))
	}
	s.unsynced = false
	s.observer.StoreSize(len(s.conversations))
	return true
}

// Create allocates a fresh, empty conversation and persists it.
func (s *Store) Create(ctx context.Context) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c := &Conversation{
		ID:        newID(),
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations[c.ID] = c
	s.persist(ctx)
	return c.clone()
}

// Get looks a conversation up by id. A miss is not an error.
func (s *Store) Get(_ context.Context, id string) (*Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, false
	}
	return c.clone(), true
}

// Latest returns the most recently updated conversation.
func (s *Store) Latest(_ context.Context) (*Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *Conversation
	for _, c := range s.conversations {
		if latest == nil || newer(c, latest) {
			latest = c
		}
	}
	if latest == nil {
		return nil, false
	}
	return latest.clone(), true
}

// List returns all conversations, most recently updated first.
func (s *Store) List(_ context.Context) []*Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		result = append(result, c.clone())
	}
	sort.Slice(result, func(i, j int) bool { return newer(result[i], result[j]) })
	return result
}

// Len returns the number of stored conversations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

// Append adds a message to conversation id and persists. An unknown id
// returns ErrNotFound without touching the store or the backend.
func (s *Store) Append(ctx context.Context, id string, role llm.Role, content, reasoning string) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}

	now := s.now()
	c.Messages = append(c.Messages, Message{
		Role:      role,
		Content:   content,
		Reasoning: reasoning,
		Timestamp: now,
	})
	c.UpdatedAt = now
	s.persist(ctx)
	return nil
}

// Delete removes conversation id and persists. Deleting an unknown id
// returns ErrNotFound and leaves the store unchanged.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(s.conversations, id)
	s.persist(ctx)
	return nil
}

// Sweep removes every conversation created more than maxAge before now, then
// evicts the oldest by creation time until at most maxCount remain. A zero
// maxAge or maxCount disables that rule. It returns the removed ids, oldest
// first, and persists once if anything was removed.
func (s *Store) Sweep(ctx context.Context, now time.Time, maxAge time.Duration, maxCount int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := make([]*Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	var removed []string
	remaining := ordered[:0]
	for _, c := range ordered {
		if maxAge > 0 && now.Sub(c.CreatedAt) > maxAge {
			removed = append(removed, c.ID)
			continue
		}
		remaining = append(remaining, c)
	}
	if maxCount > 0 && len(remaining) > maxCount {
		for _, c := range remaining[:len(remaining)-maxCount] {
			removed = append(removed, c.ID)
		}
	}

	if len(removed) == 0 {
		return nil
	}
	for _, id := range removed {
		delete(s.conversations, id)
	}
	s.observer.Evicted(len(removed))
	s.persist(ctx)
	return removed
}

func newer(a, b *Conversation) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID > b.ID
}
