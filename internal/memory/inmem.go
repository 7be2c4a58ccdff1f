package memory

import (
	"context"
	"sort"
	"sync"

	"threadrelay/internal/domain"
)

// InMemoryStore keeps conversation state in process memory. State is lost on
// restart.
type InMemoryStore struct {
	mu     sync.RWMutex
	states map[string]domain.ConversationState
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{states: make(map[string]domain.ConversationState)}
}

func (s *InMemoryStore) Load(_ context.Context, id string) (*domain.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[id]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	cp := st.Clone()
	return &cp, nil
}

func (s *InMemoryStore) Save(_ context.Context, state domain.ConversationState) error {
	state = stamp(state).Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.states[state.ID]; ok {
		state.CreatedAt = prev.CreatedAt
	}
	s.states[state.ID] = state
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, id)
	return nil
}

func (s *InMemoryStore) List(_ context.Context, limit int) ([]domain.ConversationSummary, error) {
	s.mu.RLock()
	out := make([]domain.ConversationSummary, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, domain.ConversationSummary{ID: st.ID, Turns: turns(st), UpdatedAt: st.UpdatedAt})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
