package memory

import (
	"encoding/json"
	"fmt"
	"time"

	"threadrelay/internal/domain"
)

func encodeState(state domain.ConversationState) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode conversation %s: %w", state.ID, err)
	}
	return data, nil
}

func decodeState(data []byte) (*domain.ConversationState, error) {
	var st domain.ConversationState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode conversation state: %w", err)
	}
	return &st, nil
}

// stamp fills the bookkeeping timestamps before a write.
func stamp(state domain.ConversationState) domain.ConversationState {
	now := time.Now().UTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now
	return state
}

// turns counts completed user/assistant exchanges.
func turns(state domain.ConversationState) int {
	return len(state.History) / 2
}
