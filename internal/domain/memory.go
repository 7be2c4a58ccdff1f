package domain

import (
	"context"
	"time"
)

// StateStore persists conversation state between turns, keyed by
// conversation id. Load returns ErrConversationNotFound for unknown ids.
type StateStore interface {
	Load(ctx context.Context, id string) (*ConversationState, error)
	Save(ctx context.Context, state ConversationState) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, limit int) ([]ConversationSummary, error)
	Close() error
}

// ConversationSummary is a row of List output.
type ConversationSummary struct {
	ID        string    `json:"id"`
	Turns     int       `json:"turns"`
	UpdatedAt time.Time `json:"updated_at"`
}
