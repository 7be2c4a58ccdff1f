package flow

import (
	"context"
	"fmt"
	"strings"

	"threadrelay/internal/domain"
)

// Responder produces the reply for small talk.
type Responder interface {
	Respond(ctx context.Context, state domain.ConversationState) (string, error)
	Name() string
}

// StaticResponder always answers with the same text.
type StaticResponder struct {
	Text string
}

func (r StaticResponder) Respond(context.Context, domain.ConversationState) (string, error) {
	return r.Text, nil
}

func (r StaticResponder) Name() string { return "greeting" }

// LLMResponder answers small talk with a lightweight model and steers the
// user back to the topic.
type LLMResponder struct {
	Provider domain.Provider
	Model    string
	Topic    string
	Window   int
}

func (r *LLMResponder) Name() string { return "pleasantry:" + r.Provider.Name() }

func (r *LLMResponder) Respond(ctx context.Context, state domain.ConversationState) (string, error) {
	window := r.Window
	if window <= 0 {
		window = 6
	}
	history := state.History
	if len(history) > window {
		history = history[len(history)-window:]
	}

	msgs := []domain.Message{{Role: "system", Content: fmt.Sprintf(
		"You are a friendly assistant for %s. Reply briefly and warmly to small talk, "+
			"then offer to help with %s. Do not answer unrelated questions.", r.Topic, r.Topic)}}
	for _, h := range history {
		msgs = append(msgs, domain.Message{Role: h.Role, Content: h.Content})
	}
	msgs = append(msgs, domain.Message{Role: "user", Content: state.CurrentMessage})

	resp, err := r.Provider.Chat(ctx, domain.ChatRequest{Messages: msgs, Model: r.Model, MaxTokens: 200, Temperature: 0.7})
	if err != nil {
		return "", fmt.Errorf("pleasantry with %s: %w", r.Provider.Name(), err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", fmt.Errorf("pleasantry with %s: empty reply", r.Provider.Name())
	}
	return text, nil
}
