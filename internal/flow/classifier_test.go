package flow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadrelay/internal/domain"
)

func TestKeywordClassifier(t *testing.T) {
	c := NewKeywordClassifier([]string{"APR", "cash back", "card"}, nil)
	cases := map[string]string{
		"Hello":                          "pleasantries",
		"thanks a lot!":                  "pleasantries",
		"hi, what is my APR?":            "question",
		"How does cash back work":        "question",
		"who won the game last night":    "non-chase-question",
		"cardboard boxes for sale":       "non-chase-question",
		"Is my CARD accepted abroad?":    "question",
		"":                               "non-chase-question",
	}
	for msg, want := range cases {
		got, err := c.Classify(context.Background(), msg, nil)
		require.NoError(t, err)
		assert.Equal(t, want, got, msg)
	}
}

func TestLLMClassifier_UsesFirstLineAndWindow(t *testing.T) {
	p := &scriptedProvider{reply: "  Question\nbecause it asks about fees"}
	c := NewLLMClassifier(LLMClassifierConfig{Provider: p, Topic: "cards", Window: 2, Logger: testLogger()})

	history := []domain.HistoryEntry{
		{Role: "user", Content: "1"}, {Role: "assistant", Content: "2"},
		{Role: "user", Content: "3"}, {Role: "assistant", Content: "4"},
	}
	label, err := c.Classify(context.Background(), "what fees apply?", history)
	require.NoError(t, err)

	cl, err := domain.ParseClassification(label)
	require.NoError(t, err)
	assert.Equal(t, domain.ClassQuestion, cl)

	require.Len(t, p.calls, 1)
	msgs := p.calls[0].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "non-chase-question")
	assert.Equal(t, "3", msgs[1].Content)
	assert.Equal(t, "what fees apply?", msgs[3].Content)
}

func TestLLMResponder(t *testing.T) {
	p := &scriptedProvider{reply: " Hello! Ask me about your card. "}
	r := &LLMResponder{Provider: p, Topic: "cards"}

	got, err := r.Respond(context.Background(), domain.ConversationState{CurrentMessage: "hey"})
	require.NoError(t, err)
	assert.Equal(t, "Hello! Ask me about your card.", got)
	assert.Equal(t, "pleasantry:scripted", r.Name())

	p.reply = "   "
	_, err = r.Respond(context.Background(), domain.ConversationState{CurrentMessage: "hey"})
	assert.Error(t, err)
}
