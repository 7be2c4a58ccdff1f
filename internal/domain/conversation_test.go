package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClassification(t *testing.T) {
	cases := map[string]Classification{
		"pleasantries":         ClassPleasantries,
		" Question\n":          ClassQuestion,
		`"non-chase-question"`: ClassOffTopic,
		"QUESTION.":            ClassQuestion,
	}
	for in, want := range cases {
		got, err := ParseClassification(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseClassificationRejectsUnknown(t *testing.T) {
	for _, in := range []string{"", "greeting", "question please"} {
		_, err := ParseClassification(in)
		var ce *ClassificationError
		require.True(t, errors.As(err, &ce), in)
		assert.Equal(t, in, ce.Label)
	}
}

func TestConversationStateJSON(t *testing.T) {
	st := ConversationState{
		ID:             "c1",
		Classification: ClassOffTopic,
		History:        []HistoryEntry{{Role: RoleUser, Content: "hi"}},
	}
	b, err := json.Marshal(st)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"classification":"non-chase-question"`)

	var back ConversationState
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, ClassOffTopic, back.Classification)
	assert.Equal(t, st.History, back.History)
}

func TestCloneDetachesHistory(t *testing.T) {
	st := ConversationState{History: make([]HistoryEntry, 1, 4)}
	cp := st.Clone()
	cp.History = append(cp.History, HistoryEntry{Role: RoleUser})
	cp.History[0].Content = "changed"
	assert.Len(t, st.History, 1)
	assert.Empty(t, st.History[0].Content)
}
