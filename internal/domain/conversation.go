package domain

import (
	"strings"
	"time"
)

// Classification is the closed set of routing labels a classifier may emit.
type Classification int

const (
	ClassUnknown Classification = iota
	ClassPleasantries
	ClassQuestion
	ClassOffTopic
)

var classificationLabels = map[Classification]string{
	ClassPleasantries: "pleasantries",
	ClassQuestion:     "question",
	ClassOffTopic:     "non-chase-question",
}

func (c Classification) String() string {
	if s, ok := classificationLabels[c]; ok {
		return s
	}
	return "unknown"
}

// Classifications lists every valid label, in routing order.
func Classifications() []Classification {
	return []Classification{ClassPleasantries, ClassQuestion, ClassOffTopic}
}

// ParseClassification maps a raw classifier label onto the closed set.
// Matching is case-insensitive and ignores surrounding whitespace and quotes.
func ParseClassification(label string) (Classification, error) {
	norm := strings.ToLower(strings.Trim(strings.TrimSpace(label), `"'.`))
	for c, s := range classificationLabels {
		if s == norm {
			return c, nil
		}
	}
	return ClassUnknown, &ClassificationError{Label: label}
}

func (c Classification) MarshalText() ([]byte, error) {
	if c == ClassUnknown {
		return []byte(""), nil
	}
	return []byte(c.String()), nil
}

func (c *Classification) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*c = ClassUnknown
		return nil
	}
	parsed, err := ParseClassification(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// HistoryEntry is one element of a conversation's append-only history.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConversationState is the record threaded through one routing flow turn and
// persisted between turns.
type ConversationState struct {
	ID                   string         `json:"id"`
	CurrentMessage       string         `json:"current_message"`
	History              []HistoryEntry `json:"conversation_history"`
	Classification       Classification `json:"classification"`
	CurrentAgent         string         `json:"current_agent"`
	CurrentAgentResponse string         `json:"current_agent_response"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// Clone returns a copy whose history can be appended to without touching s.
func (s ConversationState) Clone() ConversationState {
	out := s
	out.History = append([]HistoryEntry(nil), s.History...)
	return out
}
