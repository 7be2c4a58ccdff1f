package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"threadrelay/internal/domain"
)

// Classifier labels a message. The returned label is parsed by
// domain.ParseClassification; anything outside the closed set fails the turn.
type Classifier interface {
	Classify(ctx context.Context, message string, history []domain.HistoryEntry) (string, error)
}

// LLMClassifierConfig configures an LLMClassifier.
type LLMClassifierConfig struct {
	Provider domain.Provider
	Model    string
	Topic    string
	// Window is how many trailing history entries are shown to the model.
	Window int
	Logger *slog.Logger
}

// LLMClassifier asks a lightweight model to pick a label.
type LLMClassifier struct {
	cfg    LLMClassifierConfig
	logger *slog.Logger
}

func NewLLMClassifier(cfg LLMClassifierConfig) *LLMClassifier {
	if cfg.Window <= 0 {
		cfg.Window = 6
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LLMClassifier{cfg: cfg, logger: cfg.Logger.With("component", "classifier")}
}

func (c *LLMClassifier) Classify(ctx context.Context, message string, history []domain.HistoryEntry) (string, error) {
	msgs := []domain.Message{{Role: "system", Content: classifierPrompt(c.cfg.Topic)}}
	if len(history) > c.cfg.Window {
		history = history[len(history)-c.cfg.Window:]
	}
	for _, h := range history {
		msgs = append(msgs, domain.Message{Role: h.Role, Content: h.Content})
	}
	msgs = append(msgs, domain.Message{Role: "user", Content: message})

	resp, err := c.cfg.Provider.Chat(ctx, domain.ChatRequest{
		Messages:    msgs,
		Model:       c.cfg.Model,
		MaxTokens:   10,
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("classify with %s: %w", c.cfg.Provider.Name(), err)
	}
	label, _, _ := strings.Cut(strings.TrimSpace(resp.Content), "\n")
	c.logger.Debug("message classified", "label", label, "latency_ms", resp.LatencyMs)
	return label, nil
}

func classifierPrompt(topic string) string {
	labels := make([]string, 0, 3)
	for _, cl := range domain.Classifications() {
		labels = append(labels, cl.String())
	}
	return fmt.Sprintf(`You route messages for an assistant that answers questions about %s.
Reply with exactly one label and nothing else: %s.
- %s: greetings, thanks, small talk, goodbyes.
- %s: any question or request about %s.
- %s: anything unrelated to %s.`,
		topic, strings.Join(labels, ", "),
		domain.ClassPleasantries, domain.ClassQuestion, topic, domain.ClassOffTopic, topic)
}

// KeywordClassifier labels messages by matching keyword lists. Topic
// keywords win over greetings, so "hi, what is my APR?" is a question.
type KeywordClassifier struct {
	topic     []string
	greetings []string
}

var defaultGreetings = []string{
	"hi", "hello", "hey", "good morning", "good afternoon", "good evening",
	"thanks", "thank you", "thx", "bye", "goodbye", "see you", "how are you",
	"cheers", "ok", "okay", "great", "cool",
}

func NewKeywordClassifier(topicKeywords, greetings []string) *KeywordClassifier {
	if len(greetings) == 0 {
		greetings = defaultGreetings
	}
	return &KeywordClassifier{topic: lowerAll(topicKeywords), greetings: lowerAll(greetings)}
}

func (c *KeywordClassifier) Classify(_ context.Context, message string, _ []domain.HistoryEntry) (string, error) {
	lower := strings.ToLower(message)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'')
	})
	joined := " " + strings.Join(words, " ") + " "

	if matchAny(joined, c.topic) {
		return domain.ClassQuestion.String(), nil
	}
	if matchAny(joined, c.greetings) {
		return domain.ClassPleasantries.String(), nil
	}
	return domain.ClassOffTopic.String(), nil
}

// matchAny reports whether any keyword appears as whole words in the
// space-padded text.
func matchAny(padded string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(padded, " "+kw+" ") {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
