package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"threadrelay/internal/domain"
)

const defaultMaxTokens = 1024

// Claude implements domain.Provider for the Anthropic Messages API.
type Claude struct {
	client anthropic.Client
	model  string
	logger *slog.Logger
}

type ClaudeConfig struct {
	APIKey  string
	APIBase string
	Model   string
	Logger  *slog.Logger
}

func NewClaude(cfg ClaudeConfig) *Claude {
	if cfg.Model == "" {
		cfg.Model = string(anthropic.ModelClaude3_5HaikuLatest)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithHTTPClient(SharedHTTPClient(0)),
		option.WithMaxRetries(maxRetries),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIBase))
	}
	return &Claude{
		client: anthropic.NewClient(opts...),
		model:  cfg.Model,
		logger: cfg.Logger.With("provider", "claude"),
	}
}

func (c *Claude) Name() string     { return "claude" }
func (c *Claude) Models() []string { return []string{c.model} }

func (c *Claude) Healthy(ctx context.Context) error {
	if _, err := c.client.Models.Get(ctx, c.model, anthropic.ModelGetParams{}); err != nil {
		return fmt.Errorf("claude: %w", err)
	}
	return nil
}

func (c *Claude) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	var system []anthropic.TextBlockParam
	var msgs []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case "assistant":
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(maxTokens),
		Messages:    msgs,
		System:      system,
		Temperature: anthropic.Float(req.Temperature),
	})
	if err != nil {
		return nil, fmt.Errorf("claude: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	return &domain.ChatResponse{
		Content:      text.String(),
		FinishReason: string(resp.StopReason),
		Usage: domain.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}
