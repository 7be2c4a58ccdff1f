package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"threadrelay/internal/domain"
)

// Awaiter hands over results pushed by the engine. The webhook dispatcher
// implements it.
type Awaiter interface {
	AwaitResult(ctx context.Context, kickoffID string, timeout time.Duration) (domain.JobResult, error)
}

// ReasonerConfig configures a Reasoner. With a nil Awaiter results are
// pulled by polling; otherwise the engine pushes them to Target.
type ReasonerConfig struct {
	Gateway      *Gateway
	Awaiter      Awaiter
	Target       *domain.WebhookTarget
	PollInterval time.Duration
	MaxWait      time.Duration
	// HistoryWindow caps how many trailing history entries are sent with a
	// job. Zero sends the full history.
	HistoryWindow int
	Logger        *slog.Logger
}

// Reasoner answers questions by running one engine job per turn.
type Reasoner struct {
	cfg    ReasonerConfig
	logger *slog.Logger
}

func NewReasoner(cfg ReasonerConfig) *Reasoner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reasoner{cfg: cfg, logger: cfg.Logger.With("component", "reasoner")}
}

func (r *Reasoner) Name() string { return "reasoning-engine" }

// Mode reports "push" or "pull".
func (r *Reasoner) Mode() string {
	if r.cfg.Awaiter != nil {
		return "push"
	}
	return "pull"
}

// Answer submits the turn to the engine and waits for its terminal result.
func (r *Reasoner) Answer(ctx context.Context, state domain.ConversationState) (string, error) {
	history := state.History
	if w := r.cfg.HistoryWindow; w > 0 && len(history) > w {
		history = history[len(history)-w:]
	}
	inputs := domain.JobInputs{
		CurrentMessage:      state.CurrentMessage,
		ConversationHistory: history,
		ID:                  state.ID,
	}

	var target *domain.WebhookTarget
	if r.cfg.Awaiter != nil {
		target = r.cfg.Target
	}
	kickoffID, err := r.cfg.Gateway.Submit(ctx, inputs, target)
	if err != nil {
		return "", err
	}

	var res domain.JobResult
	if r.cfg.Awaiter != nil {
		res, err = r.cfg.Awaiter.AwaitResult(ctx, kickoffID, r.cfg.MaxWait)
	} else {
		res, err = r.cfg.Gateway.PollUntilDone(ctx, kickoffID, r.cfg.PollInterval, r.cfg.MaxWait)
	}
	if err != nil {
		return "", fmt.Errorf("job %s: %w", kickoffID, err)
	}
	if res.ConversationID != "" && res.ConversationID != state.ID {
		r.logger.Debug("engine reported its own conversation id", "kickoff_id", kickoffID, "engine_id", res.ConversationID, "conversation", state.ID)
	}
	return res.Response, nil
}
