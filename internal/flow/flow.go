// Package flow runs one conversational turn: it classifies the message,
// routes it to small talk, the reasoning engine or a fixed redirect, appends
// the exchange to the history and persists the result.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"threadrelay/internal/bus"
	"threadrelay/internal/domain"
)

// ErrEmptyMessage is returned for a turn whose message is blank.
var ErrEmptyMessage = errors.New("message is empty")

// Reasoner answers domain questions.
type Reasoner interface {
	Answer(ctx context.Context, state domain.ConversationState) (string, error)
	Name() string
}

// Step names a state of the turn machine.
type Step string

const (
	StepStart    Step = "START"
	StepClassify Step = "CLASSIFY"
	StepBranch   Step = "BRANCH"
	StepMerge    Step = "MERGE"
	StepDone     Step = "DONE"
)

// StepError reports the step a turn failed in.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("%s: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

type Config struct {
	Store      domain.StateStore
	Classifier Classifier
	Pleasantry Responder
	Reasoner   Reasoner
	// Redirect is the fixed reply for off-topic messages.
	Redirect string
	Events   *bus.EventBus
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

// TurnInput starts a turn. An empty ConversationID starts a new conversation.
type TurnInput struct {
	ConversationID string
	Message        string
}

// TurnOutput is the outcome of a successful turn.
type TurnOutput struct {
	ID             string
	Response       string
	Classification domain.Classification
	Agent          string
}

// Flow is the routing state machine. Turns on the same conversation id are
// serialized; turns on different ids run concurrently.
type Flow struct {
	cfg    Config
	locks  *keyedMutex
	logger *slog.Logger
}

func New(cfg Config) *Flow {
	if cfg.Pleasantry == nil {
		cfg.Pleasantry = StaticResponder{Text: "Hi! How can I help you?"}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Flow{cfg: cfg, locks: newKeyedMutex(), logger: cfg.Logger.With("component", "flow")}
}

// Run executes one turn. Nothing is persisted unless every step succeeds.
func (f *Flow) Run(ctx context.Context, in TurnInput) (TurnOutput, error) {
	start := time.Now()
	id := in.ConversationID
	if id == "" {
		id = f.cfg.NewID()
	}
	unlock := f.locks.Lock(id)
	defer unlock()

	out, err := f.run(ctx, id, in)
	if err != nil {
		f.logger.Warn("turn failed", "conversation", id, "err", err)
		f.cfg.Events.Emit(bus.Event{Type: bus.EventTurnFailed, Source: "flow", Detail: map[string]any{
			"conversation": id, "error": err.Error(),
		}})
		return TurnOutput{}, err
	}

	f.logger.Info("turn completed",
		"conversation", out.ID,
		"classification", out.Classification.String(),
		"agent", out.Agent,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	f.cfg.Events.Emit(bus.Event{Type: bus.EventTurnCompleted, Source: "flow", Detail: map[string]any{
		"conversation": out.ID, "classification": out.Classification.String(), "agent": out.Agent,
	}})
	return out, nil
}

func (f *Flow) run(ctx context.Context, id string, in TurnInput) (TurnOutput, error) {
	// START
	state, err := f.start(ctx, id, in)
	if err != nil {
		return TurnOutput{}, &StepError{Step: StepStart, Err: err}
	}

	// CLASSIFY
	label, err := f.cfg.Classifier.Classify(ctx, state.CurrentMessage, state.History)
	if err != nil {
		return TurnOutput{}, &StepError{Step: StepClassify, Err: err}
	}
	class, err := domain.ParseClassification(label)
	if err != nil {
		return TurnOutput{}, &StepError{Step: StepClassify, Err: err}
	}
	state.Classification = class

	// BRANCH
	var response, agent string
	switch class {
	case domain.ClassPleasantries:
		agent = f.cfg.Pleasantry.Name()
		response, err = f.cfg.Pleasantry.Respond(ctx, state)
	case domain.ClassQuestion:
		agent = f.cfg.Reasoner.Name()
		response, err = f.cfg.Reasoner.Answer(ctx, state)
	case domain.ClassOffTopic:
		agent = "redirect"
		response = f.cfg.Redirect
	default:
		err = &domain.ClassificationError{Label: label}
	}
	if err != nil {
		return TurnOutput{}, &StepError{Step: StepBranch, Err: err}
	}
	state.CurrentAgent = agent
	state.CurrentAgentResponse = response

	// MERGE
	state.History = append(state.History,
		domain.HistoryEntry{Role: domain.RoleUser, Content: state.CurrentMessage},
		domain.HistoryEntry{Role: domain.RoleAssistant, Content: response},
	)
	state.UpdatedAt = f.cfg.Now()

	// DONE
	if err := f.cfg.Store.Save(ctx, state); err != nil {
		return TurnOutput{}, &StepError{Step: StepDone, Err: err}
	}
	return TurnOutput{ID: state.ID, Response: response, Classification: class, Agent: agent}, nil
}

func (f *Flow) start(ctx context.Context, id string, in TurnInput) (domain.ConversationState, error) {
	msg := strings.TrimSpace(in.Message)
	if msg == "" {
		return domain.ConversationState{}, ErrEmptyMessage
	}

	var state domain.ConversationState
	if in.ConversationID != "" {
		loaded, err := f.cfg.Store.Load(ctx, id)
		if err != nil {
			return domain.ConversationState{}, err
		}
		state = loaded.Clone()
	} else {
		state = domain.ConversationState{ID: id, CreatedAt: f.cfg.Now()}
	}
	state.CurrentMessage = msg
	state.Classification = domain.ClassUnknown
	state.CurrentAgent = ""
	state.CurrentAgentResponse = ""
	return state, nil
}

// History returns the persisted history of a conversation.
func (f *Flow) History(ctx context.Context, id string) ([]domain.HistoryEntry, error) {
	state, err := f.cfg.Store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return state.History, nil
}

// Reset forgets a conversation.
func (f *Flow) Reset(ctx context.Context, id string) error {
	unlock := f.locks.Lock(id)
	defer unlock()
	return f.cfg.Store.Delete(ctx, id)
}
