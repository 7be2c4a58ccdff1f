// Package orchestrator is the entry point every front end calls: it maps a
// platform conversation to a session, runs one routing turn and delivers
// the reply.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"threadrelay/internal/domain"
	"threadrelay/internal/flow"
	"threadrelay/internal/metrics"
	"threadrelay/internal/session"
)

const (
	DefaultGreeting = "Hi! How can I help you?"
	DefaultApology  = "Sorry, I encountered an error processing your request. Please try again."
)

// Turner runs routing turns. *flow.Flow implements it.
type Turner interface {
	Run(ctx context.Context, in flow.TurnInput) (flow.TurnOutput, error)
	History(ctx context.Context, id string) ([]domain.HistoryEntry, error)
	Reset(ctx context.Context, id string) error
}

// ResultSink takes the outcome of an asynchronous turn. The webhook
// dispatcher implements it, so streams wait on tickets the same way they
// wait on engine jobs.
type ResultSink interface {
	Receive(ev domain.JobEvent)
}

type Config struct {
	Flow     Turner
	Sessions *session.Mapper
	Bus      domain.MessageBus
	Results  ResultSink
	Greeting string
	Apology  string
	// Concurrency bounds the turns run in parallel, from the bus and from
	// web tickets alike.
	Concurrency int
	// TurnTimeout caps how long a web ticket may wait for a slot and run.
	// Zero leaves tickets bounded only by Close.
	TurnTimeout time.Duration
	// TicketTTL is how long finished tickets stay queryable.
	TicketTTL time.Duration
	Logger    *slog.Logger
}

// TurnRequest is one user message addressed to the relay.
type TurnRequest struct {
	// Channel identifies the platform conversation, e.g. "slack:C123".
	Channel string
	// Thread is the platform thread marker; empty for unthreaded chats.
	Thread  string
	Message string
	// ConversationID overrides the conversation bound to the session.
	ConversationID string
	// Activate marks the session active after a successful turn.
	Activate bool
}

// TurnReply is the outcome of HandleTurn.
type TurnReply struct {
	SessionKey     string
	ConversationID string
	Response       string
	Classification domain.Classification
	Agent          string
	Command        bool
}

type Orchestrator struct {
	flow      Turner
	sessions  *session.Mapper
	bus       domain.MessageBus
	results   ResultSink
	greeting  string
	apology   string
	conc      int
	sem       chan struct{}
	turnLimit time.Duration
	ticketTTL time.Duration
	tickets   *ticketRegistry
	logger    *slog.Logger
	baseCtx   context.Context
	cancel    context.CancelFunc
}

func New(cfg Config) *Orchestrator {
	if cfg.Greeting == "" {
		cfg.Greeting = DefaultGreeting
	}
	if cfg.Apology == "" {
		cfg.Apology = DefaultApology
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.TicketTTL <= 0 {
		cfg.TicketTTL = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		flow:      cfg.Flow,
		sessions:  cfg.Sessions,
		bus:       cfg.Bus,
		results:   cfg.Results,
		greeting:  cfg.Greeting,
		apology:   cfg.Apology,
		conc:      cfg.Concurrency,
		sem:       make(chan struct{}, cfg.Concurrency),
		turnLimit: cfg.TurnTimeout,
		ticketTTL: cfg.TicketTTL,
		tickets:   newTicketRegistry(),
		logger:    cfg.Logger.With("component", "orchestrator"),
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// Apology is the reply sent in place of a failed turn.
func (o *Orchestrator) Apology() string { return o.apology }

// Greeting is the reply to an empty mention or a new assistant thread.
func (o *Orchestrator) Greeting() string { return o.greeting }

// SessionKey resolves the session for a platform conversation.
func (o *Orchestrator) SessionKey(channel, thread string) string {
	return o.sessions.ResolveSessionKey(channel, thread)
}

// HandleTurn runs one turn for the session of req. Nothing is written to the
// session table unless the turn succeeds.
func (o *Orchestrator) HandleTurn(ctx context.Context, req TurnRequest) (TurnReply, error) {
	key := o.sessions.ResolveSessionKey(req.Channel, req.Thread)
	reply := TurnReply{SessionKey: key}

	if cmd := ParseCommand(req.Message); cmd != nil {
		text, handled, err := o.handleCommand(ctx, cmd, key)
		if err != nil {
			return reply, err
		}
		if handled {
			reply.Response, reply.Command = text, true
			return reply, nil
		}
	}

	convID := req.ConversationID
	if convID == "" {
		id, ok, err := o.sessions.GetBackendID(ctx, key)
		if err != nil {
			return reply, err
		}
		if ok {
			convID = id
		}
	}

	metrics.MessagesTotal.Inc()
	metrics.InFlightTurns.Inc()
	defer metrics.InFlightTurns.Dec()

	out, err := o.flow.Run(ctx, flow.TurnInput{ConversationID: convID, Message: req.Message})
	if errors.Is(err, domain.ErrConversationNotFound) && req.ConversationID == "" {
		// The stored conversation is gone (pruned or reset elsewhere).
		o.logger.Warn("bound conversation missing, starting a new one", "session", key, "conversation", convID)
		out, err = o.flow.Run(ctx, flow.TurnInput{Message: req.Message})
	}
	if err != nil {
		return reply, err
	}

	if err := o.sessions.RecordTurn(ctx, key, out.ID, req.Activate); err != nil {
		if out.ID != convID {
			// A conversation nothing points to would never be read again.
			if derr := o.flow.Reset(ctx, out.ID); derr != nil {
				o.logger.Warn("cannot drop unbound conversation", "conversation", out.ID, "err", derr)
			}
		}
		o.logger.Error("turn saved but session not bound", "session", key, "conversation", out.ID, "err", err)
		return reply, fmt.Errorf("bind session %s: %w", key, err)
	}

	reply.ConversationID = out.ID
	reply.Response = out.Response
	reply.Classification = out.Classification
	reply.Agent = out.Agent
	return reply, nil
}

// Reply is HandleTurn for front ends: failures are logged and answered with
// the apology text.
func (o *Orchestrator) Reply(ctx context.Context, req TurnRequest) TurnReply {
	reply, err := o.HandleTurn(ctx, req)
	if err != nil {
		o.recordFailure(reply.SessionKey, err)
		reply.Response = o.apology
	}
	return reply
}

func (o *Orchestrator) recordFailure(key string, err error) {
	var te *domain.TimeoutError
	if errors.As(err, &te) {
		metrics.Collector.Counter("threadrelay_turn_timeouts_total", "Turns that ran out of time waiting for the engine", "").Inc()
	} else {
		metrics.Collector.Counter("threadrelay_turn_failures_total", "Turns that failed for reasons other than a timeout", "").Inc()
	}
	metrics.ApologiesTotal.Inc()
	o.logger.Error("turn failed, sending apology", "session", key, "err", err)
}

// Activate marks the session of a platform conversation active, as when an
// assistant thread is opened.
func (o *Orchestrator) Activate(ctx context.Context, channel, thread string) error {
	return o.sessions.MarkActive(ctx, o.sessions.ResolveSessionKey(channel, thread))
}

// Bind associates an existing conversation with the session of a platform
// conversation, so the next turn there continues it.
func (o *Orchestrator) Bind(ctx context.Context, channel, thread, conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return errors.New("conversation id is required")
	}
	return o.sessions.SetBackendID(ctx, o.sessions.ResolveSessionKey(channel, thread), conversationID)
}

// Enqueue starts a turn in the background and returns its ticket id. The
// outcome is recorded on the ticket and handed to the result sink under the
// ticket id. Tickets share the concurrency slots of Run and fail once the
// turn timeout passes, whether or not they got to run.
func (o *Orchestrator) Enqueue(req TurnRequest) string {
	t := &Ticket{
		ID:         uuid.NewString(),
		SessionKey: o.sessions.ResolveSessionKey(req.Channel, req.Thread),
		State:      domain.JobPending,
		CreatedAt:  time.Now(),
	}
	o.tickets.add(t)
	o.logger.Debug("ticket queued", "ticket", t.ID, "session", t.SessionKey)

	go func() {
		ctx, cancel := o.ticketContext()
		defer cancel()

		var reply TurnReply
		var err error
		select {
		case o.sem <- struct{}{}:
			reply, err = o.HandleTurn(ctx, req)
			<-o.sem
		case <-ctx.Done():
			err = fmt.Errorf("ticket %s not started: %w", t.ID, ctx.Err())
		}
		ev := domain.JobEvent{KickoffID: t.ID, ReceivedAt: time.Now()}
		if err != nil {
			o.recordFailure(t.SessionKey, err)
			ev.Err = o.apology
		} else {
			ev.Result = domain.JobResult{Response: reply.Response, ConversationID: reply.ConversationID}
		}

		o.tickets.finish(t.ID, func(t *Ticket) {
			t.DoneAt = ev.ReceivedAt
			if ev.Err != "" {
				t.State, t.Error = domain.JobFailure, ev.Err
			} else {
				t.State, t.Response, t.ConversationID = domain.JobSuccess, reply.Response, reply.ConversationID
			}
		})
		if o.results != nil {
			o.results.Receive(ev)
		}
	}()
	return t.ID
}

func (o *Orchestrator) ticketContext() (context.Context, context.CancelFunc) {
	if o.turnLimit > 0 {
		return context.WithTimeout(o.baseCtx, o.turnLimit)
	}
	return context.WithCancel(o.baseCtx)
}

// Ticket returns the current state of a ticket.
func (o *Orchestrator) Ticket(id string) (Ticket, bool) {
	return o.tickets.get(id)
}

// PendingTickets counts tickets still running.
func (o *Orchestrator) PendingTickets() int { return o.tickets.pending() }

// CleanTickets removes finished tickets older than the ticket TTL.
func (o *Orchestrator) CleanTickets() int {
	return o.tickets.clean(o.ticketTTL, time.Now())
}

// Run consumes inbound messages from the bus and processes them with bounded
// concurrency until ctx is done or the bus closes.
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.Info("orchestrator started", "concurrency", o.conc)

	inbound := o.bus.Subscribe()
	janitor := time.NewTicker(time.Minute)
	defer janitor.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopping")
			return
		case <-janitor.C:
			if n := o.CleanTickets(); n > 0 {
				o.logger.Debug("cleaned tickets", "removed", n)
			}
		case msg, ok := <-inbound:
			if !ok {
				o.logger.Info("inbound channel closed, orchestrator stopping")
				return
			}
			select {
			case o.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			go func(m domain.InboundMessage) {
				defer func() { <-o.sem }()
				o.processMessage(ctx, m)
			}(msg)
		}
	}
}

// Close cancels background tickets.
func (o *Orchestrator) Close() { o.cancel() }

// processMessage applies the participation rules to one platform message:
// direct messages and mentions are always answered, anything else only in
// active sessions. A successful turn outside a direct chat activates its
// session.
func (o *Orchestrator) processMessage(ctx context.Context, msg domain.InboundMessage) {
	channel := msg.Channel + ":" + msg.ChatID
	key := o.sessions.ResolveSessionKey(channel, msg.ThreadID)
	text := strings.TrimSpace(msg.Content)

	if !msg.Direct && !msg.Mention {
		active, err := o.sessions.IsActive(ctx, key)
		if err != nil {
			o.logger.Error("session lookup failed", "session", key, "err", err)
			return
		}
		if !active {
			o.logger.Debug("ignoring message in inactive session", "session", key)
			return
		}
	}

	if text == "" {
		if msg.Mention {
			if err := o.sessions.MarkActive(ctx, key); err != nil {
				o.logger.Error("mark active failed", "session", key, "err", err)
			}
			o.send(msg, o.greeting, false)
		}
		return
	}

	o.logger.Info("processing message", "channel", msg.Channel, "session", key, "sender", msg.SenderID, "content_len", len(text))
	reply, err := o.HandleTurn(ctx, TurnRequest{Channel: channel, Thread: msg.ThreadID, Message: text, Activate: !msg.Direct})
	if err != nil {
		o.recordFailure(key, err)
		o.send(msg, o.apology, true)
		return
	}
	o.send(msg, reply.Response, false)
}

func (o *Orchestrator) send(msg domain.InboundMessage, text string, isErr bool) {
	o.bus.SendOutbound(domain.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		ThreadID: msg.ThreadID,
		Content:  text,
		Format:   "markdown",
		IsError:  isErr,
	})
}
