package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"threadrelay/internal/bus"
	"threadrelay/internal/config"
	"threadrelay/internal/domain"
	"threadrelay/internal/flow"
	"threadrelay/internal/jobs"
	"threadrelay/internal/memory"
	"threadrelay/internal/metrics"
	"threadrelay/internal/orchestrator"
	"threadrelay/internal/provider"
	"threadrelay/internal/ratelimit"
	"threadrelay/internal/session"
	"threadrelay/internal/webhook"
)

// app holds the relay core shared by every front end.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	events     *bus.EventBus
	bus        *bus.InMemoryBus
	db         *sql.DB
	state      domain.StateStore
	dispatcher *webhook.Dispatcher
	webhook    *webhook.Handler
	reasoner   *jobs.Reasoner
	flow       *flow.Flow
	orch       *orchestrator.Orchestrator
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	a.events = bus.NewEventBus(1000, logger)
	a.bus = bus.New(100, logger)
	if cfg.Metrics.Enabled {
		metrics.Collector.Bind(a.events)
	}

	if err := a.openStores(ctx); err != nil {
		a.bus.Close()
		return nil, err
	}

	a.dispatcher = webhook.NewDispatcher(webhook.DispatcherConfig{
		BufferTTL:     cfg.Webhook.BufferTTL(),
		BufferMaxSize: cfg.Webhook.BufferMaxSize,
		DedupeTTL:     cfg.Webhook.DedupeTTL(),
		Events:        a.events,
		Logger:        logger,
	})
	a.webhook = webhook.NewHandler(webhook.HandlerConfig{
		Receiver: a.dispatcher,
		Token:    cfg.Webhook.Token,
		Secret:   cfg.Webhook.Secret,
		Events:   a.events,
		Logger:   logger,
	})

	a.reasoner = a.newReasoner()

	classifier, pleasantry, err := a.newClassifier()
	if err != nil {
		a.close()
		return nil, err
	}

	a.flow = flow.New(flow.Config{
		Store:      a.state,
		Classifier: classifier,
		Pleasantry: pleasantry,
		Reasoner:   a.reasoner,
		Redirect:   cfg.Flow.Redirect,
		Events:     a.events,
		Logger:     logger,
	})

	if cfg.Session.ActiveTTL() == 0 {
		logger.Warn("session.activeTtlHours is 0, active threads never expire")
	}
	sessions := session.New(session.Config{
		Store:     a.sessionStore(),
		ActiveTTL: cfg.Session.ActiveTTL(),
		Events:    a.events,
		Logger:    logger,
	})

	a.orch = orchestrator.New(orchestrator.Config{
		Flow:        a.flow,
		Sessions:    sessions,
		Bus:         a.bus,
		Results:     a.dispatcher,
		Greeting:    cfg.Flow.Greeting,
		Apology:     cfg.Flow.Apology,
		Concurrency: cfg.General.MaxConcurrentMessages,
		TurnTimeout: turnBudget(cfg),
		TicketTTL:   time.Duration(cfg.Channels.Web.TicketTTLSeconds) * time.Second,
		Logger:      logger,
	})
	return a, nil
}

// openStores opens the conversation state backend. A SQLite handle is shared
// with the session table when either side asks for it.
func (a *app) openStores(ctx context.Context) error {
	cfg := a.cfg
	if cfg.Memory.Backend == "sqlite" || cfg.Session.Store == "sqlite" {
		db, err := memory.OpenSQLite(cfg.Memory.DBPath, a.logger)
		if err != nil {
			return fmt.Errorf("state database: %w", err)
		}
		a.db = db
	}

	switch cfg.Memory.Backend {
	case "sqlite":
		a.state = memory.NewSQLiteStore(a.db, a.logger)
	case "postgres":
		pg, err := memory.NewPostgresStore(ctx, cfg.Memory.DSN, a.logger)
		if err != nil {
			if a.db != nil {
				a.db.Close()
			}
			return fmt.Errorf("postgres state store: %w", err)
		}
		a.state = pg
	default:
		a.state = memory.NewInMemoryStore()
	}
	a.logger.Info("state store ready", "backend", cfg.Memory.Backend, "sessions", cfg.Session.Store)
	return nil
}

func (a *app) sessionStore() session.Store {
	if a.cfg.Session.Store == "sqlite" && a.db != nil {
		return session.NewSQLiteStore(a.db)
	}
	return session.NewMemoryStore()
}

const (
	// turnOverhead is the time a turn may spend outside the engine wait,
	// on submission and on classifier or pleasantry calls.
	turnOverhead = 30 * time.Second
	// streamGrace keeps a web stream open past the turn deadline so a
	// timed out ticket still delivers its apology.
	streamGrace = 5 * time.Second
)

// engineWait is how long a turn waits on the engine for its result.
func engineWait(cfg *config.Config) time.Duration {
	if cfg.Engine.DeliveryMode == "push" {
		return cfg.Webhook.StreamTimeout()
	}
	return cfg.Engine.PollTimeout()
}

// turnBudget bounds a whole web turn, queueing included.
func turnBudget(cfg *config.Config) time.Duration {
	return engineWait(cfg) + time.Duration(cfg.Engine.SubmitTimeoutSeconds)*time.Second + turnOverhead
}

// streamBudget is how long the web channel waits for a ticket. It always
// outlasts turnBudget.
func streamBudget(cfg *config.Config) time.Duration {
	return turnBudget(cfg) + streamGrace
}

func newGateway(cfg *config.Config, events *bus.EventBus, logger *slog.Logger) *jobs.Gateway {
	return jobs.NewGateway(jobs.GatewayConfig{
		BaseURL:       cfg.Engine.BaseURL,
		Token:         cfg.Engine.Token,
		SubmitTimeout: time.Duration(cfg.Engine.SubmitTimeoutSeconds) * time.Second,
		StatusTimeout: time.Duration(cfg.Engine.StatusTimeoutSeconds) * time.Second,
		HTTPClient:    provider.SharedHTTPClient(0),
		Limiter:       ratelimit.New(cfg.Engine.Burst, float64(cfg.Engine.RatePerMinute)),
		Events:        events,
		Logger:        logger,
	})
}

func (a *app) newReasoner() *jobs.Reasoner {
	cfg := a.cfg
	gw := newGateway(cfg, a.events, a.logger)

	rc := jobs.ReasonerConfig{
		Gateway:       gw,
		PollInterval:  cfg.Engine.PollInterval(),
		MaxWait:       engineWait(cfg),
		HistoryWindow: cfg.Memory.MaxHistoryPerConversation,
		Logger:        a.logger,
	}
	if cfg.Engine.DeliveryMode == "push" {
		rc.Awaiter = a.dispatcher
		rc.Target = &domain.WebhookTarget{URL: cfg.Webhook.CallbackURL(), Token: cfg.Webhook.Token}
	}
	r := jobs.NewReasoner(rc)
	a.logger.Info("reasoning engine configured", "base_url", cfg.Engine.BaseURL, "delivery", r.Mode())
	return r
}

func (a *app) newClassifier() (flow.Classifier, flow.Responder, error) {
	cfg := a.cfg
	var pleasantry flow.Responder = flow.StaticResponder{Text: cfg.Flow.Greeting}

	factory := provider.NewFactory(cfg, a.logger)
	if cfg.Flow.PleasantryProvider != "" {
		p, err := factory.Get(cfg.Flow.PleasantryProvider)
		if err != nil {
			return nil, nil, fmt.Errorf("pleasantry provider: %w", err)
		}
		pleasantry = &flow.LLMResponder{
			Provider: p,
			Model:    cfg.Providers[cfg.Flow.PleasantryProvider].DefaultModel,
			Topic:    cfg.Flow.Topic,
		}
	}

	if cfg.Flow.Classifier == "keyword" {
		return flow.NewKeywordClassifier(cfg.Flow.TopicKeywords, nil), pleasantry, nil
	}

	var (
		p     domain.Provider
		model string
		err   error
	)
	if name := cfg.Flow.ClassifierProvider; name != "" {
		p, err = factory.Get(name)
		model = cfg.Providers[name].DefaultModel
	} else {
		p, err = factory.Chain()
		model = cfg.Providers[cfg.General.DefaultProvider].DefaultModel
	}
	if err != nil {
		return nil, nil, fmt.Errorf("classifier provider: %w", err)
	}
	return flow.NewLLMClassifier(flow.LLMClassifierConfig{
		Provider: p,
		Model:    model,
		Topic:    cfg.Flow.Topic,
		Logger:   a.logger,
	}), pleasantry, nil
}

// close releases stores and background workers. Safe on a partly built app.
func (a *app) close() {
	if a.orch != nil {
		a.orch.Close()
	}
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.state != nil {
		if err := a.state.Close(); err != nil {
			a.logger.Warn("close state store", "err", err)
		}
	}
	// The sqlite state store owns the shared handle.
	if a.db != nil && a.cfg.Memory.Backend != "sqlite" {
		a.db.Close()
	}
}
