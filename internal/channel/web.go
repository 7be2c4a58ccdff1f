package channel

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"threadrelay/internal/bus"
	"threadrelay/internal/config"
	"threadrelay/internal/domain"
	"threadrelay/internal/metrics"
	"threadrelay/internal/orchestrator"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/yuin/goldmark"
)

const (
	maxBodySize          = 1 << 20 // 1MB
	sessionMaxAge        = 86400 * 30
	defaultStreamTimeout = 60 * time.Second
	defaultCookieName    = "threadrelay_session"
)

//go:embed web_templates/*.html
var templateFS embed.FS

// TurnQueue runs web turns asynchronously. *orchestrator.Orchestrator
// implements it.
type TurnQueue interface {
	Enqueue(req orchestrator.TurnRequest) string
	Ticket(id string) (orchestrator.Ticket, bool)
	Bind(ctx context.Context, channel, thread, conversationID string) error
}

// ResultAwaiter blocks until the result for an id is delivered.
// *webhook.Dispatcher implements it.
type ResultAwaiter interface {
	AwaitResult(ctx context.Context, id string, timeout time.Duration) (domain.JobResult, error)
}

// Web implements domain.Channel for the browser chat. It is also the HTTP
// server for the webhook receiver, health and metrics endpoints.
type Web struct {
	host          string
	port          int
	title         string
	cookieName    string
	chatUI        bool
	version       string
	streamTimeout time.Duration

	turns       TurnQueue
	results     ResultAwaiter
	webhook     http.Handler
	webhookPath string
	metricsH    http.Handler
	metricsPath string
	events      *bus.EventBus
	cfg         *config.Config

	tmpl     *htmltemplate.Template
	md       goldmark.Markdown
	upgrader websocket.Upgrader
	server   *http.Server
	logger   *slog.Logger
}

type WebConfig struct {
	Host string
	Port int
	// Title is shown on the chat page.
	Title      string
	CookieName string
	// ChatUI mounts the chat page and its API. When false only the webhook,
	// health, metrics and event endpoints are served.
	ChatUI        bool
	Turns         TurnQueue
	Results       ResultAwaiter
	StreamTimeout time.Duration
	Webhook       http.Handler
	WebhookPath   string
	Metrics       http.Handler
	MetricsPath   string
	Events        *bus.EventBus
	// Config is served sanitized on /api/config when set.
	Config  *config.Config
	Version string
	Logger  *slog.Logger
}

func NewWeb(cfg WebConfig) *Web {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Title == "" {
		cfg.Title = "Assistant"
	}
	if cfg.CookieName == "" {
		cfg.CookieName = defaultCookieName
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = defaultStreamTimeout
	}
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/api/webhook"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Web{
		host:          cfg.Host,
		port:          cfg.Port,
		title:         cfg.Title,
		cookieName:    cfg.CookieName,
		chatUI:        cfg.ChatUI,
		version:       cfg.Version,
		streamTimeout: cfg.StreamTimeout,
		turns:         cfg.Turns,
		results:       cfg.Results,
		webhook:       cfg.Webhook,
		webhookPath:   cfg.WebhookPath,
		metricsH:      cfg.Metrics,
		metricsPath:   cfg.MetricsPath,
		events:        cfg.Events,
		cfg:           cfg.Config,
		tmpl:          htmltemplate.Must(htmltemplate.ParseFS(templateFS, "web_templates/*.html")),
		md:            goldmark.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: cfg.Logger.With("component", "web"),
	}
}

func (w *Web) Name() string { return "web" }

// Handler returns the routes served by the web channel.
func (w *Web) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", w.handleHealth)
	if w.webhook != nil {
		mux.Handle("POST "+w.webhookPath, w.webhook)
	}
	if w.metricsH != nil {
		mux.Handle("GET "+w.metricsPath, w.metricsH)
	}
	if w.events != nil {
		mux.HandleFunc("GET /api/events", w.handleEvents)
	}
	if w.cfg != nil {
		mux.HandleFunc("GET /api/config", w.handleGetConfig)
	}

	if w.chatUI && w.turns != nil && w.results != nil {
		mux.HandleFunc("GET /{$}", w.handleIndex)
		mux.HandleFunc("POST /api/send_message", w.handleSendMessage)
		mux.HandleFunc("GET /api/stream/{id}", w.handleStream)
		mux.HandleFunc("GET /api/ws/{id}", w.handleWebSocket)
		mux.HandleFunc("GET /api/status/{id}", w.handleTicketStatus)
		mux.HandleFunc("POST /api/update_session", w.handleUpdateSession)
	}
	return mux
}

// Start runs the HTTP server until ctx is cancelled. Web replies travel
// through tickets rather than the bus.
func (w *Web) Start(ctx context.Context, _ domain.MessageBus) error {
	addr := fmt.Sprintf("%s:%d", w.host, w.port)
	w.server = &http.Server{
		Addr:              addr,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	w.logger.Info("web server started", "addr", "http://"+addr, "chat_ui", w.chatUI)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.server.Shutdown(shutdownCtx)
	}()

	if err := w.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (w *Web) Stop() error {
	if w.server != nil {
		return w.server.Close()
	}
	return nil
}

// Send is unsupported: browsers only receive replies to their own tickets.
func (w *Web) Send(context.Context, domain.OutboundMessage) error {
	return errors.New("web: replies are delivered through tickets")
}

// sessionID returns the caller's session from the cookie, minting one when
// absent.
func (w *Web) sessionID(rw http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(w.cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.NewString()
	http.SetCookie(rw, &http.Cookie{
		Name:     w.cookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.logger.Info("new web session created", "session", id)
	return id
}

func webChannel(sessionID string) string { return "web:" + sessionID }

func (w *Web) handleIndex(rw http.ResponseWriter, r *http.Request) {
	w.sessionID(rw, r)
	if err := w.tmpl.ExecuteTemplate(rw, "index.html", map[string]any{
		"Title": w.title,
	}); err != nil {
		w.logger.Error("template error", "template", "index", "err", err)
	}
}

func (w *Web) handleSendMessage(rw http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&body); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Message is required"})
		return
	}

	sid := w.sessionID(rw, r)
	id := w.turns.Enqueue(orchestrator.TurnRequest{Channel: webChannel(sid), Message: body.Message})
	w.logger.Info("web message queued", "session", sid, "ticket", id)
	writeJSON(rw, http.StatusOK, map[string]string{"status": "processing", "kickoff_id": id})
}

// streamPayload is the single event sent to a stream subscriber.
type streamPayload struct {
	Response       string `json:"response,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	ResponseHTML   string `json:"response_html,omitempty"`
	Error          string `json:"error,omitempty"`
}

// await waits for the result of id and shapes it for the browser.
func (w *Web) await(ctx context.Context, id string) (streamPayload, bool) {
	metrics.StreamWaiters.Inc()
	defer metrics.StreamWaiters.Dec()

	res, err := w.results.AwaitResult(ctx, id, w.streamTimeout)
	if err == nil {
		return streamPayload{
			Response:       res.Response,
			ConversationID: res.ConversationID,
			ResponseHTML:   w.renderMarkdown(res.Response),
		}, true
	}
	if ctx.Err() != nil {
		return streamPayload{}, false
	}

	var (
		te *domain.TimeoutError
		fe *domain.FailureError
	)
	switch {
	case errors.As(err, &te):
		return streamPayload{Error: "Timeout waiting for response"}, true
	case errors.As(err, &fe):
		return streamPayload{Error: fe.Detail}, true
	case errors.Is(err, domain.ErrSuperseded):
		return streamPayload{Error: "Superseded by a newer stream"}, true
	default:
		w.logger.Error("stream wait failed", "ticket", id, "err", err)
		return streamPayload{Error: err.Error()}, true
	}
}

func (w *Web) handleStream(rw http.ResponseWriter, r *http.Request) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		http.Error(rw, "SSE not supported", http.StatusInternalServerError)
		return
	}
	id := r.PathValue("id")

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	rw.Header().Set("X-Accel-Buffering", "no")
	rw.WriteHeader(http.StatusOK)
	flusher.Flush()

	payload, ok := w.await(r.Context(), id)
	if !ok {
		w.logger.Info("web client disconnected", "ticket", id)
		return
	}
	data, _ := json.Marshal(payload)
	fmt.Fprintf(rw, "data: %s\n\n", data)
	flusher.Flush()
}

func (w *Web) handleWebSocket(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	// The read loop notices a client close and cancels the wait.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	payload, ok := w.await(ctx, id)
	if !ok {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(payload); err != nil {
		w.logger.Warn("websocket write failed", "ticket", id, "err", err)
		return
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (w *Web) handleTicketStatus(rw http.ResponseWriter, r *http.Request) {
	t, ok := w.turns.Ticket(r.PathValue("id"))
	if !ok {
		writeJSON(rw, http.StatusNotFound, map[string]string{"error": "unknown ticket"})
		return
	}
	resp := map[string]any{"state": t.State}
	switch t.State {
	case domain.JobSuccess:
		resp["result"] = streamPayload{
			Response:       t.Response,
			ConversationID: t.ConversationID,
			ResponseHTML:   w.renderMarkdown(t.Response),
		}
	case domain.JobFailure:
		resp["error"] = t.Error
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (w *Web) handleUpdateSession(rw http.ResponseWriter, r *http.Request) {
	var body struct {
		ConversationID string `json:"conversation_id"`
	}
	_ = json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&body)
	if strings.TrimSpace(body.ConversationID) == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "conversation_id required"})
		return
	}
	sid := w.sessionID(rw, r)
	if err := w.turns.Bind(r.Context(), webChannel(sid), "", body.ConversationID); err != nil {
		w.logger.Error("update session failed", "session", sid, "err", err)
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": "could not update session"})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"status": "updated"})
}

func (w *Web) handleHealth(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": w.version,
		"time":    time.Now().Format(time.RFC3339),
	})
}

// handleEvents replays recent lifecycle events, optionally filtered by
// ?type= and ?since= (RFC 3339).
func (w *Web) handleEvents(rw http.ResponseWriter, r *http.Request) {
	eventType := r.URL.Query().Get("type")
	if eventType == "" {
		eventType = "*"
	}
	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "since must be RFC 3339"})
			return
		}
		since = t
	}
	events := w.events.Replay(eventType, since)
	if events == nil {
		events = []bus.Event{}
	}
	writeJSON(rw, http.StatusOK, events)
}

func (w *Web) handleGetConfig(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, http.StatusOK, config.Sanitize(w.cfg))
}

func (w *Web) renderMarkdown(src string) string {
	var buf bytes.Buffer
	if err := w.md.Convert([]byte(src), &buf); err != nil {
		w.logger.Warn("markdown render failed", "err", err)
		return htmltemplate.HTMLEscapeString(src)
	}
	return buf.String()
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
