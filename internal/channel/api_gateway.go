package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"threadrelay/internal/domain"
	"threadrelay/internal/orchestrator"

	"github.com/google/uuid"
)

const apiGatewayMaxBodySize = 1 << 20 // 1MB

// Replier runs a synchronous turn. *orchestrator.Orchestrator implements it.
type Replier interface {
	Reply(ctx context.Context, req orchestrator.TurnRequest) orchestrator.TurnReply
}

// APIGateway exposes an OpenAI-compatible /v1/chat/completions endpoint.
// Each call is one routing turn; the request's user field selects the
// session, so callers that send it get a continuing conversation.
type APIGateway struct {
	port    int
	apiKey  string
	model   string
	timeout time.Duration
	replier Replier
	logger  *slog.Logger
	server  *http.Server
}

type APIGatewayConfig struct {
	Port    int
	APIKey  string
	Replier Replier
	// Model is the id reported by /v1/models.
	Model string
	// Timeout bounds one turn.
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewAPIGateway(cfg APIGatewayConfig) *APIGateway {
	if cfg.Model == "" {
		cfg.Model = "threadrelay"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &APIGateway{
		port:    cfg.Port,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		replier: cfg.Replier,
		logger:  cfg.Logger.With("component", "api_gateway"),
	}
}

func (g *APIGateway) Name() string { return "api_gateway" }

// Handler returns the gateway routes.
func (g *APIGateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", g.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", g.handleModels)
	return mux
}

func (g *APIGateway) Start(ctx context.Context, _ domain.MessageBus) error {
	addr := fmt.Sprintf(":%d", g.port)
	g.server = &http.Server{
		Addr:              addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      g.timeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	g.logger.Info("API gateway started", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.server.Shutdown(shutdownCtx)
	}()

	if err := g.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (g *APIGateway) Stop() error {
	if g.server != nil {
		return g.server.Close()
	}
	return nil
}

// Send is unsupported: the gateway only answers its own requests.
func (g *APIGateway) Send(context.Context, domain.OutboundMessage) error {
	return errors.New("api gateway: replies are returned synchronously")
}

// handleChatCompletions is OpenAI-compatible POST /v1/chat/completions.
func (g *APIGateway) handleChatCompletions(rw http.ResponseWriter, r *http.Request) {
	if g.apiKey != "" {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != g.apiKey {
			writeJSON(rw, http.StatusUnauthorized, oaiError("invalid API key"))
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, apiGatewayMaxBodySize))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, oaiError("bad request"))
		return
	}

	var req oaiCompatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(rw, http.StatusBadRequest, oaiError("invalid JSON"))
		return
	}
	if req.Stream {
		writeJSON(rw, http.StatusBadRequest, oaiError("streaming is not supported"))
		return
	}

	// Only the last user message is routed; history lives server side.
	var userMessage string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			userMessage = req.Messages[i].Content
			break
		}
	}
	if strings.TrimSpace(userMessage) == "" {
		writeJSON(rw, http.StatusBadRequest, oaiError("no user message found"))
		return
	}

	reqID := uuid.NewString()
	user := strings.TrimSpace(req.User)
	if user == "" {
		user = "anon-" + reqID
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.timeout)
	defer cancel()
	reply := g.replier.Reply(ctx, orchestrator.TurnRequest{Channel: "api:" + user, Message: userMessage})
	if r.Context().Err() != nil {
		return
	}

	model := req.Model
	if model == "" {
		model = g.model
	}
	writeJSON(rw, http.StatusOK, oaiCompatResponse{
		ID:      "chatcmpl-" + reqID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []oaiCompatChoice{{
			Index: 0,
			Message: oaiCompatMessage{
				Role:    "assistant",
				Content: reply.Response,
			},
			FinishReason: "stop",
		}},
	})
}

func (g *APIGateway) handleModels(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"id": g.model, "object": "model", "owned_by": "threadrelay"},
		},
	})
}

func oaiError(msg string) map[string]any {
	return map[string]any{"error": map[string]string{"message": msg, "type": "invalid_request_error"}}
}

type oaiCompatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiCompatRequest struct {
	Model    string             `json:"model"`
	Messages []oaiCompatMessage `json:"messages"`
	Stream   bool               `json:"stream"`
	User     string             `json:"user"`
}

type oaiCompatChoice struct {
	Index        int              `json:"index"`
	Message      oaiCompatMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

type oaiCompatResponse struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []oaiCompatChoice `json:"choices"`
}
