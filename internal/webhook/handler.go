package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"threadrelay/internal/bus"
	"threadrelay/internal/domain"
)

const maxBodyBytes = 1 << 20

// Receiver accepts job completion events.
type Receiver interface {
	Receive(ev domain.JobEvent)
}

// HandlerConfig configures the HTTP receiver.
type HandlerConfig struct {
	Receiver Receiver
	Token    string // expected bearer token; empty disables the check
	Secret   string // HMAC secret for X-Signature-256; empty disables the check
	Events   *bus.EventBus
	Logger   *slog.Logger
}

// Handler is the HTTP endpoint the engine pushes completion events to.
type Handler struct {
	cfg    HandlerConfig
	logger *slog.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{cfg: cfg, logger: cfg.Logger.With("component", "webhook")}
}

func (h *Handler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(rw, "Payload Too Large", http.StatusRequestEntityTooLarge)
		return
	}

	if h.cfg.Token != "" && !bearerMatches(r.Header.Get("Authorization"), h.cfg.Token) {
		h.logger.Warn("webhook rejected: bad token", "remote", r.RemoteAddr)
		http.Error(rw, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if h.cfg.Secret != "" {
		sig := r.Header.Get("X-Signature-256")
		if sig == "" {
			http.Error(rw, "Missing signature", http.StatusUnauthorized)
			return
		}
		if !verifyHMAC(body, h.cfg.Secret, sig) {
			http.Error(rw, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	if !json.Valid(body) {
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}
	events, errs := ParsePayload(body)
	for _, err := range errs {
		h.logger.Warn("webhook event dropped", "err", err)
		h.cfg.Events.Emit(bus.Event{Type: bus.EventWebhookMalformed, Source: "webhook", Detail: map[string]any{"error": err.Error()}})
	}
	for _, ev := range events {
		h.logger.Info("webhook received", "kickoff_id", ev.KickoffID, "failed", ev.Err != "")
		h.cfg.Events.Emit(bus.Event{Type: bus.EventWebhookReceived, Source: "webhook", KickoffID: ev.KickoffID})
		h.cfg.Receiver.Receive(ev)
	}

	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string]string{"status": "received"})
}

func bearerMatches(header, token string) bool {
	got, ok := strings.CutPrefix(header, "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

// verifyHMAC verifies the HMAC-SHA256 signature of the body.
func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
