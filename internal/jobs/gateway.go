// Package jobs talks to the asynchronous reasoning engine: it submits
// kickoffs, queries their status and waits for terminal results.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"threadrelay/internal/bus"
	"threadrelay/internal/domain"
	"threadrelay/internal/ratelimit"
)

const maxResponseBytes = 4 << 20

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	BaseURL       string
	Token         string
	SubmitTimeout time.Duration // per kickoff request, default 10s
	StatusTimeout time.Duration // per status request, default 5s
	HTTPClient    *http.Client
	Limiter       *ratelimit.RateLimiter
	Events        *bus.EventBus
	Logger        *slog.Logger
}

// Gateway is the HTTP client for the engine's kickoff and status endpoints.
type Gateway struct {
	baseURL       string
	token         string
	submitTimeout time.Duration
	statusTimeout time.Duration
	client        *http.Client
	limiter       *ratelimit.RateLimiter
	events        *bus.EventBus
	logger        *slog.Logger
}

func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = 5 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gateway{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		token:         cfg.Token,
		submitTimeout: cfg.SubmitTimeout,
		statusTimeout: cfg.StatusTimeout,
		client:        cfg.HTTPClient,
		limiter:       cfg.Limiter,
		events:        cfg.Events,
		logger:        cfg.Logger.With("component", "jobs"),
	}
}

type kickoffRequest struct {
	Inputs   domain.JobInputs `json:"inputs"`
	Webhooks *webhookSpec     `json:"webhooks,omitempty"`
}

type webhookSpec struct {
	Events         []string        `json:"events"`
	URL            string          `json:"url"`
	Realtime       bool            `json:"realtime"`
	Authentication *webhookAuthSpec `json:"authentication,omitempty"`
}

type webhookAuthSpec struct {
	Strategy string `json:"strategy"`
	Token    string `json:"token"`
}

type kickoffResponse struct {
	KickoffID string `json:"kickoff_id"`
}

// Submit starts a job. When target is set the engine is asked to push the
// completion event there. Every failure is a *domain.SubmissionError and is
// not retried here.
func (g *Gateway) Submit(ctx context.Context, inputs domain.JobInputs, target *domain.WebhookTarget) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", &domain.SubmissionError{Detail: "rate limited", Err: err}
	}

	body := kickoffRequest{Inputs: inputs}
	if target != nil {
		body.Webhooks = &webhookSpec{
			Events:   []string{"flow_finished"},
			URL:      target.URL,
			Realtime: true,
		}
		if target.Token != "" {
			body.Webhooks.Authentication = &webhookAuthSpec{Strategy: "bearer", Token: target.Token}
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", &domain.SubmissionError{Detail: "encode inputs", Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, g.submitTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, g.baseURL+"/kickoff", bytes.NewReader(payload))
	if err != nil {
		return "", &domain.SubmissionError{Detail: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	g.authorize(req)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", &domain.SubmissionError{Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", &domain.SubmissionError{StatusCode: resp.StatusCode, Detail: "read response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &domain.SubmissionError{StatusCode: resp.StatusCode, Detail: snippet(raw)}
	}

	var kr kickoffResponse
	if err := json.Unmarshal(raw, &kr); err != nil {
		return "", &domain.SubmissionError{StatusCode: resp.StatusCode, Detail: "decode response", Err: err}
	}
	if kr.KickoffID == "" {
		return "", &domain.SubmissionError{StatusCode: resp.StatusCode, Detail: "response has no kickoff_id"}
	}

	g.logger.Info("job submitted", "kickoff_id", kr.KickoffID, "push", target != nil, "resume", inputs.ID != "")
	g.events.Emit(bus.Event{Type: bus.EventJobSubmitted, Source: "jobs", KickoffID: kr.KickoffID})
	return kr.KickoffID, nil
}

type statusResponse struct {
	State  string          `json:"state"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// transientError marks a status query failure worth retrying within the
// caller's budget (network failures, 5xx, 429).
type transientError struct {
	statusCode int
	err        error
}

func (e *transientError) Error() string {
	if e.statusCode != 0 {
		return fmt.Sprintf("engine status HTTP %d", e.statusCode)
	}
	return "engine unreachable: " + e.err.Error()
}

func (e *transientError) Unwrap() error { return e.err }

// IsTransient reports whether err is a status failure that a poller may
// treat as "not yet done".
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// Status fetches the current state of a job.
func (g *Gateway) Status(ctx context.Context, kickoffID string) (domain.Job, error) {
	job := domain.Job{KickoffID: kickoffID}

	reqCtx, cancel := context.WithTimeout(ctx, g.statusTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, g.baseURL+"/status/"+url.PathEscape(kickoffID), nil)
	if err != nil {
		return job, fmt.Errorf("build status request: %w", err)
	}
	g.authorize(req)

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return job, ctx.Err()
		}
		return job, &transientError{err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return job, &transientError{err: err}
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return job, &transientError{statusCode: resp.StatusCode, err: errors.New(snippet(raw))}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return job, fmt.Errorf("engine status for %s: HTTP %d: %s", kickoffID, resp.StatusCode, snippet(raw))
	}

	var sr statusResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return job, fmt.Errorf("decode status for %s: %w", kickoffID, err)
	}
	job.State = normalizeState(sr.State)
	job.Result = rawString(sr.Result)
	job.Error = rawString(sr.Error)
	return job, nil
}

func (g *Gateway) authorize(req *http.Request) {
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
}

// Healthy checks that the engine answers HTTP at all.
func (g *Gateway) Healthy(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, g.statusTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, g.baseURL+"/", nil)
	if err != nil {
		return err
	}
	g.authorize(req)
	resp, err := g.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("engine did not answer within %s", g.statusTimeout)
		}
		return fmt.Errorf("engine unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("engine returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// normalizeState maps the engine's state strings onto the three lifecycle
// states. Anything not terminal counts as pending.
func normalizeState(s string) domain.JobState {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SUCCESS", "COMPLETED", "COMPLETE", "FINISHED":
		return domain.JobSuccess
	case "FAILURE", "FAILED", "ERROR":
		return domain.JobFailure
	default:
		return domain.JobPending
	}
}

// rawString returns a JSON string's contents, or the raw JSON text for any
// other value.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 300 {
		s = s[:300] + "..."
	}
	return s
}
