// Package fakeengine is an in-process stand-in for the asynchronous
// reasoning engine. It speaks the kickoff/status API, can push completion
// events to a webhook, and is used by tests and the fake-engine command.
package fakeengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"threadrelay/internal/domain"
)

// Answerer produces the engine's reply for one job.
type Answerer func(inputs domain.JobInputs) (string, error)

// EchoAnswerer repeats the question back.
func EchoAnswerer(inputs domain.JobInputs) (string, error) {
	return "You asked: " + inputs.CurrentMessage, nil
}

type Config struct {
	Token  string        // required bearer token; empty accepts anything
	Delay  time.Duration // time from kickoff until the job is terminal
	Answer Answerer
	// PushDuplicates delivers each webhook event this many extra times.
	PushDuplicates int
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// Kickoff is a recorded submission.
type Kickoff struct {
	ID      string
	Inputs  domain.JobInputs
	Webhook string
	Token   string
}

type job struct {
	kickoff  Kickoff
	readyAt  time.Time
	response string
	err      error
}

// Engine is the fake engine. The zero value is not usable; call New.
type Engine struct {
	cfg        Config
	mu         sync.Mutex
	jobs       map[string]*job
	order      []string
	failStatus atomic.Int32
	failSubmit atomic.Int32
	statusHits atomic.Int64
	pushes     sync.WaitGroup
	logger     *slog.Logger
}

func New(cfg Config) *Engine {
	if cfg.Answer == nil {
		cfg.Answer = EchoAnswerer
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		jobs:   make(map[string]*job),
		logger: cfg.Logger.With("component", "fake-engine"),
	}
}

// Handler serves POST /kickoff, GET /status/{id} and GET /.
func (e *Engine) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /kickoff", e.handleKickoff)
	mux.HandleFunc("GET /status/{id}", e.handleStatus)
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// FailNextStatus makes the next n status requests answer 503.
func (e *Engine) FailNextStatus(n int) { e.failStatus.Store(int32(n)) }

// FailNextSubmit makes the next n kickoff requests answer 500.
func (e *Engine) FailNextSubmit(n int) { e.failSubmit.Store(int32(n)) }

// StatusHits counts status requests served.
func (e *Engine) StatusHits() int64 { return e.statusHits.Load() }

// Kickoffs returns every accepted submission in arrival order.
func (e *Engine) Kickoffs() []Kickoff {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Kickoff, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.jobs[id].kickoff)
	}
	return out
}

// WaitPushes blocks until every scheduled webhook push has been sent.
func (e *Engine) WaitPushes() { e.pushes.Wait() }

func (e *Engine) authorized(r *http.Request) bool {
	return e.cfg.Token == "" || r.Header.Get("Authorization") == "Bearer "+e.cfg.Token
}

type kickoffBody struct {
	Inputs   domain.JobInputs `json:"inputs"`
	Webhooks *struct {
		URL            string `json:"url"`
		Authentication *struct {
			Token string `json:"token"`
		} `json:"authentication"`
	} `json:"webhooks"`
}

func (e *Engine) handleKickoff(w http.ResponseWriter, r *http.Request) {
	if !e.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	if e.failSubmit.Add(-1) >= 0 {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "engine overloaded"})
		return
	}
	var body kickoffBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "invalid body"})
		return
	}
	if strings.TrimSpace(body.Inputs.CurrentMessage) == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "current_message is required"})
		return
	}

	k := Kickoff{ID: uuid.NewString(), Inputs: body.Inputs}
	if body.Webhooks != nil {
		k.Webhook = body.Webhooks.URL
		if body.Webhooks.Authentication != nil {
			k.Token = body.Webhooks.Authentication.Token
		}
	}
	resp, err := e.cfg.Answer(body.Inputs)
	j := &job{kickoff: k, readyAt: time.Now().Add(e.cfg.Delay), response: resp, err: err}

	e.mu.Lock()
	e.jobs[k.ID] = j
	e.order = append(e.order, k.ID)
	e.mu.Unlock()

	if k.Webhook != "" {
		e.schedulePush(j)
	}
	writeJSON(w, http.StatusOK, map[string]string{"kickoff_id": k.ID})
}

func (e *Engine) handleStatus(w http.ResponseWriter, r *http.Request) {
	e.statusHits.Add(1)
	if !e.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	if e.failStatus.Add(-1) >= 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "try again"})
		return
	}
	e.mu.Lock()
	j, ok := e.jobs[r.PathValue("id")]
	e.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown kickoff id"})
		return
	}

	switch {
	case time.Now().Before(j.readyAt):
		writeJSON(w, http.StatusOK, map[string]any{"state": "RUNNING", "result": nil})
	case j.err != nil:
		writeJSON(w, http.StatusOK, map[string]any{"state": "FAILURE", "error": j.err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"state": "SUCCESS", "result": resultString(j)})
	}
}

func resultString(j *job) string {
	id := j.kickoff.Inputs.ID
	if id == "" {
		id = j.kickoff.ID
	}
	b, _ := json.Marshal(map[string]string{"response": j.response, "id": id})
	return string(b)
}

func (e *Engine) schedulePush(j *job) {
	e.pushes.Add(1)
	go func() {
		defer e.pushes.Done()
		time.Sleep(time.Until(j.readyAt))

		data := map[string]any{"result": resultString(j)}
		if j.err != nil {
			data = map[string]any{"error": j.err.Error()}
		}
		payload, _ := json.Marshal(map[string]any{
			"events": []map[string]any{{
				"type":         "flow_finished",
				"execution_id": j.kickoff.ID,
				"data":         data,
			}},
		})
		for i := 0; i <= e.cfg.PushDuplicates; i++ {
			if err := e.push(j.kickoff, payload); err != nil {
				e.logger.Warn("webhook push failed", "kickoff_id", j.kickoff.ID, "err", err)
			}
		}
	}()
}

func (e *Engine) push(k Kickoff, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.Webhook, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if k.Token != "" {
		req.Header.Set("Authorization", "Bearer "+k.Token)
	}
	resp, err := e.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook answered HTTP %d", resp.StatusCode)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
