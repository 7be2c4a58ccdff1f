package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadrelay/internal/domain"
	"threadrelay/internal/fakeengine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T, cfg fakeengine.Config) (*fakeengine.Engine, *Gateway) {
	t.Helper()
	cfg.Logger = testLogger()
	eng := fakeengine.New(cfg)
	srv := httptest.NewServer(eng.Handler())
	t.Cleanup(srv.Close)
	gw := NewGateway(GatewayConfig{BaseURL: srv.URL, Token: cfg.Token, Logger: testLogger()})
	return eng, gw
}

func TestSubmit_SendsInputsAndWebhook(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/kickoff", r.URL.Path)
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"kickoff_id":"k-1"}`))
	}))
	defer srv.Close()

	gw := NewGateway(GatewayConfig{BaseURL: srv.URL + "/", Token: "engine-secret", Logger: testLogger()})
	id, err := gw.Submit(context.Background(),
		domain.JobInputs{CurrentMessage: "hi", ID: "conv-1"},
		&domain.WebhookTarget{URL: "https://relay/api/webhook", Token: "hook-secret"},
	)
	require.NoError(t, err)
	assert.Equal(t, "k-1", id)
	assert.Equal(t, "Bearer engine-secret", auth)

	inputs := got["inputs"].(map[string]any)
	assert.Equal(t, "hi", inputs["current_message"])
	assert.Equal(t, "conv-1", inputs["id"])

	hooks := got["webhooks"].(map[string]any)
	assert.Equal(t, "https://relay/api/webhook", hooks["url"])
	assert.Equal(t, true, hooks["realtime"])
	assert.Equal(t, []any{"flow_finished"}, hooks["events"])
	assert.Equal(t, map[string]any{"strategy": "bearer", "token": "hook-secret"}, hooks["authentication"])
}

func TestSubmit_OmitsWebhookInPullMode(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"kickoff_id":"k-2"}`))
	}))
	defer srv.Close()

	gw := NewGateway(GatewayConfig{BaseURL: srv.URL, Logger: testLogger()})
	_, err := gw.Submit(context.Background(), domain.JobInputs{CurrentMessage: "hi"}, nil)
	require.NoError(t, err)
	assert.NotContains(t, got, "webhooks")
	assert.NotContains(t, got["inputs"], "id")
}

func TestSubmit_Errors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"rejected": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad token", http.StatusUnauthorized)
		},
		"no kickoff id": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		},
		"not json": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			gw := NewGateway(GatewayConfig{BaseURL: srv.URL, Logger: testLogger()})

			_, err := gw.Submit(context.Background(), domain.JobInputs{CurrentMessage: "x"}, nil)
			var se *domain.SubmissionError
			require.ErrorAs(t, err, &se)
		})
	}
}

func TestSubmit_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	gw := NewGateway(GatewayConfig{BaseURL: url, Logger: testLogger()})
	_, err := gw.Submit(context.Background(), domain.JobInputs{CurrentMessage: "x"}, nil)
	var se *domain.SubmissionError
	require.ErrorAs(t, err, &se)
	assert.Zero(t, se.StatusCode)
}

func TestSubmit_NotRetried(t *testing.T) {
	eng, gw := newEngine(t, fakeengine.Config{})
	eng.FailNextSubmit(1)

	_, err := gw.Submit(context.Background(), domain.JobInputs{CurrentMessage: "x"}, nil)
	var se *domain.SubmissionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.StatusCode)
	assert.Empty(t, eng.Kickoffs())
}

func TestPollUntilDone_Success(t *testing.T) {
	_, gw := newEngine(t, fakeengine.Config{Token: "tok", Delay: 30 * time.Millisecond})

	id, err := gw.Submit(context.Background(), domain.JobInputs{CurrentMessage: "What is covered?", ID: "conv-7"}, nil)
	require.NoError(t, err)

	res, err := gw.PollUntilDone(context.Background(), id, 10*time.Millisecond, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "You asked: What is covered?", res.Response)
	assert.Equal(t, "conv-7", res.ConversationID)
}

func TestPollUntilDone_Failure(t *testing.T) {
	_, gw := newEngine(t, fakeengine.Config{Answer: func(domain.JobInputs) (string, error) {
		return "", errors.New("knowledge source unavailable")
	}})

	id, err := gw.Submit(context.Background(), domain.JobInputs{CurrentMessage: "x"}, nil)
	require.NoError(t, err)

	_, err = gw.PollUntilDone(context.Background(), id, 10*time.Millisecond, time.Second)
	var fe *domain.FailureError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Detail, "knowledge source unavailable")
}

func TestPollUntilDone_Timeout(t *testing.T) {
	_, gw := newEngine(t, fakeengine.Config{Delay: time.Hour})

	id, err := gw.Submit(context.Background(), domain.JobInputs{CurrentMessage: "x"}, nil)
	require.NoError(t, err)

	start := time.Now()
	res, err := gw.PollUntilDone(context.Background(), id, 10*time.Millisecond, 80*time.Millisecond)
	var te *domain.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, id, te.KickoffID)
	assert.Empty(t, res.Response, "a timeout must not look like an empty success")
	assert.Less(t, time.Since(start), time.Second)
}

func TestPollUntilDone_ToleratesTransientErrors(t *testing.T) {
	eng, gw := newEngine(t, fakeengine.Config{})
	eng.FailNextStatus(3)

	id, err := gw.Submit(context.Background(), domain.JobInputs{CurrentMessage: "x"}, nil)
	require.NoError(t, err)

	res, err := gw.PollUntilDone(context.Background(), id, 5*time.Millisecond, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "You asked: x", res.Response)
	assert.GreaterOrEqual(t, eng.StatusHits(), int64(4))
}

func TestPollUntilDone_TransientUntilDeadlineIsTimeout(t *testing.T) {
	eng, gw := newEngine(t, fakeengine.Config{})
	eng.FailNextStatus(1 << 20)

	id, err := gw.Submit(context.Background(), domain.JobInputs{CurrentMessage: "x"}, nil)
	require.NoError(t, err)

	_, err = gw.PollUntilDone(context.Background(), id, 5*time.Millisecond, 50*time.Millisecond)
	var te *domain.TimeoutError
	require.ErrorAs(t, err, &te)
}

func TestPollUntilDone_UnknownJobAborts(t *testing.T) {
	_, gw := newEngine(t, fakeengine.Config{})

	_, err := gw.PollUntilDone(context.Background(), "nope", 5*time.Millisecond, time.Second)
	require.Error(t, err)
	var te *domain.TimeoutError
	assert.False(t, errors.As(err, &te))
}

func TestPollUntilDone_ContextCancel(t *testing.T) {
	_, gw := newEngine(t, fakeengine.Config{Delay: time.Hour})
	id, err := gw.Submit(context.Background(), domain.JobInputs{CurrentMessage: "x"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	_, err = gw.PollUntilDone(ctx, id, 5*time.Millisecond, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStatus_NormalizesStates(t *testing.T) {
	var state atomic.Value
	state.Store("RUNNING")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"state": state.Load(), "result": map[string]string{"response": "obj"}})
	}))
	defer srv.Close()
	gw := NewGateway(GatewayConfig{BaseURL: srv.URL, Logger: testLogger()})

	job, err := gw.Status(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, job.State)

	state.Store("completed")
	job, err = gw.Status(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, domain.JobSuccess, job.State)
	assert.JSONEq(t, `{"response":"obj"}`, job.Result)
}

func TestParseResult(t *testing.T) {
	res, err := ParseResult(`{"response":"hello","id":"c1"}`)
	require.NoError(t, err)
	assert.Equal(t, domain.JobResult{Response: "hello", ConversationID: "c1"}, res)

	res, err = ParseResult(`"{\"response\":\"nested\",\"id\":\"c2\"}"`)
	require.NoError(t, err)
	assert.Equal(t, "nested", res.Response)
	assert.Equal(t, "c2", res.ConversationID)

	res, err = ParseResult(`{"response":"","conversation_id":"c3"}`)
	require.NoError(t, err)
	assert.Equal(t, "c3", res.ConversationID)

	res, err = ParseResult("plain text answer")
	require.NoError(t, err)
	assert.Equal(t, "plain text answer", res.Response)

	for _, bad := range []string{"", "  ", `{"id":"c"}`, `[1,2]`} {
		_, err := ParseResult(bad)
		assert.Error(t, err, bad)
	}
}
