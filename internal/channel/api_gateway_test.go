package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadrelay/internal/orchestrator"
)

type recordingReplier struct {
	mu   sync.Mutex
	reqs []orchestrator.TurnRequest
}

func (r *recordingReplier) Reply(_ context.Context, req orchestrator.TurnRequest) orchestrator.TurnReply {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	return orchestrator.TurnReply{Response: "reply to " + req.Message}
}

func postCompletion(h http.Handler, body, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPIGateway_ChatCompletion(t *testing.T) {
	r := &recordingReplier{}
	g := NewAPIGateway(APIGatewayConfig{APIKey: "k", Replier: r, Logger: testLogger()})
	h := g.Handler()

	body := `{"model":"m","user":"alice","messages":[{"role":"system","content":"be nice"},{"role":"user","content":"first"},{"role":"assistant","content":"ok"},{"role":"user","content":"what is my APR?"}]}`
	rec := postCompletion(h, body, "k")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp oaiCompatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "reply to what is my APR?", resp.Choices[0].Message.Content)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, "m", resp.Model)

	rec = postCompletion(h, `{"user":"alice","messages":[{"role":"user","content":"again"}]}`, "k")
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, r.reqs, 2)
	assert.Equal(t, "api:alice", r.reqs[0].Channel)
	assert.Equal(t, r.reqs[0].Channel, r.reqs[1].Channel, "same user, same session")
}

func TestAPIGateway_AnonymousCallsDoNotShareSessions(t *testing.T) {
	r := &recordingReplier{}
	h := NewAPIGateway(APIGatewayConfig{Replier: r, Logger: testLogger()}).Handler()

	for i := 0; i < 2; i++ {
		rec := postCompletion(h, `{"messages":[{"role":"user","content":"hi"}]}`, "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	require.Len(t, r.reqs, 2)
	assert.NotEqual(t, r.reqs[0].Channel, r.reqs[1].Channel)
}

func TestAPIGateway_Rejects(t *testing.T) {
	r := &recordingReplier{}
	h := NewAPIGateway(APIGatewayConfig{APIKey: "k", Replier: r, Logger: testLogger()}).Handler()

	tests := []struct {
		name string
		body string
		key  string
		code int
	}{
		{"no key", `{"messages":[{"role":"user","content":"hi"}]}`, "", http.StatusUnauthorized},
		{"wrong key", `{"messages":[{"role":"user","content":"hi"}]}`, "x", http.StatusUnauthorized},
		{"bad json", `{`, "k", http.StatusBadRequest},
		{"no user message", `{"messages":[{"role":"system","content":"hi"}]}`, "k", http.StatusBadRequest},
		{"stream", `{"stream":true,"messages":[{"role":"user","content":"hi"}]}`, "k", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := postCompletion(h, tc.body, tc.key)
			assert.Equal(t, tc.code, rec.Code)
		})
	}
	assert.Empty(t, r.reqs)
}

func TestAPIGateway_Models(t *testing.T) {
	h := NewAPIGateway(APIGatewayConfig{Model: "card-bot", Logger: testLogger()}).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	assert.Contains(t, rec.Body.String(), `"card-bot"`)
}
