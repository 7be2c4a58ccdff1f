package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadrelay/internal/domain"
	"threadrelay/internal/fakeengine"
	"threadrelay/internal/jobs"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.JobEvent
}

func (r *recorder) Receive(ev domain.JobEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func sign(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

const samplePush = `{"events":[
	{"type":"flow_started","execution_id":"k0","data":{}},
	{"type":"flow_finished","execution_id":"k1","data":{"result":"{\"response\":\"Hello!\",\"id\":\"c1\"}"}},
	{"type":"flow_finished","execution_id":"k2","data":{}},
	{"type":"crew_finished","execution_id":"k3","data":{"result":{"response":"obj","conversation_id":"c3"}}},
	{"type":"flow_finished","execution_id":"k4","data":{"error":"boom"}}
]}`

func TestParsePayload(t *testing.T) {
	events, errs := ParsePayload([]byte(samplePush))

	require.Len(t, events, 3)
	assert.Equal(t, "k1", events[0].KickoffID)
	assert.Equal(t, domain.JobResult{Response: "Hello!", ConversationID: "c1"}, events[0].Result)
	assert.Equal(t, "k3", events[1].KickoffID)
	assert.Equal(t, "obj", events[1].Result.Response)
	assert.Equal(t, "k4", events[2].KickoffID)
	assert.Equal(t, "boom", events[2].Err)

	require.Len(t, errs, 1)
	var me *domain.MalformedPushError
	require.ErrorAs(t, errs[0], &me)
	assert.Equal(t, 2, me.Index)
}

func TestParsePayload_Garbage(t *testing.T) {
	events, errs := ParsePayload([]byte(`[1]`))
	assert.Empty(t, events)
	assert.Len(t, errs, 1)

	events, errs = ParsePayload([]byte(`{"events":[{"type":"flow_finished","data":{"result":"x"}}]}`))
	assert.Empty(t, events)
	assert.Len(t, errs, 1)
}

func TestHandler_AcceptsAndForwards(t *testing.T) {
	rec := &recorder{}
	h := NewHandler(HandlerConfig{Receiver: rec, Token: "tok", Logger: testLogger()})

	req := httptest.NewRequest(http.MethodPost, "/api/webhook", strings.NewReader(samplePush))
	req.Header.Set("Authorization", "Bearer tok")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	assert.Equal(t, http.StatusOK, rw.Code)
	assert.JSONEq(t, `{"status":"received"}`, rw.Body.String())
	assert.Len(t, rec.events, 3)
}

func TestHandler_Rejects(t *testing.T) {
	h := NewHandler(HandlerConfig{Receiver: &recorder{}, Token: "tok", Secret: "s3cret", Logger: testLogger()})
	body := `{"events":[]}`

	cases := []struct {
		name   string
		method string
		body   string
		auth   string
		sig    string
		want   int
	}{
		{"wrong method", http.MethodGet, "", "Bearer tok", "", http.StatusMethodNotAllowed},
		{"no token", http.MethodPost, body, "", sign(body, "s3cret"), http.StatusUnauthorized},
		{"wrong token", http.MethodPost, body, "Bearer nope", sign(body, "s3cret"), http.StatusUnauthorized},
		{"no signature", http.MethodPost, body, "Bearer tok", "", http.StatusUnauthorized},
		{"bad signature", http.MethodPost, body, "Bearer tok", sign(body, "other"), http.StatusForbidden},
		{"not json", http.MethodPost, "nope", "Bearer tok", sign("nope", "s3cret"), http.StatusBadRequest},
		{"too large", http.MethodPost, strings.Repeat("x", maxBodyBytes+1), "Bearer tok", "", http.StatusRequestEntityTooLarge},
		{"ok", http.MethodPost, body, "Bearer tok", sign(body, "s3cret"), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/api/webhook", strings.NewReader(tc.body))
			if tc.auth != "" {
				req.Header.Set("Authorization", tc.auth)
			}
			if tc.sig != "" {
				req.Header.Set("X-Signature-256", tc.sig)
			}
			rw := httptest.NewRecorder()
			h.ServeHTTP(rw, req)
			assert.Equal(t, tc.want, rw.Code)
		})
	}
}

// The engine pushes to the relay's webhook while the reasoner waits on the
// dispatcher, including duplicate deliveries of the same event.
func TestPushDelivery_EndToEnd(t *testing.T) {
	d := newDispatcher(t, DispatcherConfig{})
	relay := httptest.NewServer(NewHandler(HandlerConfig{Receiver: d, Token: "hook", Logger: testLogger()}))
	defer relay.Close()

	eng := fakeengine.New(fakeengine.Config{Delay: 20 * time.Millisecond, PushDuplicates: 2, Logger: testLogger()})
	engSrv := httptest.NewServer(eng.Handler())
	defer engSrv.Close()

	gw := jobs.NewGateway(jobs.GatewayConfig{BaseURL: engSrv.URL, Logger: testLogger()})
	r := jobs.NewReasoner(jobs.ReasonerConfig{
		Gateway: gw,
		Awaiter: d,
		Target:  &domain.WebhookTarget{URL: relay.URL + "/api/webhook", Token: "hook"},
		MaxWait: 5 * time.Second,
		Logger:  testLogger(),
	})

	answer, err := r.Answer(context.Background(), domain.ConversationState{ID: "c1", CurrentMessage: "What is the APR?"})
	require.NoError(t, err)
	assert.Equal(t, "You asked: What is the APR?", answer)

	eng.WaitPushes()
	buffered, waiting := d.Pending()
	assert.Zero(t, buffered, "duplicate pushes must not be buffered")
	assert.Zero(t, waiting)
}
