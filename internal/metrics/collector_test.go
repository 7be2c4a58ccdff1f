package metrics

import (
	"io"
	"log/slog"
	"math"
	"net/http/httptest"
	"strings"
	"testing"

	"threadrelay/internal/bus"
)

func TestHandler_RendersSeries(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("t_requests_total", "requests", `code="200"`).Add(3)
	c.Counter("t_requests_total", "requests", `code="500"`).Inc()
	c.Gauge("t_waiters", "waiters", "").Set(2)
	c.Histogram("t_latency_seconds", "latency", "", []float64{1, 5}).Observe(2)

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`t_requests_total{code="200"} 3`,
		`t_requests_total{code="500"} 1`,
		"t_waiters 2",
		`t_latency_seconds_bucket{le="1"} 0`,
		`t_latency_seconds_bucket{le="5"} 1`,
		`t_latency_seconds_bucket{le="+Inf"} 1`,
		"t_latency_seconds_count 1",
		"threadrelay_uptime_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in output:\n%s", want, body)
		}
	}
	if strings.Contains(body, "{_bucket") {
		t.Errorf("bucket suffix rendered inside the label set:\n%s", body)
	}
	if strings.Count(body, "# HELP t_requests_total") != 1 {
		t.Errorf("HELP line should be written once per metric:\n%s", body)
	}
}

func TestHandler_LabelledHistogram(t *testing.T) {
	c := NewMetricsCollector()
	h := c.Histogram("t_wait_seconds", "wait", `mode="push"`, []float64{0.5, math.Inf(1)})
	h.Observe(0.1)
	h.Observe(9)
	c.Histogram("t_wait_seconds", "wait", `mode="pull"`, []float64{0.5}).Observe(1)

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`t_wait_seconds_bucket{mode="push",le="0.5"} 1`,
		`t_wait_seconds_bucket{mode="push",le="+Inf"} 2`,
		`t_wait_seconds_bucket{mode="pull",le="+Inf"} 1`,
		`t_wait_seconds_count{mode="push"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in output:\n%s", want, body)
		}
	}
	if n := strings.Count(body, `t_wait_seconds_bucket{mode="push",le="+Inf"}`); n != 1 {
		t.Errorf("expected one +Inf bucket per series, got %d:\n%s", n, body)
	}
	if strings.Count(body, "# HELP t_wait_seconds") != 1 {
		t.Errorf("HELP line should be written once per metric:\n%s", body)
	}
}

func TestBind_CountsEvents(t *testing.T) {
	c := NewMetricsCollector()
	eb := bus.NewEventBus(10, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.Bind(eb)

	eb.Emit(bus.Event{Type: bus.EventJobSubmitted})
	eb.Emit(bus.Event{Type: bus.EventJobSubmitted})
	eb.Emit(bus.Event{Type: bus.EventTurnCompleted, Detail: map[string]any{"classification": "question"}})

	if got := c.Counter("threadrelay_job_submitted_total", "", "").Value(); got != 2 {
		t.Fatalf("expected 2 submissions, got %d", got)
	}
	if got := c.Counter("threadrelay_turns_by_class_total", "", `class="question"`).Value(); got != 1 {
		t.Fatalf("expected 1 question turn, got %d", got)
	}
}
