package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testEBLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(0, testEBLogger())

	var received int32
	eb.On(EventJobSubmitted, func(e Event) {
		if e.KickoffID != "k1" {
			t.Errorf("unexpected kickoff id %q", e.KickoffID)
		}
		atomic.AddInt32(&received, 1)
	})

	eb.Emit(Event{Type: EventJobSubmitted, KickoffID: "k1"})

	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("expected 1 event received, got %d", received)
	}
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := NewEventBus(0, testEBLogger())

	var count int32
	eb.On("*", func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: EventWebhookReceived})
	eb.Emit(Event{Type: EventResultBuffered})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestEventBus_Off(t *testing.T) {
	eb := NewEventBus(0, testEBLogger())

	var count int32
	id := eb.On(EventTurnCompleted, func(e Event) {
		atomic.AddInt32(&count, 1)
	})
	other := eb.On(EventTurnCompleted, func(e Event) {})
	if id == other {
		t.Fatalf("handler ids must be unique, got %q twice", id)
	}

	eb.Emit(Event{Type: EventTurnCompleted})
	eb.Off(EventTurnCompleted, id)
	eb.Emit(Event{Type: EventTurnCompleted})

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 after unsubscribe, got %d", count)
	}
}

func TestEventBus_Replay(t *testing.T) {
	eb := NewEventBus(0, testEBLogger())

	eb.Emit(Event{Type: EventJobSubmitted})
	eb.Emit(Event{Type: EventJobFailed})
	eb.Emit(Event{Type: EventJobSubmitted})

	if events := eb.Replay(EventJobSubmitted, time.Time{}); len(events) != 2 {
		t.Errorf("expected 2 submitted events, got %d", len(events))
	}
	if all := eb.Replay("*", time.Time{}); len(all) != 3 {
		t.Errorf("expected 3 total events, got %d", len(all))
	}
}

func TestEventBus_ReplaySince(t *testing.T) {
	eb := NewEventBus(0, testEBLogger())

	eb.Emit(Event{Type: "old", Timestamp: time.Now().Add(-time.Hour)})
	threshold := time.Now()
	eb.Emit(Event{Type: "new"})

	events := eb.Replay("*", threshold)
	if len(events) != 1 {
		t.Errorf("expected 1 event since threshold, got %d", len(events))
	}
}

func TestEventBus_HistoryLimit(t *testing.T) {
	eb := NewEventBus(5, testEBLogger())

	for i := 0; i < 10; i++ {
		eb.Emit(Event{Type: "test"})
	}

	if eb.HistoryLen() != 5 {
		t.Errorf("expected 5, got %d", eb.HistoryLen())
	}
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := NewEventBus(0, testEBLogger())

	var after int32
	eb.On("panic", func(e Event) {
		panic("test panic")
	})
	eb.On("panic", func(e Event) { atomic.AddInt32(&after, 1) })

	eb.Emit(Event{Type: "panic"})

	if atomic.LoadInt32(&after) != 1 {
		t.Error("handler after a panicking one should still run")
	}
}

func TestEventBus_NilIsNoop(t *testing.T) {
	var eb *EventBus
	eb.Emit(Event{Type: "ignored"})
}

func TestEventBus_TimestampAutoSet(t *testing.T) {
	eb := NewEventBus(0, testEBLogger())

	before := time.Now()
	eb.Emit(Event{Type: "test"})

	events := eb.Replay("test", before.Add(-time.Second))
	if len(events) == 0 {
		t.Fatal("expected at least 1 event")
	}
	if events[0].Timestamp.IsZero() {
		t.Error("timestamp should be auto-set")
	}
}
