package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lifecycle notification about jobs, deliveries and turns.
type Event struct {
	Type       string         `json:"type"`
	Source     string         `json:"source"`
	KickoffID  string         `json:"kickoff_id,omitempty"`
	SessionKey string         `json:"session_key,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus is a topic-based publish/subscribe system for lifecycle events.
// Handlers registered under "*" receive every event. A bounded history is
// kept for replay by the status endpoint.
type EventBus struct {
	handlers   map[string][]namedHandler
	mu         sync.RWMutex
	nextID     atomic.Uint64
	logger     *slog.Logger
	history    []Event
	maxHistory int
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

// NewEventBus creates an EventBus that keeps the last maxHistory events
// (1000 when maxHistory <= 0).
func NewEventBus(maxHistory int, logger *slog.Logger) *EventBus {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: maxHistory,
	}
}

// On registers a handler for the given event type and returns its ID.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	id := eventType + "-" + strconv.FormatUint(eb.nextID.Add(1), 10)
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit publishes an event to all registered handlers synchronously, in
// registration order. A panicking handler is logged and skipped.
// A nil EventBus discards events.
func (eb *EventBus) Emit(event Event) {
	if eb == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// Replay returns historical events of the given type ("*" for all) at or
// after since.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// HistoryLen returns the current number of events in the history buffer.
func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}

const (
	EventJobSubmitted      = "job.submitted"
	EventJobSucceeded      = "job.succeeded"
	EventJobFailed         = "job.failed"
	EventJobTimedOut       = "job.timeout"
	EventWebhookReceived   = "webhook.received"
	EventWebhookDuplicate  = "webhook.duplicate"
	EventWebhookMalformed  = "webhook.malformed"
	EventResultBuffered    = "result.buffered"
	EventResultDelivered   = "result.delivered"
	EventResultExpired     = "result.expired"
	EventSubscriberReplace = "subscriber.replaced"
	EventTurnCompleted     = "turn.completed"
	EventTurnFailed        = "turn.failed"
	EventSessionActivated  = "session.activated"
)
