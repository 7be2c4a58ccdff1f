package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"threadrelay/internal/domain"
)

const defaultPublishTimeout = 10 * time.Second

// InMemoryBus is a Go-channel based message bus for in-process communication.
// Inbound messages queue on a single buffered channel; outbound messages are
// dispatched synchronously to the handler registered for their channel.
type InMemoryBus struct {
	inbound        chan domain.InboundMessage
	handlers       map[string]func(domain.OutboundMessage)
	mu             sync.RWMutex
	closed         bool
	publishTimeout time.Duration
	dropped        atomic.Int64
	logger         *slog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		inbound:        make(chan domain.InboundMessage, bufferSize),
		handlers:       make(map[string]func(domain.OutboundMessage)),
		publishTimeout: defaultPublishTimeout,
		logger:         logger.With("component", "bus"),
	}
}

// Publish blocks up to the publish timeout when the bus is full, then drops.
func (b *InMemoryBus) Publish(msg domain.InboundMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "channel", msg.Channel)
		return
	}

	select {
	case b.inbound <- msg:
		return
	default:
	}

	b.logger.Warn("inbound bus full, waiting", "channel", msg.Channel, "chat", msg.ChatID)
	timer := time.NewTimer(b.publishTimeout)
	defer timer.Stop()
	select {
	case b.inbound <- msg:
		b.logger.Info("message delivered after wait", "channel", msg.Channel)
	case <-timer.C:
		b.dropped.Add(1)
		b.logger.Error("message dropped: bus full",
			"channel", msg.Channel,
			"chat", msg.ChatID,
			"waited", b.publishTimeout,
		)
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.InboundMessage {
	return b.inbound
}

func (b *InMemoryBus) SendOutbound(msg domain.OutboundMessage) {
	b.mu.RLock()
	handler, ok := b.handlers[msg.Channel]
	b.mu.RUnlock()

	if !ok {
		b.logger.Warn("no handler registered for channel",
			"channel", msg.Channel,
			"chat", msg.ChatID,
		)
		return
	}

	handler(msg)
}

func (b *InMemoryBus) OnOutbound(channelName string, handler func(domain.OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channelName] = handler
}

// Dropped reports how many inbound messages were discarded because the bus
// stayed full for the whole publish timeout.
func (b *InMemoryBus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
