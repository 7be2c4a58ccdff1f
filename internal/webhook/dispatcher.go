// Package webhook receives job completions pushed by the reasoning engine
// and hands each one to the request that is waiting for it.
package webhook

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"threadrelay/internal/bus"
	"threadrelay/internal/domain"
	"threadrelay/internal/metrics"
)

const shardCount = 32

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	BufferTTL     time.Duration // how long an unclaimed result is kept, default 10m
	BufferMaxSize int           // max buffered results, default 10000
	DedupeTTL     time.Duration // how long delivered ids are remembered, default 10m
	SweepInterval time.Duration // default 30s
	Events        *bus.EventBus
	Logger        *slog.Logger
	Now           func() time.Time
}

type outcome struct {
	event domain.JobEvent
	err   error
}

// subscription is one waiter. The channel holds at most one outcome.
type subscription struct {
	ch chan outcome
}

type bufferedResult struct {
	event domain.JobEvent
	at    time.Time
}

type shard struct {
	mu     sync.Mutex
	subs   map[string]*subscription
	buffer map[string]bufferedResult
}

// Dispatcher pairs pushed results with waiters regardless of which arrives
// first. A result that finds no waiter is buffered; a waiter that finds no
// result subscribes. Each kickoff id is delivered at most once.
type Dispatcher struct {
	shards      [shardCount]shard
	shardCap    int
	bufferTTL   time.Duration
	seen        *seenCache
	events      *bus.EventBus
	logger      *slog.Logger
	now         func() time.Time
	done        chan struct{}
	closeOnce   sync.Once
	sweeperDone chan struct{}
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.BufferTTL <= 0 {
		cfg.BufferTTL = 10 * time.Minute
	}
	if cfg.BufferMaxSize <= 0 {
		cfg.BufferMaxSize = 10000
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	d := &Dispatcher{
		shardCap:    max(1, cfg.BufferMaxSize/shardCount),
		bufferTTL:   cfg.BufferTTL,
		seen:        newSeenCache(cfg.DedupeTTL, cfg.BufferMaxSize),
		events:      cfg.Events,
		logger:      cfg.Logger.With("component", "webhook"),
		now:         cfg.Now,
		done:        make(chan struct{}),
		sweeperDone: make(chan struct{}),
	}
	for i := range d.shards {
		d.shards[i].subs = make(map[string]*subscription)
		d.shards[i].buffer = make(map[string]bufferedResult)
	}
	go d.sweeper(cfg.SweepInterval)
	return d
}

func (d *Dispatcher) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &d.shards[h.Sum32()%shardCount]
}

func (d *Dispatcher) closed() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// Receive accepts one pushed completion. It is handed to the live waiter for
// its kickoff id if there is one, and buffered otherwise. Duplicates of a
// buffered or already delivered id are dropped.
func (d *Dispatcher) Receive(ev domain.JobEvent) {
	if ev.KickoffID == "" {
		return
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = d.now()
	}
	if d.closed() {
		d.logger.Warn("result received after shutdown, dropped", "kickoff_id", ev.KickoffID)
		return
	}

	s := d.shardFor(ev.KickoffID)
	s.mu.Lock()
	if _, buffered := s.buffer[ev.KickoffID]; buffered || d.seen.contains(ev.KickoffID, ev.ReceivedAt) {
		s.mu.Unlock()
		d.logger.Info("duplicate result ignored", "kickoff_id", ev.KickoffID)
		d.emit(bus.EventWebhookDuplicate, ev.KickoffID)
		return
	}

	if sub, ok := s.subs[ev.KickoffID]; ok {
		delete(s.subs, ev.KickoffID)
		sub.ch <- outcome{event: ev}
		d.seen.mark(ev.KickoffID, ev.ReceivedAt)
		s.mu.Unlock()
		d.logger.Debug("result handed to waiter", "kickoff_id", ev.KickoffID)
		d.emit(bus.EventResultDelivered, ev.KickoffID)
		return
	}

	evicted := ""
	if len(s.buffer) >= d.shardCap {
		evicted = s.evictOldest()
	}
	s.buffer[ev.KickoffID] = bufferedResult{event: ev, at: ev.ReceivedAt}
	s.mu.Unlock()

	if evicted != "" {
		d.logger.Warn("result buffer full, oldest result dropped", "kickoff_id", evicted)
		d.emit(bus.EventResultExpired, evicted)
	} else {
		metrics.BufferedResults.Inc()
	}
	d.logger.Debug("result buffered", "kickoff_id", ev.KickoffID)
	d.emit(bus.EventResultBuffered, ev.KickoffID)
}

// evictOldest removes the oldest buffered result. Must hold s.mu.
func (s *shard) evictOldest() string {
	var oldest string
	var at time.Time
	for id, b := range s.buffer {
		if oldest == "" || b.at.Before(at) {
			oldest, at = id, b.at
		}
	}
	delete(s.buffer, oldest)
	return oldest
}

// AwaitResult returns the result for kickoffID, waiting up to timeout for it
// to be pushed. A newer waiter for the same id supersedes this one. Failed
// jobs come back as *domain.FailureError and an expired wait as
// *domain.TimeoutError.
func (d *Dispatcher) AwaitResult(ctx context.Context, kickoffID string, timeout time.Duration) (domain.JobResult, error) {
	if d.closed() {
		return domain.JobResult{}, domain.ErrDispatcherClosed
	}
	start := d.now()
	s := d.shardFor(kickoffID)

	s.mu.Lock()
	if b, ok := s.buffer[kickoffID]; ok {
		delete(s.buffer, kickoffID)
		d.seen.mark(kickoffID, d.now())
		s.mu.Unlock()
		metrics.BufferedResults.Dec()
		d.emit(bus.EventResultDelivered, kickoffID)
		return d.finish(b.event, start)
	}
	sub := &subscription{ch: make(chan outcome, 1)}
	if prev, ok := s.subs[kickoffID]; ok {
		prev.ch <- outcome{err: domain.ErrSuperseded}
		d.logger.Warn("waiter replaced by a newer one", "kickoff_id", kickoffID)
		d.emit(bus.EventSubscriberReplace, kickoffID)
	}
	s.subs[kickoffID] = sub
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-sub.ch:
		if o.err != nil {
			return domain.JobResult{}, o.err
		}
		return d.finish(o.event, start)
	case <-timer.C:
	case <-ctx.Done():
	case <-d.done:
	}

	s.mu.Lock()
	if s.subs[kickoffID] == sub {
		delete(s.subs, kickoffID)
	}
	s.mu.Unlock()

	// A hand-off may have landed between the wake-up and the deregistration.
	select {
	case o := <-sub.ch:
		if o.err != nil {
			return domain.JobResult{}, o.err
		}
		return d.finish(o.event, start)
	default:
	}

	switch {
	case ctx.Err() != nil:
		return domain.JobResult{}, ctx.Err()
	case d.closed():
		return domain.JobResult{}, domain.ErrDispatcherClosed
	}
	waited := d.now().Sub(start)
	d.logger.Warn("no result pushed in time", "kickoff_id", kickoffID, "waited", waited)
	d.emit(bus.EventJobTimedOut, kickoffID)
	return domain.JobResult{}, &domain.TimeoutError{KickoffID: kickoffID, Waited: waited}
}

func (d *Dispatcher) finish(ev domain.JobEvent, start time.Time) (domain.JobResult, error) {
	if ev.Err != "" {
		d.emit(bus.EventJobFailed, ev.KickoffID)
		return domain.JobResult{}, &domain.FailureError{KickoffID: ev.KickoffID, Detail: ev.Err}
	}
	metrics.JobLatency.Observe(d.now().Sub(start).Seconds())
	d.emit(bus.EventJobSucceeded, ev.KickoffID)
	return ev.Result, nil
}

// Pending reports how many results are buffered and how many waiters are
// subscribed.
func (d *Dispatcher) Pending() (buffered, waiting int) {
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.Lock()
		buffered += len(s.buffer)
		waiting += len(s.subs)
		s.mu.Unlock()
	}
	return buffered, waiting
}

// Sweep drops buffered results older than the buffer TTL and forgets
// delivered ids past the dedupe TTL.
func (d *Dispatcher) Sweep() {
	now := d.now()
	var expired []string
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.Lock()
		for id, b := range s.buffer {
			if now.Sub(b.at) >= d.bufferTTL {
				delete(s.buffer, id)
				expired = append(expired, id)
			}
		}
		s.mu.Unlock()
	}
	forgotten := d.seen.expire(now)

	for _, id := range expired {
		metrics.BufferedResults.Dec()
		d.emit(bus.EventResultExpired, id)
	}
	if len(expired) > 0 || forgotten > 0 {
		d.logger.Info("swept webhook state", "expired_results", len(expired), "forgotten_ids", forgotten)
	}
}

func (d *Dispatcher) sweeper(interval time.Duration) {
	defer close(d.sweeperDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.Sweep()
		case <-d.done:
			return
		}
	}
}

// Close stops the sweeper and releases every waiter with
// domain.ErrDispatcherClosed. It is safe to call more than once.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
		<-d.sweeperDone
	})
}

func (d *Dispatcher) emit(eventType, kickoffID string) {
	d.events.Emit(bus.Event{Type: eventType, Source: "webhook", KickoffID: kickoffID})
}
