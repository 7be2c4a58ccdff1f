// Package session tracks which platform conversations the relay takes part
// in and which backend conversation id each one continues.
package session

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"threadrelay/internal/bus"
	"threadrelay/internal/domain"
)

const lockStripes = 64

// Config configures a Mapper.
type Config struct {
	Store Store
	// ActiveTTL bounds how long a thread stays active after the bot last
	// joined it. Zero keeps threads active for the lifetime of the store.
	ActiveTTL time.Duration
	Events    *bus.EventBus
	Logger    *slog.Logger
	Now       func() time.Time
}

// Mapper is the channel-to-session table. Read-modify-write sequences on a
// key are serialized by striped locks; different keys proceed in parallel.
type Mapper struct {
	store     Store
	activeTTL time.Duration
	events    *bus.EventBus
	logger    *slog.Logger
	now       func() time.Time
	stripes   [lockStripes]sync.Mutex
}

func New(cfg Config) *Mapper {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Mapper{
		store:     cfg.Store,
		activeTTL: cfg.ActiveTTL,
		events:    cfg.Events,
		logger:    cfg.Logger.With("component", "session"),
		now:       cfg.Now,
	}
	if m.activeTTL == 0 {
		m.logger.Warn("active thread tracking has no TTL; threads stay active until the store is cleared")
	}
	return m
}

func (m *Mapper) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &m.stripes[h.Sum32()%lockStripes]
}

// ResolveSessionKey is a convenience wrapper around the package function.
func (m *Mapper) ResolveSessionKey(channel, thread string) string {
	return ResolveSessionKey(channel, thread)
}

// MarkActive records that the bot participates in the conversation at key.
// Marking an already active key refreshes its activity time.
func (m *Mapper) MarkActive(ctx context.Context, key string) error {
	mu := m.lock(key)
	mu.Lock()
	defer mu.Unlock()

	row, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return err
	}
	now := m.now()
	wasActive := ok && m.activeAt(row, now)
	if !ok {
		row = domain.SessionMapping{SessionKey: key}
	}
	row.Active = true
	row.ActiveAt = now
	row.UpdatedAt = now
	if err := m.store.Put(ctx, row); err != nil {
		return err
	}
	if !wasActive {
		m.logger.Debug("session activated", "session", key)
		m.events.Emit(bus.Event{Type: bus.EventSessionActivated, Source: "session", SessionKey: key})
	}
	return nil
}

// IsActive reports whether the bot participates in the conversation at key.
func (m *Mapper) IsActive(ctx context.Context, key string) (bool, error) {
	row, ok, err := m.store.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return m.activeAt(row, m.now()), nil
}

func (m *Mapper) activeAt(row domain.SessionMapping, now time.Time) bool {
	if !row.Active {
		return false
	}
	if m.activeTTL > 0 && now.Sub(row.ActiveAt) > m.activeTTL {
		return false
	}
	return true
}

// GetBackendID returns the backend conversation id last recorded for key.
func (m *Mapper) GetBackendID(ctx context.Context, key string) (string, bool, error) {
	row, ok, err := m.store.Get(ctx, key)
	if err != nil || !ok || row.BackendID == "" {
		return "", false, err
	}
	return row.BackendID, true, nil
}

// SetBackendID records the backend conversation id for key. Concurrent
// writers are serialized and the last write wins.
func (m *Mapper) SetBackendID(ctx context.Context, key, id string) error {
	mu := m.lock(key)
	mu.Lock()
	defer mu.Unlock()

	row, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		row = domain.SessionMapping{SessionKey: key}
	}
	if row.BackendID != "" && row.BackendID != id {
		m.logger.Debug("backend conversation changed", "session", key, "old", row.BackendID, "new", id)
	}
	row.BackendID = id
	row.UpdatedAt = m.now()
	return m.store.Put(ctx, row)
}

// RecordTurn binds key to the conversation id of a finished turn and, when
// activate is set, marks the key active. Both land in a single write, so a
// store failure leaves the previous mapping untouched.
func (m *Mapper) RecordTurn(ctx context.Context, key, id string, activate bool) error {
	mu := m.lock(key)
	mu.Lock()
	defer mu.Unlock()

	row, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return err
	}
	now := m.now()
	wasActive := ok && m.activeAt(row, now)
	if !ok {
		row = domain.SessionMapping{SessionKey: key}
	}
	if row.BackendID != "" && row.BackendID != id {
		m.logger.Debug("backend conversation changed", "session", key, "old", row.BackendID, "new", id)
	}
	row.BackendID = id
	row.UpdatedAt = now
	if activate {
		row.Active = true
		row.ActiveAt = now
	}
	if err := m.store.Put(ctx, row); err != nil {
		return err
	}
	if activate && !wasActive {
		m.logger.Debug("session activated", "session", key)
		m.events.Emit(bus.Event{Type: bus.EventSessionActivated, Source: "session", SessionKey: key})
	}
	return nil
}

// Reset forgets the backend conversation for key so the next turn starts a
// fresh conversation. Participation is kept.
func (m *Mapper) Reset(ctx context.Context, key string) error {
	mu := m.lock(key)
	mu.Lock()
	defer mu.Unlock()

	row, ok, err := m.store.Get(ctx, key)
	if err != nil || !ok {
		return err
	}
	row.BackendID = ""
	row.UpdatedAt = m.now()
	m.logger.Info("session reset", "session", key)
	return m.store.Put(ctx, row)
}

// Lookup returns the full mapping row for key.
func (m *Mapper) Lookup(ctx context.Context, key string) (domain.SessionMapping, error) {
	row, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return domain.SessionMapping{}, err
	}
	if !ok {
		return domain.SessionMapping{}, domain.ErrSessionNotFound
	}
	row.Active = m.activeAt(row, m.now())
	return row, nil
}

// Count reports how many sessions are tracked.
func (m *Mapper) Count(ctx context.Context) (int, error) {
	return m.store.Count(ctx)
}
