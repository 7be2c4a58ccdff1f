package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadrelay/internal/domain"
	"threadrelay/internal/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestResolveSessionKey(t *testing.T) {
	assert.Equal(t, "C123_1700000000.0001", ResolveSessionKey("C123", "1700000000.0001"))
	assert.Equal(t, "D42", ResolveSessionKey("D42", ""))
	assert.Equal(t, ResolveSessionKey("C1", "t"), ResolveSessionKey("C1", "t"))
}

func TestResolveSessionKey_Injective(t *testing.T) {
	pairs := [][2]string{
		{"a_b", "c"},
		{"a", "b_c"},
		{"a_b_c", ""},
		{"a", "b"},
		{"a%5Fb", "c"},
		{"a_b", ""},
		{"a", ""},
		{"a", "_"},
		{"a_", ""},
	}
	seen := map[string][2]string{}
	for _, p := range pairs {
		k := ResolveSessionKey(p[0], p[1])
		if prev, dup := seen[k]; dup {
			t.Fatalf("key %q produced by both %v and %v", k, prev, p)
		}
		seen[k] = p
	}
}

func newTestMapper(t *testing.T, store Store, ttl time.Duration, now func() time.Time) *Mapper {
	t.Helper()
	return New(Config{Store: store, ActiveTTL: ttl, Logger: testLogger(), Now: now})
}

func exerciseMapper(t *testing.T, store Store) {
	ctx := context.Background()
	m := newTestMapper(t, store, 0, nil)
	key := m.ResolveSessionKey("slack:C1", "1.1")

	active, err := m.IsActive(ctx, key)
	require.NoError(t, err)
	assert.False(t, active)

	_, ok, err := m.GetBackendID(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.MarkActive(ctx, key))
	require.NoError(t, m.MarkActive(ctx, key))
	active, err = m.IsActive(ctx, key)
	require.NoError(t, err)
	assert.True(t, active)

	require.NoError(t, m.SetBackendID(ctx, key, "conv-1"))
	require.NoError(t, m.SetBackendID(ctx, key, "conv-2"))
	id, ok, err := m.GetBackendID(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "conv-2", id)

	require.NoError(t, m.Reset(ctx, key))
	_, ok, err = m.GetBackendID(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	active, err = m.IsActive(ctx, key)
	require.NoError(t, err)
	assert.True(t, active, "reset keeps participation")

	n, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.Lookup(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestMapper_MemoryStore(t *testing.T) {
	exerciseMapper(t, NewMemoryStore())
}

func TestMapper_SQLiteStore(t *testing.T) {
	db, err := memory.OpenSQLite(filepath.Join(t.TempDir(), "relay.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	exerciseMapper(t, NewSQLiteStore(db))
}

func TestMapper_SetBackendIDWithoutActivation(t *testing.T) {
	ctx := context.Background()
	m := newTestMapper(t, NewMemoryStore(), 0, nil)

	require.NoError(t, m.SetBackendID(ctx, "D9", "conv-9"))
	active, err := m.IsActive(ctx, "D9")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestMapper_RecordTurn(t *testing.T) {
	ctx := context.Background()
	m := newTestMapper(t, NewMemoryStore(), 0, nil)

	require.NoError(t, m.RecordTurn(ctx, "C1_t1", "conv-1", false))
	active, err := m.IsActive(ctx, "C1_t1")
	require.NoError(t, err)
	assert.False(t, active)

	require.NoError(t, m.RecordTurn(ctx, "C1_t1", "conv-2", true))
	row, err := m.Lookup(ctx, "C1_t1")
	require.NoError(t, err)
	assert.Equal(t, "conv-2", row.BackendID)
	assert.True(t, row.Active)

	// A later turn without activation keeps the thread active.
	require.NoError(t, m.RecordTurn(ctx, "C1_t1", "conv-2", false))
	active, err = m.IsActive(ctx, "C1_t1")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestMapper_ActiveTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	m := newTestMapper(t, NewMemoryStore(), time.Hour, clock)

	require.NoError(t, m.MarkActive(ctx, "k"))
	now = now.Add(59 * time.Minute)
	active, _ := m.IsActive(ctx, "k")
	assert.True(t, active)

	now = now.Add(2 * time.Minute)
	active, _ = m.IsActive(ctx, "k")
	assert.False(t, active, "activity older than the TTL reads as inactive")

	require.NoError(t, m.MarkActive(ctx, "k"))
	active, _ = m.IsActive(ctx, "k")
	assert.True(t, active, "re-marking refreshes the TTL")
}

func TestMapper_ConcurrentWritersSameKey(t *testing.T) {
	ctx := context.Background()
	m := newTestMapper(t, NewMemoryStore(), 0, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, m.SetBackendID(ctx, "hot", fmt.Sprintf("conv-%d", i)))
		}(i)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.MarkActive(ctx, "hot"))
		}()
	}
	wg.Wait()

	row, err := m.Lookup(ctx, "hot")
	require.NoError(t, err)
	assert.True(t, row.Active, "activation must not be lost to a concurrent backend id write")
	assert.NotEmpty(t, row.BackendID)
}
