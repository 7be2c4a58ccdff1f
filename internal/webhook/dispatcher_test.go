package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadrelay/internal/bus"
	"threadrelay/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDispatcher(t *testing.T, cfg DispatcherConfig) *Dispatcher {
	t.Helper()
	cfg.Logger = testLogger()
	d := NewDispatcher(cfg)
	t.Cleanup(d.Close)
	return d
}

func result(id, text string) domain.JobEvent {
	return domain.JobEvent{KickoffID: id, Result: domain.JobResult{Response: text, ConversationID: "conv-" + id}}
}

func TestAwait_ResultArrivesFirst(t *testing.T) {
	d := newDispatcher(t, DispatcherConfig{})
	d.Receive(result("k1", "early"))

	buffered, _ := d.Pending()
	assert.Equal(t, 1, buffered)

	res, err := d.AwaitResult(context.Background(), "k1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "early", res.Response)
	assert.Equal(t, "conv-k1", res.ConversationID)

	buffered, waiting := d.Pending()
	assert.Zero(t, buffered)
	assert.Zero(t, waiting)
}

func TestAwait_SubscriberFirst(t *testing.T) {
	d := newDispatcher(t, DispatcherConfig{})

	done := make(chan domain.JobResult, 1)
	go func() {
		res, err := d.AwaitResult(context.Background(), "k1", 5*time.Second)
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool {
		_, waiting := d.Pending()
		return waiting == 1
	}, time.Second, time.Millisecond)
	d.Receive(result("k1", "late"))

	select {
	case res := <-done:
		assert.Equal(t, "late", res.Response)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestAwait_Timeout(t *testing.T) {
	d := newDispatcher(t, DispatcherConfig{})

	_, err := d.AwaitResult(context.Background(), "k1", 20*time.Millisecond)
	var te *domain.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "k1", te.KickoffID)

	_, waiting := d.Pending()
	assert.Zero(t, waiting, "timed out waiter must deregister")

	// A result arriving after the timeout is buffered for a later waiter.
	d.Receive(result("k1", "after"))
	res, err := d.AwaitResult(context.Background(), "k1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "after", res.Response)
}

func TestAwait_ContextCancel(t *testing.T) {
	d := newDispatcher(t, DispatcherConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := d.AwaitResult(ctx, "k1", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAwait_FailedJob(t *testing.T) {
	d := newDispatcher(t, DispatcherConfig{})
	d.Receive(domain.JobEvent{KickoffID: "k1", Err: "crew crashed"})

	_, err := d.AwaitResult(context.Background(), "k1", time.Second)
	var fe *domain.FailureError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "crew crashed", fe.Detail)
}

func TestAwait_NewerWaiterSupersedes(t *testing.T) {
	d := newDispatcher(t, DispatcherConfig{})

	first := make(chan error, 1)
	go func() {
		_, err := d.AwaitResult(context.Background(), "k1", 5*time.Second)
		first <- err
	}()
	require.Eventually(t, func() bool {
		_, waiting := d.Pending()
		return waiting == 1
	}, time.Second, time.Millisecond)

	second := make(chan domain.JobResult, 1)
	go func() {
		res, _ := d.AwaitResult(context.Background(), "k1", 5*time.Second)
		second <- res
	}()

	assert.ErrorIs(t, <-first, domain.ErrSuperseded)
	require.Eventually(t, func() bool {
		_, waiting := d.Pending()
		return waiting == 1
	}, time.Second, time.Millisecond)

	d.Receive(result("k1", "for the second"))
	assert.Equal(t, "for the second", (<-second).Response)
}

func TestReceive_DuplicatesIgnored(t *testing.T) {
	eb := bus.NewEventBus(100, testLogger())
	var dups int
	var mu sync.Mutex
	eb.On(bus.EventWebhookDuplicate, func(bus.Event) {
		mu.Lock()
		dups++
		mu.Unlock()
	})
	d := newDispatcher(t, DispatcherConfig{Events: eb})

	d.Receive(result("k1", "first"))
	d.Receive(result("k1", "second"))
	res, err := d.AwaitResult(context.Background(), "k1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", res.Response)

	// Delivered ids are remembered, so a late replay is not buffered again.
	d.Receive(result("k1", "third"))
	buffered, _ := d.Pending()
	assert.Zero(t, buffered)

	mu.Lock()
	assert.Equal(t, 2, dups)
	mu.Unlock()
}

func TestSweep_ExpiresBufferedResults(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	d := newDispatcher(t, DispatcherConfig{BufferTTL: time.Minute, DedupeTTL: time.Minute, Now: clock.Now})

	d.Receive(result("old", "x"))
	clock.Advance(30 * time.Second)
	d.Receive(result("new", "y"))
	clock.Advance(45 * time.Second)
	d.Sweep()

	buffered, _ := d.Pending()
	assert.Equal(t, 1, buffered)
	_, err := d.AwaitResult(context.Background(), "old", 10*time.Millisecond)
	var te *domain.TimeoutError
	assert.ErrorAs(t, err, &te)
}

func TestSweep_ForgetsDeliveredIDs(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	d := newDispatcher(t, DispatcherConfig{DedupeTTL: time.Minute, Now: clock.Now})

	d.Receive(result("k1", "x"))
	_, err := d.AwaitResult(context.Background(), "k1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, d.seen.len())

	clock.Advance(2 * time.Minute)
	d.Sweep()
	assert.Zero(t, d.seen.len())
}

func TestReceive_BufferCapEvictsOldest(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	d := newDispatcher(t, DispatcherConfig{BufferMaxSize: shardCount, Now: clock.Now})

	// With one slot per shard, any two ids in the same shard collide.
	var a, b string
	s0 := d.shardFor("id-0")
	a = "id-0"
	for i := 1; b == ""; i++ {
		if id := fmt.Sprintf("id-%d", i); d.shardFor(id) == s0 {
			b = id
		}
	}
	d.Receive(result(a, "a"))
	clock.Advance(time.Second)
	d.Receive(result(b, "b"))

	_, err := d.AwaitResult(context.Background(), a, 10*time.Millisecond)
	var te *domain.TimeoutError
	assert.ErrorAs(t, err, &te)
	res, err := d.AwaitResult(context.Background(), b, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", res.Response)
}

func TestClose_ReleasesWaiters(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Logger: testLogger()})
	errCh := make(chan error, 1)
	go func() {
		_, err := d.AwaitResult(context.Background(), "k1", time.Minute)
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		_, waiting := d.Pending()
		return waiting == 1
	}, time.Second, time.Millisecond)

	d.Close()
	d.Close()
	assert.ErrorIs(t, <-errCh, domain.ErrDispatcherClosed)

	_, err := d.AwaitResult(context.Background(), "k2", time.Second)
	assert.ErrorIs(t, err, domain.ErrDispatcherClosed)
}

// Every result must reach exactly one waiter no matter how receive and
// subscribe interleave.
func TestDispatcher_RaceExactlyOnce(t *testing.T) {
	d := newDispatcher(t, DispatcherConfig{})
	const n = 500

	var wg sync.WaitGroup
	got := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("k%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			res, err := d.AwaitResult(context.Background(), id, 5*time.Second)
			got[i], errs[i] = res.Response, err
		}()
		go func() {
			defer wg.Done()
			d.Receive(result(id, id))
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i], "k%d", i)
		assert.Equal(t, fmt.Sprintf("k%d", i), got[i])
	}
	buffered, waiting := d.Pending()
	assert.Zero(t, buffered)
	assert.Zero(t, waiting)
}

func TestAwait_TimeoutRaceNeverLosesResult(t *testing.T) {
	d := newDispatcher(t, DispatcherConfig{})
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("r%d", i)
		go d.Receive(result(id, "v"))
		_, err := d.AwaitResult(context.Background(), id, time.Duration(i%3)*time.Microsecond)
		if err == nil {
			continue
		}
		var te *domain.TimeoutError
		require.True(t, errors.As(err, &te), "unexpected error %v", err)
		// The result was not consumed, so a retry must find it.
		res, err := d.AwaitResult(context.Background(), id, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "v", res.Response)
	}
}
