package webhook

import (
	"container/list"
	"sync"
	"time"
)

// seenCache remembers kickoff ids whose result was already handed to a
// waiter, so late duplicate pushes are recognised. Entries expire after ttl
// and the oldest entry is evicted once maxSize is reached.
type seenCache struct {
	mu      sync.Mutex
	seen    map[string]*seenEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
}

type seenEntry struct {
	at      time.Time
	element *list.Element
}

func newSeenCache(ttl time.Duration, maxSize int) *seenCache {
	return &seenCache{
		seen:    make(map[string]*seenEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

func (c *seenCache) contains(id string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.seen[id]
	return ok && now.Sub(e.at) < c.ttl
}

func (c *seenCache) mark(id string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[id]; ok {
		e.at = now
		c.order.MoveToBack(e.element)
		return
	}
	if c.maxSize > 0 && len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.seen, front.Value.(string))
		}
	}
	c.seen[id] = &seenEntry{at: now, element: c.order.PushBack(id)}
}

// expire drops entries older than ttl and returns how many were removed.
func (c *seenCache) expire(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		id := front.Value.(string)
		if now.Sub(c.seen[id].at) < c.ttl {
			break
		}
		c.order.Remove(front)
		delete(c.seen, id)
		n++
	}
	return n
}

func (c *seenCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
