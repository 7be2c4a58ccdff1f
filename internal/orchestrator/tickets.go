package orchestrator

import (
	"sync"
	"time"

	"threadrelay/internal/domain"
)

// Ticket tracks one asynchronous web turn.
type Ticket struct {
	ID             string          `json:"id"`
	SessionKey     string          `json:"session_key"`
	State          domain.JobState `json:"state"`
	Response       string          `json:"response,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	DoneAt         time.Time       `json:"done_at,omitzero"`
}

// ticketRegistry holds tickets until they are cleaned.
type ticketRegistry struct {
	mu      sync.RWMutex
	tickets map[string]*Ticket
}

func newTicketRegistry() *ticketRegistry {
	return &ticketRegistry{tickets: make(map[string]*Ticket)}
}

func (r *ticketRegistry) add(t *Ticket) {
	r.mu.Lock()
	r.tickets[t.ID] = t
	r.mu.Unlock()
}

func (r *ticketRegistry) finish(id string, fn func(t *Ticket)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tickets[id]; ok {
		fn(t)
	}
}

func (r *ticketRegistry) get(id string) (Ticket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tickets[id]
	if !ok {
		return Ticket{}, false
	}
	return *t, true
}

func (r *ticketRegistry) pending() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, t := range r.tickets {
		if !t.State.Terminal() {
			n++
		}
	}
	return n
}

// clean removes finished tickets older than maxAge.
func (r *ticketRegistry) clean(maxAge time.Duration, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := now.Add(-maxAge)
	removed := 0
	for id, t := range r.tickets {
		if t.State.Terminal() && t.DoneAt.Before(cutoff) {
			delete(r.tickets, id)
			removed++
		}
	}
	return removed
}
