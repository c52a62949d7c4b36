// Package notify fans session state changes out to in-process subscribers.
package notify

import (
	"sync"
	"sync/atomic"
)

// defaultSignalBufferSize is the buffer size for event channels.
// Subscribers that can't keep up have events dropped (non-blocking send).
const defaultSignalBufferSize = 16

// Event is one observed session state change
type Event struct {
	SessionID string
	Status    string
	Phase     string
	Progress  int
}

// Filter restricts a subscription to particular sessions.
// Empty means all sessions.
type Filter struct {
	SessionIDs []string
}

// subscription represents a single subscriber.
type subscription struct {
	id     uint64
	filter Filter
	ch     chan Event
	closed atomic.Bool
}

// matches checks if the session matches this subscription's filter.
func (s *subscription) matches(sessionID string) bool {
	if len(s.filter.SessionIDs) == 0 {
		return true
	}
	for _, id := range s.filter.SessionIDs {
		if id == sessionID {
			return true
		}
	}
	return false
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe notification hub for session events
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates a new session event hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal sends an event to all matching subscribers (non-blocking).
func (h *Hub) Signal(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(event.SessionID) {
			continue
		}

		// Non-blocking send - drop if buffer full
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// Subscribe creates a new subscription and returns the event channel and
// cancel function. The returned channel is buffered; slow subscribers have
// events dropped silently by Signal(). The cancel function is idempotent.
func (h *Hub) Subscribe(filter Filter) (<-chan Event, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Event, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
