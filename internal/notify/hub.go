// Package notify fans out "the status tree changed" events to whatever
// subscribes. The status-dump task and the optional HTTP status endpoint
// read the tree directly and do not subscribe. Modeled on devicecode-go's bus package (register/
// unregister channels, one Run loop, a single topic), but carries an
// in-process Go value instead of a bus message, since nothing here crosses
// a process boundary.
package notify

import "sync"

// Event is the single event kind the controller emits: one status tree
// mutation completed and released its write guard.
type Event struct {
	Reason string // "tick", "intent" or "quit"
}

// Subscriber receives events on a bounded channel. A slow subscriber misses
// events rather than blocking the broadcaster (see Hub.broadcastEvent).
type Subscriber struct {
	id string
	ch chan Event
}

// Events returns the channel to range over.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Hub maintains the set of active subscribers and broadcasts events to all
// of them. Call Run once in its own goroutine before using it.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber

	register   chan *Subscriber
	unregister chan *Subscriber
	broadcast  chan Event
	done       chan struct{}
}

// NewHub creates a Hub; call Run to start its loop.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		broadcast:   make(chan Event, 256),
		done:        make(chan struct{}),
	}
}

// Run drives the hub's loop until Stop is called. Intended to run in its
// own goroutine for the lifetime of the controller.
func (h *Hub) Run() {
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			h.subscribers[sub.id] = sub
			h.mu.Unlock()
		case sub := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.subscribers[sub.id]; ok {
				delete(h.subscribers, sub.id)
				close(sub.ch)
			}
			h.mu.Unlock()
		case ev := <-h.broadcast:
			h.broadcastEvent(ev)
		case <-h.done:
			return
		}
	}
}

// Stop terminates Run.
func (h *Hub) Stop() { close(h.done) }

func (h *Hub) broadcastEvent(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subscribers {
		select {
		case sub.ch <- ev:
		default:
			// Subscriber's buffer is full; drop rather than block the
			// broadcaster (and transitively, the controller loop).
		}
	}
}

// Subscribe registers a new subscriber with a bounded event buffer.
func (h *Hub) Subscribe(id string) *Subscriber {
	sub := &Subscriber{id: id, ch: make(chan Event, 16)}
	h.register <- sub
	return sub
}

// Unsubscribe removes a subscriber.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.unregister <- sub
}

// Broadcast sends ev to every current subscriber. Must be called only after
// the caller has released any status-tree write guard it was holding.
func (h *Hub) Broadcast(ev Event) {
	h.broadcast <- ev
}
