// Package events fans lifecycle transitions out to connected clients.
package events

import (
	"context"
	"os"
	"sync"
	"time"

	"spire/pkg/shared/logger"
)

var log = logger.New(os.Stdout)

// Event is one lifecycle transition of an instance.
type Event struct {
	InstanceID string    `json:"instance_id"`
	SessionID  string    `json:"session_id,omitempty"`
	Phase      string    `json:"phase"`
	Message    string    `json:"message,omitempty"`
	Time       time.Time `json:"time"`
}

// Subscriber receives every broadcast event. websocket.Conn satisfies it.
type Subscriber interface {
	WriteJSON(v any) error
	Close() error
}

const backlog = 256

// Hub maintains the set of active subscribers and broadcasts events to them.
type Hub struct {
	clients    map[Subscriber]bool
	broadcast  chan Event
	register   chan Subscriber
	unregister chan Subscriber
	done       chan struct{}

	mu sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan Event, backlog),
		register:   make(chan Subscriber),
		unregister: make(chan Subscriber),
		done:       make(chan struct{}),
		clients:    make(map[Subscriber]bool),
	}
}

// Run serves the hub until ctx is cancelled, then closes every subscriber.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				_ = client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				_ = client.Close()
			}
			h.mu.Unlock()
		case ev := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if err := client.WriteJSON(ev); err != nil {
					log.Debug("Dropping subscriber: %v", err)
					_ = client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish queues ev for broadcast. When the backlog is full the event is
// dropped so a slow client never stalls a lifecycle.
func (h *Hub) Publish(ev Event) {
	if h == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	select {
	case h.broadcast <- ev:
	default:
		log.Warn("Event backlog full, dropping %s event for %s", ev.Phase, ev.InstanceID)
	}
}

// Register adds a subscriber. It returns false once the hub has stopped.
func (h *Hub) Register(s Subscriber) bool {
	select {
	case h.register <- s:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(s Subscriber) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// Len reports the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
