package offlinecache

import (
	"context"
	"sync"
)

// ClientMessage is a notification pushed to all connected clients.
type ClientMessage struct {
	Type string `json:"type"`
	Tag  string `json:"tag,omitempty"`
	Data any    `json:"data,omitempty"`
}

// Broadcaster delivers messages to all currently connected clients.
// Implementations must be thread-safe!
type Broadcaster interface {
	Broadcast(ctx context.Context, msg ClientMessage) error
}

const subscriberBuffer = 16

// Hub is an in-process Broadcaster. Clients subscribe to receive messages;
// a subscriber that does not keep up misses messages rather than blocking the broadcast.
type Hub struct {
	mu   *sync.RWMutex
	subs map[chan ClientMessage]struct{}
}

func NewHub() *Hub {
	return &Hub{
		mu:   &sync.RWMutex{},
		subs: map[chan ClientMessage]struct{}{},
	}
}

// Subscribe registers a new client. The returned function unsubscribes
// and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe() (<-chan ClientMessage, func()) {
	ch := make(chan ClientMessage, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
}

// Clients returns the number of subscribed clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Broadcast(ctx context.Context, msg ClientMessage) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

var _ Broadcaster = (*Hub)(nil)
