package api

import "sync"

const eventBuffer = 32

// Event is one server-sent event.
type Event struct {
	Type string
	Data any
}

// Hub fans events out to SSE listeners. Slow listeners miss events rather than stall the
// sender.
type Hub struct {
	mu        sync.RWMutex
	listeners []chan Event
}

func (h *Hub) AddListener() chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Event, eventBuffer)
	h.listeners = append(h.listeners, ch)
	return ch
}

func (h *Hub) RemoveListener(ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, l := range h.listeners {
		if l == ch {
			h.listeners = append(h.listeners[:i], h.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

func (h *Hub) Send(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, l := range h.listeners {
		select {
		case l <- e:
		default:
		}
	}
}
