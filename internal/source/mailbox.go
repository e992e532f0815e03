package source

import (
	"context"
	"io"
	"sync"

	"github.com/andresmejia3/facegate/internal/types"
)

// Mailbox is a single-slot frame hand-off with keep-only-latest semantics. A frame offered
// while the previous one is still unread replaces it, so the consumer never sees a backlog.
type Mailbox struct {
	mu      sync.Mutex
	pending *types.Frame
	closed  bool
	dropped int

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewMailbox() *Mailbox {
	return &Mailbox{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Offer stores f, replacing any unread frame. Offers after Close are ignored.
func (m *Mailbox) Offer(f types.Frame) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.pending != nil {
		m.dropped++
	}
	m.pending = &f
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Take blocks until a frame is available. After Close it drains the last frame, then
// returns io.EOF.
func (m *Mailbox) Take(ctx context.Context) (types.Frame, error) {
	for {
		m.mu.Lock()
		if m.pending != nil {
			f := *m.pending
			m.pending = nil
			m.mu.Unlock()
			return f, nil
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return types.Frame{}, io.EOF
		}

		select {
		case <-ctx.Done():
			return types.Frame{}, ctx.Err()
		case <-m.notify:
		case <-m.done:
		}
	}
}

// Dropped is the number of frames replaced before they were taken.
func (m *Mailbox) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Closed reports whether the mailbox accepts no more frames.
func (m *Mailbox) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Mailbox) Close() {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.done)
	})
}
