package transport

import (
	"context"
	"sync"

	"github.com/vietddude/relay/internal/core/domain"
)

// Bus is an in-process transport connecting contexts in the same process.
type Bus struct {
	mu       sync.RWMutex
	handlers map[domain.ContextID]Handler
	closed   bool
}

// NewBus returns an empty in-process bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[domain.ContextID]Handler)}
}

// Deliver hands the envelope to the target's handler on a new goroutine.
func (b *Bus) Deliver(ctx context.Context, target domain.ContextID, env *domain.Envelope) error {
	b.mu.RLock()
	h, ok := b.handlers[target]
	closed := b.closed
	b.mu.RUnlock()

	if closed || !ok {
		return ErrTargetUnavailable
	}

	// Contexts never share envelopes by reference.
	cp := *env
	go h(&cp)
	return nil
}

// Subscribe registers the handler for self until ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, self domain.ContextID, h Handler) error {
	b.mu.Lock()
	b.handlers[self] = h
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Unsubscribe(self)
	}()
	return nil
}

// Unsubscribe removes the handler for self.
func (b *Bus) Unsubscribe(self domain.ContextID) {
	b.mu.Lock()
	delete(b.handlers, self)
	b.mu.Unlock()
}

// Close drops all subscribers and rejects further deliveries.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.handlers = make(map[domain.ContextID]Handler)
	b.mu.Unlock()
	return nil
}
