package channel

import (
	"context"
	"testing"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/transport"
)

func TestQueue_HoldsRecordsUntilTargetLoads(t *testing.T) {
	ctx := context.Background()
	bus := transport.NewBus()

	cfg := fastConfig()
	cfg.DefaultTimeout = time.Second

	sender := New(domain.ContextBackground, bus, cfg)
	if err := sender.Start(ctx); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	t.Cleanup(sender.Close)

	resultCh := make(chan error, 1)
	go func() {
		_, err := sender.Send(ctx, domain.ContextContent, domain.ActionStartScraping, nil)
		resultCh <- err
	}()

	deadline := time.Now().Add(time.Second)
	for sender.QueuedCount(domain.ContextContent) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("delivery never queued for the absent target")
		}
		time.Sleep(time.Millisecond)
	}

	select {
	case err := <-resultCh:
		t.Fatalf("send resolved while target absent: %v", err)
	default:
	}

	// The target loads late; the flush loop should deliver the queued
	// envelope and resolve the send.
	receiver := New(domain.ContextContent, bus, fastConfig())
	receiver.Handle(domain.ActionStartScraping, func(ctx context.Context, env *domain.Envelope) (any, error) {
		return "ok", nil
	})
	if err := receiver.Start(ctx); err != nil {
		t.Fatalf("receiver.Start() = %v", err)
	}
	t.Cleanup(receiver.Close)

	select {
	case err := <-resultCh:
		if err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued delivery never flushed")
	}

	if n := sender.QueuedCount(domain.ContextContent); n != 0 {
		t.Errorf("queue depth after flush = %d, want 0", n)
	}
}

func TestQueue_PerTargetFIFO(t *testing.T) {
	c := New(domain.ContextBackground, transport.NewBus(), fastConfig())

	mk := func(id string, target domain.ContextID) *pendingDelivery {
		rec := &pendingDelivery{
			env:    &domain.Envelope{Action: domain.ActionStartScraping, MessageID: id},
			target: target,
			done:   make(chan result, 1),
		}
		c.mu.Lock()
		c.pending[id] = rec
		c.mu.Unlock()
		return rec
	}

	first := mk("first", domain.ContextContent)
	second := mk("second", domain.ContextContent)
	other := mk("other", domain.ContextPopup)

	c.enqueue(first)
	c.enqueue(second)
	c.enqueue(other)

	c.mu.Lock()
	contentQ := append([]*pendingDelivery(nil), c.queues[domain.ContextContent]...)
	popupQ := append([]*pendingDelivery(nil), c.queues[domain.ContextPopup]...)
	c.mu.Unlock()

	if len(contentQ) != 2 || contentQ[0] != first || contentQ[1] != second {
		t.Errorf("content queue order wrong: %d entries", len(contentQ))
	}
	if len(popupQ) != 1 || popupQ[0] != other {
		t.Errorf("popup queue wrong: %d entries", len(popupQ))
	}

	c.mu.Lock()
	c.removeFromQueueLocked(first)
	remaining := append([]*pendingDelivery(nil), c.queues[domain.ContextContent]...)
	c.mu.Unlock()

	if len(remaining) != 1 || remaining[0] != second {
		t.Errorf("content queue after removal wrong: %d entries", len(remaining))
	}
}

func TestQueue_DoubleEnqueueIsNoop(t *testing.T) {
	c := New(domain.ContextBackground, transport.NewBus(), fastConfig())

	rec := &pendingDelivery{
		env:    &domain.Envelope{Action: domain.ActionStartScraping, MessageID: "m1"},
		target: domain.ContextContent,
		done:   make(chan result, 1),
	}
	c.mu.Lock()
	c.pending["m1"] = rec
	c.mu.Unlock()

	c.enqueue(rec)
	c.enqueue(rec)

	if n := c.QueuedCount(domain.ContextContent); n != 1 {
		t.Errorf("queue depth = %d, want 1", n)
	}
}
