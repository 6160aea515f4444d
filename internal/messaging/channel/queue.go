package channel

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/transport"
	"github.com/vietddude/relay/internal/messaging/metrics"
)

// enqueue parks a delivery whose target had no live subscriber. The
// attempt timer keeps running: a target that never loads still times out.
func (c *Channel) enqueue(rec *pendingDelivery) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[rec.env.MessageID]; !ok {
		return
	}
	if rec.queued {
		return
	}
	rec.queued = true
	c.queues[rec.target] = append(c.queues[rec.target], rec)
	metrics.QueueDepth.WithLabelValues(string(rec.target)).Set(float64(len(c.queues[rec.target])))

	c.log.Debug("Queued delivery, target not available",
		"action", rec.env.Action,
		"target", string(rec.target),
		"depth", len(c.queues[rec.target]))
}

// removeFromQueueLocked unlinks rec from its target queue. Caller holds c.mu.
func (c *Channel) removeFromQueueLocked(rec *pendingDelivery) {
	if !rec.queued {
		return
	}
	rec.queued = false

	q := c.queues[rec.target]
	for i, r := range q {
		if r == rec {
			c.queues[rec.target] = append(q[:i], q[i+1:]...)
			break
		}
	}
	metrics.QueueDepth.WithLabelValues(string(rec.target)).Set(float64(len(c.queues[rec.target])))
}

func (c *Channel) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flush(ctx)
		}
	}
}

// flush re-attempts queued deliveries in FIFO order per target.
func (c *Channel) flush(ctx context.Context) {
	c.mu.Lock()
	var drained []*pendingDelivery
	for target, q := range c.queues {
		for _, rec := range q {
			rec.queued = false
			drained = append(drained, rec)
		}
		delete(c.queues, target)
		metrics.QueueDepth.WithLabelValues(string(target)).Set(0)
	}
	c.mu.Unlock()

	for _, rec := range drained {
		c.mu.Lock()
		_, alive := c.pending[rec.env.MessageID]
		c.mu.Unlock()
		if !alive {
			continue
		}

		err := c.tr.Deliver(ctx, rec.target, rec.env)
		switch {
		case err == nil:
			// Delivered; the attempt timer takes over.
		case errors.Is(err, transport.ErrTargetUnavailable):
			c.enqueue(rec)
		default:
			c.fail(rec.env.MessageID, err)
		}
	}
}

// QueuedCount returns the number of deliveries parked for a target that
// has no live subscriber.
func (c *Channel) QueuedCount(target domain.ContextID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues[target])
}

func (c *Channel) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.recover(ctx)
		}
	}
}

// recover asks the reinjector to restore targets that have been silent
// and unhealthy for longer than UnhealthyAfter. Recovery is best effort
// and rate limited per target.
func (c *Channel) recover(ctx context.Context) {
	now := time.Now()

	c.mu.Lock()
	var stale []domain.ContextID
	for target, rec := range c.health {
		if rec.Healthy {
			continue
		}
		if now.Sub(rec.LastSeen) < c.cfg.UnhealthyAfter {
			continue
		}
		if now.Sub(rec.lastRecovery) < c.cfg.UnhealthyAfter {
			continue
		}
		rec.lastRecovery = now
		stale = append(stale, target)
	}
	reinj := c.reinj
	c.mu.Unlock()

	if reinj == nil {
		return
	}
	for _, target := range stale {
		go func(target domain.ContextID) {
			c.log.Info("Attempting target recovery", "target", string(target))
			if err := reinj.Reinject(ctx, target); err != nil {
				c.log.Warn("Target recovery failed",
					"target", string(target),
					"error", err)
			}
		}(target)
	}
}
