package channel

import (
	"time"

	"github.com/vietddude/relay/internal/core/domain"
)

// HealthRecord tracks the observed liveness of a target context.
type HealthRecord struct {
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`

	lastRecovery time.Time
}

// markHealthy records a sign of life from the target. Caller holds c.mu.
func (c *Channel) markHealthy(target domain.ContextID) {
	rec := c.healthRecord(target)
	rec.LastSeen = time.Now()
	rec.Healthy = true
}

// markUnhealthy records a delivery failure not attributable to the
// target's application code. Caller holds c.mu.
func (c *Channel) markUnhealthy(target domain.ContextID) {
	rec := c.healthRecord(target)
	rec.Healthy = false
}

// healthRecord returns the record for target, creating one on first use.
// Caller holds c.mu.
func (c *Channel) healthRecord(target domain.ContextID) *HealthRecord {
	rec, ok := c.health[target]
	if !ok {
		rec = &HealthRecord{LastSeen: time.Now(), Healthy: true}
		c.health[target] = rec
	}
	return rec
}

// Health returns a snapshot of per-target health.
func (c *Channel) Health() map[domain.ContextID]HealthRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[domain.ContextID]HealthRecord, len(c.health))
	for target, rec := range c.health {
		out[target] = *rec
	}
	return out
}
