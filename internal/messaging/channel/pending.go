package channel

import (
	"time"

	"github.com/vietddude/relay/internal/core/domain"
)

type result struct {
	payload any
	err     error
}

// pendingDelivery tracks one in-flight send until it resolves with a
// response, exhausts its retries, or the channel closes.
type pendingDelivery struct {
	env     *domain.Envelope
	target  domain.ContextID
	timeout time.Duration

	maxRetries int
	retries    int
	lastErr    error

	acked  bool
	queued bool

	timer *time.Timer
	done  chan result
}

func (p *pendingDelivery) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
