// Package transport abstracts envelope delivery between execution contexts.
// Transports are at-most-once: reliability is layered on top by the
// delivery channel.
package transport

import (
	"context"
	"errors"

	"github.com/vietddude/relay/internal/core/domain"
)

// ErrTargetUnavailable is returned when the target context has no live
// subscriber. Deliveries failing this way are queued, not retried.
var ErrTargetUnavailable = errors.New("target context unavailable")

// Handler consumes envelopes delivered to a subscribed context.
type Handler func(env *domain.Envelope)

// Transport moves envelopes between contexts.
type Transport interface {
	// Deliver hands the envelope to the target context. It returns
	// ErrTargetUnavailable when no subscriber is listening.
	Deliver(ctx context.Context, target domain.ContextID, env *domain.Envelope) error

	// Subscribe registers the handler for envelopes addressed to self.
	// The subscription ends when ctx is cancelled.
	Subscribe(ctx context.Context, self domain.ContextID, h Handler) error

	Close() error
}

// Reinjector attempts to restore an unresponsive target context, for
// example by reloading the code running in it.
type Reinjector interface {
	Reinject(ctx context.Context, target domain.ContextID) error
}
