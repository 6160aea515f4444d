package channel

import (
	"fmt"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/messaging/envelope"
)

// dispatch handles an inbound application envelope: validate, ack, then
// run the registered handler and reply with its result.
func (c *Channel) dispatch(env *domain.Envelope) {
	if err := envelope.Validate(env); err != nil {
		c.reply(env.Source, envelope.Nack(env.MessageID, err.Error()))
		return
	}

	// Ack before the handler runs: receipt and processing are separate
	// stages of the protocol.
	if env.RequiresAck {
		c.reply(env.Source, envelope.Ack(env.MessageID))
	}

	c.mu.Lock()
	h, ok := c.handlers[env.Action]
	c.mu.Unlock()

	if !ok {
		c.reply(env.Source, envelope.Nack(env.MessageID,
			fmt.Sprintf("no handler for action %q", env.Action)))
		return
	}

	go c.runHandler(h, env)
}

func (c *Channel) runHandler(h Handler, env *domain.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Handler panicked", "action", env.Action, "panic", r)
			c.reply(env.Source, envelope.Nack(env.MessageID,
				fmt.Sprintf("handler panic: %v", r)))
		}
	}()

	payload, err := h(c.baseContext(), env)
	if err != nil {
		c.reply(env.Source, envelope.Nack(env.MessageID, err.Error()))
		return
	}
	c.reply(env.Source, envelope.Response(env.MessageID, payload))
}

// reply sends a protocol envelope back to the sender, best effort.
func (c *Channel) reply(to domain.ContextID, env *domain.Envelope) {
	if to == "" {
		c.log.Debug("Dropping reply without source", "action", env.Action)
		return
	}
	env.Source = c.self
	if err := c.tr.Deliver(c.baseContext(), to, env); err != nil {
		c.log.Debug("Failed to deliver reply",
			"action", env.Action,
			"target", string(to),
			"error", err)
	}
}
