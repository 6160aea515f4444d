// Package envelope validates and stamps the message envelopes exchanged
// between execution contexts.
package envelope

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vietddude/relay/internal/core/domain"
)

var (
	// ErrMissingAction is returned when an envelope has no action.
	ErrMissingAction = errors.New("envelope missing action")

	// ErrMissingMessageID is returned when an ack or nack lacks the
	// message id it acknowledges.
	ErrMissingMessageID = errors.New("envelope missing messageId")

	// ErrMissingError is returned when a nack carries no error reason.
	ErrMissingError = errors.New("nack envelope missing error")
)

// NewMessageID returns a globally unique message id: millisecond timestamp
// plus a random suffix, so ids sort roughly by send time.
func NewMessageID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Stamp fills in the protocol fields of an outbound envelope. Existing
// message ids are replaced; every stamped envelope requires an ack.
func Stamp(env *domain.Envelope) {
	env.MessageID = NewMessageID()
	env.Timestamp = time.Now().UnixMilli()
	env.RequiresAck = true
}

// Validate checks a candidate envelope before send or dispatch.
// Invalid envelopes must be rejected locally by the sender, or answered
// with a nack by the receiver, without invoking any handler.
func Validate(env *domain.Envelope) error {
	if env == nil {
		return ErrMissingAction
	}
	if env.Action == "" {
		return ErrMissingAction
	}

	switch env.Action {
	case domain.ActionAck:
		if env.MessageID == "" {
			return ErrMissingMessageID
		}
	case domain.ActionNack:
		if env.MessageID == "" {
			return ErrMissingMessageID
		}
		if env.Error == "" {
			return ErrMissingError
		}
	}

	return nil
}

// Ack builds the positive acknowledgment for a received envelope.
func Ack(messageID string) *domain.Envelope {
	return &domain.Envelope{
		Action:    domain.ActionAck,
		MessageID: messageID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Nack builds the negative acknowledgment for a received envelope.
func Nack(messageID string, reason string) *domain.Envelope {
	return &domain.Envelope{
		Action:    domain.ActionNack,
		MessageID: messageID,
		Timestamp: time.Now().UnixMilli(),
		Error:     reason,
	}
}

// Response builds the terminal response for a received envelope.
func Response(messageID string, payload any) *domain.Envelope {
	return &domain.Envelope{
		Action:    domain.ActionResponse,
		MessageID: messageID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}
