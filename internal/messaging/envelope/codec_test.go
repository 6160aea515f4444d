package envelope

import (
	"errors"
	"testing"

	"github.com/vietddude/relay/internal/core/domain"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		env    *domain.Envelope
		expect error
	}{
		{
			name:   "nil envelope",
			env:    nil,
			expect: ErrMissingAction,
		},
		{
			name:   "empty action",
			env:    &domain.Envelope{},
			expect: ErrMissingAction,
		},
		{
			name:   "plain command",
			env:    &domain.Envelope{Action: domain.ActionStartScraping},
			expect: nil,
		},
		{
			name:   "ack without messageId",
			env:    &domain.Envelope{Action: domain.ActionAck},
			expect: ErrMissingMessageID,
		},
		{
			name:   "ack with messageId",
			env:    &domain.Envelope{Action: domain.ActionAck, MessageID: "m1"},
			expect: nil,
		},
		{
			name:   "nack without messageId",
			env:    &domain.Envelope{Action: domain.ActionNack, Error: "boom"},
			expect: ErrMissingMessageID,
		},
		{
			name:   "nack without error",
			env:    &domain.Envelope{Action: domain.ActionNack, MessageID: "m1"},
			expect: ErrMissingError,
		},
		{
			name:   "valid nack",
			env:    &domain.Envelope{Action: domain.ActionNack, MessageID: "m1", Error: "boom"},
			expect: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Validate(tt.env); !errors.Is(got, tt.expect) {
				t.Errorf("Validate() = %v, want %v", got, tt.expect)
			}
		})
	}
}

func TestStamp(t *testing.T) {
	env := &domain.Envelope{Action: domain.ActionStartScraping}
	Stamp(env)

	if env.MessageID == "" {
		t.Error("Stamp() left MessageID empty")
	}
	if env.Timestamp == 0 {
		t.Error("Stamp() left Timestamp zero")
	}
	if !env.RequiresAck {
		t.Error("Stamp() did not set RequiresAck")
	}
}

func TestNewMessageID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewMessageID()
		if seen[id] {
			t.Fatalf("duplicate message id: %s", id)
		}
		seen[id] = true
	}
}

func TestNack(t *testing.T) {
	n := Nack("m1", "invalid payload")
	if err := Validate(n); err != nil {
		t.Errorf("Validate(Nack()) = %v, want nil", err)
	}
	if n.Error != "invalid payload" {
		t.Errorf("Nack error = %q, want %q", n.Error, "invalid payload")
	}
}
