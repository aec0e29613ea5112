// Package signaling carries call negotiation messages between two parties
// over the relay. Messages are keyed by the receiving party so a party can
// learn about a call before any local session exists for it.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/1ureka/telecall/internal/protocol"
)

var ErrInvalidMessage = errors.New("invalid signaling message")

// Kind is the type of a signaling message.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "ice-candidate"
	KindHangup    Kind = "hangup"
)

func (k Kind) Valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindCandidate, KindHangup:
		return true
	}
	return false
}

// Message is one relayed negotiation step. Payload is opaque here: an SDP
// description, an ICE candidate or a Hangup.
type Message struct {
	CallID  string          `json:"call_id"`
	From    string          `json:"sender_id"`
	To      string          `json:"receiver_id"`
	Kind    Kind            `json:"type"`
	Payload json.RawMessage `json:"data,omitempty"`
}

// Hangup is the payload of a hangup message.
type Hangup struct {
	// Reason is empty for a plain hangup.
	Reason string `json:"reason,omitempty"`
}

const (
	HangupRejected = "rejected"
	HangupMissed   = "missed"
)

func (m Message) Validate() error {
	var errs []error
	if m.CallID == "" {
		errs = append(errs, errors.New("call id is required"))
	}
	if m.From == "" || m.To == "" {
		errs = append(errs, errors.New("sender and receiver are required"))
	}
	if !m.Kind.Valid() {
		errs = append(errs, fmt.Errorf("unknown kind %q", m.Kind))
	}
	if m.Kind != KindHangup && len(m.Payload) == 0 {
		errs = append(errs, fmt.Errorf("%s needs a payload", m.Kind))
	}
	if len(m.Payload) > protocol.MaxDataSize {
		errs = append(errs, errors.New("payload too large"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

func encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return m, m.Validate()
}
