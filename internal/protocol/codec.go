package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned by Decode for frames that fail validation.
var ErrMalformed = errors.New("malformed frame")

// Topic prefixes. Every topic is keyed by the receiving party.
const (
	SignalPrefix = "signal:"
	CallsPrefix  = "calls:"
)

// SignalTopic returns the topic carrying signaling messages for partyID.
func SignalTopic(partyID string) string { return SignalPrefix + partyID }

// CallsTopic returns the topic carrying call record changes for partyID.
func CallsTopic(partyID string) string { return CallsPrefix + partyID }

// TopicOwner returns the party a topic is addressed to, or "" when the topic
// does not use a known prefix.
func TopicOwner(topic string) string {
	for _, p := range []string{SignalPrefix, CallsPrefix} {
		if owner, ok := strings.CutPrefix(topic, p); ok {
			return owner
		}
	}
	return ""
}

// Encode serializes a Frame for transmission.
func Encode(f *Frame) ([]byte, error) {
	if err := validate(f); err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// Decode deserializes and validates a Frame.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

func validate(f *Frame) error {
	switch f.Op {
	case OpSub, OpUnsub, OpPub, OpMsg, OpErr:
	default:
		return fmt.Errorf("%w: unknown op %q", ErrMalformed, f.Op)
	}
	if f.Op != OpErr && f.Topic == "" {
		return fmt.Errorf("%w: missing topic", ErrMalformed)
	}
	if (f.Op == OpPub || f.Op == OpMsg) && len(f.Data) == 0 {
		return fmt.Errorf("%w: %s without data", ErrMalformed, f.Op)
	}
	if len(f.Data) > MaxDataSize {
		return fmt.Errorf("%w: data too large: %d bytes (max %d)", ErrMalformed, len(f.Data), MaxDataSize)
	}
	return nil
}
