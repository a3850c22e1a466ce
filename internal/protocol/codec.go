package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownKind = errors.New("unknown message kind")
	ErrMalformed   = errors.New("malformed message")
)

// Envelope is the serialized form of a message inside one frame.
type Envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes a message into a frame payload.
func Encode(msg Message) ([]byte, error) {
	p, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.Kind(), err)
	}
	return json.Marshal(Envelope{Type: msg.Kind(), Payload: p})
}

// Decode parses a frame payload into the message its tag names.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	msg, err := newMessage(env.Type)
	if err != nil {
		return nil, err
	}
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
		}
	}
	return msg, nil
}

func newMessage(kind Kind) (Message, error) {
	switch kind {
	case KindRegister:
		return &Register{}, nil
	case KindHeartbeat:
		return &Heartbeat{}, nil
	case KindClientStatus:
		return &ClientStatus{}, nil
	case KindScriptStatus:
		return &ScriptStatus{}, nil
	case KindCaseStatus:
		return &CaseStatus{}, nil
	case KindAutomationCommand:
		return &AutomationCommand{}, nil
	case KindStopSlave:
		return &StopSlave{}, nil
	case KindUnauthorizedSlave:
		return &UnauthorizedSlave{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
