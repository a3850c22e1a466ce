package ws

import (
	"encoding/json"

	"github.com/mateo/testfarm/internal/api"
)

// Envelope is the top-level WebSocket message format.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ChannelPayload names the channel of a subscribe or unsubscribe.
type ChannelPayload struct {
	Channel string `json:"channel"`
}

// CommandPayload asks the farm to act for an operator. ID is echoed back
// in the result.
type CommandPayload struct {
	ID     string          `json:"id"`
	Action string          `json:"action"`
	Args   json.RawMessage `json:"args"`
}

// StatusSnapshotPayload is sent on subscribe and then every tick.
type StatusSnapshotPayload = api.Status

// CommandResultPayload is the response to a command.
type CommandResultPayload struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeCommand     = "command"

	TypeStatusSnapshot = "status.snapshot"
	TypeFarmEvent      = "farm.event"
	TypeCommandResult  = "command.result"
)

// ChannelStatus carries snapshots and farm events. ChannelEvents carries
// farm events only.
const (
	ChannelStatus = "status"
	ChannelEvents = "events"
)

// MakeEnvelope creates an Envelope with the given type and payload.
func MakeEnvelope(msgType string, payload any) ([]byte, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Payload: p})
}
