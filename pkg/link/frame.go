package link

import "timer-link/pkg/wire"

// Relay frame types.
const (
	FrameSend    = "send"
	FrameDeliver = "deliver"
	FrameReply   = "reply"
	FrameAck     = "ack"
	FrameError   = "error"
	FrameStatus  = "status"
)

// Frame is the websocket envelope exchanged with the relay.
type Frame struct {
	Type         string       `json:"type"`
	ID           string       `json:"id,omitempty"`
	Channel      Channel      `json:"channel,omitempty"`
	ExpectsReply bool         `json:"expectsReply,omitempty"`
	Payload      wire.Payload `json:"payload,omitempty"`
	Error        string       `json:"error,omitempty"`
	Status       *RelayStatus `json:"status,omitempty"`
}

// RelayStatus is what the relay knows about the pairing.
type RelayStatus struct {
	Paired                bool `json:"paired"`
	CompanionAppInstalled bool `json:"companionAppInstalled"`
	Reachable             bool `json:"reachable"`
}
