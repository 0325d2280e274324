package bus

import "time"

type InboundKind string

const (
	// KindMessage carries a user_message from a client.
	KindMessage InboundKind = "message"
	// KindDisconnect tells consumers the connection is gone.
	KindDisconnect InboundKind = "disconnect"
)

type InboundMessage struct {
	Kind         InboundKind `json:"kind"`
	Channel      string      `json:"channel"`
	ConnectionID string      `json:"connection_id"`
	Content      string      `json:"content,omitempty"`
	Type         string      `json:"type,omitempty"`
	ReceivedAt   time.Time   `json:"received_at"`
}

// OutboundMessage is one server event addressed to a single connection, or to
// every connection of every channel when Broadcast is set.
type OutboundMessage struct {
	Channel      string `json:"channel"`
	ConnectionID string `json:"connection_id"`
	Event        string `json:"event"`
	Payload      any    `json:"payload,omitempty"`
	Broadcast    bool   `json:"broadcast,omitempty"`
}
