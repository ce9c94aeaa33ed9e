// Package transport provides the real-time pub/sub transport for live stream
// sessions.
//
// The transport speaks a small JSON envelope over a persistent WebSocket
// connection. Client-to-server events carry the channel (stream identifier)
// and an optional acknowledgement id; server-to-client events deliver chat
// messages and acknowledgements. Outbound frames are store-and-forwarded
// through an ordered queue, so emission never depends on the instantaneous
// connection state.
package transport

import (
	"time"

	json "github.com/goccy/go-json"
)

// Client-to-server event names.
const (
	// EventSubscribe subscribes the session to a stream channel.
	EventSubscribe = "subscribeToStream"

	// EventSendMessage publishes a chat message to a stream channel.
	EventSendMessage = "sendMessage"

	// EventLike registers a like for a stream channel.
	EventLike = "likeStream"
)

// Server-to-client event names.
const (
	// EventNewMessage delivers a chat message published on a subscribed channel.
	EventNewMessage = "newMessage"

	// EventViewerCount delivers an authoritative viewer count for a channel.
	EventViewerCount = "viewerCount"

	// EventAck resolves a previously emitted frame that requested an
	// acknowledgement.
	EventAck = "ack"
)

// Envelope is the wire frame exchanged in both directions.
//
// Data holds the event-specific payload as raw JSON, decoded by the layer
// that knows the event's payload shape.
type Envelope struct {
	Event    string          `json:"event" validate:"required"`
	StreamID string          `json:"streamId,omitempty"`
	AckID    uint64          `json:"ackId,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// WireMessage is the chat message payload carried by sendMessage and
// newMessage envelopes.
type WireMessage struct {
	ID        string    `json:"id" validate:"required"`
	User      string    `json:"user" validate:"required"`
	Text      string    `json:"text" validate:"required"`
	Timestamp time.Time `json:"timestamp"`
}

// Ack is the payload of an EventAck envelope.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
