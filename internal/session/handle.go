package session

import (
	"errors"

	"github.com/rs/zerolog/log"

	"tokenlive/internal/model"
	"tokenlive/internal/transport"
)

// Errors surfaced by handle operations. Handle operations never panic; a
// degraded handle reports these instead.
var (
	// ErrNotConnected indicates the operation was attempted on an inert handle.
	ErrNotConnected = errors.New("no live connection")
)

// SubscribeResult reports the outcome of one subscribe call. The callback
// receiving it is invoked exactly once per call.
type SubscribeResult struct {
	Success bool
	Message string
}

// ConnectionHandle is the opaque handle to the active transport.
//
// Exactly one live handle exists per Manager at any instant. Consumers hold
// no ownership: they look the handle up through the Manager and treat it as
// read-only plus message emission. Only Manager.Dispose invalidates it.
type ConnectionHandle interface {
	// Connected reports whether the persistent stream is live.
	Connected() bool

	// Identity returns the viewer identity bound to this handle.
	Identity() string

	// Subscribe emits a subscription request for the channel and arranges for
	// onResult to be invoked exactly once. While the handle is not yet
	// connected the request is queued, not rejected.
	Subscribe(streamID string, onResult func(SubscribeResult))

	// SendMessage publishes a chat message to the channel.
	SendMessage(streamID string, msg model.ChatMessage) error

	// LikeStream registers a like for the channel.
	LikeStream(streamID string) error

	// close terminates the underlying transport. Only the Manager calls it.
	close()
}

// liveHandle is a ConnectionHandle backed by a connected transport client.
type liveHandle struct {
	client   *transport.Client
	identity string
}

func (h *liveHandle) Connected() bool  { return h.client.Connected() }
func (h *liveHandle) Identity() string { return h.identity }

func (h *liveHandle) Subscribe(streamID string, onResult func(SubscribeResult)) {
	err := h.client.EmitWithAck(transport.EventSubscribe, streamID, nil, func(ack transport.Ack) {
		if onResult != nil {
			onResult(SubscribeResult{Success: ack.Success, Message: ack.Message})
		}
	})
	if err != nil {
		log.Warn().Err(err).Str("streamId", streamID).Msg("failed to queue subscription request")
	}
}

func (h *liveHandle) SendMessage(streamID string, msg model.ChatMessage) error {
	wire := transport.WireMessage{
		ID:        msg.ID,
		User:      msg.Author,
		Text:      msg.Text,
		Timestamp: msg.Timestamp,
	}
	return h.client.Emit(transport.EventSendMessage, streamID, wire)
}

func (h *liveHandle) LikeStream(streamID string) error {
	return h.client.Emit(transport.EventLike, streamID, nil)
}

func (h *liveHandle) close() {
	h.client.Close()
}

// inertHandle is the degraded fallback handle.
//
// Every operation is a safe no-op returning a failure-shaped result, never
// raising, so callers keep working without connectivity. The diagnostic that
// produced it is observable through Manager.Status.
type inertHandle struct {
	identity string
}

func (h *inertHandle) Connected() bool  { return false }
func (h *inertHandle) Identity() string { return h.identity }

func (h *inertHandle) Subscribe(streamID string, onResult func(SubscribeResult)) {
	if onResult != nil {
		onResult(SubscribeResult{Success: false, Message: ErrNotConnected.Error()})
	}
}

func (h *inertHandle) SendMessage(string, model.ChatMessage) error { return ErrNotConnected }
func (h *inertHandle) LikeStream(string) error                     { return ErrNotConnected }
func (h *inertHandle) close()                                      {}
