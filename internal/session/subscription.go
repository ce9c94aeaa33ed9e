package session

import (
	"github.com/rs/zerolog/log"
)

// SubscriptionController subscribes a session to one channel over the
// manager's acquired handle.
//
// Subscription failure is non-fatal: the callback reports it and the caller
// may warn and retry; the session continues without channel delivery.
// Unsubscription happens implicitly when the handle is disposed.
type SubscriptionController struct {
	manager *Manager
}

// NewSubscriptionController creates a controller over the given manager.
func NewSubscriptionController(manager *Manager) *SubscriptionController {
	return &SubscriptionController{manager: manager}
}

// Subscribe emits a subscription request for the channel. onResult is
// invoked exactly once: with the server acknowledgement, failure-shaped when
// the handle is disposed first, or immediately when no handle was acquired.
// While the handle is not yet connected the request is queued by the
// transport, not rejected.
func (s *SubscriptionController) Subscribe(streamID string, onResult func(SubscribeResult)) {
	handle, ok := s.manager.Lookup()
	if !ok {
		log.Warn().Str("streamId", streamID).Msg("subscribe without an acquired handle")
		if onResult != nil {
			onResult(SubscribeResult{Success: false, Message: "connection not acquired"})
		}
		return
	}

	handle.Subscribe(streamID, func(res SubscribeResult) {
		if !res.Success {
			log.Warn().Str("streamId", streamID).Str("message", res.Message).Msg("subscription failed")
		} else {
			log.Info().Str("streamId", streamID).Msg("subscribed to stream")
		}
		if onResult != nil {
			onResult(res)
		}
	})
}
