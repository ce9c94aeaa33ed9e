// Package session owns the lifecycle of one viewer's live participation in a
// token stream: the connection manager, the stream subscription controller,
// the typed event registry, and the scoped teardown of every timer and
// handler registration.
package session

import (
	"sync"

	json "github.com/goccy/go-json"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"tokenlive/internal/transport"
)

// CancelFunc detaches a single event registration. Safe to call multiple
// times; every registration must be cancelled when the session ends so
// handlers cannot accumulate across sessions.
type CancelFunc func()

// NewMessageEvent is the typed payload of a newMessage delivery.
type NewMessageEvent struct {
	StreamID string
	Message  transport.WireMessage
}

// ViewerCountEvent is the typed payload of an authoritative viewer-count update.
type ViewerCountEvent struct {
	StreamID string
	Count    int
}

// Registry is a typed publish/subscribe registry for server-to-client events.
//
// Each event name maps to a known payload shape; subscriptions return an
// explicit cancellation token. Handlers are invoked in the order the
// transport delivers events, from the transport's single read loop.
type Registry struct {
	mu       sync.RWMutex
	nextID   int64
	validate *validator.Validate

	onConnect      map[int64]func()
	onDisconnect   map[int64]func(reason string)
	onConnectError map[int64]func(err error)
	onNewMessage   map[int64]func(NewMessageEvent)
	onViewerCount  map[int64]func(ViewerCountEvent)
}

// NewRegistry creates an empty event registry.
func NewRegistry() *Registry {
	return &Registry{
		validate:       validator.New(),
		onConnect:      make(map[int64]func()),
		onDisconnect:   make(map[int64]func(reason string)),
		onConnectError: make(map[int64]func(err error)),
		onNewMessage:   make(map[int64]func(NewMessageEvent)),
		onViewerCount:  make(map[int64]func(ViewerCountEvent)),
	}
}

// OnConnect registers a handler for successful connection establishment.
func (r *Registry) OnConnect(fn func()) CancelFunc {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.onConnect[id] = fn
	return r.cancelToken(func() { delete(r.onConnect, id) })
}

// OnDisconnect registers a handler for connection loss.
func (r *Registry) OnDisconnect(fn func(reason string)) CancelFunc {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.onDisconnect[id] = fn
	return r.cancelToken(func() { delete(r.onDisconnect, id) })
}

// OnConnectError registers a handler for connect negotiation failures.
func (r *Registry) OnConnectError(fn func(err error)) CancelFunc {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.onConnectError[id] = fn
	return r.cancelToken(func() { delete(r.onConnectError, id) })
}

// OnNewMessage registers a handler for inbound chat messages.
func (r *Registry) OnNewMessage(fn func(NewMessageEvent)) CancelFunc {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.onNewMessage[id] = fn
	return r.cancelToken(func() { delete(r.onNewMessage, id) })
}

// OnViewerCount registers a handler for authoritative viewer-count updates.
func (r *Registry) OnViewerCount(fn func(ViewerCountEvent)) CancelFunc {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.onViewerCount[id] = fn
	return r.cancelToken(func() { delete(r.onViewerCount, id) })
}

// cancelToken wraps a map deletion in a once-guarded cancellation token.
// Callers hold r.mu; the token itself re-acquires it.
func (r *Registry) cancelToken(remove func()) CancelFunc {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			remove()
		})
	}
}

// DetachAll removes every registration. Called on session teardown.
func (r *Registry) DetachAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onConnect = make(map[int64]func())
	r.onDisconnect = make(map[int64]func(reason string))
	r.onConnectError = make(map[int64]func(err error))
	r.onNewMessage = make(map[int64]func(NewMessageEvent))
	r.onViewerCount = make(map[int64]func(ViewerCountEvent))
}

// emitConnect notifies connect handlers.
func (r *Registry) emitConnect() {
	r.mu.RLock()
	handlers := make([]func(), 0, len(r.onConnect))
	for _, fn := range r.onConnect {
		handlers = append(handlers, fn)
	}
	r.mu.RUnlock()

	for _, fn := range handlers {
		fn()
	}
}

// emitDisconnect notifies disconnect handlers.
func (r *Registry) emitDisconnect(reason string) {
	r.mu.RLock()
	handlers := make([]func(string), 0, len(r.onDisconnect))
	for _, fn := range r.onDisconnect {
		handlers = append(handlers, fn)
	}
	r.mu.RUnlock()

	for _, fn := range handlers {
		fn(reason)
	}
}

// emitConnectError notifies connect-error handlers.
func (r *Registry) emitConnectError(err error) {
	r.mu.RLock()
	handlers := make([]func(error), 0, len(r.onConnectError))
	for _, fn := range r.onConnectError {
		handlers = append(handlers, fn)
	}
	r.mu.RUnlock()

	for _, fn := range handlers {
		fn(err)
	}
}

// viewerCountPayload is the wire shape of a viewerCount event.
type viewerCountPayload struct {
	Count int `json:"count" validate:"gte=0"`
}

// dispatch decodes a transport envelope into its typed payload and fans it
// out to the registered handlers. Unknown events are logged and dropped.
func (r *Registry) dispatch(env transport.Envelope) {
	logger := log.With().Str("component", "registry").Str("event", env.Event).Logger()

	switch env.Event {
	case transport.EventNewMessage:
		var msg transport.WireMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			logger.Error().Err(err).Msg("invalid newMessage payload")
			return
		}
		if err := r.validate.Struct(&msg); err != nil {
			logger.Warn().Err(err).Msg("newMessage validation failed")
			return
		}

		r.mu.RLock()
		handlers := make([]func(NewMessageEvent), 0, len(r.onNewMessage))
		for _, fn := range r.onNewMessage {
			handlers = append(handlers, fn)
		}
		r.mu.RUnlock()

		ev := NewMessageEvent{StreamID: env.StreamID, Message: msg}
		for _, fn := range handlers {
			fn(ev)
		}

	case transport.EventViewerCount:
		var p viewerCountPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			logger.Error().Err(err).Msg("invalid viewerCount payload")
			return
		}
		if err := r.validate.Struct(&p); err != nil {
			logger.Warn().Err(err).Msg("viewerCount validation failed")
			return
		}

		r.mu.RLock()
		handlers := make([]func(ViewerCountEvent), 0, len(r.onViewerCount))
		for _, fn := range r.onViewerCount {
			handlers = append(handlers, fn)
		}
		r.mu.RUnlock()

		ev := ViewerCountEvent{StreamID: env.StreamID, Count: p.Count}
		for _, fn := range handlers {
			fn(ev)
		}

	default:
		logger.Debug().Msg("unhandled event")
	}
}
