package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"tokenlive/internal/config"
	"tokenlive/internal/transport"
)

// Status reports the connection manager's observable state.
type Status struct {
	Connected bool
	LastError string
}

// Manager owns the lifecycle of the single outbound real-time connection.
//
// At most one live handle exists at any instant. Acquire is idempotent while
// the handle is connected; a stale disconnected handle is disposed before a
// new one is created, so no transport object leaks. When the connect
// negotiation fails, Acquire degrades to an inert handle instead of
// returning an error: absent connectivity must never crash a caller.
type Manager struct {
	mu       sync.Mutex
	cfg      config.ServerConfig
	identity string
	registry *Registry
	handle   ConnectionHandle
	lastErr  string
}

// NewManager creates a connection manager bound to a viewer identity and an
// event registry that receives every inbound event of the acquired handle.
func NewManager(cfg config.ServerConfig, identity string, registry *Registry) *Manager {
	return &Manager{
		cfg:      cfg,
		identity: identity,
		registry: registry,
	}
}

// Acquire returns the session's connection handle, creating one if needed.
//
// The returned handle is live on success and inert on failure; it is never
// nil. Reconnection policy: up to DialAttempts dials with DialDelay between
// them, bounded by ConnectTimeout.
func (m *Manager) Acquire(ctx context.Context) ConnectionHandle {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger := log.With().Str("component", "manager").Str("endpoint", m.cfg.URL).Logger()

	if m.handle != nil {
		if m.handle.Connected() {
			logger.Debug().Msg("reusing existing connection handle")
			return m.handle
		}
		// Stale disconnected handle: dispose before creating a new one.
		logger.Info().Msg("disposing stale connection handle")
		m.handle.close()
		m.handle = nil
	}

	client, err := transport.Connect(ctx, transport.Config{
		Endpoint:        m.cfg.URL,
		OnEvent:         m.registry.dispatch,
		TLSInsecureSkip: m.cfg.TLSInsecureSkip,
		PingPeriod:      m.cfg.PingPeriod,
		SendTimeout:     m.cfg.SendTimeout,
		DialAttempts:    m.cfg.DialAttempts,
		DialDelay:       m.cfg.DialDelay,
		ConnectTimeout:  m.cfg.ConnectTimeout,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("connect failed, degrading to inert handle")
		m.lastErr = err.Error()
		m.registry.emitConnectError(err)
		m.handle = &inertHandle{identity: m.identity}
		return m.handle
	}

	m.lastErr = ""
	m.handle = &liveHandle{client: client, identity: m.identity}

	// Bridge transport lifecycle signals into the typed registry.
	go m.watch(client)

	m.registry.emitConnect()
	logger.Info().Msg("connection handle acquired")
	return m.handle
}

// watch forwards transport disconnect and error signals to the registry.
func (m *Manager) watch(client *transport.Client) {
	select {
	case err, ok := <-client.ErrChan():
		if ok && err != nil {
			m.registry.emitDisconnect(err.Error())
			return
		}
	case <-client.DisconnectChan():
	}
	m.registry.emitDisconnect("connection lost")
}

// Lookup returns the current handle without creating one. After Dispose it
// reports no handle rather than a stale reference.
func (m *Manager) Lookup() (ConnectionHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return nil, false
	}
	return m.handle, true
}

// Dispose terminates the underlying transport if live and clears the
// singleton. Safe to call multiple times.
func (m *Manager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle == nil {
		return
	}
	m.handle.close()
	m.handle = nil
	log.Info().Str("component", "manager").Msg("connection handle disposed")
}

// Status reports whether a live connection exists and the last connect error.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Connected: m.handle != nil && m.handle.Connected(),
		LastError: m.lastErr,
	}
}
