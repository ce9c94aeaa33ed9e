package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// defaultPingPeriod defines the default interval for sending WebSocket ping messages.
	defaultPingPeriod = 15 * time.Second

	// defaultSendTimeout defines the default timeout for WebSocket write operations.
	defaultSendTimeout = 5 * time.Second

	// defaultReadLimit defines the maximum size of incoming WebSocket messages.
	defaultReadLimit = 1 << 20 // 1MB

	// defaultHandshakeTimeout defines the maximum time allowed for WebSocket handshake.
	defaultHandshakeTimeout = 10 * time.Second

	// defaultDialAttempts defines the bounded retry count for the initial connect.
	defaultDialAttempts = 3

	// defaultDialDelay defines the fixed delay between connect attempts.
	defaultDialDelay = time.Second

	// defaultConnectTimeout bounds the whole connect negotiation.
	defaultConnectTimeout = 10 * time.Second

	// sendQueueSize bounds the store-and-forward queue of outbound frames.
	sendQueueSize = 256
)

// Common errors returned by the transport client.
var (
	// ErrClientShuttingDown indicates that the client is in the process of shutting down.
	ErrClientShuttingDown = errors.New("client is shutting down")

	// ErrConnectFailed indicates the connect negotiation exhausted its retry budget.
	ErrConnectFailed = errors.New("connect attempts exhausted")

	// ErrConnectionLost indicates the persistent stream dropped and the frame
	// was not queued.
	ErrConnectionLost = errors.New("connection lost")

	// ErrSendQueueFull indicates the outbound store-and-forward queue is saturated.
	ErrSendQueueFull = errors.New("send queue is full")
)

// Config defines settings for the transport client.
type Config struct {
	// Endpoint is the WebSocket URL to connect to.
	// Required: This field must be provided and non-empty.
	Endpoint string

	// OnEvent is called for each decoded server-to-client envelope that is
	// not an acknowledgement. Required.
	OnEvent func(Envelope)

	// TLSInsecureSkip disables TLS certificate verification.
	TLSInsecureSkip bool

	// PingPeriod is the interval between WebSocket ping messages.
	PingPeriod time.Duration

	// SendTimeout is the maximum time allowed for WebSocket write operations.
	SendTimeout time.Duration

	// DialAttempts is the bounded number of connect attempts.
	DialAttempts int

	// DialDelay is the fixed delay between connect attempts.
	DialDelay time.Duration

	// ConnectTimeout bounds the whole connect negotiation.
	ConnectTimeout time.Duration
}

// Client wraps a websocket.Conn with lifecycle, acknowledgement, and
// store-and-forward emission logic.
//
// Outbound frames are placed on an ordered queue drained by a single write
// goroutine, so emission order is preserved per connection and callers never
// block on the wire. Acknowledgement callbacks are invoked exactly once: by
// the matching server ack, or failure-shaped when the connection is lost or
// the client closed.
type Client struct {
	// conn stores the active WebSocket connection using atomic operations.
	conn atomic.Value // stores *websocket.Conn

	// connected tracks whether the persistent stream is currently live.
	connected atomic.Bool

	// sendCh is the ordered store-and-forward queue of outbound frames.
	sendCh chan []byte

	// disconnect signals when the WebSocket connection is lost.
	disconnect chan struct{}

	// errChan reports fatal errors that cause connection termination.
	errChan chan error

	// cfg holds the client configuration.
	cfg *Config

	// ctx is the cancellation context for coordinating shutdown.
	ctx context.Context

	// cancel is the function to trigger context cancellation.
	cancel context.CancelFunc

	// once ensures Close() is only executed once.
	once sync.Once

	// wg coordinates goroutine shutdown.
	wg sync.WaitGroup

	// validate checks inbound envelopes before dispatch.
	validate *validator.Validate

	// ackSeq issues acknowledgement correlation ids.
	ackSeq atomic.Uint64

	// ackMu guards pendingAcks.
	ackMu sync.Mutex

	// pendingAcks maps ack ids to their single-shot callbacks.
	pendingAcks map[uint64]func(Ack)
}

// Connect returns a connected transport client.
//
// The connect negotiation is bounded: up to DialAttempts dials with a fixed
// DialDelay between them, all under ConnectTimeout. On success the read,
// ping, and write goroutines are started and queued frames begin to flow.
// On exhaustion an error wrapping ErrConnectFailed is returned; callers are
// expected to degrade to an inert handle rather than crash.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint URL is required")
	}
	if cfg.OnEvent == nil {
		return nil, errors.New("event callback is required")
	}

	// Apply defaults for optional fields
	if cfg.PingPeriod == 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.DialAttempts == 0 {
		cfg.DialAttempts = defaultDialAttempts
	}
	if cfg.DialDelay == 0 {
		cfg.DialDelay = defaultDialDelay
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	ctx, cancel := context.WithCancel(ctx)

	client := &Client{
		cfg:         &cfg,
		ctx:         ctx,
		cancel:      cancel,
		sendCh:      make(chan []byte, sendQueueSize),
		disconnect:  make(chan struct{}),
		errChan:     make(chan error, 1),
		validate:    validator.New(),
		pendingAcks: make(map[uint64]func(Ack)),
	}

	if err := client.run(); err != nil {
		cancel() // Clean up context on failure
		return nil, err
	}

	return client, nil
}

// run negotiates the connection and starts the lifecycle goroutines.
func (c *Client) run() error {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "run").
		Logger()

	logger.Info().Msg("starting transport client")

	conn, err := c.dialWithRetry()
	if err != nil {
		return err
	}

	c.conn.Store(conn)
	c.connected.Store(true)

	conn.SetReadLimit(defaultReadLimit)
	conn.SetPongHandler(func(appData string) error {
		// Update read deadline when pong is received
		deadline := time.Now().Add(c.cfg.PingPeriod * 2)
		if err := conn.SetReadDeadline(deadline); err != nil {
			logger.Warn().Err(err).Msg("failed to set read deadline in pong handler")
		}
		return nil
	})

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.pingLoop()
	}()
	// Not counted in the WaitGroup: it calls Close itself, and Close waits on
	// the WaitGroup inside its once body.
	go c.shutdownListener()

	return nil
}

// dialWithRetry attempts the bounded connect negotiation.
//
// The degraded store-and-forward mode is in effect between attempts: frames
// emitted by callers queue up and are flushed in order once the persistent
// stream is available, so the upgrade is transparent to consumers.
func (c *Client) dialWithRetry() (*websocket.Conn, error) {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Int("maxAttempts", c.cfg.DialAttempts).
		Dur("delay", c.cfg.DialDelay).
		Logger()

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.DialAttempts; attempt++ {
		conn, err := c.dial(ctx)
		if err == nil {
			logger.Info().Int("attempt", attempt).Msg("websocket connection established")
			return conn, nil
		}
		lastErr = err
		logger.Warn().Err(err).Int("attempt", attempt).Msg("connect attempt failed")

		if attempt == c.cfg.DialAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrConnectFailed, ctx.Err())
		case <-time.After(c.cfg.DialDelay):
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrConnectFailed, c.cfg.DialAttempts, lastErr)
}

// dial establishes a single WebSocket connection.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.TLSInsecureSkip},
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.Endpoint, make(http.Header))
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

// Emit queues an envelope for delivery on the stream.
//
// Delivery is at-least-once and order-preserving per channel: frames are
// drained in queue order by a single writer. Emit never blocks on the wire
// and fails with ErrConnectionLost once the stream dropped.
func (c *Client) Emit(event, streamID string, data any) error {
	return c.enqueue(Envelope{Event: event, StreamID: streamID}, data)
}

// EmitWithAck queues an envelope and registers a single-shot acknowledgement
// callback, invoked exactly once with the server's Ack or a failure-shaped
// Ack when the connection is lost or the client is closed.
func (c *Client) EmitWithAck(event, streamID string, data any, ack func(Ack)) error {
	env := Envelope{Event: event, StreamID: streamID, AckID: c.ackSeq.Add(1)}

	c.ackMu.Lock()
	c.pendingAcks[env.AckID] = ack
	c.ackMu.Unlock()

	if err := c.enqueue(env, data); err != nil {
		c.resolveAck(env.AckID, Ack{Success: false, Message: err.Error()})
		return err
	}
	return nil
}

// enqueue marshals and appends a frame to the store-and-forward queue.
func (c *Client) enqueue(env Envelope, data any) error {
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", env.Event, err)
		}
		env.Data = raw
	}

	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if c.ctx.Err() != nil {
		return ErrClientShuttingDown
	}
	// Once the stream dropped the write loop is gone; queueing would lose the
	// frame silently, so callers get a hard failure instead.
	if !c.connected.Load() {
		return ErrConnectionLost
	}
	select {
	case c.sendCh <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// writeLoop drains the outbound queue onto the connection.
func (c *Client) writeLoop() {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "writeLoop").
		Logger()

	logger.Info().Msg("starting write loop")
	defer logger.Info().Msg("write loop exiting")

	conn := c.conn.Load().(*websocket.Conn)
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.sendCh:
			deadline := time.Now().Add(c.cfg.SendTimeout)
			if err := conn.SetWriteDeadline(deadline); err != nil {
				logger.Warn().Err(err).Msg("failed to set write deadline")
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Error().Err(err).Msg("write error")
				return
			}
		}
	}
}

// readLoop continuously reads envelopes from the WebSocket connection.
func (c *Client) readLoop() {
	conn := c.conn.Load().(*websocket.Conn)
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "readLoop").
		Logger()

	logger.Info().Msg("starting read loop")
	defer func() {
		logger.Info().Msg("read loop exiting")
		c.connected.Store(false)
		close(c.disconnect) // Signal disconnect to consumers
		c.failPendingAcks("connection lost")

		// Try to send error if channel not full
		select {
		case c.errChan <- ErrClientShuttingDown:
		default:
			logger.Debug().Msg("error channel full, skipping error send")
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			logger.Info().Msg("context cancelled, exiting read loop")
			return
		default:
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Info().Err(err).Msg("websocket closed normally")
				} else if websocket.IsUnexpectedCloseError(err) {
					logger.Warn().Err(err).Msg("unexpected websocket closure")
				} else {
					logger.Error().Err(err).Msg("read error")
				}

				select {
				case c.errChan <- err:
				default:
					logger.Warn().Err(err).Msg("error channel full, dropping error")
				}
				return
			}

			c.handleFrame(data, logger)
		}
	}
}

// handleFrame decodes, validates, and dispatches one inbound frame.
//
// Malformed frames are logged and dropped; a bad frame must never terminate
// the session.
func (c *Client) handleFrame(data []byte, logger zerolog.Logger) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Error().Err(err).Msg("invalid envelope JSON")
		return
	}
	if err := c.validate.Struct(&env); err != nil {
		logger.Warn().Err(err).Msg("envelope validation failed")
		return
	}

	if env.Event == EventAck {
		var ack Ack
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			logger.Error().Err(err).Uint64("ackId", env.AckID).Msg("invalid ack payload")
			ack = Ack{Success: false, Message: "malformed acknowledgement"}
		}
		c.resolveAck(env.AckID, ack)
		return
	}

	// Dispatch with panic recovery so a handler bug cannot kill the read loop.
	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Any("recover", r).Str("event", env.Event).Msg("panic in event handler")
			}
		}()
		c.cfg.OnEvent(env)
	}()
}

// resolveAck invokes and removes a pending acknowledgement callback, if any.
func (c *Client) resolveAck(id uint64, ack Ack) {
	c.ackMu.Lock()
	cb, ok := c.pendingAcks[id]
	delete(c.pendingAcks, id)
	c.ackMu.Unlock()

	if ok && cb != nil {
		cb(ack)
	}
}

// failPendingAcks resolves every outstanding acknowledgement failure-shaped.
func (c *Client) failPendingAcks(reason string) {
	c.ackMu.Lock()
	pending := c.pendingAcks
	c.pendingAcks = make(map[uint64]func(Ack))
	c.ackMu.Unlock()

	for _, cb := range pending {
		if cb != nil {
			cb(Ack{Success: false, Message: reason})
		}
	}
}

// pingLoop sends periodic ping messages to keep the connection alive.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "pingLoop").
		Logger()

	logger.Info().Dur("period", c.cfg.PingPeriod).Msg("starting ping loop")
	defer logger.Info().Msg("ping loop exiting")

	for {
		select {
		case <-ticker.C:
			connVal := c.conn.Load()
			if connVal == nil {
				logger.Debug().Msg("connection not available for ping")
				continue
			}
			conn := connVal.(*websocket.Conn)

			deadline := time.Now().Add(c.cfg.SendTimeout)
			if err := conn.SetWriteDeadline(deadline); err != nil {
				logger.Warn().Err(err).Msg("failed to set write deadline")
				continue
			}

			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Warn().Err(err).Msg("ping error")
			} else {
				logger.Debug().Msg("ping sent")
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// shutdownListener waits for context cancellation and closes the connection.
func (c *Client) shutdownListener() {
	<-c.ctx.Done()
	log.Info().Msg("context cancelled, shutting down transport client")
	c.Close()
}

// Connected reports whether the persistent stream is currently live.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Close gracefully shuts down the client. Safe to call multiple times.
func (c *Client) Close() {
	c.once.Do(func() {
		logger := log.With().
			Str("endpoint", c.cfg.Endpoint).
			Str("component", "close").
			Logger()

		logger.Info().Msg("initiating graceful shutdown")

		c.connected.Store(false)
		c.failPendingAcks("connection disposed")

		// First cancel context to signal all goroutines
		c.cancel()

		// Then close the websocket connection
		if conn := c.conn.Load(); conn != nil {
			if ws, ok := conn.(*websocket.Conn); ok {
				// Send close frame with normal closure code
				if err := ws.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second),
				); err != nil {
					logger.Warn().Err(err).Msg("failed to send close frame")
				}

				if err := ws.Close(); err != nil {
					logger.Warn().Err(err).Msg("error closing websocket connection")
				}
			}
		}

		// Wait for the read, write, and ping goroutines to complete
		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			logger.Info().Msg("all goroutines completed")
		case <-time.After(5 * time.Second):
			logger.Warn().Msg("timeout waiting for goroutines to complete")
		}

		logger.Info().Msg("shutdown complete")
	})
}

// DisconnectChan returns a channel that is closed when the client disconnects.
func (c *Client) DisconnectChan() <-chan struct{} {
	return c.disconnect
}

// ErrChan returns a channel that emits any terminal read errors.
func (c *Client) ErrChan() <-chan error {
	return c.errChan
}
