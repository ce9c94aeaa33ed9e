package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tokenlive/internal/chat"
	"tokenlive/internal/config"
	"tokenlive/internal/model"
	"tokenlive/internal/presence"
	"tokenlive/internal/pricefeed"
)

// StreamInfo identifies the stream a session joins.
type StreamInfo struct {
	StreamID  string // Channel identifier for subscription and emission
	TokenID   int    // Token identifier for the price feed
	TokenName string // Display name used in the welcome banner
}

// Session is one viewer's live participation in a token stream.
//
// Join wires the connection, subscription, chat, presence, and price feed
// together; Leave cancels every timer, detaches every handler registration,
// and releases the connection handle. Release is guaranteed on every exit
// path: all teardown is funneled through Leave, which is safe to call from
// defer and multiple times.
type Session struct {
	info     StreamInfo
	cfg      *config.Config
	manager  *Manager
	registry *Registry
	subs     *SubscriptionController

	Chat     *chat.Log
	Presence *presence.Tracker
	Prices   *pricefeed.Poller

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	cancels []CancelFunc
}

// New composes a session from configuration. The price source defaults to
// the HTTP price-history client; tests may pass their own.
func New(cfg *config.Config, info StreamInfo, priceSource pricefeed.Source) *Session {
	registry := NewRegistry()
	manager := NewManager(cfg.Server, cfg.Session.Identity, registry)

	if priceSource == nil {
		priceSource = pricefeed.NewClient(cfg.API.BaseURL, cfg.API.Timeout)
	}

	return &Session{
		info:     info,
		cfg:      cfg,
		manager:  manager,
		registry: registry,
		subs:     NewSubscriptionController(manager),
		Chat: chat.NewLog(chat.Classifier{
			AgentName:      cfg.Session.AgentName,
			ViewerIdentity: cfg.Session.Identity,
		}),
		Presence: presence.NewTracker(),
		Prices:   pricefeed.NewPoller(priceSource, cfg.Price.PollInterval),
	}
}

// Join acquires the connection, subscribes to the channel, seeds the chat
// log, and starts the presence tick and price poll schedules.
func (s *Session) Join(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session already joined")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	ok := false
	defer func() {
		if !ok {
			s.Leave()
		}
	}()

	logger := log.With().Str("component", "session").Str("streamId", s.info.StreamID).Logger()

	handle := s.manager.Acquire(ctx)

	// Seed the log: welcome banner, connectivity notice, agent greeting.
	s.Chat.Append(chat.WelcomeBanner(s.info.TokenName, s.cfg.Session.AgentName))
	s.Chat.Append(chat.ConnectivityNotice(handle.Connected()))
	if s.cfg.Session.AgentName != "" {
		s.Chat.Append(chat.AgentGreeting(s.info.TokenName, s.cfg.Session.AgentName))
	}

	// Inbound events feed the stores; registrations are detached on Leave.
	s.track(s.registry.OnNewMessage(func(ev NewMessageEvent) {
		if ev.StreamID != "" && ev.StreamID != s.info.StreamID {
			return
		}
		s.Chat.Append(model.ChatMessage{
			ID:        ev.Message.ID,
			Author:    ev.Message.User,
			Text:      ev.Message.Text,
			Timestamp: ev.Message.Timestamp,
		})
	}))
	s.track(s.registry.OnViewerCount(func(ev ViewerCountEvent) {
		if ev.StreamID != "" && ev.StreamID != s.info.StreamID {
			return
		}
		s.Presence.ApplyRemoteViewerCount(ev.Count)
	}))
	s.track(s.registry.OnDisconnect(func(reason string) {
		logger.Warn().Str("reason", reason).Msg("stream connection lost")
		// A fresh id per occurrence: the log dedups by id and a session can
		// lose the connection more than once.
		s.Chat.Append(chat.NewSystemMessage("connection-lost-"+uuid.NewString(), "Connection to chat server lost."))
	}))

	// Subscription failure is non-fatal: warn and keep the session running.
	s.subs.Subscribe(s.info.StreamID, func(res SubscribeResult) {
		if !res.Success {
			logger.Warn().Str("message", res.Message).Msg("failed to subscribe to stream")
		}
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.presenceLoop(ctx)
	}()

	if err := s.Prices.Start(ctx, s.info.TokenID); err != nil {
		return err
	}

	ok = true
	logger.Info().Bool("connected", handle.Connected()).Msg("session joined")
	return nil
}

// presenceLoop drives the viewer-count fallback walk.
func (s *Session) presenceLoop(ctx context.Context) {
	interval := s.cfg.Presence.TickInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Presence.Tick()
		}
	}
}

// track records a registration for detachment on Leave.
func (s *Session) track(cancel CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, cancel)
}

// SendMessage appends an optimistic local message and publishes it on the
// channel. The local append always happens; the returned error only reports
// the emission outcome.
func (s *Session) SendMessage(text string) error {
	if text == "" {
		return errors.New("message text cannot be empty")
	}

	msg := chat.NewLocalMessage(s.cfg.Session.Identity, text)
	s.Chat.Append(msg)

	handle, ok := s.manager.Lookup()
	if !ok {
		return ErrNotConnected
	}
	return handle.SendMessage(s.info.StreamID, msg)
}

// ToggleLike flips the local like state and propagates likes to the stream.
// Propagation failure leaves the optimistic state in place.
func (s *Session) ToggleLike() (bool, error) {
	return s.Presence.ToggleLike(func(liked bool) error {
		if !liked {
			// Unlike is local-only, matching the platform's like semantics.
			return nil
		}
		handle, ok := s.manager.Lookup()
		if !ok {
			return ErrNotConnected
		}
		return handle.LikeStream(s.info.StreamID)
	})
}

// Status reports the connection manager's state.
func (s *Session) Status() Status {
	return s.manager.Status()
}

// Leave tears the session down: cancels all timers, stops the poller,
// detaches every event registration, and disposes the connection handle.
// Safe to call multiple times and from defer.
func (s *Session) Leave() {
	if !s.started.CompareAndSwap(true, false) {
		return
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.Prices.Stop()
	s.wg.Wait()

	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	s.registry.DetachAll()

	s.manager.Dispose()
	log.Info().Str("component", "session").Str("streamId", s.info.StreamID).Msg("session left")
}
