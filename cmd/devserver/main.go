/*
Package main implements a local development harness for the session engine.

It exposes the three external interfaces the engine consumes:

  - GET  /price-history/{tokenId} — synthesized 24h price window in wei
  - POST /auth/login              — issues a short-lived signed access token
  - GET  /stream                  — WebSocket pub/sub hub speaking the
    session envelope (subscribe acks, message fan-out, like counting)

The harness exists so cmd/viewer runs end-to-end without the production
platform; it is not part of the session engine itself.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tokenlive/internal/transport"
)

var (
	// addr is the listen address for the harness.
	addr = flag.String("addr", ":3000", "Listen address")
	// agentName is the persona echoed back into busy streams.
	agentName = flag.String("agent", "FrogFace", "Agent persona name for chat echoes")
)

// devSigningKey signs dev access tokens. Dev harness only.
var devSigningKey = []byte("tokenlive-dev-secret")

// hub fans stream events out to subscribed connections.
type hub struct {
	log zerolog.Logger
	mu  sync.Mutex
	// subs maps streamId -> connections subscribed to it.
	subs map[string]map[*client]struct{}
	// likes counts likes per streamId.
	likes map[string]int
}

// client is one websocket connection with a serialized writer.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(env transport.Envelope) error {
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func newHub(log zerolog.Logger) *hub {
	return &hub{
		log:   log,
		subs:  make(map[string]map[*client]struct{}),
		likes: make(map[string]int),
	}
}

// serve upgrades the request and processes envelopes until the peer leaves.
func (h *hub) serve(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := &client{conn: conn}
	defer h.drop(c)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env transport.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.log.Warn().Err(err).Msg("bad frame")
			continue
		}
		h.handle(c, env)
	}
}

// handle processes one client-to-server envelope.
func (h *hub) handle(c *client, env transport.Envelope) {
	switch env.Event {
	case transport.EventSubscribe:
		h.mu.Lock()
		if h.subs[env.StreamID] == nil {
			h.subs[env.StreamID] = make(map[*client]struct{})
		}
		h.subs[env.StreamID][c] = struct{}{}
		count := len(h.subs[env.StreamID])
		h.mu.Unlock()

		if env.AckID != 0 {
			ack, _ := json.Marshal(transport.Ack{Success: true})
			c.send(transport.Envelope{Event: transport.EventAck, AckID: env.AckID, Data: ack})
		}
		h.broadcastViewerCount(env.StreamID, count)
		h.log.Info().Str("streamId", env.StreamID).Int("viewers", count).Msg("subscribed")

	case transport.EventSendMessage:
		var msg transport.WireMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			h.log.Warn().Err(err).Msg("bad message payload")
			return
		}
		// Echo the message to every subscriber, sender included: the client
		// deduplicates its own optimistic copy by id.
		h.broadcast(env.StreamID, transport.EventNewMessage, msg)

		// A trivial agent: greet direct mentions so chat feels alive.
		if strings.Contains(strings.ToLower(msg.Text), strings.ToLower(*agentName)) {
			reply := transport.WireMessage{
				ID:        "agent-" + uuid.NewString(),
				User:      *agentName,
				Text:      fmt.Sprintf("Hey %s! Thanks for the shoutout.", shorten(msg.User)),
				Timestamp: time.Now(),
			}
			h.broadcast(env.StreamID, transport.EventNewMessage, reply)
		}

	case transport.EventLike:
		h.mu.Lock()
		h.likes[env.StreamID]++
		likes := h.likes[env.StreamID]
		h.mu.Unlock()
		h.log.Info().Str("streamId", env.StreamID).Int("likes", likes).Msg("stream liked")

	default:
		h.log.Debug().Str("event", env.Event).Msg("unhandled event")
	}
}

// broadcast sends an event to every subscriber of a stream.
func (h *hub) broadcast(streamID, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Msg("broadcast marshal failed")
		return
	}

	h.mu.Lock()
	targets := make([]*client, 0, len(h.subs[streamID]))
	for c := range h.subs[streamID] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	env := transport.Envelope{Event: event, StreamID: streamID, Data: raw}
	for _, c := range targets {
		if err := c.send(env); err != nil {
			h.log.Warn().Err(err).Msg("broadcast send failed")
		}
	}
}

// broadcastViewerCount publishes the authoritative subscriber count.
func (h *hub) broadcastViewerCount(streamID string, count int) {
	h.broadcast(streamID, transport.EventViewerCount, map[string]int{"count": count})
}

// drop removes a connection from every stream it subscribed to.
func (h *hub) drop(c *client) {
	h.mu.Lock()
	for streamID, conns := range h.subs {
		if _, ok := conns[c]; ok {
			delete(conns, c)
			go h.broadcastViewerCount(streamID, len(conns))
		}
	}
	h.mu.Unlock()
	c.conn.Close()
}

// priceHistory synthesizes a 24h random-walk window in wei.
func priceHistory(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/price-history/")
	if _, err := strconv.Atoi(idStr); err != nil {
		http.Error(w, "invalid token id", http.StatusBadRequest)
		return
	}

	type item struct {
		Timestamp  string `json:"timestamp"`
		PriceInWei string `json:"priceInWei"`
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	price := int64(1_000_000_000_000) // 1e12 wei = 1e-6 units
	items := make([]item, 0, 48)
	start := time.Now().Add(-24 * time.Hour)
	for i := 0; i < 48; i++ {
		price += rng.Int63n(100_000_000_000) - 50_000_000_000
		if price < 1 {
			price = 1
		}
		items = append(items, item{
			Timestamp:  start.Add(time.Duration(i) * 30 * time.Minute).Format(time.RFC3339),
			PriceInWei: strconv.FormatInt(price, 10),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(items)
}

// login issues a dev access token for any non-empty bearer credential.
func login(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if r.Method != http.MethodPost || bearer == "" {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{
			"message":    "missing bearer credential",
			"error":      "unauthorized",
			"statusCode": http.StatusUnauthorized,
		})
		return
	}

	claims := jwt.MapClaims{
		"sub": fmt.Sprintf("0x%08x", rand.Uint32()),
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(12 * time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(devSigningKey)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{
			"message":    "token signing failed",
			"error":      "internal",
			"statusCode": http.StatusInternalServerError,
		})
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"access_token": token})
}

// shorten renders a wallet-style identity as its familiar short form.
func shorten(id string) string {
	if len(id) <= 11 {
		return id
	}
	return id[:7] + "..." + id[len(id)-4:]
}

func main() {
	flag.Parse()

	log := zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()

	h := newHub(log)
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", h.serve)
	mux.HandleFunc("/price-history/", priceHistory)
	mux.HandleFunc("/auth/login", login)

	srv := &http.Server{Addr: *addr, Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("received shutdown signal")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
		cancel()
	}()

	log.Info().Str("addr", *addr).Msg("devserver listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server error")
	}
	<-ctx.Done()
}
