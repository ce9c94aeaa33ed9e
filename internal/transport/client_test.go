package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testServer is a WebSocket endpoint that records inbound envelopes and lets
// tests push frames back to the client.
type testServer struct {
	t        *testing.T
	srv      *httptest.Server
	received chan Envelope

	mu   sync.Mutex
	conn *websocket.Conn

	// ackSubscribes makes the server acknowledge every frame carrying an ackId.
	ackSubscribes bool
}

func newTestServer(t *testing.T, ackSubscribes bool) *testServer {
	t.Helper()

	ts := &testServer{
		t:             t,
		received:      make(chan Envelope, 32),
		ackSubscribes: ackSubscribes,
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ts.mu.Lock()
		ts.conn = conn
		ts.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				t.Errorf("bad frame from client: %v", err)
				continue
			}
			ts.received <- env

			if ts.ackSubscribes && env.AckID != 0 {
				ack, _ := json.Marshal(Ack{Success: true, Message: "subscribed"})
				ts.push(Envelope{Event: EventAck, AckID: env.AckID, Data: ack})
			}
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

// url returns the ws:// endpoint of the server.
func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

// push writes one envelope to the connected client.
func (ts *testServer) push(env Envelope) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	require.NotNil(ts.t, ts.conn, "no client connected")
	frame, err := json.Marshal(env)
	require.NoError(ts.t, err)
	require.NoError(ts.t, ts.conn.WriteMessage(websocket.TextMessage, frame))
}

// pushRaw writes raw bytes, bypassing envelope marshalling.
func (ts *testServer) pushRaw(data []byte) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	require.NotNil(ts.t, ts.conn)
	require.NoError(ts.t, ts.conn.WriteMessage(websocket.TextMessage, data))
}

// dropClient closes the server side of the connection.
func (ts *testServer) dropClient() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.conn != nil {
		ts.conn.Close()
	}
}

// waitFor returns the next envelope received by the server.
func (ts *testServer) waitFor() Envelope {
	select {
	case env := <-ts.received:
		return env
	case <-time.After(2 * time.Second):
		ts.t.Fatal("timed out waiting for envelope")
		return Envelope{}
	}
}

func connectTo(t *testing.T, ts *testServer, onEvent func(Envelope)) *Client {
	t.Helper()
	if onEvent == nil {
		onEvent = func(Envelope) {}
	}
	client, err := Connect(context.Background(), Config{
		Endpoint: ts.url(),
		OnEvent:  onEvent,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestConnectValidatesConfig(t *testing.T) {
	_, err := Connect(context.Background(), Config{OnEvent: func(Envelope) {}})
	assert.Error(t, err)

	_, err = Connect(context.Background(), Config{Endpoint: "ws://localhost:1"})
	assert.Error(t, err)
}

func TestConnectExhaustsBoundedRetries(t *testing.T) {
	start := time.Now()
	_, err := Connect(context.Background(), Config{
		Endpoint:       "ws://127.0.0.1:1/stream",
		OnEvent:        func(Envelope) {},
		DialAttempts:   3,
		DialDelay:      20 * time.Millisecond,
		ConnectTimeout: 2 * time.Second,
	})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrConnectFailed)
	assert.Contains(t, err.Error(), "3 attempts")
	// Two inter-attempt delays must have elapsed.
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
}

func TestEmitPreservesOrder(t *testing.T) {
	ts := newTestServer(t, false)
	client := connectTo(t, ts, nil)

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, client.Emit(EventSendMessage, "stream-1", WireMessage{
			ID: "id-" + text, User: "0xabc", Text: text, Timestamp: time.Now(),
		}))
	}

	for _, want := range []string{"one", "two", "three"} {
		env := ts.waitFor()
		assert.Equal(t, EventSendMessage, env.Event)
		assert.Equal(t, "stream-1", env.StreamID)

		var msg WireMessage
		require.NoError(t, json.Unmarshal(env.Data, &msg))
		assert.Equal(t, want, msg.Text)
	}
}

func TestEmitWithAckResolvesFromServer(t *testing.T) {
	ts := newTestServer(t, true)
	client := connectTo(t, ts, nil)

	acks := make(chan Ack, 1)
	require.NoError(t, client.EmitWithAck(EventSubscribe, "stream-1", nil, func(a Ack) {
		acks <- a
	}))

	env := ts.waitFor()
	assert.Equal(t, EventSubscribe, env.Event)
	assert.NotZero(t, env.AckID)

	select {
	case ack := <-acks:
		assert.True(t, ack.Success)
		assert.Equal(t, "subscribed", ack.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("ack callback never invoked")
	}
}

func TestPendingAcksFailOnClose(t *testing.T) {
	ts := newTestServer(t, false) // server never acks
	client := connectTo(t, ts, nil)

	acks := make(chan Ack, 1)
	require.NoError(t, client.EmitWithAck(EventSubscribe, "stream-1", nil, func(a Ack) {
		acks <- a
	}))
	ts.waitFor()

	client.Close()

	select {
	case ack := <-acks:
		assert.False(t, ack.Success)
		assert.Equal(t, "connection disposed", ack.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("pending ack not failed on close")
	}
}

func TestPendingAcksFailOnDisconnect(t *testing.T) {
	ts := newTestServer(t, false)
	client := connectTo(t, ts, nil)

	acks := make(chan Ack, 1)
	require.NoError(t, client.EmitWithAck(EventSubscribe, "stream-1", nil, func(a Ack) {
		acks <- a
	}))
	ts.waitFor()

	ts.dropClient()

	select {
	case ack := <-acks:
		assert.False(t, ack.Success)
		assert.Equal(t, "connection lost", ack.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("pending ack not failed on disconnect")
	}

	select {
	case <-client.DisconnectChan():
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect channel never closed")
	}
	assert.False(t, client.Connected())
}

func TestInboundEventsAreDispatched(t *testing.T) {
	events := make(chan Envelope, 4)
	ts := newTestServer(t, false)
	client := connectTo(t, ts, func(env Envelope) { events <- env })

	// Wake the server's conn capture with an initial frame.
	require.NoError(t, client.Emit(EventSubscribe, "stream-1", nil))
	ts.waitFor()

	payload, _ := json.Marshal(WireMessage{ID: "m1", User: "0xabc", Text: "hello", Timestamp: time.Now()})
	ts.push(Envelope{Event: EventNewMessage, StreamID: "stream-1", Data: payload})

	select {
	case env := <-events:
		assert.Equal(t, EventNewMessage, env.Event)
		assert.Equal(t, "stream-1", env.StreamID)
	case <-time.After(2 * time.Second):
		t.Fatal("event never dispatched")
	}
}

func TestMalformedFramesAreDroppedNotFatal(t *testing.T) {
	events := make(chan Envelope, 4)
	ts := newTestServer(t, false)
	client := connectTo(t, ts, func(env Envelope) { events <- env })

	require.NoError(t, client.Emit(EventSubscribe, "stream-1", nil))
	ts.waitFor()

	ts.pushRaw([]byte("{not json"))
	ts.pushRaw([]byte(`{"streamId":"missing-event"}`))

	// The connection survives and later valid frames still flow.
	ts.push(Envelope{Event: EventViewerCount, StreamID: "stream-1", Data: []byte(`{"count":3}`)})

	select {
	case env := <-events:
		assert.Equal(t, EventViewerCount, env.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame after garbage never arrived")
	}
	assert.True(t, client.Connected())
}

func TestHandlerPanicDoesNotKillReadLoop(t *testing.T) {
	events := make(chan Envelope, 4)
	ts := newTestServer(t, false)
	client := connectTo(t, ts, func(env Envelope) {
		if env.Event == EventNewMessage {
			panic("handler bug")
		}
		events <- env
	})

	require.NoError(t, client.Emit(EventSubscribe, "stream-1", nil))
	ts.waitFor()

	ts.push(Envelope{Event: EventNewMessage, StreamID: "stream-1", Data: []byte(`{"id":"x","user":"u","text":"t"}`)})
	ts.push(Envelope{Event: EventViewerCount, StreamID: "stream-1", Data: []byte(`{"count":9}`)})

	select {
	case env := <-events:
		assert.Equal(t, EventViewerCount, env.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not survive the handler panic")
	}
}

func TestEmitFailsHardAfterDisconnect(t *testing.T) {
	ts := newTestServer(t, false)
	client := connectTo(t, ts, nil)

	require.NoError(t, client.Emit(EventSubscribe, "stream-1", nil))
	ts.waitFor()

	ts.dropClient()
	select {
	case <-client.DisconnectChan():
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect channel never closed")
	}

	// A dead handle must not report success-shaped emission.
	err := client.Emit(EventSendMessage, "stream-1", WireMessage{ID: "m", User: "u", Text: "lost"})
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestAckRegisteredAfterDisconnectFailsImmediately(t *testing.T) {
	ts := newTestServer(t, false)
	client := connectTo(t, ts, nil)

	require.NoError(t, client.Emit(EventSubscribe, "stream-1", nil))
	ts.waitFor()

	ts.dropClient()
	select {
	case <-client.DisconnectChan():
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect channel never closed")
	}

	acks := make(chan Ack, 1)
	err := client.EmitWithAck(EventSubscribe, "stream-1", nil, func(a Ack) {
		acks <- a
	})
	assert.ErrorIs(t, err, ErrConnectionLost)

	select {
	case ack := <-acks:
		assert.False(t, ack.Success)
	case <-time.After(time.Second):
		t.Fatal("ack registered after disconnect never resolved")
	}
}

func TestCloseReturnsPromptly(t *testing.T) {
	ts := newTestServer(t, false)
	client := connectTo(t, ts, nil)

	start := time.Now()
	client.Close()
	assert.Less(t, time.Since(start), 2*time.Second, "close must not stall on its own goroutines")
}

func TestCloseIsIdempotent(t *testing.T) {
	ts := newTestServer(t, false)
	client := connectTo(t, ts, nil)

	client.Close()
	client.Close()
	assert.False(t, client.Connected())

	err := client.Emit(EventSendMessage, "stream-1", WireMessage{ID: "a", User: "u", Text: "late"})
	assert.ErrorIs(t, err, ErrClientShuttingDown)
}
