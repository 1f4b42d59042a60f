package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

type wsServer struct {
	srv    *httptest.Server
	conns  chan *websocket.Conn
	frames chan RealtimeEnvelope

	mu       sync.Mutex
	auth     []string
	firstMsg string
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		conns:    make(chan *websocket.Conn, 8),
		frames:   make(chan RealtimeEnvelope, 32),
		firstMsg: eventAuthenticated,
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		s.mu.Lock()
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		first := s.firstMsg
		s.mu.Unlock()

		ctx := r.Context()
		if err := writeFrame(ctx, c, first, AuthenticatedPayload{UserID: selfID}); err != nil {
			return
		}
		s.conns <- c
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var env RealtimeEnvelope
			if json.Unmarshal(data, &env) != nil {
				continue
			}
			if env.Type == eventPing {
				var p PingPayload
				_ = json.Unmarshal(env.Payload, &p)
				_ = writeFrame(ctx, c, eventPong, p)
				continue
			}
			s.frames <- env
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

func (s *wsServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(waitFor):
		t.Fatal("no websocket connection")
		return nil
	}
}

func writeFrame(ctx context.Context, c *websocket.Conn, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(RealtimeEnvelope{Type: event, Payload: raw})
	if err != nil {
		return err
	}
	return c.Write(ctx, websocket.MessageText, data)
}

type statusLog struct {
	mu  sync.Mutex
	got []bool
}

func (l *statusLog) add(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, v)
}

func (l *statusLog) all() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.got...)
}

// ============================================================================
// RealtimeWSClient
// ============================================================================

func TestRealtimeHandshakeAndDispatchOrder(t *testing.T) {
	s := newWSServer(t)
	ws := NewRealtimeWSClient(s.url(), &RealtimeConfig{Token: "tok", Logger: testLogger()})
	statuses := &statusLog{}
	ws.OnStatus(statuses.add)

	var (
		mu  sync.Mutex
		got []string
	)
	ws.OnEvent(EventNewMessage, func(raw json.RawMessage) {
		m, err := decodePayload[Message](raw)
		assert.NoError(t, err)
		mu.Lock()
		got = append(got, m.ID)
		mu.Unlock()
	})

	ctx := context.Background()
	require.NoError(t, ws.Connect(ctx))
	defer ws.Disconnect()

	assert.True(t, ws.Connected())
	assert.Equal(t, selfID, ws.UserID())
	assert.Equal(t, []bool{true}, statuses.all())

	conn := s.nextConn(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, writeFrame(ctx, conn, EventNewMessage, msg(id, "bob", selfID, id)))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	}, waitFor, tick)
	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
	mu.Unlock()

	s.mu.Lock()
	assert.Equal(t, []string{"Bearer tok"}, s.auth)
	s.mu.Unlock()
}

func TestRealtimeEmitAndPing(t *testing.T) {
	s := newWSServer(t)
	ws := NewRealtimeWSClient(s.url(), &RealtimeConfig{Logger: testLogger()})
	ctx := context.Background()

	assert.ErrorIs(t, ws.Emit(ctx, EventTyping, TypingPayload{}), ErrNotConnected)

	require.NoError(t, ws.Connect(ctx))
	defer ws.Disconnect()
	s.nextConn(t)

	require.NoError(t, ws.Emit(ctx, EventSendMessage, SendMessagePayload{SenderID: selfID, ReceiverID: "bob", Content: "hi"}))
	select {
	case env := <-s.frames:
		assert.Equal(t, EventSendMessage, env.Type)
		p, err := decodePayload[SendMessagePayload](env.Payload)
		require.NoError(t, err)
		assert.Equal(t, "hi", p.Content)
		assert.Equal(t, "bob", p.ReceiverID)
	case <-time.After(waitFor):
		t.Fatal("server received nothing")
	}

	pctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	assert.NoError(t, ws.Ping(pctx))
}

func TestRealtimeRejectsMissingAuthFrame(t *testing.T) {
	s := newWSServer(t)
	s.mu.Lock()
	s.firstMsg = "hello"
	s.mu.Unlock()
	ws := NewRealtimeWSClient(s.url(), &RealtimeConfig{Logger: testLogger()})

	err := ws.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, ws.State())
}

func TestRealtimeReconnectsAfterDrop(t *testing.T) {
	s := newWSServer(t)
	ws := NewRealtimeWSClient(s.url(), &RealtimeConfig{
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		Logger:             testLogger(),
	})
	statuses := &statusLog{}
	ws.OnStatus(statuses.add)
	attempts := make(chan int, 4)
	ws.OnReconnecting(func(attempt int, delay time.Duration) {
		assert.LessOrEqual(t, delay, 50*time.Millisecond)
		attempts <- attempt
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, ws.Connect(ctx))
	defer ws.Disconnect()

	first := s.nextConn(t)
	_ = first.Close(websocket.StatusGoingAway, "restart")

	s.nextConn(t)
	require.Eventually(t, func() bool { return len(statuses.all()) == 3 }, waitFor, tick)
	assert.Equal(t, []bool{true, false, true}, statuses.all())
	assert.True(t, ws.Connected())
	select {
	case n := <-attempts:
		assert.Equal(t, 1, n)
	default:
		t.Fatal("no reconnect attempt reported")
	}
}

func TestRealtimeDisconnectStopsReconnect(t *testing.T) {
	s := newWSServer(t)
	ws := NewRealtimeWSClient(s.url(), &RealtimeConfig{
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		Logger:             testLogger(),
	})
	statuses := &statusLog{}
	ws.OnStatus(statuses.add)

	require.NoError(t, ws.Connect(context.Background()))
	s.nextConn(t)
	_ = ws.Disconnect()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []bool{true, false}, statuses.all())
	assert.False(t, ws.Connected())
	assert.Empty(t, s.conns)
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 3,
	})
	var last time.Duration
	for i := 1; i <= 3; i++ {
		require.True(t, r.shouldReconnect())
		attempt, delay := r.nextDelay()
		assert.Equal(t, i, attempt)
		assert.LessOrEqual(t, delay, time.Second)
		assert.Greater(t, delay, last/2)
		last = delay
	}
	assert.False(t, r.shouldReconnect())
	r.reset()
	assert.True(t, r.shouldReconnect())
}
