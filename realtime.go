package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// PushChannel is the persistent bidirectional event transport the sync core
// consumes. RealtimeWSClient implements it.
type PushChannel interface {
	Connected() bool
	Emit(ctx context.Context, event string, payload any) error
	// OnEvent handlers must be invoked in arrival order.
	OnEvent(event string, h func(payload json.RawMessage))
	OnStatus(h func(connected bool))
}

// ============================================================================
// Wire format
// ============================================================================

// RealtimeEnvelope is the wire format for every push frame in both directions.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthenticatedPayload is the first frame the server sends after the upgrade.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// PingPayload is used by both ping and pong frames.
type PingPayload struct {
	RequestID string `json:"requestId"`
}

const (
	eventAuthenticated = "authenticated"
	eventPing          = "ping"
	eventPong          = "pong"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures RealtimeWSClient.
type RealtimeConfig struct {
	Token         string
	AutoReconnect bool
	// MaxReconnectAttempts defaults to 10; negative retries forever.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PongTimeout          time.Duration
	HandshakeTimeout     time.Duration
	ReadLimit            int64
	HTTPClient           *http.Client
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu             sync.RWMutex
	handlers       map[string][]func(json.RawMessage)
	onStatus       []func(bool)
	onReconnecting []func(int, time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		handlers: make(map[string][]func(json.RawMessage)),
	}
}

// dispatch runs handlers synchronously so per-connection ordering is preserved.
func (d *eventDispatcher) dispatch(env RealtimeEnvelope) {
	d.mu.RLock()
	handlers := append([]func(json.RawMessage){}, d.handlers[env.Type]...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(env.Payload)
	}
}

func (d *eventDispatcher) emitStatus(connected bool) {
	d.mu.RLock()
	handlers := append([]func(bool){}, d.onStatus...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(connected)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns the backoff for the next attempt. A connection that stayed
// up for more than a minute resets the attempt counter.
func (r *reconnector) nextDelay() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return r.attempt, delay
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// RealtimeWSClient
// ============================================================================

// RealtimeWSClient is a WebSocket push client with auto-reconnect and heartbeat.
type RealtimeWSClient struct {
	url              string
	config           *RealtimeConfig
	log              *slog.Logger
	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	userID           string
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	pendingPings     map[string]chan PingPayload
	pendingMu        sync.Mutex
}

var _ PushChannel = (*RealtimeWSClient)(nil)

// NewRealtimeWSClient creates a client for the given ws:// or wss:// URL.
func NewRealtimeWSClient(wsURL string, config *RealtimeConfig) *RealtimeWSClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeWSClient{
		url:          wsURL,
		config:       &cfg,
		log:          cfg.Logger.With("component", "realtime"),
		state:        StateDisconnected,
		dispatcher:   newEventDispatcher(),
		recon:        newReconnector(&cfg),
		pendingPings: make(map[string]chan PingPayload),
	}
}

// OnEvent registers a handler for a push event type.
func (ws *RealtimeWSClient) OnEvent(event string, h func(json.RawMessage)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.handlers[event] = append(ws.dispatcher.handlers[event], h)
	ws.dispatcher.mu.Unlock()
}

// OnStatus registers a handler for connect/disconnect transitions.
func (ws *RealtimeWSClient) OnStatus(h func(connected bool)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onStatus = append(ws.dispatcher.onStatus, h)
	ws.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler called before each reconnect attempt.
func (ws *RealtimeWSClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReconnecting = append(ws.dispatcher.onReconnecting, h)
	ws.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (ws *RealtimeWSClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connected reports whether the channel is currently usable.
func (ws *RealtimeWSClient) Connected() bool {
	return ws.State() == StateConnected
}

// UserID returns the user id announced by the server handshake.
func (ws *RealtimeWSClient) UserID() string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.userID
}

// Connect dials the server and waits for the authenticated frame. The
// connection, and any automatic reconnects, live until ctx is done or
// Disconnect is called.
func (ws *RealtimeWSClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	conn, auth, err := ws.dial(ctx)
	if err != nil {
		ws.setState(StateDisconnected)
		return err
	}

	connCtx, cancel := context.WithCancel(ctx)
	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.userID = auth.UserID
	ws.cancelFn = cancel
	ws.mu.Unlock()
	ws.recon.markConnected()

	ws.log.Info("push channel connected", "userId", auth.UserID)
	ws.dispatcher.emitStatus(true)

	go ws.readLoop(ctx, connCtx, conn)
	go ws.heartbeatLoop(connCtx)
	return nil
}

func (ws *RealtimeWSClient) dial(ctx context.Context) (*websocket.Conn, AuthenticatedPayload, error) {
	var auth AuthenticatedPayload

	hctx, cancel := context.WithTimeout(ctx, ws.config.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	if ws.config.Token != "" {
		header.Set("Authorization", "Bearer "+ws.config.Token)
	}
	conn, _, err := websocket.Dial(hctx, ws.url, &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, auth, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(ws.config.ReadLimit)

	_, data, err := conn.Read(hctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, auth, fmt.Errorf("read auth message: %w", err)
	}

	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != eventAuthenticated {
		conn.Close(websocket.StatusPolicyViolation, "expected authenticated")
		return nil, auth, fmt.Errorf("expected '%s', got '%s'", eventAuthenticated, env.Type)
	}
	if len(env.Payload) > 0 {
		_ = json.Unmarshal(env.Payload, &auth)
	}
	return conn, auth, nil
}

// Disconnect gracefully closes the connection and stops reconnecting.
func (ws *RealtimeWSClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	cancel := ws.cancelFn
	ws.cancelFn = nil
	conn := ws.conn
	wasConnected := ws.state == StateConnected
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.clearPendingPings()
	ws.recon.reset()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	// Cancelling the read context closes the conn too, so do it after the handshake.
	if cancel != nil {
		cancel()
	}
	if wasConnected {
		ws.dispatcher.emitStatus(false)
	}
	return err
}

// Emit sends an event over the channel.
func (ws *RealtimeWSClient) Emit(ctx context.Context, event string, payload any) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", event, err)
	}
	data, err := json.Marshal(RealtimeEnvelope{Type: event, Payload: raw})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (ws *RealtimeWSClient) Ping(ctx context.Context) error {
	requestID := uuid.NewString()

	ch := make(chan PingPayload, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()
	defer func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}()

	if err := ws.Emit(ctx, eventPing, PingPayload{RequestID: requestID}); err != nil {
		return err
	}

	timer := time.NewTimer(ws.config.PongTimeout)
	defer timer.Stop()
	select {
	case _, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		return nil
	case <-timer.C:
		return errors.New("ping timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ws *RealtimeWSClient) setState(s RealtimeState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

func (ws *RealtimeWSClient) readLoop(parent, ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if !intentional && ws.conn == conn {
				ws.conn = nil
				ws.state = StateDisconnected
				if ws.cancelFn != nil {
					ws.cancelFn()
					ws.cancelFn = nil
				}
			}
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.clearPendingPings()
			ws.log.Warn("push channel lost", "error", err)
			ws.dispatcher.emitStatus(false)

			if ws.config.AutoReconnect && parent.Err() == nil {
				ws.reconnect(parent)
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			ws.log.Debug("dropping malformed frame", "bytes", len(data))
			continue
		}

		if env.Type == eventPong {
			ws.resolvePing(env.Payload)
			continue
		}

		ws.dispatcher.dispatch(env)
	}
}

func (ws *RealtimeWSClient) resolvePing(raw json.RawMessage) {
	var p PingPayload
	if json.Unmarshal(raw, &p) != nil || p.RequestID == "" {
		return
	}
	ws.pendingMu.Lock()
	ch, ok := ws.pendingPings[p.RequestID]
	if ok {
		delete(ws.pendingPings, p.RequestID)
	}
	ws.pendingMu.Unlock()
	if ok {
		ch <- p
	}
}

func (ws *RealtimeWSClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ws.mu.Lock()
			conn := ws.conn
			ws.mu.Unlock()
			if conn == nil {
				return
			}
			if err := ws.Ping(ctx); err != nil {
				ws.log.Warn("heartbeat failed, closing connection", "error", err)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// reconnect retries Connect with backoff until it succeeds, attempts run out,
// or ctx ends.
func (ws *RealtimeWSClient) reconnect(ctx context.Context) {
	for ws.recon.shouldReconnect() {
		attempt, delay := ws.recon.nextDelay()
		ws.setState(StateReconnecting)
		ws.dispatcher.emitReconnecting(attempt, delay)
		ws.log.Info("reconnecting", "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			ws.setState(StateDisconnected)
			return
		}

		ws.mu.Lock()
		intentional := ws.intentionalClose
		if !intentional {
			ws.state = StateDisconnected
		}
		ws.mu.Unlock()
		if intentional {
			return
		}

		if err := ws.Connect(ctx); err != nil {
			ws.log.Warn("reconnect failed", "attempt", attempt, "error", err)
			continue
		}
		return
	}
	ws.log.Error("giving up on push channel", "attempts", ws.config.MaxReconnectAttempts)
	ws.setState(StateDisconnected)
}

func (ws *RealtimeWSClient) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}
