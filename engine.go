package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Config configures an Engine.
type Config struct {
	// Self is the authenticated user.
	Self Sender
	API  API
	Push PushChannel

	Logger  *slog.Logger
	Metrics *Metrics

	FallbackGrace  time.Duration // default 5s
	PollInterval   time.Duration // default 3s
	TypingTimeout  time.Duration // default 3s
	RequestTimeout time.Duration // default 15s
	InboxSize      int           // default 256
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.FallbackGrace <= 0 {
		c.FallbackGrace = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = 3 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
}

// Engine keeps the active conversation's message sequence consistent across
// optimistic sends, push delivery and fallback polling. All state lives on a
// single loop goroutine started by Run.
type Engine struct {
	cfg     Config
	api     API
	push    PushChannel
	log     *slog.Logger
	metrics *Metrics
	events  *emitter
	loop    *eventLoop
	outbox  *outbox
	running atomic.Bool

	// Set once by Run before the loop starts.
	ctx context.Context

	// Loop-owned.
	session  *Session
	loader   historyLoader
	monitor  transportMonitor
	poller   fallbackPoller
	sender   sendReconciler
	typing   typingSignaler
	receipts readReceiptSignaler
}

// NewEngine validates cfg and subscribes to the push channel. Nothing happens
// until Run is called.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Self.ID == "" {
		return nil, errors.New("chatsync: Self.ID is required")
	}
	if cfg.API == nil {
		return nil, errors.New("chatsync: API is required")
	}
	if cfg.Push == nil {
		return nil, errors.New("chatsync: Push is required")
	}
	cfg.defaults()

	e := &Engine{
		cfg:     cfg,
		api:     cfg.API,
		push:    cfg.Push,
		log:     cfg.Logger.With("component", "chatsync", "user", cfg.Self.ID),
		metrics: cfg.Metrics,
		loop:    newEventLoop(cfg.InboxSize),
		outbox:  newOutbox(),
		ctx:     context.Background(),
	}
	e.events = newEmitter(e.log)
	e.loader.e = e
	e.monitor = transportMonitor{e: e, mode: ModePush}
	e.poller.e = e
	e.sender.e = e
	e.typing = typingSignaler{e: e, remote: make(map[string]bool)}
	e.receipts.e = e

	e.subscribe()
	return e, nil
}

func (e *Engine) subscribe() {
	e.push.OnEvent(EventNewMessage, func(raw json.RawMessage) {
		msg, err := decodePayload[Message](raw)
		if err != nil {
			e.log.Warn("malformed push event", "event", EventNewMessage, "error", err)
			return
		}
		e.loop.post(func() { e.sender.receive(msg) })
	})
	e.push.OnEvent(EventNewTeamMessage, func(raw json.RawMessage) {
		p, err := decodePayload[TeamMessagePayload](raw)
		if err != nil {
			e.log.Warn("malformed push event", "event", EventNewTeamMessage, "error", err)
			return
		}
		msg := p.Message
		if msg.ProjectID == "" {
			msg.ProjectID = p.ProjectID
		}
		e.loop.post(func() { e.sender.receive(msg) })
	})
	e.push.OnEvent(EventUserTyping, func(raw json.RawMessage) {
		p, err := decodePayload[UserTypingPayload](raw)
		if err != nil {
			e.log.Warn("malformed push event", "event", EventUserTyping, "error", err)
			return
		}
		e.loop.post(func() { e.typing.receive(p) })
	})
	e.push.OnStatus(func(connected bool) {
		e.loop.post(func() { e.monitor.setConnected(connected) })
	})
}

// Run processes engine work until ctx is cancelled. It may be called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("chatsync: engine already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.ctx = ctx

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.runOutbox(ctx)
	}()

	e.monitor.setConnected(e.push.Connected())
	e.loop.run(ctx)
	cancel()
	wg.Wait()

	e.monitor.disarm()
	e.poller.disarm()
	e.typing.disable()
	e.log.Debug("engine stopped")
	return nil
}

// On registers a handler for one of the Topic* notifications.
func (e *Engine) On(topic string, handler EventHandler) {
	e.events.On(topic, handler)
}

// Select makes conv the active conversation, discarding the previous
// session. A zero ConversationID clears the selection.
func (e *Engine) Select(ctx context.Context, conv ConversationID) error {
	return e.loop.call(ctx, func() { e.selectConversation(conv) })
}

// Send submits content to the active conversation. Delivery completes
// asynchronously; failures surface as a NoticeSendFailed.
func (e *Engine) Send(ctx context.Context, content string) error {
	var err error
	if cerr := e.loop.call(ctx, func() { err = e.sender.send(content) }); cerr != nil {
		return cerr
	}
	return err
}

// SetTyping reports local composing activity. It is a no-op while polling.
func (e *Engine) SetTyping(ctx context.Context, isTyping bool) error {
	return e.loop.call(ctx, func() { e.typing.set(isTyping) })
}

// Reload refetches the active conversation's history.
func (e *Engine) Reload(ctx context.Context) error {
	var err error
	cerr := e.loop.call(ctx, func() {
		if e.session == nil {
			err = ErrNoConversation
			return
		}
		e.loader.load(e.session.conv, LoadOptions{ShowLoading: true, Force: true})
	})
	if cerr != nil {
		return cerr
	}
	return err
}

// Messages returns a snapshot of the active conversation.
func (e *Engine) Messages() []Message {
	var out []Message
	e.query(func() {
		if e.session != nil {
			out = e.session.Messages()
		}
	})
	return out
}

// Active returns the selected conversation.
func (e *Engine) Active() ConversationID {
	var conv ConversationID
	e.query(func() {
		if e.session != nil {
			conv = e.session.conv
		}
	})
	return conv
}

// Mode returns the current transport mode.
func (e *Engine) Mode() TransportMode {
	mode := ModePush
	e.query(func() { mode = e.monitor.mode })
	return mode
}

// Typing returns the counterparts currently typing in the active conversation.
func (e *Engine) Typing() []string {
	var out []string
	e.query(func() { out = e.typing.users() })
	return out
}

func (e *Engine) query(fn func()) {
	_ = e.loop.call(context.Background(), fn)
}

func (e *Engine) selectConversation(conv ConversationID) {
	var prev ConversationID
	if e.session != nil {
		prev = e.session.conv
	}
	if prev == conv {
		return
	}

	e.typing.switchConversation(prev)
	e.poller.disarm()
	if prev.Kind == KindTeam && e.push.Connected() {
		e.emitPush(EventLeaveTeam, TeamChannelPayload{ProjectID: prev.ID}, nil)
	}

	e.loader.reset()
	if conv.IsZero() {
		e.session = nil
		e.publishMessages()
		return
	}
	e.session = newSession(conv)
	e.publishMessages()
	e.log.Info("conversation selected", "conversation", conv)

	if conv.Kind == KindTeam && e.push.Connected() {
		e.emitPush(EventJoinTeam, TeamChannelPayload{ProjectID: conv.ID}, nil)
	}
	e.loader.load(conv, LoadOptions{ShowLoading: true})
	e.receipts.markRead(conv)
	if e.monitor.mode == ModeFallbackPoll {
		e.poller.arm(conv)
	}
}

// onPushConnected rejoins the team channel; the server forgets it per connection.
func (e *Engine) onPushConnected() {
	if e.session != nil && e.session.conv.Kind == KindTeam {
		e.emitPush(EventJoinTeam, TeamChannelPayload{ProjectID: e.session.conv.ID}, nil)
	}
}

// belongs reports whether msg is part of conv from the local user's view.
func (e *Engine) belongs(conv ConversationID, msg Message) bool {
	if conv.Kind == KindTeam {
		return msg.ProjectID == conv.ID
	}
	if msg.ProjectID != "" {
		return false
	}
	self := e.cfg.Self.ID
	switch {
	case msg.SenderID == conv.ID:
		return msg.ReceiverID == "" || msg.ReceiverID == self
	case msg.SenderID == self:
		return msg.ReceiverID == conv.ID
	}
	return false
}

func (e *Engine) publishMessages() {
	var msgs []Message
	if e.session != nil {
		msgs = e.session.Messages()
	}
	e.events.emit(TopicMessages, msgs)
}

type outbound struct {
	event   string
	payload any
	onErr   func(error) // runs on the loop
}

// outbox is an unbounded FIFO between the loop and the emit goroutine. The
// loop never blocks on it, so the emit goroutine may block posting results
// back into the inbox.
type outbox struct {
	mu    sync.Mutex
	items []outbound
	ready chan struct{}
}

func newOutbox() *outbox {
	return &outbox{ready: make(chan struct{}, 1)}
}

func (o *outbox) put(ob outbound) {
	o.mu.Lock()
	o.items = append(o.items, ob)
	o.mu.Unlock()
	select {
	case o.ready <- struct{}{}:
	default:
	}
}

func (o *outbox) take() []outbound {
	o.mu.Lock()
	defer o.mu.Unlock()
	items := o.items
	o.items = nil
	return items
}

// emitPush queues a push event. Events leave in the order they were queued.
func (e *Engine) emitPush(event string, payload any, onErr func(error)) {
	if e.ctx.Err() != nil {
		return
	}
	e.outbox.put(outbound{event: event, payload: payload, onErr: onErr})
}

func (e *Engine) runOutbox(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.outbox.ready:
		}
		for _, ob := range e.outbox.take() {
			if ctx.Err() != nil {
				return
			}
			e.emitOne(ctx, ob)
		}
	}
}

func (e *Engine) emitOne(ctx context.Context, ob outbound) {
	ectx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	err := e.push.Emit(ectx, ob.event, ob.payload)
	cancel()
	if err == nil {
		return
	}
	if ob.onErr != nil {
		onErr := ob.onErr
		e.loop.post(func() { onErr(err) })
		return
	}
	e.log.Warn("push emit failed", "event", ob.event, "error", err)
}
