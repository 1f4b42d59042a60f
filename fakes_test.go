package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const selfID = "me"

// fakeAPI is an in-memory chat server.
type fakeAPI struct {
	mu      sync.Mutex
	store   map[ConversationID][]Message
	gates   map[ConversationID]chan struct{}
	loadErr error
	sendErr error
	readErr error
	loads   []ConversationID
	sends   []string
	reads   []ConversationID
	nextID  int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		store: make(map[ConversationID][]Message),
		gates: make(map[ConversationID]chan struct{}),
	}
}

func (a *fakeAPI) seed(conv ConversationID, msgs ...Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.store[conv] = append(a.store[conv], msgs...)
}

// hold blocks History for conv until the returned func is called.
func (a *fakeAPI) hold(conv ConversationID) func() {
	gate := make(chan struct{})
	a.mu.Lock()
	a.gates[conv] = gate
	a.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.gates, conv)
			a.mu.Unlock()
			close(gate)
		})
	}
}

func (a *fakeAPI) History(ctx context.Context, conv ConversationID) ([]Message, error) {
	a.mu.Lock()
	a.loads = append(a.loads, conv)
	gate := a.gates[conv]
	a.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loadErr != nil {
		return nil, a.loadErr
	}
	return append([]Message(nil), a.store[conv]...), nil
}

func (a *fakeAPI) Send(ctx context.Context, conv ConversationID, content string) (*Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sends = append(a.sends, content)
	if a.sendErr != nil {
		return nil, a.sendErr
	}
	a.nextID++
	msg := Message{
		ID:        fmt.Sprintf("srv-%d", a.nextID),
		Content:   content,
		SenderID:  selfID,
		CreatedAt: time.Now(),
	}
	if conv.Kind == KindTeam {
		msg.ProjectID = conv.ID
	} else {
		msg.ReceiverID = conv.ID
	}
	a.store[conv] = append(a.store[conv], msg)
	return &msg, nil
}

func (a *fakeAPI) MarkRead(ctx context.Context, conv ConversationID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reads = append(a.reads, conv)
	return a.readErr
}

func (a *fakeAPI) loadCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.loads)
}

func (a *fakeAPI) sendCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sends)
}

func (a *fakeAPI) readCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reads)
}

type emitted struct {
	event   string
	payload any
}

// fakePush is a PushChannel driven by the test.
type fakePush struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string][]func(json.RawMessage)
	status    []func(bool)
	out       []emitted
	emitErr   map[string]error
}

func newFakePush(connected bool) *fakePush {
	return &fakePush{
		connected: connected,
		handlers:  make(map[string][]func(json.RawMessage)),
		emitErr:   make(map[string]error),
	}
}

func (p *fakePush) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePush) Emit(ctx context.Context, event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.emitErr[event]; err != nil {
		return err
	}
	p.out = append(p.out, emitted{event: event, payload: payload})
	return nil
}

func (p *fakePush) OnEvent(event string, h func(json.RawMessage)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[event] = append(p.handlers[event], h)
}

func (p *fakePush) OnStatus(h func(bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = append(p.status, h)
}

func (p *fakePush) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	p.mu.Lock()
	handlers := append([]func(json.RawMessage){}, p.handlers[event]...)
	p.mu.Unlock()
	for _, h := range handlers {
		h(raw)
	}
}

func (p *fakePush) setConnected(connected bool) {
	p.mu.Lock()
	p.connected = connected
	handlers := append([]func(bool){}, p.status...)
	p.mu.Unlock()
	for _, h := range handlers {
		h(connected)
	}
}

func (p *fakePush) emittedOf(event string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []any
	for _, e := range p.out {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

func (p *fakePush) events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.out))
	for i, e := range p.out {
		out[i] = e.event
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(api API, push PushChannel) Config {
	return Config{
		Self:           Sender{ID: selfID, Name: "Me"},
		API:            api,
		Push:           push,
		Logger:         testLogger(),
		FallbackGrace:  40 * time.Millisecond,
		PollInterval:   20 * time.Millisecond,
		TypingTimeout:  60 * time.Millisecond,
		RequestTimeout: time.Second,
	}
}

func startEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e
}

// recorder captures engine notifications.
type recorder struct {
	mu     sync.Mutex
	topics map[string][]any
}

func record(e *Engine, topics ...string) *recorder {
	r := &recorder{topics: make(map[string][]any)}
	for _, topic := range topics {
		e.On(topic, func(topic string, payload any) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.topics[topic] = append(r.topics[topic], payload)
		})
	}
	return r
}

func (r *recorder) get(topic string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.topics[topic]...)
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func msg(id, from, to, content string) Message {
	return Message{ID: id, SenderID: from, ReceiverID: to, Content: content, CreatedAt: time.Now()}
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)
