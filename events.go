package chatsync

import (
	"log/slog"
	"sync"
)

// Topics published by Engine. Handlers run on the engine loop and must not
// block or call back into the engine synchronously.
const (
	TopicMessages  = "messages"  // payload: []Message
	TopicLoading   = "loading"   // payload: bool
	TopicNotice    = "notice"    // payload: Notice
	TopicMode      = "mode"      // payload: TransportMode
	TopicTyping    = "typing"    // payload: TypingState
	TopicElsewhere = "elsewhere" // payload: Message
)

// EventHandler receives engine notifications.
type EventHandler func(topic string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
	log       *slog.Logger
}

func newEmitter(log *slog.Logger) *emitter {
	return &emitter{listeners: make(map[string][]EventHandler), log: log}
}

func (e *emitter) On(topic string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[topic] = append(e.listeners[topic], handler)
}

func (e *emitter) emit(topic string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[topic]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("event handler panicked", "topic", topic, "panic", r)
				}
			}()
			h(topic, payload)
		}()
	}
}
