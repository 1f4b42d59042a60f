package chatsync

import (
	"sort"
	"time"
)

// typingSignaler emits local typing transitions and tracks counterparts'
// typing flags for the active conversation.
type typingSignaler struct {
	e *Engine

	local  bool
	expiry *time.Timer
	gen    uint64
	remote map[string]bool
}

func (t *typingSignaler) enabled() bool {
	return t.e.monitor.mode == ModePush && t.e.push.Connected()
}

func (t *typingSignaler) set(isTyping bool) {
	e := t.e
	if e.session == nil {
		return
	}
	if !t.enabled() {
		t.disable()
		return
	}
	conv := e.session.conv
	if !isTyping {
		t.stopTimer()
		if t.local {
			t.local = false
			t.emit(conv, false)
		}
		return
	}
	if !t.local {
		t.local = true
		t.emit(conv, true)
	}
	t.stopTimer()
	t.gen++
	gen := t.gen
	t.expiry = e.loop.after(e.cfg.TypingTimeout, func() { t.expire(gen) })
}

func (t *typingSignaler) expire(gen uint64) {
	if gen != t.gen {
		return
	}
	t.expiry = nil
	if !t.local {
		return
	}
	t.local = false
	if t.enabled() && t.e.session != nil {
		t.emit(t.e.session.conv, false)
	}
}

func (t *typingSignaler) stopTimer() {
	if t.expiry != nil {
		t.expiry.Stop()
		t.expiry = nil
	}
	t.gen++
}

// disable drops local typing state without signaling.
func (t *typingSignaler) disable() {
	t.stopTimer()
	t.local = false
}

// switchConversation clears the previous conversation's indicator and all
// inbound flags.
func (t *typingSignaler) switchConversation(prev ConversationID) {
	if t.local && !prev.IsZero() && t.enabled() {
		t.emit(prev, false)
	}
	t.disable()
	t.remote = make(map[string]bool)
}

func (t *typingSignaler) emit(conv ConversationID, isTyping bool) {
	payload := TypingPayload{SenderID: t.e.cfg.Self.ID, IsTyping: isTyping}
	if conv.Kind == KindTeam {
		payload.ProjectID = conv.ID
	} else {
		payload.ReceiverID = conv.ID
	}
	t.e.emitPush(EventTyping, payload, nil)
}

func (t *typingSignaler) receive(p UserTypingPayload) {
	e := t.e
	sess := e.session
	if sess == nil || p.UserID == "" || p.UserID == e.cfg.Self.ID {
		return
	}
	conv := sess.conv
	switch conv.Kind {
	case KindTeam:
		if p.ProjectID != conv.ID {
			return
		}
	default:
		if p.ProjectID != "" || p.UserID != conv.ID {
			return
		}
	}
	if p.IsTyping {
		t.remote[p.UserID] = true
	} else {
		delete(t.remote, p.UserID)
	}
	e.events.emit(TopicTyping, TypingState{Conversation: conv, UserID: p.UserID, IsTyping: p.IsTyping})
}

// clearRemote resets a sender's flag once their message lands.
func (t *typingSignaler) clearRemote(userID string) {
	if !t.remote[userID] {
		return
	}
	delete(t.remote, userID)
	t.e.events.emit(TopicTyping, TypingState{Conversation: t.e.session.conv, UserID: userID})
}

func (t *typingSignaler) users() []string {
	out := make([]string, 0, len(t.remote))
	for id := range t.remote {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
