package chatsync

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// sendReconciler owns outbound sends and merges inbound push messages into
// the active session.
type sendReconciler struct {
	e *Engine
}

func (r *sendReconciler) send(content string) error {
	e := r.e
	body := strings.TrimSpace(content)
	if body == "" {
		return ErrEmptyMessage
	}
	sess := e.session
	if sess == nil {
		return ErrNoConversation
	}

	tempID := tempIDPrefix + uuid.NewString()
	if e.monitor.mode == ModePush && e.push.Connected() {
		r.sendPush(sess, tempID, body)
		return nil
	}
	r.sendREST(sess, tempID, body)
	return nil
}

func (r *sendReconciler) sendPush(sess *Session, tempID, body string) {
	e := r.e
	conv := sess.conv
	self := e.cfg.Self
	placeholder := Message{
		ID:        tempID,
		Content:   body,
		SenderID:  self.ID,
		CreatedAt: time.Now(),
		Sender:    &self,
		Pending:   true,
	}
	payload := SendMessagePayload{SenderID: self.ID, Content: body}
	event := EventSendMessage
	if conv.Kind == KindTeam {
		placeholder.ProjectID = conv.ID
		payload.ProjectID = conv.ID
		event = EventSendTeamMessage
	} else {
		placeholder.ReceiverID = conv.ID
		payload.ReceiverID = conv.ID
	}

	sess.addPending(body, tempID)
	sess.append(placeholder)
	e.publishMessages()

	e.emitPush(event, payload, func(err error) { r.emitFailed(sess, tempID, body, err) })
}

// emitFailed retracts the placeholder and retries over REST.
func (r *sendReconciler) emitFailed(sess *Session, tempID, body string, err error) {
	e := r.e
	if e.session != sess {
		e.metrics.staleCompletion()
		return
	}
	if !sess.dropPending(body, tempID) {
		return
	}
	e.log.Warn("push send failed, retrying over REST", "conversation", sess.conv, "error", err)
	e.publishMessages()
	r.sendREST(sess, tempID, body)
}

func (r *sendReconciler) sendREST(sess *Session, tempID, body string) {
	e := r.e
	conv := sess.conv
	ctx := e.ctx
	timeout := e.cfg.RequestTimeout
	go func() {
		rctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		msg, err := e.api.Send(rctx, conv, body)
		e.loop.post(func() { r.restDone(sess, tempID, msg, err) })
	}()
}

func (r *sendReconciler) restDone(sess *Session, tempID string, msg *Message, err error) {
	e := r.e
	if err != nil {
		e.metrics.sendFailed()
		e.log.Warn("send failed", "conversation", sess.conv, "ref", tempID, "error", err)
		e.events.emit(TopicNotice, Notice{Kind: NoticeSendFailed, Conversation: sess.conv, Err: err})
		return
	}
	if e.session != sess {
		e.metrics.staleCompletion()
		return
	}
	if !sess.append(*msg) {
		e.metrics.duplicateDropped()
		return
	}
	e.metrics.messageAppended()
	e.publishMessages()
}

// receive handles a push-delivered message.
func (r *sendReconciler) receive(msg Message) {
	e := r.e
	sess := e.session
	if sess == nil || !e.belongs(sess.conv, msg) {
		e.log.Debug("message for another conversation", "id", msg.ID)
		e.events.emit(TopicElsewhere, msg)
		return
	}
	if sess.seen(msg.ID) {
		e.metrics.duplicateDropped()
		return
	}

	self := msg.SenderID == e.cfg.Self.ID
	if self {
		if tempID, ok := sess.takePending(msg.Content); ok && sess.swap(tempID, msg) {
			e.metrics.sendReconciled()
			e.publishMessages()
			return
		}
	}

	sess.append(msg)
	e.metrics.messageAppended()
	e.publishMessages()
	if !self {
		e.typing.clearRemote(msg.SenderID)
		e.receipts.markRead(sess.conv)
	}
}
