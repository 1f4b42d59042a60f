package chatsync

import "context"

// readReceiptSignaler tells the server the user has seen a conversation.
type readReceiptSignaler struct {
	e *Engine
}

func (r *readReceiptSignaler) markRead(conv ConversationID) {
	e := r.e
	if conv.IsZero() {
		return
	}
	connected := e.monitor.mode == ModePush && e.push.Connected()
	payload := MarkReadPayload{UserID: e.cfg.Self.ID}
	if conv.Kind == KindTeam {
		payload.ProjectID = conv.ID
	} else {
		payload.OtherUserID = conv.ID
	}

	ctx := e.ctx
	timeout := e.cfg.RequestTimeout
	go func() {
		rctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := e.api.MarkRead(rctx, conv); err != nil {
			e.log.Warn("mark read failed", "conversation", conv, "error", err)
		}
	}()
	if connected {
		e.emitPush(EventMarkRead, payload, nil)
	}
}
