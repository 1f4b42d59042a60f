package chatsync

import "context"

// LoadOptions controls a history load.
type LoadOptions struct {
	// ShowLoading publishes loading transitions and surfaces failures as a
	// notice. Background loads stay silent.
	ShowLoading bool
	// Force bypasses the in-flight and already-loaded guards.
	Force bool
}

type loadRequest struct {
	conv ConversationID
	opts LoadOptions
}

// historyLoader fetches full conversation history and installs it in the
// active session.
type historyLoader struct {
	e *Engine

	inFlight     bool
	inFlightSess *Session
	seq          uint64
	lastLoaded   ConversationID
	queued       *loadRequest
}

// reset forgets per-session guard state. An in-flight request keeps its flag
// until it completes.
func (l *historyLoader) reset() {
	l.lastLoaded = ConversationID{}
	l.queued = nil
}

func (l *historyLoader) load(conv ConversationID, opts LoadOptions) {
	e := l.e
	sess := e.session
	if conv.IsZero() || sess == nil || sess.conv != conv {
		return
	}
	if !opts.Force {
		if l.inFlight {
			// A result for an earlier session of the same conversation is
			// dropped on arrival, so it cannot stand in for this load.
			if l.inFlightSess != sess {
				l.queued = &loadRequest{conv: conv, opts: opts}
			}
			e.log.Debug("history load skipped, request in flight", "conversation", conv)
			return
		}
		if l.lastLoaded == conv {
			return
		}
	}

	l.seq++
	seq := l.seq
	l.inFlight = true
	l.inFlightSess = sess
	since := sess.epoch
	if opts.ShowLoading {
		e.events.emit(TopicLoading, true)
	}

	ctx := e.ctx
	timeout := e.cfg.RequestTimeout
	go func() {
		rctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		msgs, err := e.api.History(rctx, conv)
		e.loop.post(func() { l.complete(seq, sess, since, opts, msgs, err) })
	}()
}

func (l *historyLoader) complete(seq uint64, sess *Session, since uint64, opts LoadOptions, msgs []Message, err error) {
	e := l.e
	latest := l.seq == seq
	if latest {
		l.inFlight = false
		l.inFlightSess = nil
		if opts.ShowLoading {
			e.events.emit(TopicLoading, false)
		}
	}
	defer func() {
		if latest {
			l.drainQueue()
		}
	}()

	if e.session != sess {
		e.metrics.staleCompletion()
		e.log.Debug("discarding history for inactive conversation", "conversation", sess.conv)
		return
	}
	if err != nil {
		e.metrics.loadFailed(!opts.ShowLoading)
		if opts.ShowLoading {
			e.log.Warn("history load failed", "conversation", sess.conv, "error", err)
			e.events.emit(TopicNotice, Notice{Kind: NoticeLoadFailed, Conversation: sess.conv, Err: err})
		} else {
			e.log.Debug("background history load failed", "conversation", sess.conv, "error", err)
		}
		return
	}

	sess.replace(msgs, since)
	l.lastLoaded = sess.conv
	e.log.Debug("history loaded", "conversation", sess.conv, "count", sess.Len())
	e.publishMessages()
}

func (l *historyLoader) drainQueue() {
	q := l.queued
	if q == nil {
		return
	}
	l.queued = nil
	l.load(q.conv, q.opts)
}
