package chatsync

// entry is one visible message plus the session epoch at which it was added.
type entry struct {
	msg Message
	at  uint64
}

// Session holds the state of exactly one active conversation. A new Session is
// created on every conversation switch; the previous one is discarded whole.
// Only the engine loop touches it.
type Session struct {
	conv      ConversationID
	entries   []entry
	processed map[string]struct{}
	// pending maps content to the temp ids awaiting their echo. The head of
	// each queue is the entry that the next matching echo resolves.
	pending map[string][]string
	// epoch increases on every mutation.
	epoch uint64
}

func newSession(conv ConversationID) *Session {
	return &Session{
		conv:      conv,
		processed: make(map[string]struct{}),
		pending:   make(map[string][]string),
	}
}

// Conversation returns the conversation this session represents.
func (s *Session) Conversation() ConversationID { return s.conv }

// Len returns the number of visible messages.
func (s *Session) Len() int { return len(s.entries) }

func (s *Session) seen(id string) bool {
	_, ok := s.processed[id]
	return ok
}

// append adds m at the end unless its id was already processed.
func (s *Session) append(m Message) bool {
	if s.seen(m.ID) {
		return false
	}
	s.epoch++
	s.processed[m.ID] = struct{}{}
	s.entries = append(s.entries, entry{msg: m, at: s.epoch})
	return true
}

func (s *Session) addPending(content, tempID string) {
	s.pending[content] = append(s.pending[content], tempID)
}

// takePending resolves the oldest pending send with exactly this content.
func (s *Session) takePending(content string) (string, bool) {
	q := s.pending[content]
	if len(q) == 0 {
		return "", false
	}
	tempID := q[0]
	if len(q) == 1 {
		delete(s.pending, content)
	} else {
		s.pending[content] = q[1:]
	}
	return tempID, true
}

// dropPending removes an unresolved optimistic send entirely.
func (s *Session) dropPending(content, tempID string) bool {
	q := s.pending[content]
	found := false
	for i, id := range q {
		if id == tempID {
			q = append(q[:i:i], q[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if len(q) == 0 {
		delete(s.pending, content)
	} else {
		s.pending[content] = q
	}
	for i, e := range s.entries {
		if e.msg.ID == tempID {
			s.epoch++
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			break
		}
	}
	return true
}

// swap replaces the placeholder tempID with the authoritative message at the
// same position. If the placeholder is gone the message is appended instead.
func (s *Session) swap(tempID string, m Message) bool {
	if s.seen(m.ID) {
		return false
	}
	for i, e := range s.entries {
		if e.msg.ID == tempID {
			s.epoch++
			s.processed[m.ID] = struct{}{}
			s.entries[i] = entry{msg: m, at: s.epoch}
			return true
		}
	}
	return s.append(m)
}

// replace installs fetched history as the authoritative sequence. Messages
// added after epoch since that the fetch does not contain are kept after it,
// so a slow fetch never erases a faster push delivery.
func (s *Session) replace(fetched []Message, since uint64) {
	s.epoch++
	now := s.epoch

	processed := make(map[string]struct{}, len(fetched))
	entries := make([]entry, 0, len(fetched))
	for _, m := range fetched {
		if _, dup := processed[m.ID]; dup || m.ID == "" {
			continue
		}
		processed[m.ID] = struct{}{}
		entries = append(entries, entry{msg: m, at: now})
	}

	kept := make(map[string]struct{})
	for _, e := range s.entries {
		if e.at <= since {
			continue
		}
		if _, ok := processed[e.msg.ID]; ok {
			continue
		}
		processed[e.msg.ID] = struct{}{}
		entries = append(entries, e)
		if e.msg.Pending {
			kept[e.msg.ID] = struct{}{}
		}
	}

	for content, q := range s.pending {
		live := q[:0:0]
		for _, id := range q {
			if _, ok := kept[id]; ok {
				live = append(live, id)
			}
		}
		if len(live) == 0 {
			delete(s.pending, content)
		} else {
			s.pending[content] = live
		}
	}

	s.entries = entries
	s.processed = processed
}

// Messages returns a copy of the visible sequence in processing order.
func (s *Session) Messages() []Message {
	out := make([]Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.msg
	}
	return out
}

func (s *Session) pendingCount() int {
	n := 0
	for _, q := range s.pending {
		n += len(q)
	}
	return n
}
