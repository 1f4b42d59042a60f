package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is returned by Client when the server answers with a non-2xx status.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

var (
	ErrEmptyMessage   = errors.New("message body is empty")
	ErrNoConversation = errors.New("no active conversation")
	ErrNotConnected   = errors.New("not connected")
	ErrClosed         = errors.New("engine is not running")
)

// ============================================================================
// Conversations
// ============================================================================

// ConversationKind distinguishes peer-to-peer chat from project channels.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindTeam   ConversationKind = "team"
)

// ConversationID identifies a direct peer (user id) or a team channel (project id).
type ConversationID struct {
	Kind ConversationKind
	ID   string
}

// Direct returns the conversation with the given peer.
func Direct(userID string) ConversationID {
	return ConversationID{Kind: KindDirect, ID: userID}
}

// Team returns the channel of the given project.
func Team(projectID string) ConversationID {
	return ConversationID{Kind: KindTeam, ID: projectID}
}

func (c ConversationID) IsZero() bool { return c.ID == "" }

func (c ConversationID) String() string {
	if c.IsZero() {
		return "<none>"
	}
	return string(c.Kind) + ":" + c.ID
}

// ParseConversationID parses the "direct:<id>" / "team:<id>" form produced by String.
func ParseConversationID(s string) (ConversationID, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return ConversationID{}, fmt.Errorf("invalid conversation %q (want direct:<id> or team:<id>)", s)
	}
	switch ConversationKind(kind) {
	case KindDirect, KindTeam:
		return ConversationID{Kind: ConversationKind(kind), ID: id}, nil
	}
	return ConversationID{}, fmt.Errorf("unknown conversation kind %q", kind)
}

// ============================================================================
// Messages
// ============================================================================

// Sender is the denormalized author info shipped with each message.
type Sender struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Image string `json:"image,omitempty"`
}

// Message is a chat message. Once ID is server-assigned it never changes.
type Message struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId,omitempty"`
	ProjectID  string    `json:"projectId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	Sender     *Sender   `json:"sender,omitempty"`

	// Pending marks an optimistic placeholder whose ID is a local temp id.
	Pending bool `json:"-"`
}

// tempIDPrefix never appears in server ids.
const tempIDPrefix = "tmp-"

// IsTempID reports whether id was generated locally for an optimistic send.
func IsTempID(id string) bool { return strings.HasPrefix(id, tempIDPrefix) }

// Notice is a user-facing condition raised by the sync core.
type Notice struct {
	Kind         NoticeKind
	Conversation ConversationID
	Err          error
}

type NoticeKind string

const (
	NoticeLoadFailed NoticeKind = "load_failed"
	NoticeSendFailed NoticeKind = "send_failed"
)

func (n Notice) String() string {
	return fmt.Sprintf("%s (%s): %v", n.Kind, n.Conversation, n.Err)
}

// TypingState is published when a counterpart starts or stops typing.
type TypingState struct {
	Conversation ConversationID
	UserID       string
	IsTyping     bool
}

// ============================================================================
// Push wire payloads
// ============================================================================

// Push event names.
const (
	EventNewMessage      = "new_message"
	EventNewTeamMessage  = "new_team_message"
	EventUserTyping      = "user_typing"
	EventSendMessage     = "send_message"
	EventSendTeamMessage = "send_team_message"
	EventTyping          = "typing"
	EventMarkRead        = "mark_read"
	EventJoinTeam        = "join_team"
	EventLeaveTeam       = "leave_team"
)

// TeamMessagePayload is the body of new_team_message.
type TeamMessagePayload struct {
	ProjectID string  `json:"projectId"`
	Message   Message `json:"message"`
}

// UserTypingPayload is the body of user_typing.
type UserTypingPayload struct {
	UserID    string `json:"userId"`
	ProjectID string `json:"projectId,omitempty"`
	IsTyping  bool   `json:"isTyping"`
}

// SendMessagePayload is emitted as send_message / send_team_message.
type SendMessagePayload struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId,omitempty"`
	ProjectID  string `json:"projectId,omitempty"`
	Content    string `json:"content"`
}

// TypingPayload is emitted as typing.
type TypingPayload struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId,omitempty"`
	ProjectID  string `json:"projectId,omitempty"`
	IsTyping   bool   `json:"isTyping"`
}

// MarkReadPayload is emitted as mark_read.
type MarkReadPayload struct {
	UserID      string `json:"userId"`
	OtherUserID string `json:"otherUserId,omitempty"`
	ProjectID   string `json:"projectId,omitempty"`
}

// TeamChannelPayload is emitted as join_team / leave_team.
type TeamChannelPayload struct {
	ProjectID string `json:"projectId"`
}

// decodePayload is a small helper for push handlers.
func decodePayload[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return v, nil
}
