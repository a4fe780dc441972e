package ws

import (
	"encoding/json"
	"time"

	"github.com/chatcore/internal/model"
)

type EventType string

// Client -> server.
const (
	EventJoin            EventType = "join"
	EventSendMessage     EventType = "send-message"
	EventSendSticker     EventType = "send-sticker"
	EventSendFileMessage EventType = "send-file-message"
	EventAddReaction     EventType = "add-reaction"
	EventEditMessage     EventType = "edit-message"
	EventRecallMessage   EventType = "recall-message"
	EventTyping          EventType = "typing"
	EventCommand         EventType = "command"
)

// Server -> client.
const (
	EventConnected             EventType = "connected"
	EventUserJoined            EventType = "user_joined"
	EventUserOffline           EventType = "user_offline"
	EventGroupUpdated          EventType = "group_updated"
	EventReceiveMessage        EventType = "receive_message"
	EventMessageSentAck        EventType = "message_sent_ack"
	EventMessageReaction       EventType = "message_reaction"
	EventMessageEdited         EventType = "message_edited"
	EventMessageRecalled       EventType = "message_recalled"
	EventUserTyping            EventType = "user_typing"
	EventCommandResponse       EventType = "command_response"
	EventFriendRequestReceived EventType = "friend_request_received"
	EventFriendRequestAccepted EventType = "friend_request_accepted"
	EventFriendRequestRejected EventType = "friend_request_rejected"
	EventUserBlocked           EventType = "user_blocked"
	EventContactUpdated        EventType = "contact_updated"
	EventError                 EventType = "error"
)

// IncomingMessage is what the client sends to the server. Payload is decoded per Type.
type IncomingMessage struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// OutgoingMessage is what the server sends to the client.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// --- Inbound payloads ---

type JoinPayload struct {
	UserID int64  `json:"user_id,omitempty"`
	Room   string `json:"room,omitempty"`
}

// SendPayload covers send-message, send-sticker and send-file-message; the event type picks the kind.
type SendPayload struct {
	SenderID        int64  `json:"sender_id"`
	ReceiverID      int64  `json:"receiver_id,omitempty"`
	GroupID         int64  `json:"group_id,omitempty"`
	ClientMessageID string `json:"client_message_id,omitempty"`

	Content       string `json:"content,omitempty"`
	ReplyToID     int64  `json:"reply_to_id,omitempty"`
	ForwardFromID int64  `json:"forward_from_id,omitempty"`

	StickerID  string `json:"sticker_id,omitempty"`
	StickerURL string `json:"sticker_url,omitempty"`

	FileURL  string `json:"file_url,omitempty"`
	FileName string `json:"file_name,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
	FileType string `json:"file_type,omitempty"`
}

type ReactionRequest struct {
	MessageID int64  `json:"message_id"`
	UserID    int64  `json:"user_id"`
	Reaction  string `json:"reaction"`
}

type EditRequest struct {
	MessageID  int64  `json:"message_id"`
	UserID     int64  `json:"user_id"`
	NewContent string `json:"new_content"`
}

type RecallRequest struct {
	MessageID int64 `json:"message_id"`
	UserID    int64 `json:"user_id"`
}

type TypingRequest struct {
	SenderID   int64 `json:"sender_id"`
	ReceiverID int64 `json:"receiver_id"`
	IsTyping   bool  `json:"is_typing"`
}

type CommandRequest struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
	Token  string          `json:"token"`
}

// --- Typed payloads for hot-path (avoid map[string]any allocations) ---

type ConnectedPayload struct {
	Msg    string `json:"msg"`
	UserID int64  `json:"user_id,omitempty"`
}

type UserPresencePayload struct {
	UserID int64 `json:"user_id"`
}

type GroupUpdatedPayload struct {
	GroupID int64             `json:"group_id"`
	Status  model.GroupStatus `json:"status"`
}

// MessageEvent is the receive_message echo: the persisted message enriched with the
// sender's current profile.
type MessageEvent struct {
	model.Message
	SenderName      string `json:"sender_name"`
	SenderAvatar    string `json:"sender_avatar"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

type AckStatus string

const (
	AckSent    AckStatus = "sent"
	AckBlocked AckStatus = "blocked"
	AckError   AckStatus = "error"
)

// AckPayload is message_sent_ack, addressed only to the originating connection.
type AckPayload struct {
	ClientMessageID   string    `json:"client_message_id"`
	MessageID         int64     `json:"message_id,omitempty"`
	Status            AckStatus `json:"status"`
	BlockedByReceiver bool      `json:"blocked_by_receiver,omitempty"`
	BlockedReceiver   bool      `json:"blocked_receiver,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	Error             string    `json:"error,omitempty"`
	Duplicate         bool      `json:"duplicate,omitempty"`
	Timestamp         time.Time `json:"timestamp,omitzero"`
}

type ReactionPayload struct {
	MessageID int64                 `json:"message_id"`
	UserID    int64                 `json:"user_id"`
	Reaction  string                `json:"reaction"`
	Reactions model.ReactionSummary `json:"reactions"`
}

type MessageEditedPayload struct {
	MessageID  int64     `json:"message_id"`
	SenderID   int64     `json:"sender_id"`
	ReceiverID int64     `json:"receiver_id,omitempty"`
	GroupID    *int64    `json:"group_id,omitempty"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

type MessageRecalledPayload struct {
	MessageID  int64  `json:"message_id"`
	SenderID   int64  `json:"sender_id"`
	ReceiverID int64  `json:"receiver_id,omitempty"`
	GroupID    *int64 `json:"group_id,omitempty"`
}

type UserTypingPayload struct {
	SenderID int64 `json:"sender_id"`
	IsTyping bool  `json:"is_typing"`
}

type CommandResponse struct {
	Action string `json:"action"`
	OK     bool   `json:"ok"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
}

type FriendRequestPayload struct {
	RequestID int64            `json:"request_id"`
	User      model.UserPublic `json:"user"`
}

type UserBlockedPayload struct {
	UserID  int64 `json:"user_id"`
	Blocked bool  `json:"blocked"`
}

type ContactUpdatedPayload struct {
	Contacts []model.UserPublic `json:"contacts"`
}

type ErrorPayload struct {
	Event EventType `json:"event,omitempty"`
	Code  string    `json:"code"`
	Error string    `json:"error"`
	CID   string    `json:"cid,omitempty"`
}
