package model

import "time"

type MessageKind string

const (
	MessageKindText    MessageKind = "text"
	MessageKindSticker MessageKind = "sticker"
	MessageKindFile    MessageKind = "file"
)

type MessageStatus string

const (
	MessageStatusSent MessageStatus = "sent"
)

// Message is a persisted chat payload. Exactly one of a direct receiver or GroupID is the
// delivery target; for group messages ReceiverID holds the group owner as a schema placeholder.
type Message struct {
	ID            int64         `json:"id"`
	SenderID      int64         `json:"sender_id"`
	ReceiverID    int64         `json:"receiver_id"`
	GroupID       *int64        `json:"group_id,omitempty"`
	Content       string        `json:"content"`
	Kind          MessageKind   `json:"message_type"`
	FileURL       string        `json:"file_url,omitempty"`
	FileName      string        `json:"file_name,omitempty"`
	FileSize      int64         `json:"file_size,omitempty"`
	FileType      string        `json:"file_type,omitempty"`
	StickerID     string        `json:"sticker_id,omitempty"`
	StickerURL    string        `json:"sticker_url,omitempty"`
	ReplyToID     *int64        `json:"reply_to_id,omitempty"`
	ForwardFromID *int64        `json:"forward_from_id,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	Status        MessageStatus `json:"status"`
}

func (m *Message) IsGroup() bool { return m.GroupID != nil }

// Reaction is unique per (MessageID, UserID, Reaction).
type Reaction struct {
	MessageID int64     `json:"message_id"`
	UserID    int64     `json:"user_id"`
	Reaction  string    `json:"reaction"`
	CreatedAt time.Time `json:"created_at"`
}

// ReactionSummary maps a reaction kind to the users who left it.
type ReactionSummary map[string][]int64
