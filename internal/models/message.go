package models

import (
	"time"
)

// DeletedPlaceholder replaces the content of redacted messages.
const DeletedPlaceholder = "This message was deleted"

// MessageType is the kind of payload a message carries.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeVideo MessageType = "video"
	TypeGIF   MessageType = "gif"
	TypeEmoji MessageType = "emoji"
	TypeFile  MessageType = "file"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeGIF, TypeEmoji, TypeFile:
		return true
	}
	return false
}

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Rank orders statuses along sent -> delivered -> read. Unknown statuses rank 0.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is a known status.
func (s MessageStatus) Valid() bool {
	return s.Rank() > 0
}

// Advances reports whether moving from current to s goes forward.
func (s MessageStatus) Advances(current MessageStatus) bool {
	return s.Rank() > current.Rank()
}

// Behind returns the statuses a message may hold for a transition to s to apply.
func (s MessageStatus) Behind() []MessageStatus {
	var out []MessageStatus
	for _, st := range []MessageStatus{StatusSent, StatusDelivered, StatusRead} {
		if s.Advances(st) {
			out = append(out, st)
		}
	}
	return out
}

// Message is a chat message stored in a room.
type Message struct {
	ID         string        `json:"id"` // ULID
	RoomID     string        `json:"roomId"`
	SenderID   string        `json:"senderId"`
	Type       MessageType   `json:"type"`
	Content    string        `json:"content"`
	Thumbnail  string        `json:"thumbnail,omitempty"`
	FileName   string        `json:"fileName,omitempty"`
	FileSize   int64         `json:"fileSize,omitempty"`
	MimeType   string        `json:"mimeType,omitempty"`
	Status     MessageStatus `json:"status"`
	ReplyTo    string        `json:"replyTo,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	IsDeleted  bool          `json:"isDeleted"`
	DeletedFor []string      `json:"-"`
}

// HiddenFrom reports whether viewerID has hidden the message for themselves.
func (m *Message) HiddenFrom(viewerID string) bool {
	for _, id := range m.DeletedFor {
		if id == viewerID {
			return true
		}
	}
	return false
}

// ViewFor returns the message as viewerID sees it. Redacted messages keep their
// slot but carry the placeholder instead of the stored content.
func (m Message) ViewFor(viewerID string) Message {
	if m.IsDeleted || m.HiddenFrom(viewerID) {
		m.Content = DeletedPlaceholder
		m.Thumbnail = ""
		m.IsDeleted = true
	}
	m.DeletedFor = nil
	return m
}
