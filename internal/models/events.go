package models

import (
	"encoding/json"
	"time"
)

// Event names exchanged over the real-time connection.
const (
	EventMessageRecv    = "message:recv"
	EventMessageUpdate  = "message:update"
	EventMessageDeleted = "message:deleted"
	EventUserOnline     = "user:online"
	EventUserOffline    = "user:offline"
	EventTyping         = "typing"
	EventRoomCreated    = "room:created"
	EventJoinedRoom     = "joinedRoom"
	EventMessagesRead   = "messagesRead"
	EventAck            = "ack"
	EventError          = "error"

	EventJoinRoom      = "joinRoom"
	EventLeaveRoom     = "leaveRoom"
	EventMessageSend   = "message:send"
	EventMessageStatus = "message:status"
	EventMessageDelete = "message:delete"
	EventMarkAsRead    = "markAsRead"
)

// Event is an outbound frame.
type Event struct {
	Name string `json:"event"`
	Ack  string `json:"ack,omitempty"`
	Data any    `json:"data,omitempty"`
}

// Envelope is an inbound frame. Data is decoded per event name.
type Envelope struct {
	Name string          `json:"event"`
	Ack  string          `json:"ack,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type MessageUpdate struct {
	MessageID string        `json:"messageId"`
	Status    MessageStatus `json:"status"`
}

type MessageDeleted struct {
	MessageID     string `json:"messageId"`
	DeleteForBoth bool   `json:"deleteForBoth"`
}

type UserOnline struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type UserOffline struct {
	UserID     string    `json:"userId"`
	Username   string    `json:"username"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

type Typing struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

type RoomCreated struct {
	RoomID string `json:"roomId"`
}

type JoinedRoom struct {
	RoomID string `json:"roomId"`
}

type MessagesRead struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// Ack answers an inbound frame that carried an ack id.
type Ack struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Notification is handed to the push collaborator for offline recipients.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}
