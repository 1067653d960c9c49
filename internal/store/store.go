package store

import (
	"context"
	"time"

	"github.com/eldtechnologies/duet/internal/models"
)

// DataStore defines the interface for durable storage of users, rooms and messages.
// PostgresStore, SQLiteStore and MemoryStore implement this interface.
//
// Lookups return (nil, nil) when the row does not exist.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// User operations
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByUID(ctx context.Context, uid string) (*models.User, error)
	SetUserPresence(ctx context.Context, id string, online bool, lastSeen time.Time) error

	// Room operations
	// CreateRoomIfAbsent inserts the room unless its ID already exists and
	// returns the stored row either way. created is true only for the caller
	// whose insert won.
	CreateRoomIfAbsent(ctx context.Context, room *models.Room) (stored *models.Room, created bool, err error)
	GetRoom(ctx context.Context, id string) (*models.Room, error)
	ListRoomsForUser(ctx context.Context, userID string) ([]models.Room, error)
	// UpdateRoomLastMessage moves the pointer only if at is not older than the
	// current lastMessageAt.
	UpdateRoomLastMessage(ctx context.Context, roomID, messageID string, at time.Time) error

	// Message operations
	InsertMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	// ListMessages returns up to limit messages newest-first, strictly older
	// than before when before is non-zero.
	ListMessages(ctx context.Context, roomID string, limit int, before time.Time) ([]models.Message, error)
	// AdvanceRoomStatus moves every message in the room not sent by readerID
	// to status, if status is ahead of the current one. It returns the IDs moved.
	AdvanceRoomStatus(ctx context.Context, roomID, readerID string, status models.MessageStatus) ([]string, error)
	// AdvanceMessageStatus moves one message forward. It reports false when
	// the message already holds status or a later one.
	AdvanceMessageStatus(ctx context.Context, id string, status models.MessageStatus) (bool, error)
	MarkMessageDeleted(ctx context.Context, id string) error
	HideMessageFor(ctx context.Context, id, userID string) error
}

func statusStrings(statuses []models.MessageStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
