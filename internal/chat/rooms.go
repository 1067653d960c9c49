package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eldtechnologies/duet/internal/metrics"
	"github.com/eldtechnologies/duet/internal/models"
	"github.com/eldtechnologies/duet/internal/store"
)

// Directory owns room identity, membership and the last-message pointer.
type Directory struct {
	store store.DataStore
	now   func() time.Time
}

// NewDirectory creates a room directory backed by ds.
func NewDirectory(ds store.DataStore) *Directory {
	return &Directory{store: ds, now: func() time.Time { return time.Now().UTC() }}
}

// FindOrCreateRoom returns the room shared by a and b, creating it on first
// contact. Concurrent calls for the same pair converge on one row because the
// canonical ID is the primary key.
func (d *Directory) FindOrCreateRoom(ctx context.Context, a, b string) (*models.Room, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return nil, invalid("members", "both user ids are required")
	}
	if a == b {
		return nil, invalid("members", "cannot connect with yourself")
	}
	if strings.Contains(a, models.RoomIDSeparator) || strings.Contains(b, models.RoomIDSeparator) {
		return nil, invalid("members", "user ids must not contain %q", models.RoomIDSeparator)
	}

	id := models.RoomID(a, b)
	members := models.CanonicalMembers(a, b)
	room, err := d.store.GetRoom(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	if room == nil {
		var created bool
		now := d.now().Truncate(time.Microsecond)
		room, created, err = d.store.CreateRoomIfAbsent(ctx, &models.Room{
			ID:            id,
			Members:       members,
			LastMessageAt: now,
			CreatedAt:     now,
		})
		if err != nil {
			return nil, fmt.Errorf("create room: %w", err)
		}
		if created {
			metrics.RoomsCreated.Inc()
		}
	}

	// Rows written before ids were restricted may belong to another pair.
	if room.Members != members {
		return nil, fmt.Errorf("room %s is held by %v: %w", id, room.Members, ErrForbidden)
	}
	return room, nil
}

// ListRoomsForUser returns the user's rooms ordered by last activity, newest first.
func (d *Directory) ListRoomsForUser(ctx context.Context, userID string) ([]models.Room, error) {
	rooms, err := d.store.ListRoomsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

// AuthorizeMembership reports whether userID is a member of roomID.
func (d *Directory) AuthorizeMembership(ctx context.Context, roomID, userID string) (bool, error) {
	_, err := d.Authorize(ctx, roomID, userID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrForbidden):
		return false, nil
	default:
		return false, err
	}
}

// Authorize returns the room if userID is a member. An unknown room is
// reported as ErrForbidden, same as a non-member.
func (d *Directory) Authorize(ctx context.Context, roomID, userID string) (*models.Room, error) {
	room, err := d.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	if room == nil || !room.HasMember(userID) {
		return nil, ErrForbidden
	}
	return room, nil
}

// RecordLastMessage moves the room's last-message pointer. Older timestamps lose.
func (d *Directory) RecordLastMessage(ctx context.Context, roomID, messageID string, at time.Time) error {
	if err := d.store.UpdateRoomLastMessage(ctx, roomID, messageID, at); err != nil {
		return fmt.Errorf("record last message: %w", err)
	}
	return nil
}
