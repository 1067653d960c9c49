package chat

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/duet/internal/models"
	"github.com/eldtechnologies/duet/internal/store"
)

func newTestMessages(t *testing.T) (*Messages, *models.Room) {
	t.Helper()
	ds := store.NewMemoryStore()
	room, err := NewDirectory(ds).FindOrCreateRoom(context.Background(), "alice", "bob")
	require.NoError(t, err)
	m := NewMessages(ds, DefaultLimits())
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }
	return m, room
}

func text(roomID, sender, content string) Draft {
	return Draft{RoomID: roomID, SenderID: sender, Type: models.TypeText, Content: content}
}

func TestAppendValidation(t *testing.T) {
	ctx := context.Background()
	m, room := newTestMessages(t)

	cases := []struct {
		name  string
		draft Draft
	}{
		{"empty", text(room.ID, "alice", "")},
		{"whitespace", text(room.ID, "alice", "  \n")},
		{"oversized text", text(room.ID, "alice", strings.Repeat("x", 4097))},
		{"unknown type", Draft{RoomID: room.ID, SenderID: "alice", Type: "sticker", Content: "x"}},
		{"file without name", Draft{RoomID: room.ID, SenderID: "alice", Type: models.TypeFile, Content: "data:..."}},
		{"big thumbnail", Draft{RoomID: room.ID, SenderID: "alice", Type: models.TypeImage, Content: "data:...",
			Thumbnail: strings.Repeat("t", 500001)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Append(ctx, tc.draft)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	// Media has a larger ceiling than text.
	_, err := m.Append(ctx, Draft{RoomID: room.ID, SenderID: "alice", Type: models.TypeImage, Content: strings.Repeat("i", 5000)})
	assert.NoError(t, err)

	page, err := m.Page(ctx, room.ID, "alice", 10, time.Time{})
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestAppendReplyTo(t *testing.T) {
	ctx := context.Background()
	m, room := newTestMessages(t)

	parent, err := m.Append(ctx, text(room.ID, "alice", "question"))
	require.NoError(t, err)

	d := text(room.ID, "bob", "answer")
	d.ReplyTo = parent.ID
	reply, err := m.Append(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, parent.ID, reply.ReplyTo)

	other := text("alice_carol", "alice", "elsewhere")
	other.ReplyTo = parent.ID
	_, err = m.Append(ctx, other)
	assert.ErrorIs(t, err, ErrValidation)

	d.ReplyTo = "missing"
	_, err = m.Append(ctx, d)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAppendOrdersWithinRoom(t *testing.T) {
	ctx := context.Background()
	m, room := newTestMessages(t)

	var prev *models.Message
	for i := 0; i < 5; i++ {
		msg, err := m.Append(ctx, text(room.ID, "alice", "m"))
		require.NoError(t, err)
		assert.Equal(t, models.StatusSent, msg.Status)
		if prev != nil {
			assert.True(t, msg.CreatedAt.After(prev.CreatedAt), "createdAt must increase")
			assert.Greater(t, msg.ID, prev.ID)
		}
		prev = msg
	}
}

func TestPage(t *testing.T) {
	ctx := context.Background()
	m, room := newTestMessages(t)

	var sent []*models.Message
	for _, c := range []string{"one", "two", "three", "four", "five"} {
		msg, err := m.Append(ctx, text(room.ID, "alice", c))
		require.NoError(t, err)
		sent = append(sent, msg)
	}

	first, err := m.Page(ctx, room.ID, "bob", 2, time.Time{})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "five", first[0].Content)
	assert.Equal(t, "four", first[1].Content)

	second, err := m.Page(ctx, room.ID, "bob", 2, first[1].CreatedAt)
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, "three", second[0].Content)
	assert.Equal(t, "two", second[1].Content)

	_, err = m.Page(ctx, room.ID, "bob", 0, time.Time{})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = m.Page(ctx, room.ID, "bob", 101, time.Time{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestStatusTransitions(t *testing.T) {
	ctx := context.Background()
	m, room := newTestMessages(t)

	msg, err := m.Append(ctx, text(room.ID, "alice", "hi"))
	require.NoError(t, err)

	// The sender's own acknowledgements do not move their messages.
	ids, err := m.MarkRead(ctx, room.ID, "alice")
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = m.MarkRead(ctx, room.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{msg.ID}, ids)

	ids, err = m.MarkDelivered(ctx, room.ID, "bob")
	require.NoError(t, err)
	assert.Empty(t, ids)

	got, err := m.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, got.Status)

	advanced, err := m.SetStatus(ctx, msg.ID, models.StatusDelivered)
	require.NoError(t, err)
	assert.False(t, advanced)

	_, err = m.SetStatus(ctx, msg.ID, "seen")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSoftDelete(t *testing.T) {
	ctx := context.Background()
	m, room := newTestMessages(t)

	shared, err := m.Append(ctx, text(room.ID, "alice", "for both"))
	require.NoError(t, err)
	private, err := m.Append(ctx, text(room.ID, "alice", "for me"))
	require.NoError(t, err)

	_, err = m.SoftDelete(ctx, shared.ID, "bob", true)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = m.SoftDelete(ctx, "missing", "alice", true)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.SoftDelete(ctx, shared.ID, "alice", true)
	require.NoError(t, err)
	_, err = m.SoftDelete(ctx, private.ID, "alice", false)
	require.NoError(t, err)

	byID := func(viewer string) map[string]models.Message {
		page, err := m.Page(ctx, room.ID, viewer, 10, time.Time{})
		require.NoError(t, err)
		require.Len(t, page, 2)
		out := make(map[string]models.Message)
		for _, msg := range page {
			out[msg.ID] = msg
		}
		return out
	}

	alice, bob := byID("alice"), byID("bob")
	assert.Equal(t, models.DeletedPlaceholder, alice[shared.ID].Content)
	assert.Equal(t, models.DeletedPlaceholder, bob[shared.ID].Content)
	assert.Equal(t, models.DeletedPlaceholder, alice[private.ID].Content)
	assert.True(t, alice[private.ID].IsDeleted)
	assert.Equal(t, "for me", bob[private.ID].Content)
	assert.False(t, bob[private.ID].IsDeleted)

	// Stored content is untouched.
	stored, err := m.Get(ctx, shared.ID)
	require.NoError(t, err)
	assert.Equal(t, "for both", stored.Content)
}

func TestStampForgetsIdleRooms(t *testing.T) {
	m, _ := newTestMessages(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	for i := 0; i < stampSweepSize; i++ {
		m.stamp(fmt.Sprintf("room-%d", i))
	}
	assert.Len(t, m.lastAt, stampSweepSize)

	now = now.Add(2 * stampHorizon)
	first, _ := m.stamp("busy")
	assert.Len(t, m.lastAt, 1)

	// Rooms still in use keep their strictly increasing clock.
	second, _ := m.stamp("busy")
	assert.True(t, second.After(first))
}
