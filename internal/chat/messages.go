package chat

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/eldtechnologies/duet/internal/models"
	"github.com/eldtechnologies/duet/internal/store"
)

// Page size bounds.
const (
	MinPageSize     = 1
	MaxPageSize     = 100
	DefaultPageSize = 50
)

// Per-room stamps older than stampHorizon are forgotten once the map grows
// past stampSweepSize.
const (
	stampHorizon   = time.Minute
	stampSweepSize = 1024
)

// Limits are the per-type content ceilings in bytes.
type Limits struct {
	Text      int
	Image     int
	Video     int
	File      int
	Thumbnail int
}

// DefaultLimits returns the ceilings used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		Text:      4096,
		Image:     3 * 1024 * 1024,
		Video:     10 * 1024 * 1024,
		File:      5 * 1024 * 1024,
		Thumbnail: 500000,
	}
}

func (l Limits) forType(t models.MessageType) int {
	switch t {
	case models.TypeText, models.TypeEmoji:
		return l.Text
	case models.TypeImage, models.TypeGIF:
		return l.Image
	case models.TypeVideo:
		return l.Video
	default:
		return l.File
	}
}

// Draft is a message before it is stored.
type Draft struct {
	RoomID    string             `json:"roomId"`
	SenderID  string             `json:"-"`
	Type      models.MessageType `json:"type"`
	Content   string             `json:"content"`
	Thumbnail string             `json:"thumbnail,omitempty"`
	FileName  string             `json:"fileName,omitempty"`
	FileSize  int64              `json:"fileSize,omitempty"`
	MimeType  string             `json:"mimeType,omitempty"`
	ReplyTo   string             `json:"replyTo,omitempty"`
}

// Messages owns message records, paging, status transitions and soft delete.
type Messages struct {
	store  store.DataStore
	limits Limits
	now    func() time.Time

	mu      sync.Mutex
	entropy io.Reader
	lastAt  map[string]time.Time
	sweepAt int
}

// NewMessages creates the message service.
func NewMessages(ds store.DataStore, limits Limits) *Messages {
	return &Messages{
		store:   ds,
		limits:  limits,
		now:     func() time.Time { return time.Now().UTC() },
		entropy: ulid.Monotonic(rand.Reader, 0),
		lastAt:  make(map[string]time.Time),
		sweepAt: stampSweepSize,
	}
}

// Validate checks a draft against the type rules and size ceilings.
func (m *Messages) Validate(d Draft) error {
	if !d.Type.Valid() {
		return invalid("type", "unknown message type %q", d.Type)
	}
	if strings.TrimSpace(d.Content) == "" {
		return invalid("content", "must not be empty")
	}
	if limit := m.limits.forType(d.Type); len(d.Content) > limit {
		return invalid("content", "%s content exceeds %d bytes", d.Type, limit)
	}
	if len(d.Thumbnail) > m.limits.Thumbnail {
		return invalid("thumbnail", "exceeds %d bytes", m.limits.Thumbnail)
	}
	if d.FileSize < 0 {
		return invalid("fileSize", "must not be negative")
	}
	if d.Type == models.TypeFile && d.FileName == "" {
		return invalid("fileName", "required for file messages")
	}
	return nil
}

// stamp returns a createdAt and ID for the next message in roomID. Timestamps
// are strictly increasing per room so that before-based paging never skips a
// message that shares a timestamp with the page boundary.
func (m *Messages) stamp(roomID string) (time.Time, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	at := m.now().Truncate(time.Microsecond)
	if last, ok := m.lastAt[roomID]; ok && !at.After(last) {
		at = last.Add(time.Microsecond)
	}
	m.lastAt[roomID] = at
	if len(m.lastAt) > m.sweepAt {
		m.pruneStamps(at)
	}
	id := ulid.MustNew(ulid.Timestamp(at), m.entropy)
	return at, id.String()
}

// pruneStamps drops rooms whose last stamp the clock has long passed; their
// next stamp is increasing without the entry. Callers hold m.mu.
func (m *Messages) pruneStamps(now time.Time) {
	for id, last := range m.lastAt {
		if now.Sub(last) > stampHorizon {
			delete(m.lastAt, id)
		}
	}
	m.sweepAt = max(stampSweepSize, 2*len(m.lastAt))
}

// Append validates and stores a new message with status sent.
func (m *Messages) Append(ctx context.Context, d Draft) (*models.Message, error) {
	if err := m.Validate(d); err != nil {
		return nil, err
	}
	if d.ReplyTo != "" {
		parent, err := m.store.GetMessage(ctx, d.ReplyTo)
		if err != nil {
			return nil, fmt.Errorf("get reply target: %w", err)
		}
		if parent == nil || parent.RoomID != d.RoomID {
			return nil, invalid("replyTo", "must reference a message in the same room")
		}
	}

	at, id := m.stamp(d.RoomID)
	msg := &models.Message{
		ID:        id,
		RoomID:    d.RoomID,
		SenderID:  d.SenderID,
		Type:      d.Type,
		Content:   d.Content,
		Thumbnail: d.Thumbnail,
		FileName:  d.FileName,
		FileSize:  d.FileSize,
		MimeType:  d.MimeType,
		Status:    models.StatusSent,
		ReplyTo:   d.ReplyTo,
		CreatedAt: at,
	}
	if err := m.store.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// Get returns a stored message or ErrNotFound.
func (m *Messages) Get(ctx context.Context, id string) (*models.Message, error) {
	msg, err := m.store.GetMessage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	if msg == nil {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return msg, nil
}

// Page returns up to limit messages newest-first, older than before when it is
// set, redacted for viewerID.
func (m *Messages) Page(ctx context.Context, roomID, viewerID string, limit int, before time.Time) ([]models.Message, error) {
	if limit < MinPageSize || limit > MaxPageSize {
		return nil, invalid("limit", "must be between %d and %d", MinPageSize, MaxPageSize)
	}
	return m.list(ctx, roomID, viewerID, limit, before)
}

func (m *Messages) list(ctx context.Context, roomID, viewerID string, limit int, before time.Time) ([]models.Message, error) {
	msgs, err := m.store.ListMessages(ctx, roomID, limit, before)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	for i := range msgs {
		msgs[i] = msgs[i].ViewFor(viewerID)
	}
	return msgs, nil
}

// MarkDelivered moves the partner's sent messages to delivered.
func (m *Messages) MarkDelivered(ctx context.Context, roomID, userID string) ([]string, error) {
	ids, err := m.store.AdvanceRoomStatus(ctx, roomID, userID, models.StatusDelivered)
	if err != nil {
		return nil, fmt.Errorf("mark delivered: %w", err)
	}
	return ids, nil
}

// MarkRead moves the partner's sent and delivered messages to read.
func (m *Messages) MarkRead(ctx context.Context, roomID, userID string) ([]string, error) {
	ids, err := m.store.AdvanceRoomStatus(ctx, roomID, userID, models.StatusRead)
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	return ids, nil
}

// SetStatus moves one message forward. It reports false, with no error, when
// status does not advance the message.
func (m *Messages) SetStatus(ctx context.Context, messageID string, status models.MessageStatus) (bool, error) {
	if !status.Valid() {
		return false, invalid("status", "unknown status %q", status)
	}
	advanced, err := m.store.AdvanceMessageStatus(ctx, messageID, status)
	if err != nil {
		return false, fmt.Errorf("set status: %w", err)
	}
	return advanced, nil
}

// SoftDelete redacts a message for everyone when forBoth is set, or only for
// the requester otherwise. Only the sender may delete.
func (m *Messages) SoftDelete(ctx context.Context, messageID, requesterID string, forBoth bool) (*models.Message, error) {
	msg, err := m.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != requesterID {
		return nil, ErrForbidden
	}

	if forBoth {
		if err := m.store.MarkMessageDeleted(ctx, messageID); err != nil {
			return nil, fmt.Errorf("delete message: %w", err)
		}
		msg.IsDeleted = true
	} else {
		if err := m.store.HideMessageFor(ctx, messageID, requesterID); err != nil {
			return nil, fmt.Errorf("hide message: %w", err)
		}
		if !msg.HiddenFrom(requesterID) {
			msg.DeletedFor = append(msg.DeletedFor, requesterID)
		}
	}
	return msg, nil
}
