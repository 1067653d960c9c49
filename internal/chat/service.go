package chat

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/duet/internal/fanout"
	"github.com/eldtechnologies/duet/internal/metrics"
	"github.com/eldtechnologies/duet/internal/models"
	"github.com/eldtechnologies/duet/internal/store"
)

const previewRunes = 100

// Broadcaster delivers events to connected room members.
type Broadcaster interface {
	Broadcast(ctx context.Context, room *models.Room, evt models.Event, opts ...fanout.Option) fanout.Report
	SendToUser(userID string, evt models.Event) bool
	Subscribe(userID, roomID string) bool
	IsOnline(userID string) bool
}

// Service applies chat operations on behalf of an authenticated user and
// broadcasts the resulting events. Both the real-time gateway and the REST
// handlers go through it.
type Service struct {
	Rooms    *Directory
	Messages *Messages

	users  store.DataStore
	events Broadcaster
	locks  *roomLocks
	logger zerolog.Logger
}

// NewService wires the directory and message store to a broadcaster.
func NewService(ds store.DataStore, limits Limits, events Broadcaster, logger zerolog.Logger) *Service {
	return &Service{
		Rooms:    NewDirectory(ds),
		Messages: NewMessages(ds, limits),
		users:    ds,
		events:   events,
		locks:    newRoomLocks(),
		logger:   logger,
	}
}

// Connect opens the room between actor and the user holding partnerUID.
func (s *Service) Connect(ctx context.Context, actor *models.User, partnerUID string) (*models.Room, *models.User, error) {
	partnerUID = strings.TrimSpace(partnerUID)
	if partnerUID == "" {
		return nil, nil, invalid("uid", "required")
	}
	partner, err := s.users.GetUserByUID(ctx, partnerUID)
	if err != nil {
		return nil, nil, fmt.Errorf("get user: %w", err)
	}
	if partner == nil {
		return nil, nil, fmt.Errorf("user %s: %w", partnerUID, ErrNotFound)
	}

	room, err := s.Rooms.FindOrCreateRoom(ctx, actor.ID, partner.ID)
	if err != nil {
		return nil, nil, err
	}

	evt := models.Event{Name: models.EventRoomCreated, Data: models.RoomCreated{RoomID: room.ID}}
	for _, member := range room.Members {
		s.events.Subscribe(member, room.ID)
		s.events.SendToUser(member, evt)
	}

	s.logger.Info().
		Str("room_id", room.ID).
		Str("user_id", actor.ID).
		Str("partner_id", partner.ID).
		Msg("room connected")
	return room, partner, nil
}

// ListRooms returns actor's rooms, most recent activity first.
func (s *Service) ListRooms(ctx context.Context, actor *models.User) ([]models.Room, error) {
	return s.Rooms.ListRoomsForUser(ctx, actor.ID)
}

// Authorize returns the room if actor belongs to it.
func (s *Service) Authorize(ctx context.Context, actor *models.User, roomID string) (*models.Room, error) {
	return s.Rooms.Authorize(ctx, roomID, actor.ID)
}

// History returns one page of the room newest-first and whether older
// messages exist.
func (s *Service) History(ctx context.Context, actor *models.User, roomID string, limit int, before time.Time) ([]models.Message, bool, error) {
	if _, err := s.Authorize(ctx, actor, roomID); err != nil {
		return nil, false, err
	}
	if limit < MinPageSize || limit > MaxPageSize {
		return nil, false, invalid("limit", "must be between %d and %d", MinPageSize, MaxPageSize)
	}

	msgs, err := s.Messages.list(ctx, roomID, actor.ID, limit+1, before)
	if err != nil {
		return nil, false, err
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return msgs, hasMore, nil
}

// Send stores a message from actor and broadcasts it to the room. The offline
// partner gets a notification.
func (s *Service) Send(ctx context.Context, actor *models.User, d Draft) (*models.Message, error) {
	room, err := s.Authorize(ctx, actor, d.RoomID)
	if err != nil {
		return nil, err
	}
	d.SenderID = actor.ID

	unlock := s.locks.lock(room.ID)
	defer unlock()

	msg, err := s.Messages.Append(ctx, d)
	if err != nil {
		return nil, err
	}
	if err := s.Rooms.RecordLastMessage(ctx, room.ID, msg.ID, msg.CreatedAt); err != nil {
		s.logger.Error().Err(err).Str("room_id", room.ID).Str("message_id", msg.ID).Msg("failed to record last message")
	}
	metrics.MessagesSent.WithLabelValues(string(msg.Type)).Inc()

	s.events.Broadcast(ctx, room, models.Event{Name: models.EventMessageRecv, Data: msg},
		fanout.WithNotification(actor.ID, notificationFor(actor, msg)))

	s.logger.Debug().
		Str("room_id", room.ID).
		Str("message_id", msg.ID).
		Str("type", string(msg.Type)).
		Msg("message sent")
	return msg, nil
}

// Join authorizes actor for the room and marks the partner's messages delivered.
func (s *Service) Join(ctx context.Context, actor *models.User, roomID string) (*models.Room, error) {
	room, err := s.Authorize(ctx, actor, roomID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(room.ID)
	defer unlock()

	ids, err := s.Messages.MarkDelivered(ctx, room.ID, actor.ID)
	if err != nil {
		return nil, err
	}
	s.broadcastUpdates(ctx, room, ids, models.StatusDelivered)
	return room, nil
}

// MarkRead marks every partner message in the room as read.
func (s *Service) MarkRead(ctx context.Context, actor *models.User, roomID string) ([]string, error) {
	room, err := s.Authorize(ctx, actor, roomID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(room.ID)
	defer unlock()

	ids, err := s.Messages.MarkRead(ctx, room.ID, actor.ID)
	if err != nil {
		return nil, err
	}
	s.broadcastUpdates(ctx, room, ids, models.StatusRead)
	if len(ids) > 0 {
		s.events.Broadcast(ctx, room, models.Event{
			Name: models.EventMessagesRead,
			Data: models.MessagesRead{RoomID: room.ID, UserID: actor.ID},
		})
	}
	return ids, nil
}

// UpdateStatus moves one message forward on behalf of its recipient. It
// reports false when the status did not advance.
func (s *Service) UpdateStatus(ctx context.Context, actor *models.User, messageID string, status models.MessageStatus) (bool, error) {
	if !status.Valid() {
		return false, invalid("status", "unknown status %q", status)
	}
	msg, err := s.Messages.Get(ctx, messageID)
	if err != nil {
		return false, err
	}
	room, err := s.Authorize(ctx, actor, msg.RoomID)
	if err != nil {
		return false, err
	}
	if msg.SenderID == actor.ID && status != models.StatusSent {
		return false, ErrForbidden
	}

	unlock := s.locks.lock(room.ID)
	defer unlock()

	advanced, err := s.Messages.SetStatus(ctx, messageID, status)
	if err != nil {
		return false, err
	}
	if advanced {
		s.broadcastUpdates(ctx, room, []string{messageID}, status)
	}
	return advanced, nil
}

// Delete soft-deletes a message. A delete for both sides is announced to the
// room; a private delete only to the requester.
func (s *Service) Delete(ctx context.Context, actor *models.User, messageID string, forBoth bool) (*models.Message, error) {
	msg, err := s.Messages.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	room, err := s.Authorize(ctx, actor, msg.RoomID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(room.ID)
	defer unlock()

	msg, err = s.Messages.SoftDelete(ctx, messageID, actor.ID, forBoth)
	if err != nil {
		return nil, err
	}

	evt := models.Event{
		Name: models.EventMessageDeleted,
		Data: models.MessageDeleted{MessageID: messageID, DeleteForBoth: forBoth},
	}
	if forBoth {
		s.events.Broadcast(ctx, room, evt)
	} else {
		s.events.SendToUser(actor.ID, evt)
	}

	s.logger.Info().
		Str("room_id", room.ID).
		Str("message_id", messageID).
		Bool("for_both", forBoth).
		Msg("message deleted")
	view := msg.ViewFor(actor.ID)
	return &view, nil
}

// Typing relays a typing indicator to the partner. Nothing is stored.
func (s *Service) Typing(ctx context.Context, actor *models.User, roomID string, isTyping bool) error {
	room, err := s.Authorize(ctx, actor, roomID)
	if err != nil {
		return err
	}
	s.events.Broadcast(ctx, room, models.Event{
		Name: models.EventTyping,
		Data: models.Typing{RoomID: room.ID, UserID: actor.ID, Username: actor.DisplayName, IsTyping: isTyping},
	}, fanout.Except(actor.ID))
	return nil
}

// AnnouncePresence tells the partner in each of actor's rooms that actor came
// online or went offline.
func (s *Service) AnnouncePresence(ctx context.Context, actor *models.User, online bool, lastSeen time.Time) error {
	rooms, err := s.Rooms.ListRoomsForUser(ctx, actor.ID)
	if err != nil {
		return err
	}

	evt := models.Event{Name: models.EventUserOnline, Data: models.UserOnline{UserID: actor.ID, Username: actor.DisplayName}}
	if !online {
		evt = models.Event{Name: models.EventUserOffline, Data: models.UserOffline{
			UserID:     actor.ID,
			Username:   actor.DisplayName,
			LastSeenAt: lastSeen,
		}}
	}
	for i := range rooms {
		s.events.Broadcast(ctx, &rooms[i], evt, fanout.Except(actor.ID))
	}
	return nil
}

func (s *Service) broadcastUpdates(ctx context.Context, room *models.Room, ids []string, status models.MessageStatus) {
	if len(ids) == 0 {
		return
	}
	metrics.StatusTransitions.WithLabelValues(string(status)).Add(float64(len(ids)))
	for _, id := range ids {
		s.events.Broadcast(ctx, room, models.Event{
			Name: models.EventMessageUpdate,
			Data: models.MessageUpdate{MessageID: id, Status: status},
		})
	}
}

// notificationFor builds the push payload for msg.
func notificationFor(sender *models.User, msg *models.Message) models.Notification {
	title := sender.DisplayName
	if title == "" {
		title = "New message"
	}
	return models.Notification{
		Title: title,
		Body:  preview(msg),
		Data: map[string]string{
			"roomId":    msg.RoomID,
			"messageId": msg.ID,
		},
	}
}

func preview(msg *models.Message) string {
	switch msg.Type {
	case models.TypeImage:
		return "Sent a photo"
	case models.TypeVideo:
		return "Sent a video"
	case models.TypeGIF:
		return "Sent a GIF"
	case models.TypeFile:
		if msg.FileName != "" {
			return "Sent a file: " + msg.FileName
		}
		return "Sent a file"
	}
	if utf8.RuneCountInString(msg.Content) <= previewRunes {
		return msg.Content
	}
	return string([]rune(msg.Content)[:previewRunes]) + "..."
}
