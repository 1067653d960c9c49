package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/duet/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateUser creates a new user record.
func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	var lastSeen *time.Time
	if !user.LastSeenAt.IsZero() {
		lastSeen = &user.LastSeenAt
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, uid, display_name, online, last_seen_at, notification_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, user.ID, user.UID, user.DisplayName, user.Online, lastSeen, user.NotificationAddress, user.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) getUser(ctx context.Context, column, value string) (*models.User, error) {
	user := &models.User{}
	var lastSeen *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT id, uid, display_name, online, last_seen_at, notification_address, created_at
		FROM users WHERE `+column+` = $1
	`, value).Scan(
		&user.ID,
		&user.UID,
		&user.DisplayName,
		&user.Online,
		&lastSeen,
		&user.NotificationAddress,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if lastSeen != nil {
		user.LastSeenAt = lastSeen.UTC()
	}
	return user, nil
}

// GetUser retrieves a user by ID.
func (s *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.getUser(ctx, "id", id)
}

// GetUserByUID retrieves a user by public handle.
func (s *PostgresStore) GetUserByUID(ctx context.Context, uid string) (*models.User, error) {
	return s.getUser(ctx, "uid", uid)
}

// SetUserPresence updates the online flag and last-seen timestamp.
func (s *PostgresStore) SetUserPresence(ctx context.Context, id string, online bool, lastSeen time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET online = $2, last_seen_at = $3 WHERE id = $1
	`, id, online, lastSeen)
	return err
}

// CreateRoomIfAbsent inserts the room; a concurrent insert of the same canonical
// ID becomes a no-op and the existing row is returned.
func (s *PostgresStore) CreateRoomIfAbsent(ctx context.Context, room *models.Room) (*models.Room, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO rooms (id, member_a, member_b, last_message_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, room.ID, room.Members[0], room.Members[1], room.LastMessageAt, room.CreatedAt)
	if err != nil {
		return nil, false, err
	}
	stored, err := s.GetRoom(ctx, room.ID)
	return stored, tag.RowsAffected() == 1, err
}

const pgRoomColumns = `id, member_a, member_b, last_message_id, last_message_at, created_at`

func scanPGRoom(row pgx.Row) (*models.Room, error) {
	room := &models.Room{}
	err := row.Scan(
		&room.ID,
		&room.Members[0],
		&room.Members[1],
		&room.LastMessageID,
		&room.LastMessageAt,
		&room.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	room.LastMessageAt = room.LastMessageAt.UTC()
	room.CreatedAt = room.CreatedAt.UTC()
	return room, nil
}

// GetRoom retrieves a room by ID.
func (s *PostgresStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	room, err := scanPGRoom(s.pool.QueryRow(ctx, `SELECT `+pgRoomColumns+` FROM rooms WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return room, nil
}

// ListRoomsForUser returns the user's rooms, most recent activity first.
func (s *PostgresStore) ListRoomsForUser(ctx context.Context, userID string) ([]models.Room, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgRoomColumns+`
		FROM rooms
		WHERE member_a = $1 OR member_b = $1
		ORDER BY last_message_at DESC, id ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []models.Room
	for rows.Next() {
		room, err := scanPGRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}

// UpdateRoomLastMessage moves the last-message pointer forward in time only.
func (s *PostgresStore) UpdateRoomLastMessage(ctx context.Context, roomID, messageID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE rooms SET last_message_id = $2, last_message_at = $3
		WHERE id = $1 AND last_message_at <= $3
	`, roomID, messageID, at)
	return err
}

// InsertMessage stores a new message.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, room_id, sender_id, type, content, thumbnail, file_name, file_size, mime_type, status, reply_to, created_at, is_deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, msg.ID, msg.RoomID, msg.SenderID, string(msg.Type), msg.Content, msg.Thumbnail,
		msg.FileName, msg.FileSize, msg.MimeType, string(msg.Status), msg.ReplyTo,
		msg.CreatedAt, msg.IsDeleted)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// Hidden viewers are aggregated alongside each message.
const pgMessageSelect = `
	SELECT m.id, m.room_id, m.sender_id, m.type, m.content, m.thumbnail, m.file_name,
	       m.file_size, m.mime_type, m.status, m.reply_to, m.created_at, m.is_deleted,
	       COALESCE((SELECT array_agg(h.user_id) FROM message_hidden h WHERE h.message_id = m.id), '{}')
	FROM messages m`

func scanPGMessage(row pgx.Row) (*models.Message, error) {
	msg := &models.Message{}
	var msgType, status string
	err := row.Scan(
		&msg.ID,
		&msg.RoomID,
		&msg.SenderID,
		&msgType,
		&msg.Content,
		&msg.Thumbnail,
		&msg.FileName,
		&msg.FileSize,
		&msg.MimeType,
		&status,
		&msg.ReplyTo,
		&msg.CreatedAt,
		&msg.IsDeleted,
		&msg.DeletedFor,
	)
	if err != nil {
		return nil, err
	}
	msg.Type = models.MessageType(msgType)
	msg.Status = models.MessageStatus(status)
	msg.CreatedAt = msg.CreatedAt.UTC()
	if len(msg.DeletedFor) == 0 {
		msg.DeletedFor = nil
	}
	return msg, nil
}

// GetMessage retrieves a message by ID.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg, err := scanPGMessage(s.pool.QueryRow(ctx, pgMessageSelect+` WHERE m.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// ListMessages retrieves a page of messages from a room, newest first.
func (s *PostgresStore) ListMessages(ctx context.Context, roomID string, limit int, before time.Time) ([]models.Message, error) {
	var rows pgx.Rows
	var err error
	if before.IsZero() {
		rows, err = s.pool.Query(ctx, pgMessageSelect+`
			WHERE m.room_id = $1
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $2
		`, roomID, limit)
	} else {
		rows, err = s.pool.Query(ctx, pgMessageSelect+`
			WHERE m.room_id = $1 AND m.created_at < $3
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $2
		`, roomID, limit, before)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		msg, err := scanPGMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	return msgs, rows.Err()
}

// AdvanceRoomStatus moves messages from others forward to status. The status
// filter in the WHERE clause makes concurrent delivered/read updates safe:
// a row already read never matches a delivered update.
func (s *PostgresStore) AdvanceRoomStatus(ctx context.Context, roomID, readerID string, status models.MessageStatus) ([]string, error) {
	behind := statusStrings(status.Behind())
	if len(behind) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE messages SET status = $3
		WHERE room_id = $1 AND sender_id <> $2 AND status = ANY($4)
		RETURNING id
	`, roomID, readerID, string(status), behind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AdvanceMessageStatus moves a single message forward to status.
func (s *PostgresStore) AdvanceMessageStatus(ctx context.Context, id string, status models.MessageStatus) (bool, error) {
	behind := statusStrings(status.Behind())
	if len(behind) == 0 {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET status = $2 WHERE id = $1 AND status = ANY($3)
	`, id, string(status), behind)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkMessageDeleted redacts a message for every viewer.
func (s *PostgresStore) MarkMessageDeleted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE messages SET is_deleted = TRUE WHERE id = $1`, id)
	return err
}

// HideMessageFor redacts a message for one viewer.
func (s *PostgresStore) HideMessageFor(ctx context.Context, id, userID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO message_hidden (message_id, user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, id, userID)
	return err
}
