package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/duet/internal/models"
)

// SQLiteStore handles SQLite database operations.
// Timestamps are stored as unix microseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/duet.db". ":memory:" opens a private
// in-memory database.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/duet.db"
	}

	dsn := "file::memory:?_foreign_keys=on"
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, err
		}
		dsn = dbPath + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// One writer; also keeps an in-memory database alive on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		uid TEXT UNIQUE NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		online INTEGER NOT NULL DEFAULT 0,
		last_seen_at INTEGER NOT NULL DEFAULT 0,
		notification_address TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		member_a TEXT NOT NULL,
		member_b TEXT NOT NULL,
		last_message_id TEXT NOT NULL DEFAULT '',
		last_message_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL REFERENCES rooms(id),
		sender_id TEXT NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		thumbnail TEXT NOT NULL DEFAULT '',
		file_name TEXT NOT NULL DEFAULT '',
		file_size INTEGER NOT NULL DEFAULT 0,
		mime_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'sent',
		reply_to TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS message_hidden (
		message_id TEXT NOT NULL REFERENCES messages(id),
		user_id TEXT NOT NULL,
		PRIMARY KEY (message_id, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_member_a ON rooms(member_a, last_message_at);
	CREATE INDEX IF NOT EXISTS idx_rooms_member_b ON rooms(member_b, last_message_at);
	CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_room_status ON messages(room_id, status);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

// CreateUser creates a new user record.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, uid, display_name, online, last_seen_at, notification_address, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, user.ID, user.UID, user.DisplayName, user.Online, toMicros(user.LastSeenAt), user.NotificationAddress, toMicros(user.CreatedAt))
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicate
	}
	return err
}

const sqliteUserColumns = `id, uid, display_name, online, last_seen_at, notification_address, created_at`

func (s *SQLiteStore) getUser(ctx context.Context, where string, arg any) (*models.User, error) {
	user := &models.User{}
	var lastSeen, createdAt int64
	err := s.db.QueryRowContext(ctx, `SELECT `+sqliteUserColumns+` FROM users WHERE `+where+` = ?`, arg).Scan(
		&user.ID,
		&user.UID,
		&user.DisplayName,
		&user.Online,
		&lastSeen,
		&user.NotificationAddress,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	user.LastSeenAt = fromMicros(lastSeen)
	user.CreatedAt = fromMicros(createdAt)
	return user, nil
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.getUser(ctx, "id", id)
}

// GetUserByUID retrieves a user by public handle.
func (s *SQLiteStore) GetUserByUID(ctx context.Context, uid string) (*models.User, error) {
	return s.getUser(ctx, "uid", uid)
}

// SetUserPresence updates the online flag and last-seen timestamp.
func (s *SQLiteStore) SetUserPresence(ctx context.Context, id string, online bool, lastSeen time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET online = ?, last_seen_at = ? WHERE id = ?
	`, online, toMicros(lastSeen), id)
	return err
}

// CreateRoomIfAbsent inserts the room, ignoring a duplicate ID, and returns the stored row.
func (s *SQLiteStore) CreateRoomIfAbsent(ctx context.Context, room *models.Room) (*models.Room, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO rooms (id, member_a, member_b, last_message_id, last_message_at, created_at)
		VALUES (?, ?, ?, '', ?, ?)
	`, room.ID, room.Members[0], room.Members[1], toMicros(room.LastMessageAt), toMicros(room.CreatedAt))
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	stored, err := s.GetRoom(ctx, room.ID)
	return stored, n == 1, err
}

const sqliteRoomColumns = `id, member_a, member_b, last_message_id, last_message_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRoom(row rowScanner) (*models.Room, error) {
	room := &models.Room{}
	var lastAt, createdAt int64
	if err := row.Scan(&room.ID, &room.Members[0], &room.Members[1], &room.LastMessageID, &lastAt, &createdAt); err != nil {
		return nil, err
	}
	room.LastMessageAt = fromMicros(lastAt)
	room.CreatedAt = fromMicros(createdAt)
	return room, nil
}

// GetRoom retrieves a room by ID.
func (s *SQLiteStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	room, err := scanSQLiteRoom(s.db.QueryRowContext(ctx, `SELECT `+sqliteRoomColumns+` FROM rooms WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return room, nil
}

// ListRoomsForUser returns the user's rooms, most recent activity first.
func (s *SQLiteStore) ListRoomsForUser(ctx context.Context, userID string) ([]models.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteRoomColumns+`
		FROM rooms
		WHERE member_a = ? OR member_b = ?
		ORDER BY last_message_at DESC, id ASC
	`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []models.Room
	for rows.Next() {
		room, err := scanSQLiteRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}

// UpdateRoomLastMessage moves the last-message pointer forward in time only.
func (s *SQLiteStore) UpdateRoomLastMessage(ctx context.Context, roomID, messageID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE rooms SET last_message_id = ?, last_message_at = ?
		WHERE id = ? AND last_message_at <= ?
	`, messageID, toMicros(at), roomID, toMicros(at))
	return err
}

// InsertMessage stores a new message.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, sender_id, type, content, thumbnail, file_name, file_size, mime_type, status, reply_to, created_at, is_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.RoomID, msg.SenderID, string(msg.Type), msg.Content, msg.Thumbnail,
		msg.FileName, msg.FileSize, msg.MimeType, string(msg.Status), msg.ReplyTo,
		toMicros(msg.CreatedAt), msg.IsDeleted)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicate
	}
	return err
}

const sqliteMessageColumns = `id, room_id, sender_id, type, content, thumbnail, file_name, file_size, mime_type, status, reply_to, created_at, is_deleted`

func scanSQLiteMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var msgType, status string
	var createdAt int64
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
		&createdAt,
		&msg.IsDeleted,
	)
	if err != nil {
		return nil, err
	}
	msg.Type = models.MessageType(msgType)
	msg.Status = models.MessageStatus(status)
	msg.CreatedAt = fromMicros(createdAt)
	return msg, nil
}

// GetMessage retrieves a message by ID, including its per-viewer hide list.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg, err := scanSQLiteMessage(s.db.QueryRowContext(ctx, `SELECT `+sqliteMessageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	msgs := []models.Message{*msg}
	if err := s.loadHidden(ctx, msgs); err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

// ListMessages retrieves a page of messages from a room, newest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, roomID string, limit int, before time.Time) ([]models.Message, error) {
	query := `SELECT ` + sqliteMessageColumns + ` FROM messages WHERE room_id = ?`
	args := []any{roomID}
	if !before.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, toMicros(before))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var msgs []models.Message
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	if err := s.loadHidden(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// loadHidden fills DeletedFor. Called after the message rows are closed, since
// the store runs on a single connection.
func (s *SQLiteStore) loadHidden(ctx context.Context, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	index := make(map[string]int, len(msgs))
	args := make([]any, len(msgs))
	for i, m := range msgs {
		index[m.ID] = i
		args[i] = m.ID
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(msgs)), ",")

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, user_id FROM message_hidden WHERE message_id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var msgID, userID string
		if err := rows.Scan(&msgID, &userID); err != nil {
			return err
		}
		i := index[msgID]
		msgs[i].DeletedFor = append(msgs[i].DeletedFor, userID)
	}
	return rows.Err()
}

// AdvanceRoomStatus moves messages from others forward to status.
func (s *SQLiteStore) AdvanceRoomStatus(ctx context.Context, roomID, readerID string, status models.MessageStatus) ([]string, error) {
	behind := statusStrings(status.Behind())
	if len(behind) == 0 {
		return nil, nil
	}
	args := []any{string(status), roomID, readerID}
	for _, b := range behind {
		args = append(args, b)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(behind)), ",")

	rows, err := s.db.QueryContext(ctx, `
		UPDATE messages SET status = ?
		WHERE room_id = ? AND sender_id <> ? AND status IN (`+placeholders+`)
		RETURNING id
	`, args...)
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
func (s *SQLiteStore) AdvanceMessageStatus(ctx context.Context, id string, status models.MessageStatus) (bool, error) {
	behind := statusStrings(status.Behind())
	if len(behind) == 0 {
		return false, nil
	}
	args := []any{string(status), id}
	for _, b := range behind {
		args = append(args, b)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(behind)), ",")

	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ? WHERE id = ? AND status IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkMessageDeleted redacts a message for every viewer.
func (s *SQLiteStore) MarkMessageDeleted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET is_deleted = 1 WHERE id = ?`, id)
	return err
}

// HideMessageFor redacts a message for one viewer.
func (s *SQLiteStore) HideMessageFor(ctx context.Context, id, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO message_hidden (message_id, user_id) VALUES (?, ?)
	`, id, userID)
	return err
}
