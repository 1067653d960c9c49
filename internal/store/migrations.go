package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		uid TEXT UNIQUE NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		online BOOLEAN NOT NULL DEFAULT FALSE,
		last_seen_at TIMESTAMPTZ,
		notification_address TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	// The canonical room ID is the uniqueness constraint that turns a
	// concurrent duplicate create into a lookup.
	`CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		member_a TEXT NOT NULL REFERENCES users(id),
		member_b TEXT NOT NULL REFERENCES users(id),
		last_message_id TEXT NOT NULL DEFAULT '',
		last_message_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_rooms_member_a ON rooms(member_a, last_message_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_rooms_member_b ON rooms(member_b, last_message_at DESC)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL REFERENCES rooms(id),
		sender_id TEXT NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		thumbnail TEXT NOT NULL DEFAULT '',
		file_name TEXT NOT NULL DEFAULT '',
		file_size BIGINT NOT NULL DEFAULT 0,
		mime_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'sent',
		reply_to TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE
	)`,

	`CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room_id, created_at DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_room_status ON messages(room_id, status)`,

	`CREATE TABLE IF NOT EXISTS message_hidden (
		message_id TEXT NOT NULL REFERENCES messages(id),
		user_id TEXT NOT NULL,
		PRIMARY KEY (message_id, user_id)
	)`,
}

// RunMigrations applies the schema to the PostgreSQL database at databaseURL.
func RunMigrations(ctx context.Context, databaseURL string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(ctx)

	for i, stmt := range migrations {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
