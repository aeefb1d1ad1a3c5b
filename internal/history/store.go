// Package history provides PostgreSQL-backed archival of chat
// messages. The live system never reads from it; the archiver daemon
// writes a durable copy of each message for operator review, surviving
// the in-room "clear history" wipe.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store archives messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Entry is one archived message row.
type Entry struct {
	Room      string
	MessageID string
	Type      string // text | event
	Name      string
	Text      string
	SenderID  string
	Timestamp int64 // unix millis, server-assigned
}

// NewStore creates an archive store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Archive inserts one message. Replayed feed events are absorbed by
// the (room, message_id) unique constraint: a duplicate insert is a
// no-op, keeping the archive idempotent under at-least-once delivery.
func (s *Store) Archive(ctx context.Context, e *Entry) error {
	if e.Room == "" || e.MessageID == "" {
		return fmt.Errorf("history: entry missing room or message id")
	}
	if e.Type != "text" && e.Type != "event" {
		return fmt.Errorf("history: invalid message type %q", e.Type)
	}

	const query = `
		INSERT INTO archived_messages (room, message_id, type, name, text, sender_id, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (room, message_id) DO NOTHING`

	var sentAt *time.Time
	if e.Timestamp != 0 {
		t := time.UnixMilli(e.Timestamp).UTC()
		sentAt = &t
	}

	_, err := s.db.ExecContext(ctx, query,
		e.Room, e.MessageID, e.Type, e.Name, e.Text, e.SenderID, sentAt)
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

// CountRoom returns the number of archived messages for a room.
func (s *Store) CountRoom(ctx context.Context, roomName string) (int, error) {
	const query = `SELECT COUNT(*) FROM archived_messages WHERE room = $1`

	var count int
	if err := s.db.QueryRowContext(ctx, query, roomName).Scan(&count); err != nil {
		return 0, fmt.Errorf("history: count: %w", err)
	}
	return count, nil
}

// RecentRoom returns the latest n archived messages for a room, newest
// first.
func (s *Store) RecentRoom(ctx context.Context, roomName string, n int) ([]Entry, error) {
	const query = `
		SELECT room, message_id, type, name, text, sender_id, sent_at
		FROM archived_messages
		WHERE room = $1
		ORDER BY sent_at DESC NULLS LAST
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, roomName, n)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var sentAt sql.NullTime
		if err := rows.Scan(&e.Room, &e.MessageID, &e.Type, &e.Name, &e.Text, &e.SenderID, &sentAt); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		if sentAt.Valid {
			e.Timestamp = sentAt.Time.UnixMilli()
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
