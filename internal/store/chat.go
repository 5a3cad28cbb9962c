package store

import (
	"database/sql"
	"strings"
	"time"
)

// UpsertChat inserts or updates a chat record. Blank names and participant
// lists never overwrite known values, and the preview only moves forward in time.
func (db *DB) UpsertChat(c *Chat) error {
	return upsertChat(db.DB, c)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertChat(x execer, c *Chat) error {
	typ := c.Type
	if typ == "" {
		typ = "direct"
	}
	_, err := x.Exec(`
		INSERT INTO chats (id, name, chat_type, participant_ids, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			chat_type = excluded.chat_type,
			participant_ids = CASE WHEN excluded.participant_ids != '' THEN excluded.participant_ids ELSE chats.participant_ids END,
			unread_count = excluded.unread_count,
			last_message_preview = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_preview ELSE chats.last_message_preview END,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		c.ID, c.Name, typ, strings.Join(c.ParticipantIDs, ","), c.UnreadCount,
		c.LastMessageAt, truncate(c.LastMessagePreview, 100), time.Now().UnixMilli())
	return err
}

// ListChats returns chats sorted by last message timestamp descending.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT c.id, c.name, c.chat_type, c.participant_ids, c.unread_count,
			c.last_message_at, c.last_message_preview
		FROM chats c
		ORDER BY c.last_message_at DESC, c.id
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat by id, or nil when it is unknown.
func (db *DB) GetChat(id string) (*Chat, error) {
	row := db.QueryRow(`
		SELECT id, name, chat_type, participant_ids, unread_count, last_message_at, last_message_preview
		FROM chats WHERE id = ?`, id)
	c, err := scanChat(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteChat removes a chat and its messages.
func (db *DB) DeleteChat(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`DELETE FROM messages WHERE chat_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM chats WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChat(s scanner) (Chat, error) {
	var c Chat
	var ids string
	if err := s.Scan(&c.ID, &c.Name, &c.Type, &ids, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
		return c, err
	}
	if ids != "" {
		c.ParticipantIDs = strings.Split(ids, ",")
	}
	return c, nil
}

// ChatCount returns the total number of chats.
func (db *DB) ChatCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM chats`).Scan(&count)
	return count, err
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
