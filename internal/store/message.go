package store

import (
	"fmt"
	"time"
)

const upsertMessageSQL = `
	INSERT INTO messages (chat_id, msg_id, temp_id, sender_id, body, message_type, status, reply_to, edited, file_url, timestamp, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(chat_id, msg_id) DO UPDATE SET
		temp_id = CASE WHEN excluded.temp_id != '' THEN excluded.temp_id ELSE messages.temp_id END,
		body = excluded.body,
		message_type = excluded.message_type,
		status = excluded.status,
		reply_to = excluded.reply_to,
		edited = excluded.edited,
		file_url = CASE WHEN excluded.file_url != '' THEN excluded.file_url ELSE messages.file_url END,
		timestamp = excluded.timestamp`

// UpsertMessage inserts or updates a message (idempotent on chat_id + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	_, err := db.Exec(upsertMessageSQL, messageArgs(m)...)
	return err
}

// ReplaceMessage stores m and drops the row previously stored under oldID,
// in one transaction. It records an optimistic message being confirmed by
// the server under a new id.
func (db *DB) ReplaceMessage(oldID string, m *Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if oldID != "" && oldID != m.MsgID {
		if _, err := tx.Exec(`DELETE FROM messages WHERE chat_id = ? AND msg_id = ?`, m.ChatID, oldID); err != nil {
			return fmt.Errorf("delete %s: %w", oldID, err)
		}
	}
	if _, err := tx.Exec(upsertMessageSQL, messageArgs(m)...); err != nil {
		return fmt.Errorf("upsert %s: %w", m.MsgID, err)
	}
	return tx.Commit()
}

// DeleteMessage removes a message by server id or temp id.
func (db *DB) DeleteMessage(chatID, msgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE chat_id = ? AND (msg_id = ? OR temp_id = ?)`, chatID, msgID, msgID)
	return err
}

// ListMessages returns messages for a chat using keyset pagination by timestamp.
func (db *DB) ListMessages(chatID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, chat_id, msg_id, temp_id, sender_id, body, message_type, status, reply_to, edited, file_url, timestamp
		FROM messages
		WHERE chat_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, chatID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

func messageArgs(m *Message) []any {
	typ := m.MessageType
	if typ == "" {
		typ = "text"
	}
	return []any{m.ChatID, m.MsgID, m.TempID, m.SenderID, m.Body, typ, m.Status,
		m.ReplyTo, m.Edited, m.FileURL, m.Timestamp, time.Now().UnixMilli()}
}

func scanMessage(s scanner, extra ...any) (Message, error) {
	var m Message
	dest := []any{&m.ID, &m.ChatID, &m.MsgID, &m.TempID, &m.SenderID, &m.Body,
		&m.MessageType, &m.Status, &m.ReplyTo, &m.Edited, &m.FileURL, &m.Timestamp}
	err := s.Scan(append(dest, extra...)...)
	return m, err
}
