package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/models"
	chatsync "github.com/matheus3301/chatcore/internal/sync"
)

// StateLastConnected is the sync_state key holding the last connect time.
const StateLastConnected = "last_connected_at"

// maxBatch bounds how many queued bus events are folded into one transaction.
const maxBatch = 256

// Mirror writes every chat state change published on the bus into the
// history database. It is write-only: state is never loaded back from it.
type Mirror struct {
	db     *DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMirror creates a mirror over db.
func NewMirror(db *DB, b *bus.Bus, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{db: db, bus: b, logger: logger}
}

// Start subscribes to the bus and mirrors events until Stop.
func (m *Mirror) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	ch, unsub := m.bus.Subscribe("", 1024)

	go func() {
		defer close(m.done)
		defer unsub()
		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return
				}
				batch := []bus.Event{evt}
			fill:
				for len(batch) < maxBatch {
					select {
					case next := <-ch:
						batch = append(batch, next)
					default:
						break fill
					}
				}
				if err := m.Ingest(batch); err != nil {
					m.logger.Error("failed to mirror events", zap.Error(err), zap.Int("count", len(batch)))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the mirror and waits for the in-flight batch.
func (m *Mirror) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// Ingest applies a batch of bus events in one transaction. Events the
// mirror does not store are skipped.
func (m *Mirror) Ingest(events []bus.Event) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	applied := 0
	for _, evt := range events {
		ok, err := applyEvent(tx, evt)
		if err != nil {
			return fmt.Errorf("%s: %w", evt.Kind, err)
		}
		if ok {
			applied++
		}
	}
	if applied == 0 {
		return nil
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	m.logger.Debug("events mirrored", zap.Int("applied", applied))
	return nil
}

func applyEvent(tx execer, evt bus.Event) (bool, error) {
	switch evt.Kind {
	case bus.KindMessageUpserted:
		p, ok := evt.Payload.(chatsync.MessageChanged)
		if !ok || p.Message == nil {
			return false, nil
		}
		row := messageRow(p.ChatID, p.Message)
		if p.ReplacedID != "" && p.ReplacedID != row.MsgID {
			if _, err := tx.Exec(`DELETE FROM messages WHERE chat_id = ? AND msg_id = ?`, row.ChatID, p.ReplacedID); err != nil {
				return false, err
			}
		}
		_, err := tx.Exec(upsertMessageSQL, messageArgs(row)...)
		return err == nil, err

	case bus.KindMessageDeleted:
		p, ok := evt.Payload.(chatsync.MessageRemoved)
		if !ok {
			return false, nil
		}
		_, err := tx.Exec(`DELETE FROM messages WHERE chat_id = ? AND (msg_id = ? OR temp_id = ?)`, p.ChatID, p.MessageID, p.MessageID)
		return err == nil, err

	case bus.KindChatUpdated:
		p, ok := evt.Payload.(chatsync.ChatChanged)
		if !ok || p.Chat == nil {
			return false, nil
		}
		err := upsertChat(tx, chatRow(p.Chat))
		return err == nil, err

	case bus.KindChatRemoved:
		p, ok := evt.Payload.(chatsync.ChatChanged)
		if !ok || p.Chat == nil {
			return false, nil
		}
		if _, err := tx.Exec(`DELETE FROM messages WHERE chat_id = ?`, p.Chat.ID); err != nil {
			return false, err
		}
		_, err := tx.Exec(`DELETE FROM chats WHERE id = ?`, p.Chat.ID)
		return err == nil, err

	case bus.KindUserFound:
		u, ok := evt.Payload.(models.User)
		if !ok || u.ID == "" {
			return false, nil
		}
		_, err := tx.Exec(upsertUserSQL, u.ID, u.Name, u.Email, u.AvatarURL, time.Now().UnixMilli())
		return err == nil, err

	case bus.KindConnectionConnected:
		ts := evt.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		_, err := tx.Exec(`
			INSERT INTO sync_state (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			StateLastConnected, ts.UTC().Format(time.RFC3339))
		return err == nil, err
	}
	return false, nil
}

func messageRow(chatID string, msg *models.Message) *Message {
	if chatID == "" {
		chatID = msg.ChatID
	}
	return &Message{
		ChatID:      chatID,
		MsgID:       msg.ID,
		TempID:      msg.TempID,
		SenderID:    msg.SenderID,
		Body:        msg.Content,
		MessageType: string(msg.Type),
		Status:      string(msg.Status),
		ReplyTo:     msg.ReplyToMessageID,
		Edited:      msg.Edited,
		FileURL:     msg.MetaString(models.MetaFileURL),
		Timestamp:   msg.Timestamp.UnixMilli(),
	}
}

func chatRow(c *models.Chat) *Chat {
	row := &Chat{
		ID:             c.ID,
		Name:           c.Name,
		Type:           string(c.Type),
		ParticipantIDs: c.ParticipantIDs,
		UnreadCount:    c.UnreadCount,
	}
	if !c.LastActivity.IsZero() {
		row.LastMessageAt = c.LastActivity.UnixMilli()
	}
	if c.LastMessage != nil {
		row.LastMessagePreview = c.LastMessage.Content
		if ts := c.LastMessage.Timestamp.UnixMilli(); ts > row.LastMessageAt {
			row.LastMessageAt = ts
		}
	}
	return row
}
