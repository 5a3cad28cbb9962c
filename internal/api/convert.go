package api

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatcore/internal/models"
	"github.com/matheus3301/chatcore/internal/outbox"
	"github.com/matheus3301/chatcore/internal/status"
	"github.com/matheus3301/chatcore/internal/store"
	chatsync "github.com/matheus3301/chatcore/internal/sync"
)

func millis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

// plain drops metadata values structpb cannot represent.
func plain(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if _, err := structpb.NewValue(v); err == nil {
			out[k] = v
		}
	}
	return out
}

func messageValue(m *models.Message) map[string]any {
	if m == nil {
		return nil
	}
	return map[string]any{
		"id":           m.ID,
		"temp_id":      m.TempID,
		"chat_id":      m.ChatID,
		"sender_id":    m.SenderID,
		"content":      m.Content,
		"message_type": string(m.Type),
		"timestamp_ms": millis(m.Timestamp),
		"status":       string(m.Status),
		"reply_to":     m.ReplyToMessageID,
		"edited":       m.Edited,
		"metadata":     plain(m.Metadata),
	}
}

func userValue(u models.User) map[string]any {
	return map[string]any{
		"id":         u.ID,
		"name":       u.Name,
		"email":      u.Email,
		"avatar_url": u.AvatarURL,
	}
}

func chatValue(c *models.Chat) map[string]any {
	ids := make([]any, len(c.ParticipantIDs))
	for i, id := range c.ParticipantIDs {
		ids[i] = id
	}
	users := make([]any, len(c.Participants))
	for i, u := range c.Participants {
		users[i] = userValue(u)
	}
	v := map[string]any{
		"id":               c.ID,
		"name":             c.Name,
		"chat_type":        string(c.Type),
		"participant_ids":  ids,
		"participants":     users,
		"last_activity_ms": millis(c.LastActivity),
		"unread_count":     c.UnreadCount,
	}
	if c.LastMessage != nil {
		v["last_message"] = messageValue(c.LastMessage)
	}
	return v
}

func presenceValue(p models.Presence) map[string]any {
	return map[string]any{
		"user_id":        p.UserID,
		"is_online":      p.IsOnline,
		"display_status": p.DisplayStatus,
		"updated_at_ms":  millis(p.UpdatedAt),
	}
}

func entryValue(e outbox.Entry) map[string]any {
	v := map[string]any{
		"id":             e.ID,
		"chat_id":        e.ChatID,
		"action":         e.Action.Name(),
		"retry_count":    e.RetryCount,
		"enqueued_at_ms": millis(e.EnqueuedAt),
		"tracked":        e.Tracked(),
	}
	if payload, err := e.Payload(); err == nil {
		v["payload"] = plain(payload)
	}
	return v
}

func storedMessageValue(m store.Message) map[string]any {
	return map[string]any{
		"id":           m.MsgID,
		"temp_id":      m.TempID,
		"chat_id":      m.ChatID,
		"sender_id":    m.SenderID,
		"content":      m.Body,
		"message_type": m.MessageType,
		"status":       m.Status,
		"reply_to":     m.ReplyTo,
		"edited":       m.Edited,
		"file_url":     m.FileURL,
		"timestamp_ms": m.Timestamp,
	}
}

// eventPayload renders a bus payload for WatchEvents.
func eventPayload(p any) map[string]any {
	switch v := p.(type) {
	case chatsync.MessageChanged:
		return map[string]any{"chat_id": v.ChatID, "message": messageValue(v.Message), "replaced_id": v.ReplacedID}
	case chatsync.MessageRemoved:
		return map[string]any{"chat_id": v.ChatID, "message_id": v.MessageID}
	case chatsync.ChatChanged:
		if v.Chat == nil {
			return nil
		}
		return map[string]any{"chat": chatValue(v.Chat)}
	case chatsync.ConnectionChanged:
		return map[string]any{"reason": v.Reason}
	case chatsync.AppError:
		return map[string]any{"source": v.Source, "message": v.Message}
	case models.Presence:
		return presenceValue(v)
	case models.User:
		return userValue(v)
	case models.CallSignal:
		return map[string]any{
			"call_id":    v.CallID,
			"signal":     string(v.Kind),
			"media":      v.Media,
			"chat_id":    v.ChatID,
			"sender_id":  v.SenderID,
			"message_id": v.MessageID,
		}
	case status.Change:
		return map[string]any{"from": string(v.From), "to": string(v.To)}
	case nil:
		return nil
	}
	return map[string]any{"value": fmt.Sprint(p)}
}

func list[T any](items []T, fn func(T) map[string]any) []any {
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = fn(it)
	}
	return out
}
