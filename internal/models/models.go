package models

import (
	"maps"
	"time"
)

// MessageType is the content kind of a chat message.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeVideo MessageType = "video"
	TypeAudio MessageType = "audio"
	TypeFile  MessageType = "file"
	TypeCall  MessageType = "call"
)

// IsMedia reports whether the message carries an uploaded file.
func (t MessageType) IsMedia() bool {
	switch t {
	case TypeImage, TypeVideo, TypeAudio, TypeFile:
		return true
	}
	return false
}

// ChatType distinguishes one-to-one chats from groups.
type ChatType string

const (
	ChatDirect ChatType = "direct"
	ChatGroup  ChatType = "group"
)

// Well-known metadata keys.
const (
	MetaQueued            = "queued"
	MetaError             = "error"
	MetaPermanentlyFailed = "permanently_failed"
	MetaRetryAttempt      = "retry_attempt"
	MetaUploadProgress    = "upload_progress"
	MetaFileURL           = "file_url"
	MetaFileName          = "file_name"
	MetaFileSize          = "file_size"
	MetaDuration          = "duration"
	MetaThumbnailPath     = "thumbnail_path"
	MetaLocalPath         = "local_path"
	MetaTempID            = "temp_id"
	MetaReceiverID        = "receiver_id"
)

// Message is a chat message, either optimistic (temp id) or server sourced.
type Message struct {
	ID               string
	TempID           string
	ChatID           string
	SenderID         string
	Content          string
	Type             MessageType
	Timestamp        time.Time
	Status           Status
	ReplyToMessageID string
	Edited           bool
	Metadata         map[string]any
}

// Clone returns a copy that shares no mutable state with m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Metadata = maps.Clone(m.Metadata)
	return &c
}

// SetMeta sets a metadata key, allocating the map on first use.
func (m *Message) SetMeta(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
}

// MetaString returns a string metadata value or "".
func (m *Message) MetaString(key string) string {
	s, _ := m.Metadata[key].(string)
	return s
}

// MetaBool returns a bool metadata value or false.
func (m *Message) MetaBool(key string) bool {
	b, _ := m.Metadata[key].(bool)
	return b
}

// MetaInt returns an integer metadata value or 0. JSON numbers decode as float64.
func (m *Message) MetaInt(key string) int {
	switch v := m.Metadata[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// User is a participant snapshot.
type User struct {
	ID        string
	Name      string
	Email     string
	AvatarURL string
}

// Chat is a conversation container.
type Chat struct {
	ID             string
	Name           string
	Type           ChatType
	ParticipantIDs []string
	Participants   []User
	LastMessage    *Message
	LastActivity   time.Time
	UnreadCount    int
}

// Clone returns a deep copy of c.
func (c *Chat) Clone() *Chat {
	if c == nil {
		return nil
	}
	cp := *c
	cp.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	cp.Participants = append([]User(nil), c.Participants...)
	cp.LastMessage = c.LastMessage.Clone()
	return &cp
}

// Presence is the ephemeral online state of one user.
type Presence struct {
	UserID        string
	IsOnline      bool
	DisplayStatus string
	UpdatedAt     time.Time
}
