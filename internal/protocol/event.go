package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/matheus3301/chatcore/internal/models"
)

// Event is a decoded inbound frame.
type Event interface {
	EventType() string
}

// Inbound type discriminants.
const (
	TypeUserFetched        = "user_fetched"
	TypeCreateChat         = "create_chat"
	TypeChatMessages       = "chat_messages"
	TypeNewMessage         = "new_message"
	TypeMessageEdited      = "message_edited"
	TypeMessageDeleted     = "message_deleted"
	TypeUpdate             = "update"
	TypeActiveChats        = "active_chats"
	TypeAllChats           = "all_chats"
	TypeChatSummaryUpdated = "chat_summary_updated"
	TypeContactsPresence   = "contacts_presence"
	TypePresenceUpdate     = "presence_update"
	TypeUserPresence       = "user_presence"
	TypeChatPresence       = "chat_presence"
	TypeMessagesSeen       = "messages_seen"
	TypeMessageSeen        = "message_seen"
	TypeMessagesDelivered  = "messages_delivered"
	TypePong               = "pong"
	TypeError              = "error"
)

// ErrMalformedFrame is wrapped by Decode for frames that are not JSON objects.
var ErrMalformedFrame = errors.New("malformed frame")

type UserFound struct{ User models.User }

type ChatCreated struct{ Chat *models.Chat }

type MessagesReceived struct {
	ChatID   string
	Messages []*models.Message
}

type NewMessage struct {
	Message *models.Message
}

type MessageEdited struct{ Message *models.Message }

type MessageDeleted struct {
	ChatID    string
	MessageID string
}

type MessagesDelivered struct {
	ChatID     string
	MessageIDs []string
}

type MessagesSeen struct {
	ChatID     string
	MessageIDs []string
}

// ChatSummaries is the reply to get_active_chats (All=false) or get_all_chats.
type ChatSummaries struct {
	All   bool
	Chats []*models.Chat
}

type SummaryUpdated struct{ Chat *models.Chat }

type PresenceUpdate struct{ Presence models.Presence }

type ContactsPresence struct{ Contacts []models.Presence }

type ChatPresence struct {
	ChatID       string
	Participants []models.Presence
}

type Pong struct{}

// ErrorEvent is a server-reported application error. TempMessageID is set
// when the error rejects a specific send.
type ErrorEvent struct {
	Message       string
	SourceType    string
	TempMessageID string
}

// Unknown keeps an unrecognized frame for forward compatibility.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (UserFound) EventType() string         { return TypeUserFetched }
func (ChatCreated) EventType() string       { return TypeCreateChat }
func (MessagesReceived) EventType() string  { return TypeChatMessages }
func (NewMessage) EventType() string        { return TypeNewMessage }
func (MessageEdited) EventType() string     { return TypeMessageEdited }
func (MessageDeleted) EventType() string    { return TypeMessageDeleted }
func (MessagesDelivered) EventType() string { return TypeMessagesDelivered }
func (MessagesSeen) EventType() string      { return TypeMessagesSeen }
func (e ChatSummaries) EventType() string {
	if e.All {
		return TypeAllChats
	}
	return TypeActiveChats
}
func (SummaryUpdated) EventType() string   { return TypeChatSummaryUpdated }
func (PresenceUpdate) EventType() string   { return TypePresenceUpdate }
func (ContactsPresence) EventType() string { return TypeContactsPresence }
func (ChatPresence) EventType() string     { return TypeChatPresence }
func (Pong) EventType() string             { return TypePong }
func (ErrorEvent) EventType() string       { return TypeError }
func (e Unknown) EventType() string        { return e.Type }

type wireUser struct {
	ID        ID     `json:"id"`
	UserID    ID     `json:"user_id"`
	Name      string `json:"name"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

func (w wireUser) model() models.User {
	id := w.ID
	if id == "" {
		id = w.UserID
	}
	name := w.Name
	if name == "" {
		name = w.Username
	}
	return models.User{ID: string(id), Name: name, Email: w.Email, AvatarURL: w.AvatarURL}
}

type wireMessage struct {
	ID            ID             `json:"id"`
	MessageID     ID             `json:"message_id"`
	TempMessageID string         `json:"temp_message_id"`
	ChatID        ID             `json:"chat_id"`
	SenderID      ID             `json:"sender_id"`
	Content       string         `json:"content"`
	MessageType   string         `json:"message_type"`
	Timestamp     Time           `json:"timestamp"`
	CreatedAt     Time           `json:"created_at"`
	Status        string         `json:"status"`
	ReplyTo       ID             `json:"reply_to_message_id"`
	FileURL       string         `json:"file_url"`
	FileName      string         `json:"file_name"`
	FileSize      int64          `json:"file_size"`
	Edited        bool           `json:"is_edited"`
	Metadata      map[string]any `json:"metadata"`
}

func (w wireMessage) model(fallbackChat string) *models.Message {
	id := w.ID
	if id == "" {
		id = w.MessageID
	}
	chatID := string(w.ChatID)
	if chatID == "" {
		chatID = fallbackChat
	}
	ts := w.Timestamp.Time
	if ts.IsZero() {
		ts = w.CreatedAt.Time
	}
	status := models.ParseStatus(w.Status)
	if status == "" {
		status = models.StatusSent
	}
	typ := models.MessageType(w.MessageType)
	if typ == "" {
		typ = models.TypeText
	}
	m := &models.Message{
		ID:               string(id),
		TempID:           w.TempMessageID,
		ChatID:           chatID,
		SenderID:         string(w.SenderID),
		Content:          w.Content,
		Type:             typ,
		Timestamp:        ts,
		Status:           status,
		ReplyToMessageID: string(w.ReplyTo),
		Edited:           w.Edited,
		Metadata:         maps.Clone(w.Metadata),
	}
	if w.FileURL != "" {
		m.SetMeta(models.MetaFileURL, w.FileURL)
	}
	if w.FileName != "" {
		m.SetMeta(models.MetaFileName, w.FileName)
	}
	if w.FileSize > 0 {
		m.SetMeta(models.MetaFileSize, w.FileSize)
	}
	return m
}

type wireChat struct {
	ID             ID           `json:"id"`
	ChatID         ID           `json:"chat_id"`
	Name           string       `json:"name"`
	ChatType       string       `json:"chat_type"`
	IsGroup        bool         `json:"is_group"`
	ParticipantIDs []ID         `json:"participant_ids"`
	Participants   []wireUser   `json:"participants"`
	LastMessage    *wireMessage `json:"last_message"`
	LastActivity   Time         `json:"last_activity"`
	UnreadCount    int          `json:"unread_count"`
}

func (w wireChat) model() *models.Chat {
	id := w.ID
	if id == "" {
		id = w.ChatID
	}
	typ := models.ChatType(w.ChatType)
	if typ == "" {
		typ = models.ChatDirect
		if w.IsGroup {
			typ = models.ChatGroup
		}
	}
	c := &models.Chat{
		ID:             string(id),
		Name:           w.Name,
		Type:           typ,
		ParticipantIDs: idStrings(w.ParticipantIDs),
		LastActivity:   w.LastActivity.Time,
		UnreadCount:    w.UnreadCount,
	}
	for _, p := range w.Participants {
		u := p.model()
		c.Participants = append(c.Participants, u)
	}
	if len(c.ParticipantIDs) == 0 {
		for _, u := range c.Participants {
			if u.ID != "" {
				c.ParticipantIDs = append(c.ParticipantIDs, u.ID)
			}
		}
	}
	if w.LastMessage != nil {
		c.LastMessage = w.LastMessage.model(c.ID)
		if c.LastActivity.IsZero() {
			c.LastActivity = c.LastMessage.Timestamp
		}
	}
	return c
}

type wirePresence struct {
	UserID        ID     `json:"user_id"`
	ID            ID     `json:"id"`
	IsOnline      *bool  `json:"is_online"`
	Online        *bool  `json:"online"`
	DisplayStatus string `json:"display_status"`
	Status        string `json:"status"`
}

func (w wirePresence) model() models.Presence {
	id := w.UserID
	if id == "" {
		id = w.ID
	}
	online := false
	switch {
	case w.IsOnline != nil:
		online = *w.IsOnline
	case w.Online != nil:
		online = *w.Online
	default:
		online = w.Status == "online"
	}
	display := w.DisplayStatus
	if display == "" {
		display = w.Status
	}
	return models.Presence{UserID: string(id), IsOnline: online, DisplayStatus: display}
}

func presences(ws []wirePresence) []models.Presence {
	out := make([]models.Presence, 0, len(ws))
	for _, w := range ws {
		p := w.model()
		if p.UserID != "" {
			out = append(out, p)
		}
	}
	return out
}

// envelope is the union of every top-level member used by inbound frames.
type envelope struct {
	Type          string          `json:"type"`
	Command       string          `json:"command"`
	Action        string          `json:"action"`
	Status        string          `json:"status"`
	Error         errorField      `json:"error"`
	TempMessageID string          `json:"temp_message_id"`
	ChatID        ID              `json:"chat_id"`
	MessageID     ID              `json:"message_id"`
	MessageIDs    []ID            `json:"message_ids"`
	Message       json.RawMessage `json:"message"`
	Messages      []wireMessage   `json:"messages"`
	Chat          *wireChat       `json:"chat"`
	Chats         []wireChat      `json:"chats"`
	User          *wireUser       `json:"user"`
	Contacts      []wirePresence  `json:"contacts"`
	Participants  json.RawMessage `json:"participants"`
}

// Discriminant returns the frame's type, falling back to command then action.
func (e envelope) discriminant() string {
	switch {
	case e.Type != "":
		return e.Type
	case e.Command != "":
		return e.Command
	}
	return e.Action
}

func (e envelope) ids() []string {
	ids := idStrings(e.MessageIDs)
	if len(ids) == 0 && e.MessageID != "" {
		ids = []string{string(e.MessageID)}
	}
	return ids
}

// Decode turns one inbound frame into a typed event.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	kind := env.discriminant()

	if env.Error != "" {
		return ErrorEvent{Message: string(env.Error), SourceType: kind, TempMessageID: env.TempMessageID}, nil
	}

	switch kind {
	case TypeUserFetched:
		var wu wireUser
		if env.User != nil {
			wu = *env.User
		} else if err := json.Unmarshal(data, &wu); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return UserFound{User: wu.model()}, nil

	case TypeCreateChat:
		wc, err := chatOf(env, data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return ChatCreated{Chat: wc.model()}, nil

	case TypeChatMessages:
		chatID := string(env.ChatID)
		msgs := make([]*models.Message, 0, len(env.Messages))
		for _, wm := range env.Messages {
			msgs = append(msgs, wm.model(chatID))
		}
		return MessagesReceived{ChatID: chatID, Messages: msgs}, nil

	case TypeNewMessage, TypeMessageEdited:
		wm, err := messageOf(env, data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		m := wm.model(string(env.ChatID))
		if m.TempID == "" {
			m.TempID = env.TempMessageID
		}
		if kind == TypeMessageEdited {
			m.Edited = true
			return MessageEdited{Message: m}, nil
		}
		return NewMessage{Message: m}, nil

	case TypeMessageDeleted:
		msgID := string(env.MessageID)
		if msgID == "" && len(env.Message) > 0 {
			var wm wireMessage
			if err := json.Unmarshal(env.Message, &wm); err == nil {
				msgID = string(wm.ID)
			}
		}
		return MessageDeleted{ChatID: string(env.ChatID), MessageID: msgID}, nil

	case TypeUpdate:
		sub := env.Action
		if sub == "" {
			sub = env.Status
		}
		switch sub {
		case "messages_delivered", "message_delivered", "delivered", "mark_delivered":
			return MessagesDelivered{ChatID: string(env.ChatID), MessageIDs: env.ids()}, nil
		case "messages_seen", "message_seen", "seen", "read", "mark_seen":
			return MessagesSeen{ChatID: string(env.ChatID), MessageIDs: env.ids()}, nil
		}
		return Unknown{Type: kind + ":" + sub, Raw: data}, nil

	case TypeMessagesSeen, TypeMessageSeen:
		return MessagesSeen{ChatID: string(env.ChatID), MessageIDs: env.ids()}, nil

	case TypeMessagesDelivered:
		return MessagesDelivered{ChatID: string(env.ChatID), MessageIDs: env.ids()}, nil

	case TypeActiveChats, TypeAllChats:
		chats := make([]*models.Chat, 0, len(env.Chats))
		for _, wc := range env.Chats {
			chats = append(chats, wc.model())
		}
		return ChatSummaries{All: kind == TypeAllChats, Chats: chats}, nil

	case TypeChatSummaryUpdated:
		wc, err := chatOf(env, data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return SummaryUpdated{Chat: wc.model()}, nil

	case TypeContactsPresence:
		return ContactsPresence{Contacts: presences(env.Contacts)}, nil

	case TypePresenceUpdate, TypeUserPresence:
		var wp wirePresence
		if err := json.Unmarshal(data, &wp); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return PresenceUpdate{Presence: wp.model()}, nil

	case TypeChatPresence:
		var ps []wirePresence
		if len(env.Participants) > 0 {
			if err := json.Unmarshal(env.Participants, &ps); err != nil {
				return nil, fmt.Errorf("decode %s: %w", kind, err)
			}
		}
		return ChatPresence{ChatID: string(env.ChatID), Participants: presences(ps)}, nil

	case TypePong:
		return Pong{}, nil

	case TypeError:
		var body struct {
			Message string `json:"message"`
			Detail  string `json:"detail"`
		}
		_ = json.Unmarshal(data, &body)
		msg := body.Message
		if msg == "" {
			msg = body.Detail
		}
		return ErrorEvent{Message: msg, SourceType: kind, TempMessageID: env.TempMessageID}, nil
	}

	return Unknown{Type: kind, Raw: data}, nil
}

func messageOf(env envelope, data []byte) (wireMessage, error) {
	var wm wireMessage
	src := data
	if len(env.Message) > 0 && env.Message[0] == '{' {
		src = env.Message
	}
	err := json.Unmarshal(src, &wm)
	return wm, err
}

func chatOf(env envelope, data []byte) (wireChat, error) {
	if env.Chat != nil {
		return *env.Chat, nil
	}
	var wc wireChat
	err := json.Unmarshal(data, &wc)
	return wc, err
}
