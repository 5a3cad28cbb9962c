package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/matheus3301/chatcore/internal/models"
)

// Action is an outbound operation. It is encoded as {"action": Name(), ...fields}.
type Action interface {
	Name() string
}

// Tracked is an action the delivery queue follows individually.
// Both ids must be non-empty for the action to be tracked.
type Tracked interface {
	Action
	TrackingID() string
	TrackingChatID() string
}

// Action names.
const (
	ActionSendMessage         = "send_message"
	ActionEditMessage         = "edit_message"
	ActionDeleteMessage       = "delete_message"
	ActionMarkSeen            = "mark_seen"
	ActionMarkDelivered       = "mark_delivered"
	ActionGetMessages         = "get_messages"
	ActionGetActiveChats      = "get_active_chats"
	ActionGetAllChats         = "get_all_chats"
	ActionFetchUser           = "fetch_user"
	ActionCreateChat          = "create_chat"
	ActionGetPresence         = "get_presence"
	ActionGetContactsPresence = "get_contacts_presence"
	ActionGetChatPresence     = "get_chat_presence"
	ActionPing                = "ping"
)

type SendMessage struct {
	ChatID           string             `json:"chat_id"`
	ReceiverID       string             `json:"receiver_id,omitempty"`
	MessageType      models.MessageType `json:"message_type"`
	Content          string             `json:"content"`
	TempMessageID    string             `json:"temp_message_id,omitempty"`
	FileURL          string             `json:"file_url,omitempty"`
	ReplyToMessageID string             `json:"reply_to_message_id,omitempty"`
}

func (SendMessage) Name() string             { return ActionSendMessage }
func (a SendMessage) TrackingID() string     { return a.TempMessageID }
func (a SendMessage) TrackingChatID() string { return a.ChatID }

type EditMessage struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	Content   string `json:"content"`
}

func (EditMessage) Name() string { return ActionEditMessage }

type DeleteMessage struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
}

func (DeleteMessage) Name() string { return ActionDeleteMessage }

type MarkSeen struct {
	ChatID     string   `json:"chat_id"`
	MessageIDs []string `json:"message_ids"`
}

func (MarkSeen) Name() string { return ActionMarkSeen }

type MarkDelivered struct {
	ChatID     string   `json:"chat_id"`
	MessageIDs []string `json:"message_ids"`
}

func (MarkDelivered) Name() string { return ActionMarkDelivered }

type GetMessages struct {
	ChatID string `json:"chat_id"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

func (GetMessages) Name() string { return ActionGetMessages }

type GetActiveChats struct{}

func (GetActiveChats) Name() string { return ActionGetActiveChats }

type GetAllChats struct{}

func (GetAllChats) Name() string { return ActionGetAllChats }

type FetchUser struct {
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
}

func (FetchUser) Name() string { return ActionFetchUser }

type CreateChat struct {
	ParticipantIDs []string        `json:"participant_ids"`
	ChatName       string          `json:"name,omitempty"`
	ChatType       models.ChatType `json:"chat_type,omitempty"`
}

func (CreateChat) Name() string { return ActionCreateChat }

type GetPresence struct {
	UserID string `json:"user_id"`
}

func (GetPresence) Name() string { return ActionGetPresence }

type GetContactsPresence struct{}

func (GetContactsPresence) Name() string { return ActionGetContactsPresence }

type GetChatPresence struct {
	ChatID string `json:"chat_id"`
}

func (GetChatPresence) Name() string { return ActionGetChatPresence }

// Ping is the heartbeat. With ConnectionTest set it is the synthetic frame sent
// right after dialing to provoke the first inbound frame.
type Ping struct {
	ConnectionTest bool `json:"connection_test,omitempty"`
}

func (Ping) Name() string { return ActionPing }

// Payload renders an action's fields as a flat map, without the action name.
func Payload(a Action) (map[string]any, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", a.Name(), err)
	}
	payload := make(map[string]any)
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("flatten %s: %w", a.Name(), err)
	}
	return payload, nil
}

// Encode produces the wire frame for an action.
func Encode(a Action) ([]byte, error) {
	payload, err := Payload(a)
	if err != nil {
		return nil, err
	}
	payload["action"] = a.Name()
	return json.Marshal(payload)
}

// TrackingKeys returns the delivery-queue keys of a, or ok=false when a is untracked.
func TrackingKeys(a Action) (id, chatID string, ok bool) {
	t, isTracked := a.(Tracked)
	if !isTracked {
		return "", "", false
	}
	id, chatID = t.TrackingID(), t.TrackingChatID()
	return id, chatID, id != "" && chatID != ""
}
