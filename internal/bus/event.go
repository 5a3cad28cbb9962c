package bus

import "time"

// Event is a state change published by the chat core.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Prefixes group them for Subscribe.
const (
	PrefixChat       = "chat."
	PrefixMessage    = "message."
	PrefixPresence   = "presence."
	PrefixConnection = "connection."

	KindChatUpdated         = "chat.updated"
	KindChatRemoved         = "chat.removed"
	KindMessageUpserted     = "message.upserted"
	KindMessageDeleted      = "message.deleted"
	KindPresenceUpdated     = "presence.updated"
	KindUserFound           = "user.found"
	KindConnectionConnected = "connection.connected"
	KindConnectionLost      = "connection.lost"
	KindConnectionFailed    = "connection.failed"
	KindConnectionState     = "connection.state_changed"
	KindApplicationError    = "error.application"
	KindCallSignal          = "call.signal"
)
