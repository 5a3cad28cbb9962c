package sync

import "github.com/matheus3301/chatcore/internal/models"

// MessageChanged is the payload of message.upserted. ReplacedID is the id the
// message had before reconciliation, when it changed.
type MessageChanged struct {
	ChatID     string
	Message    *models.Message
	ReplacedID string
}

// MessageRemoved is the payload of message.deleted.
type MessageRemoved struct {
	ChatID    string
	MessageID string
}

// ChatChanged is the payload of chat.updated and chat.removed.
type ChatChanged struct {
	Chat *models.Chat
}

// ConnectionChanged is the payload of connection.* events.
type ConnectionChanged struct {
	Reason string
}

// AppError is the payload of error.application.
type AppError struct {
	Source  string
	Message string
}
