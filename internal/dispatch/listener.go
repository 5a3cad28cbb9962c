package dispatch

import (
	"github.com/matheus3301/chatcore/internal/models"
)

// DeliveryStatus reports a queue-driven status change for one outbound message.
type DeliveryStatus struct {
	MessageID string
	ChatID    string
	Status    models.Status
	Reason    string
	// Permanent is set when the queue gave up on the message.
	Permanent bool
}

// Listener receives every event the dispatcher routes. Values passed to a
// listener are shared with the other listeners and must not be mutated.
type Listener interface {
	OnUserFound(user models.User)
	OnChatCreated(chat *models.Chat)
	OnMessagesReceived(chatID string, msgs []*models.Message)
	OnNewMessage(msg *models.Message)
	OnMessageUpdated(msg *models.Message)
	OnMessageDeleted(chatID, messageID string)
	OnMessagesSeen(chatID string, messageIDs []string)
	OnMessagesDelivered(chatID string, messageIDs []string)
	OnPresenceUpdate(p models.Presence)
	OnChatPresence(chatID string, participants []models.Presence)
	OnContactsPresence(contacts []models.Presence)
	OnSummaryUpdated(chat *models.Chat)
	OnChatSummariesReceived(chats []*models.Chat, all bool)
	OnError(source, message string)
	OnConnected()
	OnDisconnected(reason string)
	OnConnectionFailed(reason string)
	OnDeliveryStatus(ds DeliveryStatus)
	OnCallSignal(sig models.CallSignal)
}

// NopListener implements Listener with no-ops. Embed it to handle a subset.
type NopListener struct{}

func (NopListener) OnUserFound(models.User)                       {}
func (NopListener) OnChatCreated(*models.Chat)                    {}
func (NopListener) OnMessagesReceived(string, []*models.Message)  {}
func (NopListener) OnNewMessage(*models.Message)                  {}
func (NopListener) OnMessageUpdated(*models.Message)              {}
func (NopListener) OnMessageDeleted(string, string)               {}
func (NopListener) OnMessagesSeen(string, []string)               {}
func (NopListener) OnMessagesDelivered(string, []string)          {}
func (NopListener) OnPresenceUpdate(models.Presence)              {}
func (NopListener) OnChatPresence(string, []models.Presence)      {}
func (NopListener) OnContactsPresence([]models.Presence)          {}
func (NopListener) OnSummaryUpdated(*models.Chat)                 {}
func (NopListener) OnChatSummariesReceived([]*models.Chat, bool)  {}
func (NopListener) OnError(string, string)                        {}
func (NopListener) OnConnected()                                  {}
func (NopListener) OnDisconnected(string)                         {}
func (NopListener) OnConnectionFailed(string)                     {}
func (NopListener) OnDeliveryStatus(DeliveryStatus)               {}
func (NopListener) OnCallSignal(models.CallSignal)                {}
