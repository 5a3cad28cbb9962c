package dispatch

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/chatcore/internal/metrics"
	"github.com/matheus3301/chatcore/internal/models"
	"github.com/matheus3301/chatcore/internal/protocol"
)

// Dispatcher decodes inbound frames and fans typed events out to listeners.
// Registrations outlive any single socket.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners []registration
	next      int

	log     *zap.Logger
	metrics *metrics.Metrics
}

type registration struct {
	id int
	l  Listener
}

// New creates a dispatcher with no listeners.
func New(log *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{log: log, metrics: m}
}

// Register adds l and returns a func that removes it.
func (d *Dispatcher) Register(l Listener) func() {
	d.mu.Lock()
	id := d.next
	d.next++
	d.listeners = append(d.listeners, registration{id: id, l: l})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, r := range d.listeners {
			if r.id == id {
				d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
				return
			}
		}
	}
}

// Clear drops every registration.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	d.listeners = nil
	d.mu.Unlock()
}

// Len reports the number of registered listeners.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners)
}

// HandleFrame decodes one inbound frame and dispatches it. Undecodable frames
// are logged and dropped.
func (d *Dispatcher) HandleFrame(frame []byte) {
	ev, err := protocol.Decode(frame)
	if err != nil {
		d.metrics.DecodeError()
		d.log.Warn("dropping inbound frame", zap.Error(err), zap.Int("bytes", len(frame)))
		return
	}
	d.Dispatch(ev)
}

// Dispatch routes a decoded event to the matching listener callback.
func (d *Dispatcher) Dispatch(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.UserFound:
		d.each(func(l Listener) { l.OnUserFound(e.User) })
	case protocol.ChatCreated:
		d.each(func(l Listener) { l.OnChatCreated(e.Chat) })
	case protocol.MessagesReceived:
		d.each(func(l Listener) { l.OnMessagesReceived(e.ChatID, e.Messages) })
	case protocol.NewMessage:
		d.each(func(l Listener) { l.OnNewMessage(e.Message) })
		if sig, ok := protocol.DecodeSignal(e.Message); ok {
			d.each(func(l Listener) { l.OnCallSignal(sig) })
		}
	case protocol.MessageEdited:
		d.each(func(l Listener) { l.OnMessageUpdated(e.Message) })
	case protocol.MessageDeleted:
		d.each(func(l Listener) { l.OnMessageDeleted(e.ChatID, e.MessageID) })
	case protocol.MessagesSeen:
		d.each(func(l Listener) { l.OnMessagesSeen(e.ChatID, e.MessageIDs) })
	case protocol.MessagesDelivered:
		d.each(func(l Listener) { l.OnMessagesDelivered(e.ChatID, e.MessageIDs) })
	case protocol.PresenceUpdate:
		d.each(func(l Listener) { l.OnPresenceUpdate(e.Presence) })
	case protocol.ChatPresence:
		d.each(func(l Listener) { l.OnChatPresence(e.ChatID, e.Participants) })
	case protocol.ContactsPresence:
		d.each(func(l Listener) { l.OnContactsPresence(e.Contacts) })
	case protocol.SummaryUpdated:
		d.each(func(l Listener) { l.OnSummaryUpdated(e.Chat) })
	case protocol.ChatSummaries:
		d.each(func(l Listener) { l.OnChatSummariesReceived(e.Chats, e.All) })
	case protocol.ErrorEvent:
		d.log.Warn("server error", zap.String("source", e.SourceType), zap.String("message", e.Message))
		d.each(func(l Listener) { l.OnError(e.SourceType, e.Message) })
		// A rejected send fails the optimistic message it names.
		if e.TempMessageID != "" {
			d.DeliveryStatus(DeliveryStatus{MessageID: e.TempMessageID, Status: models.StatusFailed, Reason: e.Message})
		}
	case protocol.Pong:
	case protocol.Unknown:
		d.log.Debug("unhandled frame type", zap.String("type", e.Type))
		return
	default:
		d.log.Debug("unhandled event", zap.String("type", fmt.Sprintf("%T", ev)))
		return
	}
	d.metrics.FrameReceived(ev.EventType())
}

// Connected notifies listeners that the connection was confirmed.
func (d *Dispatcher) Connected() {
	d.each(func(l Listener) { l.OnConnected() })
}

// Disconnected notifies listeners that a confirmed connection dropped.
func (d *Dispatcher) Disconnected(reason string) {
	d.each(func(l Listener) { l.OnDisconnected(reason) })
}

// ConnectionFailed notifies listeners of a transport failure.
func (d *Dispatcher) ConnectionFailed(reason string) {
	d.each(func(l Listener) { l.OnConnectionFailed(reason) })
}

// DeliveryStatus notifies listeners of a queue-driven status change.
func (d *Dispatcher) DeliveryStatus(ds DeliveryStatus) {
	d.each(func(l Listener) { l.OnDeliveryStatus(ds) })
}

// each calls fn for a snapshot of the listeners. A panicking listener is
// logged and skipped; the rest still run.
func (d *Dispatcher) each(fn func(Listener)) {
	d.mu.RLock()
	snapshot := make([]Listener, len(d.listeners))
	for i, r := range d.listeners {
		snapshot[i] = r.l
	}
	d.mu.RUnlock()

	for _, l := range snapshot {
		d.call(l, fn)
	}
}

func (d *Dispatcher) call(l Listener, fn func(Listener)) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.ListenerPanic()
			d.log.Error("listener panicked",
				zap.String("listener", fmt.Sprintf("%T", l)),
				zap.Any("panic", r),
			)
		}
	}()
	fn(l)
}
