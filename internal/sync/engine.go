package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/metrics"
	"github.com/matheus3301/chatcore/internal/models"
	"github.com/matheus3301/chatcore/internal/protocol"
	"github.com/matheus3301/chatcore/internal/upload"
)

var (
	ErrChatNotFound    = errors.New("chat not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotFailed       = errors.New("message is not in failed state")
)

// DefaultDedupWindow is how old an optimistic message may be and still be
// collapsed into a matching server message.
const DefaultDedupWindow = 5 * time.Minute

// Sender transmits actions or queues them when offline.
type Sender interface {
	Send(ctx context.Context, a protocol.Action) bool
	Connected() bool
}

// Queue is the part of the delivery queue the engine drives directly.
type Queue interface {
	Remove(id string) bool
	Clear()
}

// Config identifies the local user and tunes reconciliation.
type Config struct {
	UserID      string
	DedupWindow time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Engine is the single owner of chat, message and presence state. It is fed
// by dispatcher callbacks and application intents and publishes every change
// on the bus. Reads return copies.
type Engine struct {
	cfg      Config
	sender   Sender
	queue    Queue
	uploader upload.Uploader
	bus      *bus.Bus
	logger   *zap.Logger
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	chats    map[string]*models.Chat
	messages map[string][]*models.Message
	presence map[string]models.Presence
	users    map[string]models.User
}

// NewEngine creates an engine with empty state.
func NewEngine(cfg Config, sender Sender, queue Queue, up upload.Uploader, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if b == nil {
		b = bus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		sender:   sender,
		queue:    queue,
		uploader: up,
		bus:      b,
		logger:   logger,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		chats:    make(map[string]*models.Chat),
		messages: make(map[string][]*models.Message),
		presence: make(map[string]models.Presence),
		users:    make(map[string]models.User),
	}
}

// Stop cancels background uploads and waits for them to finish.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

// UserID returns the local user's id.
func (e *Engine) UserID() string { return e.cfg.UserID }

// Chats returns every known chat, most recently active first.
func (e *Engine) Chats() []*models.Chat {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*models.Chat, 0, len(e.chats))
	for _, c := range e.chats {
		out = append(out, c.Clone())
	}
	slices.SortStableFunc(out, func(a, b *models.Chat) int {
		if c := b.LastActivity.Compare(a.LastActivity); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Chat returns one chat.
func (e *Engine) Chat(id string) (*models.Chat, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.chats[id]
	return c.Clone(), ok
}

// Messages returns a chat's messages in list order.
func (e *Engine) Messages(chatID string) []*models.Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	list := e.messages[chatID]
	out := make([]*models.Message, len(list))
	for i, m := range list {
		out[i] = m.Clone()
	}
	return out
}

// Message finds one message by id or temp id.
func (e *Engine) Message(chatID, id string) (*models.Message, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, m := e.findLocked(chatID, id)
	return m.Clone(), m != nil
}

// Presence returns the last known presence of a user.
func (e *Engine) Presence(userID string) (models.Presence, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.presence[userID]
	return p, ok
}

// User returns a cached user.
func (e *Engine) User(id string) (models.User, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	u, ok := e.users[id]
	return u, ok
}

// Clear forgets all state and discards the delivery queue. Used on logout.
func (e *Engine) Clear() {
	e.mu.Lock()
	e.chats = make(map[string]*models.Chat)
	e.messages = make(map[string][]*models.Message)
	e.presence = make(map[string]models.Presence)
	e.users = make(map[string]models.User)
	e.mu.Unlock()
	if e.queue != nil {
		e.queue.Clear()
	}
	e.logger.Info("state cleared")
}

func (e *Engine) newTempID() string {
	return fmt.Sprintf("temp_%s_%d_%s", e.cfg.UserID, e.cfg.Now().UnixMilli(), uuid.NewString()[:8])
}

// findLocked locates a message by server id or temp id. An empty chatID
// searches every chat.
func (e *Engine) findLocked(chatID, id string) (int, *models.Message) {
	if id == "" {
		return -1, nil
	}
	search := func(list []*models.Message) (int, *models.Message) {
		for i, m := range list {
			if m.ID == id || (m.TempID != "" && m.TempID == id) {
				return i, m
			}
		}
		return -1, nil
	}
	if chatID != "" {
		return search(e.messages[chatID])
	}
	for _, list := range e.messages {
		if i, m := search(list); m != nil {
			return i, m
		}
	}
	return -1, nil
}

// chatLocked returns the chat, creating a placeholder for unknown ids.
func (e *Engine) chatLocked(id string) *models.Chat {
	c, ok := e.chats[id]
	if !ok {
		c = &models.Chat{ID: id, Type: models.ChatDirect}
		e.chats[id] = c
	}
	return c
}

// touchLocked makes m the chat's last message if it is the newest.
func (e *Engine) touchLocked(chatID string, m *models.Message) {
	c := e.chatLocked(chatID)
	if c.LastMessage == nil || !m.Timestamp.Before(c.LastMessage.Timestamp) || sameMessage(c.LastMessage, m) {
		c.LastMessage = m.Clone()
	}
	if m.Timestamp.After(c.LastActivity) {
		c.LastActivity = m.Timestamp
	}
}

// refreshLastLocked re-syncs the chat's last message after an in-place change.
func (e *Engine) refreshLastLocked(chatID string, m *models.Message) {
	c, ok := e.chats[chatID]
	if ok && c.LastMessage != nil && sameMessage(c.LastMessage, m) {
		c.LastMessage = m.Clone()
	}
}

func sameMessage(a, b *models.Message) bool {
	if a.ID != "" && (a.ID == b.ID || a.ID == b.TempID) {
		return true
	}
	return a.TempID != "" && (a.TempID == b.TempID || a.TempID == b.ID)
}

// batch collects bus events for one locked change.
type batch []bus.Event

func (b *batch) add(kind string, payload any) {
	*b = append(*b, bus.Event{Kind: kind, Payload: payload})
}

func (b *batch) message(chatID string, m *models.Message, replaced string) {
	b.add(bus.KindMessageUpserted, MessageChanged{ChatID: chatID, Message: m.Clone(), ReplacedID: replaced})
}

func (b *batch) chat(c *models.Chat) {
	b.add(bus.KindChatUpdated, ChatChanged{Chat: c.Clone()})
}

// publish must run before e.mu is released so subscribers see changes in the
// order they were made. Bus publishes never block.
func (e *Engine) publish(b batch) {
	for _, evt := range b {
		e.bus.Publish(evt)
	}
}
