package sync

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"slices"

	"go.uber.org/zap"

	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/models"
	"github.com/matheus3301/chatcore/internal/protocol"
	"github.com/matheus3301/chatcore/internal/upload"
)

// DefaultPageSize is the get_messages limit used when none is given.
const DefaultPageSize = 50

// SendRequest describes an outbound chat message.
type SendRequest struct {
	ChatID     string
	ReceiverID string
	Type       models.MessageType
	Content    string
	ReplyTo    string
	FileURL    string
	Metadata   map[string]any
}

// MediaRequest describes an outbound media message backed by a local file.
type MediaRequest struct {
	ChatID     string
	ReceiverID string
	Type       models.MessageType
	Path       string
	Caption    string
	ReplyTo    string
}

// SendText sends a plain text message.
func (e *Engine) SendText(ctx context.Context, chatID, receiverID, text string) (*models.Message, error) {
	return e.SendMessage(ctx, SendRequest{ChatID: chatID, ReceiverID: receiverID, Type: models.TypeText, Content: text})
}

// SendMessage inserts an optimistic message and hands it to the transport.
// The returned copy reflects the status right after the hand-off: sent when
// the socket took it, failed/queued when it was queued.
func (e *Engine) SendMessage(ctx context.Context, req SendRequest) (*models.Message, error) {
	if req.ChatID == "" {
		return nil, fmt.Errorf("send: %w", ErrChatNotFound)
	}
	if req.Type == "" {
		req.Type = models.TypeText
	}
	tempID := e.newTempID()
	msg := &models.Message{
		ID:               tempID,
		TempID:           tempID,
		ChatID:           req.ChatID,
		SenderID:         e.cfg.UserID,
		Content:          req.Content,
		Type:             req.Type,
		Timestamp:        e.cfg.Now(),
		Status:           models.StatusSending,
		ReplyToMessageID: req.ReplyTo,
		Metadata:         maps.Clone(req.Metadata),
	}
	msg.SetMeta(models.MetaTempID, tempID)
	if req.ReceiverID != "" {
		msg.SetMeta(models.MetaReceiverID, req.ReceiverID)
	}
	if req.FileURL != "" {
		msg.SetMeta(models.MetaFileURL, req.FileURL)
	}

	var out batch
	e.mu.Lock()
	e.messages[req.ChatID] = append(e.messages[req.ChatID], msg)
	e.touchLocked(req.ChatID, msg)
	out.message(req.ChatID, msg, "")
	out.chat(e.chats[req.ChatID])
	e.publish(out)
	sendable := msg.Clone()
	e.mu.Unlock()

	e.transmit(ctx, sendable)

	m, _ := e.Message(req.ChatID, tempID)
	return m, nil
}

// transmit sends the action for a copy of an optimistic message and, when the
// socket took it, advances the stored message to sent.
func (e *Engine) transmit(ctx context.Context, msg *models.Message) {
	a := protocol.SendMessage{
		ChatID:           msg.ChatID,
		ReceiverID:       msg.MetaString(models.MetaReceiverID),
		MessageType:      msg.Type,
		Content:          msg.Content,
		TempMessageID:    msg.TempID,
		FileURL:          msg.MetaString(models.MetaFileURL),
		ReplyToMessageID: msg.ReplyToMessageID,
	}

	if !e.sender.Send(ctx, a) {
		e.logger.Info("message queued", zap.String("temp_id", msg.TempID), zap.String("chat_id", msg.ChatID))
		return
	}
	e.advance(msg.ChatID, msg.TempID, models.StatusSent)
}

// advance moves a message forward if the transition is allowed.
func (e *Engine) advance(chatID, id string, to models.Status) {
	var out batch
	e.mu.Lock()
	if _, m := e.findLocked(chatID, id); m != nil && models.Advance(m.Status, to) {
		m.Status = to
		e.refreshLastLocked(m.ChatID, m)
		out.message(m.ChatID, m, "")
	}
	e.publish(out)
	e.mu.Unlock()
}

// SendMedia inserts an optimistic media message, uploads the file in the
// background and then sends it. Upload failure marks the message failed.
func (e *Engine) SendMedia(ctx context.Context, req MediaRequest) (*models.Message, error) {
	if e.uploader == nil {
		return nil, fmt.Errorf("send media: %w", upload.ErrNoEndpoint)
	}
	if !req.Type.IsMedia() {
		return nil, fmt.Errorf("send media: %q is not a media type", req.Type)
	}
	content := req.Caption
	if content == "" {
		content = filepath.Base(req.Path)
	}
	meta := map[string]any{
		models.MetaLocalPath:      req.Path,
		models.MetaUploadProgress: 0.0,
	}
	tempID := e.newTempID()
	msg := &models.Message{
		ID:               tempID,
		TempID:           tempID,
		ChatID:           req.ChatID,
		SenderID:         e.cfg.UserID,
		Content:          content,
		Type:             req.Type,
		Timestamp:        e.cfg.Now(),
		Status:           models.StatusSending,
		ReplyToMessageID: req.ReplyTo,
		Metadata:         meta,
	}
	msg.SetMeta(models.MetaTempID, tempID)
	if req.ReceiverID != "" {
		msg.SetMeta(models.MetaReceiverID, req.ReceiverID)
	}

	var out batch
	e.mu.Lock()
	e.messages[req.ChatID] = append(e.messages[req.ChatID], msg)
	e.touchLocked(req.ChatID, msg)
	out.message(req.ChatID, msg, "")
	out.chat(e.chats[req.ChatID])
	e.publish(out)
	// The upload goroutine mutates msg under e.mu, so copy before unlocking.
	uploading, ret := msg.Clone(), msg.Clone()
	e.mu.Unlock()

	e.startUpload(uploading)
	return ret, nil
}

func (e *Engine) startUpload(msg *models.Message) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runUpload(e.ctx, msg)
	}()
}

func (e *Engine) runUpload(ctx context.Context, msg *models.Message) {
	media := upload.Media{Path: msg.MetaString(models.MetaLocalPath), Type: msg.Type}
	res, err := e.uploader.Upload(ctx, media, func(f float64) {
		e.setMeta(msg.ChatID, msg.TempID, models.MetaUploadProgress, f)
	})
	if err != nil {
		e.logger.Warn("media upload failed", zap.String("temp_id", msg.TempID), zap.Error(err))
		e.markFailed(msg.ChatID, msg.TempID, err.Error(), false)
		return
	}

	var out batch
	e.mu.Lock()
	_, m := e.findLocked(msg.ChatID, msg.TempID)
	if m == nil {
		e.mu.Unlock()
		return
	}
	m.SetMeta(models.MetaUploadProgress, 1.0)
	m.SetMeta(models.MetaFileURL, res.FileURL)
	m.SetMeta(models.MetaFileName, res.FileName)
	m.SetMeta(models.MetaFileSize, res.FileSize)
	if res.Duration > 0 {
		m.SetMeta(models.MetaDuration, res.Duration.Seconds())
	}
	if res.ThumbnailPath != "" {
		m.SetMeta(models.MetaThumbnailPath, res.ThumbnailPath)
	}
	out.message(m.ChatID, m, "")
	sendable := m.Clone()
	e.publish(out)
	e.mu.Unlock()

	e.transmit(ctx, sendable)
}

func (e *Engine) setMeta(chatID, id, key string, value any) {
	var out batch
	e.mu.Lock()
	if _, m := e.findLocked(chatID, id); m != nil {
		m.SetMeta(key, value)
		out.message(m.ChatID, m, "")
	}
	e.publish(out)
	e.mu.Unlock()
}

// markFailed moves a message to failed. permanent is recorded in metadata.
func (e *Engine) markFailed(chatID, id, reason string, permanent bool) {
	var out batch
	e.mu.Lock()
	if _, m := e.findLocked(chatID, id); m != nil {
		if models.Advance(m.Status, models.StatusFailed) || m.Status == models.StatusFailed {
			m.Status = models.StatusFailed
			m.SetMeta(models.MetaError, reason)
			if permanent {
				m.SetMeta(models.MetaPermanentlyFailed, true)
				m.SetMeta(models.MetaQueued, false)
			}
			e.refreshLastLocked(m.ChatID, m)
			out.message(m.ChatID, m, "")
		}
	}
	e.publish(out)
	e.mu.Unlock()
}

// RetryMessage re-submits a failed message through the optimistic send path,
// keeping its list position and temp id.
func (e *Engine) RetryMessage(ctx context.Context, chatID, id string) (*models.Message, error) {
	var out batch
	e.mu.Lock()
	_, m := e.findLocked(chatID, id)
	if m == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("retry %s: %w", id, ErrMessageNotFound)
	}
	if m.Status != models.StatusFailed {
		e.mu.Unlock()
		return nil, fmt.Errorf("retry %s: %w", id, ErrNotFailed)
	}
	m.Status = models.StatusSending
	m.SetMeta(models.MetaRetryAttempt, m.MetaInt(models.MetaRetryAttempt)+1)
	delete(m.Metadata, models.MetaPermanentlyFailed)
	delete(m.Metadata, models.MetaQueued)
	delete(m.Metadata, models.MetaError)
	e.refreshLastLocked(m.ChatID, m)
	out.message(m.ChatID, m, "")
	retry := m.Clone()
	e.publish(out)
	e.mu.Unlock()

	// A fresh queue entry restarts the retry counter.
	if e.queue != nil {
		e.queue.Remove(retry.TempID)
	}
	e.logger.Info("retrying message", zap.String("temp_id", retry.TempID), zap.Int("attempt", retry.MetaInt(models.MetaRetryAttempt)))

	if retry.Type.IsMedia() && retry.MetaString(models.MetaFileURL) == "" && e.uploader != nil {
		e.startUpload(retry)
	} else {
		e.transmit(ctx, retry)
	}
	m2, _ := e.Message(retry.ChatID, retry.TempID)
	return m2, nil
}

// SendCallSignal sends call signaling as a call-type message.
func (e *Engine) SendCallSignal(ctx context.Context, chatID, receiverID, callID string, kind models.SignalKind, media string) (*models.Message, error) {
	content, err := protocol.EncodeSignal(callID, kind, media)
	if err != nil {
		return nil, err
	}
	return e.SendMessage(ctx, SendRequest{ChatID: chatID, ReceiverID: receiverID, Type: models.TypeCall, Content: content})
}

// EditMessage changes a message's content locally and asks the server to do the same.
func (e *Engine) EditMessage(ctx context.Context, chatID, id, content string) error {
	var out batch
	e.mu.Lock()
	_, m := e.findLocked(chatID, id)
	if m == nil {
		e.mu.Unlock()
		return fmt.Errorf("edit %s: %w", id, ErrMessageNotFound)
	}
	m.Content = content
	m.Edited = true
	serverID := m.ID
	e.refreshLastLocked(m.ChatID, m)
	out.message(m.ChatID, m, "")
	e.publish(out)
	e.mu.Unlock()

	e.sender.Send(ctx, protocol.EditMessage{MessageID: serverID, ChatID: chatID, Content: content})
	return nil
}

// DeleteMessage removes a message locally and, if the server knows it, remotely.
func (e *Engine) DeleteMessage(ctx context.Context, chatID, id string) error {
	e.mu.RLock()
	_, m := e.findLocked(chatID, id)
	var serverID, tempID string
	if m != nil {
		serverID, tempID = m.ID, m.TempID
	}
	e.mu.RUnlock()
	if m == nil {
		return fmt.Errorf("delete %s: %w", id, ErrMessageNotFound)
	}

	e.removeMessage(chatID, id)
	if serverID == tempID {
		// Never reached the server.
		if e.queue != nil {
			e.queue.Remove(tempID)
		}
		return nil
	}
	e.sender.Send(ctx, protocol.DeleteMessage{MessageID: serverID, ChatID: chatID})
	return nil
}

// MarkSeen tells the server the local user has read ids and clears the unread count.
func (e *Engine) MarkSeen(ctx context.Context, chatID string, ids []string) error {
	var out batch
	e.mu.Lock()
	c, ok := e.chats[chatID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("mark seen: %w", ErrChatNotFound)
	}
	if c.UnreadCount != 0 {
		c.UnreadCount = 0
		out.chat(c)
	}
	e.publish(out)
	e.mu.Unlock()

	e.sender.Send(ctx, protocol.MarkSeen{ChatID: chatID, MessageIDs: ids})
	return nil
}

// MarkDelivered acknowledges receipt of ids.
func (e *Engine) MarkDelivered(ctx context.Context, chatID string, ids []string) {
	e.sender.Send(ctx, protocol.MarkDelivered{ChatID: chatID, MessageIDs: ids})
}

// LoadMessages requests a page of history. The reply arrives as chat_messages.
func (e *Engine) LoadMessages(ctx context.Context, chatID string, limit, offset int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	e.sender.Send(ctx, protocol.GetMessages{ChatID: chatID, Limit: limit, Offset: offset})
}

// RefreshChats requests chat summaries: every chat when all is set, otherwise active ones.
func (e *Engine) RefreshChats(ctx context.Context, all bool) {
	if all {
		e.sender.Send(ctx, protocol.GetAllChats{})
		return
	}
	e.sender.Send(ctx, protocol.GetActiveChats{})
}

// FetchUser looks a user up by id or email. The reply arrives as user_fetched.
func (e *Engine) FetchUser(ctx context.Context, userID, email string) {
	e.sender.Send(ctx, protocol.FetchUser{UserID: userID, Email: email})
}

// CreateChat asks the server to create a chat. The reply arrives as create_chat.
func (e *Engine) CreateChat(ctx context.Context, participantIDs []string, name string, typ models.ChatType) {
	e.sender.Send(ctx, protocol.CreateChat{ParticipantIDs: participantIDs, ChatName: name, ChatType: typ})
}

// RequestPresence asks for one user's presence. Replies are broadcasts with
// no correlation to the request.
func (e *Engine) RequestPresence(ctx context.Context, userID string) {
	e.sender.Send(ctx, protocol.GetPresence{UserID: userID})
}

// RequestContactsPresence asks for the presence of every contact.
func (e *Engine) RequestContactsPresence(ctx context.Context) {
	e.sender.Send(ctx, protocol.GetContactsPresence{})
}

// RequestChatPresence asks for the presence of a chat's participants.
func (e *Engine) RequestChatPresence(ctx context.Context, chatID string) {
	e.sender.Send(ctx, protocol.GetChatPresence{ChatID: chatID})
}

func (e *Engine) removeMessage(chatID, id string) {
	var out batch
	e.mu.Lock()
	i, m := e.findLocked(chatID, id)
	if m != nil {
		if chatID == "" {
			chatID = m.ChatID
		}
		list := e.messages[chatID]
		if i < len(list) && list[i] == m {
			e.messages[chatID] = slices.Delete(list, i, i+1)
			out.add(bus.KindMessageDeleted, MessageRemoved{ChatID: chatID, MessageID: m.ID})
			if c, ok := e.chats[chatID]; ok && c.LastMessage != nil && sameMessage(c.LastMessage, m) {
				c.LastMessage = nil
				if rest := e.messages[chatID]; len(rest) > 0 {
					c.LastMessage = newest(rest).Clone()
				}
				out.chat(c)
			}
		}
	}
	e.publish(out)
	e.mu.Unlock()
}

func newest(list []*models.Message) *models.Message {
	var n *models.Message
	for _, m := range list {
		if n == nil || !m.Timestamp.Before(n.Timestamp) {
			n = m
		}
	}
	return n
}
