package sync

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/dispatch"
	"github.com/matheus3301/chatcore/internal/models"
	"github.com/matheus3301/chatcore/internal/outbox"
	"github.com/matheus3301/chatcore/internal/protocol"
)

var _ dispatch.Listener = (*Engine)(nil)

func (e *Engine) OnUserFound(u models.User) {
	if u.ID == "" {
		return
	}
	var out batch
	e.mu.Lock()
	e.users[u.ID] = u
	for _, c := range e.chats {
		if !slices.Contains(c.ParticipantIDs, u.ID) {
			continue
		}
		i := slices.IndexFunc(c.Participants, func(p models.User) bool { return p.ID == u.ID })
		if i >= 0 {
			c.Participants[i] = u
		} else {
			c.Participants = append(c.Participants, u)
		}
		out.chat(c)
	}
	e.bus.Emit(bus.KindUserFound, u)
	e.publish(out)
	e.mu.Unlock()
}

func (e *Engine) OnChatCreated(c *models.Chat) {
	e.mergeSummaries([]*models.Chat{c})
}

func (e *Engine) OnSummaryUpdated(c *models.Chat) {
	e.mergeSummaries([]*models.Chat{c})
}

func (e *Engine) OnChatSummariesReceived(chats []*models.Chat, _ bool) {
	e.mergeSummaries(chats)
	e.logger.Debug("chat summaries merged", zap.Int("count", len(chats)))
}

func (e *Engine) mergeSummaries(chats []*models.Chat) {
	var out batch
	e.mu.Lock()
	for _, in := range chats {
		if in == nil || in.ID == "" {
			continue
		}
		merged := mergeSummary(e.chats[in.ID], in)
		for i, u := range merged.Participants {
			if cached, ok := e.users[u.ID]; ok && u.Name == "" {
				merged.Participants[i] = cached
			}
		}
		e.chats[in.ID] = merged
		out.chat(merged)
	}
	e.publish(out)
	e.mu.Unlock()
}

// mergeSummary folds a possibly partial summary into the cached chat.
// Missing participants, name, last message and activity are kept from the
// cache; a cached last message newer than the summary's wins.
func mergeSummary(cached, in *models.Chat) *models.Chat {
	merged := in.Clone()
	if cached == nil {
		return merged
	}
	if len(merged.Participants) == 0 && len(merged.ParticipantIDs) == 0 {
		merged.Participants = slices.Clone(cached.Participants)
		merged.ParticipantIDs = slices.Clone(cached.ParticipantIDs)
	} else if len(merged.Participants) == 0 && len(cached.Participants) > 0 {
		for _, u := range cached.Participants {
			if slices.Contains(merged.ParticipantIDs, u.ID) {
				merged.Participants = append(merged.Participants, u)
			}
		}
	}
	if merged.Name == "" {
		merged.Name = cached.Name
	}
	if merged.Type == "" {
		merged.Type = cached.Type
	}
	if cached.LastMessage != nil &&
		(merged.LastMessage == nil || cached.LastMessage.Timestamp.After(merged.LastMessage.Timestamp)) {
		merged.LastMessage = cached.LastMessage.Clone()
	}
	if cached.LastActivity.After(merged.LastActivity) {
		merged.LastActivity = cached.LastActivity
	}
	return merged
}

// OnMessagesReceived replaces a chat's server history with a loaded page.
// Optimistic messages the page does not account for are kept, and the list
// is ordered by timestamp.
func (e *Engine) OnMessagesReceived(chatID string, msgs []*models.Message) {
	if chatID == "" && len(msgs) > 0 {
		chatID = msgs[0].ChatID
	}
	if chatID == "" {
		return
	}
	var out batch
	e.mu.Lock()
	existing := e.messages[chatID]
	byID := make(map[string]*models.Message, len(existing))
	for _, m := range existing {
		byID[m.ID] = m
	}

	list := make([]*models.Message, 0, len(msgs)+len(existing))
	claimed := make(map[*models.Message]bool)
	for _, in := range msgs {
		m := in.Clone()
		if m.ChatID == "" {
			m.ChatID = chatID
		}
		if prev, ok := byID[m.ID]; ok {
			m.Status = models.Max(prev.Status, m.Status)
			claimed[prev] = true
		} else if i := e.matchLocked(existing, m); i >= 0 && !claimed[existing[i]] {
			adoptLocal(m, existing[i])
			claimed[existing[i]] = true
		}
		list = append(list, m)
	}
	for _, m := range existing {
		if !claimed[m] && isLocal(m) {
			list = append(list, m)
		}
	}
	slices.SortStableFunc(list, func(a, b *models.Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	e.messages[chatID] = list

	c := e.chatLocked(chatID)
	if len(list) > 0 {
		e.touchLocked(chatID, newest(list))
	}
	out.chat(c)
	e.publish(out)
	e.mu.Unlock()
}

// OnNewMessage reconciles a server message with optimistic state. A match by
// temp id or by the dedup heuristic is replaced in place; otherwise the
// message is appended.
func (e *Engine) OnNewMessage(msg *models.Message) {
	if msg == nil || msg.ChatID == "" {
		return
	}
	in := msg.Clone()
	var out batch
	var dequeue string

	e.mu.Lock()
	list := e.messages[in.ChatID]
	if i := slices.IndexFunc(list, func(m *models.Message) bool { return in.ID != "" && m.ID == in.ID }); i >= 0 {
		in.Status = models.Max(list[i].Status, in.Status)
		adoptLocal(in, list[i])
		list[i] = in
		e.refreshLastLocked(in.ChatID, in)
		out.message(in.ChatID, in, "")
	} else if i := e.matchLocked(list, in); i >= 0 {
		prev := list[i]
		adoptLocal(in, prev)
		in.Status = models.Max(models.Max(prev.Status, in.Status), models.StatusSent)
		list[i] = in
		dequeue = prev.TempID
		e.metrics.DedupReplace()
		if c, ok := e.chats[in.ChatID]; ok && c.LastMessage != nil && sameMessage(c.LastMessage, prev) {
			c.LastMessage = in.Clone()
		}
		e.touchLocked(in.ChatID, in)
		out.message(in.ChatID, in, prev.ID)
		out.chat(e.chats[in.ChatID])
	} else {
		e.messages[in.ChatID] = append(list, in)
		e.touchLocked(in.ChatID, in)
		c := e.chats[in.ChatID]
		if in.SenderID != e.cfg.UserID {
			c.UnreadCount++
		}
		out.message(in.ChatID, in, "")
		out.chat(c)
	}
	e.publish(out)
	e.mu.Unlock()

	if dequeue != "" && e.queue != nil {
		e.queue.Remove(dequeue)
	}
}

// matchLocked finds the optimistic message in list that in confirms: first by
// temp id, then by same sender and content within the dedup window while
// still sending or sent. The oldest candidate wins.
func (e *Engine) matchLocked(list []*models.Message, in *models.Message) int {
	tempID := in.TempID
	if tempID == "" {
		tempID = in.MetaString(models.MetaTempID)
	}
	if tempID != "" {
		if i := slices.IndexFunc(list, func(m *models.Message) bool { return m.TempID == tempID }); i >= 0 {
			return i
		}
	}
	now := e.cfg.Now()
	return slices.IndexFunc(list, func(m *models.Message) bool {
		if m.SenderID != in.SenderID || m.Content != in.Content {
			return false
		}
		if m.Status != models.StatusSending && m.Status != models.StatusSent {
			return false
		}
		if !isLocal(m) {
			return false
		}
		return now.Sub(m.Timestamp) <= e.cfg.DedupWindow
	})
}

// isLocal reports whether m has not yet been replaced by a server copy.
func isLocal(m *models.Message) bool {
	return m.TempID != "" && m.ID == m.TempID
}

// adoptLocal carries client-only fields from prev into the server copy.
func adoptLocal(in, prev *models.Message) {
	if in.TempID == "" {
		in.TempID = prev.TempID
	}
	if in.TempID != "" {
		in.SetMeta(models.MetaTempID, in.TempID)
	}
	for k, v := range prev.Metadata {
		switch k {
		case models.MetaQueued, models.MetaError, models.MetaPermanentlyFailed, models.MetaUploadProgress:
			continue
		}
		if _, ok := in.Metadata[k]; !ok {
			in.SetMeta(k, v)
		}
	}
	if in.ReplyToMessageID == "" {
		in.ReplyToMessageID = prev.ReplyToMessageID
	}
}

func (e *Engine) OnMessageUpdated(msg *models.Message) {
	if msg == nil {
		return
	}
	var out batch
	e.mu.Lock()
	if _, m := e.findLocked(msg.ChatID, msg.ID); m != nil {
		m.Content = msg.Content
		m.Edited = true
		if models.Advance(m.Status, msg.Status) && msg.Status != models.StatusFailed {
			m.Status = msg.Status
		}
		e.refreshLastLocked(m.ChatID, m)
		out.message(m.ChatID, m, "")
	}
	e.publish(out)
	e.mu.Unlock()
}

func (e *Engine) OnMessageDeleted(chatID, messageID string) {
	e.removeMessage(chatID, messageID)
}

func (e *Engine) OnMessagesSeen(_ string, ids []string) {
	e.propagate(ids, models.StatusRead)
}

func (e *Engine) OnMessagesDelivered(_ string, ids []string) {
	e.propagate(ids, models.StatusDelivered)
}

// propagate moves every message with one of ids forward to status, across all
// chats. Only sent or delivered messages move.
func (e *Engine) propagate(ids []string, to models.Status) {
	if len(ids) == 0 {
		return
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out batch
	e.mu.Lock()
	for _, list := range e.messages {
		for _, m := range list {
			if !want[m.ID] {
				continue
			}
			if m.Status != models.StatusSent && m.Status != models.StatusDelivered {
				continue
			}
			if models.Advance(m.Status, to) {
				m.Status = to
				e.refreshLastLocked(m.ChatID, m)
				out.message(m.ChatID, m, "")
			}
		}
	}
	for _, c := range e.chats {
		if lm := c.LastMessage; lm != nil && want[lm.ID] && len(e.messages[c.ID]) == 0 &&
			(lm.Status == models.StatusSent || lm.Status == models.StatusDelivered) && models.Advance(lm.Status, to) {
			lm.Status = to
			out.chat(c)
		}
	}
	e.publish(out)
	e.mu.Unlock()
}

func (e *Engine) OnPresenceUpdate(p models.Presence) {
	e.setPresence([]models.Presence{p})
}

func (e *Engine) OnChatPresence(_ string, participants []models.Presence) {
	e.setPresence(participants)
}

func (e *Engine) OnContactsPresence(contacts []models.Presence) {
	e.setPresence(contacts)
}

// setPresence stores presence last-write-wins per user.
func (e *Engine) setPresence(ps []models.Presence) {
	var out batch
	now := e.cfg.Now()
	e.mu.Lock()
	for _, p := range ps {
		if p.UserID == "" {
			continue
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = now
		}
		e.presence[p.UserID] = p
		out.add(bus.KindPresenceUpdated, p)
	}
	e.publish(out)
	e.mu.Unlock()
}

func (e *Engine) OnError(source, message string) {
	e.bus.Emit(bus.KindApplicationError, AppError{Source: source, Message: message})
}

// OnConnected rebuilds chat state from the server.
func (e *Engine) OnConnected() {
	e.bus.Emit(bus.KindConnectionConnected, ConnectionChanged{})
	e.sender.Send(context.Background(), protocol.GetActiveChats{})
}

func (e *Engine) OnDisconnected(reason string) {
	e.bus.Emit(bus.KindConnectionLost, ConnectionChanged{Reason: reason})
}

func (e *Engine) OnConnectionFailed(reason string) {
	e.bus.Emit(bus.KindConnectionFailed, ConnectionChanged{Reason: reason})
}

// OnDeliveryStatus applies queue and rejection notifications. A queued
// message that the queue later transmits moves from failed to sent; nothing
// else leaves failed here.
func (e *Engine) OnDeliveryStatus(ds dispatch.DeliveryStatus) {
	switch ds.Status {
	case models.StatusFailed:
		var out batch
		e.mu.Lock()
		if _, m := e.findLocked(ds.ChatID, ds.MessageID); m != nil {
			if models.Advance(m.Status, models.StatusFailed) || m.Status == models.StatusFailed {
				m.Status = models.StatusFailed
				if ds.Reason == outbox.ReasonQueued && !ds.Permanent {
					m.SetMeta(models.MetaQueued, true)
				} else {
					m.SetMeta(models.MetaError, ds.Reason)
				}
				if ds.Permanent {
					m.SetMeta(models.MetaPermanentlyFailed, true)
					m.SetMeta(models.MetaQueued, false)
				}
				e.refreshLastLocked(m.ChatID, m)
				out.message(m.ChatID, m, "")
			}
		}
		e.publish(out)
		e.mu.Unlock()

	case models.StatusSending:
		// A queued message being replayed is in flight again, so an echo
		// arriving before the transmit returns can still reconcile with it.
		var out batch
		e.mu.Lock()
		if _, m := e.findLocked(ds.ChatID, ds.MessageID); m != nil &&
			m.Status == models.StatusFailed && m.MetaBool(models.MetaQueued) && !m.MetaBool(models.MetaPermanentlyFailed) {
			m.Status = models.StatusSending
			delete(m.Metadata, models.MetaQueued)
			e.refreshLastLocked(m.ChatID, m)
			out.message(m.ChatID, m, "")
		}
		e.publish(out)
		e.mu.Unlock()

	case models.StatusSent:
		var out batch
		e.mu.Lock()
		if _, m := e.findLocked(ds.ChatID, ds.MessageID); m != nil {
			switch {
			case m.Status == models.StatusFailed && m.MetaBool(models.MetaQueued) && !m.MetaBool(models.MetaPermanentlyFailed):
				m.Status = models.StatusSent
				delete(m.Metadata, models.MetaQueued)
				delete(m.Metadata, models.MetaError)
			case models.Advance(m.Status, models.StatusSent):
				m.Status = models.StatusSent
			default:
				m = nil
			}
			if m != nil {
				e.refreshLastLocked(m.ChatID, m)
				out.message(m.ChatID, m, "")
			}
		}
		e.publish(out)
		e.mu.Unlock()
	}
}

func (e *Engine) OnCallSignal(sig models.CallSignal) {
	e.bus.Emit(bus.KindCallSignal, sig)
}
