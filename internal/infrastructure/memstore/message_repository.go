package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/gigmarket/gigmarket/internal/domain/changefeed"
	"github.com/gigmarket/gigmarket/internal/domain/clock"
	"github.com/gigmarket/gigmarket/internal/domain/message"
)

// MessageRepository implements message.Repository.
type MessageRepository struct {
	s *Store
}

func (r *MessageRepository) Create(ctx context.Context, m *message.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if m.ClientKey != "" {
		if id, ok := r.s.clientKeys[clientKeyIndex(m.ConversationID, m.ClientKey)]; ok {
			*m = *r.s.messages[id].Clone()
			return nil
		}
	}
	if m.MessageID == uuid.Nil {
		m.MessageID = uuid.New()
	}
	if m.Status == message.StatusSending {
		m.Status = message.StatusSent
	}
	m.ID = r.s.nextID()
	stored := m.Clone()
	r.s.messages[m.MessageID] = stored
	if m.ClientKey != "" {
		r.s.clientKeys[clientKeyIndex(m.ConversationID, m.ClientKey)] = m.MessageID
	}
	r.s.emit(messageChange(changefeed.OpInsert, stored))
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, messageID uuid.UUID) (*message.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	m, ok := r.s.messages[messageID]
	if !ok {
		return nil, nil
	}
	return m.Clone(), nil
}

func (r *MessageRepository) ListBefore(ctx context.Context, conversationID uuid.UUID, before *message.Cursor, limit int) ([]*message.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*message.Message
	for _, m := range r.s.messages {
		if m.ConversationID == conversationID && before.Precedes(m) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return newerFirst(out[i], out[j]) })
	out = page(out, limit, 0)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *MessageRepository) MarkDelivered(ctx context.Context, conversationID uuid.UUID, recipientID string, at time.Time) (int, error) {
	return r.advance(conversationID, recipientID, at, message.StatusDelivered)
}

func (r *MessageRepository) MarkRead(ctx context.Context, conversationID uuid.UUID, readerID string, at time.Time) (int, error) {
	return r.advance(conversationID, readerID, at, message.StatusRead)
}

func (r *MessageRepository) advance(conversationID uuid.UUID, recipientID string, at time.Time, target message.Status) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var changed []*message.Message
	for _, m := range r.s.messages {
		if m.ConversationID != conversationID || m.SenderID == recipientID || !m.Status.CanTransitionTo(target) {
			continue
		}
		var err error
		if target == message.StatusRead {
			err = m.MarkRead(at)
		} else {
			err = m.MarkDelivered(at)
		}
		if err == nil {
			changed = append(changed, m)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return newerFirst(changed[j], changed[i]) })
	for _, m := range changed {
		r.s.emit(messageChange(changefeed.OpUpdate, m))
	}
	return len(changed), nil
}

func (r *MessageRepository) SoftDelete(ctx context.Context, messageID uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[messageID]
	if !ok {
		return nil
	}
	if err := m.SoftDelete(m.SenderID); err != nil {
		return err
	}
	r.s.emit(messageChange(changefeed.OpDelete, m))
	return nil
}

func (r *MessageRepository) CountBySender(ctx context.Context, senderID string, since time.Time) (int, error) {
	return r.count(func(m *message.Message) bool {
		return m.SenderID == senderID && !m.CreatedAt.Before(since)
	}), nil
}

func (r *MessageRepository) CountDuplicates(ctx context.Context, senderID, content string, since time.Time) (int, error) {
	return r.count(func(m *message.Message) bool {
		return m.SenderID == senderID && !m.CreatedAt.Before(since) && m.Content != nil && *m.Content == content
	}), nil
}

func (r *MessageRepository) CountInConversation(ctx context.Context, conversationID uuid.UUID, senderID string) (int, error) {
	return r.count(func(m *message.Message) bool {
		return m.ConversationID == conversationID && m.SenderID == senderID
	}), nil
}

func (r *MessageRepository) count(match func(*message.Message) bool) int {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	n := 0
	for _, m := range r.s.messages {
		if match(m) {
			n++
		}
	}
	return n
}

func (r *MessageRepository) IncrementUnread(ctx context.Context, conversationID uuid.UUID, userID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.unread[unreadKey(conversationID, userID)]++
	return nil
}

func (r *MessageRepository) ResetUnread(ctx context.Context, conversationID uuid.UUID, userID string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.unread[unreadKey(conversationID, userID)] = 0
	return nil
}

func (r *MessageRepository) GetUnread(ctx context.Context, conversationID uuid.UUID, userID string) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.unread[unreadKey(conversationID, userID)], nil
}

func newerFirst(a, b *message.Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.MessageID.String() > b.MessageID.String()
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func messageChange(op changefeed.Op, m *message.Message) changefeed.Change {
	return changefeed.Change{
		Op:             op,
		Collection:     changefeed.CollectionMessages,
		ConversationID: m.ConversationID,
		Message:        m.Clone(),
		At:             clock.Now(),
	}
}
