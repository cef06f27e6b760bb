package messaging

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gigmarket/gigmarket/internal/domain/apperr"
	"github.com/gigmarket/gigmarket/internal/domain/attachment"
	"github.com/gigmarket/gigmarket/internal/domain/block"
	"github.com/gigmarket/gigmarket/internal/domain/changefeed"
	"github.com/gigmarket/gigmarket/internal/domain/clock"
	"github.com/gigmarket/gigmarket/internal/domain/conversation"
	"github.com/gigmarket/gigmarket/internal/domain/message"
	"github.com/gigmarket/gigmarket/internal/domain/moderation"
)

const (
	defaultPageSize = 30
	maxPageSize     = 100
)

// Gate decides whether a sender may write and learns from every stored send.
type Gate interface {
	Check(ctx context.Context, actorID string, conversationID uuid.UUID) (block.Verdict, error)
	RecordSend(ctx context.Context, userID, content string) (block.SpamStatus, error)
}

// Service is the authoritative message path: every send is gated,
// moderated and stored here.
type Service struct {
	conversations conversation.Repository
	messages      message.Repository
	gate          Gate
	moderator     moderation.Moderator
	publisher     changefeed.Publisher
	logger        zerolog.Logger
	now           func() time.Time
}

// NewService creates a messaging service. moderator and publisher may be nil.
func NewService(
	conversations conversation.Repository,
	messages message.Repository,
	gate Gate,
	moderator moderation.Moderator,
	publisher changefeed.Publisher,
	logger zerolog.Logger,
) *Service {
	if moderator == nil {
		moderator = moderation.Allow{}
	}
	return &Service{
		conversations: conversations,
		messages:      messages,
		gate:          gate,
		moderator:     moderator,
		publisher:     publisher,
		logger:        logger.With().Str("service", "messaging").Logger(),
		now:           clock.Now,
	}
}

// SendInput is one send attempt. ClientKey makes retries idempotent.
type SendInput struct {
	ConversationID uuid.UUID
	SenderID       string
	Content        string
	Attachment     *attachment.Attachment
	ClientKey      string
}

// SendMessage stores a message after the gate, validation and moderation
// have passed.
func (s *Service) SendMessage(ctx context.Context, in SendInput) (*message.Message, error) {
	if err := message.ValidateContent(in.Content, in.Attachment != nil); err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	conv, err := s.participantConversation(ctx, in.ConversationID, in.SenderID)
	if err != nil {
		return nil, err
	}

	if s.gate != nil {
		verdict, err := s.gate.Check(ctx, in.SenderID, in.ConversationID)
		if err != nil {
			return nil, err
		}
		if verdict.Blocked {
			return nil, apperr.Policy(verdict.Reason)
		}
	}

	content := strings.TrimSpace(in.Content)
	if content != "" {
		res, err := s.moderator.Moderate(ctx, content)
		if err != nil {
			s.logger.Warn().Err(err).Str("conversation_id", in.ConversationID.String()).Msg("moderation unavailable")
			return nil, apperr.Transient(err)
		}
		if !res.Approved {
			reason := res.Reason
			if reason == "" {
				reason = "message was rejected by moderation"
			}
			return nil, apperr.Policy(reason)
		}
	}

	now := s.now()
	m := &message.Message{
		ClientKey:      in.ClientKey,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Attachment:     in.Attachment,
		Status:         message.StatusSending,
		CreatedAt:      now,
	}
	if content != "" {
		m.Content = &content
	}
	if err := s.messages.Create(ctx, m); err != nil {
		return nil, apperr.Transient(err)
	}
	if !m.CreatedAt.Equal(now) {
		// retried client key; the stored message is returned as is
		return m, nil
	}

	recipient, _ := conv.Other(in.SenderID)
	if err := s.messages.IncrementUnread(ctx, in.ConversationID, recipient); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", in.ConversationID.String()).Msg("failed to bump unread counter")
	}
	if s.gate != nil {
		if _, err := s.gate.RecordSend(ctx, in.SenderID, content); err != nil {
			s.logger.Warn().Err(err).Str("sender_id", in.SenderID).Msg("failed to record send for rate limiting")
		}
	}

	s.logger.Debug().
		Str("conversation_id", in.ConversationID.String()).
		Str("message_id", m.MessageID.String()).
		Msg("message stored")
	return m, nil
}

// ListMessages returns one page of messages older than before, oldest
// first. Messages addressed to viewerID are marked delivered first.
func (s *Service) ListMessages(ctx context.Context, conversationID uuid.UUID, viewerID string, before *message.Cursor, limit int) ([]*message.Message, error) {
	if _, err := s.participantConversation(ctx, conversationID, viewerID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if _, err := s.messages.MarkDelivered(ctx, conversationID, viewerID, s.now()); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID.String()).Msg("failed to mark messages delivered")
	}
	page, err := s.messages.ListBefore(ctx, conversationID, before, limit)
	if err != nil {
		return nil, apperr.Transient(err)
	}
	return page, nil
}

// MarkRead marks everything the other side sent as read and clears the
// reader's unread counter. Repeating it changes nothing.
func (s *Service) MarkRead(ctx context.Context, conversationID uuid.UUID, readerID string) error {
	if _, err := s.participantConversation(ctx, conversationID, readerID); err != nil {
		return err
	}
	now := s.now()
	n, err := s.messages.MarkRead(ctx, conversationID, readerID, now)
	if err != nil {
		return apperr.Transient(err)
	}
	if err := s.messages.ResetUnread(ctx, conversationID, readerID, now); err != nil {
		return apperr.Transient(err)
	}
	if n > 0 {
		s.logger.Debug().Str("conversation_id", conversationID.String()).Int("count", n).Msg("messages read")
	}
	return nil
}

// DeleteMessage soft-deletes a message authored by actorID.
func (s *Service) DeleteMessage(ctx context.Context, messageID uuid.UUID, actorID string) error {
	m, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return apperr.Transient(err)
	}
	if m == nil {
		return apperr.NotFound("message")
	}
	if m.IsDeleted {
		return nil
	}
	if err := m.SoftDelete(actorID); err != nil {
		return apperr.PolicyFrom(err)
	}
	if err := s.messages.SoftDelete(ctx, messageID, s.now()); err != nil {
		return apperr.Transient(err)
	}
	return nil
}

// SignalTyping publishes an ephemeral typing signal to the conversation.
func (s *Service) SignalTyping(ctx context.Context, conversationID uuid.UUID, userID string) error {
	if _, err := s.participantConversation(ctx, conversationID, userID); err != nil {
		return err
	}
	if s.publisher == nil {
		return nil
	}
	now := s.now()
	err := s.publisher.Publish(ctx, changefeed.Change{
		Op:             changefeed.OpInsert,
		Collection:     changefeed.CollectionTyping,
		ConversationID: conversationID,
		Typing:         &changefeed.Typing{UserID: userID, At: now},
		At:             now,
	})
	if err != nil {
		return apperr.Transient(err)
	}
	return nil
}

// Summary is a conversation as listed for one participant.
type Summary struct {
	*conversation.Conversation
	Counterpart string `json:"counterpart"`
	Unread      int    `json:"unread"`
}

// ListConversations returns userID's conversations, newest first.
func (s *Service) ListConversations(ctx context.Context, userID string, limit, offset int) ([]*Summary, error) {
	if userID == "" {
		return nil, apperr.Validation("user id is required")
	}
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	convs, err := s.conversations.ListByParticipant(ctx, userID, limit, offset)
	if err != nil {
		return nil, apperr.Transient(err)
	}
	out := make([]*Summary, 0, len(convs))
	for _, c := range convs {
		unread, err := s.messages.GetUnread(ctx, c.ConversationID, userID)
		if err != nil {
			return nil, apperr.Transient(err)
		}
		other, _ := c.Other(userID)
		out = append(out, &Summary{Conversation: c, Counterpart: other, Unread: unread})
	}
	return out, nil
}

// GetConversation returns a conversation visible to viewerID.
func (s *Service) GetConversation(ctx context.Context, conversationID uuid.UUID, viewerID string) (*conversation.Conversation, error) {
	return s.participantConversation(ctx, conversationID, viewerID)
}

// StartConversation opens a negotiation chat between two users.
func (s *Service) StartConversation(ctx context.Context, initiatorID, counterpartID string) (*conversation.Conversation, error) {
	if initiatorID == "" || counterpartID == "" {
		return nil, apperr.Validation("both participants are required")
	}
	if initiatorID == counterpartID {
		return nil, apperr.Validation("cannot start a conversation with yourself")
	}
	c := conversation.New(conversation.TypeNegotiation, initiatorID, counterpartID, nil)
	if err := s.conversations.Create(ctx, c); err != nil {
		return nil, apperr.Transient(err)
	}
	return c, nil
}

func (s *Service) participantConversation(ctx context.Context, conversationID uuid.UUID, userID string) (*conversation.Conversation, error) {
	if conversationID == uuid.Nil {
		return nil, apperr.Validation("conversation id is required")
	}
	c, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, apperr.Transient(err)
	}
	if c == nil {
		return nil, apperr.NotFound("conversation")
	}
	if !c.HasParticipant(userID) {
		return nil, apperr.PolicyFrom(conversation.ErrNotParticipant)
	}
	return c, nil
}
