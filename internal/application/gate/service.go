package gate

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gigmarket/gigmarket/internal/domain/apperr"
	"github.com/gigmarket/gigmarket/internal/domain/block"
	"github.com/gigmarket/gigmarket/internal/domain/clock"
	"github.com/gigmarket/gigmarket/internal/domain/conversation"
	"github.com/gigmarket/gigmarket/internal/domain/message"
	"github.com/gigmarket/gigmarket/internal/domain/proposal"
)

// Service computes send-permission verdicts from their three sources.
type Service struct {
	blocks        block.Repository
	conversations conversation.Repository
	messages      message.Repository
	proposals     proposal.Repository
	spam          *SpamLimiter
	logger        zerolog.Logger
	now           func() time.Time
}

// NewService creates a gate service.
func NewService(
	blocks block.Repository,
	conversations conversation.Repository,
	messages message.Repository,
	proposals proposal.Repository,
	spam *SpamLimiter,
	logger zerolog.Logger,
) *Service {
	return &Service{
		blocks:        blocks,
		conversations: conversations,
		messages:      messages,
		proposals:     proposals,
		spam:          spam,
		logger:        logger.With().Str("service", "gate").Logger(),
		now:           clock.Now,
	}
}

// Check returns whether actorID may send into conversationID right now.
func (s *Service) Check(ctx context.Context, actorID string, conversationID uuid.UUID) (block.Verdict, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return block.Verdict{}, apperr.Transient(err)
	}
	if conv == nil {
		return block.Verdict{}, apperr.NotFound("conversation")
	}
	if !conv.HasParticipant(actorID) {
		return block.Verdict{}, apperr.PolicyFrom(conversation.ErrNotParticipant)
	}

	now := s.now()
	var in block.Inputs

	if in.Platform, err = s.blocks.Active(ctx, actorID, block.ScopeMessaging, now); err != nil {
		return block.Verdict{}, apperr.Transient(err)
	}
	if s.spam != nil {
		if in.Spam, err = s.spam.Status(ctx, actorID, now); err != nil {
			return block.Verdict{}, apperr.Transient(err)
		}
	}
	if conv.ProposalID != nil {
		if in.UnlockRequired, err = s.unlockRequired(ctx, actorID, conv); err != nil {
			return block.Verdict{}, err
		}
	}
	return block.Evaluate(in, now), nil
}

// Block records a platform messaging block for userID. A zero duration blocks
// permanently.
func (s *Service) Block(ctx context.Context, userID string, d time.Duration, reason string) (*block.Block, error) {
	if userID == "" {
		return nil, apperr.Validation("user_id is required")
	}
	now := s.now()
	b := block.NewTimed(userID, block.ScopeMessaging, d, reason, now)
	if d <= 0 {
		b.IsPermanent = true
		b.BlockedUntil = nil
	}
	if err := s.blocks.Create(ctx, b); err != nil {
		return nil, apperr.Transient(err)
	}
	s.logger.Info().Str("user_id", userID).Bool("permanent", b.IsPermanent).Msg("messaging block recorded")
	return b, nil
}

// RecordSend feeds a stored message into the spam limiter.
func (s *Service) RecordSend(ctx context.Context, userID, content string) (block.SpamStatus, error) {
	if s.spam == nil {
		return block.SpamStatus{}, nil
	}
	return s.spam.Record(ctx, userID, content, s.now())
}

func (s *Service) unlockRequired(ctx context.Context, actorID string, conv *conversation.Conversation) (bool, error) {
	p, err := s.proposals.GetByID(ctx, *conv.ProposalID)
	if err != nil {
		return false, apperr.Transient(err)
	}
	if p == nil {
		return false, nil
	}
	party, err := p.PartyOf(actorID)
	if err != nil || party != proposal.PartyFreelancer {
		return false, nil
	}
	if p.Status != proposal.StatusPending || p.IsUnlocked {
		return false, nil
	}
	ownerMessages, err := s.messages.CountInConversation(ctx, conv.ConversationID, p.OwnerID)
	if err != nil {
		return false, apperr.Transient(err)
	}
	return block.UnlockRequired(true, true, false, ownerMessages), nil
}
