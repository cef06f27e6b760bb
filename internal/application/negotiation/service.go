package negotiation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gigmarket/gigmarket/internal/domain/apperr"
	"github.com/gigmarket/gigmarket/internal/domain/clock"
	"github.com/gigmarket/gigmarket/internal/domain/conversation"
	"github.com/gigmarket/gigmarket/internal/domain/moderation"
	"github.com/gigmarket/gigmarket/internal/domain/payment"
	"github.com/gigmarket/gigmarket/internal/domain/proposal"
)

// maxAttempts bounds re-evaluation after a lost version race.
const maxAttempts = 3

// Service drives the proposal state machine.
type Service struct {
	proposals     proposal.Repository
	conversations conversation.Repository
	moderator     moderation.Moderator
	gateway       payment.Gateway
	logger        zerolog.Logger
	now           func() time.Time
}

// NewService creates a negotiation service. moderator may be nil.
func NewService(
	proposals proposal.Repository,
	conversations conversation.Repository,
	moderator moderation.Moderator,
	gateway payment.Gateway,
	logger zerolog.Logger,
) *Service {
	if moderator == nil {
		moderator = moderation.Allow{}
	}
	return &Service{
		proposals:     proposals,
		conversations: conversations,
		moderator:     moderator,
		gateway:       gateway,
		logger:        logger.With().Str("service", "negotiation").Logger(),
		now:           clock.Now,
	}
}

// Result is the outcome of a transition.
type Result struct {
	Proposal *proposal.Proposal
	Activity *proposal.Activity
	// AlreadyProcessed is set when the transition had already happened. It is
	// a success, not an error.
	AlreadyProcessed bool
	// PaymentRequired is set after acceptance; the owner pays next.
	PaymentRequired bool
}

// SubmitInput opens a negotiation.
type SubmitInput struct {
	ProjectID    *uuid.UUID
	OwnerID      string
	FreelancerID string
	Budget       int64
	DeliveryDays int
	CoverLetter  string
}

// SubmitResult carries the proposal and the conversation created for it.
type SubmitResult struct {
	Proposal     *proposal.Proposal
	Conversation *conversation.Conversation
	Activity     *proposal.Activity
}

// Submit creates a pending proposal and its conversation.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	if in.Budget <= 0 {
		return nil, apperr.Validation("budget must be greater than zero")
	}
	if in.DeliveryDays < 0 {
		return nil, apperr.Validation("delivery_days must not be negative")
	}
	if in.OwnerID == "" || in.FreelancerID == "" {
		return nil, apperr.Validation("owner_id and freelancer_id are required")
	}
	if in.OwnerID == in.FreelancerID {
		return nil, apperr.Validation("a proposal needs two different parties")
	}
	cover := strings.TrimSpace(in.CoverLetter)
	if err := s.moderate(ctx, cover); err != nil {
		return nil, err
	}

	now := s.now()
	p, err := proposal.New(in.ProjectID, in.OwnerID, in.FreelancerID, in.Budget, in.DeliveryDays, cover, now)
	if err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}

	conv := conversation.New(conversation.TypeProposal, in.FreelancerID, in.OwnerID, &p.ProposalID)
	if err := s.conversations.Create(ctx, conv); err != nil {
		return nil, apperr.Transient(err)
	}
	change := proposal.Change{Type: proposal.ActivityProposalSubmitted, NewValue: formatAmount(in.Budget)}
	act := proposal.NewActivity(p, conv.ConversationID, change, in.FreelancerID, cover, now)
	if err := s.proposals.Create(ctx, p, act); err != nil {
		return nil, apperr.Transient(err)
	}

	s.logger.Info().
		Str("proposal_id", p.ProposalID.String()).
		Str("conversation_id", conv.ConversationID.String()).
		Msg("proposal submitted")
	return &SubmitResult{Proposal: p, Conversation: conv, Activity: act}, nil
}

// CounterInput puts a new offer on the table.
type CounterInput struct {
	ProposalID   uuid.UUID
	ActorID      string
	Amount       int64
	DeliveryDays int
	Message      string
}

// Counter records a counter-offer and hands the turn to the other party.
func (s *Service) Counter(ctx context.Context, in CounterInput) (*Result, error) {
	msg := strings.TrimSpace(in.Message)
	if in.Amount <= 0 {
		return nil, apperr.Validation("amount must be greater than zero")
	}
	if in.DeliveryDays < 0 {
		return nil, apperr.Validation("delivery_days must not be negative")
	}
	if msg == "" {
		return nil, apperr.Validation("a counter-offer needs a message")
	}
	if err := s.moderate(ctx, msg); err != nil {
		return nil, err
	}

	return s.transition(ctx, step{
		proposalID: in.ProposalID,
		actorID:    in.ActorID,
		kind:       proposal.ActivityCounterProposal,
		message:    msg,
		apply: func(p *proposal.Proposal, by *proposal.Party, now time.Time) (proposal.Change, error) {
			return p.Counter(*by, in.Amount, in.DeliveryDays, now)
		},
		attach: func(t *proposal.Transition, by *proposal.Party, now time.Time) {
			cp := &proposal.CounterProposal{
				CounterProposalID: uuid.New(),
				ProposalID:        t.Proposal.ProposalID,
				FromID:            in.ActorID,
				ToID:              t.Proposal.UserOf(by.Other()),
				Amount:            in.Amount,
				Message:           msg,
				CreatedAt:         now,
			}
			if in.DeliveryDays > 0 {
				days := in.DeliveryDays
				cp.DeliveryDays = &days
			}
			t.Counter = cp
		},
	})
}

// ActionInput identifies the actor and the proposal of a simple transition.
type ActionInput struct {
	ProposalID uuid.UUID
	ActorID    string
	Message    string
}

// Accept takes the offer on the table. The owner must pay next.
func (s *Service) Accept(ctx context.Context, in ActionInput) (*Result, error) {
	res, err := s.transition(ctx, step{
		proposalID: in.ProposalID,
		actorID:    in.ActorID,
		kind:       proposal.ActivityAccepted,
		message:    strings.TrimSpace(in.Message),
		apply: func(p *proposal.Proposal, by *proposal.Party, now time.Time) (proposal.Change, error) {
			return p.Accept(*by, now)
		},
	})
	if err != nil {
		return nil, err
	}
	res.PaymentRequired = res.Proposal.Status == proposal.StatusAccepted && res.Proposal.PaymentStatus == proposal.PaymentUnpaid
	return res, nil
}

// Reject declines the offer on the table.
func (s *Service) Reject(ctx context.Context, in ActionInput) (*Result, error) {
	return s.transition(ctx, step{
		proposalID: in.ProposalID,
		actorID:    in.ActorID,
		kind:       proposal.ActivityRejected,
		message:    strings.TrimSpace(in.Message),
		apply: func(p *proposal.Proposal, by *proposal.Party, now time.Time) (proposal.Change, error) {
			return p.Reject(*by, now)
		},
	})
}

// Unlock lets the freelancer write before the owner's first message.
func (s *Service) Unlock(ctx context.Context, in ActionInput) (*Result, error) {
	return s.transition(ctx, step{
		proposalID: in.ProposalID,
		actorID:    in.ActorID,
		kind:       proposal.ActivityUnlocked,
		apply: func(p *proposal.Proposal, by *proposal.Party, now time.Time) (proposal.Change, error) {
			return p.Unlock(*by, now)
		},
	})
}

// InitiateCheckout starts the escrow payment for an accepted proposal and
// returns the gateway redirect URL.
func (s *Service) InitiateCheckout(ctx context.Context, in ActionInput) (string, error) {
	p, err := s.load(ctx, in.ProposalID)
	if err != nil {
		return "", err
	}
	party, err := p.PartyOf(in.ActorID)
	if err != nil {
		return "", apperr.PolicyFrom(err)
	}
	if party != proposal.PartyOwner {
		return "", apperr.PolicyFrom(proposal.ErrOwnerOnly)
	}
	if p.Status != proposal.StatusAccepted || p.PaymentStatus != proposal.PaymentUnpaid {
		return "", apperr.PolicyFrom(proposal.ErrNotPayable)
	}
	if s.gateway == nil {
		return "", apperr.Transient(errors.New("payment gateway is not configured"))
	}
	url, err := s.gateway.InitiateCheckout(ctx, payment.Checkout{
		ProposalID: p.ProposalID,
		PayerID:    p.OwnerID,
		Amount:     p.CurrentProposalAmount,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("proposal_id", p.ProposalID.String()).Msg("checkout failed")
		return "", apperr.Transient(err)
	}
	return url, nil
}

// HandleCapture applies a verified gateway capture event. Only the gateway
// moves a proposal into escrow.
func (s *Service) HandleCapture(ctx context.Context, ev payment.CaptureEvent) (*Result, error) {
	if ev.ProposalID == uuid.Nil {
		return nil, apperr.Validation("proposal_id is required")
	}
	if ev.Status != payment.CaptureSucceeded {
		s.logger.Info().Str("proposal_id", ev.ProposalID.String()).Str("status", string(ev.Status)).Msg("ignoring non-success capture")
		p, err := s.load(ctx, ev.ProposalID)
		if err != nil {
			return nil, err
		}
		return &Result{Proposal: p}, nil
	}
	return s.transition(ctx, step{
		proposalID: ev.ProposalID,
		kind:       proposal.ActivityPaymentMade,
		message:    ev.EventID,
		apply: func(p *proposal.Proposal, _ *proposal.Party, now time.Time) (proposal.Change, error) {
			if ev.Amount != p.CurrentProposalAmount {
				return proposal.Change{}, errAmountMismatch
			}
			return p.MarkPaid(now)
		},
	})
}

// MarkFreelancerCompleted starts the owner's confirmation window.
func (s *Service) MarkFreelancerCompleted(ctx context.Context, in ActionInput) (*Result, error) {
	return s.transition(ctx, step{
		proposalID: in.ProposalID,
		actorID:    in.ActorID,
		kind:       proposal.ActivityFreelancerCompleted,
		message:    strings.TrimSpace(in.Message),
		apply: func(p *proposal.Proposal, by *proposal.Party, now time.Time) (proposal.Change, error) {
			return p.MarkFreelancerCompleted(*by, now)
		},
	})
}

// ConfirmCompletion releases the escrow to the freelancer. Repeated calls
// report AlreadyProcessed and never release twice.
func (s *Service) ConfirmCompletion(ctx context.Context, in ActionInput) (*Result, error) {
	return s.transition(ctx, s.release(in.ProposalID, in.ActorID, strings.TrimSpace(in.Message)))
}

// DisputeInput opens a dispute.
type DisputeInput struct {
	ProposalID uuid.UUID
	ActorID    string
	Reason     string
}

// OpenDispute freezes the proposal until resolved outside the system.
func (s *Service) OpenDispute(ctx context.Context, in DisputeInput) (*Result, error) {
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return nil, apperr.Validation("a dispute needs a reason")
	}
	return s.transition(ctx, step{
		proposalID: in.ProposalID,
		actorID:    in.ActorID,
		kind:       proposal.ActivityDisputed,
		message:    reason,
		apply: func(p *proposal.Proposal, by *proposal.Party, now time.Time) (proposal.Change, error) {
			return p.OpenDispute(*by, now)
		},
		attach: func(t *proposal.Transition, by *proposal.Party, now time.Time) {
			t.Dispute = &proposal.Dispute{
				DisputeID:  uuid.New(),
				ProposalID: t.Proposal.ProposalID,
				OpenedBy:   in.ActorID,
				Against:    t.Proposal.UserOf(by.Other()),
				Reason:     reason,
				Status:     proposal.DisputeOpen,
				CreatedAt:  now,
			}
		},
	})
}

// ReleaseBatch reports one page of the due-release scan. Next is set when
// the page was full and more due proposals may follow.
type ReleaseBatch struct {
	Released int
	Failed   int
	Next     *proposal.DueCursor
}

// ProcessDueReleases releases escrow for up to limit proposals whose owner
// confirmation deadline has passed, starting after the given position.
// Failed releases are logged and skipped; the returned cursor moves past
// them so they cannot hold back later deadlines.
func (s *Service) ProcessDueReleases(ctx context.Context, after *proposal.DueCursor, limit int) (ReleaseBatch, error) {
	if limit <= 0 {
		limit = 100
	}
	var batch ReleaseBatch
	due, err := s.proposals.ListDueReleases(ctx, s.now(), after, limit)
	if err != nil {
		return batch, apperr.Transient(err)
	}

	for _, p := range due {
		res, err := s.transition(ctx, s.release(p.ProposalID, "", "released automatically after the confirmation window"))
		switch {
		case err != nil:
			batch.Failed++
			s.logger.Warn().Err(err).Str("proposal_id", p.ProposalID.String()).Msg("automatic release failed")
		case !res.AlreadyProcessed:
			batch.Released++
		}
	}
	if len(due) == limit {
		batch.Next = proposal.CursorOf(due[len(due)-1])
	}
	if batch.Released > 0 {
		s.logger.Info().Int("count", batch.Released).Int("failed", batch.Failed).Msg("released escrow after confirmation window")
	}
	return batch, nil
}

// GetProposal returns the proposal visible to actorID.
func (s *Service) GetProposal(ctx context.Context, proposalID uuid.UUID, actorID string) (*proposal.Proposal, error) {
	p, err := s.load(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if _, err := p.PartyOf(actorID); err != nil {
		return nil, apperr.PolicyFrom(err)
	}
	return p, nil
}

// ListActivities returns the negotiation history of a conversation, oldest first.
func (s *Service) ListActivities(ctx context.Context, conversationID uuid.UUID) ([]*proposal.Activity, error) {
	acts, err := s.proposals.ListActivities(ctx, conversationID)
	if err != nil {
		return nil, apperr.Transient(err)
	}
	return acts, nil
}

// ListCounterProposals returns the negotiation rounds of a proposal.
func (s *Service) ListCounterProposals(ctx context.Context, proposalID uuid.UUID, actorID string) ([]*proposal.CounterProposal, error) {
	if _, err := s.GetProposal(ctx, proposalID, actorID); err != nil {
		return nil, err
	}
	rounds, err := s.proposals.ListCounterProposals(ctx, proposalID)
	if err != nil {
		return nil, apperr.Transient(err)
	}
	return rounds, nil
}

func (s *Service) release(proposalID uuid.UUID, actorID, message string) step {
	return step{
		proposalID: proposalID,
		actorID:    actorID,
		kind:       proposal.ActivityCompleted,
		message:    message,
		apply: func(p *proposal.Proposal, by *proposal.Party, now time.Time) (proposal.Change, error) {
			return p.ConfirmCompletion(by, now)
		},
		attach: func(t *proposal.Transition, by *proposal.Party, now time.Time) {
			source := proposal.ReleasedByScheduler
			if by != nil {
				source = proposal.ReleasedByOwner
			}
			t.Payout = &proposal.Payout{
				ProposalID:   t.Proposal.ProposalID,
				FreelancerID: t.Proposal.FreelancerID,
				Amount:       t.Proposal.CurrentProposalAmount,
				ReleasedBy:   source,
				CreatedAt:    now,
			}
		},
	}
}

func (s *Service) moderate(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	res, err := s.moderator.Moderate(ctx, text)
	if err != nil {
		s.logger.Warn().Err(err).Msg("moderation unavailable")
		return apperr.Transient(err)
	}
	if !res.Approved {
		return apperr.Policy(rejectionReason(res))
	}
	return nil
}

func rejectionReason(res moderation.Result) string {
	if res.Reason == "" {
		return "content was rejected by moderation"
	}
	return res.Reason
}

func (s *Service) load(ctx context.Context, proposalID uuid.UUID) (*proposal.Proposal, error) {
	if proposalID == uuid.Nil {
		return nil, apperr.Validation("proposal_id is required")
	}
	p, err := s.proposals.GetByID(ctx, proposalID)
	if err != nil {
		return nil, apperr.Transient(err)
	}
	if p == nil {
		return nil, apperr.NotFound("proposal")
	}
	return p, nil
}
