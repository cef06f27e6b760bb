package negotiation

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/gigmarket/gigmarket/internal/domain/apperr"
	"github.com/gigmarket/gigmarket/internal/domain/conversation"
	"github.com/gigmarket/gigmarket/internal/domain/proposal"
)

var errAmountMismatch = errors.New("captured amount does not match the accepted amount")

// step describes one transition attempt. An empty actorID means the trusted
// system (scheduler or payment webhook) and apply receives a nil party.
type step struct {
	proposalID uuid.UUID
	actorID    string
	kind       proposal.ActivityType
	message    string
	apply      func(p *proposal.Proposal, by *proposal.Party, now time.Time) (proposal.Change, error)
	attach     func(t *proposal.Transition, by *proposal.Party, now time.Time)
}

// transition loads the proposal, applies the step to a copy and writes it if
// nobody else changed the proposal meanwhile. A lost race re-evaluates the
// step against the new state. When the step is no longer legal, the attempt
// is recorded as evidence and refused.
func (s *Service) transition(ctx context.Context, st step) (*Result, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		current, err := s.load(ctx, st.proposalID)
		if err != nil {
			return nil, err
		}

		var by *proposal.Party
		if st.actorID != "" {
			party, err := current.PartyOf(st.actorID)
			if err != nil {
				return nil, apperr.PolicyFrom(err)
			}
			by = &party
		}

		now := s.now()
		next := current.Clone()
		change, err := st.apply(next, by, now)
		if errors.Is(err, proposal.ErrAlreadyProcessed) {
			return &Result{Proposal: current, AlreadyProcessed: true}, nil
		}
		if err != nil {
			if attempt > 0 {
				s.recordConflict(ctx, current, st, err, now)
			}
			return nil, classify(err)
		}
		if err := next.Validate(); err != nil {
			s.logger.Error().Err(err).Str("proposal_id", current.ProposalID.String()).Str("step", string(st.kind)).Msg("transition would break proposal invariants")
			return nil, apperr.PolicyFrom(proposal.ErrInvalidTransition)
		}

		conv, err := s.conversationOf(ctx, current)
		if err != nil {
			return nil, err
		}
		t := &proposal.Transition{
			Proposal:        next,
			ExpectedVersion: current.Version,
			Activity:        proposal.NewActivity(next, conv.ConversationID, change, actorName(st.actorID), st.message, now),
		}
		if st.attach != nil {
			st.attach(t, by, now)
		}

		err = s.proposals.Apply(ctx, t)
		switch {
		case err == nil:
			s.logger.Info().
				Str("proposal_id", next.ProposalID.String()).
				Str("activity", string(change.Type)).
				Str("actor", actorName(st.actorID)).
				Msg("proposal transition applied")
			return &Result{Proposal: next, Activity: t.Activity}, nil
		case errors.Is(err, proposal.ErrVersionConflict):
			s.logger.Debug().Str("proposal_id", current.ProposalID.String()).Int("attempt", attempt+1).Msg("version conflict, re-evaluating")
			continue
		case errors.Is(err, proposal.ErrPayoutExists):
			return &Result{Proposal: current, AlreadyProcessed: true}, nil
		default:
			s.logger.Warn().Err(err).Str("proposal_id", current.ProposalID.String()).Msg("transition write failed")
			return nil, apperr.Transient(err)
		}
	}
	return nil, apperr.Transient(proposal.ErrVersionConflict)
}

// recordConflict appends a transition_conflict activity for an attempt that
// lost a race and became illegal. Failures are logged only.
func (s *Service) recordConflict(ctx context.Context, current *proposal.Proposal, st step, cause error, now time.Time) {
	conv, err := s.conversationOf(ctx, current)
	if err != nil {
		return
	}
	change := proposal.Change{
		Type:     proposal.ActivityTransitionConflict,
		OldValue: string(st.kind),
		NewValue: cause.Error(),
	}
	act := proposal.NewActivity(current, conv.ConversationID, change, actorName(st.actorID), st.message, now)
	if err := s.proposals.AppendActivity(ctx, act); err != nil {
		s.logger.Warn().Err(err).Str("proposal_id", current.ProposalID.String()).Msg("failed to record transition conflict")
		return
	}
	s.logger.Info().
		Str("proposal_id", current.ProposalID.String()).
		Str("attempted", string(st.kind)).
		Str("actor", actorName(st.actorID)).
		Msg("transition lost to a concurrent change")
}

func (s *Service) conversationOf(ctx context.Context, p *proposal.Proposal) (*conversation.Conversation, error) {
	conv, err := s.conversations.GetByProposalID(ctx, p.ProposalID)
	if err != nil {
		return nil, apperr.Transient(err)
	}
	if conv == nil {
		return nil, apperr.NotFound("conversation")
	}
	return conv, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, proposal.ErrInvalidAmount):
		return apperr.Validation("%s", err.Error())
	case errors.Is(err, errAmountMismatch):
		return apperr.Validation("%s", err.Error())
	default:
		return apperr.PolicyFrom(err)
	}
}

func actorName(actorID string) string {
	if actorID == "" {
		return proposal.SystemActor
	}
	return actorID
}

func formatAmount(v int64) string {
	return strconv.FormatInt(v, 10)
}
