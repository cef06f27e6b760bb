package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/gigmarket/gigmarket/internal/domain/changefeed"
	"github.com/gigmarket/gigmarket/internal/domain/clock"
	"github.com/gigmarket/gigmarket/internal/domain/proposal"
)

// ProposalRepository implements proposal.Repository.
type ProposalRepository struct {
	s *Store
}

func (r *ProposalRepository) Create(ctx context.Context, p *proposal.Proposal, submitted *proposal.Activity) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p.ID = r.s.nextID()
	p.Version = 1
	r.s.proposals[p.ProposalID] = p.Clone()
	r.s.emit(
		proposalChange(changefeed.OpInsert, p, submitted.ConversationID),
		r.appendActivityLocked(submitted),
	)
	return nil
}

func (r *ProposalRepository) GetByID(ctx context.Context, proposalID uuid.UUID) (*proposal.Proposal, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.proposals[proposalID]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

func (r *ProposalRepository) Apply(ctx context.Context, t *proposal.Transition) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	current, ok := r.s.proposals[t.Proposal.ProposalID]
	if !ok || current.Version != t.ExpectedVersion {
		return proposal.ErrVersionConflict
	}
	if t.Payout != nil {
		if _, exists := r.s.payouts[t.Payout.ProposalID]; exists {
			return proposal.ErrPayoutExists
		}
	}

	next := t.Proposal.Clone()
	next.ID = current.ID
	next.Version = current.Version + 1
	r.s.proposals[next.ProposalID] = next
	t.Proposal.Version = next.Version

	if t.Counter != nil {
		t.Counter.ID = r.s.nextID()
		c := *t.Counter
		r.s.counters = append(r.s.counters, &c)
	}
	if t.Dispute != nil {
		t.Dispute.ID = r.s.nextID()
		d := *t.Dispute
		r.s.disputes = append(r.s.disputes, &d)
	}
	if t.Payout != nil {
		t.Payout.ID = r.s.nextID()
		po := *t.Payout
		r.s.payouts[po.ProposalID] = &po
	}

	changes := []changefeed.Change{proposalChange(changefeed.OpUpdate, next, t.Activity.ConversationID)}
	changes = append(changes, r.appendActivityLocked(t.Activity))
	r.s.emit(changes...)
	return nil
}

func (r *ProposalRepository) AppendActivity(ctx context.Context, a *proposal.Activity) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.emit(r.appendActivityLocked(a))
	return nil
}

func (r *ProposalRepository) appendActivityLocked(a *proposal.Activity) changefeed.Change {
	a.ID = r.s.nextID()
	cp := *a
	r.s.activities = append(r.s.activities, &cp)
	out := cp
	return changefeed.Change{
		Op:             changefeed.OpInsert,
		Collection:     changefeed.CollectionActivities,
		ConversationID: a.ConversationID,
		Activity:       &out,
		At:             clock.Now(),
	}
}

func (r *ProposalRepository) ListActivities(ctx context.Context, conversationID uuid.UUID) ([]*proposal.Activity, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*proposal.Activity
	for _, a := range r.s.activities {
		if a.ConversationID == conversationID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *ProposalRepository) ListCounterProposals(ctx context.Context, proposalID uuid.UUID) ([]*proposal.CounterProposal, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*proposal.CounterProposal
	for _, c := range r.s.counters {
		if c.ProposalID == proposalID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *ProposalRepository) GetPayout(ctx context.Context, proposalID uuid.UUID) (*proposal.Payout, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	po, ok := r.s.payouts[proposalID]
	if !ok {
		return nil, nil
	}
	cp := *po
	return &cp, nil
}

func (r *ProposalRepository) ListDueReleases(ctx context.Context, now time.Time, after *proposal.DueCursor, limit int) ([]*proposal.Proposal, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*proposal.Proposal
	for _, p := range r.s.proposals {
		if p.WorkStatus != proposal.WorkFreelancerCompleted || p.OwnerConfirmationDeadline == nil || p.OwnerConfirmationDeadline.After(now) {
			continue
		}
		if after != nil && !after.Precedes(p) {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return proposal.CursorOf(out[i]).Precedes(out[j])
	})
	return page(out, limit, 0), nil
}

func proposalChange(op changefeed.Op, p *proposal.Proposal, conversationID uuid.UUID) changefeed.Change {
	return changefeed.Change{
		Op:             op,
		Collection:     changefeed.CollectionProposals,
		ConversationID: conversationID,
		Proposal:       p.Clone(),
		At:             clock.Now(),
	}
}
