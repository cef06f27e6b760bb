package proposal

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"
)

// Transition is everything one negotiation step writes. Repositories persist
// it atomically: either every row lands or none does.
type Transition struct {
	Proposal        *Proposal
	ExpectedVersion int
	Activity        *Activity
	Counter         *CounterProposal
	Dispute         *Dispute
	Payout          *Payout
}

// Repository defines persistence for proposals and their history.
type Repository interface {
	// Create stores a new proposal together with its submission activity.
	Create(ctx context.Context, p *Proposal, submitted *Activity) error
	GetByID(ctx context.Context, proposalID uuid.UUID) (*Proposal, error)
	// Apply writes t if the stored version still equals t.ExpectedVersion and
	// bumps it. It returns ErrVersionConflict otherwise and ErrPayoutExists
	// when a payout for the proposal is already recorded.
	Apply(ctx context.Context, t *Transition) error
	// AppendActivity records history that does not change the proposal.
	AppendActivity(ctx context.Context, a *Activity) error

	ListActivities(ctx context.Context, conversationID uuid.UUID) ([]*Activity, error)
	ListCounterProposals(ctx context.Context, proposalID uuid.UUID) ([]*CounterProposal, error)
	GetPayout(ctx context.Context, proposalID uuid.UUID) (*Payout, error)
	// ListDueReleases returns proposals in freelancer_completed whose owner
	// confirmation deadline is at or before now, ordered by deadline and id.
	// A non-nil after skips everything up to and including that position.
	ListDueReleases(ctx context.Context, now time.Time, after *DueCursor, limit int) ([]*Proposal, error)
}

// DueCursor is a position in the due-release scan.
type DueCursor struct {
	Deadline   time.Time
	ProposalID uuid.UUID
}

// CursorOf returns the scan position of p, which must have a deadline.
func CursorOf(p *Proposal) *DueCursor {
	return &DueCursor{Deadline: *p.OwnerConfirmationDeadline, ProposalID: p.ProposalID}
}

// Precedes reports whether p sorts strictly after c in the scan.
func (c *DueCursor) Precedes(p *Proposal) bool {
	d := *p.OwnerConfirmationDeadline
	if !d.Equal(c.Deadline) {
		return c.Deadline.Before(d)
	}
	return bytes.Compare(c.ProposalID[:], p.ProposalID[:]) < 0
}
