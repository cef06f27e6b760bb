package proposal

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Party is one side of a negotiation.
type Party string

const (
	PartyOwner      Party = "owner"
	PartyFreelancer Party = "freelancer"
)

// Other returns the opposite side.
func (p Party) Other() Party {
	if p == PartyOwner {
		return PartyFreelancer
	}
	return PartyOwner
}

// Status is the negotiation status.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// WorkStatus tracks delivery of the accepted work.
type WorkStatus string

const (
	WorkNotStarted          WorkStatus = "not_started"
	WorkInProgress          WorkStatus = "in_progress"
	WorkFreelancerCompleted WorkStatus = "freelancer_completed"
	WorkCompleted           WorkStatus = "completed"
	WorkDisputed            WorkStatus = "disputed"
)

// PaymentStatus tracks the escrowed funds.
type PaymentStatus string

const (
	PaymentUnpaid     PaymentStatus = "unpaid"
	PaymentPaidEscrow PaymentStatus = "paid_escrow"
	PaymentCaptured   PaymentStatus = "captured"
	PaymentRefunded   PaymentStatus = "refunded"
)

// ConfirmationWindow is how long the owner has to confirm delivered work
// before escrow is released automatically.
const ConfirmationWindow = 72 * time.Hour

var (
	ErrInvalidTransition  = errors.New("invalid proposal transition")
	ErrNotParticipant     = errors.New("not a party to this proposal")
	ErrNotPending         = errors.New("proposal is no longer open for negotiation")
	ErrNotYourTurn        = errors.New("your offer is still waiting for a response")
	ErrNotAwaited         = errors.New("only the party awaiting a response can do this")
	ErrOwnerOnly          = errors.New("only the project owner can do this")
	ErrFreelancerOnly     = errors.New("only the freelancer can do this")
	ErrInvalidAmount      = errors.New("amount must be greater than zero")
	ErrNotPayable         = errors.New("proposal is not awaiting payment")
	ErrAlreadyProcessed   = errors.New("already processed")
	ErrDeadlineNotReached = errors.New("owner confirmation deadline has not passed")
	ErrDisputed           = errors.New("proposal is under dispute")
	ErrVersionConflict    = errors.New("proposal was modified concurrently")
	ErrPayoutExists       = errors.New("payout already released")
	ErrInvariant          = errors.New("proposal invariant violated")
)

// Proposal is the negotiation aggregate for one engagement.
type Proposal struct {
	ID                        int64         `json:"-"`
	ProposalID                uuid.UUID     `json:"id"`
	ProjectID                 *uuid.UUID    `json:"projectId,omitempty"`
	OwnerID                   string        `json:"ownerId"`
	FreelancerID              string        `json:"freelancerId"`
	BaseBudget                int64         `json:"baseBudget"`
	BaseDeliveryDays          int           `json:"baseDeliveryDays"`
	CoverLetter               string        `json:"coverLetter,omitempty"`
	Status                    Status        `json:"status"`
	WorkStatus                WorkStatus    `json:"workStatus"`
	PaymentStatus             PaymentStatus `json:"paymentStatus"`
	CurrentProposalAmount     int64         `json:"currentProposalAmount"`
	CurrentDeliveryDays       int           `json:"currentDeliveryDays"`
	CurrentProposalBy         *Party        `json:"currentProposalBy,omitempty"`
	AwaitingAcceptanceFrom    *Party        `json:"awaitingAcceptanceFrom,omitempty"`
	IsUnlocked                bool          `json:"isUnlocked"`
	OwnerConfirmationDeadline *time.Time    `json:"ownerConfirmationDeadline,omitempty"`
	Version                   int           `json:"version"`
	CreatedAt                 time.Time     `json:"createdAt"`
	UpdatedAt                 time.Time     `json:"updatedAt"`
}

// Change describes the field movement of one transition.
type Change struct {
	Type     ActivityType
	OldValue string
	NewValue string
}

// New creates a pending proposal submitted by the freelancer. The base offer
// belongs to nobody; the owner owes the first response.
func New(projectID *uuid.UUID, ownerID, freelancerID string, budget int64, deliveryDays int, coverLetter string, now time.Time) (*Proposal, error) {
	if budget <= 0 {
		return nil, ErrInvalidAmount
	}
	if ownerID == "" || freelancerID == "" || ownerID == freelancerID {
		return nil, ErrNotParticipant
	}
	return &Proposal{
		ProposalID:             uuid.New(),
		ProjectID:              projectID,
		OwnerID:                ownerID,
		FreelancerID:           freelancerID,
		BaseBudget:             budget,
		BaseDeliveryDays:       deliveryDays,
		CoverLetter:            coverLetter,
		Status:                 StatusPending,
		WorkStatus:             WorkNotStarted,
		PaymentStatus:          PaymentUnpaid,
		CurrentProposalAmount:  budget,
		CurrentDeliveryDays:    deliveryDays,
		AwaitingAcceptanceFrom: partyPtr(PartyOwner),
		CreatedAt:              now,
		UpdatedAt:              now,
	}, nil
}

// PartyOf maps a user id to its side.
func (p *Proposal) PartyOf(userID string) (Party, error) {
	switch userID {
	case p.OwnerID:
		return PartyOwner, nil
	case p.FreelancerID:
		return PartyFreelancer, nil
	}
	return "", ErrNotParticipant
}

// UserOf maps a side to its user id.
func (p *Proposal) UserOf(party Party) string {
	if party == PartyOwner {
		return p.OwnerID
	}
	return p.FreelancerID
}

// IsAwaiting reports whether party owes the next response.
func (p *Proposal) IsAwaiting(party Party) bool {
	return p.AwaitingAcceptanceFrom != nil && *p.AwaitingAcceptanceFrom == party
}

// CanTransitionTo validates work status transitions.
func (p *Proposal) CanTransitionTo(target WorkStatus) bool {
	transitions := map[WorkStatus][]WorkStatus{
		WorkNotStarted:          {WorkInProgress},
		WorkInProgress:          {WorkFreelancerCompleted, WorkDisputed},
		WorkFreelancerCompleted: {WorkCompleted, WorkDisputed},
		WorkCompleted:           {},
		WorkDisputed:            {},
	}
	for _, s := range transitions[p.WorkStatus] {
		if s == target {
			return true
		}
	}
	return false
}

// Counter replaces the offer on the table.
func (p *Proposal) Counter(by Party, amount int64, deliveryDays int, now time.Time) (Change, error) {
	if amount <= 0 {
		return Change{}, ErrInvalidAmount
	}
	if p.Status != StatusPending {
		return Change{}, ErrNotPending
	}
	if p.AwaitingAcceptanceFrom != nil && *p.AwaitingAcceptanceFrom != by {
		return Change{}, ErrNotYourTurn
	}
	old := p.CurrentProposalAmount
	p.CurrentProposalAmount = amount
	if deliveryDays > 0 {
		p.CurrentDeliveryDays = deliveryDays
	}
	p.CurrentProposalBy = partyPtr(by)
	p.AwaitingAcceptanceFrom = partyPtr(by.Other())
	p.touch(now)
	return Change{Type: ActivityCounterProposal, OldValue: formatAmount(old), NewValue: formatAmount(amount)}, nil
}

// Accept takes the offer on the table.
func (p *Proposal) Accept(by Party, now time.Time) (Change, error) {
	if p.Status != StatusPending {
		return Change{}, ErrNotPending
	}
	if !p.IsAwaiting(by) {
		return Change{}, ErrNotAwaited
	}
	p.Status = StatusAccepted
	p.AwaitingAcceptanceFrom = nil
	p.touch(now)
	return Change{Type: ActivityAccepted, OldValue: string(StatusPending), NewValue: formatAmount(p.CurrentProposalAmount)}, nil
}

// Reject declines the offer on the table and closes the negotiation.
func (p *Proposal) Reject(by Party, now time.Time) (Change, error) {
	if p.Status != StatusPending {
		return Change{}, ErrNotPending
	}
	if !p.IsAwaiting(by) {
		return Change{}, ErrNotAwaited
	}
	p.Status = StatusRejected
	p.AwaitingAcceptanceFrom = nil
	p.touch(now)
	return Change{Type: ActivityRejected, OldValue: string(StatusPending), NewValue: string(StatusRejected)}, nil
}

// Unlock lets the freelancer reply before the owner has written.
func (p *Proposal) Unlock(by Party, now time.Time) (Change, error) {
	if by != PartyOwner {
		return Change{}, ErrOwnerOnly
	}
	if p.IsUnlocked {
		return Change{}, ErrAlreadyProcessed
	}
	p.IsUnlocked = true
	p.touch(now)
	return Change{Type: ActivityUnlocked, OldValue: "false", NewValue: "true"}, nil
}

// MarkPaid records that escrow funds were captured by the gateway.
func (p *Proposal) MarkPaid(now time.Time) (Change, error) {
	if p.PaymentStatus == PaymentPaidEscrow || p.PaymentStatus == PaymentCaptured {
		return Change{}, ErrAlreadyProcessed
	}
	if p.Status != StatusAccepted || p.PaymentStatus != PaymentUnpaid || !p.CanTransitionTo(WorkInProgress) {
		return Change{}, ErrNotPayable
	}
	p.PaymentStatus = PaymentPaidEscrow
	p.WorkStatus = WorkInProgress
	p.touch(now)
	return Change{Type: ActivityPaymentMade, OldValue: string(PaymentUnpaid), NewValue: string(PaymentPaidEscrow)}, nil
}

// MarkFreelancerCompleted starts the owner confirmation window.
func (p *Proposal) MarkFreelancerCompleted(by Party, now time.Time) (Change, error) {
	if by != PartyFreelancer {
		return Change{}, ErrFreelancerOnly
	}
	if p.WorkStatus == WorkDisputed {
		return Change{}, ErrDisputed
	}
	if !p.CanTransitionTo(WorkFreelancerCompleted) {
		return Change{}, ErrInvalidTransition
	}
	deadline := now.Add(ConfirmationWindow)
	p.WorkStatus = WorkFreelancerCompleted
	p.OwnerConfirmationDeadline = &deadline
	p.touch(now)
	return Change{Type: ActivityFreelancerCompleted, OldValue: string(WorkInProgress), NewValue: string(WorkFreelancerCompleted)}, nil
}

// ConfirmCompletion releases escrow. A nil party means the trusted scheduler,
// which may only act once the owner deadline has passed.
func (p *Proposal) ConfirmCompletion(by *Party, now time.Time) (Change, error) {
	if p.WorkStatus == WorkCompleted {
		return Change{}, ErrAlreadyProcessed
	}
	if p.WorkStatus == WorkDisputed {
		return Change{}, ErrDisputed
	}
	if by != nil && *by != PartyOwner {
		return Change{}, ErrOwnerOnly
	}
	if !p.CanTransitionTo(WorkCompleted) {
		return Change{}, ErrInvalidTransition
	}
	if by == nil && (p.OwnerConfirmationDeadline == nil || now.Before(*p.OwnerConfirmationDeadline)) {
		return Change{}, ErrDeadlineNotReached
	}
	p.WorkStatus = WorkCompleted
	p.PaymentStatus = PaymentCaptured
	p.OwnerConfirmationDeadline = nil
	p.touch(now)
	return Change{Type: ActivityCompleted, OldValue: string(WorkFreelancerCompleted), NewValue: string(WorkCompleted)}, nil
}

// OpenDispute freezes the proposal.
func (p *Proposal) OpenDispute(by Party, now time.Time) (Change, error) {
	if p.WorkStatus == WorkDisputed {
		return Change{}, ErrDisputed
	}
	if !p.CanTransitionTo(WorkDisputed) {
		return Change{}, ErrInvalidTransition
	}
	old := p.WorkStatus
	p.WorkStatus = WorkDisputed
	p.OwnerConfirmationDeadline = nil
	p.touch(now)
	return Change{Type: ActivityDisputed, OldValue: string(old), NewValue: string(WorkDisputed)}, nil
}

// ConfirmationRemaining is the advisory countdown shown to the owner.
func (p *Proposal) ConfirmationRemaining(now time.Time) time.Duration {
	if p.OwnerConfirmationDeadline == nil {
		return 0
	}
	if d := p.OwnerConfirmationDeadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Validate checks the composite state invariants.
func (p *Proposal) Validate() error {
	if p.AwaitingAcceptanceFrom != nil && *p.AwaitingAcceptanceFrom != PartyOwner && *p.AwaitingAcceptanceFrom != PartyFreelancer {
		return ErrInvariant
	}
	if (p.OwnerConfirmationDeadline != nil) != (p.WorkStatus == WorkFreelancerCompleted) {
		return ErrInvariant
	}
	if p.Status != StatusPending && p.AwaitingAcceptanceFrom != nil {
		return ErrInvariant
	}
	if p.Status != StatusAccepted && (p.WorkStatus != WorkNotStarted || p.PaymentStatus != PaymentUnpaid) {
		return ErrInvariant
	}
	if p.WorkStatus == WorkNotStarted && p.PaymentStatus != PaymentUnpaid {
		return ErrInvariant
	}
	if p.WorkStatus == WorkCompleted && p.PaymentStatus != PaymentCaptured {
		return ErrInvariant
	}
	return nil
}

// Clone returns a deep copy.
func (p *Proposal) Clone() *Proposal {
	c := *p
	if p.ProjectID != nil {
		v := *p.ProjectID
		c.ProjectID = &v
	}
	if p.CurrentProposalBy != nil {
		c.CurrentProposalBy = partyPtr(*p.CurrentProposalBy)
	}
	if p.AwaitingAcceptanceFrom != nil {
		c.AwaitingAcceptanceFrom = partyPtr(*p.AwaitingAcceptanceFrom)
	}
	if p.OwnerConfirmationDeadline != nil {
		v := *p.OwnerConfirmationDeadline
		c.OwnerConfirmationDeadline = &v
	}
	return &c
}

func (p *Proposal) touch(now time.Time) {
	p.UpdatedAt = now
}

func partyPtr(p Party) *Party {
	return &p
}

func formatAmount(v int64) string {
	return strconv.FormatInt(v, 10)
}
