package proposal

import (
	"time"

	"github.com/google/uuid"
)

// ActivityType names the negotiation event shown in the chat timeline.
type ActivityType string

const (
	ActivityProposalSubmitted   ActivityType = "proposal_submitted"
	ActivityCounterProposal     ActivityType = "counter_proposal"
	ActivityAccepted            ActivityType = "accepted"
	ActivityRejected            ActivityType = "rejected"
	ActivityUnlocked            ActivityType = "unlocked"
	ActivityPaymentMade         ActivityType = "payment_made"
	ActivityFreelancerCompleted ActivityType = "freelancer_completed"
	ActivityCompleted           ActivityType = "completed"
	ActivityDisputed            ActivityType = "disputed"
	ActivityTransitionConflict  ActivityType = "transition_conflict"
)

// SystemActor is recorded as ChangedBy for scheduler and webhook transitions.
const SystemActor = "system"

// Activity is an append-only status history entry.
type Activity struct {
	ID             int64        `json:"-"`
	ActivityID     uuid.UUID    `json:"id"`
	ProposalID     uuid.UUID    `json:"proposalId"`
	ConversationID uuid.UUID    `json:"conversationId"`
	Type           ActivityType `json:"statusType"`
	ChangedBy      string       `json:"changedBy"`
	OldValue       string       `json:"oldValue,omitempty"`
	NewValue       string       `json:"newValue,omitempty"`
	Message        string       `json:"message,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// NewActivity builds the history entry for a change.
func NewActivity(p *Proposal, conversationID uuid.UUID, change Change, changedBy, message string, now time.Time) *Activity {
	return &Activity{
		ActivityID:     uuid.New(),
		ProposalID:     p.ProposalID,
		ConversationID: conversationID,
		Type:           change.Type,
		ChangedBy:      changedBy,
		OldValue:       change.OldValue,
		NewValue:       change.NewValue,
		Message:        message,
		CreatedAt:      now,
	}
}

// Key is the stable rendering key.
func (a *Activity) Key() string {
	return "activity:" + a.ActivityID.String()
}

// CounterProposal is the immutable record of one negotiation round.
type CounterProposal struct {
	ID                int64     `json:"-"`
	CounterProposalID uuid.UUID `json:"id"`
	ProposalID        uuid.UUID `json:"proposalId"`
	FromID            string    `json:"fromId"`
	ToID              string    `json:"toId"`
	Amount            int64     `json:"amount"`
	DeliveryDays      *int      `json:"deliveryDays,omitempty"`
	Message           string    `json:"message"`
	CreatedAt         time.Time `json:"createdAt"`
}

// DisputeStatus of an opened dispute. Resolution happens outside this system.
type DisputeStatus string

const DisputeOpen DisputeStatus = "open"

// Dispute is opened by one party against the other.
type Dispute struct {
	ID         int64         `json:"-"`
	DisputeID  uuid.UUID     `json:"id"`
	ProposalID uuid.UUID     `json:"proposalId"`
	OpenedBy   string        `json:"openedBy"`
	Against    string        `json:"against"`
	Reason     string        `json:"reason"`
	Status     DisputeStatus `json:"status"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// ReleaseSource records who released the escrow.
type ReleaseSource string

const (
	ReleasedByOwner     ReleaseSource = "owner"
	ReleasedByScheduler ReleaseSource = "scheduler"
)

// Payout is the single escrow release of a proposal.
type Payout struct {
	ID           int64         `json:"-"`
	ProposalID   uuid.UUID     `json:"proposalId"`
	FreelancerID string        `json:"freelancerId"`
	Amount       int64         `json:"amount"`
	ReleasedBy   ReleaseSource `json:"releasedBy"`
	CreatedAt    time.Time     `json:"createdAt"`
}
