package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gigmarket/gigmarket/internal/domain/clock"
)

// Type distinguishes free negotiations from proposal-bound chats.
type Type string

const (
	TypeNegotiation Type = "negotiation"
	TypeProposal    Type = "proposal"
)

var ErrNotParticipant = errors.New("not a participant of this conversation")

// Conversation is immutable after creation.
type Conversation struct {
	ID             int64      `json:"id"`
	ConversationID uuid.UUID  `json:"conversationId"`
	Type           Type       `json:"conversationType"`
	ParticipantA   string     `json:"participantA"`
	ParticipantB   string     `json:"participantB"`
	ProposalID     *uuid.UUID `json:"proposalId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// New creates a conversation between two users.
func New(kind Type, a, b string, proposalID *uuid.UUID) *Conversation {
	return &Conversation{
		ConversationID: uuid.New(),
		Type:           kind,
		ParticipantA:   a,
		ParticipantB:   b,
		ProposalID:     proposalID,
		CreatedAt:      clock.Now(),
	}
}

// HasParticipant reports whether userID is one of the two sides.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// Other returns the counterpart of userID.
func (c *Conversation) Other(userID string) (string, error) {
	switch userID {
	case c.ParticipantA:
		return c.ParticipantB, nil
	case c.ParticipantB:
		return c.ParticipantA, nil
	}
	return "", ErrNotParticipant
}

// Repository defines persistence for conversations.
type Repository interface {
	Create(ctx context.Context, c *Conversation) error
	GetByID(ctx context.Context, conversationID uuid.UUID) (*Conversation, error)
	GetByProposalID(ctx context.Context, proposalID uuid.UUID) (*Conversation, error)
	ListByParticipant(ctx context.Context, userID string, limit, offset int) ([]*Conversation, error)
}
