package message

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines persistence for messages and per-user unread counters.
type Repository interface {
	// Create stores m and fills its durable id. A repeated client key in the
	// same conversation returns the already stored message.
	Create(ctx context.Context, m *Message) error
	GetByID(ctx context.Context, messageID uuid.UUID) (*Message, error)
	// ListBefore returns up to limit messages older than before, oldest first.
	ListBefore(ctx context.Context, conversationID uuid.UUID, before *Cursor, limit int) ([]*Message, error)
	// MarkDelivered moves sent messages addressed to recipientID to delivered.
	MarkDelivered(ctx context.Context, conversationID uuid.UUID, recipientID string, at time.Time) (int, error)
	// MarkRead moves sent and delivered messages not authored by readerID to read.
	MarkRead(ctx context.Context, conversationID uuid.UUID, readerID string, at time.Time) (int, error)
	SoftDelete(ctx context.Context, messageID uuid.UUID, at time.Time) error

	CountBySender(ctx context.Context, senderID string, since time.Time) (int, error)
	CountDuplicates(ctx context.Context, senderID, content string, since time.Time) (int, error)
	CountInConversation(ctx context.Context, conversationID uuid.UUID, senderID string) (int, error)

	IncrementUnread(ctx context.Context, conversationID uuid.UUID, userID string) error
	ResetUnread(ctx context.Context, conversationID uuid.UUID, userID string, at time.Time) error
	GetUnread(ctx context.Context, conversationID uuid.UUID, userID string) (int, error)
}
