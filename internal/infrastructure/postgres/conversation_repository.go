package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gigmarket/gigmarket/internal/domain/conversation"
)

// ConversationRepository implements conversation.Repository.
type ConversationRepository struct {
	pool *pgxpool.Pool
}

// NewConversationRepository creates a new repository.
func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

const conversationColumns = `id, conversation_id, conversation_type, participant_a, participant_b, proposal_id, created_at`

func (r *ConversationRepository) Create(ctx context.Context, c *conversation.Conversation) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO conversations (conversation_id, conversation_type, participant_a, participant_b, proposal_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, c.ConversationID, c.Type, c.ParticipantA, c.ParticipantB, c.ProposalID, c.CreatedAt).Scan(&c.ID)
}

func (r *ConversationRepository) GetByID(ctx context.Context, conversationID uuid.UUID) (*conversation.Conversation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE conversation_id = $1`, conversationID)
	return scanConversation(row)
}

func (r *ConversationRepository) GetByProposalID(ctx context.Context, proposalID uuid.UUID) (*conversation.Conversation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE proposal_id = $1`, proposalID)
	return scanConversation(row)
}

func (r *ConversationRepository) ListByParticipant(ctx context.Context, userID string, limit, offset int) ([]*conversation.Conversation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE participant_a = $1 OR participant_b = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*conversation.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanConversation(row pgx.Row) (*conversation.Conversation, error) {
	var c conversation.Conversation
	err := row.Scan(&c.ID, &c.ConversationID, &c.Type, &c.ParticipantA, &c.ParticipantB, &c.ProposalID, &c.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}
