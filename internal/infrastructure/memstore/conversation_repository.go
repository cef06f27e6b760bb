package memstore

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/gigmarket/gigmarket/internal/domain/conversation"
)

// ConversationRepository implements conversation.Repository.
type ConversationRepository struct {
	s *Store
}

func (r *ConversationRepository) Create(ctx context.Context, c *conversation.Conversation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c.ID = r.s.nextID()
	cp := *c
	r.s.conversations[c.ConversationID] = &cp
	return nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, conversationID uuid.UUID) (*conversation.Conversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	c, ok := r.s.conversations[conversationID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *ConversationRepository) GetByProposalID(ctx context.Context, proposalID uuid.UUID) (*conversation.Conversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, c := range r.s.conversations {
		if c.ProposalID != nil && *c.ProposalID == proposalID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *ConversationRepository) ListByParticipant(ctx context.Context, userID string, limit, offset int) ([]*conversation.Conversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*conversation.Conversation
	for _, c := range r.s.conversations {
		if c.HasParticipant(userID) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func page[T any](in []T, limit, offset int) []T {
	if offset >= len(in) {
		return nil
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}
