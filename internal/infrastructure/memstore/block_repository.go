package memstore

import (
	"context"
	"time"

	"github.com/gigmarket/gigmarket/internal/domain/block"
)

// BlockRepository implements block.Repository.
type BlockRepository struct {
	s *Store
}

func (r *BlockRepository) Create(ctx context.Context, b *block.Block) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b.ID = r.s.nextID()
	cp := *b
	r.s.blocks = append(r.s.blocks, &cp)
	return nil
}

func (r *BlockRepository) Active(ctx context.Context, userID string, scope block.Scope, now time.Time) (*block.Block, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var best *block.Block
	for _, b := range r.s.blocks {
		if b.UserID != userID || b.Scope != scope || !b.ActiveAt(now) {
			continue
		}
		if best == nil || outlasts(b, best) {
			best = b
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func outlasts(a, b *block.Block) bool {
	if a.IsPermanent != b.IsPermanent {
		return a.IsPermanent
	}
	if a.BlockedUntil == nil || b.BlockedUntil == nil {
		return false
	}
	return a.BlockedUntil.After(*b.BlockedUntil)
}
