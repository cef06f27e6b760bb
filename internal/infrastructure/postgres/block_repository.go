package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gigmarket/gigmarket/internal/domain/block"
)

// BlockRepository implements block.Repository.
type BlockRepository struct {
	pool *pgxpool.Pool
}

// NewBlockRepository creates a new repository.
func NewBlockRepository(pool *pgxpool.Pool) *BlockRepository {
	return &BlockRepository{pool: pool}
}

func (r *BlockRepository) Create(ctx context.Context, b *block.Block) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO user_blocks (block_id, user_id, scope, is_permanent, blocked_until, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, b.BlockID, b.UserID, b.Scope, b.IsPermanent, b.BlockedUntil, b.Reason, b.CreatedAt).Scan(&b.ID)
}

func (r *BlockRepository) Active(ctx context.Context, userID string, scope block.Scope, now time.Time) (*block.Block, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, block_id, user_id, scope, is_permanent, blocked_until, reason, created_at
		FROM user_blocks
		WHERE user_id = $1 AND scope = $2 AND (is_permanent OR blocked_until > $3)
		ORDER BY is_permanent DESC, blocked_until DESC
		LIMIT 1
	`, userID, scope, now)
	return scanBlock(row)
}

func scanBlock(row pgx.Row) (*block.Block, error) {
	var b block.Block
	err := row.Scan(&b.ID, &b.BlockID, &b.UserID, &b.Scope, &b.IsPermanent, &b.BlockedUntil, &b.Reason, &b.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}
