package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gigmarket/gigmarket/internal/domain/changefeed"
	"github.com/gigmarket/gigmarket/internal/domain/proposal"
)

// ProposalRepository implements proposal.Repository. Every write that
// changes a proposal also records its activity in the same transaction.
type ProposalRepository struct {
	pool *pgxpool.Pool
}

// NewProposalRepository creates a new repository.
func NewProposalRepository(pool *pgxpool.Pool) *ProposalRepository {
	return &ProposalRepository{pool: pool}
}

const proposalColumns = `id, proposal_id, project_id, owner_id, freelancer_id, base_budget, base_delivery_days,
	cover_letter, status, work_status, payment_status, current_proposal_amount, current_delivery_days,
	current_proposal_by, awaiting_acceptance_from, is_unlocked, owner_confirmation_deadline, version,
	created_at, updated_at`

const activityColumns = `id, activity_id, proposal_id, conversation_id, status_type, changed_by,
	old_value, new_value, message, created_at`

func (r *ProposalRepository) Create(ctx context.Context, p *proposal.Proposal, submitted *proposal.Activity) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		p.Version = 1
		err := tx.QueryRow(ctx, `
			INSERT INTO proposals (proposal_id, project_id, owner_id, freelancer_id, base_budget, base_delivery_days,
				cover_letter, status, work_status, payment_status, current_proposal_amount, current_delivery_days,
				current_proposal_by, awaiting_acceptance_from, is_unlocked, owner_confirmation_deadline, version,
				created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
			RETURNING id
		`, p.ProposalID, p.ProjectID, p.OwnerID, p.FreelancerID, p.BaseBudget, p.BaseDeliveryDays,
			p.CoverLetter, p.Status, p.WorkStatus, p.PaymentStatus, p.CurrentProposalAmount, p.CurrentDeliveryDays,
			partyText(p.CurrentProposalBy), partyText(p.AwaitingAcceptanceFrom), p.IsUnlocked, p.OwnerConfirmationDeadline,
			p.Version, p.CreatedAt, p.UpdatedAt).Scan(&p.ID)
		if err != nil {
			return err
		}
		if err := notify(ctx, tx, proposalNotification(changefeed.OpInsert, submitted.ConversationID, p.ProposalID)); err != nil {
			return err
		}
		return insertActivity(ctx, tx, submitted)
	})
}

func (r *ProposalRepository) GetByID(ctx context.Context, proposalID uuid.UUID) (*proposal.Proposal, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE proposal_id = $1`, proposalID)
	return scanProposal(row)
}

// Apply writes the transition only while the stored version still matches.
func (r *ProposalRepository) Apply(ctx context.Context, t *proposal.Transition) error {
	p := t.Proposal
	var version int
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE proposals SET
				status = $3, work_status = $4, payment_status = $5,
				current_proposal_amount = $6, current_delivery_days = $7,
				current_proposal_by = $8, awaiting_acceptance_from = $9,
				is_unlocked = $10, owner_confirmation_deadline = $11,
				updated_at = $12, version = version + 1
			WHERE proposal_id = $1 AND version = $2
			RETURNING version
		`, p.ProposalID, t.ExpectedVersion, p.Status, p.WorkStatus, p.PaymentStatus,
			p.CurrentProposalAmount, p.CurrentDeliveryDays,
			partyText(p.CurrentProposalBy), partyText(p.AwaitingAcceptanceFrom),
			p.IsUnlocked, p.OwnerConfirmationDeadline, p.UpdatedAt).Scan(&version)
		if isNoRows(err) {
			return proposal.ErrVersionConflict
		}
		if err != nil {
			return err
		}

		if c := t.Counter; c != nil {
			if err := tx.QueryRow(ctx, `
				INSERT INTO counter_proposals (counter_proposal_id, proposal_id, from_id, to_id, amount, delivery_days, message, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				RETURNING id
			`, c.CounterProposalID, c.ProposalID, c.FromID, c.ToID, c.Amount, c.DeliveryDays, c.Message, c.CreatedAt).Scan(&c.ID); err != nil {
				return fmt.Errorf("insert counter proposal: %w", err)
			}
		}
		if d := t.Dispute; d != nil {
			if err := tx.QueryRow(ctx, `
				INSERT INTO disputes (dispute_id, proposal_id, opened_by, against, reason, status, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				RETURNING id
			`, d.DisputeID, d.ProposalID, d.OpenedBy, d.Against, d.Reason, d.Status, d.CreatedAt).Scan(&d.ID); err != nil {
				return fmt.Errorf("insert dispute: %w", err)
			}
		}
		if po := t.Payout; po != nil {
			err := tx.QueryRow(ctx, `
				INSERT INTO payouts (proposal_id, freelancer_id, amount, released_by, created_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (proposal_id) DO NOTHING
				RETURNING id
			`, po.ProposalID, po.FreelancerID, po.Amount, po.ReleasedBy, po.CreatedAt).Scan(&po.ID)
			if isNoRows(err) {
				return proposal.ErrPayoutExists
			}
			if err != nil {
				return fmt.Errorf("insert payout: %w", err)
			}
		}

		if err := notify(ctx, tx, proposalNotification(changefeed.OpUpdate, t.Activity.ConversationID, p.ProposalID)); err != nil {
			return err
		}
		return insertActivity(ctx, tx, t.Activity)
	})
	if err != nil {
		return err
	}
	p.Version = version
	return nil
}

func (r *ProposalRepository) AppendActivity(ctx context.Context, a *proposal.Activity) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		return insertActivity(ctx, tx, a)
	})
}

func insertActivity(ctx context.Context, tx pgx.Tx, a *proposal.Activity) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO proposal_activities (activity_id, proposal_id, conversation_id, status_type, changed_by,
			old_value, new_value, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, a.ActivityID, a.ProposalID, a.ConversationID, a.Type, a.ChangedBy,
		a.OldValue, a.NewValue, a.Message, a.CreatedAt).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return notify(ctx, tx, notification{
		Op:             changefeed.OpInsert,
		Collection:     changefeed.CollectionActivities,
		ConversationID: a.ConversationID,
		RecordID:       a.ActivityID,
	})
}

func (r *ProposalRepository) ListActivities(ctx context.Context, conversationID uuid.UUID) ([]*proposal.Activity, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+activityColumns+`
		FROM proposal_activities
		WHERE conversation_id = $1
		ORDER BY created_at, id
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*proposal.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetActivity returns one activity by its public id.
func (r *ProposalRepository) GetActivity(ctx context.Context, activityID uuid.UUID) (*proposal.Activity, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+activityColumns+` FROM proposal_activities WHERE activity_id = $1`, activityID)
	return scanActivity(row)
}

func (r *ProposalRepository) ListCounterProposals(ctx context.Context, proposalID uuid.UUID) ([]*proposal.CounterProposal, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, counter_proposal_id, proposal_id, from_id, to_id, amount, delivery_days, message, created_at
		FROM counter_proposals
		WHERE proposal_id = $1
		ORDER BY created_at, id
	`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*proposal.CounterProposal
	for rows.Next() {
		var c proposal.CounterProposal
		if err := rows.Scan(&c.ID, &c.CounterProposalID, &c.ProposalID, &c.FromID, &c.ToID,
			&c.Amount, &c.DeliveryDays, &c.Message, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (r *ProposalRepository) GetPayout(ctx context.Context, proposalID uuid.UUID) (*proposal.Payout, error) {
	var po proposal.Payout
	err := r.pool.QueryRow(ctx, `
		SELECT id, proposal_id, freelancer_id, amount, released_by, created_at
		FROM payouts WHERE proposal_id = $1
	`, proposalID).Scan(&po.ID, &po.ProposalID, &po.FreelancerID, &po.Amount, &po.ReleasedBy, &po.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &po, nil
}

func (r *ProposalRepository) ListDueReleases(ctx context.Context, now time.Time, after *proposal.DueCursor, limit int) ([]*proposal.Proposal, error) {
	var at *time.Time
	var id *uuid.UUID
	if after != nil {
		at, id = &after.Deadline, &after.ProposalID
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals
		WHERE work_status = 'freelancer_completed' AND owner_confirmation_deadline <= $1
		  AND ($2::timestamptz IS NULL OR (owner_confirmation_deadline, proposal_id) > ($2::timestamptz, $3::uuid))
		ORDER BY owner_confirmation_deadline, proposal_id
		LIMIT $4
	`, now, at, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*proposal.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func proposalNotification(op changefeed.Op, conversationID, proposalID uuid.UUID) notification {
	return notification{
		Op:             op,
		Collection:     changefeed.CollectionProposals,
		ConversationID: conversationID,
		RecordID:       proposalID,
	}
}

func partyText(p *proposal.Party) *string {
	if p == nil {
		return nil
	}
	s := string(*p)
	return &s
}

func partyOf(s *string) *proposal.Party {
	if s == nil {
		return nil
	}
	p := proposal.Party(*s)
	return &p
}

func scanProposal(row pgx.Row) (*proposal.Proposal, error) {
	var p proposal.Proposal
	var by, awaiting *string
	err := row.Scan(
		&p.ID, &p.ProposalID, &p.ProjectID, &p.OwnerID, &p.FreelancerID, &p.BaseBudget, &p.BaseDeliveryDays,
		&p.CoverLetter, &p.Status, &p.WorkStatus, &p.PaymentStatus, &p.CurrentProposalAmount, &p.CurrentDeliveryDays,
		&by, &awaiting, &p.IsUnlocked, &p.OwnerConfirmationDeadline, &p.Version,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	p.CurrentProposalBy = partyOf(by)
	p.AwaitingAcceptanceFrom = partyOf(awaiting)
	return &p, nil
}

func scanActivity(row pgx.Row) (*proposal.Activity, error) {
	var a proposal.Activity
	err := row.Scan(&a.ID, &a.ActivityID, &a.ProposalID, &a.ConversationID, &a.Type, &a.ChangedBy,
		&a.OldValue, &a.NewValue, &a.Message, &a.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}
