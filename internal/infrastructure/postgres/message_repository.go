package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gigmarket/gigmarket/internal/domain/attachment"
	"github.com/gigmarket/gigmarket/internal/domain/changefeed"
	"github.com/gigmarket/gigmarket/internal/domain/message"
)

// MessageRepository implements message.Repository.
type MessageRepository struct {
	pool *pgxpool.Pool
}

// NewMessageRepository creates a new repository.
func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

const messageColumns = `id, message_id, client_key, conversation_id, sender_id, content,
	attachment_url, attachment_name, attachment_mime, status, rejection_reason, is_deleted,
	created_at, delivered_at, read_at`

// Create inserts m. When the client key was already stored for the
// conversation, m is overwritten with the stored row and nothing is announced.
func (r *MessageRepository) Create(ctx context.Context, m *message.Message) error {
	if m.MessageID == uuid.Nil {
		m.MessageID = uuid.New()
	}
	if m.Status == message.StatusSending {
		m.Status = message.StatusSent
	}
	var url, name, mime *string
	if m.Attachment != nil {
		url, name, mime = &m.Attachment.URL, nullString(m.Attachment.Name), nullString(m.Attachment.MimeType)
	}

	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO messages (message_id, client_key, conversation_id, sender_id, content,
				attachment_url, attachment_name, attachment_mime, status, is_deleted, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false, $10)
			ON CONFLICT (conversation_id, client_key) DO NOTHING
			RETURNING id
		`, m.MessageID, nullString(m.ClientKey), m.ConversationID, m.SenderID, m.Content,
			url, name, mime, m.Status, m.CreatedAt).Scan(&m.ID)
		if isNoRows(err) {
			row := tx.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 AND client_key = $2`,
				m.ConversationID, m.ClientKey)
			stored, err := scanMessage(row)
			if err != nil {
				return err
			}
			*m = *stored
			return nil
		}
		if err != nil {
			return err
		}
		return notify(ctx, tx, messageNotification(changefeed.OpInsert, m.ConversationID, m.MessageID))
	})
}

func (r *MessageRepository) GetByID(ctx context.Context, messageID uuid.UUID) (*message.Message, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE message_id = $1`, messageID)
	return scanMessage(row)
}

func (r *MessageRepository) ListBefore(ctx context.Context, conversationID uuid.UUID, before *message.Cursor, limit int) ([]*message.Message, error) {
	var at *time.Time
	var id *uuid.UUID
	if before != nil {
		at, id = &before.CreatedAt, &before.MessageID
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1
		  AND ($2::timestamptz IS NULL OR (created_at, message_id) < ($2::timestamptz, $3::uuid))
		ORDER BY created_at DESC, message_id DESC
		LIMIT $4
	`, conversationID, at, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*message.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *MessageRepository) MarkDelivered(ctx context.Context, conversationID uuid.UUID, recipientID string, at time.Time) (int, error) {
	return r.advance(ctx, `
		UPDATE messages SET status = 'delivered', delivered_at = $3
		WHERE conversation_id = $1 AND sender_id <> $2 AND status = 'sent'
		RETURNING message_id
	`, conversationID, recipientID, at)
}

func (r *MessageRepository) MarkRead(ctx context.Context, conversationID uuid.UUID, readerID string, at time.Time) (int, error) {
	return r.advance(ctx, `
		UPDATE messages SET status = 'read', read_at = $3, delivered_at = COALESCE(delivered_at, $3)
		WHERE conversation_id = $1 AND sender_id <> $2 AND status IN ('sent', 'delivered')
		RETURNING message_id
	`, conversationID, readerID, at)
}

// advance runs a receipt update and announces every touched message.
func (r *MessageRepository) advance(ctx context.Context, sql string, conversationID uuid.UUID, userID string, at time.Time) (int, error) {
	var n int
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, sql, conversationID, userID, at)
		if err != nil {
			return err
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := notify(ctx, tx, messageNotification(changefeed.OpUpdate, conversationID, id)); err != nil {
				return err
			}
		}
		n = len(ids)
		return nil
	})
	return n, err
}

func (r *MessageRepository) SoftDelete(ctx context.Context, messageID uuid.UUID, at time.Time) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		var conversationID uuid.UUID
		err := tx.QueryRow(ctx, `
			UPDATE messages
			SET is_deleted = true, deleted_at = $2, content = NULL,
				attachment_url = NULL, attachment_name = NULL, attachment_mime = NULL
			WHERE message_id = $1 AND NOT is_deleted
			RETURNING conversation_id
		`, messageID, at).Scan(&conversationID)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return err
		}
		return notify(ctx, tx, messageNotification(changefeed.OpDelete, conversationID, messageID))
	})
}

func (r *MessageRepository) CountBySender(ctx context.Context, senderID string, since time.Time) (int, error) {
	return r.count(ctx, `SELECT count(*) FROM messages WHERE sender_id = $1 AND created_at >= $2`, senderID, since)
}

func (r *MessageRepository) CountDuplicates(ctx context.Context, senderID, content string, since time.Time) (int, error) {
	return r.count(ctx, `SELECT count(*) FROM messages WHERE sender_id = $1 AND created_at >= $2 AND content = $3`,
		senderID, since, content)
}

func (r *MessageRepository) CountInConversation(ctx context.Context, conversationID uuid.UUID, senderID string) (int, error) {
	return r.count(ctx, `SELECT count(*) FROM messages WHERE conversation_id = $1 AND sender_id = $2`,
		conversationID, senderID)
}

func (r *MessageRepository) count(ctx context.Context, sql string, args ...any) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, sql, args...).Scan(&n)
	return n, err
}

func (r *MessageRepository) IncrementUnread(ctx context.Context, conversationID uuid.UUID, userID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO unread_counters (conversation_id, user_id, unread_count)
		VALUES ($1, $2, 1)
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET unread_count = unread_counters.unread_count + 1
	`, conversationID, userID)
	return err
}

func (r *MessageRepository) ResetUnread(ctx context.Context, conversationID uuid.UUID, userID string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO unread_counters (conversation_id, user_id, unread_count, last_read_at)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET unread_count = 0, last_read_at = EXCLUDED.last_read_at
	`, conversationID, userID, at)
	return err
}

func (r *MessageRepository) GetUnread(ctx context.Context, conversationID uuid.UUID, userID string) (int, error) {
	n, err := r.count(ctx, `SELECT unread_count FROM unread_counters WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID)
	if isNoRows(err) {
		return 0, nil
	}
	return n, err
}

func messageNotification(op changefeed.Op, conversationID, messageID uuid.UUID) notification {
	return notification{
		Op:             op,
		Collection:     changefeed.CollectionMessages,
		ConversationID: conversationID,
		RecordID:       messageID,
	}
}

func scanMessage(row pgx.Row) (*message.Message, error) {
	var m message.Message
	var clientKey, url, name, mime *string
	err := row.Scan(
		&m.ID, &m.MessageID, &clientKey, &m.ConversationID, &m.SenderID, &m.Content,
		&url, &name, &mime, &m.Status, &m.RejectionReason, &m.IsDeleted,
		&m.CreatedAt, &m.DeliveredAt, &m.ReadAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	m.ClientKey = derefString(clientKey)
	if url != nil {
		m.Attachment = &attachment.Attachment{URL: *url, Name: derefString(name), MimeType: derefString(mime)}
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}
