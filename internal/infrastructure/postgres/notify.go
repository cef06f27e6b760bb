package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/gigmarket/gigmarket/internal/domain/changefeed"
	"github.com/gigmarket/gigmarket/internal/domain/clock"
)

// ChangesChannel is the NOTIFY channel every committed change is announced on.
const ChangesChannel = "gigmarket_changes"

// notification is the NOTIFY payload. Records are fetched by id on the
// listening side, so the payload stays well under the 8000 byte limit.
type notification struct {
	Op             changefeed.Op         `json:"op"`
	Collection     changefeed.Collection `json:"collection"`
	ConversationID uuid.UUID             `json:"conversationId"`
	RecordID       uuid.UUID             `json:"recordId,omitempty"`
	Typing         *changefeed.Typing    `json:"typing,omitempty"`
	At             time.Time             `json:"at"`
}

// notify queues n on ChangesChannel. Inside a transaction Postgres delivers
// it only on commit.
func notify(ctx context.Context, q execer, n notification) error {
	if n.At.IsZero() {
		n.At = clock.Now()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `SELECT pg_notify($1, $2)`, ChangesChannel, string(payload))
	return err
}
