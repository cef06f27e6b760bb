package changefeed

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gigmarket/gigmarket/internal/domain/message"
	"github.com/gigmarket/gigmarket/internal/domain/proposal"
)

// Op is the kind of record change.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Collection names the record type a change belongs to.
type Collection string

const (
	CollectionMessages   Collection = "messages"
	CollectionActivities Collection = "activities"
	CollectionProposals  Collection = "proposals"
	// CollectionTyping carries ephemeral typing signals. Nothing is stored.
	CollectionTyping Collection = "typing"
)

// Typing is a short-lived "user is typing" signal.
type Typing struct {
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

// Change is one event on the feed. Exactly one record field is set,
// matching Collection.
type Change struct {
	Op             Op                 `json:"op"`
	Collection     Collection         `json:"collection"`
	ConversationID uuid.UUID          `json:"conversationId"`
	Message        *message.Message   `json:"message,omitempty"`
	Activity       *proposal.Activity `json:"activity,omitempty"`
	Proposal       *proposal.Proposal `json:"proposal,omitempty"`
	Typing         *Typing            `json:"typing,omitempty"`
	At             time.Time          `json:"at"`
}

// Filter selects the changes a subscriber wants. A nil ConversationID
// subscribes to every conversation.
type Filter struct {
	ConversationID *uuid.UUID
	Collections    []Collection
}

// Match reports whether c passes the filter.
func (f Filter) Match(c Change) bool {
	if f.ConversationID != nil && *f.ConversationID != c.ConversationID {
		return false
	}
	if len(f.Collections) == 0 {
		return true
	}
	for _, col := range f.Collections {
		if col == c.Collection {
			return true
		}
	}
	return false
}

// Feed delivers committed changes in commit order, including changes caused
// by the subscriber itself. The channel is closed when ctx ends or the
// underlying connection drops; subscribers reconnect and back-fill.
type Feed interface {
	Subscribe(ctx context.Context, filter Filter) (<-chan Change, error)
}

// Publisher emits changes that have no stored record, such as typing.
type Publisher interface {
	Publish(ctx context.Context, c Change) error
}
