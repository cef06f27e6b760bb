package memstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/gigmarket/gigmarket/internal/domain/block"
	"github.com/gigmarket/gigmarket/internal/domain/changefeed"
	"github.com/gigmarket/gigmarket/internal/domain/clock"
	"github.com/gigmarket/gigmarket/internal/domain/conversation"
	"github.com/gigmarket/gigmarket/internal/domain/message"
	"github.com/gigmarket/gigmarket/internal/domain/proposal"
)

// subscriberBuffer bounds how far a subscriber may lag before it is dropped.
const subscriberBuffer = 256

// Store is an in-memory record store with a change feed. Every read returns
// copies; every committed write is published to subscribers in commit order.
type Store struct {
	mu            sync.RWMutex
	seq           int64
	conversations map[uuid.UUID]*conversation.Conversation
	messages      map[uuid.UUID]*message.Message
	clientKeys    map[string]uuid.UUID
	unread        map[string]int
	proposals     map[uuid.UUID]*proposal.Proposal
	activities    []*proposal.Activity
	counters      []*proposal.CounterProposal
	disputes      []*proposal.Dispute
	payouts       map[uuid.UUID]*proposal.Payout
	blocks        []*block.Block

	subsMu  sync.Mutex
	subs    map[int]*subscriber
	nextSub int
}

type subscriber struct {
	filter changefeed.Filter
	ch     chan changefeed.Change
	closed bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		conversations: make(map[uuid.UUID]*conversation.Conversation),
		messages:      make(map[uuid.UUID]*message.Message),
		clientKeys:    make(map[string]uuid.UUID),
		unread:        make(map[string]int),
		proposals:     make(map[uuid.UUID]*proposal.Proposal),
		payouts:       make(map[uuid.UUID]*proposal.Payout),
		subs:          make(map[int]*subscriber),
	}
}

func (s *Store) Conversations() *ConversationRepository { return &ConversationRepository{s: s} }
func (s *Store) Messages() *MessageRepository           { return &MessageRepository{s: s} }
func (s *Store) Proposals() *ProposalRepository         { return &ProposalRepository{s: s} }
func (s *Store) Blocks() *BlockRepository               { return &BlockRepository{s: s} }

// Subscribe implements changefeed.Feed.
func (s *Store) Subscribe(ctx context.Context, filter changefeed.Filter) (<-chan changefeed.Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscriber{filter: filter, ch: make(chan changefeed.Change, subscriberBuffer)}
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	s.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		s.closeLocked(id, sub)
	}()
	return sub.ch, nil
}

// Publish implements changefeed.Publisher.
func (s *Store) Publish(ctx context.Context, c changefeed.Change) error {
	_ = ctx
	if c.At.IsZero() {
		c.At = clock.Now()
	}
	s.emit(c)
	return nil
}

// DropSubscribers closes every open subscription, as a lost connection would.
func (s *Store) DropSubscribers() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for id, sub := range s.subs {
		s.closeLocked(id, sub)
	}
}

func (s *Store) emit(changes ...changefeed.Change) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, c := range changes {
		for id, sub := range s.subs {
			if sub.closed || !sub.filter.Match(c) {
				continue
			}
			select {
			case sub.ch <- c:
			default:
				s.closeLocked(id, sub)
			}
		}
	}
}

func (s *Store) closeLocked(id int, sub *subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	delete(s.subs, id)
}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

func unreadKey(conversationID uuid.UUID, userID string) string {
	return conversationID.String() + "/" + userID
}

func clientKeyIndex(conversationID uuid.UUID, clientKey string) string {
	return conversationID.String() + "/" + clientKey
}
