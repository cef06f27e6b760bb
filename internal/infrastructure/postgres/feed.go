package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/gigmarket/gigmarket/internal/domain/changefeed"
)

// ErrFeedDown is returned by Subscribe while the listener is reconnecting.
var ErrFeedDown = errors.New("change feed is not connected")

const subscriberBuffer = 256

// Feed turns NOTIFY announcements into changefeed.Change values. One
// listening connection serves every subscriber. When that connection drops,
// all subscriptions are closed so their owners reconnect and back-fill.
type Feed struct {
	pool      *pgxpool.Pool
	messages  *MessageRepository
	proposals *ProposalRepository
	logger    zerolog.Logger

	mu      sync.Mutex
	up      bool
	subs    map[int]*subscriber
	nextSub int
}

type subscriber struct {
	filter changefeed.Filter
	ch     chan changefeed.Change
}

// NewFeed creates a feed. Run must be started for subscriptions to succeed.
func NewFeed(pool *pgxpool.Pool, logger zerolog.Logger) *Feed {
	return &Feed{
		pool:      pool,
		messages:  NewMessageRepository(pool),
		proposals: NewProposalRepository(pool),
		logger:    logger.With().Str("component", "pg_feed").Logger(),
		subs:      make(map[int]*subscriber),
	}
}

// Run listens until ctx ends, reconnecting with exponential backoff.
func (f *Feed) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	for {
		err := f.listen(ctx, b.Reset)
		if ctx.Err() != nil {
			return nil
		}
		wait := b.NextBackOff()
		f.logger.Warn().Err(err).Dur("retry_in", wait).Msg("change feed disconnected")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

func (f *Feed) listen(ctx context.Context, connected func()) error {
	pc, err := f.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn := pc.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+ChangesChannel); err != nil {
		return err
	}
	f.setUp(true)
	defer f.setUp(false)
	connected()
	f.logger.Info().Msg("change feed listening")

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var ev notification
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			f.logger.Warn().Err(err).Msg("ignoring malformed notification")
			continue
		}
		if !f.wanted(ev) {
			continue
		}
		change, err := f.resolve(ctx, ev)
		if err != nil {
			return fmt.Errorf("resolve %s %s: %w", ev.Collection, ev.RecordID, err)
		}
		if change != nil {
			f.emit(*change)
		}
	}
}

// resolve loads the record a notification points at. A record that no
// longer exists yields nil.
func (f *Feed) resolve(ctx context.Context, ev notification) (*changefeed.Change, error) {
	c := changefeed.Change{Op: ev.Op, Collection: ev.Collection, ConversationID: ev.ConversationID, At: ev.At}
	switch ev.Collection {
	case changefeed.CollectionTyping:
		c.Typing = ev.Typing
	case changefeed.CollectionMessages:
		m, err := f.messages.GetByID(ctx, ev.RecordID)
		if err != nil || m == nil {
			return nil, err
		}
		c.Message = m
	case changefeed.CollectionActivities:
		a, err := f.proposals.GetActivity(ctx, ev.RecordID)
		if err != nil || a == nil {
			return nil, err
		}
		c.Activity = a
	case changefeed.CollectionProposals:
		p, err := f.proposals.GetByID(ctx, ev.RecordID)
		if err != nil || p == nil {
			return nil, err
		}
		c.Proposal = p
	default:
		return nil, nil
	}
	return &c, nil
}

// Subscribe implements changefeed.Feed.
func (f *Feed) Subscribe(ctx context.Context, filter changefeed.Filter) (<-chan changefeed.Change, error) {
	f.mu.Lock()
	if !f.up {
		f.mu.Unlock()
		return nil, ErrFeedDown
	}
	sub := &subscriber{filter: filter, ch: make(chan changefeed.Change, subscriberBuffer)}
	id := f.nextSub
	f.nextSub++
	f.subs[id] = sub
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		f.closeLocked(id)
	}()
	return sub.ch, nil
}

// Publish implements changefeed.Publisher for typing signals.
func (f *Feed) Publish(ctx context.Context, c changefeed.Change) error {
	if c.Collection != changefeed.CollectionTyping {
		return fmt.Errorf("publish: %s changes are announced by their repository", c.Collection)
	}
	return notify(ctx, f.pool, notification{
		Op:             c.Op,
		Collection:     c.Collection,
		ConversationID: c.ConversationID,
		Typing:         c.Typing,
		At:             c.At,
	})
}

func (f *Feed) setUp(up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.up = up
	if !up {
		for id := range f.subs {
			f.closeLocked(id)
		}
	}
}

func (f *Feed) wanted(ev notification) bool {
	probe := changefeed.Change{Collection: ev.Collection, ConversationID: ev.ConversationID}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if sub.filter.Match(probe) {
			return true
		}
	}
	return false
}

func (f *Feed) emit(c changefeed.Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, sub := range f.subs {
		if !sub.filter.Match(c) {
			continue
		}
		select {
		case sub.ch <- c:
		default:
			f.logger.Warn().Int("subscriber", id).Msg("dropping lagging subscriber")
			f.closeLocked(id)
		}
	}
}

func (f *Feed) closeLocked(id int) {
	sub, ok := f.subs[id]
	if !ok {
		return
	}
	close(sub.ch)
	delete(f.subs, id)
}
