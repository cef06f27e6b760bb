package channel

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/gigmarket/gigmarket/internal/application/messaging"
	"github.com/gigmarket/gigmarket/internal/domain/apperr"
	"github.com/gigmarket/gigmarket/internal/domain/attachment"
	"github.com/gigmarket/gigmarket/internal/domain/block"
	"github.com/gigmarket/gigmarket/internal/domain/changefeed"
	"github.com/gigmarket/gigmarket/internal/domain/clock"
	"github.com/gigmarket/gigmarket/internal/domain/message"
	"github.com/gigmarket/gigmarket/internal/domain/moderation"
)

// Store is the authoritative message backend.
type Store interface {
	SendMessage(ctx context.Context, in messaging.SendInput) (*message.Message, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, viewerID string, before *message.Cursor, limit int) ([]*message.Message, error)
	MarkRead(ctx context.Context, conversationID uuid.UUID, readerID string) error
	SignalTyping(ctx context.Context, conversationID uuid.UUID, userID string) error
}

// VerdictSource supplies a verdict no older than its refresh interval.
type VerdictSource interface {
	Current(ctx context.Context) (block.Verdict, error)
}

// ErrAttachmentFailed is reported when the file upload failed but the text
// part of a send went through.
var ErrAttachmentFailed = errors.New("attachment upload failed")

// maxResyncPages bounds back-fill after a reconnect.
const maxResyncPages = 20

// Options tunes a channel.
type Options struct {
	PageSize       int
	TypingTTL      time.Duration
	TypingDebounce time.Duration
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 30
	}
	if o.TypingTTL <= 0 {
		o.TypingTTL = 4 * time.Second
	}
	if o.TypingDebounce <= 0 {
		o.TypingDebounce = 2 * time.Second
	}
	return o
}

// Channel is one participant's live view of one conversation's messages.
// Entries are ordered by creation time and keyed by a rendering key that
// survives reconciliation of a pending message.
type Channel struct {
	conversationID uuid.UUID
	actorID        string
	store          Store
	gate           VerdictSource
	uploader       attachment.Uploader
	moderator      moderation.Moderator
	opts           Options
	logger         zerolog.Logger
	now            func() time.Time

	loads singleflight.Group

	mu              sync.Mutex
	entries         []*message.Message
	byKey           map[string]*message.Message
	byID            map[uuid.UUID]*message.Message
	oldest          *message.Cursor
	hasMore         bool
	lastTypingSent  time.Time
	peerTypingUntil time.Time
}

// New creates an empty channel. uploader and moderator may be nil.
func New(
	conversationID uuid.UUID,
	actorID string,
	store Store,
	gate VerdictSource,
	uploader attachment.Uploader,
	moderator moderation.Moderator,
	opts Options,
	logger zerolog.Logger,
) *Channel {
	return &Channel{
		conversationID: conversationID,
		actorID:        actorID,
		store:          store,
		gate:           gate,
		uploader:       uploader,
		moderator:      moderator,
		opts:           opts.withDefaults(),
		logger:         logger.With().Str("component", "channel").Str("conversation_id", conversationID.String()).Logger(),
		now:            clock.Now,
		byKey:          make(map[string]*message.Message),
		byID:           make(map[uuid.UUID]*message.Message),
		hasMore:        true,
	}
}

// SendInput is what the user typed and picked.
type SendInput struct {
	Content string
	File    *attachment.File
}

// SendResult reports the reconciled message. AttachmentErr is set when the
// text went through without its file.
type SendResult struct {
	Message       *message.Message
	AttachmentErr error
}

// Send appends an optimistic entry and writes it to the store. Content is
// validated before the gate is consulted. Blocked, invalid and moderated sends never reach the store and leave no entry.
// A failed write keeps the entry visible as rejected.
func (c *Channel) Send(ctx context.Context, in SendInput) (*SendResult, error) {
	if err := message.ValidateContent(in.Content, in.File != nil); err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	verdict, err := c.gate.Current(ctx)
	if err != nil {
		return nil, err
	}
	if verdict.Blocked {
		return nil, apperr.Policy(verdict.Reason)
	}
	if err := c.moderate(ctx, in.Content); err != nil {
		return nil, err
	}

	pending := message.NewPending(c.conversationID, c.actorID, in.Content, nil)
	c.mu.Lock()
	c.insertLocked(pending)
	c.mu.Unlock()

	res := &SendResult{}
	var att *attachment.Attachment
	if in.File != nil {
		if c.uploader == nil {
			res.AttachmentErr = ErrAttachmentFailed
		} else if att, err = c.uploader.Upload(ctx, *in.File); err != nil {
			c.logger.Warn().Err(err).Str("file", in.File.Name).Msg("attachment upload failed")
			res.AttachmentErr = ErrAttachmentFailed
		}
		if res.AttachmentErr != nil && pending.Content == nil {
			c.reject(pending.ClientKey, ErrAttachmentFailed.Error())
			return nil, apperr.Transient(ErrAttachmentFailed)
		}
	}

	stored, err := c.store.SendMessage(ctx, messaging.SendInput{
		ConversationID: c.conversationID,
		SenderID:       c.actorID,
		Content:        in.Content,
		Attachment:     att,
		ClientKey:      pending.ClientKey,
	})
	if err != nil {
		if apperr.IsUserFacing(err) {
			c.discard(pending.ClientKey)
			return nil, err
		}
		c.reject(pending.ClientKey, apperr.Reason(apperr.Transient(err)))
		return nil, apperr.Transient(err)
	}

	res.Message = c.reconcile(stored)
	return res, nil
}

// Load fetches the newest page. It is used for the first render.
func (c *Channel) Load(ctx context.Context) error {
	page, err := c.store.ListMessages(ctx, c.conversationID, c.actorID, nil, c.opts.PageSize)
	if err != nil {
		return apperr.Transient(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mergePageLocked(page)
	c.hasMore = len(page) == c.opts.PageSize
	return nil
}

// LoadMore fetches the page before the oldest loaded message. Concurrent
// calls share one fetch and a page never yields duplicates.
func (c *Channel) LoadMore(ctx context.Context) (int, error) {
	v, err, _ := c.loads.Do("older", func() (interface{}, error) {
		c.mu.Lock()
		cursor, more := c.oldest, c.hasMore
		c.mu.Unlock()
		if !more {
			return 0, nil
		}
		page, err := c.store.ListMessages(ctx, c.conversationID, c.actorID, cursor, c.opts.PageSize)
		if err != nil {
			return 0, apperr.Transient(err)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		added := c.mergePageLocked(page)
		c.hasMore = len(page) == c.opts.PageSize
		return added, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// HasMore reports whether older messages may exist.
func (c *Channel) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasMore
}

// Resync back-fills everything committed while the feed was down. It pages
// backwards from the newest message until it overlaps what is loaded.
func (c *Channel) Resync(ctx context.Context) error {
	var before *message.Cursor
	for i := 0; i < maxResyncPages; i++ {
		page, err := c.store.ListMessages(ctx, c.conversationID, c.actorID, before, c.opts.PageSize)
		if err != nil {
			return apperr.Transient(err)
		}
		c.mu.Lock()
		overlap := len(page) < c.opts.PageSize || c.knownLocked(page[0])
		c.mergePageLocked(page)
		c.mu.Unlock()
		if overlap {
			return nil
		}
		before = message.CursorOf(page[0])
	}
	c.logger.Warn().Msg("resync stopped before reaching loaded history")
	return nil
}

// Apply folds one feed change into the view and reports whether it changed.
func (c *Channel) Apply(change changefeed.Change) bool {
	if change.ConversationID != c.conversationID {
		return false
	}
	switch change.Collection {
	case changefeed.CollectionMessages:
		if change.Message == nil {
			return false
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.upsertLocked(change.Message.Clone())
	case changefeed.CollectionTyping:
		if change.Typing == nil || change.Typing.UserID == c.actorID {
			return false
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.peerTypingUntil = c.now().Add(c.opts.TypingTTL)
		return true
	}
	return false
}

// MarkRead marks the other side's messages as read. Repeating it changes
// nothing.
func (c *Channel) MarkRead(ctx context.Context) error {
	if err := c.store.MarkRead(ctx, c.conversationID, c.actorID); err != nil {
		return err
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.entries {
		if m.SenderID != c.actorID && m.Status.CanTransitionTo(message.StatusRead) {
			_ = m.MarkRead(now)
		}
	}
	return nil
}

// OnTyping is called on every keystroke. Signals are sent at most once per
// debounce interval.
func (c *Channel) OnTyping(ctx context.Context) error {
	now := c.now()
	c.mu.Lock()
	if now.Sub(c.lastTypingSent) < c.opts.TypingDebounce {
		c.mu.Unlock()
		return nil
	}
	c.lastTypingSent = now
	c.mu.Unlock()
	return c.store.SignalTyping(ctx, c.conversationID, c.actorID)
}

// IsPeerTyping reports whether the other side typed within the TTL.
func (c *Channel) IsPeerTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Before(c.peerTypingUntil)
}

// Discard removes a rejected entry the user chose not to retry.
func (c *Channel) Discard(clientKey string) bool {
	c.mu.Lock()
	m, ok := c.byKey["message:"+clientKey]
	rejected := ok && m.Status == message.StatusRejected
	c.mu.Unlock()
	if !rejected {
		return false
	}
	c.discard(clientKey)
	return true
}

// Messages returns a snapshot of the loaded entries, oldest first.
func (c *Channel) Messages() []*message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*message.Message, len(c.entries))
	for i, m := range c.entries {
		out[i] = m.Clone()
	}
	return out
}

func (c *Channel) moderate(ctx context.Context, content string) error {
	if c.moderator == nil || content == "" {
		return nil
	}
	res, err := c.moderator.Moderate(ctx, content)
	if err != nil {
		return apperr.Transient(err)
	}
	if !res.Approved {
		reason := res.Reason
		if reason == "" {
			reason = "message was rejected by moderation"
		}
		return apperr.Policy(reason)
	}
	return nil
}

func (c *Channel) reconcile(stored *message.Message) *message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upsertLocked(stored.Clone())
	if m, ok := c.byID[stored.MessageID]; ok {
		return m.Clone()
	}
	return stored.Clone()
}

func (c *Channel) reject(clientKey, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.byKey["message:"+clientKey]; ok {
		_ = m.Reject(reason)
	}
}

func (c *Channel) discard(clientKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := "message:" + clientKey
	m, ok := c.byKey[key]
	if !ok {
		return
	}
	delete(c.byKey, key)
	for i, e := range c.entries {
		if e == m {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			break
		}
	}
}

func (c *Channel) knownLocked(m *message.Message) bool {
	_, ok := c.byID[m.MessageID]
	return ok
}

// mergePageLocked folds a page from the store in and returns how many new
// entries it added.
func (c *Channel) mergePageLocked(page []*message.Message) int {
	added := 0
	for _, m := range page {
		if c.upsertLocked(m.Clone()) {
			added++
		}
		if cur := message.CursorOf(m); c.oldest == nil || c.oldest.Precedes(m) {
			c.oldest = cur
		}
	}
	return added
}

// upsertLocked inserts m or merges it into the entry with the same durable
// id or client key. It returns true only when a new entry was inserted.
func (c *Channel) upsertLocked(m *message.Message) bool {
	if existing, ok := c.byID[m.MessageID]; ok && m.MessageID != uuid.Nil {
		existing.Merge(m)
		return false
	}
	if m.ClientKey != "" {
		if existing, ok := c.byKey["message:"+m.ClientKey]; ok {
			wasPending := existing.MessageID == uuid.Nil
			existing.Merge(m)
			if m.MessageID != uuid.Nil {
				c.byID[m.MessageID] = existing
			}
			if wasPending {
				c.resortLocked()
			}
			return false
		}
	}
	c.insertLocked(m)
	return true
}

func (c *Channel) insertLocked(m *message.Message) {
	c.byKey[m.Key()] = m
	if m.MessageID != uuid.Nil {
		c.byID[m.MessageID] = m
	}
	i := sort.Search(len(c.entries), func(i int) bool { return before(m, c.entries[i]) })
	c.entries = append(c.entries, nil)
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = m
}

func (c *Channel) resortLocked() {
	sort.SliceStable(c.entries, func(i, j int) bool { return before(c.entries[i], c.entries[j]) })
}

func before(a, b *message.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Key() < b.Key()
}
