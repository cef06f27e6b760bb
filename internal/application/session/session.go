package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gigmarket/gigmarket/internal/application/channel"
	"github.com/gigmarket/gigmarket/internal/application/gate"
	"github.com/gigmarket/gigmarket/internal/application/negotiation"
	"github.com/gigmarket/gigmarket/internal/application/timeline"
	"github.com/gigmarket/gigmarket/internal/domain/apperr"
	"github.com/gigmarket/gigmarket/internal/domain/attachment"
	"github.com/gigmarket/gigmarket/internal/domain/block"
	"github.com/gigmarket/gigmarket/internal/domain/changefeed"
	"github.com/gigmarket/gigmarket/internal/domain/conversation"
	"github.com/gigmarket/gigmarket/internal/domain/moderation"
	"github.com/gigmarket/gigmarket/internal/domain/proposal"
)

var errNoProposal = errors.New("this conversation has no proposal")

// ConversationReader resolves a conversation for a participant.
type ConversationReader interface {
	GetConversation(ctx context.Context, conversationID uuid.UUID, viewerID string) (*conversation.Conversation, error)
}

// Negotiator runs proposal transitions.
type Negotiator interface {
	Counter(ctx context.Context, in negotiation.CounterInput) (*negotiation.Result, error)
	Accept(ctx context.Context, in negotiation.ActionInput) (*negotiation.Result, error)
	Reject(ctx context.Context, in negotiation.ActionInput) (*negotiation.Result, error)
	Unlock(ctx context.Context, in negotiation.ActionInput) (*negotiation.Result, error)
	MarkFreelancerCompleted(ctx context.Context, in negotiation.ActionInput) (*negotiation.Result, error)
	ConfirmCompletion(ctx context.Context, in negotiation.ActionInput) (*negotiation.Result, error)
	OpenDispute(ctx context.Context, in negotiation.DisputeInput) (*negotiation.Result, error)
	GetProposal(ctx context.Context, proposalID uuid.UUID, actorID string) (*proposal.Proposal, error)
	ListActivities(ctx context.Context, conversationID uuid.UUID) ([]*proposal.Activity, error)
}

// Deps are the collaborators of a session.
type Deps struct {
	Store         channel.Store
	Conversations ConversationReader
	Negotiator    Negotiator
	Gate          gate.Checker
	Feed          changefeed.Feed
	Uploader      attachment.Uploader
	Moderator     moderation.Moderator
	Logger        zerolog.Logger
}

// Options tunes a session.
type Options struct {
	Channel      channel.Options
	GateInterval time.Duration
	// ReconnectMaxElapsed bounds how long the session keeps trying to
	// re-subscribe before Run gives up.
	ReconnectMaxElapsed time.Duration
}

// Controller is one participant's live view of one conversation. It
// composes the message channel, the access gate and the negotiation
// history into a single timeline and exposes the user's commands.
type Controller struct {
	conv       *conversation.Conversation
	actorID    string
	channel    *channel.Channel
	watcher    *gate.Watcher
	negotiator Negotiator
	feed       changefeed.Feed
	opts       Options
	logger     zerolog.Logger

	mu         sync.Mutex
	proposal   *proposal.Proposal
	activities []*proposal.Activity
	seen       map[uuid.UUID]bool
	merger     timeline.Merger

	updates chan struct{}
}

// Open resolves the conversation and loads the first page, the history,
// the proposal and the verdict in parallel.
func Open(ctx context.Context, conversationID uuid.UUID, actorID string, deps Deps, opts Options) (*Controller, error) {
	conv, err := deps.Conversations.GetConversation(ctx, conversationID, actorID)
	if err != nil {
		return nil, err
	}
	if opts.ReconnectMaxElapsed <= 0 {
		opts.ReconnectMaxElapsed = 15 * time.Minute
	}

	logger := deps.Logger.With().Str("component", "session").Str("conversation_id", conversationID.String()).Logger()
	watcher := gate.NewWatcher(deps.Gate, actorID, conversationID, opts.GateInterval, deps.Logger)
	c := &Controller{
		conv:       conv,
		actorID:    actorID,
		channel:    channel.New(conversationID, actorID, deps.Store, watcher, deps.Uploader, deps.Moderator, opts.Channel, deps.Logger),
		watcher:    watcher,
		negotiator: deps.Negotiator,
		feed:       deps.Feed,
		opts:       opts,
		logger:     logger,
		seen:       make(map[uuid.UUID]bool),
		updates:    make(chan struct{}, 1),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.channel.Load(gctx) })
	g.Go(func() error {
		_, err := c.watcher.Refresh(gctx)
		return err
	})
	g.Go(func() error { return c.reloadHistory(gctx) })
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return c, nil
}

// Run follows the change feed until ctx ends. A dropped subscription is
// re-established with exponential backoff and followed by a back-fill.
func (c *Controller) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.watcher.Run(gctx, func(block.Verdict) { c.notify() })
		return nil
	})
	g.Go(func() error { return c.follow(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Controller) follow(ctx context.Context) error {
	filter := changefeed.Filter{ConversationID: &c.conv.ConversationID}
	first := true
	for {
		var unsubscribe context.CancelFunc
		sub, err := backoff.Retry(ctx, func() (<-chan changefeed.Change, error) {
			subCtx, cancel := context.WithCancel(ctx)
			ch, err := c.feed.Subscribe(subCtx, filter)
			if err != nil {
				cancel()
				return nil, err
			}
			if err := c.resync(ctx); err != nil {
				cancel()
				if apperr.IsUserFacing(err) {
					return nil, backoff.Permanent(err)
				}
				return nil, err
			}
			unsubscribe = cancel
			return ch, nil
		},
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxElapsedTime(c.opts.ReconnectMaxElapsed),
			backoff.WithNotify(func(err error, next time.Duration) {
				c.logger.Warn().Err(err).Dur("retry_in", next).Msg("change feed unavailable")
			}),
		)
		if err != nil {
			return err
		}
		if !first {
			c.logger.Info().Msg("change feed reconnected")
		}
		first = false

		for change := range sub {
			c.Apply(change)
		}
		unsubscribe()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn().Msg("change feed dropped")
	}
}

// resync back-fills messages and history after (re)subscribing. Records
// seen on both paths are deduplicated by id.
func (c *Controller) resync(ctx context.Context) error {
	if err := c.channel.Resync(ctx); err != nil {
		return err
	}
	if err := c.reloadHistory(ctx); err != nil {
		return err
	}
	c.notify()
	return nil
}

func (c *Controller) reloadHistory(ctx context.Context) error {
	acts, err := c.negotiator.ListActivities(ctx, c.conv.ConversationID)
	if err != nil {
		return err
	}
	var p *proposal.Proposal
	if c.conv.ProposalID != nil {
		if p, err = c.negotiator.GetProposal(ctx, *c.conv.ProposalID, c.actorID); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range acts {
		c.addActivityLocked(a)
	}
	c.setProposalLocked(p)
	return nil
}

// Apply folds one feed change into the session.
func (c *Controller) Apply(change changefeed.Change) {
	changed := false
	switch change.Collection {
	case changefeed.CollectionMessages, changefeed.CollectionTyping:
		changed = c.channel.Apply(change)
	case changefeed.CollectionActivities:
		if change.Activity != nil {
			c.mu.Lock()
			changed = c.addActivityLocked(change.Activity)
			c.mu.Unlock()
		}
	case changefeed.CollectionProposals:
		if change.Proposal != nil {
			c.mu.Lock()
			changed = c.setProposalLocked(change.Proposal)
			c.mu.Unlock()
		}
	}
	if changed {
		c.notify()
	}
}

// Updates signals that the timeline, the verdict or typing state may have
// changed. Signals coalesce.
func (c *Controller) Updates() <-chan struct{} {
	return c.updates
}

// Timeline returns the merged view. Unchanged entries keep their identity
// across calls.
func (c *Controller) Timeline() []*timeline.Entry {
	msgs := c.channel.Messages()
	c.mu.Lock()
	defer c.mu.Unlock()
	acts := make([]*proposal.Activity, len(c.activities))
	copy(acts, c.activities)
	entries, _ := c.merger.Merge(msgs, acts, timeline.Viewer{ActorID: c.actorID, Proposal: c.proposal})
	return entries
}

// Conversation returns the conversation this session follows.
func (c *Controller) Conversation() *conversation.Conversation {
	return c.conv
}

// Proposal returns the latest known proposal state or nil.
func (c *Controller) Proposal() *proposal.Proposal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proposal == nil {
		return nil
	}
	return c.proposal.Clone()
}

// Verdict returns the cached send permission.
func (c *Controller) Verdict() block.Verdict {
	return c.watcher.Verdict()
}

// IsPeerTyping reports whether the other side is typing.
func (c *Controller) IsPeerTyping() bool {
	return c.channel.IsPeerTyping()
}

// Send posts a message.
func (c *Controller) Send(ctx context.Context, content string, file *attachment.File) (*channel.SendResult, error) {
	res, err := c.channel.Send(ctx, channel.SendInput{Content: content, File: file})
	c.notify()
	return res, err
}

// LoadMore loads the previous page.
func (c *Controller) LoadMore(ctx context.Context) (int, error) {
	n, err := c.channel.LoadMore(ctx)
	if n > 0 {
		c.notify()
	}
	return n, err
}

// MarkRead marks the other side's messages as read.
func (c *Controller) MarkRead(ctx context.Context) error {
	return c.channel.MarkRead(ctx)
}

// Typing reports a keystroke.
func (c *Controller) Typing(ctx context.Context) error {
	return c.channel.OnTyping(ctx)
}

// Counter puts a counter-offer on the table.
func (c *Controller) Counter(ctx context.Context, amount int64, deliveryDays int, msg string) (*negotiation.Result, error) {
	id, err := c.proposalID()
	if err != nil {
		return nil, err
	}
	return c.absorb(c.negotiator.Counter(ctx, negotiation.CounterInput{
		ProposalID: id, ActorID: c.actorID, Amount: amount, DeliveryDays: deliveryDays, Message: msg,
	}))
}

// Accept takes the offer on the table.
func (c *Controller) Accept(ctx context.Context) (*negotiation.Result, error) {
	return c.action(ctx, c.negotiator.Accept)
}

// Reject declines the offer on the table.
func (c *Controller) Reject(ctx context.Context) (*negotiation.Result, error) {
	return c.action(ctx, c.negotiator.Reject)
}

// Unlock lets the freelancer reply.
func (c *Controller) Unlock(ctx context.Context) (*negotiation.Result, error) {
	return c.action(ctx, c.negotiator.Unlock)
}

// MarkCompleted reports delivered work.
func (c *Controller) MarkCompleted(ctx context.Context) (*negotiation.Result, error) {
	return c.action(ctx, c.negotiator.MarkFreelancerCompleted)
}

// ConfirmCompletion releases the escrow.
func (c *Controller) ConfirmCompletion(ctx context.Context) (*negotiation.Result, error) {
	return c.action(ctx, c.negotiator.ConfirmCompletion)
}

// OpenDispute freezes the proposal.
func (c *Controller) OpenDispute(ctx context.Context, reason string) (*negotiation.Result, error) {
	id, err := c.proposalID()
	if err != nil {
		return nil, err
	}
	return c.absorb(c.negotiator.OpenDispute(ctx, negotiation.DisputeInput{ProposalID: id, ActorID: c.actorID, Reason: reason}))
}

func (c *Controller) action(ctx context.Context, fn func(context.Context, negotiation.ActionInput) (*negotiation.Result, error)) (*negotiation.Result, error) {
	id, err := c.proposalID()
	if err != nil {
		return nil, err
	}
	return c.absorb(fn(ctx, negotiation.ActionInput{ProposalID: id, ActorID: c.actorID}))
}

// absorb applies a transition result locally so the view does not wait for
// the feed echo.
func (c *Controller) absorb(res *negotiation.Result, err error) (*negotiation.Result, error) {
	if err != nil {
		if !apperr.IsUserFacing(err) {
			c.logger.Warn().Err(err).Msg("negotiation command failed")
		}
		return nil, err
	}
	c.mu.Lock()
	if res.Activity != nil {
		c.addActivityLocked(res.Activity)
	}
	c.setProposalLocked(res.Proposal)
	c.mu.Unlock()
	c.notify()
	return res, nil
}

func (c *Controller) proposalID() (uuid.UUID, error) {
	if c.conv.ProposalID == nil {
		return uuid.Nil, apperr.PolicyFrom(errNoProposal)
	}
	return *c.conv.ProposalID, nil
}

func (c *Controller) addActivityLocked(a *proposal.Activity) bool {
	if a.ConversationID != c.conv.ConversationID || c.seen[a.ActivityID] {
		return false
	}
	cp := *a
	c.seen[a.ActivityID] = true
	i := sort.Search(len(c.activities), func(i int) bool { return cp.CreatedAt.Before(c.activities[i].CreatedAt) })
	c.activities = append(c.activities, nil)
	copy(c.activities[i+1:], c.activities[i:])
	c.activities[i] = &cp
	return true
}

// setProposalLocked keeps the newest version only.
func (c *Controller) setProposalLocked(p *proposal.Proposal) bool {
	if p == nil {
		return false
	}
	if c.conv.ProposalID == nil || p.ProposalID != *c.conv.ProposalID {
		return false
	}
	if c.proposal != nil && p.Version <= c.proposal.Version {
		return false
	}
	c.proposal = p.Clone()
	return true
}

func (c *Controller) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}
