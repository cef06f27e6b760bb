package memstore

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigmarket/gigmarket/internal/domain/changefeed"
	"github.com/gigmarket/gigmarket/internal/domain/message"
	"github.com/gigmarket/gigmarket/internal/domain/proposal"
)

func TestMessageRepository_CreateIsIdempotentPerClientKey(t *testing.T) {
	ctx := context.Background()
	repo := New().Messages()
	convID := uuid.New()

	m := message.NewPending(convID, "alice", "hi", nil)
	retry := m.Clone()
	require.NoError(t, repo.Create(ctx, m))
	require.NoError(t, repo.Create(ctx, retry))

	assert.Equal(t, m.MessageID, retry.MessageID)
	assert.Equal(t, message.StatusSent, retry.Status)
	n, err := repo.CountInConversation(ctx, convID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMessageRepository_ListBefore(t *testing.T) {
	ctx := context.Background()
	repo := New().Messages()
	convID := uuid.New()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		m := message.NewPending(convID, "alice", "m", nil)
		m.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, repo.Create(ctx, m))
	}

	newest, err := repo.ListBefore(ctx, convID, nil, 3)
	require.NoError(t, err)
	require.Len(t, newest, 3)
	assert.True(t, newest[0].CreatedAt.Before(newest[2].CreatedAt))
	assert.Equal(t, base.Add(4*time.Second), newest[2].CreatedAt)

	older, err := repo.ListBefore(ctx, convID, message.CursorOf(newest[0]), 3)
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, base, older[0].CreatedAt)
}

func TestMessageRepository_MarkRead(t *testing.T) {
	ctx := context.Background()
	repo := New().Messages()
	convID := uuid.New()

	require.NoError(t, repo.Create(ctx, message.NewPending(convID, "alice", "one", nil)))
	require.NoError(t, repo.Create(ctx, message.NewPending(convID, "bob", "two", nil)))

	n, err := repo.MarkRead(ctx, convID, "bob", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = repo.MarkRead(ctx, convID, "bob", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestProposalRepository_ApplyChecksVersion(t *testing.T) {
	ctx := context.Background()
	repo := New().Proposals()
	now := time.Now().UTC()

	p, err := proposal.New(nil, "owner", "free", 1000, 7, "", now)
	require.NoError(t, err)
	convID := uuid.New()
	change := proposal.Change{Type: proposal.ActivityProposalSubmitted}
	require.NoError(t, repo.Create(ctx, p, proposal.NewActivity(p, convID, change, "free", "", now)))

	first := p.Clone()
	c, err := first.Counter(proposal.PartyOwner, 900, 0, now)
	require.NoError(t, err)
	require.NoError(t, repo.Apply(ctx, &proposal.Transition{
		Proposal:        first,
		ExpectedVersion: p.Version,
		Activity:        proposal.NewActivity(first, convID, c, "owner", "", now),
	}))

	stale := p.Clone()
	a, err := stale.Accept(proposal.PartyOwner, now)
	require.NoError(t, err)
	err = repo.Apply(ctx, &proposal.Transition{
		Proposal:        stale,
		ExpectedVersion: p.Version,
		Activity:        proposal.NewActivity(stale, convID, a, "owner", "", now),
	})
	assert.ErrorIs(t, err, proposal.ErrVersionConflict)

	stored, err := repo.GetByID(ctx, p.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusPending, stored.Status)
	assert.Equal(t, int64(900), stored.CurrentProposalAmount)

	acts, err := repo.ListActivities(ctx, convID)
	require.NoError(t, err)
	assert.Len(t, acts, 2)
}

func TestProposalRepository_ListDueReleasesResumesAfterCursor(t *testing.T) {
	ctx := context.Background()
	repo := New().Proposals()
	now := time.Now().UTC()

	deadline := now.Add(-time.Hour)
	var ids []uuid.UUID
	for i := 0; i < 4; i++ {
		p, err := proposal.New(nil, "owner", "free", 1000, 7, "", now)
		require.NoError(t, err)
		p.Status = proposal.StatusAccepted
		p.AwaitingAcceptanceFrom = nil
		p.PaymentStatus = proposal.PaymentPaidEscrow
		p.WorkStatus = proposal.WorkFreelancerCompleted
		d := deadline
		if i == 3 {
			d = now.Add(time.Hour)
		}
		p.OwnerConfirmationDeadline = &d
		change := proposal.Change{Type: proposal.ActivityProposalSubmitted}
		require.NoError(t, repo.Create(ctx, p, proposal.NewActivity(p, uuid.New(), change, "free", "", now)))
		ids = append(ids, p.ProposalID)
	}

	var seen []uuid.UUID
	var after *proposal.DueCursor
	for {
		due, err := repo.ListDueReleases(ctx, now, after, 2)
		require.NoError(t, err)
		for _, p := range due {
			seen = append(seen, p.ProposalID)
		}
		if len(due) < 2 {
			break
		}
		after = proposal.CursorOf(due[len(due)-1])
	}
	assert.ElementsMatch(t, ids[:3], seen)
	for i := 1; i < len(seen); i++ {
		assert.Equal(t, -1, bytes.Compare(seen[i-1][:], seen[i][:]), "equal deadlines order by id")
	}
}

func TestStore_SubscribeDeliversOwnWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New()
	convID := uuid.New()

	ch, err := s.Subscribe(ctx, changefeed.Filter{ConversationID: &convID})
	require.NoError(t, err)

	require.NoError(t, s.Messages().Create(ctx, message.NewPending(uuid.New(), "x", "elsewhere", nil)))
	m := message.NewPending(convID, "alice", "hi", nil)
	require.NoError(t, s.Messages().Create(ctx, m))

	select {
	case c := <-ch:
		assert.Equal(t, changefeed.OpInsert, c.Op)
		require.NotNil(t, c.Message)
		assert.Equal(t, m.MessageID, c.Message.MessageID)
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}

	s.DropSubscribers()
	_, open := <-ch
	assert.False(t, open)
}
