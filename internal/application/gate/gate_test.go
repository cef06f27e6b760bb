package gate

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigmarket/gigmarket/internal/domain/apperr"
	"github.com/gigmarket/gigmarket/internal/domain/block"
	"github.com/gigmarket/gigmarket/internal/domain/conversation"
	"github.com/gigmarket/gigmarket/internal/domain/message"
	"github.com/gigmarket/gigmarket/internal/domain/proposal"
	"github.com/gigmarket/gigmarket/internal/infrastructure/memstore"
)

type fixture struct {
	store *memstore.Store
	svc   *Service
	conv  *conversation.Conversation
	prop  *proposal.Proposal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	limiter, err := NewSpamLimiter(DefaultSpamPolicy(), store.Blocks(), store.Messages(), zerolog.Nop())
	require.NoError(t, err)

	p, err := proposal.New(nil, "owner", "free", 1000, 5, "hello", time.Now().UTC())
	require.NoError(t, err)
	conv := conversation.New(conversation.TypeProposal, "free", "owner", &p.ProposalID)
	require.NoError(t, store.Conversations().Create(ctx, conv))
	submitted := proposal.NewActivity(p, conv.ConversationID, proposal.Change{Type: proposal.ActivityProposalSubmitted}, "free", "", time.Now().UTC())
	require.NoError(t, store.Proposals().Create(ctx, p, submitted))

	svc := NewService(store.Blocks(), store.Conversations(), store.Messages(), store.Proposals(), limiter, zerolog.Nop())
	return &fixture{store: store, svc: svc, conv: conv, prop: p}
}

func TestCheck_FreelancerGatedUntilOwnerWrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	v, err := f.svc.Check(ctx, "free", f.conv.ConversationID)
	require.NoError(t, err)
	assert.True(t, v.Blocked)
	assert.Equal(t, block.SourceUnlock, v.Source)

	v, err = f.svc.Check(ctx, "owner", f.conv.ConversationID)
	require.NoError(t, err)
	assert.False(t, v.Blocked)

	require.NoError(t, f.store.Messages().Create(ctx, message.NewPending(f.conv.ConversationID, "owner", "hi there", nil)))
	v, err = f.svc.Check(ctx, "free", f.conv.ConversationID)
	require.NoError(t, err)
	assert.False(t, v.Blocked)
}

func TestCheck_PlatformBlockWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Block(ctx, "free", 0, "")
	require.NoError(t, err)
	require.NoError(t, f.store.Blocks().Create(ctx, block.NewTimed("free", block.ScopeSpam, time.Minute, "", time.Now().UTC())))

	v, err := f.svc.Check(ctx, "free", f.conv.ConversationID)
	require.NoError(t, err)
	assert.True(t, v.Blocked)
	assert.Equal(t, block.SourcePlatform, v.Source)
	assert.Equal(t, block.ReasonPermanent, v.Reason)
	assert.Nil(t, v.BlockedUntil)
}

func TestCheck_NonParticipant(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Check(context.Background(), "mallory", f.conv.ConversationID)
	assert.ErrorIs(t, err, apperr.ErrPolicy)
	assert.ErrorIs(t, err, conversation.ErrNotParticipant)

	_, err = f.svc.Check(context.Background(), "owner", uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSpamLimiter_BlocksDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, f.store.Messages().Create(ctx, message.NewPending(f.conv.ConversationID, "owner", "buy now", nil)))
	}
	status, err := f.svc.RecordSend(ctx, "owner", "buy now")
	require.NoError(t, err)
	assert.True(t, status.Blocked)
	assert.InDelta(t, 120, status.RemainingSeconds, 1)

	v, err := f.svc.Check(ctx, "owner", f.conv.ConversationID)
	require.NoError(t, err)
	assert.True(t, v.Blocked)
	assert.Equal(t, block.SourceSpam, v.Source)
	require.NotNil(t, v.BlockedUntil)
}

func TestSpamLimiter_UnderThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.store.Messages().Create(ctx, message.NewPending(f.conv.ConversationID, "owner", "one", nil)))
	status, err := f.svc.RecordSend(ctx, "owner", "one")
	require.NoError(t, err)
	assert.False(t, status.Blocked)
}

func TestLoadSpamPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spam.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rule: sent_in_window > 3\nblock_for: 30s\n"), 0o600))

	policy, err := LoadSpamPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, "sent_in_window > 3", policy.Rule)
	assert.Equal(t, 30*time.Second, policy.BlockFor)
	assert.Equal(t, time.Minute, policy.Window)

	_, err = NewSpamLimiter(SpamPolicy{Rule: "((", Window: time.Minute, BlockFor: time.Minute}, nil, nil, zerolog.Nop())
	assert.Error(t, err)
}

type countingChecker struct {
	calls   atomic.Int32
	verdict block.Verdict
}

func (c *countingChecker) Check(ctx context.Context, actorID string, conversationID uuid.UUID) (block.Verdict, error) {
	c.calls.Add(1)
	return c.verdict, nil
}

func TestWatcher_CurrentServesFreshCache(t *testing.T) {
	ctx := context.Background()
	checker := &countingChecker{verdict: block.Verdict{Blocked: true, Source: block.SourceSpam}}
	w := NewWatcher(checker, "u", uuid.New(), time.Minute, zerolog.Nop())

	clock := time.Now()
	w.now = func() time.Time { return clock }

	v, err := w.Current(ctx)
	require.NoError(t, err)
	assert.True(t, v.Blocked)
	_, err = w.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), checker.calls.Load())

	clock = clock.Add(2 * time.Minute)
	_, err = w.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), checker.calls.Load())
}

func TestWatcher_RunReportsChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	checker := &countingChecker{verdict: block.Verdict{Blocked: true, Source: block.SourcePlatform}}
	w := NewWatcher(checker, "u", uuid.New(), 10*time.Millisecond, zerolog.Nop())

	changes := make(chan block.Verdict, 4)
	go w.Run(ctx, func(v block.Verdict) { changes <- v })

	select {
	case v := <-changes:
		assert.Equal(t, block.SourcePlatform, v.Source)
	case <-time.After(time.Second):
		t.Fatal("no verdict change reported")
	}
}
