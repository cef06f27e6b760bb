package negotiation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/gigmarket/gigmarket/internal/domain/apperr"
	"github.com/gigmarket/gigmarket/internal/domain/moderation"
	modmocks "github.com/gigmarket/gigmarket/internal/domain/moderation/mocks"
	"github.com/gigmarket/gigmarket/internal/domain/payment"
	paymocks "github.com/gigmarket/gigmarket/internal/domain/payment/mocks"
	"github.com/gigmarket/gigmarket/internal/domain/proposal"
	"github.com/gigmarket/gigmarket/internal/infrastructure/memstore"
)

const (
	owner      = "owner-1"
	freelancer = "free-1"
)

type harness struct {
	store     *memstore.Store
	svc       *Service
	moderator *modmocks.MockModerator
	gateway   *paymocks.MockGateway
	clock     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)
	h := &harness{
		store:     memstore.New(),
		moderator: modmocks.NewMockModerator(ctrl),
		gateway:   paymocks.NewMockGateway(ctrl),
		clock:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.svc = NewService(h.store.Proposals(), h.store.Conversations(), h.moderator, h.gateway, zerolog.Nop())
	h.svc.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) approveAll() {
	h.moderator.EXPECT().Moderate(gomock.Any(), gomock.Any()).Return(moderation.Result{Approved: true}, nil).AnyTimes()
}

func (h *harness) submit(t *testing.T) *SubmitResult {
	t.Helper()
	res, err := h.svc.Submit(context.Background(), SubmitInput{
		OwnerID:      owner,
		FreelancerID: freelancer,
		Budget:       1000,
		DeliveryDays: 10,
		CoverLetter:  "I can build this",
	})
	require.NoError(t, err)
	return res
}

func (h *harness) activityTypes(t *testing.T, conversationID uuid.UUID) []proposal.ActivityType {
	t.Helper()
	acts, err := h.svc.ListActivities(context.Background(), conversationID)
	require.NoError(t, err)
	out := make([]proposal.ActivityType, 0, len(acts))
	for _, a := range acts {
		out = append(out, a.Type)
	}
	return out
}

func TestSubmit(t *testing.T) {
	h := newHarness(t)
	h.approveAll()
	res := h.submit(t)

	assert.Equal(t, proposal.StatusPending, res.Proposal.Status)
	assert.True(t, res.Proposal.IsAwaiting(proposal.PartyOwner))
	assert.Nil(t, res.Proposal.CurrentProposalBy)
	require.NotNil(t, res.Conversation.ProposalID)
	assert.Equal(t, res.Proposal.ProposalID, *res.Conversation.ProposalID)
	assert.Equal(t, []proposal.ActivityType{proposal.ActivityProposalSubmitted}, h.activityTypes(t, res.Conversation.ConversationID))

	_, err := h.svc.Submit(context.Background(), SubmitInput{OwnerID: owner, FreelancerID: freelancer})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestFullLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.approveAll()
	sub := h.submit(t)
	id := sub.Proposal.ProposalID

	res, err := h.svc.Counter(ctx, CounterInput{ProposalID: id, ActorID: owner, Amount: 800, Message: "can you do 800?"})
	require.NoError(t, err)
	assert.Equal(t, int64(800), res.Proposal.CurrentProposalAmount)
	assert.True(t, res.Proposal.IsAwaiting(proposal.PartyFreelancer))

	res, err = h.svc.Accept(ctx, ActionInput{ProposalID: id, ActorID: freelancer})
	require.NoError(t, err)
	assert.True(t, res.PaymentRequired)
	assert.Equal(t, proposal.StatusAccepted, res.Proposal.Status)
	assert.Nil(t, res.Proposal.AwaitingAcceptanceFrom)

	h.gateway.EXPECT().
		InitiateCheckout(gomock.Any(), payment.Checkout{ProposalID: id, PayerID: owner, Amount: 800}).
		Return("https://pay.example/checkout/1", nil)
	url, err := h.svc.InitiateCheckout(ctx, ActionInput{ProposalID: id, ActorID: owner})
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example/checkout/1", url)

	res, err = h.svc.HandleCapture(ctx, payment.CaptureEvent{EventID: "evt_1", ProposalID: id, Amount: 800, Status: payment.CaptureSucceeded})
	require.NoError(t, err)
	assert.Equal(t, proposal.PaymentPaidEscrow, res.Proposal.PaymentStatus)
	assert.Equal(t, proposal.WorkInProgress, res.Proposal.WorkStatus)

	res, err = h.svc.HandleCapture(ctx, payment.CaptureEvent{EventID: "evt_1", ProposalID: id, Amount: 800, Status: payment.CaptureSucceeded})
	require.NoError(t, err)
	assert.True(t, res.AlreadyProcessed)

	res, err = h.svc.MarkFreelancerCompleted(ctx, ActionInput{ProposalID: id, ActorID: freelancer})
	require.NoError(t, err)
	require.NotNil(t, res.Proposal.OwnerConfirmationDeadline)
	assert.Equal(t, h.clock.Add(proposal.ConfirmationWindow), *res.Proposal.OwnerConfirmationDeadline)

	res, err = h.svc.ConfirmCompletion(ctx, ActionInput{ProposalID: id, ActorID: owner})
	require.NoError(t, err)
	assert.False(t, res.AlreadyProcessed)
	assert.Equal(t, proposal.WorkCompleted, res.Proposal.WorkStatus)
	assert.Equal(t, proposal.PaymentCaptured, res.Proposal.PaymentStatus)

	res, err = h.svc.ConfirmCompletion(ctx, ActionInput{ProposalID: id, ActorID: owner})
	require.NoError(t, err)
	assert.True(t, res.AlreadyProcessed)

	payout, err := h.store.Proposals().GetPayout(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, payout)
	assert.Equal(t, int64(800), payout.Amount)
	assert.Equal(t, proposal.ReleasedByOwner, payout.ReleasedBy)

	assert.Equal(t, []proposal.ActivityType{
		proposal.ActivityProposalSubmitted,
		proposal.ActivityCounterProposal,
		proposal.ActivityAccepted,
		proposal.ActivityPaymentMade,
		proposal.ActivityFreelancerCompleted,
		proposal.ActivityCompleted,
	}, h.activityTypes(t, sub.Conversation.ConversationID))

	rounds, err := h.svc.ListCounterProposals(ctx, id, freelancer)
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	assert.Equal(t, owner, rounds[0].FromID)
	assert.Equal(t, freelancer, rounds[0].ToID)
}

func TestCounter_Validation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.moderator.EXPECT().Moderate(gomock.Any(), "I can build this").Return(moderation.Result{Approved: true}, nil)
	sub := h.submit(t)

	_, err := h.svc.Counter(ctx, CounterInput{ProposalID: sub.Proposal.ProposalID, ActorID: owner, Amount: 0, Message: "x"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = h.svc.Counter(ctx, CounterInput{ProposalID: sub.Proposal.ProposalID, ActorID: owner, Amount: 500, Message: "  "})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCounter_ModerationRejectionLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.moderator.EXPECT().Moderate(gomock.Any(), "I can build this").Return(moderation.Result{Approved: true}, nil)
	sub := h.submit(t)

	h.moderator.EXPECT().
		Moderate(gomock.Any(), "email me at x@y.z").
		Return(moderation.Result{Approved: false, Reason: "sharing contact details is not allowed"}, nil)

	_, err := h.svc.Counter(ctx, CounterInput{ProposalID: sub.Proposal.ProposalID, ActorID: owner, Amount: 500, Message: "email me at x@y.z"})
	assert.ErrorIs(t, err, apperr.ErrPolicy)
	assert.Equal(t, "sharing contact details is not allowed", apperr.Reason(err))

	p, err := h.svc.GetProposal(ctx, sub.Proposal.ProposalID, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), p.CurrentProposalAmount)
	assert.Equal(t, sub.Proposal.Version, p.Version)
}

func TestCounter_NotYourTurn(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.approveAll()
	sub := h.submit(t)

	_, err := h.svc.Counter(ctx, CounterInput{ProposalID: sub.Proposal.ProposalID, ActorID: freelancer, Amount: 1200, Message: "actually more"})
	assert.ErrorIs(t, err, apperr.ErrPolicy)
	assert.ErrorIs(t, err, proposal.ErrNotYourTurn)

	_, err = h.svc.Counter(ctx, CounterInput{ProposalID: sub.Proposal.ProposalID, ActorID: "stranger", Amount: 1200, Message: "hi"})
	assert.ErrorIs(t, err, proposal.ErrNotParticipant)
}

// racingRepository runs a competing transition right before the first Apply.
type racingRepository struct {
	proposal.Repository
	race func()
	done bool
}

func (r *racingRepository) Apply(ctx context.Context, t *proposal.Transition) error {
	if !r.done {
		r.done = true
		r.race()
	}
	return r.Repository.Apply(ctx, t)
}

func TestAccept_LosesRaceToCounter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.approveAll()
	sub := h.submit(t)
	id := sub.Proposal.ProposalID

	_, err := h.svc.Counter(ctx, CounterInput{ProposalID: id, ActorID: owner, Amount: 800, Message: "800?"})
	require.NoError(t, err)

	other := NewService(h.store.Proposals(), h.store.Conversations(), h.moderator, nil, zerolog.Nop())
	racing := &racingRepository{Repository: h.store.Proposals(), race: func() {
		_, err := other.Counter(ctx, CounterInput{ProposalID: id, ActorID: freelancer, Amount: 900, Message: "meet at 900"})
		require.NoError(t, err)
	}}
	svc := NewService(racing, h.store.Conversations(), h.moderator, nil, zerolog.Nop())

	_, err = svc.Accept(ctx, ActionInput{ProposalID: id, ActorID: freelancer})
	assert.ErrorIs(t, err, apperr.ErrPolicy)
	assert.ErrorIs(t, err, proposal.ErrNotAwaited)

	p, err := h.svc.GetProposal(ctx, id, owner)
	require.NoError(t, err)
	require.NoError(t, p.Validate())
	assert.Equal(t, proposal.StatusPending, p.Status)
	assert.Equal(t, int64(900), p.CurrentProposalAmount)
	assert.True(t, p.IsAwaiting(proposal.PartyOwner))

	types := h.activityTypes(t, sub.Conversation.ConversationID)
	assert.Contains(t, types, proposal.ActivityTransitionConflict)
	assert.NotContains(t, types, proposal.ActivityAccepted)
}

func TestUnlock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.approveAll()
	sub := h.submit(t)
	id := sub.Proposal.ProposalID

	_, err := h.svc.Unlock(ctx, ActionInput{ProposalID: id, ActorID: freelancer})
	assert.ErrorIs(t, err, proposal.ErrOwnerOnly)

	res, err := h.svc.Unlock(ctx, ActionInput{ProposalID: id, ActorID: owner})
	require.NoError(t, err)
	assert.True(t, res.Proposal.IsUnlocked)

	res, err = h.svc.Unlock(ctx, ActionInput{ProposalID: id, ActorID: owner})
	require.NoError(t, err)
	assert.True(t, res.AlreadyProcessed)
}

func TestHandleCapture_AmountMismatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.approveAll()
	sub := h.submit(t)
	id := sub.Proposal.ProposalID

	_, err := h.svc.Accept(ctx, ActionInput{ProposalID: id, ActorID: owner})
	require.NoError(t, err)

	_, err = h.svc.HandleCapture(ctx, payment.CaptureEvent{ProposalID: id, Amount: 1, Status: payment.CaptureSucceeded})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	res, err := h.svc.HandleCapture(ctx, payment.CaptureEvent{ProposalID: id, Amount: 1000, Status: payment.CaptureFailed})
	require.NoError(t, err)
	assert.Equal(t, proposal.PaymentUnpaid, res.Proposal.PaymentStatus)
}

func TestInitiateCheckout_OwnerOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.approveAll()
	sub := h.submit(t)
	id := sub.Proposal.ProposalID

	_, err := h.svc.InitiateCheckout(ctx, ActionInput{ProposalID: id, ActorID: owner})
	assert.ErrorIs(t, err, proposal.ErrNotPayable)

	_, err = h.svc.Accept(ctx, ActionInput{ProposalID: id, ActorID: owner})
	require.NoError(t, err)
	_, err = h.svc.InitiateCheckout(ctx, ActionInput{ProposalID: id, ActorID: freelancer})
	assert.ErrorIs(t, err, proposal.ErrOwnerOnly)
}

func (h *harness) delivered(t *testing.T) *SubmitResult {
	t.Helper()
	ctx := context.Background()
	sub := h.submit(t)
	id := sub.Proposal.ProposalID
	_, err := h.svc.Accept(ctx, ActionInput{ProposalID: id, ActorID: owner})
	require.NoError(t, err)
	_, err = h.svc.HandleCapture(ctx, payment.CaptureEvent{ProposalID: id, Amount: 1000, Status: payment.CaptureSucceeded})
	require.NoError(t, err)
	_, err = h.svc.MarkFreelancerCompleted(ctx, ActionInput{ProposalID: id, ActorID: freelancer})
	require.NoError(t, err)
	return sub
}

func TestProcessDueReleases(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.approveAll()
	sub := h.delivered(t)

	batch, err := h.svc.ProcessDueReleases(ctx, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, batch.Released)

	h.clock = h.clock.Add(proposal.ConfirmationWindow + time.Minute)
	batch, err = h.svc.ProcessDueReleases(ctx, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Released)

	payout, err := h.store.Proposals().GetPayout(ctx, sub.Proposal.ProposalID)
	require.NoError(t, err)
	require.NotNil(t, payout)
	assert.Equal(t, proposal.ReleasedByScheduler, payout.ReleasedBy)

	batch, err = h.svc.ProcessDueReleases(ctx, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, batch.Released)

	res, err := h.svc.ConfirmCompletion(ctx, ActionInput{ProposalID: sub.Proposal.ProposalID, ActorID: owner})
	require.NoError(t, err)
	assert.True(t, res.AlreadyProcessed)
}

func TestOpenDispute_FreezesRelease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.approveAll()
	sub := h.delivered(t)
	id := sub.Proposal.ProposalID

	_, err := h.svc.OpenDispute(ctx, DisputeInput{ProposalID: id, ActorID: owner})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	res, err := h.svc.OpenDispute(ctx, DisputeInput{ProposalID: id, ActorID: owner, Reason: "work is incomplete"})
	require.NoError(t, err)
	assert.Equal(t, proposal.WorkDisputed, res.Proposal.WorkStatus)
	assert.Nil(t, res.Proposal.OwnerConfirmationDeadline)

	_, err = h.svc.ConfirmCompletion(ctx, ActionInput{ProposalID: id, ActorID: owner})
	assert.ErrorIs(t, err, proposal.ErrDisputed)

	h.clock = h.clock.Add(proposal.ConfirmationWindow + time.Minute)
	batch, err := h.svc.ProcessDueReleases(ctx, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, batch.Released)
}

func TestConfirmCompletion_RacesScheduledRelease(t *testing.T) {
	for i := 0; i < 25; i++ {
		ctx := context.Background()
		h := newHarness(t)
		h.approveAll()
		sub := h.delivered(t)
		id := sub.Proposal.ProposalID
		h.clock = h.clock.Add(proposal.ConfirmationWindow + time.Minute)

		var (
			wg       sync.WaitGroup
			start    = make(chan struct{})
			ownerRes *Result
			ownerErr error
			batch    ReleaseBatch
			sweepErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			ownerRes, ownerErr = h.svc.ConfirmCompletion(ctx, ActionInput{ProposalID: id, ActorID: owner})
		}()
		go func() {
			defer wg.Done()
			<-start
			batch, sweepErr = h.svc.ProcessDueReleases(ctx, nil, 10)
		}()
		close(start)
		wg.Wait()

		require.NoError(t, ownerErr)
		require.NoError(t, sweepErr)
		assert.Zero(t, batch.Failed)
		assert.NotEqual(t, ownerRes.AlreadyProcessed, batch.Released == 0,
			"exactly one side must release (owner already processed=%v, scheduler released=%d)", ownerRes.AlreadyProcessed, batch.Released)

		payout, err := h.store.Proposals().GetPayout(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, payout)
		if batch.Released == 1 {
			assert.Equal(t, proposal.ReleasedByScheduler, payout.ReleasedBy)
		} else {
			assert.Equal(t, proposal.ReleasedByOwner, payout.ReleasedBy)
		}

		completed := 0
		for _, typ := range h.activityTypes(t, sub.Conversation.ConversationID) {
			if typ == proposal.ActivityCompleted {
				completed++
			}
		}
		assert.Equal(t, 1, completed)
	}
}

func TestProcessDueReleases_MovesPastFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.approveAll()

	var released []uuid.UUID
	for i := 0; i < 3; i++ {
		released = append(released, h.delivered(t).Proposal.ProposalID)
	}

	// A due proposal with no conversation cannot be released and sorts first.
	stuck, err := h.store.Proposals().GetByID(ctx, released[0])
	require.NoError(t, err)
	stuck.ProposalID = uuid.New()
	early := stuck.OwnerConfirmationDeadline.Add(-time.Hour)
	stuck.OwnerConfirmationDeadline = &early
	require.NoError(t, h.store.Proposals().Create(ctx, stuck, &proposal.Activity{
		ActivityID:     uuid.New(),
		ProposalID:     stuck.ProposalID,
		ConversationID: uuid.New(),
		Type:           proposal.ActivityProposalSubmitted,
		ChangedBy:      freelancer,
		CreatedAt:      h.clock,
	}))

	h.clock = h.clock.Add(proposal.ConfirmationWindow + time.Minute)

	var (
		cursor *proposal.DueCursor
		total  ReleaseBatch
		pages  int
	)
	for {
		batch, err := h.svc.ProcessDueReleases(ctx, cursor, 1)
		require.NoError(t, err)
		total.Released += batch.Released
		total.Failed += batch.Failed
		pages++
		if batch.Next == nil {
			break
		}
		require.Less(t, pages, 10, "scan did not advance")
		cursor = batch.Next
	}
	assert.Equal(t, 3, total.Released)
	assert.Equal(t, 1, total.Failed)

	for _, id := range released {
		payout, err := h.store.Proposals().GetPayout(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, payout, "proposal %s was starved", id)
	}

	// A fresh scan only finds the stuck proposal again.
	batch, err := h.svc.ProcessDueReleases(ctx, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, batch.Released)
	assert.Equal(t, 1, batch.Failed)
}

func TestDefaultClockMatchesStoredPrecision(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	svc := NewService(store.Proposals(), store.Conversations(), nil, nil, zerolog.Nop())

	sub, err := svc.Submit(ctx, SubmitInput{OwnerID: owner, FreelancerID: freelancer, Budget: 500, DeliveryDays: 2})
	require.NoError(t, err)
	res, err := svc.Counter(ctx, CounterInput{ProposalID: sub.Proposal.ProposalID, ActorID: owner, Amount: 450, Message: "tighter budget"})
	require.NoError(t, err)

	for _, at := range []time.Time{sub.Proposal.CreatedAt, sub.Activity.CreatedAt, res.Activity.CreatedAt, res.Proposal.UpdatedAt} {
		assert.Equal(t, at.Truncate(time.Microsecond), at)
		assert.Equal(t, time.UTC, at.Location())
	}
}
