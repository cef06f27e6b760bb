package channel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/gigmarket/gigmarket/internal/application/gate"
	"github.com/gigmarket/gigmarket/internal/application/messaging"
	"github.com/gigmarket/gigmarket/internal/domain/apperr"
	"github.com/gigmarket/gigmarket/internal/domain/attachment"
	attmocks "github.com/gigmarket/gigmarket/internal/domain/attachment/mocks"
	"github.com/gigmarket/gigmarket/internal/domain/block"
	"github.com/gigmarket/gigmarket/internal/domain/changefeed"
	"github.com/gigmarket/gigmarket/internal/domain/message"
	"github.com/gigmarket/gigmarket/internal/infrastructure/memstore"
)

type staticVerdict struct{ v block.Verdict }

func (s staticVerdict) Current(context.Context) (block.Verdict, error) { return s.v, nil }

// countingChecker stands in for the store-backed gate sources.
type countingChecker struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingChecker) Check(context.Context, string, uuid.UUID) (block.Verdict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return block.Verdict{}, c.err
}

// countingStore wraps the real messaging path and lets tests inject failures.
type countingStore struct {
	Store
	mu       sync.Mutex
	sendErr  error
	// lostAck makes a send commit and still report sendErr.
	lostAck  bool
	sends    int
	lists    int
	typings  int
	listWait chan struct{}
}

func (s *countingStore) SendMessage(ctx context.Context, in messaging.SendInput) (*message.Message, error) {
	s.mu.Lock()
	s.sends++
	err, lostAck := s.sendErr, s.lostAck
	s.mu.Unlock()
	if err != nil {
		if lostAck {
			_, _ = s.Store.SendMessage(ctx, in)
		}
		return nil, err
	}
	return s.Store.SendMessage(ctx, in)
}

func (s *countingStore) ListMessages(ctx context.Context, conversationID uuid.UUID, viewerID string, before *message.Cursor, limit int) ([]*message.Message, error) {
	s.mu.Lock()
	s.lists++
	wait := s.listWait
	s.mu.Unlock()
	if wait != nil {
		<-wait
	}
	return s.Store.ListMessages(ctx, conversationID, viewerID, before, limit)
}

func (s *countingStore) SignalTyping(ctx context.Context, conversationID uuid.UUID, userID string) error {
	s.mu.Lock()
	s.typings++
	s.mu.Unlock()
	return s.Store.SignalTyping(ctx, conversationID, userID)
}

type setup struct {
	mem    *memstore.Store
	store  *countingStore
	convID uuid.UUID
}

func newSetup(t *testing.T) *setup {
	t.Helper()
	mem := memstore.New()
	svc := messaging.NewService(mem.Conversations(), mem.Messages(), nil, nil, mem, zerolog.Nop())
	conv, err := svc.StartConversation(context.Background(), "alice", "bob")
	require.NoError(t, err)
	return &setup{mem: mem, store: &countingStore{Store: svc}, convID: conv.ConversationID}
}

func (s *setup) channel(actor string, verdict block.Verdict, uploader attachment.Uploader) *Channel {
	return New(s.convID, actor, s.store, staticVerdict{verdict}, uploader, nil, Options{PageSize: 10}, zerolog.Nop())
}

func (s *setup) seed(t *testing.T, n int, base time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		m := message.NewPending(s.convID, "bob", "seed", nil)
		m.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.mem.Messages().Create(context.Background(), m))
	}
}

func assertNoDuplicates(t *testing.T, msgs []*message.Message) {
	t.Helper()
	seen := make(map[string]bool)
	for i, m := range msgs {
		assert.False(t, seen[m.Key()], "duplicate %s", m.Key())
		seen[m.Key()] = true
		if i > 0 {
			assert.False(t, m.CreatedAt.Before(msgs[i-1].CreatedAt), "out of order at %d", i)
		}
	}
}

func TestSend_ReconcilesOptimisticEntry(t *testing.T) {
	ctx := context.Background()
	s := newSetup(t)
	ch := s.channel("alice", block.Verdict{}, nil)

	res, err := ch.Send(ctx, SendInput{Content: "hello"})
	require.NoError(t, err)
	require.NotNil(t, res.Message)
	assert.Equal(t, message.StatusSent, res.Message.Status)
	assert.True(t, message.IsPendingKey(res.Message.ClientKey))

	// The feed echo of our own write must not add a second entry.
	changed := ch.Apply(changefeed.Change{
		Op:             changefeed.OpInsert,
		Collection:     changefeed.CollectionMessages,
		ConversationID: s.convID,
		Message:        res.Message,
	})
	assert.False(t, changed)

	msgs := ch.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, res.Message.Key(), msgs[0].Key())
	assert.Equal(t, res.Message.MessageID, msgs[0].MessageID)
}

func TestSend_EchoBeforeAck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newSetup(t)
	ch := s.channel("alice", block.Verdict{}, nil)

	feed, err := s.mem.Subscribe(ctx, changefeed.Filter{ConversationID: &s.convID})
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for c := range feed {
			ch.Apply(c)
		}
	}()

	for i := 0; i < 5; i++ {
		_, err := ch.Send(ctx, SendInput{Content: "burst"})
		require.NoError(t, err)
	}
	cancel()
	<-done

	msgs := ch.Messages()
	assert.Len(t, msgs, 5)
	assertNoDuplicates(t, msgs)
}

func TestSend_BlockedLeavesNoEntry(t *testing.T) {
	s := newSetup(t)
	ch := s.channel("alice", block.Verdict{Blocked: true, Reason: block.ReasonSpam, Source: block.SourceSpam}, nil)

	_, err := ch.Send(context.Background(), SendInput{Content: "hi"})
	assert.ErrorIs(t, err, apperr.ErrPolicy)
	assert.Equal(t, block.ReasonSpam, apperr.Reason(err))
	assert.Empty(t, ch.Messages())
	assert.Zero(t, s.store.sends)
}

func TestSend_ValidationNeverReachesStore(t *testing.T) {
	s := newSetup(t)
	ch := s.channel("alice", block.Verdict{}, nil)

	_, err := ch.Send(context.Background(), SendInput{Content: strings.Repeat("x", message.MaxContentLength+1)})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Zero(t, s.store.sends)
	assert.Empty(t, ch.Messages())
}

func TestSend_ValidationPrecedesGateLookup(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "empty", content: ""},
		{name: "whitespace", content: "   "},
		{name: "too long", content: strings.Repeat("x", message.MaxContentLength+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSetup(t)
			checker := &countingChecker{err: errors.New("store unreachable")}
			watcher := gate.NewWatcher(checker, "alice", s.convID, time.Minute, zerolog.Nop())
			ch := New(s.convID, "alice", s.store, watcher, nil, nil, Options{PageSize: 10}, zerolog.Nop())

			_, err := ch.Send(context.Background(), SendInput{Content: tt.content})
			assert.ErrorIs(t, err, apperr.ErrValidation)
			assert.Zero(t, checker.calls)
			assert.Zero(t, s.store.sends)
			assert.Empty(t, ch.Messages())
		})
	}
}

func TestSend_TransientFailureKeepsRejectedEntry(t *testing.T) {
	s := newSetup(t)
	s.store.sendErr = errors.New("connection reset")
	ch := s.channel("alice", block.Verdict{}, nil)

	_, err := ch.Send(context.Background(), SendInput{Content: "hi"})
	assert.ErrorIs(t, err, apperr.ErrTransient)

	msgs := ch.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, message.StatusRejected, msgs[0].Status)
	require.NotNil(t, msgs[0].RejectionReason)

	assert.True(t, ch.Discard(msgs[0].ClientKey))
	assert.Empty(t, ch.Messages())
}

func TestSend_RejectedEntryReconcilesWhenWriteCommitted(t *testing.T) {
	ctx := context.Background()
	s := newSetup(t)
	s.store.sendErr = errors.New("timeout awaiting response")
	s.store.lostAck = true
	ch := s.channel("alice", block.Verdict{}, nil)

	_, err := ch.Send(ctx, SendInput{Content: "did this go through?"})
	assert.ErrorIs(t, err, apperr.ErrTransient)
	msgs := ch.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, message.StatusRejected, msgs[0].Status)
	clientKey := msgs[0].ClientKey

	require.NoError(t, ch.Resync(ctx))

	msgs = ch.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, clientKey, msgs[0].ClientKey)
	assert.Equal(t, message.StatusSent, msgs[0].Status)
	assert.NotEqual(t, uuid.Nil, msgs[0].MessageID)
	assert.Nil(t, msgs[0].RejectionReason)
	assert.False(t, ch.Discard(clientKey))
}

func TestSend_PolicyFailureRemovesEntry(t *testing.T) {
	s := newSetup(t)
	s.store.sendErr = apperr.Policy("blocked by moderation")
	ch := s.channel("alice", block.Verdict{}, nil)

	_, err := ch.Send(context.Background(), SendInput{Content: "hi"})
	assert.ErrorIs(t, err, apperr.ErrPolicy)
	assert.Empty(t, ch.Messages())
}

func TestSend_AttachmentFailure(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	uploader := attmocks.NewMockUploader(ctrl)
	uploader.EXPECT().Upload(gomock.Any(), gomock.Any()).Return(nil, errors.New("bucket unavailable")).Times(2)

	s := newSetup(t)
	ch := s.channel("alice", block.Verdict{}, uploader)
	file := &attachment.File{Name: "brief.pdf", MimeType: "application/pdf", Size: 3, Body: strings.NewReader("pdf")}

	res, err := ch.Send(ctx, SendInput{Content: "see attached", File: file})
	require.NoError(t, err)
	assert.ErrorIs(t, res.AttachmentErr, ErrAttachmentFailed)
	assert.Equal(t, message.StatusSent, res.Message.Status)
	assert.Nil(t, res.Message.Attachment)

	_, err = ch.Send(ctx, SendInput{File: file})
	assert.ErrorIs(t, err, apperr.ErrTransient)
	msgs := ch.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, message.StatusRejected, msgs[1].Status)
}

func TestSend_AttachmentUploaded(t *testing.T) {
	ctrl := gomock.NewController(t)
	uploader := attmocks.NewMockUploader(ctrl)
	att := &attachment.Attachment{URL: "https://files.example/a.png", Name: "a.png", MimeType: "image/png"}
	uploader.EXPECT().Upload(gomock.Any(), gomock.Any()).Return(att, nil)

	s := newSetup(t)
	ch := s.channel("alice", block.Verdict{}, uploader)
	res, err := ch.Send(context.Background(), SendInput{File: &attachment.File{Name: "a.png", Body: strings.NewReader("png")}})
	require.NoError(t, err)
	require.NotNil(t, res.Message.Attachment)
	assert.Equal(t, att.URL, res.Message.Attachment.URL)
}

func TestLoadMore_ConcurrentCallsShareOneFetch(t *testing.T) {
	ctx := context.Background()
	s := newSetup(t)
	s.seed(t, 25, time.Now().UTC().Add(-time.Hour))
	ch := s.channel("alice", block.Verdict{}, nil)

	require.NoError(t, ch.Load(ctx))
	require.Len(t, ch.Messages(), 10)

	s.store.mu.Lock()
	s.store.listWait = make(chan struct{})
	wait := s.store.listWait
	before := s.store.lists
	s.store.mu.Unlock()

	var wg sync.WaitGroup
	results := make([]int, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := ch.LoadMore(ctx)
			assert.NoError(t, err)
			results[i] = n
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(wait)
	wg.Wait()

	s.store.mu.Lock()
	s.store.listWait = nil
	fetches := s.store.lists - before
	s.store.mu.Unlock()
	assert.Equal(t, 1, fetches)
	for _, n := range results {
		assert.Equal(t, 10, n)
	}

	n, err := ch.LoadMore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.False(t, ch.HasMore())

	n, err = ch.LoadMore(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	msgs := ch.Messages()
	assert.Len(t, msgs, 25)
	assertNoDuplicates(t, msgs)
}

func TestResync_BackfillsMissedMessages(t *testing.T) {
	ctx := context.Background()
	s := newSetup(t)
	base := time.Now().UTC().Add(-time.Hour)
	s.seed(t, 5, base)
	ch := s.channel("alice", block.Verdict{}, nil)
	require.NoError(t, ch.Load(ctx))

	s.seed(t, 23, base.Add(time.Minute))
	require.NoError(t, ch.Resync(ctx))

	msgs := ch.Messages()
	assert.Len(t, msgs, 28)
	assertNoDuplicates(t, msgs)
}

func TestTyping(t *testing.T) {
	ctx := context.Background()
	s := newSetup(t)
	ch := s.channel("alice", block.Verdict{}, nil)
	clock := time.Now()
	ch.now = func() time.Time { return clock }

	assert.False(t, ch.Apply(changefeed.Change{Collection: changefeed.CollectionTyping, ConversationID: s.convID, Typing: &changefeed.Typing{UserID: "alice"}}))
	assert.False(t, ch.IsPeerTyping())

	assert.True(t, ch.Apply(changefeed.Change{Collection: changefeed.CollectionTyping, ConversationID: s.convID, Typing: &changefeed.Typing{UserID: "bob"}}))
	assert.True(t, ch.IsPeerTyping())
	clock = clock.Add(5 * time.Second)
	assert.False(t, ch.IsPeerTyping())

	require.NoError(t, ch.OnTyping(ctx))
	require.NoError(t, ch.OnTyping(ctx))
	assert.Equal(t, 1, s.store.typings)
	clock = clock.Add(3 * time.Second)
	require.NoError(t, ch.OnTyping(ctx))
	assert.Equal(t, 2, s.store.typings)
}

func TestMarkRead(t *testing.T) {
	ctx := context.Background()
	s := newSetup(t)
	s.seed(t, 3, time.Now().UTC().Add(-time.Minute))
	ch := s.channel("alice", block.Verdict{}, nil)
	require.NoError(t, ch.Load(ctx))

	require.NoError(t, ch.MarkRead(ctx))
	first := ch.Messages()
	for _, m := range first {
		assert.Equal(t, message.StatusRead, m.Status)
	}

	require.NoError(t, ch.MarkRead(ctx))
	for i, m := range ch.Messages() {
		assert.Equal(t, *first[i].ReadAt, *m.ReadAt)
	}
}
