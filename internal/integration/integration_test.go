//go:build integration
// +build integration

package integration

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	httpapi "github.com/gigmarket/gigmarket/internal/api/http"
	"github.com/gigmarket/gigmarket/internal/app"
	"github.com/gigmarket/gigmarket/internal/application/messaging"
	"github.com/gigmarket/gigmarket/internal/application/negotiation"
	"github.com/gigmarket/gigmarket/internal/application/release"
	"github.com/gigmarket/gigmarket/internal/config"
	"github.com/gigmarket/gigmarket/internal/domain/message"
	"github.com/gigmarket/gigmarket/internal/domain/payment"
	"github.com/gigmarket/gigmarket/internal/domain/proposal"
	"github.com/gigmarket/gigmarket/internal/infrastructure/sse"
)

const (
	jwtSecret  = "integration-secret"
	ownerID    = "owner-int"
	freelancer = "freelancer-int"
)

func TestSSEDeliveryIntegration(t *testing.T) {
	a, server := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sub, err := a.Negotiation.Submit(ctx, negotiation.SubmitInput{
		OwnerID: ownerID, FreelancerID: freelancer, Budget: 800, DeliveryDays: 10, CoverLetter: "ready to start",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	convID := sub.Conversation.ConversationID

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/v1/conversations/"+convID.String()+"/stream", nil)
	if err != nil {
		t.Fatalf("sse request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token(t, freelancer))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("sse connect: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sse status: %d", resp.StatusCode)
	}

	events := make(chan string, 16)
	go func() {
		reader := bufio.NewReader(resp.Body)
		var event string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
			case strings.HasPrefix(line, "data: ") && event == "messages.insert":
				var change struct {
					Message *message.Message `json:"message"`
				}
				payload := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
				if err := json.Unmarshal([]byte(payload), &change); err == nil && change.Message != nil && change.Message.Content != nil {
					events <- *change.Message.Content
				}
			}
		}
	}()

	// the listener may still be connecting; keep sending until one arrives
	deadline := time.After(10 * time.Second)
	for i := 0; ; i++ {
		content := fmt.Sprintf("hello %d", i)
		if _, err := a.Messaging.SendMessage(ctx, messaging.SendInput{ConversationID: convID, SenderID: ownerID, Content: content}); err != nil {
			t.Fatalf("send: %v", err)
		}
		select {
		case got := <-events:
			if !strings.HasPrefix(got, "hello ") {
				t.Fatalf("unexpected content %q", got)
			}
			return
		case <-time.After(500 * time.Millisecond):
		case <-deadline:
			t.Fatalf("SSE message not received")
		}
	}
}

func TestMessageIdempotencyIntegration(t *testing.T) {
	a, _ := newTestServer(t)
	ctx := context.Background()

	conv, err := a.Messaging.StartConversation(ctx, ownerID, freelancer)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	in := messaging.SendInput{ConversationID: conv.ConversationID, SenderID: ownerID, Content: "once", ClientKey: "k-1"}
	first, err := a.Messaging.SendMessage(ctx, in)
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	second, err := a.Messaging.SendMessage(ctx, in)
	if err != nil {
		t.Fatalf("retried send: %v", err)
	}
	if first.MessageID != second.MessageID {
		t.Fatalf("retry created a second message: %s != %s", first.MessageID, second.MessageID)
	}
	msgs, err := a.Messaging.ListMessages(ctx, conv.ConversationID, freelancer, nil, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if err := a.Messaging.MarkRead(ctx, conv.ConversationID, freelancer); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	read, err := a.Messages.GetByID(ctx, first.MessageID)
	if err != nil || read == nil {
		t.Fatalf("reload: %v", err)
	}
	if read.Status != message.StatusRead {
		t.Fatalf("expected read status, got %s", read.Status)
	}
}

func TestVersionConflictIntegration(t *testing.T) {
	a, _ := newTestServer(t)
	ctx := context.Background()

	sub, err := a.Negotiation.Submit(ctx, negotiation.SubmitInput{OwnerID: ownerID, FreelancerID: freelancer, Budget: 300})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	stale := sub.Proposal.Clone()
	if _, err := a.Negotiation.Counter(ctx, negotiation.CounterInput{ProposalID: stale.ProposalID, ActorID: ownerID, Amount: 250}); err != nil {
		t.Fatalf("counter: %v", err)
	}

	next := stale.Clone()
	change, err := next.Accept(proposal.PartyOwner, time.Now().UTC())
	if err != nil {
		t.Fatalf("accept on stale copy: %v", err)
	}
	err = a.Proposals.Apply(ctx, &proposal.Transition{
		Proposal:        next,
		ExpectedVersion: stale.Version,
		Activity:        proposal.NewActivity(next, sub.Conversation.ConversationID, change, ownerID, "", time.Now().UTC()),
	})
	if !errors.Is(err, proposal.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func TestReleaseSweepIntegration(t *testing.T) {
	a, _ := newTestServer(t)
	ctx := context.Background()
	id := deliveredPastDeadline(t, a, 1200)

	res, err := a.Releases.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Released != 1 {
		t.Fatalf("expected 1 release, got %d", res.Released)
	}
	payout, err := a.Proposals.GetPayout(ctx, id)
	if err != nil || payout == nil {
		t.Fatalf("payout missing: %v", err)
	}
	if payout.Amount != 1200 || payout.FreelancerID != freelancer {
		t.Fatalf("unexpected payout %+v", payout)
	}

	again, err := a.Releases.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if again.Released != 0 {
		t.Fatalf("released twice")
	}
}

func TestConfirmAndSweepRaceIntegration(t *testing.T) {
	a, _ := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		id := deliveredPastDeadline(t, a, 900)

		var (
			wg       sync.WaitGroup
			start    = make(chan struct{})
			ownerRes *negotiation.Result
			ownerErr error
			sweep    release.Result
			sweepErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			ownerRes, ownerErr = a.Negotiation.ConfirmCompletion(ctx, negotiation.ActionInput{ProposalID: id, ActorID: ownerID})
		}()
		go func() {
			defer wg.Done()
			<-start
			sweep, sweepErr = a.Releases.RunOnce(ctx)
		}()
		close(start)
		wg.Wait()

		if ownerErr != nil {
			t.Fatalf("confirm: %v", ownerErr)
		}
		if sweepErr != nil {
			t.Fatalf("sweep: %v", sweepErr)
		}
		if ownerRes.AlreadyProcessed == (sweep.Released == 0) {
			t.Fatalf("expected exactly one release, owner already processed=%v scheduler released=%d", ownerRes.AlreadyProcessed, sweep.Released)
		}

		var payouts, completed int
		if err := a.Pool.QueryRow(ctx, `SELECT count(*) FROM payouts WHERE proposal_id = $1`, id).Scan(&payouts); err != nil {
			t.Fatalf("count payouts: %v", err)
		}
		if err := a.Pool.QueryRow(ctx, `SELECT count(*) FROM proposal_activities WHERE proposal_id = $1 AND status_type = 'completed'`, id).Scan(&completed); err != nil {
			t.Fatalf("count activities: %v", err)
		}
		if payouts != 1 || completed != 1 {
			t.Fatalf("expected one payout and one completed activity, got %d and %d", payouts, completed)
		}
	}
}

// deliveredPastDeadline drives a proposal to freelancer_completed and moves
// its confirmation deadline into the past.
func deliveredPastDeadline(t *testing.T, a *app.App, amount int64) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	sub, err := a.Negotiation.Submit(ctx, negotiation.SubmitInput{OwnerID: ownerID, FreelancerID: freelancer, Budget: amount, DeliveryDays: 3})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	id := sub.Proposal.ProposalID
	if _, err := a.Negotiation.Accept(ctx, negotiation.ActionInput{ProposalID: id, ActorID: ownerID}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := a.Negotiation.HandleCapture(ctx, payment.CaptureEvent{EventID: "evt-" + id.String(), ProposalID: id, Amount: amount, Status: payment.CaptureSucceeded}); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if _, err := a.Negotiation.MarkFreelancerCompleted(ctx, negotiation.ActionInput{ProposalID: id, ActorID: freelancer}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := a.Pool.Exec(ctx, `UPDATE proposals SET owner_confirmation_deadline = now() - interval '1 hour' WHERE proposal_id = $1`, id); err != nil {
		t.Fatalf("expire deadline: %v", err)
	}
	return id
}

func newTestServer(t *testing.T) (*app.App, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	cfg := &config.Config{
		DatabaseURL:     testDatabaseURL(t),
		JWTSecret:       jwtSecret,
		ReleaseInterval: time.Hour,
		ReleaseBatch:    10,
		GateInterval:    time.Second,
		WebhookKeys:     "k1:00112233445566778899aabbccddeeff",
	}
	a, err := app.Open(ctx, cfg, zerolog.Nop(), true, false)
	if err != nil {
		cancel()
		t.Fatalf("open app: %v", err)
	}
	if err := resetDatabase(ctx, a.Pool); err != nil {
		t.Fatalf("reset db: %v", err)
	}

	hub := sse.NewHub(0, zerolog.Nop())
	go func() { _ = a.Feed.Run(ctx) }()
	go sse.NewRelay(a.Feed, hub, 100*time.Millisecond, zerolog.Nop()).Run(ctx)

	api := httpapi.NewServer(a.Messaging, a.Negotiation, a.Gate, a.Releases, a.Uploader, hub, a.Webhooks,
		httpapi.AuthConfig{JWTSecret: jwtSecret}, zerolog.Nop())
	server := httptest.NewServer(api.Router())
	t.Cleanup(func() {
		cancel()
		hub.Stop()
		server.Close()
		a.Close()
	})
	return a, server
}

func token(t *testing.T, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := tok.SignedString([]byte(jwtSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func testDatabaseURL(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		return dsn
	}
	t.Skip("TEST_DATABASE_URL not set; skipping integration tests")
	return ""
}

func resetDatabase(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		TRUNCATE TABLE
			payouts,
			disputes,
			counter_proposals,
			proposal_activities,
			proposals,
			unread_counters,
			messages,
			user_blocks,
			conversations
		RESTART IDENTITY CASCADE
	`)
	return err
}
