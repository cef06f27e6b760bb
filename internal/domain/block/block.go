package block

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Scope separates platform moderation blocks from automatic spam blocks.
type Scope string

const (
	ScopeMessaging Scope = "messaging"
	ScopeSpam      Scope = "spam"
)

// Block prevents a user from sending messages.
type Block struct {
	ID           int64      `json:"-"`
	BlockID      uuid.UUID  `json:"id"`
	UserID       string     `json:"userId"`
	Scope        Scope      `json:"scope"`
	IsPermanent  bool       `json:"isPermanent"`
	BlockedUntil *time.Time `json:"blockedUntil,omitempty"`
	Reason       string     `json:"reason"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// NewTimed creates a block that lifts at now+d.
func NewTimed(userID string, scope Scope, d time.Duration, reason string, now time.Time) *Block {
	until := now.Add(d)
	return &Block{
		BlockID:      uuid.New(),
		UserID:       userID,
		Scope:        scope,
		BlockedUntil: &until,
		Reason:       reason,
		CreatedAt:    now,
	}
}

// ActiveAt reports whether the block applies at now.
func (b *Block) ActiveAt(now time.Time) bool {
	if b == nil {
		return false
	}
	if b.IsPermanent {
		return true
	}
	return b.BlockedUntil != nil && now.Before(*b.BlockedUntil)
}

// Source names which condition produced a verdict.
type Source string

const (
	SourceNone     Source = "none"
	SourcePlatform Source = "platform"
	SourceSpam     Source = "spam"
	SourceUnlock   Source = "unlock"
)

// Verdict is the combined send permission for one actor in one conversation.
type Verdict struct {
	Blocked      bool       `json:"blocked"`
	BlockedUntil *time.Time `json:"blockedUntil,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	Source       Source     `json:"source"`
	CheckedAt    time.Time  `json:"checkedAt"`
}

// SpamStatus is reported by the rate limiter.
type SpamStatus struct {
	Blocked          bool `json:"blocked"`
	RemainingSeconds int  `json:"remainingSeconds"`
}

// Inputs are the three independently sourced conditions.
type Inputs struct {
	Platform       *Block
	Spam           SpamStatus
	UnlockRequired bool
}

const (
	ReasonPermanent = "messaging is disabled for this account"
	ReasonPlatform  = "messaging is temporarily disabled for this account"
	ReasonSpam      = "you are sending messages too quickly"
	ReasonUnlock    = "you can reply once the project owner responds or unlocks this proposal"
)

// Evaluate combines the inputs. Platform blocks win over spam blocks, which
// win over the unlock gate.
func Evaluate(in Inputs, now time.Time) Verdict {
	if in.Platform.ActiveAt(now) {
		v := Verdict{Blocked: true, Source: SourcePlatform, CheckedAt: now}
		if in.Platform.IsPermanent {
			v.Reason = ReasonPermanent
		} else {
			until := *in.Platform.BlockedUntil
			v.BlockedUntil = &until
			v.Reason = ReasonPlatform
		}
		if in.Platform.Reason != "" {
			v.Reason = in.Platform.Reason
		}
		return v
	}
	if in.Spam.Blocked {
		until := now.Add(time.Duration(in.Spam.RemainingSeconds) * time.Second)
		return Verdict{Blocked: true, BlockedUntil: &until, Reason: ReasonSpam, Source: SourceSpam, CheckedAt: now}
	}
	if in.UnlockRequired {
		return Verdict{Blocked: true, Reason: ReasonUnlock, Source: SourceUnlock, CheckedAt: now}
	}
	return Verdict{Source: SourceNone, CheckedAt: now}
}

// UnlockRequired derives the proposal unlock gate. Only a freelancer on a
// pending, locked proposal is gated, and only until the owner has written.
func UnlockRequired(isFreelancer, pending, unlocked bool, ownerMessages int) bool {
	return isFreelancer && pending && !unlocked && ownerMessages == 0
}

// Repository defines persistence for blocks.
type Repository interface {
	Create(ctx context.Context, b *Block) error
	// Active returns the longest-lasting block of scope for userID at now, or nil.
	Active(ctx context.Context, userID string, scope Scope, now time.Time) (*Block, error)
}
