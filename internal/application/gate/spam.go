package gate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/gigmarket/gigmarket/internal/domain/block"
	"github.com/gigmarket/gigmarket/internal/domain/message"
)

// SpamPolicy configures the sending velocity rule. Rule is a boolean
// expression over sent_in_window and duplicates_in_window.
type SpamPolicy struct {
	Rule     string        `yaml:"rule"`
	Window   time.Duration `yaml:"window"`
	BlockFor time.Duration `yaml:"block_for"`
	Reason   string        `yaml:"reason"`
}

// DefaultSpamPolicy blocks bursts and copy-paste flooding for two minutes.
func DefaultSpamPolicy() SpamPolicy {
	return SpamPolicy{
		Rule:     "sent_in_window > 12 || duplicates_in_window > 4",
		Window:   time.Minute,
		BlockFor: 2 * time.Minute,
		Reason:   "automatic rate limit",
	}
}

// LoadSpamPolicy reads a YAML policy file. Missing fields keep their defaults.
func LoadSpamPolicy(path string) (SpamPolicy, error) {
	policy := DefaultSpamPolicy()
	if path == "" {
		return policy, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("read spam policy: %w", err)
	}
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return policy, fmt.Errorf("parse spam policy: %w", err)
	}
	return policy, nil
}

// SpamLimiter tracks sending velocity and records time-boxed spam blocks.
type SpamLimiter struct {
	blocks   block.Repository
	messages message.Repository
	policy   SpamPolicy
	expr     *govaluate.EvaluableExpression
	logger   zerolog.Logger
}

// NewSpamLimiter compiles the policy rule.
func NewSpamLimiter(policy SpamPolicy, blocks block.Repository, messages message.Repository, logger zerolog.Logger) (*SpamLimiter, error) {
	if policy.Window <= 0 || policy.BlockFor <= 0 {
		return nil, errors.New("spam policy window and block_for must be positive")
	}
	expr, err := govaluate.NewEvaluableExpression(policy.Rule)
	if err != nil {
		return nil, fmt.Errorf("compile spam rule: %w", err)
	}
	return &SpamLimiter{
		blocks:   blocks,
		messages: messages,
		policy:   policy,
		expr:     expr,
		logger:   logger.With().Str("service", "spam").Logger(),
	}, nil
}

// Status reports whether userID is currently spam-blocked.
func (l *SpamLimiter) Status(ctx context.Context, userID string, now time.Time) (block.SpamStatus, error) {
	b, err := l.blocks.Active(ctx, userID, block.ScopeSpam, now)
	if err != nil {
		return block.SpamStatus{}, err
	}
	return spamStatus(b, now), nil
}

// Record evaluates the rule after a successful send and blocks the sender
// when it trips.
func (l *SpamLimiter) Record(ctx context.Context, userID, content string, now time.Time) (block.SpamStatus, error) {
	since := now.Add(-l.policy.Window)
	sent, err := l.messages.CountBySender(ctx, userID, since)
	if err != nil {
		return block.SpamStatus{}, err
	}
	dups := 0
	if content != "" {
		if dups, err = l.messages.CountDuplicates(ctx, userID, content, since); err != nil {
			return block.SpamStatus{}, err
		}
	}

	tripped, err := l.evaluate(sent, dups)
	if err != nil {
		return block.SpamStatus{}, err
	}
	if !tripped {
		return block.SpamStatus{}, nil
	}

	b := block.NewTimed(userID, block.ScopeSpam, l.policy.BlockFor, l.policy.Reason, now)
	if err := l.blocks.Create(ctx, b); err != nil {
		return block.SpamStatus{}, err
	}
	l.logger.Info().Str("user_id", userID).Int("sent", sent).Int("duplicates", dups).Msg("spam block recorded")
	return spamStatus(b, now), nil
}

func (l *SpamLimiter) evaluate(sent, dups int) (bool, error) {
	result, err := l.expr.Evaluate(map[string]interface{}{
		"sent_in_window":       float64(sent),
		"duplicates_in_window": float64(dups),
	})
	if err != nil {
		return false, err
	}
	tripped, ok := result.(bool)
	if !ok {
		return false, errors.New("spam rule did not evaluate to boolean")
	}
	return tripped, nil
}

func spamStatus(b *block.Block, now time.Time) block.SpamStatus {
	if !b.ActiveAt(now) {
		return block.SpamStatus{}
	}
	if b.IsPermanent || b.BlockedUntil == nil {
		return block.SpamStatus{Blocked: true, RemainingSeconds: math.MaxInt32}
	}
	remaining := int(math.Ceil(b.BlockedUntil.Sub(now).Seconds()))
	return block.SpamStatus{Blocked: true, RemainingSeconds: remaining}
}
