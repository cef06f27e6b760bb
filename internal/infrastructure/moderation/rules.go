package moderation

import (
	"context"
	"regexp"
	"strings"

	"github.com/gigmarket/gigmarket/internal/domain/moderation"
)

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+\s*(@|\(at\)|\[at\])\s*[a-z0-9.\-]+\s*(\.|\(dot\)|\[dot\])\s*[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`(?:\+?\d[\s\-().]?){9,}`)
)

// Rules rejects contact details shared to take the deal off platform and
// any configured banned phrase.
type Rules struct {
	banned []string
}

// NewRules creates a rule set. Phrases are matched case-insensitively.
func NewRules(banned []string) *Rules {
	r := &Rules{}
	for _, b := range banned {
		if b = strings.TrimSpace(strings.ToLower(b)); b != "" {
			r.banned = append(r.banned, b)
		}
	}
	return r
}

func (r *Rules) Moderate(ctx context.Context, content string) (moderation.Result, error) {
	_ = ctx
	if emailRe.MatchString(content) {
		return moderation.Result{Reason: "sharing email addresses is not allowed"}, nil
	}
	if phoneRe.MatchString(content) {
		return moderation.Result{Reason: "sharing phone numbers is not allowed"}, nil
	}
	lower := strings.ToLower(content)
	for _, b := range r.banned {
		if strings.Contains(lower, b) {
			return moderation.Result{Reason: "message contains prohibited content"}, nil
		}
	}
	return moderation.Result{Approved: true}, nil
}

// Chain runs moderators in order and stops at the first rejection or error.
type Chain []moderation.Moderator

func (c Chain) Moderate(ctx context.Context, content string) (moderation.Result, error) {
	for _, m := range c {
		res, err := m.Moderate(ctx, content)
		if err != nil || !res.Approved {
			return res, err
		}
	}
	return moderation.Result{Approved: true}, nil
}
