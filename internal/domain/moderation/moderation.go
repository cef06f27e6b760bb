package moderation

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_moderator.go -package=mocks . Moderator

import "context"

// Result is the classification outcome for one piece of text.
type Result struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Moderator classifies user-authored text before it is stored.
type Moderator interface {
	Moderate(ctx context.Context, content string) (Result, error)
}

// Allow approves everything. Used when no classifier is configured.
type Allow struct{}

func (Allow) Moderate(context.Context, string) (Result, error) {
	return Result{Approved: true}, nil
}
