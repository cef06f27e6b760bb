package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"

	"github.com/gigmarket/gigmarket/internal/domain/moderation"
)

const DefaultModel = "claude-3-5-haiku-latest"

const systemPrompt = `You review chat messages between clients and freelancers on a marketplace.
Reject harassment, hate, threats, sexual content, scams, and attempts to move payment off the platform.
Return strict JSON only: {"approved": true|false, "reason": "<short user-facing reason when rejected>"}`

// Messager is the slice of the Anthropic client the classifier uses.
type Messager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Classifier moderates text with a Claude model.
type Classifier struct {
	messages Messager
	model    string
	logger   zerolog.Logger
}

// NewClassifier creates a classifier backed by the Anthropic API.
func NewClassifier(apiKey, model string, logger zerolog.Logger) (*Classifier, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("anthropic api key not configured")
	}
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return NewClassifierWith(&c.Messages, model, logger), nil
}

// NewClassifierWith wraps an existing messages client.
func NewClassifierWith(messages Messager, model string, logger zerolog.Logger) *Classifier {
	if model == "" {
		model = DefaultModel
	}
	return &Classifier{
		messages: messages,
		model:    model,
		logger:   logger.With().Str("component", "moderation").Logger(),
	}
}

func (c *Classifier) Moderate(ctx context.Context, content string) (moderation.Result, error) {
	resp, err := c.messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   256,
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(content))},
		Temperature: anthropic.Float(0),
	})
	if err != nil {
		return moderation.Result{}, fmt.Errorf("moderation request: %w", err)
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	res, err := parseVerdict(sb.String())
	if err != nil {
		c.logger.Warn().Err(err).Msg("unparseable moderation verdict")
		return moderation.Result{}, err
	}
	if !res.Approved && res.Reason == "" {
		res.Reason = "message was flagged by moderation"
	}
	return res, nil
}

func parseVerdict(raw string) (moderation.Result, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	var v struct {
		Approved *bool  `json:"approved"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &v); err != nil {
		return moderation.Result{}, fmt.Errorf("decode verdict: %w", err)
	}
	if v.Approved == nil {
		return moderation.Result{}, errors.New("verdict missing approved field")
	}
	return moderation.Result{Approved: *v.Approved, Reason: v.Reason}, nil
}
