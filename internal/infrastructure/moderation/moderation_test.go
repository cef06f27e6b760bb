package moderation

import (
	"context"
	"errors"
	"testing"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigmarket/gigmarket/internal/domain/moderation"
)

type fakeMessager struct {
	text  string
	err   error
	calls int
}

func (f *fakeMessager) New(_ context.Context, _ anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &anthropic.Message{Content: []anthropic.ContentBlockUnion{{Type: "text", Text: f.text}}}, nil
}

func TestRules(t *testing.T) {
	r := NewRules([]string{"Western Union"})
	tests := []struct {
		content  string
		approved bool
	}{
		{"happy to start on Monday", true},
		{"mail me at jane.doe@example.com", false},
		{"jane (at) example (dot) com", false},
		{"call +1 415 555 0100", false},
		{"budget is 1500 for 3 pages", true},
		{"pay me through western union", false},
	}
	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			res, err := r.Moderate(context.Background(), tt.content)
			require.NoError(t, err)
			assert.Equal(t, tt.approved, res.Approved)
			if !tt.approved {
				assert.NotEmpty(t, res.Reason)
			}
		})
	}
}

func TestClassifier(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		err      error
		approved bool
		reason   string
		wantErr  bool
	}{
		{name: "approved", text: `{"approved": true}`, approved: true},
		{name: "rejected with reason", text: `{"approved": false, "reason": "threatening language"}`, reason: "threatening language"},
		{name: "rejected without reason", text: "```json\n{\"approved\": false}\n```", reason: "message was flagged by moderation"},
		{name: "missing field", text: `{"reason": "x"}`, wantErr: true},
		{name: "not json", text: "I think this is fine", wantErr: true},
		{name: "transport", err: errors.New("503"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifierWith(&fakeMessager{text: tt.text, err: tt.err}, "", zerolog.Nop())
			res, err := c.Moderate(context.Background(), "some text")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.approved, res.Approved)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}
}

func TestChain_StopsAtFirstRejection(t *testing.T) {
	llm := &fakeMessager{text: `{"approved": true}`}
	chain := Chain{NewRules(nil), NewClassifierWith(llm, "", zerolog.Nop())}

	res, err := chain.Moderate(context.Background(), "write me at a@b.io")
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, 0, llm.calls)

	res, err = chain.Moderate(context.Background(), "sounds good")
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.Equal(t, 1, llm.calls)
}

var _ moderation.Moderator = Chain{}

func TestNewClassifier_RequiresKey(t *testing.T) {
	_, err := NewClassifier(" ", "", zerolog.Nop())
	assert.Error(t, err)
}
