package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClasses(t *testing.T) {
	sentinel := errors.New("waiting for the other party")

	tests := []struct {
		name   string
		err    error
		class  error
		reason string
	}{
		{"validation", Validation("content is %s", "empty"), ErrValidation, "content is empty"},
		{"policy", Policy("contact info"), ErrPolicy, "contact info"},
		{"policy from sentinel", PolicyFrom(sentinel), ErrPolicy, "waiting for the other party"},
		{"transient", Transient(errors.New("dial tcp: refused")), ErrTransient, "temporarily unavailable, please retry"},
		{"not found", NotFound("proposal"), ErrNotFound, "proposal not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.class)
			assert.Equal(t, tt.reason, Reason(tt.err))
			wrapped := fmt.Errorf("send: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.class)
			assert.Equal(t, tt.reason, Reason(wrapped))
		})
	}
}

func TestPolicyFromKeepsCause(t *testing.T) {
	sentinel := errors.New("not your turn")
	err := PolicyFrom(sentinel)
	assert.ErrorIs(t, err, sentinel)
	assert.NotErrorIs(t, err, ErrTransient)
}

func TestTransientDoesNotReclassify(t *testing.T) {
	err := Transient(Policy("blocked"))
	assert.ErrorIs(t, err, ErrPolicy)
	assert.NotErrorIs(t, err, ErrTransient)
	assert.Nil(t, Transient(nil))
}

func TestIsUserFacing(t *testing.T) {
	assert.True(t, IsUserFacing(Validation("x")))
	assert.True(t, IsUserFacing(Policy("x")))
	assert.False(t, IsUserFacing(Transient(errors.New("x"))))
	assert.False(t, IsUserFacing(errors.New("x")))
}
