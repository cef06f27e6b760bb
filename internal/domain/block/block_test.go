package block

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_Precedence(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	temp := NewTimed("u1", ScopeMessaging, time.Hour, "", now)
	expired := NewTimed("u1", ScopeMessaging, -time.Minute, "", now)
	permanent := &Block{UserID: "u1", Scope: ScopeMessaging, IsPermanent: true}
	spam := SpamStatus{Blocked: true, RemainingSeconds: 90}

	tests := []struct {
		name   string
		in     Inputs
		source Source
		until  *time.Time
	}{
		{"nothing", Inputs{}, SourceNone, nil},
		{"unlock only", Inputs{UnlockRequired: true}, SourceUnlock, nil},
		{"spam beats unlock", Inputs{Spam: spam, UnlockRequired: true}, SourceSpam, timePtr(now.Add(90 * time.Second))},
		{"platform beats spam", Inputs{Platform: temp, Spam: spam, UnlockRequired: true}, SourcePlatform, temp.BlockedUntil},
		{"permanent has no end", Inputs{Platform: permanent, Spam: spam}, SourcePlatform, nil},
		{"expired platform is ignored", Inputs{Platform: expired, Spam: spam}, SourceSpam, timePtr(now.Add(90 * time.Second))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Evaluate(tt.in, now)
			assert.Equal(t, tt.source, v.Source)
			assert.Equal(t, tt.source != SourceNone, v.Blocked)
			if tt.until == nil {
				assert.Nil(t, v.BlockedUntil)
			} else {
				require.NotNil(t, v.BlockedUntil)
				assert.Equal(t, *tt.until, *v.BlockedUntil)
			}
			if v.Blocked {
				assert.NotEmpty(t, v.Reason)
			}
		})
	}
}

func TestEvaluate_PlatformReasonOverrides(t *testing.T) {
	now := time.Now().UTC()
	b := NewTimed("u1", ScopeMessaging, time.Hour, "harassment report under review", now)
	v := Evaluate(Inputs{Platform: b}, now)
	assert.Equal(t, "harassment report under review", v.Reason)
}

func TestUnlockRequired(t *testing.T) {
	assert.True(t, UnlockRequired(true, true, false, 0))
	assert.False(t, UnlockRequired(false, true, false, 0), "owner is never gated")
	assert.False(t, UnlockRequired(true, false, false, 0), "accepted proposals are open")
	assert.False(t, UnlockRequired(true, true, true, 0), "explicit unlock")
	assert.False(t, UnlockRequired(true, true, false, 1), "owner wrote first")
}

func TestBlock_ActiveAt(t *testing.T) {
	now := time.Now().UTC()
	var none *Block
	assert.False(t, none.ActiveAt(now))
	assert.True(t, NewTimed("u", ScopeSpam, time.Second, "", now).ActiveAt(now))
	assert.False(t, NewTimed("u", ScopeSpam, time.Second, "", now).ActiveAt(now.Add(time.Second)))
}

func timePtr(t time.Time) *time.Time {
	return &t
}
