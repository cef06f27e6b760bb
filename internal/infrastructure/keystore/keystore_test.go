package keystore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigmarket/gigmarket/internal/domain/payment"
)

func TestParse(t *testing.T) {
	ks, err := Parse("k1:00112233, k2:aabbccdd", "k2")
	require.NoError(t, err)

	key, err := ks.GetKey(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc, 0xdd}, key)

	_, err = ks.GetKey(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, err = Parse("nohex", "")
	assert.Error(t, err)
	_, err = Parse("k1:zz", "")
	assert.Error(t, err)
}

func TestParse_SingleKeyBecomesDefault(t *testing.T) {
	ks, err := Parse("only:0011", "")
	require.NoError(t, err)
	_, err = ks.GetKey(context.Background(), "")
	assert.NoError(t, err)
}

func TestSignAndVerify(t *testing.T) {
	ctx := context.Background()
	ks, err := Parse("k1:00112233445566778899aabbccddeeff", "")
	require.NoError(t, err)

	body := []byte(`{"eventId":"evt_1"}`)
	sig, err := ks.Sign(ctx, "k1", body)
	require.NoError(t, err)

	tests := []struct {
		name    string
		keyID   string
		body    []byte
		sig     string
		wantErr bool
	}{
		{"valid", "k1", body, sig, false},
		{"prefixed", "k1", body, "sha256=" + sig, false},
		{"default key", "", body, sig, false},
		{"tampered body", "k1", []byte(`{"eventId":"evt_2"}`), sig, true},
		{"unknown key", "k9", body, sig, true},
		{"not hex", "k1", body, "xyz", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ks.Verify(ctx, tt.keyID, tt.body, tt.sig)
			if tt.wantErr {
				assert.ErrorIs(t, err, payment.ErrInvalidSignature)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
