package keystore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/gigmarket/gigmarket/internal/domain/payment"
)

var ErrKeyNotFound = errors.New("key not found")

// StaticKeyStore holds the HMAC keys payment webhooks are signed with.
// Several keys may be live at once so the gateway secret can be rotated.
type StaticKeyStore struct {
	keys         map[string][]byte
	defaultKeyID string
}

// Parse builds a keystore from "keyId:hex,keyId2:hex". defaultKeyID is used
// when a webhook does not name its key.
func Parse(raw, defaultKeyID string) (*StaticKeyStore, error) {
	keys := make(map[string][]byte)
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, errors.New("invalid webhook key format, want keyId:hex")
		}
		key, err := hex.DecodeString(parts[1])
		if err != nil {
			return nil, fmt.Errorf("webhook key %s: %w", parts[0], err)
		}
		keys[parts[0]] = key
	}
	if defaultKeyID == "" && len(keys) == 1 {
		for id := range keys {
			defaultKeyID = id
		}
	}
	return &StaticKeyStore{keys: keys, defaultKeyID: defaultKeyID}, nil
}

func (s *StaticKeyStore) GetKey(ctx context.Context, keyID string) ([]byte, error) {
	_ = ctx
	if keyID == "" {
		keyID = s.defaultKeyID
	}
	key, ok := s.keys[keyID]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

// Sign returns the hex HMAC-SHA256 of body under keyID.
func (s *StaticKeyStore) Sign(ctx context.Context, keyID string, body []byte) (string, error) {
	key, err := s.GetKey(ctx, keyID)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a hex signature. It returns payment.ErrInvalidSignature for
// unknown keys and mismatches alike.
func (s *StaticKeyStore) Verify(ctx context.Context, keyID string, body []byte, signature string) error {
	want, err := s.Sign(ctx, keyID, body)
	if err != nil {
		return payment.ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return payment.ErrInvalidSignature
	}
	wantRaw, _ := hex.DecodeString(want)
	if !hmac.Equal(got, wantRaw) {
		return payment.ErrInvalidSignature
	}
	return nil
}
