package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidOrExpired is returned when a one-time token has no matching,
// unexpired record. Callers must not distinguish the two cases.
var ErrInvalidOrExpired = errors.New("invalid or expired token")

// OneTime is a freshly generated single-use token. Plaintext is delivered to
// the user and never persisted; only Hash and ExpiresAt are stored.
type OneTime struct {
	Plaintext string
	Hash      string
	ExpiresAt time.Time
}

// Generate creates a one-time token valid for ttl from now.
func Generate(now time.Time, ttl time.Duration) (OneTime, error) {
	b := make([]byte, 32) // 32 bytes -> 43 base64url chars
	if _, err := rand.Read(b); err != nil {
		return OneTime{}, fmt.Errorf("generating random bytes: %w", err)
	}

	plaintext := base64.RawURLEncoding.EncodeToString(b)
	return OneTime{
		Plaintext: plaintext,
		Hash:      Hash(plaintext),
		ExpiresAt: now.Add(ttl).UTC(),
	}, nil
}

// Hash returns the hex-encoded SHA-256 hash of plaintext.
func Hash(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}
