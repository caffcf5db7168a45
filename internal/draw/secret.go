// Package draw implements the commit-reveal fairness scheme and the
// ticket-weighted outcome selection. Everything here is deterministic given
// its inputs except NewSecret.
package draw

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
)

// SecretBytes is the entropy of a round secret.
const SecretBytes = 32

// NewSecret returns a fresh hex-encoded secret from crypto/rand.
func NewSecret() (string, error) {
	return NewSecretFrom(rand.Reader)
}

// NewSecretFrom reads SecretBytes from r and hex-encodes them.
func NewSecretFrom(r io.Reader) (string, error) {
	buf := make([]byte, SecretBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("draw: read secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Commit is the published hash of a secret: hex(sha256(secret)).
func Commit(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// VerifyCommit reports whether secret hashes to commit.
func VerifyCommit(secret, commit string) bool {
	if secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(Commit(secret)), []byte(commit)) == 1
}
