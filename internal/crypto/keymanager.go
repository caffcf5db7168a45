// Package crypto provides bettor token authentication and the seed vault
// that keeps round secrets sealed at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	// minSaltLen is the shortest salt NewSeedVault accepts.
	minSaltLen = 16
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32
	// sealedPrefix versions the sealed secret format.
	sealedPrefix = "v1:"
)

// ErrUnseal is returned when a sealed value cannot be opened.
var ErrUnseal = errors.New("crypto: cannot unseal secret")

// Sealer protects round secrets stored next to their rounds.
type Sealer interface {
	Seal(secret string) (string, error)
	Unseal(sealed string) (string, error)
}

// SeedVault seals secrets with AES-256-GCM under a key derived once from a
// passphrase with PBKDF2-HMAC-SHA256.
type SeedVault struct {
	gcm cipher.AEAD
}

// NewSeedVault derives the vault key. The salt is deployment configuration
// and must stay stable, otherwise existing rounds cannot be settled.
func NewSeedVault(passphrase, salt string) (*SeedVault, error) {
	if passphrase == "" {
		return nil, errors.New("crypto: passphrase must not be empty")
	}
	if len(salt) < minSaltLen {
		return nil, fmt.Errorf("crypto: salt must be at least %d bytes", minSaltLen)
	}
	return newSeedVault(pbkdf2.Key([]byte(passphrase), []byte(salt), pbkdf2Iterations, aesKeyLen, sha256.New))
}

func newSeedVault(key []byte) (*SeedVault, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return &SeedVault{gcm: gcm}, nil
}

// Seal encrypts secret with a fresh nonce.
func (v *SeedVault) Seal(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("crypto: refusing to seal empty secret")
	}
	nonce := make([]byte, v.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: generating nonce: %w", err)
	}
	out := v.gcm.Seal(nonce, nonce, []byte(secret), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Unseal reverses Seal.
func (v *SeedVault) Unseal(sealed string) (string, error) {
	raw, ok := strings.CutPrefix(sealed, sealedPrefix)
	if !ok {
		return "", fmt.Errorf("%w: unknown format", ErrUnseal)
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnseal, err)
	}
	ns := v.gcm.NonceSize()
	if len(data) <= ns {
		return "", fmt.Errorf("%w: truncated", ErrUnseal)
	}
	plain, err := v.gcm.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: wrong passphrase or corrupted value", ErrUnseal)
	}
	return string(plain), nil
}

// PlainSealer stores secrets unencrypted. Used when no passphrase is
// configured, typically in development.
type PlainSealer struct{}

func (PlainSealer) Seal(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("crypto: refusing to seal empty secret")
	}
	return secret, nil
}

func (PlainSealer) Unseal(sealed string) (string, error) {
	if sealed == "" {
		return "", fmt.Errorf("%w: empty", ErrUnseal)
	}
	return sealed, nil
}

// NewSealer returns a SeedVault when passphrase is set and a PlainSealer
// otherwise.
func NewSealer(passphrase, salt string) (Sealer, error) {
	if passphrase == "" {
		return PlainSealer{}, nil
	}
	return NewSeedVault(passphrase, salt)
}

var (
	_ Sealer = (*SeedVault)(nil)
	_ Sealer = PlainSealer{}
)
