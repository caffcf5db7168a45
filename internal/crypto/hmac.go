package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidToken covers malformed tokens and bad signatures.
	ErrInvalidToken = errors.New("crypto: invalid bettor token")
	// ErrTokenExpired is returned for well-formed tokens past their expiry.
	ErrTokenExpired = errors.New("crypto: bettor token expired")
)

// minSecretLen is the shortest shared secret TokenAuth accepts.
const minSecretLen = 16

// TokenAuth issues and verifies bettor bearer tokens. The external login
// service and the engine share the secret; the engine only ever verifies.
//
// Token layout: <address>.<expiry unix seconds>.<base64url signature>, where
// the signature is HMAC-SHA256(secret, address + "." + expiry).
type TokenAuth struct {
	secret []byte
	now    func() time.Time
}

// NewTokenAuth returns a TokenAuth keyed with secret.
func NewTokenAuth(secret string) (*TokenAuth, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("crypto: token secret must be at least %d bytes", minSecretLen)
	}
	return &TokenAuth{secret: []byte(secret), now: time.Now}, nil
}

// WithClock overrides the clock used for expiry checks.
func (a *TokenAuth) WithClock(now func() time.Time) *TokenAuth {
	a.now = now
	return a
}

// Issue signs a token for address valid for ttl.
func (a *TokenAuth) Issue(address string, ttl time.Duration) (string, error) {
	return a.IssueAt(address, a.now().Add(ttl))
}

// IssueAt is like Issue but takes an absolute expiry.
func (a *TokenAuth) IssueAt(address string, expires time.Time) (string, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return "", err
	}
	payload := addr + "." + strconv.FormatInt(expires.Unix(), 10)
	return payload + "." + a.sign(payload), nil
}

// Verify checks the signature and expiry of token and returns the bettor
// address it was issued for.
func (a *TokenAuth) Verify(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", ErrInvalidToken
	}
	payload := parts[0] + "." + parts[1]
	if !hmac.Equal([]byte(a.sign(payload)), []byte(parts[2])) {
		return "", ErrInvalidToken
	}
	exp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", ErrInvalidToken
	}
	if !a.now().Before(time.Unix(exp, 0)) {
		return "", ErrTokenExpired
	}
	addr, err := NormalizeAddress(parts[0])
	if err != nil {
		return "", ErrInvalidToken
	}
	return addr, nil
}

func (a *TokenAuth) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// NormalizeAddress validates an EVM address and returns it lower-cased, the
// form bettors are keyed by in the ledger.
func NormalizeAddress(address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("crypto: %q is not a hex address", address)
	}
	return strings.ToLower(common.HexToAddress(address).Hex()), nil
}

// String returns a redacted representation suitable for logging.
func (a *TokenAuth) String() string {
	return "TokenAuth{secret=****}"
}
