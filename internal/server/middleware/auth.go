package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/alanyoungcy/shiprace/internal/crypto"
)

type bettorKey struct{}

// WithBettor stores an authenticated bettor address on ctx.
func WithBettor(ctx context.Context, address string) context.Context {
	return context.WithValue(ctx, bettorKey{}, address)
}

// BettorFrom returns the bettor address set by Bettor.
func BettorFrom(ctx context.Context) (string, bool) {
	addr, ok := ctx.Value(bettorKey{}).(string)
	return addr, ok && addr != ""
}

// TokenVerifier resolves a bearer token to a bettor address.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Bettor returns middleware that requires a valid bettor token in the
// Authorization header and stores the bettor address on the request context.
func Bettor(tokens TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeUnauthorized(w, "missing bettor token", false)
				return
			}
			addr, err := tokens.Verify(token)
			if err != nil {
				writeUnauthorized(w, "invalid bettor token", errors.Is(err, crypto.ErrTokenExpired))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithBettor(r.Context(), addr)))
		})
	}
}

// Admin returns middleware that validates operator requests using either a
// Bearer token in the Authorization header or a static key in the X-API-Key
// header. With an empty apiKey every admin request is refused.
func Admin(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				writeUnauthorized(w, "admin api disabled", false)
				return
			}

			token := extractToken(r)
			if token == "" {
				writeUnauthorized(w, "missing authentication token", false)
				return
			}

			// Constant-time comparison to prevent timing attacks.
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				writeUnauthorized(w, "invalid authentication token", false)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or in the X-API-Key header.
func extractToken(r *http.Request) string {
	if t := bearerToken(r); t != "" {
		return t
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// writeUnauthorized sends a 401 response in the standard error envelope.
// Expired tokens are retryable after the client logs in again.
func writeUnauthorized(w http.ResponseWriter, msg string, retryable bool) {
	writeError(w, http.StatusUnauthorized, msg, "unauthorized", retryable)
}

func writeError(w http.ResponseWriter, status int, msg, code string, retryable bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	r := "false"
	if retryable {
		r = "true"
	}
	w.Write([]byte(`{"error":"` + msg + `","code":"` + code + `","retryable":` + r + `}`))
}
