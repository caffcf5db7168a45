package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")

	// Validation: rejected before any write.
	ErrInvalidOutcome  = errors.New("outcome index out of range")
	ErrInvalidQuantity = errors.New("quantity must be a positive integer")
	ErrInvalidRequest  = errors.New("invalid request")

	// State conflicts: rejected with no partial effect.
	ErrNoOpenRound       = errors.New("no open round")
	ErrEntryCutoff       = errors.New("round is within the entry cutoff window")
	ErrRoundClosed       = errors.New("round no longer accepts entries")
	ErrRoundNotEnded     = errors.New("round has not reached its end time")
	ErrIntentNotFound    = errors.New("payment intent not found or already consumed")
	ErrIntentExpired     = errors.New("payment intent expired")
	ErrIntentOwner       = errors.New("payment intent belongs to another bettor")
	ErrPaymentReplayed   = errors.New("payment reference already recorded")
	ErrFreeEntryDisabled = errors.New("free entries are disabled")
	ErrRoundOpen         = errors.New("an open round already exists")

	// External verification failures: the intent stays usable until expiry.
	ErrPaymentNotFound  = errors.New("payment not found on chain")
	ErrPaymentPending   = errors.New("payment not yet confirmed")
	ErrPaymentUnderpaid = errors.New("payment amount below required amount")
	ErrPaymentMismatch  = errors.New("payment parties do not match intent")

	// ErrSeedMissing means a round reached settlement without a usable
	// commit secret. Settlement refuses to substitute fresh entropy.
	ErrSeedMissing = errors.New("round seed secret missing")
)

// ErrorKind groups errors by how callers should react to them.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindStateConflict ErrorKind = "state_conflict"
	KindVerification  ErrorKind = "verification_failed"
	KindRateLimited   ErrorKind = "rate_limited"
	KindUnauthorized  ErrorKind = "unauthorized"
	KindNotFound      ErrorKind = "not_found"
	KindInternal      ErrorKind = "internal"
)

var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrInvalidOutcome, KindValidation},
	{ErrInvalidQuantity, KindValidation},
	{ErrInvalidRequest, KindValidation},
	{ErrNoOpenRound, KindStateConflict},
	{ErrEntryCutoff, KindStateConflict},
	{ErrRoundClosed, KindStateConflict},
	{ErrRoundNotEnded, KindStateConflict},
	{ErrIntentNotFound, KindStateConflict},
	{ErrIntentExpired, KindStateConflict},
	{ErrIntentOwner, KindStateConflict},
	{ErrPaymentReplayed, KindStateConflict},
	{ErrFreeEntryDisabled, KindStateConflict},
	{ErrRoundOpen, KindStateConflict},
	{ErrPaymentNotFound, KindVerification},
	{ErrPaymentPending, KindVerification},
	{ErrPaymentUnderpaid, KindVerification},
	{ErrPaymentMismatch, KindVerification},
	{ErrRateLimited, KindRateLimited},
	{ErrUnauthorized, KindUnauthorized},
	{ErrNotFound, KindNotFound},
}

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// PublicMessage returns the classified sentinel's message, stripping the
// wrap chain. Internal errors are reported as "internal error".
func PublicMessage(err error) string {
	var refunded *RefundedError
	if errors.As(err, &refunded) {
		return refunded.Error()
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.err.Error()
		}
	}
	return "internal error"
}

// Retryable reports whether the same request may succeed later without
// changes (timing, rate limits, chain propagation). Terminal conditions
// such as an already-recorded payment or a consumed intent are not.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrNoOpenRound),
		errors.Is(err, ErrEntryCutoff),
		errors.Is(err, ErrRoundNotEnded),
		errors.Is(err, ErrPaymentNotFound),
		errors.Is(err, ErrPaymentPending):
		return true
	}
	return KindOf(err) == KindInternal
}

// RefundedError reports that a verified payment could not buy an entry and
// that the amount was credited back to the bettor's balance. A nil Cause
// means the round had moved on.
type RefundedError struct {
	RoundID          int64
	PaymentReference string
	Amount           string
	Cause            error
}

func (e *RefundedError) Error() string {
	if e.Cause != nil {
		return e.Cause.Error() + "; payment " + e.PaymentReference + " refunded to balance"
	}
	return "round closed before confirmation; payment " + e.PaymentReference + " refunded to balance"
}

// Unwrap returns Cause, or ErrRoundClosed when none is set.
func (e *RefundedError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return ErrRoundClosed
}
