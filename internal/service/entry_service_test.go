package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shiprace/internal/domain"
)

func TestCreateIntent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r, err := h.rounds.Current(ctx)
	require.NoError(t, err)

	intent, err := h.entries.CreateIntent(ctx, alice, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, r.ID, intent.RoundID)
	assert.Equal(t, 2, intent.OutcomeIndex)
	assertDec(t, "0.3", intent.RequiredAmount)
	assert.Equal(t, "300000", intent.BaseUnits)
	assert.Equal(t, payDest, intent.Destination)
	assert.Equal(t, int64(8453), intent.ChainID)
	assert.Equal(t, t0.Add(2*time.Minute), intent.ExpiresAt)

	stored, err := h.ledger.GetIntent(ctx, intent.IntentID)
	require.NoError(t, err)
	assert.Equal(t, alice, stored.Bettor)
}

func TestCreateIntentRejects(t *testing.T) {
	tests := []struct {
		name    string
		outcome int
		qty     int64
		want    error
	}{
		{name: "negative outcome", outcome: -1, qty: 1, want: domain.ErrInvalidOutcome},
		{name: "outcome out of range", outcome: 4, qty: 1, want: domain.ErrInvalidOutcome},
		{name: "zero quantity", outcome: 0, qty: 0, want: domain.ErrInvalidQuantity},
		{name: "above max quantity", outcome: 0, qty: 101, want: domain.ErrInvalidQuantity},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.rounds.Current(context.Background())
			require.NoError(t, err)

			_, err = h.entries.CreateIntent(context.Background(), alice, tc.outcome, tc.qty)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, domain.KindValidation, domain.KindOf(err))
		})
	}
}

func TestCreateIntentNoRound(t *testing.T) {
	h := newHarness(t)
	_, err := h.entries.CreateIntent(context.Background(), alice, 0, 1)
	assert.ErrorIs(t, err, domain.ErrNoOpenRound)
}

func TestEntryCutoffBoundary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r, err := h.rounds.Current(ctx)
	require.NoError(t, err)
	cutoff := r.EndsAt.Add(-h.game.CutoffMargin)

	h.clock.Set(cutoff.Add(-time.Millisecond))
	_, err = h.entries.CreateIntent(ctx, alice, 0, 1)
	require.NoError(t, err, "just before cutoff is accepted")
	h.free(t, alice, 0, 1)

	h.clock.Set(cutoff)
	_, err = h.entries.CreateIntent(ctx, alice, 0, 1)
	require.NoError(t, err, "exactly at cutoff is accepted")
	h.free(t, alice, 0, 1)

	h.clock.Set(cutoff.Add(time.Millisecond))
	_, err = h.entries.CreateIntent(ctx, alice, 0, 1)
	assert.ErrorIs(t, err, domain.ErrEntryCutoff)
	_, err = h.entries.FreeEntry(ctx, alice, 0, 1)
	assert.ErrorIs(t, err, domain.ErrEntryCutoff)
}

func TestConfirmEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r, err := h.rounds.Current(ctx)
	require.NoError(t, err)

	intent, err := h.entries.CreateIntent(ctx, alice, 1, 4)
	require.NoError(t, err)
	h.clock.Advance(30 * time.Second)

	ref := txRef(1)
	receipt, err := h.entries.ConfirmEntry(ctx, alice, intent.IntentID, "  "+ref+"  ")
	require.NoError(t, err)
	assert.Equal(t, r.ID, receipt.RoundID)
	assert.Equal(t, int64(4), receipt.Quantity)
	assert.Equal(t, []int64{0, 4, 0, 0}, receipt.TicketTotals)

	exists, err := h.ledger.PaymentExists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, 1, h.bus.count(domain.ChannelEntries))

	_, err = h.ledger.GetIntent(ctx, intent.IntentID)
	assert.ErrorIs(t, err, domain.ErrIntentNotFound, "intent is single use")

	t.Run("intent reuse", func(t *testing.T) {
		_, err := h.entries.ConfirmEntry(ctx, alice, intent.IntentID, txRef(2))
		assert.ErrorIs(t, err, domain.ErrIntentNotFound)
	})

	t.Run("reference replay", func(t *testing.T) {
		again, err := h.entries.CreateIntent(ctx, alice, 1, 4)
		require.NoError(t, err)
		_, err = h.entries.ConfirmEntry(ctx, alice, again.IntentID, ref)
		assert.ErrorIs(t, err, domain.ErrPaymentReplayed)

		totals, err := h.ledger.OutcomeTotals(ctx, r.ID, r.OutcomeCount)
		require.NoError(t, err)
		assert.Equal(t, []int64{0, 4, 0, 0}, totals, "replay adds no tickets")
	})
}

func TestConfirmEntryRejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.rounds.Current(ctx)
	require.NoError(t, err)

	intent, err := h.entries.CreateIntent(ctx, alice, 0, 1)
	require.NoError(t, err)

	_, err = h.entries.ConfirmEntry(ctx, alice, "not-a-uuid", txRef(1))
	assert.ErrorIs(t, err, domain.ErrIntentNotFound)

	_, err = h.entries.ConfirmEntry(ctx, alice, intent.IntentID, "   ")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = h.entries.ConfirmEntry(ctx, bob, intent.IntentID, txRef(1))
	assert.ErrorIs(t, err, domain.ErrIntentOwner)

	h.verifier.fail(txRef(1), domain.ErrPaymentPending)
	_, err = h.entries.ConfirmEntry(ctx, alice, intent.IntentID, txRef(1))
	assert.ErrorIs(t, err, domain.ErrPaymentPending)
	assert.Equal(t, domain.KindVerification, domain.KindOf(err))

	// Verification failures leave the intent usable.
	_, err = h.entries.ConfirmEntry(ctx, alice, intent.IntentID, txRef(2))
	require.NoError(t, err)

	expiring, err := h.entries.CreateIntent(ctx, alice, 0, 1)
	require.NoError(t, err)
	h.clock.Set(expiring.ExpiresAt)
	_, err = h.entries.ConfirmEntry(ctx, alice, expiring.IntentID, txRef(3))
	assert.ErrorIs(t, err, domain.ErrIntentExpired)
}

func TestConfirmEntryLatePaymentRefunded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r, err := h.rounds.Current(ctx)
	require.NoError(t, err)

	h.clock.Set(r.EndsAt.Add(-time.Minute))
	intent, err := h.entries.CreateIntent(ctx, bob, 3, 2)
	require.NoError(t, err)
	h.clock.Set(r.EndsAt.Add(-5 * time.Second))

	_, err = h.entries.ConfirmEntry(ctx, bob, intent.IntentID, txRef(9))
	var refunded *domain.RefundedError
	require.True(t, errors.As(err, &refunded), "got %v", err)
	assert.ErrorIs(t, err, domain.ErrRoundClosed)
	assert.Equal(t, r.ID, refunded.RoundID)
	assert.Equal(t, txRef(9), refunded.PaymentReference)
	assert.Equal(t, "0.2", refunded.Amount)

	assertDec(t, "0.2", h.balance(t, bob))
	totals, err := h.ledger.OutcomeTotals(ctx, r.ID, r.OutcomeCount)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 0, 0, 0}, totals)

	recons, err := h.ledger.ListReconciliations(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, recons, 1)
	assert.Equal(t, domain.ReconLatePayment, recons[0].Kind)
	assert.Equal(t, "auto_refunded", recons[0].Status)
	require.Len(t, h.alerts.refunds, 1)
	assert.Equal(t, 1, h.auditCount("payment.refunded"))

	_, err = h.entries.ConfirmEntry(ctx, bob, intent.IntentID, txRef(9))
	assert.Error(t, err, "refunded reference cannot be replayed")
}

// duringVerify runs hook once while the first payment is being verified.
type duringVerify struct {
	*fakeVerifier
	fired atomic.Bool
	hook  func()
}

func (d *duringVerify) Verify(ctx context.Context, c domain.PaymentCheck) (domain.VerifiedPayment, error) {
	if d.fired.CompareAndSwap(false, true) {
		d.hook()
	}
	return d.fakeVerifier.Verify(ctx, c)
}

func TestConfirmEntryIntentLostDuringVerification(t *testing.T) {
	tests := []struct {
		name string
		// lose removes the intent while the payment for ref is being verified.
		lose func(t *testing.T, h *harness, intent domain.EntryIntent)
		// tickets is what the round holds afterwards.
		tickets []int64
	}{
		{
			name: "purged by heartbeat",
			lose: func(t *testing.T, h *harness, intent domain.EntryIntent) {
				h.clock.Set(intent.ExpiresAt)
				_, err := NewHeartbeat(h.deps, h.rounds, time.Second).Tick(context.Background())
				require.NoError(t, err)
			},
			tickets: []int64{0, 0, 0, 0},
		},
		{
			name: "consumed by a concurrent confirmation",
			lose: func(t *testing.T, h *harness, intent domain.EntryIntent) {
				_, err := h.entries.ConfirmEntry(context.Background(), alice, intent.IntentID, txRef(2))
				require.NoError(t, err)
			},
			tickets: []int64{0, 0, 3, 0},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			r, err := h.rounds.Current(ctx)
			require.NoError(t, err)
			intent, err := h.entries.CreateIntent(ctx, alice, 2, 3)
			require.NoError(t, err)

			h.deps.Verifier = &duringVerify{fakeVerifier: h.verifier, hook: func() { tc.lose(t, h, intent) }}
			h.rebuild()

			_, err = h.entries.ConfirmEntry(ctx, alice, intent.IntentID, txRef(1))
			var refunded *domain.RefundedError
			require.True(t, errors.As(err, &refunded), "got %v", err)
			assert.ErrorIs(t, err, domain.ErrIntentNotFound)
			assert.Equal(t, domain.KindStateConflict, domain.KindOf(err))
			assert.Equal(t, txRef(1), refunded.PaymentReference)
			assert.Equal(t, "0.3", refunded.Amount)

			exists, err := h.ledger.PaymentExists(ctx, txRef(1))
			require.NoError(t, err)
			assert.True(t, exists, "verified payment is recorded")
			assertDec(t, "0.3", h.balance(t, alice))

			recons, err := h.ledger.ListReconciliations(ctx, domain.ListOpts{})
			require.NoError(t, err)
			require.Len(t, recons, 1)
			assert.Equal(t, domain.ReconUnmatched, recons[0].Kind)
			assert.Equal(t, txRef(1), recons[0].PaymentReference)
			require.Len(t, h.alerts.refunds, 1)

			totals, err := h.ledger.OutcomeTotals(ctx, r.ID, r.OutcomeCount)
			require.NoError(t, err)
			assert.Equal(t, tc.tickets, totals)
		})
	}
}

func TestFreeEntry(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		h := newHarness(t, func(g *GameConfig) { g.FreeEntries = false })
		_, err := h.rounds.Current(context.Background())
		require.NoError(t, err)
		_, err = h.entries.FreeEntry(context.Background(), alice, 0, 1)
		assert.ErrorIs(t, err, domain.ErrFreeEntryDisabled)
	})

	t.Run("rate limited", func(t *testing.T) {
		h := newHarness(t)
		h.deps.Limiter = denyLimiter{allow: false}
		h.rebuild()
		_, err := h.rounds.Current(context.Background())
		require.NoError(t, err)
		_, err = h.entries.FreeEntry(context.Background(), alice, 0, 1)
		assert.ErrorIs(t, err, domain.ErrRateLimited)
		_, err = h.entries.CreateIntent(context.Background(), alice, 0, 1)
		assert.ErrorIs(t, err, domain.ErrRateLimited)
	})

	t.Run("accumulates tickets", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.rounds.Current(context.Background())
		require.NoError(t, err)
		h.free(t, alice, 0, 2)
		rec := h.free(t, bob, 0, 3)
		assert.Equal(t, []int64{5, 0, 0, 0}, rec.TicketTotals)
	})
}
