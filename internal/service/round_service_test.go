package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shiprace/internal/domain"
	"github.com/alanyoungcy/shiprace/internal/draw"
)

func TestCurrentOpensFirstRound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r, err := h.rounds.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.ID)
	assert.Equal(t, domain.RoundStatusOpen, r.Status)
	assert.Equal(t, "classic", r.Mode)
	assert.Equal(t, t0.Add(5*time.Minute), r.EndsAt)
	require.Len(t, r.OutcomeLabels, 4)

	seen := map[string]bool{}
	for _, l := range r.OutcomeLabels {
		assert.Contains(t, h.game.LabelPool, l)
		assert.False(t, seen[l], "duplicate label %s", l)
		seen[l] = true
	}
	assert.True(t, draw.VerifyCommit(r.SealedSecret, r.SeedCommit))
	assert.Equal(t, 1, h.auditCount("round.created"))
	assert.Equal(t, 1, h.bus.count(domain.ChannelRounds))

	again, err := h.rounds.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, r.ID, again.ID)
	assert.Equal(t, 1, h.auditCount("round.created"))
}

func TestCurrentConcurrentPollersConverge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const pollers = 16
	ids := make([]int64, pollers)
	var wg sync.WaitGroup
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := h.rounds.Current(ctx)
			if err == nil {
				ids[i] = r.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, int64(1), id)
	}
	_, err := h.ledger.GetRound(ctx, 2)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCurrentLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.rounds.Current(ctx)
	require.NoError(t, err)
	h.free(t, alice, 0, 1)

	h.clock.Set(first.EndsAt)
	settled, err := h.rounds.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, settled.ID)
	assert.Equal(t, domain.RoundStatusSettled, settled.Status)
	require.NotNil(t, settled.SeedReveal)
	assertDec(t, "0.095", h.balance(t, alice))
	assertDec(t, "0.005", h.balance(t, treasury))

	// Repeated polls inside the display window never settle again.
	for i := 0; i < 5; i++ {
		h.clock.Advance(time.Second)
		again, err := h.rounds.Current(ctx)
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	}
	assertDec(t, "0.095", h.balance(t, alice))
	assertDec(t, "0.005", h.balance(t, treasury))
	payouts, err := h.ledger.ListPayouts(ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, payouts, 2)
	assert.Len(t, h.alerts.settled, 1)
	h.clock.Set(first.EndsAt)

	// Classic rounds stay on display for 30s after settling.
	h.clock.Advance(30 * time.Second)
	still, err := h.rounds.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, still.ID)

	h.clock.Advance(time.Millisecond)
	next, err := h.rounds.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID+1, next.ID)
	assert.Equal(t, domain.RoundStatusOpen, next.Status)
	assert.Equal(t, "sprint", next.Mode)
	assert.Equal(t, h.clock.Now(), next.StartedAt)

	// Sprint rounds use the shorter window.
	h.clock.Set(next.EndsAt)
	_, err = h.rounds.Current(ctx)
	require.NoError(t, err)
	h.clock.Advance(10*time.Second + time.Millisecond)
	third, err := h.rounds.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, next.ID+1, third.ID)
	assert.Equal(t, "classic", third.Mode)
}

func TestCurrentSurfacesSettlementFailure(t *testing.T) {
	h := newHarness(t)
	r := h.seedRoundWith(t, "ab", t0.Add(time.Minute), func(r *domain.Round) { r.SealedSecret = "" })
	h.clock.Set(r.EndsAt)

	_, err := h.rounds.Current(context.Background())
	assert.ErrorIs(t, err, domain.ErrSeedMissing)

	cur, err := h.ledger.CurrentRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, r.ID, cur.ID, "a failed settlement never advances the pointer")
	assert.Equal(t, domain.RoundStatusOpen, cur.Status)
}

func TestCreateRound(t *testing.T) {
	t.Run("without an open round", func(t *testing.T) {
		h := newHarness(t)
		out, err := h.rounds.CreateRound(context.Background(), CreateRoundRequest{Duration: time.Minute})
		require.NoError(t, err)
		assert.Nil(t, out.Closed)
		assert.Equal(t, t0.Add(time.Minute), out.Round.EndsAt)

		cur, err := h.ledger.CurrentRound(context.Background())
		require.NoError(t, err)
		assert.Equal(t, out.Round.ID, cur.ID)
	})

	t.Run("refuses while open", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.rounds.Current(context.Background())
		require.NoError(t, err)
		_, err = h.rounds.CreateRound(context.Background(), CreateRoundRequest{})
		assert.ErrorIs(t, err, domain.ErrRoundOpen)
		assert.Equal(t, domain.KindStateConflict, domain.KindOf(err))
	})

	t.Run("after settlement", func(t *testing.T) {
		h := newHarness(t)
		r, err := h.rounds.Current(context.Background())
		require.NoError(t, err)
		h.clock.Set(r.EndsAt)
		_, err = h.rounds.Current(context.Background())
		require.NoError(t, err)

		out, err := h.rounds.CreateRound(context.Background(), CreateRoundRequest{})
		require.NoError(t, err)
		assert.Nil(t, out.Closed)
		assert.Equal(t, r.ID+1, out.Round.ID)
	})
}

func TestCreateRoundForceRefunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r, err := h.rounds.Current(ctx)
	require.NoError(t, err)

	paid, err := h.entries.CreateIntent(ctx, alice, 0, 2)
	require.NoError(t, err)
	_, err = h.entries.ConfirmEntry(ctx, alice, paid.IntentID, txRef(1))
	require.NoError(t, err)
	h.free(t, carol, 1, 5)

	// Bob's payment lands inside the cutoff and is refunded on the spot.
	h.clock.Set(r.EndsAt.Add(-time.Minute))
	late, err := h.entries.CreateIntent(ctx, bob, 2, 1)
	require.NoError(t, err)
	h.clock.Set(r.EndsAt.Add(-5 * time.Second))
	_, err = h.entries.ConfirmEntry(ctx, bob, late.IntentID, txRef(2))
	require.Error(t, err)
	assertDec(t, "0.1", h.balance(t, bob))

	out, err := h.rounds.CreateRound(ctx, CreateRoundRequest{Force: true})
	require.NoError(t, err)
	require.NotNil(t, out.Closed)
	assert.Equal(t, r.ID, out.Closed.ID)
	assert.Equal(t, domain.RoundStatusClosed, out.Closed.Status)
	assert.Nil(t, out.Closed.WinningOutcome)
	require.Len(t, out.Refunds, 1)
	assert.Equal(t, alice, out.Refunds[0].Bettor)
	assert.Equal(t, domain.ReconForcedClose, out.Refunds[0].Kind)

	assertDec(t, "0.2", h.balance(t, alice))
	assertDec(t, "0.1", h.balance(t, bob), "late refund is not paid twice")
	assert.True(t, h.balance(t, carol).IsZero(), "free entries are not refunded")

	assert.Equal(t, r.ID+1, out.Round.ID)
	assert.Equal(t, domain.RoundStatusOpen, out.Round.Status)
	assert.Equal(t, 1, h.alerts.forced)
	assert.Equal(t, 1, h.auditCount("round.force_closed"))

	// A closed round is never settled.
	h.clock.Set(r.EndsAt.Add(time.Hour))
	res, err := h.settle.TrySettle(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, res.Settled)
	assert.Equal(t, domain.RoundStatusClosed, res.Round.Status)
}
