package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shiprace/internal/crypto"
	"github.com/alanyoungcy/shiprace/internal/domain"
	"github.com/alanyoungcy/shiprace/internal/draw"
	"github.com/alanyoungcy/shiprace/internal/payout"
	"github.com/alanyoungcy/shiprace/internal/store/memory"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

const (
	alice    = "0x00000000000000000000000000000000000000a1"
	bob      = "0x00000000000000000000000000000000000000b2"
	carol    = "0x00000000000000000000000000000000000000c3"
	treasury = "0x0000000000000000000000000000000000007e57"
	payDest  = "0x00000000000000000000000000000000000000dd"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeVerifier struct {
	mu    sync.Mutex
	errs  map[string]error
	calls int
}

func (f *fakeVerifier) Verify(_ context.Context, c domain.PaymentCheck) (domain.VerifiedPayment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[c.Reference]; err != nil {
		return domain.VerifiedPayment{}, err
	}
	return domain.VerifiedPayment{Reference: c.Reference, Payer: c.Payer, Amount: c.Amount, Block: 42}, nil
}

func (f *fakeVerifier) fail(ref string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs == nil {
		f.errs = map[string]error{}
	}
	f.errs[ref] = err
}

type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	stream    []domain.StreamMessage
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.published == nil {
		b.published = map[string][][]byte{}
	}
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *fakeBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stream = append(b.stream, domain.StreamMessage{ID: fmt.Sprintf("%d-0", len(b.stream)+1), Payload: payload})
	return nil
}

func (b *fakeBus) StreamRead(_ context.Context, _ string, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	started := lastID == "" || lastID == "0-0"
	for _, m := range b.stream {
		if started {
			out = append(out, m)
			if len(out) == count {
				break
			}
		}
		if m.ID == lastID {
			started = true
		}
	}
	return out, nil
}

func (b *fakeBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[channel])
}

type denyLimiter struct{ allow bool }

func (d denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return d.allow, nil
}

type heldLocks struct{}

func (heldLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, fmt.Errorf("test: %w", domain.ErrLockHeld)
}

type recordAlerts struct {
	mu       sync.Mutex
	settled  []int64
	refunds  []domain.Reconciliation
	failures []int64
	forced   int
}

func (a *recordAlerts) RoundSettled(_ context.Context, r domain.Round) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled = append(a.settled, r.ID)
}

func (a *recordAlerts) PaymentRefunded(_ context.Context, rec domain.Reconciliation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refunds = append(a.refunds, rec)
}

func (a *recordAlerts) SettlementFailed(_ context.Context, roundID int64, _ error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, roundID)
}

func (a *recordAlerts) RoundForced(context.Context, int64, int64, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forced++
}

type harness struct {
	clock    *testClock
	ledger   *memory.Ledger
	audit    *memory.AuditStore
	bus      *fakeBus
	verifier *fakeVerifier
	alerts   *recordAlerts
	deps     Deps
	game     GameConfig

	settle  *SettlementService
	rounds  *RoundService
	entries *EntryService
	query   *QueryService
}

func testGame() GameConfig {
	return GameConfig{
		OutcomeCount:    4,
		LabelPool:       []string{"Aurora", "Borealis", "Cygnus", "Draco", "Eridanus", "Fornax"},
		RoundDuration:   5 * time.Minute,
		CutoffMargin:    10 * time.Second,
		IntentTTL:       2 * time.Minute,
		MaxQuantity:     100,
		UnitPrice:       decimal.RequireFromString("0.1"),
		AmountDecimals:  6,
		Shares:          payout.Shares{WinnerBps: 7000, ParticipationBps: 2500, TreasuryBps: 500},
		TreasuryAccount: treasury,
		FreeEntries:     true,

		Modes:                []string{"classic", "sprint"},
		DisplayWindows:       map[string]time.Duration{"sprint": 10 * time.Second},
		DefaultDisplayWindow: 30 * time.Second,
	}
}

func newHarness(t *testing.T, mutate ...func(*GameConfig)) *harness {
	t.Helper()
	h := &harness{
		clock:    &testClock{now: t0},
		ledger:   memory.NewLedger(),
		audit:    memory.NewAuditStore(),
		bus:      &fakeBus{},
		verifier: &fakeVerifier{},
		alerts:   &recordAlerts{},
		game:     testGame(),
	}
	for _, m := range mutate {
		m(&h.game)
	}
	h.deps = Deps{
		Ledger:   h.ledger,
		Audit:    h.audit,
		Bus:      h.bus,
		Verifier: h.verifier,
		Sealer:   crypto.PlainSealer{},
		Alerts:   h.alerts,
		Now:      h.clock.Now,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	h.rebuild()
	return h
}

func (h *harness) rebuild() {
	h.settle = NewSettlementService(h.deps, h.game)
	h.rounds = NewRoundService(h.deps, h.game, h.settle, draw.NewSeededRNG(7))
	h.entries = NewEntryService(h.deps, h.game,
		PaymentConfig{Destination: payDest, Token: "0x00000000000000000000000000000000000000aa", ChainID: 8453, TokenDecimals: 6},
		RateLimit{Limit: 100, Window: time.Minute},
	)
	h.query = NewQueryService(h.deps)
}

// seedRound opens round id with a known plaintext secret ending at endsAt.
func (h *harness) seedRound(t *testing.T, secret string, endsAt time.Time) domain.Round {
	t.Helper()
	return h.seedRoundWith(t, secret, endsAt, nil)
}

// seedRoundWith is seedRound with a hook to alter the row before insert.
func (h *harness) seedRoundWith(t *testing.T, secret string, endsAt time.Time, mutate func(*domain.Round)) domain.Round {
	t.Helper()
	var r domain.Round
	err := h.ledger.InTx(context.Background(), func(tx domain.LedgerTx) error {
		id, err := tx.NextRoundID(context.Background())
		if err != nil {
			return err
		}
		r = domain.Round{
			ID:                id,
			Status:            domain.RoundStatusOpen,
			StartedAt:         endsAt.Add(-h.game.RoundDuration),
			EndsAt:            endsAt,
			OutcomeCount:      h.game.OutcomeCount,
			Mode:              draw.ModeFor(id, h.game.Modes),
			OutcomeLabels:     h.game.LabelPool[:h.game.OutcomeCount],
			SeedCommit:        draw.Commit(secret),
			SealedSecret:      secret,
			EmissionsTotal:    decimal.Zero,
			WinnerPool:        decimal.Zero,
			ParticipationPool: decimal.Zero,
			TreasuryCut:       decimal.Zero,
			DistributedTotal:  decimal.Zero,
		}
		if mutate != nil {
			mutate(&r)
		}
		if err := tx.InsertRound(context.Background(), r); err != nil {
			return err
		}
		return tx.SetCurrentRound(context.Background(), id)
	})
	require.NoError(t, err)
	return r
}

// secretFor finds a secret whose draw over totals picks winner.
func secretFor(t *testing.T, roundID int64, endsAt time.Time, totals []int64, winner int) string {
	t.Helper()
	for i := 0; i < 10_000; i++ {
		secret := fmt.Sprintf("%064x", i)
		res, err := draw.Run(secret, roundID, endsAt, totals)
		require.NoError(t, err)
		if res.Winner == winner {
			return secret
		}
	}
	t.Fatalf("no secret selects outcome %d", winner)
	return ""
}

func (h *harness) free(t *testing.T, bettor string, outcome int, qty int64) domain.EntryReceipt {
	t.Helper()
	rec, err := h.entries.FreeEntry(context.Background(), bettor, outcome, qty)
	require.NoError(t, err)
	return rec
}

func (h *harness) balance(t *testing.T, account string) decimal.Decimal {
	t.Helper()
	b, err := h.ledger.GetBalance(context.Background(), account)
	require.NoError(t, err)
	return b.Amount
}

func (h *harness) auditCount(event string) int {
	n := 0
	for _, e := range h.audit.Events() {
		if e == event {
			n++
		}
	}
	return n
}

func txRef(i int) string {
	return fmt.Sprintf("0x%064x", i)
}
