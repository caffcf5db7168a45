package bot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shiprace/internal/crypto"
	"github.com/alanyoungcy/shiprace/internal/domain"
	"github.com/alanyoungcy/shiprace/internal/payout"
	"github.com/alanyoungcy/shiprace/internal/server"
	"github.com/alanyoungcy/shiprace/internal/server/handler"
	"github.com/alanyoungcy/shiprace/internal/service"
	"github.com/alanyoungcy/shiprace/internal/store/memory"
)

const tokenSecret = "bot-test-secret-0123456789"

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// engine starts the real HTTP stack over an in-memory ledger.
func engine(t *testing.T, freeEntries bool) (*httptest.Server, *memory.Ledger, *crypto.TokenAuth) {
	t.Helper()
	logger := discard()
	ledger := memory.NewLedger()
	game := service.GameConfig{
		OutcomeCount:         3,
		LabelPool:            []string{"Argo", "Bounty", "Clipper"},
		RoundDuration:        time.Hour,
		CutoffMargin:         time.Minute,
		IntentTTL:            time.Minute,
		MaxQuantity:          10,
		UnitPrice:            decimal.RequireFromString("0.1"),
		AmountDecimals:       6,
		Shares:               payout.Shares{WinnerBps: 7000, ParticipationBps: 2500, TreasuryBps: 500},
		FreeEntries:          freeEntries,
		DefaultDisplayWindow: time.Second,
	}
	deps := service.Deps{Ledger: ledger, Audit: memory.NewAuditStore(), Logger: logger}
	settle := service.NewSettlementService(deps, game)
	rounds := service.NewRoundService(deps, game, settle, nil)
	entries := service.NewEntryService(deps, game, service.PaymentConfig{}, service.RateLimit{})
	query := service.NewQueryService(deps)

	tokens, err := crypto.NewTokenAuth(tokenSecret)
	require.NoError(t, err)

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(nil, logger),
		Status:  handler.NewStatusHandler("server", game, service.PaymentConfig{}),
		Rounds:  handler.NewRoundHandler(rounds, query, game.CutoffMargin, logger),
		Entries: handler.NewEntryHandler(entries, query, logger),
		Admin:   handler.NewAdminHandler(rounds, settle, service.NewHeartbeat(deps, rounds, time.Second), query, logger),
	}
	srv := httptest.NewServer(server.Routes(server.Config{}, handlers, tokens, nil, nil, logger))
	t.Cleanup(srv.Close)
	return srv, ledger, tokens
}

func TestSimulatorPlacesEntriesThroughAPI(t *testing.T) {
	srv, ledger, tokens := engine(t, true)

	sim, err := New(NewClient(srv.URL), tokens, Config{Bettors: 4, MaxQuantity: 3, TokenTTL: time.Hour, Seed: 7}, discard())
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, sim.Step(ctx))
	}

	st := sim.Stats()
	assert.Equal(t, 20, st.Attempts)
	assert.Equal(t, 20, st.Entries)
	assert.Zero(t, st.Failed)

	round, err := ledger.CurrentRound(ctx)
	require.NoError(t, err)
	totals, err := ledger.OutcomeTotals(ctx, round.ID, 3)
	require.NoError(t, err)
	var sum int64
	for _, n := range totals {
		sum += n
	}
	assert.Equal(t, st.Tickets, sum, "ledger holds exactly the tickets the bot placed")

	known := map[string]bool{}
	for _, a := range sim.Addresses() {
		known[strings.ToLower(a)] = true
	}
	held, err := ledger.BettorTickets(ctx, round.ID)
	require.NoError(t, err)
	require.NotEmpty(t, held)
	for _, h := range held {
		assert.True(t, known[h.Bettor], "unexpected bettor %s", h.Bettor)
	}
}

func TestSimulatorCountsRejections(t *testing.T) {
	srv, _, tokens := engine(t, false)

	sim, err := New(NewClient(srv.URL), tokens, Config{Bettors: 1}, discard())
	require.NoError(t, err)
	require.NoError(t, sim.Step(context.Background()))

	st := sim.Stats()
	assert.Equal(t, 1, st.Rejected, "disabled free entries are a state conflict")
	assert.Zero(t, st.Entries)
}

func TestBettorAddressesAreStable(t *testing.T) {
	a, err := New(&fakeAPI{}, fakeIssuer{}, Config{Bettors: 3, Seed: 42}, discard())
	require.NoError(t, err)
	b, err := New(&fakeAPI{}, fakeIssuer{}, Config{Bettors: 3, Seed: 42}, discard())
	require.NoError(t, err)
	c, err := New(&fakeAPI{}, fakeIssuer{}, Config{Bettors: 3, Seed: 43}, discard())
	require.NoError(t, err)

	assert.Equal(t, a.Addresses(), b.Addresses())
	assert.NotEqual(t, a.Addresses(), c.Addresses())
	seen := map[string]bool{}
	for _, addr := range a.Addresses() {
		assert.Len(t, addr, 42)
		assert.False(t, seen[addr])
		seen[addr] = true
	}

	_, err = New(&fakeAPI{}, fakeIssuer{}, Config{}, discard())
	assert.Error(t, err)
}

type fakeAPI struct {
	round    Round
	roundErr error
	entryErr error
	entries  int
}

func (f *fakeAPI) CurrentRound(context.Context) (Round, error) { return f.round, f.roundErr }

func (f *fakeAPI) FreeEntry(_ context.Context, token string, outcome int, quantity int64) (Receipt, error) {
	if f.entryErr != nil {
		return Receipt{}, f.entryErr
	}
	f.entries++
	return Receipt{RoundID: f.round.RoundID, OutcomeIndex: outcome, Quantity: quantity}, nil
}

type fakeIssuer struct{ err error }

func (f fakeIssuer) Issue(address string, _ time.Duration) (string, error) {
	return "tok-" + address, f.err
}

func TestStepSkipsClosedAndCutoffRounds(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeAPI{}
	sim, err := New(api, fakeIssuer{}, Config{Bettors: 2}, discard())
	require.NoError(t, err)
	sim.now = func() time.Time { return now }

	api.round = Round{RoundID: 1, Status: "SETTLED", OutcomeCount: 3, EntryCutoffAt: now.Add(time.Minute)}
	require.NoError(t, sim.Step(context.Background()))

	api.round = Round{RoundID: 2, Status: "OPEN", OutcomeCount: 3, EntryCutoffAt: now}
	require.NoError(t, sim.Step(context.Background()))

	assert.Equal(t, 2, sim.Stats().Skipped)
	assert.Zero(t, api.entries)

	api.round.EntryCutoffAt = now.Add(time.Millisecond)
	require.NoError(t, sim.Step(context.Background()))
	assert.Equal(t, 1, api.entries)
}

func TestStepErrors(t *testing.T) {
	open := Round{RoundID: 1, Status: "OPEN", OutcomeCount: 2, EntryCutoffAt: time.Now().Add(time.Hour)}

	t.Run("round fetch failure", func(t *testing.T) {
		sim, err := New(&fakeAPI{roundErr: errors.New("connection refused")}, fakeIssuer{}, Config{Bettors: 1}, discard())
		require.NoError(t, err)
		assert.Error(t, sim.Step(context.Background()))
		assert.Equal(t, 1, sim.Stats().Failed)
	})

	t.Run("retryable rejection is swallowed", func(t *testing.T) {
		api := &fakeAPI{round: open, entryErr: &APIError{Status: 429, Code: string(domain.KindRateLimited), Retryable: true}}
		sim, err := New(api, fakeIssuer{}, Config{Bettors: 1}, discard())
		require.NoError(t, err)
		assert.NoError(t, sim.Step(context.Background()))
		assert.Equal(t, 1, sim.Stats().Rejected)
	})

	t.Run("terminal rejection is returned", func(t *testing.T) {
		api := &fakeAPI{round: open, entryErr: &APIError{Status: 401, Code: string(domain.KindUnauthorized)}}
		sim, err := New(api, fakeIssuer{}, Config{Bettors: 1}, discard())
		require.NoError(t, err)
		assert.Error(t, sim.Step(context.Background()))
		assert.Equal(t, 1, sim.Stats().Failed)
	})

	t.Run("issuer failure", func(t *testing.T) {
		sim, err := New(&fakeAPI{round: open}, fakeIssuer{err: errors.New("no key")}, Config{Bettors: 1}, discard())
		require.NoError(t, err)
		assert.Error(t, sim.Step(context.Background()))
	})
}

func TestTokensAreReused(t *testing.T) {
	issued := 0
	issuer := issuerFunc(func(address string, ttl time.Duration) (string, error) {
		issued++
		return "tok", nil
	})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeAPI{round: Round{RoundID: 1, Status: "OPEN", OutcomeCount: 2, EntryCutoffAt: now.Add(24 * time.Hour)}}
	sim, err := New(api, issuer, Config{Bettors: 1, TokenTTL: time.Hour}, discard())
	require.NoError(t, err)
	sim.now = func() time.Time { return now }

	require.NoError(t, sim.Step(context.Background()))
	require.NoError(t, sim.Step(context.Background()))
	assert.Equal(t, 1, issued)

	now = now.Add(55 * time.Minute)
	require.NoError(t, sim.Step(context.Background()))
	assert.Equal(t, 2, issued, "tokens near expiry are reissued")
}

type issuerFunc func(address string, ttl time.Duration) (string, error)

func (f issuerFunc) Issue(address string, ttl time.Duration) (string, error) { return f(address, ttl) }

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited","code":"rate_limited","retryable":true}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL+"/").FreeEntry(context.Background(), "abc", 0, 1)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Equal(t, "rate_limited", apiErr.Code)
	assert.True(t, apiErr.Retryable)
}
