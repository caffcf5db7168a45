package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shiprace/internal/crypto"
	"github.com/alanyoungcy/shiprace/internal/domain"
	"github.com/alanyoungcy/shiprace/internal/payout"
	"github.com/alanyoungcy/shiprace/internal/server/handler"
	"github.com/alanyoungcy/shiprace/internal/service"
	"github.com/alanyoungcy/shiprace/internal/store/memory"
)

const (
	adminKey = "test-admin-key"
	alice    = "0x00000000000000000000000000000000000000a1"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type verifier struct{ err error }

func (v verifier) Verify(_ context.Context, c domain.PaymentCheck) (domain.VerifiedPayment, error) {
	if v.err != nil {
		return domain.VerifiedPayment{}, v.err
	}
	return domain.VerifiedPayment{Reference: c.Reference, Payer: c.Payer, Amount: c.Amount}, nil
}

type limiter struct{ allow bool }

func (l limiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return l.allow, nil
}

type checker struct{ err error }

func (c checker) Health(context.Context) error { return c.err }

type testServer struct {
	clock  *clock
	tokens *crypto.TokenAuth
	h      http.Handler
	ledger *memory.Ledger
}

type serverOpts struct {
	verifyErr error
	limiter   domain.RateLimiter
	unhealthy bool
}

func newTestServer(t *testing.T, opts serverOpts) *testServer {
	t.Helper()
	clk := &clock{now: t0}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := memory.NewLedger()

	game := service.GameConfig{
		OutcomeCount:         3,
		LabelPool:            []string{"Argo", "Bounty", "Clipper", "Dhow"},
		RoundDuration:        2 * time.Minute,
		CutoffMargin:         10 * time.Second,
		IntentTTL:            time.Minute,
		MaxQuantity:          50,
		UnitPrice:            decimal.RequireFromString("0.5"),
		AmountDecimals:       6,
		Shares:               payout.Shares{WinnerBps: 8000, ParticipationBps: 1500, TreasuryBps: 500},
		TreasuryAccount:      "0x0000000000000000000000000000000000007e57",
		FreeEntries:          true,
		DefaultDisplayWindow: 20 * time.Second,
	}
	payment := service.PaymentConfig{Destination: "0x00000000000000000000000000000000000000dd", ChainID: 8453, TokenDecimals: 6}
	deps := service.Deps{
		Ledger:   ledger,
		Audit:    memory.NewAuditStore(),
		Verifier: verifier{err: opts.verifyErr},
		Now:      clk.Now,
		Logger:   logger,
	}
	settle := service.NewSettlementService(deps, game)
	rounds := service.NewRoundService(deps, game, settle, nil)
	entries := service.NewEntryService(deps, game, payment, service.RateLimit{})
	query := service.NewQueryService(deps)
	heartbeat := service.NewHeartbeat(deps, rounds, time.Second)

	tokens, err := crypto.NewTokenAuth("0123456789abcdef0123")
	require.NoError(t, err)
	tokens.WithClock(clk.Now)

	var check handler.HealthChecker = checker{}
	if opts.unhealthy {
		check = checker{err: errors.New("connection refused")}
	}
	handlers := Handlers{
		Health:  handler.NewHealthHandler(map[string]handler.HealthChecker{"postgres": check}, logger),
		Status:  handler.NewStatusHandler("server", game, payment),
		Rounds:  handler.NewRoundHandler(rounds, query, game.CutoffMargin, logger),
		Entries: handler.NewEntryHandler(entries, query, logger),
		Admin:   handler.NewAdminHandler(rounds, settle, heartbeat, query, logger),
	}
	cfg := Config{AdminAPIKey: adminKey, RateLimit: 100, RateWindow: time.Minute}
	return &testServer{
		clock:  clk,
		tokens: tokens,
		h:      Routes(cfg, handlers, tokens, opts.limiter, nil, logger),
		ledger: ledger,
	}
}

type call struct {
	method string
	path   string
	body   string
	token  string
	admin  bool
}

func (s *testServer) do(t *testing.T, c call) (int, map[string]any) {
	t.Helper()
	var body io.Reader
	if c.body != "" {
		body = strings.NewReader(c.body)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.admin {
		req.Header.Set("X-API-Key", adminKey)
	}
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func (s *testServer) token(t *testing.T, addr string) string {
	t.Helper()
	tok, err := s.tokens.Issue(addr, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestCurrentRoundEndpoint(t *testing.T) {
	s := newTestServer(t, serverOpts{})
	code, body := s.do(t, call{method: http.MethodGet, path: "/api/round/current"})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["round_id"])
	assert.Equal(t, "OPEN", body["status"])
	assert.Len(t, body["outcome_labels"], 3)
	assert.Equal(t, []any{0.0, 0.0, 0.0}, body["per_outcome_ticket_totals"])
	assert.Nil(t, body["seed_reveal"])
	assert.NotEmpty(t, body["seed_commit"])
	assert.NotContains(t, body, "sealed_secret")
	assert.Equal(t, t0.Add(110*time.Second).Format(time.RFC3339), body["entry_cutoff_at"])
}

func TestBettorAuth(t *testing.T) {
	s := newTestServer(t, serverOpts{})

	code, body := s.do(t, call{method: http.MethodPost, path: "/api/entries/free", body: `{"outcome_index":0,"quantity":1}`})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "unauthorized", body["code"])

	code, _ = s.do(t, call{method: http.MethodPost, path: "/api/entries/free", body: `{"outcome_index":0,"quantity":1}`, token: "garbage"})
	assert.Equal(t, http.StatusUnauthorized, code)

	expired, err := s.tokens.IssueAt(alice, t0.Add(-time.Second))
	require.NoError(t, err)
	code, body = s.do(t, call{method: http.MethodPost, path: "/api/entries/free", body: `{"outcome_index":0,"quantity":1}`, token: expired})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, true, body["retryable"])
}

func TestFreeEntryEndpoint(t *testing.T) {
	s := newTestServer(t, serverOpts{})
	tok := s.token(t, alice)
	s.do(t, call{method: http.MethodGet, path: "/api/round/current"})

	code, body := s.do(t, call{method: http.MethodPost, path: "/api/entries/free", body: `{"outcome_index":2,"quantity":4}`, token: tok})
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, []any{0.0, 0.0, 4.0}, body["per_outcome_ticket_totals"])

	tests := []struct {
		name string
		body string
		code string
	}{
		{name: "outcome out of range", body: `{"outcome_index":3,"quantity":1}`, code: "validation"},
		{name: "missing outcome", body: `{"quantity":1}`, code: "validation"},
		{name: "zero quantity", body: `{"outcome_index":0,"quantity":0}`, code: "validation"},
		{name: "unknown field", body: `{"outcome_index":0,"quantity":1,"x":1}`, code: "validation"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, body := s.do(t, call{method: http.MethodPost, path: "/api/entries/free", body: tc.body, token: tok})
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, tc.code, body["code"])
			assert.Equal(t, false, body["retryable"])
		})
	}

	s.clock.Set(t0.Add(111 * time.Second))
	code, body = s.do(t, call{method: http.MethodPost, path: "/api/entries/free", body: `{"outcome_index":0,"quantity":1}`, token: tok})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "state_conflict", body["code"])
	assert.Equal(t, true, body["retryable"])
	assert.Equal(t, domain.ErrEntryCutoff.Error(), body["error"])
}

func TestPaidEntryFlow(t *testing.T) {
	s := newTestServer(t, serverOpts{})
	tok := s.token(t, alice)
	s.do(t, call{method: http.MethodGet, path: "/api/round/current"})

	code, intent := s.do(t, call{method: http.MethodPost, path: "/api/entries/intent", body: `{"outcome_index":1,"quantity":3}`, token: tok})
	require.Equal(t, http.StatusCreated, code, intent)
	assert.Equal(t, "1.5", intent["required_amount"])
	assert.Equal(t, "1500000", intent["base_units"])

	confirm := `{"intent_id":"` + intent["intent_id"].(string) + `","payment_reference":"0xabc"}`
	code, receipt := s.do(t, call{method: http.MethodPost, path: "/api/entries/confirm", body: confirm, token: tok})
	require.Equal(t, http.StatusCreated, code, receipt)
	assert.Equal(t, []any{0.0, 3.0, 0.0}, receipt["per_outcome_ticket_totals"])

	code, body := s.do(t, call{method: http.MethodPost, path: "/api/entries/confirm", body: confirm, token: tok})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, false, body["retryable"])
}

func TestConfirmVerificationFailure(t *testing.T) {
	s := newTestServer(t, serverOpts{verifyErr: domain.ErrPaymentPending})
	tok := s.token(t, alice)
	s.do(t, call{method: http.MethodGet, path: "/api/round/current"})

	_, intent := s.do(t, call{method: http.MethodPost, path: "/api/entries/intent", body: `{"outcome_index":0,"quantity":1}`, token: tok})
	code, body := s.do(t, call{
		method: http.MethodPost,
		path:   "/api/entries/confirm",
		body:   `{"intent_id":"` + intent["intent_id"].(string) + `","payment_reference":"0xabc"}`,
		token:  tok,
	})
	assert.Equal(t, http.StatusPaymentRequired, code)
	assert.Equal(t, "verification_failed", body["code"])
	assert.Equal(t, true, body["retryable"])
}

func TestConfirmLatePaymentReportsRefund(t *testing.T) {
	s := newTestServer(t, serverOpts{})
	tok := s.token(t, alice)
	s.do(t, call{method: http.MethodGet, path: "/api/round/current"})

	s.clock.Set(t0.Add(time.Minute))
	_, intent := s.do(t, call{method: http.MethodPost, path: "/api/entries/intent", body: `{"outcome_index":0,"quantity":2}`, token: tok})
	s.clock.Set(t0.Add(115 * time.Second))

	code, body := s.do(t, call{
		method: http.MethodPost,
		path:   "/api/entries/confirm",
		body:   `{"intent_id":"` + intent["intent_id"].(string) + `","payment_reference":"0xlate"}`,
		token:  tok,
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, true, body["refunded"])
	assert.Equal(t, "0xlate", body["payment_reference"])
	assert.Equal(t, "1", body["amount"])

	code, bal := s.do(t, call{method: http.MethodGet, path: "/api/balance", token: tok})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "1", bal["balance"])
	assert.Equal(t, alice, bal["account"])

	code, recons := s.do(t, call{method: http.MethodGet, path: "/api/admin/reconciliations", admin: true})
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, recons["reconciliations"], 1)
}

func TestAdminEndpoints(t *testing.T) {
	s := newTestServer(t, serverOpts{})

	code, body := s.do(t, call{method: http.MethodPost, path: "/api/admin/round", body: `{}`})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "unauthorized", body["code"])

	code, body = s.do(t, call{method: http.MethodPost, path: "/api/admin/round", body: `{"duration_minutes":1}`, admin: true})
	require.Equal(t, http.StatusCreated, code, body)
	assert.EqualValues(t, 1, body["round_id"])
	assert.NotContains(t, body, "closed_round_id")

	tok := s.token(t, alice)
	_, intent := s.do(t, call{method: http.MethodPost, path: "/api/entries/intent", body: `{"outcome_index":0,"quantity":2}`, token: tok})
	code, _ = s.do(t, call{
		method: http.MethodPost,
		path:   "/api/entries/confirm",
		body:   `{"intent_id":"` + intent["intent_id"].(string) + `","payment_reference":"0xpaid"}`,
		token:  tok,
	})
	require.Equal(t, http.StatusCreated, code)

	// A plain create request replaces the OPEN round and refunds its payments.
	code, body = s.do(t, call{method: http.MethodPost, path: "/api/admin/round", body: `{"duration_minutes":1}`, admin: true})
	require.Equal(t, http.StatusCreated, code, body)
	assert.EqualValues(t, 2, body["round_id"])
	assert.EqualValues(t, 1, body["closed_round_id"])
	refunds := body["refunds"].([]any)
	require.Len(t, refunds, 1)
	assert.Equal(t, "0xpaid", refunds[0].(map[string]any)["payment_reference"])
	assert.Equal(t, "1", refunds[0].(map[string]any)["amount"])

	code, bal := s.do(t, call{method: http.MethodGet, path: "/api/balance", token: tok})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "1", bal["balance"])

	code, body = s.do(t, call{method: http.MethodPost, path: "/api/admin/round", body: `{"force":false}`, admin: true})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, domain.ErrRoundOpen.Error(), body["error"])

	code, body = s.do(t, call{method: http.MethodPost, path: "/api/admin/settle", admin: true})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, true, body["retryable"], "round has not ended yet")

	s.clock.Set(t0.Add(time.Minute))
	code, body = s.do(t, call{method: http.MethodPost, path: "/api/admin/settle", admin: true})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["settled"])
	assert.Equal(t, "SETTLED", body["status"])

	code, body = s.do(t, call{method: http.MethodPost, path: "/api/admin/settle?round_id=2", admin: true})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["settled"])

	code, body = s.do(t, call{method: http.MethodPost, path: "/api/admin/round", body: `{}`, admin: true})
	require.Equal(t, http.StatusCreated, code, body)
	assert.NotContains(t, body, "closed_round_id", "a settled round is not force-closed")

	code, body = s.do(t, call{method: http.MethodPost, path: "/api/round/heartbeat", admin: true})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 3, body["round_id"])

	code, body = s.do(t, call{method: http.MethodGet, path: "/api/admin/audit?limit=10", admin: true})
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["entries"])

	code, _ = s.do(t, call{method: http.MethodGet, path: "/api/admin/audit?since=yesterday", admin: true})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPublicReadEndpoints(t *testing.T) {
	s := newTestServer(t, serverOpts{})
	tok := s.token(t, alice)
	s.do(t, call{method: http.MethodGet, path: "/api/round/current"})
	s.do(t, call{method: http.MethodPost, path: "/api/entries/free", body: `{"outcome_index":1,"quantity":2}`, token: tok})

	code, body := s.do(t, call{method: http.MethodGet, path: "/api/round/payouts"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", body["code"])

	s.clock.Set(t0.Add(2 * time.Minute))
	code, body = s.do(t, call{method: http.MethodGet, path: "/api/round/current"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "SETTLED", body["status"])
	assert.EqualValues(t, 1, body["winning_outcome"])
	assert.NotNil(t, body["seed_reveal"])

	code, body = s.do(t, call{method: http.MethodGet, path: "/api/round/payouts?limit=5"})
	require.Equal(t, http.StatusOK, code)
	rows := body["payouts"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, alice, rows[0].(map[string]any)["recipient"])
	assert.Equal(t, "1", rows[0].(map[string]any)["share"])

	code, body = s.do(t, call{method: http.MethodGet, path: "/api/round/summary?round_id=1"})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["participant_count"])
	assert.Equal(t, "0.95", body["distributed_total"])

	code, body = s.do(t, call{method: http.MethodGet, path: "/api/round/proof?round_id=1"})
	require.Equal(t, http.StatusOK, code)
	assert.NotNil(t, body["ticket_number"])
	assert.EqualValues(t, 2, body["total_tickets"])

	code, _ = s.do(t, call{method: http.MethodGet, path: "/api/round/proof?round_id=abc"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = s.do(t, call{method: http.MethodGet, path: "/api/round/events"})
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["events"], "no signal bus configured")
}

func TestHealthAndRateLimit(t *testing.T) {
	s := newTestServer(t, serverOpts{})
	code, body := s.do(t, call{method: http.MethodGet, path: "/api/health"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	s = newTestServer(t, serverOpts{unhealthy: true})
	code, body = s.do(t, call{method: http.MethodGet, path: "/api/health"})
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, map[string]any{"postgres": "down"}, body["dependencies"])

	s = newTestServer(t, serverOpts{limiter: limiter{allow: false}})
	code, body = s.do(t, call{method: http.MethodGet, path: "/api/round/current"})
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate_limited", body["code"])
}
