// Package memory is an in-process ledger with the same transactional
// contract as the PostgreSQL store. Transactions are serialized and run
// against a copy of the state that replaces the original only on success.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/shiprace/internal/domain"
)

type state struct {
	current   int64
	lastRound int64
	rounds    map[int64]domain.Round

	entries     []domain.Entry
	lastEntryID int64
	intents     map[string]domain.PaymentIntent
	payments    map[string]domain.ConfirmedPayment

	payouts      []domain.Payout
	lastPayoutID int64
	balances     map[string]domain.Balance
	recons       []domain.Reconciliation
	lastReconID  int64
}

func newState() *state {
	return &state{
		rounds:   make(map[int64]domain.Round),
		intents:  make(map[string]domain.PaymentIntent),
		payments: make(map[string]domain.ConfirmedPayment),
		balances: make(map[string]domain.Balance),
	}
}

// clone copies every container. Stored values are never mutated in place,
// so copying the containers is enough to isolate a transaction.
func (s *state) clone() *state {
	c := *s
	c.rounds = make(map[int64]domain.Round, len(s.rounds))
	for k, v := range s.rounds {
		c.rounds[k] = v
	}
	c.entries = append([]domain.Entry(nil), s.entries...)
	c.intents = make(map[string]domain.PaymentIntent, len(s.intents))
	for k, v := range s.intents {
		c.intents[k] = v
	}
	c.payments = make(map[string]domain.ConfirmedPayment, len(s.payments))
	for k, v := range s.payments {
		c.payments[k] = v
	}
	c.payouts = append([]domain.Payout(nil), s.payouts...)
	c.balances = make(map[string]domain.Balance, len(s.balances))
	for k, v := range s.balances {
		c.balances[k] = v
	}
	c.recons = append([]domain.Reconciliation(nil), s.recons...)
	return &c
}

// Ledger implements domain.Ledger in memory.
type Ledger struct {
	mu    sync.RWMutex
	state *state
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{state: newState()}
}

// InTx runs fn against a private copy of the state and publishes the copy
// only when fn returns nil.
func (l *Ledger) InTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory: begin: %w", err)
	}
	work := l.state.clone()
	if err := fn(&txView{s: work}); err != nil {
		return err
	}
	l.state = work
	return nil
}

func (l *Ledger) read() *txView {
	return &txView{s: l.state}
}

func (l *Ledger) CurrentRound(ctx context.Context) (domain.Round, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.read().CurrentRound(ctx)
}

func (l *Ledger) GetRound(ctx context.Context, id int64) (domain.Round, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.read().GetRound(ctx, id)
}

func (l *Ledger) LatestSettledRound(ctx context.Context) (domain.Round, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.read().LatestSettledRound(ctx)
}

func (l *Ledger) OutcomeTotals(ctx context.Context, roundID int64, outcomeCount int) ([]int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.read().OutcomeTotals(ctx, roundID, outcomeCount)
}

func (l *Ledger) BettorTickets(ctx context.Context, roundID int64) ([]domain.BettorTickets, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.read().BettorTickets(ctx, roundID)
}

func (l *Ledger) GetIntent(ctx context.Context, id string) (domain.PaymentIntent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.read().GetIntent(ctx, id)
}

func (l *Ledger) PaymentExists(ctx context.Context, reference string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.read().PaymentExists(ctx, reference)
}

func (l *Ledger) ListPayments(ctx context.Context, roundID int64) ([]domain.ConfirmedPayment, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.read().ListPayments(ctx, roundID)
}

func (l *Ledger) ListPayouts(ctx context.Context, roundID int64) ([]domain.Payout, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.read().ListPayouts(ctx, roundID)
}

func (l *Ledger) GetBalance(ctx context.Context, account string) (domain.Balance, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.read().GetBalance(ctx, account)
}

func (l *Ledger) ListReconciliations(ctx context.Context, opts domain.ListOpts) ([]domain.Reconciliation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.read().ListReconciliations(ctx, opts)
}

// txView implements domain.LedgerTx over one state snapshot.
type txView struct {
	s *state
}

func (t *txView) CurrentRound(_ context.Context) (domain.Round, error) {
	r, ok := t.s.rounds[t.s.current]
	if !ok {
		return domain.Round{}, domain.ErrNotFound
	}
	return r, nil
}

func (t *txView) GetRound(_ context.Context, id int64) (domain.Round, error) {
	r, ok := t.s.rounds[id]
	if !ok {
		return domain.Round{}, domain.ErrNotFound
	}
	return r, nil
}

func (t *txView) LatestSettledRound(_ context.Context) (domain.Round, error) {
	var best domain.Round
	found := false
	for _, r := range t.s.rounds {
		if r.Status != domain.RoundStatusSettled || r.SettledAt == nil {
			continue
		}
		if !found || r.SettledAt.After(*best.SettledAt) || (r.SettledAt.Equal(*best.SettledAt) && r.ID > best.ID) {
			best, found = r, true
		}
	}
	if !found {
		return domain.Round{}, domain.ErrNotFound
	}
	return best, nil
}

func (t *txView) OutcomeTotals(_ context.Context, roundID int64, outcomeCount int) ([]int64, error) {
	totals := make([]int64, outcomeCount)
	for _, e := range t.s.entries {
		if e.RoundID != roundID {
			continue
		}
		if e.OutcomeIndex < 0 || e.OutcomeIndex >= outcomeCount {
			return nil, fmt.Errorf("memory: round %d has entry on outcome %d of %d", roundID, e.OutcomeIndex, outcomeCount)
		}
		totals[e.OutcomeIndex] += e.Quantity
	}
	return totals, nil
}

func (t *txView) BettorTickets(_ context.Context, roundID int64) ([]domain.BettorTickets, error) {
	type key struct {
		bettor  string
		outcome int
	}
	sums := make(map[key]int64)
	for _, e := range t.s.entries {
		if e.RoundID == roundID {
			sums[key{e.Bettor, e.OutcomeIndex}] += e.Quantity
		}
	}
	list := make([]domain.BettorTickets, 0, len(sums))
	for k, n := range sums {
		list = append(list, domain.BettorTickets{Bettor: k.bettor, OutcomeIndex: k.outcome, Tickets: n})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Bettor != list[j].Bettor {
			return list[i].Bettor < list[j].Bettor
		}
		return list[i].OutcomeIndex < list[j].OutcomeIndex
	})
	return list, nil
}

func (t *txView) GetIntent(_ context.Context, id string) (domain.PaymentIntent, error) {
	p, ok := t.s.intents[id]
	if !ok {
		return domain.PaymentIntent{}, domain.ErrIntentNotFound
	}
	return p, nil
}

func (t *txView) PaymentExists(_ context.Context, reference string) (bool, error) {
	_, ok := t.s.payments[reference]
	return ok, nil
}

func (t *txView) ListPayments(_ context.Context, roundID int64) ([]domain.ConfirmedPayment, error) {
	var list []domain.ConfirmedPayment
	for _, p := range t.s.payments {
		if p.RoundID == roundID {
			list = append(list, p)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].ConfirmedAt.Equal(list[j].ConfirmedAt) {
			return list[i].ConfirmedAt.Before(list[j].ConfirmedAt)
		}
		return list[i].Reference < list[j].Reference
	})
	return list, nil
}

func (t *txView) ListPayouts(_ context.Context, roundID int64) ([]domain.Payout, error) {
	var list []domain.Payout
	for _, p := range t.s.payouts {
		if p.RoundID == roundID {
			list = append(list, p)
		}
	}
	return list, nil
}

func (t *txView) GetBalance(_ context.Context, account string) (domain.Balance, error) {
	b, ok := t.s.balances[account]
	if !ok {
		return domain.Balance{Account: account, Amount: decimal.Zero}, nil
	}
	return b, nil
}

func (t *txView) ListReconciliations(_ context.Context, opts domain.ListOpts) ([]domain.Reconciliation, error) {
	var list []domain.Reconciliation
	for i := len(t.s.recons) - 1; i >= 0; i-- {
		r := t.s.recons[i]
		if opts.Since != nil && r.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && r.CreatedAt.After(*opts.Until) {
			continue
		}
		list = append(list, r)
	}
	return paginate(list, opts), nil
}

func (t *txView) LockCurrentRound(_ context.Context) (int64, error) {
	return t.s.current, nil
}

// LockRound is GetRound: transactions are already serialized.
func (t *txView) LockRound(ctx context.Context, id int64, _ bool) (domain.Round, error) {
	return t.GetRound(ctx, id)
}

func (t *txView) SetCurrentRound(_ context.Context, roundID int64) error {
	if _, ok := t.s.rounds[roundID]; !ok {
		return fmt.Errorf("memory: set current round %d: %w", roundID, domain.ErrNotFound)
	}
	t.s.current = roundID
	return nil
}

func (t *txView) NextRoundID(_ context.Context) (int64, error) {
	t.s.lastRound++
	return t.s.lastRound, nil
}

func (t *txView) InsertRound(_ context.Context, r domain.Round) error {
	if _, ok := t.s.rounds[r.ID]; ok {
		return fmt.Errorf("memory: insert round %d: %w", r.ID, domain.ErrAlreadyExists)
	}
	if r.Status == domain.RoundStatusOpen {
		for _, other := range t.s.rounds {
			if other.Status == domain.RoundStatusOpen {
				return fmt.Errorf("memory: insert round %d while %d is open: %w", r.ID, other.ID, domain.ErrAlreadyExists)
			}
		}
	}
	r.OutcomeLabels = append([]string(nil), r.OutcomeLabels...)
	t.s.rounds[r.ID] = r
	if r.ID > t.s.lastRound {
		t.s.lastRound = r.ID
	}
	return nil
}

func (t *txView) SettleRound(_ context.Context, s domain.Settlement) (bool, error) {
	r, ok := t.s.rounds[s.RoundID]
	if !ok || r.Status != domain.RoundStatusOpen {
		return false, nil
	}
	settledAt := s.SettledAt
	winner := s.WinningOutcome
	reveal := s.SeedReveal
	seed := s.SettlementSeed

	r.Status = domain.RoundStatusSettled
	r.SettledAt = &settledAt
	r.WinningOutcome = &winner
	r.SeedReveal = &reveal
	r.SettlementSeed = &seed
	r.TotalTickets = s.TotalTickets
	r.EmissionsTotal = s.EmissionsTotal
	r.WinnerPool = s.WinnerPool
	r.ParticipationPool = s.ParticipationPool
	r.TreasuryCut = s.TreasuryCut
	r.DistributedTotal = s.DistributedTotal
	t.s.rounds[r.ID] = r
	return true, nil
}

func (t *txView) CloseRound(_ context.Context, roundID int64, at time.Time) (bool, error) {
	r, ok := t.s.rounds[roundID]
	if !ok || r.Status != domain.RoundStatusOpen {
		return false, nil
	}
	r.Status = domain.RoundStatusClosed
	r.SettledAt = &at
	t.s.rounds[roundID] = r
	return true, nil
}

func (t *txView) InsertIntent(_ context.Context, p domain.PaymentIntent) error {
	if _, ok := t.s.rounds[p.RoundID]; !ok {
		return fmt.Errorf("memory: insert intent for round %d: %w", p.RoundID, domain.ErrNotFound)
	}
	if _, ok := t.s.intents[p.ID]; ok {
		return fmt.Errorf("memory: insert intent %s: %w", p.ID, domain.ErrAlreadyExists)
	}
	t.s.intents[p.ID] = p
	return nil
}

func (t *txView) ConsumeIntent(_ context.Context, id string) (bool, error) {
	if _, ok := t.s.intents[id]; !ok {
		return false, nil
	}
	delete(t.s.intents, id)
	return true, nil
}

func (t *txView) PurgeExpiredIntents(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for id, p := range t.s.intents {
		if !p.ExpiresAt.After(now) {
			delete(t.s.intents, id)
			n++
		}
	}
	return n, nil
}

func (t *txView) InsertPayment(_ context.Context, p domain.ConfirmedPayment) error {
	if _, ok := t.s.payments[p.Reference]; ok {
		return fmt.Errorf("memory: insert payment %s: %w", p.Reference, domain.ErrPaymentReplayed)
	}
	t.s.payments[p.Reference] = p
	return nil
}

func (t *txView) InsertEntry(_ context.Context, e domain.Entry) (int64, error) {
	if _, ok := t.s.rounds[e.RoundID]; !ok {
		return 0, fmt.Errorf("memory: insert entry for round %d: %w", e.RoundID, domain.ErrNotFound)
	}
	if e.Quantity <= 0 {
		return 0, fmt.Errorf("memory: insert entry: %w", domain.ErrInvalidQuantity)
	}
	if e.PaymentReference != nil {
		for _, other := range t.s.entries {
			if other.PaymentReference != nil && *other.PaymentReference == *e.PaymentReference {
				return 0, fmt.Errorf("memory: insert entry: %w", domain.ErrPaymentReplayed)
			}
		}
	}
	t.s.lastEntryID++
	e.ID = t.s.lastEntryID
	t.s.entries = append(t.s.entries, e)
	return e.ID, nil
}

func (t *txView) InsertPayouts(_ context.Context, payouts []domain.Payout) error {
	for _, p := range payouts {
		if p.Amount.IsNegative() {
			return fmt.Errorf("memory: negative payout to %s", p.Recipient)
		}
		for _, other := range t.s.payouts {
			if other.RoundID == p.RoundID && other.Recipient == p.Recipient && other.Kind == p.Kind {
				return fmt.Errorf("memory: payout %s/%s round %d: %w", p.Recipient, p.Kind, p.RoundID, domain.ErrAlreadyExists)
			}
		}
		t.s.lastPayoutID++
		p.ID = t.s.lastPayoutID
		t.s.payouts = append(t.s.payouts, p)
	}
	return nil
}

func (t *txView) CreditBalance(_ context.Context, account string, amount decimal.Decimal, at time.Time) error {
	if amount.IsNegative() {
		return fmt.Errorf("memory: credit %s with negative amount %s", account, amount)
	}
	b, ok := t.s.balances[account]
	if !ok {
		b = domain.Balance{Account: account, Amount: decimal.Zero}
	}
	b.Amount = b.Amount.Add(amount)
	b.UpdatedAt = at
	t.s.balances[account] = b
	return nil
}

func (t *txView) InsertReconciliation(_ context.Context, r domain.Reconciliation) error {
	if _, ok := t.s.payments[r.PaymentReference]; !ok {
		return fmt.Errorf("memory: reconciliation for unknown payment %s: %w", r.PaymentReference, domain.ErrNotFound)
	}
	for _, other := range t.s.recons {
		if other.PaymentReference == r.PaymentReference {
			return fmt.Errorf("memory: insert reconciliation %s: %w", r.PaymentReference, domain.ErrAlreadyExists)
		}
	}
	t.s.lastReconID++
	r.ID = t.s.lastReconID
	t.s.recons = append(t.s.recons, r)
	return nil
}

func paginate[T any](list []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(list) {
			return nil
		}
		list = list[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(list) {
		list = list[:opts.Limit]
	}
	return list
}

var (
	_ domain.Ledger   = (*Ledger)(nil)
	_ domain.LedgerTx = (*txView)(nil)
)
