// Package payout splits a round's stake into pools and distributes the pools
// pro-rata across ticket holders. All amounts are truncated toward zero at
// the configured precision, so the sum of rows never exceeds its pool and the
// pools never exceed the stake. Leftover dust is not distributed.
package payout

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/shiprace/internal/domain"
)

// BpsDenominator is 100% in basis points.
const BpsDenominator = 10000

var bpsDenominator = decimal.NewFromInt(BpsDenominator)

// Shares configures the pool split in basis points. The shares may sum to
// less than BpsDenominator; the remainder stays undistributed.
type Shares struct {
	WinnerBps        int64
	ParticipationBps int64
	TreasuryBps      int64
}

// Validate rejects negative shares and splits that would overdraw the stake.
func (s Shares) Validate() error {
	if s.WinnerBps < 0 || s.ParticipationBps < 0 || s.TreasuryBps < 0 {
		return fmt.Errorf("payout: negative bps share %+v", s)
	}
	if sum := s.WinnerBps + s.ParticipationBps + s.TreasuryBps; sum > BpsDenominator {
		return fmt.Errorf("payout: bps shares sum to %d, above %d", sum, BpsDenominator)
	}
	return nil
}

// Pools is the split of one round's stake.
type Pools struct {
	Stake         decimal.Decimal
	Winner        decimal.Decimal
	Participation decimal.Decimal
	Treasury      decimal.Decimal
}

// Split computes the stake and its three pools.
func Split(totalTickets int64, unitPrice decimal.Decimal, shares Shares, decimals int32) Pools {
	stake := unitPrice.Mul(decimal.NewFromInt(totalTickets))
	return Pools{
		Stake:         stake,
		Winner:        bpsOf(stake, shares.WinnerBps, decimals),
		Participation: bpsOf(stake, shares.ParticipationBps, decimals),
		Treasury:      bpsOf(stake, shares.TreasuryBps, decimals),
	}
}

func bpsOf(stake decimal.Decimal, bps int64, decimals int32) decimal.Decimal {
	return ProRata(stake, bps, BpsDenominator, decimals)
}

// ProRata returns pool*weight/total truncated to decimals. A zero total
// yields zero.
func ProRata(pool decimal.Decimal, weight, total int64, decimals int32) decimal.Decimal {
	if total <= 0 || weight <= 0 || !pool.IsPositive() {
		return decimal.Zero
	}
	q, _ := pool.Mul(decimal.NewFromInt(weight)).QuoRem(decimal.NewFromInt(total), decimals)
	return q
}

// Credit is one balance increment.
type Credit struct {
	Account string
	Amount  decimal.Decimal
}

// Plan is the complete, deterministic write set for a settled round.
type Plan struct {
	Pools
	Payouts []domain.Payout
	// Credits sums each recipient's payout rows into one increment, ordered
	// by account.
	Credits []Credit
	// Distributed is the sum of all payout rows.
	Distributed decimal.Decimal
}

// Distribute builds the payout rows and balance credits for a round whose
// winning outcome is winner. tickets holds one row per (bettor, outcome).
func Distribute(roundID int64, tickets []domain.BettorTickets, winner int, pools Pools, decimals int32, at time.Time) Plan {
	type holding struct {
		total    int64
		onWinner int64
	}
	byBettor := make(map[string]*holding)
	var grandTotal, winnerTotal int64
	for _, bt := range tickets {
		if bt.Tickets <= 0 {
			continue
		}
		h, ok := byBettor[bt.Bettor]
		if !ok {
			h = &holding{}
			byBettor[bt.Bettor] = h
		}
		h.total += bt.Tickets
		grandTotal += bt.Tickets
		if bt.OutcomeIndex == winner {
			h.onWinner += bt.Tickets
			winnerTotal += bt.Tickets
		}
	}

	bettors := make([]string, 0, len(byBettor))
	for b := range byBettor {
		bettors = append(bettors, b)
	}
	sort.Strings(bettors)

	plan := Plan{Pools: pools, Distributed: decimal.Zero}
	for _, b := range bettors {
		h := byBettor[b]
		credit := decimal.Zero

		if amt := ProRata(pools.Winner, h.onWinner, winnerTotal, decimals); amt.IsPositive() {
			plan.Payouts = append(plan.Payouts, domain.Payout{
				RoundID: roundID, Recipient: b, Kind: domain.PayoutKindWinner, Amount: amt, CreatedAt: at,
			})
			credit = credit.Add(amt)
		}
		if amt := ProRata(pools.Participation, h.total, grandTotal, decimals); amt.IsPositive() {
			plan.Payouts = append(plan.Payouts, domain.Payout{
				RoundID: roundID, Recipient: b, Kind: domain.PayoutKindParticipation, Amount: amt, CreatedAt: at,
			})
			credit = credit.Add(amt)
		}

		if credit.IsPositive() {
			plan.Credits = append(plan.Credits, Credit{Account: b, Amount: credit})
			plan.Distributed = plan.Distributed.Add(credit)
		}
	}
	return plan
}
