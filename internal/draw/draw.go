package draw

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// seedPrefixLen is the number of leading hex nybbles of the seed used as the
// ticket draw integer.
const seedPrefixLen = 12

var (
	ErrEmptySecret = errors.New("draw: empty secret")
	ErrShortSeed   = errors.New("draw: seed shorter than ticket prefix")
)

// Result is the full, reproducible outcome of a draw.
type Result struct {
	Seed         string
	TotalTickets int64
	// TicketNumber is nil when no tickets were sold.
	TicketNumber *uint64
	Winner       int
}

// SettlementSeed derives the draw seed:
// hex(sha256(secret ":" roundID ":" endsAtUnixMs ":" totalTickets)).
func SettlementSeed(secret string, roundID int64, endsAt time.Time, totalTickets int64) string {
	msg := secret + ":" +
		strconv.FormatInt(roundID, 10) + ":" +
		strconv.FormatInt(endsAt.UnixMilli(), 10) + ":" +
		strconv.FormatInt(totalTickets, 10)
	sum := sha256.Sum256([]byte(msg))
	return hex.EncodeToString(sum[:])
}

// TicketNumber maps the seed onto [0, total).
func TicketNumber(seed string, total int64) (uint64, error) {
	if total <= 0 {
		return 0, fmt.Errorf("draw: ticket number over %d tickets", total)
	}
	if len(seed) < seedPrefixLen {
		return 0, ErrShortSeed
	}
	n, err := strconv.ParseUint(seed[:seedPrefixLen], 16, 64)
	if err != nil {
		return 0, fmt.Errorf("draw: parse seed prefix: %w", err)
	}
	return n % uint64(total), nil
}

// PickOutcome returns the first outcome whose cumulative ticket count exceeds
// ticket. Outcomes with zero tickets own an empty range and can never win.
// With no tickets at all the result is outcome 0.
func PickOutcome(totals []int64, ticket uint64) int {
	var cum uint64
	for i, n := range totals {
		if n <= 0 {
			continue
		}
		cum += uint64(n)
		if cum > ticket {
			return i
		}
	}
	return 0
}

// Sum returns the grand total of tickets.
func Sum(totals []int64) int64 {
	var total int64
	for _, n := range totals {
		total += n
	}
	return total
}

// Run performs the complete draw for a round.
func Run(secret string, roundID int64, endsAt time.Time, totals []int64) (Result, error) {
	if secret == "" {
		return Result{}, ErrEmptySecret
	}
	total := Sum(totals)
	res := Result{
		Seed:         SettlementSeed(secret, roundID, endsAt, total),
		TotalTickets: total,
	}
	if total == 0 {
		return res, nil
	}
	t, err := TicketNumber(res.Seed, total)
	if err != nil {
		return Result{}, err
	}
	res.TicketNumber = &t
	res.Winner = PickOutcome(totals, t)
	return res, nil
}
