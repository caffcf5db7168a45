// Package bot simulates bettor traffic against a running engine. It only uses
// the public HTTP API with ordinary bettor tokens, so it exercises the same
// paths as real players and never touches the ledger directly.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/shiprace/internal/domain"
	"github.com/alanyoungcy/shiprace/internal/draw"
)

// TokenIssuer signs bettor tokens. *crypto.TokenAuth implements it.
type TokenIssuer interface {
	Issue(address string, ttl time.Duration) (string, error)
}

// API is the part of the public API the simulator calls.
type API interface {
	CurrentRound(ctx context.Context) (Round, error)
	FreeEntry(ctx context.Context, token string, outcome int, quantity int64) (Receipt, error)
}

// Config controls the simulated traffic.
type Config struct {
	Bettors     int
	Interval    time.Duration
	MaxQuantity int64
	TokenTTL    time.Duration
	// Seed makes bettor addresses and choices reproducible.
	Seed uint64
}

// Stats counts what the simulator has done so far.
type Stats struct {
	Attempts int
	Entries  int
	Tickets  int64
	Skipped  int
	Rejected int
	Failed   int
}

type bettor struct {
	address string
	token   string
	expires time.Time
}

// Simulator places random free entries for a fixed set of bettors.
type Simulator struct {
	api     API
	issuer  TokenIssuer
	cfg     Config
	rng     draw.RandomSource
	bettors []*bettor
	now     func() time.Time
	logger  *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a Simulator with cfg.Bettors deterministic bettor addresses.
func New(api API, issuer TokenIssuer, cfg Config, logger *slog.Logger) (*Simulator, error) {
	if cfg.Bettors < 1 {
		return nil, fmt.Errorf("bot: need at least one bettor")
	}
	if cfg.MaxQuantity < 1 {
		cfg.MaxQuantity = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}

	bettors := make([]*bettor, 0, cfg.Bettors)
	for i := 0; i < cfg.Bettors; i++ {
		addr, err := bettorAddress(cfg.Seed, i)
		if err != nil {
			return nil, err
		}
		bettors = append(bettors, &bettor{address: addr})
	}

	return &Simulator{
		api:     api,
		issuer:  issuer,
		cfg:     cfg,
		rng:     draw.NewSeededRNG(cfg.Seed),
		bettors: bettors,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "bot")),
	}, nil
}

// bettorAddress derives a stable address from seed and index.
func bettorAddress(seed uint64, i int) (string, error) {
	material := gethcrypto.Keccak256([]byte("shiprace-bot:" + strconv.FormatUint(seed, 10) + ":" + strconv.Itoa(i)))
	key, err := gethcrypto.ToECDSA(material)
	if err != nil {
		return "", fmt.Errorf("bot: derive bettor %d: %w", i, err)
	}
	return gethcrypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// Addresses lists the simulated bettors.
func (s *Simulator) Addresses() []string {
	out := make([]string, len(s.bettors))
	for i, b := range s.bettors {
		out[i] = b.address
	}
	return out
}

// Stats returns a copy of the counters.
func (s *Simulator) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Run places one entry attempt per interval until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "bot started",
		slog.Int("bettors", len(s.bettors)),
		slog.Duration("interval", s.cfg.Interval),
	)
	for {
		select {
		case <-ctx.Done():
			st := s.Stats()
			s.logger.InfoContext(ctx, "bot stopped",
				slog.Int("entries", st.Entries),
				slog.Int64("tickets", st.Tickets),
				slog.Int("rejected", st.Rejected),
				slog.Int("failed", st.Failed),
			)
			return ctx.Err()
		case <-ticker.C:
			if err := s.Step(ctx); err != nil {
				s.logger.WarnContext(ctx, "bot step failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Step makes one entry attempt. Rounds that are settled or inside the cutoff
// are skipped, and rejections the engine marks retryable are counted but not
// returned.
func (s *Simulator) Step(ctx context.Context) error {
	s.count(func(st *Stats) { st.Attempts++ })

	round, err := s.api.CurrentRound(ctx)
	if err != nil {
		s.count(func(st *Stats) { st.Failed++ })
		return err
	}
	if round.Status != string(domain.RoundStatusOpen) || round.OutcomeCount < 1 || !s.now().Before(round.EntryCutoffAt) {
		s.count(func(st *Stats) { st.Skipped++ })
		return nil
	}

	b := s.bettors[s.rng.IntN(len(s.bettors))]
	outcome := s.rng.IntN(round.OutcomeCount)
	quantity := int64(s.rng.IntN(int(s.cfg.MaxQuantity))) + 1

	token, err := s.tokenFor(b)
	if err != nil {
		s.count(func(st *Stats) { st.Failed++ })
		return err
	}

	receipt, err := s.api.FreeEntry(ctx, token, outcome, quantity)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.Retryable || apiErr.Code == string(domain.KindStateConflict)) {
			s.count(func(st *Stats) { st.Rejected++ })
			s.logger.DebugContext(ctx, "entry rejected",
				slog.String("bettor", b.address),
				slog.String("code", apiErr.Code),
			)
			return nil
		}
		s.count(func(st *Stats) { st.Failed++ })
		return err
	}

	s.count(func(st *Stats) {
		st.Entries++
		st.Tickets += receipt.Quantity
	})
	s.logger.DebugContext(ctx, "entry placed",
		slog.Int64("round_id", receipt.RoundID),
		slog.String("bettor", b.address),
		slog.Int("outcome", receipt.OutcomeIndex),
		slog.Int64("quantity", receipt.Quantity),
	)
	return nil
}

// tokenFor returns a cached token, reissuing it once it is within a tenth of
// its lifetime from expiry.
func (s *Simulator) tokenFor(b *bettor) (string, error) {
	now := s.now()
	if b.token != "" && now.Before(b.expires.Add(-s.cfg.TokenTTL/10)) {
		return b.token, nil
	}
	token, err := s.issuer.Issue(b.address, s.cfg.TokenTTL)
	if err != nil {
		return "", fmt.Errorf("bot: issue token: %w", err)
	}
	b.token = token
	b.expires = now.Add(s.cfg.TokenTTL)
	return token, nil
}

func (s *Simulator) count(f func(*Stats)) {
	s.mu.Lock()
	f(&s.stats)
	s.mu.Unlock()
}
