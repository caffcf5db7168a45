package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// FairnessProof is everything a third party needs to recompute a draw:
// sha256(SeedReveal) == SeedCommit, the seed derivation inputs, and the
// cumulative ticket ranges that map TicketNumber to WinningOutcome.
type FairnessProof struct {
	RoundID        int64      `json:"round_id"`
	Status         string     `json:"status"`
	SeedCommit     string     `json:"seed_commit"`
	SeedReveal     *string    `json:"seed_reveal"`
	SettlementSeed *string    `json:"settlement_seed"`
	EndsAtUnixMs   int64      `json:"ends_at_unix_ms"`
	TotalTickets   int64      `json:"total_tickets"`
	OutcomeTotals  []int64    `json:"per_outcome_ticket_totals"`
	TicketNumber   *uint64    `json:"ticket_number"`
	WinningOutcome *int       `json:"winning_outcome"`
	OutcomeLabels  []string   `json:"outcome_labels"`
	SettledAt      *time.Time `json:"settled_at,omitempty"`
}

// ProofArchiver persists fairness proofs to cold storage.
type ProofArchiver interface {
	ArchiveProof(ctx context.Context, proof FairnessProof) (string, error)
}
