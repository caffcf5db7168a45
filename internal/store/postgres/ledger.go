package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/shiprace/internal/domain"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx, so every query method
// runs unchanged inside or outside a transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// queries implements domain.LedgerTx over any dbtx.
type queries struct {
	db dbtx
}

// Ledger implements domain.Ledger using PostgreSQL.
type Ledger struct {
	queries
	pool *pgxpool.Pool
}

// NewLedger creates a Ledger backed by the given connection pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{queries: queries{db: pool}, pool: pool}
}

// InTx runs fn in a read-committed transaction. The transaction commits only
// when fn returns nil.
func (l *Ledger) InTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&queries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// uniqueViolation reports whether err is a unique constraint failure,
// optionally restricted to a named constraint.
func uniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// pageQuery appends the time range, newest-first ordering and pagination of
// opts to base, which must not already carry a WHERE clause.
func pageQuery(base, timeCol string, opts domain.ListOpts) (string, []any) {
	query := base + " WHERE 1=1"
	var args []any
	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND %s >= $%d", timeCol, len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND %s <= $%d", timeCol, len(args))
	}
	query += fmt.Sprintf(" ORDER BY %s DESC, id DESC", timeCol)
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: parse numeric %q: %w", s, err)
	}
	return d, nil
}

var (
	_ domain.Ledger   = (*Ledger)(nil)
	_ domain.LedgerTx = (*queries)(nil)
)
