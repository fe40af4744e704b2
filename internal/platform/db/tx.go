package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// RepeatableRead is used for row-locked state transitions.
	RepeatableRead = pgx.TxOptions{IsoLevel: pgx.RepeatableRead}
	// ReadCommitted is used when an advisory lock serialises the work and
	// statements must see rows committed while the lock was awaited.
	ReadCommitted = pgx.TxOptions{IsoLevel: pgx.ReadCommitted}
)

// WithTx executes fn within a transaction opened with opts. The transaction
// is rolled back when fn fails and committed otherwise.
func WithTx(ctx context.Context, pool *pgxpool.Pool, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}
