package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/fiscal-engine/internal/fiscal"
	"github.com/odyssey-erp/fiscal-engine/internal/platform/db"
	"github.com/odyssey-erp/fiscal-engine/internal/shared"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository reads calculations and persists tax_ledgers.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository using the provided pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes fn inside a read-committed transaction. Close and reopen
// take the period advisory lock first, so each statement after the lock sees
// what the previous holder committed.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("ledger: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, db.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{q: tx})
	})
}

// CalculationsBetween returns calculations stored in [from, to).
func (r *Repository) CalculationsBetween(ctx context.Context, from, to time.Time) ([]CalculationRecord, error) {
	return calculationsBetween(ctx, r.pool, from, to)
}

// ListLedgers returns the ledger rows of a period ordered by tax type.
func (r *Repository) ListLedgers(ctx context.Context, p fiscal.Period) ([]TaxLedger, error) {
	return listLedgers(ctx, r.pool, p)
}

type txRepository struct {
	q querier
}

func (t *txRepository) LockPeriod(ctx context.Context, p fiscal.Period) error {
	_, err := t.q.Exec(ctx, `SELECT pg_advisory_xact_lock($1, $2)`,
		shared.LedgerLockNamespace, shared.LedgerLockKey(p.Year, p.Month))
	if err != nil {
		return fmt.Errorf("ledger: lock %s: %w", shared.LedgerLockName(p.Year, p.Month), err)
	}
	return nil
}

func (t *txRepository) CalculationsBetween(ctx context.Context, from, to time.Time) ([]CalculationRecord, error) {
	return calculationsBetween(ctx, t.q, from, to)
}

func (t *txRepository) TaxTypeIndex(ctx context.Context) (map[string]int64, error) {
	rows, err := t.q.Query(ctx, `SELECT id, name FROM tax_types ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	index := make(map[string]int64)
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		key := shared.NormalizeName(name)
		// lowest id wins when two names fold to the same key
		if _, taken := index[key]; !taken {
			index[key] = id
		}
	}
	return index, rows.Err()
}

// UpsertLedger writes the close-time totals. Rows already holding the same
// values are left untouched, updated_at included.
func (t *txRepository) UpsertLedger(ctx context.Context, u LedgerUpsert) error {
	_, err := t.q.Exec(ctx, `INSERT INTO tax_ledgers (period_month, period_year, tax_type_id, regime_id,
total_debits, total_credits, balance_due, status)
VALUES ($1, $2, $3, $4, $5, 0, $5, 'fechado')
ON CONFLICT (period_month, period_year, tax_type_id) DO UPDATE SET
    regime_id = EXCLUDED.regime_id,
    total_debits = EXCLUDED.total_debits,
    balance_due = EXCLUDED.total_debits - tax_ledgers.total_credits,
    status = 'fechado',
    updated_at = NOW()
WHERE (tax_ledgers.regime_id, tax_ledgers.total_debits, tax_ledgers.balance_due, tax_ledgers.status)
    IS DISTINCT FROM
    (EXCLUDED.regime_id, EXCLUDED.total_debits, EXCLUDED.total_debits - tax_ledgers.total_credits, 'fechado')`,
		u.Period.Month, u.Period.Year, u.TaxTypeID, u.RegimeID, u.TotalDebits)
	if err != nil {
		return fmt.Errorf("ledger: upsert tax type %d: %w", u.TaxTypeID, err)
	}
	return nil
}

func (t *txRepository) SetPeriodStatus(ctx context.Context, p fiscal.Period, status Status) (int64, error) {
	tag, err := t.q.Exec(ctx, `UPDATE tax_ledgers
SET status = $3,
    updated_at = CASE WHEN status <> $3 THEN NOW() ELSE updated_at END
WHERE period_month = $1 AND period_year = $2`, p.Month, p.Year, string(status))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *txRepository) ListLedgers(ctx context.Context, p fiscal.Period) ([]TaxLedger, error) {
	return listLedgers(ctx, t.q, p)
}

func calculationsBetween(ctx context.Context, q querier, from, to time.Time) ([]CalculationRecord, error) {
	rows, err := q.Query(ctx, `SELECT id, regime_id, amount, result
FROM tax_calculations
WHERE calculated_at >= $1 AND calculated_at < $2
ORDER BY id`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CalculationRecord
	for rows.Next() {
		var rec CalculationRecord
		if err := rows.Scan(&rec.ID, &rec.RegimeID, &rec.Amount, &rec.Result); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func listLedgers(ctx context.Context, q querier, p fiscal.Period) ([]TaxLedger, error) {
	rows, err := q.Query(ctx, `SELECT l.id, l.period_month, l.period_year, l.tax_type_id, t.name, l.regime_id,
l.total_debits, l.total_credits, l.balance_due, l.status, l.created_at, l.updated_at
FROM tax_ledgers l
JOIN tax_types t ON t.id = l.tax_type_id
WHERE l.period_month = $1 AND l.period_year = $2
ORDER BY l.tax_type_id`, p.Month, p.Year)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TaxLedger
	for rows.Next() {
		var (
			l      TaxLedger
			status string
		)
		if err := rows.Scan(&l.ID, &l.PeriodMonth, &l.PeriodYear, &l.TaxTypeID, &l.TaxTypeName, &l.RegimeID,
			&l.TotalDebits, &l.TotalCredits, &l.BalanceDue, &status, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		l.Status = Status(status)
		out = append(out, l)
	}
	return out, rows.Err()
}
