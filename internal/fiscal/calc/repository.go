package calc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/fiscal-engine/internal/shared"
)

// Repository persists calculations in tax_calculations.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const calcColumns = `id, operation, classification_id, regime_id, amount, origin_uf, destination_uf, result,
order_id, notes, idempotency_key, calculated_at, created_at`

// InsertCalculation stores an immutable calculation.
func (r *Repository) InsertCalculation(ctx context.Context, c TaxCalculation) (TaxCalculation, error) {
	payload, err := json.Marshal(c.Result)
	if err != nil {
		return TaxCalculation{}, err
	}
	err = r.pool.QueryRow(ctx, `INSERT INTO tax_calculations (operation, classification_id, regime_id, amount, origin_uf,
destination_uf, result, order_id, notes, idempotency_key, calculated_at)
VALUES ($1,$2,$3,$4,NULLIF($5,''),NULLIF($6,''),$7,$8,NULLIF($9,''),NULLIF($10,''),$11)
ON CONFLICT (idempotency_key) DO NOTHING
RETURNING id, created_at`,
		string(c.Operation), c.ClassificationID, c.RegimeID, c.Amount, c.OriginUF, c.DestinationUF, payload,
		c.OrderID, c.Notes, c.IdempotencyKey, c.CalculatedAt).Scan(&c.ID, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return TaxCalculation{}, shared.ErrIdempotencyConflict
	}
	if err != nil {
		return TaxCalculation{}, err
	}
	return c, nil
}

// GetCalculation loads one calculation by id.
func (r *Repository) GetCalculation(ctx context.Context, id int64) (TaxCalculation, error) {
	return r.getOne(ctx, `SELECT `+calcColumns+` FROM tax_calculations WHERE id=$1`, id)
}

// GetCalculationByKey loads the calculation stored under an idempotency key.
func (r *Repository) GetCalculationByKey(ctx context.Context, key string) (TaxCalculation, error) {
	return r.getOne(ctx, `SELECT `+calcColumns+` FROM tax_calculations WHERE idempotency_key=$1`, key)
}

// ListCalculations pages through calculations in [from, to).
func (r *Repository) ListCalculations(ctx context.Context, from, to time.Time, f ListFilter) ([]TaxCalculation, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tax_calculations
WHERE calculated_at >= $1 AND calculated_at < $2 AND ($3::bigint = 0 OR regime_id = $3)`, from, to, f.RegimeID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+calcColumns+` FROM tax_calculations
WHERE calculated_at >= $1 AND calculated_at < $2 AND ($3::bigint = 0 OR regime_id = $3)
ORDER BY calculated_at, id LIMIT $4 OFFSET $5`, from, to, f.RegimeID, f.PerPage, (f.Page-1)*f.PerPage)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []TaxCalculation
	for rows.Next() {
		c, err := scanCalculation(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func (r *Repository) getOne(ctx context.Context, query string, arg any) (TaxCalculation, error) {
	c, err := scanCalculation(r.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return TaxCalculation{}, ErrCalculationNotFound
	}
	return c, err
}

func scanCalculation(row pgx.Row) (TaxCalculation, error) {
	var (
		c                        TaxCalculation
		origin, dest, notes, key pgtype.Text
		payload                  []byte
	)
	if err := row.Scan(&c.ID, &c.Operation, &c.ClassificationID, &c.RegimeID, &c.Amount, &origin, &dest, &payload,
		&c.OrderID, &notes, &key, &c.CalculatedAt, &c.CreatedAt); err != nil {
		return TaxCalculation{}, err
	}
	c.OriginUF, c.DestinationUF, c.Notes, c.IdempotencyKey = origin.String, dest.String, notes.String, key.String
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &c.Result); err != nil {
			return TaxCalculation{}, fmt.Errorf("calc: decode result of calculation %d: %w", c.ID, err)
		}
	}
	return c, nil
}
