package rules

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fiscal-engine/internal/fiscal"
	"github.com/odyssey-erp/fiscal-engine/internal/shared"
)

// Repository reads and writes rules and their reference data.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const ruleColumns = `r.id, r.regime_id, r.tax_type_id, t.code, t.name, r.operation, r.origin_uf, r.destination_uf,
r.classification_id, r.calc_method, r.rate, r.base_reduction, r.is_active, r.priority, r.valid_from, r.valid_to,
r.created_at, r.updated_at`

// ApplicableRules returns the rules matching q ordered by priority then id.
func (r *Repository) ApplicableRules(ctx context.Context, q Query) ([]TaxRule, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+ruleColumns+`
FROM tax_rules r
JOIN tax_types t ON t.id = r.tax_type_id
WHERE r.is_active
  AND r.regime_id = $1
  AND r.operation = $2
  AND r.valid_from <= $3
  AND (r.valid_to IS NULL OR r.valid_to >= $3)
  AND ($4::bigint IS NULL OR r.classification_id IS NULL OR r.classification_id = $4)
  AND ($5::text = '' OR r.origin_uf IS NULL OR r.origin_uf = $5)
  AND ($6::text = '' OR r.destination_uf IS NULL OR r.destination_uf = $6)
ORDER BY r.priority, r.id`,
		q.RegimeID, string(q.Operation), pgtype.Date{Time: q.AsOf, Valid: true}, q.ClassificationID, q.OriginUF, q.DestinationUF)
	if err != nil {
		return nil, fmt.Errorf("rules: applicable: %w", err)
	}
	return collectRules(rows)
}

// GetRule loads a rule by id.
func (r *Repository) GetRule(ctx context.Context, id int64) (TaxRule, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+ruleColumns+`
FROM tax_rules r JOIN tax_types t ON t.id = r.tax_type_id WHERE r.id = $1`, id)
	if err != nil {
		return TaxRule{}, err
	}
	list, err := collectRules(rows)
	if err != nil {
		return TaxRule{}, err
	}
	if len(list) == 0 {
		return TaxRule{}, ErrRuleNotFound
	}
	return list[0], nil
}

// ListRules uses a dynamic query because every filter is optional.
func (r *Repository) ListRules(ctx context.Context, f ListFilter) ([]TaxRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM tax_rules r JOIN tax_types t ON t.id = r.tax_type_id WHERE 1=1`
	args := []any{}
	add := func(clause string, v any) {
		args = append(args, v)
		query += " AND " + strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args)))
	}
	if f.RegimeID > 0 {
		add("r.regime_id = ?", f.RegimeID)
	}
	if f.TaxTypeID > 0 {
		add("r.tax_type_id = ?", f.TaxTypeID)
	}
	if f.Operation != "" {
		add("r.operation = ?", string(f.Operation))
	}
	if f.Active != nil {
		add("r.is_active = ?", *f.Active)
	}
	query += " ORDER BY r.regime_id, r.operation, r.priority, r.id"
	if f.Limit > 0 {
		args = append(args, f.Limit, f.Offset)
		query += " LIMIT $" + strconv.Itoa(len(args)-1) + " OFFSET $" + strconv.Itoa(len(args))
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectRules(rows)
}

// InsertRule stores a new rule.
func (r *Repository) InsertRule(ctx context.Context, in RuleInput) (TaxRule, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO tax_rules (regime_id, tax_type_id, operation, origin_uf, destination_uf,
classification_id, calc_method, rate, base_reduction, is_active, priority, valid_from, valid_to)
VALUES ($1,$2,$3,NULLIF($4,''),NULLIF($5,''),$6,$7,$8,$9,$10,$11,$12,$13) RETURNING id`,
		in.RegimeID, in.TaxTypeID, string(in.Operation), in.OriginUF, in.DestinationUF, in.ClassificationID,
		string(in.CalcMethod), nullDecimal(in.Rate), nullDecimal(in.BaseReduction), in.Active(), in.Priority,
		pgtype.Date{Time: in.ValidFrom, Valid: true}, nullDate(in.ValidTo)).Scan(&id)
	if err != nil {
		return TaxRule{}, fmt.Errorf("rules: insert rule: %w", err)
	}
	return r.GetRule(ctx, id)
}

// UpdateRule replaces the mutable fields of a rule.
func (r *Repository) UpdateRule(ctx context.Context, id int64, in RuleInput) (TaxRule, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE tax_rules SET regime_id=$2, tax_type_id=$3, operation=$4,
origin_uf=NULLIF($5,''), destination_uf=NULLIF($6,''), classification_id=$7, calc_method=$8, rate=$9,
base_reduction=$10, is_active=$11, priority=$12, valid_from=$13, valid_to=$14, updated_at=NOW()
WHERE id=$1`,
		id, in.RegimeID, in.TaxTypeID, string(in.Operation), in.OriginUF, in.DestinationUF, in.ClassificationID,
		string(in.CalcMethod), nullDecimal(in.Rate), nullDecimal(in.BaseReduction), in.Active(), in.Priority,
		pgtype.Date{Time: in.ValidFrom, Valid: true}, nullDate(in.ValidTo))
	if err != nil {
		return TaxRule{}, fmt.Errorf("rules: update rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return TaxRule{}, ErrRuleNotFound
	}
	return r.GetRule(ctx, id)
}

// SetRuleActive toggles is_active.
func (r *Repository) SetRuleActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE tax_rules SET is_active=$2, updated_at=NOW() WHERE id=$1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// ListTaxTypes returns every tax type ordered by code.
func (r *Repository) ListTaxTypes(ctx context.Context) ([]TaxType, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, code, name, jurisdiction, created_at FROM tax_types ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TaxType
	for rows.Next() {
		var t TaxType
		if err := rows.Scan(&t.ID, &t.Code, &t.Name, &t.Jurisdiction, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTaxType loads a tax type by id.
func (r *Repository) GetTaxType(ctx context.Context, id int64) (TaxType, error) {
	var t TaxType
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, jurisdiction, created_at FROM tax_types WHERE id=$1`, id).
		Scan(&t.ID, &t.Code, &t.Name, &t.Jurisdiction, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return TaxType{}, ErrTaxTypeNotFound
	}
	return t, err
}

// InsertTaxType stores a tax type.
func (r *Repository) InsertTaxType(ctx context.Context, in TaxTypeInput) (TaxType, error) {
	t := TaxType{Code: in.Code, Name: in.Name, Jurisdiction: in.Jurisdiction}
	err := r.pool.QueryRow(ctx, `INSERT INTO tax_types (code, name, jurisdiction) VALUES ($1,$2,$3) RETURNING id, created_at`,
		in.Code, in.Name, string(in.Jurisdiction)).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		if shared.IsUniqueViolation(err, "") {
			return TaxType{}, ErrDuplicateCode
		}
		return TaxType{}, err
	}
	return t, nil
}

// ListRegimes returns every regime ordered by code.
func (r *Repository) ListRegimes(ctx context.Context) ([]TaxRegime, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, code, name, valid_from, valid_to, created_at FROM tax_regimes ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TaxRegime
	for rows.Next() {
		var g TaxRegime
		if err := rows.Scan(&g.ID, &g.Code, &g.Name, &g.ValidFrom, &g.ValidTo, &g.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GetRegime loads a regime by id.
func (r *Repository) GetRegime(ctx context.Context, id int64) (TaxRegime, error) {
	var g TaxRegime
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, valid_from, valid_to, created_at FROM tax_regimes WHERE id=$1`, id).
		Scan(&g.ID, &g.Code, &g.Name, &g.ValidFrom, &g.ValidTo, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return TaxRegime{}, ErrRegimeNotFound
	}
	return g, err
}

// InsertRegime stores a regime.
func (r *Repository) InsertRegime(ctx context.Context, in RegimeInput) (TaxRegime, error) {
	g := TaxRegime{Code: in.Code, Name: in.Name, ValidFrom: in.ValidFrom, ValidTo: in.ValidTo}
	err := r.pool.QueryRow(ctx, `INSERT INTO tax_regimes (code, name, valid_from, valid_to) VALUES ($1,$2,$3,$4) RETURNING id, created_at`,
		in.Code, in.Name, nullDate(in.ValidFrom), nullDate(in.ValidTo)).Scan(&g.ID, &g.CreatedAt)
	if err != nil {
		if shared.IsUniqueViolation(err, "") {
			return TaxRegime{}, ErrDuplicateCode
		}
		return TaxRegime{}, err
	}
	return g, nil
}

// ListClassifications returns classifications, optionally of a single type.
func (r *Repository) ListClassifications(ctx context.Context, typ fiscal.ClassificationType) ([]Classification, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, type, code, description, COALESCE(qualifier, ''), created_at
FROM fiscal_classifications WHERE ($1 = '' OR type = $1) ORDER BY type, code`, string(typ))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Classification
	for rows.Next() {
		var c Classification
		if err := rows.Scan(&c.ID, &c.Type, &c.Code, &c.Description, &c.Qualifier, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetClassification loads a classification by id.
func (r *Repository) GetClassification(ctx context.Context, id int64) (Classification, error) {
	var c Classification
	err := r.pool.QueryRow(ctx, `SELECT id, type, code, description, COALESCE(qualifier, ''), created_at
FROM fiscal_classifications WHERE id=$1`, id).Scan(&c.ID, &c.Type, &c.Code, &c.Description, &c.Qualifier, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Classification{}, ErrClassificationNotFound
	}
	return c, err
}

// InsertClassification stores a classification.
func (r *Repository) InsertClassification(ctx context.Context, in ClassificationInput) (Classification, error) {
	c := Classification{Type: in.Type, Code: in.Code, Description: in.Description, Qualifier: in.Qualifier}
	err := r.pool.QueryRow(ctx, `INSERT INTO fiscal_classifications (type, code, description, qualifier)
VALUES ($1,$2,$3,NULLIF($4,'')) RETURNING id, created_at`,
		string(in.Type), in.Code, in.Description, in.Qualifier).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		if shared.IsUniqueViolation(err, "") {
			return Classification{}, ErrDuplicateCode
		}
		return Classification{}, err
	}
	return c, nil
}

func collectRules(rows pgx.Rows) ([]TaxRule, error) {
	defer rows.Close()
	var out []TaxRule
	for rows.Next() {
		var (
			rule          TaxRule
			origin, dest  pgtype.Text
			rate, reduce  decimal.NullDecimal
			validTo       pgtype.Date
			validFromDate pgtype.Date
		)
		if err := rows.Scan(&rule.ID, &rule.RegimeID, &rule.TaxTypeID, &rule.TaxTypeCode, &rule.TaxTypeName,
			&rule.Operation, &origin, &dest, &rule.ClassificationID, &rule.CalcMethod, &rate, &reduce,
			&rule.IsActive, &rule.Priority, &validFromDate, &validTo, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, err
		}
		rule.OriginUF = origin.String
		rule.DestinationUF = dest.String
		rule.Rate = decimalPtr(rate)
		rule.BaseReduction = decimalPtr(reduce)
		rule.ValidFrom = validFromDate.Time
		if validTo.Valid {
			v := validTo.Time
			rule.ValidTo = &v
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func nullDate(t *time.Time) pgtype.Date {
	if t == nil {
		return pgtype.Date{}
	}
	return pgtype.Date{Time: *t, Valid: true}
}
