package obligations

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/fiscal-engine/internal/platform/db"
	"github.com/odyssey-erp/fiscal-engine/internal/shared"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists obligations, their kinds and files.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository using the provided pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes fn inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("obligations: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, db.RepeatableRead, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{q: tx})
	})
}

// ListKinds returns every obligation kind ordered by code.
func (r *Repository) ListKinds(ctx context.Context) ([]Kind, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, code, name, created_at FROM obligation_kinds ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Kind
	for rows.Next() {
		var k Kind
		if err := rows.Scan(&k.ID, &k.Code, &k.Name, &k.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// GetKind loads one kind.
func (r *Repository) GetKind(ctx context.Context, id int64) (Kind, error) {
	var k Kind
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, created_at FROM obligation_kinds WHERE id = $1`, id).
		Scan(&k.ID, &k.Code, &k.Name, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Kind{}, ErrKindNotFound
	}
	return k, err
}

// InsertKind stores a kind.
func (r *Repository) InsertKind(ctx context.Context, in KindInput) (Kind, error) {
	k := Kind{Code: in.Code, Name: in.Name}
	err := r.pool.QueryRow(ctx, `INSERT INTO obligation_kinds (code, name) VALUES ($1, $2) RETURNING id, created_at`,
		in.Code, in.Name).Scan(&k.ID, &k.CreatedAt)
	if shared.IsUniqueViolation(err, "") {
		return Kind{}, ErrDuplicateKind
	}
	return k, err
}

// InsertObligation opens an obligation in rascunho.
func (r *Repository) InsertObligation(ctx context.Context, in CreateInput) (Obligation, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO obligations (obligation_kind_id, period_month, period_year, status)
VALUES ($1, $2, $3, 'rascunho') RETURNING id`, in.KindID, in.Month, in.Year).Scan(&id)
	if shared.IsUniqueViolation(err, "obligations_kind_period_key") {
		return Obligation{}, ErrObligationExists
	}
	if err != nil {
		return Obligation{}, err
	}
	return getObligation(ctx, r.pool, id, false)
}

// GetObligation loads one obligation.
func (r *Repository) GetObligation(ctx context.Context, id int64) (Obligation, error) {
	return getObligation(ctx, r.pool, id, false)
}

// ListObligations returns obligations matching the filter, newest period first.
func (r *Repository) ListObligations(ctx context.Context, f ListFilter) ([]Obligation, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Month > 0 {
		add("o.period_month = $%d", f.Month)
	}
	if f.Year > 0 {
		add("o.period_year = $%d", f.Year)
	}
	if f.KindID > 0 {
		add("o.obligation_kind_id = $%d", f.KindID)
	}
	if f.Status != "" {
		add("o.status = $%d", string(f.Status))
	}
	query := obligationSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY o.period_year DESC, o.period_month DESC, k.code, o.id"
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Obligation
	for rows.Next() {
		o, err := scanObligation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListFiles returns the files of an obligation, newest first.
func (r *Repository) ListFiles(ctx context.Context, obligationID int64) ([]File, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, obligation_id, file_path, file_type, format, generated_at
FROM obligation_files WHERE obligation_id = $1 ORDER BY generated_at DESC, id DESC`, obligationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.ID, &f.ObligationID, &f.FilePath, &f.FileType, &f.Format, &f.GeneratedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetFile loads one file row.
func (r *Repository) GetFile(ctx context.Context, id int64) (File, error) {
	var f File
	err := r.pool.QueryRow(ctx, `SELECT id, obligation_id, file_path, file_type, format, generated_at
FROM obligation_files WHERE id = $1`, id).Scan(&f.ID, &f.ObligationID, &f.FilePath, &f.FileType, &f.Format, &f.GeneratedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return File{}, ErrFileNotFound
	}
	return f, err
}

// DeleteFile removes the file row.
func (r *Repository) DeleteFile(ctx context.Context, id int64) error {
	cmd, err := r.pool.Exec(ctx, `DELETE FROM obligation_files WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrFileNotFound
	}
	return nil
}

type txRepository struct {
	q querier
}

func (t *txRepository) LockObligation(ctx context.Context, id int64) (Obligation, error) {
	return getObligation(ctx, t.q, id, true)
}

func (t *txRepository) UpdateObligation(ctx context.Context, id int64, u StatusUpdate) (Obligation, error) {
	sets := []string{"status = $2", "updated_at = NOW()"}
	args := []any{id, string(u.Status)}
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if u.GeneratedFilePath != nil {
		set("generated_file_path", nullText(*u.GeneratedFilePath))
	}
	if u.Protocol != nil {
		set("protocol", nullText(*u.Protocol))
	}
	if u.StartedAt != nil {
		set("started_at", *u.StartedAt)
	}
	if u.FinishedAt != nil {
		set("finished_at", *u.FinishedAt)
	}
	if u.Message != nil {
		set("message", nullText(*u.Message))
	}
	cmd, err := t.q.Exec(ctx, `UPDATE obligations SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return Obligation{}, err
	}
	if cmd.RowsAffected() == 0 {
		return Obligation{}, ErrObligationNotFound
	}
	return getObligation(ctx, t.q, id, false)
}

func (t *txRepository) InsertFile(ctx context.Context, f File) (File, error) {
	err := t.q.QueryRow(ctx, `INSERT INTO obligation_files (obligation_id, file_path, file_type, format, generated_at)
VALUES ($1, $2, $3, $4, $5) RETURNING id`, f.ObligationID, f.FilePath, f.FileType, f.Format, f.GeneratedAt).Scan(&f.ID)
	return f, err
}

const obligationSelect = `SELECT o.id, o.obligation_kind_id, k.code, o.period_month, o.period_year, o.status,
o.generated_file_path, o.protocol, o.started_at, o.finished_at, o.message, o.created_at, o.updated_at
FROM obligations o
JOIN obligation_kinds k ON k.id = o.obligation_kind_id`

func getObligation(ctx context.Context, q querier, id int64, lock bool) (Obligation, error) {
	query := obligationSelect + ` WHERE o.id = $1`
	if lock {
		query += ` FOR UPDATE OF o`
	}
	o, err := scanObligation(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Obligation{}, ErrObligationNotFound
	}
	return o, err
}

func scanObligation(row pgx.Row) (Obligation, error) {
	var (
		o                   Obligation
		status              string
		path, protocol, msg pgtype.Text
		started, finished   pgtype.Timestamptz
	)
	if err := row.Scan(&o.ID, &o.KindID, &o.KindCode, &o.PeriodMonth, &o.PeriodYear, &status,
		&path, &protocol, &started, &finished, &msg, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return Obligation{}, err
	}
	o.Status = Status(status)
	o.GeneratedFilePath, o.Protocol, o.Message = path.String, protocol.String, msg.String
	o.StartedAt = timePtr(started)
	o.FinishedAt = timePtr(finished)
	return o, nil
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}

func nullText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}
