package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-consol/internal/platform/db"
	"github.com/odyssey-erp/odyssey-consol/internal/shared"
)

// PgRepository provides PostgreSQL backed persistence.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

type txRepo struct {
	tx    pgx.Tx
	audit *shared.AuditLogger
}

// WithTx wraps callback in repeatable-read transaction.
func (r *PgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx, audit: shared.NewAuditLogger(tx)})
	})
}

const yearColumns = `id, code, name, start_date, end_date, status, created_by, created_at, updated_at`

const periodColumns = `id, fiscal_year_id, code, name, period_type, start_date, end_date, status, parent_id,
closed_at, COALESCE(locked_by, ''), created_at, updated_at`

// GetFiscalYear loads a fiscal year.
func (r *PgRepository) GetFiscalYear(ctx context.Context, id int64) (FiscalYear, error) {
	return getFiscalYear(ctx, r.pool, id, "")
}

// GetPeriod loads a period.
func (r *PgRepository) GetPeriod(ctx context.Context, id int64) (Period, error) {
	return getPeriod(ctx, r.pool, id, "")
}

// ListPeriods returns periods of a fiscal year.
func (r *PgRepository) ListPeriods(ctx context.Context, fiscalYearID int64) ([]Period, error) {
	return listPeriods(ctx, r.pool, fiscalYearID)
}

func (t *txRepo) LockFiscalYear(ctx context.Context, id int64) (FiscalYear, error) {
	return getFiscalYear(ctx, t.tx, id, " FOR UPDATE")
}

func (t *txRepo) LockPeriod(ctx context.Context, id int64) (Period, error) {
	return getPeriod(ctx, t.tx, id, " FOR UPDATE")
}

func (t *txRepo) FiscalYearCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM fiscal_years WHERE lower(code) = lower($1))`, code).Scan(&exists)
	return exists, err
}

func (t *txRepo) InsertFiscalYear(ctx context.Context, year FiscalYear) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO fiscal_years (code, name, start_date, end_date, status, created_by)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		year.Code, year.Name, year.StartDate, year.EndDate, string(year.Status), year.CreatedBy).Scan(&id)
	if db.IsUniqueViolation(err, "fiscal_years_code_key") {
		return 0, fmt.Errorf("%w: fiscal year %s", ErrDuplicateCode, year.Code)
	}
	return id, err
}

func (t *txRepo) UpdateFiscalYearStatus(ctx context.Context, id int64, status YearStatus) error {
	_, err := t.tx.Exec(ctx, `UPDATE fiscal_years SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	return err
}

func (t *txRepo) ListPeriodsForYear(ctx context.Context, fiscalYearID int64) ([]Period, error) {
	return listPeriods(ctx, t.tx, fiscalYearID)
}

func (t *txRepo) InsertPeriod(ctx context.Context, period Period) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO periods (fiscal_year_id, code, name, period_type, start_date, end_date, status, parent_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		period.FiscalYearID, period.Code, period.Name, string(period.Type), period.StartDate, period.EndDate,
		string(period.Status), period.ParentID).Scan(&id)
	if db.IsUniqueViolation(err, "periods_fiscal_year_id_code_key") {
		return 0, fmt.Errorf("%w: period %s", ErrDuplicateCode, period.Code)
	}
	return id, err
}

func (t *txRepo) UpdatePeriodStatus(ctx context.Context, id int64, status PeriodStatus, closedAt *time.Time, lockedBy string) error {
	_, err := t.tx.Exec(ctx, `UPDATE periods SET status = $2, closed_at = $3, locked_by = NULLIF($4, ''), updated_at = NOW()
WHERE id = $1`, id, string(status), closedAt, lockedBy)
	return err
}

func (t *txRepo) UpdatePeriodParent(ctx context.Context, id int64, parentID *int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE periods SET parent_id = $2, updated_at = NOW() WHERE id = $1`, id, parentID)
	return err
}

func (t *txRepo) CountInFlightBatches(ctx context.Context, periodID int64) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM journal_batches
WHERE period_id = $1 AND status IN ('submitted', 'approved')`, periodID).Scan(&n)
	return n, err
}

func (t *txRepo) RecordAudit(ctx context.Context, entry shared.AuditLog) error {
	return t.audit.Record(ctx, entry)
}

func getFiscalYear(ctx context.Context, conn db.DBTX, id int64, suffix string) (FiscalYear, error) {
	var year FiscalYear
	var status string
	err := conn.QueryRow(ctx, `SELECT `+yearColumns+` FROM fiscal_years WHERE id = $1`+suffix, id).Scan(
		&year.ID, &year.Code, &year.Name, &year.StartDate, &year.EndDate, &status, &year.CreatedBy, &year.CreatedAt, &year.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return FiscalYear{}, fmt.Errorf("%w: fiscal year %d", ErrNotFound, id)
	}
	year.Status = YearStatus(status)
	return year, err
}

func getPeriod(ctx context.Context, conn db.DBTX, id int64, suffix string) (Period, error) {
	period, err := scanPeriod(conn.QueryRow(ctx, `SELECT `+periodColumns+` FROM periods WHERE id = $1`+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, fmt.Errorf("%w: period %d", ErrNotFound, id)
	}
	return period, err
}

func listPeriods(ctx context.Context, conn db.DBTX, fiscalYearID int64) ([]Period, error) {
	rows, err := conn.Query(ctx, `SELECT `+periodColumns+` FROM periods WHERE fiscal_year_id = $1 ORDER BY start_date, id`, fiscalYearID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPeriod(row pgx.Row) (Period, error) {
	var p Period
	var typ, status string
	err := row.Scan(&p.ID, &p.FiscalYearID, &p.Code, &p.Name, &typ, &p.StartDate, &p.EndDate, &status, &p.ParentID,
		&p.ClosedAt, &p.LockedBy, &p.CreatedAt, &p.UpdatedAt)
	p.Type = PeriodType(typ)
	p.Status = PeriodStatus(status)
	return p, err
}
