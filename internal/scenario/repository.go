package scenario

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-consol/internal/platform/db"
	"github.com/odyssey-erp/odyssey-consol/internal/scenariodata"
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
	*scenariodata.PgTx
}

// WithTx wraps callback in repeatable-read transaction.
func (r *PgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{PgTx: scenariodata.NewTx(tx)})
	})
}

const scenarioColumns = `id, fiscal_year_id, code, name, scenario_type, status, parent_id, revision, is_baseline,
description, created_by, created_at, updated_at`

// Get loads a scenario.
func (r *PgRepository) Get(ctx context.Context, id int64) (Scenario, error) {
	return getScenario(ctx, r.pool, id, "")
}

// ListByYear lists scenarios of a fiscal year.
func (r *PgRepository) ListByYear(ctx context.Context, fiscalYearID int64) ([]Scenario, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+scenarioColumns+` FROM scenarios WHERE fiscal_year_id = $1 ORDER BY id`, fiscalYearID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Scenario
	for rows.Next() {
		sc, err := scanScenario(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (t *txRepo) LockScenario(ctx context.Context, id int64) (Scenario, error) {
	return getScenario(ctx, t.Conn(), id, " FOR UPDATE")
}

func (t *txRepo) ParentOf(ctx context.Context, id int64) (*int64, error) {
	var parent *int64
	err := t.Conn().QueryRow(ctx, `SELECT parent_id FROM scenarios WHERE id = $1`, id).Scan(&parent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return parent, err
}

func (t *txRepo) CodeExists(ctx context.Context, fiscalYearID int64, code string) (bool, error) {
	var exists bool
	err := t.Conn().QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM scenarios WHERE fiscal_year_id = $1 AND lower(code) = lower($2))`,
		fiscalYearID, code).Scan(&exists)
	return exists, err
}

func (t *txRepo) InsertScenario(ctx context.Context, sc Scenario) (int64, error) {
	var id int64
	err := t.Conn().QueryRow(ctx, `INSERT INTO scenarios (fiscal_year_id, code, name, scenario_type, status, parent_id,
revision, is_baseline, description, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $9) RETURNING id`,
		sc.FiscalYearID, sc.Code, sc.Name, string(sc.Type), string(sc.Status), sc.ParentID, sc.Revision, sc.Description, sc.CreatedBy,
	).Scan(&id)
	if db.IsUniqueViolation(err, "scenarios_fiscal_year_id_code_key") {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateCode, sc.Code)
	}
	return id, err
}

func (t *txRepo) UpdateStatus(ctx context.Context, id int64, status Status, revision int) error {
	_, err := t.Conn().Exec(ctx, `UPDATE scenarios SET status = $2, revision = $3, updated_at = NOW() WHERE id = $1`,
		id, string(status), revision)
	return err
}

func (t *txRepo) UpdateParent(ctx context.Context, id int64, parentID *int64, revision int) error {
	_, err := t.Conn().Exec(ctx, `UPDATE scenarios SET parent_id = $2, revision = $3, updated_at = NOW() WHERE id = $1`,
		id, parentID, revision)
	return err
}

func (t *txRepo) ClearBaseline(ctx context.Context, fiscalYearID int64) error {
	_, err := t.Conn().Exec(ctx, `UPDATE scenarios SET is_baseline = FALSE, updated_at = NOW()
WHERE fiscal_year_id = $1 AND is_baseline`, fiscalYearID)
	return err
}

func (t *txRepo) MarkBaseline(ctx context.Context, id int64) error {
	_, err := t.Conn().Exec(ctx, `UPDATE scenarios SET is_baseline = TRUE, updated_at = NOW() WHERE id = $1`, id)
	return err
}

func getScenario(ctx context.Context, conn db.DBTX, id int64, suffix string) (Scenario, error) {
	sc, err := scanScenario(conn.QueryRow(ctx, `SELECT `+scenarioColumns+` FROM scenarios WHERE id = $1`+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Scenario{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return sc, err
}

func scanScenario(row pgx.Row) (Scenario, error) {
	var sc Scenario
	var typ, status string
	err := row.Scan(&sc.ID, &sc.FiscalYearID, &sc.Code, &sc.Name, &typ, &status, &sc.ParentID, &sc.Revision, &sc.IsBaseline,
		&sc.Description, &sc.CreatedBy, &sc.CreatedAt, &sc.UpdatedAt)
	sc.Type = Type(typ)
	sc.Status = Status(status)
	return sc, err
}
