package scenariodata

import (
	"context"
	"errors"
	"fmt"
	"strings"

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

// WithTx wraps callback in repeatable-read transaction.
func (r *PgRepository) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTx(tx))
	})
}

// Query runs the reporting read outside a transaction.
func (r *PgRepository) Query(ctx context.Context, filter Filter) ([]Row, error) {
	return queryRows(ctx, r.pool, filter)
}

// PgTx implements Tx on an open pgx transaction. Other packages embed it in their
// own transactional repositories so every write shares one transaction.
type PgTx struct {
	tx    pgx.Tx
	audit *shared.AuditLogger
}

// NewTx wraps tx.
func NewTx(tx pgx.Tx) *PgTx {
	return &PgTx{tx: tx, audit: shared.NewAuditLogger(tx)}
}

// Conn exposes the underlying transaction to embedding repositories.
func (t *PgTx) Conn() pgx.Tx {
	return t.tx
}

const rowColumns = `id, scenario_id, period_id, entity_id, account_id, elimination_type, adjustment_type,
amount, currency, source_system, import_batch_id, calculation_formula, notes, created_at, updated_at`

func (t *PgTx) ScenarioStatus(ctx context.Context, scenarioID int64) (string, error) {
	var status string
	err := t.tx.QueryRow(ctx, `SELECT status FROM scenarios WHERE id = $1 FOR SHARE`, scenarioID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %d", ErrScenarioNotFound, scenarioID)
	}
	return status, err
}

func (t *PgTx) FindRow(ctx context.Context, key Key) (Row, bool, error) {
	row, err := scanRow(t.tx.QueryRow(ctx, `SELECT `+rowColumns+` FROM scenario_data
WHERE scenario_id = $1 AND period_id = $2 AND entity_id = $3 AND account_id = $4
  AND elimination_type = $5 AND adjustment_type = $6
FOR UPDATE`, key.ScenarioID, key.PeriodID, key.EntityID, key.AccountID, key.EliminationType, key.AdjustmentType))
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, err
	}
	return row, true, nil
}

func (t *PgTx) GetRow(ctx context.Context, id int64) (Row, error) {
	row, err := scanRow(t.tx.QueryRow(ctx, `SELECT `+rowColumns+` FROM scenario_data WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, fmt.Errorf("%w: %d", ErrRowNotFound, id)
	}
	return row, err
}

func (t *PgTx) InsertRow(ctx context.Context, row Row) (Row, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO scenario_data (scenario_id, period_id, entity_id, account_id,
elimination_type, adjustment_type, amount, currency, source_system, import_batch_id, calculation_formula, notes)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
RETURNING id, created_at, updated_at`,
		row.ScenarioID, row.PeriodID, row.EntityID, row.AccountID, row.EliminationType, row.AdjustmentType,
		row.Amount, row.Currency, row.SourceSystem, row.ImportBatchID, row.CalculationFormula, row.Notes,
	).Scan(&row.ID, &row.CreatedAt, &row.UpdatedAt)
	return row, err
}

func (t *PgTx) UpdateRow(ctx context.Context, row Row) error {
	_, err := t.tx.Exec(ctx, `UPDATE scenario_data SET amount = $2, source_system = $3, import_batch_id = $4,
calculation_formula = $5, notes = $6, updated_at = NOW() WHERE id = $1`,
		row.ID, row.Amount, row.SourceSystem, row.ImportBatchID, row.CalculationFormula, row.Notes)
	return err
}

func (t *PgTx) DeleteRow(ctx context.Context, id int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM scenario_data WHERE id = $1`, id)
	return err
}

func (t *PgTx) InsertLineage(ctx context.Context, entry Lineage) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO scenario_data_lineage (data_id, source_kind, source_id, run_id, amount)
VALUES ($1, $2, $3, $4, $5)`, entry.DataID, string(entry.SourceKind), entry.SourceID, entry.RunID, entry.Amount)
	return err
}

func (t *PgTx) ListLineage(ctx context.Context, kind SourceKind, sourceID, scenarioID int64, periodIDs []int64) ([]Lineage, error) {
	query := `SELECT l.id, l.data_id, l.source_kind, l.source_id, l.run_id, l.amount, l.created_at
FROM scenario_data_lineage l
JOIN scenario_data d ON d.id = l.data_id
WHERE l.source_kind = $1 AND l.source_id = $2 AND d.scenario_id = $3`
	args := []any{string(kind), sourceID, scenarioID}
	if len(periodIDs) > 0 {
		query += ` AND d.period_id = ANY($4)`
		args = append(args, periodIDs)
	}
	query += ` ORDER BY l.id`
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Lineage
	for rows.Next() {
		var entry Lineage
		var source string
		if err := rows.Scan(&entry.ID, &entry.DataID, &source, &entry.SourceID, &entry.RunID, &entry.Amount, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.SourceKind = SourceKind(source)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (t *PgTx) DeleteLineage(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx, `DELETE FROM scenario_data_lineage WHERE id = ANY($1)`, ids)
	return err
}

func (t *PgTx) CountLineage(ctx context.Context, dataID int64) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM scenario_data_lineage WHERE data_id = $1`, dataID).Scan(&n)
	return n, err
}

func (t *PgTx) QueryRows(ctx context.Context, filter Filter) ([]Row, error) {
	return queryRows(ctx, t.tx, filter)
}

// CopyScenario copies every row and its lineage from one scenario into another.
func (t *PgTx) CopyScenario(ctx context.Context, fromScenarioID, toScenarioID int64) (int64, error) {
	if _, err := t.tx.Exec(ctx, `WITH src AS (
    SELECT * FROM scenario_data WHERE scenario_id = $1
), copied AS (
    INSERT INTO scenario_data (scenario_id, period_id, entity_id, account_id, elimination_type, adjustment_type,
        amount, currency, source_system, import_batch_id, calculation_formula, notes)
    SELECT $2, period_id, entity_id, account_id, elimination_type, adjustment_type,
        amount, currency, source_system, import_batch_id, calculation_formula, notes
    FROM src
    RETURNING id, period_id, entity_id, account_id, elimination_type, adjustment_type
)
INSERT INTO scenario_data_lineage (data_id, source_kind, source_id, run_id, amount)
SELECT c.id, l.source_kind, l.source_id, l.run_id, l.amount
FROM copied c
JOIN src s ON s.period_id = c.period_id AND s.entity_id = c.entity_id AND s.account_id = c.account_id
    AND s.elimination_type = c.elimination_type AND s.adjustment_type = c.adjustment_type
JOIN scenario_data_lineage l ON l.data_id = s.id`, fromScenarioID, toScenarioID); err != nil {
		return 0, err
	}
	return t.CountRows(ctx, toScenarioID)
}

func (t *PgTx) CountRows(ctx context.Context, scenarioID int64) (int64, error) {
	var n int64
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM scenario_data WHERE scenario_id = $1`, scenarioID).Scan(&n)
	return n, err
}

// RecordAudit appends an audit entry inside the transaction.
func (t *PgTx) RecordAudit(ctx context.Context, entry shared.AuditLog) error {
	return t.audit.Record(ctx, entry)
}

func queryRows(ctx context.Context, conn db.DBTX, filter Filter) ([]Row, error) {
	clauses := []string{"scenario_id = $1"}
	args := []any{filter.ScenarioID}
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if len(filter.PeriodIDs) > 0 {
		add("period_id = ANY($%d)", filter.PeriodIDs)
	}
	if len(filter.EntityIDs) > 0 {
		add("entity_id = ANY($%d)", filter.EntityIDs)
	}
	if len(filter.AccountIDs) > 0 {
		add("account_id = ANY($%d)", filter.AccountIDs)
	}
	if filter.AccountFrom != nil {
		add("account_id >= $%d", *filter.AccountFrom)
	}
	if filter.AccountTo != nil {
		add("account_id <= $%d", *filter.AccountTo)
	}
	if filter.BaseOnly {
		clauses = append(clauses, "elimination_type = ''", "adjustment_type = ''")
	}
	query := `SELECT ` + rowColumns + ` FROM scenario_data WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY period_id, entity_id, account_id, elimination_type, adjustment_type`
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanRow(row pgx.Row) (Row, error) {
	var r Row
	err := row.Scan(&r.ID, &r.ScenarioID, &r.PeriodID, &r.EntityID, &r.AccountID, &r.EliminationType, &r.AdjustmentType,
		&r.Amount, &r.Currency, &r.SourceSystem, &r.ImportBatchID, &r.CalculationFormula, &r.Notes, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}
