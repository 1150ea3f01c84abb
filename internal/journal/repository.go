package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-consol/internal/platform/db"
	"github.com/odyssey-erp/odyssey-consol/internal/scenariodata"
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
	*scenariodata.PgTx
	approvals *shared.ApprovalRecorder
}

// WithTx wraps callback in repeatable-read transaction.
func (r *PgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{PgTx: scenariodata.NewTx(tx), approvals: shared.NewApprovalRecorder(tx)})
	})
}

const batchColumns = `id, number, reference, period_id, scenario_id, entity_id, category, journal_type, description, status,
total_debits, total_credits, is_balanced, template_id, auto_reverse_date, reversal_of, reversed_by, created_by,
COALESCE(submitted_by, ''), submitted_at, COALESCE(approved_by, ''), approved_at, COALESCE(posted_by, ''), posted_at,
reversed_at, created_at, updated_at`

const lineColumns = `id, batch_id, line_number, transaction_date, period_code, entity_id, debit_account_id, credit_account_id,
amount, currency, exchange_rate, base_amount, from_entity_id, to_entity_id, description`

const periodColumns = `id, code, start_date, end_date, status`

const templateColumns = `id, name, category, journal_type, description, scenario_id, entity_id, lines, recurrence,
next_run_date, active`

// Get loads a batch.
func (r *PgRepository) Get(ctx context.Context, id int64) (Batch, error) {
	return getBatch(ctx, r.pool, id, "")
}

// Lines loads a batch's lines.
func (r *PgRepository) Lines(ctx context.Context, batchID int64) ([]Line, error) {
	return listLines(ctx, r.pool, batchID)
}

// List returns batches matching filter, newest first.
func (r *PgRepository) List(ctx context.Context, filter ListFilter) ([]Batch, error) {
	clauses := []string{"TRUE"}
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.PeriodID != 0 {
		add("period_id = $%d", filter.PeriodID)
	}
	if filter.ScenarioID != 0 {
		add("scenario_id = $%d", filter.ScenarioID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM journal_batches WHERE %s ORDER BY id DESC LIMIT $%d OFFSET $%d`,
		batchColumns, strings.Join(clauses, " AND "), len(args)-1, len(args))
	return queryBatches(ctx, r.pool, query, args...)
}

// DueAutoReversals lists posted batches whose auto reverse date has passed.
func (r *PgRepository) DueAutoReversals(ctx context.Context, asOf time.Time) ([]Batch, error) {
	return queryBatches(ctx, r.pool, `SELECT `+batchColumns+` FROM journal_batches
WHERE status = 'posted' AND auto_reverse_date <= $1 AND reversed_by IS NULL AND reversal_of IS NULL
ORDER BY auto_reverse_date, id`, asOf)
}

// DueTemplates lists recurring templates due on or before asOf.
func (r *PgRepository) DueTemplates(ctx context.Context, asOf time.Time) ([]Template, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+templateColumns+` FROM journal_templates
WHERE active AND recurrence <> 'none' AND next_run_date <= $1 ORDER BY next_run_date, id`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Template
	for rows.Next() {
		tmpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tmpl)
	}
	return out, rows.Err()
}

// PeriodForDate returns the narrowest period containing date.
func (r *PgRepository) PeriodForDate(ctx context.Context, date time.Time) (Period, error) {
	var p Period
	err := r.pool.QueryRow(ctx, `SELECT `+periodColumns+` FROM periods
WHERE $1 BETWEEN start_date AND end_date ORDER BY (end_date - start_date), id LIMIT 1`, date).
		Scan(&p.ID, &p.Code, &p.StartDate, &p.EndDate, &p.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, fmt.Errorf("%w: period for %s", ErrNotFound, date.Format(time.DateOnly))
	}
	return p, err
}

// CurrencyUsage groups a period's lines by month and currency.
func (r *PgRepository) CurrencyUsage(ctx context.Context, periodID int64) ([]CurrencyUsage, error) {
	rows, err := r.pool.Query(ctx, `SELECT date_trunc('month', l.transaction_date)::date, l.currency, COUNT(*)
FROM journal_lines l
JOIN journal_batches b ON b.id = l.batch_id
WHERE b.period_id = $1
GROUP BY 1, 2 ORDER BY 1, 2`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CurrencyUsage
	for rows.Next() {
		var u CurrencyUsage
		if err := rows.Scan(&u.Month, &u.Currency, &u.Lines); err != nil {
			return nil, err
		}
		u.Currency = strings.TrimSpace(u.Currency)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (t *txRepo) LockPeriod(ctx context.Context, id int64) (Period, error) {
	var p Period
	err := t.Conn().QueryRow(ctx, `SELECT `+periodColumns+` FROM periods WHERE id = $1 FOR SHARE`, id).
		Scan(&p.ID, &p.Code, &p.StartDate, &p.EndDate, &p.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, fmt.Errorf("%w: period %d", ErrNotFound, id)
	}
	return p, err
}

func (t *txRepo) NextBatchSequence(ctx context.Context, year int) (int64, error) {
	var next int64
	err := t.Conn().QueryRow(ctx, `INSERT INTO journal_batch_sequences (year, last_value) VALUES ($1, 1)
ON CONFLICT (year) DO UPDATE SET last_value = journal_batch_sequences.last_value + 1
RETURNING last_value`, year).Scan(&next)
	return next, err
}

func (t *txRepo) InsertBatch(ctx context.Context, b Batch) (int64, error) {
	var id int64
	err := t.Conn().QueryRow(ctx, `INSERT INTO journal_batches (number, reference, period_id, scenario_id, entity_id, category,
journal_type, description, status, total_debits, total_credits, is_balanced, template_id, auto_reverse_date, reversal_of,
created_by, posted_by, posted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,NULLIF($17, ''),$18) RETURNING id`,
		b.Number, b.Reference, b.PeriodID, b.ScenarioID, b.EntityID, b.Category, string(b.JournalType), b.Description,
		string(b.Status), b.TotalDebits, b.TotalCredits, b.IsBalanced, b.TemplateID, b.AutoReverseDate, b.ReversalOf,
		b.CreatedBy, b.PostedBy, b.PostedAt,
	).Scan(&id)
	return id, err
}

func (t *txRepo) LockBatch(ctx context.Context, id int64) (Batch, error) {
	return getBatch(ctx, t.Conn(), id, " FOR UPDATE")
}

func (t *txRepo) UpdateBatch(ctx context.Context, b Batch) error {
	_, err := t.Conn().Exec(ctx, `UPDATE journal_batches SET status = $2, total_debits = $3, total_credits = $4,
is_balanced = $5, reversed_by = $6, submitted_by = NULLIF($7, ''), submitted_at = $8, approved_by = NULLIF($9, ''),
approved_at = $10, posted_by = NULLIF($11, ''), posted_at = $12, reversed_at = $13, updated_at = NOW()
WHERE id = $1`,
		b.ID, string(b.Status), b.TotalDebits, b.TotalCredits, b.IsBalanced, b.ReversedBy, b.SubmittedBy, b.SubmittedAt,
		b.ApprovedBy, b.ApprovedAt, b.PostedBy, b.PostedAt, b.ReversedAt)
	return err
}

func (t *txRepo) ListLines(ctx context.Context, batchID int64) ([]Line, error) {
	return listLines(ctx, t.Conn(), batchID)
}

// ReplaceLines rewrites the batch's lines with contiguous numbering.
func (t *txRepo) ReplaceLines(ctx context.Context, batchID int64, lines []Line) error {
	if _, err := t.Conn().Exec(ctx, `DELETE FROM journal_lines WHERE batch_id = $1`, batchID); err != nil {
		return err
	}
	for _, l := range lines {
		if _, err := t.Conn().Exec(ctx, `INSERT INTO journal_lines (batch_id, line_number, transaction_date, period_code,
entity_id, debit_account_id, credit_account_id, amount, currency, exchange_rate, base_amount, from_entity_id, to_entity_id,
description) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
			batchID, l.LineNumber, l.TransactionDate, l.PeriodCode, l.EntityID, l.DebitAccountID, l.CreditAccountID,
			l.Amount, l.Currency, l.ExchangeRate, l.BaseAmount, l.FromEntityID, l.ToEntityID, l.Description); err != nil {
			return err
		}
	}
	return nil
}

func (t *txRepo) InsertApproval(ctx context.Context, log shared.ApprovalLog) error {
	return t.approvals.Record(ctx, log)
}

func (t *txRepo) ListApprovals(ctx context.Context, ref uuid.UUID) ([]shared.ApprovalLog, error) {
	return t.approvals.List(ctx, approvalModule, ref)
}

func (t *txRepo) ApprovalRules(ctx context.Context) ([]ApprovalRule, error) {
	rows, err := t.Conn().Query(ctx, `SELECT id, name, min_amount, COALESCE(category, ''), entity_id,
COALESCE(journal_type, ''), required_approvers, active FROM journal_approval_rules WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ApprovalRule
	for rows.Next() {
		var rule ApprovalRule
		var typ string
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.MinAmount, &rule.Category, &rule.EntityID, &typ,
			&rule.RequiredApprovers, &rule.Active); err != nil {
			return nil, err
		}
		rule.JournalType = Type(typ)
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (t *txRepo) LockTemplate(ctx context.Context, id int64) (Template, error) {
	tmpl, err := scanTemplate(t.Conn().QueryRow(ctx, `SELECT `+templateColumns+` FROM journal_templates WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Template{}, fmt.Errorf("%w: template %d", ErrNotFound, id)
	}
	return tmpl, err
}

func (t *txRepo) UpdateTemplateNextRun(ctx context.Context, id int64, next *time.Time) error {
	_, err := t.Conn().Exec(ctx, `UPDATE journal_templates SET next_run_date = $2, updated_at = NOW() WHERE id = $1`, id, next)
	return err
}

func getBatch(ctx context.Context, conn db.DBTX, id int64, suffix string) (Batch, error) {
	b, err := scanBatch(conn.QueryRow(ctx, `SELECT `+batchColumns+` FROM journal_batches WHERE id = $1`+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Batch{}, fmt.Errorf("%w: batch %d", ErrNotFound, id)
	}
	return b, err
}

func queryBatches(ctx context.Context, conn db.DBTX, query string, args ...any) ([]Batch, error) {
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBatch(row pgx.Row) (Batch, error) {
	var b Batch
	var typ, status string
	err := row.Scan(&b.ID, &b.Number, &b.Reference, &b.PeriodID, &b.ScenarioID, &b.EntityID, &b.Category, &typ,
		&b.Description, &status, &b.TotalDebits, &b.TotalCredits, &b.IsBalanced, &b.TemplateID, &b.AutoReverseDate,
		&b.ReversalOf, &b.ReversedBy, &b.CreatedBy, &b.SubmittedBy, &b.SubmittedAt, &b.ApprovedBy, &b.ApprovedAt,
		&b.PostedBy, &b.PostedAt, &b.ReversedAt, &b.CreatedAt, &b.UpdatedAt)
	b.JournalType = Type(typ)
	b.Status = Status(status)
	return b, err
}

func listLines(ctx context.Context, conn db.DBTX, batchID int64) ([]Line, error) {
	rows, err := conn.Query(ctx, `SELECT `+lineColumns+` FROM journal_lines WHERE batch_id = $1 ORDER BY line_number`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.BatchID, &l.LineNumber, &l.TransactionDate, &l.PeriodCode, &l.EntityID,
			&l.DebitAccountID, &l.CreditAccountID, &l.Amount, &l.Currency, &l.ExchangeRate, &l.BaseAmount,
			&l.FromEntityID, &l.ToEntityID, &l.Description); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanTemplate(row pgx.Row) (Template, error) {
	var tmpl Template
	var typ, recurrence string
	var rawLines []byte
	if err := row.Scan(&tmpl.ID, &tmpl.Name, &tmpl.Category, &typ, &tmpl.Description, &tmpl.ScenarioID, &tmpl.EntityID,
		&rawLines, &recurrence, &tmpl.NextRunDate, &tmpl.Active); err != nil {
		return Template{}, err
	}
	tmpl.JournalType = Type(typ)
	tmpl.Recurrence = Recurrence(recurrence)
	if len(rawLines) > 0 {
		if err := json.Unmarshal(rawLines, &tmpl.Lines); err != nil {
			return Template{}, fmt.Errorf("journal: decode template %d lines: %w", tmpl.ID, err)
		}
	}
	return tmpl, nil
}
