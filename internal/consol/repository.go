package consol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-consol/internal/consol/fx"
	"github.com/odyssey-erp/odyssey-consol/internal/platform/db"
	"github.com/odyssey-erp/odyssey-consol/internal/scenariodata"
)

// PgRepository provides persistence helpers for consolidation workloads.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a consolidation repository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

type txRepo struct {
	*scenariodata.PgTx
}

const ruleColumns = `id, name, rule_type, scenario_ids, entity_ids, account_ids, formula, params, execution_order,
active, created_by, created_at, updated_at`

// WithTx wraps callback in repeatable-read transaction.
func (r *PgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{PgTx: scenariodata.NewTx(tx)})
	})
}

// GetRule loads a rule.
func (r *PgRepository) GetRule(ctx context.Context, id int64) (Rule, error) {
	return getRule(ctx, r.pool, id, "")
}

// ListRules returns rules ordered for execution.
func (r *PgRepository) ListRules(ctx context.Context, activeOnly bool) ([]Rule, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+ruleColumns+` FROM consolidation_rules
WHERE ($1 = FALSE OR active) ORDER BY execution_order, id`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// QuoteForPeriod implements fx.QuoteProvider over the fx_rates table.
func (r *PgRepository) QuoteForPeriod(ctx context.Context, asOf time.Time, pair string) (fx.Quote, bool, error) {
	var q fx.Quote
	err := r.pool.QueryRow(ctx, `SELECT average_rate, closing_rate FROM fx_rates
WHERE pair = $1 AND as_of <= $2 ORDER BY as_of DESC LIMIT 1`, strings.ToUpper(pair), asOf).Scan(&q.Average, &q.Closing)
	if errors.Is(err, pgx.ErrNoRows) {
		return fx.Quote{}, false, nil
	}
	if err != nil {
		return fx.Quote{}, false, err
	}
	return q, true, nil
}

// UpsertFxRate stores a quote for a pair and month.
func (r *PgRepository) UpsertFxRate(ctx context.Context, asOf time.Time, pair string, quote fx.Quote) error {
	pair = strings.ToUpper(strings.TrimSpace(pair))
	if len(pair) != 6 {
		return fmt.Errorf("consol: invalid fx pair %q", pair)
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO fx_rates (as_of, pair, average_rate, closing_rate)
VALUES ($1, $2, $3, $4)
ON CONFLICT (as_of, pair) DO UPDATE SET average_rate = EXCLUDED.average_rate, closing_rate = EXCLUDED.closing_rate`,
		time.Date(asOf.Year(), asOf.Month(), 1, 0, 0, 0, 0, time.UTC), pair, quote.Average, quote.Closing)
	return err
}

func (t *txRepo) InsertRule(ctx context.Context, rule Rule) (int64, error) {
	params, err := json.Marshal(rule.Params)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.Conn().QueryRow(ctx, `INSERT INTO consolidation_rules (name, rule_type, scenario_ids, entity_ids, account_ids,
formula, params, execution_order, active, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11) RETURNING id`,
		rule.Name, string(rule.Type), ids(rule.ScenarioIDs), ids(rule.EntityIDs), ids(rule.AccountIDs), rule.Formula,
		params, rule.ExecutionOrder, rule.Active, rule.CreatedBy, rule.CreatedAt).Scan(&id)
	return id, err
}

func (t *txRepo) LockRule(ctx context.Context, id int64) (Rule, error) {
	return getRule(ctx, t.Conn(), id, " FOR UPDATE")
}

func (t *txRepo) UpdateRule(ctx context.Context, rule Rule) error {
	params, err := json.Marshal(rule.Params)
	if err != nil {
		return err
	}
	tag, err := t.Conn().Exec(ctx, `UPDATE consolidation_rules SET name = $2, rule_type = $3, scenario_ids = $4,
entity_ids = $5, account_ids = $6, formula = $7, params = $8, execution_order = $9, active = $10, updated_at = NOW()
WHERE id = $1`,
		rule.ID, rule.Name, string(rule.Type), ids(rule.ScenarioIDs), ids(rule.EntityIDs), ids(rule.AccountIDs),
		rule.Formula, params, rule.ExecutionOrder, rule.Active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, rule.ID)
	}
	return nil
}

func getRule(ctx context.Context, conn db.DBTX, id int64, suffix string) (Rule, error) {
	rule, err := scanRule(conn.QueryRow(ctx, `SELECT `+ruleColumns+` FROM consolidation_rules WHERE id = $1`+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Rule{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return rule, err
}

func scanRule(row pgx.Row) (Rule, error) {
	var rule Rule
	var typ string
	var params []byte
	if err := row.Scan(&rule.ID, &rule.Name, &typ, &rule.ScenarioIDs, &rule.EntityIDs, &rule.AccountIDs, &rule.Formula,
		&params, &rule.ExecutionOrder, &rule.Active, &rule.CreatedBy, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
		return Rule{}, err
	}
	rule.Type = RuleType(typ)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &rule.Params); err != nil {
			return Rule{}, fmt.Errorf("consol: decode rule %d params: %w", rule.ID, err)
		}
	}
	return rule, nil
}

// ids keeps empty sets as '{}' rather than NULL.
func ids(v []int64) []int64 {
	if v == nil {
		return []int64{}
	}
	return v
}
