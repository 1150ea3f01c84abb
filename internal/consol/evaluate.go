package consol

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-consol/internal/consol/expr"
	"github.com/odyssey-erp/odyssey-consol/internal/scenariodata"
)

const (
	accountIdentPrefix = "acct_"
	eliminationIdent   = "amount"
)

// AccountIdent returns the formula identifier bound to an account's total.
func AccountIdent(accountID int64) string {
	return accountIdentPrefix + strconv.FormatInt(accountID, 10)
}

func parseAccountIdent(name string) (int64, bool) {
	if !strings.HasPrefix(name, accountIdentPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(name, accountIdentPrefix), 10, 64)
	return id, err == nil && id > 0
}

// compileRule parses the formula and checks the parameters the rule type needs.
func compileRule(rule Rule) (*expr.Expr, error) {
	switch rule.Type {
	case RuleElimination:
		a, okA, err := rule.IntParam(ParamEntityA)
		if err != nil {
			return nil, err
		}
		b, okB, err := rule.IntParam(ParamEntityB)
		if err != nil {
			return nil, err
		}
		if !okA || !okB {
			return nil, fmt.Errorf("%w: %s and %s", ErrMissingParam, ParamEntityA, ParamEntityB)
		}
		if a == b {
			return nil, fmt.Errorf("%w: entity pair must differ", ErrInvalidInput)
		}
		pairs, err := eliminationAccounts(rule)
		if err != nil {
			return nil, err
		}
		if len(pairs) == 0 {
			return nil, fmt.Errorf("%w: accounts or %s/%s", ErrMissingTarget, ParamAccountA, ParamAccountB)
		}
		if _, _, err := rule.IntParam(ParamTargetEntity); err != nil {
			return nil, err
		}
		if strings.TrimSpace(rule.Formula) == "" {
			return nil, nil
		}
		return expr.Parse(rule.Formula, func(name string) bool { return name == eliminationIdent })
	case RuleAdjustment, RuleCalculation:
		if strings.TrimSpace(rule.Formula) == "" {
			return nil, fmt.Errorf("%w: formula required", ErrInvalidInput)
		}
		if _, ok, err := rule.IntParam(ParamTargetAccount); err != nil || !ok {
			if err == nil {
				err = fmt.Errorf("%w: %s", ErrMissingTarget, ParamTargetAccount)
			}
			return nil, err
		}
		if rule.Type == RuleCalculation {
			if _, ok, err := rule.IntParam(ParamTargetEntity); err != nil || !ok {
				if err == nil {
					err = fmt.Errorf("%w: %s", ErrMissingParam, ParamTargetEntity)
				}
				return nil, err
			}
		}
		return expr.Parse(rule.Formula, declaredAccounts(rule.AccountIDs))
	}
	return nil, fmt.Errorf("%w: rule type %q", ErrInvalidInput, rule.Type)
}

// declaredAccounts accepts acct_<id> identifiers, restricted to accounts when
// the rule lists any.
func declaredAccounts(accounts []int64) func(string) bool {
	set := make(map[int64]struct{}, len(accounts))
	for _, id := range accounts {
		set[id] = struct{}{}
	}
	return func(name string) bool {
		id, ok := parseAccountIdent(name)
		if !ok {
			return false
		}
		if len(set) == 0 {
			return true
		}
		_, ok = set[id]
		return ok
	}
}

type accountPair struct{ a, b int64 }

func eliminationAccounts(rule Rule) ([]accountPair, error) {
	accA, okA, err := rule.IntParam(ParamAccountA)
	if err != nil {
		return nil, err
	}
	accB, okB, err := rule.IntParam(ParamAccountB)
	if err != nil {
		return nil, err
	}
	if okA != okB {
		return nil, fmt.Errorf("%w: %s and %s go together", ErrMissingParam, ParamAccountA, ParamAccountB)
	}
	if okA {
		return []accountPair{{a: accA, b: accB}}, nil
	}
	pairs := make([]accountPair, 0, len(rule.AccountIDs))
	for _, id := range rule.AccountIDs {
		pairs = append(pairs, accountPair{a: id, b: id})
	}
	return pairs, nil
}

// scope is the evaluation context for one rule.
type scope struct {
	scenarioID int64
	periodID   int64
	periods    []int64
}

// readFilter returns the rows a rule reads.
func readFilter(rule Rule, sc scope) scenariodata.Filter {
	filter := scenariodata.Filter{
		ScenarioID: sc.scenarioID,
		PeriodIDs:  sc.periods,
		EntityIDs:  rule.EntityIDs,
		AccountIDs: rule.AccountIDs,
	}
	if rule.Type == RuleElimination {
		a, _, _ := rule.IntParam(ParamEntityA)
		b, _, _ := rule.IntParam(ParamEntityB)
		filter.EntityIDs = []int64{a, b}
		filter.BaseOnly = true
		if pairs, _ := eliminationAccounts(rule); len(pairs) == 1 && pairs[0].a != pairs[0].b {
			filter.AccountIDs = []int64{pairs[0].a, pairs[0].b}
		}
	}
	return filter
}

type totals map[int64]map[int64]decimal.Decimal

func totalsByEntity(rows []scenariodata.Row) totals {
	out := make(totals)
	for _, t := range scenariodata.SumByEntityAccount(rows) {
		if out[t.EntityID] == nil {
			out[t.EntityID] = make(map[int64]decimal.Decimal)
		}
		out[t.EntityID][t.AccountID] = t.Amount
	}
	return out
}

func (t totals) get(entity, account int64) decimal.Decimal {
	return t[entity][account]
}

func (t totals) entities() []int64 {
	ids := make([]int64, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// accountsPresent lists the accounts with at least one row in the read scope.
func accountsPresent(rows []scenariodata.Row) map[int64]struct{} {
	out := make(map[int64]struct{}, len(rows))
	for _, row := range rows {
		out[row.AccountID] = struct{}{}
	}
	return out
}

// bindAccounts fails with ErrMissingTarget when a formula account has no row
// anywhere in the read scope. An entity without its own row reads zero.
func bindAccounts(compiled *expr.Expr, present map[int64]struct{}, amount func(account int64) decimal.Decimal) (expr.Env, error) {
	env := make(expr.Env)
	for _, name := range compiled.Identifiers() {
		id, _ := parseAccountIdent(name)
		if _, ok := present[id]; !ok {
			return nil, fmt.Errorf("%w: account %d has no data in scope", ErrMissingTarget, id)
		}
		env[name] = amount(id)
	}
	return env, nil
}

// excludeOwnOutput subtracts what the rule itself contributed across the
// rollup, so re-running it at a parent period does not read its own output
// from child periods. Rows left holding only that output are dropped.
func excludeOwnOutput(rows []scenariodata.Row, own map[scenariodata.Key]decimal.Decimal) []scenariodata.Row {
	if len(own) == 0 {
		return rows
	}
	out := make([]scenariodata.Row, 0, len(rows))
	for _, row := range rows {
		contributed, ok := own[row.Key]
		if !ok {
			out = append(out, row)
			continue
		}
		row.Amount = row.Amount.Sub(contributed)
		if row.Amount.IsZero() {
			continue
		}
		out = append(out, row)
	}
	return out
}

// evaluate turns a rule into contributions at the run period.
func (s *Service) evaluate(ctx context.Context, rule Rule, compiled *expr.Expr, rows []scenariodata.Row, sc scope) ([]scenariodata.Write, error) {
	switch rule.Type {
	case RuleElimination:
		return s.evaluateElimination(rule, compiled, rows, sc)
	case RuleAdjustment:
		return s.evaluateAdjustment(ctx, rule, compiled, rows, sc)
	case RuleCalculation:
		return s.evaluateCalculation(rule, compiled, rows, sc)
	}
	return nil, fmt.Errorf("%w: rule type %q", ErrInvalidInput, rule.Type)
}

// evaluateElimination offsets the matched part of opposite-signed balances of
// an entity pair. The offsets are tagged with the counterparty so the pair nets
// to zero at the consolidated scope.
func (s *Service) evaluateElimination(rule Rule, compiled *expr.Expr, rows []scenariodata.Row, sc scope) ([]scenariodata.Write, error) {
	a, _, _ := rule.IntParam(ParamEntityA)
	b, _, _ := rule.IntParam(ParamEntityB)
	target, hasTarget, _ := rule.IntParam(ParamTargetEntity)
	pairs, err := eliminationAccounts(rule)
	if err != nil {
		return nil, err
	}
	t := totalsByEntity(rows)
	var writes []scenariodata.Write
	for _, pair := range pairs {
		amtA := t.get(a, pair.a)
		amtB := t.get(b, pair.b)
		if amtA.IsZero() || amtB.IsZero() || amtA.Sign() == amtB.Sign() {
			continue
		}
		matched := decimal.Min(amtA.Abs(), amtB.Abs())
		if compiled != nil {
			matched, err = compiled.Eval(expr.Env{eliminationIdent: matched})
			if err != nil {
				return nil, err
			}
		}
		if matched.IsZero() {
			continue
		}
		atA, atB := a, b
		if hasTarget {
			atA, atB = target, target
		}
		writes = append(writes,
			s.derivedWrite(rule, sc, scenariodata.Key{EntityID: atA, AccountID: pair.a, EliminationType: eliminationTag(b)},
				matched.Mul(decimal.NewFromInt(int64(-amtA.Sign())))),
			s.derivedWrite(rule, sc, scenariodata.Key{EntityID: atB, AccountID: pair.b, EliminationType: eliminationTag(a)},
				matched.Mul(decimal.NewFromInt(int64(-amtB.Sign())))),
		)
	}
	return writes, nil
}

func eliminationTag(counterparty int64) string {
	return eliminationPrefix + strconv.FormatInt(counterparty, 10)
}

// evaluateAdjustment runs the formula once per entity shard. Shards evaluate in
// parallel; the writer applies their results in key order afterwards.
func (s *Service) evaluateAdjustment(ctx context.Context, rule Rule, compiled *expr.Expr, rows []scenariodata.Row, sc scope) ([]scenariodata.Write, error) {
	targetAccount, _, _ := rule.IntParam(ParamTargetAccount)
	t := totalsByEntity(rows)
	entities := rule.EntityIDs
	if len(entities) == 0 {
		entities = t.entities()
	}
	present := accountsPresent(rows)
	results := make([]decimal.Decimal, len(entities))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, entity := range entities {
		i, entity := i, entity
		g.Go(func() error {
			env, err := bindAccounts(compiled, present, func(account int64) decimal.Decimal { return t.get(entity, account) })
			if err != nil {
				return err
			}
			v, err := compiled.Eval(env)
			if err != nil {
				return fmt.Errorf("entity %d: %w", entity, err)
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	writes := make([]scenariodata.Write, 0, len(entities))
	for i, entity := range entities {
		if results[i].IsZero() {
			continue
		}
		writes = append(writes, s.derivedWrite(rule, sc,
			scenariodata.Key{EntityID: entity, AccountID: targetAccount, AdjustmentType: AdjustmentCalculated}, results[i]))
	}
	return writes, nil
}

// evaluateCalculation derives one account from totals across every entity in
// scope and writes it at the rollup entity.
func (s *Service) evaluateCalculation(rule Rule, compiled *expr.Expr, rows []scenariodata.Row, sc scope) ([]scenariodata.Write, error) {
	targetEntity, _, _ := rule.IntParam(ParamTargetEntity)
	targetAccount, _, _ := rule.IntParam(ParamTargetAccount)
	sums := make(map[int64]decimal.Decimal)
	for _, row := range rows {
		sums[row.AccountID] = sums[row.AccountID].Add(row.Amount)
	}
	env, err := bindAccounts(compiled, accountsPresent(rows), func(account int64) decimal.Decimal { return sums[account] })
	if err != nil {
		return nil, err
	}
	v, err := compiled.Eval(env)
	if err != nil {
		return nil, err
	}
	if v.IsZero() {
		return nil, nil
	}
	return []scenariodata.Write{s.derivedWrite(rule, sc,
		scenariodata.Key{EntityID: targetEntity, AccountID: targetAccount, AdjustmentType: AdjustmentCalculation}, v)}, nil
}

func (s *Service) derivedWrite(rule Rule, sc scope, key scenariodata.Key, amount decimal.Decimal) scenariodata.Write {
	key.ScenarioID = sc.scenarioID
	key.PeriodID = sc.periodID
	return scenariodata.Write{
		Key:                key,
		Amount:             amount,
		Currency:           s.baseCurrency,
		Policy:             scenariodata.PolicyAccumulate,
		Source:             scenariodata.SourceRule,
		SourceID:           rule.ID,
		SourceSystem:       "consol",
		CalculationFormula: rule.Formula,
		Notes:              rule.Name,
	}
}
