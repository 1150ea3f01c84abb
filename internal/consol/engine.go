package consol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-consol/internal/platform/lock"
	"github.com/odyssey-erp/odyssey-consol/internal/scenariodata"
	"github.com/odyssey-erp/odyssey-consol/internal/shared"
)

// RunRules executes the active rules matching the scenario in execution order
// under the scope lock. Each rule commits on its own; an evaluation failure
// stops the run and keeps the rules already committed.
func (s *Service) RunRules(ctx context.Context, input RunInput) (RunReport, error) {
	if err := s.validate.Struct(input); err != nil {
		return RunReport{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	report := RunReport{
		RunID:      uuid.New(),
		ScenarioID: input.ScenarioID,
		PeriodID:   input.PeriodID,
		StartedAt:  s.now(),
	}
	rules, err := s.repo.ListRules(ctx, true)
	if err != nil {
		return report, err
	}
	matched := rules[:0]
	for _, rule := range rules {
		if rule.Active && rule.AppliesTo(input.ScenarioID) {
			matched = append(matched, rule)
		}
	}
	sortRules(matched)

	periods := []int64{input.PeriodID}
	if s.periods != nil {
		periods, err = s.periods.Rollup(ctx, input.PeriodID)
		if err != nil {
			return report, err
		}
	}
	report.Periods = periods
	sc := scope{scenarioID: input.ScenarioID, periodID: input.PeriodID, periods: periods}
	log := s.logger.With(slog.String("run_id", report.RunID.String()),
		slog.Int64("scenario_id", input.ScenarioID), slog.Int64("period_id", input.PeriodID))

	key := shared.ScopeLockKey(s.tenant, input.ScenarioID, input.PeriodID)
	err = lock.Do(ctx, s.locker, key, func(ctx context.Context) error {
		for i, rule := range matched {
			if ctx.Err() != nil {
				report.NotRun = append(report.NotRun, ruleIDs(matched[i:])...)
				return fmt.Errorf("%w: %v", ErrRunCancelled, ctx.Err())
			}
			result, err := s.runRule(ctx, rule, sc, report.RunID, input.Actor)
			switch {
			case errors.Is(err, scenariodata.ErrScenarioLocked):
				log.Warn("rule skipped, scenario locked", slog.Int64("rule_id", rule.ID), slog.Any("error", err))
				report.Skipped = append(report.Skipped, rule.ID)
			case err != nil:
				report.Failed = append(report.Failed, rule.ID)
				report.NotRun = append(report.NotRun, ruleIDs(matched[i+1:])...)
				return err
			default:
				report.Executed = append(report.Executed, result)
			}
		}
		return nil
	})
	report.FinishedAt = s.now()
	if err != nil {
		log.Error("consolidation run aborted", slog.Any("error", err),
			slog.Any("executed", report.ExecutedIDs()), slog.Any("not_run", report.NotRun))
		return report, err
	}
	log.Info("consolidation run completed",
		slog.Int("executed", len(report.Executed)), slog.Int("skipped", len(report.Skipped)))
	return report, nil
}

// runRule retracts the rule's previous output in scope, re-evaluates it and
// writes the new contributions in one transaction.
func (s *Service) runRule(ctx context.Context, rule Rule, sc scope, runID uuid.UUID, actor string) (RuleResult, error) {
	result := RuleResult{RuleID: rule.ID}
	compiled, err := compileRule(rule)
	if err != nil {
		return result, &RuleEvaluationError{RuleID: rule.ID, Err: err}
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		writer := scenariodata.NewWriter(tx)
		if err := writer.EnsureWritable(ctx, sc.scenarioID); err != nil {
			return err
		}
		retracted, err := writer.Retract(ctx, scenariodata.SourceRule, rule.ID, sc.scenarioID, []int64{sc.periodID})
		if err != nil {
			return err
		}
		rows, err := tx.QueryRows(ctx, readFilter(rule, sc))
		if err != nil {
			return err
		}
		own, err := writer.Contributions(ctx, scenariodata.SourceRule, rule.ID, sc.scenarioID, sc.periods)
		if err != nil {
			return err
		}
		rows = excludeOwnOutput(rows, own)
		writes, err := s.evaluate(ctx, rule, compiled, rows, sc)
		if err != nil {
			return &RuleEvaluationError{RuleID: rule.ID, Err: err}
		}
		for i := range writes {
			writes[i].RunID = runID
		}
		if _, err := writer.ApplyAll(ctx, writes); err != nil {
			return fmt.Errorf("rule %d: %w", rule.ID, err)
		}
		result.Writes = len(writes)
		result.Retracted = retracted
		return tx.RecordAudit(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   "consol.rule.execute",
			Entity:   "consolidation_rule",
			EntityID: strconv.FormatInt(rule.ID, 10),
			After:    map[string]any{"writes": len(writes), "retracted": retracted},
			Meta: map[string]any{
				"run_id":      runID.String(),
				"scenario_id": sc.scenarioID,
				"period_id":   sc.periodID,
				"periods":     sc.periods,
				"type":        string(rule.Type),
			},
			At: s.now(),
		})
	})
	return result, err
}

func ruleIDs(rules []Rule) []int64 {
	ids := make([]int64, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	return ids
}
