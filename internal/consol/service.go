package consol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-consol/internal/platform/lock"
	"github.com/odyssey-erp/odyssey-consol/internal/scenariodata"
	"github.com/odyssey-erp/odyssey-consol/internal/shared"
)

// Repository defines the persistence behaviour required by the service.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRule(ctx context.Context, id int64) (Rule, error)
	ListRules(ctx context.Context, activeOnly bool) ([]Rule, error)
}

// TxRepository exposes transactional rule persistence on top of the data store.
type TxRepository interface {
	scenariodata.Tx
	InsertRule(ctx context.Context, rule Rule) (int64, error)
	LockRule(ctx context.Context, id int64) (Rule, error)
	UpdateRule(ctx context.Context, rule Rule) error
}

// PeriodRollup resolves a period and its descendants.
type PeriodRollup interface {
	Rollup(ctx context.Context, periodID int64) ([]int64, error)
}

// Config configures optional behaviour.
type Config struct {
	Tenant       string
	BaseCurrency string
	Parallelism  int
	Logger       *slog.Logger
}

// Service owns consolidation rules and executes rule runs.
type Service struct {
	repo         Repository
	locker       lock.Locker
	periods      PeriodRollup
	tenant       string
	baseCurrency string
	parallelism  int
	logger       *slog.Logger
	validate     *validator.Validate
	now          func() time.Time
}

// NewService constructs a consolidation service instance.
func NewService(repo Repository, locker lock.Locker, periods PeriodRollup, cfg Config) *Service {
	if locker == nil {
		locker = lock.NewLocalLocker(0)
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	base := strings.ToUpper(cfg.BaseCurrency)
	if base == "" {
		base = "USD"
	}
	return &Service{
		repo:         repo,
		locker:       locker,
		periods:      periods,
		tenant:       cfg.Tenant,
		baseCurrency: base,
		parallelism:  cfg.Parallelism,
		logger:       cfg.Logger.With(slog.String("component", "consol_engine")),
		validate:     validator.New(),
		now:          time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// CreateRule validates and stores a new rule. The formula is parsed here so a
// malformed rule never reaches a run.
func (s *Service) CreateRule(ctx context.Context, input RuleInput) (Rule, error) {
	rule, err := s.buildRule(input)
	if err != nil {
		return Rule{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertRule(ctx, rule)
		if err != nil {
			return err
		}
		rule.ID = id
		return s.audit(ctx, tx, input.Actor, "consol.rule.create", rule, nil, nil)
	})
	if err != nil {
		return Rule{}, err
	}
	return rule, nil
}

// UpdateRule replaces a rule definition.
func (s *Service) UpdateRule(ctx context.Context, id int64, input RuleInput) (Rule, error) {
	rule, err := s.buildRule(input)
	if err != nil {
		var evalErr *RuleEvaluationError
		if errors.As(err, &evalErr) {
			evalErr.RuleID = id
		}
		return Rule{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.LockRule(ctx, id)
		if err != nil {
			return err
		}
		rule.ID = current.ID
		rule.CreatedBy = current.CreatedBy
		rule.CreatedAt = current.CreatedAt
		if err := tx.UpdateRule(ctx, rule); err != nil {
			return err
		}
		return s.audit(ctx, tx, input.Actor, "consol.rule.update", rule, snapshot(current), nil)
	})
	if err != nil {
		return Rule{}, err
	}
	return rule, nil
}

// SetActive toggles a rule. Activation re-validates the stored formula.
func (s *Service) SetActive(ctx context.Context, id int64, active bool, actor string) (Rule, error) {
	if actor == "" {
		return Rule{}, shared.ErrActorRequired
	}
	var out Rule
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rule, err := tx.LockRule(ctx, id)
		if err != nil {
			return err
		}
		before := snapshot(rule)
		if active {
			if _, err := compileRule(rule); err != nil {
				return &RuleEvaluationError{RuleID: rule.ID, Err: err}
			}
		}
		rule.Active = active
		rule.UpdatedAt = s.now()
		if err := tx.UpdateRule(ctx, rule); err != nil {
			return err
		}
		action := "consol.rule.deactivate"
		if active {
			action = "consol.rule.activate"
		}
		out = rule
		return s.audit(ctx, tx, actor, action, rule, before, nil)
	})
	return out, err
}

// GetRule returns a rule.
func (s *Service) GetRule(ctx context.Context, id int64) (Rule, error) {
	return s.repo.GetRule(ctx, id)
}

// ListRules returns rules ordered by execution order then id.
func (s *Service) ListRules(ctx context.Context, activeOnly bool) ([]Rule, error) {
	rules, err := s.repo.ListRules(ctx, activeOnly)
	if err != nil {
		return nil, err
	}
	sortRules(rules)
	return rules, nil
}

func (s *Service) buildRule(input RuleInput) (Rule, error) {
	if err := s.validate.Struct(input); err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	params := make(map[string]string, len(input.Params))
	for k, v := range input.Params {
		params[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	now := s.now()
	rule := Rule{
		Name:           strings.TrimSpace(input.Name),
		Type:           input.Type,
		ScenarioIDs:    uniqueIDs(input.ScenarioIDs),
		EntityIDs:      uniqueIDs(input.EntityIDs),
		AccountIDs:     uniqueIDs(input.AccountIDs),
		Formula:        strings.TrimSpace(input.Formula),
		Params:         params,
		ExecutionOrder: input.ExecutionOrder,
		Active:         input.Active,
		CreatedBy:      input.Actor,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := compileRule(rule); err != nil {
		return Rule{}, &RuleEvaluationError{Err: err}
	}
	return rule, nil
}

func (s *Service) audit(ctx context.Context, tx TxRepository, actor, action string, rule Rule, before, meta map[string]any) error {
	return tx.RecordAudit(ctx, shared.AuditLog{
		Actor:    actor,
		Action:   action,
		Entity:   "consolidation_rule",
		EntityID: strconv.FormatInt(rule.ID, 10),
		Before:   before,
		After:    snapshot(rule),
		Meta:     meta,
		At:       s.now(),
	})
}

func snapshot(rule Rule) map[string]any {
	return map[string]any{
		"name":            rule.Name,
		"type":            string(rule.Type),
		"formula":         rule.Formula,
		"execution_order": rule.ExecutionOrder,
		"active":          rule.Active,
	}
}

func sortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].ExecutionOrder != rules[j].ExecutionOrder {
			return rules[i].ExecutionOrder < rules[j].ExecutionOrder
		}
		return rules[i].ID < rules[j].ID
	})
}

func uniqueIDs(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
