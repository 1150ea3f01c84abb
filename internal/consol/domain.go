package consol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RuleType selects the evaluation contract of a rule.
type RuleType string

const (
	RuleElimination RuleType = "elimination"
	RuleAdjustment  RuleType = "adjustment"
	RuleCalculation RuleType = "calculation"
)

// Tags written into derived rows.
const (
	AdjustmentCalculated  = "calculated"
	AdjustmentCalculation = "calculation"
	eliminationPrefix     = "intercompany:"
)

// Rule parameters understood by the evaluators.
const (
	ParamEntityA       = "entity_a"
	ParamEntityB       = "entity_b"
	ParamAccountA      = "account_a"
	ParamAccountB      = "account_b"
	ParamTargetEntity  = "target_entity"
	ParamTargetAccount = "target_account"
)

// Rule is an ordered consolidation rule. Empty id sets match everything.
type Rule struct {
	ID             int64
	Name           string
	Type           RuleType
	ScenarioIDs    []int64
	EntityIDs      []int64
	AccountIDs     []int64
	Formula        string
	Params         map[string]string
	ExecutionOrder int
	Active         bool
	CreatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AppliesTo reports whether the rule's scenario filter matches.
func (r Rule) AppliesTo(scenarioID int64) bool {
	if len(r.ScenarioIDs) == 0 {
		return true
	}
	for _, id := range r.ScenarioIDs {
		if id == scenarioID {
			return true
		}
	}
	return false
}

// Param returns a trimmed parameter value.
func (r Rule) Param(name string) string {
	return strings.TrimSpace(r.Params[name])
}

// IntParam parses an id parameter; ok is false when it is absent.
func (r Rule) IntParam(name string) (int64, bool, error) {
	raw := r.Param(name)
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, false, fmt.Errorf("param %s: invalid id %q", name, raw)
	}
	return v, true, nil
}

// RuleInput creates or replaces a rule definition.
type RuleInput struct {
	Name           string   `validate:"required,max=128"`
	Type           RuleType `validate:"required,oneof=elimination adjustment calculation"`
	ScenarioIDs    []int64  `validate:"dive,gt=0"`
	EntityIDs      []int64  `validate:"dive,gt=0"`
	AccountIDs     []int64  `validate:"dive,gt=0"`
	Formula        string   `validate:"max=2000"`
	Params         map[string]string
	ExecutionOrder int
	Active         bool
	Actor          string `validate:"required"`
}

// RunInput scopes a rule run.
type RunInput struct {
	ScenarioID int64  `validate:"required"`
	PeriodID   int64  `validate:"required"`
	Actor      string `validate:"required"`
}

// RuleResult records one executed rule.
type RuleResult struct {
	RuleID    int64
	Writes    int
	Retracted int
}

// RunReport summarises a run. Every matched rule lands in exactly one of
// Executed, Failed, NotRun or Skipped.
type RunReport struct {
	RunID      uuid.UUID
	ScenarioID int64
	PeriodID   int64
	Periods    []int64
	Executed   []RuleResult
	Failed     []int64
	NotRun     []int64
	Skipped    []int64
	StartedAt  time.Time
	FinishedAt time.Time
}

// ExecutedIDs lists the executed rule ids in order.
func (r RunReport) ExecutedIDs() []int64 {
	ids := make([]int64, len(r.Executed))
	for i, res := range r.Executed {
		ids[i] = res.RuleID
	}
	return ids
}

// RuleEvaluationError names the rule whose formula or references failed.
type RuleEvaluationError struct {
	RuleID int64
	Err    error
}

func (e *RuleEvaluationError) Error() string {
	return fmt.Sprintf("consol: rule %d evaluation failed: %v", e.RuleID, e.Err)
}

func (e *RuleEvaluationError) Unwrap() error { return e.Err }

var (
	ErrNotFound      = errors.New("consol: rule not found")
	ErrInvalidInput  = errors.New("consol: invalid input")
	ErrRunCancelled  = errors.New("consol: run cancelled")
	ErrMissingParam  = errors.New("consol: missing rule parameter")
	ErrMissingTarget = errors.New("consol: missing referenced account")
)
