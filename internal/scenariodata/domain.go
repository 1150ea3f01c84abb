package scenariodata

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Policy selects how a write combines with an existing row for the same key.
type Policy string

const (
	// PolicyOverwrite replaces the stored amount (manual override).
	PolicyOverwrite Policy = "overwrite"
	// PolicyAccumulate adds the signed contribution (postings and rule output).
	PolicyAccumulate Policy = "accumulate"
)

// SourceKind identifies what produced a contribution.
type SourceKind string

const (
	SourceJournal SourceKind = "journal"
	SourceRule    SourceKind = "rule"
	SourceManual  SourceKind = "manual"
)

// Key is the unique composite key of a fact row.
type Key struct {
	ScenarioID      int64
	PeriodID        int64
	EntityID        int64
	AccountID       int64
	EliminationType string
	AdjustmentType  string
}

// Derived reports whether the key belongs to a consolidation-produced row.
func (k Key) Derived() bool {
	return k.EliminationType != "" || k.AdjustmentType != ""
}

func (k Key) String() string {
	return fmt.Sprintf("s%d/p%d/e%d/a%d/%s/%s", k.ScenarioID, k.PeriodID, k.EntityID, k.AccountID, k.EliminationType, k.AdjustmentType)
}

// Less orders keys deterministically for serialized writes.
func (k Key) Less(o Key) bool {
	if k.ScenarioID != o.ScenarioID {
		return k.ScenarioID < o.ScenarioID
	}
	if k.PeriodID != o.PeriodID {
		return k.PeriodID < o.PeriodID
	}
	if k.EntityID != o.EntityID {
		return k.EntityID < o.EntityID
	}
	if k.AccountID != o.AccountID {
		return k.AccountID < o.AccountID
	}
	if k.EliminationType != o.EliminationType {
		return k.EliminationType < o.EliminationType
	}
	return k.AdjustmentType < o.AdjustmentType
}

// Row is a single ScenarioData fact.
type Row struct {
	ID int64
	Key
	Amount             decimal.Decimal
	Currency           string
	SourceSystem       string
	ImportBatchID      *string
	CalculationFormula string
	Notes              string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Lineage records one signed contribution applied to a row.
type Lineage struct {
	ID         int64
	DataID     int64
	SourceKind SourceKind
	SourceID   int64
	RunID      uuid.UUID
	Amount     decimal.Decimal
	CreatedAt  time.Time
}

// Write describes a single contribution to the store.
type Write struct {
	Key
	Amount             decimal.Decimal
	Currency           string
	Policy             Policy
	Source             SourceKind
	SourceID           int64
	RunID              uuid.UUID
	SourceSystem       string
	ImportBatchID      *string
	CalculationFormula string
	Notes              string
}

// Validate ensures the write names a complete key and a known policy.
func (w Write) Validate() error {
	if w.ScenarioID == 0 || w.PeriodID == 0 {
		return fmt.Errorf("%w: scenario and period required", ErrInvalidWrite)
	}
	if w.EntityID == 0 || w.AccountID == 0 {
		return fmt.Errorf("%w: entity and account required", ErrInvalidWrite)
	}
	switch w.Policy {
	case PolicyOverwrite, PolicyAccumulate:
	default:
		return fmt.Errorf("%w: unknown policy %q", ErrInvalidWrite, w.Policy)
	}
	switch w.Source {
	case SourceJournal, SourceRule, SourceManual:
	default:
		return fmt.Errorf("%w: unknown source %q", ErrInvalidWrite, w.Source)
	}
	if len(strings.TrimSpace(w.Currency)) != 3 {
		return fmt.Errorf("%w: currency must be an ISO code", ErrInvalidWrite)
	}
	return nil
}

// Filter is the read contract used by reporting consumers and the rule engine.
type Filter struct {
	ScenarioID  int64
	PeriodIDs   []int64
	EntityIDs   []int64
	AccountIDs  []int64
	AccountFrom *int64
	AccountTo   *int64
	BaseOnly    bool
}

// Match reports whether row r falls inside the filter.
func (f Filter) Match(r Row) bool {
	if f.ScenarioID != 0 && r.ScenarioID != f.ScenarioID {
		return false
	}
	if len(f.PeriodIDs) > 0 && !containsID(f.PeriodIDs, r.PeriodID) {
		return false
	}
	if len(f.EntityIDs) > 0 && !containsID(f.EntityIDs, r.EntityID) {
		return false
	}
	if len(f.AccountIDs) > 0 && !containsID(f.AccountIDs, r.AccountID) {
		return false
	}
	if f.AccountFrom != nil && r.AccountID < *f.AccountFrom {
		return false
	}
	if f.AccountTo != nil && r.AccountID > *f.AccountTo {
		return false
	}
	if f.BaseOnly && r.Derived() {
		return false
	}
	return true
}

// AccountTotal aggregates an account across the rows of a query.
type AccountTotal struct {
	EntityID  int64
	AccountID int64
	Amount    decimal.Decimal
}

// SumByEntityAccount folds rows into (entity, account) totals ordered by key.
func SumByEntityAccount(rows []Row) []AccountTotal {
	type pair struct{ entity, account int64 }
	totals := make(map[pair]decimal.Decimal)
	for _, r := range rows {
		k := pair{r.EntityID, r.AccountID}
		totals[k] = totals[k].Add(r.Amount)
	}
	out := make([]AccountTotal, 0, len(totals))
	for k, amount := range totals {
		out = append(out, AccountTotal{EntityID: k.entity, AccountID: k.account, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].AccountID < out[j].AccountID
	})
	return out
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

var (
	// ErrScenarioLocked indicates a write against a locked scenario.
	ErrScenarioLocked = errors.New("scenariodata: scenario locked")
	// ErrScenarioNotFound indicates the scenario does not exist.
	ErrScenarioNotFound = errors.New("scenariodata: scenario not found")
	// ErrInvalidWrite indicates an incomplete write request.
	ErrInvalidWrite = errors.New("scenariodata: invalid write")
	// ErrRowNotFound indicates a missing row.
	ErrRowNotFound = errors.New("scenariodata: row not found")
)
