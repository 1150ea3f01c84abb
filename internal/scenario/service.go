package scenario

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-consol/internal/scenariodata"
	"github.com/odyssey-erp/odyssey-consol/internal/shared"
)

// Repository describes persistence used by Service.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Scenario, error)
	ListByYear(ctx context.Context, fiscalYearID int64) ([]Scenario, error)
}

// TxRepository exposes transactional operations. It embeds the data store Tx so
// clones copy rows inside the same transaction.
type TxRepository interface {
	scenariodata.Tx
	LockScenario(ctx context.Context, id int64) (Scenario, error)
	ParentOf(ctx context.Context, id int64) (*int64, error)
	CodeExists(ctx context.Context, fiscalYearID int64, code string) (bool, error)
	InsertScenario(ctx context.Context, s Scenario) (int64, error)
	UpdateStatus(ctx context.Context, id int64, status Status, revision int) error
	UpdateParent(ctx context.Context, id int64, parentID *int64, revision int) error
	ClearBaseline(ctx context.Context, fiscalYearID int64) error
	MarkBaseline(ctx context.Context, id int64) error
}

// Service manages scenario versions.
type Service struct {
	repo     Repository
	validate *validator.Validate
}

// NewService constructs the registry.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, validate: validator.New()}
}

// Create registers a draft scenario at revision 1.
func (s *Service) Create(ctx context.Context, input CreateInput) (Scenario, error) {
	if err := s.validate.Struct(input); err != nil {
		return Scenario{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	sc := Scenario{
		FiscalYearID: input.FiscalYearID,
		Code:         strings.TrimSpace(input.Code),
		Name:         strings.TrimSpace(input.Name),
		Type:         input.Type,
		Status:       StatusDraft,
		ParentID:     input.ParentID,
		Revision:     1,
		Description:  input.Description,
		CreatedBy:    input.Actor,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if sc.ParentID != nil {
			if _, err := tx.LockScenario(ctx, *sc.ParentID); err != nil {
				return err
			}
		}
		id, err := s.insert(ctx, tx, sc)
		if err != nil {
			return err
		}
		sc.ID = id
		return tx.RecordAudit(ctx, shared.AuditLog{
			Actor:    input.Actor,
			Action:   "scenario.create",
			Entity:   "scenario",
			EntityID: strconv.FormatInt(id, 10),
			After:    snapshot(sc),
		})
	})
	if err != nil {
		return Scenario{}, err
	}
	return sc, nil
}

func (s *Service) insert(ctx context.Context, tx TxRepository, sc Scenario) (int64, error) {
	exists, err := tx.CodeExists(ctx, sc.FiscalYearID, sc.Code)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateCode, sc.Code)
	}
	return tx.InsertScenario(ctx, sc)
}

// Clone creates a draft child of the source with a full copy of its data. Any
// failure rolls the whole clone back.
func (s *Service) Clone(ctx context.Context, input CloneInput) (Scenario, error) {
	if err := s.validate.Struct(input); err != nil {
		return Scenario{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var out Scenario
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		source, err := tx.LockScenario(ctx, input.SourceID)
		if err != nil {
			return err
		}
		name := strings.TrimSpace(input.Name)
		if name == "" {
			name = source.Name + " (copy)"
		}
		parent := source.ID
		clone := Scenario{
			FiscalYearID: source.FiscalYearID,
			Code:         strings.TrimSpace(input.NewCode),
			Name:         name,
			Type:         source.Type,
			Status:       StatusDraft,
			ParentID:     &parent,
			Revision:     1,
			Description:  source.Description,
			CreatedBy:    input.Actor,
		}
		id, err := s.insert(ctx, tx, clone)
		if err != nil {
			return err
		}
		clone.ID = id
		expected, err := tx.CountRows(ctx, source.ID)
		if err != nil {
			return fmt.Errorf("%w: count source rows: %v", ErrCloneIncomplete, err)
		}
		copied, err := tx.CopyScenario(ctx, source.ID, clone.ID)
		if err != nil {
			return fmt.Errorf("%w: copy data: %v", ErrCloneIncomplete, err)
		}
		if copied != expected {
			return fmt.Errorf("%w: copied %d of %d rows", ErrCloneIncomplete, copied, expected)
		}
		if err := tx.RecordAudit(ctx, shared.AuditLog{
			Actor:    input.Actor,
			Action:   "scenario.clone",
			Entity:   "scenario",
			EntityID: strconv.FormatInt(clone.ID, 10),
			After:    snapshot(clone),
			Meta:     map[string]any{"source_id": source.ID, "rows": copied},
		}); err != nil {
			return err
		}
		out = clone
		return nil
	})
	if err != nil {
		return Scenario{}, err
	}
	return out, nil
}

// SetBaseline marks the scenario as the fiscal year's single baseline.
func (s *Service) SetBaseline(ctx context.Context, scenarioID int64, actor string) error {
	if actor == "" {
		return shared.ErrActorRequired
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sc, err := tx.LockScenario(ctx, scenarioID)
		if err != nil {
			return err
		}
		if sc.Status == StatusArchived {
			return fmt.Errorf("%w: %d", ErrArchived, sc.ID)
		}
		if sc.IsBaseline {
			return nil
		}
		if err := tx.ClearBaseline(ctx, sc.FiscalYearID); err != nil {
			return err
		}
		if err := tx.MarkBaseline(ctx, sc.ID); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   "scenario.baseline",
			Entity:   "scenario",
			EntityID: strconv.FormatInt(sc.ID, 10),
			Before:   map[string]any{"is_baseline": false},
			After:    map[string]any{"is_baseline": true},
		})
	})
}

// Transition changes the status and bumps the revision.
func (s *Service) Transition(ctx context.Context, input TransitionInput) (Scenario, error) {
	if err := s.validate.Struct(input); err != nil {
		return Scenario{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var out Scenario
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sc, err := tx.LockScenario(ctx, input.ScenarioID)
		if err != nil {
			return err
		}
		if !CanTransition(sc.Status, input.Status, input.Override) {
			return fmt.Errorf("%w: scenario %d %s -> %s", ErrInvalidTransition, sc.ID, sc.Status, input.Status)
		}
		revision := sc.Revision + 1
		if err := tx.UpdateStatus(ctx, sc.ID, input.Status, revision); err != nil {
			return err
		}
		action := "scenario.transition"
		if sc.Status == StatusLocked {
			action = "scenario.unlock"
		}
		if err := tx.RecordAudit(ctx, shared.AuditLog{
			Actor:    input.Actor,
			Action:   action,
			Entity:   "scenario",
			EntityID: strconv.FormatInt(sc.ID, 10),
			Before:   map[string]any{"status": string(sc.Status), "revision": sc.Revision},
			After:    map[string]any{"status": string(input.Status), "revision": revision},
			Meta:     map[string]any{"override": input.Override},
		}); err != nil {
			return err
		}
		sc.Status = input.Status
		sc.Revision = revision
		out = sc
		return nil
	})
	return out, err
}

// Reparent changes the parent scenario, rejecting cycles.
func (s *Service) Reparent(ctx context.Context, scenarioID int64, parentID *int64, actor string) error {
	if actor == "" {
		return shared.ErrActorRequired
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sc, err := tx.LockScenario(ctx, scenarioID)
		if err != nil {
			return err
		}
		if parentID != nil {
			if _, err := tx.LockScenario(ctx, *parentID); err != nil {
				return err
			}
			if err := shared.EnsureAcyclic(ctx, scenarioID, *parentID, tx.ParentOf); err != nil {
				return err
			}
		}
		revision := sc.Revision + 1
		if err := tx.UpdateParent(ctx, sc.ID, parentID, revision); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   "scenario.reparent",
			Entity:   "scenario",
			EntityID: strconv.FormatInt(sc.ID, 10),
			Before:   map[string]any{"parent_id": derefID(sc.ParentID)},
			After:    map[string]any{"parent_id": derefID(parentID)},
		})
	})
}

// Get returns a scenario by id.
func (s *Service) Get(ctx context.Context, id int64) (Scenario, error) {
	return s.repo.Get(ctx, id)
}

// ListByYear returns the scenarios of a fiscal year.
func (s *Service) ListByYear(ctx context.Context, fiscalYearID int64) ([]Scenario, error) {
	return s.repo.ListByYear(ctx, fiscalYearID)
}

func snapshot(sc Scenario) map[string]any {
	return map[string]any{
		"code":      sc.Code,
		"type":      string(sc.Type),
		"status":    string(sc.Status),
		"revision":  sc.Revision,
		"parent_id": derefID(sc.ParentID),
	}
}

func derefID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}
