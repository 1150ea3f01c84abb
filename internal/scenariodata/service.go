package scenariodata

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-consol/internal/shared"
)

// Repository exposes the transactional boundary and the read path.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Tx) error) error
	Query(ctx context.Context, filter Filter) ([]Row, error)
}

// Service handles manual data entry and reporting reads.
type Service struct {
	repo     Repository
	validate *validator.Validate
}

// NewService constructs the data store service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, validate: validator.New()}
}

// ManualInput sets a fact directly, replacing any stored amount.
type ManualInput struct {
	ScenarioID      int64 `validate:"required"`
	PeriodID        int64 `validate:"required"`
	EntityID        int64 `validate:"required"`
	AccountID       int64 `validate:"required"`
	EliminationType string
	AdjustmentType  string
	Amount          decimal.Decimal
	Currency        string `validate:"required,len=3"`
	SourceSystem    string
	ImportBatchID   *string
	Notes           string
	Actor           string `validate:"required"`
}

// SetValue writes a manual value with the overwrite policy.
func (s *Service) SetValue(ctx context.Context, input ManualInput) (Row, error) {
	if err := s.validate.Struct(input); err != nil {
		return Row{}, fmt.Errorf("%w: %v", ErrInvalidWrite, err)
	}
	sourceSystem := input.SourceSystem
	if sourceSystem == "" {
		sourceSystem = "manual"
	}
	var out Row
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		key := Key{
			ScenarioID:      input.ScenarioID,
			PeriodID:        input.PeriodID,
			EntityID:        input.EntityID,
			AccountID:       input.AccountID,
			EliminationType: input.EliminationType,
			AdjustmentType:  input.AdjustmentType,
		}
		before, found, err := tx.FindRow(ctx, key)
		if err != nil {
			return err
		}
		row, err := NewWriter(tx).Apply(ctx, Write{
			Key:           key,
			Amount:        input.Amount,
			Currency:      input.Currency,
			Policy:        PolicyOverwrite,
			Source:        SourceManual,
			SourceSystem:  sourceSystem,
			ImportBatchID: input.ImportBatchID,
			Notes:         input.Notes,
		})
		if err != nil {
			return err
		}
		entry := shared.AuditLog{
			Actor:    input.Actor,
			Action:   "scenario_data.set",
			Entity:   "scenario_data",
			EntityID: strconv.FormatInt(row.ID, 10),
			After:    map[string]any{"amount": row.Amount.String(), "key": key.String()},
		}
		if found {
			entry.Before = map[string]any{"amount": before.Amount.String()}
		}
		if err := tx.RecordAudit(ctx, entry); err != nil {
			return err
		}
		out = row
		return nil
	})
	return out, err
}

// Query returns rows matching filter.
func (s *Service) Query(ctx context.Context, filter Filter) ([]Row, error) {
	if filter.ScenarioID == 0 {
		return nil, fmt.Errorf("%w: scenario required", ErrInvalidWrite)
	}
	return s.repo.Query(ctx, filter)
}

// Totals aggregates matching rows per entity and account.
func (s *Service) Totals(ctx context.Context, filter Filter) ([]AccountTotal, error) {
	rows, err := s.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	return SumByEntityAccount(rows), nil
}
