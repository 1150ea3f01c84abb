package calendar

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-consol/internal/shared"
)

// Repository describes persistence used by Service.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetFiscalYear(ctx context.Context, id int64) (FiscalYear, error)
	GetPeriod(ctx context.Context, id int64) (Period, error)
	ListPeriods(ctx context.Context, fiscalYearID int64) ([]Period, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	LockFiscalYear(ctx context.Context, id int64) (FiscalYear, error)
	LockPeriod(ctx context.Context, id int64) (Period, error)
	FiscalYearCodeExists(ctx context.Context, code string) (bool, error)
	InsertFiscalYear(ctx context.Context, year FiscalYear) (int64, error)
	UpdateFiscalYearStatus(ctx context.Context, id int64, status YearStatus) error
	ListPeriodsForYear(ctx context.Context, fiscalYearID int64) ([]Period, error)
	InsertPeriod(ctx context.Context, period Period) (int64, error)
	UpdatePeriodStatus(ctx context.Context, id int64, status PeriodStatus, closedAt *time.Time, lockedBy string) error
	UpdatePeriodParent(ctx context.Context, id int64, parentID *int64) error
	CountInFlightBatches(ctx context.Context, periodID int64) (int, error)
	RecordAudit(ctx context.Context, entry shared.AuditLog) error
}

// Service maintains fiscal years and their period tree.
type Service struct {
	repo     Repository
	validate *validator.Validate
	now      func() time.Time
}

// NewService constructs the calendar service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, validate: validator.New(), now: time.Now}
}

// CreateFiscalYear registers a draft fiscal year.
func (s *Service) CreateFiscalYear(ctx context.Context, input CreateYearInput) (FiscalYear, error) {
	if err := s.validate.Struct(input); err != nil {
		return FiscalYear{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	year := FiscalYear{
		Code:      strings.TrimSpace(input.Code),
		Name:      strings.TrimSpace(input.Name),
		StartDate: truncateDay(input.StartDate),
		EndDate:   truncateDay(input.EndDate),
		Status:    YearDraft,
		CreatedBy: input.Actor,
	}
	if !year.StartDate.Before(year.EndDate) {
		return FiscalYear{}, fmt.Errorf("%w: start must precede end", ErrRangeViolation)
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		exists, err := tx.FiscalYearCodeExists(ctx, year.Code)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: fiscal year %s", ErrDuplicateCode, year.Code)
		}
		id, err := tx.InsertFiscalYear(ctx, year)
		if err != nil {
			return err
		}
		year.ID = id
		return tx.RecordAudit(ctx, shared.AuditLog{
			Actor:    input.Actor,
			Action:   "fiscal_year.create",
			Entity:   "fiscal_year",
			EntityID: strconv.FormatInt(id, 10),
			After:    map[string]any{"code": year.Code, "status": string(year.Status)},
		})
	})
	if err != nil {
		return FiscalYear{}, err
	}
	return year, nil
}

// CreatePeriod adds an open period inside a fiscal year.
func (s *Service) CreatePeriod(ctx context.Context, input CreatePeriodInput) (Period, error) {
	if err := s.validate.Struct(input); err != nil {
		return Period{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	period := Period{
		FiscalYearID: input.FiscalYearID,
		Code:         strings.TrimSpace(input.Code),
		Name:         strings.TrimSpace(input.Name),
		Type:         input.Type,
		StartDate:    truncateDay(input.StartDate),
		EndDate:      truncateDay(input.EndDate),
		Status:       PeriodOpen,
		ParentID:     input.ParentID,
	}
	if period.EndDate.Before(period.StartDate) {
		return Period{}, fmt.Errorf("%w: start after end", ErrRangeViolation)
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		year, err := tx.LockFiscalYear(ctx, input.FiscalYearID)
		if err != nil {
			return err
		}
		if year.Status == YearLocked || year.Status == YearArchived {
			return fmt.Errorf("%w: %s", ErrYearClosed, year.Code)
		}
		if period.StartDate.Before(year.StartDate) || period.EndDate.After(year.EndDate) {
			return fmt.Errorf("%w: %s outside fiscal year %s", ErrRangeViolation, period.Code, year.Code)
		}
		siblings, err := tx.ListPeriodsForYear(ctx, year.ID)
		if err != nil {
			return err
		}
		var parent *Period
		for i := range siblings {
			other := siblings[i]
			if strings.EqualFold(other.Code, period.Code) {
				return fmt.Errorf("%w: period %s", ErrDuplicateCode, period.Code)
			}
			if other.Type == period.Type && overlaps(other.StartDate, other.EndDate, period.StartDate, period.EndDate) {
				return fmt.Errorf("%w: %s overlaps %s", ErrRangeViolation, period.Code, other.Code)
			}
			if period.ParentID != nil && other.ID == *period.ParentID {
				parent = &siblings[i]
			}
		}
		if period.ParentID != nil {
			if parent == nil {
				return fmt.Errorf("%w: parent %d not in fiscal year", ErrInvalidInput, *period.ParentID)
			}
			if period.StartDate.Before(parent.StartDate) || period.EndDate.After(parent.EndDate) {
				return fmt.Errorf("%w: %s outside parent %s", ErrRangeViolation, period.Code, parent.Code)
			}
		}
		id, err := tx.InsertPeriod(ctx, period)
		if err != nil {
			return err
		}
		period.ID = id
		return tx.RecordAudit(ctx, shared.AuditLog{
			Actor:    input.Actor,
			Action:   "period.create",
			Entity:   "period",
			EntityID: strconv.FormatInt(id, 10),
			After: map[string]any{
				"code":  period.Code,
				"type":  string(period.Type),
				"start": period.StartDate.Format(time.DateOnly),
				"end":   period.EndDate.Format(time.DateOnly),
			},
		})
	})
	if err != nil {
		return Period{}, err
	}
	return period, nil
}

// ReparentPeriod moves a period under a new parent, or to the root when parentID is nil.
func (s *Service) ReparentPeriod(ctx context.Context, periodID int64, parentID *int64, actor string) error {
	if actor == "" {
		return shared.ErrActorRequired
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		period, err := tx.LockPeriod(ctx, periodID)
		if err != nil {
			return err
		}
		periods, err := tx.ListPeriodsForYear(ctx, period.FiscalYearID)
		if err != nil {
			return err
		}
		byID := make(map[int64]Period, len(periods))
		for _, p := range periods {
			byID[p.ID] = p
		}
		if parentID != nil {
			parent, ok := byID[*parentID]
			if !ok {
				return fmt.Errorf("%w: parent %d not in fiscal year", ErrInvalidInput, *parentID)
			}
			lookup := func(_ context.Context, id int64) (*int64, error) {
				p, ok := byID[id]
				if !ok {
					return nil, fmt.Errorf("%w: period %d", ErrNotFound, id)
				}
				return p.ParentID, nil
			}
			if err := shared.EnsureAcyclic(ctx, periodID, *parentID, lookup); err != nil {
				return err
			}
			if period.StartDate.Before(parent.StartDate) || period.EndDate.After(parent.EndDate) {
				return fmt.Errorf("%w: %s outside parent %s", ErrRangeViolation, period.Code, parent.Code)
			}
		}
		if err := tx.UpdatePeriodParent(ctx, periodID, parentID); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   "period.reparent",
			Entity:   "period",
			EntityID: strconv.FormatInt(periodID, 10),
			Before:   map[string]any{"parent_id": derefID(period.ParentID)},
			After:    map[string]any{"parent_id": derefID(parentID)},
		})
	})
}

// TransitionPeriod moves a period through open/closed/locked.
func (s *Service) TransitionPeriod(ctx context.Context, input TransitionPeriodInput) (Period, error) {
	if err := s.validate.Struct(input); err != nil {
		return Period{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var out Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		period, err := tx.LockPeriod(ctx, input.PeriodID)
		if err != nil {
			return err
		}
		if err := shared.ValidatePeriodTransition(string(period.Status), string(input.Status), input.Override); err != nil {
			return fmt.Errorf("%w: period %d %s -> %s", ErrInvalidTransition, period.ID, period.Status, input.Status)
		}
		if input.Status == PeriodLocked {
			inFlight, err := tx.CountInFlightBatches(ctx, period.ID)
			if err != nil {
				return err
			}
			if inFlight > 0 {
				return fmt.Errorf("%w: period %d has %d batches", ErrPostingInProgress, period.ID, inFlight)
			}
		}
		closedAt := period.ClosedAt
		lockedBy := period.LockedBy
		switch input.Status {
		case PeriodClosed:
			now := s.now()
			closedAt = &now
			lockedBy = ""
		case PeriodLocked:
			lockedBy = input.Actor
		case PeriodOpen:
			closedAt = nil
			lockedBy = ""
		}
		if err := tx.UpdatePeriodStatus(ctx, period.ID, input.Status, closedAt, lockedBy); err != nil {
			return err
		}
		action := "period.transition"
		if period.Status == PeriodLocked {
			action = "period.unlock"
		}
		if err := tx.RecordAudit(ctx, shared.AuditLog{
			Actor:    input.Actor,
			Action:   action,
			Entity:   "period",
			EntityID: strconv.FormatInt(period.ID, 10),
			Before:   map[string]any{"status": string(period.Status)},
			After:    map[string]any{"status": string(input.Status)},
			Meta:     map[string]any{"override": input.Override},
		}); err != nil {
			return err
		}
		period.Status = input.Status
		period.ClosedAt = closedAt
		period.LockedBy = lockedBy
		out = period
		return nil
	})
	return out, err
}

// TransitionYear advances a fiscal year. Closing requires every period closed or locked.
func (s *Service) TransitionYear(ctx context.Context, input TransitionYearInput) (FiscalYear, error) {
	if err := s.validate.Struct(input); err != nil {
		return FiscalYear{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var out FiscalYear
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		year, err := tx.LockFiscalYear(ctx, input.FiscalYearID)
		if err != nil {
			return err
		}
		if err := validateYearTransition(year.Status, input.Status, input.Override); err != nil {
			return fmt.Errorf("%w: fiscal year %d %s -> %s", err, year.ID, year.Status, input.Status)
		}
		if input.Status == YearLocked {
			periods, err := tx.ListPeriodsForYear(ctx, year.ID)
			if err != nil {
				return err
			}
			var open []string
			for _, p := range periods {
				if p.Status == PeriodOpen {
					open = append(open, p.Code)
				}
			}
			if len(open) > 0 {
				return fmt.Errorf("%w: %s", ErrIncompletePeriods, strings.Join(open, ","))
			}
		}
		if err := tx.UpdateFiscalYearStatus(ctx, year.ID, input.Status); err != nil {
			return err
		}
		action := "fiscal_year.transition"
		if year.Status == YearLocked && input.Status == YearActive {
			action = "fiscal_year.unlock"
		}
		if err := tx.RecordAudit(ctx, shared.AuditLog{
			Actor:    input.Actor,
			Action:   action,
			Entity:   "fiscal_year",
			EntityID: strconv.FormatInt(year.ID, 10),
			Before:   map[string]any{"status": string(year.Status)},
			After:    map[string]any{"status": string(input.Status)},
			Meta:     map[string]any{"override": input.Override},
		}); err != nil {
			return err
		}
		year.Status = input.Status
		out = year
		return nil
	})
	return out, err
}

// Rollup returns the period and all of its descendants.
func (s *Service) Rollup(ctx context.Context, periodID int64) ([]int64, error) {
	period, err := s.repo.GetPeriod(ctx, periodID)
	if err != nil {
		return nil, err
	}
	periods, err := s.repo.ListPeriods(ctx, period.FiscalYearID)
	if err != nil {
		return nil, err
	}
	return Rollup(periods, periodID), nil
}

// GetPeriod returns a period by id.
func (s *Service) GetPeriod(ctx context.Context, id int64) (Period, error) {
	return s.repo.GetPeriod(ctx, id)
}

// GetFiscalYear returns a fiscal year by id.
func (s *Service) GetFiscalYear(ctx context.Context, id int64) (FiscalYear, error) {
	return s.repo.GetFiscalYear(ctx, id)
}

// ListPeriods returns every period of a fiscal year ordered by start date.
func (s *Service) ListPeriods(ctx context.Context, fiscalYearID int64) ([]Period, error) {
	return s.repo.ListPeriods(ctx, fiscalYearID)
}

func derefID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}
