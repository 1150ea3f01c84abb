package journal

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-consol/internal/platform/lock"
	"github.com/odyssey-erp/odyssey-consol/internal/scenariodata"
	"github.com/odyssey-erp/odyssey-consol/internal/shared"
)

const approvalModule = "journal"

// Repository describes persistence used by Service.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Batch, error)
	Lines(ctx context.Context, batchID int64) ([]Line, error)
	List(ctx context.Context, filter ListFilter) ([]Batch, error)
	DueAutoReversals(ctx context.Context, asOf time.Time) ([]Batch, error)
	DueTemplates(ctx context.Context, asOf time.Time) ([]Template, error)
	PeriodForDate(ctx context.Context, date time.Time) (Period, error)
	CurrencyUsage(ctx context.Context, periodID int64) ([]CurrencyUsage, error)
}

// TxRepository exposes transactional operations. Posting writes through the
// embedded data store Tx in the same transaction.
type TxRepository interface {
	scenariodata.Tx
	LockPeriod(ctx context.Context, id int64) (Period, error)
	NextBatchSequence(ctx context.Context, year int) (int64, error)
	InsertBatch(ctx context.Context, batch Batch) (int64, error)
	LockBatch(ctx context.Context, id int64) (Batch, error)
	UpdateBatch(ctx context.Context, batch Batch) error
	ListLines(ctx context.Context, batchID int64) ([]Line, error)
	ReplaceLines(ctx context.Context, batchID int64, lines []Line) error
	InsertApproval(ctx context.Context, log shared.ApprovalLog) error
	ListApprovals(ctx context.Context, ref uuid.UUID) ([]shared.ApprovalLog, error)
	ApprovalRules(ctx context.Context) ([]ApprovalRule, error)
	LockTemplate(ctx context.Context, id int64) (Template, error)
	UpdateTemplateNextRun(ctx context.Context, id int64, next *time.Time) error
}

// Config carries tenant-level settings.
type Config struct {
	Tenant       string
	BaseCurrency string
	Logger       *slog.Logger
}

// Service runs the journal batch workflow.
type Service struct {
	repo         Repository
	locker       lock.Locker
	rates        RateResolver
	tenant       string
	baseCurrency string
	logger       *slog.Logger
	validate     *validator.Validate
	now          func() time.Time
}

// NewService constructs the journal service. A nil locker falls back to an
// in-process locker.
func NewService(repo Repository, locker lock.Locker, rates RateResolver, cfg Config) *Service {
	if locker == nil {
		locker = lock.NewLocalLocker(0)
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
		rates:        rates,
		tenant:       cfg.Tenant,
		baseCurrency: base,
		logger:       cfg.Logger,
		validate:     validator.New(),
		now:          time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateBatch opens a draft batch.
func (s *Service) CreateBatch(ctx context.Context, input CreateBatchInput) (Batch, error) {
	var batch Batch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		batch, err = s.createBatchTx(ctx, tx, input)
		return err
	})
	return batch, err
}

func (s *Service) createBatchTx(ctx context.Context, tx TxRepository, input CreateBatchInput) (Batch, error) {
	if err := s.validate.Struct(input); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	period, err := tx.LockPeriod(ctx, input.PeriodID)
	if err != nil {
		return Batch{}, err
	}
	if period.Locked() {
		return Batch{}, fmt.Errorf("%w: %s", ErrPeriodLocked, period.Code)
	}
	if err := scenariodata.NewWriter(tx).EnsureWritable(ctx, input.ScenarioID); err != nil {
		return Batch{}, err
	}
	if input.AutoReverseDate != nil && !input.AutoReverseDate.After(period.EndDate) {
		return Batch{}, fmt.Errorf("%w: auto reverse date must fall after %s", ErrInvalidInput, period.Code)
	}
	year := period.StartDate.Year()
	seq, err := tx.NextBatchSequence(ctx, year)
	if err != nil {
		return Batch{}, err
	}
	batch := Batch{
		Number:          fmt.Sprintf("JB-%d-%06d", year, seq),
		Reference:       uuid.New(),
		PeriodID:        period.ID,
		ScenarioID:      input.ScenarioID,
		EntityID:        input.EntityID,
		Category:        strings.TrimSpace(input.Category),
		JournalType:     input.JournalType,
		Description:     strings.TrimSpace(input.Description),
		Status:          StatusDraft,
		TemplateID:      input.TemplateID,
		AutoReverseDate: input.AutoReverseDate,
		CreatedBy:       input.Actor,
	}
	id, err := tx.InsertBatch(ctx, batch)
	if err != nil {
		return Batch{}, err
	}
	batch.ID = id
	if err := s.audit(ctx, tx, input.Actor, "journal.create", batch, "", nil); err != nil {
		return Batch{}, err
	}
	return batch, nil
}

// AddLine appends a line to a draft batch.
func (s *Service) AddLine(ctx context.Context, batchID int64, actor string, in LineInput) (Batch, error) {
	return s.editLines(ctx, batchID, actor, "journal.line.add", func(ctx context.Context, batch Batch, period Period, lines []Line) ([]Line, error) {
		line, err := s.buildLine(ctx, batch, period, in)
		if err != nil {
			return nil, err
		}
		return append(lines, line), nil
	})
}

// UpdateLine replaces the line at lineNumber.
func (s *Service) UpdateLine(ctx context.Context, batchID int64, lineNumber int, actor string, in LineInput) (Batch, error) {
	return s.editLines(ctx, batchID, actor, "journal.line.update", func(ctx context.Context, batch Batch, period Period, lines []Line) ([]Line, error) {
		if lineNumber < 1 || lineNumber > len(lines) {
			return nil, fmt.Errorf("%w: line %d", ErrNotFound, lineNumber)
		}
		line, err := s.buildLine(ctx, batch, period, in)
		if err != nil {
			return nil, err
		}
		line.ID = lines[lineNumber-1].ID
		lines[lineNumber-1] = line
		return lines, nil
	})
}

// RemoveLine deletes the line at lineNumber and renumbers the rest.
func (s *Service) RemoveLine(ctx context.Context, batchID int64, lineNumber int, actor string) (Batch, error) {
	return s.editLines(ctx, batchID, actor, "journal.line.remove", func(_ context.Context, _ Batch, _ Period, lines []Line) ([]Line, error) {
		if lineNumber < 1 || lineNumber > len(lines) {
			return nil, fmt.Errorf("%w: line %d", ErrNotFound, lineNumber)
		}
		return append(lines[:lineNumber-1], lines[lineNumber:]...), nil
	})
}

type lineEdit func(ctx context.Context, batch Batch, period Period, lines []Line) ([]Line, error)

func (s *Service) editLines(ctx context.Context, batchID int64, actor, action string, edit lineEdit) (Batch, error) {
	if actor == "" {
		return Batch{}, shared.ErrActorRequired
	}
	var out Batch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		batch, err := tx.LockBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if batch.Status != StatusDraft {
			return fmt.Errorf("%w: batch %d is %s", ErrInvalidTransition, batch.ID, batch.Status)
		}
		period, err := tx.LockPeriod(ctx, batch.PeriodID)
		if err != nil {
			return err
		}
		if period.Locked() {
			return fmt.Errorf("%w: batch %d period %s", ErrPeriodLocked, batch.ID, period.Code)
		}
		lines, err := tx.ListLines(ctx, batch.ID)
		if err != nil {
			return err
		}
		lines, err = edit(ctx, batch, period, lines)
		if err != nil {
			return fmt.Errorf("batch %d: %w", batch.ID, err)
		}
		renumber(lines)
		applyTotals(&batch, lines)
		if err := tx.ReplaceLines(ctx, batch.ID, lines); err != nil {
			return err
		}
		if err := tx.UpdateBatch(ctx, batch); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, actor, action, batch, batch.Status, map[string]any{"lines": len(lines)}); err != nil {
			return err
		}
		out = batch
		return nil
	})
	return out, err
}

type transitionFn func(ctx context.Context, tx TxRepository, batch *Batch) (map[string]any, error)

func (s *Service) transition(ctx context.Context, batchID int64, actor, action string, fn transitionFn) (Batch, error) {
	if actor == "" {
		return Batch{}, shared.ErrActorRequired
	}
	var out Batch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		batch, err := tx.LockBatch(ctx, batchID)
		if err != nil {
			return err
		}
		from := batch.Status
		meta, err := fn(ctx, tx, &batch)
		if err != nil {
			return err
		}
		if err := tx.UpdateBatch(ctx, batch); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, actor, action, batch, from, meta); err != nil {
			return err
		}
		out = batch
		return nil
	})
	return out, err
}

// Submit sends a balanced draft for approval.
func (s *Service) Submit(ctx context.Context, batchID int64, actor string) (Batch, error) {
	return s.transition(ctx, batchID, actor, "journal.submit", func(ctx context.Context, tx TxRepository, batch *Batch) (map[string]any, error) {
		if batch.Status != StatusDraft {
			return nil, fmt.Errorf("%w: batch %d is %s", ErrInvalidTransition, batch.ID, batch.Status)
		}
		lines, err := tx.ListLines(ctx, batch.ID)
		if err != nil {
			return nil, err
		}
		if len(lines) == 0 {
			return nil, fmt.Errorf("%w: batch %d", ErrEmptyBatch, batch.ID)
		}
		applyTotals(batch, lines)
		if !batch.IsBalanced {
			return nil, fmt.Errorf("%w: batch %d debits %s credits %s", ErrUnbalanced, batch.ID, batch.TotalDebits, batch.TotalCredits)
		}
		period, err := tx.LockPeriod(ctx, batch.PeriodID)
		if err != nil {
			return nil, err
		}
		if period.Locked() {
			return nil, fmt.Errorf("%w: batch %d period %s", ErrPeriodLocked, batch.ID, period.Code)
		}
		now := s.now()
		if err := tx.InsertApproval(ctx, shared.ApprovalLog{
			Module: approvalModule, RefID: batch.Reference, Actor: actor, Action: shared.ApprovalSubmit, At: now,
		}); err != nil {
			return nil, err
		}
		batch.Status = StatusSubmitted
		batch.SubmittedBy = actor
		batch.SubmittedAt = &now
		return nil, nil
	})
}

// Approve records an approval and advances the batch once enough distinct
// approvers have signed off.
func (s *Service) Approve(ctx context.Context, batchID int64, actor string) (Batch, error) {
	return s.transition(ctx, batchID, actor, "journal.approve", func(ctx context.Context, tx TxRepository, batch *Batch) (map[string]any, error) {
		if batch.Status != StatusSubmitted {
			return nil, fmt.Errorf("%w: batch %d is %s", ErrInvalidTransition, batch.ID, batch.Status)
		}
		if strings.EqualFold(actor, batch.SubmittedBy) {
			return nil, fmt.Errorf("%w: batch %d", ErrSelfApproval, batch.ID)
		}
		logs, err := tx.ListApprovals(ctx, batch.Reference)
		if err != nil {
			return nil, err
		}
		approvers := shared.ApprovalsSinceSubmit(logs)
		for _, approver := range approvers {
			if strings.EqualFold(approver, actor) {
				return nil, fmt.Errorf("%w: batch %d %s", ErrDuplicateApproval, batch.ID, actor)
			}
		}
		rules, err := tx.ApprovalRules(ctx)
		if err != nil {
			return nil, err
		}
		now := s.now()
		if err := tx.InsertApproval(ctx, shared.ApprovalLog{
			Module: approvalModule, RefID: batch.Reference, Actor: actor, Action: shared.ApprovalApprove, At: now,
		}); err != nil {
			return nil, err
		}
		required := requiredApprovers(rules, *batch)
		approvals := len(approvers) + 1
		if approvals >= required {
			batch.Status = StatusApproved
			batch.ApprovedBy = actor
			batch.ApprovedAt = &now
		}
		return map[string]any{"approvals": approvals, "required": required}, nil
	})
}

// Reject sends a submitted or approved batch back to draft.
func (s *Service) Reject(ctx context.Context, batchID int64, actor, reason string) (Batch, error) {
	return s.transition(ctx, batchID, actor, "journal.reject", func(ctx context.Context, tx TxRepository, batch *Batch) (map[string]any, error) {
		if batch.Status != StatusSubmitted && batch.Status != StatusApproved {
			return nil, fmt.Errorf("%w: batch %d is %s", ErrInvalidTransition, batch.ID, batch.Status)
		}
		if err := tx.InsertApproval(ctx, shared.ApprovalLog{
			Module: approvalModule, RefID: batch.Reference, Actor: actor, Action: shared.ApprovalReject, Note: reason, At: s.now(),
		}); err != nil {
			return nil, err
		}
		batch.Status = StatusDraft
		batch.SubmittedBy, batch.SubmittedAt = "", nil
		batch.ApprovedBy, batch.ApprovedAt = "", nil
		return map[string]any{"reason": reason}, nil
	})
}

// Post writes an approved batch into the data store under the scope lock.
func (s *Service) Post(ctx context.Context, batchID int64, actor string) (Batch, error) {
	current, err := s.repo.Get(ctx, batchID)
	if err != nil {
		return Batch{}, err
	}
	var out Batch
	key := shared.ScopeLockKey(s.tenant, current.ScenarioID, current.PeriodID)
	err = lock.Do(ctx, s.locker, key, func(ctx context.Context) error {
		var err error
		out, err = s.transition(ctx, batchID, actor, "journal.post", func(ctx context.Context, tx TxRepository, batch *Batch) (map[string]any, error) {
			if batch.Status != StatusApproved {
				return nil, fmt.Errorf("%w: batch %d is %s", ErrInvalidTransition, batch.ID, batch.Status)
			}
			period, err := tx.LockPeriod(ctx, batch.PeriodID)
			if err != nil {
				return nil, err
			}
			if err := acceptsPostings(batch.ID, period); err != nil {
				return nil, err
			}
			lines, err := tx.ListLines(ctx, batch.ID)
			if err != nil {
				return nil, err
			}
			writes := Contributions(*batch, lines, s.baseCurrency)
			if _, err := scenariodata.NewWriter(tx).ApplyAll(ctx, writes); err != nil {
				return nil, fmt.Errorf("batch %d: %w", batch.ID, err)
			}
			now := s.now()
			batch.Status = StatusPosted
			batch.PostedBy = actor
			batch.PostedAt = &now
			return map[string]any{"contributions": len(writes)}, nil
		})
		return err
	})
	if err != nil {
		return Batch{}, err
	}
	s.logger.Info("journal batch posted", slog.Int64("batch_id", out.ID), slog.String("number", out.Number),
		slog.String("total", out.TotalDebits.String()))
	return out, nil
}

// Reverse creates a posted mirror batch that negates exactly the amounts recorded
// for the original posting, and marks the original reversed.
func (s *Service) Reverse(ctx context.Context, input ReverseInput) (Batch, error) {
	if err := s.validate.Struct(input); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	original, err := s.repo.Get(ctx, input.BatchID)
	if err != nil {
		return Batch{}, err
	}
	if original.Status == StatusReversed || original.ReversedBy != nil {
		return Batch{}, fmt.Errorf("%w: batch %d", ErrAlreadyReversed, original.ID)
	}
	targetPeriodID := original.PeriodID
	if input.Date != nil {
		target, err := s.repo.PeriodForDate(ctx, *input.Date)
		if err != nil {
			return Batch{}, err
		}
		targetPeriodID = target.ID
	}
	var mirror Batch
	key := shared.ScopeLockKey(s.tenant, original.ScenarioID, targetPeriodID)
	err = lock.Do(ctx, s.locker, key, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			mirror, err = s.reverseTx(ctx, tx, input, targetPeriodID)
			return err
		})
	})
	if err != nil {
		return Batch{}, err
	}
	return mirror, nil
}

func (s *Service) reverseTx(ctx context.Context, tx TxRepository, input ReverseInput, targetPeriodID int64) (Batch, error) {
	orig, err := tx.LockBatch(ctx, input.BatchID)
	if err != nil {
		return Batch{}, err
	}
	if orig.Status == StatusReversed || orig.ReversedBy != nil {
		return Batch{}, fmt.Errorf("%w: batch %d", ErrAlreadyReversed, orig.ID)
	}
	if orig.Status != StatusPosted {
		return Batch{}, fmt.Errorf("%w: batch %d is %s", ErrInvalidTransition, orig.ID, orig.Status)
	}
	target, err := tx.LockPeriod(ctx, targetPeriodID)
	if err != nil {
		return Batch{}, err
	}
	if err := acceptsPostings(orig.ID, target); err != nil {
		return Batch{}, err
	}
	writer := scenariodata.NewWriter(tx)
	recorded, err := writer.Contributions(ctx, scenariodata.SourceJournal, orig.ID, orig.ScenarioID, []int64{orig.PeriodID})
	if err != nil {
		return Batch{}, err
	}
	lines, err := tx.ListLines(ctx, orig.ID)
	if err != nil {
		return Batch{}, err
	}
	year := target.StartDate.Year()
	seq, err := tx.NextBatchSequence(ctx, year)
	if err != nil {
		return Batch{}, err
	}
	now := s.now()
	origID := orig.ID
	description := "Reversal of " + orig.Number
	if reason := strings.TrimSpace(input.Reason); reason != "" {
		description += ": " + reason
	}
	mirrored := mirrorLines(lines, target, input.Date)
	mirror := Batch{
		Number:      fmt.Sprintf("JB-%d-%06d", year, seq),
		Reference:   uuid.New(),
		PeriodID:    target.ID,
		ScenarioID:  orig.ScenarioID,
		EntityID:    orig.EntityID,
		Category:    orig.Category,
		JournalType: orig.JournalType,
		Description: description,
		Status:      StatusPosted,
		ReversalOf:  &origID,
		CreatedBy:   input.Actor,
		PostedBy:    input.Actor,
		PostedAt:    &now,
	}
	applyTotals(&mirror, mirrored)
	mirrorID, err := tx.InsertBatch(ctx, mirror)
	if err != nil {
		return Batch{}, err
	}
	mirror.ID = mirrorID
	if err := tx.ReplaceLines(ctx, mirror.ID, mirrored); err != nil {
		return Batch{}, err
	}
	writes := make([]scenariodata.Write, 0, len(recorded))
	for key, amount := range recorded {
		if amount.IsZero() {
			continue
		}
		key.PeriodID = target.ID
		writes = append(writes, scenariodata.Write{
			Key:          key,
			Amount:       amount.Neg(),
			Currency:     s.baseCurrency,
			Policy:       scenariodata.PolicyAccumulate,
			Source:       scenariodata.SourceJournal,
			SourceID:     mirror.ID,
			RunID:        mirror.Reference,
			SourceSystem: "journal",
			Notes:        mirror.Number,
		})
	}
	if _, err := writer.ApplyAll(ctx, writes); err != nil {
		return Batch{}, fmt.Errorf("batch %d: %w", orig.ID, err)
	}
	orig.Status = StatusReversed
	orig.ReversedBy = &mirror.ID
	orig.ReversedAt = &now
	if err := tx.UpdateBatch(ctx, orig); err != nil {
		return Batch{}, err
	}
	// One entry covers both batches: the original's transition plus the mirror
	// it produced.
	if err := s.audit(ctx, tx, input.Actor, "journal.reverse", orig, StatusPosted, map[string]any{
		"reversal_id":        mirror.ID,
		"reversal_number":    mirror.Number,
		"reversal_period_id": mirror.PeriodID,
		"contributions":      len(writes),
		"reason":             input.Reason,
	}); err != nil {
		return Batch{}, err
	}
	return mirror, nil
}

// acceptsPostings guards every write of amounts into a period.
func acceptsPostings(batchID int64, p Period) error {
	switch {
	case p.Locked():
		return fmt.Errorf("%w: batch %d period %s", ErrPeriodLocked, batchID, p.Code)
	case p.Closed():
		return fmt.Errorf("%w: batch %d period %s", ErrPeriodClosed, batchID, p.Code)
	}
	return nil
}

// Get returns a batch.
func (s *Service) Get(ctx context.Context, id int64) (Batch, error) {
	return s.repo.Get(ctx, id)
}

// Lines returns a batch's lines in order.
func (s *Service) Lines(ctx context.Context, batchID int64) ([]Line, error) {
	return s.repo.Lines(ctx, batchID)
}

// List returns batches matching filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Batch, error) {
	filter.Limit = shared.NewPagination(1, filter.Limit, 0).PerPage
	return s.repo.List(ctx, filter)
}

// DueAutoReversals lists posted batches whose auto reverse date has passed.
func (s *Service) DueAutoReversals(ctx context.Context, asOf time.Time) ([]Batch, error) {
	return s.repo.DueAutoReversals(ctx, asOf)
}

// DueTemplates lists recurring templates scheduled on or before asOf.
func (s *Service) DueTemplates(ctx context.Context, asOf time.Time) ([]Template, error) {
	return s.repo.DueTemplates(ctx, asOf)
}

// PeriodForDate resolves the period a scheduled batch belongs to.
func (s *Service) PeriodForDate(ctx context.Context, date time.Time) (Period, error) {
	return s.repo.PeriodForDate(ctx, date)
}

// BaseCurrency is the currency every line converts into.
func (s *Service) BaseCurrency() string { return s.baseCurrency }

// ForeignCurrencyUsage lists the non-base currencies entered by the lines of a
// period, per month.
func (s *Service) ForeignCurrencyUsage(ctx context.Context, periodID int64) ([]CurrencyUsage, error) {
	usage, err := s.repo.CurrencyUsage(ctx, periodID)
	if err != nil {
		return nil, err
	}
	out := usage[:0]
	for _, u := range usage {
		if strings.EqualFold(u.Currency, s.baseCurrency) {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *Service) audit(ctx context.Context, tx TxRepository, actor, action string, batch Batch, from Status, meta map[string]any) error {
	entry := shared.AuditLog{
		Actor:    actor,
		Action:   action,
		Entity:   "journal_batch",
		EntityID: strconv.FormatInt(batch.ID, 10),
		After: map[string]any{
			"number":        batch.Number,
			"status":        string(batch.Status),
			"total_debits":  batch.TotalDebits.String(),
			"total_credits": batch.TotalCredits.String(),
		},
		Meta: meta,
		At:   s.now(),
	}
	if from != "" {
		entry.Before = map[string]any{"status": string(from)}
	}
	return tx.RecordAudit(ctx, entry)
}
