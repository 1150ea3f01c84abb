package journal

import (
	"context"
	"fmt"
	"time"
)

// GenerateFromTemplate instantiates a template as a draft batch through the same
// create and line validation path as manual entry.
func (s *Service) GenerateFromTemplate(ctx context.Context, input GenerateInput) (Batch, error) {
	if err := s.validate.Struct(input); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var out Batch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		tmpl, err := tx.LockTemplate(ctx, input.TemplateID)
		if err != nil {
			return err
		}
		if !tmpl.Active {
			return fmt.Errorf("%w: template %d", ErrTemplateInactive, tmpl.ID)
		}
		scenarioID := input.ScenarioID
		if scenarioID == 0 {
			scenarioID = tmpl.ScenarioID
		}
		journalType := tmpl.JournalType
		if journalType == "" {
			journalType = TypeRecurring
		}
		templateID := tmpl.ID
		batch, err := s.createBatchTx(ctx, tx, CreateBatchInput{
			PeriodID:    input.PeriodID,
			ScenarioID:  scenarioID,
			EntityID:    tmpl.EntityID,
			Category:    tmpl.Category,
			JournalType: journalType,
			Description: tmpl.Description,
			TemplateID:  &templateID,
			Actor:       input.Actor,
		})
		if err != nil {
			return err
		}
		period, err := tx.LockPeriod(ctx, batch.PeriodID)
		if err != nil {
			return err
		}
		lines := make([]Line, 0, len(tmpl.Lines))
		for i, tl := range tmpl.Lines {
			line, err := s.buildLine(ctx, batch, period, LineInput{
				TransactionDate: input.TransactionDate,
				EntityID:        tl.EntityID,
				DebitAccountID:  tl.DebitAccountID,
				CreditAccountID: tl.CreditAccountID,
				Amount:          tl.Amount,
				Currency:        tl.Currency,
				Description:     tl.Description,
			})
			if err != nil {
				return fmt.Errorf("template %d line %d: %w", tmpl.ID, i+1, err)
			}
			lines = append(lines, line)
		}
		renumber(lines)
		applyTotals(&batch, lines)
		if err := tx.ReplaceLines(ctx, batch.ID, lines); err != nil {
			return err
		}
		if err := tx.UpdateBatch(ctx, batch); err != nil {
			return err
		}
		if input.Advance && tmpl.NextRunDate != nil {
			var next *time.Time
			if n, ok := tmpl.Recurrence.Next(*tmpl.NextRunDate); ok {
				next = &n
			}
			if err := tx.UpdateTemplateNextRun(ctx, tmpl.ID, next); err != nil {
				return err
			}
		}
		out = batch
		return nil
	})
	return out, err
}
