package journal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/odyssey-erp/odyssey-consol/internal/scenariodata"
)

// RateResolver supplies exchange rates into the base currency.
type RateResolver interface {
	Resolve(ctx context.Context, from, to string, asOf time.Time) (decimal.Decimal, error)
}

// RecomputeTotals sums base amounts per side. A batch is balanced when it has
// lines and both sides are exactly equal.
func RecomputeTotals(lines []Line) (debits, credits decimal.Decimal, balanced bool) {
	for _, line := range lines {
		if line.DebitAccountID != nil {
			debits = debits.Add(line.BaseAmount)
		}
		if line.CreditAccountID != nil {
			credits = credits.Add(line.BaseAmount)
		}
	}
	return debits, credits, len(lines) > 0 && debits.Equal(credits)
}

func applyTotals(batch *Batch, lines []Line) {
	batch.TotalDebits, batch.TotalCredits, batch.IsBalanced = RecomputeTotals(lines)
}

func renumber(lines []Line) {
	for i := range lines {
		lines[i].LineNumber = i + 1
	}
}

// buildLine validates a line edit against the batch and its period.
func (s *Service) buildLine(ctx context.Context, batch Batch, period Period, in LineInput) (Line, error) {
	if !in.Amount.IsPositive() {
		return Line{}, fmt.Errorf("%w: amount must be positive", ErrInvalidLine)
	}
	if in.DebitAccountID == nil && in.CreditAccountID == nil {
		return Line{}, fmt.Errorf("%w: debit or credit account required", ErrInvalidLine)
	}
	if in.DebitAccountID != nil && in.CreditAccountID != nil && *in.DebitAccountID == *in.CreditAccountID {
		return Line{}, fmt.Errorf("%w: debit and credit account identical", ErrInvalidLine)
	}
	entityID := in.EntityID
	if entityID == 0 && batch.EntityID != nil {
		entityID = *batch.EntityID
	}
	if entityID == 0 {
		return Line{}, fmt.Errorf("%w: entity required", ErrInvalidLine)
	}
	if in.FromEntityID != nil && in.ToEntityID != nil && *in.FromEntityID == *in.ToEntityID {
		return Line{}, fmt.Errorf("%w: intercompany entities must differ", ErrInvalidLine)
	}
	if in.TransactionDate.IsZero() || !period.Contains(in.TransactionDate) {
		return Line{}, fmt.Errorf("%w: %s not in %s", ErrDateOutOfRange, in.TransactionDate.Format(time.DateOnly), period.Code)
	}
	code := strings.ToUpper(strings.TrimSpace(in.Currency))
	if code == "" {
		code = s.baseCurrency
	}
	if _, err := currency.ParseISO(code); err != nil {
		return Line{}, fmt.Errorf("%w: %q", ErrInvalidCurrency, in.Currency)
	}
	rate, err := s.lineRate(ctx, code, in)
	if err != nil {
		return Line{}, err
	}
	return Line{
		BatchID:         batch.ID,
		TransactionDate: in.TransactionDate,
		PeriodCode:      period.Code,
		EntityID:        entityID,
		DebitAccountID:  in.DebitAccountID,
		CreditAccountID: in.CreditAccountID,
		Amount:          in.Amount,
		Currency:        code,
		ExchangeRate:    rate,
		BaseAmount:      in.Amount.Mul(rate).Round(2),
		FromEntityID:    in.FromEntityID,
		ToEntityID:      in.ToEntityID,
		Description:     strings.TrimSpace(in.Description),
	}, nil
}

func (s *Service) lineRate(ctx context.Context, code string, in LineInput) (decimal.Decimal, error) {
	one := decimal.NewFromInt(1)
	if code == s.baseCurrency {
		if in.ExchangeRate != nil && !in.ExchangeRate.Equal(one) {
			return decimal.Decimal{}, fmt.Errorf("%w: base currency rate must be 1", ErrInvalidLine)
		}
		return one, nil
	}
	if in.ExchangeRate != nil {
		if !in.ExchangeRate.IsPositive() {
			return decimal.Decimal{}, fmt.Errorf("%w: exchange rate must be positive", ErrInvalidLine)
		}
		return *in.ExchangeRate, nil
	}
	if s.rates == nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s->%s", ErrRateUnavailable, code, s.baseCurrency)
	}
	rate, err := s.rates.Resolve(ctx, code, s.baseCurrency, in.TransactionDate)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrRateUnavailable, err)
	}
	if !rate.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: non-positive quote %s", ErrRateUnavailable, rate)
	}
	return rate, nil
}

// Contributions maps posted lines to signed data store writes: debit sides add,
// credit sides subtract.
func Contributions(batch Batch, lines []Line, baseCurrency string) []scenariodata.Write {
	writes := make([]scenariodata.Write, 0, len(lines)*2)
	mk := func(line Line, account int64, amount decimal.Decimal) scenariodata.Write {
		return scenariodata.Write{
			Key: scenariodata.Key{
				ScenarioID: batch.ScenarioID,
				PeriodID:   batch.PeriodID,
				EntityID:   line.EntityID,
				AccountID:  account,
			},
			Amount:       amount,
			Currency:     baseCurrency,
			Policy:       scenariodata.PolicyAccumulate,
			Source:       scenariodata.SourceJournal,
			SourceID:     batch.ID,
			RunID:        batch.Reference,
			SourceSystem: "journal",
			Notes:        batch.Number,
		}
	}
	for _, line := range lines {
		if line.DebitAccountID != nil {
			writes = append(writes, mk(line, *line.DebitAccountID, line.BaseAmount))
		}
		if line.CreditAccountID != nil {
			writes = append(writes, mk(line, *line.CreditAccountID, line.BaseAmount.Neg()))
		}
	}
	return writes
}

// mirrorLines swaps the account slots of every line.
func mirrorLines(lines []Line, period Period, date *time.Time) []Line {
	out := make([]Line, 0, len(lines))
	for _, line := range lines {
		mirrored := line
		mirrored.ID = 0
		mirrored.BatchID = 0
		mirrored.DebitAccountID, mirrored.CreditAccountID = line.CreditAccountID, line.DebitAccountID
		mirrored.FromEntityID, mirrored.ToEntityID = line.ToEntityID, line.FromEntityID
		mirrored.PeriodCode = period.Code
		if date != nil {
			mirrored.TransactionDate = *date
		}
		out = append(out, mirrored)
	}
	renumber(out)
	return out
}

// requiredApprovers returns the strictest matching rule's approver count, or 1.
func requiredApprovers(rules []ApprovalRule, batch Batch) int {
	required := 1
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		if batch.TotalDebits.LessThan(rule.MinAmount) {
			continue
		}
		if rule.Category != "" && !strings.EqualFold(rule.Category, batch.Category) {
			continue
		}
		if rule.EntityID != nil && (batch.EntityID == nil || *batch.EntityID != *rule.EntityID) {
			continue
		}
		if rule.JournalType != "" && rule.JournalType != batch.JournalType {
			continue
		}
		if rule.RequiredApprovers > required {
			required = rule.RequiredApprovers
		}
	}
	return required
}
