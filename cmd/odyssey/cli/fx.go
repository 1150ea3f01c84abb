package cli

import (
	"context"
	"errors"
	"time"

	"github.com/odyssey-erp/odyssey-consol/internal/consol/fx"
	"github.com/odyssey-erp/odyssey-consol/internal/journal"
)

// QuoteStore reads and stores the monthly quotes used by journal conversion.
type QuoteStore interface {
	fx.QuoteProvider
	UpsertFxRate(ctx context.Context, asOf time.Time, pair string, quote fx.Quote) error
}

// CurrencyUsageSource reports the foreign currencies journal lines use.
type CurrencyUsageSource interface {
	BaseCurrency() string
	ForeignCurrencyUsage(ctx context.Context, periodID int64) ([]journal.CurrencyUsage, error)
}

// FXOpsCLI checks and fills the quotes journal lines of a period depend on.
type FXOpsCLI struct {
	quotes QuoteStore
	usage  CurrencyUsageSource
	method fx.Method
}

// NewFXOpsCLI constructs a new helper instance. Lines convert at the average
// rate, matching the tenant resolver.
func NewFXOpsCLI(quotes QuoteStore, usage CurrencyUsageSource) (*FXOpsCLI, error) {
	if quotes == nil {
		return nil, errors.New("fx cli: quote store required")
	}
	if usage == nil {
		return nil, errors.New("fx cli: journal usage required")
	}
	return &FXOpsCLI{quotes: quotes, usage: usage, method: fx.MethodAverage}, nil
}

// PeriodCoverage pairs the currency usage of a period with its quote coverage.
type PeriodCoverage struct {
	PeriodID int64
	Usage    []journal.CurrencyUsage
	Coverage fx.Coverage
}

// Lines counts the lines that convert through a gap.
func (p PeriodCoverage) Lines(gap fx.Gap) int {
	for _, u := range p.Usage {
		if u.Currency == gap.Currency && u.Month.Year() == gap.Month.Year() && u.Month.Month() == gap.Month.Month() {
			return u.Lines
		}
	}
	return 0
}

// Coverage resolves every foreign currency used in the period.
func (c *FXOpsCLI) Coverage(ctx context.Context, periodID int64) (PeriodCoverage, error) {
	if periodID <= 0 {
		return PeriodCoverage{}, errors.New("period id required")
	}
	usage, err := c.usage.ForeignCurrencyUsage(ctx, periodID)
	if err != nil {
		return PeriodCoverage{}, err
	}
	needs := make([]fx.Need, len(usage))
	for i, u := range usage {
		needs[i] = fx.Need{Month: u.Month, Currency: u.Currency}
	}
	cov, err := fx.CheckCoverage(ctx, c.quotes, c.usage.BaseCurrency(), c.method, needs)
	if err != nil {
		return PeriodCoverage{}, err
	}
	return PeriodCoverage{PeriodID: periodID, Usage: usage, Coverage: cov}, nil
}
