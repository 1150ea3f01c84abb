package fx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MissingRateError reports a currency pair without a usable quote.
type MissingRateError struct {
	Pair   string
	Method Method
}

func (e *MissingRateError) Error() string {
	return fmt.Sprintf("fx: missing %s rate for %s", e.Method, e.Pair)
}

// Resolver looks up quotes for journal line conversion. An inverse pair is used
// when only the opposite direction is quoted.
type Resolver struct {
	provider QuoteProvider
	method   Method
}

// NewResolver constructs a resolver; an empty method means MethodAverage.
func NewResolver(provider QuoteProvider, method Method) *Resolver {
	if method == "" {
		method = MethodAverage
	}
	return &Resolver{provider: provider, method: method}
}

// Resolve returns the rate converting one unit of from into to as of the month
// containing asOf.
func (r *Resolver) Resolve(ctx context.Context, from, to string, asOf time.Time) (decimal.Decimal, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	period := time.Date(asOf.Year(), asOf.Month(), 1, 0, 0, 0, 0, time.UTC)
	pair := from + to
	quote, ok, err := r.provider.QuoteForPeriod(ctx, period, pair)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if ok && quote.Rate(r.method).IsPositive() {
		return quote.Rate(r.method), nil
	}
	inverse, ok, err := r.provider.QuoteForPeriod(ctx, period, to+from)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if ok && inverse.Rate(r.method).IsPositive() {
		return decimal.NewFromInt(1).DivRound(inverse.Rate(r.method), 10), nil
	}
	return decimal.Decimal{}, &MissingRateError{Pair: pair, Method: r.method}
}
