package fx

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// QuoteProvider exposes lookup for FX quotes on a given period.
type QuoteProvider interface {
	QuoteForPeriod(ctx context.Context, asOf time.Time, pair string) (Quote, bool, error)
}

// Need is one foreign currency entered by journal lines during a month.
type Need struct {
	Month    time.Time
	Currency string
}

// Gap is a need the resolver cannot convert into the base currency.
type Gap struct {
	Month    time.Time
	Currency string
	Pair     string
}

// Coverage summarises which needs resolve to a rate.
type Coverage struct {
	Base    string
	Method  Method
	Checked int
	Rates   map[string]decimal.Decimal
	Gaps    []Gap
}

// RateKey names a resolved rate in Coverage.Rates.
func RateKey(month time.Time, currency string) string {
	return month.Format("2006-01") + ":" + currency
}

// CheckCoverage resolves every need against base the same way journal lines
// do, so a gap here is a line that would fail with a missing rate.
func CheckCoverage(ctx context.Context, provider QuoteProvider, base string, method Method, needs []Need) (Coverage, error) {
	if provider == nil {
		return Coverage{}, errors.New("fx: quote provider required")
	}
	base = strings.ToUpper(strings.TrimSpace(base))
	if _, err := currency.ParseISO(base); err != nil {
		return Coverage{}, fmt.Errorf("fx: base currency %q: %w", base, err)
	}
	resolver := NewResolver(provider, method)
	out := Coverage{Base: base, Method: resolver.method, Rates: make(map[string]decimal.Decimal), Gaps: make([]Gap, 0)}

	seen := make(map[string]Need, len(needs))
	for _, n := range needs {
		code := strings.ToUpper(strings.TrimSpace(n.Currency))
		if _, err := currency.ParseISO(code); err != nil {
			return Coverage{}, fmt.Errorf("fx: currency %q: %w", n.Currency, err)
		}
		if code == base {
			continue
		}
		month := time.Date(n.Month.Year(), n.Month.Month(), 1, 0, 0, 0, 0, time.UTC)
		seen[RateKey(month, code)] = Need{Month: month, Currency: code}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		n := seen[k]
		rate, err := resolver.Resolve(ctx, n.Currency, base, n.Month)
		var missing *MissingRateError
		switch {
		case errors.As(err, &missing):
			out.Gaps = append(out.Gaps, Gap{Month: n.Month, Currency: n.Currency, Pair: missing.Pair})
		case err != nil:
			return Coverage{}, fmt.Errorf("fx: resolve %s: %w", k, err)
		default:
			out.Rates[k] = rate
		}
		out.Checked++
	}
	return out, nil
}
