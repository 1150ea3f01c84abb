package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-consol/internal/consol/fx"
)

// FXValidateOptions defines available flags for the fx validate command.
type FXValidateOptions struct {
	PeriodID   int64
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// FXValidateSummary describes the JSON response for fx validate.
type FXValidateSummary struct {
	OK       bool             `json:"ok"`
	PeriodID int64            `json:"period_id"`
	Base     string           `json:"base"`
	Method   string           `json:"method"`
	Checked  int              `json:"checked"`
	Gaps     []FXCoverageGap  `json:"gaps"`
	Rates    []FXCoverageRate `json:"rates"`
}

// FXCoverageGap is a month and currency whose lines cannot be converted.
type FXCoverageGap struct {
	Month    string `json:"month"`
	Currency string `json:"currency"`
	Pair     string `json:"pair"`
	Lines    int    `json:"lines"`
}

// FXCoverageRate is a resolved conversion rate.
type FXCoverageRate struct {
	Month    string          `json:"month"`
	Currency string          `json:"currency"`
	Rate     decimal.Decimal `json:"rate"`
}

// ValidateCommand checks that every foreign currency line in the period has a
// quote. It exits 10 when gaps remain.
func (c *FXOpsCLI) ValidateCommand(ctx context.Context, opts FXValidateOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	cov, err := c.Coverage(ctx, opts.PeriodID)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "fx validate: %v\n", err)
		return 1
	}
	summary := buildValidateSummary(cov)
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "fx validate: encode json: %v\n", err)
			return 1
		}
	} else {
		renderValidateHuman(opts.Stdout, summary)
	}
	if !summary.OK {
		return 10
	}
	return 0
}

func buildValidateSummary(cov PeriodCoverage) FXValidateSummary {
	gaps := make([]FXCoverageGap, 0, len(cov.Coverage.Gaps))
	for _, gap := range cov.Coverage.Gaps {
		gaps = append(gaps, FXCoverageGap{
			Month:    gap.Month.Format("2006-01"),
			Currency: gap.Currency,
			Pair:     gap.Pair,
			Lines:    cov.Lines(gap),
		})
	}
	rates := make([]FXCoverageRate, 0, len(cov.Coverage.Rates))
	for _, u := range cov.Usage {
		rate, ok := cov.Coverage.Rates[fx.RateKey(u.Month, u.Currency)]
		if !ok {
			continue
		}
		rates = append(rates, FXCoverageRate{Month: u.Month.Format("2006-01"), Currency: u.Currency, Rate: rate})
	}
	sort.Slice(rates, func(i, j int) bool {
		if rates[i].Month == rates[j].Month {
			return rates[i].Currency < rates[j].Currency
		}
		return rates[i].Month < rates[j].Month
	})
	return FXValidateSummary{
		OK:       len(gaps) == 0,
		PeriodID: cov.PeriodID,
		Base:     cov.Coverage.Base,
		Method:   string(cov.Coverage.Method),
		Checked:  cov.Coverage.Checked,
		Gaps:     gaps,
		Rates:    rates,
	}
}

func renderValidateHuman(out io.Writer, summary FXValidateSummary) {
	_, _ = fmt.Fprintf(out, "FX coverage for period %d (%s, %s rate)\n", summary.PeriodID, summary.Base, summary.Method)
	if summary.Checked == 0 {
		_, _ = fmt.Fprintln(out, "No foreign currency lines.")
		return
	}
	if summary.OK {
		_, _ = fmt.Fprintln(out, "All foreign currency lines have a rate.")
	} else {
		_, _ = fmt.Fprintf(out, "%d gap(s) detected:\n", len(summary.Gaps))
		for _, gap := range summary.Gaps {
			_, _ = fmt.Fprintf(out, " - %s %s missing %s (%d line(s))\n", gap.Month, gap.Currency, gap.Pair, gap.Lines)
		}
	}
	for _, rate := range summary.Rates {
		_, _ = fmt.Fprintf(out, " - %s %s rate %s\n", rate.Month, rate.Currency, rate.Rate.StringFixed(6))
	}
}
