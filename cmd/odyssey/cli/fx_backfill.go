package cli

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-consol/internal/consol/fx"
)

// FXBackfillOptions configures the backfill command execution.
type FXBackfillOptions struct {
	PeriodID     int64
	Source       string
	SourceReader io.Reader
	Apply        bool
	JSONOutput   bool
	Stdout       io.Writer
	Stderr       io.Writer
}

// FXBackfillSummary captures the structured reporting outcome.
type FXBackfillSummary struct {
	PeriodID   int64                 `json:"period_id"`
	Applied    bool                  `json:"applied"`
	Gaps       []FXCoverageGap       `json:"gaps"`
	Candidates []FXBackfillCandidate `json:"candidates"`
	Unsourced  []FXCoverageGap       `json:"unsourced"`
}

// FXBackfillCandidate is a source quote that closes a gap.
type FXBackfillCandidate struct {
	Month   string          `json:"month"`
	Pair    string          `json:"pair"`
	Average decimal.Decimal `json:"average"`
	Closing decimal.Decimal `json:"closing"`
}

// BackfillCommand fills the gaps fx validate reports from a CSV with month,
// currency, average and optional closing columns. Without Apply it only
// previews, exiting 10 while gaps remain. Apply writes nothing unless every
// gap has a source row.
func (c *FXOpsCLI) BackfillCommand(ctx context.Context, opts FXBackfillOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	cov, err := c.Coverage(ctx, opts.PeriodID)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "fx backfill: %v\n", err)
		return 1
	}
	source, err := loadBackfillSource(opts)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "fx backfill: %v\n", err)
		return 1
	}
	summary := FXBackfillSummary{PeriodID: opts.PeriodID}
	var rows []FXBackfillCandidate
	for _, gap := range cov.Coverage.Gaps {
		entry := FXCoverageGap{Month: gap.Month.Format("2006-01"), Currency: gap.Currency, Pair: gap.Pair, Lines: cov.Lines(gap)}
		summary.Gaps = append(summary.Gaps, entry)
		quote, ok := source[fx.RateKey(gap.Month, gap.Currency)]
		if !ok {
			summary.Unsourced = append(summary.Unsourced, entry)
			continue
		}
		rows = append(rows, FXBackfillCandidate{Month: entry.Month, Pair: gap.Pair, Average: quote.Average, Closing: quote.Closing})
	}
	summary.Candidates = rows

	if !opts.Apply || len(summary.Gaps) == 0 {
		if err := writeBackfillOutput(opts, summary); err != nil {
			fmt.Fprintf(opts.Stderr, "fx backfill: %v\n", err)
			return 1
		}
		if len(summary.Gaps) > 0 {
			return 10
		}
		return 0
	}
	if len(summary.Unsourced) > 0 {
		_ = writeBackfillOutput(opts, summary)
		fmt.Fprintf(opts.Stderr, "fx backfill: %d gap(s) have no source rate, nothing applied\n", len(summary.Unsourced))
		return 1
	}
	for _, row := range rows {
		month, _ := time.Parse("2006-01", row.Month)
		if err := c.quotes.UpsertFxRate(ctx, month, row.Pair, fx.Quote{Average: row.Average, Closing: row.Closing}); err != nil {
			fmt.Fprintf(opts.Stderr, "fx backfill: apply %s %s failed: %v\n", row.Month, row.Pair, err)
			return 1
		}
	}
	summary.Applied = true
	if err := writeBackfillOutput(opts, summary); err != nil {
		fmt.Fprintf(opts.Stderr, "fx backfill: %v\n", err)
		return 1
	}
	return 0
}

// loadBackfillSource keys quotes by fx.RateKey.
func loadBackfillSource(opts FXBackfillOptions) (map[string]fx.Quote, error) {
	in := opts.SourceReader
	switch {
	case in != nil:
	case opts.Source == "-":
		in = os.Stdin
	case strings.TrimSpace(opts.Source) == "":
		return map[string]fx.Quote{}, nil
	default:
		f, err := os.Open(opts.Source)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		in = f
	}
	reader := csv.NewReader(in)
	reader.TrimLeadingSpace = true
	reader.Comment = '#'
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return map[string]fx.Quote{}, nil
	}
	if err != nil {
		return nil, err
	}
	col := map[string]int{"month": -1, "currency": -1, "average": -1, "closing": -1}
	for i, name := range header {
		if _, ok := col[strings.ToLower(strings.TrimSpace(name))]; ok {
			col[strings.ToLower(strings.TrimSpace(name))] = i
		}
	}
	if col["month"] < 0 || col["currency"] < 0 || col["average"] < 0 {
		return nil, errors.New("source needs month, currency and average columns")
	}
	field := func(record []string, name string) string {
		if i := col[name]; i >= 0 && i < len(record) {
			return strings.TrimSpace(record[i])
		}
		return ""
	}
	out := make(map[string]fx.Quote)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		month, err := time.Parse("2006-01", field(record, "month"))
		if err != nil {
			return nil, fmt.Errorf("invalid month %q in source", field(record, "month"))
		}
		code := strings.ToUpper(field(record, "currency"))
		avg, err := decimal.NewFromString(field(record, "average"))
		if err != nil || !avg.IsPositive() {
			return nil, fmt.Errorf("invalid average for %s %s", month.Format("2006-01"), code)
		}
		quote := fx.Quote{Average: avg}
		if raw := field(record, "closing"); raw != "" {
			if quote.Closing, err = decimal.NewFromString(raw); err != nil {
				return nil, fmt.Errorf("invalid closing for %s %s: %v", month.Format("2006-01"), code, err)
			}
		}
		out[fx.RateKey(month, code)] = quote
	}
	return out, nil
}

func writeBackfillOutput(opts FXBackfillOptions, summary FXBackfillSummary) error {
	if opts.JSONOutput {
		return json.NewEncoder(opts.Stdout).Encode(summary)
	}
	mode := "dry run"
	if summary.Applied {
		mode = "applied"
	}
	out := opts.Stdout
	fmt.Fprintf(out, "FX backfill for period %d (%s)\n", summary.PeriodID, mode)
	if len(summary.Gaps) == 0 {
		fmt.Fprintln(out, "No gaps detected.")
		return nil
	}
	for _, row := range summary.Candidates {
		fmt.Fprintf(out, " - %s %s average %s\n", row.Month, row.Pair, row.Average.StringFixed(6))
	}
	for _, gap := range summary.Unsourced {
		fmt.Fprintf(out, " - %s %s has no source rate (%d line(s))\n", gap.Month, gap.Pair, gap.Lines)
	}
	return nil
}
