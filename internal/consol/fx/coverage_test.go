package fx

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeProvider struct {
	quotes map[string]Quote
	err    error
}

func (f fakeProvider) QuoteForPeriod(ctx context.Context, asOf time.Time, pair string) (Quote, bool, error) {
	if f.err != nil {
		return Quote{}, false, f.err
	}
	quote, ok := f.quotes[pair]
	return quote, ok, nil
}

func month(y int, m time.Month) time.Time {
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

func TestCheckCoverageResolvesAndReportsGaps(t *testing.T) {
	provider := fakeProvider{quotes: map[string]Quote{
		"EURUSD": {Average: d("1.10"), Closing: d("1.12")},
		"USDJPY": {Average: d("150"), Closing: d("160")},
	}}
	needs := []Need{
		{Month: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), Currency: "eur"},
		{Month: time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC), Currency: "EUR"},
		{Month: month(2026, 1), Currency: "JPY"},
		{Month: month(2026, 1), Currency: "GBP"},
		{Month: month(2026, 1), Currency: "USD"},
	}
	res, err := CheckCoverage(context.Background(), provider, "usd", "", needs)
	if err != nil {
		t.Fatalf("CheckCoverage returned error: %v", err)
	}
	if res.Base != "USD" || res.Method != MethodAverage {
		t.Fatalf("unexpected base/method %s %s", res.Base, res.Method)
	}
	if res.Checked != 3 {
		t.Fatalf("expected 3 needs checked, got %d", res.Checked)
	}
	if rate := res.Rates[RateKey(month(2026, 1), "EUR")]; !rate.Equal(d("1.10")) {
		t.Fatalf("expected EUR 1.10 got %s", rate)
	}
	if rate := res.Rates[RateKey(month(2026, 1), "JPY")]; rate.IsZero() {
		t.Fatalf("expected JPY to resolve through the inverse pair")
	}
	if len(res.Gaps) != 1 || res.Gaps[0].Pair != "GBPUSD" || !res.Gaps[0].Month.Equal(month(2026, 1)) {
		t.Fatalf("unexpected gaps %+v", res.Gaps)
	}
}

func TestCheckCoverageClosingMethod(t *testing.T) {
	provider := fakeProvider{quotes: map[string]Quote{
		"EURUSD": {Average: d("1.10")},
	}}
	res, err := CheckCoverage(context.Background(), provider, "USD", MethodClosing, []Need{{Month: month(2026, 2), Currency: "EUR"}})
	if err != nil {
		t.Fatalf("CheckCoverage returned error: %v", err)
	}
	if len(res.Gaps) != 1 {
		t.Fatalf("expected closing gap, got %+v", res.Gaps)
	}
}

func TestCheckCoverageErrors(t *testing.T) {
	if _, err := CheckCoverage(context.Background(), nil, "USD", "", nil); err == nil {
		t.Fatalf("expected error for nil provider")
	}
	if _, err := CheckCoverage(context.Background(), fakeProvider{}, "", "", nil); err == nil {
		t.Fatalf("expected error for missing base")
	}
	if _, err := CheckCoverage(context.Background(), fakeProvider{}, "USD", "", []Need{{Month: month(2026, 1), Currency: "EURO"}}); err == nil {
		t.Fatalf("expected error for bad currency")
	}
	boom := errors.New("db down")
	_, err := CheckCoverage(context.Background(), fakeProvider{err: boom}, "USD", "", []Need{{Month: month(2026, 1), Currency: "EUR"}})
	if !errors.Is(err, boom) {
		t.Fatalf("expected provider error, got %v", err)
	}
}
