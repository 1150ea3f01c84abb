package fx

import "github.com/shopspring/decimal"

// Method enumerates supported FX conversion methods.
type Method string

const (
	// MethodAverage represents average rate usage for P&L.
	MethodAverage Method = "AVERAGE"
	// MethodClosing represents closing rate usage for balance sheet.
	MethodClosing Method = "CLOSING"
)

// Quote carries the period rates for one currency pair.
type Quote struct {
	Average decimal.Decimal
	Closing decimal.Decimal
}

// Rate returns the rate for method.
func (q Quote) Rate(method Method) decimal.Decimal {
	if method == MethodClosing {
		return q.Closing
	}
	return q.Average
}
