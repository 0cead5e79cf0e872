package portfolio

import "github.com/shopspring/decimal"

// drawdownTracker keeps peak value and the running maximum drawdown.
// peak never decreases and max never decreases.
type drawdownTracker struct {
	peak    decimal.Decimal
	current decimal.Decimal
	max     decimal.Decimal
}

func newDrawdownTracker(initial decimal.Decimal) drawdownTracker {
	return drawdownTracker{peak: initial}
}

// observe feeds one valuation.
func (d *drawdownTracker) observe(value decimal.Decimal) {
	if value.GreaterThan(d.peak) {
		d.peak = value
	}
	if !d.peak.IsPositive() {
		// no meaningful fraction against a zero or negative peak
		d.current = decimal.Zero
		return
	}
	dd := d.peak.Sub(value).Div(d.peak)
	if dd.IsNegative() {
		dd = decimal.Zero
	}
	d.current = dd
	if dd.GreaterThan(d.max) {
		d.max = dd
	}
}
