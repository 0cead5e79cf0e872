package risk

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	kellyFraction   = decimal.NewFromFloat(0.5)
	volatilityScale = decimal.NewFromInt(10)
)

// Limits are the gate configuration.
type Limits struct {
	MaxPositionFraction decimal.Decimal // per-instrument notional / portfolio value
	MaxDrawdown         decimal.Decimal // fraction of peak value
}

// DefaultLimits mirrors the defaults of the configuration layer.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionFraction: decimal.NewFromFloat(0.1),
		MaxDrawdown:         decimal.NewFromFloat(0.05),
	}
}

// Names of the gate checks.
const (
	CheckPositionSize = "position_size"
	CheckDrawdown     = "drawdown"
)

// Decision is the outcome of a pre-trade check.
type Decision struct {
	Allowed bool
	Check   string // failed check, empty when allowed
	Reason  string
}

// Gate holds per-instrument position caps and checks proposed orders against
// them and the drawdown limit. The gate is the only writer of the caps.
type Gate struct {
	limits Limits

	mu   sync.RWMutex
	caps map[string]decimal.Decimal // fraction of portfolio value
}

// NewGate creates a gate with the given limits.
func NewGate(limits Limits) *Gate {
	return &Gate{limits: limits, caps: make(map[string]decimal.Decimal)}
}

// Limits returns the configured limits.
func (g *Gate) Limits() Limits { return g.limits }

// CalculatePositionSize returns the maximum notional for instrument:
//
//	min(pv / (vol * 10) * 0.5, pv * maxFraction)
//
// A non-positive volatility skips the volatility term. The cap is stored as
// a fraction of portfolio value so later checks can compare fractions.
func (g *Gate) CalculatePositionSize(instrument string, price, volatility, portfolioValue decimal.Decimal) decimal.Decimal {
	if !portfolioValue.IsPositive() {
		g.SetCap(instrument, decimal.Zero)
		return decimal.Zero
	}

	size := portfolioValue.Mul(g.limits.MaxPositionFraction)
	if volatility.IsPositive() {
		volSized := portfolioValue.Div(volatility.Mul(volatilityScale)).Mul(kellyFraction)
		size = decimal.Min(size, volSized)
	}

	g.SetCap(instrument, size.Div(portfolioValue))
	slog.Debug("position cap updated",
		"instrument", instrument,
		"price", price.String(),
		"volatility", volatility.String(),
		"cap_notional", size.String(),
	)
	return size
}

// SetCap stores a cap fraction directly.
func (g *Gate) SetCap(instrument string, fraction decimal.Decimal) {
	g.mu.Lock()
	g.caps[instrument] = fraction
	g.mu.Unlock()
}

// Cap returns the stored cap fraction for instrument.
func (g *Gate) Cap(instrument string) (decimal.Decimal, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.caps[instrument]
	return c, ok
}

// CheckRiskLimits rejects when proposedFraction exceeds the stored cap (no
// cap skips the size check) or when currentDrawdown exceeds the limit.
// A fraction equal to the cap is accepted.
func (g *Gate) CheckRiskLimits(instrument string, proposedFraction, currentDrawdown decimal.Decimal) Decision {
	if cap, ok := g.Cap(instrument); ok && proposedFraction.GreaterThan(cap) {
		reason := fmt.Sprintf("position fraction %s exceeds cap %s for %s",
			proposedFraction.StringFixed(6), cap.StringFixed(6), instrument)
		slog.Warn("risk limit breached", "instrument", instrument, "check", CheckPositionSize, "reason", reason)
		return Decision{Check: CheckPositionSize, Reason: reason}
	}

	if currentDrawdown.GreaterThan(g.limits.MaxDrawdown) {
		reason := fmt.Sprintf("drawdown %s exceeds limit %s",
			currentDrawdown.StringFixed(6), g.limits.MaxDrawdown.StringFixed(6))
		slog.Warn("risk limit breached", "instrument", instrument, "check", CheckDrawdown, "reason", reason)
		return Decision{Check: CheckDrawdown, Reason: reason}
	}

	return Decision{Allowed: true}
}
