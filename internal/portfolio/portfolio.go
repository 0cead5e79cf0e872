// Package portfolio tracks positions, P&L, and portfolio-level metrics.
//
// The Ledger is the authoritative record of one venue's account: free balance,
// open positions, the append-only trade history, running realized P&L and
// drawdown. Every mutation runs under the ledger mutex so read-modify-write
// sequences on a position are atomic.
package portfolio

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Position is a single instrument position.
type Position struct {
	Instrument    string          `json:"instrument"`
	Qty           decimal.Decimal `json:"qty"`         // positive = long, negative = short
	EntryPrice    decimal.Decimal `json:"entry_price"` // weighted average cost of the open qty
	CurrentPrice  decimal.Decimal `json:"current_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Value returns qty * current price.
func (p *Position) Value() decimal.Decimal {
	return p.Qty.Mul(p.CurrentPrice)
}

func (p *Position) revalue(price decimal.Decimal) {
	p.CurrentPrice = price
	p.UnrealizedPnL = price.Sub(p.EntryPrice).Mul(p.Qty)
}

// PositionSummary is the read-only view returned to API callers.
type PositionSummary struct {
	Qty           decimal.Decimal `json:"qty"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Value         decimal.Decimal `json:"value"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Metrics is a point-in-time summary of the ledger.
type Metrics struct {
	TotalValue      decimal.Decimal `json:"total_value"`
	Balance         decimal.Decimal `json:"balance"`
	RealizedPnL     decimal.Decimal `json:"total_pnl"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	MaxDrawdown     decimal.Decimal `json:"max_drawdown"`
	CurrentDrawdown decimal.Decimal `json:"current_drawdown"`
	PeakValue       decimal.Decimal `json:"peak_value"`
	OpenPositions   int             `json:"open_positions"`
	TotalTrades     int             `json:"total_trades"`
	ValuedAt        time.Time       `json:"valued_at"`
}

// Ledger owns balance, positions, trade history and drawdown for one venue.
type Ledger struct {
	mu sync.RWMutex

	balance     decimal.Decimal
	positions   map[string]*Position
	trades      []Trade
	realizedPnL decimal.Decimal
	dd          drawdownTracker
	valuedAt    time.Time

	now func() time.Time
}

// NewLedger creates a ledger with the given starting balance.
func NewLedger(initialBalance decimal.Decimal) *Ledger {
	return &Ledger{
		balance:   initialBalance,
		positions: make(map[string]*Position),
		trades:    make([]Trade, 0, 500),
		dd:        newDrawdownTracker(initialBalance),
		now:       time.Now,
	}
}

// UpdatePosition applies a signed quantity delta at price and returns the
// resulting position. A position driven to exactly zero is removed from the
// open set; the returned Position then has zero Qty and carries the realized
// P&L of the close.
func (l *Ledger) UpdatePosition(instrument string, delta, price decimal.Decimal, ts time.Time) Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, _, _ := l.updatePositionLocked(instrument, delta, price, ts)
	l.revalueLocked()
	return pos
}

// UpdatePrices refreshes current prices and unrealized P&L for every open
// position that has a price in the map, then runs drawdown tracking.
func (l *Ledger) UpdatePrices(prices map[string]decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for instrument, pos := range l.positions {
		price, ok := prices[instrument]
		if !ok || !price.IsPositive() {
			continue
		}
		pos.revalue(price)
		pos.UpdatedAt = now
	}
	l.revalueLocked()
}

// revalueLocked recomputes total value and feeds the drawdown tracker.
func (l *Ledger) revalueLocked() decimal.Decimal {
	total := l.totalValueLocked()
	l.dd.observe(total)
	l.valuedAt = l.now()
	return total
}

// Seed sets the starting balance of an untouched ledger (no trades, no
// positions). It reports false and changes nothing otherwise.
func (l *Ledger) Seed(balance decimal.Decimal) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.trades) > 0 || len(l.positions) > 0 {
		return false
	}
	l.balance = balance
	l.dd = newDrawdownTracker(balance)
	return true
}

// TotalValue returns balance + sum(qty * current price).
func (l *Ledger) TotalValue() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalValueLocked()
}

func (l *Ledger) totalValueLocked() decimal.Decimal {
	total := l.balance
	for _, pos := range l.positions {
		total = total.Add(pos.Value())
	}
	return total
}

// Balance returns the free balance.
func (l *Ledger) Balance() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balance
}

// Position returns a copy of the open position for instrument.
func (l *Ledger) Position(instrument string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[instrument]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Positions returns a snapshot of all open positions sorted by instrument.
func (l *Ledger) Positions() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// PositionValue returns qty * current price for instrument, zero if flat.
func (l *Ledger) PositionValue(instrument string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if pos, ok := l.positions[instrument]; ok {
		return pos.Value()
	}
	return decimal.Zero
}

// PositionSummary returns a summary of all open positions keyed by instrument.
func (l *Ledger) PositionSummary() map[string]PositionSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]PositionSummary, len(l.positions))
	for instrument, p := range l.positions {
		out[instrument] = PositionSummary{
			Qty:           p.Qty,
			EntryPrice:    p.EntryPrice,
			CurrentPrice:  p.CurrentPrice,
			UnrealizedPnL: p.UnrealizedPnL,
			Value:         p.Value(),
			UpdatedAt:     p.UpdatedAt,
		}
	}
	return out
}

// CurrentDrawdown returns the drawdown fraction at the last valuation.
func (l *Ledger) CurrentDrawdown() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dd.current
}

// MaxDrawdown returns the largest drawdown fraction ever observed.
func (l *Ledger) MaxDrawdown() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dd.max
}

// Metrics returns the current ledger metrics.
func (l *Ledger) Metrics() Metrics {
	l.mu.RLock()
	defer l.mu.RUnlock()

	unrealized := decimal.Zero
	for _, p := range l.positions {
		unrealized = unrealized.Add(p.UnrealizedPnL)
	}
	return Metrics{
		TotalValue:      l.totalValueLocked(),
		Balance:         l.balance,
		RealizedPnL:     l.realizedPnL,
		UnrealizedPnL:   unrealized,
		MaxDrawdown:     l.dd.max,
		CurrentDrawdown: l.dd.current,
		PeakValue:       l.dd.peak,
		OpenPositions:   len(l.positions),
		TotalTrades:     len(l.trades),
		ValuedAt:        l.valuedAt,
	}
}

// Snapshot is a copy of the ledger state published to external stores.
type Snapshot struct {
	Venue     string     `json:"venue"`
	Metrics   Metrics    `json:"metrics"`
	Positions []Position `json:"positions"`
	TS        time.Time  `json:"ts"`
}

// Snapshot returns the current metrics and open positions.
func (l *Ledger) Snapshot(venue string) Snapshot {
	return Snapshot{
		Venue:     venue,
		Metrics:   l.Metrics(),
		Positions: l.Positions(),
		TS:        l.now(),
	}
}
