package portfolio

import (
	"time"

	"github.com/shopspring/decimal"

	"trading-corev1/internal/model"
)

// Fill is an execution to be applied to the ledger.
type Fill struct {
	OrderID    string
	Instrument string
	Side       model.Side
	Qty        decimal.Decimal // always positive
	Price      decimal.Decimal
	TS         time.Time

	// Assumed marks fills the coordinator did not observe on the exchange:
	// market orders are booked at the requested/reference price on submission.
	// Real slippage is not captured in that case.
	Assumed bool
}

// Trade is one entry of the append-only trade history.
type Trade struct {
	OrderID        string          `json:"order_id"`
	Instrument     string          `json:"instrument"`
	Side           model.Side      `json:"side"`
	Qty            decimal.Decimal `json:"qty"`
	Price          decimal.Decimal `json:"price"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	PositionClosed bool            `json:"position_closed"`
	FillAssumed    bool            `json:"fill_assumed"`
	TS             time.Time       `json:"ts"` // fill time

	// Set by the ledger when the trade is recorded.
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	RecordedAt     time.Time       `json:"recorded_at"`
}

// ApplyFill updates the position and records the trade in one critical
// section, so no other mutation can interleave between the two.
func (l *Ledger) ApplyFill(f Fill) (Position, Trade) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delta := f.Qty.Abs().Mul(f.Side.Sign())
	pos, realized, closed := l.updatePositionLocked(f.Instrument, delta, f.Price, f.TS)
	l.revalueLocked()

	trade := l.recordTradeLocked(Trade{
		OrderID:        f.OrderID,
		Instrument:     f.Instrument,
		Side:           f.Side,
		Qty:            f.Qty.Abs(),
		Price:          f.Price,
		RealizedPnL:    realized,
		PositionClosed: closed,
		FillAssumed:    f.Assumed,
		TS:             f.TS,
	})
	return pos, trade
}

// RecordTrade appends a trade with a snapshot of total value. History is
// never mutated after append.
func (l *Ledger) RecordTrade(t Trade) Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recordTradeLocked(t)
}

func (l *Ledger) recordTradeLocked(t Trade) Trade {
	t.PortfolioValue = l.totalValueLocked()
	t.RecordedAt = l.now()
	if t.TS.IsZero() {
		t.TS = t.RecordedAt
	}
	l.trades = append(l.trades, t)
	return t
}

// Trades returns a snapshot of the trade history in recording order.
func (l *Ledger) Trades() []Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cp := make([]Trade, len(l.trades))
	copy(cp, l.trades)
	return cp
}

// RealizedPnL returns the running realized P&L.
func (l *Ledger) RealizedPnL() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.realizedPnL
}

// updatePositionLocked is the position state machine. It returns the
// resulting position, the P&L realized by this delta and whether an existing
// position was closed (fully or by flipping).
func (l *Ledger) updatePositionLocked(instrument string, delta, price decimal.Decimal, ts time.Time) (Position, decimal.Decimal, bool) {
	pos, ok := l.positions[instrument]
	if delta.IsZero() {
		if ok {
			return *pos, decimal.Zero, false
		}
		return Position{Instrument: instrument, CurrentPrice: price, UpdatedAt: ts}, decimal.Zero, false
	}

	if !ok {
		p := &Position{
			Instrument: instrument,
			Qty:        delta,
			EntryPrice: price,
			UpdatedAt:  ts,
		}
		p.revalue(price)
		l.positions[instrument] = p
		return *p, decimal.Zero, false
	}

	// Adding to the position: weighted average entry. Same sign means the
	// new quantity can never be zero.
	if pos.Qty.Sign() == delta.Sign() {
		newQty := pos.Qty.Add(delta)
		cost := pos.EntryPrice.Mul(pos.Qty).Add(price.Mul(delta))
		pos.EntryPrice = cost.Div(newQty)
		pos.Qty = newQty
		pos.revalue(price)
		pos.UpdatedAt = ts
		return *pos, decimal.Zero, false
	}

	// Reducing or flipping: realize P&L on the closed part, signed with the
	// direction of the open position.
	closedQty := decimal.Min(delta.Abs(), pos.Qty.Abs())
	if pos.Qty.IsNegative() {
		closedQty = closedQty.Neg()
	}
	realized := price.Sub(pos.EntryPrice).Mul(closedQty)
	l.realizedPnL = l.realizedPnL.Add(realized)
	l.balance = l.balance.Add(realized)
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)

	newQty := pos.Qty.Add(delta)
	switch {
	case newQty.IsZero():
		delete(l.positions, instrument)
		return Position{
			Instrument:   instrument,
			EntryPrice:   pos.EntryPrice,
			CurrentPrice: price,
			RealizedPnL:  pos.RealizedPnL,
			UpdatedAt:    ts,
		}, realized, true

	case newQty.Sign() == pos.Qty.Sign():
		pos.Qty = newQty
		pos.revalue(price)
		pos.UpdatedAt = ts
		return *pos, realized, false

	default:
		// Flipped: the excess opens a fresh position at the fill price.
		p := &Position{
			Instrument: instrument,
			Qty:        newQty,
			EntryPrice: price,
			UpdatedAt:  ts,
		}
		p.revalue(price)
		l.positions[instrument] = p
		return *p, realized, true
	}
}
