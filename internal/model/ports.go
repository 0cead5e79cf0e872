package model

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ── Persistence Port Interfaces ──
// The core never persists its own state. These interfaces decouple it from the
// collaborators that do (SQLite journal, Redis, NATS, Kafka, MySQL).

// TradeEvent is a ledger trade as published to external collaborators.
type TradeEvent struct {
	Venue         string          `json:"venue"`
	OrderID       string          `json:"order_id"`
	Instrument    string          `json:"instrument"`
	Side          Side            `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	Price         decimal.Decimal `json:"price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	PortfolioVal  decimal.Decimal `json:"portfolio_value"`
	FillAssumed   bool            `json:"fill_assumed"`
	PositionClose bool            `json:"position_close"`
	TS            time.Time       `json:"ts"`
}

// Key returns "venue:instrument", used for stream/partition keys.
func (e *TradeEvent) Key() string {
	return e.Venue + ":" + e.Instrument
}

// TradeSink receives trade events. Implementations must not block the caller
// for long; slow sinks are decoupled by internal/bus.
type TradeSink interface {
	// Run consumes events until ctx is cancelled or ch is closed.
	Run(ctx context.Context, ch <-chan TradeEvent)

	// Close releases underlying resources.
	Close() error
}

// OrderRecorder stores the order lifecycle for audit.
type OrderRecorder interface {
	// RecordOrder upserts an order snapshot keyed by venue and order id.
	RecordOrder(ctx context.Context, o Order) error
}
