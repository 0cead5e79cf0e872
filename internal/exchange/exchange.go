// Package exchange defines the narrow capability the trading core needs from
// a venue. Adapters (paper, binance) live in sub-packages; protocol details
// such as signing and stream framing stay inside them.
package exchange

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"trading-corev1/internal/model"
)

var (
	// ErrOrderNotFound is returned by FetchOrder/CancelOrder for unknown ids.
	ErrOrderNotFound = errors.New("exchange: order not found")
	// ErrNotConnected is returned when a call is made before Initialize or after Close.
	ErrNotConnected = errors.New("exchange: not connected")
	// ErrNoPrice is returned when the venue has no price for an instrument.
	ErrNoPrice = errors.New("exchange: no price")
)

// Exchange is the capability set consumed by the coordinator, the execution
// algorithms and the arbitrage scanner.
type Exchange interface {
	Name() string
	Initialize(ctx context.Context) error
	Close() error

	OrderBook(ctx context.Context, instrument string, depth int) (model.OrderBook, error)
	CreateOrder(ctx context.Context, req model.OrderRequest) (model.Order, error)
	CancelOrder(ctx context.Context, id, instrument string) error
	FetchOrder(ctx context.Context, id, instrument string) (model.Order, error)
	Balance(ctx context.Context) (map[string]decimal.Decimal, error)
	OHLCV(ctx context.Context, instrument, timeframe string, limit int) ([]model.Candle, error)

	// FetchTickers returns the last price per instrument. Instruments the
	// venue does not know are omitted from the result.
	FetchTickers(ctx context.Context, instruments []string) (map[string]decimal.Decimal, error)
}
