package exchange

import (
	"context"
	"errors"
	"log"

	"github.com/shopspring/decimal"

	"trading-corev1/internal/breaker"
	"trading-corev1/internal/model"
)

// Guarded wraps an Exchange with a circuit breaker so a venue that keeps
// failing is short-circuited instead of hammered by every loop.
type Guarded struct {
	inner Exchange
	cb    *breaker.Breaker
}

// WithBreaker returns ex guarded by cb. Unknown-order and cancellation
// errors do not count as venue failures.
func WithBreaker(ex Exchange, cb *breaker.Breaker) *Guarded {
	if cb.IsFailure == nil {
		cb.IsFailure = IsVenueFailure
	}
	if cb.OnStateChange == nil {
		cb.OnStateChange = func(name string, from, to breaker.State) {
			log.Printf("[exchange] %s breaker %s -> %s", name, from, to)
		}
	}
	return &Guarded{inner: ex, cb: cb}
}

// IsVenueFailure reports whether err indicates the venue itself is unhealthy.
func IsVenueFailure(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrOrderNotFound),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Breaker exposes the breaker for health reporting.
func (g *Guarded) Breaker() *breaker.Breaker { return g.cb }

func (g *Guarded) Name() string { return g.inner.Name() }

func (g *Guarded) Initialize(ctx context.Context) error {
	return g.cb.Execute(func() error { return g.inner.Initialize(ctx) })
}

func (g *Guarded) Close() error { return g.inner.Close() }

func (g *Guarded) OrderBook(ctx context.Context, instrument string, depth int) (model.OrderBook, error) {
	return breaker.Do(g.cb, func() (model.OrderBook, error) {
		return g.inner.OrderBook(ctx, instrument, depth)
	})
}

func (g *Guarded) CreateOrder(ctx context.Context, req model.OrderRequest) (model.Order, error) {
	return breaker.Do(g.cb, func() (model.Order, error) {
		return g.inner.CreateOrder(ctx, req)
	})
}

func (g *Guarded) CancelOrder(ctx context.Context, id, instrument string) error {
	return g.cb.Execute(func() error { return g.inner.CancelOrder(ctx, id, instrument) })
}

func (g *Guarded) FetchOrder(ctx context.Context, id, instrument string) (model.Order, error) {
	return breaker.Do(g.cb, func() (model.Order, error) {
		return g.inner.FetchOrder(ctx, id, instrument)
	})
}

func (g *Guarded) Balance(ctx context.Context) (map[string]decimal.Decimal, error) {
	return breaker.Do(g.cb, func() (map[string]decimal.Decimal, error) {
		return g.inner.Balance(ctx)
	})
}

func (g *Guarded) OHLCV(ctx context.Context, instrument, timeframe string, limit int) ([]model.Candle, error) {
	return breaker.Do(g.cb, func() ([]model.Candle, error) {
		return g.inner.OHLCV(ctx, instrument, timeframe, limit)
	})
}

func (g *Guarded) FetchTickers(ctx context.Context, instruments []string) (map[string]decimal.Decimal, error) {
	return breaker.Do(g.cb, func() (map[string]decimal.Decimal, error) {
		return g.inner.FetchTickers(ctx, instruments)
	})
}
