package exchange

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-corev1/internal/breaker"
	"trading-corev1/internal/model"
)

// flaky fails every call with err.
type flaky struct {
	err   error
	calls int
}

func (f *flaky) Name() string                         { return "flaky" }
func (f *flaky) Initialize(ctx context.Context) error { f.calls++; return f.err }
func (f *flaky) Close() error                         { return nil }
func (f *flaky) OrderBook(ctx context.Context, instrument string, depth int) (model.OrderBook, error) {
	f.calls++
	return model.OrderBook{}, f.err
}
func (f *flaky) CreateOrder(ctx context.Context, req model.OrderRequest) (model.Order, error) {
	f.calls++
	return model.Order{}, f.err
}
func (f *flaky) CancelOrder(ctx context.Context, id, instrument string) error {
	f.calls++
	return f.err
}
func (f *flaky) FetchOrder(ctx context.Context, id, instrument string) (model.Order, error) {
	f.calls++
	return model.Order{}, f.err
}
func (f *flaky) Balance(ctx context.Context) (map[string]decimal.Decimal, error) {
	f.calls++
	return nil, f.err
}
func (f *flaky) OHLCV(ctx context.Context, instrument, timeframe string, limit int) ([]model.Candle, error) {
	f.calls++
	return nil, f.err
}
func (f *flaky) FetchTickers(ctx context.Context, instruments []string) (map[string]decimal.Decimal, error) {
	f.calls++
	return nil, f.err
}

func TestGuarded_OpensOnVenueFailures(t *testing.T) {
	inner := &flaky{err: errors.New("connection reset")}
	g := WithBreaker(inner, breaker.New("flaky", 2, time.Hour))
	ctx := context.Background()

	_, err := g.FetchTickers(ctx, []string{"X"})
	require.Error(t, err)
	_, err = g.OrderBook(ctx, "X", 5)
	require.Error(t, err)

	_, err = g.CreateOrder(ctx, model.OrderRequest{})
	assert.ErrorIs(t, err, breaker.ErrCircuitOpen)
	assert.Equal(t, 2, inner.calls, "open breaker must not reach the venue")
	assert.Equal(t, breaker.StateOpen, g.Breaker().CurrentState())
}

func TestGuarded_OrderNotFoundDoesNotTrip(t *testing.T) {
	inner := &flaky{err: fmt.Errorf("venue: %w", ErrOrderNotFound)}
	g := WithBreaker(inner, breaker.New("flaky", 1, time.Hour))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := g.FetchOrder(ctx, "1", "X")
		assert.ErrorIs(t, err, ErrOrderNotFound)
	}
	assert.ErrorIs(t, g.CancelOrder(ctx, "1", "X"), ErrOrderNotFound)
	assert.Equal(t, breaker.StateClosed, g.Breaker().CurrentState())
	assert.Equal(t, "flaky", g.Name())
}

func TestIsVenueFailure(t *testing.T) {
	assert.False(t, IsVenueFailure(nil))
	assert.False(t, IsVenueFailure(context.Canceled))
	assert.True(t, IsVenueFailure(context.DeadlineExceeded))
	assert.True(t, IsVenueFailure(errors.New("503")))
}
