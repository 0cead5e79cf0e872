package trading

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-corev1/internal/execution"
	"trading-corev1/internal/exchange/paper"
	"trading-corev1/internal/model"
	"trading-corev1/internal/portfolio"
	"trading-corev1/internal/risk"
	"trading-corev1/internal/strategy"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type venueFixture struct {
	ex    *paper.Exchange
	coord *execution.Coordinator
}

func newVenue(t *testing.T, name string, node int64, bid, ask string) venueFixture {
	t.Helper()
	ex, err := paper.New(paper.Config{Name: name, NodeID: node})
	require.NoError(t, err)
	ex.SetBook(model.OrderBook{
		Instrument: "BTC/USDT",
		Bids:       []model.Level{{Price: d(bid), Qty: d("5")}},
		Asks:       []model.Level{{Price: d(ask), Qty: d("5")}},
	})
	c := execution.New(ex, portfolio.NewLedger(d("100000")), risk.NewGate(risk.DefaultLimits()), risk.NewCalculator(0),
		execution.Config{ReconcileInterval: 10 * time.Millisecond, ValuationInterval: 10 * time.Millisecond},
		execution.Options{})
	return venueFixture{ex: ex, coord: c}
}

func newSystem(t *testing.T, cfg Config, venues ...venueFixture) *System {
	t.Helper()
	coords := make([]*execution.Coordinator, len(venues))
	for i, v := range venues {
		coords[i] = v.coord
	}
	s, err := New(coords, cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func TestNewRejectsEmptyAndDuplicateVenues(t *testing.T) {
	_, err := New(nil, Config{}, nil, nil)
	assert.Error(t, err)

	a := newVenue(t, "a", 1, "99", "100")
	_, err = New([]*execution.Coordinator{a.coord, a.coord}, Config{}, nil, nil)
	assert.Error(t, err)
}

func TestPlaceOrderRoutesToVenue(t *testing.T) {
	a := newVenue(t, "a", 1, "99", "100")
	b := newVenue(t, "b", 2, "101", "102")
	s := newSystem(t, Config{}, a, b)
	ctx := context.Background()

	o, err := s.PlaceOrder(ctx, "", model.OrderRequest{Instrument: "BTC/USDT", Side: model.SideBuy, Type: model.OrderTypeMarket, Qty: d("1")})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFilled, o.Status)
	assert.Equal(t, "a", o.Venue)

	o, err = s.PlaceOrder(ctx, "b", model.OrderRequest{Instrument: "BTC/USDT", Side: model.SideBuy, Type: model.OrderTypeMarket, Qty: d("1")})
	require.NoError(t, err)
	assert.Equal(t, "b", o.Venue)

	_, err = s.PlaceOrder(ctx, "nope", model.OrderRequest{Instrument: "BTC/USDT", Side: model.SideBuy, Type: model.OrderTypeMarket, Qty: d("1")})
	assert.ErrorIs(t, err, ErrUnknownVenue)

	pos := s.PositionSummary()
	require.Contains(t, pos, "a")
	require.Contains(t, pos["a"], "BTC/USDT")
	assert.True(t, d("1").Equal(pos["a"]["BTC/USDT"].Qty))
	assert.True(t, d("1").Equal(pos["b"]["BTC/USDT"].Qty))

	m := s.Metrics()
	assert.Equal(t, 1, m["a"].Ledger.TotalTrades)
	assert.Equal(t, 1, m["a"].Ledger.OpenPositions)
}

func TestOversizedOrderRejected(t *testing.T) {
	a := newVenue(t, "a", 1, "99", "100")
	s := newSystem(t, Config{}, a)

	// 200 units at 100 is 20% of a 100000 portfolio, above the 10% cap.
	o, err := s.PlaceOrder(context.Background(), "a", model.OrderRequest{
		Instrument: "BTC/USDT", Side: model.SideBuy, Type: model.OrderTypeLimit, Qty: d("200"), Price: d("100"),
	})
	require.NoError(t, err)
	assert.True(t, o.Rejected())
	assert.Empty(t, a.ex.Orders())
}

func TestCancelOrderThroughSystem(t *testing.T) {
	a := newVenue(t, "a", 1, "99", "100")
	s := newSystem(t, Config{}, a)
	ctx := context.Background()

	o, err := s.PlaceOrder(ctx, "a", model.OrderRequest{
		Instrument: "BTC/USDT", Side: model.SideBuy, Type: model.OrderTypeLimit, Qty: d("1"), Price: d("90"),
	})
	require.NoError(t, err)
	require.True(t, a.coord.IsActive(o.ID))

	require.NoError(t, s.CancelOrder(ctx, "a", o.ID, "BTC/USDT"))
	assert.False(t, a.coord.IsActive(o.ID))
}

func TestStartStopTrading(t *testing.T) {
	a := newVenue(t, "a", 1, "99", "100")
	s := newSystem(t, Config{}, a)
	ctx := context.Background()

	require.NoError(t, s.StartTrading(ctx, []string{"BTC/USDT"}))
	assert.True(t, s.Running())
	assert.ErrorIs(t, s.StartTrading(ctx, []string{"BTC/USDT"}), ErrAlreadyRunning)

	assert.Eventually(t, func() bool { return !a.coord.LastValuation().IsZero() }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.StopTrading(ctx))
	assert.False(t, s.Running())
	assert.ErrorIs(t, s.StopTrading(ctx), ErrNotRunning)

	// Trading can be restarted after a stop.
	require.NoError(t, s.StartTrading(ctx, []string{"BTC/USDT"}))
	require.NoError(t, s.StopTrading(ctx))
}

func TestStartTradingRunsMarketMaker(t *testing.T) {
	a := newVenue(t, "a", 1, "99", "100")
	cfg := Config{MarketMaking: MarketMaking{
		Enabled:    true,
		Venue:      "a",
		Instrument: "BTC/USDT",
		Qty:        d("0.01"),
		Quoting:    strategy.MarketMakerConfig{Cadence: 20 * time.Millisecond},
	}}
	s := newSystem(t, cfg, a)
	ctx := context.Background()

	require.NoError(t, s.StartTrading(ctx, []string{"BTC/USDT"}))
	assert.Eventually(t, func() bool { return len(a.coord.ActiveOrders()) == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.StopTrading(ctx))
	assert.Empty(t, a.coord.ActiveOrders(), "quotes are pulled on stop")
}

func TestStartTradingUnknownStrategyVenue(t *testing.T) {
	a := newVenue(t, "a", 1, "99", "100")
	s := newSystem(t, Config{Grid: Grid{Enabled: true, Venue: "zz"}}, a)
	err := s.StartTrading(context.Background(), []string{"BTC/USDT"})
	assert.ErrorIs(t, err, ErrUnknownVenue)
	assert.False(t, s.Running())
}

func TestExecuteSmartOrderTWAP(t *testing.T) {
	a := newVenue(t, "a", 1, "99", "100")
	s := newSystem(t, Config{}, a)

	rep, err := s.ExecuteSmartOrder(context.Background(), "", "BTC/USDT", model.SideBuy, d("1"), strategy.AlgoTWAP,
		map[string]any{"intervals": 4, "interval_duration": "1ms"})
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Placed)
	assert.True(t, d("1").Equal(rep.Accepted))

	pos, ok := a.coord.Ledger().Position("BTC/USDT")
	require.True(t, ok)
	assert.True(t, d("1").Equal(pos.Qty))
}

func TestShutdownCancelsAndWaitsForSmartOrders(t *testing.T) {
	a := newVenue(t, "a", 1, "99", "100")
	s := newSystem(t, Config{}, a)

	type result struct {
		rep strategy.Report
		err error
	}
	done := make(chan result, 1)
	go func() {
		rep, err := s.ExecuteSmartOrder(context.WithoutCancel(context.Background()), "", "BTC/USDT", model.SideBuy, d("1"),
			strategy.AlgoTWAP, map[string]any{"intervals": 10, "interval_duration": "1h"})
		done <- result{rep, err}
	}()
	require.Eventually(t, func() bool { return len(a.ex.Orders()) == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	select {
	case r := <-done:
		assert.ErrorIs(t, r.err, context.Canceled)
		assert.Equal(t, 1, r.rep.Placed)
	case <-time.After(time.Second):
		t.Fatal("smart order still running after Shutdown")
	}

	_, err := s.ExecuteSmartOrder(context.Background(), "", "BTC/USDT", model.SideBuy, d("1"), strategy.AlgoTWAP, nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.ExecuteArbitrage(context.Background(), nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.StartTrading(context.Background(), nil), ErrClosed)
	_, err = s.PlaceOrder(context.Background(), "a", model.OrderRequest{Instrument: "BTC/USDT", Side: model.SideBuy,
		Type: model.OrderTypeMarket, Qty: d("0.1")})
	assert.ErrorIs(t, err, execution.ErrShutdown)
	assert.NoError(t, s.Shutdown(ctx), "second shutdown is a no-op")
}

func TestExecuteSmartOrderBadParams(t *testing.T) {
	a := newVenue(t, "a", 1, "99", "100")
	s := newSystem(t, Config{}, a)

	_, err := s.ExecuteSmartOrder(context.Background(), "", "BTC/USDT", model.SideBuy, d("1"), strategy.AlgoTWAP,
		map[string]any{"intervals": []int{1}})
	assert.ErrorIs(t, err, strategy.ErrInvalidParams)

	_, err = s.ExecuteSmartOrder(context.Background(), "", "BTC/USDT", model.SideBuy, d("1"), "pov", nil)
	assert.ErrorIs(t, err, strategy.ErrUnknownAlgorithm)
}

func TestExecuteArbitrage(t *testing.T) {
	a := newVenue(t, "a", 1, "99", "100")
	b := newVenue(t, "b", 2, "102", "103")
	cfg := Config{Arbitrage: Arbitrage{
		Qty: d("0.1"),
	}}
	cfg.Arbitrage.Scanner.Fee = d("0.001")
	s := newSystem(t, cfg, a, b)

	opps, err := s.ExecuteArbitrage(context.Background(), []string{"BTC/USDT"})
	require.NoError(t, err)
	require.Len(t, opps, 1)
	assert.True(t, d("0.018").Equal(opps[0].Profit), "got %s", opps[0].Profit)

	long, ok := a.coord.Ledger().Position("BTC/USDT")
	require.True(t, ok)
	assert.True(t, d("0.1").Equal(long.Qty))
	short, ok := b.coord.Ledger().Position("BTC/USDT")
	require.True(t, ok)
	assert.True(t, d("-0.1").Equal(short.Qty))
}

func TestExecuteArbitrageScanOnly(t *testing.T) {
	a := newVenue(t, "a", 1, "99", "100")
	b := newVenue(t, "b", 2, "102", "103")
	s := newSystem(t, Config{}, a, b)

	opps, err := s.ExecuteArbitrage(context.Background(), []string{"BTC/USDT"})
	require.NoError(t, err)
	require.Len(t, opps, 1)
	assert.Empty(t, a.ex.Orders(), "no leg quantity configured")
}
