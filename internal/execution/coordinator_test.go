package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-corev1/internal/exchange"
	"trading-corev1/internal/exchange/paper"
	"trading-corev1/internal/model"
	"trading-corev1/internal/notification"
	"trading-corev1/internal/portfolio"
	"trading-corev1/internal/risk"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal, msg ...interface{}) {
	t.Helper()
	assert.Truef(t, d(want).Equal(got), "want %s, got %s %v", want, got, msg)
}

// spy wraps the paper venue, counts calls and injects failures.
type spy struct {
	*paper.Exchange

	mu        sync.Mutex
	creates   int
	cancels   int
	fetches   int
	fetchErr  map[string]error
	cancelErr error
	hideAvg   bool
	// reshape rewrites what CreateOrder reports, not the venue's own state.
	reshape func(model.Order) model.Order
}

func (s *spy) CreateOrder(ctx context.Context, req model.OrderRequest) (model.Order, error) {
	s.mu.Lock()
	s.creates++
	hide, reshape := s.hideAvg, s.reshape
	s.mu.Unlock()
	o, err := s.Exchange.CreateOrder(ctx, req)
	if hide {
		o.AvgPrice = decimal.Zero
	}
	if reshape != nil && err == nil {
		o = reshape(o)
	}
	return o, err
}

func (s *spy) CancelOrder(ctx context.Context, id, instrument string) error {
	s.mu.Lock()
	s.cancels++
	err := s.cancelErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Exchange.CancelOrder(ctx, id, instrument)
}

func (s *spy) FetchOrder(ctx context.Context, id, instrument string) (model.Order, error) {
	s.mu.Lock()
	s.fetches++
	err := s.fetchErr[id]
	s.mu.Unlock()
	if err != nil {
		return model.Order{}, err
	}
	return s.Exchange.FetchOrder(ctx, id, instrument)
}

func (s *spy) failFetch(id string, err error) {
	s.mu.Lock()
	s.fetchErr[id] = err
	s.mu.Unlock()
}

func (s *spy) createCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

type recordedOrders struct {
	mu     sync.Mutex
	orders []model.Order
}

func (r *recordedOrders) RecordOrder(ctx context.Context, o model.Order) error {
	r.mu.Lock()
	r.orders = append(r.orders, o)
	r.mu.Unlock()
	return nil
}

func (r *recordedOrders) statuses() []model.OrderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.OrderStatus, len(r.orders))
	for i, o := range r.orders {
		out[i] = o.Status
	}
	return out
}

type alerts struct {
	mu  sync.Mutex
	got []notification.Alert
}

func (a *alerts) Send(ctx context.Context, al notification.Alert) error {
	a.mu.Lock()
	a.got = append(a.got, al)
	a.mu.Unlock()
	return nil
}

func (a *alerts) titles() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.got))
	for i, al := range a.got {
		out[i] = al.Title
	}
	return out
}

type fixture struct {
	coord  *Coordinator
	venue  *spy
	events chan model.TradeEvent
	orders *recordedOrders
	alerts *alerts
}

func newFixture(t *testing.T, balance string) *fixture {
	t.Helper()
	p, err := paper.New(paper.Config{Name: "sim"})
	require.NoError(t, err)
	sp := &spy{Exchange: p, fetchErr: make(map[string]error)}

	f := &fixture{
		venue:  sp,
		events: make(chan model.TradeEvent, 64),
		orders: &recordedOrders{},
		alerts: &alerts{},
	}
	f.coord = New(sp, portfolio.NewLedger(d(balance)), risk.NewGate(risk.DefaultLimits()), risk.NewCalculator(0),
		Config{ReconcileInterval: 10 * time.Millisecond, ValuationInterval: 10 * time.Millisecond},
		Options{Events: f.events, Orders: f.orders, Notifier: f.alerts})
	require.NoError(t, f.coord.Initialize(context.Background()))
	return f
}

func (f *fixture) drain() []model.TradeEvent {
	var out []model.TradeEvent
	for {
		select {
		case ev := <-f.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func limit(side model.Side, qty, price string) model.OrderRequest {
	return model.OrderRequest{Instrument: "BTC/USDT", Side: side, Type: model.OrderTypeLimit, Qty: d(qty), Price: d(price)}
}

func market(side model.Side, qty string) model.OrderRequest {
	return model.OrderRequest{Instrument: "BTC/USDT", Side: side, Type: model.OrderTypeMarket, Qty: d(qty)}
}

func TestPlaceOrder_OversizedRejectedWithoutVenueCall(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()

	o, err := f.coord.PlaceOrder(ctx, limit(model.SideBuy, "2", "100"))
	require.NoError(t, err, "a risk rejection is not an error")
	require.NotNil(t, o)
	assert.True(t, o.Rejected())
	assert.Contains(t, o.RejectReason, "exceeds cap")
	assert.Empty(t, o.ID)
	assert.Equal(t, 0, f.venue.createCount())
	assert.Empty(t, f.coord.ActiveOrders())
	assert.Equal(t, []model.OrderStatus{model.StatusRejected}, f.orders.statuses())

	cap, ok := f.coord.Gate().Cap("BTC/USDT")
	require.True(t, ok, "cap computed lazily on first order")
	assertDec(t, "0.1", cap)
}

func TestPlaceOrder_FractionEqualToCapAccepted(t *testing.T) {
	f := newFixture(t, "1000")

	o, err := f.coord.PlaceOrder(context.Background(), limit(model.SideBuy, "1", "100"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, o.Status)
	assert.Equal(t, 1, f.venue.createCount())
	require.Len(t, f.coord.ActiveOrders(), 1)
	assert.True(t, f.coord.IsActive(o.ID))
}

func TestPlaceOrder_MarketBookedImmediately(t *testing.T) {
	f := newFixture(t, "10000")
	f.venue.SetPrice("BTC/USDT", d("100"))

	o, err := f.coord.PlaceOrder(context.Background(), market(model.SideBuy, "0.5"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusFilled, o.Status)
	assert.Empty(t, f.coord.ActiveOrders(), "market orders bypass the table")

	pos, ok := f.coord.Ledger().Position("BTC/USDT")
	require.True(t, ok)
	assertDec(t, "0.5", pos.Qty)
	assertDec(t, "100", pos.EntryPrice)

	evs := f.drain()
	require.Len(t, evs, 1)
	assert.Equal(t, "sim", evs[0].Venue)
	assert.False(t, evs[0].FillAssumed)
	// balance moves only by realized P&L; the position adds its marked value
	assertDec(t, "10050", evs[0].PortfolioVal)
}

func TestPlaceOrder_MarketWithoutVenuePriceIsAssumed(t *testing.T) {
	f := newFixture(t, "10000")
	f.venue.SetPrice("BTC/USDT", d("100"))
	f.venue.hideAvg = true

	o, err := f.coord.PlaceOrder(context.Background(), market(model.SideSell, "0.2"))
	require.NoError(t, err)
	assertDec(t, "100", o.AvgPrice, "reference price")

	trades := f.coord.Ledger().Trades()
	require.Len(t, trades, 1)
	assert.True(t, trades[0].FillAssumed)
	assertDec(t, "100", trades[0].Price)

	pos, _ := f.coord.Ledger().Position("BTC/USDT")
	assertDec(t, "-0.2", pos.Qty)
}

func TestPlaceOrder_MarketExpiredUnfilledBooksNothing(t *testing.T) {
	f := newFixture(t, "10000")
	f.venue.SetPrice("BTC/USDT", d("100"))
	f.venue.reshape = func(o model.Order) model.Order {
		o.Status, o.FilledQty, o.AvgPrice = model.StatusExpired, decimal.Zero, decimal.Zero
		return o
	}

	o, err := f.coord.PlaceOrder(context.Background(), market(model.SideBuy, "0.5"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, o.Status)
	assert.True(t, o.FilledQty.IsZero())

	_, ok := f.coord.Ledger().Position("BTC/USDT")
	assert.False(t, ok)
	assert.Empty(t, f.coord.Ledger().Trades())
	assert.Empty(t, f.drain())
	assert.Empty(t, f.coord.ActiveOrders())
}

func TestPlaceOrder_MarketCancelledPartialBooksFilledQty(t *testing.T) {
	f := newFixture(t, "10000")
	f.venue.SetPrice("BTC/USDT", d("100"))
	f.venue.reshape = func(o model.Order) model.Order {
		o.Status, o.FilledQty = model.StatusCancelled, d("0.3")
		return o
	}

	o, err := f.coord.PlaceOrder(context.Background(), market(model.SideBuy, "0.5"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, o.Status, "venue status kept")
	assertDec(t, "0.3", o.FilledQty)

	pos, ok := f.coord.Ledger().Position("BTC/USDT")
	require.True(t, ok)
	assertDec(t, "0.3", pos.Qty)
	trades := f.coord.Ledger().Trades()
	require.Len(t, trades, 1)
	assert.False(t, trades[0].FillAssumed)
	assert.Empty(t, f.coord.ActiveOrders())
}

func TestPlaceOrder_MarketStillWorkingIsTracked(t *testing.T) {
	f := newFixture(t, "10000")
	ctx := context.Background()
	f.venue.SetPrice("BTC/USDT", d("100"))
	// the venue fills the whole order; the acknowledgement only shows part
	f.venue.reshape = func(o model.Order) model.Order {
		o.Status, o.FilledQty = model.StatusPartiallyFilled, d("0.4")
		return o
	}

	o, err := f.coord.PlaceOrder(ctx, market(model.SideBuy, "1"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusPartiallyFilled, o.Status)
	require.True(t, f.coord.IsActive(o.ID))
	pos, _ := f.coord.Ledger().Position("BTC/USDT")
	assertDec(t, "0.4", pos.Qty)

	require.NoError(t, f.coord.Reconcile(ctx))
	assert.False(t, f.coord.IsActive(o.ID))
	pos, _ = f.coord.Ledger().Position("BTC/USDT")
	assertDec(t, "1", pos.Qty)
	trades := f.coord.Ledger().Trades()
	require.Len(t, trades, 2)
	assertDec(t, "0.6", trades[1].Qty)
	assertDec(t, "100", trades[1].Price)
}

func TestPlaceOrder_UnknownPrice(t *testing.T) {
	f := newFixture(t, "10000")
	_, err := f.coord.PlaceOrder(context.Background(), market(model.SideBuy, "1"))
	assert.ErrorIs(t, err, ErrUnknownPrice)
	assert.Equal(t, 0, f.venue.createCount())
}

func TestPlaceOrder_InvalidRequests(t *testing.T) {
	f := newFixture(t, "10000")
	ctx := context.Background()

	cases := []model.OrderRequest{
		{Side: model.SideBuy, Type: model.OrderTypeMarket, Qty: d("1")},
		{Instrument: "X", Side: "HOLD", Type: model.OrderTypeMarket, Qty: d("1")},
		{Instrument: "X", Side: model.SideBuy, Type: "STOP", Qty: d("1")},
		{Instrument: "X", Side: model.SideBuy, Type: model.OrderTypeMarket, Qty: d("0")},
		{Instrument: "X", Side: model.SideBuy, Type: model.OrderTypeLimit, Qty: d("1")},
	}
	for i, req := range cases {
		_, err := f.coord.PlaceOrder(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidOrder, "case %d", i)
	}
}

func TestPlaceOrder_SubmissionFailurePropagates(t *testing.T) {
	f := newFixture(t, "10000")
	require.NoError(t, f.venue.Close())

	_, err := f.coord.PlaceOrder(context.Background(), limit(model.SideBuy, "1", "100"))
	assert.ErrorIs(t, err, exchange.ErrNotConnected)
	assert.Empty(t, f.coord.ActiveOrders())
}

func TestPlaceOrder_DrawdownRejectsAndAlerts(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()
	f.venue.SetPrice("BTC/USDT", d("100"))

	_, err := f.coord.PlaceOrder(ctx, market(model.SideBuy, "1"))
	require.NoError(t, err)

	// peak 1100 -> 1040 is a 5.45% drawdown against a 5% limit
	f.venue.SetPrice("BTC/USDT", d("40"))
	require.NoError(t, f.coord.RefreshValuation(ctx, []string{"BTC/USDT"}))
	assert.True(t, f.coord.Ledger().CurrentDrawdown().GreaterThan(d("0.05")))

	o, err := f.coord.PlaceOrder(ctx, market(model.SideBuy, "0.1"))
	require.NoError(t, err)
	assert.True(t, o.Rejected())
	assert.Contains(t, o.RejectReason, "drawdown")

	require.Eventually(t, func() bool {
		return len(f.alerts.titles()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPlaceOrder_LimitCrossingFillsAtOnce(t *testing.T) {
	f := newFixture(t, "10000")
	f.venue.SetPrice("BTC/USDT", d("99"))

	o, err := f.coord.PlaceOrder(context.Background(), limit(model.SideBuy, "1", "100"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusFilled, o.Status)
	assert.False(t, f.coord.IsActive(o.ID))

	pos, _ := f.coord.Ledger().Position("BTC/USDT")
	assertDec(t, "1", pos.Qty)
	assertDec(t, "100", pos.EntryPrice)
}

func TestReconcile_PartialFillsAtIncrementalPrice(t *testing.T) {
	f := newFixture(t, "10000")
	ctx := context.Background()
	f.venue.SetPrice("BTC/USDT", d("105"))

	o, err := f.coord.PlaceOrder(ctx, limit(model.SideBuy, "1", "100"))
	require.NoError(t, err)
	require.True(t, f.coord.IsActive(o.ID))

	require.NoError(t, f.venue.FillOrder(o.ID, d("0.4"), d("99")))
	require.NoError(t, f.coord.Reconcile(ctx))
	pos, _ := f.coord.Ledger().Position("BTC/USDT")
	assertDec(t, "0.4", pos.Qty)
	assertDec(t, "99", pos.EntryPrice)
	require.True(t, f.coord.IsActive(o.ID))
	assertDec(t, "0.4", f.coord.ActiveOrders()[0].AppliedQty)

	// nothing new: no double booking
	require.NoError(t, f.coord.Reconcile(ctx))
	assert.Len(t, f.coord.Ledger().Trades(), 1)

	require.NoError(t, f.venue.FillOrder(o.ID, d("0.6"), d("100")))
	require.NoError(t, f.coord.Reconcile(ctx))
	pos, _ = f.coord.Ledger().Position("BTC/USDT")
	assertDec(t, "1", pos.Qty)
	assertDec(t, "99.6", pos.EntryPrice)
	assert.False(t, f.coord.IsActive(o.ID), "filled order leaves the table")

	trades := f.coord.Ledger().Trades()
	require.Len(t, trades, 2)
	assertDec(t, "100", trades[1].Price)
	assert.Len(t, f.drain(), 2)
	assert.False(t, f.coord.LastReconcile().IsZero())
}

func TestReconcile_OneFailureDoesNotAbortOthers(t *testing.T) {
	f := newFixture(t, "10000")
	ctx := context.Background()
	f.venue.SetPrice("BTC/USDT", d("105"))

	a, err := f.coord.PlaceOrder(ctx, limit(model.SideBuy, "1", "100"))
	require.NoError(t, err)
	b, err := f.coord.PlaceOrder(ctx, limit(model.SideBuy, "1", "101"))
	require.NoError(t, err)

	f.venue.failFetch(a.ID, errors.New("timeout"))
	require.NoError(t, f.venue.FillOrder(b.ID, d("1"), d("101")))

	err = f.coord.Reconcile(ctx)
	assert.ErrorContains(t, err, "timeout")
	assert.True(t, f.coord.IsActive(a.ID), "failed fetch keeps the entry")
	assert.False(t, f.coord.IsActive(b.ID))
	pos, _ := f.coord.Ledger().Position("BTC/USDT")
	assertDec(t, "1", pos.Qty)
}

func TestReconcile_NotFoundDropsStaleEntry(t *testing.T) {
	f := newFixture(t, "10000")
	ctx := context.Background()
	f.venue.SetPrice("BTC/USDT", d("105"))

	o, err := f.coord.PlaceOrder(ctx, limit(model.SideBuy, "1", "100"))
	require.NoError(t, err)
	f.venue.failFetch(o.ID, fmt.Errorf("venue: %w", exchange.ErrOrderNotFound))

	require.NoError(t, f.coord.Reconcile(ctx))
	assert.Empty(t, f.coord.ActiveOrders())
	require.Eventually(t, func() bool {
		return len(f.alerts.titles()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "stale order dropped", f.alerts.titles()[0])
}

func TestCancelOrder_BooksLastFillAndRemoves(t *testing.T) {
	f := newFixture(t, "10000")
	ctx := context.Background()
	f.venue.SetPrice("BTC/USDT", d("105"))

	o, err := f.coord.PlaceOrder(ctx, limit(model.SideBuy, "1", "100"))
	require.NoError(t, err)
	require.NoError(t, f.venue.FillOrder(o.ID, d("0.3"), d("100")))

	require.NoError(t, f.coord.CancelOrder(ctx, o.ID, "BTC/USDT"))
	assert.False(t, f.coord.IsActive(o.ID))
	pos, _ := f.coord.Ledger().Position("BTC/USDT")
	assertDec(t, "0.3", pos.Qty)
	assert.Contains(t, f.orders.statuses(), model.StatusCancelled)
}

func TestCancelOrder_VenueFailureSurfacedEntryRemoved(t *testing.T) {
	f := newFixture(t, "10000")
	ctx := context.Background()
	f.venue.SetPrice("BTC/USDT", d("105"))

	o, err := f.coord.PlaceOrder(ctx, limit(model.SideBuy, "1", "100"))
	require.NoError(t, err)

	boom := errors.New("rate limited")
	f.venue.cancelErr = boom
	err = f.coord.CancelOrder(ctx, o.ID, "BTC/USDT")
	assert.ErrorIs(t, err, boom)
	assert.False(t, f.coord.IsActive(o.ID))
}

func TestShutdown_CancelsEveryActiveOrder(t *testing.T) {
	f := newFixture(t, "10000")
	ctx := context.Background()
	f.venue.SetPrice("BTC/USDT", d("105"))

	for _, px := range []string{"100", "101", "102"} {
		_, err := f.coord.PlaceOrder(ctx, limit(model.SideBuy, "1", px))
		require.NoError(t, err)
	}
	f.venue.cancelErr = errors.New("flaky")

	err := f.coord.Shutdown(ctx)
	assert.Error(t, err)
	assert.Equal(t, 3, f.venue.cancels, "sweep continues past failures")
	assert.Empty(t, f.coord.ActiveOrders())

	_, err = f.venue.Exchange.FetchTickers(ctx, []string{"BTC/USDT"})
	assert.ErrorIs(t, err, exchange.ErrNotConnected, "venue closed")
}

func TestShutdown_RefusesLaterOrderCalls(t *testing.T) {
	f := newFixture(t, "10000")
	ctx := context.Background()
	f.venue.SetPrice("BTC/USDT", d("105"))

	o, err := f.coord.PlaceOrder(ctx, limit(model.SideBuy, "1", "100"))
	require.NoError(t, err)
	require.NoError(t, f.coord.Shutdown(ctx))
	creates := f.venue.createCount()

	_, err = f.coord.PlaceOrder(ctx, market(model.SideBuy, "0.1"))
	assert.ErrorIs(t, err, ErrShutdown)
	assert.ErrorIs(t, f.coord.CancelOrder(ctx, o.ID, "BTC/USDT"), ErrShutdown)
	assert.Equal(t, creates, f.venue.createCount(), "venue not contacted")
	assert.NoError(t, f.coord.Shutdown(ctx), "second shutdown is a no-op")
}

func TestShutdown_WaitsForOrderInFlight(t *testing.T) {
	f := newFixture(t, "10000")
	ctx := context.Background()
	f.venue.SetPrice("BTC/USDT", d("105"))

	entered := make(chan struct{})
	release := make(chan struct{})
	f.venue.reshape = func(o model.Order) model.Order {
		close(entered)
		<-release
		return o
	}

	placed := make(chan string, 1)
	go func() {
		o, err := f.coord.PlaceOrder(ctx, limit(model.SideBuy, "1", "100"))
		if err == nil {
			placed <- o.ID
		}
		close(placed)
	}()
	<-entered

	shut := make(chan error, 1)
	go func() { shut <- f.coord.Shutdown(ctx) }()
	select {
	case <-shut:
		t.Fatal("Shutdown returned while an order was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-shut)
	id, ok := <-placed
	require.True(t, ok)
	assert.False(t, f.coord.IsActive(id), "order placed during shutdown is swept")
	orders := f.venue.Exchange.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, model.StatusCancelled, orders[0].Status)
}

func TestCoordinator_ConcurrentPlaceReconcileCancelBookEachFillOnce(t *testing.T) {
	f := newFixture(t, "1000000")
	f.venue.SetPrice("BTC/USDT", d("100"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		f.coord.Run(ctx)
		close(runDone)
	}()

	const n = 40
	var (
		mu  sync.Mutex
		ids []string
		wg  sync.WaitGroup
	)
	placing := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(placing)
		for i := 0; i < n; i++ {
			o, err := f.coord.PlaceOrder(ctx, limit(model.SideBuy, "1", "90"))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids = append(ids, o.ID)
			mu.Unlock()
		}
	}()

	snapshot := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), ids...)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for round := 0; ; round++ {
			for _, id := range snapshot() {
				_ = f.venue.FillOrder(id, d("0.25"), d("90"))
			}
			select {
			case <-placing:
				if round > n {
					return
				}
			default:
			}
			time.Sleep(time.Millisecond)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		cancelled := map[string]bool{}
		for {
			for i, id := range snapshot() {
				if i%3 == 0 && !cancelled[id] {
					cancelled[id] = true
					_ = f.coord.CancelOrder(ctx, id, "BTC/USDT")
				}
			}
			select {
			case <-placing:
				if len(cancelled) >= (n+2)/3 {
					return
				}
			default:
			}
			time.Sleep(time.Millisecond)
		}
	}()

	wg.Wait()
	cancel()
	<-runDone
	for _, ao := range f.coord.ActiveOrders() {
		_ = f.coord.CancelOrder(context.Background(), ao.ID, ao.Instrument)
	}
	require.NoError(t, f.coord.Reconcile(context.Background()))
	require.Empty(t, f.coord.ActiveOrders())

	booked := map[string]decimal.Decimal{}
	for _, tr := range f.coord.Ledger().Trades() {
		require.True(t, tr.Qty.IsPositive())
		booked[tr.OrderID] = booked[tr.OrderID].Add(tr.Qty)
	}

	total := decimal.Zero
	venueOrders := f.venue.Exchange.Orders()
	require.Len(t, venueOrders, n)
	for _, o := range venueOrders {
		assertDec(t, o.FilledQty.String(), booked[o.ID], o.ID)
		total = total.Add(o.FilledQty)
	}
	assert.True(t, total.IsPositive())
	pos, ok := f.coord.Ledger().Position("BTC/USDT")
	require.True(t, ok)
	assertDec(t, total.String(), pos.Qty)
}

func TestRun_ReconcilesUntilStopped(t *testing.T) {
	f := newFixture(t, "10000")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.venue.SetPrice("BTC/USDT", d("105"))

	o, err := f.coord.PlaceOrder(ctx, limit(model.SideBuy, "1", "100"))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		f.coord.Run(ctx)
		close(done)
	}()

	f.venue.SetPrice("BTC/USDT", d("100"))
	require.Eventually(t, func() bool { return !f.coord.IsActive(o.ID) }, 2*time.Second, 5*time.Millisecond)

	f.coord.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestRefreshValuation_ReturnsAndCaps(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()

	for _, px := range []string{"100", "110", "99", "105"} {
		f.venue.SetPrice("BTC/USDT", d(px))
		require.NoError(t, f.coord.RefreshValuation(ctx, []string{"BTC/USDT"}))
	}

	rets := f.coord.InstrumentReturns()["BTC/USDT"]
	require.Len(t, rets, 3)
	assert.InDelta(t, 0.1, rets[0], 1e-12)
	assert.True(t, f.coord.Volatility("BTC/USDT").IsPositive())

	cap, ok := f.coord.Gate().Cap("BTC/USDT")
	require.True(t, ok)
	assert.True(t, cap.LessThanOrEqual(d("0.1")))
	assert.False(t, f.coord.LastValuation().IsZero())
	px, _ := f.coord.Price("BTC/USDT")
	assertDec(t, "105", px)
}

func TestRunValuation_StopsOnCancel(t *testing.T) {
	f := newFixture(t, "1000")
	f.venue.SetPrice("BTC/USDT", d("100"))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.coord.RunValuation(ctx, []string{"BTC/USDT"})
		close(done)
	}()
	require.Eventually(t, func() bool { return !f.coord.LastValuation().IsZero() }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunValuation did not return after cancel")
	}
}

func TestPortfolioRisk_OverOpenPositions(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()

	_, err := f.coord.PortfolioRisk(0.95)
	assert.ErrorIs(t, err, risk.ErrNoExposure)

	f.venue.SetPrice("BTC/USDT", d("100"))
	o, err := f.coord.PlaceOrder(ctx, market(model.SideBuy, "0.5"))
	require.NoError(t, err)
	require.False(t, o.Rejected())

	for _, px := range []string{"100", "110", "99"} {
		f.venue.SetPrice("BTC/USDT", d(px))
		require.NoError(t, f.coord.RefreshValuation(ctx, []string{"BTC/USDT"}))
	}

	pr, err := f.coord.PortfolioRisk(0.95)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC/USDT"}, pr.Instruments)
	assert.GreaterOrEqual(t, pr.VaR, 0.0)
	assert.Positive(t, pr.Samples)
	assert.NotEmpty(t, pr.Stress)
}
