// Package execution owns the order path of one venue: it risk-gates proposed
// orders, submits them through the exchange capability, tracks resting orders
// and reconciles their fills into the position ledger.
//
// Lock order is Coordinator.mu then the ledger's mutex. Exchange I/O is never
// performed while holding either.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trading-corev1/internal/exchange"
	"trading-corev1/internal/metrics"
	"trading-corev1/internal/model"
	"trading-corev1/internal/notification"
	"trading-corev1/internal/portfolio"
	"trading-corev1/internal/ringbuf"
	"trading-corev1/internal/risk"
)

var (
	// ErrUnknownPrice is returned when no reference price can be found for
	// sizing an order.
	ErrUnknownPrice = errors.New("execution: no reference price")
	// ErrInvalidOrder is returned for malformed order requests.
	ErrInvalidOrder = errors.New("execution: invalid order")
	// ErrShutdown is returned for order calls made after Shutdown.
	ErrShutdown = errors.New("execution: coordinator shut down")
)

// Config tunes the background loops.
type Config struct {
	ReconcileInterval time.Duration
	ValuationInterval time.Duration
	MaxBackoff        time.Duration
	// RequestTimeout bounds every exchange call. Zero means no extra bound.
	RequestTimeout time.Duration
	// ReturnWindow is the number of valuation returns kept per series.
	ReturnWindow int
	// SeedAsset, when set, seeds an empty ledger from the venue balance of
	// this asset on Initialize.
	SeedAsset string
}

func (c Config) withDefaults() Config {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = time.Second
	}
	if c.ValuationInterval <= 0 {
		c.ValuationInterval = 10 * time.Second
	}
	if c.MaxBackoff < c.ReconcileInterval {
		c.MaxBackoff = 30 * c.ReconcileInterval
	}
	if c.ReturnWindow <= 1 {
		c.ReturnWindow = 256
	}
	return c
}

// RiskRecorder persists computed risk metrics.
type RiskRecorder interface {
	RecordRiskMetrics(ctx context.Context, venue string, m risk.RiskMetrics) error
}

// SnapshotRecorder publishes ledger snapshots after each valuation.
type SnapshotRecorder interface {
	RecordSnapshot(ctx context.Context, s portfolio.Snapshot) error
}

// Options are the optional collaborators of a Coordinator. Nil fields are
// skipped.
type Options struct {
	Events   chan<- model.TradeEvent
	Orders   model.OrderRecorder
	Risk     RiskRecorder
	Snaps    SnapshotRecorder
	Metrics  *metrics.Metrics
	Health   *metrics.HealthStatus
	Notifier notification.Notifier
}

// ActiveOrder is a submitted, non-market order awaiting reconciliation.
// AppliedQty/AppliedCost are the watermark of fills already booked.
type ActiveOrder struct {
	ID          string            `json:"id"`
	Instrument  string            `json:"instrument"`
	Side        model.Side        `json:"side"`
	Type        model.OrderType   `json:"type"`
	Qty         decimal.Decimal   `json:"qty"`
	Price       decimal.Decimal   `json:"price"`
	Status      model.OrderStatus `json:"status"`
	FilledQty   decimal.Decimal   `json:"filled_qty"`
	AppliedQty  decimal.Decimal   `json:"applied_qty"`
	AppliedCost decimal.Decimal   `json:"applied_cost"`
	SubmittedAt time.Time         `json:"submitted_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Coordinator exclusively owns one ledger and one active-order table.
type Coordinator struct {
	venue  string
	ex     exchange.Exchange
	ledger *portfolio.Ledger
	gate   *risk.Gate
	calc   *risk.Calculator
	cfg    Config
	opts   Options

	mu            sync.Mutex
	active        map[string]*ActiveOrder
	prices        map[string]decimal.Decimal
	returns       map[string]*ringbuf.Window // per-instrument price returns
	portfolioRets *ringbuf.Window
	lastValue     decimal.Decimal
	lastReconcile time.Time
	lastValuation time.Time
	closed        bool

	// inflight counts PlaceOrder and CancelOrder calls Shutdown must wait
	// for. Add happens under mu and only while !closed.
	inflight sync.WaitGroup

	stop     chan struct{}
	stopOnce sync.Once

	now func() time.Time
}

// New creates a coordinator for ex. The ledger, gate and calculator are owned
// by the caller's wiring but only this coordinator mutates the ledger.
func New(ex exchange.Exchange, ledger *portfolio.Ledger, gate *risk.Gate, calc *risk.Calculator, cfg Config, opts Options) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		venue:         ex.Name(),
		ex:            ex,
		ledger:        ledger,
		gate:          gate,
		calc:          calc,
		cfg:           cfg,
		opts:          opts,
		active:        make(map[string]*ActiveOrder),
		prices:        make(map[string]decimal.Decimal),
		returns:       make(map[string]*ringbuf.Window),
		portfolioRets: ringbuf.New(cfg.ReturnWindow),
		stop:          make(chan struct{}),
		now:           time.Now,
	}
}

func (c *Coordinator) Venue() string                { return c.venue }
func (c *Coordinator) Exchange() exchange.Exchange  { return c.ex }
func (c *Coordinator) Ledger() *portfolio.Ledger    { return c.ledger }
func (c *Coordinator) Gate() *risk.Gate             { return c.gate }
func (c *Coordinator) Calculator() *risk.Calculator { return c.calc }

// Initialize connects to the venue and optionally seeds the ledger balance.
func (c *Coordinator) Initialize(ctx context.Context) error {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	if err := c.ex.Initialize(cctx); err != nil {
		c.opts.Health.SetVenueConnected(c.venue, false)
		return fmt.Errorf("execution: initialize %s: %w", c.venue, err)
	}
	c.opts.Health.SetVenueConnected(c.venue, true)

	if c.cfg.SeedAsset != "" && c.ledger.Balance().IsZero() {
		bal, err := c.ex.Balance(cctx)
		if err != nil {
			slog.Warn("balance seed failed", "venue", c.venue, "error", err)
		} else if amt, ok := bal[c.cfg.SeedAsset]; ok && c.ledger.Seed(amt) {
			slog.Info("ledger seeded from venue balance", "venue", c.venue, "asset", c.cfg.SeedAsset, "balance", amt.String())
		}
	}
	slog.Info("coordinator initialized", "venue", c.venue, "balance", c.ledger.Balance().String())
	return nil
}

// Stop signals Run and RunValuation to return. Safe to call more than once.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Shutdown stops the loops, refuses new order calls, waits for the ones in
// flight (bounded by ctx), cancels every active order best-effort and closes
// the venue connection. Individual cancellation failures are logged and
// returned joined; they never stop the sweep. Later calls are no-ops.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.Stop()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if !waitGroup(ctx, &c.inflight) {
		slog.Warn("order calls still in flight at shutdown", "venue", c.venue, "error", ctx.Err())
	}

	var errs []error
	for _, ao := range c.ActiveOrders() {
		if err := c.cancelOrder(ctx, ao.ID, ao.Instrument); err != nil {
			slog.Warn("shutdown cancel failed", "venue", c.venue, "order_id", ao.ID, "error", err)
			errs = append(errs, err)
		}
	}
	if err := c.ex.Close(); err != nil {
		errs = append(errs, fmt.Errorf("execution: close %s: %w", c.venue, err))
	}
	c.opts.Health.SetVenueConnected(c.venue, false)
	slog.Info("coordinator shut down", "venue", c.venue, "cancel_errors", len(errs))
	return errors.Join(errs...)
}

// enter registers an order call, or fails once Shutdown has begun.
func (c *Coordinator) enter() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: %s", ErrShutdown, c.venue)
	}
	c.inflight.Add(1)
	return nil
}

// waitGroup waits for wg or ctx, whichever is first, and reports whether wg
// finished.
func waitGroup(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// PlaceOrder risk-gates req and submits it. A risk rejection is not an
// error: the returned order has StatusRejected and a reason, and the venue is
// never contacted. Submission failures are returned wrapped.
//
// Market orders are booked on the ledger immediately for what the venue
// reports filled, at its average price or at the reference price (flagged
// FillAssumed) when it reports none. A market order the venue still works
// and every other order enter the active-order table.
//
// After Shutdown, PlaceOrder returns ErrShutdown.
func (c *Coordinator) PlaceOrder(ctx context.Context, req model.OrderRequest) (*model.Order, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if err := c.enter(); err != nil {
		return nil, err
	}
	defer c.inflight.Done()

	ref, err := c.referencePrice(ctx, req)
	if err != nil {
		c.opts.Metrics.ObserveOrder(c.venue, string(req.Type), "error")
		return nil, err
	}

	if dec := c.check(req, ref); !dec.Allowed {
		return c.reject(ctx, req, dec), nil
	}

	cctx, cancel := c.callCtx(ctx)
	start := time.Now()
	o, err := c.ex.CreateOrder(cctx, req)
	cancel()
	c.opts.Metrics.ObserveExchange(c.venue, "create_order", start)
	if err != nil {
		c.opts.Metrics.ObserveOrder(c.venue, string(req.Type), "error")
		slog.Error("order submission failed", "venue", c.venue, "instrument", req.Instrument,
			"side", req.Side, "type", req.Type, "qty", req.Qty.String(), "error", err)
		return nil, fmt.Errorf("execution: create order on %s: %w", c.venue, err)
	}
	o.Venue = c.venue
	c.opts.Metrics.ObserveOrder(c.venue, string(req.Type), "submitted")

	var trades []portfolio.Trade
	if req.Type == model.OrderTypeMarket {
		trades = c.bookMarket(&o, req, ref)
	} else {
		trades = c.track(o, req, req.Price)
	}

	slog.Info("order placed", "venue", c.venue, "order_id", o.ID, "instrument", o.Instrument,
		"side", o.Side, "type", o.Type, "qty", o.Qty.String(), "status", o.Status)
	c.emit(trades...)
	c.record(ctx, o)
	return &o, nil
}

func validate(req model.OrderRequest) error {
	switch {
	case req.Instrument == "":
		return fmt.Errorf("%w: empty instrument", ErrInvalidOrder)
	case req.Side != model.SideBuy && req.Side != model.SideSell:
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, req.Side)
	case req.Type != model.OrderTypeMarket && req.Type != model.OrderTypeLimit:
		return fmt.Errorf("%w: type %q", ErrInvalidOrder, req.Type)
	case !req.Qty.IsPositive():
		return fmt.Errorf("%w: qty %s", ErrInvalidOrder, req.Qty)
	case req.Type == model.OrderTypeLimit && !req.HasPrice():
		return fmt.Errorf("%w: limit order without price", ErrInvalidOrder)
	case req.Price.IsNegative():
		return fmt.Errorf("%w: price %s", ErrInvalidOrder, req.Price)
	}
	return nil
}

// referencePrice is the limit price, the latest known price or a freshly
// fetched ticker, in that order.
func (c *Coordinator) referencePrice(ctx context.Context, req model.OrderRequest) (decimal.Decimal, error) {
	if req.HasPrice() {
		return req.Price, nil
	}
	if px, ok := c.Price(req.Instrument); ok {
		return px, nil
	}

	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	start := time.Now()
	tickers, err := c.ex.FetchTickers(cctx, []string{req.Instrument})
	c.opts.Metrics.ObserveExchange(c.venue, "fetch_tickers", start)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w for %s on %s: %w", ErrUnknownPrice, req.Instrument, c.venue, err)
	}
	px, ok := tickers[req.Instrument]
	if !ok || !px.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w for %s on %s", ErrUnknownPrice, req.Instrument, c.venue)
	}
	c.mu.Lock()
	c.prices[req.Instrument] = px
	c.mu.Unlock()
	return px, nil
}

// check converts the order to a fraction of portfolio value and asks the
// gate. A cap is computed on first use of an instrument.
func (c *Coordinator) check(req model.OrderRequest, ref decimal.Decimal) risk.Decision {
	total := c.ledger.TotalValue()
	if !total.IsPositive() {
		return risk.Decision{Check: risk.CheckPositionSize, Reason: "portfolio value is not positive"}
	}
	if _, ok := c.gate.Cap(req.Instrument); !ok {
		c.gate.CalculatePositionSize(req.Instrument, ref, c.Volatility(req.Instrument), total)
	}
	fraction := req.Qty.Mul(ref).Div(total)
	return c.gate.CheckRiskLimits(req.Instrument, fraction, c.ledger.CurrentDrawdown())
}

func (c *Coordinator) reject(ctx context.Context, req model.OrderRequest, dec risk.Decision) *model.Order {
	now := c.now()
	o := model.Order{
		Venue:        c.venue,
		Instrument:   req.Instrument,
		Side:         req.Side,
		Type:         req.Type,
		Qty:          req.Qty,
		Price:        req.Price,
		Status:       model.StatusRejected,
		RejectReason: dec.Reason,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	c.opts.Metrics.ObserveOrder(c.venue, string(req.Type), "rejected")
	c.opts.Metrics.ObserveRejection(c.venue, dec.Check)
	if dec.Check == risk.CheckDrawdown {
		c.alert(notification.AlertWarning, "order rejected: drawdown limit", dec.Reason, map[string]string{
			"venue": c.venue, "instrument": req.Instrument,
		})
	}
	c.record(ctx, o)
	return &o
}

// bookMarket books what a market order filled. A venue that reports FILLED
// (or no status) without quantities is taken to have filled the whole
// request. A closed order books only its filled qty, nothing if none. An
// order the venue still works is tracked at ref so reconciliation books the
// rest.
func (c *Coordinator) bookMarket(o *model.Order, req model.OrderRequest, ref decimal.Decimal) []portfolio.Trade {
	if o.Status != "" && !o.Status.Terminal() {
		return c.track(*o, req, ref)
	}

	qty := o.FilledQty
	if !qty.IsPositive() {
		if o.Status != "" && o.Status != model.StatusFilled {
			slog.Warn("market order closed without fill", "venue", c.venue, "order_id", o.ID,
				"instrument", req.Instrument, "status", o.Status)
			return nil
		}
		qty = req.Qty
		o.FilledQty = qty
	}
	price, assumed := o.AvgPrice, false
	if !price.IsPositive() {
		price, assumed = ref, true
	}
	ts := o.UpdatedAt
	if ts.IsZero() {
		ts = c.now()
	}

	_, trade := c.ledger.ApplyFill(portfolio.Fill{
		OrderID:    o.ID,
		Instrument: req.Instrument,
		Side:       req.Side,
		Qty:        qty,
		Price:      price,
		TS:         ts,
		Assumed:    assumed,
	})
	c.opts.Metrics.ObserveFill(c.venue, assumed)

	if o.Status == "" {
		o.Status = model.StatusFilled
	}
	o.AvgPrice = price

	c.mu.Lock()
	c.prices[req.Instrument] = price
	c.mu.Unlock()
	return []portfolio.Trade{trade}
}

// track stores a working order and books whatever the venue already filled.
// price is used for fills the venue reports without an average price.
func (c *Coordinator) track(o model.Order, req model.OrderRequest, price decimal.Decimal) []portfolio.Trade {
	now := c.now()
	ao := &ActiveOrder{
		ID:          o.ID,
		Instrument:  req.Instrument,
		Side:        req.Side,
		Type:        req.Type,
		Qty:         req.Qty,
		Price:       price,
		Status:      model.StatusOpen,
		SubmittedAt: now,
		UpdatedAt:   now,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[o.ID] = ao
	trades := c.applyLocked(ao, o)
	if ao.Status.Terminal() {
		delete(c.active, o.ID)
	}
	return trades
}

// applyLocked books the filled quantity the venue reports beyond the entry's
// watermark, at the incremental average price, and advances the watermark.
// Caller holds c.mu.
func (c *Coordinator) applyLocked(ao *ActiveOrder, o model.Order) []portfolio.Trade {
	if o.Status != "" {
		ao.Status = o.Status
	}
	ao.FilledQty = o.FilledQty
	ao.UpdatedAt = c.now()

	delta := o.FilledQty.Sub(ao.AppliedQty)
	if !delta.IsPositive() {
		return nil
	}

	var price decimal.Decimal
	assumed := false
	if o.AvgPrice.IsPositive() {
		cost := o.AvgPrice.Mul(o.FilledQty)
		price = cost.Sub(ao.AppliedCost).Div(delta)
		if !price.IsPositive() {
			price = o.AvgPrice
		}
		ao.AppliedCost = cost
	} else {
		price, assumed = ao.Price, true
		ao.AppliedCost = ao.AppliedCost.Add(price.Mul(delta))
	}
	ao.AppliedQty = o.FilledQty

	ts := o.UpdatedAt
	if ts.IsZero() {
		ts = ao.UpdatedAt
	}
	_, trade := c.ledger.ApplyFill(portfolio.Fill{
		OrderID:    ao.ID,
		Instrument: ao.Instrument,
		Side:       ao.Side,
		Qty:        delta,
		Price:      price,
		TS:         ts,
		Assumed:    assumed,
	})
	c.prices[ao.Instrument] = price
	c.opts.Metrics.ObserveFill(c.venue, assumed)
	slog.Info("fill applied", "venue", c.venue, "order_id", ao.ID, "instrument", ao.Instrument,
		"side", ao.Side, "qty", delta.String(), "price", price.String(), "status", ao.Status)
	return []portfolio.Trade{trade}
}

// CancelOrder cancels id on the venue, books any last fill the venue reports
// and removes the entry from the active-order table whatever the outcome.
// The venue's cancellation error, if any, is returned. After Shutdown,
// CancelOrder returns ErrShutdown.
func (c *Coordinator) CancelOrder(ctx context.Context, id, instrument string) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.inflight.Done()
	return c.cancelOrder(ctx, id, instrument)
}

func (c *Coordinator) cancelOrder(ctx context.Context, id, instrument string) error {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()

	start := time.Now()
	cerr := c.ex.CancelOrder(cctx, id, instrument)
	c.opts.Metrics.ObserveExchange(c.venue, "cancel_order", start)

	o, ferr := c.ex.FetchOrder(cctx, id, instrument)

	var trades []portfolio.Trade
	c.mu.Lock()
	if ao, ok := c.active[id]; ok {
		if ferr == nil {
			trades = c.applyLocked(ao, o)
		}
		delete(c.active, id)
	}
	c.mu.Unlock()
	c.emit(trades...)

	if ferr == nil {
		o.Venue = c.venue
		c.record(ctx, o)
	}
	if cerr != nil {
		slog.Warn("cancel failed", "venue", c.venue, "order_id", id, "instrument", instrument, "error", cerr)
		return fmt.Errorf("execution: cancel %s on %s: %w", id, c.venue, cerr)
	}
	slog.Info("order cancelled", "venue", c.venue, "order_id", id, "instrument", instrument)
	return nil
}

// FetchOrder returns the venue's view of id. It does not touch the ledger;
// fills are booked by reconciliation.
func (c *Coordinator) FetchOrder(ctx context.Context, id, instrument string) (model.Order, error) {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	start := time.Now()
	o, err := c.ex.FetchOrder(cctx, id, instrument)
	c.opts.Metrics.ObserveExchange(c.venue, "fetch_order", start)
	if err != nil {
		return model.Order{}, fmt.Errorf("execution: fetch %s on %s: %w", id, c.venue, err)
	}
	o.Venue = c.venue
	return o, nil
}

// OrderBook fetches the venue book.
func (c *Coordinator) OrderBook(ctx context.Context, instrument string, depth int) (model.OrderBook, error) {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	start := time.Now()
	b, err := c.ex.OrderBook(cctx, instrument, depth)
	c.opts.Metrics.ObserveExchange(c.venue, "order_book", start)
	if err != nil {
		return model.OrderBook{}, fmt.Errorf("execution: order book %s on %s: %w", instrument, c.venue, err)
	}
	return b, nil
}

// Candles fetches OHLCV history.
func (c *Coordinator) Candles(ctx context.Context, instrument, timeframe string, limit int) ([]model.Candle, error) {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	start := time.Now()
	cs, err := c.ex.OHLCV(cctx, instrument, timeframe, limit)
	c.opts.Metrics.ObserveExchange(c.venue, "ohlcv", start)
	if err != nil {
		return nil, fmt.Errorf("execution: candles %s on %s: %w", instrument, c.venue, err)
	}
	return cs, nil
}

// ActiveOrders returns a snapshot of the active-order table, oldest first.
func (c *Coordinator) ActiveOrders() []ActiveOrder {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ActiveOrder, 0, len(c.active))
	for _, ao := range c.active {
		out = append(out, *ao)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// IsActive reports whether id is still in the active-order table.
func (c *Coordinator) IsActive(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[id]
	return ok
}

// Price returns the latest known price for instrument.
func (c *Coordinator) Price(instrument string) (decimal.Decimal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	px, ok := c.prices[instrument]
	return px, ok && px.IsPositive()
}

// Volatility is the sample volatility of the instrument's valuation
// returns, zero until two returns are known.
func (c *Coordinator) Volatility(instrument string) decimal.Decimal {
	c.mu.Lock()
	w, ok := c.returns[instrument]
	c.mu.Unlock()
	if !ok {
		return decimal.Zero
	}
	return decimal.NewFromFloat(c.calc.Volatility(w.Values()))
}

func (c *Coordinator) LastReconcile() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReconcile
}

func (c *Coordinator) LastValuation() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastValuation
}

func (c *Coordinator) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.RequestTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

// emit publishes trades without blocking; a full channel drops the event.
func (c *Coordinator) emit(trades ...portfolio.Trade) {
	if c.opts.Events == nil {
		return
	}
	for _, t := range trades {
		ev := model.TradeEvent{
			Venue:         c.venue,
			OrderID:       t.OrderID,
			Instrument:    t.Instrument,
			Side:          t.Side,
			Qty:           t.Qty,
			Price:         t.Price,
			RealizedPnL:   t.RealizedPnL,
			PortfolioVal:  t.PortfolioValue,
			FillAssumed:   t.FillAssumed,
			PositionClose: t.PositionClosed,
			TS:            t.TS,
		}
		select {
		case c.opts.Events <- ev:
		default:
			c.opts.Metrics.ObserveFanoutDrop("coordinator:" + c.venue)
			slog.Warn("trade event dropped", "venue", c.venue, "order_id", t.OrderID)
		}
	}
}

func (c *Coordinator) record(ctx context.Context, o model.Order) {
	if c.opts.Orders == nil {
		return
	}
	if err := c.opts.Orders.RecordOrder(ctx, o); err != nil {
		c.opts.Metrics.ObserveSinkError("orders")
		slog.Warn("order record failed", "venue", c.venue, "order_id", o.ID, "error", err)
	}
}

// alert delivers asynchronously so a slow channel never holds the order path.
func (c *Coordinator) alert(level notification.AlertLevel, title, msg string, fields map[string]string) {
	if c.opts.Notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.opts.Notifier.Send(ctx, notification.Alert{Level: level, Title: title, Message: msg, Fields: fields}); err != nil {
			slog.Warn("alert delivery failed", "title", title, "error", err)
		}
	}()
}
