// Package paper is an in-memory exchange that simulates order execution
// without a real venue. It backs staging mode and the test suites.
//
// Market orders fill immediately at the touch (or last price) with simulated
// slippage. Limit orders rest until the price crosses them.
package paper

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"

	"trading-corev1/internal/exchange"
	"trading-corev1/internal/model"
)

var bpsDivisor = decimal.NewFromInt(10000)

// Config configures a paper venue.
type Config struct {
	Name        string
	NodeID      int64 // snowflake node id, 0-1023
	SlippageBps int64 // basis points of slippage on market fills (e.g., 5 = 0.05%)
	Balances    map[string]decimal.Decimal
}

// Exchange simulates one venue.
type Exchange struct {
	name        string
	slippageBps decimal.Decimal
	node        *snowflake.Node

	mu        sync.RWMutex
	connected bool
	orders    map[string]*model.Order
	books     map[string]model.OrderBook
	prices    map[string]decimal.Decimal
	candles   map[string][]model.Candle
	balances  map[string]decimal.Decimal

	now func() time.Time
}

var _ exchange.Exchange = (*Exchange)(nil)

// New creates a paper venue.
func New(cfg Config) (*Exchange, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("paper: snowflake node: %w", err)
	}
	name := cfg.Name
	if name == "" {
		name = "paper"
	}
	balances := make(map[string]decimal.Decimal, len(cfg.Balances))
	for k, v := range cfg.Balances {
		balances[k] = v
	}
	return &Exchange{
		name:        name,
		slippageBps: decimal.NewFromInt(cfg.SlippageBps),
		node:        node,
		orders:      make(map[string]*model.Order),
		books:       make(map[string]model.OrderBook),
		prices:      make(map[string]decimal.Decimal),
		candles:     make(map[string][]model.Candle),
		balances:    balances,
		now:         time.Now,
	}, nil
}

func (p *Exchange) Name() string { return p.name }

func (p *Exchange) Initialize(ctx context.Context) error {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	log.Printf("[paper] %s initialized (slippage=%sbps)", p.name, p.slippageBps)
	return nil
}

func (p *Exchange) Close() error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}

// SetBook replaces the order book for an instrument. The last price moves to
// the book mid and resting limit orders are matched against it.
func (p *Exchange) SetBook(b model.OrderBook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b.TS.IsZero() {
		b.TS = p.now()
	}
	p.books[b.Instrument] = b
	if mid, ok := b.Mid(); ok {
		p.prices[b.Instrument] = mid
		p.matchLocked(b.Instrument, mid)
	}
}

// SetPrice sets the last traded price and matches resting limit orders.
func (p *Exchange) SetPrice(instrument string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[instrument] = price
	p.matchLocked(instrument, price)
}

// AddCandles appends history served by OHLCV.
func (p *Exchange) AddCandles(instrument string, cs ...model.Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range cs {
		cs[i].Instrument = instrument
	}
	p.candles[instrument] = append(p.candles[instrument], cs...)
}

// FillOrder fills qty of a resting order at price. It simulates partial fills.
func (p *Exchange) FillOrder(id string, qty, price decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[id]
	if !ok {
		return exchange.ErrOrderNotFound
	}
	if o.Status.Terminal() {
		return fmt.Errorf("paper: order %s is %s", id, o.Status)
	}
	p.fillLocked(o, decimal.Min(qty, o.RemainingQty()), price)
	return nil
}

func (p *Exchange) OrderBook(ctx context.Context, instrument string, depth int) (model.OrderBook, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.connected {
		return model.OrderBook{}, exchange.ErrNotConnected
	}
	b, ok := p.books[instrument]
	if !ok {
		return model.OrderBook{Instrument: instrument, TS: p.now()}, nil
	}
	out := model.OrderBook{Instrument: instrument, TS: b.TS}
	out.Bids = truncate(b.Bids, depth)
	out.Asks = truncate(b.Asks, depth)
	return out, nil
}

func truncate(levels []model.Level, depth int) []model.Level {
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	cp := make([]model.Level, len(levels))
	copy(cp, levels)
	return cp
}

func (p *Exchange) CreateOrder(ctx context.Context, req model.OrderRequest) (model.Order, error) {
	if !req.Qty.IsPositive() {
		return model.Order{}, fmt.Errorf("paper: invalid qty %s", req.Qty)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return model.Order{}, exchange.ErrNotConnected
	}

	now := p.now()
	o := &model.Order{
		ID:         p.node.Generate().String(),
		Venue:      p.name,
		Instrument: req.Instrument,
		Side:       req.Side,
		Type:       req.Type,
		Qty:        req.Qty,
		Price:      req.Price,
		Status:     model.StatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	switch req.Type {
	case model.OrderTypeMarket:
		px, ok := p.touchLocked(req.Instrument, req.Side)
		if !ok {
			px = req.Price
		}
		if !px.IsPositive() {
			return model.Order{}, fmt.Errorf("paper: market %s %s: %w", req.Side, req.Instrument, exchange.ErrNoPrice)
		}
		slip := px.Mul(p.slippageBps).Div(bpsDivisor)
		if req.Side == model.SideBuy {
			px = px.Add(slip) // buy higher
		} else {
			px = px.Sub(slip) // sell lower
		}
		p.fillLocked(o, req.Qty, px)

	case model.OrderTypeLimit:
		if !req.HasPrice() {
			return model.Order{}, fmt.Errorf("paper: limit order without price")
		}
		if last, ok := p.prices[req.Instrument]; ok && crosses(o, last) {
			p.fillLocked(o, req.Qty, req.Price)
		}

	default:
		return model.Order{}, fmt.Errorf("paper: unsupported order type %q", req.Type)
	}

	p.orders[o.ID] = o
	log.Printf("[paper] %s %s %s %s qty=%s price=%s status=%s order=%s",
		p.name, o.Type, o.Side, o.Instrument, o.Qty, o.Price, o.Status, o.ID)
	return *o, nil
}

func (p *Exchange) CancelOrder(ctx context.Context, id, instrument string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return exchange.ErrNotConnected
	}
	o, ok := p.orders[id]
	if !ok {
		return fmt.Errorf("paper: cancel %s: %w", id, exchange.ErrOrderNotFound)
	}
	if o.Status.Terminal() {
		return fmt.Errorf("paper: cancel %s: order is %s", id, o.Status)
	}
	o.Status = model.StatusCancelled
	o.UpdatedAt = p.now()
	return nil
}

func (p *Exchange) FetchOrder(ctx context.Context, id, instrument string) (model.Order, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.connected {
		return model.Order{}, exchange.ErrNotConnected
	}
	o, ok := p.orders[id]
	if !ok {
		return model.Order{}, fmt.Errorf("paper: fetch %s: %w", id, exchange.ErrOrderNotFound)
	}
	return *o, nil
}

func (p *Exchange) Balance(ctx context.Context) (map[string]decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.connected {
		return nil, exchange.ErrNotConnected
	}
	out := make(map[string]decimal.Decimal, len(p.balances))
	for k, v := range p.balances {
		if v.IsPositive() {
			out[k] = v
		}
	}
	return out, nil
}

func (p *Exchange) OHLCV(ctx context.Context, instrument, timeframe string, limit int) ([]model.Candle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.connected {
		return nil, exchange.ErrNotConnected
	}
	cs := p.candles[instrument]
	if limit > 0 && len(cs) > limit {
		cs = cs[len(cs)-limit:]
	}
	out := make([]model.Candle, len(cs))
	copy(out, cs)
	return out, nil
}

func (p *Exchange) FetchTickers(ctx context.Context, instruments []string) (map[string]decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.connected {
		return nil, exchange.ErrNotConnected
	}
	out := make(map[string]decimal.Decimal, len(instruments))
	for _, inst := range instruments {
		if px, ok := p.prices[inst]; ok {
			out[inst] = px
		}
	}
	return out, nil
}

// Orders returns every order the venue has seen, oldest first.
func (p *Exchange) Orders() []model.Order {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]model.Order, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// touchLocked returns the price a market order on side would take.
func (p *Exchange) touchLocked(instrument string, side model.Side) (decimal.Decimal, bool) {
	if b, ok := p.books[instrument]; ok {
		if side == model.SideBuy {
			if lvl, ok := b.BestAsk(); ok {
				return lvl.Price, true
			}
		} else if lvl, ok := b.BestBid(); ok {
			return lvl.Price, true
		}
	}
	px, ok := p.prices[instrument]
	return px, ok
}

func crosses(o *model.Order, last decimal.Decimal) bool {
	if o.Side == model.SideBuy {
		return last.LessThanOrEqual(o.Price)
	}
	return last.GreaterThanOrEqual(o.Price)
}

// matchLocked fills resting limit orders the new price crosses, at their limit.
func (p *Exchange) matchLocked(instrument string, last decimal.Decimal) {
	for _, o := range p.orders {
		if o.Instrument != instrument || o.Type != model.OrderTypeLimit || o.Status.Terminal() {
			continue
		}
		if crosses(o, last) {
			p.fillLocked(o, o.RemainingQty(), o.Price)
		}
	}
}

func (p *Exchange) fillLocked(o *model.Order, qty, price decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	cost := o.AvgPrice.Mul(o.FilledQty).Add(price.Mul(qty))
	o.FilledQty = o.FilledQty.Add(qty)
	o.AvgPrice = cost.Div(o.FilledQty)
	if o.FilledQty.GreaterThanOrEqual(o.Qty) {
		o.Status = model.StatusFilled
	} else {
		o.Status = model.StatusPartiallyFilled
	}
	o.UpdatedAt = p.now()
}
