package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trading-corev1/internal/backoff"
	"trading-corev1/internal/model"
)

// GridConfig describes an evenly spaced ladder of limit orders.
type GridConfig struct {
	Instrument string
	Lower      decimal.Decimal
	Upper      decimal.Decimal
	Levels     int
	Qty        decimal.Decimal
	Interval   time.Duration // refresh period, default 10s
	MaxBackoff time.Duration
}

// Grid keeps one working limit order per price level: buys below the
// current price, sells above it. A level is re-armed once its order leaves
// the active-order table.
type Grid struct {
	placer Placer
	cfg    GridConfig
	levels []decimal.Decimal

	mu      sync.Mutex
	working map[string]string // level -> order id

	stop     chan struct{}
	stopOnce sync.Once
}

// NewGrid validates cfg and computes the levels.
func NewGrid(p Placer, cfg GridConfig) (*Grid, error) {
	if cfg.Levels < 2 || !cfg.Lower.IsPositive() || !cfg.Upper.GreaterThan(cfg.Lower) || !cfg.Qty.IsPositive() {
		return nil, fmt.Errorf("%w: grid needs 0 < lower < upper, levels >= 2 and qty > 0", ErrInvalidParams)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.MaxBackoff < cfg.Interval {
		cfg.MaxBackoff = 6 * cfg.Interval
	}
	step := cfg.Upper.Sub(cfg.Lower).Div(decimal.NewFromInt(int64(cfg.Levels - 1)))
	levels := make([]decimal.Decimal, cfg.Levels)
	for i := range levels {
		levels[i] = cfg.Lower.Add(step.Mul(decimal.NewFromInt(int64(i))))
	}
	levels[len(levels)-1] = cfg.Upper
	return &Grid{
		placer:  p,
		cfg:     cfg,
		levels:  levels,
		working: make(map[string]string),
		stop:    make(chan struct{}),
	}, nil
}

// Levels returns the grid prices, lowest first.
func (g *Grid) Levels() []decimal.Decimal {
	return append([]decimal.Decimal(nil), g.levels...)
}

// Signals returns the orders that should be working at price for the
// levels that currently have none. A level equal to price is left idle.
func (g *Grid) Signals(price decimal.Decimal) []model.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []model.OrderRequest
	for _, lvl := range g.levels {
		if _, ok := g.working[lvl.String()]; ok {
			continue
		}
		var side model.Side
		switch lvl.Cmp(price) {
		case -1:
			side = model.SideBuy
		case 1:
			side = model.SideSell
		default:
			continue
		}
		out = append(out, model.OrderRequest{
			Instrument: g.cfg.Instrument,
			Side:       side,
			Type:       model.OrderTypeLimit,
			Qty:        g.cfg.Qty,
			Price:      lvl,
		})
	}
	return out
}

// Step frees levels whose order has settled and places the missing ones.
// It returns how many orders were placed.
func (g *Grid) Step(ctx context.Context, price decimal.Decimal) (int, error) {
	g.mu.Lock()
	for lvl, id := range g.working {
		if !g.placer.IsActive(id) {
			delete(g.working, lvl)
		}
	}
	g.mu.Unlock()

	var (
		placed int
		errs   []error
	)
	for _, req := range g.Signals(price) {
		o, err := g.placer.PlaceOrder(ctx, req)
		if err != nil {
			errs = append(errs, fmt.Errorf("grid %s@%s: %w", req.Side, req.Price, err))
			continue
		}
		if o.Rejected() {
			slog.Warn("grid order rejected", "venue", g.placer.Venue(), "instrument", req.Instrument,
				"side", req.Side, "price", req.Price.String(), "reason", o.RejectReason)
			continue
		}
		placed++
		if !o.Status.Terminal() {
			g.mu.Lock()
			g.working[req.Price.String()] = o.ID
			g.mu.Unlock()
		}
	}
	return placed, errors.Join(errs...)
}

// Working returns level -> order id for the resting grid orders.
func (g *Grid) Working() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]string, len(g.working))
	for k, v := range g.working {
		out[k] = v
	}
	return out
}

// CancelAll pulls every working grid order.
func (g *Grid) CancelAll(ctx context.Context) error {
	g.mu.Lock()
	ids := make([]string, 0, len(g.working))
	for _, id := range g.working {
		ids = append(ids, id)
	}
	g.working = make(map[string]string)
	g.mu.Unlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if !g.placer.IsActive(id) {
			continue
		}
		if err := g.placer.CancelOrder(ctx, id, g.cfg.Instrument); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run refreshes the grid at the book mid every Interval until ctx is done
// or Stop is called, then cancels the working orders.
func (g *Grid) Run(ctx context.Context) {
	bo := backoff.New(g.cfg.Interval, g.cfg.MaxBackoff)
	delay := time.Duration(0)
	slog.Info("grid started", "venue", g.placer.Venue(), "instrument", g.cfg.Instrument,
		"lower", g.cfg.Lower.String(), "upper", g.cfg.Upper.String(), "levels", len(g.levels))

	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := g.CancelAll(cctx); err != nil {
			slog.Warn("grid cancel failed", "venue", g.placer.Venue(), "error", err)
		}
		slog.Info("grid stopped", "venue", g.placer.Venue(), "instrument", g.cfg.Instrument)
	}()

	for {
		if !backoff.Sleep(ctx, g.stop, delay) {
			return
		}
		err := g.refresh(ctx)
		if err != nil {
			delay = bo.Next()
			slog.Warn("grid refresh failed", "venue", g.placer.Venue(), "instrument", g.cfg.Instrument,
				"retry_in", delay.String(), "error", err)
			continue
		}
		bo.Reset()
		delay = g.cfg.Interval
	}
}

func (g *Grid) refresh(ctx context.Context) error {
	book, err := g.placer.OrderBook(ctx, g.cfg.Instrument, 5)
	if err != nil {
		return err
	}
	mid, ok := book.Mid()
	if !ok {
		return ErrOneSidedBook
	}
	placed, err := g.Step(ctx, mid)
	if placed > 0 {
		slog.Info("grid orders placed", "venue", g.placer.Venue(), "instrument", g.cfg.Instrument,
			"placed", placed, "mid", mid.String())
	}
	return err
}

// Stop ends Run. Safe to call more than once.
func (g *Grid) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
}
