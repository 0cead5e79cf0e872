package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trading-corev1/internal/backoff"
	"trading-corev1/internal/metrics"
	"trading-corev1/internal/model"
)

// ErrOneSidedBook is returned when the book has no bid or no ask.
var ErrOneSidedBook = errors.New("strategy: order book is one-sided")

// MarketMakerConfig tunes the quoting loop.
type MarketMakerConfig struct {
	Spread     decimal.Decimal // fraction each side of mid, default 0.002
	Cadence    time.Duration   // requote period, default 5s
	MaxBackoff time.Duration   // cap on the retry delay after failures
	Depth      int             // book depth requested, default 5
}

func (c MarketMakerConfig) withDefaults() MarketMakerConfig {
	if !c.Spread.IsPositive() {
		c.Spread = decimal.RequireFromString("0.002")
	}
	if c.Cadence <= 0 {
		c.Cadence = 5 * time.Second
	}
	if c.MaxBackoff < c.Cadence {
		c.MaxBackoff = 12 * c.Cadence
	}
	if c.Depth <= 0 {
		c.Depth = 5
	}
	return c
}

// Quotes returns the bid and ask around mid.
func Quotes(mid, spread decimal.Decimal) (bid, ask decimal.Decimal) {
	one := decimal.NewFromInt(1)
	return mid.Mul(one.Sub(spread)), mid.Mul(one.Add(spread))
}

// MarketMaker keeps a two-sided limit quote around the mid price.
type MarketMaker struct {
	placer  Placer
	cfg     MarketMakerConfig
	metrics *metrics.Metrics

	mu     sync.Mutex
	quotes map[string][]string // instrument -> resting quote ids

	stop     chan struct{}
	stopOnce sync.Once
}

func NewMarketMaker(p Placer, cfg MarketMakerConfig, m *metrics.Metrics) *MarketMaker {
	return &MarketMaker{
		placer:  p,
		cfg:     cfg.withDefaults(),
		metrics: m,
		quotes:  make(map[string][]string),
		stop:    make(chan struct{}),
	}
}

// Quote runs one cycle: fetch the book, pull stale quotes and place a fresh
// bid and ask of qty each.
func (mm *MarketMaker) Quote(ctx context.Context, instrument string, qty decimal.Decimal) error {
	book, err := mm.placer.OrderBook(ctx, instrument, mm.cfg.Depth)
	if err != nil {
		return fmt.Errorf("market maker: book %s: %w", instrument, err)
	}
	mid, ok := book.Mid()
	if !ok {
		return fmt.Errorf("market maker: %s: %w", instrument, ErrOneSidedBook)
	}
	bid, ask := Quotes(mid, mm.cfg.Spread)

	mm.cancelQuotes(ctx, instrument)

	var (
		ids  []string
		errs []error
	)
	for _, q := range []struct {
		side  model.Side
		price decimal.Decimal
	}{{model.SideBuy, bid}, {model.SideSell, ask}} {
		o, err := mm.placer.PlaceOrder(ctx, model.OrderRequest{
			Instrument: instrument,
			Side:       q.side,
			Type:       model.OrderTypeLimit,
			Qty:        qty,
			Price:      q.price,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s quote: %w", q.side, err))
			continue
		}
		if o.Rejected() {
			slog.Warn("quote rejected", "venue", mm.placer.Venue(), "instrument", instrument,
				"side", q.side, "price", q.price.String(), "reason", o.RejectReason)
			continue
		}
		if !o.Status.Terminal() {
			ids = append(ids, o.ID)
		}
	}

	mm.mu.Lock()
	mm.quotes[instrument] = ids
	mm.mu.Unlock()

	if mm.metrics != nil {
		mm.metrics.MarketMakerRequotes.WithLabelValues(mm.placer.Venue(), instrument).Inc()
	}
	slog.Debug("requoted", "venue", mm.placer.Venue(), "instrument", instrument,
		"mid", mid.String(), "bid", bid.String(), "ask", ask.String(), "working", len(ids))
	return errors.Join(errs...)
}

// cancelQuotes pulls the previous cycle's quotes that are still working.
func (mm *MarketMaker) cancelQuotes(ctx context.Context, instrument string) {
	mm.mu.Lock()
	ids := mm.quotes[instrument]
	delete(mm.quotes, instrument)
	mm.mu.Unlock()

	for _, id := range ids {
		if !mm.placer.IsActive(id) {
			continue
		}
		if err := mm.placer.CancelOrder(ctx, id, instrument); err != nil {
			slog.Warn("quote cancel failed", "venue", mm.placer.Venue(), "instrument", instrument,
				"order_id", id, "error", err)
		}
	}
}

// Working returns the quote ids currently tracked for instrument.
func (mm *MarketMaker) Working(instrument string) []string {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return append([]string(nil), mm.quotes[instrument]...)
}

// Run requotes every Cadence until ctx is done or Stop is called, then pulls
// its quotes. Failed cycles back off.
func (mm *MarketMaker) Run(ctx context.Context, instrument string, qty decimal.Decimal) {
	bo := backoff.New(mm.cfg.Cadence, mm.cfg.MaxBackoff)
	delay := time.Duration(0)
	slog.Info("market making started", "venue", mm.placer.Venue(), "instrument", instrument,
		"qty", qty.String(), "spread", mm.cfg.Spread.String(), "cadence", mm.cfg.Cadence.String())

	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mm.cancelQuotes(cctx, instrument)
		slog.Info("market making stopped", "venue", mm.placer.Venue(), "instrument", instrument)
	}()

	for {
		if !backoff.Sleep(ctx, mm.stop, delay) {
			return
		}
		if err := mm.Quote(ctx, instrument, qty); err != nil {
			delay = bo.Next()
			slog.Warn("quote cycle failed", "venue", mm.placer.Venue(), "instrument", instrument,
				"retry_in", delay.String(), "error", err)
			continue
		}
		bo.Reset()
		delay = mm.cfg.Cadence
	}
}

// Stop ends Run. Safe to call more than once.
func (mm *MarketMaker) Stop() {
	mm.stopOnce.Do(func() { close(mm.stop) })
}
