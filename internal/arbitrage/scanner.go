// Package arbitrage looks for cross-venue price gaps and trades them through
// each venue's order coordinator.
package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"trading-corev1/internal/backoff"
	"trading-corev1/internal/logger"
	"trading-corev1/internal/metrics"
	"trading-corev1/internal/model"
	"trading-corev1/internal/notification"
)

var (
	// ErrUnknownVenue is returned when an opportunity names a venue the
	// scanner does not hold.
	ErrUnknownVenue = errors.New("arbitrage: unknown venue")
	// ErrLegRejected is returned when the risk gate refuses a leg.
	ErrLegRejected = errors.New("arbitrage: leg rejected")
)

// Venue is one side of a cross-venue trade. *execution.Coordinator
// satisfies it.
type Venue interface {
	Venue() string
	OrderBook(ctx context.Context, instrument string, depth int) (model.OrderBook, error)
	PlaceOrder(ctx context.Context, req model.OrderRequest) (*model.Order, error)
}

// Opportunity is a transient buy-low/sell-high pair.
type Opportunity struct {
	ID           string          `json:"id"`
	BuyVenue     string          `json:"buy_venue"`
	SellVenue    string          `json:"sell_venue"`
	Instrument   string          `json:"instrument"`
	BuyPrice     decimal.Decimal `json:"buy_price"`  // best ask on BuyVenue
	SellPrice    decimal.Decimal `json:"sell_price"` // best bid on SellVenue
	Profit       decimal.Decimal `json:"profit"`     // fraction after fees
	DiscoveredAt time.Time       `json:"discovered_at"`
}

// Config tunes the scanner.
type Config struct {
	MinProfit decimal.Decimal // report only profit strictly above this
	Fee       decimal.Decimal // taker fee per leg, as a fraction
	Depth     int
}

// Profit is sellBid/buyAsk - 1 - 2*fee.
func Profit(buyAsk, sellBid, fee decimal.Decimal) decimal.Decimal {
	if !buyAsk.IsPositive() {
		return decimal.Zero
	}
	return sellBid.Div(buyAsk).Sub(decimal.NewFromInt(1)).Sub(fee.Mul(decimal.NewFromInt(2)))
}

// Scanner compares the books of its venues.
type Scanner struct {
	venues   []Venue
	byName   map[string]Venue
	cfg      Config
	metrics  *metrics.Metrics
	notifier notification.Notifier

	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

func NewScanner(venues []Venue, cfg Config, m *metrics.Metrics, n notification.Notifier) *Scanner {
	if cfg.Depth <= 0 {
		cfg.Depth = 5
	}
	byName := make(map[string]Venue, len(venues))
	for _, v := range venues {
		byName[v.Venue()] = v
	}
	return &Scanner{
		venues:   venues,
		byName:   byName,
		cfg:      cfg,
		metrics:  m,
		notifier: n,
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

type quote struct {
	venue    string
	bid, ask decimal.Decimal
	ok       bool
}

// FindOpportunities fetches every venue's book concurrently and returns the
// profitable ordered pairs, best first. Venues whose book fails or is
// one-sided are skipped.
func (s *Scanner) FindOpportunities(ctx context.Context, instrument string) []Opportunity {
	quotes := make([]quote, len(s.venues))
	var g errgroup.Group
	for i, v := range s.venues {
		g.Go(func() error {
			q := quote{venue: v.Venue()}
			book, err := v.OrderBook(ctx, instrument, s.cfg.Depth)
			if err != nil {
				slog.Warn("arbitrage book fetch failed", "venue", q.venue, "instrument", instrument, "error", err)
				quotes[i] = q
				return nil
			}
			bid, okB := book.BestBid()
			ask, okA := book.BestAsk()
			if !okB || !okA {
				slog.Warn("arbitrage book one-sided", "venue", q.venue, "instrument", instrument)
				quotes[i] = q
				return nil
			}
			q.bid, q.ask, q.ok = bid.Price, ask.Price, true
			quotes[i] = q
			return nil
		})
	}
	_ = g.Wait()

	now := s.now()
	var out []Opportunity
	for i, buy := range quotes {
		for j, sell := range quotes {
			if i == j || !buy.ok || !sell.ok {
				continue
			}
			profit := Profit(buy.ask, sell.bid, s.cfg.Fee)
			if !profit.GreaterThan(s.cfg.MinProfit) {
				continue
			}
			out = append(out, Opportunity{
				ID:           uuid.NewString(),
				BuyVenue:     buy.venue,
				SellVenue:    sell.venue,
				Instrument:   instrument,
				BuyPrice:     buy.ask,
				SellPrice:    sell.bid,
				Profit:       profit,
				DiscoveredAt: now,
			})
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Profit.GreaterThan(out[b].Profit) })

	if s.metrics != nil && len(out) > 0 {
		s.metrics.ArbOpportunities.Add(float64(len(out)))
	}
	for _, o := range out {
		slog.Info("arbitrage opportunity", "id", o.ID, "instrument", instrument,
			"buy_venue", o.BuyVenue, "sell_venue", o.SellVenue,
			"buy", o.BuyPrice.String(), "sell", o.SellPrice.String(), "profit", o.Profit.String())
	}
	return out
}

// Scan runs FindOpportunities for every instrument.
func (s *Scanner) Scan(ctx context.Context, instruments []string) []Opportunity {
	var out []Opportunity
	for _, inst := range instruments {
		if ctx.Err() != nil {
			break
		}
		out = append(out, s.FindOpportunities(ctx, inst)...)
	}
	return out
}

// Execute buys qty on the buy venue and then sells it on the sell venue.
// The first failed or rejected leg abandons the trade; a filled buy leg is
// not unwound. Both legs log under the trace id "arb-<opportunity id>".
func (s *Scanner) Execute(ctx context.Context, opp Opportunity, qty decimal.Decimal) error {
	ctx = logger.WithTraceID(ctx, "arb-"+opp.ID)
	buy, ok := s.byName[opp.BuyVenue]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVenue, opp.BuyVenue)
	}
	sell, ok := s.byName[opp.SellVenue]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVenue, opp.SellVenue)
	}

	if err := s.leg(ctx, buy, opp, model.SideBuy, qty); err != nil {
		s.legFailed(ctx, opp, "buy", err, false)
		return err
	}
	if err := s.leg(ctx, sell, opp, model.SideSell, qty); err != nil {
		s.legFailed(ctx, opp, "sell", err, true)
		return err
	}
	slog.Info("arbitrage executed", append(logger.LogWithTrace(ctx), "id", opp.ID, "instrument", opp.Instrument,
		"buy_venue", opp.BuyVenue, "sell_venue", opp.SellVenue, "qty", qty.String())...)
	return nil
}

func (s *Scanner) leg(ctx context.Context, v Venue, opp Opportunity, side model.Side, qty decimal.Decimal) error {
	o, err := v.PlaceOrder(ctx, model.OrderRequest{
		Instrument: opp.Instrument,
		Side:       side,
		Type:       model.OrderTypeMarket,
		Qty:        qty,
	})
	if err != nil {
		return fmt.Errorf("arbitrage %s leg on %s: %w", side, v.Venue(), err)
	}
	if o.Rejected() {
		return fmt.Errorf("%w: %s on %s: %s", ErrLegRejected, side, v.Venue(), o.RejectReason)
	}
	return nil
}

func (s *Scanner) legFailed(ctx context.Context, opp Opportunity, leg string, err error, exposed bool) {
	if s.metrics != nil {
		s.metrics.ArbLegFailures.Inc()
	}
	level := notification.AlertWarning
	msg := fmt.Sprintf("%s leg failed, trade abandoned: %v", leg, err)
	if exposed {
		level = notification.AlertCritical
		msg = fmt.Sprintf("sell leg failed after buy filled on %s, position left open: %v", opp.BuyVenue, err)
	}
	slog.Error("arbitrage leg failed", append(logger.LogWithTrace(ctx), "id", opp.ID, "leg", leg,
		"instrument", opp.Instrument, "buy_venue", opp.BuyVenue, "sell_venue", opp.SellVenue, "error", err)...)
	if s.notifier == nil {
		return
	}
	alert := notification.Alert{
		Level:   level,
		Title:   "arbitrage leg failed",
		Message: msg,
		Fields: map[string]string{
			"id": opp.ID, "instrument": opp.Instrument,
			"buy_venue": opp.BuyVenue, "sell_venue": opp.SellVenue,
		},
	}
	if nerr := s.notifier.Send(context.WithoutCancel(ctx), alert); nerr != nil {
		slog.Warn("arbitrage alert failed", "error", nerr)
	}
}

// Run scans every interval and executes the best opportunity with qty until
// ctx is done or Stop is called.
func (s *Scanner) Run(ctx context.Context, instruments []string, qty decimal.Decimal, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	slog.Info("arbitrage scanner started", "instruments", instruments, "interval", interval.String())
	for {
		if !backoff.Sleep(ctx, s.stop, interval) {
			slog.Info("arbitrage scanner stopped")
			return
		}
		opps := s.Scan(ctx, instruments)
		if len(opps) == 0 || !qty.IsPositive() {
			continue
		}
		if err := s.Execute(ctx, opps[0], qty); err != nil {
			slog.Warn("arbitrage execution abandoned", "id", opps[0].ID, "error", err)
		}
	}
}

// Stop ends Run. Safe to call more than once.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}
