// Package trading is the top-level surface of the core. A System holds one
// coordinator per venue and starts or stops the background work on top of
// them: reconciliation, valuation, market making, grid trading and the
// arbitrage scanner.
package trading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trading-corev1/internal/arbitrage"
	"trading-corev1/internal/execution"
	"trading-corev1/internal/metrics"
	"trading-corev1/internal/model"
	"trading-corev1/internal/notification"
	"trading-corev1/internal/portfolio"
	"trading-corev1/internal/risk"
	"trading-corev1/internal/strategy"
)

var (
	// ErrUnknownVenue is returned for a venue the system has no coordinator for.
	ErrUnknownVenue = errors.New("trading: unknown venue")
	// ErrAlreadyRunning is returned by StartTrading while trading is active.
	ErrAlreadyRunning = errors.New("trading: already running")
	// ErrNotRunning is returned by StopTrading when nothing is running.
	ErrNotRunning = errors.New("trading: not running")
	// ErrClosed is returned for work requested after Shutdown.
	ErrClosed = errors.New("trading: system shut down")
)

// MarketMaking configures the optional quoting loop.
type MarketMaking struct {
	Enabled    bool
	Venue      string
	Instrument string
	Qty        decimal.Decimal
	Quoting    strategy.MarketMakerConfig
}

// Grid configures the optional grid ladder.
type Grid struct {
	Enabled bool
	Venue   string
	Ladder  strategy.GridConfig
}

// Arbitrage configures the scanner. ExecuteArbitrage uses Qty for the legs;
// the background scan loop only runs when Enabled.
type Arbitrage struct {
	Enabled      bool
	Instruments  []string
	Qty          decimal.Decimal
	ScanInterval time.Duration
	Scanner      arbitrage.Config
}

// Config wires the optional workers of a System.
type Config struct {
	MarketMaking MarketMaking
	Grid         Grid
	Arbitrage    Arbitrage
}

// VenueMetrics is the per-venue view returned by Metrics.
type VenueMetrics struct {
	Ledger        portfolio.Metrics `json:"ledger"`
	Risk          *risk.RiskMetrics `json:"risk,omitempty"`
	ActiveOrders  int               `json:"active_orders"`
	LastReconcile time.Time         `json:"last_reconcile"`
	LastValuation time.Time         `json:"last_valuation"`
}

// System coordinates every venue.
type System struct {
	cfg      Config
	coords   map[string]*execution.Coordinator
	venues   []string // in construction order; venues[0] is the default
	scanner  *arbitrage.Scanner
	metrics  *metrics.Metrics
	notifier notification.Notifier

	mu      sync.Mutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stops   []func()

	// base is cancelled by Shutdown; smart-order and arbitrage runs are
	// derived from it and counted in jobs.
	base       context.Context
	baseCancel context.CancelFunc
	jobs       sync.WaitGroup
}

// New builds a system over coords. The first coordinator is the default
// venue for calls that do not name one.
func New(coords []*execution.Coordinator, cfg Config, m *metrics.Metrics, n notification.Notifier) (*System, error) {
	if len(coords) == 0 {
		return nil, errors.New("trading: at least one venue is required")
	}
	s := &System{
		cfg:      cfg,
		coords:   make(map[string]*execution.Coordinator, len(coords)),
		metrics:  m,
		notifier: n,
	}
	s.base, s.baseCancel = context.WithCancel(context.Background())
	venues := make([]arbitrage.Venue, 0, len(coords))
	for _, c := range coords {
		if _, dup := s.coords[c.Venue()]; dup {
			return nil, fmt.Errorf("trading: duplicate venue %q", c.Venue())
		}
		s.coords[c.Venue()] = c
		s.venues = append(s.venues, c.Venue())
		venues = append(venues, c)
	}
	s.scanner = arbitrage.NewScanner(venues, cfg.Arbitrage.Scanner, m, n)
	return s, nil
}

// Initialize connects every venue. All venues are attempted; the failures
// are returned joined.
func (s *System) Initialize(ctx context.Context) error {
	var errs []error
	for _, v := range s.venues {
		if err := s.coords[v].Initialize(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Venues returns the venue names, default first.
func (s *System) Venues() []string {
	return append([]string(nil), s.venues...)
}

// Coordinator returns the coordinator of venue; an empty name selects the
// default venue.
func (s *System) Coordinator(venue string) (*execution.Coordinator, error) {
	if venue == "" {
		venue = s.venues[0]
	}
	c, ok := s.coords[venue]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVenue, venue)
	}
	return c, nil
}

// PlaceOrder routes req to venue's coordinator.
func (s *System) PlaceOrder(ctx context.Context, venue string, req model.OrderRequest) (*model.Order, error) {
	c, err := s.Coordinator(venue)
	if err != nil {
		return nil, err
	}
	return c.PlaceOrder(ctx, req)
}

// CancelOrder cancels id on venue.
func (s *System) CancelOrder(ctx context.Context, venue, id, instrument string) error {
	c, err := s.Coordinator(venue)
	if err != nil {
		return err
	}
	return c.CancelOrder(ctx, id, instrument)
}

// PositionSummary returns venue -> instrument -> open position.
func (s *System) PositionSummary() map[string]map[string]portfolio.PositionSummary {
	out := make(map[string]map[string]portfolio.PositionSummary, len(s.venues))
	for _, v := range s.venues {
		out[v] = s.coords[v].Ledger().PositionSummary()
	}
	return out
}

// Metrics returns the ledger and latest risk metrics per venue.
func (s *System) Metrics() map[string]VenueMetrics {
	out := make(map[string]VenueMetrics, len(s.venues))
	for _, v := range s.venues {
		c := s.coords[v]
		vm := VenueMetrics{
			Ledger:        c.Ledger().Metrics(),
			ActiveOrders:  len(c.ActiveOrders()),
			LastReconcile: c.LastReconcile(),
			LastValuation: c.LastValuation(),
		}
		if rm, ok := c.Calculator().LatestMetrics(); ok {
			vm.Risk = &rm
		}
		out[v] = vm
	}
	return out
}

// Running reports whether StartTrading is in effect.
func (s *System) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// StartTrading starts reconciliation and valuation on every venue for
// instruments, plus whichever of market making, grid and arbitrage scanning
// are enabled. The workers outlive ctx; they run until StopTrading.
func (s *System) StartTrading(ctx context.Context, instruments []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.running {
		return ErrAlreadyRunning
	}

	// Build the optional workers first so a bad config starts nothing.
	var workers []func(context.Context)
	var stops []func()

	if mmc := s.cfg.MarketMaking; mmc.Enabled {
		c, err := s.Coordinator(mmc.Venue)
		if err != nil {
			return fmt.Errorf("market making: %w", err)
		}
		mm := strategy.NewMarketMaker(c, mmc.Quoting, s.metrics)
		workers = append(workers, func(ctx context.Context) { mm.Run(ctx, mmc.Instrument, mmc.Qty) })
		stops = append(stops, mm.Stop)
	}
	if gc := s.cfg.Grid; gc.Enabled {
		c, err := s.Coordinator(gc.Venue)
		if err != nil {
			return fmt.Errorf("grid: %w", err)
		}
		g, err := strategy.NewGrid(c, gc.Ladder)
		if err != nil {
			return err
		}
		workers = append(workers, g.Run)
		stops = append(stops, g.Stop)
	}
	if ac := s.cfg.Arbitrage; ac.Enabled && len(s.venues) > 1 {
		scanner := arbitrage.NewScanner(s.arbVenues(), ac.Scanner, s.metrics, s.notifier)
		arbInstruments := ac.Instruments
		if len(arbInstruments) == 0 {
			arbInstruments = instruments
		}
		workers = append(workers, func(ctx context.Context) {
			scanner.Run(ctx, arbInstruments, ac.Qty, ac.ScanInterval)
		})
		stops = append(stops, scanner.Stop)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	for _, v := range s.venues {
		c := s.coords[v]
		s.spawn(func() { c.Run(runCtx) })
		s.spawn(func() { c.RunValuation(runCtx, instruments) })
	}
	for _, w := range workers {
		s.spawn(func() { w(runCtx) })
	}

	s.running = true
	s.cancel = cancel
	s.stops = stops
	slog.Info("trading started", "venues", s.venues, "instruments", instruments,
		"market_making", s.cfg.MarketMaking.Enabled, "grid", s.cfg.Grid.Enabled,
		"arbitrage", s.cfg.Arbitrage.Enabled)
	return nil
}

func (s *System) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *System) arbVenues() []arbitrage.Venue {
	out := make([]arbitrage.Venue, 0, len(s.venues))
	for _, v := range s.venues {
		out = append(out, s.coords[v])
	}
	return out
}

// StopTrading stops every worker started by StartTrading and waits for them
// to return, or for ctx to expire. Market making and grid workers pull their
// resting orders on the way out.
func (s *System) StopTrading(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	for _, stop := range s.stops {
		stop()
	}
	s.cancel()
	s.running = false
	s.stops = nil
	s.mu.Unlock()

	if err := wait(ctx, &s.wg); err != nil {
		return fmt.Errorf("trading: waiting for workers: %w", err)
	}
	slog.Info("trading stopped", "venues", s.venues)
	return nil
}

func wait(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// job registers a run Shutdown must cancel and wait for. The returned
// context is done when ctx is or when the system shuts down; release must
// be called once the run returns.
func (s *System) job(ctx context.Context) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrClosed
	}
	s.jobs.Add(1)
	jctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.base, cancel)
	return jctx, func() {
		stop()
		cancel()
		s.jobs.Done()
	}, nil
}

// ExecuteSmartOrder works a parent order on venue with the named algorithm.
// params takes the loose key/value form accepted by strategy.ParseParams.
// The run is cut short by Shutdown, which waits for it to return.
func (s *System) ExecuteSmartOrder(ctx context.Context, venue, instrument string, side model.Side, qty decimal.Decimal, algorithm string, params map[string]any) (strategy.Report, error) {
	c, err := s.Coordinator(venue)
	if err != nil {
		return strategy.Report{}, err
	}
	p, err := strategy.ParseParams(params)
	if err != nil {
		return strategy.Report{}, err
	}
	ctx, release, err := s.job(ctx)
	if err != nil {
		return strategy.Report{}, err
	}
	defer release()
	return strategy.NewRouter(c, s.metrics).Execute(ctx, strategy.SmartOrder{
		Instrument: instrument,
		Side:       side,
		Qty:        qty,
		Algorithm:  algorithm,
		Params:     p,
	})
}

// ExecuteArbitrage scans instruments across all venues and, when a leg
// quantity is configured, executes the best opportunity of each instrument.
// It returns every opportunity found.
func (s *System) ExecuteArbitrage(ctx context.Context, instruments []string) ([]arbitrage.Opportunity, error) {
	ctx, release, err := s.job(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if len(instruments) == 0 {
		instruments = s.cfg.Arbitrage.Instruments
	}
	opps := s.scanner.Scan(ctx, instruments)
	qty := s.cfg.Arbitrage.Qty
	if !qty.IsPositive() {
		return opps, nil
	}

	best := make(map[string]arbitrage.Opportunity)
	for _, o := range opps {
		if cur, ok := best[o.Instrument]; !ok || o.Profit.GreaterThan(cur.Profit) {
			best[o.Instrument] = o
		}
	}
	keys := make([]string, 0, len(best))
	for k := range best {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := s.scanner.Execute(ctx, best[k], qty); err != nil {
			slog.Warn("arbitrage execution abandoned", "id", best[k].ID, "instrument", k, "error", err)
		}
	}
	return opps, nil
}

// Shutdown stops trading, cancels running smart-order and arbitrage jobs
// and waits for them, then shuts every coordinator down, cancelling resting
// orders and closing venue connections. Later calls are no-ops.
func (s *System) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.baseCancel()

	var errs []error
	if err := s.StopTrading(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
		errs = append(errs, err)
	}
	if err := wait(ctx, &s.jobs); err != nil {
		errs = append(errs, fmt.Errorf("trading: waiting for jobs: %w", err))
	}
	for _, v := range s.venues {
		if err := s.coords[v].Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
