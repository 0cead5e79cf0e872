package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"trading-corev1/internal/backoff"
	"trading-corev1/internal/ringbuf"
	"trading-corev1/internal/risk"
)

// RefreshValuation marks the ledger to market for instruments (plus every
// open position), feeds the return windows and refreshes position caps from
// the latest volatility.
func (c *Coordinator) RefreshValuation(ctx context.Context, instruments []string) error {
	want := c.valuationSet(instruments)
	if len(want) == 0 {
		return nil
	}

	cctx, cancel := c.callCtx(ctx)
	start := time.Now()
	prices, err := c.ex.FetchTickers(cctx, want)
	cancel()
	c.opts.Metrics.ObserveExchange(c.venue, "fetch_tickers", start)
	if err != nil {
		return fmt.Errorf("execution: valuation on %s: %w", c.venue, err)
	}

	c.mu.Lock()
	for instrument, px := range prices {
		if !px.IsPositive() {
			continue
		}
		if prev, ok := c.prices[instrument]; ok && prev.IsPositive() {
			ret, _ := px.Div(prev).Sub(decimal.NewFromInt(1)).Float64()
			c.window(instrument).Push(ret)
		}
		c.prices[instrument] = px
	}
	c.mu.Unlock()

	c.ledger.UpdatePrices(prices)
	total := c.ledger.TotalValue()

	c.mu.Lock()
	if c.lastValue.IsPositive() {
		ret, _ := total.Div(c.lastValue).Sub(decimal.NewFromInt(1)).Float64()
		c.portfolioRets.Push(ret)
	}
	c.lastValue = total
	now := c.now()
	c.lastValuation = now
	c.mu.Unlock()

	for instrument, px := range prices {
		if px.IsPositive() {
			c.gate.CalculatePositionSize(instrument, px, c.Volatility(instrument), total)
		}
	}

	if rets := c.portfolioRets.Values(); len(rets) >= 2 {
		rm := c.calc.CalculateMetrics(rets, nil)
		if c.opts.Risk != nil {
			if err := c.opts.Risk.RecordRiskMetrics(ctx, c.venue, rm); err != nil {
				c.opts.Metrics.ObserveSinkError("risk_metrics")
				slog.Warn("risk metrics record failed", "venue", c.venue, "error", err)
			}
		}
	}

	if c.opts.Snaps != nil {
		if err := c.opts.Snaps.RecordSnapshot(ctx, c.ledger.Snapshot(c.venue)); err != nil {
			c.opts.Metrics.ObserveSinkError("snapshot")
			slog.Warn("ledger snapshot failed", "venue", c.venue, "error", err)
		}
	}

	m := c.ledger.Metrics()
	dd, _ := m.CurrentDrawdown.Float64()
	tv, _ := m.TotalValue.Float64()
	rp, _ := m.RealizedPnL.Float64()
	c.opts.Metrics.SetLedger(c.venue, tv, dd, rp)
	c.opts.Health.SetLastValuation(c.venue, now)
	slog.Debug("valuation refreshed", "venue", c.venue, "total_value", m.TotalValue.String(),
		"drawdown", m.CurrentDrawdown.String(), "instruments", len(prices))
	return nil
}

// valuationSet is instruments plus every open position, deduplicated.
func (c *Coordinator) valuationSet(instruments []string) []string {
	set := make(map[string]struct{}, len(instruments))
	for _, i := range instruments {
		set[i] = struct{}{}
	}
	for _, p := range c.ledger.Positions() {
		set[p.Instrument] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for i := range set {
		out = append(out, i)
	}
	sort.Strings(out)
	return out
}

// window returns the return series of instrument. Caller holds c.mu.
func (c *Coordinator) window(instrument string) *ringbuf.Window {
	w, ok := c.returns[instrument]
	if !ok {
		w = ringbuf.New(c.cfg.ReturnWindow)
		c.returns[instrument] = w
	}
	return w
}

// PortfolioReturns returns the valuation-to-valuation portfolio returns,
// oldest first.
func (c *Coordinator) PortfolioReturns() []float64 {
	return c.portfolioRets.Values()
}

// InstrumentReturns returns the return series per instrument.
func (c *Coordinator) InstrumentReturns() map[string][]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]float64, len(c.returns))
	for i, w := range c.returns {
		out[i] = w.Values()
	}
	return out
}

// PortfolioRisk computes portfolio-level risk over the open positions.
func (c *Coordinator) PortfolioRisk(confidence float64) (risk.PortfolioRisk, error) {
	exposures := make(map[string]float64)
	for _, p := range c.ledger.Positions() {
		v, _ := p.Value().Float64()
		exposures[p.Instrument] = v
	}
	return c.calc.CalculatePortfolioRisk(exposures, c.InstrumentReturns(), confidence)
}

// RunValuation refreshes the valuation every ValuationInterval until ctx is
// done or Stop is called, backing off after failures.
func (c *Coordinator) RunValuation(ctx context.Context, instruments []string) {
	bo := backoff.New(c.cfg.ValuationInterval, c.cfg.MaxBackoff)
	delay := time.Duration(0)
	slog.Info("valuation loop started", "venue", c.venue, "interval", c.cfg.ValuationInterval.String(),
		"instruments", instruments)
	for {
		if !backoff.Sleep(ctx, c.stop, delay) {
			slog.Info("valuation loop stopped", "venue", c.venue)
			return
		}
		if err := c.RefreshValuation(ctx, instruments); err != nil {
			delay = bo.Next()
			slog.Warn("valuation failed", "venue", c.venue, "retry_in", delay.String(), "error", err)
			continue
		}
		bo.Reset()
		delay = c.cfg.ValuationInterval
	}
}
