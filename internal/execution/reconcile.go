package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trading-corev1/internal/backoff"
	"trading-corev1/internal/exchange"
	"trading-corev1/internal/model"
	"trading-corev1/internal/notification"
	"trading-corev1/internal/portfolio"
)

// Reconcile runs one pass over the active-order table: every entry is
// fetched from the venue, new fills are booked and terminal entries are
// dropped. A fetch failure for one order is logged and skipped; the joined
// fetch errors are returned so the caller can back off. An order the venue
// no longer knows is dropped as stale.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	start := time.Now()
	snapshot := c.ActiveOrders()

	var (
		errs   []error
		stale  int
		trades []portfolio.Trade
		seen   []model.Order
	)
	for _, entry := range snapshot {
		if ctx.Err() != nil {
			break
		}
		cctx, cancel := c.callCtx(ctx)
		o, err := c.ex.FetchOrder(cctx, entry.ID, entry.Instrument)
		cancel()

		if errors.Is(err, exchange.ErrOrderNotFound) {
			c.dropStale(entry)
			stale++
			continue
		}
		if err != nil {
			slog.Warn("reconcile fetch failed", "venue", c.venue, "order_id", entry.ID,
				"instrument", entry.Instrument, "error", err)
			errs = append(errs, fmt.Errorf("fetch %s: %w", entry.ID, err))
			continue
		}

		c.mu.Lock()
		ao, ok := c.active[entry.ID]
		if ok {
			trades = append(trades, c.applyLocked(ao, o)...)
			if ao.Status.Terminal() {
				delete(c.active, entry.ID)
				slog.Info("order settled", "venue", c.venue, "order_id", ao.ID,
					"status", ao.Status, "filled", ao.FilledQty.String())
			}
		}
		c.mu.Unlock()
		if ok && o.Status != entry.Status {
			o.Venue = c.venue
			seen = append(seen, o)
		}
	}

	c.emit(trades...)
	for _, o := range seen {
		c.record(ctx, o)
	}

	now := c.now()
	c.mu.Lock()
	c.lastReconcile = now
	active := len(c.active)
	c.mu.Unlock()

	c.opts.Metrics.ObserveReconcile(c.venue, start, len(errs), stale, active)
	c.opts.Health.SetLastReconcile(c.venue, now)
	return errors.Join(errs...)
}

// dropStale removes an entry the venue reports as unknown. This breaks the
// table's invariant and is surfaced as an alert.
func (c *Coordinator) dropStale(entry ActiveOrder) {
	c.mu.Lock()
	_, ok := c.active[entry.ID]
	delete(c.active, entry.ID)
	c.mu.Unlock()
	if !ok {
		return
	}
	slog.Error("active order unknown to venue, dropping", "venue", c.venue,
		"order_id", entry.ID, "instrument", entry.Instrument, "applied_qty", entry.AppliedQty.String())
	c.alert(notification.AlertWarning, "stale order dropped",
		fmt.Sprintf("order %s is unknown to %s", entry.ID, c.venue),
		map[string]string{"venue": c.venue, "instrument": entry.Instrument, "order_id": entry.ID})
}

// Run reconciles every ReconcileInterval until ctx is done or Stop is
// called. Failing passes are retried with bounded exponential backoff.
func (c *Coordinator) Run(ctx context.Context) {
	bo := backoff.New(c.cfg.ReconcileInterval, c.cfg.MaxBackoff)
	delay := c.cfg.ReconcileInterval
	slog.Info("reconciliation loop started", "venue", c.venue, "interval", c.cfg.ReconcileInterval.String())
	for {
		if !backoff.Sleep(ctx, c.stop, delay) {
			slog.Info("reconciliation loop stopped", "venue", c.venue)
			return
		}
		if err := c.Reconcile(ctx); err != nil {
			delay = bo.Next()
			slog.Warn("reconcile pass had failures", "venue", c.venue, "retry_in", delay.String(), "error", err)
			continue
		}
		bo.Reset()
		delay = c.cfg.ReconcileInterval
	}
}
