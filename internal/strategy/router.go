// Package strategy holds the execution algorithms that sit on top of an
// order coordinator: smart-order slicing (TWAP, VWAP, iceberg), two-sided
// market making and grid trading.
//
// Every child order goes through Placer.PlaceOrder and is risk-gated on its
// own. A rejected child is recorded and the sequence continues, so partial
// execution is a normal outcome.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"trading-corev1/internal/logger"
	"trading-corev1/internal/metrics"
	"trading-corev1/internal/model"
)

var (
	// ErrUnknownAlgorithm is returned for an algorithm name the router does
	// not implement.
	ErrUnknownAlgorithm = errors.New("strategy: unknown algorithm")
	// ErrInvalidParams is returned for unusable smart-order parameters.
	ErrInvalidParams = errors.New("strategy: invalid parameters")
)

// Algorithm names.
const (
	AlgoTWAP    = "twap"
	AlgoVWAP    = "vwap"
	AlgoIceberg = "iceberg"
)

// Placer is the order path the algorithms drive. *execution.Coordinator
// satisfies it.
type Placer interface {
	Venue() string
	PlaceOrder(ctx context.Context, req model.OrderRequest) (*model.Order, error)
	CancelOrder(ctx context.Context, id, instrument string) error
	IsActive(id string) bool
	FetchOrder(ctx context.Context, id, instrument string) (model.Order, error)
	OrderBook(ctx context.Context, instrument string, depth int) (model.OrderBook, error)
	Candles(ctx context.Context, instrument, timeframe string, limit int) ([]model.Candle, error)
}

// SmartOrder is a parent order to be worked by an algorithm.
type SmartOrder struct {
	Instrument string
	Side       model.Side
	Qty        decimal.Decimal
	Algorithm  string
	Params     Params
}

// Child outcomes.
const (
	OutcomePlaced   = "placed"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
	OutcomeSkipped  = "skipped"
)

// Child is one slice of a smart order.
type Child struct {
	Seq         int               `json:"seq"`
	Qty         decimal.Decimal   `json:"qty"`
	Outcome     string            `json:"outcome"`
	OrderID     string            `json:"order_id,omitempty"`
	Status      model.OrderStatus `json:"status,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// Report summarizes a smart-order run.
type Report struct {
	TraceID    string          `json:"trace_id"`
	Algorithm  string          `json:"algorithm"`
	Venue      string          `json:"venue"`
	Instrument string          `json:"instrument"`
	Side       model.Side      `json:"side"`
	Requested  decimal.Decimal `json:"requested"`
	Accepted   decimal.Decimal `json:"accepted"` // qty the gate let through, less what closed unfilled
	Children   []Child         `json:"children"`
	Placed     int             `json:"placed"`
	Rejected   int             `json:"rejected"`
	Failed     int             `json:"failed"`
	Started    time.Time       `json:"started"`
	Finished   time.Time       `json:"finished"`
}

// Router dispatches smart orders to the algorithms.
type Router struct {
	placer  Placer
	metrics *metrics.Metrics

	sleep func(ctx context.Context, d time.Duration) bool
	now   func() time.Time
}

// NewRouter returns a router working orders through p.
func NewRouter(p Placer, m *metrics.Metrics) *Router {
	return &Router{placer: p, metrics: m, sleep: sleepCtx, now: time.Now}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Execute works so with its algorithm and blocks until every child has been
// submitted, ctx is done or the algorithm fails outright. The report is
// returned in every case and reflects what was actually sent.
func (r *Router) Execute(ctx context.Context, so SmartOrder) (Report, error) {
	rep := Report{
		Algorithm:  so.Algorithm,
		Venue:      r.placer.Venue(),
		Instrument: so.Instrument,
		Side:       so.Side,
		Requested:  so.Qty,
		Accepted:   decimal.Zero,
		Started:    r.now(),
	}
	if so.Instrument == "" || !so.Qty.IsPositive() || (so.Side != model.SideBuy && so.Side != model.SideSell) {
		return rep, fmt.Errorf("%w: instrument, side and a positive qty are required", ErrInvalidParams)
	}

	so.Params = so.Params.withDefaults()

	var run func(context.Context, SmartOrder, *Report) error
	switch so.Algorithm {
	case AlgoTWAP:
		run = r.twap
	case AlgoVWAP:
		run = r.vwap
	case AlgoIceberg:
		run = r.iceberg
	default:
		return rep, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, so.Algorithm)
	}

	rep.TraceID = logger.GenerateTraceID(so.Algorithm)
	ctx = logger.WithTraceID(ctx, rep.TraceID)
	slog.Info("smart order started", append(logger.LogWithTrace(ctx),
		"algorithm", so.Algorithm, "venue", rep.Venue, "instrument", so.Instrument,
		"side", so.Side, "qty", so.Qty.String())...)

	err := run(ctx, so, &rep)
	rep.Finished = r.now()

	slog.Info("smart order finished", append(logger.LogWithTrace(ctx),
		"algorithm", so.Algorithm, "placed", rep.Placed, "rejected", rep.Rejected,
		"failed", rep.Failed, "accepted", rep.Accepted.String(), "error", err)...)
	return rep, err
}

// submit places one child and records the outcome.
func (r *Router) submit(ctx context.Context, so SmartOrder, req model.OrderRequest, rep *Report) *model.Order {
	child := Child{Seq: len(rep.Children) + 1, Qty: req.Qty, SubmittedAt: r.now()}
	if !req.Qty.IsPositive() {
		child.Outcome = OutcomeSkipped
		rep.Children = append(rep.Children, child)
		r.metrics.ObserveChild(so.Algorithm, OutcomeSkipped)
		return nil
	}

	o, err := r.placer.PlaceOrder(ctx, req)
	switch {
	case err != nil:
		child.Outcome = OutcomeError
		child.Reason = err.Error()
		rep.Failed++
		slog.Warn("child order failed", append(logger.LogWithTrace(ctx),
			"algorithm", so.Algorithm, "seq", child.Seq, "qty", req.Qty.String(), "error", err)...)
	case o.Rejected():
		child.Outcome = OutcomeRejected
		child.Status = o.Status
		child.Reason = o.RejectReason
		rep.Rejected++
		slog.Warn("child order rejected", append(logger.LogWithTrace(ctx),
			"algorithm", so.Algorithm, "seq", child.Seq, "qty", req.Qty.String(), "reason", o.RejectReason)...)
	default:
		child.Outcome = OutcomePlaced
		child.OrderID = o.ID
		child.Status = o.Status
		rep.Placed++
		rep.Accepted = rep.Accepted.Add(req.Qty).Sub(unfilled(*o))
	}
	rep.Children = append(rep.Children, child)
	r.metrics.ObserveChild(so.Algorithm, child.Outcome)
	if err != nil {
		return nil
	}
	return o
}

// split divides total by weights. The last share carries the rounding
// remainder so the shares always sum to total.
func split(total decimal.Decimal, weights []decimal.Decimal) []decimal.Decimal {
	sum := decimal.Zero
	for _, w := range weights {
		sum = sum.Add(w)
	}
	out := make([]decimal.Decimal, len(weights))
	if len(weights) == 0 || !sum.IsPositive() {
		return out
	}
	assigned := decimal.Zero
	for i := 0; i < len(weights)-1; i++ {
		out[i] = total.Mul(weights[i]).Div(sum)
		assigned = assigned.Add(out[i])
	}
	out[len(out)-1] = total.Sub(assigned)
	return out
}

func equalWeights(n int) []decimal.Decimal {
	w := make([]decimal.Decimal, n)
	for i := range w {
		w[i] = decimal.NewFromInt(1)
	}
	return w
}

// paced submits one market child per share, IntervalDuration apart.
func (r *Router) paced(ctx context.Context, so SmartOrder, shares []decimal.Decimal, rep *Report) error {
	for i, qty := range shares {
		if i > 0 && !r.sleep(ctx, so.Params.IntervalDuration) {
			return ctx.Err()
		}
		r.submit(ctx, so, model.OrderRequest{
			Instrument: so.Instrument,
			Side:       so.Side,
			Type:       model.OrderTypeMarket,
			Qty:        qty,
		}, rep)
	}
	return nil
}

// twap sends Intervals equal market children.
func (r *Router) twap(ctx context.Context, so SmartOrder, rep *Report) error {
	n := so.Params.Intervals
	if n <= 0 {
		return fmt.Errorf("%w: intervals must be positive", ErrInvalidParams)
	}
	return r.paced(ctx, so, split(so.Qty, equalWeights(n)), rep)
}

// vwap sizes the children by the volume profile of the last Intervals
// candles, falling back to an equal split when no volume is available.
func (r *Router) vwap(ctx context.Context, so SmartOrder, rep *Report) error {
	n := so.Params.Intervals
	if n <= 0 {
		return fmt.Errorf("%w: intervals must be positive", ErrInvalidParams)
	}
	weights := equalWeights(n)

	candles, err := r.placer.Candles(ctx, so.Instrument, so.Params.Timeframe, n)
	if err != nil {
		slog.Warn("vwap volume profile unavailable, splitting equally", append(logger.LogWithTrace(ctx),
			"instrument", so.Instrument, "error", err)...)
	} else if profile := volumeProfile(candles, n); profile != nil {
		weights = profile
	}
	return r.paced(ctx, so, split(so.Qty, weights), rep)
}

// volumeProfile returns the volumes of the last n candles, or nil when
// there are fewer than n or none traded.
func volumeProfile(candles []model.Candle, n int) []decimal.Decimal {
	if len(candles) < n {
		return nil
	}
	candles = candles[len(candles)-n:]
	out := make([]decimal.Decimal, n)
	total := decimal.Zero
	for i, c := range candles {
		v := c.Volume
		if v.IsNegative() {
			v = decimal.Zero
		}
		out[i] = v
		total = total.Add(v)
	}
	if !total.IsPositive() {
		return nil
	}
	return out
}

// iceberg shows VisibleQty at a time. The next slice is sent once the
// previous one has left the active-order table; the last slice carries the
// remainder. Whatever a slice leaves unfilled when it closes is sent again,
// unless the slice filled nothing, which ends the run.
func (r *Router) iceberg(ctx context.Context, so SmartOrder, rep *Report) error {
	visible := so.Params.VisibleQty
	if !visible.IsPositive() {
		return fmt.Errorf("%w: visible_qty must be positive", ErrInvalidParams)
	}
	typ := model.OrderTypeMarket
	if so.Params.Price.IsPositive() {
		typ = model.OrderTypeLimit
	}

	remaining := so.Qty
	for remaining.IsPositive() {
		slice := decimal.Min(visible, remaining)
		remaining = remaining.Sub(slice)

		o := r.submit(ctx, so, model.OrderRequest{
			Instrument: so.Instrument,
			Side:       so.Side,
			Type:       typ,
			Qty:        slice,
			Price:      so.Params.Price,
		}, rep)

		if o != nil && !o.Rejected() && o.ID != "" {
			final := *o
			if !o.Status.Terminal() {
				for r.placer.IsActive(o.ID) {
					if !r.sleep(ctx, so.Params.PollInterval) {
						r.cancelSlice(o, so)
						return ctx.Err()
					}
				}
				final = r.closedSlice(ctx, o, so)
				rep.Accepted = rep.Accepted.Sub(unfilled(final))
			}
			if left := unfilled(final); left.IsPositive() {
				if left.GreaterThanOrEqual(final.Qty) {
					slog.Warn("iceberg slice closed unfilled, stopping", append(logger.LogWithTrace(ctx),
						"order_id", o.ID, "status", final.Status, "remaining", remaining.Add(left).String())...)
					return nil
				}
				remaining = remaining.Add(left)
				slog.Info("iceberg slice closed partially filled", append(logger.LogWithTrace(ctx),
					"order_id", o.ID, "status", final.Status, "requeued", left.String())...)
			}
		}
		if remaining.IsPositive() && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// closedSlice is the venue's view of a slice that has left the table. If the
// venue cannot be asked, the submit-time view is kept.
func (r *Router) closedSlice(ctx context.Context, o *model.Order, so SmartOrder) model.Order {
	final, err := r.placer.FetchOrder(ctx, o.ID, so.Instrument)
	if err != nil {
		slog.Warn("iceberg slice fetch failed", append(logger.LogWithTrace(ctx),
			"order_id", o.ID, "error", err)...)
		return *o
	}
	return final
}

// unfilled is the qty an order closed without filling: zero for orders that
// are still working or were filled.
func unfilled(o model.Order) decimal.Decimal {
	if !o.Status.Terminal() || o.Status == model.StatusFilled || o.Status == model.StatusRejected {
		return decimal.Zero
	}
	left := o.RemainingQty()
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

// cancelSlice pulls a working slice when the run is abandoned. The caller's
// context is already done, so a fresh bounded one is used.
func (r *Router) cancelSlice(o *model.Order, so SmartOrder) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.placer.CancelOrder(ctx, o.ID, so.Instrument); err != nil {
		slog.Warn("iceberg slice cancel failed", "order_id", o.ID, "instrument", so.Instrument, "error", err)
	}
}
