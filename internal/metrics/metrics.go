package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the trading core.
// Every recording method is safe on a nil *Metrics.
type Metrics struct {
	// Order flow
	OrdersTotal         *prometheus.CounterVec // labels: venue, type, outcome
	RiskRejectionsTotal *prometheus.CounterVec // labels: venue, check
	FillsTotal          *prometheus.CounterVec // labels: venue, assumed
	ActiveOrders        *prometheus.GaugeVec   // labels: venue

	// Reconciliation
	ReconcileDur    prometheus.Histogram
	ReconcileErrors *prometheus.CounterVec // labels: venue
	StaleOrders     *prometheus.CounterVec // labels: venue

	// Ledger
	PortfolioValue *prometheus.GaugeVec // labels: venue
	Drawdown       *prometheus.GaugeVec // labels: venue
	RealizedPnL    *prometheus.GaugeVec // labels: venue

	// Exchange I/O
	ExchangeLatency    *prometheus.HistogramVec // labels: venue, op
	BreakerState       *prometheus.GaugeVec     // labels: name; 0=closed, 1=open, 2=half-open
	BreakerTrips       *prometheus.CounterVec   // labels: name
	StreamReconnects   *prometheus.CounterVec   // labels: venue

	// Algorithms
	SmartOrderChildren   *prometheus.CounterVec // labels: algorithm, outcome
	ArbOpportunities     prometheus.Counter
	ArbLegFailures       prometheus.Counter
	MarketMakerRequotes  *prometheus.CounterVec // labels: venue, instrument

	// Trade fan-out and sinks
	FanoutDropsTotal     *prometheus.CounterVec // labels: subscriber
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name
	SinkErrors           *prometheus.CounterVec // labels: sink
	SQLiteCommitDur      prometheus.Histogram
	RedisWriteDur        prometheus.Histogram
	RedisBufferedWrites  prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg uses the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_orders_total",
			Help: "Orders proposed to the coordinator by outcome (submitted, rejected, error)",
		}, []string{"venue", "type", "outcome"}),
		RiskRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_risk_rejections_total",
			Help: "Orders refused by the risk gate by failed check",
		}, []string{"venue", "check"}),
		FillsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_fills_total",
			Help: "Fills applied to the ledger (assumed=true for market orders booked at reference price)",
		}, []string{"venue", "assumed"}),
		ActiveOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trading_active_orders",
			Help: "Orders currently tracked by the reconciliation loop",
		}, []string{"venue"}),

		ReconcileDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trading_reconcile_duration_seconds",
			Help:    "Duration of one reconciliation pass",
			Buckets: prometheus.DefBuckets,
		}),
		ReconcileErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_reconcile_errors_total",
			Help: "Order fetch failures during reconciliation",
		}, []string{"venue"}),
		StaleOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_stale_orders_dropped_total",
			Help: "Active orders dropped because the venue no longer knows them",
		}, []string{"venue"}),

		PortfolioValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trading_portfolio_value",
			Help: "Ledger total value (balance + marked positions)",
		}, []string{"venue"}),
		Drawdown: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trading_drawdown_ratio",
			Help: "Current drawdown from peak value",
		}, []string{"venue"}),
		RealizedPnL: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trading_realized_pnl",
			Help: "Running realized P&L",
		}, []string{"venue"}),

		ExchangeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trading_exchange_request_duration_seconds",
			Help:    "Exchange call latency by operation",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"venue", "op"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trading_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_circuit_breaker_trips_total",
			Help: "Times a circuit breaker tripped open",
		}, []string{"name"}),
		StreamReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_stream_reconnects_total",
			Help: "Market data stream reconnection attempts",
		}, []string{"venue"}),

		SmartOrderChildren: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_smart_order_children_total",
			Help: "Child orders placed by execution algorithms by outcome",
		}, []string{"algorithm", "outcome"}),
		ArbOpportunities: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trading_arbitrage_opportunities_total",
			Help: "Cross-venue opportunities above the profit threshold",
		}),
		ArbLegFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trading_arbitrage_leg_failures_total",
			Help: "Arbitrage executions abandoned after a failed leg",
		}),
		MarketMakerRequotes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_market_maker_requotes_total",
			Help: "Two-sided quote refreshes",
		}, []string{"venue", "instrument"}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_fanout_drops_total",
			Help: "Trade events dropped by the FanOut bus per subscriber",
		}, []string{"subscriber"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trading_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_sink_errors_total",
			Help: "Trade sink write/publish failures",
		}, []string{"sink"}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trading_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trading_redis_write_duration_seconds",
			Help:    "Redis publish latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trading_redis_buffered_writes_total",
			Help: "Writes buffered locally while the Redis circuit breaker is open",
		}),
	}

	reg.MustRegister(
		m.OrdersTotal,
		m.RiskRejectionsTotal,
		m.FillsTotal,
		m.ActiveOrders,
		m.ReconcileDur,
		m.ReconcileErrors,
		m.StaleOrders,
		m.PortfolioValue,
		m.Drawdown,
		m.RealizedPnL,
		m.ExchangeLatency,
		m.BreakerState,
		m.BreakerTrips,
		m.StreamReconnects,
		m.SmartOrderChildren,
		m.ArbOpportunities,
		m.ArbLegFailures,
		m.MarketMakerRequotes,
		m.FanoutDropsTotal,
		m.ChannelSaturationPct,
		m.SinkErrors,
		m.SQLiteCommitDur,
		m.RedisWriteDur,
		m.RedisBufferedWrites,
	)

	return m
}

// ObserveOrder counts a proposed order by outcome.
func (m *Metrics) ObserveOrder(venue, orderType, outcome string) {
	if m == nil {
		return
	}
	m.OrdersTotal.WithLabelValues(venue, orderType, outcome).Inc()
}

// ObserveRejection counts a risk gate refusal.
func (m *Metrics) ObserveRejection(venue, check string) {
	if m == nil {
		return
	}
	m.RiskRejectionsTotal.WithLabelValues(venue, check).Inc()
}

// ObserveFill counts a fill applied to the ledger.
func (m *Metrics) ObserveFill(venue string, assumed bool) {
	if m == nil {
		return
	}
	label := "false"
	if assumed {
		label = "true"
	}
	m.FillsTotal.WithLabelValues(venue, label).Inc()
}

// ObserveExchange records the latency of one exchange call.
func (m *Metrics) ObserveExchange(venue, op string, since time.Time) {
	if m == nil {
		return
	}
	m.ExchangeLatency.WithLabelValues(venue, op).Observe(time.Since(since).Seconds())
}

// ObserveReconcile records one reconciliation pass.
func (m *Metrics) ObserveReconcile(venue string, since time.Time, fetchErrors, stale, active int) {
	if m == nil {
		return
	}
	m.ReconcileDur.Observe(time.Since(since).Seconds())
	if fetchErrors > 0 {
		m.ReconcileErrors.WithLabelValues(venue).Add(float64(fetchErrors))
	}
	if stale > 0 {
		m.StaleOrders.WithLabelValues(venue).Add(float64(stale))
	}
	m.ActiveOrders.WithLabelValues(venue).Set(float64(active))
}

// SetLedger publishes ledger gauges.
func (m *Metrics) SetLedger(venue string, totalValue, drawdown, realized float64) {
	if m == nil {
		return
	}
	m.PortfolioValue.WithLabelValues(venue).Set(totalValue)
	m.Drawdown.WithLabelValues(venue).Set(drawdown)
	m.RealizedPnL.WithLabelValues(venue).Set(realized)
}

// SetBreakerState publishes a breaker transition; a move to open counts a trip.
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(float64(state))
	if state == 1 {
		m.BreakerTrips.WithLabelValues(name).Inc()
	}
}

// ObserveChild counts a child order placed by an execution algorithm.
func (m *Metrics) ObserveChild(algorithm, outcome string) {
	if m == nil {
		return
	}
	m.SmartOrderChildren.WithLabelValues(algorithm, outcome).Inc()
}

// ObserveSinkError counts a trade sink failure.
func (m *Metrics) ObserveSinkError(sink string) {
	if m == nil {
		return
	}
	m.SinkErrors.WithLabelValues(sink).Inc()
}

// ObserveFanoutDrop counts a dropped trade event.
func (m *Metrics) ObserveFanoutDrop(subscriber string) {
	if m == nil {
		return
	}
	m.FanoutDropsTotal.WithLabelValues(subscriber).Inc()
}

// SetChannelSaturation publishes len/cap of a channel as a percentage.
func (m *Metrics) SetChannelSaturation(name string, length, capacity int) {
	if m == nil || capacity == 0 {
		return
	}
	m.ChannelSaturationPct.WithLabelValues(name).Set(float64(length) / float64(capacity) * 100)
}
