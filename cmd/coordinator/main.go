package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"

	"trading-corev1/config"
	"trading-corev1/internal/api"
	"trading-corev1/internal/arbitrage"
	"trading-corev1/internal/breaker"
	"trading-corev1/internal/bus"
	kafkaevents "trading-corev1/internal/events/kafka"
	natsevents "trading-corev1/internal/events/nats"
	"trading-corev1/internal/exchange"
	"trading-corev1/internal/exchange/binance"
	"trading-corev1/internal/exchange/paper"
	"trading-corev1/internal/execution"
	"trading-corev1/internal/logger"
	"trading-corev1/internal/metrics"
	"trading-corev1/internal/model"
	"trading-corev1/internal/notification"
	"trading-corev1/internal/portfolio"
	"trading-corev1/internal/risk"
	"trading-corev1/internal/store/orderdb"
	redisstore "trading-corev1/internal/store/redis"
	sqlitestore "trading-corev1/internal/store/sqlite"
	"trading-corev1/internal/strategy"
	"trading-corev1/internal/trading"
)

func main() {
	log.Println("[coordinator] starting trading core...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[coordinator] config: %v", err)
	}
	logger.Init("coordinator", logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Sinks outlive the trading context so final trades booked on shutdown
	// still reach them.
	sinkCtx, sinkCancel := context.WithCancel(context.Background())
	defer sinkCancel()

	// --- Metrics & health ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)
	health := metrics.NewHealthStatus()
	health.ReconcileMaxAge = 10 * cfg.Execution.ReconcileInterval
	health.ValuationMaxAge = 3 * cfg.Execution.ValuationInterval
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, reg)
	metricsSrv.Start()

	// --- Alerts ---
	alerts := notification.Multi{notification.NewLogNotifier()}
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		alerts = append(alerts, notification.NewTelegramNotifier(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
		log.Println("[coordinator] telegram alerts enabled")
	}
	if cfg.Notify.WebhookURL != "" {
		alerts = append(alerts, notification.NewWebhookNotifier(cfg.Notify.WebhookURL))
		log.Println("[coordinator] webhook alerts enabled")
	}

	// --- Trade fan-out ---
	trades := make(chan model.TradeEvent, 10000)
	fanout := bus.New(5000)
	fanout.OnDrop = func(subscriber string) {
		m.ObserveFanoutDrop(subscriber)
		log.Printf("[coordinator] WARNING: %s trade channel full, dropping", subscriber)
	}
	var sinksDone []<-chan struct{}
	dbs := make(map[string]*sql.DB)

	// SQLite journal (always on)
	journal, err := sqlitestore.New(sqlitestore.WriterConfig{
		DBPath:     cfg.Storage.SQLitePath,
		BatchSize:  cfg.Storage.BatchSize,
		FlushDelay: cfg.Storage.FlushInterval,
		Metrics:    m,
	})
	if err != nil {
		log.Fatalf("[coordinator] sqlite init: %v", err)
	}
	dbs["sqlite"] = journal.DB()
	sinksDone = append(sinksDone, fanout.Attach(sinkCtx, "sqlite", journal))

	// Redis (optional, breaker-buffered)
	var (
		rdb       *goredis.Client
		redisSink *redisstore.BufferedWriter
	)
	if cfg.Storage.RedisAddr != "" {
		rw, err := redisstore.New(redisstore.WriterConfig{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			Metrics:  m,
		})
		if err != nil {
			log.Printf("[coordinator] WARNING: redis unavailable (%v), continuing without it", err)
		} else {
			rdb = rw.Client()
			health.RedisEnabled = true
			cb := breaker.New("redis", 5, 10*time.Second)
			cb.OnStateChange = func(name string, from, to breaker.State) {
				log.Printf("[coordinator] %s breaker %s -> %s", name, from, to)
				m.SetBreakerState(name, int(to))
			}
			redisSink = redisstore.NewBufferedWriter(sinkCtx, rw, cb, 10000)
			sinksDone = append(sinksDone, fanout.Attach(sinkCtx, "redis", redisSink))
		}
	}

	// NATS (optional)
	var natsPub *natsevents.Publisher
	if cfg.Storage.NATSURL != "" {
		natsPub, err = natsevents.NewPublisher(cfg.Storage.NATSURL, cfg.Storage.NATSSubject, m)
		if err != nil {
			log.Printf("[coordinator] WARNING: nats unavailable (%v), continuing without it", err)
		} else {
			sinksDone = append(sinksDone, fanout.Attach(sinkCtx, "nats", natsPub))
		}
	}

	// Kafka (optional)
	var producer *kafkaevents.Producer
	if len(cfg.Storage.KafkaBrokers) > 0 {
		producer, err = kafkaevents.NewProducer(kafkaevents.DefaultProducerConfig(cfg.Storage.KafkaBrokers, cfg.Storage.KafkaTopic), m)
		if err != nil {
			log.Printf("[coordinator] WARNING: kafka unavailable (%v), continuing without it", err)
		} else {
			sinksDone = append(sinksDone, fanout.Attach(sinkCtx, "kafka", producer))
		}
	}

	// WebSocket trade stream for API clients
	stream := api.NewStreamHub(500)
	sinksDone = append(sinksDone, fanout.Attach(sinkCtx, "stream", stream))

	go fanout.Run(sinkCtx, trades)

	// MySQL order audit trail (optional)
	var orders *orderdb.Repository
	if cfg.Storage.MySQLDSN != "" {
		orders, err = orderdb.Open(cfg.Storage.MySQLDSN)
		if err != nil {
			log.Printf("[coordinator] WARNING: order database unavailable (%v), continuing without it", err)
			orders = nil
		} else if db, err := orders.DB(); err == nil {
			dbs["mysql"] = db
		}
	}

	// --- Venues ---
	limits := risk.Limits{
		MaxPositionFraction: decimal.NewFromFloat(cfg.Risk.MaxPositionFraction),
		MaxDrawdown:         decimal.NewFromFloat(cfg.Risk.MaxDrawdown),
	}
	coords := make([]*execution.Coordinator, 0, len(cfg.Exchanges))
	for i, exCfg := range cfg.Exchanges {
		ex, err := buildExchange(exCfg, int64(i+1), cfg.Execution.Instruments, m)
		if err != nil {
			log.Fatalf("[coordinator] exchange %s: %v", exCfg.Name, err)
		}
		cb := breaker.New("exchange:"+exCfg.Name, 5, 10*time.Second)
		venue := exCfg.Name
		cb.OnStateChange = func(name string, from, to breaker.State) {
			log.Printf("[coordinator] %s breaker %s -> %s", name, from, to)
			m.SetBreakerState(name, int(to))
			health.SetBreakerState(venue, to.String())
		}

		opts := execution.Options{
			Events:   trades,
			Risk:     journal,
			Metrics:  m,
			Health:   health,
			Notifier: alerts,
		}
		if orders != nil {
			opts.Orders = orders
		}
		if redisSink != nil {
			opts.Snaps = redisSink
		}
		execCfg := execution.Config{
			ReconcileInterval: cfg.Execution.ReconcileInterval,
			ValuationInterval: cfg.Execution.ValuationInterval,
			MaxBackoff:        cfg.Execution.MaxBackoff,
			RequestTimeout:    cfg.Execution.RequestTimeout,
			ReturnWindow:      cfg.Risk.ReturnWindow,
		}
		if cfg.Execution.InitialBalance.IsZero() {
			execCfg.SeedAsset = cfg.Execution.QuoteAsset
		}
		coords = append(coords, execution.New(
			exchange.WithBreaker(ex, cb),
			portfolio.NewLedger(cfg.Execution.InitialBalance),
			risk.NewGate(limits),
			risk.NewCalculator(cfg.Risk.RiskFreeRate),
			execCfg,
			opts,
		))
		log.Printf("[coordinator] venue %s (%s) configured", exCfg.Name, exCfg.Kind)
	}

	sys, err := trading.New(coords, systemConfig(cfg), m, alerts)
	if err != nil {
		log.Fatalf("[coordinator] trading system: %v", err)
	}
	if err := sys.Initialize(ctx); err != nil {
		log.Fatalf("[coordinator] initialize: %v", err)
	}
	if err := sys.StartTrading(ctx, cfg.Execution.Instruments); err != nil {
		log.Fatalf("[coordinator] start trading: %v", err)
	}
	log.Printf("[coordinator] trading %v on %v", cfg.Execution.Instruments, sys.Venues())

	// --- HTTP API ---
	apiSrv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewRouter(api.NewServer(sys, stream, cfg.Execution.Instruments)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[coordinator] api listening on %s", cfg.APIAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[coordinator] api server error: %v", err)
		}
	}()

	health.StartLivenessChecker(ctx, rdb, dbs, 10*time.Second)

	// Channel saturation monitor
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SetChannelSaturation("trades", len(trades), cap(trades))
				for _, st := range fanout.ChannelStats() {
					m.SetChannelSaturation(st.Name, st.Len, st.Cap)
				}
			}
		}
	}()

	// --- Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("[coordinator] received %v, shutting down...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[coordinator] api shutdown: %v", err)
	}
	if err := sys.Shutdown(shutdownCtx); err != nil {
		log.Printf("[coordinator] trading shutdown: %v", err)
	}
	cancel()

	// Drain the sinks: closing the input ends the fan-out, which closes
	// every subscriber channel.
	close(trades)
	for _, done := range sinksDone {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			log.Println("[coordinator] WARNING: sink drain timed out")
		}
	}
	sinkCancel()

	stream.Close()
	if producer != nil {
		producer.Close()
	}
	if natsPub != nil {
		natsPub.Close()
	}
	if redisSink != nil {
		redisSink.Close()
	}
	if orders != nil {
		orders.Close()
	}
	journal.Close()
	metricsSrv.Stop(shutdownCtx)

	log.Println("[coordinator] shutdown complete")
}

// buildExchange creates the adapter for one configured venue.
func buildExchange(c config.ExchangeConfig, node int64, instruments []string, m *metrics.Metrics) (exchange.Exchange, error) {
	switch c.Kind {
	case config.KindBinance:
		ex := binance.New(binance.Config{
			Name:              c.Name,
			APIKey:            c.APIKey,
			APISecret:         c.APISecret,
			Testnet:           c.Testnet,
			RESTURL:           c.RESTURL,
			WSURL:             c.WSURL,
			StreamInstruments: instruments,
		})
		ex.OnReconnect(func() {
			if m != nil {
				m.StreamReconnects.WithLabelValues(c.Name).Inc()
			}
		})
		return ex, nil
	default:
		return paper.New(paper.Config{
			Name:        c.Name,
			NodeID:      node,
			SlippageBps: c.SlippageBps,
			Balances:    c.Balances,
		})
	}
}

// systemConfig maps the flat configuration onto the trading system's.
func systemConfig(cfg *config.Config) trading.Config {
	mm := cfg.MarketMaking
	g := cfg.Grid
	arb := cfg.Arbitrage
	return trading.Config{
		MarketMaking: trading.MarketMaking{
			Enabled:    mm.Enabled,
			Venue:      mm.Venue,
			Instrument: mm.Instrument,
			Qty:        mm.Qty,
			Quoting: strategy.MarketMakerConfig{
				Spread:     decimal.NewFromFloat(mm.Spread),
				Cadence:    mm.Cadence,
				MaxBackoff: cfg.Execution.MaxBackoff,
			},
		},
		Grid: trading.Grid{
			Enabled: g.Enabled,
			Venue:   g.Venue,
			Ladder: strategy.GridConfig{
				Instrument: g.Instrument,
				Lower:      g.Lower,
				Upper:      g.Upper,
				Levels:     g.Levels,
				Qty:        g.Qty,
				Interval:   g.Interval,
				MaxBackoff: cfg.Execution.MaxBackoff,
			},
		},
		Arbitrage: trading.Arbitrage{
			Enabled:      arb.Enabled,
			Instruments:  arb.Instruments,
			Qty:          arb.Qty,
			ScanInterval: arb.ScanInterval,
			Scanner: arbitrage.Config{
				MinProfit: decimal.NewFromFloat(arb.MinProfit),
				Fee:       decimal.NewFromFloat(arb.Fee),
			},
		},
	}
}
