package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"trading-corev1/internal/metrics"
	"trading-corev1/internal/model"
	"trading-corev1/internal/portfolio"
)

const (
	// Stream trimming: last ~10k trades per venue
	tradeStreamMaxLen  = 10000
	defaultLatestTTL   = 30 * time.Minute
	defaultSnapshotTTL = 24 * time.Hour
)

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
	Metrics  *metrics.Metrics
}

// Writer publishes trade events and ledger snapshots to Redis.
//
// Keys:
//
//	trades:<venue>                       stream of trade events
//	trade:latest:<venue>:<instrument>    last trade (TTL)
//	pub:trades:<venue>                   pub/sub channel
//	ledger:<venue>                       latest ledger snapshot
type Writer struct {
	client  *goredis.Client
	metrics *metrics.Metrics
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return NewWithClient(client, cfg.Metrics), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, m *metrics.Metrics) *Writer {
	return &Writer{client: client, metrics: m}
}

// Run reads trade events from ch and writes them to Redis.
// Blocks until ctx is cancelled or ch is closed.
func (w *Writer) Run(ctx context.Context, ch <-chan model.TradeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := w.writeTrade(ctx, ev); err != nil {
				w.metrics.ObserveSinkError("redis")
				log.Printf("[redis] trade pipeline error for %s: %v", ev.Key(), err)
			}
		}
	}
}

func streamKey(venue string) string { return "trades:" + venue }

func pubsubChannel(venue string) string { return "pub:trades:" + venue }

func latestKey(venue, instrument string) string {
	return "trade:latest:" + venue + ":" + instrument
}

func snapshotKey(venue string) string { return "ledger:" + venue }

// writeTrade performs pipelined XADD + SET + PUBLISH for one trade.
func (w *Writer) writeTrade(ctx context.Context, ev model.TradeEvent) error {
	start := time.Now()
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}
	jsonData := string(data)

	pipe := w.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: streamKey(ev.Venue),
		MaxLen: tradeStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": jsonData},
	})
	pipe.Set(ctx, latestKey(ev.Venue, ev.Instrument), jsonData, defaultLatestTTL)
	pipe.Publish(ctx, pubsubChannel(ev.Venue), jsonData)

	_, err = pipe.Exec(ctx)
	if w.metrics != nil {
		w.metrics.RedisWriteDur.Observe(time.Since(start).Seconds())
	}
	return err
}

// RecordSnapshot stores the latest ledger snapshot of a venue.
func (w *Writer) RecordSnapshot(ctx context.Context, s portfolio.Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := w.client.Set(ctx, snapshotKey(s.Venue), data, defaultSnapshotTTL).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", snapshotKey(s.Venue), err)
	}
	return nil
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
