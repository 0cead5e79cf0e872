package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"trading-corev1/internal/model"
	"trading-corev1/internal/portfolio"
)

// ReaderConfig configures the Redis reader.
type ReaderConfig struct {
	Addr     string
	Password string
	DB       int
}

// Reader reads what Writer publishes: ledger snapshots, the trade stream
// and live trade notifications.
type Reader struct {
	client *goredis.Client
}

// NewReader creates a new Redis Reader and pings the server.
func NewReader(cfg ReaderConfig) (*Reader, error) {
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

	log.Printf("[redis-reader] connected to %s", cfg.Addr)
	return &Reader{client: client}, nil
}

// NewReaderWithClient wraps an existing client.
func NewReaderWithClient(client *goredis.Client) *Reader {
	return &Reader{client: client}
}

// Snapshot returns the latest ledger snapshot of venue. ok is false when
// none is stored.
func (r *Reader) Snapshot(ctx context.Context, venue string) (portfolio.Snapshot, bool, error) {
	var s portfolio.Snapshot
	data, err := r.client.Get(ctx, snapshotKey(venue)).Bytes()
	if err == goredis.Nil {
		return s, false, nil
	}
	if err != nil {
		return s, false, fmt.Errorf("redis GET %s: %w", snapshotKey(venue), err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, true, nil
}

// RecentTrades returns up to count trades of venue, newest first.
func (r *Reader) RecentTrades(ctx context.Context, venue string, count int64) ([]model.TradeEvent, error) {
	msgs, err := r.client.XRevRangeN(ctx, streamKey(venue), "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("redis XREVRANGE %s: %w", streamKey(venue), err)
	}
	out := make([]model.TradeEvent, 0, len(msgs))
	for _, msg := range msgs {
		ev, ok := decodeTrade(msg.Values["data"])
		if !ok {
			log.Printf("[redis-reader] skipping malformed trade %s", msg.ID)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Subscribe delivers live trades of venue until ctx is cancelled. The
// returned channel is closed on exit.
func (r *Reader) Subscribe(ctx context.Context, venue string) (<-chan model.TradeEvent, error) {
	sub := r.client.Subscribe(ctx, pubsubChannel(venue))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("redis SUBSCRIBE %s: %w", pubsubChannel(venue), err)
	}

	out := make(chan model.TradeEvent, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev, ok := decodeTrade(msg.Payload)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func decodeTrade(v interface{}) (model.TradeEvent, bool) {
	var ev model.TradeEvent
	s, ok := v.(string)
	if !ok {
		return ev, false
	}
	if err := json.Unmarshal([]byte(s), &ev); err != nil {
		return ev, false
	}
	return ev, true
}

// Close closes the Redis client.
func (r *Reader) Close() error {
	return r.client.Close()
}
