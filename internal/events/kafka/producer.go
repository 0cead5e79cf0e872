// Package kafka streams ledger trade events to a Kafka topic through an
// asynchronous sarama producer. Messages are keyed by venue and instrument so
// the trades of one position stay ordered within a partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"trading-corev1/internal/metrics"
	"trading-corev1/internal/model"
)

// ProducerConfig configures the producer.
type ProducerConfig struct {
	Brokers        []string      // Kafka broker addresses
	Topic          string        // destination topic
	RequiredAcks   int           // 0 = none, 1 = leader, -1 = all replicas
	Compression    string        // none, gzip, snappy, lz4, zstd
	FlushFrequency time.Duration // batch flush interval
	FlushMessages  int           // batch size
	MaxRetries     int
}

// DefaultProducerConfig returns leader acks with snappy batches.
func DefaultProducerConfig(brokers []string, topic string) ProducerConfig {
	return ProducerConfig{
		Brokers:        brokers,
		Topic:          topic,
		RequiredAcks:   1,
		Compression:    "snappy",
		FlushFrequency: 100 * time.Millisecond,
		FlushMessages:  100,
		MaxRetries:     3,
	}
}

// saramaConfig translates cfg into a sarama configuration.
func saramaConfig(cfg ProducerConfig) *sarama.Config {
	sc := sarama.NewConfig()
	sc.ClientID = "trading-core"

	switch cfg.RequiredAcks {
	case 0:
		sc.Producer.RequiredAcks = sarama.NoResponse
	case -1:
		sc.Producer.RequiredAcks = sarama.WaitForAll
	default:
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	}

	switch cfg.Compression {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionNone
	}

	sc.Producer.Flush.Frequency = cfg.FlushFrequency
	sc.Producer.Flush.Messages = cfg.FlushMessages
	sc.Producer.Retry.Max = cfg.MaxRetries
	sc.Producer.Return.Successes = false
	sc.Producer.Return.Errors = true
	return sc
}

// Producer is a model.TradeSink backed by sarama.AsyncProducer.
type Producer struct {
	producer sarama.AsyncProducer
	topic    string
	metrics  *metrics.Metrics

	sentCount  atomic.Int64
	errorCount atomic.Int64

	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewProducer connects to the brokers.
func NewProducer(cfg ProducerConfig, m *metrics.Metrics) (*Producer, error) {
	ap, err := sarama.NewAsyncProducer(cfg.Brokers, saramaConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	log.Printf("[kafka] producer ready (brokers=%v, topic=%s)", cfg.Brokers, cfg.Topic)
	return newProducer(ap, cfg.Topic, m), nil
}

func newProducer(ap sarama.AsyncProducer, topic string, m *metrics.Metrics) *Producer {
	if topic == "" {
		topic = "trading.trades"
	}
	p := &Producer{producer: ap, topic: topic, metrics: m}
	p.wg.Add(1)
	go p.handleErrors()
	return p
}

// Send enqueues one trade.
func (p *Producer) Send(ev model.TradeEvent) error {
	if p.closed.Load() {
		return fmt.Errorf("producer is closed")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("serialize trade: %w", err)
	}
	p.producer.Input() <- &sarama.ProducerMessage{
		Topic:     p.topic,
		Key:       sarama.StringEncoder(ev.Key()),
		Value:     sarama.ByteEncoder(data),
		Timestamp: ev.TS,
	}
	p.sentCount.Add(1)
	return nil
}

// Run sends trades from ch until ctx is cancelled or ch is closed.
func (p *Producer) Run(ctx context.Context, ch <-chan model.TradeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := p.Send(ev); err != nil {
				p.metrics.ObserveSinkError("kafka")
				log.Printf("[kafka] send error: %v", err)
			}
		}
	}
}

func (p *Producer) handleErrors() {
	defer p.wg.Done()
	for err := range p.producer.Errors() {
		p.errorCount.Add(1)
		p.metrics.ObserveSinkError("kafka")
		log.Printf("[kafka] send error: topic=%s, err=%v", err.Msg.Topic, err.Err)
	}
}

// ProducerStats are delivery counters.
type ProducerStats struct {
	SentCount  int64
	ErrorCount int64
}

func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		SentCount:  p.sentCount.Load(),
		ErrorCount: p.errorCount.Load(),
	}
}

// Close flushes pending messages and waits for the error loop.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	err := p.producer.Close()
	p.wg.Wait()
	return err
}
