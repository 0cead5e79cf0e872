// Package nats publishes ledger trade events to NATS subjects.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"trading-corev1/internal/metrics"
	"trading-corev1/internal/model"
)

// conn is the subset of *nats.Conn used by Publisher.
type conn interface {
	Publish(subject string, data []byte) error
	Close()
}

// Publisher sends every trade to "<subject>.<venue>".
type Publisher struct {
	conn    conn
	subject string
	metrics *metrics.Metrics
}

// NewPublisher connects to url. Reconnects are handled by the client.
func NewPublisher(url, subject string, m *metrics.Metrics) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("trading-core"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("[nats] disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Printf("[nats] reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Printf("[nats] connected to %s (subject=%s)", url, subject)
	return newPublisher(nc, subject, m), nil
}

func newPublisher(c conn, subject string, m *metrics.Metrics) *Publisher {
	if subject == "" {
		subject = "trading.trades"
	}
	return &Publisher{conn: c, subject: subject, metrics: m}
}

// Subject returns the subject a trade of venue is published on. Subject
// separators and wildcards in the venue name are replaced.
func (p *Publisher) Subject(venue string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return p.subject + "." + r.Replace(venue)
}

// Publish sends one trade.
func (p *Publisher) Publish(ev model.TradeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.Subject(ev.Venue), data)
}

// Run publishes trades from ch until ctx is cancelled or ch is closed.
func (p *Publisher) Run(ctx context.Context, ch <-chan model.TradeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := p.Publish(ev); err != nil {
				p.metrics.ObserveSinkError("nats")
				log.Printf("[nats] publish error: subject=%s, err=%v", p.Subject(ev.Venue), err)
			}
		}
	}
}

// Close closes the connection.
func (p *Publisher) Close() error {
	p.conn.Close()
	return nil
}
