// Package bus distributes ledger trade events from the coordinators to every
// enabled sink (journal, pub/sub, brokers).
package bus

import (
	"context"
	"log"
	"sync"

	"trading-corev1/internal/model"
)

// FanOut broadcasts trade events from a single input channel to N output
// channels. If an output channel is full, the event is dropped for that
// consumer so a slow sink cannot stall order handling.
type FanOut struct {
	mu      sync.RWMutex
	outputs []chan model.TradeEvent
	names   []string
	bufSize int

	// OnDrop is called when an event is dropped for a subscriber.
	OnDrop func(subscriber string)
}

// New creates a FanOut with the given buffer size for output channels.
func New(outputBufferSize int) *FanOut {
	return &FanOut{bufSize: outputBufferSize}
}

// Subscribe creates and returns a new named output channel.
func (f *FanOut) Subscribe(name string) <-chan model.TradeEvent {
	ch := make(chan model.TradeEvent, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, ch)
	f.names = append(f.names, name)
	f.mu.Unlock()
	return ch
}

// Attach subscribes sink and runs it in its own goroutine. The returned
// channel is closed when the sink's Run returns.
func (f *FanOut) Attach(ctx context.Context, name string, sink model.TradeSink) <-chan struct{} {
	ch := f.Subscribe(name)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sink.Run(ctx, ch)
	}()
	return done
}

// Run reads from the input channel and fans out to all subscribers.
// Blocks until ctx is cancelled or input is closed; outputs are then closed.
func (f *FanOut) Run(ctx context.Context, input <-chan model.TradeEvent) {
	defer func() {
		f.mu.RLock()
		for _, ch := range f.outputs {
			close(ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-input:
			if !ok {
				return
			}
			f.publish(ev)
		}
	}
}

func (f *FanOut) publish(ev model.TradeEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for i, ch := range f.outputs {
		select {
		case ch <- ev:
		default:
			if f.OnDrop != nil {
				f.OnDrop(f.names[i])
			} else {
				log.Printf("[bus] %s channel full, dropping trade %s order=%s", f.names[i], ev.Key(), ev.OrderID)
			}
		}
	}
}

// ChannelStat reports saturation of one subscriber channel.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

// ChannelStats returns (length, capacity) for each subscriber channel.
func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, ch := range f.outputs {
		stats[i] = ChannelStat{Name: f.names[i], Len: len(ch), Cap: cap(ch)}
	}
	return stats
}
