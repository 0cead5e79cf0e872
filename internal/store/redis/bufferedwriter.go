package redis

import (
	"context"
	"errors"
	"log"
	"sync"

	"trading-corev1/internal/breaker"
	"trading-corev1/internal/model"
	"trading-corev1/internal/portfolio"
)

// BufferedWriter wraps a Redis Writer with a circuit breaker.
// During circuit-open state, trades are buffered locally and flushed
// when the circuit closes again.
type BufferedWriter struct {
	writer *Writer
	cb     *breaker.Breaker
	ctx    context.Context

	mu     sync.Mutex
	buffer []model.TradeEvent
	maxBuf int // max buffered writes before dropping oldest (default: 10000)

	// Callbacks
	OnBuffer func()          // called when a write is buffered (for metrics)
	OnFlush  func(count int) // called after flushing buffered writes
}

// NewBufferedWriter creates a BufferedWriter wrapping the given Writer.
// The breaker's OnStateChange is chained, not replaced.
func NewBufferedWriter(ctx context.Context, w *Writer, cb *breaker.Breaker, maxBufferSize int) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bw := &BufferedWriter{
		writer: w,
		cb:     cb,
		ctx:    ctx,
		buffer: make([]model.TradeEvent, 0, 256),
		maxBuf: maxBufferSize,
	}
	bw.OnBuffer = func() {
		if w.metrics != nil {
			w.metrics.RedisBufferedWrites.Inc()
		}
	}

	prevCallback := cb.OnStateChange
	cb.OnStateChange = func(name string, from, to breaker.State) {
		if prevCallback != nil {
			prevCallback(name, from, to)
		}
		if to == breaker.StateClosed {
			go bw.flush()
		}
	}

	return bw
}

// Run reads trade events from ch and writes them through the breaker.
// Blocks until ctx is cancelled or ch is closed.
func (bw *BufferedWriter) Run(ctx context.Context, ch <-chan model.TradeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := bw.WriteTrade(ev); err != nil {
				bw.writer.metrics.ObserveSinkError("redis")
				log.Printf("[buffered-writer] trade write error for %s: %v", ev.Key(), err)
			}
		}
	}
}

// WriteTrade writes a trade through the circuit breaker.
// If the circuit is open, the write is buffered locally.
func (bw *BufferedWriter) WriteTrade(ev model.TradeEvent) error {
	err := bw.cb.Execute(func() error {
		return bw.writer.writeTrade(bw.ctx, ev)
	})
	if errors.Is(err, breaker.ErrCircuitOpen) {
		bw.bufferWrite(ev)
		return nil // buffered, not lost
	}
	return err
}

// RecordSnapshot stores a ledger snapshot through the breaker. Snapshots
// are not buffered; the next valuation supersedes a lost one.
func (bw *BufferedWriter) RecordSnapshot(ctx context.Context, s portfolio.Snapshot) error {
	return bw.cb.Execute(func() error {
		return bw.writer.RecordSnapshot(ctx, s)
	})
}

func (bw *BufferedWriter) bufferWrite(ev model.TradeEvent) {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if len(bw.buffer) >= bw.maxBuf {
		// Buffer full, drop oldest
		bw.buffer = bw.buffer[1:]
	}
	bw.buffer = append(bw.buffer, ev)

	if bw.OnBuffer != nil {
		bw.OnBuffer()
	}
}

// flush replays all buffered writes through the underlying writer.
func (bw *BufferedWriter) flush() {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return
	}
	// Take ownership of the buffer
	toFlush := bw.buffer
	bw.buffer = make([]model.TradeEvent, 0, 256)
	bw.mu.Unlock()

	flushed := 0
	for _, ev := range toFlush {
		if err := bw.writer.writeTrade(bw.ctx, ev); err != nil {
			log.Printf("[buffered-writer] replay error for %s: %v", ev.Key(), err)
			continue
		}
		flushed++
	}

	log.Printf("[buffered-writer] flushed %d/%d buffered writes", flushed, len(toFlush))
	if bw.OnFlush != nil {
		bw.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered writes waiting to be flushed.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Underlying returns the wrapped Redis writer.
func (bw *BufferedWriter) Underlying() *Writer {
	return bw.writer
}

// Close closes the underlying writer.
func (bw *BufferedWriter) Close() error {
	return bw.writer.Close()
}
