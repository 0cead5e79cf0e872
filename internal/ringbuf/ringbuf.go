// Package ringbuf provides a fixed-capacity rolling window of float64 samples.
// Once full, each push evicts the oldest sample. It is used for the rolling
// portfolio return series that feeds volatility and position sizing.
package ringbuf

import "sync"

// Window is a goroutine-safe overwrite ring for float64 samples.
// Size is rounded up to a power of two for bitwise modulo.
type Window struct {
	mu   sync.RWMutex
	buf  []float64
	mask uint64
	head uint64 // total pushes

	evicted uint64
}

// New creates a window. capacity is rounded up to the next power of two.
// Minimum capacity is 2.
func New(capacity int) *Window {
	cap := nextPow2(capacity)
	if cap < 2 {
		cap = 2
	}
	return &Window{
		buf:  make([]float64, cap),
		mask: uint64(cap - 1),
	}
}

// Push appends a sample, evicting the oldest one when the window is full.
func (w *Window) Push(v float64) {
	w.mu.Lock()
	if w.head >= uint64(len(w.buf)) {
		w.evicted++
	}
	w.buf[w.head&w.mask] = v
	w.head++
	w.mu.Unlock()
}

// Values returns the samples oldest first.
func (w *Window) Values() []float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	n := w.lenLocked()
	out := make([]float64, n)
	start := w.head - uint64(n)
	for i := 0; i < n; i++ {
		out[i] = w.buf[(start+uint64(i))&w.mask]
	}
	return out
}

// Last returns the most recent sample.
func (w *Window) Last() (float64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.head == 0 {
		return 0, false
	}
	return w.buf[(w.head-1)&w.mask], true
}

// Len returns the current number of samples.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lenLocked()
}

func (w *Window) lenLocked() int {
	if w.head < uint64(len(w.buf)) {
		return int(w.head)
	}
	return len(w.buf)
}

// Cap returns the window capacity.
func (w *Window) Cap() int {
	return len(w.buf)
}

// Evicted returns how many samples have been pushed out of the window.
func (w *Window) Evicted() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.evicted
}

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
