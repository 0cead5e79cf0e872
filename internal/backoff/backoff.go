// Package backoff computes bounded exponential retry delays for the
// background loops (reconciliation, valuation, market making).
package backoff

import (
	"context"
	"time"
)

// Backoff doubles the delay after every failure up to Max.
// It is not safe for concurrent use; each loop owns one.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	attempt int
}

// New returns a backoff starting at initial and capped at max.
func New(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if max < initial {
		max = initial
	}
	return &Backoff{Initial: initial, Max: max}
}

// Next returns the delay for the current failure and advances.
func (b *Backoff) Next() time.Duration {
	d := b.Initial
	for i := 0; i < b.attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	b.attempt++
	return d
}

// Reset is called after a successful pass.
func (b *Backoff) Reset() { b.attempt = 0 }

// Attempts returns the number of consecutive failures seen.
func (b *Backoff) Attempts() int { return b.attempt }

// Sleep waits for d or until ctx is done or stop is closed.
// It returns false when the wait was interrupted.
func Sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		case <-stop:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}
