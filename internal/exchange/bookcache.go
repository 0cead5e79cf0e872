package exchange

import (
	"sync"
	"time"

	"trading-corev1/internal/model"
)

// BookCache remembers the last good order book per instrument so adapters
// can serve a stale book when a fetch fails.
type BookCache struct {
	mu     sync.RWMutex
	books  map[string]model.OrderBook
	maxAge time.Duration
}

// NewBookCache creates a cache. Books older than maxAge are not served;
// zero means no age limit.
func NewBookCache(maxAge time.Duration) *BookCache {
	return &BookCache{books: make(map[string]model.OrderBook), maxAge: maxAge}
}

// Put stores a book.
func (c *BookCache) Put(b model.OrderBook) {
	c.mu.Lock()
	c.books[b.Instrument] = b
	c.mu.Unlock()
}

// Get returns the cached book if present and fresh enough.
func (c *BookCache) Get(instrument string) (model.OrderBook, bool) {
	c.mu.RLock()
	b, ok := c.books[instrument]
	c.mu.RUnlock()
	if !ok {
		return model.OrderBook{}, false
	}
	if c.maxAge > 0 && time.Since(b.TS) > c.maxAge {
		return model.OrderBook{}, false
	}
	return b, true
}
