// Package market provides a local mirror of one instrument's order book.
//
// Book is updated from full-replacement snapshots delivered over the
// order-book WebSocket feed (there are no incremental diffs to apply: every
// receipt replaces the prior snapshot entirely, per the broker's wire
// contract). It is concurrency-safe and exposes the derived values the
// strategy layer needs: best bid/ask and staleness.
package market

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"brokermm/pkg/types"
)

// Book maintains a local mirror of the order book for one instrument.
type Book struct {
	mu      sync.RWMutex
	ticker  string
	snap    types.OrderBookSnapshot
	updated time.Time
}

// NewBook creates an empty book for one instrument.
func NewBook(ticker string) *Book {
	return &Book{ticker: ticker}
}

// ApplySnapshot replaces the book entirely with a freshly received frame.
func (b *Book) ApplySnapshot(bids, asks []types.PriceLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.snap = types.OrderBookSnapshot{
		Ticker:    b.ticker,
		Bids:      bids,
		Asks:      asks,
		Depth:     max(len(bids), len(asks)),
		Timestamp: time.Now(),
	}
	b.updated = time.Now()
}

// Snapshot returns a copy of the current book state.
func (b *Book) Snapshot() types.OrderBookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snap
}

// BestBidAsk returns the top-of-book bid and ask prices.
func (b *Book) BestBidAsk() (bid, ask decimal.Decimal, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.snap.Bids) == 0 || len(b.snap.Asks) == 0 {
		return decimal.Zero, decimal.Zero, false
	}
	return b.snap.Bids[0].Price, b.snap.Asks[0].Price, true
}

// MidPrice returns (bestBid + bestAsk) / 2.
func (b *Book) MidPrice() (decimal.Decimal, bool) {
	bid, ask, ok := b.BestBidAsk()
	if !ok {
		return decimal.Zero, false
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true
}

// IsStale reports whether the book hasn't been updated within maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

// LastUpdated returns the timestamp of the last applied snapshot.
func (b *Book) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
