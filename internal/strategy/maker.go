// Package strategy implements the inventory-skewed quote model (C4):
// consuming the latest order-book and inventory snapshots, excluding the
// engine's own resting liquidity from the observed top, and emitting a
// target quote pair for the order manager to reconcile.
package strategy

import (
	"context"
	"log/slog"
	"time"

	"brokermm/internal/bus"
	"brokermm/internal/market"
	"brokermm/internal/orders"
	"brokermm/pkg/types"
)

// Maker runs the strategy's main loop for one instrument.
type Maker struct {
	inst         types.Instrument
	book         *market.Book
	table        *orders.Table
	params       QuoteParams
	staleTimeout time.Duration

	bookSignal *bus.Latest[struct{}]
	invBus     *bus.Latest[types.InventorySnapshot]

	inventory      int64
	inventoryKnown bool

	logger *slog.Logger
}

// NewMaker creates a strategy instance for one instrument. staleTimeout is
// the config's StaleBookTimeout (§4.6): once the book has gone this long
// without an update, the maker withdraws both sides rather than quote
// against data that may no longer reflect the market.
func NewMaker(inst types.Instrument, book *market.Book, table *orders.Table, params QuoteParams, staleTimeout time.Duration,
	bookSignal *bus.Latest[struct{}], invBus *bus.Latest[types.InventorySnapshot], logger *slog.Logger) *Maker {
	return &Maker{
		inst:         inst,
		book:         book,
		table:        table,
		params:       params,
		staleTimeout: staleTimeout,
		bookSignal:   bookSignal,
		invBus:       invBus,
		logger:       logger.With("component", "strategy"),
	}
}

// staleCheckInterval bounds how often Run polls book staleness between
// book-signal/inventory events, since a feed that has stopped delivering
// updates produces no event to react to on its own.
func (m *Maker) staleCheckInterval() time.Duration {
	interval := m.staleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// Run waits on "next event from the order-book queue OR the inventory
// queue" (spec §4.4) and emits a recomputed TargetQuote on targetCh whenever
// both the book and the inventory are known. Blocks until ctx is cancelled.
func (m *Maker) Run(ctx context.Context, targetCh chan<- types.TargetQuote) {
	m.logger.Info("strategy started", "ticker", m.inst.Ticker)

	staleTicker := time.NewTicker(m.staleCheckInterval())
	defer staleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-m.bookSignal.Chan():
			m.tick(ctx, targetCh)

		case snap := <-m.invBus.Chan():
			qty, ok := snap[m.inst.Ticker]
			if !ok {
				qty = 0
			}
			m.inventory = qty
			m.inventoryKnown = true
			m.tick(ctx, targetCh)

		case <-staleTicker.C:
			if m.book.IsStale(m.staleTimeout) {
				m.withdraw(ctx, targetCh)
			}
		}
	}
}

// withdraw emits a TargetQuote with both sides nil, telling the order
// manager to cancel any resting quotes rather than leave them working
// against a book that may no longer reflect the market (spec §4.6).
func (m *Maker) withdraw(ctx context.Context, targetCh chan<- types.TargetQuote) {
	m.logger.Warn("book stale, withdrawing quotes", "ticker", m.inst.Ticker, "staleTimeout", m.staleTimeout)
	target := types.TargetQuote{
		Ticker:      m.inst.Ticker,
		ClassCode:   m.inst.ClassCode,
		GeneratedAt: time.Now(),
	}
	select {
	case targetCh <- target:
	case <-ctx.Done():
	}
}

func (m *Maker) tick(ctx context.Context, targetCh chan<- types.TargetQuote) {
	if !m.inventoryKnown {
		return
	}

	if m.book.IsStale(m.staleTimeout) {
		m.withdraw(ctx, targetCh)
		return
	}

	snap := m.book.Snapshot()
	if len(snap.Bids) == 0 || len(snap.Asks) == 0 {
		return
	}

	ownBids, ownAsks := m.table.OwnRestingVolume(m.inst.Ticker)
	bestBid, bestAsk, bidOK, askOK := ExcludeSelf(snap, ownBids, ownAsks)
	if !bidOK || !askOK {
		m.logger.Debug("no external liquidity after self-exclusion, skipping tick")
		return
	}

	bid, ask := ComputeQuote(bestBid, bestAsk, m.inventory, m.params)

	target := types.TargetQuote{
		Ticker:      m.inst.Ticker,
		ClassCode:   m.inst.ClassCode,
		Bid:         bid,
		Ask:         ask,
		GeneratedAt: time.Now(),
	}

	select {
	case targetCh <- target:
	case <-ctx.Done():
	}
}
