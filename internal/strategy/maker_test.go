package strategy

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"brokermm/internal/bus"
	"brokermm/internal/market"
	"brokermm/internal/orders"
	"brokermm/pkg/types"
)

func testMakerLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func lvl(price string, qty int64) types.PriceLevel {
	p, _ := decimal.NewFromString(price)
	return types.PriceLevel{Price: p, Quantity: qty}
}

func newTestMaker(staleTimeout time.Duration) (*Maker, *market.Book, *bus.Latest[struct{}], *bus.Latest[types.InventorySnapshot]) {
	inst := types.Instrument{Ticker: "SBER", ClassCode: "TQBR"}
	book := market.NewBook(inst.Ticker)
	table := orders.NewTable(nil, testMakerLogger())
	bookSignal := bus.NewLatest[struct{}]()
	invBus := bus.NewLatest[types.InventorySnapshot]()
	params := QuoteParams{Spread: 0.2, BaseSize: 1, InventoryLimit: 5, InventoryK: 0.05, TickSize: 0.01}

	m := NewMaker(inst, book, table, params, staleTimeout, bookSignal, invBus, testMakerLogger())
	return m, book, bookSignal, invBus
}

// TestMakerWithdrawsOnStaleBook confirms the StaleBookTimeout config knob
// (spec §4.6) is actually wired: once the book has gone stale, the maker
// emits a TargetQuote with both sides nil instead of quoting against data
// that may no longer reflect the market.
func TestMakerWithdrawsOnStaleBook(t *testing.T) {
	const staleTimeout = 200 * time.Millisecond
	m, book, bookSignal, invBus := newTestMaker(staleTimeout)
	book.ApplySnapshot([]types.PriceLevel{lvl("100.00", 5)}, []types.PriceLevel{lvl("100.10", 5)})

	targetCh := make(chan types.TargetQuote, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx, targetCh)

	invBus.Publish(types.InventorySnapshot{"SBER": 0})
	select {
	case target := <-targetCh:
		if target.Bid == nil || target.Ask == nil {
			t.Fatalf("expected an initial two-sided quote while book is fresh, got %+v", target)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial quote")
	}

	// Let the book go well past staleTimeout without another snapshot, then
	// trigger a tick via the book signal — tick() checks IsStale itself, so
	// this doesn't depend on the slower periodic staleness ticker firing.
	time.Sleep(3 * staleTimeout)
	bookSignal.Publish(struct{}{})

	select {
	case target := <-targetCh:
		if target.Bid != nil || target.Ask != nil {
			t.Fatalf("expected a nil-sided withdrawal once the book is stale, got %+v", target)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a withdrawal (nil-sided) target after the book went stale")
	}
}

// TestMakerTickSkipsWhenInventoryUnknown confirms no quote is emitted before
// the first inventory snapshot arrives (spec §4.4's join condition).
func TestMakerTickSkipsWhenInventoryUnknown(t *testing.T) {
	m, book, bookSignal, _ := newTestMaker(time.Minute)
	book.ApplySnapshot([]types.PriceLevel{lvl("100.00", 5)}, []types.PriceLevel{lvl("100.10", 5)})

	targetCh := make(chan types.TargetQuote, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx, targetCh)

	bookSignal.Publish(struct{}{})

	select {
	case target := <-targetCh:
		t.Fatalf("expected no quote before inventory is known, got %+v", target)
	case <-time.After(100 * time.Millisecond):
	}
}
