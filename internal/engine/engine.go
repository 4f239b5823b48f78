// Package engine is the supervisor (C7): it wires every other component
// together, starts the long-running tasks that make up the control loop,
// and owns the shutdown sequence.
//
// Lifecycle: New() -> Run() -> [runs until ctx is cancelled] -> Stop().
// Run seeds the live-orders table from the broker's own view of live
// orders (the "listActiveOrders recovery pass", spec §4.2/§9) before any
// task that could place a duplicate order begins running. On an
// unrecoverable task failure, Run's errgroup cancels every sibling task;
// Stop additionally makes a best-effort attempt to cancel all resting
// orders so a restart doesn't inherit quotes nobody is reconciling anymore.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"brokermm/internal/bus"
	"brokermm/internal/config"
	"brokermm/internal/exchange"
	"brokermm/internal/market"
	"brokermm/internal/orders"
	"brokermm/internal/store"
	"brokermm/internal/strategy"
	"brokermm/pkg/types"
)

// Engine owns one instrument's full set of long-running tasks: the two
// WebSocket feeds, the inventory poller, the strategy tick loop, the order
// manager's reconciliation pacing, and the forced-status refresher.
// Multi-instrument fan-out is explicitly out of scope (spec §1 non-goals):
// one Engine, one Book, one Table, one Maker, one Manager.
type Engine struct {
	cfg    *config.Config
	inst   types.Instrument
	logger *slog.Logger

	auth     *exchange.Auth
	client   *exchange.Client
	bookFeed *exchange.WSFeed
	execFeed *exchange.WSFeed

	book  *market.Book
	table *orders.Table
	maker *strategy.Maker
	mgr   *orders.Manager
	log   *store.Store // nil if the optional recovery log is disabled

	bookSignal *bus.Latest[struct{}]
	invBus     *bus.Latest[types.InventorySnapshot]
	targetCh   chan types.TargetQuote
}

// New wires every component for one instrument but performs no I/O.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	inst := types.Instrument{Ticker: cfg.Instrument.Ticker, ClassCode: cfg.Instrument.ClassCode}

	var recoveryLog *store.Store
	if cfg.Store.Enabled {
		s, err := store.Open(cfg.Store.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open recovery log: %w", err)
		}
		recoveryLog = s
	}

	auth := exchange.NewAuth(cfg.API.AuthURL, cfg.Auth.RefreshToken, logger)
	client := exchange.NewClient(cfg.API.OperationsURL, cfg.API.PortfolioURL, auth, cfg.DryRun, logger)

	bookFeed := exchange.NewOrderBookFeed(cfg.API.WSMarketURL, inst, cfg.Instrument.Depth, auth.AccessToken, logger)
	execFeed := exchange.NewExecutionsFeed(cfg.API.WSUserURL, inst, auth.AccessToken, logger)

	book := market.NewBook(inst.Ticker)
	var table *orders.Table
	if recoveryLog != nil {
		table = orders.NewTable(recoveryLog, logger)
	} else {
		table = orders.NewTable(nil, logger)
	}

	mgr := orders.NewManager(client, table, inst, cfg.Strategy.MinEditDelta, logger)

	bookSignal := bus.NewLatest[struct{}]()
	invBus := bus.NewLatest[types.InventorySnapshot]()

	params := strategy.QuoteParams{
		Spread:         cfg.Strategy.Spread,
		BaseSize:       cfg.Strategy.BaseOrderQuantity,
		InventoryLimit: cfg.Strategy.InventoryLimit,
		InventoryK:     cfg.Strategy.SkewCoefficient,
		TickSize:       cfg.Strategy.TickSize,
	}
	maker := strategy.NewMaker(inst, book, table, params, cfg.Strategy.StaleBookTimeout, bookSignal, invBus, logger)

	return &Engine{
		cfg:        cfg,
		inst:       inst,
		logger:     logger.With("component", "engine"),
		auth:       auth,
		client:     client,
		bookFeed:   bookFeed,
		execFeed:   execFeed,
		book:       book,
		table:      table,
		maker:      maker,
		mgr:        mgr,
		log:        recoveryLog,
		bookSignal: bookSignal,
		invBus:     invBus,
		targetCh:   make(chan types.TargetQuote, 4),
	}, nil
}

// Run authorizes, seeds the live-orders table, starts every long-running
// task, and blocks until one task fails unrecoverably or ctx is cancelled.
// On return, every task has already been signalled to stop; the caller
// still owns calling Stop to run the best-effort order-cancellation sweep.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.auth.Refresh(ctx); err != nil {
		return fmt.Errorf("startup authorization: %w", err)
	}

	if err := e.recoverLiveOrders(ctx); err != nil {
		e.logger.Warn("startup order recovery failed, continuing with an empty table", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.runWithRestart(gctx, "orderbook_ws", e.bookFeed.Run) })
	g.Go(func() error { return e.runWithRestart(gctx, "executions_ws", e.execFeed.Run) })
	g.Go(func() error { e.dispatchBookFrames(gctx); return nil })
	g.Go(func() error { e.dispatchExecutionFrames(gctx); return nil })
	g.Go(func() error { e.runInventoryRefresher(gctx); return nil })
	g.Go(func() error { e.maker.Run(gctx, e.targetCh); return nil })
	g.Go(func() error { e.runOrderManager(gctx); return nil })
	g.Go(func() error { e.mgr.RunForcedRefresher(gctx, e.cfg.Strategy.ForcedRefreshInterval); return nil })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runWithRestart adapts a long-running task whose own Run already
// auto-reconnects (WSFeed.Run never returns except on context cancellation)
// so the errgroup sees a clean nil on shutdown instead of treating a
// cancelled context as a fatal task failure.
func (e *Engine) runWithRestart(ctx context.Context, name string, run func(context.Context) error) error {
	err := run(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Stop makes a best-effort attempt to cancel every order still live, then
// closes the recovery log. Intended to run after Run's context has already
// been cancelled (by the caller, or by Run itself on fatal task failure).
func (e *Engine) Stop(ctx context.Context) {
	e.logger.Info("shutting down, cancelling live orders")

	for _, o := range e.table.Snapshot() {
		if o.Status.Terminal() {
			continue
		}
		if err := e.client.CancelOrder(ctx, o.ClientOrderID); err != nil {
			e.logger.Error("shutdown cancel failed", "clientOrderId", o.ClientOrderID, "error", err)
			continue
		}
		e.table.Remove(o.ClientOrderID)
	}

	if e.log != nil {
		if err := e.log.Close(); err != nil {
			e.logger.Error("close recovery log", "error", err)
		}
	}

	e.logger.Info("shutdown complete")
}

// recoverLiveOrders seeds the table from the broker's order search for this
// instrument before any task starts, so a restart after a crash doesn't open
// duplicate quotes alongside orders the broker still shows as live. The
// search is filtered by ticker and class code only, with no date window;
// rows with a terminal status are skipped here.
func (e *Engine) recoverLiveOrders(ctx context.Context) error {
	results, err := e.client.ListActiveOrders(ctx, e.inst)
	if err != nil {
		return fmt.Errorf("list active orders: %w", err)
	}

	for _, r := range results {
		status := types.OrderStatus(r.OrderStatus)
		if status.Terminal() {
			continue
		}
		side := types.Ask
		if r.Side == types.Bid.WireSide() {
			side = types.Bid
		}
		price, _ := decimalFromString(r.Price)
		e.table.Insert(types.Order{
			ClientOrderID: r.ClientOrderID,
			Ticker:        r.Ticker,
			ClassCode:     r.ClassCode,
			Side:          side,
			Price:         price,
			Quantity:      r.RemainedQuantity,
			Status:        status,
		})
	}

	e.logger.Info("recovered live orders at startup", "count", len(e.table.Snapshot()))
	return nil
}

// dispatchBookFrames applies every order-book frame to the local book
// mirror and signals the strategy that a new snapshot is available.
func (e *Engine) dispatchBookFrames(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-e.bookFeed.OrderBookFrames():
			bids, asks := decodeLevels(frame.Bids), decodeLevels(frame.Asks)
			e.book.ApplySnapshot(bids, asks)
			e.bookSignal.Publish(struct{}{})
		}
	}
}

// dispatchExecutionFrames applies every execution report to the live-orders
// table. This feed is best-effort only (spec §9); the forced refresher is
// the authoritative repair path.
func (e *Engine) dispatchExecutionFrames(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-e.execFeed.ExecutionFrames():
			e.table.ApplyExecutionReport(types.ExecutionReport{
				ClientOrderID:    frame.ClientOrderID,
				OrderStatus:      types.OrderStatus(frame.Data.OrderStatus),
				RemainedQuantity: frame.Data.RemainedQuantity,
			})
		}
	}
}

// runInventoryRefresher polls the portfolio on a fixed period and publishes
// an InventorySnapshot, swallowing transient errors (spec §4.2
// inventoryRefresher).
func (e *Engine) runInventoryRefresher(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Strategy.RefreshInterval)
	defer ticker.Stop()

	poll := func() {
		snap, err := e.client.GetPortfolio(ctx)
		if err != nil {
			e.logger.Warn("inventory refresh failed", "error", err)
			return
		}
		e.invBus.Publish(snap)
	}

	poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		}
	}
}

// runOrderManager paces reconciliation passes at ReconcileInterval
// (spec §4.6: "a small sleep (>= 5s) between reconciliation passes"),
// always reconciling against the most recently received target rather than
// queuing every tick the strategy emits.
func (e *Engine) runOrderManager(ctx context.Context) {
	pace := time.NewTicker(e.cfg.Strategy.ReconcileInterval)
	defer pace.Stop()

	var latest types.TargetQuote
	have := false

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-e.targetCh:
			latest = t
			have = true
		case <-pace.C:
			if have {
				e.mgr.Reconcile(ctx, latest)
			}
		}
	}
}

func decodeLevels(levels []types.WSPriceLevel) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(levels))
	for _, l := range levels {
		price, err := decimalFromString(l.Price)
		if err != nil {
			continue
		}
		qty, err := int64FromString(l.Quantity)
		if err != nil {
			continue
		}
		out = append(out, types.PriceLevel{Price: price, Quantity: qty})
	}
	return out
}
