// Package orders implements the live-orders table (C6) and the order
// manager reconciliation logic (C5).
//
// Table is the in-memory mapping from clientOrderId to order record. It is
// mutated by three sources: the order manager's own RPC acknowledgements,
// the executions WebSocket's best-effort stream, and the forced REST
// refresher that repairs drift when the WebSocket has missed updates. The
// spec's single-threaded event-loop model maps here to an RWMutex since Go
// schedules goroutines preemptively; the locking discipline is the same
// "one writer completes before the next reads" guarantee the spec describes.
package orders

import (
	"log/slog"
	"sync"

	"brokermm/pkg/types"
)

// recoveryLog is the subset of store.Store the table needs, kept as an
// interface so the table has no hard dependency on the disk-backed log when
// StoreConfig.Enabled is false.
type recoveryLog interface {
	Append(types.Order) error
}

// Table is the live-orders table: at most one non-terminal order per
// (ticker, side) once a reconciliation pass completes (I2).
type Table struct {
	mu     sync.RWMutex
	byID   map[string]types.Order
	log    recoveryLog // nil if the optional recovery log is disabled
	logger *slog.Logger
}

// NewTable creates an empty live-orders table. log may be nil.
func NewTable(log recoveryLog, logger *slog.Logger) *Table {
	return &Table{
		byID:   make(map[string]types.Order),
		log:    log,
		logger: logger.With("component", "orders_table"),
	}
}

func (t *Table) record(o types.Order) {
	if t.log == nil {
		return
	}
	if err := t.log.Append(o); err != nil {
		t.logger.Warn("recovery log append failed", "clientOrderId", o.ClientOrderID, "error", err)
	}
}

// Insert adds a freshly placed order with status New.
func (t *Table) Insert(o types.Order) {
	t.mu.Lock()
	t.byID[o.ClientOrderID] = o
	t.mu.Unlock()
	t.record(o)
}

// Remove deletes an order immediately, used on a successful cancel ack.
// An edit's replacement of the old id goes through ReplaceOnEdit instead.
func (t *Table) Remove(clientOrderID string) {
	t.mu.Lock()
	o, ok := t.byID[clientOrderID]
	delete(t.byID, clientOrderID)
	t.mu.Unlock()
	if ok {
		o.Status = types.StatusCancelled
		t.record(o)
	}
}

// ReplaceOnEdit removes the old id and inserts the new one with status New,
// per the spec's edit transition (§4.5/§4.2).
func (t *Table) ReplaceOnEdit(oldID string, next types.Order) {
	t.mu.Lock()
	delete(t.byID, oldID)
	t.byID[next.ClientOrderID] = next
	t.mu.Unlock()
	t.record(next)
}

// ApplyExecutionReport runs the §4.5 state machine transition for one
// report. Idempotent under duplicate delivery (P6): applying the same
// terminal report twice is a no-op the second time since the entry is
// already gone, and applying the same non-terminal report twice just
// rewrites the same fields.
func (t *Table) ApplyExecutionReport(r types.ExecutionReport) {
	t.mu.Lock()

	o, ok := t.byID[r.ClientOrderID]
	if !ok {
		t.mu.Unlock()
		t.logger.Debug("execution report for unknown order, ignoring",
			"clientOrderId", r.ClientOrderID, "status", r.OrderStatus)
		return
	}

	switch r.OrderStatus {
	case types.StatusFilled, types.StatusCancelled, types.StatusCancelling, types.StatusRejected:
		delete(t.byID, r.ClientOrderID)
		o.Status = r.OrderStatus
		t.mu.Unlock()
		t.logger.Info("order removed from table",
			"clientOrderId", r.ClientOrderID,
			"statusCode", int(r.OrderStatus), "status", r.OrderStatus.String())
		t.record(o)

	case types.StatusPartiallyFilled:
		o.Status = r.OrderStatus
		o.Quantity = r.RemainedQuantity
		t.byID[r.ClientOrderID] = o
		t.mu.Unlock()
		t.logger.Info("order partially filled",
			"clientOrderId", r.ClientOrderID, "remainedQuantity", r.RemainedQuantity,
			"statusCode", int(r.OrderStatus), "status", r.OrderStatus.String())
		t.record(o)

	default:
		o.Status = r.OrderStatus
		t.byID[r.ClientOrderID] = o
		t.mu.Unlock()
		t.logger.Debug("order status updated",
			"clientOrderId", r.ClientOrderID,
			"statusCode", int(r.OrderStatus), "status", r.OrderStatus.String())
		t.record(o)
	}
}

// ActiveBySide returns the single non-terminal order resting on (ticker,
// side), if any (I2).
func (t *Table) ActiveBySide(ticker string, side types.Side) (types.Order, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, o := range t.byID {
		if o.Ticker == ticker && o.Side == side && !o.Status.Terminal() {
			return o, true
		}
	}
	return types.Order{}, false
}

// Snapshot returns a copy of every order currently in the table.
func (t *Table) Snapshot() []types.Order {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.Order, 0, len(t.byID))
	for _, o := range t.byID {
		out = append(out, o)
	}
	return out
}

// IDs returns every clientOrderId currently in the table, for the forced
// refresher to poll.
func (t *Table) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.byID))
	for id := range t.byID {
		out = append(out, id)
	}
	return out
}

// OwnRestingVolume returns the engine's own resting quantity at each price,
// keyed by the decimal string representation, split by side — the input
// ExcludeSelf needs to subtract from the observed book.
func (t *Table) OwnRestingVolume(ticker string) (ownBids, ownAsks map[string]int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ownBids = make(map[string]int64)
	ownAsks = make(map[string]int64)
	for _, o := range t.byID {
		if o.Ticker != ticker || o.Status.Terminal() {
			continue
		}
		key := o.Price.String()
		if o.Side == types.Bid {
			ownBids[key] += o.Quantity
		} else {
			ownAsks[key] += o.Quantity
		}
	}
	return ownBids, ownAsks
}
