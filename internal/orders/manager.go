package orders

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"brokermm/pkg/types"
)

// broker is the subset of the REST client the order manager needs. Declared
// as an interface here (rather than depending on *exchange.Client directly)
// so reconciliation tests can substitute a fake without spinning up HTTP.
type broker interface {
	PlaceLimit(ctx context.Context, inst types.Instrument, side types.Side, price decimal.Decimal, quantity int64) (string, error)
	EditOrder(ctx context.Context, existingID string, price decimal.Decimal, quantity int64) (string, error)
	CancelOrder(ctx context.Context, existingID string) error
	GetOrderStatus(ctx context.Context, clientOrderID string) (*types.ExecutionReport, error)
}

// DefaultMinEditDelta is the hysteresis band below which a price change is
// ignored to avoid churn (spec §4.6).
const DefaultMinEditDelta = 0.10

// Manager is the order manager (C5): diffs TargetQuote against the
// live-orders table and issues place/edit/cancel RPCs to converge.
type Manager struct {
	client       broker
	table        *Table
	inst         types.Instrument
	minEditDelta decimal.Decimal
	logger       *slog.Logger
}

// NewManager creates an order manager bound to one instrument's table.
func NewManager(client broker, table *Table, inst types.Instrument, minEditDelta float64, logger *slog.Logger) *Manager {
	if minEditDelta <= 0 {
		minEditDelta = DefaultMinEditDelta
	}
	return &Manager{
		client:       client,
		table:        table,
		inst:         inst,
		minEditDelta: decimal.NewFromFloat(minEditDelta),
		logger:       logger.With("component", "order_manager"),
	}
}

// Reconcile drives the live-orders table toward target, one side at a time.
func (m *Manager) Reconcile(ctx context.Context, target types.TargetQuote) {
	m.reconcileSide(ctx, types.Bid, target.Bid)
	m.reconcileSide(ctx, types.Ask, target.Ask)
}

func (m *Manager) reconcileSide(ctx context.Context, side types.Side, want *types.QuoteSide) {
	existing, hasExisting := m.table.ActiveBySide(m.inst.Ticker, side)

	if want == nil {
		if hasExisting {
			if err := m.client.CancelOrder(ctx, existing.ClientOrderID); err != nil {
				m.logger.Error("cancel failed", "side", side, "clientOrderId", existing.ClientOrderID, "error", err)
				return
			}
			m.table.Remove(existing.ClientOrderID)
		}
		return
	}

	if !hasExisting {
		id, err := m.client.PlaceLimit(ctx, m.inst, side, want.Price, want.Quantity)
		if err != nil {
			m.logger.Error("place failed", "side", side, "error", err)
			return
		}
		m.table.Insert(types.Order{
			ClientOrderID: id,
			Ticker:        m.inst.Ticker,
			ClassCode:     m.inst.ClassCode,
			Side:          side,
			Price:         want.Price,
			Quantity:      want.Quantity,
			Status:        types.StatusNew,
		})
		return
	}

	delta := want.Price.Sub(existing.Price).Abs()
	if delta.LessThan(m.minEditDelta) {
		return
	}

	newID, err := m.client.EditOrder(ctx, existing.ClientOrderID, want.Price, want.Quantity)
	if err != nil {
		m.logger.Error("edit failed", "side", side, "clientOrderId", existing.ClientOrderID, "error", err)
		return
	}
	m.table.ReplaceOnEdit(existing.ClientOrderID, types.Order{
		ClientOrderID: newID,
		Ticker:        m.inst.Ticker,
		ClassCode:     m.inst.ClassCode,
		Side:          side,
		Price:         want.Price,
		Quantity:      want.Quantity,
		Status:        types.StatusNew,
	})
}

// RunForcedRefresher polls getOrderStatus for every live order on a fixed
// period, independent of the execution WebSocket, and applies the same
// state-machine transitions. This is the authoritative repair path per
// spec §9: the executions feed is explicitly best-effort only.
func (m *Manager) RunForcedRefresher(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range m.table.IDs() {
				report, err := m.client.GetOrderStatus(ctx, id)
				if err != nil {
					m.logger.Warn("forced refresh failed", "clientOrderId", id, "error", err)
					continue
				}
				m.table.ApplyExecutionReport(*report)
			}
		}
	}
}
