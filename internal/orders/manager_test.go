package orders

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"brokermm/pkg/types"
)

// fakeBroker is a minimal stand-in for *exchange.Client so reconciliation
// can be tested without a live HTTP session.
type fakeBroker struct {
	placed   []placeCall
	edited   []editCall
	canceled []string
	nextID   int
}

type placeCall struct {
	side  types.Side
	price decimal.Decimal
	qty   int64
}

type editCall struct {
	existingID string
	price      decimal.Decimal
	qty        int64
}

func (f *fakeBroker) PlaceLimit(_ context.Context, _ types.Instrument, side types.Side, price decimal.Decimal, qty int64) (string, error) {
	f.nextID++
	f.placed = append(f.placed, placeCall{side, price, qty})
	return idFor(f.nextID), nil
}

func (f *fakeBroker) EditOrder(_ context.Context, existingID string, price decimal.Decimal, qty int64) (string, error) {
	f.nextID++
	f.edited = append(f.edited, editCall{existingID, price, qty})
	return idFor(f.nextID), nil
}

func (f *fakeBroker) CancelOrder(_ context.Context, existingID string) error {
	f.canceled = append(f.canceled, existingID)
	return nil
}

func (f *fakeBroker) GetOrderStatus(_ context.Context, clientOrderID string) (*types.ExecutionReport, error) {
	return &types.ExecutionReport{ClientOrderID: clientOrderID, OrderStatus: types.StatusNew}, nil
}

func idFor(n int) string { return "id-" + string(rune('0'+n)) }

func testInstrument() types.Instrument {
	return types.Instrument{Ticker: "SBER", ClassCode: "TQBR"}
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// TestReconcilePlacesMissingSides covers the no-existing-order path: both
// sides of a fresh target get a PlaceLimit call.
func TestReconcilePlacesMissingSides(t *testing.T) {
	t.Parallel()
	broker := &fakeBroker{}
	table := NewTable(nil, testLogger())
	mgr := NewManager(broker, table, testInstrument(), 0, testLogger())

	target := types.TargetQuote{
		Ticker: "SBER", ClassCode: "TQBR",
		Bid: &types.QuoteSide{Price: dec("100.00"), Quantity: 1},
		Ask: &types.QuoteSide{Price: dec("100.50"), Quantity: 1},
	}
	mgr.Reconcile(context.Background(), target)

	require.Len(t, broker.placed, 2)
	require.Empty(t, broker.edited)
	require.Empty(t, broker.canceled)

	_, hasBid := table.ActiveBySide("SBER", types.Bid)
	_, hasAsk := table.ActiveBySide("SBER", types.Ask)
	require.True(t, hasBid)
	require.True(t, hasAsk)
}

// TestReconcileS4HysteresisBelowThresholdNoEdit verifies spec.md's worked
// scenario S4: a price delta below minEditDelta issues no edit.
func TestReconcileS4HysteresisBelowThresholdNoEdit(t *testing.T) {
	t.Parallel()
	broker := &fakeBroker{}
	table := NewTable(nil, testLogger())
	table.Insert(types.Order{ClientOrderID: "existing", Ticker: "SBER", ClassCode: "TQBR", Side: types.Bid, Price: dec("100.00"), Quantity: 1, Status: types.StatusNew})
	mgr := NewManager(broker, table, testInstrument(), 0.10, testLogger())

	mgr.Reconcile(context.Background(), types.TargetQuote{
		Ticker: "SBER", ClassCode: "TQBR",
		Bid: &types.QuoteSide{Price: dec("100.05"), Quantity: 1},
	})

	require.Empty(t, broker.edited, "a 0.05 delta should stay under the 0.10 hysteresis band")
}

// TestReconcileS4HysteresisAboveThresholdEdits verifies the other half of
// S4: a price delta at/above minEditDelta issues an edit and the table
// tracks the new id.
func TestReconcileS4HysteresisAboveThresholdEdits(t *testing.T) {
	t.Parallel()
	broker := &fakeBroker{}
	table := NewTable(nil, testLogger())
	table.Insert(types.Order{ClientOrderID: "existing", Ticker: "SBER", ClassCode: "TQBR", Side: types.Bid, Price: dec("100.00"), Quantity: 1, Status: types.StatusNew})
	mgr := NewManager(broker, table, testInstrument(), 0.10, testLogger())

	mgr.Reconcile(context.Background(), types.TargetQuote{
		Ticker: "SBER", ClassCode: "TQBR",
		Bid: &types.QuoteSide{Price: dec("100.20"), Quantity: 1},
	})

	require.Len(t, broker.edited, 1)
	require.Equal(t, "existing", broker.edited[0].existingID)

	for _, id := range table.IDs() {
		require.NotEqual(t, "existing", id, "old id should be gone after edit")
	}
}

// TestReconcileS3CancelsOmittedSide verifies spec.md's worked scenario S3:
// a side absent from the target (size 0, omitted by the strategy) cancels
// any existing order on that side.
func TestReconcileS3CancelsOmittedSide(t *testing.T) {
	t.Parallel()
	broker := &fakeBroker{}
	table := NewTable(nil, testLogger())
	table.Insert(types.Order{ClientOrderID: "existing-bid", Ticker: "SBER", ClassCode: "TQBR", Side: types.Bid, Price: dec("100.00"), Quantity: 1, Status: types.StatusNew})
	mgr := NewManager(broker, table, testInstrument(), 0, testLogger())

	mgr.Reconcile(context.Background(), types.TargetQuote{
		Ticker: "SBER", ClassCode: "TQBR",
		Bid: nil,
		Ask: &types.QuoteSide{Price: dec("100.50"), Quantity: 1},
	})

	require.Equal(t, []string{"existing-bid"}, broker.canceled)
	_, hasBid := table.ActiveBySide("SBER", types.Bid)
	require.False(t, hasBid, "cancelled side should be removed from the table")
}

// TestReconcileNoOpWhenNothingDesiredOrLive confirms an empty target over
// an empty table issues no RPCs at all.
func TestReconcileNoOpWhenNothingDesiredOrLive(t *testing.T) {
	t.Parallel()
	broker := &fakeBroker{}
	table := NewTable(nil, testLogger())
	mgr := NewManager(broker, table, testInstrument(), 0, testLogger())

	mgr.Reconcile(context.Background(), types.TargetQuote{Ticker: "SBER", ClassCode: "TQBR"})

	require.Empty(t, broker.placed)
	require.Empty(t, broker.edited)
	require.Empty(t, broker.canceled)
}
