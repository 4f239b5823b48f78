package strategy

import (
	"math"

	"github.com/shopspring/decimal"

	"brokermm/pkg/types"
)

// QuoteParams are the tunable inputs to ComputeQuote, threaded through from
// config.StrategyConfig.
type QuoteParams struct {
	Spread         float64
	BaseSize       int64
	InventoryLimit int64
	InventoryK     float64
	TickSize       float64
}

// ComputeQuote implements the inventory-skewed symmetric quote model:
//
//	mid    = (bestBid + bestAsk) / 2
//	skew   = k * inventory
//	center = mid - skew
//	bid    = min(center - spread/2, bestBid)
//	ask    = max(center + spread/2, bestAsk)
//
// Size on the side that would grow the position scales down linearly with
// |inventory|/limit (floor 0.1x) and drops to zero once |inventory| reaches
// limit (I3); the opposite side always quotes the full base size.
//
// Math is done in float64 to mirror the reference worked examples exactly;
// the result is converted to tick-quantized decimal.Decimal only at the
// boundary, in toQuoteSide.
func ComputeQuote(bestBid, bestAsk float64, inventory int64, p QuoteParams) (bid, ask *types.QuoteSide) {
	mid := (bestBid + bestAsk) / 2
	skew := p.InventoryK * float64(inventory)
	center := mid - skew

	bidPrice := math.Min(center-p.Spread/2, bestBid)
	askPrice := math.Max(center+p.Spread/2, bestAsk)

	bidSize := sizeFor(inventory, p, true)
	askSize := sizeFor(inventory, p, false)

	if bidSize > 0 {
		bid = toQuoteSide(bidPrice, bidSize, p.TickSize)
	}
	if askSize > 0 {
		ask = toQuoteSide(askPrice, askSize, p.TickSize)
	}
	return bid, ask
}

// sizeFor computes the size for one side. The side growing the position
// (bid when inventory > 0, ask when inventory < 0) scales down with
// inventory utilization; the other side always quotes the base size.
func sizeFor(inventory int64, p QuoteParams, isBid bool) int64 {
	growsPosition := (isBid && inventory > 0) || (!isBid && inventory < 0)
	if !growsPosition {
		return p.BaseSize
	}

	if isBid && inventory >= p.InventoryLimit {
		return 0
	}
	if !isBid && inventory <= -p.InventoryLimit {
		return 0
	}

	utilization := math.Abs(float64(inventory)) / float64(p.InventoryLimit)
	scale := math.Max(0.1, 1-utilization)
	size := int64(math.Round(float64(p.BaseSize) * scale))
	if size < 1 {
		size = 1
	}
	return size
}

func toQuoteSide(price float64, quantity int64, tick float64) *types.QuoteSide {
	quantized := math.Round(price/tick) * tick
	return &types.QuoteSide{
		Price:    decimal.NewFromFloat(quantized).Round(2),
		Quantity: quantity,
	}
}
