package strategy

import (
	"brokermm/pkg/types"
)

// ExcludeSelf computes the "external" best bid and ask (I5): the book top
// after subtracting the engine's own resting volume at each price level.
// It walks bids from best downward and asks from best upward, subtracting
// ownBids[price]/ownAsks[price] from each level's quantity, and returns the
// first level whose residual quantity is still positive. A side with no
// remaining external liquidity reports ok=false for that side.
//
// The walk (not a blind read of level 0) is what makes this idempotent and
// monotone (P5): increasing the engine's own resting volume at a level can
// only push the external best further away, never closer.
func ExcludeSelf(book types.OrderBookSnapshot, ownBids, ownAsks map[string]int64) (bestBid, bestAsk float64, bidOK, askOK bool) {
	bestBid, bidOK = externalTop(book.Bids, ownBids)
	bestAsk, askOK = externalTop(book.Asks, ownAsks)
	return bestBid, bestAsk, bidOK, askOK
}

func externalTop(levels []types.PriceLevel, own map[string]int64) (float64, bool) {
	for _, lvl := range levels {
		residual := lvl.Quantity - own[lvl.Price.String()]
		if residual > 0 {
			p, _ := lvl.Price.Float64()
			return p, true
		}
	}
	return 0, false
}
