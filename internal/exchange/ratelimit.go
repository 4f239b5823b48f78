// ratelimit.go implements request pacing for the broker's REST API.
//
// Order mutation (place/edit/cancel) is paced by a continuously-refilling
// token bucket so a reconciliation burst never exceeds a conservative
// single-account budget. The forced order-status refresher, which can issue
// a burst of GET /orders/{id} calls proportional to the live-orders table
// size, is paced separately with golang.org/x/time/rate so a large table
// can't overrun the broker even though individual order mutations are rare.
package exchange

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket paces calls to a single fractional-token budget that refills
// continuously rather than in fixed windows, so a caller never has to wait
// out a whole window for one token. Safe for concurrent use.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	burst      float64
	refillRate float64 // tokens added per second
	refilledAt time.Time
}

// NewTokenBucket creates a bucket that starts full at burst capacity and
// refills at refillPerSec tokens/second.
func NewTokenBucket(burst, refillPerSec float64) *TokenBucket {
	return &TokenBucket{
		tokens:     burst,
		burst:      burst,
		refillRate: refillPerSec,
		refilledAt: time.Now(),
	}
}

// refillLocked brings tb.tokens up to date for the elapsed time since the
// last refill. Caller must hold tb.mu.
func (tb *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(tb.refilledAt).Seconds()
	tb.tokens = min(tb.burst, tb.tokens+elapsed*tb.refillRate)
	tb.refilledAt = now
}

// Wait blocks until a token is available or ctx is cancelled, taking exactly
// one token on success.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		tb.refillLocked(time.Now())

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		shortfall := 1 - tb.tokens
		wait := time.Duration(shortfall / tb.refillRate * float64(time.Second))
		tb.mu.Unlock()

		if err := sleepOrCancel(ctx, wait); err != nil {
			return err
		}
	}
}

// sleepOrCancel waits for d or ctx cancellation, whichever comes first,
// stopping the timer in both cases so it doesn't linger in the runtime's
// timer heap until it would have otherwise fired.
func sleepOrCancel(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RateLimiter groups the buckets that pace each REST call category this
// engine issues.
type RateLimiter struct {
	Orders    *TokenBucket  // place/edit/cancel
	Portfolio *TokenBucket  // GET /portfolio
	Refresh   *rate.Limiter // GET /orders/{id} from the forced refresher
}

// NewRateLimiter creates rate limiters tuned to a conservative single-account
// budget. Capacities/rates are set well under any broker's published limits
// since this engine is single-instrument and never needs to burst.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Orders:    NewTokenBucket(20, 5),
		Portfolio: NewTokenBucket(5, 1),
		Refresh:   rate.NewLimiter(rate.Limit(10), 20),
	}
}
