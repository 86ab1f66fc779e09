// ratelimit.go implements token-bucket rate limiting for the futures API.
//
// The venue enforces request-weight limits per minute plus a separate order
// budget. This file provides a smooth token-bucket implementation that
// refills continuously (rather than in one-minute bursts) to avoid hitting
// hard limits and the resulting 429/418 bans.
//
// Three buckets are maintained:
//   - Market: public market-data reads (exchangeInfo, tickers, bookTicker)
//   - Order:  order placement and cancellation
//   - Account: signed account reads (positionRisk, openOrders, userTrades)
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by endpoint category. Each gateway
// operation calls the appropriate bucket's Wait() before the HTTP request.
type RateLimiter struct {
	Market  *TokenBucket // public market-data reads
	Order   *TokenBucket // order placement / cancellation
	Account *TokenBucket // signed account reads
}

// NewRateLimiter creates rate limiters tuned below the venue's published
// 2400 weight/min and 1200 orders/min budgets, with headroom for the
// round-robin spread poller.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Market:  NewTokenBucket(120, 20),
		Order:   NewTokenBucket(60, 10),
		Account: NewTokenBucket(60, 10),
	}
}
