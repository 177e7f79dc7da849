package marketdata

import (
	"context"
	"sync"
	"time"

	"options-desk/internal/models"
)

// RateLimiter implements a token bucket rate limiter.
type RateLimiter struct {
	rate       float64 // tokens per second
	burst      int     // max tokens
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: time.Now(),
		now:        time.Now,
	}
}

// Allow checks if a request is allowed under the rate limit.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	elapsed := now.Sub(r.lastUpdate).Seconds()
	r.lastUpdate = now

	// Add tokens based on elapsed time
	r.tokens += elapsed * r.rate
	if r.tokens > float64(r.burst) {
		r.tokens = float64(r.burst)
	}

	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// Wait blocks until a request is allowed or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if r.Allow() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RateLimitedProvider throttles upstream quote and volatility lookups.
type RateLimitedProvider struct {
	next    Provider
	limiter *RateLimiter
}

// NewRateLimitedProvider wraps next with a token bucket.
func NewRateLimitedProvider(next Provider, perSecond float64, burst int) *RateLimitedProvider {
	return &RateLimitedProvider{next: next, limiter: NewRateLimiter(perSecond, burst)}
}

// GetQuote waits for a token, then fetches.
func (p *RateLimitedProvider) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.next.GetQuote(ctx, symbol)
}

// HistoricalVolatility waits for a token, then fetches.
func (p *RateLimitedProvider) HistoricalVolatility(ctx context.Context, symbol string) (float64, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return p.next.HistoricalVolatility(ctx, symbol)
}

// RiskFreeRate is not throttled.
func (p *RateLimitedProvider) RiskFreeRate(ctx context.Context) (float64, error) {
	return p.next.RiskFreeRate(ctx)
}
