package marketdata

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "options-desk/internal/errors"
	"options-desk/internal/models"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// ErrCircuitOpen is returned while the upstream is considered down.
var ErrCircuitOpen = errors.New("market data circuit is open")

// CircuitBreaker stops calling an upstream after repeated transient
// failures and lets one probe through once the cooldown has passed.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu          sync.Mutex
	state       CircuitState
	failures    int
	lastFailure time.Time
	rejected    int64
}

// NewCircuitBreaker opens after threshold consecutive failures.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now, state: CircuitClosed}
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.lastFailure) < cb.cooldown {
			cb.rejected++
			return ErrCircuitOpen
		}
		cb.state = CircuitHalfOpen
	}
	return nil
}

// record updates the breaker with a call outcome. Lookups the upstream
// answered definitively (unknown symbol, bad input) count as healthy.
func (cb *CircuitBreaker) record(err error) (opened bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil || errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, apperrors.ErrInvalidInput) ||
		errors.Is(err, context.Canceled) {
		cb.state = CircuitClosed
		cb.failures = 0
		return false
	}
	cb.failures++
	cb.lastFailure = cb.now()
	if cb.state == CircuitHalfOpen || cb.failures >= cb.threshold {
		opened = cb.state != CircuitOpen
		cb.state = CircuitOpen
	}
	return opened
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Rejected returns how many calls were refused while open.
func (cb *CircuitBreaker) Rejected() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.rejected
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = 0
}

// BreakerProvider guards an upstream provider with a circuit breaker.
type BreakerProvider struct {
	next    Provider
	breaker *CircuitBreaker
	logger  zerolog.Logger
	name    string
}

// NewBreakerProvider wraps next.
func NewBreakerProvider(name string, next Provider, breaker *CircuitBreaker, logger zerolog.Logger) *BreakerProvider {
	return &BreakerProvider{next: next, breaker: breaker, logger: logger, name: name}
}

// Breaker exposes the underlying circuit breaker.
func (b *BreakerProvider) Breaker() *CircuitBreaker { return b.breaker }

func guard[T any](b *BreakerProvider, fn func() (T, error)) (T, error) {
	var zero T
	if err := b.breaker.allow(); err != nil {
		return zero, err
	}
	v, err := fn()
	if b.breaker.record(err) {
		b.logger.Warn().Err(err).Str("provider", b.name).Msg("Market data circuit opened")
	}
	return v, err
}

// GetQuote fetches a quote unless the circuit is open.
func (b *BreakerProvider) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	return guard(b, func() (*models.Quote, error) { return b.next.GetQuote(ctx, symbol) })
}

// HistoricalVolatility fetches volatility unless the circuit is open.
func (b *BreakerProvider) HistoricalVolatility(ctx context.Context, symbol string) (float64, error) {
	return guard(b, func() (float64, error) { return b.next.HistoricalVolatility(ctx, symbol) })
}

// RiskFreeRate fetches the rate unless the circuit is open.
func (b *BreakerProvider) RiskFreeRate(ctx context.Context) (float64, error) {
	return guard(b, func() (float64, error) { return b.next.RiskFreeRate(ctx) })
}
