package marketdata

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	apperrors "options-desk/internal/errors"
	"options-desk/internal/logging"
	"options-desk/internal/models"
	"options-desk/pkg/utils"
)

type cachedQuote struct {
	quote   models.Quote
	expires time.Time
}

// CachedProvider memoizes quotes for a TTL. Concurrent misses for the same
// symbol share one upstream call.
type CachedProvider struct {
	next   Provider
	ttl    time.Duration
	now    func() time.Time
	group  singleflight.Group
	mu     sync.RWMutex
	quotes map[string]cachedQuote
}

// NewCachedProvider wraps next with a quote cache.
func NewCachedProvider(next Provider, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		next:   next,
		ttl:    ttl,
		now:    time.Now,
		quotes: make(map[string]cachedQuote),
	}
}

// GetQuote returns a cached quote or fetches a fresh one.
func (c *CachedProvider) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	key := normalize(symbol)

	c.mu.RLock()
	entry, ok := c.quotes[key]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expires) {
		q := entry.quote
		return &q, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		c.mu.RLock()
		entry, ok := c.quotes[key]
		c.mu.RUnlock()
		if ok && c.now().Before(entry.expires) {
			return entry.quote, nil
		}

		q, err := c.next.GetQuote(ctx, symbol)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.quotes[key] = cachedQuote{quote: *q, expires: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return *q, nil
	})
	if err != nil {
		return nil, err
	}
	q := v.(models.Quote)
	return &q, nil
}

// Invalidate drops the cached quote for symbol.
func (c *CachedProvider) Invalidate(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.quotes, normalize(symbol))
}

// HistoricalVolatility passes through to the wrapped provider.
func (c *CachedProvider) HistoricalVolatility(ctx context.Context, symbol string) (float64, error) {
	return c.next.HistoricalVolatility(ctx, symbol)
}

// RiskFreeRate passes through to the wrapped provider.
func (c *CachedProvider) RiskFreeRate(ctx context.Context) (float64, error) {
	return c.next.RiskFreeRate(ctx)
}

// RetryingProvider retries transient upstream failures with backoff.
// Lookups that fail with NotFound or InvalidInput are not retried.
type RetryingProvider struct {
	next   Provider
	cfg    utils.RetryConfig
	logger zerolog.Logger
	name   string
}

// NewRetryingProvider wraps next with retry.
func NewRetryingProvider(name string, next Provider, cfg utils.RetryConfig, logger zerolog.Logger) *RetryingProvider {
	cfg.Permanent = append(cfg.Permanent, apperrors.ErrNotFound, apperrors.ErrInvalidInput)
	return &RetryingProvider{next: next, cfg: cfg, logger: logger, name: name}
}

// GetQuote fetches a quote, retrying transient failures.
func (r *RetryingProvider) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	start := time.Now()
	q, err := utils.RetryWithResult(ctx, r.cfg, func() (*models.Quote, error) {
		q, err := r.next.GetQuote(ctx, symbol)
		if err != nil {
			return nil, err
		}
		if !q.Valid() {
			return nil, apperrors.InvalidInput("marketdata.quote", "quote has no usable price").With("symbol", symbol)
		}
		return q, nil
	})
	logging.LogQuoteFetch(logging.WithSymbol(r.logger, symbol), r.name, time.Since(start), err)
	return q, err
}

// HistoricalVolatility fetches volatility, retrying transient failures.
func (r *RetryingProvider) HistoricalVolatility(ctx context.Context, symbol string) (float64, error) {
	return utils.RetryWithResult(ctx, r.cfg, func() (float64, error) {
		return r.next.HistoricalVolatility(ctx, symbol)
	})
}

// RiskFreeRate fetches the rate, retrying transient failures.
func (r *RetryingProvider) RiskFreeRate(ctx context.Context) (float64, error) {
	return utils.RetryWithResult(ctx, r.cfg, func() (float64, error) {
		return r.next.RiskFreeRate(ctx)
	})
}

// FallbackProvider asks each provider in turn until one succeeds.
type FallbackProvider struct {
	providers []Provider
}

// NewFallbackProvider creates a provider chain. At least one provider is required.
func NewFallbackProvider(providers ...Provider) *FallbackProvider {
	return &FallbackProvider{providers: providers}
}

// GetQuote returns the first successful quote.
func (f *FallbackProvider) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	var errs []error
	for _, p := range f.providers {
		q, err := p.GetQuote(ctx, symbol)
		if err == nil {
			return q, nil
		}
		errs = append(errs, err)
	}
	return nil, f.fail("marketdata.quote", symbol, errs)
}

// HistoricalVolatility returns the first successful volatility.
func (f *FallbackProvider) HistoricalVolatility(ctx context.Context, symbol string) (float64, error) {
	var errs []error
	for _, p := range f.providers {
		v, err := p.HistoricalVolatility(ctx, symbol)
		if err == nil {
			return v, nil
		}
		errs = append(errs, err)
	}
	return 0, f.fail("marketdata.volatility", symbol, errs)
}

// RiskFreeRate returns the first successful rate.
func (f *FallbackProvider) RiskFreeRate(ctx context.Context) (float64, error) {
	var errs []error
	for _, p := range f.providers {
		v, err := p.RiskFreeRate(ctx)
		if err == nil {
			return v, nil
		}
		errs = append(errs, err)
	}
	return 0, f.fail("marketdata.rate", "", errs)
}

func (f *FallbackProvider) fail(op, symbol string, errs []error) error {
	if len(errs) == 0 {
		return apperrors.New(apperrors.KindInternal, op, "no market data providers configured")
	}
	// A single upstream error keeps its kind.
	if len(errs) == 1 {
		return errs[0]
	}
	e := apperrors.New(apperrors.KindOf(errs[len(errs)-1]), op, "all providers failed")
	e.Err = errors.Join(errs...)
	if symbol != "" {
		e.With("symbol", symbol)
	}
	return e
}
