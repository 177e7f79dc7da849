// Package marketdata provides the market data collaborators consumed by
// the engine: quotes, historical volatility and the risk-free rate.
package marketdata

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	apperrors "options-desk/internal/errors"
	"options-desk/internal/models"
)

// TradingDays is the annualization factor for daily returns.
const TradingDays = 252

// Provider defines the market data operations used by the engine.
// GetQuote always returns a finite price > 0 or fails.
type Provider interface {
	GetQuote(ctx context.Context, symbol string) (*models.Quote, error)
	HistoricalVolatility(ctx context.Context, symbol string) (float64, error)
	RiskFreeRate(ctx context.Context) (float64, error)
}

// StaticProvider serves quotes and closing prices held in memory. It backs
// the config-driven desk and tests.
type StaticProvider struct {
	mu         sync.RWMutex
	quotes     map[string]models.Quote
	closes     map[string][]float64
	rate       float64
	defaultVol float64
	now        func() time.Time
}

// NewStaticProvider creates a provider with the given fallback volatility
// and risk-free rate.
func NewStaticProvider(defaultVol, rate float64) *StaticProvider {
	return &StaticProvider{
		quotes:     make(map[string]models.Quote),
		closes:     make(map[string][]float64),
		rate:       rate,
		defaultVol: defaultVol,
		now:        time.Now,
	}
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// SetQuote stores or replaces the quote for q.Symbol.
func (p *StaticProvider) SetQuote(q models.Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q.Symbol = normalize(q.Symbol)
	if q.Timestamp.IsZero() {
		q.Timestamp = p.now()
	}
	p.quotes[q.Symbol] = q
}

// SetPrice is shorthand for SetQuote with only a price.
func (p *StaticProvider) SetPrice(symbol string, price float64) {
	p.SetQuote(models.Quote{Symbol: symbol, Price: price})
}

// SetCloses stores daily closing prices, oldest first.
func (p *StaticProvider) SetCloses(symbol string, closes []float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes[normalize(symbol)] = append([]float64(nil), closes...)
}

// SetRiskFreeRate replaces the rate.
func (p *StaticProvider) SetRiskFreeRate(rate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rate = rate
}

// GetQuote returns the stored quote.
func (p *StaticProvider) GetQuote(_ context.Context, symbol string) (*models.Quote, error) {
	p.mu.RLock()
	q, ok := p.quotes[normalize(symbol)]
	p.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("marketdata.quote", "quote", symbol)
	}
	if !q.Valid() {
		return nil, apperrors.InvalidInput("marketdata.quote", "quote has no usable price").With("symbol", q.Symbol)
	}
	return &q, nil
}

// HistoricalVolatility returns the annualized standard deviation of daily
// log returns, or the default volatility when fewer than two returns exist.
func (p *StaticProvider) HistoricalVolatility(_ context.Context, symbol string) (float64, error) {
	p.mu.RLock()
	closes := p.closes[normalize(symbol)]
	p.mu.RUnlock()

	vol := AnnualizedVolatility(closes)
	if vol <= 0 {
		return p.defaultVol, nil
	}
	return vol, nil
}

// RiskFreeRate returns the configured rate.
func (p *StaticProvider) RiskFreeRate(_ context.Context) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rate, nil
}

// AnnualizedVolatility computes sqrt(252) x sample std of log returns.
// It returns 0 when fewer than two returns can be formed.
func AnnualizedVolatility(closes []float64) float64 {
	returns := make([]float64, 0, len(closes))
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			continue
		}
		returns = append(returns, math.Log(closes[i]/closes[i-1]))
	}
	if len(returns) < 2 {
		return 0
	}
	return stat.StdDev(returns, nil) * math.Sqrt(TradingDays)
}
