package marketdata

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	apperrors "options-desk/internal/errors"
	"options-desk/internal/models"
	"options-desk/pkg/utils"
)

// countingProvider counts quote lookups and can fail a set number of times.
type countingProvider struct {
	*StaticProvider
	calls    atomic.Int32
	failures int32
	delay    time.Duration
}

func (c *countingProvider) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	n := c.calls.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if n <= c.failures {
		return nil, errors.New("upstream unavailable")
	}
	return c.StaticProvider.GetQuote(ctx, symbol)
}

func TestStaticProvider(t *testing.T) {
	ctx := context.Background()
	p := NewStaticProvider(0.3, 0.05)
	p.SetPrice("aapl", 150)

	q, err := p.GetQuote(ctx, "AAPL")
	if err != nil {
		t.Fatal(err)
	}
	if q.Price != 150 || q.Symbol != "AAPL" {
		t.Errorf("quote = %+v", q)
	}

	if _, err := p.GetQuote(ctx, "MSFT"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("missing symbol error = %v, want not found", err)
	}

	vol, _ := p.HistoricalVolatility(ctx, "AAPL")
	if vol != 0.3 {
		t.Errorf("default volatility = %v, want 0.3", vol)
	}

	rate, _ := p.RiskFreeRate(ctx)
	if rate != 0.05 {
		t.Errorf("rate = %v", rate)
	}
}

func TestAnnualizedVolatility(t *testing.T) {
	// Alternating +1%/-1% log returns.
	closes := []float64{100}
	for i := 0; i < 20; i++ {
		step := 0.01
		if i%2 == 1 {
			step = -0.01
		}
		closes = append(closes, closes[len(closes)-1]*math.Exp(step))
	}
	vol := AnnualizedVolatility(closes)
	// sample std of ±0.01 with 20 values is 0.01*sqrt(20/19)
	want := 0.01 * math.Sqrt(20.0/19.0) * math.Sqrt(252)
	if math.Abs(vol-want) > 1e-9 {
		t.Errorf("vol = %v, want %v", vol, want)
	}

	if AnnualizedVolatility([]float64{100, 101}) != 0 {
		t.Error("one return should give 0")
	}
}

func TestCachedProviderSharesFetches(t *testing.T) {
	base := NewStaticProvider(0.3, 0.05)
	base.SetPrice("SPY", 500)
	upstream := &countingProvider{StaticProvider: base, delay: 20 * time.Millisecond}

	cache := NewCachedProvider(upstream, time.Minute)
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.GetQuote(context.Background(), "SPY"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := upstream.calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}

	now = now.Add(2 * time.Minute)
	if _, err := cache.GetQuote(context.Background(), "SPY"); err != nil {
		t.Fatal(err)
	}
	if got := upstream.calls.Load(); got != 2 {
		t.Errorf("upstream calls after expiry = %d, want 2", got)
	}
}

func TestRetryingProvider(t *testing.T) {
	base := NewStaticProvider(0.3, 0.05)
	base.SetPrice("QQQ", 400)
	upstream := &countingProvider{StaticProvider: base, failures: 2}
	cfg := utils.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}

	r := NewRetryingProvider("static", upstream, cfg, zerolog.Nop())
	q, err := r.GetQuote(context.Background(), "QQQ")
	if err != nil {
		t.Fatal(err)
	}
	if q.Price != 400 || upstream.calls.Load() != 3 {
		t.Errorf("price=%v calls=%d", q.Price, upstream.calls.Load())
	}

	upstream.calls.Store(10)
	if _, err := r.GetQuote(context.Background(), "NOPE"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
	if upstream.calls.Load() != 11 {
		t.Errorf("not found should not be retried, calls=%d", upstream.calls.Load())
	}
}

func TestFallbackProvider(t *testing.T) {
	primary := NewStaticProvider(0.3, 0.04)
	secondary := NewStaticProvider(0.3, 0.05)
	secondary.SetPrice("IWM", 200)

	f := NewFallbackProvider(primary, secondary)
	q, err := f.GetQuote(context.Background(), "IWM")
	if err != nil || q.Price != 200 {
		t.Fatalf("quote=%v err=%v", q, err)
	}

	rate, _ := f.RiskFreeRate(context.Background())
	if rate != 0.04 {
		t.Errorf("rate = %v, want primary's 0.04", rate)
	}

	_, err = f.GetQuote(context.Background(), "NONE")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(10, 3)
	limiter.now = func() time.Time { return now }
	limiter.lastUpdate = now

	allowed := 0
	for i := 0; i < 5; i++ {
		if limiter.Allow() {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("burst allowed %d, want 3", allowed)
	}

	now = now.Add(100 * time.Millisecond)
	if !limiter.Allow() {
		t.Error("expected a token after refill")
	}
}

func TestRateLimitedProviderHonorsContext(t *testing.T) {
	base := NewStaticProvider(0.3, 0.05)
	base.SetPrice("SPY", 500)
	p := NewRateLimitedProvider(base, 0.001, 1)

	if _, err := p.GetQuote(context.Background(), "SPY"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := p.GetQuote(ctx, "SPY"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second quote err = %v, want deadline exceeded", err)
	}
}

func TestBreakerProvider(t *testing.T) {
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	base := NewStaticProvider(0.3, 0.05)
	base.SetPrice("DIA", 380)
	upstream := &countingProvider{StaticProvider: base, failures: 3}

	breaker := NewCircuitBreaker(3, time.Minute)
	breaker.now = func() time.Time { return now }
	p := NewBreakerProvider("static", upstream, breaker, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := p.GetQuote(ctx, "DIA"); err == nil {
			t.Fatalf("call %d should fail", i)
		}
	}
	if breaker.State() != CircuitOpen {
		t.Fatalf("state = %s, want open", breaker.State())
	}
	if _, err := p.GetQuote(ctx, "DIA"); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want circuit open", err)
	}
	if upstream.calls.Load() != 3 || breaker.Rejected() != 1 {
		t.Errorf("calls=%d rejected=%d", upstream.calls.Load(), breaker.Rejected())
	}

	// After the cooldown one probe goes through and closes the circuit.
	now = now.Add(2 * time.Minute)
	q, err := p.GetQuote(ctx, "DIA")
	if err != nil || q.Price != 380 {
		t.Fatalf("probe quote=%v err=%v", q, err)
	}
	if breaker.State() != CircuitClosed {
		t.Errorf("state = %s, want closed", breaker.State())
	}

	// Unknown symbols are answers, not outages.
	for i := 0; i < 5; i++ {
		_, _ = p.GetQuote(ctx, "NOPE")
	}
	if breaker.State() != CircuitClosed {
		t.Errorf("not found opened the circuit")
	}
}
