package utils

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func TestFormatUSD(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "$0.00"},
		{7.5, "$7.50"},
		{999.999, "$1,000.00"},
		{2500, "$2,500.00"},
		{1234567.891, "$1,234,567.89"},
		{-7500, "-$7,500.00"},
	}
	for _, tt := range tests {
		if got := FormatUSD(tt.in); got != tt.want {
			t.Errorf("FormatUSD(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatHelpers(t *testing.T) {
	if got := FormatPnL(2500); got != "+$2,500.00" {
		t.Errorf("FormatPnL = %q", got)
	}
	if got := FormatShares(-714.36); got != "-714" {
		t.Errorf("FormatShares = %q", got)
	}
	if got := FormatRatio(math.Inf(1)); got != "inf" {
		t.Errorf("FormatRatio = %q", got)
	}
	if got := FormatCompact(2_500_000); got != "$2.50M" {
		t.Errorf("FormatCompact = %q", got)
	}
}

func TestMarketStatus(t *testing.T) {
	wednesdayOpen := time.Date(2026, 10, 14, 10, 0, 0, 0, NewYork)
	if !IsMarketOpen(wednesdayOpen) {
		t.Error("expected market open on Wednesday 10:00")
	}
	if MarketStatusAt(wednesdayOpen.Add(-2*time.Hour)) != MarketPreOpen {
		t.Error("expected pre-open at 08:00")
	}
	saturday := time.Date(2026, 10, 17, 12, 0, 0, 0, NewYork)
	if MarketStatusAt(saturday) != MarketClosed {
		t.Error("expected closed on Saturday")
	}
	next := NextMarketOpen(saturday)
	if next.Weekday() != time.Monday || next.Hour() != 9 || next.Minute() != 30 {
		t.Errorf("NextMarketOpen = %v", next)
	}
}

func TestRetryWithResult(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2}

	calls := 0
	v, err := RetryWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil || v != 42 || calls != 3 {
		t.Fatalf("got (%d, %v) after %d calls", v, err, calls)
	}

	permanent := errors.New("permanent")
	cfg.Permanent = []error{permanent}
	calls = 0
	err = Retry(context.Background(), cfg, func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Errorf("permanent error retried: calls=%d err=%v", calls, err)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: time.Second, BackoffFactor: 1}
	err := Retry(ctx, cfg, func() error { return errors.New("fail") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
