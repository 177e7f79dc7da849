package pricing

import (
	"errors"
	"math"
	"testing"

	apperrors "options-desk/internal/errors"
	"options-desk/internal/models"
)

func scenario(kind models.OptionKind) Params {
	return Params{S: 150, K: 145, T: 30.0 / 365, R: 0.05, Sigma: 0.25, Kind: kind}
}

func approx(t *testing.T, name string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s = %.6f, want %.6f (±%g)", name, got, want, tol)
	}
}

func TestPrice(t *testing.T) {
	tests := []struct {
		name string
		p    Params
		want float64
	}{
		{"atm call one year", Params{S: 100, K: 100, T: 1, R: 0.05, Sigma: 0.2, Kind: models.Call}, 10.450584},
		{"atm put one year", Params{S: 100, K: 100, T: 1, R: 0.05, Sigma: 0.2, Kind: models.Put}, 5.573526},
		{"short dated itm call", scenario(models.Call), 7.583412},
		{"short dated otm put", scenario(models.Put), 1.988745},
		{"expired itm call", Params{S: 110, K: 100, T: 0, Kind: models.Call}, 10},
		{"expired otm put", Params{S: 110, K: 100, T: 0, Kind: models.Put}, 0},
		{"negative time is expired", Params{S: 90, K: 100, T: -0.1, Sigma: -1, Kind: models.Put}, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Price(tt.p)
			if err != nil {
				t.Fatalf("Price() error = %v", err)
			}
			approx(t, "price", got, tt.want, 1e-5)
		})
	}
}

func TestPriceInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		p    Params
	}{
		{"zero volatility before expiry", Params{S: 100, K: 100, T: 1, Sigma: 0, Kind: models.Call}},
		{"negative spot", Params{S: -1, K: 100, T: 1, Sigma: 0.2, Kind: models.Call}},
		{"zero strike", Params{S: 100, K: 0, T: 1, Sigma: 0.2, Kind: models.Call}},
		{"unknown kind", Params{S: 100, K: 100, T: 1, Sigma: 0.2, Kind: "straddle"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Price(tt.p)
			if !errors.Is(err, apperrors.ErrInvalidInput) {
				t.Fatalf("Price() error = %v, want invalid input", err)
			}
			if apperrors.KindOf(err) != apperrors.KindInvalidInput {
				t.Errorf("KindOf = %s", apperrors.KindOf(err))
			}
		})
	}
}

func TestGreeksScenario(t *testing.T) {
	g, err := AllGreeks(scenario(models.Call))
	if err != nil {
		t.Fatalf("AllGreeks() error = %v", err)
	}
	approx(t, "delta", g.Delta, 0.714364, 1e-5)
	approx(t, "gamma", g.Gamma, 0.031612, 1e-5)
	approx(t, "vega", g.Vega, 0.146153, 1e-5)
	approx(t, "theta", g.Theta, -0.074537, 1e-5)
	approx(t, "rho", g.Rho, 0.081839, 1e-5)

	// A short of 10 contracts needs about +714 shares to neutralize.
	positionDelta := g.Delta * -10 * 100
	approx(t, "position delta", positionDelta, -714.364, 0.01)
}

func TestExpiredDelta(t *testing.T) {
	tests := []struct {
		s    float64
		kind models.OptionKind
		want float64
	}{
		{110, models.Call, 1},
		{100, models.Call, 0},
		{90, models.Call, 0},
		{90, models.Put, -1},
		{100, models.Put, 0},
		{110, models.Put, 0},
	}
	for _, tt := range tests {
		d, err := Delta(Params{S: tt.s, K: 100, T: 0, Kind: tt.kind})
		if err != nil {
			t.Fatal(err)
		}
		if d != tt.want {
			t.Errorf("Delta(S=%v, %s) = %v, want %v", tt.s, tt.kind, d, tt.want)
		}
	}
}

func TestLambda(t *testing.T) {
	p := scenario(models.Call)
	l, err := Lambda(p)
	if err != nil {
		t.Fatal(err)
	}
	approx(t, "lambda", l, 0.714364*150/7.583412, 1e-3)

	worthless, err := Lambda(Params{S: 50, K: 100, T: 0, Kind: models.Call})
	if err != nil {
		t.Fatal(err)
	}
	if worthless != 0 {
		t.Errorf("Lambda of a worthless option = %v, want 0", worthless)
	}
}

func TestPortfolioGreeks(t *testing.T) {
	call := scenario(models.Call)
	put := scenario(models.Put)

	legs := []Leg{{Quantity: -10, Params: call}, {Quantity: 5, Params: put}}
	total, err := PortfolioGreeks(legs)
	if err != nil {
		t.Fatal(err)
	}

	cg, _ := AllGreeks(call)
	pg, _ := AllGreeks(put)
	approx(t, "delta", total.Delta, -10*cg.Delta+5*pg.Delta, 1e-9)
	approx(t, "vega", total.Vega, -10*cg.Vega+5*pg.Vega, 1e-9)

	bad := append(legs, Leg{Quantity: 1, Params: Params{S: 100, K: 100, T: 1, Kind: models.Call}})
	if _, err := PortfolioGreeks(bad); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("expected invalid input for zero sigma leg, got %v", err)
	}
}

func TestRiskReport(t *testing.T) {
	r, err := RiskReport(scenario(models.Call), -10, 100)
	if err != nil {
		t.Fatal(err)
	}
	approx(t, "position value", r.PositionValue, -7583.412, 0.01)
	approx(t, "position delta", r.PositionGreeks.Delta, -714.364, 0.01)
	approx(t, "moneyness", r.Moneyness, 150.0/145, 1e-9)
	approx(t, "days", r.TimeToExpiryDays, 30, 1e-9)
}

func TestImpliedVol(t *testing.T) {
	p := scenario(models.Call)
	iv, err := ImpliedVol(7.583412, p)
	if err != nil {
		t.Fatal(err)
	}
	approx(t, "iv", iv, 0.25, 1e-4)
}

func TestImpliedVolErrors(t *testing.T) {
	t.Run("expired", func(t *testing.T) {
		p := scenario(models.Call)
		p.T = 0
		_, err := ImpliedVol(5, p)
		if apperrors.KindOf(err) != apperrors.KindInvalidInput {
			t.Fatalf("err = %v, want invalid input", err)
		}
	})

	t.Run("below intrinsic", func(t *testing.T) {
		_, err := ImpliedVol(1.0, scenario(models.Call))
		if apperrors.KindOf(err) != apperrors.KindArbitrageViolation {
			t.Fatalf("err = %v, want arbitrage violation", err)
		}
		if !errors.Is(err, apperrors.ErrInvalidInput) {
			t.Error("arbitrage violation should also match ErrInvalidInput")
		}
	})

	t.Run("above any attainable price", func(t *testing.T) {
		// A call can never be worth more than the discounted underlying.
		_, err := ImpliedVol(150, scenario(models.Call))
		var ce *apperrors.ConvergenceError
		if !errors.As(err, &ce) {
			t.Fatalf("err = %v, want ConvergenceError", err)
		}
		if !errors.Is(err, apperrors.ErrConvergenceFailure) {
			t.Error("ConvergenceError should match ErrConvergenceFailure")
		}
	})
}

func TestImpliedVolNewtonFallback(t *testing.T) {
	t.Run("volatility below the bracket", func(t *testing.T) {
		p := Params{S: 150, K: 150, T: 30.0 / 365, R: 0.05, Sigma: 0.005, Kind: models.Call}
		target, err := Price(p)
		if err != nil {
			t.Fatal(err)
		}
		// Every sigma in the bracket overprices, so only Newton can find it.
		if lo, _ := Price(p.WithSigma(IVLowerBound)); lo <= target {
			t.Fatalf("price at lower bound %f should exceed target %f", lo, target)
		}
		iv, err := ImpliedVol(target, p)
		if err != nil {
			t.Fatalf("ImpliedVol: %v", err)
		}
		approx(t, "iv", iv, 0.005, 1e-4)
	})

	t.Run("vega too small", func(t *testing.T) {
		// Deep out of the money with a day left: the seed has no vega.
		p := Params{S: 100, K: 200, T: 1.0 / 365, R: 0.05, Kind: models.Call}
		_, err := ImpliedVol(1.0, p)
		var ce *apperrors.ConvergenceError
		if !errors.As(err, &ce) {
			t.Fatalf("err = %v, want ConvergenceError", err)
		}
		if ce.Message != "vega too small" {
			t.Errorf("message = %q, want vega too small", ce.Message)
		}
		if ce.LastSigma != IVNewtonSeed {
			t.Errorf("LastSigma = %f, want %f", ce.LastSigma, IVNewtonSeed)
		}
		if got := ce.Context["last_sigma"]; got != IVNewtonSeed {
			t.Errorf("context last_sigma = %v", got)
		}
	})
}

func TestBrent(t *testing.T) {
	root, ok := brent(func(x float64) float64 { return x*x - 2 }, 0, 2, 1e-12, 100)
	if !ok {
		t.Fatal("brent did not converge")
	}
	approx(t, "sqrt2", root, math.Sqrt2, 1e-10)

	if _, ok := brent(func(x float64) float64 { return x*x + 1 }, -1, 1, 1e-12, 100); ok {
		t.Error("brent should fail without a sign change")
	}
}
