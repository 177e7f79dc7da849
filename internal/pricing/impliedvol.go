package pricing

import (
	"math"

	apperrors "options-desk/internal/errors"
)

// Solver bounds for implied volatility.
const (
	IVLowerBound    = 0.01
	IVUpperBound    = 5.0
	IVTolerance     = 1e-6
	IVMaxIterations = 100
	IVNewtonSeed    = 0.30

	minVega = 1e-10
	epsilon = 2.220446049250313e-16
)

// ImpliedVol returns the volatility at which the model reproduces
// marketPrice. p.Sigma is ignored.
//
// A bracketed Brent search on [IVLowerBound, IVUpperBound] is tried first.
// If the bracket holds no sign change the solver falls back to Newton-Raphson
// seeded at IVNewtonSeed.
func ImpliedVol(marketPrice float64, p Params) (float64, error) {
	const op = "pricing.implied_vol"

	if p.T <= 0 {
		return 0, apperrors.InvalidInput(op, "cannot compute for expired option").With("T", p.T)
	}
	p.Sigma = IVNewtonSeed
	if err := ValidateInputs(p); err != nil {
		return 0, err
	}
	if !(marketPrice > 0) || math.IsInf(marketPrice, 0) {
		return 0, apperrors.InvalidInput(op, "market price must be positive").With("market_price", marketPrice)
	}

	floor := ArbitrageFloor(p)
	if marketPrice < floor {
		return 0, apperrors.ArbitrageViolation(op, "market price below intrinsic value").
			With("market_price", marketPrice).
			With("floor", floor)
	}

	objective := func(sigma float64) float64 {
		return price(p.WithSigma(sigma)) - marketPrice
	}

	if sigma, ok := brent(objective, IVLowerBound, IVUpperBound, IVTolerance, IVMaxIterations); ok {
		return sigma, nil
	}
	return newton(op, p, marketPrice)
}

func newton(op string, p Params, marketPrice float64) (float64, error) {
	sigma := IVNewtonSeed
	for i := 0; i < IVMaxIterations; i++ {
		q := p.WithSigma(sigma)
		diff := price(q) - marketPrice
		if math.Abs(diff) < IVTolerance {
			return sigma, nil
		}
		v := rawVega(q)
		if v < minVega {
			return 0, apperrors.NewConvergenceError(op, "vega too small", sigma, i)
		}
		sigma -= diff / v
		if sigma <= 0 {
			sigma = IVLowerBound
		}
	}
	return 0, apperrors.NewConvergenceError(op, "failed to converge", sigma, IVMaxIterations)
}

// brent finds a root of f in [a, b]. It reports false when f(a) and f(b)
// share a sign or the iteration budget runs out.
func brent(f func(float64) float64, a, b, tol float64, maxIter int) (float64, bool) {
	fa, fb := f(a), f(b)
	if fa == 0 {
		return a, true
	}
	if fb == 0 {
		return b, true
	}
	if (fa > 0) == (fb > 0) {
		return 0, false
	}

	c, fc := b, fb
	var d, e float64
	for i := 0; i < maxIter; i++ {
		if (fb > 0) == (fc > 0) {
			c, fc = a, fa
			d = b - a
			e = d
		}
		if math.Abs(fc) < math.Abs(fb) {
			a, b, c = b, c, b
			fa, fb, fc = fb, fc, fb
		}

		tol1 := 2*epsilon*math.Abs(b) + 0.5*tol
		xm := 0.5 * (c - b)
		if math.Abs(xm) <= tol1 || fb == 0 {
			return b, true
		}

		if math.Abs(e) >= tol1 && math.Abs(fa) > math.Abs(fb) {
			// inverse quadratic interpolation, or secant when a == c
			s := fb / fa
			var pp, qq float64
			if a == c {
				pp = 2 * xm * s
				qq = 1 - s
			} else {
				qq = fa / fc
				r := fb / fc
				pp = s * (2*xm*qq*(qq-r) - (b-a)*(r-1))
				qq = (qq - 1) * (r - 1) * (s - 1)
			}
			if pp > 0 {
				qq = -qq
			}
			pp = math.Abs(pp)
			if 2*pp < math.Min(3*xm*qq-math.Abs(tol1*qq), math.Abs(e*qq)) {
				e = d
				d = pp / qq
			} else {
				d = xm
				e = d
			}
		} else {
			d = xm
			e = d
		}

		a, fa = b, fb
		if math.Abs(d) > tol1 {
			b += d
		} else {
			b += math.Copysign(tol1, xm)
		}
		fb = f(b)
	}
	return b, false
}
