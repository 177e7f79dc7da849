// Package pricing provides Black-Scholes valuation, Greeks and implied
// volatility for European options on a dividend-paying underlying.
//
// All functions are pure and safe for concurrent use.
package pricing

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	apperrors "options-desk/internal/errors"
	"options-desk/internal/models"
)

// Params are the inputs to the Black-Scholes model.
type Params struct {
	S     float64 // underlying price
	K     float64 // strike
	T     float64 // years to expiry
	R     float64 // continuously compounded risk-free rate
	Sigma float64 // annualized volatility
	Q     float64 // continuous dividend yield
	Kind  models.OptionKind
}

// Expired reports whether the option is at or past expiry.
func (p Params) Expired() bool {
	return p.T <= 0
}

// WithSpot returns a copy of p priced at a different underlying.
func (p Params) WithSpot(s float64) Params {
	p.S = s
	return p
}

// WithSigma returns a copy of p with a different volatility.
func (p Params) WithSigma(sigma float64) Params {
	p.Sigma = sigma
	return p
}

var normal = distuv.UnitNormal

func cdf(x float64) float64 { return normal.CDF(x) }
func pdf(x float64) float64 { return normal.Prob(x) }

// ValidateInputs checks the model preconditions shared by every function.
// Volatility is only required to be positive before expiry.
func ValidateInputs(p Params) error {
	const op = "pricing.validate"
	switch {
	case !p.Kind.Valid():
		return apperrors.InvalidInput(op, "option type must be 'call' or 'put'").With("option_type", string(p.Kind))
	case !(p.S > 0) || math.IsInf(p.S, 0):
		return apperrors.InvalidInput(op, "stock price must be positive").With("S", p.S)
	case !(p.K > 0) || math.IsInf(p.K, 0):
		return apperrors.InvalidInput(op, "strike price must be positive").With("K", p.K)
	case math.IsNaN(p.T) || math.IsNaN(p.R) || math.IsNaN(p.Q):
		return apperrors.InvalidInput(op, "inputs must be finite")
	case p.T > 0 && !(p.Sigma > 0):
		return apperrors.InvalidInput(op, "volatility must be positive").With("sigma", p.Sigma)
	}
	return nil
}

// d1d2 returns the two auxiliary Black-Scholes quantities. Callers must have
// checked T > 0 and Sigma > 0.
func d1d2(p Params) (float64, float64) {
	sqrtT := math.Sqrt(p.T)
	d1 := (math.Log(p.S/p.K) + (p.R-p.Q+p.Sigma*p.Sigma/2)*p.T) / (p.Sigma * sqrtT)
	return d1, d1 - p.Sigma*sqrtT
}

// Intrinsic returns the exercise value max(0, S-K) or max(0, K-S).
func Intrinsic(s, k float64, kind models.OptionKind) float64 {
	if kind == models.Call {
		return math.Max(0, s-k)
	}
	return math.Max(0, k-s)
}

// Price returns the Black-Scholes value of one option. At or past expiry the
// intrinsic value is returned and volatility is ignored.
func Price(p Params) (float64, error) {
	if err := ValidateInputs(p); err != nil {
		return 0, err
	}
	return price(p), nil
}

func price(p Params) float64 {
	if p.Expired() {
		return Intrinsic(p.S, p.K, p.Kind)
	}
	d1, d2 := d1d2(p)
	discS := p.S * math.Exp(-p.Q*p.T)
	discK := p.K * math.Exp(-p.R*p.T)
	if p.Kind == models.Call {
		return discS*cdf(d1) - discK*cdf(d2)
	}
	return discK*cdf(-d2) - discS*cdf(-d1)
}

// ArbitrageFloor returns the discounted intrinsic bound below which no
// arbitrage-free price exists.
func ArbitrageFloor(p Params) float64 {
	discS := p.S * math.Exp(-p.Q*p.T)
	discK := p.K * math.Exp(-p.R*p.T)
	if p.Kind == models.Call {
		return math.Max(0, discS-discK)
	}
	return math.Max(0, discK-discS)
}

// Parity returns S*e^(-qT) - K*e^(-rT), the call minus put value.
func Parity(p Params) float64 {
	return p.S*math.Exp(-p.Q*p.T) - p.K*math.Exp(-p.R*p.T)
}

// ForPosition builds model inputs for pos at underlying spot as of asOf.
// Time to expiry is floored at minT so an open position on its expiry date
// still has a defined delta.
func ForPosition(pos *models.Position, spot float64, asOf time.Time, minT float64) Params {
	return Params{
		S:     spot,
		K:     pos.Strike,
		T:     pos.TimeToExpiry(asOf, minT),
		R:     pos.RiskFreeRate,
		Sigma: pos.ImpliedVol,
		Q:     pos.DividendYield,
		Kind:  pos.Kind,
	}
}
