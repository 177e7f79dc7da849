package pricing

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"options-desk/internal/models"
)

func newProperties() *gopter.Properties {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())
	return gopter.NewProperties(parameters)
}

// Property: For any valid S, K, T > 0, r, sigma > 0 and q,
// call - put == S*e^(-qT) - K*e^(-rT) within 1e-6.
func TestProperty_PutCallParity(t *testing.T) {
	properties := newProperties()

	properties.Property("put-call parity holds", prop.ForAll(
		func(s, k, tt, r, sigma, q float64) bool {
			p := Params{S: s, K: k, T: tt, R: r, Sigma: sigma, Q: q, Kind: models.Call}
			call, err := Price(p)
			if err != nil {
				return false
			}
			p.Kind = models.Put
			put, err := Price(p)
			if err != nil {
				return false
			}
			return math.Abs((call-put)-Parity(p)) < 1e-6
		},
		gen.Float64Range(10, 500),
		gen.Float64Range(10, 500),
		gen.Float64Range(0.01, 3),
		gen.Float64Range(0, 0.1),
		gen.Float64Range(0.05, 1.5),
		gen.Float64Range(0, 0.05),
	))

	properties.TestingRun(t)
}

// Property: Call delta lies in [0, 1] and put delta in [-1, 0].
func TestProperty_DeltaBounds(t *testing.T) {
	properties := newProperties()

	properties.Property("delta stays within bounds", prop.ForAll(
		func(s, k, tt, r, sigma, q float64) bool {
			p := Params{S: s, K: k, T: tt, R: r, Sigma: sigma, Q: q, Kind: models.Call}
			cd, err := Delta(p)
			if err != nil || cd < 0 || cd > 1 {
				return false
			}
			p.Kind = models.Put
			pd, err := Delta(p)
			return err == nil && pd >= -1 && pd <= 0
		},
		gen.Float64Range(1, 1000),
		gen.Float64Range(1, 1000),
		gen.Float64Range(0, 5),
		gen.Float64Range(0, 0.15),
		gen.Float64Range(0.01, 3),
		gen.Float64Range(0, 0.1),
	))

	properties.TestingRun(t)
}

// Property: Gamma is non-negative and identical for calls and puts.
func TestProperty_GammaSymmetric(t *testing.T) {
	properties := newProperties()

	properties.Property("gamma >= 0 and call gamma == put gamma", prop.ForAll(
		func(s, k, tt, sigma float64) bool {
			p := Params{S: s, K: k, T: tt, R: 0.05, Sigma: sigma, Kind: models.Call}
			cg, err := Gamma(p)
			if err != nil {
				return false
			}
			p.Kind = models.Put
			pg, err := Gamma(p)
			if err != nil {
				return false
			}
			return cg >= 0 && cg == pg
		},
		gen.Float64Range(1, 1000),
		gen.Float64Range(1, 1000),
		gen.Float64Range(0, 5),
		gen.Float64Range(0.01, 3),
	))

	properties.TestingRun(t)
}

// Property: For a price generated at sigma0, ImpliedVol recovers sigma0
// within 1e-4.
func TestProperty_ImpliedVolRoundTrip(t *testing.T) {
	properties := newProperties()

	properties.Property("implied vol inverts price", prop.ForAll(
		func(moneyness, tt, sigma0 float64, isCall bool) bool {
			kind := models.Put
			if isCall {
				kind = models.Call
			}
			p := Params{S: 100, K: 100 * moneyness, T: tt, R: 0.03, Sigma: sigma0, Kind: kind}
			mkt, err := Price(p)
			if err != nil {
				return false
			}
			iv, err := ImpliedVol(mkt, p)
			if err != nil {
				t.Logf("ImpliedVol(%v, %+v) error: %v", mkt, p, err)
				return false
			}
			return math.Abs(iv-sigma0) < 1e-4
		},
		gen.Float64Range(0.85, 1.15),
		gen.Float64Range(0.25, 2),
		gen.Float64Range(0.1, 0.8),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// Property: At T = 0 the price is intrinsic and every Greek except delta is 0.
func TestProperty_ExpiredBoundary(t *testing.T) {
	properties := newProperties()

	properties.Property("expired options are worth intrinsic value", prop.ForAll(
		func(s, k, sigma float64, isCall bool) bool {
			kind := models.Put
			if isCall {
				kind = models.Call
			}
			p := Params{S: s, K: k, T: 0, R: 0.05, Sigma: sigma, Kind: kind}
			v, err := Price(p)
			if err != nil || v != Intrinsic(s, k, kind) {
				return false
			}
			g, err := AllGreeks(p)
			if err != nil {
				return false
			}
			return g.Gamma == 0 && g.Vega == 0 && g.Theta == 0 && g.Rho == 0
		},
		gen.Float64Range(1, 500),
		gen.Float64Range(1, 500),
		gen.Float64Range(-1, 1),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
