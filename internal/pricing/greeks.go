package pricing

import (
	"math"

	apperrors "options-desk/internal/errors"
	"options-desk/internal/models"
)

// Delta returns dPrice/dS.
func Delta(p Params) (float64, error) {
	if err := ValidateInputs(p); err != nil {
		return 0, err
	}
	return delta(p), nil
}

func delta(p Params) float64 {
	if p.Expired() {
		if p.Kind == models.Call {
			if p.S > p.K {
				return 1
			}
			return 0
		}
		if p.S < p.K {
			return -1
		}
		return 0
	}
	d1, _ := d1d2(p)
	if p.Kind == models.Call {
		return math.Exp(-p.Q*p.T) * cdf(d1)
	}
	return math.Exp(-p.Q*p.T) * (cdf(d1) - 1)
}

// Gamma returns d2Price/dS2. Same for calls and puts.
func Gamma(p Params) (float64, error) {
	if err := ValidateInputs(p); err != nil {
		return 0, err
	}
	return gamma(p), nil
}

func gamma(p Params) float64 {
	if p.Expired() {
		return 0
	}
	d1, _ := d1d2(p)
	return math.Exp(-p.Q*p.T) * pdf(d1) / (p.S * p.Sigma * math.Sqrt(p.T))
}

// Vega returns the price change for a one percentage point move in volatility.
func Vega(p Params) (float64, error) {
	if err := ValidateInputs(p); err != nil {
		return 0, err
	}
	return rawVega(p) / 100, nil
}

// rawVega is dPrice/dSigma without reporting scale.
func rawVega(p Params) float64 {
	if p.Expired() {
		return 0
	}
	d1, _ := d1d2(p)
	return p.S * math.Exp(-p.Q*p.T) * pdf(d1) * math.Sqrt(p.T)
}

// Theta returns the price change for one calendar day of decay.
func Theta(p Params) (float64, error) {
	if err := ValidateInputs(p); err != nil {
		return 0, err
	}
	return theta(p), nil
}

func theta(p Params) float64 {
	if p.Expired() {
		return 0
	}
	d1, d2 := d1d2(p)
	discS := p.S * math.Exp(-p.Q*p.T)
	discK := p.K * math.Exp(-p.R*p.T)
	decay := -discS * pdf(d1) * p.Sigma / (2 * math.Sqrt(p.T))

	var annual float64
	if p.Kind == models.Call {
		annual = decay + p.Q*discS*cdf(d1) - p.R*discK*cdf(d2)
	} else {
		annual = decay - p.Q*discS*cdf(-d1) + p.R*discK*cdf(-d2)
	}
	return annual / 365
}

// Rho returns the price change for a one percentage point move in rates.
func Rho(p Params) (float64, error) {
	if err := ValidateInputs(p); err != nil {
		return 0, err
	}
	return rho(p), nil
}

func rho(p Params) float64 {
	if p.Expired() {
		return 0
	}
	_, d2 := d1d2(p)
	kt := p.K * p.T * math.Exp(-p.R*p.T)
	if p.Kind == models.Call {
		return kt * cdf(d2) / 100
	}
	return -kt * cdf(-d2) / 100
}

// AllGreeks computes every sensitivity in one pass.
func AllGreeks(p Params) (models.Greeks, error) {
	if err := ValidateInputs(p); err != nil {
		return models.Greeks{}, err
	}
	return greeks(p), nil
}

func greeks(p Params) models.Greeks {
	return models.Greeks{
		Delta: delta(p),
		Gamma: gamma(p),
		Vega:  rawVega(p) / 100,
		Theta: theta(p),
		Rho:   rho(p),
	}
}

// Lambda returns the option's leverage, delta x S / price. A worthless
// option has lambda 0.
func Lambda(p Params) (float64, error) {
	if err := ValidateInputs(p); err != nil {
		return 0, err
	}
	v := price(p)
	if v == 0 {
		return 0, nil
	}
	return delta(p) * p.S / v, nil
}

// Leg is one line of a portfolio for Greeks aggregation. Quantity is a raw
// contract count; the contract multiplier is the caller's concern.
type Leg struct {
	Quantity float64
	Params
}

// PortfolioGreeks returns the quantity-weighted sum of each Greek.
func PortfolioGreeks(legs []Leg) (models.Greeks, error) {
	var total models.Greeks
	for i, leg := range legs {
		g, err := AllGreeks(leg.Params)
		if err != nil {
			var ee *apperrors.EngineError
			if apperrors.As(err, &ee) {
				ee.With("leg", i)
			}
			return models.Greeks{}, err
		}
		total = total.Add(g.Scale(leg.Quantity))
	}
	return total, nil
}

// Report is a position-level risk summary for one option line.
type Report struct {
	OptionPrice      float64       `json:"option_price"`
	PositionValue    float64       `json:"position_value"`
	Greeks           models.Greeks `json:"greeks"`
	PositionGreeks   models.Greeks `json:"position_greeks"`
	Moneyness        float64       `json:"moneyness"`
	TimeToExpiryDays float64       `json:"time_to_expiry_days"`
	Leverage         float64       `json:"leverage"`
}

// RiskReport prices one option and scales its Greeks to a position of
// contracts x multiplier shares.
func RiskReport(p Params, contracts int, multiplier float64) (*Report, error) {
	if err := ValidateInputs(p); err != nil {
		return nil, err
	}
	v := price(p)
	g := greeks(p)
	size := float64(contracts) * multiplier

	var leverage float64
	if v != 0 {
		leverage = g.Delta * p.S / v
	}

	return &Report{
		OptionPrice:      v,
		PositionValue:    v * size,
		Greeks:           g,
		PositionGreeks:   g.Scale(size),
		Moneyness:        p.S / p.K,
		TimeToExpiryDays: p.T * 365,
		Leverage:         leverage,
	}, nil
}
