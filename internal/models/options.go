package models

import (
	"fmt"
	"strings"
)

// OptionKind represents the right conveyed by an option.
type OptionKind string

const (
	Call OptionKind = "call"
	Put  OptionKind = "put"
)

// ParseOptionKind parses "call"/"put" case-insensitively.
func ParseOptionKind(s string) (OptionKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "call", "c":
		return Call, nil
	case "put", "p":
		return Put, nil
	default:
		return "", fmt.Errorf("option kind must be 'call' or 'put', got %q", s)
	}
}

// Valid reports whether k is a known option kind.
func (k OptionKind) Valid() bool {
	return k == Call || k == Put
}

// Greeks holds option sensitivities in reporting units: vega and rho per
// percentage point, theta per calendar day.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Vega  float64 `json:"vega"`
	Theta float64 `json:"theta"`
	Rho   float64 `json:"rho"`
}

// Add returns the element-wise sum of g and o.
func (g Greeks) Add(o Greeks) Greeks {
	return Greeks{
		Delta: g.Delta + o.Delta,
		Gamma: g.Gamma + o.Gamma,
		Vega:  g.Vega + o.Vega,
		Theta: g.Theta + o.Theta,
		Rho:   g.Rho + o.Rho,
	}
}

// Scale multiplies every Greek by f.
func (g Greeks) Scale(f float64) Greeks {
	return Greeks{
		Delta: g.Delta * f,
		Gamma: g.Gamma * f,
		Vega:  g.Vega * f,
		Theta: g.Theta * f,
		Rho:   g.Rho * f,
	}
}
