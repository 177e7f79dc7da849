package models

import (
	"math"
	"time"

	apperrors "options-desk/internal/errors"
)

const day = 24 * time.Hour

// Position is an open or closed option obligation held by the book.
//
// Premium is the per-contract option price at entry and is always positive;
// the sign of Quantity alone encodes the side (negative = short).
type Position struct {
	ID            string         `json:"id"`
	Symbol        string         `json:"symbol"`
	Kind          OptionKind     `json:"option_type"`
	Strike        float64        `json:"strike"`
	Expiration    time.Time      `json:"expiration"`
	Quantity      int            `json:"quantity"`
	Premium       float64        `json:"premium"`
	EntryPrice    float64        `json:"entry_price"`
	EntryDate     time.Time      `json:"entry_date"`
	Status        PositionStatus `json:"status"`
	CloseDate     *time.Time     `json:"close_date,omitempty"`
	ClosePrice    *float64       `json:"close_price,omitempty"`
	ImpliedVol    float64        `json:"implied_vol"`
	RiskFreeRate  float64        `json:"risk_free_rate"`
	DividendYield float64        `json:"dividend_yield"`
}

// IsShort reports whether the book sold the option.
func (p *Position) IsShort() bool {
	return p.Quantity < 0
}

// IsOpen reports whether the position is still open.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// AbsQuantity returns the unsigned contract count.
func (p *Position) AbsQuantity() int {
	if p.Quantity < 0 {
		return -p.Quantity
	}
	return p.Quantity
}

// Capital returns the premium at risk: premium x |quantity| x multiplier.
// For a short this is the premium collected, for a long the premium paid.
func (p *Position) Capital(multiplier float64) float64 {
	return math.Abs(p.Premium) * float64(p.AbsQuantity()) * multiplier
}

// DaysToExpiry returns whole calendar days from asOf to expiration.
func (p *Position) DaysToExpiry(asOf time.Time) int {
	return DaysBetween(asOf, p.Expiration)
}

// DaysHeld returns whole days between entry and asOf.
func (p *Position) DaysHeld(asOf time.Time) int {
	held := asOf.Sub(p.EntryDate)
	if held < 0 {
		return 0
	}
	return int(held / day)
}

// TimeToExpiry returns the year fraction to expiry, floored at minT.
func (p *Position) TimeToExpiry(asOf time.Time, minT float64) float64 {
	return math.Max(float64(p.DaysToExpiry(asOf))/365.0, minT)
}

// Intrinsic returns the exercise value of one option at underlying price s.
func (p *Position) Intrinsic(s float64) float64 {
	if p.Kind == Call {
		return math.Max(0, s-p.Strike)
	}
	return math.Max(0, p.Strike-s)
}

// BreakEven returns the underlying price at which the option premium is recovered.
func (p *Position) BreakEven() float64 {
	if p.Kind == Call {
		return p.Strike + math.Abs(p.Premium)
	}
	return p.Strike - math.Abs(p.Premium)
}

// Validate checks creation invariants.
func (p *Position) Validate() error {
	if p.Symbol == "" {
		return apperrors.NewValidationError("symbol", p.Symbol, "must not be empty")
	}
	if !p.Kind.Valid() {
		return apperrors.NewValidationError("option_type", p.Kind, "must be 'call' or 'put'")
	}
	if p.Strike <= 0 {
		return apperrors.NewValidationError("strike", p.Strike, "must be positive")
	}
	if p.Quantity == 0 {
		return apperrors.NewValidationError("quantity", p.Quantity, "must not be zero")
	}
	if p.Premium < 0 {
		return apperrors.NewValidationError("premium", p.Premium, "must not be negative")
	}
	if p.EntryPrice <= 0 {
		return apperrors.NewValidationError("entry_price", p.EntryPrice, "must be positive")
	}
	if p.ImpliedVol < 0 {
		return apperrors.NewValidationError("implied_vol", p.ImpliedVol, "must not be negative")
	}
	if DaysBetween(p.EntryDate, p.Expiration) < 0 {
		return apperrors.NewValidationError("expiration", p.Expiration.Format("2006-01-02"), "must not be before entry date")
	}
	return nil
}

// DaysBetween returns the number of calendar days from a to b, comparing dates only.
func DaysBetween(a, b time.Time) int {
	ad := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bd := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(math.Round(bd.Sub(ad).Hours() / 24))
}

// HedgeKind classifies why a hedge trade was placed.
type HedgeKind string

const (
	HedgeInitial   HedgeKind = "initial"
	HedgeRebalance HedgeKind = "rebalance"
	HedgeClose     HedgeKind = "close"
)

// Valid reports whether k is a known hedge kind.
func (k HedgeKind) Valid() bool {
	return k == HedgeInitial || k == HedgeRebalance || k == HedgeClose
}

// Hedge is one executed stock trade taken to offset a position's delta.
// DeltaAfter always equals DeltaBefore + Quantity.
type Hedge struct {
	ID              string    `json:"id"`
	PositionID      string    `json:"position_id"`
	Quantity        float64   `json:"hedge_quantity"`
	Price           float64   `json:"hedge_price"`
	Timestamp       time.Time `json:"hedge_date"`
	TransactionCost float64   `json:"transaction_cost"`
	DeltaBefore     float64   `json:"delta_before"`
	DeltaAfter      float64   `json:"delta_after"`
	UnderlyingPrice float64   `json:"underlying_price"`
	Kind            HedgeKind `json:"hedge_type"`
}

// Validate checks the delta invariant and field sanity.
func (h *Hedge) Validate() error {
	if h.PositionID == "" {
		return apperrors.NewValidationError("position_id", h.PositionID, "must not be empty")
	}
	if h.Price <= 0 {
		return apperrors.NewValidationError("hedge_price", h.Price, "must be positive")
	}
	if !h.Kind.Valid() {
		return apperrors.NewValidationError("hedge_type", h.Kind, "must be initial, rebalance or close")
	}
	if math.Abs(h.DeltaAfter-(h.DeltaBefore+h.Quantity)) > 1e-6 {
		return apperrors.NewValidationError("delta_after", h.DeltaAfter, "must equal delta_before + hedge_quantity")
	}
	return nil
}

// PnLSnapshot is a point-in-time valuation record for a position.
type PnLSnapshot struct {
	ID              int64     `json:"id"`
	PositionID      string    `json:"position_id"`
	Timestamp       time.Time `json:"snapshot_date"`
	UnderlyingPrice float64   `json:"underlying_price"`
	OptionPrice     float64   `json:"option_price"`
	Delta           float64   `json:"delta"`
	Gamma           float64   `json:"gamma"`
	Vega            float64   `json:"vega"`
	Theta           float64   `json:"theta"`
	UnrealizedPnL   float64   `json:"unrealized_pnl"`
	RealizedPnL     float64   `json:"realized_pnl"`
	TotalPnL        float64   `json:"total_pnl"`
}
