package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeType represents the kind of ledger entry.
type TradeType string

const (
	TradeSellOption  TradeType = "sell_option"
	TradeBuyOption   TradeType = "buy_option"
	TradeCloseOption TradeType = "close_option"
	TradeHedgeStock  TradeType = "hedge_stock"
)

// Trade is an execution log entry. Money amounts are kept as decimals so the
// ledger does not accumulate float rounding.
type Trade struct {
	ID         string          `json:"id"`
	PositionID string          `json:"position_id"`
	Type       TradeType       `json:"trade_type"`
	Symbol     string          `json:"symbol"`
	Quantity   float64         `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Timestamp  time.Time       `json:"trade_date"`
	Notes      string          `json:"notes,omitempty"`
}

// Notional returns |quantity| x price.
func (t *Trade) Notional() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromFloat(t.Quantity).Abs())
}

// Money rounds a float amount to cents for the ledger.
func Money(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}

// Price4 rounds a per-unit price to four decimals for the ledger.
func Price4(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(4)
}

// RiskLimitType names a configured exposure limit.
type RiskLimitType string

const (
	LimitMaxDelta         RiskLimitType = "max_delta_exposure"
	LimitMaxVega          RiskLimitType = "max_vega_exposure"
	LimitMaxPositionSize  RiskLimitType = "max_position_size"
	LimitMaxConcentration RiskLimitType = "max_concentration"
)

// RiskLimit is a configured exposure limit with its breach history.
type RiskLimit struct {
	Type         RiskLimitType `json:"limit_type"`
	Value        float64       `json:"limit_value"`
	CurrentValue float64       `json:"current_value"`
	BreachCount  int           `json:"breach_count"`
	LastUpdated  time.Time     `json:"last_updated"`
}

// Utilization returns current/limit in percent.
func (l *RiskLimit) Utilization() float64 {
	if l.Value == 0 {
		return 0
	}
	return l.CurrentValue / l.Value * 100
}
