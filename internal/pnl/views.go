package pnl

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	apperrors "options-desk/internal/errors"
	"options-desk/internal/models"
	"options-desk/internal/store"
)

// TradingDaysPerYear annualizes daily returns.
const TradingDaysPerYear = 252

// SharpeRatio annualizes the mean excess daily return over its sample
// standard deviation. It returns 0 for fewer than two returns or zero spread.
func SharpeRatio(dailyReturns []float64, riskFreeRate float64) float64 {
	if len(dailyReturns) < 2 {
		return 0
	}
	mean, std := stat.MeanStdDev(dailyReturns, nil)
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	excess := mean - riskFreeRate/TradingDaysPerYear
	return excess / std * math.Sqrt(TradingDaysPerYear)
}

// SellerPnL is the premium seller's view of a short position.
type SellerPnL struct {
	PositionID        string  `json:"position_id"`
	Symbol            string  `json:"symbol"`
	PremiumCollected  float64 `json:"premium_collected"`
	CurrentObligation float64 `json:"current_obligation"`
	OptionProfit      float64 `json:"option_profit"`
	HedgePnL          float64 `json:"hedge_pnl"`
	TotalPnL          float64 `json:"total_pnl"`
	ROI               float64 `json:"roi"`
	MaxProfit         float64 `json:"max_profit"`
	MaxProfitPct      float64 `json:"max_profit_pct"`
	BreakEven         float64 `json:"break_even"`
	DaysHeld          int     `json:"days_held"`
	AnnualizedReturn  float64 `json:"annualized_return"`
}

// SellerPnL reports a short position from the seller's side. Long positions
// are rejected with InvalidInput.
func (e *Engine) SellerPnL(ctx context.Context, positionID string) (*SellerPnL, error) {
	pos, err := e.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if !pos.IsShort() {
		return nil, apperrors.InvalidInput("pnl.SellerPnL", "not a short (seller) position").With("position_id", positionID)
	}
	v, err := e.value(ctx, pos, nil)
	if err != nil {
		return nil, err
	}

	size := float64(pos.AbsQuantity()) * e.cfg.ContractMultiplier
	out := &SellerPnL{
		PositionID:        pos.ID,
		Symbol:            pos.Symbol,
		PremiumCollected:  v.Premium * size,
		CurrentObligation: v.OptionPrice * size,
		HedgePnL:          v.NetHedgePnL,
		TotalPnL:          v.TotalPnL,
		ROI:               v.ROI,
		MaxProfitPct:      100,
		BreakEven:         pos.BreakEven(),
		DaysHeld:          v.DaysHeld,
	}
	out.OptionProfit = out.PremiumCollected - out.CurrentObligation
	out.MaxProfit = out.PremiumCollected
	if v.DaysHeld > 0 {
		out.AnnualizedReturn = v.ROI * 365 / float64(v.DaysHeld)
	}
	return out, nil
}

// BuyerPnL is the premium buyer's view of a long position.
type BuyerPnL struct {
	PositionID     string  `json:"position_id"`
	Symbol         string  `json:"symbol"`
	PremiumPaid    float64 `json:"premium_paid"`
	CurrentValue   float64 `json:"current_value"`
	IntrinsicValue float64 `json:"intrinsic_value"`
	TimeValue      float64 `json:"time_value"`
	ProfitLoss     float64 `json:"profit_loss"`
	ROI            float64 `json:"roi"`
	MaxLoss        float64 `json:"max_loss"`
	MaxLossPct     float64 `json:"max_loss_pct"`
	BreakEven      float64 `json:"break_even"`
	DaysHeld       int     `json:"days_held"`
}

// BuyerPnL reports a long position from the buyer's side. Short positions
// are rejected with InvalidInput.
func (e *Engine) BuyerPnL(ctx context.Context, positionID string) (*BuyerPnL, error) {
	pos, err := e.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if pos.IsShort() {
		return nil, apperrors.InvalidInput("pnl.BuyerPnL", "not a long (buyer) position").With("position_id", positionID)
	}
	v, err := e.value(ctx, pos, nil)
	if err != nil {
		return nil, err
	}

	size := float64(pos.Quantity) * e.cfg.ContractMultiplier
	out := &BuyerPnL{
		PositionID:     pos.ID,
		Symbol:         pos.Symbol,
		PremiumPaid:    v.Premium * size,
		CurrentValue:   v.OptionPrice * size,
		IntrinsicValue: pos.Intrinsic(v.UnderlyingPrice) * size,
		ProfitLoss:     v.TotalPnL,
		ROI:            v.ROI,
		MaxLossPct:     -100,
		BreakEven:      pos.BreakEven(),
		DaysHeld:       v.DaysHeld,
	}
	out.TimeValue = out.CurrentValue - out.IntrinsicValue
	out.MaxLoss = -out.PremiumPaid
	return out, nil
}

// History returns the position's snapshots from the last days, oldest first.
func (e *Engine) History(ctx context.Context, positionID string, days int) ([]models.PnLSnapshot, error) {
	if _, err := e.store.GetPosition(ctx, positionID); err != nil {
		return nil, err
	}
	return e.store.ListSnapshots(ctx, store.SnapshotFilter{
		PositionID: positionID,
		Since:      e.since(days),
	})
}

// DailyPnL is the book's snapshot totals for one calendar day.
type DailyPnL struct {
	Date          string  `json:"date"`
	TotalPnL      float64 `json:"total_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	RealizedPnL   float64 `json:"realized_pnl"`
	Delta         float64 `json:"delta"`
	Gamma         float64 `json:"gamma"`
	Vega          float64 `json:"vega"`
	Theta         float64 `json:"theta"`
}

// PortfolioHistory sums every snapshot from the last days by calendar day.
func (e *Engine) PortfolioHistory(ctx context.Context, days int) ([]DailyPnL, error) {
	snaps, err := e.store.ListSnapshots(ctx, store.SnapshotFilter{Since: e.since(days)})
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	byDay := make(map[string]*DailyPnL)
	for _, s := range snaps {
		key := s.Timestamp.Format("2006-01-02")
		d, ok := byDay[key]
		if !ok {
			d = &DailyPnL{Date: key}
			byDay[key] = d
		}
		d.TotalPnL += s.TotalPnL
		d.UnrealizedPnL += s.UnrealizedPnL
		d.RealizedPnL += s.RealizedPnL
		d.Delta += s.Delta
		d.Gamma += s.Gamma
		d.Vega += s.Vega
		d.Theta += s.Theta
	}

	out := make([]DailyPnL, 0, len(byDay))
	for _, d := range byDay {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (e *Engine) since(days int) time.Time {
	if days <= 0 {
		return time.Time{}
	}
	return e.Now().AddDate(0, 0, -days)
}
