// Package pnl values positions and attributes profit and loss for the book.
package pnl

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"options-desk/internal/batch"
	"options-desk/internal/config"
	apperrors "options-desk/internal/errors"
	"options-desk/internal/logging"
	"options-desk/internal/marketdata"
	"options-desk/internal/models"
	"options-desk/internal/pricing"
	"options-desk/internal/store"
)

// RecentClosedLimit caps the closed positions listed in a portfolio report.
const RecentClosedLimit = 10

// Engine computes position and portfolio P&L.
type Engine struct {
	cfg          config.EngineConfig
	riskFreeRate float64
	market       marketdata.Provider
	store        store.PositionStore
	locks        *batch.KeyedMutex
	logger       zerolog.Logger

	Now func() time.Time
}

// NewEngine creates a P&L engine. sharpeRiskFreeRate is the annual rate
// subtracted in PerformanceMetrics.
func NewEngine(cfg config.EngineConfig, sharpeRiskFreeRate float64, market marketdata.Provider, st store.PositionStore, locks *batch.KeyedMutex, logger zerolog.Logger) *Engine {
	if locks == nil {
		locks = batch.NewKeyedMutex()
	}
	return &Engine{
		cfg:          cfg,
		riskFreeRate: sharpeRiskFreeRate,
		market:       market,
		store:        st,
		locks:        locks,
		logger:       logger.With().Str("component", "pnl").Logger(),
		Now:          time.Now,
	}
}

// PositionPnL is the revaluation of one position.
type PositionPnL struct {
	PositionID          string                `json:"position_id"`
	Symbol              string                `json:"symbol"`
	Kind                models.OptionKind     `json:"option_type"`
	Strike              float64               `json:"strike"`
	Quantity            int                   `json:"quantity"`
	Status              models.PositionStatus `json:"status"`
	EntryDate           time.Time             `json:"entry_date"`
	Expiration          time.Time             `json:"expiration"`
	CloseDate           *time.Time            `json:"close_date,omitempty"`
	DaysHeld            int                   `json:"days_held"`
	UnderlyingPrice     float64               `json:"current_underlying_price"`
	EntryUnderlying     float64               `json:"entry_underlying_price"`
	UnderlyingChange    float64               `json:"underlying_change"`
	UnderlyingChangePct float64               `json:"underlying_change_pct"`
	OptionPrice         float64               `json:"current_option_price"`
	Premium             float64               `json:"entry_option_price"`
	OptionPnL           float64               `json:"option_pnl"`
	HedgePnL            float64               `json:"hedge_pnl"`
	HedgeCosts          float64               `json:"hedge_costs"`
	NetHedgePnL         float64               `json:"net_hedge_pnl"`
	HedgeShares         float64               `json:"net_hedge_shares"`
	UnrealizedPnL       float64               `json:"unrealized_pnl"`
	RealizedPnL         float64               `json:"realized_pnl"`
	TotalPnL            float64               `json:"total_pnl"`
	Capital             float64               `json:"capital"`
	ROI                 float64               `json:"roi"`
	Greeks              models.Greeks         `json:"greeks"`
}

// OptionPnL returns the option leg P&L for a position marked at current.
// Short: (premium - current) x |q| x m. Long: (current - premium) x q x m.
func OptionPnL(pos *models.Position, current, multiplier float64) float64 {
	premium := math.Abs(pos.Premium)
	if pos.IsShort() {
		return (premium - current) * float64(pos.AbsQuantity()) * multiplier
	}
	return (current - premium) * float64(pos.Quantity) * multiplier
}

// PositionPnL revalues the position with the given id.
func (e *Engine) PositionPnL(ctx context.Context, positionID string) (*PositionPnL, error) {
	pos, err := e.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	return e.value(ctx, pos, nil)
}

// value marks pos to market. Open positions use the model at the current
// underlying; closed and expired ones use their close price. A non-nil spot
// overrides the quote.
func (e *Engine) value(ctx context.Context, pos *models.Position, spot *float64) (*PositionPnL, error) {
	hedges, err := e.store.ListHedges(ctx, pos.ID)
	if err != nil {
		return nil, fmt.Errorf("listing hedges for %s: %w", pos.ID, err)
	}

	s, err := e.underlying(ctx, pos, spot)
	if err != nil {
		return nil, err
	}

	now := e.Now()
	out := &PositionPnL{
		PositionID:      pos.ID,
		Symbol:          pos.Symbol,
		Kind:            pos.Kind,
		Strike:          pos.Strike,
		Quantity:        pos.Quantity,
		Status:          pos.Status,
		EntryDate:       pos.EntryDate,
		Expiration:      pos.Expiration,
		CloseDate:       pos.CloseDate,
		DaysHeld:        pos.DaysHeld(now),
		UnderlyingPrice: s,
		EntryUnderlying: pos.EntryPrice,
		Premium:         math.Abs(pos.Premium),
		Capital:         pos.Capital(e.cfg.ContractMultiplier),
	}
	out.UnderlyingChange = s - pos.EntryPrice
	if pos.EntryPrice > 0 {
		out.UnderlyingChangePct = (s/pos.EntryPrice - 1) * 100
	}

	if pos.IsOpen() {
		params := pricing.ForPosition(pos, s, now, 0)
		price, err := pricing.Price(params)
		if err != nil {
			return nil, err
		}
		out.OptionPrice = price
		if !params.Expired() {
			g, err := pricing.AllGreeks(params)
			if err != nil {
				return nil, err
			}
			out.Greeks = g
		}
	} else if pos.ClosePrice != nil {
		out.OptionPrice = *pos.ClosePrice
	}

	out.OptionPnL = OptionPnL(pos, out.OptionPrice, e.cfg.ContractMultiplier)
	for _, h := range hedges {
		out.HedgePnL += h.Quantity * (s - h.Price)
		out.HedgeCosts += h.TransactionCost
		out.HedgeShares += h.Quantity
	}
	out.NetHedgePnL = out.HedgePnL - out.HedgeCosts

	if pos.IsOpen() {
		out.UnrealizedPnL = out.OptionPnL + out.HedgePnL
		out.RealizedPnL = -out.HedgeCosts
	} else {
		out.RealizedPnL = out.OptionPnL + out.HedgePnL - out.HedgeCosts
	}
	out.TotalPnL = out.UnrealizedPnL + out.RealizedPnL

	if out.Capital > 0 {
		out.ROI = out.TotalPnL / out.Capital * 100
	}
	return out, nil
}

// underlying picks the price to mark pos at: the override, the price on the
// final snapshot of a closed position, or a fresh quote.
func (e *Engine) underlying(ctx context.Context, pos *models.Position, spot *float64) (float64, error) {
	if spot != nil {
		return *spot, nil
	}
	if !pos.IsOpen() && pos.CloseDate != nil {
		snaps, err := e.store.ListSnapshots(ctx, store.SnapshotFilter{PositionID: pos.ID, Limit: 1})
		if err != nil {
			return 0, fmt.Errorf("listing snapshots for %s: %w", pos.ID, err)
		}
		if len(snaps) == 1 && !snaps[0].Timestamp.Before(*pos.CloseDate) {
			return snaps[0].UnderlyingPrice, nil
		}
	}
	quote, err := e.market.GetQuote(ctx, pos.Symbol)
	if err != nil {
		return 0, fmt.Errorf("fetching quote for %s: %w", pos.Symbol, err)
	}
	return quote.Price, nil
}

// RecordSnapshot values the position at the current quote and appends a
// snapshot.
func (e *Engine) RecordSnapshot(ctx context.Context, positionID string) (*models.PnLSnapshot, error) {
	return e.recordSnapshot(ctx, positionID, nil)
}

// RecordSnapshotAt values the position at spot and appends a snapshot.
func (e *Engine) RecordSnapshotAt(ctx context.Context, positionID string, spot float64) (*models.PnLSnapshot, error) {
	return e.recordSnapshot(ctx, positionID, &spot)
}

func (e *Engine) recordSnapshot(ctx context.Context, positionID string, spot *float64) (*models.PnLSnapshot, error) {
	unlock := e.locks.Lock(positionID)
	defer unlock()

	pos, err := e.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	v, err := e.value(ctx, pos, spot)
	if err != nil {
		return nil, err
	}

	// Snapshot Greeks are position-scaled so they sum across the book.
	g := v.Greeks.Scale(float64(pos.Quantity) * e.cfg.ContractMultiplier)
	snap := &models.PnLSnapshot{
		PositionID:      pos.ID,
		Timestamp:       e.Now(),
		UnderlyingPrice: v.UnderlyingPrice,
		OptionPrice:     v.OptionPrice,
		Delta:           g.Delta,
		Gamma:           g.Gamma,
		Vega:            g.Vega,
		Theta:           g.Theta,
		UnrealizedPnL:   v.UnrealizedPnL,
		RealizedPnL:     v.RealizedPnL,
		TotalPnL:        v.TotalPnL,
	}
	if err := e.store.AddSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("recording snapshot: %w", err)
	}
	logging.LogSnapshot(logging.WithPosition(e.logger, pos.ID), snap.UnderlyingPrice, snap.TotalPnL)
	return snap, nil
}

// RefreshSnapshots records a snapshot for every open position.
func (e *Engine) RefreshSnapshots(ctx context.Context) ([]models.PnLSnapshot, *batch.Report, error) {
	positions, err := e.store.ListPositions(ctx, store.PositionFilter{Status: models.StatusOpen})
	if err != nil {
		return nil, nil, fmt.Errorf("listing open positions: %w", err)
	}
	snaps, report := batch.Run(ctx, e.batchOptions("pnl.RefreshSnapshots"), positions, positionKey,
		func(ctx context.Context, p models.Position) (models.PnLSnapshot, error) {
			s, err := e.RecordSnapshot(ctx, p.ID)
			if err != nil {
				return models.PnLSnapshot{}, err
			}
			return *s, nil
		})
	return snaps, report, nil
}

// PartitionTotals sums P&L over a group of positions.
type PartitionTotals struct {
	Count     int     `json:"count"`
	TotalPnL  float64 `json:"total_pnl"`
	OptionPnL float64 `json:"option_pnl"`
	HedgePnL  float64 `json:"hedge_pnl"`
}

func (t *PartitionTotals) add(p *PositionPnL) {
	t.Count++
	t.TotalPnL += p.TotalPnL
	t.OptionPnL += p.OptionPnL
	t.HedgePnL += p.NetHedgePnL
}

// PortfolioPnL is the book-level P&L split into open and finished positions.
type PortfolioPnL struct {
	TotalPnL        float64         `json:"total_pnl"`
	Open            PartitionTotals `json:"open"`
	Closed          PartitionTotals `json:"closed"`
	OpenPositions   []PositionPnL   `json:"open_positions"`
	ClosedPositions []PositionPnL   `json:"closed_positions"`
	Report          *batch.Report   `json:"report"`
}

// PortfolioPnL revalues every position. Positions that fail to value are
// reported and left out of the totals.
func (e *Engine) PortfolioPnL(ctx context.Context) (*PortfolioPnL, error) {
	positions, err := e.store.ListPositions(ctx, store.PositionFilter{})
	if err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}

	values, report := batch.Run(ctx, e.batchOptions("pnl.PortfolioPnL"), positions, positionKey,
		func(ctx context.Context, p models.Position) (*PositionPnL, error) {
			return e.value(ctx, &p, nil)
		})

	out := &PortfolioPnL{Report: report}
	var closed []PositionPnL
	for _, v := range values {
		if v.Status == models.StatusOpen {
			out.Open.add(v)
			out.OpenPositions = append(out.OpenPositions, *v)
			continue
		}
		out.Closed.add(v)
		closed = append(closed, *v)
	}
	sort.SliceStable(closed, func(i, j int) bool {
		return closeTime(&closed[i]).After(closeTime(&closed[j]))
	})
	if len(closed) > RecentClosedLimit {
		closed = closed[:RecentClosedLimit]
	}
	out.ClosedPositions = closed
	out.TotalPnL = out.Open.TotalPnL + out.Closed.TotalPnL
	return out, nil
}

func closeTime(p *PositionPnL) time.Time {
	if p.CloseDate != nil {
		return *p.CloseDate
	}
	return p.Expiration
}

// Attribution decomposes a position's P&L. The theta and delta parts are
// first-order estimates; Residual is whatever they leave unexplained.
type Attribution struct {
	PositionID        string  `json:"position_id"`
	TotalPnL          float64 `json:"total_pnl"`
	OptionPnL         float64 `json:"option_pnl"`
	HedgePnL          float64 `json:"hedge_pnl"`
	EstimatedThetaPnL float64 `json:"estimated_theta_pnl"`
	EstimatedDeltaPnL float64 `json:"estimated_delta_pnl"`
	TransactionCosts  float64 `json:"transaction_costs"`
	Residual          float64 `json:"residual"`
}

// Attribution breaks down the P&L of the position with the given id.
func (e *Engine) Attribution(ctx context.Context, positionID string) (*Attribution, error) {
	v, err := e.PositionPnL(ctx, positionID)
	if err != nil {
		return nil, err
	}
	return Attribute(v, e.cfg.ContractMultiplier), nil
}

// Attribute splits v into theta, delta and hedge estimates.
func Attribute(v *PositionPnL, multiplier float64) *Attribution {
	a := &Attribution{
		PositionID:        v.PositionID,
		TotalPnL:          v.TotalPnL,
		OptionPnL:         v.OptionPnL,
		HedgePnL:          v.NetHedgePnL,
		EstimatedThetaPnL: v.Greeks.Theta * float64(v.DaysHeld),
		EstimatedDeltaPnL: v.Greeks.Delta * v.UnderlyingChange * math.Abs(float64(v.Quantity)) * multiplier,
		TransactionCosts:  v.HedgeCosts,
	}
	a.Residual = a.TotalPnL - a.EstimatedThetaPnL - a.EstimatedDeltaPnL - a.HedgePnL
	return a
}

// Ratio is a float that encodes infinity as "inf" in JSON.
type Ratio float64

// MarshalJSON implements json.Marshaler.
func (r Ratio) MarshalJSON() ([]byte, error) {
	f := float64(r)
	switch {
	case math.IsInf(f, 1):
		return []byte(`"inf"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-inf"`), nil
	case math.IsNaN(f):
		return []byte("null"), nil
	}
	return json.Marshal(f)
}

// Performance holds aggregate statistics over a window of positions.
type Performance struct {
	PeriodStart           time.Time     `json:"period_start"`
	PeriodEnd             time.Time     `json:"period_end"`
	TotalTrades           int           `json:"total_trades"`
	WinningTrades         int           `json:"winning_trades"`
	LosingTrades          int           `json:"losing_trades"`
	WinRate               float64       `json:"win_rate"`
	TotalProfit           float64       `json:"total_profit"`
	TotalLoss             float64       `json:"total_loss"`
	NetPnL                float64       `json:"net_pnl"`
	AvgWin                float64       `json:"avg_win"`
	AvgLoss               float64       `json:"avg_loss"`
	ProfitFactor          Ratio         `json:"profit_factor"`
	TotalPremiumCollected float64       `json:"total_premium_collected"`
	TotalPremiumPaid      float64       `json:"total_premium_paid"`
	SharpeRatio           float64       `json:"sharpe_ratio"`
	Report                *batch.Report `json:"report"`
}

// PerformanceMetrics aggregates positions entered in [start, end]. A zero
// start means one year before end; a zero end means now.
func (e *Engine) PerformanceMetrics(ctx context.Context, start, end time.Time) (*Performance, error) {
	if end.IsZero() {
		end = e.Now()
	}
	if start.IsZero() {
		start = end.AddDate(-1, 0, 0)
	}
	if end.Before(start) {
		return nil, apperrors.InvalidInput("pnl.PerformanceMetrics", "end must not be before start")
	}

	positions, err := e.store.ListPositions(ctx, store.PositionFilter{EnteredFrom: start, EnteredTo: end})
	if err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}

	values, report := batch.Run(ctx, e.batchOptions("pnl.PerformanceMetrics"), positions, positionKey,
		func(ctx context.Context, p models.Position) (*PositionPnL, error) {
			return e.value(ctx, &p, nil)
		})

	perf := Summarize(values, e.riskFreeRate)
	perf.PeriodStart = start
	perf.PeriodEnd = end
	perf.Report = report
	return perf, nil
}

// Summarize computes win/loss statistics and the Sharpe ratio for values.
func Summarize(values []*PositionPnL, riskFreeRate float64) *Performance {
	perf := &Performance{TotalTrades: len(values)}
	var returns []float64

	for _, v := range values {
		if v.TotalPnL > 0 {
			perf.WinningTrades++
			perf.TotalProfit += v.TotalPnL
		} else {
			perf.LosingTrades++
			perf.TotalLoss += math.Abs(v.TotalPnL)
		}
		if v.Quantity < 0 {
			perf.TotalPremiumCollected += v.Capital
		} else {
			perf.TotalPremiumPaid += v.Capital
		}
		if v.Capital > 0 && v.DaysHeld > 0 {
			returns = append(returns, v.TotalPnL/v.Capital/float64(v.DaysHeld))
		}
	}

	if perf.TotalTrades > 0 {
		perf.WinRate = float64(perf.WinningTrades) / float64(perf.TotalTrades)
	}
	if perf.WinningTrades > 0 {
		perf.AvgWin = perf.TotalProfit / float64(perf.WinningTrades)
	}
	if perf.LosingTrades > 0 {
		perf.AvgLoss = perf.TotalLoss / float64(perf.LosingTrades)
	}
	if perf.TotalLoss > 0 {
		perf.ProfitFactor = Ratio(perf.TotalProfit / perf.TotalLoss)
	} else {
		perf.ProfitFactor = Ratio(math.Inf(1))
	}
	perf.NetPnL = perf.TotalProfit - perf.TotalLoss
	perf.SharpeRatio = SharpeRatio(returns, riskFreeRate)
	return perf
}

func (e *Engine) batchOptions(op string) batch.Options {
	return batch.Options{Op: op, Limit: e.cfg.BatchConcurrency, Logger: e.logger}
}

func positionKey(p models.Position) string { return p.ID }
