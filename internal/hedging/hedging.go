// Package hedging computes and executes delta-neutralizing stock trades for
// option positions.
package hedging

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
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

// Controller is the delta-hedge policy for the book.
type Controller struct {
	cfg    config.EngineConfig
	market marketdata.Provider
	store  store.PositionStore
	locks  *batch.KeyedMutex
	logger zerolog.Logger

	// Now is the clock used for time to expiry and hedge timestamps.
	Now func() time.Time
}

// NewController creates a hedge controller. locks must be shared with any
// other component that appends to a position's history.
func NewController(cfg config.EngineConfig, market marketdata.Provider, st store.PositionStore, locks *batch.KeyedMutex, logger zerolog.Logger) *Controller {
	if locks == nil {
		locks = batch.NewKeyedMutex()
	}
	return &Controller{
		cfg:    cfg,
		market: market,
		store:  st,
		locks:  locks,
		logger: logger.With().Str("component", "hedging").Logger(),
		Now:    time.Now,
	}
}

// Requirements is the hedge needed to bring one position to delta neutral.
type Requirements struct {
	PositionID         string  `json:"position_id"`
	Symbol             string  `json:"symbol"`
	UnderlyingPrice    float64 `json:"underlying_price"`
	TimeToExpiry       float64 `json:"time_to_expiry"`
	OptionDelta        float64 `json:"option_delta"`
	PositionDelta      float64 `json:"position_delta"`
	CurrentHedgeShares float64 `json:"current_hedge_shares"`
	NetDelta           float64 `json:"net_delta"`
	RequiredShares     float64 `json:"required_hedge_shares"`
	Notional           float64 `json:"notional"`
	Commission         float64 `json:"commission"`
	SpreadCost         float64 `json:"spread_cost"`
	TotalCost          float64 `json:"total_cost"`
	ShouldRehedge      bool    `json:"should_rehedge"`
}

// Requirements computes the hedge for the position with the given id.
func (c *Controller) Requirements(ctx context.Context, positionID string) (*Requirements, error) {
	pos, err := c.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	return c.requirementsFor(ctx, pos)
}

func (c *Controller) requirementsFor(ctx context.Context, pos *models.Position) (*Requirements, error) {
	hedges, err := c.store.ListHedges(ctx, pos.ID)
	if err != nil {
		return nil, fmt.Errorf("listing hedges for %s: %w", pos.ID, err)
	}
	quote, err := c.market.GetQuote(ctx, pos.Symbol)
	if err != nil {
		return nil, fmt.Errorf("fetching quote for %s: %w", pos.Symbol, err)
	}
	return c.requirements(pos, hedges, quote.Price)
}

func (c *Controller) requirements(pos *models.Position, hedges []models.Hedge, spot float64) (*Requirements, error) {
	params := pricing.ForPosition(pos, spot, c.Now(), c.cfg.MinTimeToExpiry)
	delta, err := pricing.Delta(params)
	if err != nil {
		return nil, err
	}

	positionDelta := delta * float64(pos.Quantity) * c.cfg.ContractMultiplier
	current := SumShares(hedges)
	net := positionDelta + current
	required := -net

	req := &Requirements{
		PositionID:         pos.ID,
		Symbol:             pos.Symbol,
		UnderlyingPrice:    spot,
		TimeToExpiry:       params.T,
		OptionDelta:        delta,
		PositionDelta:      positionDelta,
		CurrentHedgeShares: current,
		NetDelta:           net,
		RequiredShares:     required,
		Notional:           math.Abs(required) * spot,
		Commission:         c.Commission(required),
		SpreadCost:         c.SpreadCost(required, spot),
		ShouldRehedge:      ShouldRehedge(net, positionDelta, c.cfg.RehedgeThresholdFraction),
	}
	req.TotalCost = req.Commission + req.SpreadCost
	return req, nil
}

// Commission returns the stock commission for trading shares.
func (c *Controller) Commission(shares float64) float64 {
	return math.Abs(shares) * c.cfg.StockCommissionPerShare
}

// SpreadCost returns half the bid-ask spread on the notional of shares at spot.
func (c *Controller) SpreadCost(shares, spot float64) float64 {
	return math.Abs(shares) * spot * c.cfg.BidAskSpreadFraction / 2
}

// ShouldRehedge reports whether the residual delta exceeds threshold as a
// fraction of the option position delta.
func ShouldRehedge(netDelta, positionDelta, threshold float64) bool {
	if positionDelta == 0 {
		return false
	}
	return math.Abs(netDelta/positionDelta) > threshold
}

// SumShares returns the total hedge shares held across hedges.
func SumShares(hedges []models.Hedge) float64 {
	var total float64
	for _, h := range hedges {
		total += h.Quantity
	}
	return total
}

// Execute records a hedge trade of shares for the position. A nil shares
// hedges the full required amount. The hedge history is read and appended
// under the position's lock so concurrent calls never double-hedge.
func (c *Controller) Execute(ctx context.Context, positionID string, shares *float64, kind models.HedgeKind) (*models.Hedge, error) {
	unlock := c.locks.Lock(positionID)
	defer unlock()
	return c.ExecuteLocked(ctx, positionID, shares, kind)
}

// ExecuteLocked is Execute for a caller already holding positionID in the
// shared KeyedMutex.
func (c *Controller) ExecuteLocked(ctx context.Context, positionID string, shares *float64, kind models.HedgeKind) (*models.Hedge, error) {
	const op = "hedging.Execute"

	if !kind.Valid() {
		return nil, apperrors.InvalidInput(op, fmt.Sprintf("unknown hedge kind %q", kind))
	}

	pos, err := c.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if !pos.IsOpen() {
		return nil, apperrors.InvalidInput(op, "position is not open").With("position_id", positionID).With("status", string(pos.Status))
	}

	req, err := c.requirementsFor(ctx, pos)
	if err != nil {
		return nil, err
	}

	qty := req.RequiredShares
	if shares != nil {
		qty = *shares
	}
	if qty == 0 || math.IsNaN(qty) || math.IsInf(qty, 0) {
		return nil, apperrors.InvalidInput(op, "hedge quantity must be non-zero").With("position_id", positionID)
	}

	now := c.Now()
	hedge := &models.Hedge{
		ID:              uuid.NewString(),
		PositionID:      pos.ID,
		Quantity:        qty,
		Price:           req.UnderlyingPrice,
		Timestamp:       now,
		TransactionCost: c.Commission(qty) + c.SpreadCost(qty, req.UnderlyingPrice),
		DeltaBefore:     req.NetDelta,
		DeltaAfter:      req.NetDelta + qty,
		UnderlyingPrice: req.UnderlyingPrice,
		Kind:            kind,
	}
	if err := c.store.AddHedge(ctx, hedge); err != nil {
		return nil, fmt.Errorf("recording hedge: %w", err)
	}

	trade := &models.Trade{
		ID:         uuid.NewString(),
		PositionID: pos.ID,
		Type:       models.TradeHedgeStock,
		Symbol:     pos.Symbol,
		Quantity:   qty,
		Price:      models.Price4(req.UnderlyingPrice),
		Commission: models.Money(hedge.TransactionCost),
		Timestamp:  now,
		Notes:      string(kind) + " hedge",
	}
	if err := c.store.LogTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("logging hedge trade: %w", err)
	}

	logging.LogHedge(logging.WithPosition(c.logger, pos.ID), string(kind), qty, hedge.Price, hedge.TransactionCost)
	return hedge, nil
}

// CheckRehedgeNeeded reports whether the position has drifted past the
// rehedge threshold.
func (c *Controller) CheckRehedgeNeeded(ctx context.Context, positionID string) (bool, *Requirements, error) {
	req, err := c.Requirements(ctx, positionID)
	if err != nil {
		return false, nil, err
	}
	return req.ShouldRehedge, req, nil
}

// RehedgeResult summarizes a portfolio rehedge pass.
type RehedgeResult struct {
	Recommendations []Requirements `json:"recommendations"`
	Executed        []models.Hedge `json:"executed"`
	EstimatedCost   float64        `json:"estimated_cost"`
	TotalCost       float64        `json:"total_cost"`
	Report          *batch.Report  `json:"report"`
	ExecutionReport *batch.Report  `json:"execution_report,omitempty"`
}

// AutoRehedgePortfolio evaluates every open position. With execute false
// nothing is written and the result is a preview of cost and impact.
func (c *Controller) AutoRehedgePortfolio(ctx context.Context, execute bool) (*RehedgeResult, error) {
	positions, err := c.store.ListPositions(ctx, store.PositionFilter{Status: models.StatusOpen})
	if err != nil {
		return nil, fmt.Errorf("listing open positions: %w", err)
	}

	reqs, report := batch.Run(ctx, c.batchOptions("hedging.AutoRehedgePortfolio"), positions, positionKey,
		func(ctx context.Context, p models.Position) (*Requirements, error) {
			return c.requirementsFor(ctx, &p)
		})

	result := &RehedgeResult{Report: report}
	var flagged []string
	for _, r := range reqs {
		if !r.ShouldRehedge {
			continue
		}
		result.Recommendations = append(result.Recommendations, *r)
		result.EstimatedCost += r.TotalCost
		flagged = append(flagged, r.PositionID)
	}

	if !execute || len(flagged) == 0 {
		return result, nil
	}

	hedges, execReport := batch.Run(ctx, c.batchOptions("hedging.Execute"), flagged,
		func(id string) string { return id },
		func(ctx context.Context, id string) (*models.Hedge, error) {
			return c.Execute(ctx, id, nil, models.HedgeRebalance)
		})
	result.ExecutionReport = execReport
	for _, h := range hedges {
		result.Executed = append(result.Executed, *h)
		result.TotalCost += h.TransactionCost
	}

	c.logger.Info().
		Int("recommended", len(flagged)).
		Int("executed", len(result.Executed)).
		Float64("total_cost", result.TotalCost).
		Msg("Portfolio rehedge complete")
	return result, nil
}

// DeltaExposure is the book-wide hedged delta.
type DeltaExposure struct {
	PositionDelta  float64        `json:"position_delta"`
	HedgeShares    float64        `json:"hedge_shares"`
	NetDelta       float64        `json:"net_delta"`
	HedgeNotional  float64        `json:"hedge_notional"`
	NeedingRehedge int            `json:"needing_rehedge"`
	Positions      []Requirements `json:"positions"`
	Report         *batch.Report  `json:"report"`
}

// PortfolioDeltaExposure sums option and hedge delta across open positions.
func (c *Controller) PortfolioDeltaExposure(ctx context.Context) (*DeltaExposure, error) {
	positions, err := c.store.ListPositions(ctx, store.PositionFilter{Status: models.StatusOpen})
	if err != nil {
		return nil, fmt.Errorf("listing open positions: %w", err)
	}

	reqs, report := batch.Run(ctx, c.batchOptions("hedging.PortfolioDeltaExposure"), positions, positionKey,
		func(ctx context.Context, p models.Position) (*Requirements, error) {
			return c.requirementsFor(ctx, &p)
		})

	exp := &DeltaExposure{Report: report}
	for _, r := range reqs {
		exp.PositionDelta += r.PositionDelta
		exp.HedgeShares += r.CurrentHedgeShares
		exp.NetDelta += r.NetDelta
		exp.HedgeNotional += math.Abs(r.CurrentHedgeShares) * r.UnderlyingPrice
		if r.ShouldRehedge {
			exp.NeedingRehedge++
		}
		exp.Positions = append(exp.Positions, *r)
	}
	return exp, nil
}

// HedgeLine is the mark-to-market of one hedge trade.
type HedgeLine struct {
	models.Hedge
	PnL float64 `json:"pnl"`
}

// HedgePnL is the hedge P&L breakdown for a position.
type HedgePnL struct {
	PositionID      string      `json:"position_id"`
	UnderlyingPrice float64     `json:"underlying_price"`
	Hedges          []HedgeLine `json:"hedges"`
	GrossPnL        float64     `json:"gross_pnl"`
	Costs           float64     `json:"costs"`
	NetPnL          float64     `json:"net_pnl"`
}

// HedgingPnL marks every hedge of the position to the current underlying.
func (c *Controller) HedgingPnL(ctx context.Context, positionID string) (*HedgePnL, error) {
	pos, err := c.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	hedges, err := c.store.ListHedges(ctx, pos.ID)
	if err != nil {
		return nil, fmt.Errorf("listing hedges for %s: %w", pos.ID, err)
	}
	quote, err := c.market.GetQuote(ctx, pos.Symbol)
	if err != nil {
		return nil, fmt.Errorf("fetching quote for %s: %w", pos.Symbol, err)
	}

	out := &HedgePnL{PositionID: pos.ID, UnderlyingPrice: quote.Price}
	for _, h := range hedges {
		line := HedgeLine{Hedge: h, PnL: h.Quantity * (quote.Price - h.Price)}
		out.Hedges = append(out.Hedges, line)
		out.GrossPnL += line.PnL
		out.Costs += h.TransactionCost
	}
	out.NetPnL = out.GrossPnL - out.Costs
	return out, nil
}

// Efficiency holds hedge quality diagnostics for a position.
type Efficiency struct {
	PositionID      string  `json:"position_id"`
	HedgeRatio      float64 `json:"hedge_ratio"`
	DeltaNeutrality float64 `json:"delta_neutrality"`
	TotalCost       float64 `json:"total_cost"`
	CostRatio       float64 `json:"cost_ratio"`
	HedgeCount      int     `json:"hedge_count"`
	RehedgeCount    int     `json:"rehedge_count"`
}

// Efficiency compares the current hedge with a full delta hedge.
func (c *Controller) Efficiency(ctx context.Context, positionID string) (*Efficiency, error) {
	pos, err := c.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	hedges, err := c.store.ListHedges(ctx, pos.ID)
	if err != nil {
		return nil, fmt.Errorf("listing hedges for %s: %w", pos.ID, err)
	}
	quote, err := c.market.GetQuote(ctx, pos.Symbol)
	if err != nil {
		return nil, fmt.Errorf("fetching quote for %s: %w", pos.Symbol, err)
	}
	req, err := c.requirements(pos, hedges, quote.Price)
	if err != nil {
		return nil, err
	}

	eff := &Efficiency{
		PositionID: pos.ID,
		HedgeCount: len(hedges),
	}
	for _, h := range hedges {
		eff.TotalCost += h.TransactionCost
		if h.Kind == models.HedgeRebalance {
			eff.RehedgeCount++
		}
	}
	eff.HedgeRatio, eff.DeltaNeutrality = Ratios(req.PositionDelta, req.CurrentHedgeShares)
	if capital := pos.Capital(c.cfg.ContractMultiplier); capital > 0 {
		eff.CostRatio = eff.TotalCost / capital
	}
	return eff, nil
}

// Ratios returns the hedge ratio (current hedge over a full hedge) and delta
// neutrality (1 - |net/position delta|). Both are 0 when positionDelta is 0.
func Ratios(positionDelta, hedgeShares float64) (hedgeRatio, neutrality float64) {
	if positionDelta == 0 {
		return 0, 0
	}
	hedgeRatio = hedgeShares / -positionDelta
	neutrality = 1 - math.Abs((positionDelta+hedgeShares)/positionDelta)
	return hedgeRatio, neutrality
}

func (c *Controller) batchOptions(op string) batch.Options {
	return batch.Options{Op: op, Limit: c.cfg.BatchConcurrency, Logger: c.logger}
}

func positionKey(p models.Position) string { return p.ID }
