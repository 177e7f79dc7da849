// Package portfolio manages the lifecycle of option positions in the book.
package portfolio

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"options-desk/internal/batch"
	"options-desk/internal/config"
	apperrors "options-desk/internal/errors"
	"options-desk/internal/hedging"
	"options-desk/internal/logging"
	"options-desk/internal/marketdata"
	"options-desk/internal/models"
	"options-desk/internal/pnl"
	"options-desk/internal/pricing"
	"options-desk/internal/store"
)

// Side is the direction of an opening trade.
type Side string

const (
	Sell Side = "sell"
	Buy  Side = "buy"
)

// PreTradeCheck vets a position before it is booked. A non-nil error
// rejects the trade.
type PreTradeCheck func(ctx context.Context, candidate *models.Position) error

// Book opens, closes and expires positions and aggregates their Greeks.
type Book struct {
	cfg      config.EngineConfig
	market   marketdata.Provider
	store    store.PositionStore
	hedger   *hedging.Controller
	pnl      *pnl.Engine
	locks    *batch.KeyedMutex
	logger   zerolog.Logger
	preTrade PreTradeCheck

	Now func() time.Time
}

// NewBook creates a book over the shared store and engines.
func NewBook(cfg config.EngineConfig, market marketdata.Provider, st store.PositionStore, hedger *hedging.Controller, engine *pnl.Engine, locks *batch.KeyedMutex, logger zerolog.Logger) *Book {
	if locks == nil {
		locks = batch.NewKeyedMutex()
	}
	return &Book{
		cfg:    cfg,
		market: market,
		store:  st,
		hedger: hedger,
		pnl:    engine,
		locks:  locks,
		logger: logger.With().Str("component", "portfolio").Logger(),
		Now:    time.Now,
	}
}

// SetPreTradeCheck installs a check run before every OpenPosition.
func (b *Book) SetPreTradeCheck(check PreTradeCheck) {
	b.preTrade = check
}

// OpenRequest describes a new option trade.
type OpenRequest struct {
	Symbol        string
	Kind          models.OptionKind
	Strike        float64
	Expiration    time.Time
	Contracts     int
	Side          Side
	ImpliedVol    float64 // 0 uses historical volatility
	Premium       float64 // 0 uses the model price
	DividendYield float64
	Hedge         bool // place the initial delta hedge
}

// OpenResult is everything booked by OpenPosition.
type OpenResult struct {
	Position *models.Position    `json:"position"`
	Trade    *models.Trade       `json:"trade"`
	Snapshot *models.PnLSnapshot `json:"snapshot"`
	Hedge    *models.Hedge       `json:"hedge,omitempty"`
}

// OpenPosition sells or buys an option at the current market.
func (b *Book) OpenPosition(ctx context.Context, req OpenRequest) (*OpenResult, error) {
	const op = "portfolio.OpenPosition"

	if req.Contracts <= 0 {
		return nil, apperrors.InvalidInput(op, "contracts must be positive").With("contracts", req.Contracts)
	}
	if req.Side != Sell && req.Side != Buy {
		return nil, apperrors.InvalidInput(op, fmt.Sprintf("side must be 'sell' or 'buy', got %q", req.Side))
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))

	quote, err := b.market.GetQuote(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("fetching quote for %s: %w", symbol, err)
	}

	sigma := req.ImpliedVol
	if sigma <= 0 {
		if sigma, err = b.market.HistoricalVolatility(ctx, symbol); err != nil {
			return nil, fmt.Errorf("fetching volatility for %s: %w", symbol, err)
		}
	}
	rate, err := b.market.RiskFreeRate(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching risk-free rate: %w", err)
	}

	now := b.Now()
	qty := req.Contracts
	if req.Side == Sell {
		qty = -qty
	}
	pos := &models.Position{
		ID:            uuid.NewString(),
		Symbol:        symbol,
		Kind:          req.Kind,
		Strike:        req.Strike,
		Expiration:    req.Expiration,
		Quantity:      qty,
		Premium:       req.Premium,
		EntryPrice:    quote.Price,
		EntryDate:     now,
		Status:        models.StatusOpen,
		ImpliedVol:    sigma,
		RiskFreeRate:  rate,
		DividendYield: req.DividendYield,
	}
	if err := pos.Validate(); err != nil {
		return nil, err
	}
	if pos.Premium == 0 {
		if pos.Premium, err = pricing.Price(pricing.ForPosition(pos, quote.Price, now, 0)); err != nil {
			return nil, err
		}
	}

	if b.preTrade != nil {
		if err := b.preTrade(ctx, pos); err != nil {
			return nil, err
		}
	}

	if err := b.store.CreatePosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("creating position: %w", err)
	}

	tradeType := models.TradeBuyOption
	if pos.IsShort() {
		tradeType = models.TradeSellOption
	}
	trade := &models.Trade{
		ID:         uuid.NewString(),
		PositionID: pos.ID,
		Type:       tradeType,
		Symbol:     pos.Symbol,
		Quantity:   float64(pos.Quantity),
		Price:      models.Price4(pos.Premium),
		Commission: models.Money(b.optionsCommission(pos.AbsQuantity())),
		Timestamp:  now,
		Notes:      fmt.Sprintf("%s %s %.2f %s", req.Side, pos.Kind, pos.Strike, pos.Expiration.Format("2006-01-02")),
	}
	if err := b.store.LogTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("logging trade: %w", err)
	}
	logging.LogPosition(logging.WithPosition(b.logger, pos.ID), pos.Symbol, string(pos.Status), pos.Quantity)

	snap, err := b.pnl.RecordSnapshotAt(ctx, pos.ID, quote.Price)
	if err != nil {
		return nil, fmt.Errorf("recording entry snapshot: %w", err)
	}

	result := &OpenResult{Position: pos, Trade: trade, Snapshot: snap}
	if req.Hedge {
		h, err := b.hedger.Execute(ctx, pos.ID, nil, models.HedgeInitial)
		if err != nil {
			return result, fmt.Errorf("placing initial hedge: %w", err)
		}
		result.Hedge = h
	}
	return result, nil
}

func (b *Book) optionsCommission(contracts int) float64 {
	return float64(contracts) * b.cfg.OptionsCommissionPerContract
}

// CloseResult is everything booked by ClosePosition.
type CloseResult struct {
	Position *models.Position    `json:"position"`
	Trade    *models.Trade       `json:"trade"`
	Hedge    *models.Hedge       `json:"unwind_hedge,omitempty"`
	Snapshot *models.PnLSnapshot `json:"snapshot"`
}

// ClosePosition closes an open position at closePrice, or at the model price
// when closePrice is nil. With unwind set, any stock hedge is flattened
// first with a close hedge. The status check, hedge unwind and status change
// run under the position's lock.
func (b *Book) ClosePosition(ctx context.Context, positionID string, closePrice *float64, unwind bool) (*CloseResult, error) {
	const op = "portfolio.ClosePosition"

	if closePrice != nil && *closePrice < 0 {
		return nil, apperrors.InvalidInput(op, "close price must not be negative")
	}

	unlock := b.locks.Lock(positionID)
	result, pos, spot, err := b.closeLocked(ctx, op, positionID, closePrice, unwind)
	unlock()
	if err != nil {
		return nil, err
	}

	if result.Snapshot, err = b.pnl.RecordSnapshotAt(ctx, pos.ID, spot); err != nil {
		return nil, fmt.Errorf("recording close snapshot: %w", err)
	}
	if result.Position, err = b.store.GetPosition(ctx, pos.ID); err != nil {
		return nil, err
	}
	logging.LogPosition(logging.WithPosition(b.logger, pos.ID), pos.Symbol, string(models.StatusClosed), pos.Quantity)
	return result, nil
}

// closeLocked does the part of a close that must not interleave with other
// writers to the position. The caller holds the position's lock.
func (b *Book) closeLocked(ctx context.Context, op, positionID string, closePrice *float64, unwind bool) (*CloseResult, *models.Position, float64, error) {
	pos, err := b.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, nil, 0, err
	}
	if !pos.Status.CanTransition(models.StatusClosed) {
		return nil, nil, 0, apperrors.InvalidTransition(op, pos.ID, string(pos.Status), string(models.StatusClosed))
	}

	quote, err := b.market.GetQuote(ctx, pos.Symbol)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("fetching quote for %s: %w", pos.Symbol, err)
	}
	now := b.Now()

	price := 0.0
	if closePrice != nil {
		price = *closePrice
	} else if price, err = pricing.Price(pricing.ForPosition(pos, quote.Price, now, 0)); err != nil {
		return nil, nil, 0, err
	}

	result := &CloseResult{}
	if unwind {
		hedges, err := b.store.ListHedges(ctx, pos.ID)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("listing hedges for %s: %w", pos.ID, err)
		}
		if held := hedging.SumShares(hedges); math.Abs(held) > 1e-9 {
			flatten := -held
			if result.Hedge, err = b.hedger.ExecuteLocked(ctx, pos.ID, &flatten, models.HedgeClose); err != nil {
				return nil, nil, 0, fmt.Errorf("unwinding hedge: %w", err)
			}
		}
	}

	if err := b.store.UpdatePositionStatus(ctx, pos.ID, models.StatusClosed, now, price); err != nil {
		return nil, nil, 0, err
	}

	result.Trade = &models.Trade{
		ID:         uuid.NewString(),
		PositionID: pos.ID,
		Type:       models.TradeCloseOption,
		Symbol:     pos.Symbol,
		Quantity:   float64(-pos.Quantity),
		Price:      models.Price4(price),
		Commission: models.Money(b.optionsCommission(pos.AbsQuantity())),
		Timestamp:  now,
		Notes:      "close",
	}
	if err := b.store.LogTrade(ctx, result.Trade); err != nil {
		return nil, nil, 0, fmt.Errorf("logging trade: %w", err)
	}
	return result, pos, quote.Price, nil
}

// ExpirePositions marks every open position whose expiration date is before
// today as expired at intrinsic value.
func (b *Book) ExpirePositions(ctx context.Context) ([]models.Position, *batch.Report, error) {
	now := b.Now()
	open, err := b.store.ListPositions(ctx, store.PositionFilter{Status: models.StatusOpen})
	if err != nil {
		return nil, nil, fmt.Errorf("listing open positions: %w", err)
	}

	var due []models.Position
	for _, p := range open {
		if models.DaysBetween(p.Expiration, now) > 0 {
			due = append(due, p)
		}
	}

	expired, report := batch.Run(ctx, b.batchOptions("portfolio.ExpirePositions"), due, positionKey,
		func(ctx context.Context, p models.Position) (models.Position, error) {
			return b.expire(ctx, p.ID, now)
		})
	if len(due) > 0 {
		b.logger.Info().Int("expired", len(expired)).Int("skipped", report.Skipped()).Msg("Expiry sweep complete")
	}
	return expired, report, nil
}

func (b *Book) expire(ctx context.Context, id string, now time.Time) (models.Position, error) {
	unlock := b.locks.Lock(id)
	pos, spot, err := b.expireLocked(ctx, id, now)
	unlock()
	if err != nil {
		return models.Position{}, err
	}

	if _, err := b.pnl.RecordSnapshotAt(ctx, pos.ID, spot); err != nil {
		return models.Position{}, fmt.Errorf("recording expiry snapshot: %w", err)
	}
	logging.LogPosition(logging.WithPosition(b.logger, pos.ID), pos.Symbol, string(models.StatusExpired), pos.Quantity)

	updated, err := b.store.GetPosition(ctx, pos.ID)
	if err != nil {
		return models.Position{}, err
	}
	return *updated, nil
}

// expireLocked re-reads the position so one closed since the sweep listed it
// is left alone. The caller holds the position's lock.
func (b *Book) expireLocked(ctx context.Context, id string, now time.Time) (*models.Position, float64, error) {
	pos, err := b.store.GetPosition(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	if !pos.Status.CanTransition(models.StatusExpired) {
		return nil, 0, apperrors.InvalidTransition("portfolio.ExpirePositions", pos.ID, string(pos.Status), string(models.StatusExpired))
	}
	quote, err := b.market.GetQuote(ctx, pos.Symbol)
	if err != nil {
		return nil, 0, fmt.Errorf("fetching quote for %s: %w", pos.Symbol, err)
	}
	if err := b.store.UpdatePositionStatus(ctx, pos.ID, models.StatusExpired, now, pos.Intrinsic(quote.Price)); err != nil {
		return nil, 0, err
	}
	return pos, quote.Price, nil
}

// PositionGreeks are one position's multiplier-scaled Greeks.
type PositionGreeks struct {
	PositionID      string        `json:"position_id"`
	Symbol          string        `json:"symbol"`
	UnderlyingPrice float64       `json:"underlying_price"`
	OptionPrice     float64       `json:"option_price"`
	MarketValue     float64       `json:"market_value"`
	Greeks          models.Greeks `json:"greeks"`
}

// GreeksReport is the book's aggregate Greeks.
type GreeksReport struct {
	Total     models.Greeks    `json:"total"`
	Positions []PositionGreeks `json:"positions"`
	Report    *batch.Report    `json:"report"`
}

// PortfolioGreeks sums quantity x multiplier scaled Greeks over open
// positions, skipping any that cannot be priced.
func (b *Book) PortfolioGreeks(ctx context.Context) (*GreeksReport, error) {
	open, err := b.store.ListPositions(ctx, store.PositionFilter{Status: models.StatusOpen})
	if err != nil {
		return nil, fmt.Errorf("listing open positions: %w", err)
	}

	rows, report := batch.Run(ctx, b.batchOptions("portfolio.PortfolioGreeks"), open, positionKey,
		func(ctx context.Context, p models.Position) (PositionGreeks, error) {
			return b.PositionGreeks(ctx, &p)
		})

	out := &GreeksReport{Positions: rows, Report: report}
	for _, r := range rows {
		out.Total = out.Total.Add(r.Greeks)
	}
	return out, nil
}

// PositionGreeks prices pos at the current quote.
func (b *Book) PositionGreeks(ctx context.Context, pos *models.Position) (PositionGreeks, error) {
	quote, err := b.market.GetQuote(ctx, pos.Symbol)
	if err != nil {
		return PositionGreeks{}, fmt.Errorf("fetching quote for %s: %w", pos.Symbol, err)
	}
	return b.PositionGreeksAt(pos, quote.Price)
}

// PositionGreeksAt prices pos at spot.
func (b *Book) PositionGreeksAt(pos *models.Position, spot float64) (PositionGreeks, error) {
	params := pricing.ForPosition(pos, spot, b.Now(), b.cfg.MinTimeToExpiry)
	price, err := pricing.Price(params)
	if err != nil {
		return PositionGreeks{}, err
	}
	legs := []pricing.Leg{{Quantity: float64(pos.Quantity) * b.cfg.ContractMultiplier, Params: params}}
	g, err := pricing.PortfolioGreeks(legs)
	if err != nil {
		return PositionGreeks{}, err
	}
	return PositionGreeks{
		PositionID:      pos.ID,
		Symbol:          pos.Symbol,
		UnderlyingPrice: spot,
		OptionPrice:     price,
		MarketValue:     price * float64(pos.AbsQuantity()) * b.cfg.ContractMultiplier,
		Greeks:          g,
	}, nil
}

// PositionRow is one line of the positions summary.
type PositionRow struct {
	ID           string                `json:"id"`
	Symbol       string                `json:"symbol"`
	Kind         models.OptionKind     `json:"option_type"`
	Strike       float64               `json:"strike"`
	Expiration   time.Time             `json:"expiration"`
	Quantity     int                   `json:"quantity"`
	Status       models.PositionStatus `json:"status"`
	DaysToExpiry int                   `json:"days_to_expiry"`
	OptionPrice  float64               `json:"option_price"`
	MarketValue  float64               `json:"market_value"`
	TotalPnL     float64               `json:"total_pnl"`
}

// Summary is an overview of the book.
type Summary struct {
	OpenCount        int           `json:"open_count"`
	ClosedCount      int           `json:"closed_count"`
	ExpiredCount     int           `json:"expired_count"`
	TotalMarketValue float64       `json:"total_market_value"`
	TotalPnL         float64       `json:"total_pnl"`
	Positions        []PositionRow `json:"positions"`
	Report           *batch.Report `json:"report"`
}

// Summary values every position in the book.
func (b *Book) Summary(ctx context.Context) (*Summary, error) {
	all, err := b.store.ListPositions(ctx, store.PositionFilter{})
	if err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}

	now := b.Now()
	rows, report := batch.Run(ctx, b.batchOptions("portfolio.Summary"), all, positionKey,
		func(ctx context.Context, p models.Position) (PositionRow, error) {
			v, err := b.pnl.PositionPnL(ctx, p.ID)
			if err != nil {
				return PositionRow{}, err
			}
			row := PositionRow{
				ID:           p.ID,
				Symbol:       p.Symbol,
				Kind:         p.Kind,
				Strike:       p.Strike,
				Expiration:   p.Expiration,
				Quantity:     p.Quantity,
				Status:       p.Status,
				DaysToExpiry: p.DaysToExpiry(now),
				OptionPrice:  v.OptionPrice,
				TotalPnL:     v.TotalPnL,
			}
			if p.IsOpen() {
				row.MarketValue = v.OptionPrice * float64(p.AbsQuantity()) * b.cfg.ContractMultiplier
			}
			return row, nil
		})

	s := &Summary{Positions: rows, Report: report}
	for _, p := range all {
		switch p.Status {
		case models.StatusOpen:
			s.OpenCount++
		case models.StatusClosed:
			s.ClosedCount++
		case models.StatusExpired:
			s.ExpiredCount++
		}
	}
	for _, r := range rows {
		s.TotalMarketValue += r.MarketValue
		s.TotalPnL += r.TotalPnL
	}
	return s, nil
}

// GetPosition returns a position by id.
func (b *Book) GetPosition(ctx context.Context, id string) (*models.Position, error) {
	return b.store.GetPosition(ctx, id)
}

// ListPositions returns positions matching filter.
func (b *Book) ListPositions(ctx context.Context, filter store.PositionFilter) ([]models.Position, error) {
	return b.store.ListPositions(ctx, filter)
}

// DeletePosition removes a position with its hedges and snapshots.
func (b *Book) DeletePosition(ctx context.Context, id string) error {
	unlock := b.locks.Lock(id)
	defer unlock()

	if err := b.store.DeletePosition(ctx, id); err != nil {
		return err
	}
	b.logger.Info().Str("position_id", id).Msg("Position deleted")
	return nil
}

func (b *Book) batchOptions(op string) batch.Options {
	return batch.Options{Op: op, Limit: b.cfg.BatchConcurrency, Logger: b.logger}
}

func positionKey(p models.Position) string { return p.ID }
