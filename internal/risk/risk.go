// Package risk evaluates the book against configured exposure limits.
package risk

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"options-desk/internal/batch"
	"options-desk/internal/config"
	apperrors "options-desk/internal/errors"
	"options-desk/internal/hedging"
	"options-desk/internal/logging"
	"options-desk/internal/models"
	"options-desk/internal/portfolio"
	"options-desk/internal/store"
)

// Severity grades a limit breach.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
)

var severities = map[models.RiskLimitType]Severity{
	models.LimitMaxDelta:         SeverityHigh,
	models.LimitMaxVega:          SeverityMedium,
	models.LimitMaxPositionSize:  SeverityMedium,
	models.LimitMaxConcentration: SeverityMedium,
}

// Breach is one limit exceeded by the book.
type Breach struct {
	Limit    models.RiskLimitType `json:"limit_type"`
	Severity Severity             `json:"severity"`
	Current  float64              `json:"current_value"`
	Max      float64              `json:"limit_value"`
	Symbol   string               `json:"symbol,omitempty"`
	Message  string               `json:"message"`
}

// Monitor checks portfolio exposure against limits.
type Monitor struct {
	cfg    config.RiskConfig
	engine config.EngineConfig
	store  store.PositionStore
	book   *portfolio.Book
	hedger *hedging.Controller
	logger zerolog.Logger

	Now func() time.Time
}

// NewMonitor creates a risk monitor.
func NewMonitor(cfg config.RiskConfig, engine config.EngineConfig, st store.PositionStore, book *portfolio.Book, hedger *hedging.Controller, logger zerolog.Logger) *Monitor {
	return &Monitor{
		cfg:    cfg,
		engine: engine,
		store:  st,
		book:   book,
		hedger: hedger,
		logger: logger.With().Str("component", "risk").Logger(),
		Now:    time.Now,
	}
}

// Limits returns the configured limits keyed by type.
func (m *Monitor) Limits() map[models.RiskLimitType]float64 {
	return map[models.RiskLimitType]float64{
		models.LimitMaxDelta:         m.cfg.MaxDeltaExposure,
		models.LimitMaxVega:          m.cfg.MaxVegaExposure,
		models.LimitMaxPositionSize:  float64(m.cfg.MaxPositionSize),
		models.LimitMaxConcentration: m.cfg.MaxConcentration,
	}
}

// SyncLimits writes the configured limits to the store, keeping breach counts.
func (m *Monitor) SyncLimits(ctx context.Context) error {
	now := m.Now()
	for t, v := range m.Limits() {
		if err := m.store.SetRiskLimit(ctx, models.RiskLimit{Type: t, Value: v, LastUpdated: now}); err != nil {
			return fmt.Errorf("setting %s limit: %w", t, err)
		}
	}
	return nil
}

// Exposure is the set of live values compared against limits.
type Exposure struct {
	NetDelta          float64            `json:"net_delta"`
	Vega              float64            `json:"vega"`
	LargestPosition   int                `json:"largest_position"`
	LargestPositionID string             `json:"largest_position_id,omitempty"`
	Concentration     float64            `json:"concentration"`
	TopSymbol         string             `json:"top_symbol,omitempty"`
	MarketValue       float64            `json:"market_value"`
	BySymbol          map[string]float64 `json:"market_value_by_symbol"`
	Greeks            models.Greeks      `json:"greeks"`
	Report            *batch.Report      `json:"report"`
}

// Measure computes current exposure across open positions.
func (m *Monitor) Measure(ctx context.Context) (*Exposure, error) {
	greeks, err := m.book.PortfolioGreeks(ctx)
	if err != nil {
		return nil, err
	}
	delta, err := m.hedger.PortfolioDeltaExposure(ctx)
	if err != nil {
		return nil, err
	}
	open, err := m.store.ListPositions(ctx, store.PositionFilter{Status: models.StatusOpen})
	if err != nil {
		return nil, fmt.Errorf("listing open positions: %w", err)
	}

	exp := &Exposure{
		NetDelta: delta.NetDelta,
		Vega:     greeks.Total.Vega,
		Greeks:   greeks.Total,
		BySymbol: make(map[string]float64),
		Report:   &batch.Report{},
	}
	exp.Report.Merge(greeks.Report)
	exp.Report.Merge(delta.Report)

	for _, p := range open {
		if q := p.AbsQuantity(); q > exp.LargestPosition {
			exp.LargestPosition = q
			exp.LargestPositionID = p.ID
		}
	}
	for _, row := range greeks.Positions {
		exp.BySymbol[row.Symbol] += row.MarketValue
		exp.MarketValue += row.MarketValue
	}
	exp.Concentration, exp.TopSymbol = Concentration(exp.BySymbol)
	return exp, nil
}

// Concentration returns the largest single-underlying share of total market
// value, and that underlying. It is 0 for an empty or zero-valued book.
func Concentration(bySymbol map[string]float64) (float64, string) {
	var total float64
	for _, v := range bySymbol {
		total += v
	}
	if total <= 0 {
		return 0, ""
	}
	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var top string
	var max float64
	for _, s := range symbols {
		if share := bySymbol[s] / total; share > max {
			max, top = share, s
		}
	}
	return max, top
}

// Evaluate returns the breaches implied by exp.
func (m *Monitor) Evaluate(exp *Exposure) []Breach {
	limits := m.Limits()
	var out []Breach

	add := func(t models.RiskLimitType, current float64, symbol, msg string) {
		out = append(out, Breach{
			Limit:    t,
			Severity: severities[t],
			Current:  current,
			Max:      limits[t],
			Symbol:   symbol,
			Message:  msg,
		})
	}

	if d := math.Abs(exp.NetDelta); d > limits[models.LimitMaxDelta] {
		add(models.LimitMaxDelta, d, "", fmt.Sprintf("net delta %.0f exceeds limit %.0f", d, limits[models.LimitMaxDelta]))
	}
	if v := math.Abs(exp.Vega); v > limits[models.LimitMaxVega] {
		add(models.LimitMaxVega, v, "", fmt.Sprintf("vega %.0f exceeds limit %.0f", v, limits[models.LimitMaxVega]))
	}
	if q := float64(exp.LargestPosition); q > limits[models.LimitMaxPositionSize] {
		add(models.LimitMaxPositionSize, q, "", fmt.Sprintf("position %s has %d contracts, limit %d", exp.LargestPositionID, exp.LargestPosition, m.cfg.MaxPositionSize))
	}
	if c := exp.Concentration; c > limits[models.LimitMaxConcentration] {
		add(models.LimitMaxConcentration, c, exp.TopSymbol, fmt.Sprintf("%s is %.1f%% of market value, limit %.1f%%", exp.TopSymbol, c*100, limits[models.LimitMaxConcentration]*100))
	}
	return out
}

// LimitCheck is the outcome of CheckLimits.
type LimitCheck struct {
	CheckedAt time.Time          `json:"checked_at"`
	Exposure  *Exposure          `json:"exposure"`
	Breaches  []Breach           `json:"breaches"`
	Limits    []models.RiskLimit `json:"limits"`
}

// CheckLimits measures the book, records a breach against every exceeded
// limit and returns the breaches with updated counters.
func (m *Monitor) CheckLimits(ctx context.Context) (*LimitCheck, error) {
	if err := m.SyncLimits(ctx); err != nil {
		return nil, err
	}
	exp, err := m.Measure(ctx)
	if err != nil {
		return nil, err
	}

	now := m.Now()
	breaches := m.Evaluate(exp)
	for _, b := range breaches {
		if err := m.store.RecordBreach(ctx, b.Limit, b.Current, now); err != nil {
			return nil, fmt.Errorf("recording %s breach: %w", b.Limit, err)
		}
		logging.LogBreach(m.logger, string(b.Limit), string(b.Severity), b.Current, b.Max)
	}

	limits, err := m.store.GetRiskLimits(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading risk limits: %w", err)
	}
	return &LimitCheck{CheckedAt: now, Exposure: exp, Breaches: breaches, Limits: limits}, nil
}

// PreTradeCheck rejects a candidate position larger than the position size
// limit. It matches portfolio.PreTradeCheck.
func (m *Monitor) PreTradeCheck(_ context.Context, candidate *models.Position) error {
	if m.cfg.MaxPositionSize <= 0 {
		return nil
	}
	if q := candidate.AbsQuantity(); q > m.cfg.MaxPositionSize {
		return apperrors.NewRiskError(string(models.LimitMaxPositionSize), float64(q), float64(m.cfg.MaxPositionSize),
			"position size exceeds limit")
	}
	return nil
}

// LimitStatus is a limit with its live utilization.
type LimitStatus struct {
	Type        models.RiskLimitType `json:"limit_type"`
	Value       float64              `json:"limit_value"`
	Current     float64              `json:"current_value"`
	Utilization float64              `json:"utilization_pct"`
	Status      string               `json:"status"`
	BreachCount int                  `json:"breach_count"`
}

// Report is a full risk view of the book.
type Report struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Exposure    *Exposure          `json:"exposure"`
	Summary     *portfolio.Summary `json:"summary"`
	Limits      []LimitStatus      `json:"limits"`
	Expiring    []Expiring         `json:"expiring"`
}

// RiskReport describes exposure and limit utilization without recording
// breaches.
func (m *Monitor) RiskReport(ctx context.Context) (*Report, error) {
	exp, err := m.Measure(ctx)
	if err != nil {
		return nil, err
	}
	summary, err := m.book.Summary(ctx)
	if err != nil {
		return nil, err
	}
	expiring, err := m.ExpiringPositions(ctx, 0)
	if err != nil {
		return nil, err
	}
	stored, err := m.store.GetRiskLimits(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading risk limits: %w", err)
	}
	counts := make(map[models.RiskLimitType]int, len(stored))
	for _, l := range stored {
		counts[l.Type] = l.BreachCount
	}

	current := map[models.RiskLimitType]float64{
		models.LimitMaxDelta:         math.Abs(exp.NetDelta),
		models.LimitMaxVega:          math.Abs(exp.Vega),
		models.LimitMaxPositionSize:  float64(exp.LargestPosition),
		models.LimitMaxConcentration: exp.Concentration,
	}

	report := &Report{GeneratedAt: m.Now(), Exposure: exp, Summary: summary, Expiring: expiring}
	for t, v := range m.Limits() {
		l := models.RiskLimit{Type: t, Value: v, CurrentValue: current[t]}
		util := l.Utilization()
		report.Limits = append(report.Limits, LimitStatus{
			Type:        t,
			Value:       v,
			Current:     current[t],
			Utilization: util,
			Status:      limitStatus(util),
			BreachCount: counts[t],
		})
	}
	sort.Slice(report.Limits, func(i, j int) bool { return report.Limits[i].Type < report.Limits[j].Type })
	return report, nil
}

func limitStatus(utilization float64) string {
	switch {
	case utilization > 100:
		return "breach"
	case utilization >= 80:
		return "warning"
	default:
		return "ok"
	}
}

// Expiring is an open position close to expiry.
type Expiring struct {
	Position     models.Position `json:"position"`
	DaysToExpiry int             `json:"days_to_expiry"`
}

// ExpiringPositions lists open positions expiring within days. days <= 0
// uses the configured warning window.
func (m *Monitor) ExpiringPositions(ctx context.Context, days int) ([]Expiring, error) {
	if days <= 0 {
		days = m.cfg.ExpiryWarningDays
	}
	now := m.Now()
	open, err := m.store.ListPositions(ctx, store.PositionFilter{Status: models.StatusOpen})
	if err != nil {
		return nil, fmt.Errorf("listing open positions: %w", err)
	}

	var out []Expiring
	for _, p := range open {
		if d := p.DaysToExpiry(now); d <= days {
			out = append(out, Expiring{Position: p, DaysToExpiry: d})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DaysToExpiry < out[j].DaysToExpiry })
	return out, nil
}

// StressLine is one position's P&L under an underlying shock.
type StressLine struct {
	PositionID    string  `json:"position_id"`
	Symbol        string  `json:"symbol"`
	CurrentPrice  float64 `json:"current_underlying"`
	StressedPrice float64 `json:"stressed_underlying"`
	CurrentValue  float64 `json:"current_option_price"`
	StressedValue float64 `json:"stressed_option_price"`
	OptionImpact  float64 `json:"option_pnl_impact"`
	HedgeImpact   float64 `json:"hedge_pnl_impact"`
	NetImpact     float64 `json:"net_pnl_impact"`
	StressedDelta float64 `json:"stressed_delta"`
}

// StressResult aggregates a stress test.
type StressResult struct {
	ChangePct    float64       `json:"underlying_change_pct"`
	OptionImpact float64       `json:"option_pnl_impact"`
	HedgeImpact  float64       `json:"hedge_pnl_impact"`
	NetImpact    float64       `json:"net_pnl_impact"`
	Positions    []StressLine  `json:"positions"`
	Report       *batch.Report `json:"report"`
}

// StressTest revalues every open position with its underlying moved by
// changePct percent. Nothing is written.
func (m *Monitor) StressTest(ctx context.Context, changePct float64) (*StressResult, error) {
	if changePct <= -100 || math.IsNaN(changePct) || math.IsInf(changePct, 0) {
		return nil, apperrors.InvalidInput("risk.StressTest", "underlying change must be greater than -100%").With("change_pct", changePct)
	}
	open, err := m.store.ListPositions(ctx, store.PositionFilter{Status: models.StatusOpen})
	if err != nil {
		return nil, fmt.Errorf("listing open positions: %w", err)
	}

	lines, report := batch.Run(ctx, batch.Options{Op: "risk.StressTest", Limit: m.engine.BatchConcurrency, Logger: m.logger}, open,
		func(p models.Position) string { return p.ID },
		func(ctx context.Context, p models.Position) (StressLine, error) {
			return m.stress(ctx, &p, changePct)
		})

	out := &StressResult{ChangePct: changePct, Positions: lines, Report: report}
	for _, l := range lines {
		out.OptionImpact += l.OptionImpact
		out.HedgeImpact += l.HedgeImpact
		out.NetImpact += l.NetImpact
	}
	return out, nil
}

func (m *Monitor) stress(ctx context.Context, pos *models.Position, changePct float64) (StressLine, error) {
	current, err := m.book.PositionGreeks(ctx, pos)
	if err != nil {
		return StressLine{}, err
	}
	shocked := current.UnderlyingPrice * (1 + changePct/100)
	stressed, err := m.book.PositionGreeksAt(pos, shocked)
	if err != nil {
		return StressLine{}, err
	}
	hedges, err := m.store.ListHedges(ctx, pos.ID)
	if err != nil {
		return StressLine{}, fmt.Errorf("listing hedges for %s: %w", pos.ID, err)
	}

	size := float64(pos.Quantity)
	line := StressLine{
		PositionID:    pos.ID,
		Symbol:        pos.Symbol,
		CurrentPrice:  current.UnderlyingPrice,
		StressedPrice: shocked,
		CurrentValue:  current.OptionPrice,
		StressedValue: stressed.OptionPrice,
		StressedDelta: stressed.Greeks.Delta,
	}
	line.OptionImpact = (stressed.OptionPrice - current.OptionPrice) * size * m.engine.ContractMultiplier
	line.HedgeImpact = hedging.SumShares(hedges) * (shocked - current.UnderlyingPrice)
	line.NetImpact = line.OptionImpact + line.HedgeImpact
	return line, nil
}
