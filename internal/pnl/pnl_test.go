package pnl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"options-desk/internal/batch"
	"options-desk/internal/config"
	apperrors "options-desk/internal/errors"
	"options-desk/internal/marketdata"
	"options-desk/internal/models"
	"options-desk/internal/pricing"
	"options-desk/internal/store"
)

var testNow = time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store  *store.MemoryStore
	market *marketdata.StaticProvider
	engine *Engine
}

func newFixture() *fixture {
	st := store.NewMemoryStore()
	market := marketdata.NewStaticProvider(0.3, 0.05)
	engine := NewEngine(config.Default().Engine, 0.05, market, st, batch.NewKeyedMutex(), zerolog.Nop())
	engine.Now = func() time.Time { return testNow }
	return &fixture{store: st, market: market, engine: engine}
}

type posSpec struct {
	id       string
	symbol   string
	kind     models.OptionKind
	strike   float64
	qty      int
	premium  float64
	spot     float64
	iv       float64
	heldDays int
	expDays  int
}

func (f *fixture) add(t *testing.T, s posSpec) *models.Position {
	t.Helper()
	if s.symbol == "" {
		s.symbol = "AAPL"
	}
	if s.kind == "" {
		s.kind = models.Call
	}
	if s.iv == 0 {
		s.iv = 0.25
	}
	if s.expDays == 0 {
		s.expDays = 30
	}
	f.market.SetPrice(s.symbol, s.spot)
	entry := testNow.AddDate(0, 0, -s.heldDays)
	p := &models.Position{
		ID:           s.id,
		Symbol:       s.symbol,
		Kind:         s.kind,
		Strike:       s.strike,
		Expiration:   testNow.AddDate(0, 0, s.expDays),
		Quantity:     s.qty,
		Premium:      s.premium,
		EntryPrice:   s.spot,
		EntryDate:    entry,
		Status:       models.StatusOpen,
		ImpliedVol:   s.iv,
		RiskFreeRate: 0.05,
	}
	if err := f.store.CreatePosition(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	return p
}

func (f *fixture) close(t *testing.T, id string, at time.Time, price float64) {
	t.Helper()
	if err := f.store.UpdatePositionStatus(context.Background(), id, models.StatusClosed, at, price); err != nil {
		t.Fatal(err)
	}
}

func approx(t *testing.T, name string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s = %.6f, want %.6f (tol %g)", name, got, want, tol)
	}
}

func TestOptionPnL(t *testing.T) {
	tests := []struct {
		name    string
		qty     int
		premium float64
		current float64
		want    float64
	}{
		{"short decays", -10, 7.5, 5.0, 2500},
		{"short rallies", -10, 7.5, 9.0, -1500},
		{"long gains", 4, 2.0, 3.5, 600},
		{"long expires worthless", 4, 2.0, 0, -800},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &models.Position{Quantity: tt.qty, Premium: tt.premium}
			approx(t, "option pnl", OptionPnL(p, tt.current, 100), tt.want, 1e-9)
		})
	}
}

func TestSellerScenario(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.add(t, posSpec{id: "short", strike: 145, qty: -10, premium: 7.5, spot: 150, heldDays: 10})
	f.close(t, "short", testNow, 5.0)

	v, err := f.engine.PositionPnL(ctx, "short")
	if err != nil {
		t.Fatal(err)
	}
	approx(t, "option pnl", v.OptionPnL, 2500, 1e-9)
	approx(t, "total pnl", v.TotalPnL, 2500, 1e-9)
	approx(t, "realized", v.RealizedPnL, 2500, 1e-9)
	approx(t, "unrealized", v.UnrealizedPnL, 0, 1e-9)
	approx(t, "roi", v.ROI, 100.0/3, 1e-9)

	s, err := f.engine.SellerPnL(ctx, "short")
	if err != nil {
		t.Fatal(err)
	}
	approx(t, "premium collected", s.PremiumCollected, 7500, 1e-9)
	approx(t, "current obligation", s.CurrentObligation, 5000, 1e-9)
	approx(t, "option profit", s.OptionProfit, 2500, 1e-9)
	approx(t, "max profit", s.MaxProfit, 7500, 1e-9)
	approx(t, "break even", s.BreakEven, 152.5, 1e-9)
	approx(t, "annualized", s.AnnualizedReturn, (100.0/3)*365/10, 1e-6)

	if _, err := f.engine.BuyerPnL(ctx, "short"); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("buyer view of a short: err = %v", err)
	}
}

func TestBuyerPnL(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.add(t, posSpec{id: "long", kind: models.Put, strike: 100, qty: 2, premium: 3, spot: 100, heldDays: 5})
	f.market.SetPrice("AAPL", 95)

	b, err := f.engine.BuyerPnL(ctx, "long")
	if err != nil {
		t.Fatal(err)
	}
	approx(t, "premium paid", b.PremiumPaid, 600, 1e-9)
	approx(t, "intrinsic", b.IntrinsicValue, 1000, 1e-9)
	approx(t, "time value", b.TimeValue, b.CurrentValue-1000, 1e-9)
	approx(t, "max loss", b.MaxLoss, -600, 1e-9)
	approx(t, "break even", b.BreakEven, 97, 1e-9)
	if b.CurrentValue <= 1000 {
		t.Errorf("30-day put should carry time value, current value %.2f", b.CurrentValue)
	}

	if _, err := f.engine.SellerPnL(ctx, "long"); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("seller view of a long: err = %v", err)
	}
}

func TestOpenPositionWithHedge(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	premium, _ := pricing.Price(pricing.Params{S: 150, K: 145, T: 30.0 / 365, R: 0.05, Sigma: 0.25, Kind: models.Call})
	f.add(t, posSpec{id: "pos-1", strike: 145, qty: -10, premium: premium, spot: 150})

	v, err := f.engine.PositionPnL(ctx, "pos-1")
	if err != nil {
		t.Fatal(err)
	}
	approx(t, "option pnl at entry", v.OptionPnL, 0, 1e-6)
	approx(t, "delta", v.Greeks.Delta, 0.714364, 1e-5)
	if v.Status != models.StatusOpen {
		t.Fatalf("status = %s", v.Status)
	}

	hedge := &models.Hedge{
		ID: "h1", PositionID: "pos-1", Quantity: 714.364, Price: 150, Timestamp: testNow,
		TransactionCost: 10, DeltaBefore: -714.364, DeltaAfter: 0, UnderlyingPrice: 150, Kind: models.HedgeInitial,
	}
	if err := f.store.AddHedge(ctx, hedge); err != nil {
		t.Fatal(err)
	}
	f.market.SetPrice("AAPL", 151)

	v, err = f.engine.PositionPnL(ctx, "pos-1")
	if err != nil {
		t.Fatal(err)
	}
	approx(t, "hedge pnl", v.HedgePnL, 714.364, 1e-6)
	approx(t, "hedge costs", v.HedgeCosts, 10, 1e-9)
	approx(t, "realized", v.RealizedPnL, -10, 1e-9)
	approx(t, "unrealized", v.UnrealizedPnL, v.OptionPnL+v.HedgePnL, 1e-9)
	approx(t, "total", v.TotalPnL, v.UnrealizedPnL+v.RealizedPnL, 1e-9)
	// A delta-neutral book loses only second-order amounts on a $1 move.
	if math.Abs(v.OptionPnL+v.HedgePnL) > 50 {
		t.Errorf("hedged P&L on $1 move = %.2f, expected near zero", v.OptionPnL+v.HedgePnL)
	}
}

func TestPositionPnLNotFound(t *testing.T) {
	f := newFixture()
	if _, err := f.engine.PositionPnL(context.Background(), "nope"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestClosedPositionUsesFinalSnapshot(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.add(t, posSpec{id: "p", strike: 145, qty: -1, premium: 6, spot: 150})
	if err := f.store.AddHedge(ctx, &models.Hedge{
		ID: "h", PositionID: "p", Quantity: 70, Price: 150, Timestamp: testNow,
		DeltaBefore: -70, DeltaAfter: 0, UnderlyingPrice: 150, Kind: models.HedgeInitial,
	}); err != nil {
		t.Fatal(err)
	}
	f.close(t, "p", testNow, 8)
	if _, err := f.engine.RecordSnapshotAt(ctx, "p", 152); err != nil {
		t.Fatal(err)
	}

	f.market.SetPrice("AAPL", 300)
	v, err := f.engine.PositionPnL(ctx, "p")
	if err != nil {
		t.Fatal(err)
	}
	approx(t, "marked underlying", v.UnderlyingPrice, 152, 1e-9)
	approx(t, "hedge pnl", v.HedgePnL, 140, 1e-9)
}

func TestPortfolioPnL(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.add(t, posSpec{id: "open-1", strike: 145, qty: -10, premium: 7.5, spot: 150})
	f.add(t, posSpec{id: "bad", symbol: "GONE", strike: 10, qty: 1, premium: 1, spot: 10})
	f.market.SetQuote(models.Quote{Symbol: "GONE"})

	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("closed-%02d", i)
		f.add(t, posSpec{id: id, strike: 145, qty: -1, premium: 5, spot: 150, heldDays: 20})
		f.close(t, id, testNow.AddDate(0, 0, -12+i), 4)
	}

	out, err := f.engine.PortfolioPnL(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if out.Open.Count != 1 || out.Closed.Count != 12 {
		t.Errorf("counts = %d open / %d closed", out.Open.Count, out.Closed.Count)
	}
	if len(out.ClosedPositions) != RecentClosedLimit {
		t.Fatalf("closed list = %d, want %d", len(out.ClosedPositions), RecentClosedLimit)
	}
	if out.ClosedPositions[0].PositionID != "closed-11" {
		t.Errorf("most recent close first, got %s", out.ClosedPositions[0].PositionID)
	}
	approx(t, "closed total", out.Closed.TotalPnL, 12*100, 1e-9)
	approx(t, "total", out.TotalPnL, out.Open.TotalPnL+out.Closed.TotalPnL, 1e-9)

	if out.Report.Skipped() != 1 || out.Report.Failures[0].ID != "bad" {
		t.Errorf("report = %+v", out.Report)
	}
	if !errors.Is(out.Report.Err("pnl.PortfolioPnL"), apperrors.ErrPartialBatchFailure) {
		t.Error("expected a partial batch failure")
	}
}

func TestAttribution(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.add(t, posSpec{id: "p", strike: 145, qty: -10, premium: 7.5, spot: 150, heldDays: 3})
	f.market.SetPrice("AAPL", 153)

	v, err := f.engine.PositionPnL(ctx, "p")
	if err != nil {
		t.Fatal(err)
	}
	a, err := f.engine.Attribution(ctx, "p")
	if err != nil {
		t.Fatal(err)
	}

	approx(t, "theta", a.EstimatedThetaPnL, v.Greeks.Theta*3, 1e-9)
	approx(t, "delta", a.EstimatedDeltaPnL, v.Greeks.Delta*3*10*100, 1e-9)
	approx(t, "residual", a.Residual, a.TotalPnL-a.EstimatedThetaPnL-a.EstimatedDeltaPnL-a.HedgePnL, 1e-9)
	approx(t, "total", a.TotalPnL, v.TotalPnL, 1e-9)
}

func TestPerformanceMetrics(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// Two winners (+100, +300) and one loser (-200), all held 10 days.
	for i, closeAt := range []float64{4, 2, 7} {
		id := fmt.Sprintf("p%d", i)
		f.add(t, posSpec{id: id, strike: 145, qty: -1, premium: 5, spot: 150, heldDays: 10})
		f.close(t, id, testNow, closeAt)
	}
	// Entered outside the window.
	f.add(t, posSpec{id: "old", strike: 145, qty: -1, premium: 5, spot: 150, heldDays: 400})
	f.close(t, "old", testNow, 1)

	perf, err := f.engine.PerformanceMetrics(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if perf.TotalTrades != 3 || perf.WinningTrades != 2 || perf.LosingTrades != 1 {
		t.Fatalf("trades = %+v", perf)
	}
	approx(t, "win rate", perf.WinRate, 2.0/3, 1e-12)
	approx(t, "avg win", perf.AvgWin, 200, 1e-9)
	approx(t, "avg loss", perf.AvgLoss, 200, 1e-9)
	approx(t, "profit factor", float64(perf.ProfitFactor), 2, 1e-12)
	approx(t, "net", perf.NetPnL, 200, 1e-9)
	approx(t, "premium collected", perf.TotalPremiumCollected, 1500, 1e-9)

	returns := []float64{100.0 / 500 / 10, 300.0 / 500 / 10, -200.0 / 500 / 10}
	approx(t, "sharpe", perf.SharpeRatio, SharpeRatio(returns, 0.05), 1e-12)

	if _, err := f.engine.PerformanceMetrics(ctx, testNow, testNow.AddDate(0, 0, -1)); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("reversed window err = %v", err)
	}
}

func TestSummarizeNoLosses(t *testing.T) {
	perf := Summarize([]*PositionPnL{{TotalPnL: 50, Capital: 100, DaysHeld: 1, Quantity: -1}}, 0)
	if !math.IsInf(float64(perf.ProfitFactor), 1) {
		t.Errorf("profit factor = %v, want +Inf", perf.ProfitFactor)
	}
	if perf.SharpeRatio != 0 {
		t.Errorf("one return should give sharpe 0, got %v", perf.SharpeRatio)
	}

	data, err := json.Marshal(perf)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"profit_factor":"inf"`) {
		t.Errorf("json = %s", data)
	}

	empty := Summarize(nil, 0.05)
	if empty.WinRate != 0 || empty.SharpeRatio != 0 {
		t.Errorf("empty = %+v", empty)
	}
}

func TestSharpeRatio(t *testing.T) {
	tests := []struct {
		name    string
		returns []float64
		rf      float64
		want    float64
	}{
		{"too few", []float64{0.01}, 0, 0},
		{"no spread", []float64{0.01, 0.01, 0.01}, 0, 0},
		{"no risk free", []float64{0.01, 0.02, 0.03}, 0, 2 * math.Sqrt(252)},
		{"with risk free", []float64{0.01, 0.02, 0.03}, 0.0252, 1.99 * math.Sqrt(252)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			approx(t, "sharpe", SharpeRatio(tt.returns, tt.rf), tt.want, 1e-9)
		})
	}
}

func TestRecordSnapshotAndHistory(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.add(t, posSpec{id: "a", strike: 145, qty: -10, premium: 7.5, spot: 150})
	f.add(t, posSpec{id: "b", symbol: "MSFT", kind: models.Put, strike: 400, qty: 2, premium: 9, spot: 410})

	snap, err := f.engine.RecordSnapshot(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	approx(t, "position delta", snap.Delta, -714.364, 0.01)
	if snap.ID == 0 {
		t.Error("snapshot id not assigned")
	}

	snaps, report, err := f.engine.RefreshSnapshots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 2 || report.Skipped() != 0 {
		t.Errorf("refresh = %d snaps, report %+v", len(snaps), report)
	}

	hist, err := f.engine.History(ctx, "a", 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Errorf("history = %d, want 2", len(hist))
	}

	daily, err := f.engine.PortfolioHistory(ctx, 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(daily) != 1 || daily[0].Date != "2026-01-05" {
		t.Fatalf("daily = %+v", daily)
	}
	var wantTotal float64
	all, _ := f.store.ListSnapshots(ctx, store.SnapshotFilter{})
	for _, s := range all {
		wantTotal += s.TotalPnL
	}
	approx(t, "daily total", daily[0].TotalPnL, wantTotal, 1e-9)

	if _, err := f.engine.History(ctx, "missing", 30); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("missing history err = %v", err)
	}
}
