package portfolio

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"options-desk/internal/batch"
	"options-desk/internal/config"
	apperrors "options-desk/internal/errors"
	"options-desk/internal/hedging"
	"options-desk/internal/marketdata"
	"options-desk/internal/models"
	"options-desk/internal/pnl"
	"options-desk/internal/store"
)

var testNow = time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store  *store.MemoryStore
	market *marketdata.StaticProvider
	book   *Book
}

func newFixture() *fixture {
	cfg := config.Default().Engine
	st := store.NewMemoryStore()
	market := marketdata.NewStaticProvider(0.3, 0.05)
	market.SetPrice("AAPL", 150)
	locks := batch.NewKeyedMutex()
	clock := func() time.Time { return testNow }

	hedger := hedging.NewController(cfg, market, st, locks, zerolog.Nop())
	hedger.Now = clock
	engine := pnl.NewEngine(cfg, 0.05, market, st, locks, zerolog.Nop())
	engine.Now = clock
	book := NewBook(cfg, market, st, hedger, engine, locks, zerolog.Nop())
	book.Now = clock
	return &fixture{store: st, market: market, book: book}
}

func shortCall(hedge bool) OpenRequest {
	return OpenRequest{
		Symbol:     "aapl",
		Kind:       models.Call,
		Strike:     145,
		Expiration: testNow.AddDate(0, 0, 30),
		Contracts:  10,
		Side:       Sell,
		ImpliedVol: 0.25,
		Hedge:      hedge,
	}
}

func approx(t *testing.T, name string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s = %.6f, want %.6f", name, got, want)
	}
}

func TestOpenPositionSell(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	res, err := f.book.OpenPosition(ctx, shortCall(true))
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	pos := res.Position
	if pos.Symbol != "AAPL" || pos.Quantity != -10 || pos.Status != models.StatusOpen {
		t.Fatalf("position = %+v", pos)
	}
	approx(t, "model premium", pos.Premium, 7.583412, 1e-5)
	approx(t, "entry price", pos.EntryPrice, 150, 0)
	approx(t, "rate", pos.RiskFreeRate, 0.05, 0)

	if res.Trade.Type != models.TradeSellOption || res.Trade.Quantity != -10 {
		t.Errorf("trade = %+v", res.Trade)
	}
	if !res.Trade.Commission.Equal(decimal.RequireFromString("6.5")) {
		t.Errorf("commission = %s, want 6.5", res.Trade.Commission)
	}
	approx(t, "entry snapshot delta", res.Snapshot.Delta, -714.364, 0.01)
	approx(t, "entry snapshot pnl", res.Snapshot.TotalPnL, 0, 1e-6)

	if res.Hedge == nil || res.Hedge.Kind != models.HedgeInitial {
		t.Fatalf("hedge = %+v", res.Hedge)
	}
	approx(t, "hedge shares", res.Hedge.Quantity, 714.364, 0.01)

	trades, err := f.store.ListTrades(ctx, store.TradeFilter{PositionID: pos.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 2 {
		t.Errorf("trades = %d, want option + hedge", len(trades))
	}
}

func TestOpenPositionBuyUsesHistoricalVol(t *testing.T) {
	f := newFixture()
	req := shortCall(false)
	req.Side = Buy
	req.Kind = models.Put
	req.ImpliedVol = 0
	req.Premium = 4.2

	res, err := f.book.OpenPosition(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Position.Quantity != 10 || res.Trade.Type != models.TradeBuyOption {
		t.Errorf("position %+v trade %+v", res.Position, res.Trade)
	}
	approx(t, "vol", res.Position.ImpliedVol, 0.3, 0)
	approx(t, "premium", res.Position.Premium, 4.2, 0)
	if res.Hedge != nil {
		t.Error("no hedge requested")
	}
}

func TestOpenPositionRejects(t *testing.T) {
	tests := []struct {
		name string
		edit func(*OpenRequest)
	}{
		{"zero contracts", func(r *OpenRequest) { r.Contracts = 0 }},
		{"bad side", func(r *OpenRequest) { r.Side = "hold" }},
		{"bad kind", func(r *OpenRequest) { r.Kind = "straddle" }},
		{"non-positive strike", func(r *OpenRequest) { r.Strike = 0 }},
		{"expiry in the past", func(r *OpenRequest) { r.Expiration = testNow.AddDate(0, 0, -2) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			req := shortCall(false)
			tt.edit(&req)
			_, err := f.book.OpenPosition(context.Background(), req)
			if !errors.Is(err, apperrors.ErrInvalidInput) {
				t.Fatalf("err = %v, want invalid input", err)
			}
			all, _ := f.store.ListPositions(context.Background(), store.PositionFilter{})
			if len(all) != 0 {
				t.Errorf("rejected trade was booked")
			}
		})
	}
}

func TestOpenPositionPreTradeCheck(t *testing.T) {
	f := newFixture()
	f.book.SetPreTradeCheck(func(_ context.Context, p *models.Position) error {
		if p.AbsQuantity() > 5 {
			return apperrors.NewRiskError("max_position_size", float64(p.AbsQuantity()), 5, "too big")
		}
		return nil
	})

	_, err := f.book.OpenPosition(context.Background(), shortCall(false))
	if !errors.Is(err, apperrors.ErrRiskLimitBreach) {
		t.Fatalf("err = %v, want risk limit breach", err)
	}
	all, _ := f.store.ListPositions(context.Background(), store.PositionFilter{})
	if len(all) != 0 {
		t.Error("rejected trade was booked")
	}

	req := shortCall(false)
	req.Contracts = 5
	if _, err := f.book.OpenPosition(context.Background(), req); err != nil {
		t.Errorf("within limit: %v", err)
	}
}

func TestClosePositionUnwindsHedge(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	res, err := f.book.OpenPosition(ctx, shortCall(true))
	if err != nil {
		t.Fatal(err)
	}
	id := res.Position.ID
	f.market.SetPrice("AAPL", 148)

	price := 3.0
	closed, err := f.book.ClosePosition(ctx, id, &price, true)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if closed.Position.Status != models.StatusClosed || closed.Position.ClosePrice == nil || *closed.Position.ClosePrice != 3 {
		t.Fatalf("position = %+v", closed.Position)
	}
	if closed.Hedge == nil || closed.Hedge.Kind != models.HedgeClose {
		t.Fatalf("unwind hedge = %+v", closed.Hedge)
	}
	approx(t, "unwind shares", closed.Hedge.Quantity, -res.Hedge.Quantity, 1e-9)
	if closed.Trade.Type != models.TradeCloseOption || closed.Trade.Quantity != 10 {
		t.Errorf("close trade = %+v", closed.Trade)
	}

	hedges, _ := f.store.ListHedges(ctx, id)
	approx(t, "net shares", hedging.SumShares(hedges), 0, 1e-9)

	_, err = f.book.ClosePosition(ctx, id, nil, false)
	if !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("second close err = %v", err)
	}
}

// slowStore widens the window between reading hedges and changing status.
type slowStore struct {
	*store.MemoryStore
}

func (s slowStore) ListHedges(ctx context.Context, positionID string) ([]models.Hedge, error) {
	time.Sleep(2 * time.Millisecond)
	return s.MemoryStore.ListHedges(ctx, positionID)
}

func (s slowStore) UpdatePositionStatus(ctx context.Context, id string, status models.PositionStatus, at time.Time, closePrice float64) error {
	time.Sleep(5 * time.Millisecond)
	return s.MemoryStore.UpdatePositionStatus(ctx, id, status, at, closePrice)
}

func newSlowBook() (*Book, *hedging.Controller, *store.MemoryStore) {
	cfg := config.Default().Engine
	mem := store.NewMemoryStore()
	st := slowStore{mem}
	market := marketdata.NewStaticProvider(0.3, 0.05)
	market.SetPrice("AAPL", 150)
	locks := batch.NewKeyedMutex()
	clock := func() time.Time { return testNow }

	hedger := hedging.NewController(cfg, market, st, locks, zerolog.Nop())
	hedger.Now = clock
	engine := pnl.NewEngine(cfg, 0.05, market, st, locks, zerolog.Nop())
	engine.Now = clock
	book := NewBook(cfg, market, st, hedger, engine, locks, zerolog.Nop())
	book.Now = clock
	return book, hedger, mem
}

func TestConcurrentClosesUnwindOnce(t *testing.T) {
	book, hedger, mem := newSlowBook()
	ctx := context.Background()
	res, err := book.OpenPosition(ctx, shortCall(true))
	if err != nil {
		t.Fatal(err)
	}
	id := res.Position.ID

	const closers = 4
	var wg sync.WaitGroup
	errs := make([]error, closers)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = book.ClosePosition(ctx, id, nil, true)
		}(i)
	}
	// A rebalance racing the closes either lands before the unwind or is
	// refused once the position is closed.
	wg.Add(1)
	var rebalanceErr error
	go func() {
		defer wg.Done()
		shares := 5.0
		_, rebalanceErr = hedger.Execute(ctx, id, &shares, models.HedgeRebalance)
	}()
	wg.Wait()

	closed := 0
	for _, err := range errs {
		if err == nil {
			closed++
		} else if !errors.Is(err, apperrors.ErrInvalidTransition) {
			t.Errorf("unexpected close error: %v", err)
		}
	}
	if closed != 1 {
		t.Fatalf("%d closes succeeded, want 1", closed)
	}
	if rebalanceErr != nil && !errors.Is(rebalanceErr, apperrors.ErrInvalidInput) {
		t.Errorf("unexpected rebalance error: %v", rebalanceErr)
	}

	hedges, _ := mem.ListHedges(ctx, id)
	approx(t, "net shares after unwind", hedging.SumShares(hedges), 0, 1e-9)
	unwinds := 0
	for _, h := range hedges {
		if h.Kind == models.HedgeClose {
			unwinds++
		}
	}
	if unwinds != 1 {
		t.Errorf("%d close hedges recorded, want 1", unwinds)
	}
	if last := hedges[len(hedges)-1]; last.Kind != models.HedgeClose {
		t.Errorf("last hedge is %s, want the unwind", last.Kind)
	}
}

func TestExpireRacingCloseTransitionsOnce(t *testing.T) {
	book, _, mem := newSlowBook()
	ctx := context.Background()
	req := shortCall(true)
	req.Expiration = testNow.AddDate(0, 0, 1)
	res, err := book.OpenPosition(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	id := res.Position.ID
	later := testNow.AddDate(0, 0, 3)
	book.Now = func() time.Time { return later }

	var wg sync.WaitGroup
	var closeErr error
	var expired []models.Position
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, closeErr = book.ClosePosition(ctx, id, nil, true)
	}()
	go func() {
		defer wg.Done()
		expired, _, _ = book.ExpirePositions(ctx)
	}()
	wg.Wait()

	transitions := len(expired)
	if closeErr == nil {
		transitions++
	} else if !errors.Is(closeErr, apperrors.ErrInvalidTransition) {
		t.Errorf("unexpected close error: %v", closeErr)
	}
	if transitions != 1 {
		t.Fatalf("%d transitions, want exactly 1", transitions)
	}

	p, _ := mem.GetPosition(ctx, id)
	if p.IsOpen() {
		t.Fatalf("position still open: %+v", p)
	}
	hedges, _ := mem.ListHedges(ctx, id)
	net := hedging.SumShares(hedges)
	switch p.Status {
	case models.StatusClosed:
		approx(t, "net shares after close", net, 0, 1e-9)
	case models.StatusExpired:
		approx(t, "net shares after expiry", net, res.Hedge.Quantity, 1e-9)
	}
}

func TestClosePositionAtModelPrice(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	res, err := f.book.OpenPosition(ctx, shortCall(false))
	if err != nil {
		t.Fatal(err)
	}
	closed, err := f.book.ClosePosition(ctx, res.Position.ID, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	approx(t, "close price", *closed.Position.ClosePrice, res.Position.Premium, 1e-9)
	if closed.Hedge != nil {
		t.Error("unexpected unwind")
	}

	neg := -1.0
	res2, _ := f.book.OpenPosition(ctx, shortCall(false))
	if _, err := f.book.ClosePosition(ctx, res2.Position.ID, &neg, false); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("negative close err = %v", err)
	}
}

func TestExpirePositions(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	mk := func(id string, expires time.Time) {
		p := &models.Position{
			ID: id, Symbol: "AAPL", Kind: models.Call, Strike: 145,
			Expiration: expires, Quantity: -1, Premium: 6, EntryPrice: 150,
			EntryDate: testNow.AddDate(0, 0, -30), Status: models.StatusOpen,
			ImpliedVol: 0.25, RiskFreeRate: 0.05,
		}
		if err := f.store.CreatePosition(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	mk("lapsed", testNow.AddDate(0, 0, -1))
	mk("today", testNow)
	mk("live", testNow.AddDate(0, 0, 10))

	expired, report, err := f.book.ExpirePositions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ID != "lapsed" || report.Skipped() != 0 {
		t.Fatalf("expired = %+v report = %+v", expired, report)
	}
	if expired[0].Status != models.StatusExpired || *expired[0].ClosePrice != 5 {
		t.Errorf("expired at %+v", expired[0])
	}

	snaps, _ := f.store.ListSnapshots(ctx, store.SnapshotFilter{PositionID: "lapsed"})
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d", len(snaps))
	}
	approx(t, "expiry pnl", snaps[0].TotalPnL, 100, 1e-9)

	again, _, err := f.book.ExpirePositions(ctx)
	if err != nil || len(again) != 0 {
		t.Errorf("second sweep = %d, %v", len(again), err)
	}
}

func TestPortfolioGreeksIsolatesFailures(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	good, err := f.book.OpenPosition(ctx, shortCall(false))
	if err != nil {
		t.Fatal(err)
	}
	f.market.SetPrice("MSFT", 400)
	req := shortCall(false)
	req.Symbol = "MSFT"
	req.Strike = 400
	if _, err := f.book.OpenPosition(ctx, req); err != nil {
		t.Fatal(err)
	}
	f.market.SetQuote(models.Quote{Symbol: "MSFT"})

	out, err := f.book.PortfolioGreeks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Positions) != 1 || out.Positions[0].PositionID != good.Position.ID {
		t.Fatalf("positions = %+v", out.Positions)
	}
	if out.Report.Skipped() != 1 || out.Report.Total != 2 {
		t.Errorf("report = %+v", out.Report)
	}
	approx(t, "book delta", out.Total.Delta, -714.364, 0.01)
	approx(t, "market value", out.Positions[0].MarketValue, 7583.412, 0.01)
}

func TestSummary(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a, _ := f.book.OpenPosition(ctx, shortCall(false))
	b, _ := f.book.OpenPosition(ctx, shortCall(false))
	price := 5.0
	if _, err := f.book.ClosePosition(ctx, b.Position.ID, &price, false); err != nil {
		t.Fatal(err)
	}

	s, err := f.book.Summary(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.OpenCount != 1 || s.ClosedCount != 1 || s.ExpiredCount != 0 {
		t.Errorf("counts = %+v", s)
	}
	if len(s.Positions) != 2 {
		t.Fatalf("rows = %d", len(s.Positions))
	}
	approx(t, "market value", s.TotalMarketValue, a.Position.Premium*1000, 1e-6)
	approx(t, "total pnl", s.TotalPnL, (b.Position.Premium-5)*1000, 1e-6)
}

func TestDeletePositionCascades(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	res, err := f.book.OpenPosition(ctx, shortCall(true))
	if err != nil {
		t.Fatal(err)
	}
	id := res.Position.ID

	if err := f.book.DeletePosition(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := f.book.GetPosition(ctx, id); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("get after delete err = %v", err)
	}
	hedges, _ := f.store.ListHedges(ctx, id)
	snaps, _ := f.store.ListSnapshots(ctx, store.SnapshotFilter{PositionID: id})
	if len(hedges) != 0 || len(snaps) != 0 {
		t.Errorf("left %d hedges and %d snapshots", len(hedges), len(snaps))
	}
	if err := f.book.DeletePosition(ctx, id); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}
