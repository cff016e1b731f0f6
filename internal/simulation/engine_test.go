package simulation

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"copytrade-radar/internal/consensus"
	"copytrade-radar/internal/database"
	"copytrade-radar/internal/riskmath"
)

func floatEquals(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

type fakeSimStore struct {
	positions  map[string]*database.SimulatedPosition
	rule       *database.AutoTriggerRule
	markPrices map[string][]float64
	eventPrice map[string]float64
	events     []*database.Event
	traders    []*database.LeadTrader
	portfolios map[string]*database.Portfolio
	snapshots  []*database.PortfolioSnapshot
	metrics    map[string]*database.PortfolioMetric
}

func newFakeSimStore() *fakeSimStore {
	return &fakeSimStore{
		positions:  make(map[string]*database.SimulatedPosition),
		markPrices: make(map[string][]float64),
		eventPrice: make(map[string]float64),
		portfolios: make(map[string]*database.Portfolio),
		metrics:    make(map[string]*database.PortfolioMetric),
	}
}

func (f *fakeSimStore) CreateSimulatedPosition(_ context.Context, p *database.SimulatedPosition) error {
	cp := *p
	f.positions[p.ID] = &cp
	return nil
}

func (f *fakeSimStore) UpdateSimulatedPosition(_ context.Context, p *database.SimulatedPosition) error {
	cp := *p
	f.positions[p.ID] = &cp
	return nil
}

func (f *fakeSimStore) GetSimulatedPosition(_ context.Context, id string) (*database.SimulatedPosition, error) {
	p, ok := f.positions[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakeSimStore) GetSimulatedPositions(_ context.Context, _, status string, _ int) ([]*database.SimulatedPosition, error) {
	var out []*database.SimulatedPosition
	for _, p := range f.positions {
		if status == "" || p.Status == status {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeSimStore) GetOpenSimulations(ctx context.Context, platform string) ([]*database.SimulatedPosition, error) {
	return f.GetSimulatedPositions(ctx, platform, database.SimStatusOpen, 0)
}

func (f *fakeSimStore) GetClosedSimulations(_ context.Context, _ string, portfolioID *string) ([]*database.SimulatedPosition, error) {
	var out []*database.SimulatedPosition
	for _, p := range f.positions {
		if p.Status != database.SimStatusClosed {
			continue
		}
		if portfolioID != nil && (p.PortfolioID == nil || *p.PortfolioID != *portfolioID) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeSimStore) GetAutoTriggerRule(_ context.Context, _ string) (*database.AutoTriggerRule, error) {
	if f.rule == nil {
		return nil, nil
	}
	cp := *f.rule
	return &cp, nil
}

func (f *fakeSimStore) TouchAutoRuleLastRun(_ context.Context, _ string, at time.Time) error {
	f.rule.LastRunAt = &at
	return nil
}

func (f *fakeSimStore) GetRecentMarkPrices(_ context.Context, _, symbol string, _ int) ([]float64, error) {
	return f.markPrices[symbol], nil
}

func (f *fakeSimStore) GetLatestEventPrice(_ context.Context, _, symbol string) (float64, error) {
	return f.eventPrice[symbol], nil
}

func (f *fakeSimStore) GetEventsSince(_ context.Context, _ string, _, _ time.Time) ([]*database.Event, error) {
	return f.events, nil
}

func (f *fakeSimStore) GetLeadTraders(_ context.Context, _, segment string) ([]*database.LeadTrader, error) {
	var out []*database.LeadTrader
	for _, t := range f.traders {
		if segment == database.SegmentBoth || t.Segment() == segment {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeSimStore) GetDefaultPortfolio(_ context.Context, _ string) (*database.Portfolio, error) {
	for _, p := range f.portfolios {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeSimStore) GetPortfolio(_ context.Context, id string) (*database.Portfolio, error) {
	p, ok := f.portfolios[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakeSimStore) UpdatePortfolioBalance(_ context.Context, id string, balance float64) error {
	f.portfolios[id].CurrentBalance = balance
	return nil
}

func (f *fakeSimStore) InsertPortfolioSnapshot(_ context.Context, s *database.PortfolioSnapshot) error {
	f.snapshots = append(f.snapshots, s)
	return nil
}

func (f *fakeSimStore) UpsertPortfolioMetrics(_ context.Context, m *database.PortfolioMetric) error {
	f.metrics[m.PortfolioID] = m
	return nil
}

type fakeConsensus struct {
	results []*consensus.SymbolConsensus
}

func (f *fakeConsensus) ComputeAt(_ context.Context, _, _ string, _ time.Time) ([]*consensus.SymbolConsensus, error) {
	return f.results, nil
}

func newTestEngine(store *fakeSimStore) *Engine {
	return NewEngine(store, nil, &fakeConsensus{}, "binance", zerolog.Nop())
}

func TestOpenResolvesReferencePrice(t *testing.T) {
	store := newFakeSimStore()
	store.markPrices["BTCUSDT"] = []float64{60000, 60100, 60200}
	engine := newTestEngine(store)

	pos, err := engine.Open(context.Background(), &OpenRequest{
		Symbol:         "BTCUSDT",
		Direction:      database.SideLong,
		Leverage:       10,
		MarginNotional: 100,
		SlippageBps:    10,
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if !floatEquals(pos.EntryPrice, 60100, 0.01) {
		t.Errorf("entryPrice = %v, want snapshot average 60100", pos.EntryPrice)
	}
	if pos.PositionNotional != 1000 {
		t.Errorf("positionNotional = %v, want 1000", pos.PositionNotional)
	}
	wantEff := riskmath.ApplyEntrySlippage(60100, true, 10)
	if !floatEquals(*pos.EffectiveEntryPrice, wantEff, 0.01) {
		t.Errorf("effectiveEntry = %v, want %v", *pos.EffectiveEntryPrice, wantEff)
	}
	if pos.Status != database.SimStatusOpen || pos.Source != database.SimSourceManual {
		t.Errorf("status/source = %s/%s", pos.Status, pos.Source)
	}
}

func TestOpenFallsBackToEventPrice(t *testing.T) {
	store := newFakeSimStore()
	store.eventPrice["SOLUSDT"] = 150.5
	engine := newTestEngine(store)

	pos, err := engine.Open(context.Background(), &OpenRequest{
		Symbol:         "SOLUSDT",
		Direction:      database.SideShort,
		Leverage:       5,
		MarginNotional: 50,
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if pos.EntryPrice != 150.5 {
		t.Errorf("entryPrice = %v, want event price 150.5", pos.EntryPrice)
	}
}

func TestOpenNoReferencePrice(t *testing.T) {
	engine := newTestEngine(newFakeSimStore())

	_, err := engine.Open(context.Background(), &OpenRequest{
		Symbol:         "NOPRICE",
		Direction:      database.SideLong,
		Leverage:       10,
		MarginNotional: 100,
	})
	if !errors.Is(err, ErrNoReferencePrice) {
		t.Errorf("expected ErrNoReferencePrice, got %v", err)
	}
}

func TestOpenValidation(t *testing.T) {
	engine := newTestEngine(newFakeSimStore())

	cases := []OpenRequest{
		{Symbol: "", Direction: database.SideLong, Leverage: 10, MarginNotional: 100},
		{Symbol: "BTCUSDT", Direction: "BOTH", Leverage: 10, MarginNotional: 100},
		{Symbol: "BTCUSDT", Direction: database.SideLong, Leverage: 0, MarginNotional: 100},
		{Symbol: "BTCUSDT", Direction: database.SideLong, Leverage: 10, MarginNotional: -5},
	}
	for i, req := range cases {
		if _, err := engine.Open(context.Background(), &req); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestCloseSettlesAgainstPortfolio(t *testing.T) {
	store := newFakeSimStore()
	store.portfolios["pf-1"] = &database.Portfolio{
		ID: "pf-1", Platform: "binance", InitialBalance: 1000, CurrentBalance: 900,
	}
	engine := newTestEngine(store)

	entry := 60000.0
	pos, err := engine.Open(context.Background(), &OpenRequest{
		Symbol:         "BTCUSDT",
		Direction:      database.SideLong,
		Leverage:       10,
		MarginNotional: 100,
		EntryPrice:     &entry,
		SlippageBps:    10,
		CommissionBps:  4,
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if pos.PortfolioID == nil || *pos.PortfolioID != "pf-1" {
		t.Fatal("position not attached to default portfolio")
	}

	exit := 61200.0
	closed, err := engine.Close(context.Background(), pos.ID, "", &exit)
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	want := riskmath.ComputeExecutionCost(true, 60000, 61200, 1000, 100, 10, 4)
	got := store.positions[closed.ID]
	if got.Status != database.SimStatusClosed {
		t.Errorf("status = %s, want CLOSED", got.Status)
	}
	if !floatEquals(*got.PnlUSDT, want.NetPnlUSDT, 0.001) {
		t.Errorf("netPnl = %v, want %v", *got.PnlUSDT, want.NetPnlUSDT)
	}
	if !floatEquals(*got.RoiPct, want.RoiPct, 0.001) {
		t.Errorf("roi = %v, want %v", *got.RoiPct, want.RoiPct)
	}
	if *got.CloseReason != database.CloseReasonManual {
		t.Errorf("closeReason = %s, want MANUAL", *got.CloseReason)
	}
	if got.ClosedAt == nil || got.UnrealizedPnlUSDT != nil {
		t.Error("close must stamp closedAt and clear unrealized pnl")
	}

	wantBalance := 900 + 100 + want.NetPnlUSDT
	if !floatEquals(store.portfolios["pf-1"].CurrentBalance, wantBalance, 0.001) {
		t.Errorf("balance = %v, want %v", store.portfolios["pf-1"].CurrentBalance, wantBalance)
	}
	if store.metrics["pf-1"] == nil || store.metrics["pf-1"].TotalTrades != 1 {
		t.Error("close must recompute portfolio metrics")
	}
}

func TestCloseErrors(t *testing.T) {
	store := newFakeSimStore()
	engine := newTestEngine(store)

	if _, err := engine.Close(context.Background(), "missing", "", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	entry, exit := 100.0, 110.0
	pos, err := engine.Open(context.Background(), &OpenRequest{
		Symbol: "ETHUSDT", Direction: database.SideLong, Leverage: 2, MarginNotional: 10, EntryPrice: &entry,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := engine.Close(context.Background(), pos.ID, "", &exit); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.Close(context.Background(), pos.ID, "", &exit); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("expected ErrAlreadyClosed, got %v", err)
	}
}

func TestReconcileUpdatesUnrealized(t *testing.T) {
	store := newFakeSimStore()
	store.markPrices["BTCUSDT"] = []float64{61200}
	engine := newTestEngine(store)

	entry := 60000.0
	long, err := engine.Open(context.Background(), &OpenRequest{
		Symbol: "BTCUSDT", Direction: database.SideLong, Leverage: 10, MarginNotional: 100, EntryPrice: &entry,
	})
	if err != nil {
		t.Fatal(err)
	}
	short, err := engine.Open(context.Background(), &OpenRequest{
		Symbol: "BTCUSDT", Direction: database.SideShort, Leverage: 10, MarginNotional: 100, EntryPrice: &entry,
	})
	if err != nil {
		t.Fatal(err)
	}

	updated, err := engine.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if updated != 2 {
		t.Errorf("updated = %d, want 2", updated)
	}

	// rawMove = 2% on notional 1000
	if !floatEquals(*store.positions[long.ID].UnrealizedPnlUSDT, 20, 0.001) {
		t.Errorf("long unrealized = %v, want 20", *store.positions[long.ID].UnrealizedPnlUSDT)
	}
	if !floatEquals(*store.positions[short.ID].UnrealizedPnlUSDT, -20, 0.001) {
		t.Errorf("short unrealized = %v, want -20", *store.positions[short.ID].UnrealizedPnlUSDT)
	}
	if store.positions[long.ID].Status != database.SimStatusOpen {
		t.Error("reconcile must not change status")
	}
}

func TestSnapshotPortfolio(t *testing.T) {
	store := newFakeSimStore()
	store.portfolios["pf-1"] = &database.Portfolio{
		ID: "pf-1", Platform: "binance", InitialBalance: 1000, CurrentBalance: 800,
	}
	engine := newTestEngine(store)

	entry := 100.0
	open, err := engine.Open(context.Background(), &OpenRequest{
		Symbol: "ETHUSDT", Direction: database.SideLong, Leverage: 2, MarginNotional: 200, EntryPrice: &entry,
	})
	if err != nil {
		t.Fatal(err)
	}
	unrealized := 15.0
	open.UnrealizedPnlUSDT = &unrealized
	if err := store.UpdateSimulatedPosition(context.Background(), open); err != nil {
		t.Fatal(err)
	}

	if err := engine.SnapshotPortfolio(context.Background()); err != nil {
		t.Fatalf("SnapshotPortfolio failed: %v", err)
	}
	if len(store.snapshots) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(store.snapshots))
	}

	s := store.snapshots[0]
	if s.OpenPositions != 1 || s.Balance != 800 {
		t.Errorf("snapshot = %+v", s)
	}
	if !floatEquals(s.UnrealizedPnl, 15, 0.001) {
		t.Errorf("unrealized = %v, want 15", s.UnrealizedPnl)
	}
	// balance + locked margin + unrealized
	if !floatEquals(s.TotalValue, 800+200+15, 0.001) {
		t.Errorf("totalValue = %v, want 1015", s.TotalValue)
	}
}

func TestComputeMetrics(t *testing.T) {
	now := time.Now().UTC()
	mk := func(pnl, commission float64, offset int) *database.SimulatedPosition {
		closedAt := now.Add(time.Duration(offset) * time.Minute)
		return &database.SimulatedPosition{
			Status:              database.SimStatusClosed,
			SlippageBps:         10,
			PnlUSDT:             &pnl,
			TotalCommissionUSDT: &commission,
			ClosedAt:            &closedAt,
		}
	}

	closed := []*database.SimulatedPosition{
		mk(50, 1, 0),
		mk(30, 1, 1),
		mk(-20, 1, 2),
		mk(-10, 1, 3),
		mk(40, 1, 4),
	}

	m := ComputeMetrics("pf-1", 1000, closed)
	if m.TotalTrades != 5 || m.WinningTrades != 3 || m.LosingTrades != 2 {
		t.Errorf("counts = %d/%d/%d", m.TotalTrades, m.WinningTrades, m.LosingTrades)
	}
	if !floatEquals(m.WinRate, 0.6, 0.001) {
		t.Errorf("winRate = %v, want 0.6", m.WinRate)
	}
	if !floatEquals(m.AvgWin, 40, 0.001) {
		t.Errorf("avgWin = %v, want 40", m.AvgWin)
	}
	if !floatEquals(m.AvgLoss, 15, 0.001) {
		t.Errorf("avgLoss = %v, want 15", m.AvgLoss)
	}
	if !floatEquals(m.ProfitFactor, 4, 0.001) {
		t.Errorf("profitFactor = %v, want 4", m.ProfitFactor)
	}
	if m.MaxConsecWins != 2 || m.MaxConsecLosses != 2 {
		t.Errorf("streaks = %d/%d, want 2/2", m.MaxConsecWins, m.MaxConsecLosses)
	}
	if !floatEquals(m.TotalCommission, 5, 0.001) {
		t.Errorf("totalCommission = %v, want 5", m.TotalCommission)
	}
	if m.MaxDrawdownPct <= 0 {
		t.Errorf("maxDrawdown = %v, want > 0 with a losing streak", m.MaxDrawdownPct)
	}
}

func TestComputeMetricsEmpty(t *testing.T) {
	m := ComputeMetrics("pf-1", 1000, nil)
	if m.TotalTrades != 0 || m.WinRate != 0 || m.MaxDrawdownPct != 0 {
		t.Errorf("empty metrics = %+v", m)
	}
}
