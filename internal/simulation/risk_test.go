package simulation

import (
	"math/rand"
	"testing"
	"time"

	"copytrade-radar/internal/database"
)

func closedTrade(pnl float64, closedAt time.Time) *database.SimulatedPosition {
	return &database.SimulatedPosition{PnlUSDT: &pnl, ClosedAt: &closedAt}
}

func TestRiskReportSmallSample(t *testing.T) {
	portfolio := &database.Portfolio{CurrentBalance: 10000, MaxMarginPerTrade: 1000}
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	closed := []*database.SimulatedPosition{
		closedTrade(50, base),
		closedTrade(-20, base.Add(time.Hour)),
		closedTrade(30, base.Add(2*time.Hour)),
	}

	report := ComputeRiskReport(portfolio, closed, nil)
	if report.Trades != 3 {
		t.Fatalf("trades = %d, want 3", report.Trades)
	}
	// Too few trades for the statistical sections.
	if report.MonteCarlo != nil || report.WalkForward != nil {
		t.Error("expected bootstrap sections to be skipped below the trade floor")
	}
	// winRate 2/3 with avgWin 40, avgLoss 20 still yields a Kelly size.
	if report.SuggestedMargin <= 0 {
		t.Errorf("suggestedMargin = %v, want positive", report.SuggestedMargin)
	}
	if report.SuggestedMargin > portfolio.MaxMarginPerTrade {
		t.Errorf("suggestedMargin = %v exceeds the per-trade cap", report.SuggestedMargin)
	}
}

func TestRiskReportFullSample(t *testing.T) {
	portfolio := &database.Portfolio{CurrentBalance: 10000, MaxMarginPerTrade: 5000}
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	var closed []*database.SimulatedPosition
	pnls := []float64{60, -25, 45, 80, -30, 55, -20, 70, 40, -15, 65, 35}
	for i, pnl := range pnls {
		closed = append(closed, closedTrade(pnl, base.Add(time.Duration(i)*time.Hour)))
	}

	rng := rand.New(rand.NewSource(42))
	report := ComputeRiskReport(portfolio, closed, rng)

	if report.Trades != len(pnls) {
		t.Fatalf("trades = %d, want %d", report.Trades, len(pnls))
	}
	if report.MonteCarlo == nil {
		t.Fatal("expected a Monte Carlo section")
	}
	if report.MonteCarlo.Runs != monteCarloRuns {
		t.Errorf("runs = %d, want %d", report.MonteCarlo.Runs, monteCarloRuns)
	}
	// A profitable history bootstraps to a profitable mean.
	if report.MonteCarlo.Mean <= portfolio.CurrentBalance {
		t.Errorf("mean = %v, want above the starting balance", report.MonteCarlo.Mean)
	}
	if report.MonteCarlo.ProbabilityOfRuin != 0 {
		t.Errorf("probabilityOfRuin = %v, want 0 for small PnLs on a large balance", report.MonteCarlo.ProbabilityOfRuin)
	}
	if report.WalkForward == nil {
		t.Fatal("expected a walk-forward section")
	}
	if report.SuggestedMargin <= 0 {
		t.Errorf("suggestedMargin = %v, want positive", report.SuggestedMargin)
	}
}

func TestRiskReportNoWins(t *testing.T) {
	portfolio := &database.Portfolio{CurrentBalance: 1000}
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	closed := []*database.SimulatedPosition{
		closedTrade(-10, base),
		closedTrade(-15, base.Add(time.Hour)),
	}

	report := ComputeRiskReport(portfolio, closed, nil)
	if report.SuggestedMargin != 0 {
		t.Errorf("suggestedMargin = %v, want 0 with no edge", report.SuggestedMargin)
	}
}

func TestRiskReportEmpty(t *testing.T) {
	report := ComputeRiskReport(&database.Portfolio{CurrentBalance: 1000}, nil, nil)
	if report.Trades != 0 || report.SuggestedMargin != 0 {
		t.Errorf("report = %+v, want empty", report)
	}
}
