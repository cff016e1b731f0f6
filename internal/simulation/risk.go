package simulation

import (
	"math/rand"
	"sort"

	"copytrade-radar/internal/database"
	"copytrade-radar/internal/riskmath"
)

// riskReportMinTrades is the closed-trade floor below which the bootstrap
// and walk-forward sections are skipped.
const riskReportMinTrades = 10

const (
	monteCarloRuns     = 1000
	walkForwardWindows = 4
	walkForwardInRatio = 0.7
	kellyHalfFraction  = 0.5
)

// RiskReport summarises how robust the closed-trade history is: bootstrap
// outcome distribution, walk-forward stability and a Kelly-derived margin
// suggestion for the next trade.
type RiskReport struct {
	Trades          int                         `json:"trades"`
	SuggestedMargin float64                     `json:"suggested_margin"` // half-Kelly on the current balance
	MonteCarlo      *riskmath.MonteCarloResult  `json:"monte_carlo,omitempty"`
	WalkForward     *riskmath.WalkForwardResult `json:"walk_forward,omitempty"`
}

// ComputeRiskReport builds the risk report from closed positions. rng may be
// nil; pass a seeded source for reproducible bootstrap output.
func ComputeRiskReport(portfolio *database.Portfolio, closed []*database.SimulatedPosition, rng *rand.Rand) *RiskReport {
	report := &RiskReport{}

	var trades []riskmath.Trade
	var pnls []float64
	var winSum, lossSum float64
	wins := 0

	for _, p := range closed {
		if p.PnlUSDT == nil || p.ClosedAt == nil {
			continue
		}
		pnl := *p.PnlUSDT
		trades = append(trades, riskmath.Trade{Pnl: pnl, ClosedAt: *p.ClosedAt})
		pnls = append(pnls, pnl)
		if pnl > 0 {
			wins++
			winSum += pnl
		} else {
			lossSum += -pnl
		}
	}
	report.Trades = len(trades)
	if report.Trades == 0 {
		return report
	}

	sort.Slice(trades, func(i, j int) bool { return trades[i].ClosedAt.Before(trades[j].ClosedAt) })

	winRate := float64(wins) / float64(report.Trades)
	avgRiskReward := 0.0
	if wins > 0 && lossSum > 0 {
		avgWin := winSum / float64(wins)
		avgLoss := lossSum / float64(report.Trades-wins)
		avgRiskReward = avgWin / avgLoss
	}
	report.SuggestedMargin = riskmath.KellyPositionSize(
		portfolio.CurrentBalance, winRate, avgRiskReward, kellyHalfFraction)
	if max := portfolio.MaxMarginPerTrade; max > 0 && report.SuggestedMargin > max {
		report.SuggestedMargin = max
	}

	if report.Trades < riskReportMinTrades {
		return report
	}

	report.MonteCarlo = riskmath.MonteCarlo(pnls, portfolio.CurrentBalance, monteCarloRuns, len(pnls), rng)
	report.WalkForward = riskmath.WalkForward(trades, walkForwardWindows, walkForwardInRatio)

	return report
}
