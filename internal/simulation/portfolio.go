package simulation

import (
	"context"
	"fmt"

	"copytrade-radar/internal/database"
	"copytrade-radar/internal/riskmath"
)

// applyCloseToPortfolio returns the locked margin plus the net PnL to the
// portfolio balance and refreshes the trade metrics.
func (e *Engine) applyCloseToPortfolio(ctx context.Context, pos *database.SimulatedPosition) error {
	portfolio, err := e.store.GetPortfolio(ctx, *pos.PortfolioID)
	if err != nil {
		return err
	}
	if portfolio == nil {
		return fmt.Errorf("portfolio %s not found", *pos.PortfolioID)
	}

	netPnl := 0.0
	if pos.PnlUSDT != nil {
		netPnl = *pos.PnlUSDT
	}
	newBalance := portfolio.CurrentBalance + pos.MarginNotional + netPnl

	if err := e.store.UpdatePortfolioBalance(ctx, portfolio.ID, newBalance); err != nil {
		return err
	}

	return e.RecomputeMetrics(ctx, portfolio.ID, portfolio.InitialBalance)
}

// SnapshotPortfolio records one equity-curve point: balance, locked margin,
// unrealised and realised PnL, and the open position count.
func (e *Engine) SnapshotPortfolio(ctx context.Context) error {
	portfolio, err := e.store.GetDefaultPortfolio(ctx, e.platform)
	if err != nil || portfolio == nil {
		return err
	}

	open, err := e.store.GetOpenSimulations(ctx, e.platform)
	if err != nil {
		return err
	}
	closed, err := e.store.GetClosedSimulations(ctx, e.platform, &portfolio.ID)
	if err != nil {
		return err
	}

	var unrealized, lockedMargin float64
	openCount := 0
	for _, p := range open {
		if p.PortfolioID == nil || *p.PortfolioID != portfolio.ID {
			continue
		}
		openCount++
		lockedMargin += p.MarginNotional
		if p.UnrealizedPnlUSDT != nil {
			unrealized += *p.UnrealizedPnlUSDT
		}
	}

	var realized float64
	for _, p := range closed {
		if p.PnlUSDT != nil {
			realized += *p.PnlUSDT
		}
	}

	snapshot := &database.PortfolioSnapshot{
		PortfolioID:   portfolio.ID,
		Balance:       portfolio.CurrentBalance,
		UnrealizedPnl: unrealized,
		RealizedPnl:   realized,
		OpenPositions: openCount,
		TotalValue:    portfolio.CurrentBalance + lockedMargin + unrealized,
		TakenAt:       e.now(),
	}

	return e.store.InsertPortfolioSnapshot(ctx, snapshot)
}

// RecomputeMetrics rebuilds the trade statistics from the CLOSED positions
// in close order.
func (e *Engine) RecomputeMetrics(ctx context.Context, portfolioID string, initialBalance float64) error {
	closed, err := e.store.GetClosedSimulations(ctx, e.platform, &portfolioID)
	if err != nil {
		return err
	}

	metric := ComputeMetrics(portfolioID, initialBalance, closed)
	metric.UpdatedAt = e.now()

	return e.store.UpsertPortfolioMetrics(ctx, metric)
}

// ComputeMetrics derives the portfolio statistics from closed positions
// ordered by close time.
func ComputeMetrics(portfolioID string, initialBalance float64, closed []*database.SimulatedPosition) *database.PortfolioMetric {
	metric := &database.PortfolioMetric{PortfolioID: portfolioID}

	var winSum, lossSum, slippageBpsSum float64
	var consecWins, consecLosses int
	var trades []riskmath.Trade

	for _, p := range closed {
		if p.PnlUSDT == nil || p.ClosedAt == nil {
			continue
		}
		pnl := *p.PnlUSDT
		metric.TotalTrades++
		slippageBpsSum += p.SlippageBps
		if p.TotalCommissionUSDT != nil {
			metric.TotalCommission += *p.TotalCommissionUSDT
		}
		trades = append(trades, riskmath.Trade{Pnl: pnl, ClosedAt: *p.ClosedAt})

		if pnl > 0 {
			metric.WinningTrades++
			winSum += pnl
			consecWins++
			consecLosses = 0
			if consecWins > metric.MaxConsecWins {
				metric.MaxConsecWins = consecWins
			}
		} else {
			metric.LosingTrades++
			lossSum += -pnl
			consecLosses++
			consecWins = 0
			if consecLosses > metric.MaxConsecLosses {
				metric.MaxConsecLosses = consecLosses
			}
		}
	}

	if metric.TotalTrades == 0 {
		return metric
	}

	metric.WinRate = float64(metric.WinningTrades) / float64(metric.TotalTrades)
	if metric.WinningTrades > 0 {
		metric.AvgWin = winSum / float64(metric.WinningTrades)
	}
	if metric.LosingTrades > 0 {
		metric.AvgLoss = lossSum / float64(metric.LosingTrades)
	}
	if lossSum > 0 {
		metric.ProfitFactor = winSum / lossSum
	} else if winSum > 0 {
		metric.ProfitFactor = winSum
	}
	metric.AvgSlippageBps = slippageBpsSum / float64(metric.TotalTrades)

	curve := riskmath.EquityCurve(initialBalance, trades)
	metric.MaxDrawdownPct = curve.MaxDrawdownPct

	return metric
}
