package database

import (
	"context"
	"fmt"
	"time"
)

const simulatedPositionColumns = `id, portfolio_id, platform, symbol, direction, status,
	leverage, margin_notional, position_notional, entry_price, exit_price,
	effective_entry_price, effective_exit_price, stop_loss_price,
	take_profit_price, trailing_stop_pct, trailing_stop_trigger, slippage_bps,
	commission_bps, total_commission_usdt, unrealized_pnl_usdt, pnl_usdt,
	roi_pct, close_reason, close_trigger_lead_id, source, notes, opened_at, closed_at`

// CreateSimulatedPosition persists a newly opened simulation.
func (db *DB) CreateSimulatedPosition(ctx context.Context, p *SimulatedPosition) error {
	if db.Pool == nil {
		return nil
	}

	query := `
		INSERT INTO simulated_positions (
			id, portfolio_id, platform, symbol, direction, status, leverage,
			margin_notional, position_notional, entry_price, exit_price,
			effective_entry_price, effective_exit_price, stop_loss_price,
			take_profit_price, trailing_stop_pct, trailing_stop_trigger,
			slippage_bps, commission_bps, total_commission_usdt,
			unrealized_pnl_usdt, pnl_usdt, roi_pct, close_reason,
			close_trigger_lead_id, source, notes, opened_at, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)`

	_, err := db.q.Exec(ctx, query,
		p.ID, p.PortfolioID, p.Platform, p.Symbol, p.Direction, p.Status,
		p.Leverage, p.MarginNotional, p.PositionNotional, p.EntryPrice,
		p.ExitPrice, p.EffectiveEntryPrice, p.EffectiveExitPrice,
		p.StopLossPrice, p.TakeProfitPrice, p.TrailingStopPct,
		p.TrailingStopTrigger, p.SlippageBps, p.CommissionBps,
		p.TotalCommissionUSDT, p.UnrealizedPnlUSDT, p.PnlUSDT, p.RoiPct,
		p.CloseReason, p.CloseTriggerLeadID, p.Source, p.Notes,
		p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create simulated position: %w", err)
	}
	return nil
}

// UpdateSimulatedPosition writes back every mutable simulation field.
func (db *DB) UpdateSimulatedPosition(ctx context.Context, p *SimulatedPosition) error {
	if db.Pool == nil {
		return nil
	}

	query := `
		UPDATE simulated_positions SET
			status = $2,
			exit_price = $3,
			effective_exit_price = $4,
			stop_loss_price = $5,
			take_profit_price = $6,
			trailing_stop_trigger = $7,
			total_commission_usdt = $8,
			unrealized_pnl_usdt = $9,
			pnl_usdt = $10,
			roi_pct = $11,
			close_reason = $12,
			close_trigger_lead_id = $13,
			closed_at = $14
		WHERE id = $1`

	_, err := db.q.Exec(ctx, query,
		p.ID, p.Status, p.ExitPrice, p.EffectiveExitPrice, p.StopLossPrice,
		p.TakeProfitPrice, p.TrailingStopTrigger, p.TotalCommissionUSDT,
		p.UnrealizedPnlUSDT, p.PnlUSDT, p.RoiPct, p.CloseReason,
		p.CloseTriggerLeadID, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update simulated position: %w", err)
	}
	return nil
}

// GetSimulatedPosition returns one simulation by ID, or nil.
func (db *DB) GetSimulatedPosition(ctx context.Context, id string) (*SimulatedPosition, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `SELECT ` + simulatedPositionColumns + ` FROM simulated_positions WHERE id = $1`
	sims, err := db.scanSimulatedPositions(ctx, query, id)
	if err != nil {
		return nil, err
	}
	if len(sims) == 0 {
		return nil, nil
	}
	return sims[0], nil
}

// GetSimulatedPositions lists simulations, optionally filtered by status,
// newest first.
func (db *DB) GetSimulatedPositions(ctx context.Context, platform, status string, limit int) ([]*SimulatedPosition, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `SELECT ` + simulatedPositionColumns + `
		FROM simulated_positions
		WHERE platform = $1`
	args := []any{platform}

	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY opened_at DESC LIMIT %d`, limit)

	return db.scanSimulatedPositions(ctx, query, args...)
}

// GetOpenSimulations returns every OPEN simulation for the platform.
func (db *DB) GetOpenSimulations(ctx context.Context, platform string) ([]*SimulatedPosition, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `SELECT ` + simulatedPositionColumns + `
		FROM simulated_positions
		WHERE platform = $1 AND status = 'OPEN'
		ORDER BY opened_at`

	return db.scanSimulatedPositions(ctx, query, platform)
}

// GetClosedSimulations returns CLOSED simulations ordered by close time, the
// order the portfolio metrics and equity curve are computed in.
func (db *DB) GetClosedSimulations(ctx context.Context, platform string, portfolioID *string) ([]*SimulatedPosition, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `SELECT ` + simulatedPositionColumns + `
		FROM simulated_positions
		WHERE platform = $1 AND status = 'CLOSED'`
	args := []any{platform}

	if portfolioID != nil {
		query += ` AND portfolio_id = $2`
		args = append(args, *portfolioID)
	}
	query += ` ORDER BY closed_at`

	return db.scanSimulatedPositions(ctx, query, args...)
}

func (db *DB) scanSimulatedPositions(ctx context.Context, query string, args ...any) ([]*SimulatedPosition, error) {
	rows, err := db.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query simulated positions: %w", err)
	}
	defer rows.Close()

	var sims []*SimulatedPosition
	for rows.Next() {
		p := &SimulatedPosition{}
		err := rows.Scan(
			&p.ID, &p.PortfolioID, &p.Platform, &p.Symbol, &p.Direction,
			&p.Status, &p.Leverage, &p.MarginNotional, &p.PositionNotional,
			&p.EntryPrice, &p.ExitPrice, &p.EffectiveEntryPrice,
			&p.EffectiveExitPrice, &p.StopLossPrice, &p.TakeProfitPrice,
			&p.TrailingStopPct, &p.TrailingStopTrigger, &p.SlippageBps,
			&p.CommissionBps, &p.TotalCommissionUSDT, &p.UnrealizedPnlUSDT,
			&p.PnlUSDT, &p.RoiPct, &p.CloseReason, &p.CloseTriggerLeadID,
			&p.Source, &p.Notes, &p.OpenedAt, &p.ClosedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan simulated position row: %w", err)
		}
		sims = append(sims, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating simulated position rows: %w", err)
	}

	return sims, nil
}

// CreatePortfolio persists a new simulated portfolio.
func (db *DB) CreatePortfolio(ctx context.Context, p *Portfolio) error {
	if db.Pool == nil {
		return nil
	}

	query := `
		INSERT INTO portfolios (
			id, name, platform, initial_balance, current_balance,
			max_open_positions, max_margin_per_trade, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := db.q.Exec(ctx, query,
		p.ID, p.Name, p.Platform, p.InitialBalance, p.CurrentBalance,
		p.MaxOpenPositions, p.MaxMarginPerTrade, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create portfolio: %w", err)
	}
	return nil
}

// GetPortfolio returns one portfolio by ID, or nil.
func (db *DB) GetPortfolio(ctx context.Context, id string) (*Portfolio, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `
		SELECT id, name, platform, initial_balance, current_balance,
			max_open_positions, max_margin_per_trade, created_at, updated_at
		FROM portfolios WHERE id = $1`

	p := &Portfolio{}
	err := db.q.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.Name, &p.Platform, &p.InitialBalance, &p.CurrentBalance,
		&p.MaxOpenPositions, &p.MaxMarginPerTrade, &p.CreatedAt, &p.UpdatedAt,
	)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get portfolio: %w", err)
	}
	return p, nil
}

// GetDefaultPortfolio returns the oldest portfolio for a platform, or nil.
func (db *DB) GetDefaultPortfolio(ctx context.Context, platform string) (*Portfolio, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `
		SELECT id, name, platform, initial_balance, current_balance,
			max_open_positions, max_margin_per_trade, created_at, updated_at
		FROM portfolios WHERE platform = $1 ORDER BY created_at LIMIT 1`

	p := &Portfolio{}
	err := db.q.QueryRow(ctx, query, platform).Scan(
		&p.ID, &p.Name, &p.Platform, &p.InitialBalance, &p.CurrentBalance,
		&p.MaxOpenPositions, &p.MaxMarginPerTrade, &p.CreatedAt, &p.UpdatedAt,
	)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get default portfolio: %w", err)
	}
	return p, nil
}

// UpdatePortfolioBalance writes the new balance after a close settles.
func (db *DB) UpdatePortfolioBalance(ctx context.Context, id string, balance float64) error {
	if db.Pool == nil {
		return nil
	}

	query := `UPDATE portfolios SET current_balance = $2, updated_at = $3 WHERE id = $1`
	if _, err := db.q.Exec(ctx, query, id, balance, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to update portfolio balance: %w", err)
	}
	return nil
}

// InsertPortfolioSnapshot appends one equity-curve point.
func (db *DB) InsertPortfolioSnapshot(ctx context.Context, s *PortfolioSnapshot) error {
	if db.Pool == nil {
		return nil
	}

	query := `
		INSERT INTO portfolio_snapshots (
			portfolio_id, balance, unrealized_pnl, realized_pnl,
			open_positions, total_value, taken_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	err := db.q.QueryRow(ctx, query,
		s.PortfolioID, s.Balance, s.UnrealizedPnl, s.RealizedPnl,
		s.OpenPositions, s.TotalValue, s.TakenAt,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("failed to insert portfolio snapshot: %w", err)
	}
	return nil
}

// GetPortfolioSnapshots returns the equity curve, oldest first.
func (db *DB) GetPortfolioSnapshots(ctx context.Context, portfolioID string, limit int) ([]*PortfolioSnapshot, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `
		SELECT id, portfolio_id, balance, unrealized_pnl, realized_pnl,
			open_positions, total_value, taken_at
		FROM (
			SELECT id, portfolio_id, balance, unrealized_pnl, realized_pnl,
				open_positions, total_value, taken_at
			FROM portfolio_snapshots
			WHERE portfolio_id = $1
			ORDER BY taken_at DESC
			LIMIT $2
		) recent
		ORDER BY taken_at ASC`

	rows, err := db.q.Query(ctx, query, portfolioID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get portfolio snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*PortfolioSnapshot
	for rows.Next() {
		s := &PortfolioSnapshot{}
		err := rows.Scan(
			&s.ID, &s.PortfolioID, &s.Balance, &s.UnrealizedPnl,
			&s.RealizedPnl, &s.OpenPositions, &s.TotalValue, &s.TakenAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan portfolio snapshot row: %w", err)
		}
		snaps = append(snaps, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating portfolio snapshot rows: %w", err)
	}

	return snaps, nil
}

// UpsertPortfolioMetrics writes the recomputed trade statistics.
func (db *DB) UpsertPortfolioMetrics(ctx context.Context, m *PortfolioMetric) error {
	if db.Pool == nil {
		return nil
	}

	query := `
		INSERT INTO portfolio_metrics (
			portfolio_id, total_trades, winning_trades, losing_trades,
			win_rate, avg_win, avg_loss, profit_factor, max_consec_wins,
			max_consec_losses, avg_slippage_bps, total_commission,
			max_drawdown_pct, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (portfolio_id) DO UPDATE SET
			total_trades = EXCLUDED.total_trades,
			winning_trades = EXCLUDED.winning_trades,
			losing_trades = EXCLUDED.losing_trades,
			win_rate = EXCLUDED.win_rate,
			avg_win = EXCLUDED.avg_win,
			avg_loss = EXCLUDED.avg_loss,
			profit_factor = EXCLUDED.profit_factor,
			max_consec_wins = EXCLUDED.max_consec_wins,
			max_consec_losses = EXCLUDED.max_consec_losses,
			avg_slippage_bps = EXCLUDED.avg_slippage_bps,
			total_commission = EXCLUDED.total_commission,
			max_drawdown_pct = EXCLUDED.max_drawdown_pct,
			updated_at = EXCLUDED.updated_at`

	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now().UTC()
	}

	_, err := db.q.Exec(ctx, query,
		m.PortfolioID, m.TotalTrades, m.WinningTrades, m.LosingTrades,
		m.WinRate, m.AvgWin, m.AvgLoss, m.ProfitFactor, m.MaxConsecWins,
		m.MaxConsecLosses, m.AvgSlippageBps, m.TotalCommission,
		m.MaxDrawdownPct, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert portfolio metrics: %w", err)
	}
	return nil
}
