package simulation

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"copytrade-radar/internal/database"
)

// Monitor evaluates stop-loss, take-profit and trailing stops for every open
// simulation. It runs once after each scheduler cycle.
type Monitor struct {
	engine *Engine
	logger zerolog.Logger
}

// MonitorResult counts what one pass did.
type MonitorResult struct {
	Checked   int `json:"checked"`
	Triggered int `json:"triggered"`
}

func NewMonitor(engine *Engine, logger zerolog.Logger) *Monitor {
	return &Monitor{
		engine: engine,
		logger: logger.With().Str("component", "PositionMonitor").Logger(),
	}
}

// RunOnce checks every open position with any protective order set.
// Evaluation order within a tick is stop-loss first, then take-profit, then
// trailing.
func (m *Monitor) RunOnce(ctx context.Context) (*MonitorResult, error) {
	open, err := m.engine.store.GetOpenSimulations(ctx, m.engine.platform)
	if err != nil {
		return nil, fmt.Errorf("failed to load open simulations: %w", err)
	}

	result := &MonitorResult{}
	for _, pos := range open {
		if pos.StopLossPrice == nil && pos.TakeProfitPrice == nil && pos.TrailingStopPct == nil {
			continue
		}

		price, err := m.engine.ResolveReferencePrice(ctx, pos.Symbol)
		if err != nil || price <= 0 {
			continue
		}
		result.Checked++

		triggered, reason, triggerPrice := m.evaluate(pos, price)
		if !triggered {
			// Trailing trigger may have ratcheted; persist the new level.
			if pos.TrailingStopPct != nil {
				if err := m.engine.store.UpdateSimulatedPosition(ctx, pos); err != nil {
					m.logger.Error().Err(err).Str("id", pos.ID).Msg("Failed to persist trailing level")
				}
			}
			continue
		}

		if err := m.engine.settle(ctx, pos, triggerPrice, reason); err != nil {
			m.logger.Error().Err(err).Str("id", pos.ID).Msg("Failed to close triggered position")
			continue
		}
		result.Triggered++
	}

	return result, nil
}

// evaluate applies the protective orders to the current price. It mutates
// the position's trailing trigger in place when the peak/trough advances.
func (m *Monitor) evaluate(pos *database.SimulatedPosition, price float64) (bool, string, float64) {
	isLong := pos.Direction == database.SideLong

	if pos.StopLossPrice != nil {
		sl := *pos.StopLossPrice
		if (isLong && price <= sl) || (!isLong && price >= sl) {
			return true, database.CloseReasonStopLoss, sl
		}
	}

	if pos.TakeProfitPrice != nil {
		tp := *pos.TakeProfitPrice
		if (isLong && price >= tp) || (!isLong && price <= tp) {
			return true, database.CloseReasonTakeProfit, tp
		}
	}

	if pos.TrailingStopPct != nil {
		pct := *pos.TrailingStopPct / 100

		// The trigger tracks the peak (LONG) or trough (SHORT) and only
		// ever moves in the position's favour.
		trigger := pos.EntryPrice
		if pos.TrailingStopTrigger != nil {
			trigger = *pos.TrailingStopTrigger
		}
		if isLong && price > trigger {
			trigger = price
		}
		if !isLong && price < trigger {
			trigger = price
		}
		pos.TrailingStopTrigger = &trigger

		var stop float64
		if isLong {
			stop = trigger * (1 - pct)
			if price <= stop {
				return true, database.CloseReasonTrailingStop, stop
			}
		} else {
			stop = trigger * (1 + pct)
			if price >= stop {
				return true, database.CloseReasonTrailingStop, stop
			}
		}
	}

	return false, "", 0
}
