// Package riskmath holds the pure position-sizing, execution-cost and
// statistical functions used by the simulation layer. Nothing here touches
// the store or the clock.
package riskmath

import "math"

// entrySlippageFactor scales the configured slippage for entries: crossing
// the spread to open costs more than closing into it.
const entrySlippageFactor = 1.5

// ExecutionCost is the full cost breakdown of one simulated round trip.
type ExecutionCost struct {
	EffectiveEntryPrice float64 `json:"effective_entry_price"`
	EffectiveExitPrice  float64 `json:"effective_exit_price"`
	EntrySlippageUSDT   float64 `json:"entry_slippage_usdt"`
	ExitSlippageUSDT    float64 `json:"exit_slippage_usdt"`
	TotalSlippageUSDT   float64 `json:"total_slippage_usdt"`
	EntryCommissionUSDT float64 `json:"entry_commission_usdt"`
	ExitCommissionUSDT  float64 `json:"exit_commission_usdt"`
	TotalCommissionUSDT float64 `json:"total_commission_usdt"`
	GrossPnlUSDT        float64 `json:"gross_pnl_usdt"`
	NetPnlUSDT          float64 `json:"net_pnl_usdt"`
	RoiPct              float64 `json:"roi_pct"`
}

// ApplyEntrySlippage worsens the entry price in the trade's disfavour:
// LONG entries fill higher, SHORT entries fill lower.
func ApplyEntrySlippage(price float64, isLong bool, slippageBps float64) float64 {
	frac := slippageBps * entrySlippageFactor / 10000
	if isLong {
		return price * (1 + frac)
	}
	return price * (1 - frac)
}

// ApplyExitSlippage worsens the exit price: LONG exits fill lower, SHORT
// exits fill higher.
func ApplyExitSlippage(price float64, isLong bool, slippageBps float64) float64 {
	frac := slippageBps / 10000
	if isLong {
		return price * (1 - frac)
	}
	return price * (1 + frac)
}

// ComputeExecutionCost settles one round trip. rawMove is measured on the
// quoted entry/exit prices; slippage and commission are charged on the
// position notional per side.
func ComputeExecutionCost(isLong bool, entryPrice, exitPrice, positionNotional, marginNotional, slippageBps, commissionBps float64) *ExecutionCost {
	cost := &ExecutionCost{
		EffectiveEntryPrice: ApplyEntrySlippage(entryPrice, isLong, slippageBps),
		EffectiveExitPrice:  ApplyExitSlippage(exitPrice, isLong, slippageBps),
		EntrySlippageUSDT:   positionNotional * slippageBps * entrySlippageFactor / 10000,
		ExitSlippageUSDT:    positionNotional * slippageBps / 10000,
		EntryCommissionUSDT: positionNotional * commissionBps / 10000,
		ExitCommissionUSDT:  positionNotional * commissionBps / 10000,
	}
	cost.TotalSlippageUSDT = cost.EntrySlippageUSDT + cost.ExitSlippageUSDT
	cost.TotalCommissionUSDT = cost.EntryCommissionUSDT + cost.ExitCommissionUSDT

	var rawMove float64
	if entryPrice > 0 {
		if isLong {
			rawMove = (exitPrice - entryPrice) / entryPrice
		} else {
			rawMove = (entryPrice - exitPrice) / entryPrice
		}
	}

	cost.GrossPnlUSDT = positionNotional * rawMove
	cost.NetPnlUSDT = round4(cost.GrossPnlUSDT - cost.TotalSlippageUSDT - cost.TotalCommissionUSDT)
	if marginNotional > 0 {
		cost.RoiPct = round4(100 * cost.NetPnlUSDT / marginNotional)
	}

	return cost
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
