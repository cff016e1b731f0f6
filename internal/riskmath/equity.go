package riskmath

import (
	"sort"
	"time"
)

// EquityPoint is one step of the cumulative equity curve.
type EquityPoint struct {
	Time        time.Time `json:"time"`
	Balance     float64   `json:"balance"`
	DrawdownPct float64   `json:"drawdown_pct"` // from the running peak
}

// DrawdownPeriod is one peak-to-trough-to-recovery arc.
type DrawdownPeriod struct {
	PeakTime      time.Time  `json:"peak_time"`
	TroughTime    time.Time  `json:"trough_time"`
	RecoveryTime  *time.Time `json:"recovery_time,omitempty"` // nil while underwater
	PeakBalance   float64    `json:"peak_balance"`
	TroughBalance float64    `json:"trough_balance"`
	DepthPct      float64    `json:"depth_pct"`
}

// EquityCurveResult is the full drawdown analysis of a trade history.
type EquityCurveResult struct {
	Points         []EquityPoint    `json:"points"`
	Drawdowns      []DrawdownPeriod `json:"drawdowns"`
	MaxDrawdownPct float64          `json:"max_drawdown_pct"`
	FinalBalance   float64          `json:"final_balance"`
}

// EquityCurve walks the closed trades in time order, tracks the running peak
// and emits every drawdown period it finds. An unrecovered drawdown at the
// end of history has a nil RecoveryTime.
func EquityCurve(initialBalance float64, trades []Trade) *EquityCurveResult {
	result := &EquityCurveResult{FinalBalance: initialBalance}
	if len(trades) == 0 {
		return result
	}

	sorted := make([]Trade, len(trades))
	copy(sorted, trades)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ClosedAt.Before(sorted[j].ClosedAt) })

	balance := initialBalance
	peak := initialBalance
	peakTime := sorted[0].ClosedAt

	var current *DrawdownPeriod

	for _, t := range sorted {
		balance += t.Pnl

		ddPct := 0.0
		if peak > 0 && balance < peak {
			ddPct = 100 * (peak - balance) / peak
		}

		result.Points = append(result.Points, EquityPoint{
			Time:        t.ClosedAt,
			Balance:     balance,
			DrawdownPct: ddPct,
		})

		if balance >= peak {
			if current != nil {
				recovered := t.ClosedAt
				current.RecoveryTime = &recovered
				result.Drawdowns = append(result.Drawdowns, *current)
				current = nil
			}
			peak = balance
			peakTime = t.ClosedAt
			continue
		}

		if current == nil {
			current = &DrawdownPeriod{
				PeakTime:      peakTime,
				PeakBalance:   peak,
				TroughTime:    t.ClosedAt,
				TroughBalance: balance,
				DepthPct:      ddPct,
			}
		} else if balance < current.TroughBalance {
			current.TroughTime = t.ClosedAt
			current.TroughBalance = balance
			current.DepthPct = ddPct
		}

		if ddPct > result.MaxDrawdownPct {
			result.MaxDrawdownPct = ddPct
		}
	}

	if current != nil {
		result.Drawdowns = append(result.Drawdowns, *current)
	}

	result.FinalBalance = balance
	return result
}
