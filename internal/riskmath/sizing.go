package riskmath

import "math"

// maxKellyShare caps the Kelly allocation at a quarter of the balance even
// when the edge suggests more.
const maxKellyShare = 0.25

// minKellyWinRate is the floor below which Kelly sizing refuses to allocate.
const minKellyWinRate = 0.3

// KellyPositionSize returns the margin to allocate per trade from the Kelly
// criterion, scaled by kellyFraction (e.g. 0.5 for half-Kelly). Returns 0
// when the edge is absent or the sample is too weak to trust.
func KellyPositionSize(balance, winRate, avgRiskReward, kellyFraction float64) float64 {
	if balance <= 0 || avgRiskReward <= 0 || winRate < minKellyWinRate {
		return 0
	}

	b := avgRiskReward
	p := winRate
	q := 1 - p

	fStar := (b*p - q) / b
	if fStar <= 0 {
		return 0
	}

	share := math.Min(fStar*kellyFraction, maxKellyShare)
	return share * balance
}

// RiskBasedSize sizes a position so that hitting the stop loses exactly
// riskPct of the balance. Returns the position notional and the margin at
// the given leverage.
func RiskBasedSize(balance, riskPct, entryPrice, stopLossPrice, leverage float64) (positionNotional, margin float64) {
	if balance <= 0 || riskPct <= 0 || entryPrice <= 0 || leverage <= 0 {
		return 0, 0
	}

	stopDistance := math.Abs(entryPrice-stopLossPrice) / entryPrice
	if stopDistance <= 0 {
		return 0, 0
	}

	riskAmount := balance * riskPct / 100
	positionNotional = riskAmount / stopDistance
	margin = positionNotional / leverage
	return positionNotional, margin
}

// StopLossFromPct places the stop a fixed percentage against the position.
func StopLossFromPct(entryPrice float64, isLong bool, pct float64) float64 {
	if isLong {
		return entryPrice * (1 - pct/100)
	}
	return entryPrice * (1 + pct/100)
}

// StopLossFromRisk places the stop so the position loses riskUSDT when hit.
func StopLossFromRisk(entryPrice, positionNotional, riskUSDT float64, isLong bool) float64 {
	if positionNotional <= 0 {
		return 0
	}
	distance := riskUSDT / positionNotional
	if isLong {
		return entryPrice * (1 - distance)
	}
	return entryPrice * (1 + distance)
}

// TakeProfitFromRR places the target at riskReward times the stop distance.
func TakeProfitFromRR(entryPrice, stopLossPrice float64, isLong bool, riskReward float64) float64 {
	distance := math.Abs(entryPrice-stopLossPrice) * riskReward
	if isLong {
		return entryPrice + distance
	}
	return entryPrice - distance
}
