package riskmath

import (
	"math"
	"sort"
	"time"
)

// Trade is one closed trade for the statistical functions.
type Trade struct {
	Pnl      float64
	ClosedAt time.Time
}

// WindowResult holds the in/out-of-sample split for one walk-forward window.
type WindowResult struct {
	InSampleWinRate  float64 `json:"in_sample_win_rate"`
	OutSampleWinRate float64 `json:"out_sample_win_rate"`
	InSampleTrades   int     `json:"in_sample_trades"`
	OutSampleTrades  int     `json:"out_sample_trades"`
	Degradation      float64 `json:"degradation"` // out minus in
}

// WalkForwardResult aggregates the per-window splits into an overfit signal.
type WalkForwardResult struct {
	Windows        []WindowResult `json:"windows"`
	Correlation    float64        `json:"correlation"`     // Pearson, in vs out win rates
	AvgDegradation float64        `json:"avg_degradation"` // mean of out minus in
	OverfitScore   float64        `json:"overfit_score"`   // [0,100], higher is worse
}

// WalkForward splits the trade history into numWindows chronological
// windows, measures the win rate of the first inSampleRatio share of each
// window against the remainder, and scores how badly out-of-sample results
// degrade.
func WalkForward(trades []Trade, numWindows int, inSampleRatio float64) *WalkForwardResult {
	result := &WalkForwardResult{}
	if numWindows <= 0 || len(trades) < numWindows*2 {
		return result
	}
	if inSampleRatio <= 0 || inSampleRatio >= 1 {
		inSampleRatio = 0.7
	}

	sorted := make([]Trade, len(trades))
	copy(sorted, trades)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ClosedAt.Before(sorted[j].ClosedAt) })

	windowSize := len(sorted) / numWindows
	var inRates, outRates []float64

	for w := 0; w < numWindows; w++ {
		start := w * windowSize
		end := start + windowSize
		if w == numWindows-1 {
			end = len(sorted)
		}
		window := sorted[start:end]

		split := int(float64(len(window)) * inSampleRatio)
		if split == 0 || split == len(window) {
			continue
		}

		in := winRate(window[:split])
		out := winRate(window[split:])

		result.Windows = append(result.Windows, WindowResult{
			InSampleWinRate:  in,
			OutSampleWinRate: out,
			InSampleTrades:   split,
			OutSampleTrades:  len(window) - split,
			Degradation:      out - in,
		})
		inRates = append(inRates, in)
		outRates = append(outRates, out)
	}

	if len(result.Windows) == 0 {
		return result
	}

	sum := 0.0
	for _, w := range result.Windows {
		sum += w.Degradation
	}
	result.AvgDegradation = sum / float64(len(result.Windows))
	result.Correlation = pearson(inRates, outRates)
	result.OverfitScore = clip(-100*result.AvgDegradation, 0, 100)

	return result
}

func winRate(trades []Trade) float64 {
	if len(trades) == 0 {
		return 0
	}
	wins := 0
	for _, t := range trades {
		if t.Pnl > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(trades))
}

// pearson computes the correlation coefficient of two equal-length series.
// Returns 0 when either series has no variance.
func pearson(xs, ys []float64) float64 {
	n := len(xs)
	if n == 0 || n != len(ys) {
		return 0
	}

	var sumX, sumY float64
	for i := 0; i < n; i++ {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX := sumX / float64(n)
	meanY := sumY / float64(n)

	var cov, varX, varY float64
	for i := 0; i < n; i++ {
		dx := xs[i] - meanX
		dy := ys[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
