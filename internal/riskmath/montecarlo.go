package riskmath

import (
	"math"
	"math/rand"
	"sort"
)

// MonteCarloResult summarises a bootstrap over the closed-trade PnL set.
type MonteCarloResult struct {
	Runs              int     `json:"runs"`
	SampleSize        int     `json:"sample_size"`
	InitialBalance    float64 `json:"initial_balance"`
	Mean              float64 `json:"mean"`
	Median            float64 `json:"median"`
	StdDev            float64 `json:"std_dev"`
	Worst             float64 `json:"worst"`
	Best              float64 `json:"best"`
	Confidence95Low   float64 `json:"confidence_95_low"`  // 2.5th percentile
	Confidence95High  float64 `json:"confidence_95_high"` // 97.5th percentile
	ProbabilityOfRuin float64 `json:"probability_of_ruin"`
}

// MonteCarlo bootstraps runs of sampleSize trades drawn with replacement
// from the historical PnL set. A run whose equity touches zero halts there.
// rng may be nil; pass a seeded source for reproducible output.
func MonteCarlo(pnls []float64, initialBalance float64, runs, sampleSize int, rng *rand.Rand) *MonteCarloResult {
	if runs <= 0 {
		runs = 1000
	}
	if sampleSize <= 0 {
		sampleSize = len(pnls)
	}

	result := &MonteCarloResult{
		Runs:           runs,
		SampleSize:     sampleSize,
		InitialBalance: initialBalance,
	}

	if len(pnls) == 0 {
		result.Mean = initialBalance
		result.Median = initialBalance
		result.Worst = initialBalance
		result.Best = initialBalance
		result.Confidence95Low = initialBalance
		result.Confidence95High = initialBalance
		return result
	}

	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	finals := make([]float64, runs)
	ruined := 0

	for i := 0; i < runs; i++ {
		equity := initialBalance
		for j := 0; j < sampleSize; j++ {
			equity += pnls[rng.Intn(len(pnls))]
			if equity <= 0 {
				equity = 0
				break
			}
		}
		finals[i] = equity
		if equity < initialBalance {
			ruined++
		}
	}

	sort.Float64s(finals)

	sum := 0.0
	for _, f := range finals {
		sum += f
	}
	result.Mean = sum / float64(runs)
	result.Median = percentile(finals, 0.5)
	result.Worst = finals[0]
	result.Best = finals[runs-1]
	result.Confidence95Low = percentile(finals, 0.025)
	result.Confidence95High = percentile(finals, 0.975)
	result.ProbabilityOfRuin = float64(ruined) / float64(runs)

	variance := 0.0
	for _, f := range finals {
		d := f - result.Mean
		variance += d * d
	}
	result.StdDev = math.Sqrt(variance / float64(runs))

	return result
}

// percentile reads the p-th quantile from a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := p * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
