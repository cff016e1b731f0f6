// Package consensus computes per-symbol weighted sentiment across all lead
// traders currently holding a symbol.
package consensus

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"copytrade-radar/internal/database"
)

// sentimentEpsilon is the neutral band: sentiment within ±epsilon maps to
// NEUTRAL rather than a directional call.
const sentimentEpsilon = 0.05

// Consensus directions.
const (
	DirectionLong    = "LONG"
	DirectionShort   = "SHORT"
	DirectionNeutral = "NEUTRAL"
)

// Data sources for a symbol's consensus.
const (
	SourceVisible       = "VISIBLE"
	SourceHiddenDerived = "HIDDEN_DERIVED"
	SourceMixed         = "MIXED"
)

// SymbolConsensus is the weighted aggregate for one symbol.
type SymbolConsensus struct {
	Symbol              string  `json:"symbol"`
	LongWeight          float64 `json:"long_weight"`
	ShortWeight         float64 `json:"short_weight"`
	SumWeights          float64 `json:"sum_weights"`
	SentimentScore      float64 `json:"sentiment_score"` // [-1, +1]
	ConsensusDirection  string  `json:"consensus_direction"`
	ConfidenceScore     int     `json:"confidence_score"` // [0, 100]
	WeightedAvgLeverage float64 `json:"weighted_avg_leverage"`
	TotalTraders        int     `json:"total_traders"`
	LongCount           int     `json:"long_count"`
	ShortCount          int     `json:"short_count"`
	DataSource          string  `json:"data_source"`
}

// Store is the slice of the store the engine reads.
type Store interface {
	GetTraderHoldings(ctx context.Context, platform, segment string, since time.Time) ([]*database.TraderHolding, error)
	GetTraderScores(ctx context.Context, platform string) (map[string]*database.TraderScore, error)
}

// Engine computes consensus snapshots on demand.
type Engine struct {
	store    Store
	platform string
}

func NewEngine(store Store, platform string) *Engine {
	return &Engine{store: store, platform: platform}
}

// WindowDuration maps a named time range to its lookback duration.
func WindowDuration(timeRange string) time.Duration {
	switch timeRange {
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "7d", "7D":
		return 7 * 24 * time.Hour
	case "30d", "30D":
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Compute builds the per-symbol consensus for traders active within the
// window, filtered by segment (VISIBLE, HIDDEN or BOTH). Results are sorted
// by confidence descending, then symbol for a stable order.
func (e *Engine) Compute(ctx context.Context, timeRange, segment string) ([]*SymbolConsensus, error) {
	return e.ComputeAt(ctx, timeRange, segment, time.Now().UTC())
}

// ComputeAt is Compute with an explicit evaluation instant, for replays.
func (e *Engine) ComputeAt(ctx context.Context, timeRange, segment string, now time.Time) ([]*SymbolConsensus, error) {
	since := now.Add(-WindowDuration(timeRange))

	holdings, err := e.store.GetTraderHoldings(ctx, e.platform, segment, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load holdings: %w", err)
	}
	scores, err := e.store.GetTraderScores(ctx, e.platform)
	if err != nil {
		return nil, fmt.Errorf("failed to load scores: %w", err)
	}

	type accumulator struct {
		longWeight   float64
		shortWeight  float64
		levWeightSum float64
		longCount    int
		shortCount   int
		visible      int
		hidden       int
	}
	bySymbol := make(map[string]*accumulator)

	for _, h := range holdings {
		weight := 0.0
		if s, ok := scores[h.LeadID]; ok {
			weight = s.TraderWeight
		}
		if weight <= 0 {
			continue
		}

		acc := bySymbol[h.Symbol]
		if acc == nil {
			acc = &accumulator{}
			bySymbol[h.Symbol] = acc
		}

		if h.Side == database.SideShort {
			acc.shortWeight += weight
			acc.shortCount++
		} else {
			acc.longWeight += weight
			acc.longCount++
		}
		acc.levWeightSum += weight * h.Leverage

		if h.Segment == database.SegmentHidden {
			acc.hidden++
		} else {
			acc.visible++
		}
	}

	results := make([]*SymbolConsensus, 0, len(bySymbol))
	for symbol, acc := range bySymbol {
		results = append(results, buildConsensus(symbol, acc.longWeight, acc.shortWeight,
			acc.levWeightSum, acc.longCount, acc.shortCount, acc.visible, acc.hidden))
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].ConfidenceScore != results[j].ConfidenceScore {
			return results[i].ConfidenceScore > results[j].ConfidenceScore
		}
		return results[i].Symbol < results[j].Symbol
	})

	return results, nil
}

func buildConsensus(symbol string, longWeight, shortWeight, levWeightSum float64, longCount, shortCount, visible, hidden int) *SymbolConsensus {
	c := &SymbolConsensus{
		Symbol:             symbol,
		LongWeight:         longWeight,
		ShortWeight:        shortWeight,
		SumWeights:         longWeight + shortWeight,
		ConsensusDirection: DirectionNeutral,
		TotalTraders:       longCount + shortCount,
		LongCount:          longCount,
		ShortCount:         shortCount,
	}

	switch {
	case visible > 0 && hidden > 0:
		c.DataSource = SourceMixed
	case hidden > 0:
		c.DataSource = SourceHiddenDerived
	default:
		c.DataSource = SourceVisible
	}

	if c.SumWeights <= 0 {
		return c
	}

	c.SentimentScore = (longWeight - shortWeight) / c.SumWeights
	c.WeightedAvgLeverage = levWeightSum / c.SumWeights

	switch {
	case c.SentimentScore > sentimentEpsilon:
		c.ConsensusDirection = DirectionLong
	case c.SentimentScore < -sentimentEpsilon:
		c.ConsensusDirection = DirectionShort
	}

	agreement := 1 - 1/float64(1+c.TotalTraders)
	c.ConfidenceScore = int(math.Round(100 * math.Abs(c.SentimentScore) * agreement))

	return c
}
