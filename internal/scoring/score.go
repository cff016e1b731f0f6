// Package scoring computes the per-trader quality score and signal weight
// that the consensus engine uses to weigh each trader's holdings.
package scoring

import (
	"context"
	"fmt"
	"math"
	"time"

	"copytrade-radar/internal/database"
)

const (
	// scoreWindow is the realised-PnL lookback for score30d.
	scoreWindow = 30 * 24 * time.Hour

	// Sample-size thresholds for the confidence tiers.
	confidenceHighSamples   = 20
	confidenceMediumSamples = 8

	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
)

// ScoreStore is the slice of the store the calculator needs.
type ScoreStore interface {
	GetCloseEventStats(ctx context.Context, leadID string, since time.Time) (pnlSum float64, wins, total int, err error)
	UpsertTraderScore(ctx context.Context, s *database.TraderScore) error
}

// Recompute derives the trader's score row from recent closing events and
// persists it. lastIngestAt feeds the availability penalty.
func Recompute(ctx context.Context, store ScoreStore, leadID, platform string, lastIngestAt, now time.Time) (*database.TraderScore, error) {
	pnlSum, wins, total, err := store.GetCloseEventStats(ctx, leadID, now.Add(-scoreWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to read close stats: %w", err)
	}

	winRate := 0.0
	if total > 0 {
		winRate = float64(wins) / float64(total)
	}

	quality := QualityScore(pnlSum)
	tier := ConfidenceTier(total)

	score := &database.TraderScore{
		LeadID:       leadID,
		Platform:     platform,
		Score30d:     pnlSum,
		QualityScore: quality,
		Confidence:   tier,
		WinRate:      winRate,
		SampleSize:   total,
		TraderWeight: TraderWeight(quality, tier, winRate, total, now.Sub(lastIngestAt)),
		UpdatedAt:    now,
	}

	if err := store.UpsertTraderScore(ctx, score); err != nil {
		return nil, fmt.Errorf("failed to persist trader score: %w", err)
	}

	return score, nil
}

// QualityScore maps the 30-day realised PnL sum to [0,100] on a log curve.
// Negative PnL floors at 0.
func QualityScore(pnl30d float64) float64 {
	if pnl30d <= 0 {
		return 0
	}
	return clip(math.Log10(1+pnl30d)*25, 0, 100)
}

// ConfidenceTier buckets the sample size into low/medium/high.
func ConfidenceTier(sampleSize int) string {
	switch {
	case sampleSize >= confidenceHighSamples:
		return ConfidenceHigh
	case sampleSize >= confidenceMediumSamples:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func confidenceFactor(tier string) float64 {
	switch tier {
	case ConfidenceHigh:
		return 1.0
	case ConfidenceMedium:
		return 0.75
	default:
		return 0.5
	}
}

// baseWeight is a monotone non-decreasing curve over the quality score,
// keeping even a zero-quality trader at a small floor weight.
func baseWeight(quality float64) float64 {
	return 0.2 + 0.8*quality/100
}

// winAdj scales the weight by how far the win rate sits from a coin flip.
func winAdj(winRate float64) float64 {
	return clip(1+2*(winRate-0.5), 0.3, 1.3)
}

// availabilityPenalty discounts traders whose data has gone stale.
func availabilityPenalty(sinceLastIngest time.Duration) float64 {
	switch {
	case sinceLastIngest < time.Hour:
		return 1.0
	case sinceLastIngest < 24*time.Hour:
		return 0.75
	default:
		return 0
	}
}

// TraderWeight combines quality, confidence, win rate and availability into
// a [0,1] signal weight. A trader with no samples or no ingest within 24h
// carries zero weight.
func TraderWeight(quality float64, tier string, winRate float64, sampleSize int, sinceLastIngest time.Duration) float64 {
	if sampleSize == 0 || sinceLastIngest >= 24*time.Hour {
		return 0
	}
	w := baseWeight(quality) * confidenceFactor(tier) * winAdj(winRate) * availabilityPenalty(sinceLastIngest)
	return clip(w, 0, 1)
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
