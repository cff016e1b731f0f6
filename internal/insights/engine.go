package insights

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"copytrade-radar/internal/consensus"
	"copytrade-radar/internal/database"
)

// stabilityFlipFactor converts the flip rate (direction changes per ten
// samples) into a stability deduction.
const stabilityFlipFactor = 25

// stabilityBuckets is how many time buckets the window is sampled into for
// the direction time series.
const stabilityBuckets = 12

// Anomaly types.
const (
	AnomalyLeverageSpike  = "LEVERAGE_SPIKE"
	AnomalyCrowdFormation = "CROWD_FORMATION"
	AnomalyConfidenceDrop = "CONFIDENCE_DROP"
)

// Anomaly is one flagged condition on a symbol.
type Anomaly struct {
	Type     string  `json:"type"`
	Symbol   string  `json:"symbol"`
	Severity string  `json:"severity"` // info or warning
	Value    float64 `json:"value"`
	Message  string  `json:"message"`
}

// SymbolStability scores how settled a symbol's consensus direction is.
type SymbolStability struct {
	Symbol         string  `json:"symbol"`
	Flips          int     `json:"flips"`
	Samples        int     `json:"samples"`
	StabilityScore float64 `json:"stability_score"` // [0,100], higher is steadier
}

// LeaderboardEntry ranks one trader.
type LeaderboardEntry struct {
	LeadID         string  `json:"lead_id"`
	TraderWeight   float64 `json:"trader_weight"`
	QualityScore   float64 `json:"quality_score"`
	WinRate        float64 `json:"win_rate"`
	SampleSize     int     `json:"sample_size"`
	RealizedPnl30d float64 `json:"realized_pnl_30d"`
	ActivityEvents int     `json:"activity_events"`
	Score          float64 `json:"score"`
}

// Response is the full insights report.
type Response struct {
	Mode        string             `json:"mode"`
	Preset      Preset             `json:"preset"`
	TimeRange   string             `json:"time_range"`
	Anomalies   []Anomaly          `json:"anomalies"`
	Stability   []SymbolStability  `json:"stability"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
	RiskScore   float64            `json:"risk_score"` // [0,100]
	RiskBand    string             `json:"risk_band"`
	Counts      RiskCounts         `json:"counts"`
}

// RiskCounts are the four per-symbol condition tallies feeding the risk band.
type RiskCounts struct {
	Crowded       int `json:"crowded"`
	HighLeverage  int `json:"high_leverage"`
	Unstable      int `json:"unstable"`
	LowConfidence int `json:"low_confidence"`
}

// Store is the slice of the store the engine reads.
type Store interface {
	GetEventsSince(ctx context.Context, platform string, since, until time.Time) ([]*database.Event, error)
	GetTraderScores(ctx context.Context, platform string) (map[string]*database.TraderScore, error)
}

// Engine builds insight reports from the consensus engine and the store.
type Engine struct {
	store     Store
	consensus *consensus.Engine
	platform  string
}

func NewEngine(store Store, consensusEngine *consensus.Engine, platform string) *Engine {
	return &Engine{store: store, consensus: consensusEngine, platform: platform}
}

// Report computes the anomalies, stability table, leaderboard and risk band
// for one (timeRange, segment, mode) query. scoreMultiplier comes from the
// persisted insights rule.
func (e *Engine) Report(ctx context.Context, timeRange, segment, mode string, top int, scoreMultiplier float64) (*Response, error) {
	if top <= 0 {
		top = 10
	}
	if scoreMultiplier <= 0 {
		scoreMultiplier = 1
	}
	preset := PresetFor(mode)
	now := time.Now().UTC()
	since := now.Add(-consensus.WindowDuration(timeRange))

	consensusList, err := e.consensus.ComputeAt(ctx, timeRange, segment, now)
	if err != nil {
		return nil, fmt.Errorf("failed to compute consensus: %w", err)
	}
	events, err := e.store.GetEventsSince(ctx, e.platform, since, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	scores, err := e.store.GetTraderScores(ctx, e.platform)
	if err != nil {
		return nil, fmt.Errorf("failed to load scores: %w", err)
	}

	resp := &Response{
		Mode:      preset.Name,
		Preset:    preset,
		TimeRange: timeRange,
	}

	stability := StabilityFromEvents(events, since, now)
	stabilityBySymbol := make(map[string]float64, len(stability))
	for _, s := range stability {
		stabilityBySymbol[s.Symbol] = s.StabilityScore
	}
	resp.Stability = stability

	for _, c := range consensusList {
		if c.TotalTraders >= preset.CrowdedTraders && c.ConsensusDirection != consensus.DirectionNeutral {
			resp.Counts.Crowded++
			resp.Anomalies = append(resp.Anomalies, Anomaly{
				Type: AnomalyCrowdFormation, Symbol: c.Symbol, Severity: "warning",
				Value:   float64(c.TotalTraders),
				Message: fmt.Sprintf("%d traders crowded %s on %s", c.TotalTraders, c.ConsensusDirection, c.Symbol),
			})
		}
		if c.WeightedAvgLeverage >= preset.HighLeverage {
			resp.Counts.HighLeverage++
			resp.Anomalies = append(resp.Anomalies, Anomaly{
				Type: AnomalyLeverageSpike, Symbol: c.Symbol, Severity: "warning",
				Value:   c.WeightedAvgLeverage,
				Message: fmt.Sprintf("weighted leverage %.1fx on %s", c.WeightedAvgLeverage, c.Symbol),
			})
		}
		if float64(c.ConfidenceScore) < preset.LowConfidenceBelow && c.TotalTraders >= 2 {
			resp.Counts.LowConfidence++
			resp.Anomalies = append(resp.Anomalies, Anomaly{
				Type: AnomalyConfidenceDrop, Symbol: c.Symbol, Severity: "info",
				Value:   float64(c.ConfidenceScore),
				Message: fmt.Sprintf("consensus confidence %d on %s below %s threshold", c.ConfidenceScore, c.Symbol, preset.Name),
			})
		}
		if s, ok := stabilityBySymbol[c.Symbol]; ok && s < preset.UnstableBelow {
			resp.Counts.Unstable++
		}
	}

	resp.Leaderboard = e.leaderboard(events, scores, top, scoreMultiplier)

	resp.RiskScore = riskScore(resp.Counts)
	resp.RiskBand = riskBand(resp.RiskScore)

	return resp, nil
}

// StabilityFromEvents samples the window into buckets, derives a net
// direction per bucket from the event flow, and counts direction changes
// across the non-empty buckets.
func StabilityFromEvents(events []*database.Event, since, until time.Time) []SymbolStability {
	bucketLen := until.Sub(since) / stabilityBuckets
	if bucketLen <= 0 {
		return nil
	}

	// symbol -> bucket -> net long pressure
	pressure := make(map[string]map[int]int)
	for _, ev := range events {
		var delta int
		switch ev.EventType {
		case database.EventOpenLong, database.EventCloseShort:
			delta = 1
		case database.EventOpenShort, database.EventCloseLong:
			delta = -1
		default:
			continue
		}
		bucket := int(ev.EventTime.Sub(since) / bucketLen)
		if bucket < 0 || bucket >= stabilityBuckets {
			continue
		}
		if pressure[ev.Symbol] == nil {
			pressure[ev.Symbol] = make(map[int]int)
		}
		pressure[ev.Symbol][bucket] += delta
	}

	var out []SymbolStability
	for symbol, buckets := range pressure {
		var series []int
		for b := 0; b < stabilityBuckets; b++ {
			net, ok := buckets[b]
			if !ok || net == 0 {
				continue
			}
			dir := 1
			if net < 0 {
				dir = -1
			}
			series = append(series, dir)
		}

		flips := 0
		for i := 1; i < len(series); i++ {
			if series[i] != series[i-1] {
				flips++
			}
		}

		score := 100.0
		if len(series) > 0 {
			flipRate := float64(flips) / float64(len(series)) * 10
			score = math.Max(0, math.Min(100, 100-flipRate*stabilityFlipFactor))
		}

		out = append(out, SymbolStability{
			Symbol:         symbol,
			Flips:          flips,
			Samples:        len(series),
			StabilityScore: score,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// leaderboard ranks traders by a blend of weight, quality and activity.
func (e *Engine) leaderboard(events []*database.Event, scores map[string]*database.TraderScore, top int, multiplier float64) []LeaderboardEntry {
	activity := make(map[string]int)
	for _, ev := range events {
		activity[ev.LeadID]++
	}

	entries := make([]LeaderboardEntry, 0, len(scores))
	for leadID, s := range scores {
		entry := LeaderboardEntry{
			LeadID:         leadID,
			TraderWeight:   s.TraderWeight,
			QualityScore:   s.QualityScore,
			WinRate:        s.WinRate,
			SampleSize:     s.SampleSize,
			RealizedPnl30d: s.Score30d,
			ActivityEvents: activity[leadID],
		}
		activityBonus := math.Min(float64(entry.ActivityEvents), 20)
		entry.Score = (entry.QualityScore*0.5 + entry.TraderWeight*30 + activityBonus) * multiplier
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].LeadID < entries[j].LeadID
	})

	if len(entries) > top {
		entries = entries[:top]
	}
	return entries
}

// riskScore folds the four condition counts into [0,100]. Crowding and
// leverage weigh heavier than churn and weak confidence.
func riskScore(c RiskCounts) float64 {
	score := float64(c.Crowded)*15 + float64(c.HighLeverage)*15 + float64(c.Unstable)*10 + float64(c.LowConfidence)*5
	return math.Min(100, score)
}

func riskBand(score float64) string {
	switch {
	case score >= 60:
		return RiskBandHigh
	case score >= 30:
		return RiskBandMedium
	default:
		return RiskBandLow
	}
}
