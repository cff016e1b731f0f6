package simulation

import (
	"context"
	"fmt"
	"math"
	"time"

	"copytrade-radar/internal/consensus"
	"copytrade-radar/internal/database"
)

// Auto-run statuses.
const (
	AutoRunStatusOK       = "ok"
	AutoRunStatusDisabled = "disabled"
	AutoRunStatusCooldown = "cooldown"
	AutoRunStatusNoRule   = "no_rule"
	AutoRunStatusDryRun   = "dry_run"
)

// SkippedCandidate records why a consensus candidate produced no action.
type SkippedCandidate struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// PlannedOpen is one open the auto-run decided on (executed unless dry-run).
type PlannedOpen struct {
	Symbol     string  `json:"symbol"`
	Direction  string  `json:"direction"`
	Confidence int     `json:"confidence"`
	Sentiment  float64 `json:"sentiment"`
	EntryPrice float64 `json:"entry_price"`
	ID         string  `json:"id,omitempty"` // empty on dry-run
}

// PlannedClose is one reversal close the auto-run decided on.
type PlannedClose struct {
	ID        string `json:"id"`
	Symbol    string `json:"symbol"`
	Direction string `json:"direction"`
	Reason    string `json:"reason"`
}

// AutoRunResult reports one rule evaluation.
type AutoRunResult struct {
	Status     string             `json:"status"`
	RanAt      time.Time          `json:"ran_at"`
	Candidates int                `json:"candidates"`
	Opened     []PlannedOpen      `json:"opened"`
	Closed     []PlannedClose     `json:"closed"`
	Skipped    []SkippedCandidate `json:"skipped"`
}

// AutoRun evaluates the persisted trigger rule against the current consensus.
// dryRun produces the plan without persisting anything, and without stamping
// the cooldown.
func (e *Engine) AutoRun(ctx context.Context, dryRun bool) (*AutoRunResult, error) {
	now := e.now()
	result := &AutoRunResult{Status: AutoRunStatusOK, RanAt: now}

	rule, err := e.store.GetAutoTriggerRule(ctx, e.platform)
	if err != nil {
		return nil, fmt.Errorf("failed to load auto rule: %w", err)
	}
	if rule == nil {
		result.Status = AutoRunStatusNoRule
		return result, nil
	}
	if !rule.Enabled {
		result.Status = AutoRunStatusDisabled
		return result, nil
	}

	dryRun = dryRun || rule.DryRun

	if rule.LastRunAt != nil {
		cooldown := time.Duration(rule.CooldownMinutes) * time.Minute
		if now.Sub(*rule.LastRunAt) < cooldown {
			result.Status = AutoRunStatusCooldown
			return result, nil
		}
	}

	consensusList, err := e.consensus.ComputeAt(ctx, rule.TimeRange, rule.Segment, now)
	if err != nil {
		return nil, fmt.Errorf("failed to compute consensus: %w", err)
	}

	open, err := e.store.GetOpenSimulations(ctx, e.platform)
	if err != nil {
		return nil, fmt.Errorf("failed to load open simulations: %w", err)
	}
	openByKey := make(map[string]*database.SimulatedPosition)
	for _, p := range open {
		openByKey[p.Symbol+"|"+p.Direction] = p
	}

	// consensusList is already sorted by confidence descending.
	for _, c := range consensusList {
		if c.ConsensusDirection == consensus.DirectionNeutral {
			continue
		}
		if c.TotalTraders < rule.MinTraders ||
			float64(c.ConfidenceScore) < rule.MinConfidence ||
			math.Abs(c.SentimentScore)*100 < rule.MinSentimentAbs {
			continue
		}
		result.Candidates++

		if _, exists := openByKey[c.Symbol+"|"+c.ConsensusDirection]; exists {
			result.Skipped = append(result.Skipped, SkippedCandidate{Symbol: c.Symbol, Reason: "already_open"})
			continue
		}

		opposite := database.SideShort
		if c.ConsensusDirection == database.SideShort {
			opposite = database.SideLong
		}
		if prev, exists := openByKey[c.Symbol+"|"+opposite]; exists {
			planned := PlannedClose{ID: prev.ID, Symbol: prev.Symbol, Direction: prev.Direction, Reason: database.CloseReasonReversal}
			if !dryRun {
				if _, err := e.Close(ctx, prev.ID, database.CloseReasonReversal, nil); err != nil {
					result.Skipped = append(result.Skipped, SkippedCandidate{Symbol: c.Symbol, Reason: fmt.Sprintf("reversal close failed: %v", err)})
					continue
				}
				delete(openByKey, prev.Symbol+"|"+prev.Direction)
			}
			result.Closed = append(result.Closed, planned)
		}

		price, err := e.ResolveReferencePrice(ctx, c.Symbol)
		if err != nil {
			result.Skipped = append(result.Skipped, SkippedCandidate{Symbol: c.Symbol, Reason: "no reference price"})
			continue
		}

		planned := PlannedOpen{
			Symbol:     c.Symbol,
			Direction:  c.ConsensusDirection,
			Confidence: c.ConfidenceScore,
			Sentiment:  c.SentimentScore,
			EntryPrice: price,
		}

		if !dryRun {
			pos, err := e.Open(ctx, &OpenRequest{
				Symbol:         c.Symbol,
				Direction:      c.ConsensusDirection,
				Leverage:       rule.Leverage,
				MarginNotional: rule.MarginNotional,
				EntryPrice:     &price,
				SlippageBps:    rule.SlippageBps,
				CommissionBps:  rule.CommissionBps,
				Source:         database.SimSourceAuto,
			})
			if err != nil {
				result.Skipped = append(result.Skipped, SkippedCandidate{Symbol: c.Symbol, Reason: fmt.Sprintf("open failed: %v", err)})
				continue
			}
			planned.ID = pos.ID
			openByKey[pos.Symbol+"|"+pos.Direction] = pos
		}
		result.Opened = append(result.Opened, planned)
	}

	if dryRun {
		result.Status = AutoRunStatusDryRun
		return result, nil
	}

	if err := e.store.TouchAutoRuleLastRun(ctx, e.platform, now); err != nil {
		return result, fmt.Errorf("failed to stamp last run: %w", err)
	}

	return result, nil
}
