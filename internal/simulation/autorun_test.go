package simulation

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"copytrade-radar/internal/consensus"
	"copytrade-radar/internal/database"
)

func newAutoRule() *database.AutoTriggerRule {
	return &database.AutoTriggerRule{
		Platform:        "binance",
		Enabled:         true,
		Segment:         database.SegmentBoth,
		TimeRange:       "24h",
		MinTraders:      2,
		MinConfidence:   40,
		MinSentimentAbs: 20,
		Leverage:        10,
		MarginNotional:  100,
		CooldownMinutes: 30,
	}
}

func btcConsensus(direction string, sentiment float64) *consensus.SymbolConsensus {
	return &consensus.SymbolConsensus{
		Symbol:             "BTCUSDT",
		ConsensusDirection: direction,
		SentimentScore:     sentiment,
		ConfidenceScore:    70,
		TotalTraders:       3,
	}
}

func TestAutoRunOpensThenReverses(t *testing.T) {
	store := newFakeSimStore()
	store.rule = newAutoRule()
	store.markPrices["BTCUSDT"] = []float64{60000}

	source := &fakeConsensus{results: []*consensus.SymbolConsensus{btcConsensus(database.SideLong, 0.6)}}
	engine := NewEngine(store, nil, source, "binance", zerolog.Nop())

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return clock }

	// Run A opens the LONG.
	resA, err := engine.AutoRun(context.Background(), false)
	if err != nil {
		t.Fatalf("run A failed: %v", err)
	}
	if resA.Status != AutoRunStatusOK || len(resA.Opened) != 1 || len(resA.Closed) != 0 {
		t.Fatalf("run A = %+v", resA)
	}
	if resA.Opened[0].Direction != database.SideLong || resA.Opened[0].EntryPrice != 60000 {
		t.Errorf("run A open = %+v", resA.Opened[0])
	}
	longID := resA.Opened[0].ID
	if store.positions[longID].Source != database.SimSourceAuto {
		t.Errorf("source = %s, want AUTO", store.positions[longID].Source)
	}

	// Consensus flips, but the cooldown has not elapsed.
	source.results = []*consensus.SymbolConsensus{btcConsensus(database.SideShort, -0.6)}
	clock = clock.Add(10 * time.Minute)

	resB, err := engine.AutoRun(context.Background(), false)
	if err != nil {
		t.Fatalf("run B failed: %v", err)
	}
	if resB.Status != AutoRunStatusCooldown || len(resB.Opened) != 0 || len(resB.Closed) != 0 {
		t.Fatalf("run B = %+v", resB)
	}

	// After the cooldown the reversal closes the LONG and opens the SHORT.
	clock = clock.Add(25 * time.Minute)

	resC, err := engine.AutoRun(context.Background(), false)
	if err != nil {
		t.Fatalf("run C failed: %v", err)
	}
	if resC.Status != AutoRunStatusOK {
		t.Fatalf("run C status = %s", resC.Status)
	}
	if len(resC.Closed) != 1 || resC.Closed[0].ID != longID || resC.Closed[0].Reason != database.CloseReasonReversal {
		t.Fatalf("run C closed = %+v", resC.Closed)
	}
	if len(resC.Opened) != 1 || resC.Opened[0].Direction != database.SideShort {
		t.Fatalf("run C opened = %+v", resC.Opened)
	}

	old := store.positions[longID]
	if old.Status != database.SimStatusClosed || *old.CloseReason != database.CloseReasonReversal {
		t.Errorf("reversed position = %s/%v", old.Status, old.CloseReason)
	}
}

func TestAutoRunRuleGates(t *testing.T) {
	store := newFakeSimStore()
	source := &fakeConsensus{results: []*consensus.SymbolConsensus{btcConsensus(database.SideLong, 0.6)}}
	engine := NewEngine(store, nil, source, "binance", zerolog.Nop())

	res, err := engine.AutoRun(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != AutoRunStatusNoRule {
		t.Errorf("status = %s, want no_rule", res.Status)
	}

	store.rule = newAutoRule()
	store.rule.Enabled = false
	res, err = engine.AutoRun(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != AutoRunStatusDisabled {
		t.Errorf("status = %s, want disabled", res.Status)
	}
}

func TestAutoRunThresholds(t *testing.T) {
	store := newFakeSimStore()
	store.rule = newAutoRule()
	store.markPrices["BTCUSDT"] = []float64{60000}

	cases := []struct {
		name string
		c    *consensus.SymbolConsensus
	}{
		{"neutral", btcConsensus(consensus.DirectionNeutral, 0.02)},
		{"too few traders", &consensus.SymbolConsensus{Symbol: "BTCUSDT", ConsensusDirection: database.SideLong, SentimentScore: 0.6, ConfidenceScore: 70, TotalTraders: 1}},
		{"low confidence", &consensus.SymbolConsensus{Symbol: "BTCUSDT", ConsensusDirection: database.SideLong, SentimentScore: 0.6, ConfidenceScore: 30, TotalTraders: 3}},
		{"weak sentiment", &consensus.SymbolConsensus{Symbol: "BTCUSDT", ConsensusDirection: database.SideLong, SentimentScore: 0.1, ConfidenceScore: 70, TotalTraders: 3}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			source := &fakeConsensus{results: []*consensus.SymbolConsensus{tc.c}}
			engine := NewEngine(store, nil, source, "binance", zerolog.Nop())
			store.rule.LastRunAt = nil

			res, err := engine.AutoRun(context.Background(), false)
			if err != nil {
				t.Fatal(err)
			}
			if len(res.Opened) != 0 {
				t.Errorf("opened %d positions below thresholds", len(res.Opened))
			}
		})
	}
}

func TestAutoRunDryRun(t *testing.T) {
	store := newFakeSimStore()
	store.rule = newAutoRule()
	store.markPrices["BTCUSDT"] = []float64{60000}

	source := &fakeConsensus{results: []*consensus.SymbolConsensus{btcConsensus(database.SideLong, 0.6)}}
	engine := NewEngine(store, nil, source, "binance", zerolog.Nop())

	res, err := engine.AutoRun(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != AutoRunStatusDryRun {
		t.Errorf("status = %s, want dry_run", res.Status)
	}
	if len(res.Opened) != 1 || res.Opened[0].ID != "" {
		t.Errorf("dry-run plan = %+v", res.Opened)
	}
	if len(store.positions) != 0 {
		t.Error("dry-run must not persist positions")
	}
	if store.rule.LastRunAt != nil {
		t.Error("dry-run must not stamp lastRunAt")
	}
}

func TestAutoRunSkipsAlreadyOpen(t *testing.T) {
	store := newFakeSimStore()
	store.rule = newAutoRule()
	store.markPrices["BTCUSDT"] = []float64{60000}

	source := &fakeConsensus{results: []*consensus.SymbolConsensus{btcConsensus(database.SideLong, 0.6)}}
	engine := NewEngine(store, nil, source, "binance", zerolog.Nop())

	if _, err := engine.AutoRun(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	store.rule.LastRunAt = nil

	res, err := engine.AutoRun(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Opened) != 0 {
		t.Errorf("opened duplicate position: %+v", res.Opened)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Reason != "already_open" {
		t.Errorf("skipped = %+v", res.Skipped)
	}
}
