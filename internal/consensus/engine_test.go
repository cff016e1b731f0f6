package consensus

import (
	"context"
	"math"
	"testing"
	"time"

	"copytrade-radar/internal/database"
)

type fakeStore struct {
	holdings []*database.TraderHolding
	scores   map[string]*database.TraderScore
}

func (f *fakeStore) GetTraderHoldings(_ context.Context, _, segment string, _ time.Time) ([]*database.TraderHolding, error) {
	if segment == database.SegmentBoth || segment == "" {
		return f.holdings, nil
	}
	var out []*database.TraderHolding
	for _, h := range f.holdings {
		if h.Segment == segment {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *fakeStore) GetTraderScores(_ context.Context, _ string) (map[string]*database.TraderScore, error) {
	return f.scores, nil
}

func floatEquals(a, b, tolerance float64) bool {
	return math.Abs(a-b) < tolerance
}

func TestWeightedConsensus(t *testing.T) {
	store := &fakeStore{
		holdings: []*database.TraderHolding{
			{LeadID: "A", Segment: database.SegmentVisible, Symbol: "SOLUSDT", Side: "LONG", Leverage: 10},
			{LeadID: "B", Segment: database.SegmentVisible, Symbol: "SOLUSDT", Side: "LONG", Leverage: 20},
			{LeadID: "C", Segment: database.SegmentVisible, Symbol: "SOLUSDT", Side: "SHORT", Leverage: 5},
		},
		scores: map[string]*database.TraderScore{
			"A": {TraderWeight: 0.5},
			"B": {TraderWeight: 0.3},
			"C": {TraderWeight: 0.2},
		},
	}

	engine := NewEngine(store, "binance")
	results, err := engine.Compute(context.Background(), "24h", database.SegmentBoth)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected one symbol, got %d", len(results))
	}

	c := results[0]
	if !floatEquals(c.LongWeight, 0.8, 1e-9) || !floatEquals(c.ShortWeight, 0.2, 1e-9) {
		t.Errorf("weights = %v/%v, want 0.8/0.2", c.LongWeight, c.ShortWeight)
	}
	if !floatEquals(c.SentimentScore, 0.6, 1e-9) {
		t.Errorf("sentiment = %v, want 0.6", c.SentimentScore)
	}
	if c.ConsensusDirection != DirectionLong {
		t.Errorf("direction = %s, want LONG", c.ConsensusDirection)
	}
	if c.ConfidenceScore != 45 {
		t.Errorf("confidence = %d, want round(100*0.6*0.75) = 45", c.ConfidenceScore)
	}
	if c.TotalTraders != 3 || c.LongCount != 2 || c.ShortCount != 1 {
		t.Errorf("counts = %d/%d/%d", c.TotalTraders, c.LongCount, c.ShortCount)
	}

	// (0.5*10 + 0.3*20 + 0.2*5) / 1.0 = 12
	if !floatEquals(c.WeightedAvgLeverage, 12, 1e-9) {
		t.Errorf("weightedAvgLeverage = %v, want 12", c.WeightedAvgLeverage)
	}
	if c.DataSource != SourceVisible {
		t.Errorf("dataSource = %s, want VISIBLE", c.DataSource)
	}
}

func TestConsensusTieIsNeutral(t *testing.T) {
	store := &fakeStore{
		holdings: []*database.TraderHolding{
			{LeadID: "A", Segment: database.SegmentVisible, Symbol: "BTCUSDT", Side: "LONG"},
			{LeadID: "B", Segment: database.SegmentHidden, Symbol: "BTCUSDT", Side: "SHORT"},
		},
		scores: map[string]*database.TraderScore{
			"A": {TraderWeight: 0.4},
			"B": {TraderWeight: 0.4},
		},
	}

	engine := NewEngine(store, "binance")
	results, err := engine.Compute(context.Background(), "24h", database.SegmentBoth)
	if err != nil {
		t.Fatal(err)
	}

	c := results[0]
	if c.SentimentScore != 0 {
		t.Errorf("sentiment = %v, want 0", c.SentimentScore)
	}
	if c.ConsensusDirection != DirectionNeutral {
		t.Errorf("direction = %s, want NEUTRAL", c.ConsensusDirection)
	}
	if c.ConfidenceScore != 0 {
		t.Errorf("confidence = %d, want 0", c.ConfidenceScore)
	}
	if c.DataSource != SourceMixed {
		t.Errorf("dataSource = %s, want MIXED", c.DataSource)
	}
}

func TestConsensusZeroWeightTradersExcluded(t *testing.T) {
	store := &fakeStore{
		holdings: []*database.TraderHolding{
			{LeadID: "A", Segment: database.SegmentHidden, Symbol: "ETHUSDT", Side: "SHORT", Leverage: 8},
			{LeadID: "Z", Segment: database.SegmentVisible, Symbol: "ETHUSDT", Side: "LONG", Leverage: 50},
		},
		scores: map[string]*database.TraderScore{
			"A": {TraderWeight: 0.7},
			"Z": {TraderWeight: 0}, // stale or unsampled
		},
	}

	engine := NewEngine(store, "binance")
	results, err := engine.Compute(context.Background(), "24h", database.SegmentBoth)
	if err != nil {
		t.Fatal(err)
	}

	c := results[0]
	if c.TotalTraders != 1 {
		t.Errorf("totalTraders = %d, want 1 (zero-weight excluded)", c.TotalTraders)
	}
	if c.ConsensusDirection != DirectionShort {
		t.Errorf("direction = %s, want SHORT", c.ConsensusDirection)
	}
	if c.DataSource != SourceHiddenDerived {
		t.Errorf("dataSource = %s, want HIDDEN_DERIVED", c.DataSource)
	}
}

func TestConsensusEpsilonBand(t *testing.T) {
	store := &fakeStore{
		holdings: []*database.TraderHolding{
			{LeadID: "A", Segment: database.SegmentVisible, Symbol: "XRPUSDT", Side: "LONG"},
			{LeadID: "B", Segment: database.SegmentVisible, Symbol: "XRPUSDT", Side: "SHORT"},
		},
		scores: map[string]*database.TraderScore{
			"A": {TraderWeight: 0.51},
			"B": {TraderWeight: 0.49},
		},
	}

	engine := NewEngine(store, "binance")
	results, err := engine.Compute(context.Background(), "24h", database.SegmentBoth)
	if err != nil {
		t.Fatal(err)
	}

	// sentiment = 0.02, inside the neutral band
	if results[0].ConsensusDirection != DirectionNeutral {
		t.Errorf("direction = %s, want NEUTRAL inside epsilon band", results[0].ConsensusDirection)
	}
}

func TestConsensusSortedByConfidence(t *testing.T) {
	store := &fakeStore{
		holdings: []*database.TraderHolding{
			{LeadID: "A", Segment: database.SegmentVisible, Symbol: "AAAUSDT", Side: "LONG"},
			{LeadID: "B", Segment: database.SegmentVisible, Symbol: "AAAUSDT", Side: "SHORT"},
			{LeadID: "A", Segment: database.SegmentVisible, Symbol: "BBBUSDT", Side: "LONG"},
			{LeadID: "B", Segment: database.SegmentVisible, Symbol: "BBBUSDT", Side: "LONG"},
		},
		scores: map[string]*database.TraderScore{
			"A": {TraderWeight: 0.6},
			"B": {TraderWeight: 0.4},
		},
	}

	engine := NewEngine(store, "binance")
	results, err := engine.Compute(context.Background(), "24h", database.SegmentBoth)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 symbols, got %d", len(results))
	}
	if results[0].Symbol != "BBBUSDT" {
		t.Errorf("unanimous symbol must rank first, got %s", results[0].Symbol)
	}
}
